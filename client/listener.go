package client

import (
	"slices"

	"github.com/ThinkInAIXYZ/go-cometd/pkg"
	"github.com/ThinkInAIXYZ/go-cometd/protocol"
)

// MessageListener receives messages for one channel. Listeners on a meta
// channel see every reply on it, including the /meta/connect failures the
// client produces itself when a connect times out.
type MessageListener func(msg *protocol.Message)

type listener struct {
	id uint64
	fn MessageListener
}

// AddListener registers fn for channel without talking to the server. The
// returned func removes it.
func (client *Client) AddListener(channel string, fn MessageListener) (remove func()) {
	l := &listener{id: client.listenerID.Add(1), fn: fn}
	client.listeners.Upsert(channel, nil, func(_ bool, existing []*listener, _ []*listener) []*listener {
		return append(slices.Clone(existing), l)
	})
	return func() { client.removeListener(channel, l.id) }
}

func (client *Client) removeListener(channel string, id uint64) {
	client.listeners.Upsert(channel, nil, func(_ bool, existing []*listener, _ []*listener) []*listener {
		return slices.DeleteFunc(slices.Clone(existing), func(l *listener) bool { return l.id == id })
	})
	client.listeners.RemoveCb(channel, func(_ string, v []*listener, exists bool) bool {
		return exists && len(v) == 0
	})
}

func (client *Client) removeListeners(channel string) {
	client.listeners.Remove(channel)
}

func (client *Client) notifyListeners(msg *protocol.Message) {
	listeners, ok := client.listeners.Get(msg.Channel)
	if !ok {
		if !msg.IsMeta() {
			client.logger.Debugf("cometd client dropped message on %s: no listener", msg.Channel)
		}
		return
	}

	for _, l := range listeners {
		func() {
			defer pkg.RecoverWithFunc(func(r any) {
				client.logger.Errorf("cometd client listener on %s panic: %+v", msg.Channel, r)
			})
			l.fn(msg)
		}()
	}
}
