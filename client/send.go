package client

import (
	"context"
	"fmt"

	"github.com/ThinkInAIXYZ/go-cometd/protocol"
)

func (client *Client) send(ctx context.Context, msgs ...*protocol.Message) error {
	frame, err := protocol.Encode(msgs)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}

	if err = client.transport.Send(ctx, frame); err != nil {
		return fmt.Errorf("transport send: %w", err)
	}
	return nil
}
