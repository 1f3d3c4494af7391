package pkg

import "errors"

var (
	// ErrSessionClosed is returned when enqueuing on, or completing frames of, a terminated session.
	ErrSessionClosed = errors.New("session closed")

	// ErrTransportSend marks a single frame that failed to reach the wire.
	ErrTransportSend = errors.New("transport send failure")

	// ErrTransportClosed marks a link that is gone; frames still queued behind it fail with it.
	ErrTransportClosed = errors.New("transport closed")

	// ErrProcessing is reported when the processor signals failure for an inbound frame.
	ErrProcessing = errors.New("inbound processing failure")

	// ErrConnectTimeout is reported when a held connect saw no activity before its deadline.
	ErrConnectTimeout = errors.New("connect timeout expired")

	ErrGateClosed        = errors.New("inbound gate closed")
	ErrLinkDetached      = errors.New("no transport link attached")
	ErrUnknownSession    = errors.New("unknown session")
	ErrJSONUnmarshal     = errors.New("json unmarshal error")
	ErrMessageInvalid    = errors.New("invalid message")
	ErrChannelNotAllowed = errors.New("channel not allowed")
	ErrServerShutdown    = errors.New("server already shutdown")
	ErrClientClosed      = errors.New("client closed")
	ErrNotHandshaken     = errors.New("client not handshaken")
)
