// Package notify delivers composed messages to the community chat channel.
package notify

import "context"

// Sink delivers one message.
type Sink interface {
	Send(ctx context.Context, text string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, text string) error

func (f SinkFunc) Send(ctx context.Context, text string) error {
	return f(ctx, text)
}
