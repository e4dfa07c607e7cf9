package bus

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates an event bus from configuration: "channel" for in-process
// delivery, "nats" for a shared broker across replicas.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// handle runs handler and turns a panic into an error, so one bad message
// cannot take down the subscriber goroutine or the process.
func handle(ctx context.Context, handler domain.MessageHandler, msg *domain.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return handler(ctx, msg)
}
