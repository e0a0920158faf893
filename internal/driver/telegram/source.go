package telegram

import (
	"context"
	"fmt"
)

// UpdateHandler receives one mapped update. A returned error ends the
// consuming loop.
type UpdateHandler func(ctx context.Context, update Update) error

// UpdateSource feeds updates to a handler until ctx ends, the input is
// exhausted, or the handler fails.
type UpdateSource interface {
	Consume(ctx context.Context, handler UpdateHandler) error
}

// ChannelSource replays updates from a channel. Tests and local tooling use
// it in place of a live session.
type ChannelSource struct {
	Updates <-chan Update
}

// Consume forwards updates until the channel closes or ctx ends.
func (s ChannelSource) Consume(ctx context.Context, handler UpdateHandler) error {
	if handler == nil {
		return fmt.Errorf("channel source: nil handler")
	}

	return pump(ctx, s.Updates, func(ctx context.Context, update Update) error {
		if err := handler(ctx, update); err != nil {
			return fmt.Errorf("channel source handle update %s: %w", update.Type, err)
		}
		return nil
	})
}

// GotdUserbotClient runs fn inside a connected, authorized session.
type GotdUserbotClient interface {
	Run(ctx context.Context, fn func(runCtx context.Context) error) error
}

// GotdRawUpdateStream yields raw gotd updates for the session lifetime.
type GotdRawUpdateStream interface {
	Updates(ctx context.Context) (<-chan any, error)
}

// GotdUpdateMapper turns a raw gotd update into an Update. Updates the
// driver does not handle come back with accepted set to false.
type GotdUpdateMapper interface {
	Map(ctx context.Context, raw any) (update Update, accepted bool, err error)
}

// GotdUserbotSource is the live UpdateSource of a userbot session.
type GotdUserbotSource struct {
	client   GotdUserbotClient
	stream   GotdRawUpdateStream
	mapper   GotdUpdateMapper
	onMapErr func(context.Context, error)
}

// GotdUserbotSourceOption configures a GotdUserbotSource.
type GotdUserbotSourceOption func(*GotdUserbotSource)

// WithMapErrorHandler receives updates the mapper failed on. Such updates
// are skipped and the session keeps running.
func WithMapErrorHandler(handler func(context.Context, error)) GotdUserbotSourceOption {
	return func(source *GotdUserbotSource) {
		if handler != nil {
			source.onMapErr = handler
		}
	}
}

// NewGotdUserbotSource creates a GotdUserbotSource.
func NewGotdUserbotSource(
	client GotdUserbotClient,
	stream GotdRawUpdateStream,
	mapper GotdUpdateMapper,
	options ...GotdUserbotSourceOption,
) (*GotdUserbotSource, error) {
	switch {
	case client == nil:
		return nil, fmt.Errorf("new gotd userbot source: nil client")
	case stream == nil:
		return nil, fmt.Errorf("new gotd userbot source: nil stream")
	case mapper == nil:
		return nil, fmt.Errorf("new gotd userbot source: nil mapper")
	}

	source := &GotdUserbotSource{
		client:   client,
		stream:   stream,
		mapper:   mapper,
		onMapErr: func(context.Context, error) {},
	}
	for _, option := range options {
		option(source)
	}

	return source, nil
}

// Consume runs the session and maps every raw update it yields.
func (s *GotdUserbotSource) Consume(ctx context.Context, handler UpdateHandler) error {
	if handler == nil {
		return fmt.Errorf("consume gotd userbot updates: nil handler")
	}

	err := s.client.Run(ctx, func(runCtx context.Context) error {
		raw, err := s.stream.Updates(runCtx)
		if err != nil {
			return fmt.Errorf("get gotd updates stream: %w", err)
		}

		return pump(runCtx, raw, func(ctx context.Context, rawUpdate any) error {
			update, accepted, err := s.mapSafely(ctx, rawUpdate)
			switch {
			case err != nil:
				s.onMapErr(ctx, fmt.Errorf("map gotd update: %w", err))
				return nil
			case !accepted:
				return nil
			}
			if err := handler(ctx, update); err != nil {
				return fmt.Errorf("consume gotd update %s: %w", update.Type, err)
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("consume gotd userbot updates: %w", err)
	}

	return nil
}

func (s *GotdUserbotSource) mapSafely(ctx context.Context, raw any) (update Update, accepted bool, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			update, accepted, err = Update{}, false, fmt.Errorf("map gotd update panic: %v", recovered)
		}
	}()

	update, accepted, err = s.mapper.Map(ctx, raw)
	if err != nil {
		return Update{}, false, fmt.Errorf("map gotd raw update: %w", err)
	}

	return update, accepted, nil
}

// pump calls fn for each item of in until in closes, ctx ends, or fn fails.
// Cancellation is a clean stop.
func pump[T any](ctx context.Context, in <-chan T, fn func(context.Context, T) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case item, ok := <-in:
			if !ok {
				return nil
			}
			if err := fn(ctx, item); err != nil {
				return err
			}
		}
	}
}
