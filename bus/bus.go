package bus

import (
	"context"
	stderrors "errors"
	"sync"

	apperrors "github.com/goliatone/go-errors"
	"github.com/talepreter/talepreter"
)

// Publisher is the outbound side of the bus.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Subscription allows a handler to be removed again.
type Subscription interface {
	Unsubscribe()
}

type handlerFunc func(ctx context.Context, msg Message) error

// Bus is an in process message bus. Handlers are keyed by message type and
// every registered handler of a type sees every published message of that
// type. A broker backed transport implements Publisher the same way.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]*registration
	logger   talepreter.Logger
}

type registration struct {
	fn handlerFunc
}

// Option defines the functional option signature.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(logger talepreter.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// New applies the given options to a new bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[string][]*registration),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.logger = talepreter.NormalizeLogger(b.logger)
	return b
}

// Publish validates the message and hands it to every handler of its type.
// Handler errors are joined, not short circuited, so one failing consumer
// does not hide the message from the others.
func (b *Bus) Publish(ctx context.Context, msg Message) error {
	if msg == nil {
		return apperrors.New("nil message", apperrors.CategoryValidation).
			WithTextCode("INVALID_MESSAGE")
	}
	if err := msg.Validate(); err != nil {
		return apperrors.Wrap(err, apperrors.CategoryValidation, "message validation failed").
			WithTextCode("VALIDATION_FAILED")
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	b.mu.RLock()
	regs := append([]*registration(nil), b.handlers[msg.Type()]...)
	b.mu.RUnlock()

	var errs error
	for _, reg := range regs {
		if err := reg.fn(ctx, msg); err != nil {
			b.logger.Error("bus handler failed for %s: %v", msg.Type(), err)
			errs = stderrors.Join(errs, err)
		}
	}
	return errs
}

func (b *Bus) register(msgType string, reg *registration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[msgType] = append(b.handlers[msgType], reg)
}

func (b *Bus) unregister(msgType string, reg *registration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := b.handlers[msgType]
	for i, r := range regs {
		if r == reg {
			b.handlers[msgType] = append(regs[:i], regs[i+1:]...)
			return
		}
	}
}

type subs struct {
	bus     *Bus
	msgType string
	reg     *registration
	once    sync.Once
}

func (s *subs) Unsubscribe() {
	s.once.Do(func() {
		s.bus.unregister(s.msgType, s.reg)
	})
}

// Subscribe registers a typed handler for message type T.
func Subscribe[T Message](b *Bus, handler func(ctx context.Context, msg T) error) Subscription {
	var msg T
	reg := &registration{
		fn: func(ctx context.Context, raw Message) error {
			typed, ok := raw.(T)
			if !ok {
				return apperrors.New("message type mismatch", apperrors.CategoryHandler).
					WithTextCode("HANDLER_TYPE_MISMATCH").
					WithMetadata(map[string]any{"type": raw.Type()})
			}
			return handler(ctx, typed)
		},
	}
	b.register(msg.Type(), reg)
	return &subs{bus: b, msgType: msg.Type(), reg: reg}
}
