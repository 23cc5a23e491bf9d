package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// Event types starting with this prefix are raised by the server itself and
// are never accepted from the wire.
const internalEventPrefix = "$"

const (
	// DisconnectEvent is pushed onto the event stream by the connection
	// manager after the last inbound event of a closed channel.
	DisconnectEvent = internalEventPrefix + "disconnect"
	// SweepEvent triggers the offline member eviction.
	SweepEvent = internalEventPrefix + "sweep"
)

var ErrUnknownEvent = errors.New("unknown event")

type Event struct {
	// Channel is the ID of the connection the event was received from.
	Channel string `json:"-"`
	// ReceivedAt is the time the event was read off the connection.
	ReceivedAt time.Time       `json:"-"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Channel: %s, Type: %s, Payload.Size: %d}", e.Channel, e.Type, len(e.Payload))
}

func isInternalEvent(t string) bool {
	return strings.HasPrefix(t, internalEventPrefix)
}

func EncodeEvent(w io.Writer, e *Event) error {
	if err := json.NewEncoder(w).Encode(e); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return nil
}

func DecodeEvent(r io.Reader, e *Event) error {
	if err := json.NewDecoder(r).Decode(e); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	if e.Type == "" {
		return errors.New("decode event: missing type")
	}
	if isInternalEvent(e.Type) {
		return fmt.Errorf("decode event: reserved type %q", e.Type)
	}
	return nil
}

// EventTransport delivers outbound events to channels and exposes the ordered
// stream of inbound events.
type EventTransport interface {
	SendTo(event *Event, channels ...string)
	Receive() <-chan *Event
}

type EventHandler func(context.Context, *Event) error

// EventRouter is the single worker that drains the inbound event stream.
// Handlers run one at a time, in the order events were received.
type EventRouter struct {
	listeners map[string]EventHandler
	ctx       context.Context
	transport EventTransport
	logger    *slog.Logger
	local     chan *Event
	onHandled func(eventType string, err error)
	done      chan struct{}
}

type EventRouterOption func(*EventRouter)

// WithHandledHook registers f to be called after every event is handled.
// err is nil on success.
func WithHandledHook(f func(eventType string, err error)) EventRouterOption {
	return func(em *EventRouter) {
		em.onHandled = f
	}
}

func NewEventRouter(ctx context.Context, logger *slog.Logger, transport EventTransport, opts ...EventRouterOption) *EventRouter {
	em := &EventRouter{
		listeners: make(map[string]EventHandler),
		ctx:       ctx,
		transport: transport,
		logger:    logger,
		local:     make(chan *Event, 16),
		onHandled: func(string, error) {},
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(em)
	}
	return em
}

// Listen starts the worker. It returns immediately; the worker stops when
// the router's context is done.
func (em *EventRouter) Listen() {
	go func() {
		defer close(em.done)
		for {
			select {
			case <-em.ctx.Done():
				em.logger.Debug("event router stopped")
				return
			case e := <-em.transport.Receive():
				em.handle(e)
			case e := <-em.local:
				em.handle(e)
			}
		}
	}()
}

// Close waits for the worker to exit or for ctx to be done.
func (em *EventRouter) Close(ctx context.Context) {
	select {
	case <-em.done:
	case <-ctx.Done():
		em.logger.Warn("event router did not stop in time")
	}
}

func (em *EventRouter) handle(e *Event) {
	logger := em.logger.With(slog.String("event", e.Type), slog.String("channel", e.Channel))

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			logger.Error("handler panicked", slog.Any("panic", r))
		}
		em.onHandled(e.Type, err)
	}()

	h, ok := em.listeners[e.Type]
	if !ok {
		err = ErrUnknownEvent
		logger.Debug("no handler registered")
		return
	}

	logger.Debug(e.String())
	if err = h(em.ctx, e); err != nil {
		var verr *ValidationError
		switch {
		case errors.Is(err, ErrDropped):
			logger.Debug("event dropped", slog.String("reason", err.Error()))
		case errors.As(err, &verr):
			logger.Info("event rejected", slog.String("reason", verr.Error()))
		default:
			logger.Error(fmt.Sprintf("%s handler: %s", e.Type, err))
		}
	}
}

// On registers the handler for an event type. It must be called before Listen.
func (em *EventRouter) On(eventName string, handler EventHandler) {
	em.listeners[eventName] = handler
}

// Dispatch submits an event raised inside the process to the worker.
func (em *EventRouter) Dispatch(e *Event) {
	select {
	case em.local <- e:
	case <-em.ctx.Done():
	}
}

// EmitTo sends an event to the given channels.
func (em *EventRouter) EmitTo(t string, payload interface{}, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	e := &Event{
		Type:    t,
		Payload: b,
	}

	em.transport.SendTo(e, channels...)
	return nil
}
