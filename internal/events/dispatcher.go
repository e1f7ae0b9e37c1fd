package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-billing/internal/obs"
)

// ErrDuplicateEvent is returned when the event id was already processed.
var ErrDuplicateEvent = errors.New("events: duplicate event")

// Handler reacts to domain events.
type Handler interface {
	Name() string
	Handles(t Type) bool
	Handle(ctx context.Context, ev Event) error
}

type funcHandler struct {
	name  string
	types map[Type]struct{}
	fn    func(context.Context, Event) error
}

// Func adapts fn into a Handler for the given types. No types means all.
func Func(name string, fn func(context.Context, Event) error, types ...Type) Handler {
	h := &funcHandler{name: name, fn: fn}
	if len(types) > 0 {
		h.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			h.types[t] = struct{}{}
		}
	}
	return h
}

func (h *funcHandler) Name() string { return h.name }

func (h *funcHandler) Handles(t Type) bool {
	if h.types == nil {
		return true
	}
	_, ok := h.types[t]
	return ok
}

func (h *funcHandler) Handle(ctx context.Context, ev Event) error { return h.fn(ctx, ev) }

// HandlerStatus is the per-handler result of a dispatch.
type HandlerStatus string

const (
	HandlerOK      HandlerStatus = "ok"
	HandlerFailed  HandlerStatus = "failed"
	HandlerSkipped HandlerStatus = "skipped"
)

// HandlerResult records what one handler did with an event.
type HandlerResult struct {
	Handler string
	Status  HandlerStatus
	Err     error
}

// Outcome summarises a dispatch.
type Outcome struct {
	Event     Event
	Duplicate bool
	Results   []HandlerResult
}

// Failed reports whether any handler failed.
func (o Outcome) Failed() bool {
	for _, r := range o.Results {
		if r.Status == HandlerFailed {
			return true
		}
	}
	return false
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithProcessedStore enables deduplication by event id.
func WithProcessedStore(s ProcessedStore) Option {
	return func(d *Dispatcher) { d.processed = s }
}

// WithLog persists every accepted event.
func WithLog(l Log) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// Dispatcher routes events to subscribed handlers in subscription order.
type Dispatcher struct {
	mu        sync.RWMutex
	handlers  []Handler
	processed ProcessedStore
	log       Log
	logger    zerolog.Logger
}

// NewDispatcher builds a dispatcher.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Subscribe appends handlers.
func (d *Dispatcher) Subscribe(handlers ...Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			d.handlers = append(d.handlers, h)
		}
	}
}

// Dispatch delivers ev to every handler that handles its type. An event id
// already processed yields ErrDuplicateEvent. When a handler fails the claim
// is released so a redelivery runs the event again, and the returned error
// joins every handler failure.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (Outcome, error) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	out := Outcome{Event: ev}
	logger := d.logger.With().Str("event_type", string(ev.Type)).Str("event_id", ev.ID).Str("provider", ev.Provider).Logger()

	key := ev.DedupKey()
	claimed := false
	if key != "" && d.processed != nil {
		ok, err := d.processed.Claim(ctx, key)
		if err != nil {
			return out, err
		}
		if !ok {
			out.Duplicate = true
			obs.Inc(obs.DuplicateEventsTotal, labelOrNone(ev.Provider))
			logger.Debug().Msg("duplicate_event_skipped")
			return out, ErrDuplicateEvent
		}
		claimed = true
	}

	if d.log != nil {
		if err := d.log.Append(ctx, ev); err != nil {
			d.release(ctx, key, claimed, logger)
			return out, err
		}
	}

	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers...)
	d.mu.RUnlock()

	var failures []error
	for _, h := range handlers {
		if !h.Handles(ev.Type) {
			continue
		}
		if ctx.Err() != nil {
			out.Results = append(out.Results, HandlerResult{Handler: h.Name(), Status: HandlerSkipped, Err: ctx.Err()})
			obs.Inc(obs.EventHandlerTotal, string(ev.Type), h.Name(), string(HandlerSkipped))
			failures = append(failures, fmt.Errorf("%s: %w", h.Name(), ctx.Err()))
			continue
		}
		res := d.run(ctx, h, ev)
		out.Results = append(out.Results, res)
		obs.Inc(obs.EventHandlerTotal, string(ev.Type), h.Name(), string(res.Status))
		if res.Err != nil {
			logger.Error().Err(res.Err).Str("handler", h.Name()).Msg("event_handler_failed")
			failures = append(failures, fmt.Errorf("%s: %w", h.Name(), res.Err))
		}
	}

	if len(failures) > 0 {
		d.release(ctx, key, claimed, logger)
		return out, errors.Join(failures...)
	}
	return out, nil
}

func (d *Dispatcher) run(ctx context.Context, h Handler, ev Event) (res HandlerResult) {
	res = HandlerResult{Handler: h.Name(), Status: HandlerOK}
	defer func() {
		if r := recover(); r != nil {
			res.Status = HandlerFailed
			res.Err = fmt.Errorf("panic: %v", r)
		}
	}()
	if err := h.Handle(ctx, ev); err != nil {
		res.Status = HandlerFailed
		res.Err = err
	}
	return res
}

func (d *Dispatcher) release(ctx context.Context, key string, claimed bool, logger zerolog.Logger) {
	if !claimed {
		return
	}
	// the claim must go even when the request context is done
	if err := d.processed.Release(context.WithoutCancel(ctx), key); err != nil {
		logger.Error().Err(err).Msg("event_claim_release_failed")
	}
}

func labelOrNone(v string) string {
	if v == "" {
		return "none"
	}
	return v
}
