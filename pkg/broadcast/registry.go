// Package broadcast maps artists to the live subscribers of their fetch.
//
// Each running fetch owns one channel. Subscribers may join at any point
// while the channel is open; they receive a hello, a snapshot of everything
// fetched so far and then every live update, followed by exactly one
// goodbye. After the goodbye the channel stops accepting joins, lingers
// briefly and force-closes whoever is still attached.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/Sternrassler/setlist-stream/pkg/record"
	"github.com/rs/zerolog"
)

var (
	// ErrUnauthorized is returned when joining a channel that does not exist
	// or has already said goodbye.
	ErrUnauthorized = errors.New("no active channel for subject")

	// ErrChannelExists is returned by AddSubject for an id that already has
	// an open channel.
	ErrChannelExists = errors.New("channel already exists")

	// ErrSubscriberClosed is returned by Join when the subscriber went away
	// before its hello could be queued.
	ErrSubscriberClosed = errors.New("subscriber closed")
)

// Source exposes the state of the fetch behind a channel. It is read under
// the channel lock, so it must not call back into the Registry.
type Source interface {
	Snapshot() (records []record.Record, totalExpected *int)
}

// Config holds the registry timings.
type Config struct {
	// GoodbyeWait is how long CloseChannel waits for a first subscriber.
	GoodbyeWait time.Duration

	// PollInterval is the polling step during GoodbyeWait.
	PollInterval time.Duration

	// Linger is the delay between the goodbye and the forced close.
	Linger time.Duration

	// SendBuffer is the per-subscriber outbound queue size.
	SendBuffer int
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		GoodbyeWait:  10 * time.Second,
		PollInterval: 500 * time.Millisecond,
		Linger:       time.Second,
		SendBuffer:   DefaultSendBuffer,
	}
}

type channel struct {
	id     string
	source Source

	mu          sync.Mutex
	subscribers map[string]*Subscriber
	closed      bool
}

// Registry tracks one channel per active subject.
//
// Lock order is channel.mu before Registry.mu; Source locks are only taken
// while holding channel.mu.
type Registry struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.RWMutex
	channels map[string]*channel
}

// NewRegistry creates an empty registry. Zero config fields take defaults.
func NewRegistry(cfg Config, logger zerolog.Logger) *Registry {
	def := DefaultConfig()
	if cfg.GoodbyeWait < 0 {
		cfg.GoodbyeWait = 0
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Linger < 0 {
		cfg.Linger = 0
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		channels: make(map[string]*channel),
	}
}

// NewSubscriber creates a subscriber sized for this registry.
func (r *Registry) NewSubscriber() *Subscriber {
	return NewSubscriber(r.cfg.SendBuffer)
}

// AddSubject opens a channel for id backed by src.
func (r *Registry) AddSubject(id string, src Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.channels[id]; ok {
		return ErrChannelExists
	}
	r.channels[id] = &channel{
		id:          id,
		source:      src,
		subscribers: make(map[string]*Subscriber),
	}
	channelsActive.Inc()

	r.logger.Debug().Str("mbid", id).Msg("Channel opened")
	return nil
}

func (r *Registry) lookup(id string) *channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channels[id]
}

// CanJoin reports whether a subscriber could currently join id.
func (r *Registry) CanJoin(id string) bool {
	ch := r.lookup(id)
	if ch == nil {
		return false
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return !ch.closed
}

// Join attaches sub to the channel for id and queues the hello and, when
// anything has been fetched yet, the snapshot update.
func (r *Registry) Join(id string, sub *Subscriber) error {
	ch := r.lookup(id)
	if ch == nil {
		joinsRejected.Inc()
		return ErrUnauthorized
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		joinsRejected.Inc()
		return ErrUnauthorized
	}

	records, total := ch.source.Snapshot()

	if !r.send(sub, NewHello(id, total)) {
		return ErrSubscriberClosed
	}
	if len(records) > 0 {
		if !r.send(sub, NewUpdate(records, 0, total)) {
			return ErrSubscriberClosed
		}
	}

	ch.subscribers[sub.ID()] = sub
	subscribersActive.Inc()

	r.logger.Debug().
		Str("mbid", id).
		Str("subscriber", sub.ID()).
		Int("snapshot", len(records)).
		Msg("Subscriber joined")
	return nil
}

// Leave detaches a subscriber. Unknown ids are ignored.
func (r *Registry) Leave(id string, sub *Subscriber) {
	ch := r.lookup(id)
	if ch == nil {
		return
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, ok := ch.subscribers[sub.ID()]; ok {
		delete(ch.subscribers, sub.ID())
		subscribersActive.Dec()
	}
}

// Broadcast multicasts ev to every subscriber of id and returns how many
// received it. An absent channel yields 0.
func (r *Registry) Broadcast(id string, ev Event) int {
	return r.BroadcastWith(id, func() Event { return ev })
}

// BroadcastWith runs produce under the channel lock and multicasts the event
// it returns. A Source that mutates its state inside produce is therefore
// never observed half-way by a concurrent Join. produce runs even when the
// channel is absent; a nil event is not sent.
func (r *Registry) BroadcastWith(id string, produce func() Event) int {
	ch := r.lookup(id)
	if ch == nil {
		produce()
		return 0
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	ev := produce()
	if ev == nil || ch.closed {
		return 0
	}
	return r.multicastLocked(ch, ev)
}

// CloseChannel ends the channel for id with final.
//
// If no subscriber is attached it first waits up to GoodbyeWait for one to
// appear. The goodbye is then sent regardless, the channel stops accepting
// joins, and after Linger any remaining subscribers are closed. ctx only
// shortens the waits; the goodbye is always sent.
func (r *Registry) CloseChannel(ctx context.Context, id string, final Event) {
	ch := r.lookup(id)
	if ch == nil {
		r.logger.Warn().Str("mbid", id).Msg("Close requested for unknown channel")
		return
	}

	r.awaitSubscriber(ctx, ch)

	ch.mu.Lock()
	n := r.multicastLocked(ch, final)
	ch.closed = true
	r.mu.Lock()
	if r.channels[id] == ch {
		delete(r.channels, id)
		channelsActive.Dec()
	}
	r.mu.Unlock()
	ch.mu.Unlock()

	if n == 0 {
		goodbyeWithoutSubscribers.Inc()
		r.logger.Warn().Str("mbid", id).Msg("Goodbye sent with no subscribers attached")
	} else {
		r.logger.Debug().Str("mbid", id).Int("subscribers", n).Msg("Goodbye sent")
	}

	sleepContext(ctx, r.cfg.Linger)

	ch.mu.Lock()
	remaining := make([]*Subscriber, 0, len(ch.subscribers))
	for subID, sub := range ch.subscribers {
		remaining = append(remaining, sub)
		delete(ch.subscribers, subID)
		subscribersActive.Dec()
	}
	ch.mu.Unlock()

	for _, sub := range remaining {
		sub.Close()
	}
	if len(remaining) > 0 {
		r.logger.Debug().Str("mbid", id).Int("closed", len(remaining)).Msg("Force-closed lingering subscribers")
	}
}

// SubscriberCount returns the number of subscribers attached to id.
func (r *Registry) SubscriberCount(id string) int {
	ch := r.lookup(id)
	if ch == nil {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.subscribers)
}

// Channels returns the number of open channels.
func (r *Registry) Channels() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

func (r *Registry) awaitSubscriber(ctx context.Context, ch *channel) {
	if r.cfg.GoodbyeWait <= 0 {
		return
	}
	deadline := time.Now().Add(r.cfg.GoodbyeWait)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		ch.mu.Lock()
		n := len(ch.subscribers)
		ch.mu.Unlock()
		if n > 0 || !time.Now().Before(deadline) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// multicastLocked encodes ev once and queues it to every subscriber.
// Subscribers that are closed or full are removed. Caller holds ch.mu.
func (r *Registry) multicastLocked(ch *channel, ev Event) int {
	data, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error().Err(err).Str("mbid", ch.id).Str("type", ev.Kind()).Msg("Failed to encode event")
		return 0
	}

	delivered := 0
	for subID, sub := range ch.subscribers {
		if sub.enqueue(data) {
			delivered++
			continue
		}
		delete(ch.subscribers, subID)
		subscribersActive.Dec()
		if !sub.Closed() {
			subscribersDropped.Inc()
			r.logger.Warn().Str("mbid", ch.id).Str("subscriber", subID).Msg("Dropping slow subscriber")
			sub.Close()
		}
	}
	messagesTotal.WithLabelValues(ev.Kind()).Add(float64(delivered))
	return delivered
}

// send encodes and queues ev to a single subscriber.
func (r *Registry) send(sub *Subscriber, ev Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error().Err(err).Str("type", ev.Kind()).Msg("Failed to encode event")
		return false
	}
	if !sub.enqueue(data) {
		return false
	}
	messagesTotal.WithLabelValues(ev.Kind()).Inc()
	return true
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
