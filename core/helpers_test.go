package core

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type delivery struct {
	channel string
	event   string
	payload interface{}
}

// recordingEmitter stands in for the transport and records every delivery.
type recordingEmitter struct {
	mu         sync.Mutex
	deliveries []delivery
}

func (r *recordingEmitter) EmitTo(t string, payload interface{}, channels ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range channels {
		r.deliveries = append(r.deliveries, delivery{channel: ch, event: t, payload: payload})
	}
	return nil
}

func (r *recordingEmitter) to(channel string) []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []delivery
	for _, d := range r.deliveries {
		if d.channel == channel {
			out = append(out, d)
		}
	}
	return out
}

func (r *recordingEmitter) eventsTo(channel string) []string {
	var names []string
	for _, d := range r.to(channel) {
		names = append(names, d.event)
	}
	return names
}

func (r *recordingEmitter) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, d := range r.deliveries {
		if d.event == event {
			n++
		}
	}
	return n
}

func (r *recordingEmitter) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = nil
}

// lastPayload returns the payload of the last event of the given type sent to channel.
func (r *recordingEmitter) lastPayload(t *testing.T, channel, event string) interface{} {
	t.Helper()
	ds := r.to(channel)
	for i := len(ds) - 1; i >= 0; i-- {
		if ds[i].event == event {
			return ds[i].payload
		}
	}
	require.Failf(t, "no delivery", "%s was not sent to %s", event, channel)
	return nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type presenceFixture struct {
	emitter     *recordingEmitter
	registry    *Registry
	gateway     *Gateway
	coordinator *Coordinator
	clock       *fakeClock
}

func setUpPresence(t *testing.T, config PresenceConfig) *presenceFixture {
	t.Helper()
	f := &presenceFixture{
		emitter:  &recordingEmitter{},
		registry: NewRegistry(),
		clock:    &fakeClock{now: time.Date(2024, 2, 10, 9, 30, 0, 0, time.UTC)},
	}
	f.gateway = NewGateway(f.emitter)
	f.coordinator = NewCoordinator(f.registry, f.gateway, discardLogger, config, WithClock(f.clock.Now))
	return f
}

// toJSON round-trips v through encoding/json so assertions see the wire shape.
func toJSON(t *testing.T, v interface{}) map[string]interface{} {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &out))
	return out
}
