package transport

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Scenario enumerates the deterministic behaviours of the mock transport.
type Scenario string

const (
	// ScenarioSuccess accepts every part and confirms delivery.
	ScenarioSuccess Scenario = "success"
	// ScenarioNoDelivery accepts every part but never confirms delivery.
	ScenarioNoDelivery Scenario = "no_delivery"
	// ScenarioSendFailed rejects the message at the network level.
	ScenarioSendFailed Scenario = "send_failed"
	// ScenarioHandoffPermanent fails the handoff itself with a permanent error.
	ScenarioHandoffPermanent Scenario = "handoff_permanent"
)

// Option customises the mock transport.
type Option func(*Mock)

// WithScenario sets the scenario applied to every destination.
func WithScenario(s Scenario) Option {
	return func(m *Mock) {
		m.defaultScenario = s
	}
}

// WithScenarioFunc picks a scenario per destination, overriding the default.
func WithScenarioFunc(fn func(destination string) Scenario) Option {
	return func(m *Mock) {
		if fn != nil {
			m.scenarioFor = fn
		}
	}
}

// WithLatency configures the artificial latency before each outcome.
func WithLatency(d time.Duration) Option {
	return func(m *Mock) {
		if d < 0 {
			d = 0
		}
		m.latency = d
	}
}

// WithClock overrides the clock used to timestamp events (useful in tests).
func WithClock(now func() time.Time) Option {
	return func(m *Mock) {
		if now != nil {
			m.now = now
		}
	}
}

// WithConcurrency bounds the number of in-flight sends.
func WithConcurrency(n int) Option {
	return func(m *Mock) {
		if n > 0 {
			m.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// Mock is a deterministic Transport used for local runs and tests. It splits
// payloads like a real carrier path would and emits outcome events
// asynchronously.
type Mock struct {
	logger          zerolog.Logger
	defaultScenario Scenario
	scenarioFor     func(destination string) Scenario
	latency         time.Duration
	now             func() time.Time
	sem             *semaphore.Weighted

	events chan Event

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// NewMock constructs a mock transport.
func NewMock(logger zerolog.Logger, opts ...Option) *Mock {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	m := &Mock{
		logger:          logger.With().Str("component", "mock-transport").Logger(),
		defaultScenario: ScenarioSuccess,
		latency:         10 * time.Millisecond,
		now:             time.Now,
		sem:             semaphore.NewWeighted(4),
		events:          make(chan Event, 64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Events returns the outcome stream. Closed by Close.
func (m *Mock) Events() <-chan Event {
	return m.events
}

// Send validates the handoff and schedules the asynchronous outcome.
func (m *Mock) Send(ctx context.Context, jobID, destination, payload string) error {
	if strings.TrimSpace(jobID) == "" {
		return WrapPermanent(errors.New("mock transport: job id is required"))
	}
	if strings.TrimSpace(destination) == "" {
		return WrapPermanent(errors.New("mock transport: destination is required"))
	}
	if payload == "" {
		return WrapPermanent(errors.New("mock transport: payload is empty"))
	}

	scenario := m.defaultScenario
	if m.scenarioFor != nil {
		scenario = m.scenarioFor(destination)
	}
	if scenario == ScenarioHandoffPermanent {
		return WrapPermanent(fmt.Errorf("mock transport: handoff rejected for %s", destination))
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return WrapTransient(errors.New("mock transport: closed"))
	}
	m.wg.Add(1)
	m.mu.Unlock()

	parts := SplitMessage(payload)
	go m.deliver(ctx, jobID, scenario, len(parts))
	return nil
}

// Close stops the transport and closes the event stream once in-flight sends
// finish.
func (m *Mock) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.wg.Wait()
	close(m.events)
	return nil
}

func (m *Mock) deliver(ctx context.Context, jobID string, scenario Scenario, parts int) {
	defer m.wg.Done()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.emit(Event{JobID: jobID, Kind: EventSendFailed, Code: 1, Message: "send cancelled"})
		return
	}
	defer m.sem.Release(1)

	// One latency tick per part keeps multi-part jobs observably slower.
	for i := 0; i < parts; i++ {
		if !m.sleep(ctx) {
			m.emit(Event{JobID: jobID, Kind: EventSendFailed, Code: 1, Message: "send cancelled"})
			return
		}
	}

	switch scenario {
	case ScenarioSendFailed:
		m.emit(Event{JobID: jobID, Kind: EventSendFailed, Code: 4, Message: "no service"})
	case ScenarioNoDelivery:
		m.emit(Event{JobID: jobID, Kind: EventSent})
	default:
		m.emit(Event{JobID: jobID, Kind: EventSent})
		if m.sleep(ctx) {
			m.emit(Event{JobID: jobID, Kind: EventDelivered})
		}
	}
}

func (m *Mock) sleep(ctx context.Context) bool {
	if m.latency <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(m.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *Mock) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}
	select {
	case m.events <- ev:
	default:
		m.logger.Warn().Str("job_id", ev.JobID).Str("kind", string(ev.Kind)).
			Msg("event channel full, outcome dropped")
	}
}
