// Package dispatch orchestrates the job lifecycle: it turns inbound job
// messages into store rows, drives the transport, applies status
// transitions, and reports every transition back to the controller. All job
// mutations are serialized through a single worker goroutine so attempt
// counters and status fields never race.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/smstool/gateway/internal/backoff"
	"github.com/smstool/gateway/internal/models"
	"github.com/smstool/gateway/internal/protocol"
	"github.com/smstool/gateway/internal/store"
	"github.com/smstool/gateway/internal/transport"
	"github.com/smstool/gateway/internal/util"
)

// Reporter delivers outbound protocol messages over the live session. A send
// on a dead connection returns an error; the engine then leans on the
// persisted pendingReport flag instead of queuing.
type Reporter interface {
	Connected() bool
	Send(msg any) error
}

// Config contains the engine's runtime settings.
type Config struct {
	// DefaultMaxAttempts applies when an sms_job carries no ceiling.
	DefaultMaxAttempts int
	// SweepInterval is the period of the retry-eligibility sweep. Zero
	// disables the periodic sweep; the startup sweep always runs.
	SweepInterval time.Duration
}

// Dependencies collects the engine's collaborators.
type Dependencies struct {
	Store     *store.Store
	Transport transport.Transport
	Reporter  Reporter
	Policy    *backoff.Policy
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Engine is the job dispatch engine.
type Engine struct {
	cfg       Config
	store     *store.Store
	transport transport.Transport
	reporter  Reporter
	policy    *backoff.Policy
	logger    zerolog.Logger
	now       func() time.Time

	cmds chan command
	done chan struct{}
}

type command interface{ command() }

type frameCmd struct{ data []byte }
type flushCmd struct{}
type sweepCmd struct{}

func (frameCmd) command() {}
func (flushCmd) command() {}
func (sweepCmd) command() {}

// NewEngine constructs a dispatch engine and validates its dependencies.
func NewEngine(cfg Config, deps Dependencies) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("dispatch: store dependency is required")
	}
	if deps.Transport == nil {
		return nil, errors.New("dispatch: transport dependency is required")
	}
	if deps.Reporter == nil {
		return nil, errors.New("dispatch: reporter dependency is required")
	}
	if cfg.DefaultMaxAttempts < 1 {
		cfg.DefaultMaxAttempts = 3
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "dispatch").Logger()

	nowFunc := deps.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}
	policy := deps.Policy
	if policy == nil {
		policy = backoff.JobRetry()
	}

	return &Engine{
		cfg:       cfg,
		store:     deps.Store,
		transport: deps.Transport,
		reporter:  deps.Reporter,
		policy:    policy,
		logger:    logger,
		now:       nowFunc,
		cmds:      make(chan command, 256),
		done:      make(chan struct{}),
	}, nil
}

// Run processes commands and transport events until ctx is cancelled. It
// starts with a retry sweep so jobs left behind by a previous process resume
// immediately.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)

	e.sweep(ctx)

	var tick <-chan time.Time
	if e.cfg.SweepInterval > 0 {
		ticker := time.NewTicker(e.cfg.SweepInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	events := e.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.cmds:
			e.handleCommand(ctx, cmd)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			e.handleTransportEvent(ctx, ev)
		case <-tick:
			e.sweep(ctx)
		}
	}
}

// HandleFrame hands a raw inbound frame to the engine. Safe to call from the
// session's read goroutine.
func (e *Engine) HandleFrame(data []byte) {
	e.post(frameCmd{data: data})
}

// Flush schedules a replay of all pending status reports. Call it on every
// session opened event.
func (e *Engine) Flush() {
	e.post(flushCmd{})
}

// Sweep schedules a retry-eligibility sweep.
func (e *Engine) Sweep() {
	e.post(sweepCmd{})
}

func (e *Engine) post(cmd command) {
	select {
	case e.cmds <- cmd:
	case <-e.done:
		e.logger.Warn().Msg("engine stopped, command dropped")
	}
}

func (e *Engine) handleCommand(ctx context.Context, cmd command) {
	switch c := cmd.(type) {
	case frameCmd:
		e.handleFrame(ctx, c.data)
	case flushCmd:
		e.flush(ctx)
	case sweepCmd:
		e.sweep(ctx)
	}
}

// handleFrame decodes one inbound frame and reacts to it. Malformed and
// unknown frames are logged and discarded; they never crash the session.
func (e *Engine) handleFrame(ctx context.Context, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		e.logger.Warn().Err(err).Msg("inbound frame discarded")
		e.logEvent(ctx, models.LevelError, fmt.Sprintf("Message parsing error: %v", err))
		return
	}

	switch m := msg.(type) {
	case protocol.SmsJob:
		e.handleSmsJob(ctx, m)
	case protocol.Ping:
		e.handlePing(m)
	case protocol.ControllerError:
		e.logger.Warn().Str("code", m.Code).Str("detail", m.Detail).Msg("controller reported error")
		e.logEvent(ctx, models.LevelError, fmt.Sprintf("Server error: %s", m.Code))
	}
}

func (e *Engine) handlePing(msg protocol.Ping) {
	if msg.MessageID == "" {
		return
	}
	if err := e.reporter.Send(protocol.NewPong(msg.MessageID, e.now())); err != nil {
		e.logger.Warn().Err(err).Msg("pong not sent")
	}
}

func (e *Engine) handleSmsJob(ctx context.Context, msg protocol.SmsJob) {
	destination, err := util.NormalizePhone(msg.To)
	if err != nil {
		e.logger.Warn().Str("job_id", msg.JobID).Err(err).Msg("job rejected")
		e.logEvent(ctx, models.LevelWarn, fmt.Sprintf("Rejected job %s: %v", msg.JobID, err))
		return
	}

	// The controller-supplied job id is canonical; a redelivery of a known
	// id re-reports the persisted status instead of executing again.
	if existing, err := e.store.GetJob(ctx, msg.JobID); err == nil {
		e.logger.Info().Str("job_id", msg.JobID).Msg("duplicate job, re-reporting status")
		e.report(ctx, existing)
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		e.logger.Error().Err(err).Str("job_id", msg.JobID).Msg("job lookup failed")
		return
	}

	maxAttempts := msg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = e.cfg.DefaultMaxAttempts
	}

	now := e.now().UnixMilli()
	job := &models.Job{
		ID:          msg.JobID,
		Destination: destination,
		Payload:     msg.Body,
		Status:      models.StatusQueued,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("job creation failed")
		return
	}
	e.logEvent(ctx, models.LevelInfo, fmt.Sprintf("Received job %s to %s", job.ID, job.Destination))

	e.startSend(ctx, job, true)
}

// startSend drives a queued or retry-eligible job into sending and hands it
// to the transport. The initial dispatch reports the sending transition;
// retry re-entries do not, so the controller sees one update per attempt
// outcome rather than a transition-by-transition history.
func (e *Engine) startSend(ctx context.Context, job *models.Job, report bool) {
	e.applyTransition(job, models.StatusSending)
	if report {
		job.PendingReport = true
	}
	if err := e.store.UpdateJob(ctx, job); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("job update failed")
		return
	}
	if report {
		e.report(ctx, job)
	}

	if err := e.transport.Send(ctx, job.ID, job.Destination, job.Payload); err != nil {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("transport handoff failed")
		permanent := errors.Is(err, transport.ErrPermanent)
		e.failAttempt(ctx, job, nil, err.Error(), permanent)
	}
}

func (e *Engine) handleTransportEvent(ctx context.Context, ev transport.Event) {
	job, err := e.store.GetJob(ctx, ev.JobID)
	if err != nil {
		e.logger.Warn().Err(err).Str("job_id", ev.JobID).Msg("transport event for unknown job")
		return
	}

	switch ev.Kind {
	case transport.EventSent:
		if job.Status != models.StatusSending {
			e.logger.Debug().Str("job_id", job.ID).Str("status", string(job.Status)).
				Msg("sent event ignored in current status")
			return
		}
		e.applyTransition(job, models.StatusSent)
		e.saveAndReport(ctx, job)
		e.logEvent(ctx, models.LevelInfo, fmt.Sprintf("Job %s sent (waiting for delivery)", job.ID))

	case transport.EventDelivered:
		if job.Status != models.StatusSent && job.Status != models.StatusSending {
			e.logger.Debug().Str("job_id", job.ID).Str("status", string(job.Status)).
				Msg("delivery event ignored in current status")
			return
		}
		e.applyTransition(job, models.StatusDelivered)
		e.saveAndReport(ctx, job)
		e.logEvent(ctx, models.LevelInfo, fmt.Sprintf("Job %s delivered", job.ID))

	case transport.EventSendFailed:
		if job.Status != models.StatusSending {
			e.logger.Debug().Str("job_id", job.ID).Str("status", string(job.Status)).
				Msg("failure event ignored in current status")
			return
		}
		code := ev.Code
		e.failAttempt(ctx, job, &code, ev.Message, false)

	case transport.EventDeliveryFailed:
		// The message was most likely sent; only the report failed.
		e.logger.Warn().Str("job_id", job.ID).Msg("delivery report failed")
		e.logEvent(ctx, models.LevelWarn, fmt.Sprintf("Job %s sent but delivery report failed", job.ID))
	}
}

// failAttempt records one failed send attempt and either schedules a retry
// or fails the job permanently.
func (e *Engine) failAttempt(ctx context.Context, job *models.Job, code *int, message string, permanent bool) {
	job.Attempts++
	job.LastErrorCode = code
	job.LastErrorMessage = message

	if permanent || job.Attempts >= job.MaxAttempts {
		e.applyTransition(job, models.StatusFailedPermanent)
		e.saveAndReport(ctx, job)
		e.logEvent(ctx, models.LevelError, fmt.Sprintf("Job %s failed permanently: %s", job.ID, message))
		return
	}

	e.applyTransition(job, models.StatusFailedRetrying)
	retryAt := e.now().Add(e.policy.Delay(job.Attempts - 1)).UnixMilli()
	job.NextRetryAt = &retryAt
	e.saveAndReport(ctx, job)
	e.logEvent(ctx, models.LevelWarn,
		fmt.Sprintf("Job %s send failed, retry %d/%d", job.ID, job.Attempts, job.MaxAttempts))
}

// applyTransition is the single place job status fields change. It keeps the
// cross-field invariants: sentAt/deliveredAt are set once and never cleared,
// and nextRetryAt exists only while failed_retrying.
func (e *Engine) applyTransition(job *models.Job, to models.JobStatus) {
	now := e.now().UnixMilli()
	job.Status = to
	job.UpdatedAt = now

	switch to {
	case models.StatusSent:
		if job.SentAt == nil {
			ts := now
			job.SentAt = &ts
		}
	case models.StatusDelivered:
		if job.DeliveredAt == nil {
			ts := now
			job.DeliveredAt = &ts
		}
	}

	if to != models.StatusFailedRetrying {
		job.NextRetryAt = nil
	}
}

// sweep re-dispatches every failed_retrying job whose retry time has passed.
func (e *Engine) sweep(ctx context.Context) {
	jobs, err := e.store.JobsReadyForRetry(ctx, e.now().UnixMilli())
	if err != nil {
		e.logger.Error().Err(err).Msg("retry sweep query failed")
		return
	}
	if len(jobs) == 0 {
		return
	}
	e.logger.Info().Int("count", len(jobs)).Msg("resuming retry-eligible jobs")
	for _, job := range jobs {
		e.startSend(ctx, job, false)
	}
}

// saveAndReport persists the transition with pendingReport raised, then
// attempts to deliver the report; a successful send lowers the flag. A crash
// between send and flag-clear yields a duplicate report on the next flush,
// which the controller must treat as idempotent.
func (e *Engine) saveAndReport(ctx context.Context, job *models.Job) {
	job.PendingReport = true
	if err := e.store.UpdateJob(ctx, job); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("job update failed")
		return
	}
	e.report(ctx, job)
}

// report builds a status_update from the job's persisted fields and tries to
// send it. On failure the pendingReport flag stays raised for the flush
// coordinator.
func (e *Engine) report(ctx context.Context, job *models.Job) {
	upd := protocol.NewStatusUpdate(job.ID, string(job.Status), job.Attempts,
		job.LastErrorCode, job.LastErrorMessage, e.now())
	if err := e.reporter.Send(upd); err != nil {
		e.logger.Debug().Err(err).Str("job_id", job.ID).Msg("status report deferred")
		if err := e.store.SetPendingReport(ctx, job.ID, true); err != nil {
			e.logger.Error().Err(err).Str("job_id", job.ID).Msg("pending report flag not set")
		}
		job.PendingReport = true
		return
	}
	if err := e.store.SetPendingReport(ctx, job.ID, false); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("pending report flag not cleared")
		return
	}
	job.PendingReport = false
}

func (e *Engine) logEvent(ctx context.Context, level, message string) {
	if err := e.store.LogEvent(ctx, e.now().UnixMilli(), level, message); err != nil {
		e.logger.Error().Err(err).Msg("event log write failed")
	}
}
