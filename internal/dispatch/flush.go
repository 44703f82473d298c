package dispatch

import (
	"context"
	"fmt"

	"github.com/smstool/gateway/internal/models"
	"github.com/smstool/gateway/internal/protocol"
)

// flush replays one status_update per pendingReport job, oldest update
// first. Each report reflects the job's current persisted status, so a job
// that moved through several transitions while disconnected produces exactly
// one message. Best-effort reconciliation, not a transactional outbox.
func (e *Engine) flush(ctx context.Context) {
	if !e.reporter.Connected() {
		return
	}

	jobs, err := e.store.JobsWithPendingReports(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("pending report query failed")
		return
	}
	if len(jobs) == 0 {
		return
	}

	flushed := 0
	for _, job := range jobs {
		upd := protocol.NewStatusUpdate(job.ID, string(job.Status), job.Attempts,
			job.LastErrorCode, job.LastErrorMessage, e.now())
		if err := e.reporter.Send(upd); err != nil {
			// Connection dropped mid-flush; remaining jobs stay pending.
			e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("flush interrupted")
			break
		}
		if err := e.store.SetPendingReport(ctx, job.ID, false); err != nil {
			e.logger.Error().Err(err).Str("job_id", job.ID).Msg("pending report flag not cleared")
			continue
		}
		flushed++
	}

	if flushed > 0 {
		e.logger.Info().Int("count", flushed).Msg("pending reports flushed")
		e.logEvent(ctx, models.LevelInfo, fmt.Sprintf("Flushed %d pending reports", flushed))
	}
}
