package deploy

import (
	"context"
	"errors"
	"fmt"

	"deploybot/internal/credbox"
)

// RunJob loads a queued job, unseals its credential material and executes
// the orchestrator. It is the single entry point for both the inline worker
// pool and the out-of-process queue consumer.
func RunJob(ctx context.Context, jobs *Repo, box *credbox.Box, o *Orchestrator, jobID string) error {
	_ = jobs.MarkRunning(ctx, jobID)

	job, err := jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}

	mat, err := OpenAuth(box, job.AuthPayload)
	if err != nil {
		_ = jobs.MarkFailed(ctx, jobID, err.Error())
		if errors.Is(err, credbox.ErrIntegrity) {
			// The stored material is unreadable under the current master
			// secret. Never attempt partial recovery; the user reconnects.
			if o.Gateway != nil {
				_, _ = o.Gateway.SendMessage(ctx, job.ChatID,
					`⚠️ Your stored credentials could not be read\. Please /connect again\.`, nil)
			}
		}
		return err
	}

	res := o.Run(ctx, Request{
		JobID:     job.ID,
		ChatID:    job.ChatID,
		UserID:    job.UserID,
		AccountID: job.AccountID,
		Auth:      mat.CloudAuth(),
		Strategy:  Strategy(job.Strategy),
		Persist:   job.Persist,
	})
	if res.Outcome == OutcomeFailure {
		return res.Err
	}
	return nil
}
