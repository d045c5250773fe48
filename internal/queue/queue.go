// Package queue moves deploy job ids from the conversation router to
// whatever executes them: an in-process worker pool by default, or a rabbit
// queue when runs should survive restarts and scale out.
package queue

import (
	"context"
	"log"
	"sync"
)

// Dispatcher hands a job id off for execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
	Close() error
}

// Runner executes one job to completion.
type Runner func(ctx context.Context, jobID string) error

// InlineDispatcher runs jobs on a bounded in-process pool. Deploys are long
// (minutes of polling), so the buffer keeps confirmations snappy while the
// pool bounds concurrent control-plane traffic.
type InlineDispatcher struct {
	jobs chan string
	wg   sync.WaitGroup

	closeOnce sync.Once
}

func NewInlineDispatcher(ctx context.Context, runner Runner, concurrency int) *InlineDispatcher {
	if concurrency <= 0 {
		concurrency = 2
	}
	d := &InlineDispatcher{jobs: make(chan string, concurrency*2)}

	d.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer d.wg.Done()
			for jobID := range d.jobs {
				if err := runner(ctx, jobID); err != nil {
					log.Printf("worker=%d job %s failed err=%v", workerID, jobID, err)
				}
			}
		}(i)
	}
	return d
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, jobID string) error {
	select {
	case d.jobs <- jobID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs and waits for in-flight runs to finish.
func (d *InlineDispatcher) Close() error {
	d.closeOnce.Do(func() { close(d.jobs) })
	d.wg.Wait()
	return nil
}
