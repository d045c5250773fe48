package session

import (
	"context"
	"log"
	"sync"
	"time"
)

// Sweeper periodically removes expired sessions. It runs on its own timer
// and never touches a session's data mid-flight: an in-flight deploy holds
// its own copy once it starts.
type Sweeper struct {
	store    Store
	interval time.Duration

	mu      sync.Mutex
	running bool
	stop    chan struct{}
}

func NewSweeper(store Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = SweepInterval
	}
	return &Sweeper{store: store, interval: interval}
}

func (sw *Sweeper) Start(ctx context.Context) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.running {
		return
	}
	sw.running = true
	sw.stop = make(chan struct{})
	go sw.run(ctx)
}

func (sw *Sweeper) Stop() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if !sw.running {
		return
	}
	close(sw.stop)
	sw.running = false
}

func (sw *Sweeper) run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sw.stop:
			return
		case <-ticker.C:
			deleted, err := sw.store.Sweep(ctx)
			if err != nil {
				log.Printf("session sweep failed err=%v", err)
				continue
			}
			if deleted > 0 {
				log.Printf("session sweep deleted=%d", deleted)
			}
		}
	}
}
