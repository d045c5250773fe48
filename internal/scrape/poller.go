package scrape

import (
	"context"
	"io"
	"log"
	"net/http"
	"time"
)

const (
	defaultCycles     = 10
	defaultInterval   = 20 * time.Second
	attemptTimeout    = 15 * time.Second
	maxScrapedBodyLen = 4 << 20
)

// Poller queries a freshly deployed worker until it serves its generated
// credential pair, or the cycle budget runs out. Budget exhaustion is a valid
// terminal outcome, not an error: the caller falls back to manual
// instructions.
type Poller struct {
	Client   *http.Client
	Cycles   int
	Interval time.Duration

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewPoller() *Poller {
	return &Poller{
		Client:   &http.Client{Timeout: attemptTimeout},
		Cycles:   defaultCycles,
		Interval: defaultInterval,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Poll tries the worker's root and /panel pages each cycle, in that order.
// Network errors on a candidate are swallowed and the next candidate tried.
func (p *Poller) Poll(ctx context.Context, baseURL string) (Credentials, bool, error) {
	cycles := p.Cycles
	if cycles <= 0 {
		cycles = defaultCycles
	}
	interval := p.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	slp := p.sleep
	if slp == nil {
		slp = sleepCtx
	}

	candidates := []string{baseURL + "/", baseURL + "/panel"}

	for cycle := 1; cycle <= cycles; cycle++ {
		for _, url := range candidates {
			body, err := p.fetch(ctx, url)
			if err != nil {
				if ctx.Err() != nil {
					return Credentials{}, false, ctx.Err()
				}
				continue
			}
			if creds, ok := Extract(body); ok {
				log.Printf("poller matched url=%s cycle=%d", url, cycle)
				return creds, true, nil
			}
		}
		if cycle < cycles {
			if err := slp(ctx, interval); err != nil {
				return Credentials{}, false, err
			}
		}
	}
	return Credentials{}, false, nil
}

func (p *Poller) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxScrapedBodyLen))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
