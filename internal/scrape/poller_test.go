package scrape

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func fastPoller(cycles int) *Poller {
	p := NewPoller()
	p.Cycles = cycles
	p.Interval = time.Millisecond
	p.sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	return p
}

func TestPoll_FindsPairOnPanelPath(t *testing.T) {
	var rootHits, panelHits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			rootHits++
			_, _ = w.Write([]byte("<html>loading</html>"))
		case "/panel":
			panelHits++
			_, _ = w.Write([]byte(`"UUID": "` + testUUID + `" "TR_PASS": "` + testPass + `"`))
		}
	}))
	defer srv.Close()

	creds, found, err := fastPoller(10).Poll(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !found {
		t.Fatalf("expected a pair")
	}
	if creds.UUID != testUUID || creds.Password != testPass {
		t.Fatalf("got %+v", creds)
	}
	if rootHits != 1 || panelHits != 1 {
		t.Fatalf("expected root then panel in the first cycle, got %d/%d", rootHits, panelHits)
	}
}

func TestPoll_ExhaustionIsNotAnError(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte("nothing here"))
	}))
	defer srv.Close()

	cycles := 10
	_, found, err := fastPoller(cycles).Poll(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("exhaustion must not be an error, got %v", err)
	}
	if found {
		t.Fatalf("unexpected match")
	}
	if hits != cycles*2 {
		t.Fatalf("expected %d attempts (2 candidates x %d cycles), got %d", cycles*2, cycles, hits)
	}
}

func TestPoll_SwallowsNetworkErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			// Connection reset on the first candidate must not abort the cycle.
			hj, ok := w.(http.Hijacker)
			if ok {
				conn, _, _ := hj.Hijack()
				conn.Close()
				return
			}
		}
		_, _ = w.Write([]byte(`"UUID": "` + testUUID + `" "TR_PASS": "` + testPass + `"`))
	}))
	defer srv.Close()

	_, found, err := fastPoller(2).Poll(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !found {
		t.Fatalf("expected /panel candidate to succeed after root failed")
	}
}

func TestPoll_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("nope"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	p := NewPoller()
	p.Cycles = 10
	p.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, found, err := p.Poll(ctx, srv.URL)
	if found {
		t.Fatalf("unexpected match")
	}
	if err == nil {
		t.Fatalf("expected context error")
	}
}
