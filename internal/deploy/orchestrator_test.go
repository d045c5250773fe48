package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"deploybot/internal/cloudflare"
	"deploybot/internal/scrape"
	"deploybot/internal/session"
	"deploybot/internal/telegram"
)

type stubControlPlane struct {
	verifyErr    error
	script       []byte
	downloadErr  error
	namespaceID  string
	namespaceErr error
	deployErr    error
	secretsErr   error
	subdomain    string
	subdomainErr error

	deployCalls  int
	deployVars   []map[string]string
	secretsCalls int
	lastSecrets  map[string]string
	callLog      []string
}

func (s *stubControlPlane) VerifyCredentials(ctx context.Context, auth cloudflare.Auth, accountID string) error {
	s.callLog = append(s.callLog, "verify")
	return s.verifyErr
}

func (s *stubControlPlane) EnsureKVNamespace(ctx context.Context, auth cloudflare.Auth, accountID, title string) (string, error) {
	s.callLog = append(s.callLog, "namespace")
	if s.namespaceErr != nil {
		return "", s.namespaceErr
	}
	if s.namespaceID == "" {
		return "ns-1", nil
	}
	return s.namespaceID, nil
}

func (s *stubControlPlane) DownloadScript(ctx context.Context, url string) ([]byte, error) {
	s.callLog = append(s.callLog, "download")
	if s.downloadErr != nil {
		return nil, s.downloadErr
	}
	if s.script != nil {
		return s.script, nil
	}
	return []byte(strings.Repeat("x", 2048)), nil
}

func (s *stubControlPlane) DeployScript(ctx context.Context, auth cloudflare.Auth, accountID, workerName string, script []byte, kv []cloudflare.KVBinding, vars map[string]string) error {
	s.callLog = append(s.callLog, "deploy")
	s.deployCalls++
	s.deployVars = append(s.deployVars, vars)
	return s.deployErr
}

func (s *stubControlPlane) SetSecretsAndBindings(ctx context.Context, auth cloudflare.Auth, accountID, workerName string, kv []cloudflare.KVBinding, secrets map[string]string) error {
	s.callLog = append(s.callLog, "secrets")
	s.secretsCalls++
	s.lastSecrets = secrets
	return s.secretsErr
}

func (s *stubControlPlane) EnableSubdomain(ctx context.Context, auth cloudflare.Auth, accountID string) error {
	s.callLog = append(s.callLog, "enable_subdomain")
	return nil
}

func (s *stubControlPlane) GetSubdomain(ctx context.Context, auth cloudflare.Auth, accountID string) (string, error) {
	s.callLog = append(s.callLog, "get_subdomain")
	if s.subdomainErr != nil {
		return "", s.subdomainErr
	}
	return s.subdomain, nil
}

type stubPoller struct {
	creds scrape.Credentials
	found bool
	err   error
	calls int
}

func (p *stubPoller) Poll(ctx context.Context, baseURL string) (scrape.Credentials, bool, error) {
	p.calls++
	return p.creds, p.found, p.err
}

type recordingGateway struct {
	messages []string
}

func (g *recordingGateway) SendMessage(ctx context.Context, chatID int64, text string, markup *telegram.InlineKeyboard) (int64, error) {
	g.messages = append(g.messages, text)
	return int64(len(g.messages)), nil
}

func (g *recordingGateway) last() string {
	if len(g.messages) == 0 {
		return ""
	}
	return g.messages[len(g.messages)-1]
}

func newTestOrchestrator(cp *stubControlPlane, poller *stubPoller, gw *recordingGateway, sessions session.Store) *Orchestrator {
	o := NewOrchestrator(cp, poller, gw, sessions, nil, nil, "https://example.com/worker.js")
	o.initWait = func(ctx context.Context, d time.Duration) error { return nil }
	return o
}

func seedSession(t *testing.T, store session.Store, chatID int64) {
	t.Helper()
	now := time.Now()
	if err := store.Put(context.Background(), &session.Session{
		ChatID:        chatID,
		State:         session.StateReadyToDeploy,
		AuthMethod:    session.AuthToken,
		AccountID:     "acct123",
		APIToken:      "tok_abcdefghij0123456789",
		CreatedAt:     now,
		LastTouchedAt: now,
	}); err != nil {
		t.Fatalf("seed session: %v", err)
	}
}

func scrapeRequest() Request {
	return Request{
		JobID:     NewJobID(),
		ChatID:    42,
		UserID:    42,
		AccountID: "acct123",
		Auth:      cloudflare.TokenAuth{Token: "tok_abcdefghij0123456789"},
		Strategy:  StrategyScrape,
	}
}

func TestRun_ScrapeSuccess(t *testing.T) {
	cp := &stubControlPlane{subdomain: "myzone"}
	poller := &stubPoller{
		creds: scrape.Credentials{UUID: "11111111-2222-3333-4444-555555555555", Password: "hunter12"},
		found: true,
	}
	gw := &recordingGateway{}
	sessions := session.NewMemoryStore()
	seedSession(t, sessions, 42)

	o := newTestOrchestrator(cp, poller, gw, sessions)
	res := o.Run(context.Background(), scrapeRequest())

	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome %v err %v", res.Outcome, res.Err)
	}
	wantPanel := fmt.Sprintf("https://%s.myzone.workers.dev/panel", res.WorkerName)
	if res.PanelURL != wantPanel {
		t.Fatalf("panel url %q want %q", res.PanelURL, wantPanel)
	}
	if cp.secretsCalls != 1 {
		t.Fatalf("expected one secret injection, got %d", cp.secretsCalls)
	}
	if cp.lastSecrets["UUID"] != poller.creds.UUID || cp.lastSecrets["TR_PASS"] != poller.creds.Password {
		t.Fatalf("injected secrets %v", cp.lastSecrets)
	}

	final := gw.last()
	if !strings.Contains(final, telegram.Escape(wantPanel)) {
		t.Fatalf("final message misses panel url: %q", final)
	}
	if !strings.Contains(final, telegram.Escape(poller.creds.UUID)) || !strings.Contains(final, poller.creds.Password) {
		t.Fatalf("final message misses credentials: %q", final)
	}

	if _, ok, _ := sessions.Get(context.Background(), 42); ok {
		t.Fatalf("session not released after run")
	}
}

func TestRun_PollerExhaustionIsPartialSuccess(t *testing.T) {
	cp := &stubControlPlane{subdomain: "myzone"}
	poller := &stubPoller{found: false}
	gw := &recordingGateway{}
	sessions := session.NewMemoryStore()
	seedSession(t, sessions, 42)

	o := newTestOrchestrator(cp, poller, gw, sessions)
	res := o.Run(context.Background(), scrapeRequest())

	if res.Outcome != OutcomeManualCredentials {
		t.Fatalf("outcome %v", res.Outcome)
	}
	if cp.secretsCalls != 0 {
		t.Fatalf("secrets must not be injected without a scraped pair")
	}
	final := gw.last()
	if !strings.Contains(final, "by hand") {
		t.Fatalf("expected manual instructions, got %q", final)
	}
	// No fabricated credential values.
	if strings.Contains(final, "UUID: `") || strings.Contains(final, "Password: `") {
		t.Fatalf("manual message must not fabricate values: %q", final)
	}
}

func TestRun_MissingSubdomainStopsTheRun(t *testing.T) {
	cp := &stubControlPlane{subdomain: ""}
	poller := &stubPoller{}
	gw := &recordingGateway{}
	sessions := session.NewMemoryStore()
	seedSession(t, sessions, 42)

	o := newTestOrchestrator(cp, poller, gw, sessions)
	res := o.Run(context.Background(), scrapeRequest())

	if res.Outcome != OutcomeManualSubdomain {
		t.Fatalf("outcome %v", res.Outcome)
	}
	if poller.calls != 0 {
		t.Fatalf("poller must not run without a subdomain")
	}
	// Nothing may be deployed after the subdomain check.
	last := cp.callLog[len(cp.callLog)-1]
	if last != "get_subdomain" {
		t.Fatalf("calls after subdomain check: %v", cp.callLog)
	}
	if !strings.Contains(gw.last(), "subdomain") {
		t.Fatalf("expected manual initialization message, got %q", gw.last())
	}
}

func TestRun_AuthFailureIsFatalAndReleasesSession(t *testing.T) {
	cp := &stubControlPlane{verifyErr: fmt.Errorf("%w: token rejected", cloudflare.ErrAuthInvalid)}
	gw := &recordingGateway{}
	sessions := session.NewMemoryStore()
	seedSession(t, sessions, 42)

	o := newTestOrchestrator(cp, &stubPoller{}, gw, sessions)
	res := o.Run(context.Background(), scrapeRequest())

	if res.Outcome != OutcomeFailure {
		t.Fatalf("outcome %v", res.Outcome)
	}
	if !errors.Is(res.Err, cloudflare.ErrAuthInvalid) {
		t.Fatalf("err %v", res.Err)
	}
	if cp.deployCalls != 0 {
		t.Fatalf("nothing may deploy after auth failure")
	}
	if _, ok, _ := sessions.Get(context.Background(), 42); ok {
		t.Fatalf("session must be released on failure too")
	}
	if !strings.Contains(gw.last(), "rejected") {
		t.Fatalf("failure message %q", gw.last())
	}
}

func TestRun_TinyScriptIsFetchError(t *testing.T) {
	cp := &stubControlPlane{script: []byte("too small"), subdomain: "myzone"}
	gw := &recordingGateway{}

	o := newTestOrchestrator(cp, &stubPoller{}, gw, session.NewMemoryStore())
	res := o.Run(context.Background(), scrapeRequest())

	if res.Outcome != OutcomeFailure || !errors.Is(res.Err, cloudflare.ErrFetch) {
		t.Fatalf("outcome %v err %v", res.Outcome, res.Err)
	}
	if cp.deployCalls != 0 {
		t.Fatalf("must not deploy an implausibly small script")
	}
}

func TestRun_GenerateStrategyNeverPolls(t *testing.T) {
	cp := &stubControlPlane{subdomain: "myzone"}
	poller := &stubPoller{}
	gw := &recordingGateway{}

	req := scrapeRequest()
	req.Strategy = StrategyGenerate

	o := newTestOrchestrator(cp, poller, gw, session.NewMemoryStore())
	res := o.Run(context.Background(), req)

	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome %v err %v", res.Outcome, res.Err)
	}
	if poller.calls != 0 {
		t.Fatalf("generate strategy must not poll")
	}
	if res.Creds.UUID == "" || len(res.Creds.Password) < 6 {
		t.Fatalf("generated credentials missing: %+v", res.Creds)
	}
	// The pair rides along with the initial deploy.
	if len(cp.deployVars) != 1 || cp.deployVars[0]["UUID"] != res.Creds.UUID {
		t.Fatalf("deploy vars %v", cp.deployVars)
	}
	if cp.secretsCalls != 0 {
		t.Fatalf("generate strategy injects at deploy time, not afterwards")
	}
	if !strings.Contains(gw.last(), telegram.Escape(res.Creds.UUID)) {
		t.Fatalf("final message misses generated uuid: %q", gw.last())
	}
}

func TestRun_PersistsWorkerName(t *testing.T) {
	cp := &stubControlPlane{subdomain: "myzone"}
	gw := &recordingGateway{}
	var persisted string
	users := userStoreFunc(func(ctx context.Context, userID int64, workerName string) error {
		persisted = workerName
		return nil
	})

	req := scrapeRequest()
	req.Strategy = StrategyGenerate
	req.Persist = true

	o := newTestOrchestrator(cp, &stubPoller{}, gw, session.NewMemoryStore())
	o.Users = users
	res := o.Run(context.Background(), req)

	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome %v err %v", res.Outcome, res.Err)
	}
	if persisted != res.WorkerName {
		t.Fatalf("persisted %q want %q", persisted, res.WorkerName)
	}
}

type userStoreFunc func(ctx context.Context, userID int64, workerName string) error

func (f userStoreFunc) SetWorkerName(ctx context.Context, userID int64, workerName string) error {
	return f(ctx, userID, workerName)
}

func TestDeriveWorkerName(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		name := DeriveWorkerName()
		if !ValidWorkerName(name) {
			t.Fatalf("derived name %q violates the provider constraint", name)
		}
		if seen[name] {
			t.Fatalf("duplicate derived name %q", name)
		}
		seen[name] = true
	}
	if ValidWorkerName("Has-Upper") || ValidWorkerName("-lead") || ValidWorkerName("trail-") || ValidWorkerName("") {
		t.Fatalf("validator accepts invalid names")
	}
}
