package deploy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"deploybot/internal/cloudflare"
	"deploybot/internal/scrape"
	"deploybot/internal/session"
	"deploybot/internal/telegram"
)

type Strategy string

const (
	// StrategyScrape polls the deployed worker for its self-generated pair.
	StrategyScrape Strategy = "scrape"
	// StrategyGenerate creates the pair locally and injects it at deploy
	// time; it never polls and has no not-found outcome.
	StrategyGenerate Strategy = "generate"
)

// kvBindingName is the variable the worker script reads its namespace under.
const kvBindingName = "KV"

const (
	uuidVarName = "UUID"
	passVarName = "TR_PASS"
)

// initWait is the settle time the generate strategy gives a fresh worker
// before announcing the panel URL.
const initWaitDuration = 30 * time.Second

// ControlPlane is the provider surface the orchestrator drives. Satisfied by
// *cloudflare.Client; stubbed in tests.
type ControlPlane interface {
	VerifyCredentials(ctx context.Context, auth cloudflare.Auth, accountID string) error
	EnsureKVNamespace(ctx context.Context, auth cloudflare.Auth, accountID, title string) (string, error)
	DownloadScript(ctx context.Context, url string) ([]byte, error)
	DeployScript(ctx context.Context, auth cloudflare.Auth, accountID, workerName string, script []byte, kv []cloudflare.KVBinding, vars map[string]string) error
	SetSecretsAndBindings(ctx context.Context, auth cloudflare.Auth, accountID, workerName string, kv []cloudflare.KVBinding, secrets map[string]string) error
	EnableSubdomain(ctx context.Context, auth cloudflare.Auth, accountID string) error
	GetSubdomain(ctx context.Context, auth cloudflare.Auth, accountID string) (string, error)
}

type PanelPoller interface {
	Poll(ctx context.Context, baseURL string) (scrape.Credentials, bool, error)
}

// Messenger is the slice of the gateway the orchestrator needs for progress
// narration.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string, markup *telegram.InlineKeyboard) (int64, error)
}

// UserStore persists the worker name for connected users.
type UserStore interface {
	SetWorkerName(ctx context.Context, userID int64, workerName string) error
}

type OutcomeKind int

const (
	OutcomeFailure OutcomeKind = iota
	OutcomeSuccess
	// OutcomeManualCredentials: deployed, but the pair was never scraped;
	// the user enters the two values by hand.
	OutcomeManualCredentials
	// OutcomeManualSubdomain: the account has no workers.dev subdomain yet;
	// the user must initialize it in the dashboard and rerun.
	OutcomeManualSubdomain
)

type Result struct {
	Outcome    OutcomeKind
	WorkerName string
	PanelURL   string
	Creds      scrape.Credentials
	Err        error
}

type Request struct {
	JobID     string
	ChatID    int64
	UserID    int64
	AccountID string
	Auth      cloudflare.Auth
	Strategy  Strategy
	Persist   bool
}

type Orchestrator struct {
	CP        ControlPlane
	Poller    PanelPoller
	Gateway   Messenger
	Sessions  session.Store
	Users     UserStore
	Jobs      *Repo
	ScriptURL string

	// initWait is swapped out in tests.
	initWait func(ctx context.Context, d time.Duration) error
}

func NewOrchestrator(cp ControlPlane, poller PanelPoller, gw Messenger, sessions session.Store, users UserStore, jobs *Repo, scriptURL string) *Orchestrator {
	return &Orchestrator{
		CP:        cp,
		Poller:    poller,
		Gateway:   gw,
		Sessions:  sessions,
		Users:     users,
		Jobs:      jobs,
		ScriptURL: scriptURL,
		initWait:  waitCtx,
	}
}

func waitCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (o *Orchestrator) send(ctx context.Context, chatID int64, text string) {
	if _, err := o.Gateway.SendMessage(ctx, chatID, text, nil); err != nil {
		log.Printf("send failed chat=%d err=%v", chatID, err)
	}
}

// Run executes the full provisioning sequence for one request and produces
// exactly one terminal outcome. Session and job state for the request are
// always released on exit, success or failure.
func (o *Orchestrator) Run(ctx context.Context, req Request) (res Result) {
	defer func() {
		// Guaranteed cleanup even when the run's context is already dead.
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if o.Sessions != nil {
			_ = o.Sessions.Delete(cleanupCtx, req.ChatID)
		}
		o.finishJob(cleanupCtx, req, res)
	}()

	// Step 1: credentials.
	o.send(ctx, req.ChatID, `🔐 Verifying your Cloudflare credentials\.\.\.`)
	if err := o.CP.VerifyCredentials(ctx, req.Auth, req.AccountID); err != nil {
		return o.fail(ctx, req, err)
	}

	// Step 2: derived identity.
	workerName := DeriveWorkerName()
	if !ValidWorkerName(workerName) {
		return o.fail(ctx, req, fmt.Errorf("derived worker name %q is invalid", workerName))
	}

	// Step 3: script artifact.
	o.send(ctx, req.ChatID, `📦 Downloading the worker script\.\.\.`)
	script, err := o.CP.DownloadScript(ctx, o.ScriptURL)
	if err != nil {
		return o.fail(ctx, req, err)
	}
	if len(script) < minScriptBytes {
		return o.fail(ctx, req, fmt.Errorf("%w: script payload is only %d bytes", cloudflare.ErrFetch, len(script)))
	}

	// Step 4: KV namespace (conflicts recovered inside the client).
	nsID, err := o.CP.EnsureKVNamespace(ctx, req.Auth, req.AccountID, NamespaceTitle(workerName))
	if err != nil {
		return o.fail(ctx, req, err)
	}
	kv := []cloudflare.KVBinding{{Name: kvBindingName, NamespaceID: nsID}}

	// Step 5: deploy (module/classic fallback inside the client). The
	// generate strategy injects its pair here; scrape deploys bare first.
	var generated scrape.Credentials
	var vars map[string]string
	if req.Strategy == StrategyGenerate {
		generated, err = generateCredentials()
		if err != nil {
			return o.fail(ctx, req, err)
		}
		vars = map[string]string{uuidVarName: generated.UUID, passVarName: generated.Password}
	}
	o.send(ctx, req.ChatID, `🚀 Deploying the worker\.\.\.`)
	if err := o.CP.DeployScript(ctx, req.Auth, req.AccountID, workerName, script, kv, vars); err != nil {
		return o.fail(ctx, req, err)
	}

	// Step 6: workers.dev enablement is best-effort.
	if err := o.CP.EnableSubdomain(ctx, req.Auth, req.AccountID); err != nil {
		log.Printf("enable subdomain failed job=%s err=%v", req.JobID, err)
		o.send(ctx, req.ChatID, `⚠️ Could not enable the workers\.dev subdomain automatically\. Continuing anyway\.`)
	}

	// Step 7: resolve the subdomain; absence is a manual followup, not a
	// failure, and nothing else is deployed in this run.
	sub, err := o.CP.GetSubdomain(ctx, req.Auth, req.AccountID)
	if err != nil {
		return o.fail(ctx, req, err)
	}
	if sub == "" {
		o.send(ctx, req.ChatID, "⚠️ Your account has no workers\\.dev subdomain yet\\.\n"+
			"Open the Cloudflare dashboard → Workers → set up your subdomain, then run /automation again\\.")
		return Result{Outcome: OutcomeManualSubdomain, WorkerName: workerName}
	}

	// Step 8: base URL and persistence.
	baseURL := fmt.Sprintf("https://%s.%s.workers.dev", workerName, sub)
	panelURL := baseURL + "/panel"
	if req.Persist && o.Users != nil {
		if err := o.Users.SetWorkerName(ctx, req.UserID, workerName); err != nil {
			log.Printf("persist worker name failed user=%d err=%v", req.UserID, err)
		}
	}

	// Step 9: credential acquisition per strategy.
	switch req.Strategy {
	case StrategyGenerate:
		o.send(ctx, req.ChatID, `⏳ Waiting for the worker to initialize\.\.\.`)
		if err := o.initWait(ctx, initWaitDuration); err != nil {
			return o.fail(ctx, req, err)
		}
		o.send(ctx, req.ChatID, successMessage(panelURL, generated))
		return Result{Outcome: OutcomeSuccess, WorkerName: workerName, PanelURL: panelURL, Creds: generated}

	default: // StrategyScrape
		o.send(ctx, req.ChatID, `🔎 Waiting for the worker to publish its credentials\.\.\.`)
		creds, found, err := o.Poller.Poll(ctx, baseURL)
		if err != nil {
			return o.fail(ctx, req, err)
		}
		if !found {
			o.send(ctx, req.ChatID, manualCredentialsMessage(panelURL))
			return Result{Outcome: OutcomeManualCredentials, WorkerName: workerName, PanelURL: panelURL}
		}
		secrets := map[string]string{uuidVarName: creds.UUID, passVarName: creds.Password}
		if err := o.CP.SetSecretsAndBindings(ctx, req.Auth, req.AccountID, workerName, kv, secrets); err != nil {
			return o.fail(ctx, req, err)
		}
		o.send(ctx, req.ChatID, successMessage(panelURL, creds))
		return Result{Outcome: OutcomeSuccess, WorkerName: workerName, PanelURL: panelURL, Creds: creds}
	}
}

// fail logs the full provider error for operators and summarizes it to the
// user. User-supplied credentials are never echoed beyond the raw provider
// text.
func (o *Orchestrator) fail(ctx context.Context, req Request, err error) Result {
	log.Printf("deploy failed job=%s account=%s err=%v", req.JobID, req.AccountID, err)
	o.send(ctx, req.ChatID, failureMessage(err))
	return Result{Outcome: OutcomeFailure, Err: err}
}

func (o *Orchestrator) finishJob(ctx context.Context, req Request, res Result) {
	if o.Jobs == nil || req.JobID == "" {
		return
	}
	switch res.Outcome {
	case OutcomeFailure:
		msg := "unknown error"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		_ = o.Jobs.MarkFailed(ctx, req.JobID, msg)
	default:
		_ = o.Jobs.MarkSucceeded(ctx, req.JobID, res.WorkerName)
	}
}

func generateCredentials() (scrape.Credentials, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return scrape.Credentials{}, err
	}
	return scrape.Credentials{
		UUID:     uuid.NewString(),
		Password: hex.EncodeToString(raw),
	}, nil
}

func successMessage(panelURL string, creds scrape.Credentials) string {
	return "✅ *Deployment complete\\!*\n\n" +
		"Panel: " + telegram.Escape(panelURL) + "\n" +
		"UUID: `" + telegram.Escape(creds.UUID) + "`\n" +
		"Password: `" + telegram.Escape(creds.Password) + "`"
}

func manualCredentialsMessage(panelURL string) string {
	return "🟡 *Deployed, but the worker never published its credentials\\.*\n\n" +
		"Open " + telegram.Escape(panelURL) + " and copy the UUID and Trojan password shown there, " +
		"then enter them in the panel's settings by hand\\."
}

func failureMessage(err error) string {
	var upload *cloudflare.UploadError
	var hint string
	switch {
	case errors.Is(err, cloudflare.ErrAuthInvalid):
		hint = `Your credentials were rejected\. Check the token and try again\.`
	case errors.Is(err, cloudflare.ErrAccountUnreachable):
		hint = `The account could not be reached\. Check the account ID and the token's permissions\.`
	case errors.Is(err, cloudflare.ErrFetch):
		hint = `The worker script could not be downloaded\.`
	case errors.As(err, &upload):
		hint = `Cloudflare rejected the worker upload\.`
	default:
		hint = `The deployment failed\.`
	}
	return "❌ " + hint + "\n\n`" + telegram.Escape(err.Error()) + "`"
}
