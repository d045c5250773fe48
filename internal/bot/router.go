// Package bot routes inbound chat events into session transitions and, once
// a wizard completes, hands the deployment off to the job dispatcher.
package bot

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"deploybot/internal/cloudflare"
	"deploybot/internal/credbox"
	"deploybot/internal/deploy"
	"deploybot/internal/queue"
	"deploybot/internal/session"
	"deploybot/internal/telegram"
	"deploybot/internal/user"
)

const (
	cbAuthToken     = "auth:token"
	cbAuthGlobalKey = "auth:globalkey"
	cbConfirm       = "deploy:confirm"
	cbCancel        = "deploy:cancel"
)

// Verifier is the slice of the control plane the router needs for the
// /connect flow; the orchestrator re-verifies at run time.
type Verifier interface {
	VerifyCredentials(ctx context.Context, auth cloudflare.Auth, accountID string) error
}

type Router struct {
	Gateway    telegram.Gateway
	Sessions   session.Store
	Users      *user.Repo
	Jobs       *deploy.Repo
	Box        *credbox.Box
	Dispatcher queue.Dispatcher
	Verifier   Verifier

	// ConnectStrategy is the credential source for persistent /connect
	// deployments; the guided wizard always scrapes.
	ConnectStrategy deploy.Strategy

	now func() time.Time
}

func NewRouter(gw telegram.Gateway, sessions session.Store, users *user.Repo, jobs *deploy.Repo, box *credbox.Box, d queue.Dispatcher, verifier Verifier, connectStrategy deploy.Strategy) *Router {
	if connectStrategy == "" {
		connectStrategy = deploy.StrategyGenerate
	}
	return &Router{
		Gateway:         gw,
		Sessions:        sessions,
		Users:           users,
		Jobs:            jobs,
		Box:             box,
		Dispatcher:      d,
		Verifier:        verifier,
		ConnectStrategy: connectStrategy,
		now:             time.Now,
	}
}

// Handle processes one inbound update. Updates for a given conversation are
// delivered to Handle sequentially by the intake loop, so no per-chat
// locking happens here.
func (r *Router) Handle(ctx context.Context, upd telegram.Update) {
	switch {
	case upd.Callback != nil:
		r.handleCallback(ctx, upd.Callback)
	case upd.Message != nil:
		r.handleMessage(ctx, upd.Message)
	}
}

func (r *Router) handleMessage(ctx context.Context, msg *telegram.Message) {
	text := strings.TrimSpace(msg.Text)
	if strings.HasPrefix(text, "/") {
		r.handleCommand(ctx, msg, text)
		return
	}
	r.handleText(ctx, msg, text)
}

func (r *Router) handleCommand(ctx context.Context, msg *telegram.Message, text string) {
	parts := strings.Fields(text)
	cmd := parts[0]
	// Group chats address commands as /cmd@botname.
	if i := strings.Index(cmd, "@"); i > 0 {
		cmd = cmd[:i]
	}

	switch cmd {
	case "/start":
		r.reply(ctx, msg.Chat.ID, greetingText)
	case "/help":
		r.reply(ctx, msg.Chat.ID, helpText)
	case "/automation":
		r.startAutomation(ctx, msg)
	case "/connect":
		r.startConnect(ctx, msg, parts[1:])
	case "/status":
		r.status(ctx, msg)
	case "/forget":
		r.forget(ctx, msg)
	case "/cancel":
		r.cancel(ctx, msg.Chat.ID)
	}
}

// startAutomation either reuses stored credentials or opens the wizard.
func (r *Router) startAutomation(ctx context.Context, msg *telegram.Message) {
	if r.Users != nil {
		stored, err := r.Users.Get(ctx, msg.Chat.ID)
		if err == nil {
			r.deployFromStored(ctx, msg.Chat.ID, stored)
			return
		}
		if !user.IsNotFound(err) {
			log.Printf("stored user lookup failed chat=%d err=%v", msg.Chat.ID, err)
		}
	}

	now := r.now()
	s := &session.Session{
		ChatID:        msg.Chat.ID,
		State:         session.StateAwaitingAuthMethod,
		CreatedAt:     now,
		LastTouchedAt: now,
	}
	if err := r.Sessions.Put(ctx, s); err != nil {
		log.Printf("session put failed chat=%d err=%v", msg.Chat.ID, err)
		return
	}
	markup := &telegram.InlineKeyboard{InlineKeyboard: [][]telegram.InlineButton{{
		{Text: "API Token", CallbackData: cbAuthToken},
		{Text: "Global API Key", CallbackData: cbAuthGlobalKey},
	}}}
	if _, err := r.Gateway.SendMessage(ctx, msg.Chat.ID, chooseAuthText, markup); err != nil {
		log.Printf("send failed chat=%d err=%v", msg.Chat.ID, err)
	}
}

func (r *Router) startConnect(ctx context.Context, msg *telegram.Message, args []string) {
	if len(args) != 1 || args[0] == "" {
		r.reply(ctx, msg.Chat.ID, `Usage: /connect \<accountId\>`)
		return
	}
	now := r.now()
	s := &session.Session{
		ChatID:        msg.Chat.ID,
		State:         session.StateAwaitingToken,
		AuthMethod:    session.AuthToken,
		AccountID:     args[0],
		CreatedAt:     now,
		LastTouchedAt: now,
	}
	if err := r.Sessions.Put(ctx, s); err != nil {
		log.Printf("session put failed chat=%d err=%v", msg.Chat.ID, err)
		return
	}
	r.reply(ctx, msg.Chat.ID, askTokenConnectText)
}

func (r *Router) status(ctx context.Context, msg *telegram.Message) {
	var b strings.Builder

	if r.Users != nil {
		stored, err := r.Users.Get(ctx, msg.Chat.ID)
		switch {
		case err == nil:
			b.WriteString("Account: `" + telegram.Escape(stored.CloudAccountID) + "`\n")
			if stored.WorkerName != nil {
				b.WriteString("Worker: `" + telegram.Escape(*stored.WorkerName) + "`\n")
			}
		case user.IsNotFound(err):
			b.WriteString("No account connected\\. Use /connect or /automation\\.\n")
		default:
			log.Printf("status lookup failed chat=%d err=%v", msg.Chat.ID, err)
		}
	}

	if r.Jobs != nil {
		if last, err := r.Jobs.LastByChat(ctx, msg.Chat.ID); err == nil {
			b.WriteString("Last deployment: " + telegram.Escape(string(last.Status)))
		}
	}

	if b.Len() == 0 {
		b.WriteString("Nothing to report yet\\.")
	}
	r.reply(ctx, msg.Chat.ID, b.String())
}

// forget is idempotent: it confirms even when there was nothing to delete.
func (r *Router) forget(ctx context.Context, msg *telegram.Message) {
	if r.Users != nil {
		if err := r.Users.Delete(ctx, msg.Chat.ID); err != nil {
			log.Printf("forget failed chat=%d err=%v", msg.Chat.ID, err)
			r.reply(ctx, msg.Chat.ID, `Something went wrong\. Try again\.`)
			return
		}
	}
	_ = r.Sessions.Delete(ctx, msg.Chat.ID)
	r.reply(ctx, msg.Chat.ID, `🗑 Your stored credentials have been removed\.`)
}

func (r *Router) cancel(ctx context.Context, chatID int64) {
	_ = r.Sessions.Delete(ctx, chatID)
	r.reply(ctx, chatID, cancelledText)
}

// handleText feeds non-command text into the wizard. Input captured in an
// awaiting state is sensitive, so the original message is deleted from the
// chat right after capture; deletion failures are ignored.
func (r *Router) handleText(ctx context.Context, msg *telegram.Message, text string) {
	s, ok, err := r.Sessions.Get(ctx, msg.Chat.ID)
	if err != nil {
		log.Printf("session get failed chat=%d err=%v", msg.Chat.ID, err)
		return
	}
	if !ok || !s.Awaiting() {
		// No wizard in progress; the message belongs to someone else.
		return
	}

	_ = r.Gateway.DeleteMessage(ctx, msg.Chat.ID, msg.MessageID)

	if text == "" {
		return
	}

	action := session.Transition(s, session.Event{Kind: session.EventText, Text: text}, r.now())
	switch action {
	case session.ActionAdvanced:
		if err := r.Sessions.Put(ctx, s); err != nil {
			log.Printf("session put failed chat=%d err=%v", msg.Chat.ID, err)
			return
		}
		r.promptFor(ctx, s)
	case session.ActionConnect:
		r.finishConnect(ctx, s)
	}
}

func (r *Router) promptFor(ctx context.Context, s *session.Session) {
	switch s.State {
	case session.StateAwaitingAccountID:
		r.reply(ctx, s.ChatID, askAccountIDText)
	case session.StateAwaitingAPIToken:
		r.reply(ctx, s.ChatID, askTokenText)
	case session.StateAwaitingEmail:
		r.reply(ctx, s.ChatID, askEmailText)
	case session.StateAwaitingGlobalKey:
		r.reply(ctx, s.ChatID, askGlobalKeyText)
	case session.StateReadyToDeploy:
		markup := &telegram.InlineKeyboard{InlineKeyboard: [][]telegram.InlineButton{{
			{Text: "🚀 Deploy", CallbackData: cbConfirm},
			{Text: "Cancel", CallbackData: cbCancel},
		}}}
		text := "Ready to deploy to account `" + telegram.Escape(s.AccountID) + "`\\."
		if _, err := r.Gateway.SendMessage(ctx, s.ChatID, text, markup); err != nil {
			log.Printf("send failed chat=%d err=%v", s.ChatID, err)
		}
	}
}

// finishConnect verifies and stores the credentials captured by /connect.
func (r *Router) finishConnect(ctx context.Context, s *session.Session) {
	defer func() { _ = r.Sessions.Delete(ctx, s.ChatID) }()

	if r.Verifier != nil {
		if err := r.Verifier.VerifyCredentials(ctx, s.Auth(), s.AccountID); err != nil {
			log.Printf("connect verify failed chat=%d err=%v", s.ChatID, err)
			r.reply(ctx, s.ChatID, `❌ Those credentials were rejected\. Run /connect again\.`)
			return
		}
	}

	sealed, err := r.Box.SealString(s.APIToken)
	if err != nil {
		log.Printf("seal failed chat=%d err=%v", s.ChatID, err)
		r.reply(ctx, s.ChatID, `Something went wrong\. Try again\.`)
		return
	}
	if err := r.Users.Upsert(ctx, &user.StoredUser{
		UserID:         s.ChatID,
		CloudAccountID: s.AccountID,
		EncryptedToken: sealed,
	}); err != nil {
		log.Printf("store user failed chat=%d err=%v", s.ChatID, err)
		r.reply(ctx, s.ChatID, `Something went wrong\. Try again\.`)
		return
	}
	r.reply(ctx, s.ChatID, `✅ Connected\. Run /automation to deploy\.`)
}

func (r *Router) handleCallback(ctx context.Context, cb *telegram.CallbackQuery) {
	_ = r.Gateway.AnswerCallback(ctx, cb.ID)
	if cb.Message == nil {
		return
	}
	chatID := cb.Message.Chat.ID

	s, ok, err := r.Sessions.Get(ctx, chatID)
	if err != nil || !ok {
		return
	}

	var ev session.Event
	switch cb.Data {
	case cbAuthToken:
		ev = session.Event{Kind: session.EventChooseToken}
	case cbAuthGlobalKey:
		ev = session.Event{Kind: session.EventChooseGlobalKey}
	case cbConfirm:
		ev = session.Event{Kind: session.EventConfirm}
	case cbCancel:
		ev = session.Event{Kind: session.EventCancel}
	default:
		return
	}

	action := session.Transition(s, ev, r.now())
	switch action {
	case session.ActionAdvanced:
		if err := r.Sessions.Put(ctx, s); err != nil {
			log.Printf("session put failed chat=%d err=%v", chatID, err)
			return
		}
		_ = r.Gateway.EditMessageMarkup(ctx, chatID, cb.Message.MessageID, nil)
		r.promptFor(ctx, s)
	case session.ActionDeploy:
		_ = r.Gateway.EditMessageMarkup(ctx, chatID, cb.Message.MessageID, nil)
		r.dispatchDeploy(ctx, s, deploy.StrategyScrape, false)
	case session.ActionCancelled:
		_ = r.Gateway.EditMessageMarkup(ctx, chatID, cb.Message.MessageID, nil)
		r.cancel(ctx, chatID)
	}
}

// dispatchDeploy seals the session's auth material into a durable job and
// hands it to the dispatcher. The session is dropped here: the run carries
// its own copy of everything it needs.
func (r *Router) dispatchDeploy(ctx context.Context, s *session.Session, strategy deploy.Strategy, persist bool) {
	mat := deploy.AuthMaterial{Method: string(s.AuthMethod)}
	if s.AuthMethod == session.AuthGlobalKey {
		mat.Email = s.Email
		mat.GlobalKey = s.GlobalKey
	} else {
		mat.Token = s.APIToken
	}

	r.enqueue(ctx, s.ChatID, s.AccountID, mat, strategy, persist)
	_ = r.Sessions.Delete(ctx, s.ChatID)
}

func (r *Router) deployFromStored(ctx context.Context, chatID int64, stored *user.StoredUser) {
	token, err := r.Box.OpenString(stored.EncryptedToken)
	if err != nil {
		// Unreadable under the current master secret; force a reconnect.
		log.Printf("stored token unreadable chat=%d err=%v", chatID, err)
		r.reply(ctx, chatID, `⚠️ Your stored credentials could not be read\. Please /connect again\.`)
		return
	}
	mat := deploy.AuthMaterial{Method: "token", Token: token}
	r.enqueue(ctx, chatID, stored.CloudAccountID, mat, r.ConnectStrategy, true)
}

func (r *Router) enqueue(ctx context.Context, chatID int64, accountID string, mat deploy.AuthMaterial, strategy deploy.Strategy, persist bool) {
	sealed, err := deploy.SealAuth(r.Box, mat)
	if err != nil {
		log.Printf("seal auth failed chat=%d err=%v", chatID, err)
		r.reply(ctx, chatID, `Something went wrong\. Try again\.`)
		return
	}

	job := &deploy.Job{
		ID:          deploy.NewJobID(),
		ChatID:      chatID,
		UserID:      chatID,
		AccountID:   accountID,
		AuthPayload: sealed,
		Strategy:    string(strategy),
		Persist:     persist,
		Status:      deploy.StatusQueued,
	}
	if err := r.Jobs.Create(ctx, job); err != nil {
		log.Printf("create job failed chat=%d err=%v", chatID, err)
		r.reply(ctx, chatID, `Something went wrong\. Try again\.`)
		return
	}
	if err := r.Dispatcher.Dispatch(ctx, job.ID); err != nil {
		log.Printf("dispatch failed job=%s err=%v", job.ID, err)
		_ = r.Jobs.MarkFailed(ctx, job.ID, fmt.Sprintf("dispatch: %v", err))
		r.reply(ctx, chatID, `Something went wrong\. Try again\.`)
		return
	}
	r.reply(ctx, chatID, `🛠 Starting your deployment\. I will keep you posted\.`)
}

func (r *Router) reply(ctx context.Context, chatID int64, text string) {
	if _, err := r.Gateway.SendMessage(ctx, chatID, text, nil); err != nil {
		log.Printf("send failed chat=%d err=%v", chatID, err)
	}
}
