// Package session tracks per-conversation wizard state. Sessions are
// short-lived: they exist only while the bot is collecting deployment inputs
// and are deleted on completion, cancellation or expiry.
package session

import (
	"time"

	"deploybot/internal/cloudflare"
)

const (
	// ExpiryWindow is how long a session may sit untouched before the
	// sweeper removes it.
	ExpiryWindow = 10 * time.Minute
	// SweepInterval is how often the sweeper runs.
	SweepInterval = 10 * time.Minute
)

type State string

const (
	StateAwaitingAuthMethod State = "awaiting_auth_method"
	StateAwaitingAccountID  State = "awaiting_account_id"
	StateAwaitingAPIToken   State = "awaiting_api_token"
	StateAwaitingEmail      State = "awaiting_email"
	StateAwaitingGlobalKey  State = "awaiting_global_key"
	StateReadyToDeploy      State = "ready_to_deploy"
	// StateAwaitingToken is the persistent /connect flow's single input
	// state; AccountID is already set when it is entered.
	StateAwaitingToken State = "awaiting_token"
)

type AuthMethod string

const (
	AuthToken     AuthMethod = "token"
	AuthGlobalKey AuthMethod = "global_key"
)

type Session struct {
	ChatID     int64      `json:"chat_id"`
	State      State      `json:"state"`
	AuthMethod AuthMethod `json:"auth_method,omitempty"`
	AccountID  string     `json:"account_id,omitempty"`

	// Auth material: either APIToken, or Email+GlobalKey. Never both.
	APIToken  string `json:"api_token,omitempty"`
	Email     string `json:"email,omitempty"`
	GlobalKey string `json:"global_key,omitempty"`

	CreatedAt     time.Time `json:"created_at"`
	LastTouchedAt time.Time `json:"last_touched_at"`
}

// Auth returns the control-plane auth variant the collected material maps to.
func (s *Session) Auth() cloudflare.Auth {
	if s.AuthMethod == AuthGlobalKey {
		return cloudflare.GlobalKeyAuth{Email: s.Email, Key: s.GlobalKey}
	}
	return cloudflare.TokenAuth{Token: s.APIToken}
}

func (s *Session) Expired(now time.Time) bool {
	return now.Sub(s.LastTouchedAt) > ExpiryWindow
}

// Awaiting reports whether the session is waiting for sensitive text input.
// The router deletes inbound messages captured in these states.
func (s *Session) Awaiting() bool {
	switch s.State {
	case StateAwaitingAccountID, StateAwaitingAPIToken, StateAwaitingEmail,
		StateAwaitingGlobalKey, StateAwaitingToken:
		return true
	}
	return false
}
