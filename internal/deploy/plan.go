package deploy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/oklog/ulid/v2"

	"deploybot/internal/cloudflare"
	"deploybot/internal/credbox"
)

// Plan is the ephemeral per-run deployment input. It is derived at the start
// of a run and never persisted.
type Plan struct {
	WorkerName    string
	Script        []byte
	KVNamespaceID string
	Variables     map[string]string
	BaseURL       string
}

// minScriptBytes rejects truncated or error-page downloads before anything
// is created in the account.
const minScriptBytes = 512

const workerNamePrefix = "edge"

// Provider constraint: lowercase alphanumerics and hyphens, no leading or
// trailing hyphen.
var workerNameRE = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]*[a-z0-9])?$`)

// DeriveWorkerName builds a globally-unique-enough worker name from a
// time-ordered ULID. ULIDs use Crockford base32, so the lowercased form
// satisfies the provider's naming constraint.
func DeriveWorkerName() string {
	return workerNamePrefix + "-" + strings.ToLower(ulid.Make().String())
}

func ValidWorkerName(name string) bool {
	return name != "" && len(name) <= 63 && workerNameRE.MatchString(name)
}

// NamespaceTitle scopes the KV namespace to the deployment, so concurrent
// users never collide on a shared title.
func NamespaceTitle(workerName string) string {
	return workerName + "-kv"
}

// AuthMaterial is the serializable form of the credential variant. It exists
// so job payloads can carry either variant through the credbox.
type AuthMaterial struct {
	Method    string `json:"method"` // "token" or "global_key"
	Token     string `json:"token,omitempty"`
	Email     string `json:"email,omitempty"`
	GlobalKey string `json:"global_key,omitempty"`
}

func (a AuthMaterial) CloudAuth() cloudflare.Auth {
	if a.Method == "global_key" {
		return cloudflare.GlobalKeyAuth{Email: a.Email, Key: a.GlobalKey}
	}
	return cloudflare.TokenAuth{Token: a.Token}
}

// SealAuth encrypts the auth material for a job row or queue message.
func SealAuth(box *credbox.Box, a AuthMaterial) (string, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	return box.SealString(string(raw))
}

func OpenAuth(box *credbox.Box, payload string) (AuthMaterial, error) {
	raw, err := box.OpenString(payload)
	if err != nil {
		return AuthMaterial{}, err
	}
	var a AuthMaterial
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return AuthMaterial{}, fmt.Errorf("deploy: decode auth payload: %w", err)
	}
	return a, nil
}
