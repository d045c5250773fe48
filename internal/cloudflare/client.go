// Package cloudflare is a typed client for the slice of the Cloudflare v4 API
// the deploy flow needs: credential verification, Workers KV namespaces,
// worker script upload and the workers.dev subdomain.
package cloudflare

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

var (
	// ErrAuthInvalid means the supplied token or email/key pair was rejected.
	ErrAuthInvalid = errors.New("cloudflare: credentials invalid")
	// ErrAccountUnreachable means the account id is wrong or the credentials
	// lack permission to read it.
	ErrAccountUnreachable = errors.New("cloudflare: account unreachable")
	// ErrSubdomainUnavailable means the workers.dev subdomain could not be
	// enabled; callers downgrade this to a warning.
	ErrSubdomainUnavailable = errors.New("cloudflare: subdomain unavailable")
	// ErrFetch means an external artifact download failed.
	ErrFetch = errors.New("cloudflare: fetch failed")
)

// UploadError is a script upload rejection that survived the module/classic
// fallback. Detail carries the provider's raw error text for the operator.
type UploadError struct {
	Detail string
}

func (e *UploadError) Error() string {
	return "cloudflare: upload rejected: " + e.Detail
}

// Auth selects the request headers for one of the two supported schemes.
type Auth interface {
	apply(req *http.Request)
	// TokenVerifiable reports whether the scheme has a dedicated token
	// verification endpoint (email/key pairs do not).
	tokenVerifiable() bool
}

type TokenAuth struct {
	Token string
}

func (a TokenAuth) apply(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+a.Token)
}

func (a TokenAuth) tokenVerifiable() bool { return true }

type GlobalKeyAuth struct {
	Email string
	Key   string
}

func (a GlobalKeyAuth) apply(req *http.Request) {
	req.Header.Set("X-Auth-Email", a.Email)
	req.Header.Set("X-Auth-Key", a.Key)
}

func (a GlobalKeyAuth) tokenVerifiable() bool { return false }

type Client struct {
	BaseURL string
	Client  *http.Client
}

func NewClient() *Client {
	return &Client{
		BaseURL: "https://api.cloudflare.com/client/v4",
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// API envelope shared by every v4 endpoint.
type apiResponse struct {
	Success bool            `json:"success"`
	Errors  []apiError      `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (r *apiResponse) errorText() string {
	if len(r.Errors) == 0 {
		return "unknown error"
	}
	parts := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		parts = append(parts, fmt.Sprintf("%d: %s", e.Code, e.Message))
	}
	return strings.Join(parts, "; ")
}

func (c *Client) do(ctx context.Context, auth Auth, method, path string, contentType string, body []byte) (*apiResponse, int, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return nil, 0, err
	}
	auth.apply(req)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	var decoded apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("cloudflare: decode response: %w", err)
	}
	return &decoded, resp.StatusCode, nil
}

// VerifyCredentials confirms the auth material works and the account is
// reachable with it. Bearer tokens are checked against the dedicated verify
// endpoint first; email/key pairs have no such endpoint and go straight to
// the account lookup.
func (c *Client) VerifyCredentials(ctx context.Context, auth Auth, accountID string) error {
	if auth.tokenVerifiable() {
		resp, _, err := c.do(ctx, auth, http.MethodGet, "/user/tokens/verify", "", nil)
		if err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("%w: %s", ErrAuthInvalid, resp.errorText())
		}
	}

	resp, _, err := c.do(ctx, auth, http.MethodGet, "/accounts/"+accountID, "", nil)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%w: %s", ErrAccountUnreachable, resp.errorText())
	}
	return nil
}

type kvNamespace struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// EnsureKVNamespace creates the namespace, or finds an existing one with the
// exact same title when creation is rejected. The original creation error is
// surfaced if no match is found.
func (c *Client) EnsureKVNamespace(ctx context.Context, auth Auth, accountID, title string) (string, error) {
	body, _ := json.Marshal(map[string]string{"title": title})
	path := "/accounts/" + accountID + "/storage/kv/namespaces"

	resp, _, err := c.do(ctx, auth, http.MethodPost, path, "application/json", body)
	if err != nil {
		return "", err
	}
	if resp.Success {
		var ns kvNamespace
		if err := json.Unmarshal(resp.Result, &ns); err != nil {
			return "", fmt.Errorf("cloudflare: decode namespace: %w", err)
		}
		return ns.ID, nil
	}

	createErr := fmt.Errorf("cloudflare: create namespace: %s", resp.errorText())

	listResp, _, err := c.do(ctx, auth, http.MethodGet, path+"?per_page=100", "", nil)
	if err != nil {
		return "", createErr
	}
	if !listResp.Success {
		return "", createErr
	}
	var namespaces []kvNamespace
	if err := json.Unmarshal(listResp.Result, &namespaces); err != nil {
		return "", createErr
	}
	for _, ns := range namespaces {
		if ns.Title == title {
			return ns.ID, nil
		}
	}
	return "", createErr
}

// DownloadScript fetches the worker script artifact.
func (c *Client) DownloadScript(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrFetch, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	return data, nil
}

// KVBinding binds a namespace into the worker under a variable name.
type KVBinding struct {
	Name        string
	NamespaceID string
}

type scriptBinding struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	NamespaceID string `json:"namespace_id,omitempty"`
	Text        string `json:"text,omitempty"`
}

func buildBindings(kv []KVBinding, vars map[string]string, secrets map[string]string) []scriptBinding {
	bindings := make([]scriptBinding, 0, len(kv)+len(vars)+len(secrets))
	for _, b := range kv {
		bindings = append(bindings, scriptBinding{Type: "kv_namespace", Name: b.Name, NamespaceID: b.NamespaceID})
	}
	for name, text := range vars {
		bindings = append(bindings, scriptBinding{Type: "plain_text", Name: name, Text: text})
	}
	for name, text := range secrets {
		bindings = append(bindings, scriptBinding{Type: "secret_text", Name: name, Text: text})
	}
	return bindings
}

const (
	moduleFileName  = "worker.js"
	classicPartName = "script"
)

func encodeModulePayload(script []byte, bindings []scriptBinding) (string, []byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	meta, err := json.Marshal(map[string]any{
		"main_module": moduleFileName,
		"bindings":    bindings,
	})
	if err != nil {
		return "", nil, err
	}
	if err := writeFormField(w, "metadata", "application/json", meta); err != nil {
		return "", nil, err
	}

	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, moduleFileName, moduleFileName))
	hdr.Set("Content-Type", "application/javascript+module")
	part, err := w.CreatePart(hdr)
	if err != nil {
		return "", nil, err
	}
	if _, err := part.Write(script); err != nil {
		return "", nil, err
	}
	if err := w.Close(); err != nil {
		return "", nil, err
	}
	return w.FormDataContentType(), buf.Bytes(), nil
}

func encodeClassicPayload(script []byte, bindings []scriptBinding) (string, []byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	meta, err := json.Marshal(map[string]any{
		"body_part": classicPartName,
		"bindings":  bindings,
	})
	if err != nil {
		return "", nil, err
	}
	if err := writeFormField(w, "metadata", "application/json", meta); err != nil {
		return "", nil, err
	}

	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q`, classicPartName))
	hdr.Set("Content-Type", "application/javascript")
	part, err := w.CreatePart(hdr)
	if err != nil {
		return "", nil, err
	}
	if _, err := part.Write(script); err != nil {
		return "", nil, err
	}
	if err := w.Close(); err != nil {
		return "", nil, err
	}
	return w.FormDataContentType(), buf.Bytes(), nil
}

func writeFormField(w *multipart.Writer, name, contentType string, data []byte) error {
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q`, name))
	hdr.Set("Content-Type", contentType)
	part, err := w.CreatePart(hdr)
	if err != nil {
		return err
	}
	_, err = part.Write(data)
	return err
}

// needsClassicFallback reports whether the upload error indicates the
// account's plan only accepts the legacy script format.
func needsClassicFallback(errText string) bool {
	lower := strings.ToLower(errText)
	return strings.Contains(lower, "classic") || strings.Contains(lower, "modules")
}

// DeployScript uploads the worker script. The modern module format is tried
// first; if the account rejects it as unsupported, the legacy classic format
// is retried exactly once. Accounts differ in which format they accept, so
// the fallback is required for correctness.
func (c *Client) DeployScript(ctx context.Context, auth Auth, accountID, workerName string, script []byte, kv []KVBinding, vars map[string]string) error {
	bindings := buildBindings(kv, vars, nil)
	path := "/accounts/" + accountID + "/workers/scripts/" + workerName

	contentType, payload, err := encodeModulePayload(script, bindings)
	if err != nil {
		return err
	}
	resp, _, err := c.do(ctx, auth, http.MethodPut, path, contentType, payload)
	if err != nil {
		return err
	}
	if resp.Success {
		return nil
	}
	if !needsClassicFallback(resp.errorText()) {
		return &UploadError{Detail: resp.errorText()}
	}

	contentType, payload, err = encodeClassicPayload(script, bindings)
	if err != nil {
		return err
	}
	resp, _, err = c.do(ctx, auth, http.MethodPut, path, contentType, payload)
	if err != nil {
		return err
	}
	if !resp.Success {
		return &UploadError{Detail: resp.errorText()}
	}
	return nil
}

// SetSecretsAndBindings re-issues the script metadata with secret values and
// namespace bindings attached, without re-uploading the script body.
func (c *Client) SetSecretsAndBindings(ctx context.Context, auth Auth, accountID, workerName string, kv []KVBinding, secrets map[string]string) error {
	bindings := buildBindings(kv, nil, secrets)
	path := "/accounts/" + accountID + "/workers/scripts/" + workerName

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	meta, err := json.Marshal(map[string]any{
		"bindings":      bindings,
		"keep_bindings": []string{"kv_namespace"},
	})
	if err != nil {
		return err
	}
	if err := writeFormField(w, "metadata", "application/json", meta); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	resp, _, err := c.do(ctx, auth, http.MethodPatch, path+"/settings", w.FormDataContentType(), buf.Bytes())
	if err != nil {
		return err
	}
	if !resp.Success {
		return &UploadError{Detail: resp.errorText()}
	}
	return nil
}

// EnableSubdomain turns on the account's workers.dev hostname. Callers treat
// failure as a warning, never as a fatal error.
func (c *Client) EnableSubdomain(ctx context.Context, auth Auth, accountID string) error {
	body, _ := json.Marshal(map[string]bool{"enabled": true})
	resp, _, err := c.do(ctx, auth, http.MethodPut, "/accounts/"+accountID+"/workers/subdomain", "application/json", body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSubdomainUnavailable, err)
	}
	if !resp.Success {
		return fmt.Errorf("%w: %s", ErrSubdomainUnavailable, resp.errorText())
	}
	return nil
}

// GetSubdomain returns the account's workers.dev subdomain, or "" when the
// account has never initialized one. "" is not an error: the caller asks the
// user to initialize it in the dashboard.
func (c *Client) GetSubdomain(ctx context.Context, auth Auth, accountID string) (string, error) {
	resp, _, err := c.do(ctx, auth, http.MethodGet, "/accounts/"+accountID+"/workers/subdomain", "", nil)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", nil
	}
	var result struct {
		Subdomain string `json:"subdomain"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", nil
	}
	return result.Subdomain, nil
}
