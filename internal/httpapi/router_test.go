package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"deploybot/internal/deploy"
	"deploybot/internal/telegram"
	"deploybot/internal/user"
)

func testDeps(t *testing.T) (Deps, chan telegram.Update) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(gormsqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&user.StoredUser{}, &deploy.Job{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	updates := make(chan telegram.Update, 4)
	return Deps{
		Users:         user.NewRepo(db),
		Jobs:          deploy.NewRepo(db),
		Updates:       updates,
		WebhookSecret: "hook-secret",
		AdminToken:    DefaultTokenConfig("admin-secret"),
	}, updates
}

func TestWebhookRejectsBadSecret(t *testing.T) {
	deps, updates := testDeps(t)
	r := NewRouter(deps)

	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook",
		strings.NewReader(`{"update_id":1}`))
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "wrong")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if len(updates) != 0 {
		t.Fatalf("update accepted despite bad secret")
	}
}

func TestWebhookAcceptsUpdate(t *testing.T) {
	deps, updates := testDeps(t)
	r := NewRouter(deps)

	body := `{"update_id":7,"message":{"message_id":1,"text":"/start","chat":{"id":42}}}`
	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(body))
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "hook-secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	select {
	case upd := <-updates:
		if upd.Message == nil || upd.Message.Chat.ID != 42 {
			t.Fatalf("update not delivered intact: %+v", upd)
		}
	default:
		t.Fatalf("update never reached the intake channel")
	}
}

func TestAdminStatsRequiresToken(t *testing.T) {
	deps, _ := testDeps(t)
	r := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", w.Code)
	}

	token, err := CreateToken("ops", deps.AdminToken)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "connected_users") {
		t.Fatalf("stats body missing counters: %s", w.Body.String())
	}
}

func TestVerifyTokenRejectsWrongSecret(t *testing.T) {
	token, err := CreateToken("ops", DefaultTokenConfig("secret-a"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := VerifyToken(token, DefaultTokenConfig("secret-b")); err == nil {
		t.Fatalf("token verified under the wrong secret")
	}
	if _, err := VerifyToken(token, DefaultTokenConfig("secret-a")); err != nil {
		t.Fatalf("token rejected under its own secret: %v", err)
	}
}

func TestVerifyTokenRejectsExpired(t *testing.T) {
	cfg := TokenConfig{Secret: "s", Expiry: -time.Minute, Issuer: "deploybot"}
	if _, err := CreateToken("ops", cfg); err == nil {
		t.Fatalf("negative expiry must be rejected at mint time")
	}

	cfg.Expiry = time.Millisecond
	token, err := CreateToken("ops", cfg)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := VerifyToken(token, cfg); err == nil {
		t.Fatalf("expired token verified")
	}
}
