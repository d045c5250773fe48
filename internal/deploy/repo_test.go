package deploy

import (
	"context"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"deploybot/internal/credbox"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Job{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewRepo(openTestDB(t))

	job := &Job{
		ID:          NewJobID(),
		ChatID:      42,
		UserID:      42,
		AccountID:   "acct123",
		AuthPayload: "sealed",
		Strategy:    string(StrategyScrape),
		Status:      StatusQueued,
	}
	if err := repo.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := repo.MarkRunning(ctx, job.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	got, err := repo.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusRunning {
		t.Fatalf("status %v", got.Status)
	}

	if err := repo.MarkSucceeded(ctx, job.ID, "edge-abc"); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	got, _ = repo.Get(ctx, job.ID)
	if got.Status != StatusSucceeded || got.WorkerName == nil || *got.WorkerName != "edge-abc" {
		t.Fatalf("after success: %+v", got)
	}

	last, err := repo.LastByChat(ctx, 42)
	if err != nil {
		t.Fatalf("last by chat: %v", err)
	}
	if last.ID != job.ID {
		t.Fatalf("last job %s want %s", last.ID, job.ID)
	}

	counts, err := repo.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[StatusSucceeded] != 1 {
		t.Fatalf("counts %v", counts)
	}
}

func TestMarkFailedRecordsError(t *testing.T) {
	ctx := context.Background()
	repo := NewRepo(openTestDB(t))

	job := &Job{ID: NewJobID(), ChatID: 1, UserID: 1, AccountID: "a", AuthPayload: "p", Strategy: "scrape", Status: StatusQueued}
	_ = repo.Create(ctx, job)

	if err := repo.MarkFailed(ctx, job.ID, "upload rejected"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, _ := repo.Get(ctx, job.ID)
	if got.Status != StatusFailed || got.Error == nil || *got.Error != "upload rejected" {
		t.Fatalf("after failure: %+v", got)
	}
}

func TestAuthPayloadRoundTrip(t *testing.T) {
	box, err := credbox.New("test-secret")
	if err != nil {
		t.Fatalf("credbox: %v", err)
	}

	for _, mat := range []AuthMaterial{
		{Method: "token", Token: "tok_abcdefghij0123456789"},
		{Method: "global_key", Email: "me@example.com", GlobalKey: "gk-secret"},
	} {
		sealed, err := SealAuth(box, mat)
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		got, err := OpenAuth(box, sealed)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if got != mat {
			t.Fatalf("round trip: got %+v want %+v", got, mat)
		}
	}
}
