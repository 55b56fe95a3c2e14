package importer

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/hitoshi/linkbox/internal/model"
)

func newTestService(t *testing.T, repo *memJobRepo, limit int64) *Service {
	t.Helper()
	logger, _ := newTestLogger()
	return NewService(repo, t.TempDir(), limit, logger)
}

func assertAPIError(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != code {
		t.Fatalf("expected %s, got %v", code, err)
	}
}

func TestService_Submit(t *testing.T) {
	repo := newMemJobRepo()
	svc := newTestService(t, repo, 1024)

	job, err := svc.Submit(context.Background(), "user-1", strings.NewReader(linksDoc(1)), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Status != model.ImportPending || job.Policy != model.MergePolicySkip {
		t.Errorf("job = %+v", job)
	}
	data, err := os.ReadFile(job.FileRef)
	if err != nil {
		t.Fatalf("file not stored: %v", err)
	}
	if string(data) != linksDoc(1) {
		t.Error("stored content differs")
	}
	if stored, _ := repo.FindByID(context.Background(), job.ID); stored == nil {
		t.Error("job not persisted")
	}
}

func TestService_Submit_TooLarge(t *testing.T) {
	repo := newMemJobRepo()
	svc := newTestService(t, repo, 10)

	_, err := svc.Submit(context.Background(), "user-1", strings.NewReader(strings.Repeat("x", 11)), model.MergePolicySkip)
	assertAPIError(t, err, model.ErrCodeImportFileTooLarge)

	entries, _ := os.ReadDir(svc.dir)
	if len(entries) != 0 {
		t.Errorf("rejected upload must not be kept: %v", entries)
	}
	if len(repo.jobs) != 0 {
		t.Error("no job may be created")
	}

	// ちょうど上限のサイズは受け付ける
	if _, err := svc.Submit(context.Background(), "user-1", strings.NewReader(strings.Repeat("x", 10)), model.MergePolicySkip); err != nil {
		t.Errorf("limit-sized upload rejected: %v", err)
	}
}

func TestService_Submit_UnknownPolicy(t *testing.T) {
	svc := newTestService(t, newMemJobRepo(), 1024)
	_, err := svc.Submit(context.Background(), "user-1", strings.NewReader("{}"), "merge")
	assertAPIError(t, err, model.ErrCodeInvalidImportDocument)
}

func TestService_OwnerChecks(t *testing.T) {
	repo := newMemJobRepo(&model.ImportJob{ID: "job-1", OwnerID: "owner", Status: model.ImportFailed})
	svc := newTestService(t, repo, 1024)
	ctx := context.Background()

	_, err := svc.Get(ctx, "intruder", "job-1")
	assertAPIError(t, err, model.ErrCodePermissionDenied)
	_, err = svc.Cancel(ctx, "intruder", "job-1")
	assertAPIError(t, err, model.ErrCodePermissionDenied)
	_, err = svc.Retry(ctx, "intruder", "job-1")
	assertAPIError(t, err, model.ErrCodePermissionDenied)

	_, err = svc.Get(ctx, "owner", "missing")
	assertAPIError(t, err, model.ErrCodeImportJobNotFound)
}

func TestService_Cancel(t *testing.T) {
	ctx := context.Background()
	repo := newMemJobRepo()
	svc := newTestService(t, repo, 1024)

	job, err := svc.Submit(ctx, "user-1", strings.NewReader(linksDoc(1)), model.MergePolicySkip)
	if err != nil {
		t.Fatal(err)
	}
	cancelled, err := svc.Cancel(ctx, "user-1", job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cancelled.Status != model.ImportCancelled {
		t.Errorf("status = %s", cancelled.Status)
	}
	if _, err := os.Stat(job.FileRef); !errors.Is(err, os.ErrNotExist) {
		t.Error("file of a cancelled pending job must be removed")
	}

	_, err = svc.Cancel(ctx, "user-1", job.ID)
	assertAPIError(t, err, model.ErrCodeInvalidImportTransition)
}

func TestService_Retry(t *testing.T) {
	ctx := context.Background()
	repo := newMemJobRepo()
	svc := newTestService(t, repo, 1024)

	job, err := svc.Submit(ctx, "user-1", strings.NewReader(linksDoc(1)), model.MergePolicySkip)
	if err != nil {
		t.Fatal(err)
	}

	_, err = svc.Retry(ctx, "user-1", job.ID)
	assertAPIError(t, err, model.ErrCodeInvalidImportTransition)

	stored := repo.jobs[job.ID]
	stored.Status = model.ImportFailed
	stored.Processed, stored.Failed = 3, 2
	stored.FailedDetails = []model.ImportFailure{{Index: 0, Reason: "x"}}
	stored.ErrorMessage = "boom"

	retried, err := svc.Retry(ctx, "user-1", job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if retried.Status != model.ImportPending {
		t.Errorf("status = %s, want pending", retried.Status)
	}
	if retried.Processed != 0 || retried.Failed != 0 || len(retried.FailedDetails) != 0 || retried.ErrorMessage != "" {
		t.Errorf("counters not cleared: %+v", retried)
	}
}
