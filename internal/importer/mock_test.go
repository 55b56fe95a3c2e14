package importer

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/linkbox/internal/model"
)

// memJobRepo はversionとstatusの条件を再現するインメモリのImportJobRepository。
type memJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*model.ImportJob

	saveProgressCalls int
	// onSaveProgress はSaveProgressの直前に呼ばれる。並行する取り消しの再現に使う。
	onSaveProgress func(r *memJobRepo, job *model.ImportJob)
}

func newMemJobRepo(jobs ...*model.ImportJob) *memJobRepo {
	r := &memJobRepo{jobs: make(map[string]*model.ImportJob)}
	for _, j := range jobs {
		r.jobs[j.ID] = j
	}
	return r
}

func cloneJob(j *model.ImportJob) *model.ImportJob {
	c := *j
	c.FailedDetails = append([]model.ImportFailure(nil), j.FailedDetails...)
	return &c
}

func (r *memJobRepo) Create(_ context.Context, job *model.ImportJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = cloneJob(job)
	return nil
}

func (r *memJobRepo) FindByID(_ context.Context, id string) (*model.ImportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, nil
	}
	return cloneJob(j), nil
}

func (r *memJobRepo) ListByStatus(_ context.Context, status model.ImportStatus, _ int) ([]*model.ImportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.ImportJob
	for _, j := range r.jobs {
		if j.Status == status {
			out = append(out, cloneJob(j))
		}
	}
	return out, nil
}

func (r *memJobRepo) Transition(_ context.Context, id string, from, to model.ImportStatus, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(id, from, to, now), nil
}

func (r *memJobRepo) transitionLocked(id string, from, to model.ImportStatus, now time.Time) bool {
	j, ok := r.jobs[id]
	if !ok || j.Status != from {
		return false
	}
	j.Status = to
	if to == model.ImportProcessing {
		j.StartedAt = &now
	}
	if to.IsTerminal() {
		j.FinishedAt = &now
	}
	j.Version++
	return true
}

func (r *memJobRepo) SaveProgress(_ context.Context, job *model.ImportJob) (bool, error) {
	if r.onSaveProgress != nil {
		r.onSaveProgress(r, job)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saveProgressCalls++
	j, ok := r.jobs[job.ID]
	if !ok || j.Version != job.Version || j.Status != model.ImportProcessing {
		return false, nil
	}
	j.Processed, j.Failed = job.Processed, job.Failed
	j.FailedDetails = append([]model.ImportFailure(nil), job.FailedDetails...)
	j.Version++
	job.Version++
	return true, nil
}

func (r *memJobRepo) Finish(_ context.Context, job *model.ImportJob, status model.ImportStatus, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[job.ID]
	if !ok || j.Status != model.ImportProcessing {
		return false, nil
	}
	j.Status = status
	j.Processed, j.Failed = job.Processed, job.Failed
	j.FailedDetails = append([]model.ImportFailure(nil), job.FailedDetails...)
	j.ErrorMessage = job.ErrorMessage
	j.FinishedAt = &now
	j.Version++
	job.Status = status
	job.Version = j.Version
	return true, nil
}

func (r *memJobRepo) ResetForRetry(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.Status != model.ImportFailed {
		return false, nil
	}
	j.Status = model.ImportPending
	j.Processed, j.Failed, j.FailedDetails, j.ErrorMessage = 0, 0, nil, ""
	j.StartedAt, j.FinishedAt = nil, nil
	j.Version++
	return true, nil
}

type savedBookmark struct {
	owner  string
	url    string
	fields model.BookmarkFields
	policy model.MergePolicy
}

// recordingSaver は保存要求を記録する。errForURLに一致するURLはそのエラーを返す。
type recordingSaver struct {
	mu        sync.Mutex
	saved     []savedBookmark
	errForURL map[string]error
	// afterSave は保存に成功するたびに呼ばれる。
	afterSave func(saved int)
}

func (s *recordingSaver) Save(_ context.Context, ownerID, rawURL string, fields model.BookmarkFields, policy model.MergePolicy) (*model.Bookmark, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.errForURL[rawURL]; ok {
		return nil, false, err
	}
	if !strings.HasPrefix(rawURL, "http") {
		return nil, false, model.NewInvalidURLError(rawURL)
	}
	s.saved = append(s.saved, savedBookmark{owner: ownerID, url: rawURL, fields: fields, policy: policy})
	if s.afterSave != nil {
		s.afterSave(len(s.saved))
	}
	return &model.Bookmark{ID: "bm", OwnerID: ownerID, URL: rawURL}, true, nil
}

type recordingImportMetrics struct {
	processed, failed int
}

func (m *recordingImportMetrics) RecordImportItems(processed, failed int) {
	m.processed += processed
	m.failed += failed
}

func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}
