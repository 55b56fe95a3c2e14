package ingest

import (
	"bytes"
	"context"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/linkbox/internal/feed"
	"github.com/hitoshi/linkbox/internal/model"
	"github.com/hitoshi/linkbox/internal/social"
	"github.com/hitoshi/linkbox/internal/worker/queue"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// memFeedRepo はversion列を模した楽観的排他制御付きのFeedRepository。
type memFeedRepo struct {
	mu      sync.Mutex
	feeds   map[string]*model.Feed
	leaseFn func(id string) // Lease直前に呼ばれる。競合の注入に使う
	due     []*model.Feed
	dueArgs []time.Time
}

func newMemFeedRepo(feeds ...*model.Feed) *memFeedRepo {
	r := &memFeedRepo{feeds: map[string]*model.Feed{}}
	for _, f := range feeds {
		r.feeds[f.ID] = f
	}
	return r
}

func (r *memFeedRepo) get(id string) *model.Feed {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.feeds[id]
	return &cp
}

func (r *memFeedRepo) bump(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feeds[id].Version++
}

func (r *memFeedRepo) FindByID(ctx context.Context, id string) (*model.Feed, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.feeds[id]
	if !ok {
		return nil, nil
	}
	cp := *f
	return &cp, nil
}

func (r *memFeedRepo) FindByURL(ctx context.Context, url string) (*model.Feed, error) {
	return nil, nil
}

func (r *memFeedRepo) GetOrCreate(ctx context.Context, url string) (*model.Feed, bool, error) {
	return nil, false, nil
}

func (r *memFeedRepo) ListDueForPoll(ctx context.Context, before time.Time, limit int) ([]*model.Feed, error) {
	r.dueArgs = append(r.dueArgs, before)
	return r.due, nil
}

func (r *memFeedRepo) Lease(ctx context.Context, id string, version int64, now time.Time) (bool, error) {
	if r.leaseFn != nil {
		r.leaseFn(id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.feeds[id]
	if f == nil || f.Version != version || !f.Active {
		return false, nil
	}
	t := now
	f.LastPollAttempt = &t
	f.Version++
	return true, nil
}

func (r *memFeedRepo) SavePollState(ctx context.Context, feed *model.Feed) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.feeds[feed.ID]
	if f == nil || f.Version != feed.Version {
		return false, nil
	}
	active := f.Active
	*f = *feed
	f.Active = active
	f.Version++
	feed.Version++
	return true, nil
}

func (r *memFeedRepo) Disable(ctx context.Context, id string, version int64, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.feeds[id]
	if f == nil || f.Version != version {
		return false, nil
	}
	f.Active = false
	f.ErrorMessage = reason
	f.Version++
	return true, nil
}

func (r *memFeedRepo) Delete(ctx context.Context, id string) error { return nil }

type mockItemRepo struct {
	upsertFn func(ctx context.Context, feedID string, entries []model.ParsedEntry, pollTime time.Time) ([]*model.FeedItem, error)
}

func (m *mockItemRepo) UpsertEntries(ctx context.Context, feedID string, entries []model.ParsedEntry, pollTime time.Time) ([]*model.FeedItem, error) {
	if m.upsertFn != nil {
		return m.upsertFn(ctx, feedID, entries, pollTime)
	}
	items := make([]*model.FeedItem, len(entries))
	for i, e := range entries {
		items[i] = &model.FeedItem{FeedID: feedID, GUID: e.GUID, Link: e.Link, Title: e.Title, Date: e.Date, FirstSeen: pollTime, LastSeen: pollTime}
	}
	return items, nil
}

func (m *mockItemRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

type mockFetcher struct {
	fetchFn func(ctx context.Context, f *model.Feed) (*feed.FetchResult, error)
	testFn  func(ctx context.Context, feedURL string) error
	calls   int
}

func (m *mockFetcher) Fetch(ctx context.Context, f *model.Feed) (*feed.FetchResult, error) {
	m.calls++
	return m.fetchFn(ctx, f)
}

func (m *mockFetcher) TestConnection(ctx context.Context, feedURL string) error {
	if m.testFn != nil {
		return m.testFn(ctx, feedURL)
	}
	return nil
}

type mockFeedRouter struct {
	subscribersFn func(ctx context.Context, feedURL string) ([]string, error)
	calls         [][]*model.FeedItem
}

func (m *mockFeedRouter) FeedSubscribers(ctx context.Context, feedURL string) ([]string, error) {
	if m.subscribersFn != nil {
		return m.subscribersFn(ctx, feedURL)
	}
	return []string{"user-1"}, nil
}

func (m *mockFeedRouter) EnqueueFeedEntries(feedURL string, users []string, items []*model.FeedItem) int {
	m.calls = append(m.calls, items)
	return len(users)
}

// recordingSubmitter は積まれたジョブを保持し、runAllで同期実行する。
type recordingSubmitter struct {
	jobs []queue.Job
}

func (s *recordingSubmitter) Submit(job queue.Job) bool {
	for _, j := range s.jobs {
		if job.Key != "" && j.Key == job.Key {
			return false
		}
	}
	s.jobs = append(s.jobs, job)
	return true
}

func (s *recordingSubmitter) runAll(ctx context.Context) error {
	jobs := s.jobs
	s.jobs = nil
	for _, j := range jobs {
		if err := j.Run(ctx); err != nil {
			return err
		}
	}
	return nil
}

// recordingMetrics は呼び出しを数えるMetricsCollector。
type recordingMetrics struct {
	polls    map[string]int
	disabled map[string]int
	observed int
	statuses []int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{polls: map[string]int{}, disabled: map[string]int{}}
}

func (m *recordingMetrics) RecordPoll(kind, result string)          { m.polls[kind+"/"+result]++ }
func (m *recordingMetrics) RecordPollLatency(string, time.Duration) {}
func (m *recordingMetrics) RecordHTTPStatus(code int)               { m.statuses = append(m.statuses, code) }
func (m *recordingMetrics) RecordFeedItemsObserved(n int)           { m.observed += n }
func (m *recordingMetrics) RecordInboxDelivered(string, int)        {}
func (m *recordingMetrics) RecordJob(string, error, time.Duration)  {}
func (m *recordingMetrics) SetQueueDepth(int)                       {}
func (m *recordingMetrics) RecordImportItems(int, int)              {}
func (m *recordingMetrics) RecordSourceDisabled(kind string)        { m.disabled[kind]++ }

// memTimelineRepo は楽観的排他制御付きのTimelineRepository。
type memTimelineRepo struct {
	mu        sync.Mutex
	timelines map[string]*model.Timeline
	due       []*model.Timeline
	dueArgs   []time.Time
}

func newMemTimelineRepo(tls ...*model.Timeline) *memTimelineRepo {
	r := &memTimelineRepo{timelines: map[string]*model.Timeline{}}
	for _, tl := range tls {
		r.timelines[tl.ID] = tl
	}
	return r
}

func (r *memTimelineRepo) get(id string) *model.Timeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.timelines[id]
	return &cp
}

func (r *memTimelineRepo) Create(ctx context.Context, tl *model.Timeline) error { return nil }

func (r *memTimelineRepo) FindByID(ctx context.Context, id string) (*model.Timeline, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tl, ok := r.timelines[id]
	if !ok {
		return nil, nil
	}
	cp := *tl
	return &cp, nil
}

func (r *memTimelineRepo) ListByAccount(ctx context.Context, accountID string) ([]*model.Timeline, error) {
	return nil, nil
}

func (r *memTimelineRepo) ListDueForPoll(ctx context.Context, before time.Time, limit int) ([]*model.Timeline, error) {
	r.dueArgs = append(r.dueArgs, before)
	return r.due, nil
}

func (r *memTimelineRepo) Lease(ctx context.Context, id string, version int64, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tl := r.timelines[id]
	if tl == nil || tl.Version != version || !tl.Active {
		return false, nil
	}
	t := now
	tl.LastPollAttempt = &t
	tl.Version++
	return true, nil
}

func (r *memTimelineRepo) SavePollState(ctx context.Context, timeline *model.Timeline) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tl := r.timelines[timeline.ID]
	if tl == nil || tl.Version != timeline.Version {
		return false, nil
	}
	active := tl.Active
	*tl = *timeline
	tl.Active = active
	tl.Version++
	timeline.Version++
	return true, nil
}

func (r *memTimelineRepo) Disable(ctx context.Context, id string, version int64, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tl := r.timelines[id]
	if tl == nil || tl.Version != version {
		return false, nil
	}
	tl.Active = false
	tl.ErrorMessage = reason
	tl.Version++
	return true, nil
}

type memAccountRepo struct {
	accounts map[string]*model.SourceAccount
}

func (r *memAccountRepo) Create(ctx context.Context, a *model.SourceAccount) error { return nil }

func (r *memAccountRepo) FindByID(ctx context.Context, id string) (*model.SourceAccount, error) {
	a, ok := r.accounts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (r *memAccountRepo) ListByUser(ctx context.Context, userID string) ([]*model.SourceAccount, error) {
	return nil, nil
}

func (r *memAccountRepo) MarkNeedsReauth(ctx context.Context, id string, needs bool) error {
	r.accounts[id].NeedsReauth = needs
	return nil
}

func (r *memAccountRepo) UpdateCredential(ctx context.Context, id, credential string) error {
	return nil
}

func (r *memAccountRepo) SetActive(ctx context.Context, id string, active bool) error { return nil }

// sliceSource はスライスのステータスを順に返し、最後にerrを返すStatusSource。
type sliceSource struct {
	statuses []social.Status
	err      error
	cursors  []string
}

func (s *sliceSource) Statuses(ctx context.Context, acct *model.SourceAccount, tl *model.Timeline, cursor string, limit int) iter.Seq2[social.Status, error] {
	s.cursors = append(s.cursors, cursor)
	return func(yield func(social.Status, error) bool) {
		n := 0
		for _, st := range s.statuses {
			if n >= limit {
				return
			}
			if !yield(st, nil) {
				return
			}
			n++
		}
		if s.err != nil {
			yield(social.Status{}, s.err)
		}
	}
}

type recordingStatusRouter struct {
	ids []string
}

func (r *recordingStatusRouter) RouteStatus(ctx context.Context, acct *model.SourceAccount, tl *model.Timeline, status social.Status) bool {
	r.ids = append(r.ids, status.ID)
	return true
}
