package source

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/linkbox/internal/model"
	"github.com/hitoshi/linkbox/internal/social"
)

type mockAccountRepo struct {
	accounts    map[string]*model.SourceAccount
	updatedCred map[string]string
	active      map[string]bool
}

func newMockAccountRepo(accounts ...*model.SourceAccount) *mockAccountRepo {
	m := &mockAccountRepo{
		accounts:    make(map[string]*model.SourceAccount),
		updatedCred: make(map[string]string),
		active:      make(map[string]bool),
	}
	for _, a := range accounts {
		m.accounts[a.ID] = a
	}
	return m
}

func (m *mockAccountRepo) Create(_ context.Context, a *model.SourceAccount) error {
	m.accounts[a.ID] = a
	return nil
}

func (m *mockAccountRepo) FindByID(_ context.Context, id string) (*model.SourceAccount, error) {
	return m.accounts[id], nil
}

func (m *mockAccountRepo) ListByUser(_ context.Context, userID string) ([]*model.SourceAccount, error) {
	var out []*model.SourceAccount
	for _, a := range m.accounts {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockAccountRepo) MarkNeedsReauth(context.Context, string, bool) error { return nil }

func (m *mockAccountRepo) UpdateCredential(_ context.Context, id, credential string) error {
	m.updatedCred[id] = credential
	return nil
}

func (m *mockAccountRepo) SetActive(_ context.Context, id string, active bool) error {
	m.active[id] = active
	return nil
}

type mockTimelineRepo struct {
	created []*model.Timeline
}

func (m *mockTimelineRepo) Create(_ context.Context, tl *model.Timeline) error {
	m.created = append(m.created, tl)
	return nil
}

func (m *mockTimelineRepo) FindByID(context.Context, string) (*model.Timeline, error) {
	return nil, nil
}

func (m *mockTimelineRepo) ListByAccount(_ context.Context, accountID string) ([]*model.Timeline, error) {
	var out []*model.Timeline
	for _, tl := range m.created {
		if tl.AccountID == accountID {
			out = append(out, tl)
		}
	}
	return out, nil
}

func (m *mockTimelineRepo) ListDueForPoll(context.Context, time.Time, int) ([]*model.Timeline, error) {
	return nil, nil
}

func (m *mockTimelineRepo) Lease(context.Context, string, int64, time.Time) (bool, error) {
	return true, nil
}

func (m *mockTimelineRepo) SavePollState(context.Context, *model.Timeline) (bool, error) {
	return true, nil
}

func (m *mockTimelineRepo) Disable(context.Context, string, int64, string) (bool, error) {
	return true, nil
}

type mockVerifier struct {
	account *social.Account
	err     error
	seen    []string
}

func (m *mockVerifier) VerifyCredentials(_ context.Context, acct *model.SourceAccount) (*social.Account, error) {
	m.seen = append(m.seen, acct.Credential)
	return m.account, m.err
}

func newTestService(accounts *mockAccountRepo, timelines *mockTimelineRepo, verifier *mockVerifier) *Service {
	var buf bytes.Buffer
	return NewService(accounts, timelines, verifier, slog.New(slog.NewJSONHandler(&buf, nil)))
}

func assertAPIError(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != code {
		t.Fatalf("expected %s, got %v", code, err)
	}
}

func TestConnectAccount(t *testing.T) {
	accounts := newMockAccountRepo()
	verifier := &mockVerifier{account: &social.Account{ID: "109", Username: "alice", Acct: "alice"}}
	svc := newTestService(accounts, &mockTimelineRepo{}, verifier)

	acct, err := svc.ConnectAccount(context.Background(), "user-1", "https://Mastodon.Example/", "token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acct.AccountID != "109" || acct.Handle != "alice" || acct.Kind != model.SourceKindMastodon {
		t.Errorf("account = %+v", acct)
	}
	if !acct.Active || acct.UserID != "user-1" {
		t.Errorf("account = %+v", acct)
	}
	if accounts.accounts[acct.ID] == nil {
		t.Error("account not persisted")
	}
}

func TestConnectAccount_VerificationFails(t *testing.T) {
	accounts := newMockAccountRepo()
	verifier := &mockVerifier{err: model.NewAuthExpiredError(401, errors.New("unauthorized"))}
	svc := newTestService(accounts, &mockTimelineRepo{}, verifier)

	_, err := svc.ConnectAccount(context.Background(), "user-1", "mastodon.example", "bad")
	assertAPIError(t, err, model.ErrCodeSourceAuthFailed)
	if len(accounts.accounts) != 0 {
		t.Error("account must not be created")
	}

	_, err = svc.ConnectAccount(context.Background(), "user-1", "", "token")
	assertAPIError(t, err, model.ErrCodeSourceAuthFailed)
}

func TestRefreshCredential(t *testing.T) {
	existing := &model.SourceAccount{ID: "acc-1", UserID: "user-1", AccountID: "109", Server: "mastodon.example", Credential: "old", NeedsReauth: true}
	accounts := newMockAccountRepo(existing)
	verifier := &mockVerifier{account: &social.Account{ID: "109"}}
	svc := newTestService(accounts, &mockTimelineRepo{}, verifier)

	if err := svc.RefreshCredential(context.Background(), "user-1", "acc-1", "new"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if accounts.updatedCred["acc-1"] != "new" {
		t.Errorf("credential not updated: %v", accounts.updatedCred)
	}
	if verifier.seen[0] != "new" {
		t.Errorf("verification must use the new credential, got %v", verifier.seen)
	}
	if existing.Credential != "old" {
		t.Error("stored account must not be mutated before the update succeeds")
	}

	verifier.account = &social.Account{ID: "999"}
	err := svc.RefreshCredential(context.Background(), "user-1", "acc-1", "other")
	assertAPIError(t, err, model.ErrCodeSourceAuthFailed)
}

func TestAddTimeline(t *testing.T) {
	accounts := newMockAccountRepo(&model.SourceAccount{ID: "acc-1", UserID: "user-1"})
	timelines := &mockTimelineRepo{}
	svc := newTestService(accounts, timelines, &mockVerifier{})
	ctx := context.Background()

	tl, err := svc.AddTimeline(ctx, "user-1", "acc-1", model.TimelineHashtag, model.TimelineConfig{Tag: "golang"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tl.Active || tl.LastStatusID != "" {
		t.Errorf("timeline = %+v", tl)
	}

	tests := []struct {
		name   string
		typ    model.TimelineType
		config model.TimelineConfig
	}{
		{"タグなしのhashtag", model.TimelineHashtag, model.TimelineConfig{}},
		{"IDなしのlist", model.TimelineList, model.TimelineConfig{ListName: "friends"}},
		{"未知の種類", "mentions", model.TimelineConfig{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.AddTimeline(ctx, "user-1", "acc-1", tt.typ, tt.config)
			assertAPIError(t, err, model.ErrCodeInvalidTimeline)
		})
	}
	if len(timelines.created) != 1 {
		t.Errorf("created = %d, want 1", len(timelines.created))
	}

	list, err := svc.ListTimelines(ctx, "user-1", "acc-1")
	if err != nil || len(list) != 1 {
		t.Errorf("ListTimelines = %v, %v", list, err)
	}
}

func TestOwnerChecks(t *testing.T) {
	accounts := newMockAccountRepo(&model.SourceAccount{ID: "acc-1", UserID: "owner"})
	svc := newTestService(accounts, &mockTimelineRepo{}, &mockVerifier{account: &social.Account{}})
	ctx := context.Background()

	_, err := svc.AddTimeline(ctx, "intruder", "acc-1", model.TimelineHome, model.TimelineConfig{})
	assertAPIError(t, err, model.ErrCodePermissionDenied)
	err = svc.SetAccountActive(ctx, "intruder", "acc-1", false)
	assertAPIError(t, err, model.ErrCodePermissionDenied)
	err = svc.RefreshCredential(ctx, "intruder", "acc-1", "x")
	assertAPIError(t, err, model.ErrCodePermissionDenied)
	_, err = svc.ListTimelines(ctx, "intruder", "acc-1")
	assertAPIError(t, err, model.ErrCodePermissionDenied)

	_, err = svc.GetAccount(ctx, "owner", "missing")
	assertAPIError(t, err, model.ErrCodeSourceAccountNotFound)

	if err := svc.SetAccountActive(ctx, "owner", "acc-1", false); err != nil {
		t.Fatal(err)
	}
	if accounts.active["acc-1"] {
		t.Error("account must be deactivated")
	}
}
