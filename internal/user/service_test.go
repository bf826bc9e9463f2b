package user

import (
	"context"
	"errors"
	"iter"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/billman/internal/billquery"
	"github.com/hitoshi/billman/internal/model"
	"github.com/hitoshi/billman/internal/security"
)

const userID = "22222222-2222-2222-2222-222222222222"

// --- モック ---

type mockUserRepo struct {
	findByIDFn      func(ctx context.Context, id string) (*model.User, error)
	createFn        func(ctx context.Context, user *model.User) error
	updateBlockedFn func(ctx context.Context, id string, expectedVersion int64, blocked bool) (*model.User, error)
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}
func (m *mockUserRepo) FindByNickname(ctx context.Context, nickname string) (*model.User, error) {
	return nil, nil
}
func (m *mockUserRepo) Create(ctx context.Context, user *model.User) error {
	if m.createFn != nil {
		return m.createFn(ctx, user)
	}
	return nil
}
func (m *mockUserRepo) UpdateBlocked(ctx context.Context, id string, expectedVersion int64, blocked bool) (*model.User, error) {
	return m.updateBlockedFn(ctx, id, expectedVersion, blocked)
}
func (m *mockUserRepo) AppendNote(ctx context.Context, id, line string) (*model.User, error) {
	return nil, nil
}

type mockBillLister struct {
	bills []*model.Bill
	err   error
}

func (m *mockBillLister) ListBills(ctx context.Context, p billquery.Predicate) iter.Seq2[*model.Bill, error] {
	return func(yield func(*model.Bill, error) bool) {
		if m.err != nil {
			yield(nil, m.err)
			return
		}
		for _, b := range m.bills {
			if p.Match(b, time.Now()) && !yield(b, nil) {
				return
			}
		}
	}
}

// --- テスト ---

func TestCreate_Succeeds(t *testing.T) {
	var created *model.User
	repo := &mockUserRepo{createFn: func(ctx context.Context, user *model.User) error {
		created = user
		return nil
	}}
	svc := NewService(repo, &mockBillLister{}, security.NewTextSanitizer())

	u, err := svc.Create(context.Background(), "  alice ", "alice@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Nickname != "alice" || u.ID == "" || created != u {
		t.Errorf("unexpected user: %+v", u)
	}
}

func TestCreate_ValidationErrors(t *testing.T) {
	svc := NewService(&mockUserRepo{}, &mockBillLister{}, security.NewTextSanitizer())

	tests := []struct {
		name     string
		nickname string
		email    string
	}{
		{"空のニックネーム", "  ", ""},
		{"33文字", strings.Repeat("a", 33), ""},
		{"マークアップ", "<b>bob</b>", ""},
		{"不正なメール", "bob", "not-an-email"},
		{"表示名付きメール", "bob", "Bob <bob@example.com>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), tt.nickname, tt.email)
			if !model.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCreate_AllowsMultibyteNicknameUpTo32Runes(t *testing.T) {
	svc := NewService(&mockUserRepo{}, &mockBillLister{}, security.NewTextSanitizer())

	if _, err := svc.Create(context.Background(), strings.Repeat("請", 32), ""); err != nil {
		t.Fatalf("32文字のマルチバイトは許可されるべき: %v", err)
	}
}

func TestCreate_NicknameTakenIsSurfaced(t *testing.T) {
	repo := &mockUserRepo{createFn: func(ctx context.Context, user *model.User) error {
		return model.NewNicknameTakenError(user.Nickname)
	}}
	svc := NewService(repo, &mockBillLister{}, security.NewTextSanitizer())

	_, err := svc.Create(context.Background(), "alice", "")
	if !model.HasCode(err, model.ErrCodeNicknameTaken) {
		t.Fatalf("expected NICKNAME_TAKEN, got %v", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	svc := NewService(&mockUserRepo{}, &mockBillLister{}, security.NewTextSanitizer())

	for _, id := range []string{userID, "not-a-uuid"} {
		if _, err := svc.Get(context.Background(), id); !model.IsNotFound(err) {
			t.Errorf("id %q: expected not found, got %v", id, err)
		}
	}
}

func TestSetBlocked_PassesExpectedVersion(t *testing.T) {
	repo := &mockUserRepo{updateBlockedFn: func(ctx context.Context, id string, expectedVersion int64, blocked bool) (*model.User, error) {
		if expectedVersion != 3 || !blocked {
			t.Errorf("unexpected args: version=%d blocked=%v", expectedVersion, blocked)
		}
		return &model.User{ID: id, Blocked: true, Version: 4}, nil
	}}
	svc := NewService(repo, &mockBillLister{}, security.NewTextSanitizer())

	u, err := svc.SetBlocked(context.Background(), userID, 3, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.IsActive() {
		t.Error("利用停止後は IsActive が false であるべき")
	}
}

func TestSetBlocked_ConflictIsSurfaced(t *testing.T) {
	repo := &mockUserRepo{updateBlockedFn: func(ctx context.Context, id string, expectedVersion int64, blocked bool) (*model.User, error) {
		return nil, model.NewConcurrencyConflictError("user", id, expectedVersion)
	}}
	svc := NewService(repo, &mockBillLister{}, security.NewTextSanitizer())

	if _, err := svc.SetBlocked(context.Background(), userID, 1, true); !model.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestOverview_SplitsPaidAndUnpaid(t *testing.T) {
	repo := &mockUserRepo{findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
		return &model.User{ID: id, Nickname: "alice"}, nil
	}}
	paidAt := time.Now()
	bills := &mockBillLister{bills: []*model.Bill{
		{ID: "b1", UserID: userID, PaidAt: &paidAt},
		{ID: "b2", UserID: userID},
		{ID: "b3", UserID: "someone-else"},
		{ID: "b4", UserID: userID},
	}}
	svc := NewService(repo, bills, security.NewTextSanitizer())

	ov, err := svc.Overview(context.Background(), userID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ov.PaidBills) != 1 || ov.PaidBills[0].ID != "b1" {
		t.Errorf("paid = %v", ov.PaidBills)
	}
	if len(ov.UnpaidBills) != 2 {
		t.Errorf("unpaid = %v", ov.UnpaidBills)
	}
}

func TestOverview_ListErrorIsSurfaced(t *testing.T) {
	repo := &mockUserRepo{findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
		return &model.User{ID: id}, nil
	}}
	svc := NewService(repo, &mockBillLister{err: errors.New("boom")}, security.NewTextSanitizer())

	if _, err := svc.Overview(context.Background(), userID); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected list error, got %v", err)
	}
}
