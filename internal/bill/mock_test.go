package bill

import (
	"context"
	"iter"
	"time"

	"github.com/hitoshi/billman/internal/billquery"
	"github.com/hitoshi/billman/internal/model"
)

// --- モック ---

type mockBillRepo struct {
	findByIDFn func(ctx context.Context, id string) (*model.Bill, error)
	createFn   func(ctx context.Context, bill *model.Bill, actorID string) error
	updateFn   func(ctx context.Context, bill *model.Bill, expectedVersion int64, actorID string) error
	deleteFn   func(ctx context.Context, id string, expectedVersion int64, actorID string) error
	listFn     func(ctx context.Context, p billquery.Predicate) iter.Seq2[*model.Bill, error]
	historyFn  func(ctx context.Context, billID string) ([]model.BillSnapshot, error)

	created []*model.Bill
	updated []*model.Bill
}

func (m *mockBillRepo) FindByID(ctx context.Context, id string) (*model.Bill, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockBillRepo) Create(ctx context.Context, bill *model.Bill, actorID string) error {
	if m.createFn != nil {
		if err := m.createFn(ctx, bill, actorID); err != nil {
			return err
		}
	}
	bill.Version = 1
	m.created = append(m.created, bill)
	return nil
}

func (m *mockBillRepo) Update(ctx context.Context, bill *model.Bill, expectedVersion int64, actorID string) error {
	if m.updateFn != nil {
		if err := m.updateFn(ctx, bill, expectedVersion, actorID); err != nil {
			return err
		}
	}
	bill.Version = expectedVersion + 1
	m.updated = append(m.updated, bill)
	return nil
}

func (m *mockBillRepo) Delete(ctx context.Context, id string, expectedVersion int64, actorID string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id, expectedVersion, actorID)
	}
	return nil
}

func (m *mockBillRepo) List(ctx context.Context, p billquery.Predicate) iter.Seq2[*model.Bill, error] {
	if m.listFn != nil {
		return m.listFn(ctx, p)
	}
	return func(func(*model.Bill, error) bool) {}
}

func (m *mockBillRepo) History(ctx context.Context, billID string) ([]model.BillSnapshot, error) {
	if m.historyFn != nil {
		return m.historyFn(ctx, billID)
	}
	return nil, nil
}

type mockUserRepo struct {
	users map[string]*model.User
	notes []string

	appendNoteErr error
}

func newMockUserRepo(users ...*model.User) *mockUserRepo {
	m := &mockUserRepo{users: map[string]*model.User{}}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	return m.users[id], nil
}

func (m *mockUserRepo) FindByNickname(ctx context.Context, nickname string) (*model.User, error) {
	for _, u := range m.users {
		if u.Nickname == nickname {
			return u, nil
		}
	}
	return nil, nil
}

func (m *mockUserRepo) Create(ctx context.Context, user *model.User) error {
	m.users[user.ID] = user
	return nil
}

func (m *mockUserRepo) UpdateBlocked(ctx context.Context, id string, expectedVersion int64, blocked bool) (*model.User, error) {
	return nil, nil
}

func (m *mockUserRepo) AppendNote(ctx context.Context, id, line string) (*model.User, error) {
	if m.appendNoteErr != nil {
		return nil, m.appendNoteErr
	}
	u, ok := m.users[id]
	if !ok {
		return nil, model.NewUserNotFoundError(id)
	}
	u.Note += line
	u.Version++
	m.notes = append(m.notes, line)
	return u, nil
}

type spyMetrics struct {
	writes            []string
	validationRejects []string
	ceilingRejects    int
	conflicts         int
}

func (s *spyMetrics) RecordBillWritten(op string)         { s.writes = append(s.writes, op) }
func (s *spyMetrics) RecordValidationRejected(code string) { s.validationRejects = append(s.validationRejects, code) }
func (s *spyMetrics) RecordCeilingRejected()               { s.ceilingRejects++ }
func (s *spyMetrics) RecordConcurrencyConflict(string)     { s.conflicts++ }
func (s *spyMetrics) RecordHTTPStatus(int)                 {}
func (s *spyMetrics) RecordRequestLatency(time.Duration)   {}
func (s *spyMetrics) SetBillsDueToday(int, float64)        {}
