// Package billquery は請求書の抽出条件を提供する。
//
// 各条件はメモリ上の判定（Match）と bills テーブルに対するSQL条件の両方を持ち、
// And で組み合わせると積集合になる。
package billquery

import (
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/billman/internal/model"
)

// Predicate は請求書の抽出条件。
type Predicate interface {
	// Match は請求書が条件を満たすかを返す。now は日付依存の条件で使う。
	Match(b *model.Bill, now time.Time) bool
	writeSQL(w *sqlWriter, now time.Time)
}

// フィルタ名。管理画面の一覧フィルタと同じ値を使う。
const (
	FilterPaid            = "paid"
	FilterUnpaid          = "unpaid"
	FilterPaidByCash      = "paid_by_cash"
	FilterPaidOnline      = "paid_online"
	FilterMustBePaidToday = "must_be_paid_today"
)

type paid struct{}

// Paid は支払い済みの請求書を抽出する。
func Paid() Predicate { return paid{} }

func (paid) Match(b *model.Bill, _ time.Time) bool { return b.PaidAt != nil }
func (paid) writeSQL(w *sqlWriter, _ time.Time)   { w.cond("paid_at IS NOT NULL") }

type unpaid struct{}

// Unpaid は未払いの請求書を抽出する。
func Unpaid() Predicate { return unpaid{} }

func (unpaid) Match(b *model.Bill, _ time.Time) bool { return b.PaidAt == nil }
func (unpaid) writeSQL(w *sqlWriter, _ time.Time)   { w.cond("paid_at IS NULL") }

type paidWith struct {
	paymentType model.PaymentType
}

// PaidByCash は現金で支払い済みの請求書を抽出する。
func PaidByCash() Predicate { return paidWith{paymentType: model.PaymentTypeCash} }

// PaidOnline はカードで支払い済みの請求書を抽出する。
func PaidOnline() Predicate { return paidWith{paymentType: model.PaymentTypeCard} }

func (p paidWith) Match(b *model.Bill, _ time.Time) bool {
	return b.PaidAt != nil && b.PaymentType() == p.paymentType
}

func (p paidWith) writeSQL(w *sqlWriter, _ time.Time) {
	w.cond("paid_at IS NOT NULL")
	w.cond("metadata->>'type' = " + w.arg(string(p.paymentType)))
}

type mustBePaidToday struct{}

// MustBePaidToday は期日が今日（ローカル日付）の未払い請求書を抽出する。
func MustBePaidToday() Predicate { return mustBePaidToday{} }

func (mustBePaidToday) Match(b *model.Bill, now time.Time) bool {
	start, end := DayBounds(now)
	return b.PaidAt == nil && !b.Due.Before(start) && b.Due.Before(end)
}

func (mustBePaidToday) writeSQL(w *sqlWriter, now time.Time) {
	start, end := DayBounds(now)
	w.cond("paid_at IS NULL")
	w.cond("due >= " + w.arg(start))
	w.cond("due < " + w.arg(end))
}

type ownedBy struct {
	userID string
}

// OwnedBy は指定ユーザーが所有する請求書を抽出する。
func OwnedBy(userID string) Predicate { return ownedBy{userID: userID} }

func (p ownedBy) Match(b *model.Bill, _ time.Time) bool { return b.UserID == p.userID }
func (p ownedBy) writeSQL(w *sqlWriter, _ time.Time) {
	w.cond("user_id = " + w.arg(p.userID))
}

type all struct{}

// All は全ての請求書を抽出する。
func All() Predicate { return all{} }

func (all) Match(*model.Bill, time.Time) bool { return true }
func (all) writeSQL(*sqlWriter, time.Time)     {}

type and []Predicate

// And は全ての条件を満たす請求書を抽出する。
func And(preds ...Predicate) Predicate {
	flat := make(and, 0, len(preds))
	for _, p := range preds {
		switch v := p.(type) {
		case nil, all:
		case and:
			flat = append(flat, v...)
		default:
			flat = append(flat, p)
		}
	}
	if len(flat) == 0 {
		return All()
	}
	if len(flat) == 1 {
		return flat[0]
	}
	return flat
}

func (a and) Match(b *model.Bill, now time.Time) bool {
	for _, p := range a {
		if !p.Match(b, now) {
			return false
		}
	}
	return true
}

func (a and) writeSQL(w *sqlWriter, now time.Time) {
	for _, p := range a {
		p.writeSQL(w, now)
	}
}

// DayBounds は now の属するローカル日付の [当日0時, 翌日0時) を返す。
func DayBounds(now time.Time) (time.Time, time.Time) {
	y, m, d := now.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	return start, start.AddDate(0, 0, 1)
}

// Parse はカンマ区切りのフィルタ名を条件に変換する。空文字は All。
func Parse(filters string) (Predicate, error) {
	var preds []Predicate
	for _, name := range strings.Split(filters, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		p, err := byName(name)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return And(preds...), nil
}

func byName(name string) (Predicate, error) {
	switch name {
	case FilterPaid:
		return Paid(), nil
	case FilterUnpaid:
		return Unpaid(), nil
	case FilterPaidByCash:
		return PaidByCash(), nil
	case FilterPaidOnline:
		return PaidOnline(), nil
	case FilterMustBePaidToday:
		return MustBePaidToday(), nil
	default:
		return nil, model.NewInvalidFilterError(name)
	}
}

// sqlWriter はWHERE句の条件とプレースホルダ引数を蓄積する。
type sqlWriter struct {
	conds  []string
	args   []any
	offset int
}

func (w *sqlWriter) cond(c string) {
	w.conds = append(w.conds, c)
}

func (w *sqlWriter) arg(v any) string {
	w.args = append(w.args, v)
	return fmt.Sprintf("$%d", w.offset+len(w.args))
}

// Where は条件をSQLのWHERE句本体と引数に変換する。
// プレースホルダは $(argOffset+1) から採番する。条件がない場合は空文字を返す。
func Where(p Predicate, now time.Time, argOffset int) (string, []any) {
	w := &sqlWriter{offset: argOffset}
	if p != nil {
		p.writeSQL(w, now)
	}
	return strings.Join(w.conds, " AND "), w.args
}
