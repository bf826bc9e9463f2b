package payment

import (
	"strings"

	"github.com/hitoshi/billman/internal/model"
)

// Input は受け取ったままの支払いメタデータ。amount は文字列のまま保持し、
// 上限判定より後に Fields で解釈する。
type Input struct {
	Type   string
	Code   *string
	URL    *string
	Amount string
}

// Fields は amount を解釈して Fields に変換する。空の amount は未指定とする。
func (in Input) Fields() (Fields, error) {
	f := Fields{Type: in.Type, Code: in.Code, URL: in.URL}
	raw := strings.TrimSpace(in.Amount)
	if raw == "" {
		return f, nil
	}
	m, err := model.ParseMoney(raw)
	if err != nil {
		return Fields{}, model.NewInvalidAmountError(in.Amount)
	}
	f.Amount = &m
	return f, nil
}
