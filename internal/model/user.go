package model

import "time"

// NicknameMaxLength はニックネームの最大文字数。
const NicknameMaxLength = 32

// User は請求書の所有者であり、操作者にもなる利用者を表す。
type User struct {
	ID        string
	Nickname  string
	Email     string
	Blocked   bool
	Note      string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsActive は利用停止されていないかどうかを返す。
func (u *User) IsActive() bool {
	return !u.Blocked
}
