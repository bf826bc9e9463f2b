package security

import "testing"

func TestTextSanitizer_StripsMarkup(t *testing.T) {
	s := NewTextSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"プレーンテキストはそのまま", "AUTH-1234", "AUTH-1234"},
		{"scriptタグは中身ごと除去", `<script>alert(1)</script>X1`, "X1"},
		{"装飾タグは除去", "<b>AB</b>12", "AB12"},
		{"前後の空白を除去", "  code  ", "code"},
		{"アンパサンドはエスケープしない", "A&B", "A&B"},
		{"タグのみは空文字", "<i></i>", ""},
		{"空文字は空文字", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Sanitize(tt.input); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestTextSanitizer_Idempotent(t *testing.T) {
	s := NewTextSanitizer()
	inputs := []string{"<p>x</p>", "a&amp;b", "plain", "<img src=x onerror=alert(1)>y"}
	for _, in := range inputs {
		once := s.Sanitize(in)
		if twice := s.Sanitize(once); twice != once {
			t.Errorf("Sanitize not idempotent for %q: %q -> %q", in, once, twice)
		}
	}
}
