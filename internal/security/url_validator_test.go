package security

import "testing"

func TestValidateURL(t *testing.T) {
	v := NewURLValidator()

	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"https公開URLは許可", "https://pay.example.com/receipt/42", false},
		{"http公開URLは許可", "http://example.com/r", false},
		{"公開IPは許可", "https://93.184.216.34/r", false},
		{"空URLは拒否", "", true},
		{"スキームなしは拒否", "example.com/r", true},
		{"ftpは拒否", "ftp://example.com/r", true},
		{"javascriptは拒否", "javascript:alert(1)", true},
		{"localhostは拒否", "http://localhost:8080/r", true},
		{"サブドメインlocalhostは拒否", "http://api.localhost/r", true},
		{"ループバックは拒否", "http://127.0.0.1/r", true},
		{"プライベートIPは拒否", "http://192.168.1.10/r", true},
		{"メタデータIPは拒否", "http://169.254.169.254/latest", true},
		{"IPv6ループバックは拒否", "http://[::1]/r", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}
