package app

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewCLI_RegistersCommands(t *testing.T) {
	app := NewCLI(&bytes.Buffer{})

	want := []Command{
		CommandServe, CommandWorker, CommandMigrate, CommandHealthcheck,
		CommandUser, CommandToken, CommandReport,
	}
	for _, name := range want {
		if app.Command(string(name)) == nil {
			t.Errorf("command %q is not registered", name)
		}
	}
}

func TestNewCLI_Subcommands(t *testing.T) {
	app := NewCLI(&bytes.Buffer{})

	tests := []struct {
		parent Command
		sub    string
	}{
		{parent: CommandMigrate, sub: "rollback"},
		{parent: CommandMigrate, sub: "status"},
		{parent: CommandUser, sub: "create"},
		{parent: CommandUser, sub: "block"},
	}

	for _, tt := range tests {
		parent := app.Command(string(tt.parent))
		if parent == nil {
			t.Fatalf("command %q is not registered", tt.parent)
		}
		found := false
		for _, sub := range parent.Subcommands {
			if sub.Name == tt.sub {
				found = true
			}
		}
		if !found {
			t.Errorf("%s %s is not registered", tt.parent, tt.sub)
		}
	}
}

func TestRun_Help_ListsCommands(t *testing.T) {
	var buf bytes.Buffer
	if err := Run(&buf, []string{"--help"}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	for _, name := range []string{"serve", "worker", "migrate", "token", "report"} {
		if !strings.Contains(buf.String(), name) {
			t.Errorf("help output should mention %q:\n%s", name, buf.String())
		}
	}
}

func TestRun_Healthcheck_OK(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var buf bytes.Buffer
	if err := Run(&buf, []string{"healthcheck", "--url", server.URL}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestRun_Healthcheck_Unhealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	var buf bytes.Buffer
	err := Run(&buf, []string{"healthcheck", "--url", server.URL})
	if err == nil {
		t.Fatal("expected error for 503 response")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("error %q should mention status 503", err.Error())
	}
}

func TestHealthcheckBaseURL(t *testing.T) {
	t.Setenv("SERVER_PORT", "9000")

	if got := healthcheckBaseURL(""); got != "http://localhost:9000" {
		t.Errorf("healthcheckBaseURL(\"\") = %q", got)
	}
	if got := healthcheckBaseURL("http://api:8080"); got != "http://api:8080" {
		t.Errorf("flag value should win, got %q", got)
	}
}

func TestRun_TokenRequiresNickname(t *testing.T) {
	restoreDefaultLogger(t)
	setTestEnv(t)

	var buf bytes.Buffer
	err := Run(&buf, []string{"token"})
	if err == nil {
		t.Fatal("expected error when --nickname is missing")
	}
	if !strings.Contains(err.Error(), "nickname") {
		t.Errorf("error %q should mention nickname", err.Error())
	}
}
