package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/gallery-oauth/internal/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.OAuth.BcryptCost = bcrypt.MinCost
	cfg.Clients = []config.ClientSeed{{
		ID:            "photoprint",
		Name:          "Photoprint",
		Secret:        "secret",
		RedirectURIs:  []string{"https://photoprint.example.com/callback"},
		AllowedScopes: []string{"view_gallery"},
	}}
	cfg.Users = []config.UserSeed{{Username: "alice", Email: "alice@example.com", Password: "correct horse battery"}}
	return cfg
}

func TestNewApp_SeedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(ctx, testConfig(), io.Discard)
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	defer a.close()

	for i := 0; i < 2; i++ {
		if err := a.seed(ctx); err != nil {
			t.Fatalf("seed() run %d error = %v", i+1, err)
		}
	}

	clients, err := a.server.ListClients(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(clients) != 1 {
		t.Errorf("clients = %d, want 1", len(clients))
	}
	if _, err := a.server.AuthenticateClient(ctx, "photoprint", "secret", "127.0.0.1"); err != nil {
		t.Errorf("seeded client does not authenticate: %v", err)
	}
	if _, err := a.server.AuthenticateUser(ctx, "alice", "correct horse battery"); err != nil {
		t.Errorf("seeded user does not authenticate: %v", err)
	}
}

func TestNewApp_AuditAndMetrics(t *testing.T) {
	cfg := testConfig()
	cfg.Audit.Enabled = true
	cfg.Metrics.Enabled = true
	cfg.Metrics.Exporter = "prometheus"

	a, err := newApp(context.Background(), cfg, io.Discard)
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	defer a.close()

	if a.server.Auditor == nil {
		t.Error("auditor should be installed")
	}
	if a.inst.MetricsHandler() == nil {
		t.Error("prometheus handler should be available")
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		format string
		want   string
	}{
		{config.LogFormatJSON, `"msg":"hello"`},
		{config.LogFormatText, `msg=hello`},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := newLogger(config.LogConfig{Level: "info", Format: tt.format}, &buf)
			if err != nil {
				t.Fatal(err)
			}
			logger.Debug("hidden")
			logger.Info("hello")
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output %q does not contain %q", buf.String(), tt.want)
			}
			if strings.Contains(buf.String(), "hidden") {
				t.Error("debug record written at info level")
			}
		})
	}

	if _, err := newLogger(config.LogConfig{Level: "loud"}, io.Discard); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestReadPassword(t *testing.T) {
	t.Setenv("GALLERY_USER_PASSWORD", "")

	if _, err := readPassword(strings.NewReader(""), false); err == nil {
		t.Error("expected error without a password source")
	}

	got, err := readPassword(strings.NewReader("from stdin\r\nignored\n"), true)
	if err != nil || got != "from stdin" {
		t.Errorf("readPassword(stdin) = %q, %v", got, err)
	}

	t.Setenv("GALLERY_USER_PASSWORD", "from env")
	got, err = readPassword(strings.NewReader(""), false)
	if err != nil || got != "from env" {
		t.Errorf("readPassword(env) = %q, %v", got, err)
	}

	if _, err := readPassword(strings.NewReader("\n"), true); err == nil {
		t.Error("expected error for an empty line")
	}
}

func TestClientCreateCommand(t *testing.T) {
	t.Setenv("GALLERY_CLIENT_SECRET", "")

	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{
		"client", "create",
		"--env-file", "",
		"--id", "photoprint",
		"--redirect-uri", "https://photoprint.example.com/callback",
		"--scope", "view_gallery",
	})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v (stderr %s)", err, errOut.String())
	}
	if !strings.Contains(out.String(), "client_id:     photoprint") {
		t.Errorf("stdout = %q", out.String())
	}
	if !strings.Contains(out.String(), "client_secret: ") {
		t.Error("generated secret not printed")
	}
	if !strings.Contains(errOut.String(), "storage.driver is memory") {
		t.Error("memory storage warning missing")
	}
}

func TestClientCreateCommand_RequiresRedirectURI(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"client", "create", "--env-file", "", "--id", "photoprint"})

	if err := cmd.Execute(); err == nil {
		t.Error("expected error without --redirect-uri")
	}
}
