package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"tradeengine/pkg/crypto"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "none.env")}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "tradeengine dev") {
		t.Errorf("output = %q", out)
	}
}

func TestSecretsCmd(t *testing.T) {
	out, err := run(t, "secrets", "hash-token", "--cost", "4", "operator-secret")
	if err != nil {
		t.Fatal(err)
	}
	if err := crypto.VerifyToken("operator-secret", strings.TrimSpace(out)); err != nil {
		t.Errorf("hash does not verify: %v", err)
	}

	key := "0123456789abcdef0123456789abcdef"
	t.Setenv("ENCRYPTION_KEY", key)
	out, err = run(t, "secrets", "seal", "broker-secret")
	if err != nil {
		t.Fatal(err)
	}
	plain, err := crypto.OpenSecret(strings.TrimSpace(out), []byte(key))
	if err != nil || plain != "broker-secret" {
		t.Errorf("sealed secret opens to %q, %v", plain, err)
	}
}

func TestSettingsExportCmd(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_PATH", filepath.Join(t.TempDir(), "engine.db"))
	t.Setenv("LOG_OUTPUT", "stderr")
	t.Setenv("LOG_LEVEL", "error")

	out, err := run(t, "settings", "export")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "# settings version 1") || !strings.Contains(out, "daily_loss_limit_pct") {
		t.Errorf("export = %q", out)
	}
}
