package secrets_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kiso-run/kiso/internal/kiso/secrets"
)

func writeEnvFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	return path
}

func TestDeploySecretsLoadAndGet(t *testing.T) {
	path := writeEnvFile(t, "API_TOKEN=tok_abc123\n# comment\nWEBHOOK_SECRET=\"whs_789\"\n\nEMPTY_LINE_ABOVE=yes\n")

	d, err := secrets.NewDeploySecrets(path)
	if err != nil {
		t.Fatalf("NewDeploySecrets: %v", err)
	}

	got, err := d.Get("API_TOKEN")
	if err != nil {
		t.Fatalf("Get(API_TOKEN): %v", err)
	}
	if got != "tok_abc123" {
		t.Errorf("API_TOKEN: got %q, want %q", got, "tok_abc123")
	}

	got, err = d.Get("WEBHOOK_SECRET")
	if err != nil {
		t.Fatalf("Get(WEBHOOK_SECRET): %v", err)
	}
	if got != "whs_789" {
		t.Errorf("WEBHOOK_SECRET: got %q, want %q (quotes should be trimmed)", got, "whs_789")
	}

	if _, err := d.Get("NOT_THERE"); err == nil {
		t.Fatal("expected error for unknown secret")
	}
}

func TestDeploySecretsMissingFileIsEmptyNotError(t *testing.T) {
	d, err := secrets.NewDeploySecrets(filepath.Join(t.TempDir(), "does-not-exist.env"))
	if err != nil {
		t.Fatalf("NewDeploySecrets with missing file should not error: %v", err)
	}
	if len(d.Names()) != 0 {
		t.Errorf("expected no secrets, got %v", d.Names())
	}
}

func TestDeploySecretsReloadSwapsAtomically(t *testing.T) {
	path := writeEnvFile(t, "KEY=old\n")
	d, err := secrets.NewDeploySecrets(path)
	if err != nil {
		t.Fatalf("NewDeploySecrets: %v", err)
	}

	if err := os.WriteFile(path, []byte("KEY=new\n"), 0o600); err != nil {
		t.Fatalf("rewrite env file: %v", err)
	}
	if err := d.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	got, err := d.Get("KEY")
	if err != nil {
		t.Fatalf("Get(KEY) after reload: %v", err)
	}
	if got != "new" {
		t.Errorf("KEY after reload: got %q, want %q", got, "new")
	}
}

func TestEphemeralNeverLeaksOutsideWorker(t *testing.T) {
	e := secrets.NewEphemeral()
	e.Set("api_token", "tok_abc123")
	e.Set("unused_key", "shhh")

	subset := e.Subset([]string{"api_token"})
	if len(subset) != 1 || subset["api_token"] != "tok_abc123" {
		t.Fatalf("Subset: got %v", subset)
	}
	if _, ok := subset["unused_key"]; ok {
		t.Error("Subset must only include explicitly allowed keys")
	}
}

func TestCombinedValuesMergesBothRegistries(t *testing.T) {
	path := writeEnvFile(t, "DEPLOY_KEY=deploy_value\n")
	d, err := secrets.NewDeploySecrets(path)
	if err != nil {
		t.Fatalf("NewDeploySecrets: %v", err)
	}
	e := secrets.NewEphemeral()
	e.Set("ephemeral_key", "ephemeral_value")

	values := secrets.Combined(d, e)
	found := map[string]bool{}
	for _, v := range values {
		found[v] = true
	}
	if !found["deploy_value"] || !found["ephemeral_value"] {
		t.Fatalf("expected both values present, got %v", values)
	}
}
