package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/signalnine/crucible/internal/config"
)

func TestParseEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.env")
	content := `# api credentials
ANTHROPIC_API_KEY=sk-ant-test
export OPENAI_API_KEY="sk-oa-test"
QUOTED='with spaces'
EMPTY=

not-an-assignment
=no-key
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	env, err := config.ParseEnvFile(path)
	if err != nil {
		t.Fatalf("ParseEnvFile: %v", err)
	}

	want := map[string]string{
		"ANTHROPIC_API_KEY": "sk-ant-test",
		"OPENAI_API_KEY":    "sk-oa-test",
		"QUOTED":            "with spaces",
		"EMPTY":             "",
	}
	if len(env) != len(want) {
		t.Fatalf("expected %d entries, got %d: %v", len(want), len(env), env)
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("%s = %q, want %q", k, env[k], v)
		}
	}
}

func TestParseEnvFileMissing(t *testing.T) {
	if _, err := config.ParseEnvFile(filepath.Join(t.TempDir(), "absent.env")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
