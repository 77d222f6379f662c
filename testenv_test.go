package peerlink

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestMain reads .env (if present) so PEERLINK_SKIP_QUIC can be set per
// checkout, e.g. on CI hosts that block UDP.
func TestMain(m *testing.M) {
	loadDotEnv(".env")
	os.Exit(m.Run())
}

// loadDotEnv applies KEY=VALUE lines from path. "export " prefixes and
// surrounding quotes are stripped; variables already set win.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = unquote(strings.TrimSpace(value))
		if _, set := os.LookupEnv(key); !set {
			os.Setenv(key, value)
		}
	}
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\n\nPEERLINK_T_A=1\nexport PEERLINK_T_B=\"two words\"\nPEERLINK_T_C='x'\nnot a pair\nPEERLINK_T_SET=file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PEERLINK_T_SET", "env")
	for _, k := range []string{"PEERLINK_T_A", "PEERLINK_T_B", "PEERLINK_T_C"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	loadDotEnv(path)

	want := map[string]string{
		"PEERLINK_T_A":   "1",
		"PEERLINK_T_B":   "two words",
		"PEERLINK_T_C":   "x",
		"PEERLINK_T_SET": "env",
	}
	for k, v := range want {
		if got := os.Getenv(k); got != v {
			t.Errorf("%s: got %q, want %q", k, got, v)
		}
	}
}
