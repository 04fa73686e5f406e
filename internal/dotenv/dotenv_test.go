package dotenv

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	input := strings.Join([]string{
		"# comment line",
		"",
		"PLAIN=value",
		"export EXPORTED=yes",
		`QUOTED="hello world"`,
		"SINGLE='keep # this'",
		"INLINE=value # trailing comment",
		"EMPTY=",
	}, "\n")

	pairs, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	want := map[string]string{
		"PLAIN":    "value",
		"EXPORTED": "yes",
		"QUOTED":   "hello world",
		"SINGLE":   "keep # this",
		"INLINE":   "value",
		"EMPTY":    "",
	}
	if len(pairs) != len(want) {
		t.Fatalf("parsed %d pairs, want %d: %v", len(pairs), len(want), pairs)
	}
	for k, v := range want {
		if pairs[k] != v {
			t.Errorf("pairs[%q] = %q, want %q", k, pairs[k], v)
		}
	}
}

func TestParseRejectsMalformedLines(t *testing.T) {
	cases := []string{
		"NOEQUALS",
		"=novalue",
	}
	for _, input := range cases {
		if _, err := Parse(strings.NewReader(input)); err == nil {
			t.Errorf("Parse(%q) should fail", input)
		}
	}
}

func TestLoadFilePreservesExistingEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "DOTENV_TEST_KEPT=from_file\nDOTENV_TEST_NEW=loaded\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("DOTENV_TEST_KEPT", "from_env")
	os.Unsetenv("DOTENV_TEST_NEW")
	t.Cleanup(func() { os.Unsetenv("DOTENV_TEST_NEW") })

	if err := LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if got := os.Getenv("DOTENV_TEST_KEPT"); got != "from_env" {
		t.Fatalf("existing variable overridden: %q", got)
	}
	if got := os.Getenv("DOTENV_TEST_NEW"); got != "loaded" {
		t.Fatalf("new variable = %q, want loaded", got)
	}
}

func TestLoadFileMissingIsNoError(t *testing.T) {
	if err := LoadFile(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("missing file should be tolerated: %v", err)
	}
}
