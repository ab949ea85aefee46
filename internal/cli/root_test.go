package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thef4tdaddy/violet-vault-sub005/internal/config"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/record"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "budgethist", cmd.Use)
	assert.Contains(t, cmd.Long, EnvPassphrase)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"init", "commit", "log", "show", "verify", "scan", "restore", "revert", "export", "import"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)

	for _, name := range []string{"config", "db", "metrics-file", "passphrase-file"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

// harness runs commands against one temp database with a fast KDF.
type harness struct {
	t   *testing.T
	dir string
	db  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	t.Setenv(EnvPassphrase, "correct horse battery staple")
	t.Setenv(config.EnvKDFIterations, "1000")
	t.Setenv(config.EnvDatabase, "")
	t.Setenv(config.EnvRedisAddr, "")
	t.Setenv(config.EnvLogLevel, "")
	dir := t.TempDir()
	return &harness{t: t, dir: dir, db: filepath.Join(dir, "history.db")}
}

func (h *harness) run(stdin string, args ...string) (string, error) {
	h.t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--db", h.db}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (h *harness) mustRun(stdin string, args ...string) string {
	h.t.Helper()
	out, err := h.run(stdin, args...)
	require.NoError(h.t, err, out)
	return out
}

func (h *harness) jsonData(out string, v any) {
	h.t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(h.t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(h.t, "ok", resp.Status)
	require.NoError(h.t, json.Unmarshal(resp.Data, v))
}

const addGroceries = `[{"type":"add","entity_type":"envelope","entity_id":"groceries","data":{"name":"Groceries","balance":0}}]`
const fundGroceries = `[{"type":"modify","entity_type":"envelope","entity_id":"groceries","diff":{"balance":{"from":0,"to":50}}}]`

func (h *harness) groceries() []record.Commit {
	h.t.Helper()
	h.mustRun("", "init")
	h.mustRun(addGroceries, "commit", "-m", "Add Groceries envelope", "--changes", "-")
	h.mustRun(fundGroceries, "commit", "-m", "Fund Groceries", "--changes", "-")

	var commits []record.Commit
	h.jsonData(h.mustRun("", "--format", "json", "log"), &commits)
	require.Len(h.t, commits, 3)
	return commits
}

func TestCLI_GroceriesWorkflow(t *testing.T) {
	h := newHarness(t)
	commits := h.groceries()
	c2, c1 := commits[0], commits[1]
	assert.Equal(t, "Fund Groceries", c2.Message)

	out := h.mustRun("", "verify")
	assert.Contains(t, out, "VALID: verified 3 of 3 commits")

	out = h.mustRun("", "restore", c2.Hash)
	assert.Contains(t, out, `"balance":50`)

	out = h.mustRun("", "show", c1.Hash[:8])
	assert.Contains(t, out, "envelope/groceries")

	out = h.mustRun("", "log", "--author", "system")
	assert.Contains(t, out, "Initialize budget history")
	assert.NotContains(t, out, "Fund Groceries")

	out = h.mustRun("", "scan")
	assert.Contains(t, out, "risk: none")

	out = h.mustRun("", "revert", c1.Hash)
	assert.Contains(t, out, "Revert to "+c1.ShortHash())

	var latest []record.Commit
	h.jsonData(h.mustRun("", "--format", "json", "log", "-n", "1"), &latest)
	require.Len(t, latest, 1)
	out = h.mustRun("", "restore", latest[0].Hash)
	assert.Contains(t, out, `"balance":0`)
}

func TestCLI_WrongPassphrase(t *testing.T) {
	h := newHarness(t)
	commits := h.groceries()

	t.Setenv(EnvPassphrase, "tr0ub4dor&3")
	out, err := h.run("", "--format", "json", "restore", commits[0].Hash)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "DECRYPTION_FAILURE")
}

func TestCLI_PassphraseFile(t *testing.T) {
	h := newHarness(t)
	t.Setenv(EnvPassphrase, "")

	_, err := h.run("", "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvPassphrase)

	pf := filepath.Join(h.dir, "pass")
	require.NoError(t, os.WriteFile(pf, []byte("from a file\n"), 0o600))
	h.mustRun("", "--passphrase-file", pf, "init")
	h.mustRun(addGroceries, "--passphrase-file", pf, "commit", "-m", "add", "--changes", "-")
}

func TestCLI_ExportImport(t *testing.T) {
	h := newHarness(t)
	commits := h.groceries()

	bundle := filepath.Join(h.dir, "bundle.json")
	h.mustRun("", "export", "-o", bundle)

	out := h.mustRun("", "import", "--inspect", bundle)
	assert.Contains(t, out, "3 commits")

	dst := &harness{t: t, dir: h.dir, db: filepath.Join(h.dir, "copy.db")}
	out = dst.mustRun("", "import", bundle)
	assert.Contains(t, out, "Imported 3 commits")

	out = dst.mustRun("", "restore", commits[0].Hash)
	assert.Contains(t, out, `"balance":50`)

	_, err := dst.run("", "import", bundle)
	require.Error(t, err, "import needs an empty history")
}

func TestCLI_VerifyDetectsTampering(t *testing.T) {
	h := newHarness(t)
	h.groceries()

	bundle := filepath.Join(h.dir, "bundle.json")
	h.mustRun("", "export", "-o", bundle)
	data, err := os.ReadFile(bundle)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "Add Groceries envelope", "Add Groceries envelopE", 1)
	require.NoError(t, os.WriteFile(bundle, []byte(tampered), 0o600))

	out := h.mustRun("", "import", "--inspect", bundle)
	assert.Contains(t, out, "INVALID")

	dst := &harness{t: t, dir: h.dir, db: filepath.Join(h.dir, "copy.db")}
	_, err = dst.run("", "import", bundle)
	require.Error(t, err)
}

func TestCLI_CommitRejectsFloats(t *testing.T) {
	h := newHarness(t)
	h.mustRun("", "init")

	_, err := h.run(`[{"type":"add","entity_type":"envelope","entity_id":"x","data":{"balance":1.5}}]`,
		"commit", "-m", "float", "--changes", "-")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCLI_MetricsFile(t *testing.T) {
	h := newHarness(t)
	h.mustRun("", "init")

	path := filepath.Join(h.dir, "budgethist.prom")
	h.mustRun(addGroceries, "--metrics-file", path, "commit", "-m", "add", "--changes", "-")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `budgethist_chain_commits_appended_total{author="user"} 1`)
}

func TestCLI_InvalidFormat(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("", "--format", "yaml", "log")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCLI_VerifyEmpty(t *testing.T) {
	h := newHarness(t)
	out := h.mustRun("", "verify")
	assert.Contains(t, out, "chain is empty")
}
