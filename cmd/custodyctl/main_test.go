package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shardvault/custody/internal/testutils"
)

func writeTestConfig(t *testing.T, boardDir string) string {
	t.Helper()
	dataDir := filepath.Join(t.TempDir(), "data")
	body := `
node_id = "node1"
threshold = 1
total = 1
operation_mode = "demo"
transport_endpoint = "file://` + boardDir + `"
data_dir = "` + dataDir + `"
secret_module_pin = "1234"
`
	path := filepath.Join(t.TempDir(), "custody.toml")
	testutils.AssertNoError(t, "write config", os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestInitCommandSucceeds(t *testing.T) {
	configPath = writeTestConfig(t, t.TempDir())
	testutils.AssertNoError(t, "init", run(t, "init", "--config", configPath))
}

// Each custodyctl invocation opens its own secret module session, so a
// demo-mode module provisioned by one process does not carry its objects
// over to the next: a real deployment backs this with an always-on
// hardware token instead. identity post before init, even in the same
// process, exercises the same not-yet-provisioned path.
func TestIdentityPostBeforeInitFails(t *testing.T) {
	configPath = writeTestConfig(t, t.TempDir())
	err := run(t, "identity", "post", "--config", configPath)
	testutils.AssertError(t, "identity post before init", err)
}

func TestStateAuditCommandOnFreshNode(t *testing.T) {
	configPath = writeTestConfig(t, t.TempDir())

	testutils.AssertNoError(t, "init", run(t, "init", "--config", configPath))
	testutils.AssertNoError(t, "audit", run(t, "state", "audit", "--config", configPath))
}

func TestSignRequestRequiresFlags(t *testing.T) {
	configPath = writeTestConfig(t, t.TempDir())
	testutils.AssertNoError(t, "init", run(t, "init", "--config", configPath))

	err := run(t, "sign", "request", "--config", configPath)
	testutils.AssertError(t, "sign request without required flags", err)
}
