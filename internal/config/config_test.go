package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shardvault/custody/internal/testutils"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.toml")
	testutils.AssertNoError(t, "write config", os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadPopulatesFields(t *testing.T) {
	path := writeConfig(t, `
node_id = "node1"
threshold = 2
total = 3
operation_mode = "demo"
transport_endpoint = "file:///var/custody/board"
data_dir = "/var/custody/node1"
secret_module_pin = "1234"
`)

	cfg, err := Load(path)
	testutils.AssertNoError(t, "load", err)
	testutils.AssertStringsEqual(t, "node_id", "node1", cfg.NodeID)
	testutils.AssertIntsEqual(t, "threshold", 2, cfg.Threshold)
	testutils.AssertIntsEqual(t, "total", 3, cfg.Total)
	testutils.AssertStringsEqual(t, "operation_mode", string(Demo), string(cfg.OperationMode))
	testutils.AssertStringsEqual(t, "pin", "1234", cfg.SecretModulePIN.Reveal())
}

func TestLoadDefaultsOperationModeToProduction(t *testing.T) {
	path := writeConfig(t, `
node_id = "node1"
threshold = 1
total = 1
transport_endpoint = "file:///board"
data_dir = "/data"
secret_module_pin = "1234"
`)

	cfg, err := Load(path)
	testutils.AssertNoError(t, "load", err)
	testutils.AssertStringsEqual(t, "default operation_mode", string(Production), string(cfg.OperationMode))
}

func TestLoadPullsPinFromEnvironment(t *testing.T) {
	path := writeConfig(t, `
node_id = "node1"
threshold = 1
total = 1
transport_endpoint = "file:///board"
data_dir = "/data"
`)

	t.Setenv(pinEnvVar, "from-env")
	cfg, err := Load(path)
	testutils.AssertNoError(t, "load", err)
	testutils.AssertStringsEqual(t, "pin from env", "from-env", cfg.SecretModulePIN.Reveal())
}

func TestLoadRejectsInvalidOperationMode(t *testing.T) {
	path := writeConfig(t, `
node_id = "node1"
threshold = 1
total = 1
operation_mode = "turbo"
transport_endpoint = "file:///board"
data_dir = "/data"
secret_module_pin = "1234"
`)

	_, err := Load(path)
	testutils.AssertError(t, "invalid operation_mode", err)
	if !strings.Contains(err.Error(), "operation_mode") {
		t.Fatalf("expected error to mention operation_mode, got %v", err)
	}
}

func TestLoadRejectsThresholdGreaterThanTotal(t *testing.T) {
	path := writeConfig(t, `
node_id = "node1"
threshold = 5
total = 3
transport_endpoint = "file:///board"
data_dir = "/data"
secret_module_pin = "1234"
`)

	_, err := Load(path)
	testutils.AssertError(t, "threshold > total", err)
}

func TestSecretRedactsInErrorMessages(t *testing.T) {
	path := writeConfig(t, `
node_id = ""
threshold = 1
total = 1
transport_endpoint = "file:///board"
data_dir = "/data"
secret_module_pin = "super-secret-pin"
`)

	_, err := Load(path)
	testutils.AssertError(t, "missing node_id", err)
	if strings.Contains(err.Error(), "super-secret-pin") {
		t.Fatalf("pin leaked into error message: %v", err)
	}
}
