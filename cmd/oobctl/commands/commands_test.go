package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInventory = `
defaults:
  hardware_type: fake
  power_on:
    poll_interval: 10ms
    deadline: 5s
  power_off:
    poll_interval: 10ms
    deadline: 5s
nodes:
  - name: alpha
  - name: beta
    params: {initial_state: "on"}
  - name: locked
    credentials: {password: wrong}
`

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "inventory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testInventory), 0o600))

	var stdout, stderr bytes.Buffer
	root := newRootCommand("test", "none", "today")
	root.SetArgs(append([]string{"--inventory", path}, args...))
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestPowerOn(t *testing.T) {
	out, _, err := run(t, "power", "on", "alpha")
	require.NoError(t, err)
	assert.Contains(t, out, "alpha: on")
}

func TestPowerStatusAllJSON(t *testing.T) {
	out, _, err := run(t, "--json", "power", "status", "--all")
	require.Error(t, err, "locked node fails")
	assert.Contains(t, err.Error(), "1 of 3 nodes failed")

	var results []powerResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 3)

	assert.Equal(t, "alpha", results[0].Node)
	assert.Equal(t, "off", string(results[0].PowerState))
	assert.Equal(t, "beta", results[1].Node)
	assert.Equal(t, "on", string(results[1].PowerState))

	require.NotNil(t, results[2].Error)
	assert.Equal(t, "transport_error", results[2].Error.Kind)
	assert.Equal(t, "AUTH_FAILED", results[2].Error.Code)
}

func TestPowerStatusReportsFailuresOnStderr(t *testing.T) {
	out, errOut, err := run(t, "power", "status", "beta", "locked")
	require.Error(t, err)
	assert.Contains(t, out, "beta: on")
	assert.Contains(t, errOut, "locked: ")
}

func TestPowerNodeSelection(t *testing.T) {
	_, _, err := run(t, "power", "off")
	assert.ErrorContains(t, err, "--all")

	_, _, err = run(t, "power", "off", "--all", "alpha")
	assert.ErrorContains(t, err, "cannot be combined")

	_, _, err = run(t, "power", "off", "gamma")
	assert.ErrorContains(t, err, "not in the inventory")
}

func TestBootCommands(t *testing.T) {
	out, _, err := run(t, "boot", "get", "alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha: disk (persistent)\n", out)

	out, _, err = run(t, "boot", "set", "alpha", "pxe")
	require.NoError(t, err)
	assert.Equal(t, "alpha: boot device set to pxe (next boot only)\n", out)

	out, _, err = run(t, "--json", "boot", "set", "alpha", "cdrom", "--persistent")
	require.NoError(t, err)
	assert.JSONEq(t, `{"boot_device":"cdrom","persistent":true}`, out)

	_, _, err = run(t, "boot", "set", "alpha", "floppy")
	assert.ErrorContains(t, err, "unknown boot device")
}

func TestPassthru(t *testing.T) {
	out, _, err := run(t, "--json", "passthru", "alpha", "echo", "count=3", "name=rk1", "on=true")
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":3,"name":"rk1","on":true}`, out)

	out, _, err = run(t, "passthru", "alpha", "echo", "b=2", "a=x")
	require.NoError(t, err)
	assert.Equal(t, "a: x\nb: 2\n", out)

	_, _, err = run(t, "passthru", "alpha", "self_destruct")
	assert.ErrorContains(t, err, "unsupported_operation")
}

func TestParsePassthruArgs(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]interface{}
		wantErr bool
	}{
		{"empty", nil, map[string]interface{}{}, false},
		{"json values", []string{"n=1.5", "ok=false", "list=[1,2]"}, map[string]interface{}{
			"n": 1.5, "ok": false, "list": []interface{}{1.0, 2.0},
		}, false},
		{"string fallback", []string{"image=/tmp/rk1.img", "empty="}, map[string]interface{}{
			"image": "/tmp/rk1.img", "empty": "",
		}, false},
		{"value with equals", []string{"q=a=b"}, map[string]interface{}{"q": "a=b"}, false},
		{"missing equals", []string{"oops"}, nil, true},
		{"empty key", []string{"=1"}, nil, true},
		{"duplicate", []string{"a=1", "a=2"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePassthruArgs(tt.pairs)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTypes(t *testing.T) {
	out, _, err := run(t, "--json", "types")
	require.NoError(t, err)

	var views []typeView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 5)

	names := make([]string, len(views))
	for i, v := range views {
		names[i] = v.HardwareType
	}
	assert.Equal(t, []string{"fake", "ipmi", "snmp", "turingpi", "wol"}, names)
	assert.Contains(t, views[1].PassthruMethods, "get_nm_version")
	assert.Empty(t, views[2].PassthruMethods)
	assert.Equal(t, []string{"get_power_state", "power_on"}, views[4].Operations)

	out, _, err = run(t, "types")
	require.NoError(t, err)
	assert.Contains(t, out, "TYPE")
	assert.Contains(t, out, "turingpi")
}

func TestMissingInventory(t *testing.T) {
	root := newRootCommand("test", "none", "today")
	root.SetArgs([]string{"--inventory", filepath.Join(t.TempDir(), "nope.yaml"), "power", "status", "--all"})
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	err := root.Execute()
	assert.ErrorContains(t, err, "failed to read inventory")
}
