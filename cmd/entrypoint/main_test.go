package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/core-tools/hsu-podpilot/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configEnv = []string{
	config.EnvApp, config.EnvAuthKey, config.EnvHostname, config.EnvTags, config.EnvAgentMode,
	config.EnvAgentPath, config.EnvAgentURL, config.EnvLogLevel, config.EnvPassthroughAgentLogs,
	config.EnvPublicKey, config.EnvMetricsAddr, config.EnvHealthPort, config.EnvProvider,
	config.EnvProviderInstanceID, config.EnvReuseDaemon,
}

func setEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	for _, k := range configEnv {
		t.Setenv(k, "")
	}
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func records(t *testing.T, out *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var recs []map[string]interface{}
	scanner := bufio.NewScanner(bytes.NewReader(out.Bytes()))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var rec map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &rec), line)
		recs = append(recs, rec)
	}
	return recs
}

func findRecord(recs []map[string]interface{}, message string) map[string]interface{} {
	for _, rec := range recs {
		if rec["message"] == message {
			return rec
		}
	}
	return nil
}

func TestRunMissingApplicationExitsBeforeSpawning(t *testing.T) {
	setEnv(t, nil)
	var out bytes.Buffer

	code := run(nil, &out)
	assert.Equal(t, 1, code)

	recs := records(t, &out)
	require.Len(t, recs, 1, "only the fatal record is written")
	rec := recs[0]
	assert.Equal(t, "fatal error", rec["message"])
	assert.Equal(t, "error", rec["level"])
	assert.Equal(t, config.EnvApp, rec["field"])
	assert.Equal(t, "configuration", rec["error_type"])
	assert.Equal(t, float64(1), rec["exit_code"])
	assert.NotEmpty(t, rec["boot_id"])
	assert.Nil(t, findRecord(recs, "supervisor starting"))
	assert.Nil(t, findRecord(recs, "phase started"))
}

func TestRunExitCodes(t *testing.T) {
	tests := []struct {
		name  string
		vars  map[string]string
		args  []string
		code  int
		field string
	}{
		{"help", nil, []string{"--help"}, 0, ""},
		{"unknown_flag", nil, []string{"--no-such-flag"}, 1, "arguments"},
		{"bad_log_level", map[string]string{config.EnvApp: "comfyui", config.EnvLogLevel: "chatty"}, nil, 1, config.EnvLogLevel},
		{"check_config", map[string]string{config.EnvApp: "fooocus"}, []string{"--check-config"}, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnv(t, tt.vars)
			var out bytes.Buffer

			assert.Equal(t, tt.code, run(tt.args, &out))
			if tt.field != "" {
				rec := findRecord(records(t, &out), "fatal error")
				require.NotNil(t, rec)
				assert.Equal(t, tt.field, rec["field"])
			}
		})
	}
}

func TestRunListApps(t *testing.T) {
	setEnv(t, nil)
	var out bytes.Buffer

	require.Equal(t, 0, run([]string{"--list-apps"}, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "comfyui: python main.py"))
	assert.Contains(t, out.String(), "port 7865")
}

func TestRunDumpConfigRedactsAuthKey(t *testing.T) {
	setEnv(t, map[string]string{
		config.EnvApp:     "comfyui",
		config.EnvAuthKey: "tskey-auth-secret",
	})
	var out bytes.Buffer

	require.Equal(t, 0, run([]string{"--dump-config"}, &out))
	assert.Contains(t, out.String(), "app: comfyui")
	assert.Contains(t, out.String(), "[REDACTED]")
	assert.NotContains(t, out.String(), "tskey-auth-secret")
}
