package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildLoggersChain(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	WithComponent("scheduler").Info().Msg("tick")
	WithJobRunID("run-1").Warn().Msg("late")
	WithDeviceID("dev-1").Debug().Str("family", "cisco_ios").Msg("probing")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)

	var first map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &first))
	assert.Equal(t, "scheduler", first["component"])
	assert.Equal(t, "tick", first["message"])

	var second map[string]any
	require.NoError(t, json.Unmarshal(lines[1], &second))
	assert.Equal(t, "run-1", second["job_run_id"])
	assert.Equal(t, "warn", second["level"])

	var third map[string]any
	require.NoError(t, json.Unmarshal(lines[2], &third))
	assert.Equal(t, "dev-1", third["device_id"])
	assert.Equal(t, "cisco_ios", third["family"])
}

func TestInitLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	WithComponent("dispatch").Debug().Msg("dropped")
	WithComponent("dispatch").Error().Msg("kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")
}
