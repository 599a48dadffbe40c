package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedRunner struct {
	calls     int
	responses []response
}

type response struct {
	stdout   string
	stderr   string
	exitCode int
}

func (r *scriptedRunner) Run(_ context.Context, _ string, _ ...string) (string, string, int, error) {
	idx := r.calls
	if idx >= len(r.responses) {
		idx = len(r.responses) - 1
	}
	r.calls++
	resp := r.responses[idx]
	return resp.stdout, resp.stderr, resp.exitCode, nil
}

func TestController_Status(t *testing.T) {
	cases := []struct {
		name   string
		stdout string
		want   Status
	}{
		{"active", "active\n", StatusActive},
		{"inactive", "inactive\n", StatusInactive},
		{"failed", "failed\n", StatusFailed},
		{"garbage maps to unknown", "banana\n", StatusUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runner := &scriptedRunner{responses: []response{{stdout: tc.stdout, exitCode: 0}}}
			c := NewController(runner)
			assert.Equal(t, tc.want, c.Status(context.Background(), "device-api"))
		})
	}
}

func TestController_Stop_Success(t *testing.T) {
	runner := &scriptedRunner{responses: []response{
		{exitCode: 0},          // systemctl stop
		{stdout: "inactive\n"}, // is-active poll
	}}
	c := NewController(runner)
	err := c.Stop(context.Background(), "device-api", time.Second)
	require.NoError(t, err)
}

func TestController_Stop_CommandFails(t *testing.T) {
	runner := &scriptedRunner{responses: []response{
		{exitCode: 1, stderr: "unit not found"},
	}}
	c := NewController(runner)
	err := c.Stop(context.Background(), "device-api", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SERVICE_STOP_FAILED")
}

func TestController_Stop_Timeout(t *testing.T) {
	runner := &scriptedRunner{responses: []response{
		{exitCode: 0},
		{stdout: "active\n"}, // never reaches inactive
	}}
	c := NewController(runner)
	err := c.Stop(context.Background(), "device-api", 50*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SERVICE_STOP_TIMEOUT")
}

func TestController_Start_Success(t *testing.T) {
	runner := &scriptedRunner{responses: []response{
		{exitCode: 0},
		{stdout: "active\n"},
	}}
	c := NewController(runner)
	err := c.Start(context.Background(), "device-api", time.Second)
	require.NoError(t, err)
}
