// Package service wraps the OS service manager (systemctl) with the
// stop/start/status/wait_for operations the installer needs around a
// deployment, following the same shell-out-and-poll shape the teacher
// repo's supervisord wrapper used for its own process manager.
package service

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/cuihuir/tope-updater/pkg/errs"
	"github.com/cuihuir/tope-updater/pkg/logger"
)

var log = logger.For("service")

// Status mirrors the values systemctl is-active can report.
type Status string

const (
	StatusActive       Status = "active"
	StatusReloading    Status = "reloading"
	StatusInactive     Status = "inactive"
	StatusFailed       Status = "failed"
	StatusActivating   Status = "activating"
	StatusDeactivating Status = "deactivating"
	StatusUnknown      Status = "unknown"
)

const (
	DefaultStopTimeout  = 10 * time.Second
	DefaultStartTimeout = 30 * time.Second
	pollInterval        = 500 * time.Millisecond
)

// Runner abstracts process execution so tests can substitute a fake
// systemctl without shelling out.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr string, exitCode int, err error)
}

// ExecRunner runs real commands via os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		exitCode = -1
	}
	return stdout.String(), stderr.String(), exitCode, nil
}

// Controller issues systemctl commands against named services.
type Controller struct {
	runner Runner
}

func NewController(runner Runner) *Controller {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Controller{runner: runner}
}

// Status returns the service's current systemctl is-active state.
// Non-parseable output never errors; it maps to StatusUnknown.
func (c *Controller) Status(ctx context.Context, name string) Status {
	stdout, _, _, err := c.runner.Run(ctx, "systemctl", "is-active", name)
	if err != nil {
		return StatusUnknown
	}
	switch strings.TrimSpace(stdout) {
	case string(StatusActive):
		return StatusActive
	case string(StatusReloading):
		return StatusReloading
	case string(StatusInactive):
		return StatusInactive
	case string(StatusFailed):
		return StatusFailed
	case string(StatusActivating):
		return StatusActivating
	case string(StatusDeactivating):
		return StatusDeactivating
	default:
		return StatusUnknown
	}
}

// WaitFor polls Status every 500ms until it equals target or timeout elapses.
func (c *Controller) WaitFor(ctx context.Context, name string, target Status, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if c.Status(ctx, name) == target {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(pollInterval):
		}
	}
}

// Stop issues "systemctl stop" and polls for StatusInactive.
func (c *Controller) Stop(ctx context.Context, name string, timeout time.Duration) error {
	log.WithField("service", name).Info("stopping service")
	_, stderr, exitCode, _ := c.runner.Run(ctx, "systemctl", "stop", name)
	if exitCode != 0 {
		return errs.New(errs.CodeServiceStopFailed, name+": "+strings.TrimSpace(stderr))
	}
	if !c.WaitFor(ctx, name, StatusInactive, timeout) {
		return errs.New(errs.CodeServiceStopTimeout, name)
	}
	return nil
}

// Start issues "systemctl start" and polls for StatusActive.
func (c *Controller) Start(ctx context.Context, name string, timeout time.Duration) error {
	log.WithField("service", name).Info("starting service")
	_, stderr, exitCode, _ := c.runner.Run(ctx, "systemctl", "start", name)
	if exitCode != 0 {
		return errs.New(errs.CodeServiceStartFailed, name+": "+strings.TrimSpace(stderr))
	}
	if !c.WaitFor(ctx, name, StatusActive, timeout) {
		return errs.New(errs.CodeServiceStartTimeout, name)
	}
	return nil
}
