// Package lifecycle orchestrates the download -> verify -> to_install ->
// install -> success/failed state machine: it admits commands based on
// current stage, dispatches background work into Downloader or Installer,
// and reconciles state.json on process start.
package lifecycle

import (
	"context"
	"os"

	"github.com/cuihuir/tope-updater/pkg/download"
	"github.com/cuihuir/tope-updater/pkg/install"
	"github.com/cuihuir/tope-updater/pkg/logger"
	"github.com/cuihuir/tope-updater/pkg/state"
)

var log = logger.For("lifecycle")

// AdmissionCode is the application-level status the ingress layer maps to
// an HTTP status code.
type AdmissionCode int

const (
	Admitted       AdmissionCode = 200
	Busy           AdmissionCode = 409
	NotFound       AdmissionCode = 404
	PackageExpired AdmissionCode = 410
)

// AdmissionResult carries enough detail for the ingress layer to build the
// response body described in the external interfaces.
type AdmissionResult struct {
	Code    AdmissionCode
	Message string
}

// Engine is the single non-reentrant OTA lifecycle. Exactly one of
// Download/Update may have a background task in flight at a time.
type Engine struct {
	states     *state.Manager
	downloader *download.Downloader
	installer  *install.Installer
}

func New(states *state.Manager, downloader *download.Downloader, installer *install.Installer) *Engine {
	return &Engine{states: states, downloader: downloader, installer: installer}
}

// AdmitDownload applies the §4.8 admission rule for the download command.
func (e *Engine) AdmitDownload() AdmissionResult {
	status := e.states.GetStatus()
	switch status.Stage {
	case state.StageIdle, state.StageFailed, state.StageSuccess:
	default:
		return AdmissionResult{Busy, "Operation already in progress: " + string(status.Stage)}
	}

	if resume := e.states.GetPersistentState(); resume != nil && resume.Expired() {
		return AdmissionResult{PackageExpired, "Package expired (>24h after verification)"}
	}
	return AdmissionResult{Admitted, "success"}
}

// AdmitUpdate applies the §4.8 admission rule for the update command.
func (e *Engine) AdmitUpdate(version string) AdmissionResult {
	status := e.states.GetStatus()
	switch status.Stage {
	case state.StageIdle, state.StageToInstall, state.StageSuccess, state.StageFailed:
	default:
		return AdmissionResult{Busy, "Operation already in progress: " + string(status.Stage)}
	}

	resume := e.states.GetPersistentState()
	if resume == nil || resume.Version != version {
		return AdmissionResult{NotFound, "no matching downloaded package for version " + version}
	}
	if resume.Expired() {
		return AdmissionResult{PackageExpired, "Package expired (>24h after verification)"}
	}
	return AdmissionResult{Admitted, "success"}
}

// StartDownload launches the download task in the background; the caller
// must already have checked AdmitDownload.
func (e *Engine) StartDownload(req download.Request) {
	go func() {
		ctx := context.Background()
		if _, err := e.downloader.Download(ctx, req); err != nil {
			log.WithError(err).WithField("version", req.Version).Warn("download task ended in failure")
		}
	}()
}

// StartUpdate launches the install task in the background against the
// package recorded in the resume record; the caller must already have
// checked AdmitUpdate.
func (e *Engine) StartUpdate(packagePath, version string) {
	go func() {
		ctx := context.Background()
		if err := e.installer.Install(ctx, packagePath, version); err != nil {
			log.WithError(err).WithField("version", version).Warn("install task ended in failure")
		}
	}()
}

// ReconcileOutcome names which row of the startup recovery table fired,
// for the entrypoint to log at boot.
type ReconcileOutcome string

const (
	ReconcileNoState         ReconcileOutcome = "no_state"
	ReconcileLoadFailed      ReconcileOutcome = "load_failed"
	ReconcileExpired         ReconcileOutcome = "expired"
	ReconcileInterrupted     ReconcileOutcome = "interrupted"
	ReconcileFailedRetryable ReconcileOutcome = "failed_retryable"
	ReconcileCorrupt         ReconcileOutcome = "corrupt"
	ReconcileResumed         ReconcileOutcome = "resumed"
)

// Reconcile implements the startup self-heal recovery table. It must run
// once before the HTTP ingress starts accepting commands, and returns
// which row fired so the entrypoint can log it.
func (e *Engine) Reconcile(packagePathFor func(name string) string) ReconcileOutcome {
	resume, err := e.states.LoadState()
	if err != nil {
		log.WithError(err).Warn("failed to load state.json, starting idle")
		e.states.UpdateStatus(state.StageIdle, 0, "idle", "")
		return ReconcileLoadFailed
	}

	switch {
	case resume == nil:
		e.states.UpdateStatus(state.StageIdle, 0, "idle", "")
		return ReconcileNoState

	case resume.Expired():
		log.Info("resume record expired, cleaning up")
		deletePackage(packagePathFor(resume.PackageName))
		_ = e.states.DeleteState()
		e.states.UpdateStatus(state.StageIdle, 0, "idle", "")
		return ReconcileExpired

	case resume.Stage == state.StageDownloading || resume.Stage == state.StageVerifying:
		log.WithField("stage", resume.Stage).Info("interrupted operation detected, cleaning up")
		deletePackage(packagePathFor(resume.PackageName))
		_ = e.states.DeleteState()
		e.states.UpdateStatus(state.StageIdle, 0, "idle", "")
		return ReconcileInterrupted

	case resume.Stage == state.StageFailed:
		e.states.UpdateStatus(state.StageFailed, 0, "ready for retry", "ready for retry")
		return ReconcileFailedRetryable

	case resume.BytesDownloaded > resume.PackageSize:
		log.Warn("resume record corrupt (bytes_downloaded exceeds package_size), cleaning up")
		deletePackage(packagePathFor(resume.PackageName))
		_ = e.states.DeleteState()
		e.states.UpdateStatus(state.StageIdle, 0, "idle", "")
		return ReconcileCorrupt

	default:
		pct := 0
		if resume.PackageSize > 0 {
			pct = int(float64(resume.BytesDownloaded) / float64(resume.PackageSize) * 100)
		}
		e.states.UpdateStatus(resume.Stage, pct, "resumed from previous run", "")
		return ReconcileResumed
	}
}

func deletePackage(path string) {
	if path == "" {
		return
	}
	if err := removeIfExists(path); err != nil {
		log.WithError(err).WithField("path", path).Warn("failed to remove stale package")
	}
}

// removeIfExists is a var so tests can substitute it to assert on
// deletion without a real filesystem.
var removeIfExists = func(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
