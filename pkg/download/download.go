// Package download implements the resumable HTTP download and three-layer
// validation pipeline: transport completeness, declared size, and MD5.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cuihuir/tope-updater/pkg/errs"
	"github.com/cuihuir/tope-updater/pkg/logger"
	"github.com/cuihuir/tope-updater/pkg/reporter"
	"github.com/cuihuir/tope-updater/pkg/state"
	"github.com/cuihuir/tope-updater/pkg/verify"
)

var log = logger.For("download")

const chunkSize = 64 * 1024

// Request describes one download command's parameters.
type Request struct {
	Version      string
	URL          string
	Name         string
	DeclaredSize int64
	DeclaredMD5  string
}

// Downloader streams a package into <tmpDir>/<name>, persisting resume
// progress into the shared StateManager and mirroring status to Reporter.
type Downloader struct {
	tmpDir   string
	states   *state.Manager
	reporter *reporter.Reporter
	client   *http.Client
}

func New(tmpDir string, states *state.Manager, rep *reporter.Reporter) *Downloader {
	return &Downloader{
		tmpDir:   tmpDir,
		states:   states,
		reporter: rep,
		client:   &http.Client{},
	}
}

// Download runs the full preflight -> transport -> verify pipeline and
// returns the path to the verified package on success.
func (d *Downloader) Download(ctx context.Context, req Request) (string, error) {
	path := filepath.Join(d.tmpDir, req.Name)
	if err := os.MkdirAll(d.tmpDir, 0o755); err != nil {
		return "", errs.Wrap(errs.CodeIOError, d.tmpDir, err)
	}

	bytesDownloaded := d.preflight(req, path)

	if err := d.transport(ctx, req, path, bytesDownloaded); err != nil {
		return "", err
	}

	return d.verifyAndFinalize(req, path)
}

// preflight decides resume vs fresh-start and returns the starting byte
// offset. It mutates the filesystem (deleting stale artifacts) but never
// fails: any ambiguity resolves to a fresh start.
func (d *Downloader) preflight(req Request, path string) int64 {
	existing := d.states.GetPersistentState()
	info, statErr := os.Stat(path)

	canResume := existing != nil &&
		existing.PackageURL == req.URL &&
		existing.Version == req.Version &&
		existing.PackageMD5 == req.DeclaredMD5 &&
		statErr == nil

	if canResume {
		log.WithField("bytes", info.Size()).Info("resuming partial download")
		return info.Size()
	}

	if statErr == nil {
		_ = os.Remove(path)
	}
	_ = d.states.DeleteState()
	return 0
}

func (d *Downloader) transport(ctx context.Context, req Request, path string, startOffset int64) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return errs.Wrap(errs.CodeDownloadFailed, req.URL, err)
	}
	if startOffset > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", startOffset))
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		d.fail(errs.CodeDownloadFailed, err.Error(), false)
		return errs.Wrap(errs.CodeDownloadFailed, req.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		e := errs.New(errs.CodeDownloadFailed, fmt.Sprintf("HTTP %d", resp.StatusCode))
		d.fail(errs.CodeDownloadFailed, e.Error(), false)
		return e
	}

	flags := os.O_CREATE | os.O_WRONLY
	if startOffset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return errs.Wrap(errs.CodeIOError, path, err)
	}
	defer f.Close()

	expectedTotal := int64(-1)
	if resp.ContentLength >= 0 {
		expectedTotal = resp.ContentLength + startOffset
	}

	bytesDownloaded := startOffset
	lastReportedPct := int(float64(bytesDownloaded) / float64(req.DeclaredSize) * 100)
	buf := make([]byte, chunkSize)

	op := d.states.GetPersistentState()
	if op == nil {
		resume := &state.Resume{
			OperationID:     state.NewOperationID(),
			Version:         req.Version,
			PackageURL:      req.URL,
			PackageName:     req.Name,
			PackageSize:     req.DeclaredSize,
			PackageMD5:      req.DeclaredMD5,
			BytesDownloaded: bytesDownloaded,
			Stage:           state.StageDownloading,
		}
		if err := d.states.SaveState(resume); err != nil {
			return errs.Wrap(errs.CodeIOError, "state.json", err)
		}
	}

	d.states.UpdateStatus(state.StageDownloading, lastReportedPct, "downloading", "")

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				return errs.Wrap(errs.CodeIOError, path, writeErr)
			}
			bytesDownloaded += int64(n)

			pct := 0
			if req.DeclaredSize > 0 {
				pct = int(float64(bytesDownloaded) / float64(req.DeclaredSize) * 100)
			}
			if pct-lastReportedPct >= 5 {
				lastReportedPct = pct
				d.states.UpdateStatus(state.StageDownloading, pct, "downloading", "")
				d.persistProgress(req, bytesDownloaded)
				d.reporter.Report(state.StageDownloading, pct, "downloading", "")
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			d.fail(errs.CodeDownloadFailed, readErr.Error(), false)
			return errs.Wrap(errs.CodeDownloadFailed, req.URL, readErr)
		}
	}

	if expectedTotal >= 0 && bytesDownloaded != expectedTotal {
		d.failValidation(errs.CodeIncompleteDownload, "incomplete transfer", path)
		return errs.New(errs.CodeIncompleteDownload,
			fmt.Sprintf("got %d bytes, expected %d", bytesDownloaded, expectedTotal))
	}
	if bytesDownloaded != req.DeclaredSize {
		d.failValidation(errs.CodePackageSizeMismatch, "size mismatch", path)
		return errs.New(errs.CodePackageSizeMismatch,
			fmt.Sprintf("got %d bytes, declared %d", bytesDownloaded, req.DeclaredSize))
	}
	return nil
}

func (d *Downloader) persistProgress(req Request, bytesDownloaded int64) {
	resume := d.states.GetPersistentState()
	if resume == nil {
		resume = &state.Resume{OperationID: state.NewOperationID(), Version: req.Version,
			PackageURL: req.URL, PackageName: req.Name, PackageSize: req.DeclaredSize, PackageMD5: req.DeclaredMD5}
	}
	resume.BytesDownloaded = bytesDownloaded
	resume.Stage = state.StageDownloading
	if err := d.states.SaveState(resume); err != nil {
		log.WithError(err).Warn("failed to persist download progress")
	}
}

func (d *Downloader) verifyAndFinalize(req Request, path string) (string, error) {
	d.states.UpdateStatus(state.StageVerifying, 0, "verifying", "")
	d.reporter.Report(state.StageVerifying, 0, "verifying", "")

	if err := verify.Verify(path, req.DeclaredMD5); err != nil {
		_ = os.Remove(path)
		resume := &state.Resume{
			Version: req.Version, PackageURL: req.URL, PackageName: req.Name,
			PackageSize: req.DeclaredSize, PackageMD5: req.DeclaredMD5,
			BytesDownloaded: 0, Stage: state.StageFailed,
		}
		_ = d.states.SaveState(resume)
		d.states.UpdateStatus(state.StageFailed, 0, err.Error(), err.Error())
		d.reporter.Report(state.StageFailed, 0, err.Error(), err.Error())
		return "", err
	}

	now := time.Now()
	resume := d.states.GetPersistentState()
	if resume == nil {
		resume = &state.Resume{Version: req.Version, PackageURL: req.URL, PackageName: req.Name,
			PackageSize: req.DeclaredSize, PackageMD5: req.DeclaredMD5}
	}
	resume.VerifiedAt = &now
	resume.Stage = state.StageToInstall
	resume.BytesDownloaded = req.DeclaredSize
	if err := d.states.SaveState(resume); err != nil {
		log.WithError(err).Warn("failed to persist verified state")
	}

	d.states.UpdateStatus(state.StageToInstall, 100, "ready to install", "")
	d.reporter.Report(state.StageToInstall, 100, "ready to install", "")
	return path, nil
}

// fail marks the in-memory status failed and, for transport errors, keeps
// state.json so a retry can resume from the bytes already on disk.
func (d *Downloader) fail(code errs.Code, message string, deleteState bool) {
	full := string(code) + ": " + message
	d.states.UpdateStatus(state.StageFailed, 0, message, full)
	d.reporter.Report(state.StageFailed, 0, message, full)
	if deleteState {
		_ = d.states.DeleteState()
	}
}

// failValidation deletes both the partial file and state.json, per the
// validation-error disposition in the error handling design.
func (d *Downloader) failValidation(code errs.Code, message, path string) {
	_ = os.Remove(path)
	_ = d.states.DeleteState()
	d.states.UpdateStatus(state.StageFailed, 0, message, string(code)+": "+message)
	d.reporter.Report(state.StageFailed, 0, message, string(code)+": "+message)
}
