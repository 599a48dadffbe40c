// Package install implements the manifest-driven installer: extraction
// into a new snapshot, module post-install commands, service lifecycle
// around deployment, verification, promotion, and the two-level rollback
// protocol on failure.
package install

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuihuir/tope-updater/pkg/errs"
	"github.com/cuihuir/tope-updater/pkg/logger"
	"github.com/cuihuir/tope-updater/pkg/manifest"
	"github.com/cuihuir/tope-updater/pkg/reporter"
	"github.com/cuihuir/tope-updater/pkg/service"
	"github.com/cuihuir/tope-updater/pkg/state"
	"github.com/cuihuir/tope-updater/pkg/versionstore"
)

var log = logger.For("install")

const postCmdTimeout = 30 * time.Second

// Installer deploys a downloaded package into a new version snapshot.
type Installer struct {
	installRoot string
	store       *versionstore.Store
	services    *service.Controller
	states      *state.Manager
	reporter    *reporter.Reporter
}

func New(installRoot string, store *versionstore.Store, services *service.Controller, states *state.Manager, rep *reporter.Reporter) *Installer {
	return &Installer{installRoot: installRoot, store: store, services: services, states: states, reporter: rep}
}

// Install runs the numbered workflow from snapshot creation through
// promotion. Failures during module deployment, verification or promotion
// trigger the two-level rollback; earlier failures (manifest, version check,
// service stop) only remove the new snapshot and report the error.
func (in *Installer) Install(ctx context.Context, packagePath, version string) error {
	in.report(state.StageInstalling, 0, "installing")

	snapshotDir, err := in.store.CreateVersionDir(version)
	if err != nil {
		return in.fail(err, false)
	}

	m, err := in.parseManifest(packagePath)
	if err != nil {
		_ = os.RemoveAll(snapshotDir)
		return in.fail(err, false)
	}
	if err := m.CheckVersion(version); err != nil {
		_ = os.RemoveAll(snapshotDir)
		return in.fail(err, false)
	}
	if err := writeManifestCopy(snapshotDir, packagePath); err != nil {
		_ = os.RemoveAll(snapshotDir)
		return in.fail(err, false)
	}

	services := m.ServiceNames()
	if err := in.stopServices(ctx, services); err != nil {
		_ = os.RemoveAll(snapshotDir)
		return in.fail(err, false)
	}

	if err := in.deployModules(ctx, packagePath, snapshotDir, m.Modules); err != nil {
		_ = os.RemoveAll(snapshotDir)
		return in.fail(err, true)
	}

	in.startServices(ctx, services)

	if err := in.verifyDeployment(snapshotDir, m.Modules); err != nil {
		_ = os.RemoveAll(snapshotDir)
		return in.fail(err, true)
	}

	if err := in.store.PromoteVersion(version); err != nil {
		_ = os.RemoveAll(snapshotDir)
		return in.fail(err, true)
	}

	_ = in.states.DeleteState()
	in.report(state.StageSuccess, 100, "install succeeded")
	return nil
}

func (in *Installer) parseManifest(packagePath string) (*manifest.Manifest, error) {
	r, err := zip.OpenReader(packagePath)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidManifest, "cannot open package", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.Name == "manifest.json" {
			rc, err := f.Open()
			if err != nil {
				return nil, errs.Wrap(errs.CodeInvalidManifest, "cannot read manifest.json", err)
			}
			defer rc.Close()
			data, err := io.ReadAll(rc)
			if err != nil {
				return nil, errs.Wrap(errs.CodeInvalidManifest, "cannot read manifest.json", err)
			}
			return manifest.Parse(data)
		}
	}
	return nil, errs.New(errs.CodeInvalidManifest, "manifest.json not found in package")
}

// writeManifestCopy persists manifest.json inside the snapshot so a later
// rollback-health check can recover the service list for a version that
// is no longer "current".
func writeManifestCopy(snapshotDir, packagePath string) error {
	r, err := zip.OpenReader(packagePath)
	if err != nil {
		return errs.Wrap(errs.CodeInvalidManifest, "cannot reopen package", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.Name != "manifest.json" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return errs.Wrap(errs.CodeInvalidManifest, "cannot read manifest.json", err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return errs.Wrap(errs.CodeInvalidManifest, "cannot read manifest.json", err)
		}
		return os.WriteFile(filepath.Join(snapshotDir, "manifest.json"), data, 0o644)
	}
	return errs.New(errs.CodeInvalidManifest, "manifest.json not found in package")
}

func (in *Installer) stopServices(ctx context.Context, names []string) error {
	for _, name := range names {
		if err := in.services.Stop(ctx, name, service.DefaultStopTimeout); err != nil {
			return err
		}
	}
	return nil
}

func (in *Installer) startServices(ctx context.Context, names []string) {
	for _, name := range names {
		if err := in.services.Start(ctx, name, service.DefaultStartTimeout); err != nil {
			log.WithField("service", name).WithError(err).Warn("service failed to start during deploy, continuing")
		}
	}
}

// relPathFor translates an absolute dst into the path inside the snapshot,
// stripping the configured install root prefix when dst falls under it.
func (in *Installer) relPathFor(dst string) (rel string, insideRoot bool) {
	root := strings.TrimSuffix(in.installRoot, "/") + "/"
	if strings.HasPrefix(dst, root) {
		return strings.TrimPrefix(dst, root), true
	}
	return strings.TrimPrefix(dst, "/"), false
}

func (in *Installer) deployModules(ctx context.Context, packagePath, snapshotDir string, modules []manifest.Module) error {
	r, err := zip.OpenReader(packagePath)
	if err != nil {
		return errs.Wrap(errs.CodeDeploymentFailed, "cannot open package", err)
	}
	defer r.Close()

	byName := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		byName[f.Name] = f
	}

	total := len(modules)
	for i, mod := range modules {
		if err := in.deployModule(ctx, byName, snapshotDir, mod); err != nil {
			return err
		}

		pct := 5 + int(float64(i+1)/float64(total)*80)
		if total <= 10 || pct%10 == 0 {
			in.report(state.StageInstalling, pct, "deployed "+mod.Name)
		}
	}
	return nil
}

func (in *Installer) deployModule(ctx context.Context, byName map[string]*zip.File, snapshotDir string, mod manifest.Module) error {
	f, ok := byName[mod.Src]
	if !ok {
		return errs.New(errs.CodeDeploymentFailed, "module "+mod.Name+": "+mod.Src+" not found in package")
	}

	rel, insideRoot := in.relPathFor(mod.Dst)
	snapshotPath := filepath.Join(snapshotDir, rel)

	if err := extractFile(f, snapshotPath); err != nil {
		return errs.Wrap(errs.CodeDeploymentFailed, "module "+mod.Name, err)
	}

	if !insideRoot {
		if err := copyWithMode(snapshotPath, mod.Dst); err != nil {
			return errs.Wrap(errs.CodeDeploymentFailed, "module "+mod.Name+": copying to "+mod.Dst, err)
		}
	}

	for _, cmd := range mod.PostCmds {
		if err := runPostCmd(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// extractFile extracts a single zip entry to dstPath.tmp then renames it
// into place, preserving the archive's Unix mode bits when present.
func extractFile(f *zip.File, dstPath string) error {
	if strings.Contains(f.Name, "..") {
		return fmt.Errorf("refusing to extract path-traversal entry %q", f.Name)
	}
	if f.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("refusing to extract symlink entry %q", f.Name)
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	mode := f.Mode()
	if mode == 0 {
		mode = 0o644
	}

	tmpPath := dstPath + ".tmp"
	out, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dstPath); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func copyWithMode(srcPath, dstPath string) error {
	info, err := os.Stat(srcPath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dstPath, data, info.Mode())
}

// runPostCmd runs a module post_cmds entry through the shell with a
// wall-clock timeout, killing the child on timeout. Combined stdout/stderr
// is captured in full, without a size cap; only the copy placed in the
// POST_CMD_FAILED error is truncated to 4096 bytes.
func runPostCmd(ctx context.Context, command string) error {
	cctx, cancel := context.WithTimeout(ctx, postCmdTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", command)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if cctx.Err() == context.DeadlineExceeded {
		return errs.New(errs.CodePostCmdTimeout, command)
	}
	if err != nil {
		return errs.Wrap(errs.CodePostCmdFailed, command+": "+truncate(out.String(), 4096), err)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

func (in *Installer) verifyDeployment(snapshotDir string, modules []manifest.Module) error {
	for _, mod := range modules {
		rel, _ := in.relPathFor(mod.Dst)
		path := filepath.Join(snapshotDir, rel)
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			return errs.New(errs.CodeDeploymentFailed, "module "+mod.Name+": "+path+" missing after deploy")
		}
	}
	in.report(state.StageInstalling, 95, "verified deployment")
	return nil
}

// fail triggers the two-level rollback protocol when filesAlreadyMoved is
// true and reports the composite rollback error; otherwise it reports and
// returns installErr unchanged.
func (in *Installer) fail(installErr error, filesAlreadyMoved bool) error {
	if !filesAlreadyMoved {
		in.states.UpdateStatus(state.StageFailed, 0, installErr.Error(), installErr.Error())
		in.reporter.Report(state.StageFailed, 0, installErr.Error(), installErr.Error())
		return installErr
	}

	rollbackErr := in.rollback(installErr)
	in.states.UpdateStatus(state.StageFailed, 0, rollbackErr.Error(), rollbackErr.Error())
	in.reporter.Report(state.StageFailed, 0, rollbackErr.Error(), rollbackErr.Error())
	return rollbackErr
}

func (in *Installer) rollback(installErr error) *errs.RollbackError {
	ctx := context.Background()
	result := &errs.RollbackError{InstallErr: installErr}

	if err := in.store.RollbackToPrevious(); err != nil {
		result.Level1Err = err
	} else if !in.restartAndVerify(ctx) {
		result.Level1Err = errs.New(errs.CodeRollbackLevel1Failed, "services unhealthy after rollback to previous")
	}

	if result.Level1Err == nil {
		in.reporter.Report(state.StageFailed, 0, string(errs.CodeRollbackLevel1Success), "")
		return result
	}

	result.Level2Attempted = true
	if err := in.store.RollbackToFactory(); err != nil {
		result.Level2Err = err
	} else if !in.restartAndVerify(ctx) {
		result.Level2Err = errs.New(errs.CodeRollbackLevel2Failed, "services unhealthy after rollback to factory")
	}

	if result.Level2Err == nil {
		in.reporter.Report(state.StageFailed, 0, string(errs.CodeRollbackLevel2Success), "")
	}
	return result
}

// restartAndVerify restarts every currently-registered service after a
// rollback and reports whether all of them reach active within timeout.
//
// The target snapshot may be a factory baseline provisioned out-of-band at
// image-build time rather than through Install(), so it may carry no
// manifest.json at all. That is not itself a health failure: with no
// manifest to read there are no services to verify, so the rollback is
// reported healthy rather than penalized for a snapshot this daemon never
// wrote.
func (in *Installer) restartAndVerify(ctx context.Context) bool {
	currentVersion, ok := in.store.GetCurrentVersion()
	if !ok {
		return false
	}
	m, err := in.loadManifestFromSnapshot(currentVersion)
	if err != nil {
		if os.IsNotExist(err) {
			log.WithField("version", currentVersion).Info("no manifest in rollback snapshot, nothing to verify")
			return true
		}
		return false
	}

	healthy := true
	for _, name := range m.ServiceNames() {
		_ = in.services.Stop(ctx, name, service.DefaultStopTimeout)
		if err := in.services.Start(ctx, name, service.DefaultStartTimeout); err != nil {
			healthy = false
			continue
		}
		if in.services.Status(ctx, name) != service.StatusActive {
			healthy = false
		}
	}
	return healthy
}

func (in *Installer) loadManifestFromSnapshot(version string) (*manifest.Manifest, error) {
	path := filepath.Join(in.installRoot, "versions", "v"+version, "manifest.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return manifest.Parse(data)
}

func (in *Installer) report(stage state.Stage, progress int, message string) {
	in.states.UpdateStatus(stage, progress, message, "")
	in.reporter.Report(stage, progress, message, "")
}
