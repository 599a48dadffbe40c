// Package versionstore manages the on-disk snapshot layout under
// <base>/versions: one directory per installed semver, and three managed
// symlinks (current, previous, factory) promoted with atomic rename.
package versionstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/mod/semver"

	"github.com/cuihuir/tope-updater/pkg/errs"
	"github.com/cuihuir/tope-updater/pkg/logger"
)

var log = logger.For("versionstore")

const (
	linkCurrent  = "current"
	linkPrevious = "previous"
	linkFactory  = "factory"
)

// Store roots all operations at <base>/versions.
type Store struct {
	base string
}

func New(base string) *Store {
	return &Store{base: base}
}

func (s *Store) versionDir(v string) string {
	return filepath.Join(s.base, "v"+v)
}

func (s *Store) link(name string) string {
	return filepath.Join(s.base, name)
}

// CreateVersionDir makes <base>/v<version> and returns its path.
func (s *Store) CreateVersionDir(v string) (string, error) {
	dir := s.versionDir(v)
	if _, err := os.Stat(dir); err == nil {
		return "", errs.New(errs.CodeAlreadyExists, dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errs.Wrap(errs.CodeIOError, dir, err)
	}
	return dir, nil
}

// promote atomically repoints the symlink at linkPath to target using a
// temp-then-rename sequence. On any failure the temp link is removed and
// the pre-existing symlink is left untouched.
func promote(linkPath, target string) error {
	tmp := filepath.Join(filepath.Dir(linkPath),
		fmt.Sprintf(".%s.tmp.%d", filepath.Base(linkPath), os.Getpid()))
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return errs.Wrap(errs.CodeIOError, linkPath, err)
	}
	if err := os.Rename(tmp, linkPath); err != nil {
		_ = os.Remove(tmp)
		return errs.Wrap(errs.CodeIOError, linkPath, err)
	}
	return nil
}

// PromoteVersion repoints previous to the current target (if current
// exists) and then repoints current to v<version>.
func (s *Store) PromoteVersion(v string) error {
	currentLinkPath := s.link(linkCurrent)
	if target, err := os.Readlink(currentLinkPath); err == nil {
		if err := promote(s.link(linkPrevious), target); err != nil {
			return err
		}
	}
	return promote(currentLinkPath, "v"+v)
}

// SetFactoryVersion is one-time: it fails if factory is already set, and
// recursively marks the version directory read-only afterward.
func (s *Store) SetFactoryVersion(v string) error {
	if _, err := os.Readlink(s.link(linkFactory)); err == nil {
		return errs.New(errs.CodeAlreadyExists, "factory already set")
	}
	if err := promote(s.link(linkFactory), "v"+v); err != nil {
		return err
	}
	return makeReadOnly(s.versionDir(v))
}

func makeReadOnly(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return os.Chmod(path, 0o555)
		}
		return os.Chmod(path, 0o444)
	})
}

func (s *Store) resolveVersion(name string) (string, bool) {
	target, err := os.Readlink(s.link(name))
	if err != nil {
		return "", false
	}
	v := filepath.Base(target)
	if len(v) > 0 && v[0] == 'v' {
		v = v[1:]
	}
	return v, true
}

func (s *Store) GetCurrentVersion() (string, bool)  { return s.resolveVersion(linkCurrent) }
func (s *Store) GetPreviousVersion() (string, bool) { return s.resolveVersion(linkPrevious) }
func (s *Store) GetFactoryVersion() (string, bool)  { return s.resolveVersion(linkFactory) }

// ListVersions returns installed version directories (symlinks excluded),
// sorted by semver precedence.
func (s *Store) ListVersions() ([]string, error) {
	entries, err := os.ReadDir(s.base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.CodeIOError, s.base, err)
	}
	var versions []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if len(e.Name()) > 0 && e.Name()[0] == 'v' {
			versions = append(versions, e.Name()[1:])
		}
	}
	sort.Slice(versions, func(i, j int) bool {
		return semver.Compare("v"+versions[i], "v"+versions[j]) < 0
	})
	return versions, nil
}

// RollbackToPrevious repoints current to previous's target.
func (s *Store) RollbackToPrevious() error {
	target, err := os.Readlink(s.link(linkPrevious))
	if err != nil {
		return errs.New(errs.CodeNoPrevious, "no previous version recorded")
	}
	if _, err := os.Stat(filepath.Join(s.base, target)); err != nil {
		return errs.New(errs.CodeNotFound, target)
	}
	log.Info("rolling back current to previous")
	return promote(s.link(linkCurrent), target)
}

// RollbackToFactory repoints current to factory's target.
func (s *Store) RollbackToFactory() error {
	target, err := os.Readlink(s.link(linkFactory))
	if err != nil {
		return errs.New(errs.CodeNoFactory, "no factory version recorded")
	}
	if _, err := os.Stat(filepath.Join(s.base, target)); err != nil {
		return errs.New(errs.CodeNotFound, target)
	}
	log.Info("rolling back current to factory")
	return promote(s.link(linkCurrent), target)
}

// DeleteVersion refuses to remove a version that current, previous or
// factory still points at.
func (s *Store) DeleteVersion(v string) error {
	for _, name := range []string{linkCurrent, linkPrevious, linkFactory} {
		if active, ok := s.resolveVersion(name); ok && active == v {
			return errs.New(errs.CodeAlreadyExists, v+" is referenced by "+name)
		}
	}
	return os.RemoveAll(s.versionDir(v))
}

// VerifyFactoryVersion is true iff the factory link resolves to an
// existing, non-empty directory.
func (s *Store) VerifyFactoryVersion() bool {
	target, err := os.Readlink(s.link(linkFactory))
	if err != nil {
		return false
	}
	dir := filepath.Join(s.base, target)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	return len(entries) > 0
}
