// Package manifest parses and validates the manifest.json embedded in
// every update package.
package manifest

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/cuihuir/tope-updater/pkg/errs"
)

var semverRE = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// Module describes one file group the installer deploys and, optionally,
// the service it belongs to and the commands to run after deployment.
type Module struct {
	Name         string   `json:"name"`
	Src          string   `json:"src"`
	Dst          string   `json:"dst"`
	ProcessName  string   `json:"process_name,omitempty"`
	RestartOrder *int     `json:"restart_order,omitempty"`
	PostCmds     []string `json:"post_cmds,omitempty"`
}

// Manifest is the top-level manifest.json document.
type Manifest struct {
	Version string   `json:"version"`
	Modules []Module `json:"modules"`
}

// Parse decodes and validates raw manifest.json bytes.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidManifest, "malformed JSON", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate enforces the manifest invariants: semver version, non-empty
// unique-named module list, and path-traversal-safe src/dst per module.
func (m *Manifest) Validate() error {
	if !semverRE.MatchString(m.Version) {
		return errs.New(errs.CodeInvalidManifest, "version is not semver: "+m.Version)
	}
	if len(m.Modules) == 0 {
		return errs.New(errs.CodeInvalidManifest, "modules list is empty")
	}

	seen := make(map[string]bool, len(m.Modules))
	for _, mod := range m.Modules {
		if seen[mod.Name] {
			return errs.New(errs.CodeInvalidManifest, "duplicate module name: "+mod.Name)
		}
		seen[mod.Name] = true

		if mod.Src == "" || strings.HasPrefix(mod.Src, "/") || strings.Contains(mod.Src, "..") {
			return errs.New(errs.CodeInvalidManifest, "module "+mod.Name+": invalid src "+mod.Src)
		}
		if mod.Dst == "" || !strings.HasPrefix(mod.Dst, "/") || strings.Contains(mod.Dst, "..") {
			return errs.New(errs.CodeInvalidManifest, "module "+mod.Name+": invalid dst "+mod.Dst)
		}
	}
	return nil
}

// CheckVersion returns a VERSION_MISMATCH error iff the manifest's
// declared version differs from the version the installer was asked for.
func (m *Manifest) CheckVersion(requested string) error {
	if m.Version != requested {
		return errs.New(errs.CodeVersionMismatch, "manifest declares "+m.Version+", requested "+requested)
	}
	return nil
}

// ServiceNames returns the deduplicated, ordered list of process names
// referenced across all modules.
func (m *Manifest) ServiceNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, mod := range m.Modules {
		if mod.ProcessName == "" || seen[mod.ProcessName] {
			continue
		}
		seen[mod.ProcessName] = true
		names = append(names, mod.ProcessName)
	}
	return names
}
