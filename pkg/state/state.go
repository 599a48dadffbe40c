// Package state implements StateManager: the process-wide holder of the
// in-memory progress tuple and the persistent resume record backing
// state.json. It is constructed once at startup and passed explicitly to
// every component that needs it, rather than reached for as a singleton.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cuihuir/tope-updater/pkg/logger"
)

var log = logger.For("state")

// Stage is the tagged lifecycle position, with wire names matching the
// data model exactly.
type Stage string

const (
	StageIdle        Stage = "idle"
	StageDownloading Stage = "downloading"
	StageVerifying   Stage = "verifying"
	StageToInstall   Stage = "toInstall"
	StageInstalling  Stage = "installing"
	StageRebooting   Stage = "rebooting"
	StageSuccess     Stage = "success"
	StageFailed      Stage = "failed"
)

// Progress is the in-memory, always-readable status tuple.
type Progress struct {
	Stage    Stage  `json:"stage"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
	Error    string `json:"error,omitempty"`
}

// Resume is the persistent resume record backing state.json.
type Resume struct {
	OperationID     string     `json:"operation_id"`
	Version         string     `json:"version"`
	PackageURL      string     `json:"package_url"`
	PackageName     string     `json:"package_name"`
	PackageSize     int64      `json:"package_size"`
	PackageMD5      string     `json:"package_md5"`
	BytesDownloaded int64      `json:"bytes_downloaded"`
	LastUpdate      time.Time  `json:"last_update"`
	Stage           Stage      `json:"stage"`
	VerifiedAt      *time.Time `json:"verified_at,omitempty"`
}

// Expired reports whether the record is a verified package older than 24h.
func (r *Resume) Expired() bool {
	if r == nil || r.VerifiedAt == nil {
		return false
	}
	return time.Since(*r.VerifiedAt) > 24*time.Hour
}

// Manager owns the progress tuple and the resume record file.
type Manager struct {
	mu        sync.RWMutex
	progress  Progress
	resume    *Resume
	stateFile string
}

// New constructs a Manager backed by stateFile, starting idle with no
// resume record cached; callers typically call LoadState immediately to
// pick up any record left from a previous run.
func New(stateFile string) *Manager {
	return &Manager{
		stateFile: stateFile,
		progress:  Progress{Stage: StageIdle, Progress: 0, Message: "idle"},
	}
}

// GetStatus never fails; it returns a copy of the current progress tuple.
func (m *Manager) GetStatus() Progress {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.progress
}

// UpdateStatus overwrites the in-memory tuple. It does not persist.
func (m *Manager) UpdateStatus(stage Stage, progress int, message, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress = Progress{Stage: stage, Progress: progress, Message: message, Error: errMsg}
}

// NewOperationID mints a time-sortable identifier that the downloader
// stores in the resume record when it first writes one for a download.
func NewOperationID() string {
	return ulid.Make().String()
}

// LoadState reads state.json. Malformed JSON self-heals: the file is
// deleted and nil is returned without propagating an error.
func (m *Manager) LoadState() (*Resume, error) {
	data, err := os.ReadFile(m.stateFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var r Resume
	if err := json.Unmarshal(data, &r); err != nil {
		log.WithError(err).Warn("state.json is malformed, deleting")
		_ = os.Remove(m.stateFile)
		return nil, nil
	}
	if !validMD5(r.PackageMD5) {
		log.Warn("state.json has an invalid md5 field, deleting")
		_ = os.Remove(m.stateFile)
		return nil, nil
	}

	m.mu.Lock()
	m.resume = &r
	m.mu.Unlock()
	return &r, nil
}

func validMD5(s string) bool {
	if len(s) != 32 {
		return false
	}
	for _, r := range s {
		if !(r >= '0' && r <= '9') && !(r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}

// SaveState writes the resume record atomically via temp-then-rename.
func (m *Manager) SaveState(r *Resume) error {
	r.LastUpdate = time.Now()
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(m.stateFile), 0o755); err != nil {
		return err
	}
	tmp := m.stateFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, m.stateFile); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	m.mu.Lock()
	m.resume = r
	m.mu.Unlock()
	return nil
}

// DeleteState removes state.json; absence is not an error.
func (m *Manager) DeleteState() error {
	m.mu.Lock()
	m.resume = nil
	m.mu.Unlock()

	if err := os.Remove(m.stateFile); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// GetPersistentState returns the cached resume record, if any.
func (m *Manager) GetPersistentState() *Resume {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resume
}

// Reset clears both the in-memory progress tuple and the resume record,
// deleting state.json.
func (m *Manager) Reset() error {
	m.UpdateStatus(StageIdle, 0, "idle", "")
	return m.DeleteState()
}
