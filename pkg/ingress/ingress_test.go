package ingress

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuihuir/tope-updater/pkg/download"
	"github.com/cuihuir/tope-updater/pkg/install"
	"github.com/cuihuir/tope-updater/pkg/lifecycle"
	"github.com/cuihuir/tope-updater/pkg/reporter"
	"github.com/cuihuir/tope-updater/pkg/service"
	"github.com/cuihuir/tope-updater/pkg/state"
	"github.com/cuihuir/tope-updater/pkg/versionstore"
)

func newServer(t *testing.T) (*Server, *state.Manager) {
	t.Helper()
	root := t.TempDir()
	sm := state.New(filepath.Join(root, "state.json"))
	dl := download.New(root, sm, reporter.New(""))
	store := versionstore.New(filepath.Join(root, "versions"))
	svc := service.NewController(nil)
	in := install.New(root, store, svc, sm, reporter.New(""))
	engine := lifecycle.New(sm, dl, in)
	s := NewServer(engine, sm, store, func(name string) string { return filepath.Join(root, name) })
	return s, sm
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestHandleProgress_Idle(t *testing.T) {
	s, _ := newServer(t)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1.0/progress", nil))

	env := decode(t, rec)
	assert.Equal(t, 200, env.Code)
}

func TestHandleDownload_ValidationErrors(t *testing.T) {
	s, _ := newServer(t)
	cases := []string{
		`{"version":"bad","package_url":"https://x","package_size":1,"package_md5":"600aff0f78265dd25bb6907828f916dd"}`,
		`{"version":"1.0.0","package_url":"not-a-url","package_size":1,"package_md5":"600aff0f78265dd25bb6907828f916dd"}`,
		`{"version":"1.0.0","package_url":"https://x","package_size":0,"package_md5":"600aff0f78265dd25bb6907828f916dd"}`,
		`{"version":"1.0.0","package_url":"https://x","package_size":1,"package_md5":"short"}`,
	}
	for _, body := range cases {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1.0/download", bytes.NewBufferString(body))
		s.Router().ServeHTTP(rec, req)
		env := decode(t, rec)
		assert.Equal(t, 400, env.Code)
	}
}

func TestHandleDownload_BusyReturns409(t *testing.T) {
	s, sm := newServer(t)
	sm.UpdateStatus(state.StageDownloading, 10, "downloading", "")

	body := `{"version":"1.0.0","package_url":"https://x","package_name":"p.zip","package_size":1,"package_md5":"600aff0f78265dd25bb6907828f916dd"}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1.0/download", bytes.NewBufferString(body))
	s.Router().ServeHTTP(rec, req)

	env := decode(t, rec)
	assert.Equal(t, 409, env.Code)
}

func TestHandleUpdate_NotFound(t *testing.T) {
	s, _ := newServer(t)
	body := `{"version":"1.0.0"}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1.0/update", bytes.NewBufferString(body))
	s.Router().ServeHTTP(rec, req)

	env := decode(t, rec)
	assert.Equal(t, 404, env.Code)
}

func TestHandleHealth(t *testing.T) {
	s, _ := newServer(t)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1.0/health", nil))

	env := decode(t, rec)
	assert.Equal(t, 200, env.Code)
}

func TestHandleVersion_EmptyStore(t *testing.T) {
	s, _ := newServer(t)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1.0/version", nil))

	env := decode(t, rec)
	assert.Equal(t, 200, env.Code)
}
