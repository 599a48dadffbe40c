// Package ingress exposes the HTTP command surface described in the
// external interfaces: progress polling, download/update commands, and
// the supplemented health and version endpoints.
package ingress

import (
	"encoding/json"
	"net/http"
	"regexp"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/cuihuir/tope-updater/pkg/download"
	"github.com/cuihuir/tope-updater/pkg/lifecycle"
	"github.com/cuihuir/tope-updater/pkg/logger"
	"github.com/cuihuir/tope-updater/pkg/state"
	"github.com/cuihuir/tope-updater/pkg/versionstore"
)

var log = logger.For("ingress")

var (
	versionRE = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
	urlRE     = regexp.MustCompile(`^https?://.+`)
	md5RE     = regexp.MustCompile(`^[a-f0-9]{32}$`)
)

// envelope is the uniform response shape: transport is always 200, the
// semantic status lives in Code.
type envelope struct {
	Code int         `json:"code"`
	Msg  string      `json:"msg"`
	Data interface{} `json:"data,omitempty"`
}

type downloadBody struct {
	Version     string `json:"version"`
	PackageURL  string `json:"package_url"`
	PackageName string `json:"package_name"`
	PackageSize int64  `json:"package_size"`
	PackageMD5  string `json:"package_md5"`
}

type updateBody struct {
	Version string `json:"version"`
}

// PackagePathFor resolves a package name to its on-disk path under the
// tmp directory; handed in rather than constructed here so tests can
// control it precisely.
type PackagePathFor func(name string) string

// Server wires the lifecycle engine, the version store (for the
// supplemented /version endpoint) and package path resolution into a
// gorilla/mux router.
type Server struct {
	engine         *lifecycle.Engine
	states         *state.Manager
	store          *versionstore.Store
	packagePathFor PackagePathFor
}

func NewServer(engine *lifecycle.Engine, states *state.Manager, store *versionstore.Store, packagePathFor PackagePathFor) *Server {
	return &Server{engine: engine, states: states, store: store, packagePathFor: packagePathFor}
}

// Router builds the mux.Router exposing the full command surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware)
	r.HandleFunc("/api/v1.0/progress", s.handleProgress).Methods(http.MethodGet)
	r.HandleFunc("/api/v1.0/download", s.handleDownload).Methods(http.MethodPost)
	r.HandleFunc("/api/v1.0/update", s.handleUpdate).Methods(http.MethodPost)
	r.HandleFunc("/api/v1.0/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/v1.0/version", s.handleVersion).Methods(http.MethodGet)
	return r
}

// requestIDMiddleware tags every request with a UUID, logged at debug level
// with the request path and returned in the X-Request-Id header. The ID is
// not passed on to the background task the request may start.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		log.WithField("request_id", id).WithField("path", r.URL.Path).Debug("handling request")
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("failed to encode response")
	}
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	status := s.states.GetStatus()
	data := map[string]interface{}{
		"stage":    status.Stage,
		"progress": status.Progress,
		"message":  status.Message,
		"error":    status.Error,
	}

	if status.Stage == state.StageFailed {
		resp := map[string]interface{}{"code": 500, "msg": status.Message}
		for k, v := range data {
			resp[k] = v
		}
		resp["data"] = data
		writeJSON(w, resp)
		return
	}

	writeJSON(w, envelope{Code: 200, Msg: "success", Data: data})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var body downloadBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, envelope{Code: 400, Msg: "invalid request body"})
		return
	}
	if !versionRE.MatchString(body.Version) {
		writeJSON(w, envelope{Code: 400, Msg: "invalid version"})
		return
	}
	if !urlRE.MatchString(body.PackageURL) {
		writeJSON(w, envelope{Code: 400, Msg: "invalid package_url"})
		return
	}
	if body.PackageSize <= 0 {
		writeJSON(w, envelope{Code: 400, Msg: "package_size must be positive"})
		return
	}
	if !md5RE.MatchString(body.PackageMD5) {
		writeJSON(w, envelope{Code: 400, Msg: "invalid package_md5"})
		return
	}

	admission := s.engine.AdmitDownload()
	if admission.Code != lifecycle.Admitted {
		status := s.states.GetStatus()
		writeJSON(w, envelope{
			Code: int(admission.Code),
			Msg:  admission.Message,
			Data: map[string]interface{}{"stage": status.Stage, "progress": status.Progress},
		})
		return
	}

	s.engine.StartDownload(download.Request{
		Version:      body.Version,
		URL:          body.PackageURL,
		Name:         body.PackageName,
		DeclaredSize: body.PackageSize,
		DeclaredMD5:  body.PackageMD5,
	})
	writeJSON(w, envelope{Code: 200, Msg: "success"})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var body updateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, envelope{Code: 400, Msg: "invalid request body"})
		return
	}
	if !versionRE.MatchString(body.Version) {
		writeJSON(w, envelope{Code: 400, Msg: "invalid version"})
		return
	}

	admission := s.engine.AdmitUpdate(body.Version)
	if admission.Code != lifecycle.Admitted {
		status := s.states.GetStatus()
		writeJSON(w, envelope{
			Code: int(admission.Code),
			Msg:  admission.Message,
			Data: map[string]interface{}{"stage": status.Stage, "progress": status.Progress},
		})
		return
	}

	resume := s.states.GetPersistentState()
	s.engine.StartUpdate(s.packagePathFor(resume.PackageName), body.Version)
	writeJSON(w, envelope{Code: 200, Msg: "success"})
}

// handleHealth is a supplemented liveness probe, not part of the core
// spec's external interfaces but present in the original implementation.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, envelope{Code: 200, Msg: "ok"})
}

// handleVersion is a supplemented read-only endpoint surfacing the
// current/previous/factory versions without going through /progress.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{}
	if v, ok := s.store.GetCurrentVersion(); ok {
		data["current"] = v
	}
	if v, ok := s.store.GetPreviousVersion(); ok {
		data["previous"] = v
	}
	if v, ok := s.store.GetFactoryVersion(); ok {
		data["factory"] = v
	}
	writeJSON(w, envelope{Code: 200, Msg: "success", Data: data})
}
