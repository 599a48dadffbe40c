// Package reporter fires progress updates at the orchestrator. Every
// failure is logged and swallowed: the update engine must never block on,
// or fail because of, orchestrator reachability.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuihuir/tope-updater/pkg/logger"
	"github.com/cuihuir/tope-updater/pkg/state"
)

var log = logger.For("reporter")

const reportTimeout = 5 * time.Second

type payload struct {
	Stage    state.Stage `json:"stage"`
	Progress int         `json:"progress"`
	Message  string      `json:"message"`
	Error    string      `json:"error,omitempty"`
}

// Reporter posts progress to a fixed orchestrator endpoint. A zero-value
// Reporter (empty endpoint) reports are no-ops, logged at debug level.
type Reporter struct {
	endpoint string
	client   *http.Client
}

// New builds a Reporter posting to <orchestratorURL>/api/v1.0/ota/report.
func New(orchestratorURL string) *Reporter {
	endpoint := ""
	if orchestratorURL != "" {
		endpoint = orchestratorURL + "/api/v1.0/ota/report"
	}
	return &Reporter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: reportTimeout},
	}
}

// Report is fire-and-forget: it never returns an error to the caller.
func (r *Reporter) Report(stage state.Stage, progress int, message, errMsg string) {
	if r.endpoint == "" {
		log.WithField("stage", stage).Debug("no orchestrator configured, skipping report")
		return
	}

	body, err := json.Marshal(payload{Stage: stage, Progress: progress, Message: message, Error: errMsg})
	if err != nil {
		log.WithError(err).Warn("failed to marshal report payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		log.WithError(err).Warn("failed to build report request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		log.WithError(err).Warn("report to orchestrator failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.WithField("status", resp.StatusCode).Warn("orchestrator rejected report")
	}
}
