package telemetry

import (
	"encoding/json"
	"net/http"
	"time"
)

// Health is a point-in-time view of the export pipeline.
type Health struct {
	ExportAttempts      int64  `json:"export_attempts"`
	Delivered           int64  `json:"delivered"`
	Rejected            int64  `json:"rejected"`
	Failed              int64  `json:"failed"`
	Dropped             int64  `json:"dropped"`
	CrashesRecovered    int64  `json:"crashes_recovered"`
	CrashesUnrecovered  int64  `json:"crashes_unrecovered"`
	CredentialRefreshes int64  `json:"credential_refreshes"`
	CredentialErrors    int64  `json:"credential_errors"`
	LastError           string `json:"last_error,omitempty"`
	Uptime              string `json:"uptime"`
}

// Health returns the current totals.
func (r *Recorder) Health() Health {
	if r == nil {
		return Health{}
	}

	lastErr := ""
	if v := r.lastError.Load(); v != nil {
		if s, ok := v.(string); ok {
			lastErr = s
		}
	}

	return Health{
		ExportAttempts:      r.attempts.Load(),
		Delivered:           r.delivered.Load(),
		Rejected:            r.rejected.Load(),
		Failed:              r.failed.Load(),
		Dropped:             r.dropped.Load(),
		CrashesRecovered:    r.recovered.Load(),
		CrashesUnrecovered:  r.unrecovered.Load(),
		CredentialRefreshes: r.refreshes.Load(),
		CredentialErrors:    r.refreshErrs.Load(),
		LastError:           lastErr,
		Uptime:              time.Since(r.startTime).String(),
	}
}

// HealthHandler serves Health as JSON. It answers 503 when every finished
// export failed.
func (r *Recorder) HealthHandler(w http.ResponseWriter, req *http.Request) {
	health := r.Health()
	w.Header().Set("Content-Type", "application/json")

	finished := health.Delivered + health.Rejected + health.Failed
	if health.Failed > 0 && health.Failed == finished {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(health)
}
