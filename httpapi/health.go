package httpapi

import (
	"encoding/json"
	"net/http"

	"goa.design/clue/health"
)

// healthReport is the GET /healthz response body: one status per pinger
// plus an overall pass/fail, grounded on the teacher's health.Pinger
// embedding convention (thread/mongo/clients/mongo/client.go).
type healthReport struct {
	Status string                    `json:"status"`
	Checks map[string]checkedPinger `json:"checks"`
}

type checkedPinger struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// newHealthHandler pings every registered health.Pinger and reports pass
// only if all of them succeed.
func newHealthHandler(pingers []health.Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := healthReport{Status: "pass", Checks: make(map[string]checkedPinger, len(pingers))}
		for _, p := range pingers {
			if err := p.Ping(r.Context()); err != nil {
				report.Status = "fail"
				report.Checks[p.Name()] = checkedPinger{Status: "fail", Error: err.Error()}
				continue
			}
			report.Checks[p.Name()] = checkedPinger{Status: "pass"}
		}

		w.Header().Set("Content-Type", "application/json")
		if report.Status != "pass" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	}
}
