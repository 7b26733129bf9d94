package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/agentflow/eventgateway/gatewayerr"
)

// statusForError translates a gatewayerr.Kind to an HTTP status code per
// spec §4.7's error-class table.
func statusForError(err error) int {
	kind, ok := gatewayerr.Of(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case gatewayerr.UnknownThread:
		return http.StatusNotFound
	case gatewayerr.ClientDisconnected:
		return 499
	case gatewayerr.TimeoutExceeded:
		return http.StatusRequestTimeout
	case gatewayerr.LogBackendError, gatewayerr.NotifierBackendError:
		return http.StatusServiceUnavailable
	case gatewayerr.Malformed:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func malformedf(format string, args ...any) error {
	return gatewayerr.New(gatewayerr.Malformed, fmt.Sprintf(format, args...))
}

func writeError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
