package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentflow/eventgateway/eventlog"
	"github.com/agentflow/eventgateway/gatewayerr"
	"github.com/agentflow/eventgateway/streamsession"
	"github.com/agentflow/eventgateway/thread"
)

// handleStream implements GET /agent/{thread}/stream?last_id=<cursor>
// (spec §4.5/§6).
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread")
	s.serveStream(w, r, threadID, cursorFromRequest(r))
}

// handleLegacyStream implements GET
// /agent/event-stream?flowUuid=<F>&flowInputUuid=<I>&last_id=<cursor>
// (spec §6 legacy flow mode): the composite (flowUuid, flowInputUuid) pair
// addresses the same thread-mode key, joined with a fixed separator (spec
// §9 Open Question resolution).
func (s *Server) handleLegacyStream(w http.ResponseWriter, r *http.Request) {
	flowUUID := r.URL.Query().Get("flowUuid")
	flowInputUUID := r.URL.Query().Get("flowInputUuid")
	if flowUUID == "" || flowInputUUID == "" {
		writeError(w, malformedf("flowUuid and flowInputUuid are required"))
		return
	}
	threadID := fmt.Sprintf("%s%s%s", flowUUID, legacyKeySeparator, flowInputUUID)
	s.serveStream(w, r, threadID, cursorFromRequest(r))
}

// cursorFromRequest reads the resume cursor from the Last-Event-ID header
// first (the standard SSE reconnection mechanism), falling back to the
// last_id query parameter.
func cursorFromRequest(r *http.Request) eventlog.Position {
	if id := r.Header.Get("Last-Event-ID"); id != "" {
		return eventlog.Position(id)
	}
	return eventlog.Position(r.URL.Query().Get("last_id"))
}

// serveStream validates threadID against the Thread Registry (spec §2's
// "HTTP Surface → Thread Registry (validate) → Stream Session" data flow;
// spec §4.4: an unknown thread on any streaming path fails with
// UnknownThread before any SSE header is written), then sets the SSE
// header set (spec §4.7) and drives streamsession.Session.Run,
// translating each yielded Frame into wire bytes and flushing after every
// frame so the client observes it immediately.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, threadID string, cursor eventlog.Position) {
	th, err := s.store.LoadThread(r.Context(), threadID)
	if err != nil {
		if errors.Is(err, thread.ErrThreadNotFound) {
			writeError(w, gatewayerr.Wrap(gatewayerr.UnknownThread, "unknown thread", err))
			return
		}
		writeError(w, gatewayerr.Wrap(gatewayerr.Internal, "load thread", err))
		return
	}
	if th.Status == thread.StatusArchived {
		writeError(w, gatewayerr.New(gatewayerr.UnknownThread, "thread is archived"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, malformedf("streaming not supported by this connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	connected := func() bool {
		select {
		case <-r.Context().Done():
			return false
		default:
			return true
		}
	}

	emit := func(f streamsession.Frame) error {
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Event, f.Data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := s.session.Run(r.Context(), threadID, cursor, connected, emit); err != nil {
		s.logger.Info(r.Context(), "stream session ended", "thread", threadID, "error", err.Error())
	}
}
