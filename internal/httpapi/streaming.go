package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/state"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/store"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/streaming"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origins are enforced by the CORS layer and auth
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	subscriberBuffer = 256
	wsPingInterval   = 20 * time.Second
	wsReadTimeout    = 60 * time.Second
	sseHeartbeat     = 15 * time.Second
)

// streamRequest holds the parsed query of a progress stream
type streamRequest struct {
	id         string
	lastID     uint64
	typeFilter map[string]struct{}
}

func parseStreamRequest(r *http.Request) (streamRequest, error) {
	q := r.URL.Query()
	sr := streamRequest{id: q.Get("request_id"), typeFilter: map[string]struct{}{}}
	if sr.id == "" {
		return sr, errors.New("request_id required")
	}
	if s := q.Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			if t = strings.TrimSpace(t); t != "" {
				sr.typeFilter[t] = struct{}{}
			}
		}
	}
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			sr.lastID = n
		}
	}
	if v := q.Get("last_event_id"); v != "" && sr.lastID == 0 {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			sr.lastID = n
		}
	}
	return sr, nil
}

func (sr streamRequest) wants(ev streaming.Event) bool {
	if ev.Seq != 0 && ev.Seq <= sr.lastID {
		return false
	}
	if len(sr.typeFilter) == 0 || ev.IsTerminal() {
		return true
	}
	_, ok := sr.typeFilter[ev.Type]
	return ok
}

// openStream checks the request exists, subscribes, and returns the backlog.
// When the request is already terminal and its history was evicted, the
// backlog ends with a terminal event built from the stored state.
func (h *Handler) openStream(ctx context.Context, sr streamRequest) (chan streaming.Event, []streaming.Event, error) {
	s, err := h.store.Get(ctx, sr.id)
	if err != nil {
		return nil, nil, err
	}
	ch := h.streams.Subscribe(sr.id, subscriberBuffer)
	backlog := h.streams.ReplaySince(sr.id, sr.lastID)

	if s.Status.IsTerminal() && !endsTerminal(backlog) {
		backlog = append(backlog, terminalEvent(s))
	}
	return ch, backlog, nil
}

func endsTerminal(events []streaming.Event) bool {
	return len(events) > 0 && events[len(events)-1].IsTerminal()
}

func terminalEvent(s *state.AnalysisState) streaming.Event {
	ev := streaming.Event{
		RequestID: s.RequestID,
		Type:      streaming.EventAnalysisCompleted,
		Timestamp: s.UpdatedAt,
	}
	if s.Status == state.StatusFailed {
		ev.Type = streaming.EventAnalysisFailed
		if s.Error != nil {
			ev.Stage = string(s.Error.Stage)
			ev.Message = s.Error.Error()
		}
	}
	return ev
}

func (h *Handler) streamError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "analysis not found")
		return
	}
	h.logger.Error("Stream lookup failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to open stream")
}

// handleWS streams events for one request over a websocket.
// GET /api/v1/stream/ws?request_id=<id>&last_event_id=<seq>
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	sr, err := parseStreamRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ch, backlog, err := h.openStream(r.Context(), sr)
	if err != nil {
		h.streamError(w, err)
		return
	}
	defer h.streams.Unsubscribe(sr.id, ch)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	closeNormal := func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "analysis finished"),
			time.Now().Add(time.Second))
	}

	for _, ev := range backlog {
		if !sr.wants(ev) {
			continue
		}
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
		if ev.Seq > sr.lastID {
			sr.lastID = ev.Seq
		}
		if ev.IsTerminal() {
			closeNormal()
			return
		}
	}

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	// reader pump; client messages are discarded
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-readDone:
			return
		case ev := <-ch:
			if !sr.wants(ev) {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			sr.lastID = ev.Seq
			if ev.IsTerminal() {
				closeNormal()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

// handleSSE streams events for one request via Server-Sent Events.
// GET /api/v1/stream/sse?request_id=<id>
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	sr, err := parseStreamRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	ch, backlog, err := h.openStream(r.Context(), sr)
	if err != nil {
		h.streamError(w, err)
		return
	}
	defer h.streams.Unsubscribe(sr.id, ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, ": connected to analysis %s\n\n", sr.id)
	flusher.Flush()

	send := func(ev streaming.Event) bool {
		if !sr.wants(ev) {
			return false
		}
		if ev.Seq > 0 {
			fmt.Fprintf(w, "id: %d\n", ev.Seq)
			sr.lastID = ev.Seq
		}
		fmt.Fprintf(w, "event: %s\n", ev.Type)
		fmt.Fprintf(w, "data: %s\n\n", ev.Marshal())
		flusher.Flush()
		return ev.IsTerminal()
	}

	for _, ev := range backlog {
		if send(ev) {
			return
		}
	}

	hb := time.NewTicker(sseHeartbeat)
	defer hb.Stop()
	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug("SSE client disconnected", zap.String("request_id", sr.id))
			return
		case ev := <-ch:
			if send(ev) {
				return
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
