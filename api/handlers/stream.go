package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/api"
	"github.com/BaSui01/agentflow/llm/dispatch"
	"github.com/BaSui01/agentflow/llm/streaming"
	"github.com/BaSui01/agentflow/types"
)

// =============================================================================
// 🌊 网关流式对话 Handler — POST /threads/{thread_id}/messages/stream
// =============================================================================

// StreamHandler exposes the Dispatch Pipeline over the SSE wire contract
// (spec.md §6): it decodes the incoming request, builds an sseSink around
// the ResponseWriter, and tracks the in-flight Request Handle so a
// companion cancel call can reach it.
type StreamHandler struct {
	pipeline *dispatch.Pipeline
	logger   *zap.Logger

	mu       sync.Mutex
	inFlight map[string]*types.RequestHandle
}

// NewStreamHandler creates a StreamHandler backed by a fully wired Dispatch
// Pipeline.
func NewStreamHandler(pipeline *dispatch.Pipeline, logger *zap.Logger) *StreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHandler{
		pipeline: pipeline,
		logger:   logger,
		inFlight: make(map[string]*types.RequestHandle),
	}
}

// HandleMessagesStream serves POST /threads/{thread_id}/messages/stream.
func (h *StreamHandler) HandleMessagesStream(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")

	orgID := r.Header.Get("x-org-id")
	if orgID == "" {
		writeDetail(w, http.StatusUnauthorized, "Missing x-org-id header")
		return
	}

	var body api.MessageStreamRequest
	if err := DecodeJSONBody(w, r, &body, h.logger); err != nil {
		return
	}
	if body.Role != "" && body.Role != string(types.RoleUser) {
		WriteError(w, types.NewError(types.ErrInvalidRequest, `role must be "user"`), h.logger)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, types.NewError(types.ErrInternalError, "streaming not supported"), h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store, no-transform")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	requestID := generateStreamRequestID()
	ctx, cancel := context.WithCancel(r.Context())
	handle := &types.RequestHandle{
		RequestID: requestID,
		ThreadID:  threadID,
		OrgID:     orgID,
		StartedAt: time.Now(),
		Cancel:    cancel,
	}
	h.register(handle)
	defer h.unregister(requestID)
	defer cancel()

	req := dispatch.Request{
		RequestID: requestID,
		OrgID:     orgID,
		ThreadID:  threadID,
		UserID:    r.Header.Get("x-user-id"),
		Content:   body.Content,
		Provider:  body.Provider,
		Model:     body.Model,
		Scope:     types.Scope(body.Scope),
		UseMemory: body.UseMemory,
	}

	sink := newSSESink(ctx, w, flusher)
	var drainWG sync.WaitGroup
	drainWG.Add(1)
	go sink.drain(&drainWG)

	if err := h.pipeline.Handle(ctx, req, sink); err != nil {
		h.logger.Warn("dispatch pipeline error",
			zap.String("request_id", requestID),
			zap.String("thread_id", threadID),
			zap.Error(err))
		sink.Done("cancelled")
	}

	sink.close()
	drainWG.Wait()
}

// HandleCancelRequest serves POST /threads/{thread_id}/cancel/{request_id}.
// It signals the Request Handle's cancel func, if the request is still
// in flight, and always returns 204 — cancellation is best-effort and the
// stream's own `done` event is the authoritative outcome (spec.md §5).
func (h *StreamHandler) HandleCancelRequest(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("request_id")

	h.mu.Lock()
	handle, ok := h.inFlight[requestID]
	h.mu.Unlock()

	if ok && handle.Cancel != nil {
		handle.Cancel()
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *StreamHandler) register(handle *types.RequestHandle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inFlight[handle.RequestID] = handle
}

func (h *StreamHandler) unregister(requestID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.inFlight, requestID)
}

func generateStreamRequestID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return "req-" + hex.EncodeToString(b)
}

// writeDetail writes the spec's bare `{"detail": "..."}` error body, used
// only for the x-org-id precondition (spec.md §6) — distinct from the
// envelope WriteError produces, since this failure happens before any SSE
// framing and the wire contract calls for this exact shape.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

// =============================================================================
// 📡 sseSink — dispatch.Sink implemented over http.ResponseWriter
// =============================================================================

// sseSink adapts an http.ResponseWriter+Flusher to dispatch.Sink, writing
// each event in the `event: <name>\ndata: <json>\n\n` framing spec.md §6
// requires. doneSent guards the "at most one done event" invariant. Frames
// pass through a streaming.BackpressureStream rather than straight to the
// ResponseWriter: a slow HTTP client fills the bounded buffer and blocks
// the dispatch pipeline's own goroutine via ctx, instead of an unbounded
// buildup of queued SSE frames on a stalled connection.
type sseSink struct {
	ctx     context.Context
	w       http.ResponseWriter
	flusher http.Flusher
	stream  *streaming.BackpressureStream

	mu       sync.Mutex
	doneSent bool
	seq      int
}

// newSSESink creates an sseSink with its drain goroutine not yet started;
// callers must run drain in its own goroutine and call close once the
// pipeline is done producing events.
func newSSESink(ctx context.Context, w http.ResponseWriter, flusher http.Flusher) *sseSink {
	return &sseSink{
		ctx:     ctx,
		w:       w,
		flusher: flusher,
		stream:  streaming.NewBackpressureStream(streaming.DefaultBackpressureConfig()),
	}
}

// drain relays buffered frames to the underlying ResponseWriter. It exits
// once close has been called and the buffer has been fully drained.
func (s *sseSink) drain(wg *sync.WaitGroup) {
	defer wg.Done()
	for tok := range s.stream.ReadChan() {
		if _, err := s.w.Write([]byte(tok.Content)); err != nil {
			continue
		}
		s.flusher.Flush()
	}
}

// close signals the drain goroutine to exit once it has flushed whatever
// is already buffered.
func (s *sseSink) close() {
	_ = s.stream.Close()
}

func (s *sseSink) Ping() error {
	return s.write("ping", struct{}{})
}

func (s *sseSink) Meta(meta dispatch.MetaEvent) error {
	return s.write("meta", meta)
}

func (s *sseSink) Delta(text string) error {
	return s.write("delta", map[string]string{"delta": text})
}

func (s *sseSink) Done(reason string) error {
	s.mu.Lock()
	if s.doneSent {
		s.mu.Unlock()
		return nil
	}
	s.doneSent = true
	s.mu.Unlock()

	payload := map[string]string{}
	if reason != "" {
		payload["reason"] = reason
	}
	return s.write("done", payload)
}

func (s *sseSink) Error(code types.ErrorCode, message string) error {
	return s.write("error", map[string]string{"code": string(code), "message": message})
}

func (s *sseSink) write(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame := "event: " + event + "\ndata: " + string(data) + "\n\n"

	s.mu.Lock()
	idx := s.seq
	s.seq++
	s.mu.Unlock()

	return s.stream.Write(s.ctx, streaming.Token{
		Content: frame,
		Index:   idx,
		Final:   event == "done",
	})
}
