package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/omnichat/gateway/internal/compose"
	"github.com/omnichat/gateway/internal/envelope"
	"github.com/omnichat/gateway/internal/gwerrors"
	"github.com/omnichat/gateway/internal/jsoncodec"
	"github.com/omnichat/gateway/internal/logging"
	"github.com/omnichat/gateway/internal/metrics"
	"github.com/omnichat/gateway/internal/sanitize"
)

// maxBodyBytes caps request bodies well above any legitimate envelope.
const maxBodyBytes = 1 << 20

// publishTimeout bounds the whole retry loop so a dead bus degrades to a
// 502 instead of hanging the caller.
const publishTimeout = 10 * time.Second

type envelopeRequest struct {
	Message json.RawMessage `json:"message"`
}

type envelopeResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error   string   `json:"error"`
	Fields  []string `json:"fields,omitempty"`
	Details []string `json:"details,omitempty"`
	TraceID string   `json:"traceId,omitempty"`
}

// handleInbox accepts one inbound envelope and appends it to the inbound
// stream.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	s.handleEnvelope(w, r, envelope.DirectionIn, s.cfg.InboundTopic,
		metrics.CounterInbound, metrics.HistogramInboundLatencyMs)
}

// handleOutbox accepts one outbound envelope, bound for adapter dispatch.
func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	s.handleEnvelope(w, r, envelope.DirectionOut, s.cfg.OutboundTopic,
		metrics.CounterOutbound, metrics.HistogramOutboundLatencyMs)
}

func (s *Server) handleEnvelope(w http.ResponseWriter, r *http.Request, want envelope.Direction, topic, counter, histogram string) {
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.rejectEnvelope(w, r, gwerrors.NewValidationError("unreadable body"))
		return
	}

	var req envelopeRequest
	if err := jsoncodec.Unmarshal(body, &req); err != nil || len(req.Message) == 0 {
		s.rejectEnvelope(w, r, gwerrors.NewValidationError("body must be an object with a message field", "message"))
		return
	}

	env, err := envelope.Validate(req.Message, want)
	if err != nil {
		s.rejectEnvelope(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), publishTimeout)
	defer cancel()

	if _, err := s.publisher.PublishWithRetry(ctx, topic, env); err != nil {
		s.registry.IncCounter(metrics.CounterRejected, metrics.Labels{
			"reason": string(gwerrors.Classify(err)),
		})
		writeError(w, r, err)
		return
	}

	labels := metrics.Labels{"channel": string(env.Channel)}
	s.registry.IncCounter(counter, labels)
	s.registry.Observe(histogram, float64(time.Since(start).Milliseconds()), labels)

	s.logger.Info("envelope accepted", logging.LogFields{
		"envelopeId":     sanitize.MaskTail(env.ID, 6),
		"channel":        string(env.Channel),
		"direction":      string(env.Direction),
		"conversationId": env.ConversationID,
		"traceId":        TraceIDFromRequest(r),
	})
	writeJSON(w, http.StatusOK, envelopeResponse{ID: env.ID})
}

// rejectEnvelope maps an invalid envelope body to 422, which the /omni
// surface uses instead of the generic 400.
func (s *Server) rejectEnvelope(w http.ResponseWriter, r *http.Request, err error) {
	s.registry.IncCounter(metrics.CounterRejected, metrics.Labels{"reason": "validation"})

	var validation *gwerrors.ValidationError
	if errors.As(err, &validation) {
		writeErrorStatus(w, r, http.StatusUnprocessableEntity, err)
		return
	}
	writeError(w, r, err)
}

// handleCompose renders one persona/region/channel template. Compliance
// failures return 422 but still carry the full composition so callers
// can see what failed.
func (s *Server) handleCompose(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeComposeRequest(w, r)
	if !ok {
		return
	}

	start := time.Now()
	result, err := s.composer.Compose(req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.registry.Observe(metrics.HistogramComposeLatencyMs, float64(time.Since(start).Milliseconds()),
		metrics.Labels{"channel": string(req.Channel)})

	if result.Compliance.Status == compose.StatusFail {
		writeJSON(w, http.StatusUnprocessableEntity, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleValidate runs the compose pipeline as a dry run and reports only
// the compliance verdict.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeComposeRequest(w, r)
	if !ok {
		return
	}

	validation, err := s.composer.Validate(req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if validation.Compliance.Status == compose.StatusFail {
		writeJSON(w, http.StatusUnprocessableEntity, validation)
		return
	}
	writeJSON(w, http.StatusOK, validation)
}

func (s *Server) decodeComposeRequest(w http.ResponseWriter, r *http.Request) (compose.Request, bool) {
	var req compose.Request

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, gwerrors.NewValidationError("unreadable body"))
		return req, false
	}
	if err := jsoncodec.Unmarshal(body, &req); err != nil {
		writeError(w, r, gwerrors.NewValidationError("malformed compose request"))
		return req, false
	}
	return req, true
}

// handlePerformance reports per-channel counters and latency percentiles.
func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	channels := make([]string, 0, len(envelope.Channels))
	for _, ch := range envelope.Channels {
		channels = append(channels, string(ch))
	}
	writeJSON(w, http.StatusOK, s.registry.Performance(channels))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = jsoncodec.Encode(w, payload)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeErrorStatus(w, r, gwerrors.HTTPStatus(err), err)
}

func writeErrorStatus(w http.ResponseWriter, r *http.Request, status int, err error) {
	resp := errorResponse{Error: err.Error(), TraceID: TraceIDFromRequest(r)}

	var (
		validation *gwerrors.ValidationError
		compliance *gwerrors.ComplianceError
		limited    *gwerrors.RateLimitedError
	)
	switch {
	case errors.As(err, &validation):
		resp.Fields = validation.Fields
	case errors.As(err, &compliance):
		resp.Details = compliance.Errors
	case errors.As(err, &limited):
		seconds := int(limited.RetryAfter / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}

	writeJSON(w, status, resp)
}

func writeStatus(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, TraceID: TraceIDFromRequest(r)})
}
