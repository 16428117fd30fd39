package chi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/sse"
	"go.uber.org/zap"

	"github.com/kailas-cloud/callguard/internal/domain"
	"github.com/kailas-cloud/callguard/internal/domain/stream"
	logpkg "github.com/kailas-cloud/callguard/internal/logger"
	"github.com/kailas-cloud/callguard/internal/usecase/breaker"
	"github.com/kailas-cloud/callguard/internal/usecase/streaming"
)

var errSinkClosed = errors.New("sse sink closed")

// sseSink writes stream events as server-sent events. Headers go out with the first event,
// so failures before it can still be answered with a JSON error.
type sseSink struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	seq     int
	started bool
	closed  bool
}

func newSSESink(w http.ResponseWriter) *sseSink {
	return &sseSink{w: w, rc: http.NewResponseController(w)}
}

type eventPayload struct {
	Text    string `json:"text,omitempty"`
	Code    string `json:"code,omitempty"`
	TraceID string `json:"trace_id,omitempty"`

	Name               string `json:"name,omitempty"`
	TimeToFirstTokenMs int64  `json:"time_to_first_token_ms,omitempty"`
	TotalMs            int64  `json:"total_ms,omitempty"`
	SafetyCheckMs      int64  `json:"safety_check_ms,omitempty"`
}

func toPayload(ev stream.Event) eventPayload {
	p := eventPayload{Text: ev.Text, Code: ev.Code, TraceID: ev.TraceID}
	if ev.Meta != nil {
		p.Name = ev.Meta.Name
		p.TimeToFirstTokenMs = ev.Meta.TimeToFirstToken.Milliseconds()
		p.TotalMs = ev.Meta.Total.Milliseconds()
		p.SafetyCheckMs = ev.Meta.SafetyCheck.Milliseconds()
	}
	return p
}

// Send implements streaming.Sink.
func (s *sseSink) Send(_ context.Context, ev stream.Event) error {
	if s.closed {
		return errSinkClosed
	}
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", sse.ContentType)
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		// Streams outlive the server write timeout.
		_ = s.rc.SetWriteDeadline(time.Time{})
		s.started = true
	}

	s.seq++
	err := sse.Encode(s.w, sse.Event{
		Event: string(ev.Kind),
		Id:    strconv.Itoa(s.seq),
		Data:  toPayload(ev),
	})
	if err != nil {
		return fmt.Errorf("write %s event: %w", ev.Kind, err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("flush %s event: %w", ev.Kind, err)
	}
	return nil
}

// Close implements streaming.Sink.
func (s *sseSink) Close() error {
	s.closed = true
	return nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages []chatMessage `json:"messages"`
}

func (req chatRequest) validate() error {
	if len(req.Messages) == 0 {
		return fmt.Errorf("%w: messages are required", domain.ErrInvalidInput)
	}
	hasUser := false
	for i, m := range req.Messages {
		switch m.Role {
		case "system", "assistant":
		case "user":
			hasUser = true
		default:
			return fmt.Errorf("%w: messages[%d]: unknown role %q", domain.ErrInvalidInput, i, m.Role)
		}
		if strings.TrimSpace(m.Content) == "" {
			return fmt.Errorf("%w: messages[%d]: content is required", domain.ErrInvalidInput, i)
		}
	}
	if !hasUser {
		return fmt.Errorf("%w: at least one user message is required", domain.ErrInvalidInput)
	}
	return nil
}

// userInput is the text subject to pre-moderation.
func (req chatRequest) userInput() string {
	var b strings.Builder
	for _, m := range req.Messages {
		if m.Role != "user" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

func (req chatRequest) toDomain() []domain.ChatMessage {
	out := make([]domain.ChatMessage, len(req.Messages))
	for i, m := range req.Messages {
		out[i] = domain.ChatMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// ChatStream handles POST /v1/chat/stream: pre-moderation, admission, a breaker-guarded
// completion stream, safety-gated SSE output, then billing.
func (s *Server) ChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	id := IdentityFromContext(ctx)
	if id != domain.Anonymous {
		ctx = streaming.WithUserID(ctx, string(id))
	}
	traceID := streaming.TraceID(ctx)
	ctx = streaming.WithTraceID(ctx, traceID)
	ctx = logpkg.With(ctx, zap.String("trace_id", traceID))
	w.Header().Set("X-Trace-ID", traceID)

	if _, err := s.Streams.PreModerate(ctx, req.userInput()); err != nil {
		s.handleDomainError(w, err)
		return
	}
	if _, ok := s.admit(w, r.WithContext(ctx), domain.ServiceLLM); !ok {
		return
	}

	ctx, cu := domain.NewContextWithUsage(ctx)
	msgs := req.toDomain()
	src := breaker.Guard(s.Breakers.For(s.Provider, domain.ServiceLLM),
		func(ctx context.Context) (domain.TokenSource, error) {
			return s.Chat.OpenStream(ctx, msgs)
		})
	if res := src.Open(ctx); !res.Success {
		_ = src.Close()
		s.handleCallFailure(w, res)
		return
	}

	result := s.Streams.StreamWithSafety(ctx, src, nil, newSSESink(w))
	s.recordUsage(ctx, id, domain.ServiceLLM, cu.Units, false)

	logpkg.FromContext(ctx).Info("chat stream finished",
		zap.String("identity", string(id)),
		zap.Bool("filtered", result.WasFiltered),
		zap.Bool("aborted", result.Aborted),
		zap.Duration("ttft", result.TimeToFirstToken),
		zap.Duration("total", result.Total),
		zap.Int64("units", cu.Units),
		zap.Error(result.Err),
	)
}
