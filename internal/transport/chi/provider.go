package chi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kailas-cloud/callguard/internal/domain"
	admissionuc "github.com/kailas-cloud/callguard/internal/usecase/admission"
	"github.com/kailas-cloud/callguard/internal/usecase/breaker"
)

const (
	maxJSONBytes   = 1 << 20
	maxAudioBytes  = 25 << 20
	maxSpeechChars = 4096
)

// admit runs admission for the caller. On rejection it writes the response and returns false.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, svc domain.ServiceType) (domain.Identity, bool) {
	id := IdentityFromContext(r.Context())
	ctx := admissionuc.WithRequestContext(r.Context(), map[string]any{
		"path":       r.URL.Path,
		"request_id": chiMiddleware.GetReqID(r.Context()),
	})
	d := s.Admission.Admit(ctx, id, svc)
	if !d.Allowed {
		s.handleDomainError(w, d.Err())
		return id, false
	}
	return id, true
}

func (s *Server) recordUsage(ctx context.Context, id domain.Identity, svc domain.ServiceType, units int64, fallback bool) {
	err := s.Admission.RecordUsage(ctx, admissionuc.Usage{
		Identity:   id,
		Service:    svc,
		Units:      units,
		IsFallback: fallback,
	})
	if err != nil {
		s.logger.Warn("usage not recorded",
			zap.String("identity", string(id)),
			zap.String("service", string(svc)),
			zap.Int64("units", units),
			zap.Error(err),
		)
	}
}

func setUsageHeaders(w http.ResponseWriter, u *domain.CallUsage) {
	if u != nil && u.Used {
		w.Header().Set("X-Usage-Units", strconv.FormatInt(u.Units, 10))
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
		return false
	}
	return true
}

type embeddingRequest struct {
	Input string `json:"input"`
}

type embeddingResponse struct {
	Embedding []float32      `json:"embedding"`
	Usage     embeddingUsage `json:"usage"`
}

type embeddingUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Embed handles POST /v1/embeddings.
func (s *Server) Embed(w http.ResponseWriter, r *http.Request) {
	var req embeddingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "input is required")
		return
	}

	id, ok := s.admit(w, r, domain.ServiceEmbedding)
	if !ok {
		return
	}

	ctx, cu := domain.NewContextWithUsage(r.Context())
	emb, res := breaker.Call(ctx, s.Breakers.For(s.Provider, domain.ServiceEmbedding),
		func(ctx context.Context) (domain.EmbeddingResult, error) {
			return s.Embedder.Embed(ctx, req.Input)
		}, nil)
	if !res.Success {
		s.handleCallFailure(w, res)
		return
	}
	s.recordUsage(ctx, id, domain.ServiceEmbedding, cu.Units, res.IsFallback)

	setUsageHeaders(w, cu)
	writeJSON(w, http.StatusOK, embeddingResponse{
		Embedding: emb.Embedding,
		Usage:     embeddingUsage{PromptTokens: emb.PromptTokens, TotalTokens: emb.TotalTokens},
	})
}

type transcriptionResponse struct {
	Text            string  `json:"text"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Transcribe handles POST /v1/audio/transcriptions (multipart, field "file").
func (s *Server) Transcribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAudioBytes)
	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "multipart field file is required")
		return
	}
	audio, err := io.ReadAll(file)
	_ = file.Close()
	if err != nil || len(audio) == 0 {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "audio file is empty or unreadable")
		return
	}

	id, ok := s.admit(w, r, domain.ServiceSTT)
	if !ok {
		return
	}

	ctx, cu := domain.NewContextWithUsage(r.Context())
	tr, res := breaker.Call(ctx, s.Breakers.For(s.Provider, domain.ServiceSTT),
		func(ctx context.Context) (domain.Transcription, error) {
			return s.Transcriber.Transcribe(ctx, bytes.NewReader(audio), hdr.Filename)
		}, nil)
	if !res.Success {
		s.handleCallFailure(w, res)
		return
	}
	s.recordUsage(ctx, id, domain.ServiceSTT, cu.Units, res.IsFallback)

	setUsageHeaders(w, cu)
	writeJSON(w, http.StatusOK, transcriptionResponse{Text: tr.Text, DurationSeconds: tr.DurationSeconds})
}

type speechRequest struct {
	Input string `json:"input"`
	Voice string `json:"voice"`
}

// Speech handles POST /v1/audio/speech. The response body is MP3 audio.
func (s *Server) Speech(w http.ResponseWriter, r *http.Request) {
	var req speechRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "input is required")
		return
	}
	if utf8.RuneCountInString(req.Input) > maxSpeechChars {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "input exceeds 4096 characters")
		return
	}

	id, ok := s.admit(w, r, domain.ServiceTTS)
	if !ok {
		return
	}

	ctx, cu := domain.NewContextWithUsage(r.Context())
	// The audio body is bound to the call context, so it is read inside the time box.
	audio, res := breaker.Call(ctx, s.Breakers.For(s.Provider, domain.ServiceTTS),
		func(ctx context.Context) ([]byte, error) {
			rc, err := s.Synthesizer.Synthesize(ctx, req.Input, req.Voice)
			if err != nil {
				return nil, err //nolint:wrapcheck // classified by the breaker
			}
			defer rc.Close()
			return io.ReadAll(rc) //nolint:wrapcheck // classified by the breaker
		}, nil)
	if !res.Success {
		s.handleCallFailure(w, res)
		return
	}
	s.recordUsage(ctx, id, domain.ServiceTTS, cu.Units, res.IsFallback)

	setUsageHeaders(w, cu)
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}
