package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kailas-cloud/callguard/internal/clock"
	"github.com/kailas-cloud/callguard/internal/domain"
	"github.com/kailas-cloud/callguard/internal/domain/safety"
	"github.com/kailas-cloud/callguard/internal/domain/stream"
	"github.com/kailas-cloud/callguard/internal/metrics"
)

var errAborted = errors.New("stream aborted after repeated unsafe output")

// token is one read from the source. err is io.EOF at the end.
type token struct {
	text string
	err  error
}

type session struct {
	m          *Manager
	classifier safety.Classifier
	sink       Sink
	ac         safety.AssessContext
	start      time.Time

	buf          strings.Builder
	emitted      strings.Builder
	unsafeStreak int
	filtered     bool
	firstTokenAt time.Time
	safetyTime   time.Duration
	terminated   bool
}

// StreamWithSafety pumps src through cls into sink. A nil cls uses the manager's classifier.
// Exactly one terminal event is sent and sink is closed before it returns. src is closed too.
func (m *Manager) StreamWithSafety(
	ctx context.Context, src domain.TokenSource, cls safety.Classifier, sink Sink,
) Result {
	if cls == nil {
		cls = m.classifier
	}
	s := &session{
		m:          m,
		classifier: cls,
		sink:       sink,
		start:      m.clk.Now(),
		ac:         safety.AssessContext{TraceID: TraceID(ctx), UserID: userID(ctx), Stage: safety.StageChunk},
	}
	log := m.logger.With(zap.String("trace_id", s.ac.TraceID))

	tokens := make(chan token, m.cfg.QueueSize)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(tokens)
		for {
			text, err := src.Next(gctx)
			select {
			case tokens <- token{text: text, err: err}:
			case <-gctx.Done():
				return nil
			}
			if err != nil {
				return nil
			}
		}
	})
	g.Go(func() error { return s.consume(gctx, tokens) })
	err := g.Wait()

	if cerr := src.Close(); cerr != nil {
		log.Debug("token source close failed", zap.Error(cerr))
	}

	res := s.finish(ctx, err)
	if cerr := sink.Close(); cerr != nil {
		log.Debug("sink close failed", zap.Error(cerr))
	}

	outcome := "done"
	switch {
	case res.Aborted:
		outcome = "aborted"
		log.Warn("stream aborted on unsafe output", zap.Int("unsafe_streak", s.unsafeStreak))
	case res.Err != nil:
		outcome = "error"
		log.Warn("stream failed", zap.Error(res.Err))
	case res.WasFiltered:
		outcome = "filtered"
	}
	metrics.StreamSessionsTotal.WithLabelValues(outcome).Inc()
	return res
}

// consume is the flush loop. It returns nil only after a clean end of stream.
func (s *session) consume(ctx context.Context, tokens <-chan token) error {
	for {
		var tok token
		var ok bool
		select {
		case tok, ok = <-tokens:
		case <-ctx.Done():
			return ctx.Err()
		}
		if !ok {
			return ctx.Err()
		}
		if tok.err != nil {
			if errors.Is(tok.err, io.EOF) {
				return s.drain(ctx)
			}
			return tok.err
		}
		if tok.text == "" {
			continue
		}
		if err := s.onToken(ctx, tok.text); err != nil {
			return err
		}
	}
}

func (s *session) onToken(ctx context.Context, text string) error {
	if s.firstTokenAt.IsZero() {
		s.firstTokenAt = s.m.clk.Now()
		ttft := s.firstTokenAt.Sub(s.start)
		metrics.StreamTimeToFirstToken.Observe(ttft.Seconds())
		if err := s.send(ctx, stream.Event{
			Kind:    stream.Meta,
			Meta:    &stream.Timing{Name: "ttft", TimeToFirstToken: ttft},
			TraceID: s.ac.TraceID,
		}); err != nil {
			return err
		}
	}
	s.buf.WriteString(text)
	if !s.shouldFlush() {
		return nil
	}
	return s.flush(ctx)
}

func (s *session) shouldFlush() bool {
	b := s.buf.String()
	return utf8.RuneCountInString(b) >= s.m.cfg.FlushChars || strings.ContainsAny(b, ".!?\n")
}

// flush classifies the buffer and sends it if safe. Unsafe text is withheld and dropped.
func (s *session) flush(ctx context.Context) error {
	text := s.buf.String()
	s.buf.Reset()
	if strings.TrimSpace(text) == "" {
		if text != "" && s.emitted.Len() > 0 {
			return s.emit(ctx, text)
		}
		return nil
	}

	if s.assess(ctx, text, safety.StageChunk).IsSafe {
		s.unsafeStreak = 0
		return s.emit(ctx, text)
	}

	s.filtered = true
	s.unsafeStreak++
	metrics.StreamHeldFlushesTotal.Inc()
	if s.unsafeStreak >= s.m.cfg.MaxUnsafeChunks {
		return errAborted
	}
	return nil
}

func (s *session) emit(ctx context.Context, text string) error {
	s.emitted.WriteString(text)
	return s.send(ctx, stream.Event{Kind: stream.Chunk, Text: text})
}

// drain runs the final flush and the full-response pass.
func (s *session) drain(ctx context.Context) error {
	if s.buf.Len() > 0 {
		if err := s.flush(ctx); err != nil {
			return err
		}
	}
	full := s.emitted.String()
	if strings.TrimSpace(full) == "" {
		return nil
	}
	if !s.assess(ctx, full, safety.StageResponse).IsSafe {
		s.filtered = true
		return errUnsafeResponse
	}
	return nil
}

var errUnsafeResponse = errors.New("assembled response failed the safety pass")

// assess calls the classifier. Failures count as unsafe.
func (s *session) assess(ctx context.Context, text string, stage safety.Stage) safety.Assessment {
	ac := s.ac
	ac.Stage = stage
	start := s.m.clk.Now()
	a, err := s.classifier.Assess(ctx, text, ac)
	d := clock.Since(s.m.clk, start)
	s.safetyTime += d
	metrics.StreamSafetyCheckDuration.Observe(d.Seconds())
	if err != nil {
		if ctx.Err() == nil {
			s.m.logger.Warn("classifier failed, withholding text",
				zap.String("trace_id", s.ac.TraceID), zap.String("stage", string(stage)), zap.Error(err))
		}
		return unavailable()
	}
	return a
}

func (s *session) send(ctx context.Context, ev stream.Event) error {
	if s.terminated {
		return nil
	}
	if err := s.sink.Send(ctx, ev); err != nil {
		return fmt.Errorf("send %s: %w", ev.Kind, err)
	}
	return nil
}

// finish emits the timing meta and the one terminal event.
func (s *session) finish(ctx context.Context, err error) Result {
	now := s.m.clk.Now()
	res := Result{
		FullResponse:    s.emitted.String(),
		WasFiltered:     s.filtered,
		TraceID:         s.ac.TraceID,
		Total:           now.Sub(s.start),
		SafetyCheckTime: s.safetyTime,
	}
	if !s.firstTokenAt.IsZero() {
		res.TimeToFirstToken = s.firstTokenAt.Sub(s.start)
	}

	terminal := stream.Event{Kind: stream.Done, TraceID: s.ac.TraceID}
	switch {
	case err == nil:
	case errors.Is(err, errAborted), errors.Is(err, errUnsafeResponse):
		res.Aborted = errors.Is(err, errAborted)
		res.FullResponse = s.m.cfg.FallbackMessage
		res.WasFiltered = true
		terminal = stream.Event{Kind: stream.Error, Code: CodeSafetyViolation, Text: s.m.cfg.FallbackMessage, TraceID: s.ac.TraceID}
	case ctx.Err() != nil:
		res.Err = fmt.Errorf("%w: %w", domain.ErrCallerCanceled, ctx.Err())
		terminal = stream.Event{Kind: stream.Error, Code: CodeCanceled, Text: "stream canceled", TraceID: s.ac.TraceID}
	default:
		res.Err = err
		terminal = stream.Event{Kind: stream.Error, Code: CodeProviderError, Text: "response generation failed", TraceID: s.ac.TraceID}
	}

	// The client may be gone; terminal delivery is best effort past this point.
	sendCtx := context.WithoutCancel(ctx)
	if serr := s.send(sendCtx, stream.Event{
		Kind: stream.Meta,
		Meta: &stream.Timing{
			Name:             "timing",
			TimeToFirstToken: res.TimeToFirstToken,
			Total:            res.Total,
			SafetyCheck:      res.SafetyCheckTime,
		},
		TraceID: s.ac.TraceID,
	}); serr != nil && res.Err == nil && err == nil {
		res.Err = serr
	}
	if serr := s.send(sendCtx, terminal); serr != nil && res.Err == nil && err == nil {
		res.Err = serr
	}
	s.terminated = true
	return res
}
