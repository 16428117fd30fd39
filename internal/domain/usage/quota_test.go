package usage

import (
	"errors"
	"testing"
	"time"

	"github.com/kailas-cloud/callguard/internal/domain"
)

func TestParseTier(t *testing.T) {
	for _, s := range []string{"free", "plus", "pro"} {
		if _, err := ParseTier(s); err != nil {
			t.Errorf("ParseTier(%q): %v", s, err)
		}
	}
	if _, err := ParseTier("gold"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestWindow(t *testing.T) {
	ts := time.Date(2026, 2, 28, 22, 0, 0, 0, time.UTC)

	if got := WindowDay.Start(ts); !got.Equal(time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("day start = %v", got)
	}
	if got := WindowDay.End(ts); !got.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("day end = %v", got)
	}
	if got := WindowMonth.Start(ts); !got.Equal(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("month start = %v", got)
	}
	if got := WindowMonth.End(ts); !got.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("month end = %v", got)
	}
}

func TestCheckFor(t *testing.T) {
	q := Quota{Limits: Limits{
		DailyVoiceMinutes:     30,
		MonthlyTTSCharacters:  100000,
		MonthlyLLMCalls:       Unlimited,
		MonthlyEmbeddingCalls: 5000,
	}}

	stt := q.CheckFor(domain.ServiceSTT)
	if stt.Window != WindowDay || stt.Measure != MeasureUnits || stt.UnitDivisor != 60 || stt.Limit != 30 {
		t.Errorf("unexpected stt check: %+v", stt)
	}
	if !q.CheckFor(domain.ServiceLLM).Unlimited() {
		t.Error("llm should be unlimited")
	}
	if q.CheckFor(domain.ServiceEmbedding).Measure != MeasureCalls {
		t.Error("embedding should count calls")
	}
	if q.CheckFor(domain.ServiceTTS).Limit != 100000 {
		t.Error("tts limit mismatch")
	}
}
