package openai

import (
	"context"
	"io"
	"math"
	"time"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kailas-cloud/callguard/internal/domain"
)

// Transcribe implements domain.Transcriber. Billed units are whole seconds of audio.
func (c *Client) Transcribe(ctx context.Context, audio io.Reader, filename string) (domain.Transcription, error) {
	start := time.Now()
	resp, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.cfg.TranscriptionModel,
		FilePath: filename,
		Reader:   audio,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		c.observe(domain.ServiceSTT, start, err, "api_error")
		return domain.Transcription{}, c.parseAPIError(err)
	}
	c.observe(domain.ServiceSTT, start, nil, "")

	domain.UsageFromContext(ctx).AddUnits(int64(math.Ceil(resp.Duration)))
	return domain.Transcription{Text: resp.Text, DurationSeconds: resp.Duration}, nil
}

// Synthesize implements domain.Synthesizer. Billed units are input characters.
// The caller must close the returned audio.
func (c *Client) Synthesize(ctx context.Context, text, voice string) (io.ReadCloser, error) {
	if voice == "" {
		voice = string(openai.VoiceAlloy)
	}
	start := time.Now()
	resp, err := c.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(c.cfg.SpeechModel),
		Input:          text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		c.observe(domain.ServiceTTS, start, err, "api_error")
		return nil, c.parseAPIError(err)
	}
	c.observe(domain.ServiceTTS, start, nil, "")

	domain.UsageFromContext(ctx).AddUnits(int64(utf8.RuneCountInString(text)))
	return resp, nil
}
