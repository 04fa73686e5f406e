package collab

import (
	"bytes"
	"context"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAISpeech is the default SpeechEngine, backed by the OpenAI audio
// endpoints. One instance wraps one upstream client; instances are
// held in a resource pool because the upstream connections are
// expensive to establish.
type OpenAISpeech struct {
	client *openai.Client
	voice  openai.SpeechVoice
}

func NewOpenAISpeech(apiKey, baseURL string) *OpenAISpeech {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAISpeech{
		client: openai.NewClientWithConfig(cfg),
		voice:  openai.VoiceAlloy,
	}
}

func (s *OpenAISpeech) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model: openai.TTSModel1,
		Input: text,
		Voice: s.voice,
	})
	if err != nil {
		return nil, fmt.Errorf("speech synthesis failed: %w", err)
	}
	defer resp.Close()
	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read synthesized audio: %w", err)
	}
	return audio, nil
}

// Recognize buffers the audio stream and transcribes it once the
// producer closes the channel. The result is a single final event;
// partial transcripts come from the media edge, not from this engine.
func (s *OpenAISpeech) Recognize(ctx context.Context, audio <-chan []byte) (<-chan TranscriptEvent, error) {
	out := make(chan TranscriptEvent, 1)
	go func() {
		defer close(out)
		var buf bytes.Buffer
		for chunk := range audio {
			buf.Write(chunk)
		}
		if buf.Len() == 0 {
			return
		}
		resp, err := s.client.CreateTranscription(ctx, openai.AudioRequest{
			Model:    openai.Whisper1,
			Reader:   &buf,
			FilePath: "audio.wav",
		})
		if err != nil {
			return
		}
		select {
		case out <- TranscriptEvent{Text: resp.Text, Confidence: 1, Final: true}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}
