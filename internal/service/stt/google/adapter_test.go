package google

import (
	"context"
	"errors"
	"fmt"
	"testing"

	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/exkrishan/rtaafin-sub011/internal/models"
	"github.com/exkrishan/rtaafin-sub011/internal/service/stt"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.LanguageCode != "en-US" {
		t.Errorf("expected default language 'en-US', got %s", cfg.LanguageCode)
	}
	if cfg.SampleRateHz != 8000 {
		t.Errorf("expected default sample rate 8000, got %d", cfg.SampleRateHz)
	}
	if cfg.InterimResults != true {
		t.Errorf("expected default interim results true, got %v", cfg.InterimResults)
	}
	if cfg.AudioEncoding != "LINEAR16" {
		t.Errorf("expected default encoding 'LINEAR16', got %s", cfg.AudioEncoding)
	}
}

func TestParseAudioEncoding(t *testing.T) {
	tests := []struct {
		input    string
		expected speechpb.RecognitionConfig_AudioEncoding
	}{
		{"LINEAR16", speechpb.RecognitionConfig_LINEAR16},
		{"MULAW", speechpb.RecognitionConfig_MULAW},
		{"FLAC", speechpb.RecognitionConfig_FLAC},
		{"AMR", speechpb.RecognitionConfig_AMR},
		{"AMR_WB", speechpb.RecognitionConfig_AMR_WB},
		{"OGG_OPUS", speechpb.RecognitionConfig_OGG_OPUS},
		{"SPEEX_WITH_HEADER_BYTE", speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE},
		{"WEBM_OPUS", speechpb.RecognitionConfig_WEBM_OPUS},
		{"UNKNOWN", speechpb.RecognitionConfig_LINEAR16}, // fallback
		{"invalid", speechpb.RecognitionConfig_LINEAR16}, // fallback
		{"", speechpb.RecognitionConfig_LINEAR16},        // fallback
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseAudioEncoding(tt.input)
			if got != tt.expected {
				t.Errorf("parseAudioEncoding(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestConfig_CustomValues(t *testing.T) {
	cfg := Config{
		LanguageCode:   "es-ES",
		SampleRateHz:   16000,
		InterimResults: false,
		AudioEncoding:  "MULAW",
	}

	if cfg.LanguageCode != "es-ES" {
		t.Errorf("expected language 'es-ES', got %s", cfg.LanguageCode)
	}
	if cfg.SampleRateHz != 16000 {
		t.Errorf("expected sample rate 16000, got %d", cfg.SampleRateHz)
	}
	if cfg.InterimResults != false {
		t.Errorf("expected interim results false, got %v", cfg.InterimResults)
	}
	if cfg.AudioEncoding != "MULAW" {
		t.Errorf("expected encoding 'MULAW', got %s", cfg.AudioEncoding)
	}
}

func TestParseAudioEncoding_CaseSensitive(t *testing.T) {
	// Encoding strings should be uppercase
	tests := []struct {
		input    string
		expected speechpb.RecognitionConfig_AudioEncoding
	}{
		{"linear16", speechpb.RecognitionConfig_LINEAR16}, // lowercase -> fallback
		{"Linear16", speechpb.RecognitionConfig_LINEAR16}, // mixed case -> fallback
		{"LINEAR16", speechpb.RecognitionConfig_LINEAR16}, // uppercase -> match
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseAudioEncoding(tt.input)
			if got != tt.expected {
				t.Errorf("parseAudioEncoding(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestEncodingFor(t *testing.T) {
	tests := []struct {
		frame      models.Encoding
		configured string
		expected   speechpb.RecognitionConfig_AudioEncoding
	}{
		{models.EncodingMulaw, "LINEAR16", speechpb.RecognitionConfig_MULAW},
		{models.EncodingPCM16, "LINEAR16", speechpb.RecognitionConfig_LINEAR16},
		{models.EncodingPCM16, "FLAC", speechpb.RecognitionConfig_FLAC},
		{"", "", speechpb.RecognitionConfig_LINEAR16},
	}

	for _, tt := range tests {
		if got := encodingFor(tt.frame, tt.configured); got != tt.expected {
			t.Errorf("encodingFor(%q, %q) = %v, want %v", tt.frame, tt.configured, got, tt.expected)
		}
	}
}

func TestRestartable(t *testing.T) {
	tests := []struct {
		err      error
		expected bool
	}{
		{status.Error(codes.OutOfRange, "stream limit"), true},
		{status.Error(codes.Unavailable, "gone"), true},
		{status.Error(codes.DeadlineExceeded, "slow"), true},
		{status.Error(codes.InvalidArgument, "bad config"), false},
		{status.Error(codes.PermissionDenied, "no creds"), false},
		{errors.New("plain"), false},
	}

	for _, tt := range tests {
		if got := restartable(tt.err); got != tt.expected {
			t.Errorf("restartable(%v) = %v, want %v", tt.err, got, tt.expected)
		}
	}
}

func TestResultFrom(t *testing.T) {
	partial := &speechpb.StreamingRecognizeResponse{
		Results: []*speechpb.StreamingRecognitionResult{{
			Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "I need to"}},
			Stability:    0.6,
		}},
	}
	res, ok := resultFrom(partial)
	if !ok || res.Type != models.TranscriptPartial || res.Text != "I need to" {
		t.Errorf("unexpected partial result %+v ok=%v", res, ok)
	}

	final := &speechpb.StreamingRecognizeResponse{
		Results: []*speechpb.StreamingRecognitionResult{{
			Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "I need to block my card", Confidence: 0.9}},
			IsFinal:      true,
		}},
	}
	res, ok = resultFrom(final)
	if !ok || res.Type != models.TranscriptFinal || res.Confidence < 0.89 {
		t.Errorf("unexpected final result %+v ok=%v", res, ok)
	}

	if _, ok := resultFrom(&speechpb.StreamingRecognizeResponse{}); ok {
		t.Error("expected no result for empty response")
	}
}

func TestAdapter_ClosedSessionHasNoResult(t *testing.T) {
	p, err := NewFactory(nil, DefaultConfig())(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}

	_, err = p.SendAudioChunk(context.Background(), []byte{0, 1}, stt.ChunkMeta{Seq: 1})
	if !errors.Is(err, stt.ErrNoResult) {
		t.Errorf("expected ErrNoResult, got %v", err)
	}
}

func TestAdapter_PermanentErrorIsProviderError(t *testing.T) {
	a := &Adapter{cfg: DefaultConfig(), err: status.Error(codes.PermissionDenied, "no creds")}

	_, err := a.SendAudioChunk(context.Background(), []byte{0, 1}, stt.ChunkMeta{Seq: 1})
	var pe *stt.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.Provider != Name {
		t.Errorf("expected provider %s, got %s", Name, pe.Provider)
	}
	if got := fmt.Sprint(err); got == "" {
		t.Error("expected error text")
	}
}
