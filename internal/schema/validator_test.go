package schema

import (
	"errors"
	"testing"

	"github.com/exkrishan/rtaafin-sub011/internal/broker"
	"github.com/exkrishan/rtaafin-sub011/internal/models"
	"github.com/exkrishan/rtaafin-sub011/internal/topics"
)

func meta() models.Meta {
	return models.Meta{TenantID: "t1", InteractionID: "call-1", Seq: 1}
}

func TestValidate(t *testing.T) {
	v := New()

	tests := []struct {
		name    string
		env     models.Envelope
		wantErr error
	}{
		{"valid partial", models.Transcript{Meta: meta(), Type: models.TranscriptPartial, Text: "hi", Confidence: 0.5}, nil},
		{"valid pointer", &models.Transcript{Meta: meta(), Type: models.TranscriptFinal}, nil},
		{"seq unknown allowed", models.Transcript{Meta: models.Meta{TenantID: "t1", InteractionID: "c"}, Type: models.TranscriptFinal}, nil},
		{"missing interaction", models.Transcript{Meta: models.Meta{TenantID: "t1"}, Type: models.TranscriptFinal}, topics.ErrMissingIdentifier},
		{"missing tenant", models.Transcript{Meta: models.Meta{InteractionID: "c"}, Type: models.TranscriptFinal}, topics.ErrMissingIdentifier},
		{"bad type", models.Transcript{Meta: meta(), Type: "interim"}, broker.ErrEncoding},
		{"bad confidence", models.Transcript{Meta: meta(), Type: models.TranscriptFinal, Confidence: 1.5}, broker.ErrEncoding},
		{"negative seq", models.Transcript{Meta: models.Meta{TenantID: "t", InteractionID: "c", Seq: -1}, Type: models.TranscriptFinal}, broker.ErrEncoding},
		{"valid frame", models.AudioFrame{Meta: meta(), SampleRate: 8000, Encoding: models.EncodingPCM16, Audio: []byte{1, 2}}, nil},
		{"end of call without audio", models.AudioFrame{Meta: meta(), EndOfCall: true}, nil},
		{"empty audio", models.AudioFrame{Meta: meta(), Encoding: models.EncodingPCM16}, broker.ErrEncoding},
		{"bad encoding", models.AudioFrame{Meta: meta(), Encoding: "opus", Audio: []byte{1}}, broker.ErrEncoding},
		{"oversized frame", models.AudioFrame{Meta: meta(), Audio: make([]byte, 70*1024)}, broker.ErrEncoding},
		{"valid intent", models.Intent{Meta: meta(), Intent: "credit_card_block", Confidence: 0.9}, nil},
		{"empty intent", models.Intent{Meta: meta()}, broker.ErrEncoding},
		{"nil", nil, broker.ErrEncoding},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.env)
			if tt.wantErr == nil && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}
