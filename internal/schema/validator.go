// Package schema checks envelopes before they are published and after they
// are decoded.
package schema

import (
	"fmt"

	"github.com/exkrishan/rtaafin-sub011/internal/broker"
	"github.com/exkrishan/rtaafin-sub011/internal/models"
	"github.com/exkrishan/rtaafin-sub011/internal/topics"
)

// Validator checks required fields and value ranges.
type Validator struct {
	// MaxAudioBytes bounds a single frame's payload; 0 disables the check.
	MaxAudioBytes int
}

func New() *Validator {
	return &Validator{MaxAudioBytes: 64 * 1024}
}

// Validate dispatches on the concrete message class.
func (v *Validator) Validate(env models.Envelope) error {
	switch m := env.(type) {
	case models.Transcript:
		return v.Transcript(m)
	case *models.Transcript:
		return v.Transcript(*m)
	case models.AudioFrame:
		return v.AudioFrame(m)
	case *models.AudioFrame:
		return v.AudioFrame(*m)
	case models.Intent:
		return v.Intent(m)
	case *models.Intent:
		return v.Intent(*m)
	case nil:
		return fmt.Errorf("%w: nil envelope", broker.ErrEncoding)
	default:
		return v.meta(env.EnvelopeMeta())
	}
}

func (v *Validator) meta(m models.Meta) error {
	if m.InteractionID == "" {
		return fmt.Errorf("%w: interaction_id", topics.ErrMissingIdentifier)
	}
	if m.TenantID == "" {
		return fmt.Errorf("%w: tenant_id", topics.ErrMissingIdentifier)
	}
	if m.Seq < 0 {
		return fmt.Errorf("%w: negative seq %d", broker.ErrEncoding, m.Seq)
	}
	return nil
}

// Transcript validates a transcript message.
func (v *Validator) Transcript(t models.Transcript) error {
	if err := v.meta(t.Meta); err != nil {
		return err
	}
	if !t.Type.Valid() {
		return fmt.Errorf("%w: transcript type %q", broker.ErrEncoding, t.Type)
	}
	if t.Confidence < 0 || t.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v out of range", broker.ErrEncoding, t.Confidence)
	}
	return nil
}

// AudioFrame validates an audio frame. End-of-call markers may carry no audio.
func (v *Validator) AudioFrame(f models.AudioFrame) error {
	if err := v.meta(f.Meta); err != nil {
		return err
	}
	if f.Encoding != "" && !f.Encoding.Valid() {
		return fmt.Errorf("%w: encoding %q", broker.ErrEncoding, f.Encoding)
	}
	if f.SampleRate < 0 {
		return fmt.Errorf("%w: sample rate %d", broker.ErrEncoding, f.SampleRate)
	}
	if len(f.Audio) == 0 && !f.EndOfCall {
		return fmt.Errorf("%w: empty audio", broker.ErrEncoding)
	}
	if v.MaxAudioBytes > 0 && len(f.Audio) > v.MaxAudioBytes {
		return fmt.Errorf("%w: frame of %d bytes exceeds %d", broker.ErrEncoding, len(f.Audio), v.MaxAudioBytes)
	}
	return nil
}

// Intent validates an intent message.
func (v *Validator) Intent(i models.Intent) error {
	if err := v.meta(i.Meta); err != nil {
		return err
	}
	if i.Intent == "" {
		return fmt.Errorf("%w: empty intent", broker.ErrEncoding)
	}
	if i.Confidence < 0 || i.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v out of range", broker.ErrEncoding, i.Confidence)
	}
	return nil
}
