// Package google provides a Google Cloud Speech-to-Text streaming provider.
package google

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/exkrishan/rtaafin-sub011/internal/models"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/logging"
	"github.com/exkrishan/rtaafin-sub011/internal/service/stt"
)

// Name is the provider label used in metrics and logs.
const Name = "google"

// Config holds Google STT configuration.
type Config struct {
	LanguageCode   string
	SampleRateHz   int32
	InterimResults bool
	AudioEncoding  string
	Model          string
	// ResultWait bounds how long SendAudioChunk waits for a fresh hypothesis.
	ResultWait time.Duration
}

// DefaultConfig returns sensible defaults for telephony audio.
func DefaultConfig() Config {
	return Config{
		LanguageCode:   "en-US",
		SampleRateHz:   8000,
		InterimResults: true,
		AudioEncoding:  "LINEAR16",
		ResultWait:     300 * time.Millisecond,
	}
}

// parseAudioEncoding converts an encoding name to the protobuf enum,
// defaulting to LINEAR16.
func parseAudioEncoding(encoding string) speechpb.RecognitionConfig_AudioEncoding {
	switch encoding {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}

// encodingFor picks the wire encoding for a session: frame encoding when it
// is telephony mu-law, otherwise the configured one.
func encodingFor(frame models.Encoding, configured string) speechpb.RecognitionConfig_AudioEncoding {
	if frame == models.EncodingMulaw {
		return speechpb.RecognitionConfig_MULAW
	}
	return parseAudioEncoding(configured)
}

// restartable reports whether a stream error should reopen the session
// instead of failing the chunk. Google ends streams after ~5 minutes with
// OUT_OF_RANGE.
func restartable(err error) bool {
	switch status.Code(err) {
	case codes.OutOfRange, codes.Unavailable, codes.DeadlineExceeded, codes.Aborted:
		return true
	default:
		return false
	}
}

// NewClient creates a Speech client. Requires GOOGLE_APPLICATION_CREDENTIALS.
func NewClient(ctx context.Context) (*speech.Client, error) {
	return speech.NewClient(ctx)
}

// NewFactory returns an stt.Factory opening one streaming session per
// interaction on the shared client.
func NewFactory(client *speech.Client, cfg Config) stt.Factory {
	if cfg.ResultWait <= 0 {
		cfg.ResultWait = DefaultConfig().ResultWait
	}
	return func(_ context.Context, interactionId string) (stt.Provider, error) {
		return &Adapter{
			client: client,
			cfg:    cfg,
			logger: logging.WithProvider(interactionId, Name),
		}, nil
	}
}

// Adapter implements stt.Provider over StreamingRecognize. The stream opens
// lazily on the first chunk so it can use the frame's sample rate.
type Adapter struct {
	client *speech.Client
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	stream  speechpb.Speech_StreamingRecognizeClient
	cancel  context.CancelFunc
	done    chan struct{}
	updates chan struct{}
	latest  stt.Result
	fresh   bool
	err     error
	closed  bool
}

func (a *Adapter) start(meta stt.ChunkMeta) error {
	rate := int32(meta.SampleRate)
	if rate <= 0 {
		rate = a.cfg.SampleRateHz
	}

	// The session outlives any single chunk's context.
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := a.client.StreamingRecognize(ctx)
	if err != nil {
		cancel()
		return err
	}

	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        encodingFor(meta.Encoding, a.cfg.AudioEncoding),
					SampleRateHertz: rate,
					LanguageCode:    a.cfg.LanguageCode,
					Model:           a.cfg.Model,
				},
				InterimResults: a.cfg.InterimResults,
			},
		},
	})
	if err != nil {
		cancel()
		return err
	}

	a.stream = stream
	a.cancel = cancel
	a.done = make(chan struct{})
	a.updates = make(chan struct{}, 1)
	a.err = nil
	go a.listen(stream, a.done, a.updates)

	a.logger.Info().Int32("sampleRate", rate).Msg("Google streaming session started")
	return nil
}

// listen receives responses and keeps the latest hypothesis.
func (a *Adapter) listen(stream speechpb.Speech_StreamingRecognizeClient, done, updates chan struct{}) {
	defer close(done)
	for {
		resp, err := stream.Recv()
		if err != nil {
			a.mu.Lock()
			if a.stream == stream && !errors.Is(err, io.EOF) {
				a.err = err
			}
			a.mu.Unlock()
			return
		}

		res, ok := resultFrom(resp)
		if !ok {
			continue
		}
		a.mu.Lock()
		current := a.stream == stream
		if current {
			a.latest = res
			a.fresh = true
		}
		a.mu.Unlock()
		if !current {
			return
		}

		select {
		case updates <- struct{}{}:
		default:
		}
	}
}

// resultFrom extracts the top alternative of the first result.
func resultFrom(resp *speechpb.StreamingRecognizeResponse) (stt.Result, bool) {
	for _, r := range resp.GetResults() {
		if len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]
		if r.IsFinal {
			return stt.Result{Type: models.TranscriptFinal, Text: alt.Transcript, Confidence: float64(alt.Confidence)}, true
		}
		return stt.Result{Type: models.TranscriptPartial, Text: alt.Transcript, Confidence: float64(r.Stability)}, true
	}
	return stt.Result{}, false
}

// SendAudioChunk streams audio and returns the freshest hypothesis seen within
// ResultWait. On end of call the stream is half-closed and drained.
func (a *Adapter) SendAudioChunk(ctx context.Context, audio []byte, meta stt.ChunkMeta) (stt.Result, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return stt.Result{}, stt.ErrNoResult
	}
	if a.err != nil && restartable(a.err) {
		a.logger.Info().Err(a.err).Msg("Restarting Google stream")
		a.stopLocked()
	} else if a.err != nil {
		err := a.err
		a.mu.Unlock()
		return stt.Result{}, stt.Wrap(Name, err)
	}
	if a.stream == nil {
		if err := a.start(meta); err != nil {
			a.mu.Unlock()
			return stt.Result{}, stt.Wrap(Name, err)
		}
	}
	stream, done, updates := a.stream, a.done, a.updates
	a.mu.Unlock()

	if len(audio) > 0 {
		err := stream.Send(&speechpb.StreamingRecognizeRequest{
			StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
				AudioContent: audio,
			},
		})
		if err != nil && !errors.Is(err, io.EOF) {
			return stt.Result{}, stt.Wrap(Name, err)
		}
	}

	wait := a.cfg.ResultWait
	if meta.EndOfCall {
		_ = stream.CloseSend()
		wait = 5 * a.cfg.ResultWait
		updates = nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return stt.Result{}, ctx.Err()
	case <-updates:
	case <-done:
	case <-timer.C:
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.fresh {
		return stt.Result{}, stt.ErrNoResult
	}
	a.fresh = false
	res := a.latest
	if meta.EndOfCall && res.Type == models.TranscriptPartial {
		res.Type = models.TranscriptFinal
	}
	return res, nil
}

func (a *Adapter) stopLocked() {
	if a.stream != nil {
		_ = a.stream.CloseSend()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.stream = nil
	a.cancel = nil
	a.err = nil
}

// Close ends the streaming session. The shared client stays open.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.stopLocked()
	return nil
}
