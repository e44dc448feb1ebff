// Package google provides a Google Cloud Speech-to-Text adapter.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"

	"speech-turn-service/internal/observability/logging"
	"speech-turn-service/internal/service/stt"
)

// Config holds recognition settings.
type Config struct {
	LanguageCode   string
	SampleRateHz   int32
	InterimResults bool
	AudioEncoding  string
	// Diarization enables speaker labels when MaxSpeakers > 1.
	MaxSpeakers int32
}

// DefaultConfig returns telephony defaults.
func DefaultConfig() Config {
	return Config{
		LanguageCode:   "en-US",
		SampleRateHz:   8000,
		InterimResults: true,
		AudioEncoding:  "LINEAR16",
	}
}

func parseAudioEncoding(s string) speechpb.RecognitionConfig_AudioEncoding {
	switch s {
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

// Adapter implements stt.Adapter using Google Cloud Speech-to-Text.
//
// Timing: each result ends at its ResultEndTime. Finals start where the
// previous final ended (or at the first word offset when available), and
// partials share the start of the utterance in progress, so successive
// partials cover growing ranges of the same window.
type Adapter struct {
	client *speech.Client
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	stream speechpb.Speech_StreamingRecognizeClient
	cb     stt.Callback
	// utteranceStart is the end of the last final, in seconds.
	utteranceStart float64
}

// New creates a new Google STT adapter.
// Requires GOOGLE_APPLICATION_CREDENTIALS environment variable to be set.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	return &Adapter{
		client: c,
		cfg:    cfg,
		logger: logging.WithComponent("stt-google"),
	}, nil
}

// NewFactory returns an stt.Factory creating one adapter per conversation.
func NewFactory(cfg Config) stt.Factory {
	return func(ctx context.Context) (stt.Adapter, error) {
		return New(ctx, cfg)
	}
}

// Start begins a streaming recognition session, sends the initial config and
// starts delivering results to cb.
func (a *Adapter) Start(ctx context.Context, cb stt.Callback) error {
	stream, err := a.client.StreamingRecognize(ctx)
	if err != nil {
		return fmt.Errorf("open recognize stream: %w", err)
	}

	rc := &speechpb.RecognitionConfig{
		Encoding:                   parseAudioEncoding(a.cfg.AudioEncoding),
		SampleRateHertz:            a.cfg.SampleRateHz,
		LanguageCode:               a.cfg.LanguageCode,
		EnableAutomaticPunctuation: true,
		EnableWordTimeOffsets:      true,
	}
	if a.cfg.MaxSpeakers > 1 {
		rc.DiarizationConfig = &speechpb.SpeakerDiarizationConfig{
			EnableSpeakerDiarization: true,
			MinSpeakerCount:          1,
			MaxSpeakerCount:          a.cfg.MaxSpeakers,
		}
	}

	// Send streaming config as the first message
	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:                    rc,
				InterimResults:            a.cfg.InterimResults,
				EnableVoiceActivityEvents: true,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("send streaming config: %w", err)
	}

	a.mu.Lock()
	a.stream = stream
	a.cb = cb
	a.mu.Unlock()

	go a.listen(stream, cb)
	return nil
}

// SendAudio sends audio bytes to Google Speech-to-Text.
func (a *Adapter) SendAudio(ctx context.Context, audio []byte) error {
	a.mu.Lock()
	stream := a.stream
	a.mu.Unlock()
	if stream == nil {
		return errors.New("stream not started")
	}
	return stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: audio,
		},
	})
}

// Close half-closes the stream and releases the client. Pending results are
// still delivered until the server ends the stream.
func (a *Adapter) Close() error {
	a.mu.Lock()
	stream := a.stream
	a.stream = nil
	a.mu.Unlock()

	var errs []error
	if stream != nil {
		errs = append(errs, stream.CloseSend())
	}
	errs = append(errs, a.client.Close())
	return errors.Join(errs...)
}

// listen receives transcript responses from Google and invokes callbacks
// until the stream ends.
func (a *Adapter) listen(stream speechpb.Speech_StreamingRecognizeClient, cb stt.Callback) {
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			a.logger.Debug().Msg("Recognition stream ended")
			return
		}
		if err != nil {
			a.logger.Warn().Err(err).Msg("Recognition stream failed")
			cb.OnError(err)
			return
		}
		if resp.Error != nil {
			cb.OnError(fmt.Errorf("recognition error %d: %s", resp.Error.Code, resp.Error.Message))
			return
		}

		for _, r := range resp.Results {
			res, ok := a.toResult(r)
			if !ok {
				continue
			}
			if res.IsFinal {
				cb.OnFinal(res)
			} else {
				cb.OnPartial(res)
			}
		}

		switch resp.SpeechEventType {
		case speechpb.StreamingRecognizeResponse_END_OF_SINGLE_UTTERANCE,
			speechpb.StreamingRecognizeResponse_SPEECH_ACTIVITY_END:
			cb.OnEndOfUtterance()
		}
	}
}

func (a *Adapter) toResult(r *speechpb.StreamingRecognitionResult) (stt.Result, bool) {
	if len(r.Alternatives) == 0 {
		return stt.Result{}, false
	}
	alt := r.Alternatives[0]

	a.mu.Lock()
	defer a.mu.Unlock()

	res := stt.Result{
		Text:       alt.Transcript,
		StartTime:  a.utteranceStart,
		IsFinal:    r.IsFinal,
		Confidence: float64(alt.Confidence),
	}
	if r.ResultEndTime != nil {
		res.EndTime = r.ResultEndTime.AsDuration().Seconds()
		res.HasTiming = res.EndTime >= res.StartTime
	}
	if len(alt.Words) > 0 {
		first, last := alt.Words[0], alt.Words[len(alt.Words)-1]
		if r.IsFinal && first.StartTime != nil {
			res.StartTime = first.StartTime.AsDuration().Seconds()
		}
		if last.SpeakerTag > 0 {
			res.Speaker = fmt.Sprintf("speaker-%d", last.SpeakerTag)
		}
	}
	if r.IsFinal && res.HasTiming {
		a.utteranceStart = res.EndTime
	}
	return res, true
}
