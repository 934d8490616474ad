// Package speech is the text-to-speech collaborator boundary. The orchestrator
// only proves a prompt is synthesizable; playing it into the call is the media
// pipeline's job.
package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"github.com/tiger/voiceflow-regression/internal/gateway"
)

// Prompt describes one rendered utterance.
type Prompt struct {
	Format string
	Bytes  int
}

// Renderer turns prompt text into synthesized audio.
type Renderer interface {
	Render(ctx context.Context, text string) (Prompt, error)
}

type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// Config controls the Polly-backed renderer.
type Config struct {
	Region  string
	VoiceID string
	Engine  string
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Region) == "" {
		c.Region = "us-east-1"
	}
	if strings.TrimSpace(c.VoiceID) == "" {
		c.VoiceID = "Joanna"
	}
	if strings.TrimSpace(c.Engine) == "" {
		c.Engine = "neural"
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

// PollyRenderer renders prompts with Amazon Polly.
type PollyRenderer struct {
	mu     sync.Mutex
	client synthClient
	cfg    Config
}

// NewPollyRenderer builds a renderer that lazily constructs its AWS client.
func NewPollyRenderer(cfg Config) *PollyRenderer {
	return NewPollyRendererWithClient(cfg, nil)
}

// NewPollyRendererWithClient injects a client; tests use stubs.
func NewPollyRendererWithClient(cfg Config, client synthClient) *PollyRenderer {
	return &PollyRenderer{client: client, cfg: cfg.withDefaults()}
}

// Render synthesizes the text and reports the rendered payload size. The
// audio itself is discarded; the call media path re-renders on playback.
func (r *PollyRenderer) Render(ctx context.Context, text string) (Prompt, error) {
	if strings.TrimSpace(text) == "" {
		return Prompt{}, &gateway.ValidationError{Field: "prompt", Message: "text is empty"}
	}
	client, err := r.resolveClient(ctx)
	if err != nil {
		return Prompt{}, err
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(r.cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	output, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatMp3,
		Text:         &text,
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(r.cfg.VoiceID),
	})
	if err != nil {
		return Prompt{}, classifySynthesisError(err)
	}
	if output == nil || output.AudioStream == nil {
		return Prompt{}, gateway.NewBackendError(gateway.ClassTransport, "", "synthesis returned no audio", nil)
	}
	defer output.AudioStream.Close()
	n, err := io.Copy(io.Discard, output.AudioStream)
	if err != nil {
		return Prompt{}, gateway.NewBackendError(gateway.ClassTransport, "", fmt.Sprintf("drain audio stream: %v", err), err)
	}
	return Prompt{Format: "mp3", Bytes: int(n)}, nil
}

func classifySynthesisError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return gateway.NewBackendError(gateway.ClassTransport, "", "synthesis timed out", err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException":
			return gateway.NewBackendError(gateway.ClassThrottled, apiErr.ErrorCode(), apiErr.ErrorMessage(), err)
		case "InvalidSsmlException", "TextLengthExceededException", "LexiconNotFoundException":
			return gateway.NewBackendError(gateway.ClassPermanent, apiErr.ErrorCode(), apiErr.ErrorMessage(), err)
		default:
			return gateway.NewBackendError(gateway.ClassTransport, apiErr.ErrorCode(), apiErr.ErrorMessage(), err)
		}
	}
	return gateway.NewBackendError(gateway.ClassTransport, "", err.Error(), err)
}

func (r *PollyRenderer) resolveClient(ctx context.Context) (synthClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return r.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(r.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	r.client = polly.NewFromConfig(awsCfg)
	return r.client, nil
}
