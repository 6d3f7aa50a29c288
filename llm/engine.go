package llm

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	cohere "github.com/cohere-ai/cohere-go/v2"
	cohereclient "github.com/cohere-ai/cohere-go/v2/client"
	"github.com/rs/zerolog"

	"sourcewatch/retry"
)

var (
	// ErrEngineUnreachable marks a failed call to the language engine
	// (transport, auth, server errors).
	ErrEngineUnreachable = errors.New("engine unreachable")
	// ErrMalformedOutput marks engine output that is not parseable or does
	// not match the expected schema.
	ErrMalformedOutput = errors.New("malformed engine output")
)

// Engine is a single-turn text completion backend.
type Engine interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// CohereConfig configures the Cohere chat engine.
type CohereConfig struct {
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// CohereEngine implements Engine using the Cohere Chat API.
// Docs: https://docs.cohere.com/reference/chat
type CohereEngine struct {
	client      *cohereclient.Client
	model       string
	temperature float64
}

// NewCohereEngine creates a Cohere-backed engine.
func NewCohereEngine(cfg CohereConfig) *CohereEngine {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	// Force HTTP/1.1 to avoid HTTP/2 stream resets on long generations
	httpClient := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSNextProto:      make(map[string]func(authority string, c *tls.Conn) http.RoundTripper),
			ForceAttemptHTTP2: false,
		},
	}
	client := cohereclient.NewClient(
		cohereclient.WithToken(cfg.APIKey),
		cohereclient.WithHTTPClient(httpClient),
	)
	return &CohereEngine{client: client, model: cfg.Model, temperature: cfg.Temperature}
}

// Complete sends one chat turn with system as the preamble.
func (e *CohereEngine) Complete(ctx context.Context, system, prompt string) (string, error) {
	model := e.model
	temperature := e.temperature
	preamble := system

	resp, err := e.client.Chat(ctx, &cohere.ChatRequest{
		Message:     prompt,
		Model:       &model,
		Preamble:    &preamble,
		Temperature: &temperature,
	})
	if err != nil {
		return "", fmt.Errorf("%w: cohere chat: %v", ErrEngineUnreachable, err)
	}
	if resp == nil || strings.TrimSpace(resp.Text) == "" {
		return "", fmt.Errorf("%w: cohere chat returned empty response", ErrMalformedOutput)
	}
	return resp.Text, nil
}

// CallConfig bounds how a batched engine call is retried.
type CallConfig struct {
	// Retry applies to ErrEngineUnreachable.
	Retry retry.Config
	// MalformedRetries is how many times the whole call is repeated after
	// ErrMalformedOutput.
	MalformedRetries int
	Logger           zerolog.Logger
}

// call runs one batched request. parse turns the raw reply into a value or
// returns an error wrapping ErrMalformedOutput. The returned count is the
// number of malformed-output retries spent.
func call[T any](ctx context.Context, engine Engine, cfg CallConfig, system, prompt string, parse func(string) (T, error)) (T, int, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt <= cfg.MalformedRetries; attempt++ {
		if attempt > 0 {
			cfg.Logger.Warn().Int("attempt", attempt+1).Err(lastErr).Msg("engine output malformed, retrying batch")
		}

		var raw string
		err := retry.WithBackoff(ctx, cfg.Retry, isUnreachable, func(ctx context.Context) error {
			out, err := engine.Complete(ctx, system, prompt)
			if err != nil {
				return err
			}
			raw = out
			return nil
		})
		if err != nil {
			if errors.Is(err, ErrMalformedOutput) {
				lastErr = err
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return zero, attempt, ctxErr
			}
			if !errors.Is(err, ErrEngineUnreachable) {
				err = fmt.Errorf("%w: %v", ErrEngineUnreachable, err)
			}
			return zero, attempt, err
		}

		v, err := parse(raw)
		if err == nil {
			return v, attempt, nil
		}
		lastErr = err
	}
	return zero, cfg.MalformedRetries, lastErr
}

func isUnreachable(err error) bool {
	return errors.Is(err, ErrEngineUnreachable)
}

// stripFences removes a surrounding markdown code fence from a reply.
func stripFences(body string) string {
	body = strings.TrimSpace(body)
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(body, "```")
	body = strings.TrimSpace(body)
	if start := strings.Index(body, "{"); start > 0 {
		if end := strings.LastIndex(body, "}"); end > start {
			body = body[start : end+1]
		}
	}
	return body
}

// truncate caps s at limit runes.
func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

func isMalformed(err error) bool {
	return errors.Is(err, ErrMalformedOutput)
}
