// Package llm provides the Gemini-backed mapping suggester.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"formsync/internal/config"
)

// ErrDisabled means the suggester is switched off or has no API key.
var ErrDisabled = errors.New("llm suggester disabled")

// GenerateFunc sends one prompt and returns the raw model text.
type GenerateFunc func(ctx context.Context, prompt string) (string, error)

// Suggester asks a language model to pick a field label for a record key.
type Suggester struct {
	generate GenerateFunc
	timeout  time.Duration
	logger   *zap.Logger
}

// New connects to Gemini using the key in cfg.APIKeyEnv.
func New(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (*Suggester, error) {
	if !cfg.Enable {
		return nil, ErrDisabled
	}
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: %s is not set", ErrDisabled, cfg.APIKeyEnv)
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	temperature := cfg.Temperature
	generate := func(ctx context.Context, prompt string) (string, error) {
		resp, err := client.Models.GenerateContent(ctx, model,
			[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)},
			&genai.GenerateContentConfig{
				Temperature:      genai.Ptr(temperature),
				ResponseMIMEType: "application/json",
			})
		if err != nil {
			return "", fmt.Errorf("GenAI generate failed: %w", err)
		}
		return resp.Text(), nil
	}
	return NewWithGenerator(generate, cfg.GetTimeout(), logger), nil
}

// NewWithGenerator builds a Suggester around any text generator.
func NewWithGenerator(generate GenerateFunc, timeout time.Duration, logger *zap.Logger) *Suggester {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Suggester{generate: generate, timeout: timeout, logger: logger}
}

type suggestion struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

const promptHeader = `You map fields of a health facility report onto a data-entry form.
Pick the single form label that records the same quantity as the report field.
Age groups and sexes must agree exactly. If none fits, answer with an empty label.
Answer only with JSON: {"label": "<one label copied verbatim from the list, or empty>", "confidence": <0..1>}`

func buildPrompt(sourceKey, value string, candidates []string) string {
	var sb strings.Builder
	sb.WriteString(promptHeader)
	sb.WriteString("\n\nReport field: ")
	sb.WriteString(sourceKey)
	sb.WriteString("\nReported value: ")
	sb.WriteString(value)
	sb.WriteString("\n\nForm labels:\n")
	for _, c := range candidates {
		sb.WriteString("- ")
		sb.WriteString(c)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Suggest returns a label from candidates, or ok=false when the model
// declines or names something that is not in the list.
func (s *Suggester) Suggest(ctx context.Context, sourceKey, value string, candidates []string) (string, bool, error) {
	if len(candidates) == 0 {
		return "", false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.generate(ctx, buildPrompt(sourceKey, value, candidates))
	if err != nil {
		return "", false, err
	}
	var sg suggestion
	if err := json.Unmarshal([]byte(stripFence(raw)), &sg); err != nil {
		return "", false, fmt.Errorf("parse suggestion for %s: %w", sourceKey, err)
	}
	label := strings.TrimSpace(sg.Label)
	if label == "" {
		return "", false, nil
	}
	for _, c := range candidates {
		if c == label {
			s.logger.Debug("LLM suggestion accepted",
				zap.String("source", sourceKey), zap.String("label", label), zap.Float64("confidence", sg.Confidence))
			return c, true, nil
		}
	}
	s.logger.Debug("LLM suggestion not in candidates", zap.String("source", sourceKey), zap.String("label", label))
	return "", false, nil
}

// stripFence removes a ```json fence some models wrap around JSON output.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
