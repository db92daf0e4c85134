// Package annotate produces human-readable summaries of decisions for the ledger.
package annotate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Mindburn-Labs/routeledger/pkg/ledger"
)

const (
	DefaultEndpoint    = "https://api.openai.com/v1"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 300
)

// ChatAnnotator asks an OpenAI-compatible chat completion endpoint for a
// compliance summary of each decision.
type ChatAnnotator struct {
	endpoint    string
	apiKey      string
	model       string
	region      string
	temperature float64
	maxTokens   int
	client      *http.Client
}

// ChatOption configures a ChatAnnotator.
type ChatOption func(*ChatAnnotator)

// WithEndpoint sets the API base URL; "/chat/completions" is appended.
func WithEndpoint(url string) ChatOption {
	return func(c *ChatAnnotator) { c.endpoint = strings.TrimRight(url, "/") }
}

// WithRegion records the serving region in the annotation source.
func WithRegion(region string) ChatOption {
	return func(c *ChatAnnotator) { c.region = region }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) ChatOption {
	return func(c *ChatAnnotator) { c.client = client }
}

// WithSampling sets temperature and the completion token limit.
func WithSampling(temperature float64, maxTokens int) ChatOption {
	return func(c *ChatAnnotator) {
		c.temperature = temperature
		c.maxTokens = maxTokens
	}
}

func NewChatAnnotator(apiKey, model string, opts ...ChatOption) *ChatAnnotator {
	c := &ChatAnnotator{
		endpoint:    DefaultEndpoint,
		apiKey:      apiKey,
		model:       model,
		temperature: DefaultTemperature,
		maxTokens:   DefaultMaxTokens,
		client:      &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage map[string]int `json:"usage"`
}

// Prompt renders the request text for a decision.
func Prompt(d ledger.Decision) (string, error) {
	payload := map[string]any{
		"subject_id": d.SubjectID,
		"option":     d.Option,
		"status":     d.Status,
	}
	if len(d.ReasoningTrace) > 0 {
		payload["reasoning_trace"] = d.ReasoningTrace
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("annotate: encode decision: %w", err)
	}
	return "Generate a compliance-ready summary for this audit log entry: " + string(b), nil
}

func (c *ChatAnnotator) Annotate(ctx context.Context, d ledger.Decision) (ledger.Annotation, error) {
	prompt, err := Prompt(d)
	if err != nil {
		return ledger.Annotation{}, err
	}

	jsonBody, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return ledger.Annotation{}, fmt.Errorf("annotate: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return ledger.Annotation{}, fmt.Errorf("annotate: create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return ledger.Annotation{}, fmt.Errorf("annotate: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return ledger.Annotation{}, fmt.Errorf("annotate: summarizer returned %d", resp.StatusCode)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ledger.Annotation{}, fmt.Errorf("annotate: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return ledger.Annotation{}, fmt.Errorf("annotate: empty choices in response")
	}

	choice := out.Choices[0]
	model := out.Model
	if model == "" {
		model = c.model
	}
	return ledger.Annotation{
		Text:   strings.TrimSpace(choice.Message.Content),
		Status: ledger.AnnotationProvided,
		Source: &ledger.AnnotationSource{
			Model:      model,
			Region:     c.region,
			StopReason: choice.FinishReason,
			Usage:      out.Usage,
		},
	}, nil
}
