package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rendis/ordo/pkg/schema"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"

// GeminiClient implements Client against the Google Generative Language REST
// API with JSON structured output. Transport faults are mapped to the AI
// error taxonomy; timeouts and 5xx responses get one immediate retry.
type GeminiClient struct {
	model      string
	apiKey     string
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	aiLog      *slog.Logger
}

// GeminiOption customizes a GeminiClient.
type GeminiOption func(*GeminiClient)

// WithBaseURL overrides the API endpoint (used by tests).
func WithBaseURL(url string) GeminiOption {
	return func(c *GeminiClient) { c.baseURL = url }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) GeminiOption {
	return func(c *GeminiClient) { c.httpClient = hc }
}

// WithInteractionLog directs prompt/response audit records to the given logger.
func WithInteractionLog(l *slog.Logger) GeminiOption {
	return func(c *GeminiClient) { c.aiLog = l }
}

// NewGeminiClient creates a GeminiClient for the given model. timeout bounds
// each individual API request.
func NewGeminiClient(model, apiKey string, timeout time.Duration, logger *slog.Logger, opts ...GeminiOption) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "GEMINI_API_KEY not provided")
	}
	if model == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "gemini model name not provided")
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &GeminiClient{
		model:   model,
		apiKey:  apiKey,
		baseURL: defaultGeminiBaseURL,
		timeout: timeout,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: timeout}
	}
	if c.aiLog == nil {
		c.aiLog = logger
	}
	return c, nil
}

// --- Wire types (Generative Language API) ---

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig geminiGenConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiGenConfig struct {
	ResponseMimeType string `json:"responseMimeType,omitempty"`
	ResponseSchema   any    `json:"responseSchema,omitempty"`
}

type geminiResponse struct {
	Candidates     []geminiCandidate     `json:"candidates"`
	PromptFeedback *geminiPromptFeedback `json:"promptFeedback,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiPromptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

// --- Client implementation ---

func (c *GeminiClient) DetermineFirstStep(ctx context.Context, blob string, steps []string) (*schema.AIDecision, error) {
	prompt := buildPrompt(IntentFirst, blob, promptInput{})
	return c.decide(ctx, IntentFirst, prompt, steps)
}

func (c *GeminiClient) DetermineNextStep(ctx context.Context, blob string, steps []string,
	state *schema.WorkflowInstance, report *schema.Report, history []*schema.HistoryEntry) (*schema.AIDecision, error) {
	prompt := buildPrompt(IntentNext, blob, promptInput{state: state, report: report, history: history})
	return c.decide(ctx, IntentNext, prompt, steps)
}

func (c *GeminiClient) ReconcileAndDetermineNextStep(ctx context.Context, blob string, steps []string,
	persisted *schema.WorkflowInstance, assumedStep string, report *schema.Report,
	history []*schema.HistoryEntry) (*schema.AIDecision, error) {
	prompt := buildPrompt(IntentReconcile, blob, promptInput{
		state: persisted, assumedStep: assumedStep, report: report, history: history,
	})
	return c.decide(ctx, IntentReconcile, prompt, steps)
}

// decide sends the prompt, retrying once on timeout or 5xx, and validates
// the raw response into an AIDecision.
func (c *GeminiClient) decide(ctx context.Context, intent Intent, prompt string, steps []string) (*schema.AIDecision, error) {
	c.aiLog.InfoContext(ctx, "ai prompt",
		slog.String("intent", string(intent)),
		slog.String("model", c.model),
		slog.String("prompt", prompt),
	)

	raw, err := c.generate(ctx, prompt, responseSchema(steps))
	if err != nil {
		var oe *schema.OrdoError
		if errors.As(err, &oe) && oe.IsRetryable() {
			c.logger.WarnContext(ctx, "retrying gemini call after transient failure",
				slog.String("intent", string(intent)),
				slog.String("error", err.Error()),
			)
			raw, err = c.generate(ctx, prompt, responseSchema(steps))
		}
	}
	if err != nil {
		return nil, err
	}

	c.aiLog.InfoContext(ctx, "ai response",
		slog.String("intent", string(intent)),
		slog.String("response", string(raw)),
	)

	return ParseDecision(raw, steps)
}

// generate performs one generateContent call and returns the candidate text.
func (c *GeminiClient) generate(ctx context.Context, prompt string, respSchema map[string]any) ([]byte, error) {
	reqBody := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
		GenerationConfig: geminiGenConfig{
			ResponseMimeType: "application/json",
			ResponseSchema:   respSchema,
		},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "marshal gemini request").WithCause(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "build gemini request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, schema.NewError(schema.ErrCodeAITimeout, "gemini request timed out").WithCause(err)
		}
		return nil, schema.NewError(schema.ErrCodeAIAPI, "gemini request failed").
			WithDetails(map[string]any{"status_code": 0}).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAIAPI, "read gemini response").
			WithDetails(map[string]any{"status_code": resp.StatusCode}).WithCause(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, schema.NewErrorf(schema.ErrCodeAIAPI,
			"gemini returned status %d", resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": string(body)})
	}

	var parsed geminiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, invalidResponse("gemini response body is not valid JSON", body).WithCause(err)
	}

	if parsed.PromptFeedback != nil && parsed.PromptFeedback.BlockReason != "" {
		return nil, schema.NewErrorf(schema.ErrCodeAISafety,
			"gemini blocked the request: %s", parsed.PromptFeedback.BlockReason)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return nil, invalidResponse("gemini returned no candidates", body)
	}

	text := parsed.Candidates[0].Content.Parts[0].Text
	if text == "" {
		return nil, invalidResponse("gemini returned an empty candidate", body)
	}
	return []byte(text), nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
