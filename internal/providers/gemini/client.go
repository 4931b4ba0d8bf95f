// Package gemini speaks the Generative Language API: event-stream generation for chat and
// structured output, and one-shot generation for quiz and title requests.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sakha/internal/providers"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	ackRole = "Understood. I will follow this role."
	ackJSON = "Understood. I will output raw JSON."
)

type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	return &Client{cfg: cfg}
}

var _ providers.Adapter = (*Client)(nil)

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
}

type requestBody struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type responseChunk struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Stream calls streamGenerateContent with alt=sse.
func (c *Client) Stream(ctx context.Context, req providers.StreamRequest) (*providers.Stream, error) {
	body, err := json.Marshal(buildStreamBody(req))
	if err != nil {
		return nil, fmt.Errorf("marshal gemini payload: %w", err)
	}
	endpointURL, err := c.endpoint(req.Model, "streamGenerateContent", url.Values{"alt": {"sse"}})
	if err != nil {
		return nil, err
	}

	ctx, cancel := providers.Invocation(ctx, req.Timeout)
	resp, err := c.post(ctx, endpointURL, body)
	if err != nil {
		cancel()
		return nil, err
	}
	return providers.NewStream(ctx, cancel, resp.Body, extractText), nil
}

type GenerateRequest struct {
	Model       string
	Prompt      string
	Temperature float64
	JSONMode    bool
	Timeout     time.Duration
}

// Generate performs a single generateContent call and returns the first candidate's text.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	payload := requestBody{
		Contents: []content{{Role: "user", Parts: []part{{Text: req.Prompt}}}},
	}
	payload.GenerationConfig = buildGenerationConfig(req.JSONMode, req.Temperature)
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal gemini payload: %w", err)
	}
	endpointURL, err := c.endpoint(req.Model, "generateContent", nil)
	if err != nil {
		return "", err
	}

	ctx, cancel := providers.Invocation(ctx, req.Timeout)
	defer cancel()
	resp, err := c.post(ctx, endpointURL, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", providers.Interrupted(ctx, err)
	}
	text, ok := extractText(respBody)
	if !ok || strings.TrimSpace(text) == "" {
		return "", providers.ErrEmptyResponse
	}
	return text, nil
}

func (c *Client) post(ctx context.Context, endpointURL string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.cfg.APIKey)

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, providers.Interrupted(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if readErr != nil && ctx.Err() != nil {
			return nil, providers.Interrupted(ctx, readErr)
		}
		return nil, &providers.HTTPError{Provider: "Google", StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return resp, nil
}

func (c *Client) endpoint(model, method string, query url.Values) (string, error) {
	if strings.TrimSpace(model) == "" {
		return "", fmt.Errorf("model is empty")
	}
	u, err := url.Parse(strings.TrimSpace(c.cfg.BaseURL))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/models/" + model + ":" + method
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}

func buildStreamBody(req providers.StreamRequest) requestBody {
	contents := make([]content, 0, len(req.Messages)+2)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		ack := ackRole
		if req.JSONMode {
			ack = ackJSON
		}
		contents = append(contents,
			content{Role: "user", Parts: []part{{Text: req.SystemPrompt}}},
			content{Role: "model", Parts: []part{{Text: ack}}},
		)
	}
	for _, m := range req.Messages {
		contents = append(contents, content{Role: mapRole(m.Role), Parts: []part{{Text: m.Content}}})
	}

	return requestBody{
		Contents:         contents,
		GenerationConfig: buildGenerationConfig(req.JSONMode, req.Temperature),
	}
}

func buildGenerationConfig(jsonMode bool, temperature float64) *generationConfig {
	if !jsonMode && temperature <= 0 {
		return nil
	}
	gc := &generationConfig{}
	if jsonMode {
		gc.ResponseMimeType = "application/json"
	}
	if temperature > 0 {
		gc.Temperature = &temperature
	}
	return gc
}

func mapRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return "user"
}

func extractText(data []byte) (string, bool) {
	var chunk responseChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return "", false
	}
	if len(chunk.Candidates) == 0 || len(chunk.Candidates[0].Content.Parts) == 0 {
		return "", false
	}
	return chunk.Candidates[0].Content.Parts[0].Text, true
}
