package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIClassifier compares product images through the OpenAI chat
// completions API with a vision-capable model.
type OpenAIClassifier struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

var _ Classifier = (*OpenAIClassifier)(nil)

// NewOpenAIClassifier creates an OpenAI-backed classifier. Empty model
// and endpoint fall back to "gpt-4o" and the public API.
func NewOpenAIClassifier(apiKey, model, endpoint string) *OpenAIClassifier {
	if model == "" {
		model = "gpt-4o"
	}
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1/chat/completions"
	}
	return &OpenAIClassifier{
		apiKey:   apiKey,
		model:    model,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 120 * time.Second},
	}
}

// Name returns the classifier identifier for logging.
func (c *OpenAIClassifier) Name() string {
	return "openai/" + c.model
}

// Available returns true if the API key is configured.
func (c *OpenAIClassifier) Available() bool {
	return c.apiKey != ""
}

// Classify sends both images plus the candidate's catalog attributes
// and parses the model's verdict.
func (c *OpenAIClassifier) Classify(ctx context.Context, req Request) (Verdict, error) {
	if !c.Available() {
		return Verdict{}, fmt.Errorf("%w: openai classifier not configured", ErrClassificationFailed)
	}
	if req.Candidate.ImageURL == "" {
		return Verdict{}, fmt.Errorf("%w: candidate %s has no reference image", ErrClassificationFailed, req.Candidate.GTIN)
	}

	cropRef, err := c.imageRef(req.CropImage)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: crop image: %w", ErrClassificationFailed, err)
	}

	body := map[string]any{
		"model":                 c.model,
		"max_completion_tokens": 300,
		"messages": []map[string]any{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": []map[string]any{
				{"type": "text", "text": userPrompt(req.Candidate)},
				{"type": "image_url", "image_url": map[string]string{"url": cropRef}},
				{"type": "image_url", "image_url": map[string]string{"url": req.Candidate.ImageURL}},
			}},
		},
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: marshal request: %w", ErrClassificationFailed, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: create request: %w", ErrClassificationFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: request failed: %w", ErrClassificationFailed, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: read response: %w", ErrClassificationFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Verdict{}, fmt.Errorf("%w: openai API error (status %d): %s", ErrClassificationFailed, resp.StatusCode, truncateReply(respBody))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Verdict{}, fmt.Errorf("%w: parse response: %w", ErrClassificationFailed, err)
	}
	if len(parsed.Choices) == 0 {
		return Verdict{}, fmt.Errorf("%w: empty response", ErrClassificationFailed)
	}

	v, err := parseVerdict(parsed.Choices[0].Message.Content)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %w: %s", ErrClassificationFailed, err, truncateReply([]byte(parsed.Choices[0].Message.Content)))
	}
	return v, nil
}

// imageRef passes remote URLs and data URLs through and inlines local
// files as a base64 data URL.
func (c *OpenAIClassifier) imageRef(ref string) (string, error) {
	if isRemote(ref) || strings.HasPrefix(ref, "data:") {
		return ref, nil
	}
	data, err := loadImage(context.Background(), c.client, ref)
	if err != nil {
		return "", err
	}
	return "data:" + mimeFor(ref) + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func truncateReply(b []byte) string {
	const limit = 200
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}
