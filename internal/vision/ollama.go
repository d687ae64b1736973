package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OllamaClassifier compares product images through a local Ollama
// instance running a multimodal model such as llava. No API key
// needed; availability means the daemon answers.
type OllamaClassifier struct {
	endpoint string
	model    string
	client   *http.Client
}

var _ Classifier = (*OllamaClassifier)(nil)

// NewOllamaClassifier creates an Ollama-backed classifier. Empty
// endpoint and model fall back to localhost and "llava".
func NewOllamaClassifier(endpoint, model string) *OllamaClassifier {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if model == "" {
		model = "llava"
	}
	return &OllamaClassifier{
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: 120 * time.Second},
	}
}

// Name returns the classifier identifier for logging.
func (c *OllamaClassifier) Name() string {
	return "ollama/" + c.model
}

// Available pings the Ollama daemon.
func (c *OllamaClassifier) Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/api/tags", nil)
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Classify downloads both images, sends them base64-encoded to
// /api/generate and parses the model's verdict.
func (c *OllamaClassifier) Classify(ctx context.Context, req Request) (Verdict, error) {
	if req.Candidate.ImageURL == "" {
		return Verdict{}, fmt.Errorf("%w: candidate %s has no reference image", ErrClassificationFailed, req.Candidate.GTIN)
	}

	crop, err := loadImage(ctx, c.client, req.CropImage)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: crop image: %w", ErrClassificationFailed, err)
	}
	ref, err := loadImage(ctx, c.client, req.Candidate.ImageURL)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: reference image: %w", ErrClassificationFailed, err)
	}

	body := map[string]any{
		"model":  c.model,
		"prompt": systemPrompt + "\n\n" + userPrompt(req.Candidate),
		"stream": false,
		"images": []string{
			base64.StdEncoding.EncodeToString(crop),
			base64.StdEncoding.EncodeToString(ref),
		},
		"options": map[string]any{
			"temperature": 0.1,
			"num_predict": 200,
		},
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: marshal request: %w", ErrClassificationFailed, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/generate", bytes.NewReader(jsonBody))
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: create request: %w", ErrClassificationFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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
		return Verdict{}, fmt.Errorf("%w: ollama error (status %d): %s", ErrClassificationFailed, resp.StatusCode, truncateReply(respBody))
	}

	var parsed struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Verdict{}, fmt.Errorf("%w: parse response: %w", ErrClassificationFailed, err)
	}

	v, err := parseVerdict(parsed.Response)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %w: %s", ErrClassificationFailed, err, truncateReply([]byte(parsed.Response)))
	}
	return v, nil
}
