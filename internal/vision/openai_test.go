package vision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shelfmatch/internal/model"
)

type openAIRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
}

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	ImageURL struct {
		URL string `json:"url"`
	} `json:"image_url"`
}

func openAIReply(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
	})
	return string(b)
}

func TestOpenAIClassify(t *testing.T) {
	var gotReq openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Write([]byte(openAIReply(`{"match_status": "identical", "confidence": 0.93, "rationale": "same can"}`)))
	}))
	defer srv.Close()

	c := NewOpenAIClassifier("sk-test", "gpt-4o-mini", srv.URL)
	cand := model.Candidate{GTIN: "00012345", Brand: "Acme", Title: "Acme Cola", Size: "12 oz",
		ImageURL: "https://img.example/ref.jpg"}

	v, err := c.Classify(context.Background(), Request{
		CropImage: "https://img.example/crop.jpg",
		Candidate: cand,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusIdentical, v.Status)
	assert.InDelta(t, 0.93, v.Confidence, 1e-9)
	assert.Equal(t, "same can", v.Rationale)

	assert.Equal(t, "gpt-4o-mini", gotReq.Model)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Equal(t, "user", gotReq.Messages[1].Role)

	var parts []contentPart
	require.NoError(t, json.Unmarshal(gotReq.Messages[1].Content, &parts))
	require.Len(t, parts, 3)
	assert.Equal(t, "text", parts[0].Type)
	assert.Contains(t, parts[0].Text, "Acme Cola")
	assert.Equal(t, "https://img.example/crop.jpg", parts[1].ImageURL.URL)
	assert.Equal(t, "https://img.example/ref.jpg", parts[2].ImageURL.URL)
}

func TestOpenAIInlinesLocalCrop(t *testing.T) {
	crop := filepath.Join(t.TempDir(), "crop.png")
	require.NoError(t, os.WriteFile(crop, []byte("not really a png"), 0644))

	var gotReq openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Write([]byte(openAIReply(`{"match_status": "not_match", "confidence": 0.9}`)))
	}))
	defer srv.Close()

	c := NewOpenAIClassifier("sk-test", "", srv.URL)
	_, err := c.Classify(context.Background(), Request{
		CropImage: crop,
		Candidate: model.Candidate{GTIN: "001", ImageURL: "https://img.example/ref.jpg"},
	})
	require.NoError(t, err)

	var parts []contentPart
	require.NoError(t, json.Unmarshal(gotReq.Messages[1].Content, &parts))
	require.Len(t, parts, 3)
	assert.True(t, strings.HasPrefix(parts[1].ImageURL.URL, "data:image/png;base64,"),
		"local crop must be inlined as a data URL, got %q", parts[1].ImageURL.URL[:32])
}

func TestOpenAIServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "overloaded"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewOpenAIClassifier("sk-test", "", srv.URL)
	_, err := c.Classify(context.Background(), Request{
		CropImage: "https://img.example/crop.jpg",
		Candidate: model.Candidate{GTIN: "001", ImageURL: "https://img.example/ref.jpg"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClassificationFailed)
}

func TestOpenAIUnusableReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(openAIReply("I cannot tell from these images.")))
	}))
	defer srv.Close()

	c := NewOpenAIClassifier("sk-test", "", srv.URL)
	_, err := c.Classify(context.Background(), Request{
		CropImage: "https://img.example/crop.jpg",
		Candidate: model.Candidate{GTIN: "001", ImageURL: "https://img.example/ref.jpg"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClassificationFailed)
}

func TestOpenAIRequiresKey(t *testing.T) {
	c := NewOpenAIClassifier("", "", "")
	assert.False(t, c.Available())
	assert.Equal(t, "openai/gpt-4o", c.Name())

	_, err := c.Classify(context.Background(), Request{
		CropImage: "crop.jpg",
		Candidate: model.Candidate{GTIN: "001", ImageURL: "https://img.example/ref.jpg"},
	})
	assert.ErrorIs(t, err, ErrClassificationFailed)
}

func TestOpenAIRequiresReferenceImage(t *testing.T) {
	c := NewOpenAIClassifier("sk-test", "", "")
	_, err := c.Classify(context.Background(), Request{
		CropImage: "crop.jpg",
		Candidate: model.Candidate{GTIN: "001"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClassificationFailed)
	assert.Contains(t, err.Error(), "no reference image")
}
