package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shelfmatch/internal/model"
)

func testClient(baseURL string) *HTTPClient {
	c := NewHTTPClient(ClientConfig{
		BaseURL:         baseURL,
		APIKey:          "test-key",
		Limit:           5,
		RequestInterval: time.Millisecond,
	})
	c.retries = 1
	c.backoff = []time.Duration{time.Millisecond}
	return c
}

func TestSearchParsesCandidates(t *testing.T) {
	var gotReq searchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/products/search", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"products": [
			{"gtin": "00012345", "brand": "Acme", "title": "Acme Cola Zero", "size": "12 oz",
			 "image_url": "https://img.example/1.jpg", "retailers": ["walmart"], "score": 0.97},
			{"gtin": "00067890", "brand": "Acme", "title": "Acme Cola", "size": "16 oz",
			 "image_url": "https://img.example/2.jpg"}
		]}`))
	}))
	defer srv.Close()

	cands, err := testClient(srv.URL).Search(context.Background(), "Acme Cola", "walmart")
	require.NoError(t, err)
	require.Len(t, cands, 2)

	assert.Equal(t, "Acme Cola", gotReq.Query)
	assert.Equal(t, "walmart", gotReq.Retailer)
	assert.Equal(t, 5, gotReq.Limit)

	first := cands[0]
	assert.Equal(t, "00012345", first.GTIN)
	assert.Equal(t, "Acme", first.Brand)
	assert.Equal(t, "Acme Cola Zero", first.Title)
	assert.Equal(t, "12 oz", first.Size)
	assert.Equal(t, []string{"walmart"}, first.Retailers)
	assert.Equal(t, model.StageSearch, first.Stage)

	// The raw payload is preserved, including fields the typed model
	// does not carry.
	assert.Contains(t, string(first.Raw), `"score"`)
}

func TestSearchEmptyResultIsNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"products": []}`))
	}))
	defer srv.Close()

	cands, err := testClient(srv.URL).Search(context.Background(), "Acme Cola", "")
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestSearchSkipsMalformedRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"products": ["not an object", {"gtin": "00012345", "title": "Acme Cola"}]}`))
	}))
	defer srv.Close()

	cands, err := testClient(srv.URL).Search(context.Background(), "Acme Cola", "")
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "00012345", cands[0].GTIN)
}

func TestSearchRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Search(context.Background(), "Acme Cola", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSearchFailed)
	assert.EqualValues(t, 2, hits.Load()) // first attempt plus one retry
}

func TestSearchRecoversAfterTransientError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "try again", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"products": [{"gtin": "00012345"}]}`))
	}))
	defer srv.Close()

	cands, err := testClient(srv.URL).Search(context.Background(), "Acme Cola", "")
	require.NoError(t, err)
	assert.Len(t, cands, 1)
	assert.EqualValues(t, 2, hits.Load())
}

func TestSearchDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Search(context.Background(), "Acme Cola", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSearchFailed)
	assert.EqualValues(t, 1, hits.Load())
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Search(context.Background(), "   ", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSearchFailed)
	assert.Zero(t, hits.Load())
}

func TestSearchUnreachableService(t *testing.T) {
	c := testClient("http://127.0.0.1:1")

	_, err := c.Search(context.Background(), "Acme Cola", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSearchFailed)
}

func TestSearchContextCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := testClient(srv.URL).Search(ctx, "Acme Cola", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
