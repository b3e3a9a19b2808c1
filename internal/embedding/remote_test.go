package embedding

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

	"github.com/scrypster/memento/pkg/types"
)

func embeddingHandler(calls *int32, rateLimitFirst bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(calls, 1)
		if rateLimitFirst && n == 1 {
			w.Header().Set("Retry-After", "0.05")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := map[string]interface{}{"data": []interface{}{}}
		data := make([]interface{}, len(req.Input))
		for i := range req.Input {
			vec := make([]float32, types.VectorDimension)
			vec[i%types.VectorDimension] = 1
			data[i] = map[string]interface{}{"embedding": vec, "index": i}
		}
		resp["data"] = data
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func TestHTTPClient_Embed(t *testing.T) {
	var calls int32
	server := httptest.NewServer(embeddingHandler(&calls, false))
	defer server.Close()

	client := NewHTTPClient(HTTPClientConfig{BaseURL: server.URL, APIKey: "k", Model: "m"})
	vecs, err := client.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Len(t, vecs[0], types.VectorDimension)
	assert.NotEqual(t, vecs[0], vecs[1], "per-index vectors land at their input position")
}

func TestHTTPClient_RateLimitSurfacesRetryHint(t *testing.T) {
	var calls int32
	server := httptest.NewServer(embeddingHandler(&calls, true))
	defer server.Close()

	client := NewHTTPClient(HTTPClientConfig{BaseURL: server.URL, Model: "m"})
	_, err := client.Embed(context.Background(), []string{"a"})
	require.Error(t, err)

	var rle *RateLimitError
	require.True(t, errorsAs(err, &rle))
	assert.Equal(t, 50*time.Millisecond, rle.RetryAfter)
}

// The scenario of a 429 on the first upstream call and success on the
// second, driven through the full Service batch path.
func TestService_BulkEmbedRecoversFrom429(t *testing.T) {
	var calls int32
	server := httptest.NewServer(embeddingHandler(&calls, true))
	defer server.Close()

	client := NewHTTPClient(HTTPClientConfig{BaseURL: server.URL, Model: "m"})
	svc := New(client, NewCache(1000, time.Hour), Config{
		ModelID: "m", FallbackEnabled: true, MaxRetries: 3, RequestsPerSecond: 10000,
	})

	texts := make([]string, 100)
	for i := range texts {
		texts[i] = "content " + string(rune('a'+i%26)) + string(rune('0'+i/26))
	}
	results, err := svc.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, results, 100)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "one 429 then one success")
	for i, r := range results {
		assert.False(t, r.IsFallback, "result %d came from the remote retry", i)
		assert.Len(t, r.Vector, types.VectorDimension)
	}
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 2*time.Second, parseRetryAfter("2"))
	assert.Equal(t, 50*time.Millisecond, parseRetryAfter("0.05"))
	assert.Equal(t, 500*time.Millisecond, parseRetryAfter(""))
	assert.Equal(t, 500*time.Millisecond, parseRetryAfter("garbage"))
}
