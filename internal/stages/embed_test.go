package stages

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgbilod/docpipe/internal/job"
)

func newEmbedder(endpoint string) *Embedder {
	return NewEmbedder(&EmbedderConfig{
		Endpoint:       endpoint,
		RequestTimeout: 2 * time.Second,
		RequestsPerSec: 1000,
		Burst:          1000,
	}, slog.New(slog.DiscardHandler))
}

func TestEmbedder_Embed(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Chunks []string `json:"chunks"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, []string{"a", "b"}, req.Chunks)

			json.NewEncoder(w).Encode(map[string]any{"vector": []float64{0.1, 0.2, 0.3}})
		}))
		defer srv.Close()

		out, err := newEmbedder(srv.URL).Embed(ctx, &job.EmbedInput{Chunks: []string{"a", "b"}})
		require.NoError(t, err)
		assert.Equal(t, []float64{0.1, 0.2, 0.3}, out.Vector)
		assert.Equal(t, []string{"a", "b"}, out.Chunks)
	})

	t.Run("rate limit response is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		_, err := newEmbedder(srv.URL).Embed(ctx, &job.EmbedInput{Chunks: []string{"a"}})
		require.Error(t, err)
		assert.True(t, job.IsTransient(err))
	})

	t.Run("server error is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		_, err := newEmbedder(srv.URL).Embed(ctx, &job.EmbedInput{Chunks: []string{"a"}})
		require.Error(t, err)
		assert.True(t, job.IsTransient(err))
	})

	t.Run("client rejection is permanent", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
		}))
		defer srv.Close()

		_, err := newEmbedder(srv.URL).Embed(ctx, &job.EmbedInput{Chunks: []string{"a"}})
		require.Error(t, err)
		assert.False(t, job.IsTransient(err))
	})

	t.Run("empty vector is permanent", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"vector": []float64{}})
		}))
		defer srv.Close()

		_, err := newEmbedder(srv.URL).Embed(ctx, &job.EmbedInput{Chunks: []string{"a"}})
		require.Error(t, err)
		assert.False(t, job.IsTransient(err))
		assert.Contains(t, err.Error(), "no vector")
	})

	t.Run("unreachable endpoint is transient", func(t *testing.T) {
		_, err := newEmbedder("http://127.0.0.1:1/embed").Embed(ctx, &job.EmbedInput{Chunks: []string{"a"}})
		require.Error(t, err)
		assert.True(t, job.IsTransient(err))
	})
}

func TestMetadataExtractor_Extract(t *testing.T) {
	ctx := context.Background()

	newExtractor := func(endpoint string, maxBytes int) *MetadataExtractor {
		return NewMetadataExtractor(&MetadataExtractorConfig{
			Endpoint:       endpoint,
			RequestTimeout: 2 * time.Second,
			MaxTextBytes:   maxBytes,
		}, slog.New(slog.DiscardHandler))
	}

	t.Run("success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Text string `json:"text"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "clean body", req.Text)

			json.NewEncoder(w).Encode(map[string]any{
				"metadata": map[string]string{"lang": "en", "title": "Body"},
			})
		}))
		defer srv.Close()

		out, err := newExtractor(srv.URL, 0).Extract(ctx, &job.MetadataInput{CleanedText: "clean body"})
		require.NoError(t, err)
		assert.Equal(t, "en", out.Extracted["lang"])
		assert.Equal(t, "Body", out.Extracted["title"])
	})

	t.Run("long text is truncated", func(t *testing.T) {
		var gotLen int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Text string `json:"text"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			gotLen = len(req.Text)
			json.NewEncoder(w).Encode(map[string]any{"metadata": map[string]string{}})
		}))
		defer srv.Close()

		longText := make([]byte, 200)
		for i := range longText {
			longText[i] = 'x'
		}
		_, err := newExtractor(srv.URL, 100).Extract(ctx, &job.MetadataInput{CleanedText: string(longText)})
		require.NoError(t, err)
		assert.Equal(t, 100, gotLen)
	})

	t.Run("upstream failure is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		_, err := newExtractor(srv.URL, 0).Extract(ctx, &job.MetadataInput{CleanedText: "x"})
		require.Error(t, err)
		assert.True(t, job.IsTransient(err))
	})
}
