package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/internal/model"
)

func TestNew_Providers(t *testing.T) {
	s, err := New("", "", "", "")
	require.NoError(t, err)
	assert.IsType(t, &concatSummarizer{}, s)

	s, err = New("none", "", "", "")
	require.NoError(t, err)
	assert.IsType(t, &concatSummarizer{}, s)

	s, err = New("ollama", "", "", "")
	require.NoError(t, err)
	assert.IsType(t, &OllamaSummarizer{}, s)

	_, err = New("bard", "", "", "")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestParseSummary(t *testing.T) {
	s, err := parseSummary("# Merged title\nBody line one.\nBody line two.")
	require.NoError(t, err)
	assert.Equal(t, "Merged title", s.Title)
	assert.Equal(t, "Body line one.\nBody line two.", s.Content)

	// Single line replies keep the whole text as content.
	s, err = parseSummary("just one line")
	require.NoError(t, err)
	assert.Equal(t, "just one line", s.Title)
	assert.Equal(t, "just one line", s.Content)

	_, err = parseSummary("   ")
	assert.ErrorIs(t, err, model.ErrSummarizationUnavailable)
}

func TestConcatSummarizer_EmptyCluster(t *testing.T) {
	s := &concatSummarizer{}
	_, err := s.Summarize(context.Background(), nil)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestOllamaSummarizer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		require.Len(t, req.Messages, 1)
		assert.Contains(t, req.Messages[0].Content, "note 1")

		var resp ollamaChatResponse
		resp.Message.Content = "Merged title\nMerged body."
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := NewOllamaSummarizer(srv.URL, "test-model")
	summary, err := p.Summarize(context.Background(), []model.Memory{
		{Kind: model.KindFact, Title: "a", Content: "alpha"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Merged title", summary.Title)
	assert.Equal(t, "Merged body.", summary.Content)
}

func TestOllamaSummarizer_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewOllamaSummarizer(srv.URL, "")
	_, err := p.Summarize(context.Background(), []model.Memory{{Kind: model.KindFact, Title: "a", Content: "b"}})
	assert.ErrorIs(t, err, model.ErrSummarizationUnavailable)
}
