package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AITrekker/Jarvis/am"
	"github.com/AITrekker/Jarvis/errors"
)

// maxErrorBody bounds how much of an error response ends up in the error
const maxErrorBody = 512

// LocalProvider talks to an Ollama server for both summaries and embeddings
type LocalProvider struct {
	baseURL        string
	model          string
	embeddingModel string
	maxChars       int
	httpClient     *http.Client
}

// NewLocalProvider creates a provider for local inference
func NewLocalProvider(cfg *am.LocalInferenceConfig) *LocalProvider {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &LocalProvider{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		maxChars:       cfg.SummaryMaxChars,
		httpClient:     &http.Client{Timeout: timeout},
	}
}

// GenerateRequest is the body of POST /api/generate
type GenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// GenerateResponse is the non-streaming reply of /api/generate
type GenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// EmbeddingRequest is the body of POST /api/embeddings
type EmbeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// EmbeddingResponse is the reply of /api/embeddings
type EmbeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Summarize summarizes text. Transcripts longer than the configured limit
// are summarized chunk by chunk and the partial summaries joined.
func (lp *LocalProvider) Summarize(ctx context.Context, text string) (string, error) {
	chunks := ChunkText(text, lp.maxChars)
	parts := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		var resp GenerateResponse
		req := GenerateRequest{Model: lp.model, Prompt: fmt.Sprintf(SummaryPrompt, chunk)}
		if err := lp.post(ctx, "/api/generate", req, &resp); err != nil {
			return "", errors.Wrapf(err, "summarize chunk %d/%d", i+1, len(chunks))
		}
		summary := strings.TrimSpace(resp.Response)
		if summary == "" {
			return "", errors.MarkTransient(errors.Newf("model %s returned an empty summary", lp.model))
		}
		parts = append(parts, summary)
	}
	return strings.Join(parts, ChunkSeparator), nil
}

// Embed returns the embedding vector for text
func (lp *LocalProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp EmbeddingResponse
	if err := lp.post(ctx, "/api/embeddings", EmbeddingRequest{Model: lp.embeddingModel, Prompt: text}, &resp); err != nil {
		return nil, errors.Wrap(err, "embed")
	}
	if len(resp.Embedding) == 0 {
		return nil, errors.MarkTransient(errors.Newf("model %s returned an empty embedding", lp.embeddingModel))
	}
	return resp.Embedding, nil
}

// SummaryModel returns the configured summarization model name
func (lp *LocalProvider) SummaryModel() string {
	return lp.model
}

// EmbeddingModel returns the configured embedding model name
func (lp *LocalProvider) EmbeddingModel() string {
	return lp.embeddingModel
}

// post sends a JSON request and decodes a JSON reply. Transport failures,
// 429, 5xx and undecodable bodies are transient; other non-200 replies are
// permanent.
func (lp *LocalProvider) post(ctx context.Context, path string, body, out any) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return errors.MarkPermanent(errors.Wrap(err, "failed to marshal request"))
	}

	endpoint := lp.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return errors.MarkPermanent(errors.Wrap(err, "failed to create request"))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := lp.httpClient.Do(req)
	if err != nil {
		return errors.MarkTransient(errors.Mark(errors.Wrapf(err, "request to %s failed", endpoint), errors.ErrServiceUnavailable))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := errors.Newf("local inference returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return errors.MarkTransient(statusErr)
		}
		return errors.MarkPermanent(statusErr)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.MarkTransient(errors.Wrap(err, "failed to decode response"))
	}
	return nil
}

// ChunkText splits text into pieces of at most maxChars bytes, breaking on
// whitespace. A single word longer than maxChars becomes its own chunk.
// maxChars <= 0 disables chunking.
func ChunkText(text string, maxChars int) []string {
	if maxChars <= 0 || len(text) <= maxChars {
		return []string{text}
	}

	var (
		chunks  []string
		current strings.Builder
	)
	for _, word := range strings.Fields(text) {
		if current.Len() > 0 && current.Len()+1+len(word) > maxChars {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(word)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

var (
	_ Summarizer = (*LocalProvider)(nil)
	_ Embedder   = (*LocalProvider)(nil)
)
