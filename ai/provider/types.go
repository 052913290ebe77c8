package provider

import "context"

// Summarizer condenses a transcript into a summary
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
	SummaryModel() string
}

// Embedder turns text into a fixed-length vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbeddingModel() string
}

// SummaryPrompt wraps a transcript for the summarization model
const SummaryPrompt = "Please summarize the following transcribed conversation:\n%s\n" +
	"Provide a concise summary that captures the main points and important details.\n" +
	"Format your response as a simple, well-organized summary without mentioning that this is a summary or transcription."

// ChunkSeparator joins partial summaries of a chunked transcript
const ChunkSeparator = "\n\n[Transcript chunked due to length.]\n\n"
