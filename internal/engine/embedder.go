package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/lazypower/mnemo/internal/config"
	"github.com/lazypower/mnemo/internal/vector"
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Model() string
	Dimensions() int
}

// NewEmbedder builds the configured embedding provider. corpus seeds the
// TF-IDF vocabulary and is ignored by the other providers. Provider "none"
// returns nil.
func NewEmbedder(cfg config.EmbeddingConfig, corpus []string) (Embedder, error) {
	switch cfg.Provider {
	case "none", "":
		return nil, nil
	case "ollama":
		return NewOllamaEmbedder(cfg.OllamaURL, cfg.Model, cfg.Dimensions), nil
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("openai embedder requires OPENAI_API_KEY or config")
		}
		return NewOpenAIEmbedder(openai.DefaultConfig(cfg.OpenAIKey), cfg.Model, cfg.Dimensions), nil
	case "tfidf":
		return NewTFIDFEmbedder(corpus, cfg.MaxTerms), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %q", cfg.Provider)
	}
}

// OllamaEmbedder uses Ollama's embedding API.
type OllamaEmbedder struct {
	url    string
	model  string
	dims   int
	client *http.Client
}

// NewOllamaEmbedder creates an embedder using Ollama's API.
func NewOllamaEmbedder(url, model string, dims int) *OllamaEmbedder {
	return &OllamaEmbedder{
		url:    url,
		model:  model,
		dims:   dims,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (o *OllamaEmbedder) Model() string   { return "ollama:" + o.model }
func (o *OllamaEmbedder) Dimensions() int { return o.dims }

// Embed sends text to Ollama's embed endpoint and returns the embedding vector.
func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(map[string]any{
		"model": o.model,
		"input": text,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embed api: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama embed status %d: %s", resp.StatusCode, respBody)
	}

	var result struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("ollama returned no embeddings")
	}
	return result.Embeddings[0], nil
}

// ProbeOllama checks if Ollama is reachable and the embedding model is available.
func ProbeOllama(ctx context.Context, url, model string) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := NewOllamaEmbedder(url, model, 0).Embed(ctx, "test")
	return err == nil
}

// OpenAIEmbedder uses the OpenAI embeddings endpoint.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dims   int
}

// NewOpenAIEmbedder creates an embedder from an OpenAI client config.
// dims of 0 keeps the model's native size.
func NewOpenAIEmbedder(cfg openai.ClientConfig, model string, dims int) *OpenAIEmbedder {
	if model == "" || model == "nomic-embed-text" {
		model = string(openai.SmallEmbedding3)
	}
	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		dims:   dims,
	}
}

func (o *OpenAIEmbedder) Model() string   { return "openai:" + o.model }
func (o *OpenAIEmbedder) Dimensions() int { return o.dims }

// Embed requests a single embedding.
func (o *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(o.model),
		Dimensions: o.dims,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed api: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai returned no embeddings")
	}
	return vector.FromFloat32(resp.Data[0].Embedding), nil
}

// TFIDFEmbedder generates TF-IDF bag-of-words embeddings as a fallback.
type TFIDFEmbedder struct {
	vocab []string           // ordered vocabulary (top terms by doc frequency)
	idf   map[string]float64 // inverse document frequency per term
	dims  int
}

// NewTFIDFEmbedder builds a TF-IDF embedder from existing record content.
func NewTFIDFEmbedder(docs []string, maxTerms int) *TFIDFEmbedder {
	if maxTerms <= 0 {
		maxTerms = 512
	}

	df := make(map[string]int)
	numDocs := 0
	for _, doc := range docs {
		if strings.TrimSpace(doc) == "" {
			continue
		}
		numDocs++
		seen := make(map[string]bool)
		for _, term := range tokenize(doc) {
			if !seen[term] {
				df[term]++
				seen[term] = true
			}
		}
	}

	type termFreq struct {
		term string
		freq int
	}
	terms := make([]termFreq, 0, len(df))
	for t, f := range df {
		terms = append(terms, termFreq{t, f})
	}
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].freq != terms[j].freq {
			return terms[i].freq > terms[j].freq
		}
		return terms[i].term < terms[j].term
	})

	dims := min(maxTerms, len(terms))
	if dims == 0 {
		dims = 1 // minimum dimension to avoid zero-length vectors
	}

	vocab := make([]string, dims)
	idf := make(map[string]float64)
	n := float64(max(numDocs, 1))
	for i := 0; i < dims && i < len(terms); i++ {
		vocab[i] = terms[i].term
		// IDF = log(N / df) + 1 (smoothed)
		idf[vocab[i]] = math.Log(n/float64(terms[i].freq)) + 1.0
	}

	return &TFIDFEmbedder{
		vocab: vocab,
		idf:   idf,
		dims:  dims,
	}
}

func (t *TFIDFEmbedder) Model() string   { return "tfidf" }
func (t *TFIDFEmbedder) Dimensions() int { return t.dims }

// Embed generates a normalized TF-IDF vector for the given text. Text with
// no vocabulary terms yields a zero vector, which callers treat as missing.
func (t *TFIDFEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, t.dims)
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return vec, nil
	}

	tf := make(map[string]int)
	maxTF := 0
	for _, tok := range tokens {
		tf[tok]++
		maxTF = max(maxTF, tf[tok])
	}

	for i, term := range t.vocab {
		count := tf[term]
		if count == 0 {
			continue
		}
		// Augmented TF to prevent bias towards longer documents
		augTF := 0.5 + 0.5*float64(count)/float64(maxTF)
		idf := t.idf[term]
		if idf == 0 {
			idf = 1.0
		}
		vec[i] = augTF * idf
	}

	vector.Normalize(vec)
	return vec, nil
}

// tokenize splits text into lowercase tokens, stripping punctuation.
func tokenize(text string) []string {
	text = strings.ToLower(text)
	var tokens []string
	var current strings.Builder
	for _, r := range text {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			current.WriteRune(r)
		} else {
			if current.Len() > 1 { // skip single-char tokens
				tokens = append(tokens, current.String())
			}
			current.Reset()
		}
	}
	if current.Len() > 1 {
		tokens = append(tokens, current.String())
	}
	return tokens
}
