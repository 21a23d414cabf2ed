package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"log"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/philippgille/chromem-go"
)

// Dimension of locally generated embeddings
const Dimension = 128

// Embedder turns text into a vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config represents embedding configuration
type Config struct {
	APIKey   string
	Endpoint string
}

// New returns an HTTP embedder with local fallback when an endpoint is
// configured, otherwise the local embedder alone.
func New(config Config) Embedder {
	if config.Endpoint == "" {
		return Local{}
	}
	return &Remote{
		config:     config,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		fallback:   Local{},
	}
}

// Local produces deterministic hashed bag-of-tokens vectors, L2 normalized.
type Local struct{}

// Embed implements Embedder
func (Local) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, Dimension)
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		// Never return a zero vector; it cannot be normalized
		tokens = []string{strings.TrimSpace(text)}
	}

	for _, tok := range tokens {
		h := fnv.New32a()
		h.Write([]byte(tok))
		sum := h.Sum32()
		idx := int(sum % Dimension)
		// Bit 16 of the hash picks the sign so collisions partly cancel
		if sum&(1<<16) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}

	return Normalize(vec), nil
}

// Remote calls an external embedding service and falls back to Local
type Remote struct {
	config     Config
	httpClient *http.Client
	fallback   Embedder
}

// Embed implements Embedder
func (r *Remote) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := r.embedRemote(ctx, text)
	if err == nil {
		return vec, nil
	}
	log.Printf("⚠️  External embedding service failed (%v), falling back to local embeddings", err)
	return r.fallback.Embed(ctx, text)
}

func (r *Remote) embedRemote(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]interface{}{"texts": []string{text}})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.config.APIKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call embedding service: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding service returned status %d: %s", resp.StatusCode, string(data))
	}

	var response struct {
		Success    bool        `json:"success"`
		Embeddings [][]float64 `json:"embeddings"`
		Error      string      `json:"error,omitempty"`
	}
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, fmt.Errorf("failed to parse embedding response: %w", err)
	}
	if !response.Success {
		return nil, fmt.Errorf("embedding service error: %s", response.Error)
	}
	if len(response.Embeddings) == 0 || len(response.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("no embeddings generated")
	}

	vec := make([]float32, len(response.Embeddings[0]))
	for i, v := range response.Embeddings[0] {
		vec[i] = float32(v)
	}
	return Normalize(vec), nil
}

// ChromemFunc adapts an Embedder to chromem's embedding function signature
func ChromemFunc(e Embedder) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return e.Embed(ctx, text)
	}
}

// Tokenize lowercases text and splits it on anything that is not a letter or digit
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Normalize scales v to unit length in place. A zero vector is returned as is.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}

// Cosine returns the cosine similarity of a and b, or 0 when either is empty
// or their lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
