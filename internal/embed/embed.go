// Package embed converts text to float32 vectors via any
// OpenAI-compatible embedding server and runs the background sweep
// that embeds pending rows. The daemon degrades gracefully when no
// server is reachable: keyword search keeps working and semantic
// features report the model as unavailable.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"diachron/internal/logging"
)

// ErrUnavailable is returned when the embedding backend cannot serve
// requests.
var ErrUnavailable = errors.New("embed: model unavailable")

// ModelState tracks the embedding backend lifecycle.
type ModelState string

const (
	StateUnloaded    ModelState = "unloaded"
	StateLoading     ModelState = "loading"
	StateLoaded      ModelState = "loaded"
	StateUnavailable ModelState = "unavailable"
)

// Embedder converts text to unit-normalized vectors.
type Embedder interface {
	// Embed returns the embedding for one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns embeddings for multiple texts in one call.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector dimension.
	Dimensions() int

	// State returns the current backend state.
	State() ModelState
}

// Config configures the embedding client.
type Config struct {
	// Endpoint is the base URL of the embedding server. Empty disables
	// embedding entirely.
	Endpoint string

	// Model is the model name sent with each request.
	Model string

	// Dimensions is the expected vector dimension.
	Dimensions int

	// BatchSize caps texts per HTTP request. Default 32.
	BatchSize int

	// Timeout per HTTP request. Default 30s.
	Timeout time.Duration
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Dimensions <= 0 {
		c.Dimensions = 384
	}
}

// New creates an Embedder. An empty endpoint yields a disabled
// embedder whose calls return ErrUnavailable.
func New(cfg Config, log *logging.Logger) Embedder {
	cfg.defaults()
	if log == nil {
		log = logging.Default()
	}
	if cfg.Endpoint == "" {
		return &disabledEmbedder{dim: cfg.Dimensions}
	}
	return &Client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		state:    StateUnloaded,
		log:      log.WithComponent("embed"),
	}
}

// disabledEmbedder is the fallback when no endpoint is configured.
type disabledEmbedder struct{ dim int }

func (d *disabledEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, ErrUnavailable
}

func (d *disabledEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, ErrUnavailable
}

func (d *disabledEmbedder) Dimensions() int   { return d.dim }
func (d *disabledEmbedder) State() ModelState { return StateUnavailable }

// Client talks to an OpenAI-format /v1/embeddings endpoint. This
// covers Ollama, vLLM, llama.cpp server, and OpenAI itself.
type Client struct {
	endpoint string
	cfg      Config
	http     *http.Client
	log      *logging.Logger

	mu    sync.Mutex
	state ModelState
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

// State returns the backend state observed by the last request.
func (c *Client) State() ModelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s ModelState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Dimensions returns the configured vector dimension.
func (c *Client) Dimensions() int { return c.cfg.Dimensions }

// Embed returns the unit-normalized embedding for one text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in request-sized batches, preserving order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	if c.State() == StateUnloaded {
		c.setState(StateLoading)
	}

	result := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := c.callAPI(ctx, texts[start:end])
		if err != nil {
			c.setState(StateUnavailable)
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		copy(result[start:end], vecs)
	}

	c.setState(StateLoaded)
	return result, nil
}

func (c *Client) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.cfg.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := c.endpoint + "/v1/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("HTTP %d from %s: %s", resp.StatusCode, url, string(respBody))
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("no embeddings returned from %s", url)
	}

	// Responses carry an index; reassemble in input order.
	vecs := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index >= 0 && d.Index < len(vecs) {
			vecs[d.Index] = Normalize(d.Embedding)
		}
	}
	for i, v := range vecs {
		if v == nil {
			return nil, fmt.Errorf("missing embedding for input index %d", i)
		}
		if len(v) != c.cfg.Dimensions {
			return nil, fmt.Errorf("dimension mismatch: got %d, want %d", len(v), c.cfg.Dimensions)
		}
	}
	return vecs, nil
}

// Normalize scales vec to unit length. Zero vectors pass through
// unchanged.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}
