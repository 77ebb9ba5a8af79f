package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config holds configuration for the HTTP embedding service.
type Config struct {
	// BaseURL is the base URL of the TEI-compatible embedding API.
	BaseURL string

	// Model is the embedding model name, used for metrics labels and
	// dimension detection.
	Model string

	// Dimension overrides model-based dimension detection when non-zero.
	Dimension int

	// Timeout is the per-request deadline applied when the caller's
	// context carries none.
	Timeout time.Duration

	// RateLimit is the maximum requests per second on the shared provider
	// connection. Zero disables limiting.
	RateLimit float64
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	return nil
}

// detectDimension returns the embedding dimension for a model name.
// Falls back to 384 (bge-small) when the model is unknown.
func detectDimension(model string) int {
	switch {
	case strings.Contains(model, "large"):
		return 1024
	case strings.Contains(model, "base"):
		return 768
	default:
		return 384
	}
}

// Service is an HTTP embedding provider speaking the TEI /embed protocol.
// The connection is shared; callers must never hold a store connection
// across a call into it.
type Service struct {
	config  Config
	client  *http.Client
	limiter *rate.Limiter
	metrics *Metrics
}

// NewService creates an embedding service.
func NewService(cfg Config, logger *zap.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Dimension == 0 {
		cfg.Dimension = detectDimension(cfg.Model)
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	return &Service{
		config:  cfg,
		client:  &http.Client{},
		limiter: limiter,
		metrics: NewMetrics(logger),
	}, nil
}

// teiRequest is the request body for the TEI embed endpoint.
type teiRequest struct {
	Inputs   interface{} `json:"inputs"`
	Truncate bool        `json:"truncate"`
}

// Dimension returns the embedding dimension for the configured model.
func (s *Service) Dimension() int { return s.config.Dimension }

// Close is a no-op; the service holds no long-lived resources.
func (s *Service) Close() error { return nil }

// EmbedQuery generates an embedding for a single query text.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: %w", ErrPermanent, ErrEmptyInput)
	}
	vectors, err := s.embed(ctx, "embed_query", text, 1)
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrTransient)
	}
	return vectors[0], nil
}

// EmbedDocuments generates embeddings for multiple texts.
func (s *Service) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrPermanent, ErrEmptyInput)
	}
	vectors, err := s.embed(ctx, "embed_documents", texts, len(texts))
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrTransient, len(vectors), len(texts))
	}
	return vectors, nil
}

func (s *Service) embed(ctx context.Context, operation string, inputs interface{}, batchSize int) ([][]float32, error) {
	start := time.Now()
	var genErr error
	defer func() {
		s.metrics.RecordGeneration(ctx, s.config.Model, operation, time.Since(start), batchSize, genErr)
	}()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			genErr = fmt.Errorf("%w: rate limit wait: %v", ErrTransient, err)
			return nil, genErr
		}
	}

	body, err := json.Marshal(teiRequest{Inputs: inputs, Truncate: true})
	if err != nil {
		genErr = fmt.Errorf("%w: marshaling request: %v", ErrPermanent, err)
		return nil, genErr
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		genErr = fmt.Errorf("%w: creating request: %v", ErrPermanent, err)
		return nil, genErr
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		genErr = fmt.Errorf("%w: %v", ErrTransient, err)
		return nil, genErr
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		class := ErrTransient
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			class = ErrPermanent
		}
		genErr = fmt.Errorf("%w: status %d: %s", class, resp.StatusCode, string(respBody))
		return nil, genErr
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		genErr = fmt.Errorf("%w: decoding response: %v", ErrTransient, err)
		return nil, genErr
	}

	return vectors, nil
}
