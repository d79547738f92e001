// Package extractor fetches a raw event's source and turns it into plain
// text. HTML goes through a DOM pass then a whole-document text pass; PDF
// sources go through the PDF text layer. Failures carry a typed kind so
// the audit trail and retry orchestrator can act on them.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cyberwatch/pipeline/internal/metrics"
	"github.com/cyberwatch/pipeline/internal/storage/models"
	"github.com/cyberwatch/pipeline/pkg/logger"
)

// Pass selects a strategy ordering. Retry passes lead with a different
// strategy than the initial pass, so a deterministic failure is not simply
// repeated.
type Pass int

const (
	PassInitial Pass = iota
	PassRetry
)

// FetchCache is the optional transient body cache (redis-backed in
// production, nil to disable).
type FetchCache interface {
	Get(ctx context.Context, url string) (body []byte, found bool)
	Set(ctx context.Context, url string, body []byte)
}

// Store is the slice of the persistent store the extractor writes to: the
// durable per-event content cache.
type Store interface {
	CacheRawContent(ctx context.Context, rawEventID, content string) error
}

type Config struct {
	FetchTimeout    time.Duration
	UserAgent       string
	MaxBodyBytes    int64
	MinContentChars int
}

type Extractor struct {
	cfg        Config
	httpClient *http.Client
	cache      FetchCache
	store      Store
}

func New(cfg Config, store Store, cache FetchCache, httpClient *http.Client) *Extractor {
	if cfg.MinContentChars == 0 {
		cfg.MinContentChars = 200
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = 20 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.FetchTimeout}
	}
	return &Extractor{cfg: cfg, httpClient: httpClient, cache: cache, store: store}
}

// Extract returns plain text for a raw event's source. The durable content
// cache short-circuits the network entirely; a successful extraction
// populates it exactly once.
func (e *Extractor) Extract(ctx context.Context, ev *models.RawEvent, pass Pass) (string, error) {
	if ev.RawContent != "" {
		logger.Debug("content cache hit", zap.String("raw_event_id", ev.ID))
		return ev.RawContent, nil
	}

	if ev.SourceURL == "" {
		return "", newError(KindNoContent, "", fmt.Errorf("raw event has no source url"))
	}

	body, contentType, err := e.fetch(ctx, ev.SourceURL)
	if err != nil {
		if ee, ok := AsExtractionError(err); ok {
			metrics.ExtractionFailures.WithLabelValues(string(ee.Kind)).Inc()
		}
		return "", err
	}

	text, strategyName, err := e.runStrategies(ev.SourceURL, body, contentType, pass)
	if err != nil {
		if ee, ok := AsExtractionError(err); ok {
			metrics.ExtractionFailures.WithLabelValues(string(ee.Kind)).Inc()
		}
		return "", err
	}

	metrics.ExtractionStrategyUsed.WithLabelValues(strategyName).Inc()
	logger.Info("content extracted",
		zap.String("raw_event_id", ev.ID),
		zap.String("strategy", strategyName),
		zap.Int("chars", len(text)),
	)

	if err := e.store.CacheRawContent(ctx, ev.ID, text); err != nil {
		logger.Warn("failed to persist content cache", zap.String("raw_event_id", ev.ID), zap.Error(err))
	} else {
		ev.RawContent = text
	}

	return text, nil
}

func (e *Extractor) fetch(ctx context.Context, url string) (body []byte, contentType string, err error) {
	if e.cache != nil {
		if cached, found := e.cache.Get(ctx, url); found {
			return cached, sniffContentType(url, "", cached), nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", newError(KindUnreachable, url, err)
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, "", newError(classifyFetchError(err), url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", newError(KindUnreachable, url, fmt.Errorf("status %d", resp.StatusCode))
	}

	body, err = io.ReadAll(io.LimitReader(resp.Body, e.cfg.MaxBodyBytes))
	if err != nil {
		return nil, "", newError(classifyFetchError(err), url, err)
	}
	if len(body) == 0 {
		return nil, "", newError(KindNoContent, url, fmt.Errorf("empty response body"))
	}

	if e.cache != nil {
		e.cache.Set(ctx, url, body)
	}

	return body, sniffContentType(url, resp.Header.Get("Content-Type"), body), nil
}

func (e *Extractor) runStrategies(url string, body []byte, contentType string, pass Pass) (string, string, error) {
	strategies, err := strategyOrder(url, contentType, pass)
	if err != nil {
		return "", "", err
	}

	for _, s := range strategies {
		text, serr := s.Extract(body)
		if serr != nil {
			logger.Debug("extraction strategy failed",
				zap.String("url", url),
				zap.String("strategy", s.Name()),
				zap.Error(serr),
			)
			continue
		}
		if len(text) >= e.cfg.MinContentChars {
			return text, s.Name(), nil
		}
	}

	return "", "", newError(KindNoContent, url, fmt.Errorf("no strategy yielded at least %d chars", e.cfg.MinContentChars))
}

func strategyOrder(url, contentType string, pass Pass) ([]Strategy, error) {
	switch contentType {
	case "application/pdf":
		return []Strategy{pdfStrategy{}}, nil
	case "text/html", "application/xhtml+xml", "text/plain", "":
		if pass == PassRetry {
			return []Strategy{textStrategy{}, domStrategy{}}, nil
		}
		return []Strategy{domStrategy{}, textStrategy{}}, nil
	default:
		return nil, newError(KindUnsupportedFormat, url, fmt.Errorf("content type %q", contentType))
	}
}

func sniffContentType(url, header string, body []byte) string {
	if strings.HasPrefix(string(body), "%PDF-") || strings.HasSuffix(strings.ToLower(url), ".pdf") {
		return "application/pdf"
	}
	if header != "" {
		if idx := strings.Index(header, ";"); idx >= 0 {
			header = header[:idx]
		}
		return strings.TrimSpace(strings.ToLower(header))
	}
	return ""
}

func classifyFetchError(err error) FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindUnreachable
}
