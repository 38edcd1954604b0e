package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/go-harvest-listings/config"
	"github.com/aluiziolira/go-harvest-listings/harvester"
	"github.com/aluiziolira/go-harvest-listings/models"
	"github.com/gocolly/colly/v2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/time/rate"
)

const (
	ctxStart  = "start"
	ctxBody   = "body"
	ctxStatus = "status"
)

// SearchClient fetches search result pages from a JSON endpoint. Each call
// sends the base payload with the page index and request token filled in.
type SearchClient struct {
	cfg       *config.Config
	collector *colly.Collector
	limiter   *rate.Limiter
	payload   []byte
	headers   http.Header

	requestCount int64
	bytesRead    int64
}

var _ harvester.PageFetcher = (*SearchClient)(nil)

// NewSearchClient builds a search client configured from cfg.
func NewSearchClient(cfg *config.Config) (*SearchClient, error) {
	if cfg == nil {
		return nil, errors.New("scraper: nil config")
	}
	parsed, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("endpoint must include a host")
	}

	payload := strings.TrimSpace(cfg.Payload)
	if payload == "" {
		payload = "{}"
	}
	if !gjson.Valid(payload) || !gjson.Parse(payload).IsObject() {
		return nil, fmt.Errorf("payload must be a JSON object")
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(parsed.Hostname()),
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	headers := make(http.Header, len(cfg.Headers)+1)
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}
	if headers.Get("Content-Type") == "" {
		headers.Set("Content-Type", "application/json")
	}

	s := &SearchClient{
		cfg:       cfg,
		collector: collector,
		payload:   []byte(payload),
		headers:   headers,
	}
	if cfg.RequestsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	s.configureHandlers()
	return s, nil
}

// RequestCount reports how many HTTP requests have been issued.
func (s *SearchClient) RequestCount() int64 {
	return atomic.LoadInt64(&s.requestCount)
}

// FetchPage requests one page and returns its raw result items.
func (s *SearchClient) FetchPage(ctx context.Context, req models.PageRequest) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	body, err := s.buildPayload(req)
	if err != nil {
		return nil, harvester.Permanent(err)
	}
	raw, err := s.do(ctx, body)
	if err != nil {
		return nil, err
	}
	return s.extractResults(raw)
}

func (s *SearchClient) buildPayload(req models.PageRequest) ([]byte, error) {
	body := append([]byte(nil), s.payload...)
	var err error
	if s.cfg.PagePath != "" {
		if body, err = sjson.SetBytes(body, s.cfg.PagePath, req.Index); err != nil {
			return nil, fmt.Errorf("set page at %q: %w", s.cfg.PagePath, err)
		}
	}
	if s.cfg.TokenPath != "" {
		if body, err = sjson.SetBytes(body, s.cfg.TokenPath, req.Token); err != nil {
			return nil, fmt.Errorf("set token at %q: %w", s.cfg.TokenPath, err)
		}
	}
	return body, nil
}

type response struct {
	body []byte
	err  error
}

// do issues the request on the synchronous collector. The collector cannot
// observe ctx, so an abandoned request finishes in the background and is
// bounded by the collector timeout.
func (s *SearchClient) do(ctx context.Context, body []byte) ([]byte, error) {
	reqCtx := colly.NewContext()
	done := make(chan response, 1)

	go func() {
		err := s.collector.Request(s.cfg.Method, s.cfg.Endpoint, bytes.NewReader(body), reqCtx, s.headers.Clone())
		status, _ := reqCtx.GetAny(ctxStatus).(int)
		if err != nil || status == http.StatusNoContent || status >= http.StatusBadRequest {
			if classified := classifyError(err, status); classified != nil {
				done <- response{err: classified}
				return
			}
		}
		raw, _ := reqCtx.GetAny(ctxBody).([]byte)
		done <- response{body: raw}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, harvester.Transient(ErrTimeout{Err: ctx.Err()})
		}
		return nil, ctx.Err()
	case res := <-done:
		return res.body, res.err
	}
}

// extractResults reads the results array. A missing, null or empty array is
// ErrNoResults.
func (s *SearchClient) extractResults(raw []byte) ([]any, error) {
	if !gjson.ValidBytes(raw) {
		return nil, harvester.Transient(ErrDecode{Err: fmt.Errorf("invalid JSON body (%d bytes)", len(raw))})
	}

	results := gjson.GetBytes(raw, s.cfg.ResultsPath)
	if !results.Exists() || results.Type == gjson.Null {
		return nil, harvester.ErrNoResults
	}
	if !results.IsArray() {
		return nil, harvester.Permanent(ErrShape{Path: s.cfg.ResultsPath, Kind: results.Type.String()})
	}

	values := results.Array()
	if len(values) == 0 {
		return nil, harvester.ErrNoResults
	}
	items := make([]any, 0, len(values))
	for _, v := range values {
		items = append(items, v.Value())
	}
	return items, nil
}

func (s *SearchClient) configureHandlers() {
	s.collector.OnRequest(func(r *colly.Request) {
		r.Ctx.Put(ctxStart, time.Now())
		current := atomic.AddInt64(&s.requestCount, 1)
		if current%50 == 0 {
			slog.Debug("search request progress",
				slog.Int64("requests", current),
				slog.Int64("bytes", atomic.LoadInt64(&s.bytesRead)),
			)
		}
	})

	s.collector.OnResponse(func(r *colly.Response) {
		r.Ctx.Put(ctxStatus, r.StatusCode)
		r.Ctx.Put(ctxBody, r.Body)
		atomic.AddInt64(&s.bytesRead, int64(len(r.Body)))
		if start, ok := r.Ctx.GetAny(ctxStart).(time.Time); ok {
			slog.Debug("search response",
				slog.Int("status", r.StatusCode),
				slog.Int("bytes", len(r.Body)),
				slog.Duration("duration", time.Since(start)),
			)
		}
	})

	s.collector.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		slog.Debug("search request error",
			slog.Int("status", status),
			slog.Any("error", err),
		)
	})
}

// classifyError maps a collector error and HTTP status to a transient or
// permanent harvester error carrying a typed label.
func classifyError(err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return harvester.Transient(ErrTimeout{Err: err})
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return harvester.Transient(ErrTimeout{Err: err})
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return harvester.Transient(ErrConnection{Err: err})
	}
	if errors.Is(err, colly.ErrForbiddenDomain) || errors.Is(err, colly.ErrMissingURL) {
		return harvester.Permanent(err)
	}

	if statusCode != 0 {
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", statusCode)
		}
		switch {
		case statusCode == http.StatusNoContent:
			return harvester.ErrNoResults
		case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
			return harvester.Permanent(ErrForbidden{Err: wrapped})
		case statusCode == http.StatusNotFound:
			return harvester.Permanent(ErrNotFound{Err: wrapped})
		case statusCode == http.StatusTooManyRequests:
			return harvester.Transient(ErrRateLimited{Err: wrapped})
		case statusCode >= http.StatusInternalServerError:
			return harvester.Transient(ErrServer{StatusCode: statusCode, Err: wrapped})
		case statusCode >= http.StatusBadRequest:
			if err != nil {
				wrapped = fmt.Errorf("http status %d: %w", statusCode, err)
			}
			return harvester.Permanent(wrapped)
		}
	}

	if err == nil {
		return nil
	}
	return err
}
