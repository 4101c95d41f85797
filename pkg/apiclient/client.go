// Package apiclient 是 CBM 后端 REST API 的客户端：GET 请求先查缓存，变更请求成功后按资源根路径失效缓存，
// 对瞬时故障重试，并用熔断器保护后端。
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	apperr "cbmgrc/pkg/error"
	"cbmgrc/pkg/logger"
)

// Cache GET 响应缓存，*localcache.Layered 满足该接口
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	InvalidateByPattern(ctx context.Context, patterns ...string) int
}

// Observer 接收每次 HTTP 往返的结果，code 为状态码或 "error"
type Observer interface {
	ObserveRequest(method, code string, d time.Duration)
}

// Config 客户端配置
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	UserAgent  string
	MaxRetries int           // 首次请求失败后的最大重试次数，0 表示不重试
	RetryDelay time.Duration // 第 i 次重试前等待 i*RetryDelay
	CacheTTL   time.Duration // GET 响应缓存时间，<=0 时使用缓存的默认值
}

// Option 配置 Client
type Option func(*Client)

// WithCache 启用 GET 缓存
func WithCache(cache Cache) Option {
	return func(c *Client) { c.cache = cache }
}

// WithObserver 注入请求观察者
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithHTTPClient 替换底层 http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger 注入日志
func WithLogger(log *logrus.Entry) Option {
	return func(c *Client) { c.log = log }
}

// WithBreakerSettings 覆盖默认熔断器设置
func WithBreakerSettings(settings gobreaker.Settings) Option {
	return func(c *Client) { c.breakerSettings = &settings }
}

// Client 后端 REST 客户端
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	retryDelay time.Duration
	cacheTTL   time.Duration

	cache           Cache
	observer        Observer
	breakerSettings *gobreaker.Settings
	cb              *gobreaker.CircuitBreaker
	log             *logrus.Entry
}

// New 创建客户端
func New(config Config, opts ...Option) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.UserAgent == "" {
		config.UserAgent = "CBM-GRC-Matcher/1.0"
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}

	c := &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
				MaxConnsPerHost:     10,
			},
			Timeout: config.Timeout,
		},
		userAgent:  config.UserAgent,
		maxRetries: config.MaxRetries,
		retryDelay: config.RetryDelay,
		cacheTTL:   config.CacheTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.WithComponent("APIClient")
	}
	c.cb = gobreaker.NewCircuitBreaker(c.settings())
	return c
}

func (c *Client) settings() gobreaker.Settings {
	if c.breakerSettings != nil {
		s := *c.breakerSettings
		if s.IsSuccessful == nil {
			s.IsSuccessful = isBreakerSuccess
		}
		return s
	}
	return gobreaker.Settings{
		Name:        "backend",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
		IsSuccessful: isBreakerSuccess,
	}
}

// isBreakerSuccess 4xx 是调用方的问题，不计入熔断失败
func isBreakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	status := StatusCode(err)
	return status >= 400 && status < 500
}

// BreakerState 返回熔断器当前状态
func (c *Client) BreakerState() gobreaker.State {
	return c.cb.State()
}

// Get 发起 GET 请求并把 JSON 响应解码到 out。启用缓存时先查缓存，成功的响应体写入缓存。
func (c *Client) Get(ctx context.Context, path string, params url.Values, out interface{}) error {
	key := CacheKey(http.MethodGet, path, params)

	if c.cache != nil {
		if body, ok := c.cache.Get(ctx, key); ok {
			c.log.WithField("key", key).Debug("cache hit")
			return decodeJSON(body, out)
		}
	}

	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	body, err := c.send(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	if err := decodeJSON(body, out); err != nil {
		return err
	}

	if c.cache != nil {
		c.cache.Set(ctx, key, body, c.cacheTTL)
	}
	return nil
}

// Do 发起变更请求（POST/PUT/PATCH/DELETE），body 编码为 JSON。
// 成功后失效所有包含资源根路径的缓存键，例如 /products/12 会失效 /products。
func (c *Client) Do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return apperr.WrapError(apperr.ErrInvalidArgument, "failed to encode request body", err)
		}
	}

	resp, err := c.send(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return err
	}

	if c.cache != nil {
		if root := ResourceRoot(path); root != "" {
			removed := c.cache.InvalidateByPattern(ctx, root)
			c.log.WithFields(logrus.Fields{
				"method":  method,
				"pattern": root,
				"removed": removed,
			}).Debug("cache invalidated after mutation")
		}
	}

	if out == nil || len(resp) == 0 {
		return nil
	}
	return decodeJSON(resp, out)
}

// send 执行请求，必要时重试。只有幂等方法会重试。
func (c *Client) send(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	attempts := 1
	if idempotent(method) {
		attempts = c.maxRetries + 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, apperr.WrapError(apperr.ErrFetchFailed, "request canceled", ctx.Err())
			case <-time.After(time.Duration(i) * c.retryDelay):
			}
			c.log.Debugf("Retry attempt %d/%d: %s %s", i+1, attempts, method, target)
		}

		result, err := c.cb.Execute(func() (interface{}, error) {
			return c.roundTrip(ctx, method, target, payload)
		})
		if err == nil {
			return result.([]byte), nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, apperr.WrapError(apperr.ErrCircuitOpen, "backend circuit breaker is open", err)
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
	}

	if attempts == 1 {
		return nil, lastErr
	}
	return nil, apperr.WrapError(apperr.ErrFetchFailed, fmt.Sprintf("failed after %d attempts", attempts), lastErr).
		WithContext("url", target)
}

// roundTrip 单次 HTTP 往返，返回转换为 UTF-8 的响应体
func (c *Client) roundTrip(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, apperr.WrapError(apperr.ErrInvalidArgument, "create request failed", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID(ctx))
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(method, "error", start)
		return nil, apperr.WrapError(apperr.ErrFetchFailed, "HTTP request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	c.observe(method, strconv.Itoa(resp.StatusCode), start)
	if err != nil {
		return nil, apperr.WrapError(apperr.ErrFetchFailed, "read response failed", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperr.NewError(apperr.ErrHTTPStatus, fmt.Sprintf("HTTP status error: %d", resp.StatusCode)).
			WithContext("status", resp.StatusCode).
			WithContext("body", truncate(string(raw), 256))
	}

	body, err := decodeCharset(resp.Header.Get("Content-Type"), raw)
	if err != nil {
		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"method":   method,
		"url":      target,
		"status":   resp.StatusCode,
		"duration": time.Since(start),
		"bytes":    len(body),
	}).Debug("backend request completed")
	return body, nil
}

func (c *Client) observe(method, code string, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveRequest(method, code, time.Since(start))
	}
}

// StatusCode 从错误中取出 HTTP 状态码，没有时返回 0
func StatusCode(err error) int {
	for err != nil {
		var be *apperr.BaseError
		if !errors.As(err, &be) {
			return 0
		}
		if be.Code == apperr.ErrHTTPStatus {
			if status, ok := be.Context["status"].(int); ok {
				return status
			}
		}
		err = be.Cause
	}
	return 0
}

// retryable 网络错误和 5xx 可以重试，4xx 与解码错误不重试
func retryable(err error) bool {
	status := StatusCode(err)
	if status != 0 {
		return status >= 500
	}
	return apperr.HasCode(err, apperr.ErrFetchFailed)
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}

func decodeJSON(body []byte, out interface{}) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperr.WrapError(apperr.ErrDecodeFailed, "failed to decode response", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type requestIDKey struct{}

// WithRequestID 把请求 ID 放入 context，后端请求会携带同一个 X-Request-ID
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}
