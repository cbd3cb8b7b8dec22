// Package transport предоставляет HTTP-клиент удалённой системы, принимающей
// пакеты синхронизации кассы.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/mmeshcher/zipos-register/internal/model"
	"github.com/mmeshcher/zipos-register/internal/syncqueue"
)

// BatchPath - путь приёма пакетов на удалённой стороне.
const BatchPath = "/api/sync/batch"

// RetryAfterError сообщает, что удалённая сторона попросила повторить позже.
type RetryAfterError struct {
	After time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("remote is throttling, retry after %s", e.After)
}

func (e *RetryAfterError) Unwrap() []error {
	return []error{model.ErrSyncFailure, syncqueue.ErrUnavailable}
}

// BatchRequest - тело запроса с пакетом записей.
type BatchRequest struct {
	StoreID    string             `json:"store_id"`
	RegisterID string             `json:"register_id"`
	Records    []syncqueue.Record `json:"records"`
}

// BatchResponse - ответ удалённой стороны: результат по каждому Record.ID.
type BatchResponse struct {
	Results map[string]syncqueue.Result `json:"results"`
}

// Config задаёт адрес удалённой системы и политику повторов запроса.
type Config struct {
	BaseURL    string
	StoreID    string
	RegisterID string
	Timeout    time.Duration
	RetryMax   int
}

// Client инкапсулирует HTTP-взаимодействие с удалённой системой.
type Client struct {
	baseURL    string
	storeID    string
	registerID string
	httpClient *retryablehttp.Client
}

var _ syncqueue.Transport = (*Client)(nil)

// NewClient создаёт клиент. Временные ошибки (5xx, 429, обрыв соединения)
// повторяются внутри одного вызова SubmitBatch с учётом Retry-After.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = zapLogger{logger.Named("transport")}
	// последний ответ нужен, чтобы прочитать Retry-After после исчерпания повторов
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	base := strings.TrimRight(cfg.BaseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	return &Client{
		baseURL:    base,
		storeID:    cfg.StoreID,
		registerID: cfg.RegisterID,
		httpClient: rc,
	}
}

// SubmitBatch отправляет пакет записей и возвращает результат по каждой из них.
// Запись без результата в ответе очередь считает неуспешной.
func (c *Client) SubmitBatch(ctx context.Context, records []syncqueue.Record) (map[string]syncqueue.Result, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("%w: sync endpoint not configured", model.ErrSyncFailure)
	}

	body, err := json.Marshal(BatchRequest{StoreID: c.storeID, RegisterID: c.registerID, Records: records})
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+BatchPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Register-ID", c.registerID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w: do request: %w", model.ErrSyncFailure, syncqueue.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RetryAfterError{After: retryAfter(resp.Header.Get("Retry-After"))}
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: %w: status %d", model.ErrSyncFailure, syncqueue.ErrUnavailable, resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status: %d", model.ErrSyncFailure, resp.StatusCode)
	}

	var result BatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", model.ErrSyncFailure, err)
	}
	if result.Results == nil {
		result.Results = make(map[string]syncqueue.Result)
	}

	return result.Results, nil
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(time.Until(at), 0)
	}
	return 0
}

// zapLogger передаёт сообщения retryablehttp в zap.
type zapLogger struct {
	l *zap.Logger
}

func (z zapLogger) Error(msg string, kv ...interface{}) { z.l.Sugar().Errorw(msg, kv...) }
func (z zapLogger) Info(msg string, kv ...interface{})  { z.l.Sugar().Debugw(msg, kv...) }
func (z zapLogger) Debug(msg string, kv ...interface{}) { z.l.Sugar().Debugw(msg, kv...) }
func (z zapLogger) Warn(msg string, kv ...interface{})  { z.l.Sugar().Warnw(msg, kv...) }
