// Package apiclient содержит общий HTTP-клиент для внешних REST-сервисов.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	defaultTimeout = 10 * time.Second

	// Идемпотентные GET-запросы повторяются до трёх раз только при
	// транспортных сбоях; коды ответа повторов не вызывают.
	getAttempts  = 3
	retryBackoff = 250 * time.Millisecond
)

type contextKey string

const tokenKey contextKey = "bearerToken"

// WithToken возвращает контекст с bearer-токеном для исходящих запросов.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey, token)
}

// TokenFromContext извлекает bearer-токен из контекста.
func TokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(tokenKey).(string)
	return token, ok && token != ""
}

// APIError описывает структурированный отказ внешнего сервиса с HTTP-кодом.
type APIError struct {
	StatusCode int
	Message    string
}

// Error реализует интерфейс error.
func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("api error: status %d: %s", e.StatusCode, e.Message)
}

// StatusOf возвращает HTTP-код, если ошибка является APIError.
func StatusOf(err error) (int, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, true
	}
	return 0, false
}

// Client инкапсулирует HTTP-взаимодействие с одним внешним сервисом.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// longPoll не ограничен таймаутом: сервер сам завершает long poll.
	longPoll *http.Client
}

// New создаёт клиент для сервиса по указанному базовому адресу.
func New(baseURL string) *Client {
	return &Client{
		baseURL: normalizeBaseURL(baseURL),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		longPoll: &http.Client{},
	}
}

func normalizeBaseURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return base
}

// GetJSON выполняет идемпотентный GET с повтором при транспортных сбоях.
func (c *Client) GetJSON(ctx context.Context, path string, out any) (int, error) {
	if c == nil {
		return 0, errors.New("api client not configured")
	}
	return c.getJSON(ctx, c.httpClient, path, out)
}

// GetJSONLongPoll выполняет GET без клиентского таймаута: длительность
// запроса ограничивает только сервер.
func (c *Client) GetJSONLongPoll(ctx context.Context, path string, out any) (int, error) {
	if c == nil {
		return 0, errors.New("api client not configured")
	}
	return c.getJSON(ctx, c.longPoll, path, out)
}

func (c *Client) getJSON(ctx context.Context, hc *http.Client, path string, out any) (int, error) {
	if c == nil || c.baseURL == "" {
		return 0, errors.New("api client not configured")
	}

	var status int
	backoff := retry.WithMaxRetries(getAttempts-1, retry.NewConstant(retryBackoff))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		code, err := c.do(ctx, hc, http.MethodGet, path, nil, out)
		status = code
		if err != nil && code == 0 && ctx.Err() == nil {
			// Транспортный сбой: ответа не было, запрос можно повторить.
			return retry.RetryableError(err)
		}
		return err
	})

	return status, err
}

// PostJSON выполняет POST без автоматических повторов.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) (int, error) {
	if c == nil || c.baseURL == "" {
		return 0, errors.New("api client not configured")
	}
	return c.do(ctx, c.httpClient, http.MethodPost, path, body, out)
}

// Delete выполняет DELETE без автоматических повторов.
func (c *Client) Delete(ctx context.Context, path string) (int, error) {
	if c == nil || c.baseURL == "" {
		return 0, errors.New("api client not configured")
	}
	return c.do(ctx, c.httpClient, http.MethodDelete, path, nil, nil)
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, body, out any) (int, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token, ok := TokenFromContext(ctx); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}

	return resp.StatusCode, nil
}
