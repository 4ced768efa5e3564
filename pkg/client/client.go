// Package client 设备端使用的后端 HTTP 客户端
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"Mamori/pkg/outbox"
)

const HeaderIdempotencyKey = "Idempotency-Key"

// Client 后端 API 客户端
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New 创建客户端，baseURL 包含 API 前缀，例如 http://host:8080/api/v1
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		Timeout: 10 * time.Second,
	}
}

// APIError 非 2xx 响应
type APIError struct {
	StatusCode int
	Code       int
	Msg        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%d msg=%s", e.StatusCode, e.Code, e.Msg)
}

// Retryable 服务端错误与限流可以重试，其余 4xx 重试也不会成功
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// CreateEventRequest 上报安全事件
type CreateEventRequest struct {
	Type      string          `json:"type"`
	Severity  string          `json:"severity,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Latitude  *float64        `json:"latitude,omitempty"`
	Longitude *float64        `json:"longitude,omitempty"`
}

// Event 安全事件（部分字段）
type Event struct {
	ID        string    `json:"id"`
	SubjectID string    `json:"subjectId"`
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// StartSOSRequest 发起紧急求助
type StartSOSRequest struct {
	Mode      string   `json:"mode,omitempty"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Battery   *int     `json:"batteryLevel,omitempty"`
}

// LocationRequest 位置上报
type LocationRequest struct {
	Latitude   float64    `json:"latitude"`
	Longitude  float64    `json:"longitude"`
	Accuracy   *float64   `json:"accuracy,omitempty"`
	Battery    *int       `json:"batteryLevel,omitempty"`
	DeviceTime *time.Time `json:"deviceTime,omitempty"`
}

// Session 紧急会话（部分字段）
type Session struct {
	ID        string `json:"id"`
	SubjectID string `json:"subjectId"`
	Mode      string `json:"mode"`
	Status    string `json:"status"`
	Resumed   bool   `json:"resumed,omitempty"`
}

// CreateEvent 上报事件。idempotencyKey 非空时服务端对重复请求去重
func (c *Client) CreateEvent(ctx context.Context, idempotencyKey string, req CreateEventRequest) (Event, error) {
	var resp Event
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers[HeaderIdempotencyKey] = idempotencyKey
	}
	err := c.do(ctx, http.MethodPost, "events", headers, req, &resp)
	return resp, err
}

// StartSOS 发起紧急求助
func (c *Client) StartSOS(ctx context.Context, req StartSOSRequest) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "sos/start", nil, req, &resp)
	return resp, err
}

// AppendLocation 上报紧急会话位置
func (c *Client) AppendLocation(ctx context.Context, sessionID string, req LocationRequest) error {
	return c.do(ctx, http.MethodPost, "sos/"+sessionID+"/location", nil, req, nil)
}

// Send 实现 outbox.Sender，记录 ID 作为幂等键，丢失响应后的重发不会产生重复事件
func (c *Client) Send(ctx context.Context, e outbox.Entry) error {
	_, err := c.CreateEvent(ctx, e.ID, CreateEventRequest{
		Type:      e.Type,
		Severity:  e.Severity,
		Payload:   e.Payload,
		Latitude:  e.Latitude,
		Longitude: e.Longitude,
	})
	return err
}

func (c *Client) do(ctx context.Context, method, endpoint string, headers map[string]string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var env envelope
	_ = json.Unmarshal(raw, &env)
	if resp.StatusCode >= 300 {
		msg := env.Msg
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: resp.StatusCode, Code: env.Code, Msg: msg}
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}
