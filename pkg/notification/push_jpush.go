package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const jpushEndpoint = "https://api.jpush.cn/v3/push"

// jpush 中表示目标不存在的错误码
const jpushCodeNoAudience = 1011

type JPushConfig struct {
	AppKey       string
	MasterSecret string
	Production   bool
	Endpoint     string
}

// JPushPayload v3 push 请求体
type JPushPayload struct {
	Platform     string                 `json:"platform"`
	Audience     map[string]interface{} `json:"audience"`
	Notification map[string]interface{} `json:"notification"`
	Options      map[string]interface{} `json:"options,omitempty"`
}

// JPushClient 便于替换/注入的发送接口
type JPushClient interface {
	Push(ctx context.Context, payload JPushPayload) error
}

// JPushError 接口返回的业务错误
type JPushError struct {
	HTTPStatus int
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *JPushError) Error() string {
	return fmt.Sprintf("jpush: http %d code %d: %s", e.HTTPStatus, e.Code, e.Message)
}

// Unwrap 目标不存在时映射为 ErrInvalidToken
func (e *JPushError) Unwrap() error {
	if e.Code == jpushCodeNoAudience {
		return ErrInvalidToken
	}
	return nil
}

type JPush struct {
	cfg JPushConfig
	cli JPushClient
}

func NewJPush(cfg JPushConfig, cli JPushClient) *JPush {
	if cli == nil {
		cli = NewJPushHTTPClient(cfg, nil)
	}
	return &JPush{cfg: cfg, cli: cli}
}

func (j *JPush) Name() string { return "jpush" }

// Send 按 registration_id 推送到单个设备
func (j *JPush) Send(ctx context.Context, req PushRequest) error {
	extras := make(map[string]interface{}, len(req.Message.Data))
	for k, v := range req.Message.Data {
		extras[k] = v
	}
	androidPriority := 1
	if req.Hints.Critical {
		androidPriority = 2
	}
	ios := map[string]interface{}{
		"alert":  map[string]string{"title": req.Message.Title, "body": req.Message.Body},
		"extras": extras,
		"sound":  req.Hints.Sound,
	}
	if req.Hints.Critical {
		ios["sound"] = map[string]interface{}{"critical": 1, "name": req.Hints.Sound, "volume": 1.0}
	}
	if req.Hints.InterruptionLevel != "" {
		ios["interruption-level"] = req.Hints.InterruptionLevel
	}

	payload := JPushPayload{
		Platform: "all",
		Audience: map[string]interface{}{"registration_id": []string{req.Token}},
		Notification: map[string]interface{}{
			"android": map[string]interface{}{
				"alert":      req.Message.Body,
				"title":      req.Message.Title,
				"extras":     extras,
				"channel_id": req.Hints.ChannelID,
				"priority":   androidPriority,
				"sound":      req.Hints.Sound,
			},
			"ios": ios,
		},
		Options: map[string]interface{}{"apns_production": j.cfg.Production},
	}
	return j.cli.Push(ctx, payload)
}

type jpushHTTPClient struct {
	cfg  JPushConfig
	http *http.Client
}

// NewJPushHTTPClient 直接调用 REST API 的实现
func NewJPushHTTPClient(cfg JPushConfig, hc *http.Client) JPushClient {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = jpushEndpoint
	}
	return &jpushHTTPClient{cfg: cfg, http: hc}
}

func (c *jpushHTTPClient) Push(ctx context.Context, payload JPushPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.cfg.AppKey, c.cfg.MasterSecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var envelope struct {
		Error JPushError `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Error.Code == 0 {
		return &JPushError{HTTPStatus: resp.StatusCode, Message: string(raw)}
	}
	envelope.Error.HTTPStatus = resp.StatusCode
	return &envelope.Error
}
