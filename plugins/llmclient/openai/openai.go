package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"tokenracer/pkg/contract"
	"tokenracer/plugins/llmclient/sse"
)

// Options: OpenAI 兼容流式接口配置。
type Options struct {
	BaseURL        string   `json:"base_url"`        // 例如 https://api.openai.com/v1、https://openrouter.ai/api/v1
	Model          string   `json:"model"`           // 为空则使用默认
	APIKeyEnv      string   `json:"api_key_env"`     // 优先从环境变量读取
	APIKey         string   `json:"api_key"`         // 明文传入（不推荐，按需用于测试）
	TimeoutSeconds int      `json:"timeout_seconds"` // 等待响应头的超时（秒）；流式读取由上层计时
	Temperature    *float64 `json:"temperature,omitempty"`
	MaxTokens      int      `json:"max_tokens,omitempty"`
	// 第三方兼容：
	EndpointPath       string            `json:"endpoint_path"`        // 覆盖默认 /chat/completions；可为完整 URL
	DisableDefaultAuth bool              `json:"disable_default_auth"` // 关闭默认 Authorization: Bearer 注入
	ExtraHeaders       map[string]string `json:"extra_headers"`        // 例如 OpenRouter 的 HTTP-Referer / X-Title
	ExtraBody          map[string]any    `json:"extra_body"`           // 合并进请求体，例如 OpenRouter 的 provider、top_k
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://api.openai.com/v1"
	}
	if o.Model == "" {
		o.Model = "gpt-4.1-mini"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "OPENAI_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/chat/completions"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 30
	}
}

type Client struct {
	url         string
	apiKey      string
	model       string
	temp        *float64
	maxTokens   int
	extraH      map[string]string
	extraBody   map[string]any
	disableAuth bool
	do          func(*http.Request) (*http.Response, error)
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (contract.LLMStreamer, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("openai options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" && !opts.DisableDefaultAuth {
		return nil, fmt.Errorf("openai: %w: missing api key", contract.ErrInvalidInput)
	}
	// 整体超时交给上层（流式响应时长不定），这里只限制等待响应头
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = time.Duration(opts.TimeoutSeconds) * time.Second
	hc := &http.Client{Transport: tr}

	fullURL := opts.EndpointPath
	if !(strings.HasPrefix(fullURL, "http://") || strings.HasPrefix(fullURL, "https://")) {
		fullURL = strings.TrimRight(opts.BaseURL, "/") + "/" + strings.TrimLeft(opts.EndpointPath, "/")
	}
	return &Client{
		url:         fullURL,
		apiKey:      key,
		model:       opts.Model,
		temp:        opts.Temperature,
		maxTokens:   opts.MaxTokens,
		extraH:      opts.ExtraHeaders,
		extraBody:   opts.ExtraBody,
		disableAuth: opts.DisableDefaultAuth,
		do:          hc.Do,
	}, nil
}

type oaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// upstreamError 实现 net.Error，用于将 HTTP 上游 5xx/408 映射为网络类错误，便于分类。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("openai upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

// encodePrompt 生成流式请求体；extra_body 中的键覆盖同名字段。
func (c *Client) encodePrompt(p contract.Prompt) ([]byte, error) {
	var msgs []oaMessage
	switch v := p.(type) {
	case contract.TextPrompt:
		msgs = []oaMessage{{Role: "user", Content: string(v)}}
	case contract.ChatPrompt:
		msgs = make([]oaMessage, 0, len(v))
		for _, m := range v {
			msgs = append(msgs, oaMessage{Role: m.Role, Content: m.Content})
		}
	default:
		return nil, contract.ErrInvalidInput
	}
	body := map[string]any{
		"model":    c.model,
		"messages": msgs,
		"stream":   true,
	}
	if c.temp != nil {
		body["temperature"] = *c.temp
	}
	if c.maxTokens > 0 {
		body["max_tokens"] = c.maxTokens
	}
	for k, v := range c.extraBody {
		if k != "" {
			body[k] = v
		}
	}
	return json.Marshal(body)
}

// InvokeStream 发起 stream=true 的 chat completions 请求。
func (c *Client) InvokeStream(ctx context.Context, p contract.Prompt) (contract.RawStream, error) {
	body, err := c.encodePrompt(p)
	if err != nil {
		if errors.Is(err, contract.ErrInvalidInput) {
			return nil, err
		}
		return nil, fmt.Errorf("encode: %v: %w", err, contract.ErrInvalidInput)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	if !c.disableAuth {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range c.extraH {
		if k != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return &stream{body: resp.Body, rd: sse.NewReader(resp.Body)}, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		return contract.ErrRateLimited
	}
	if resp.StatusCode/100 == 2 {
		return nil
	}
	// 读取少量响应体辅助定位
	slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	msg := strings.TrimSpace(string(slurp))
	// 4xx 视为输入/配置无效；5xx 与 408 视为上游问题
	if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode/100 == 5 {
		return upstreamError{status: resp.StatusCode, msg: msg}
	}
	return fmt.Errorf("openai upstream %d: %s: %w", resp.StatusCode, msg, contract.ErrInvalidInput)
}

// stream: SSE 事件 → 文本增量。
type stream struct {
	body io.ReadCloser
	rd   *sse.Reader
	once sync.Once
	done bool
}

func (s *stream) Next() (string, bool, error) {
	for !s.done {
		ev, err := s.rd.Next()
		if errors.Is(err, io.EOF) {
			// 未收到 [DONE] 即关闭连接：视为响应被截断
			return "", false, fmt.Errorf("stream closed before [DONE]: %w", contract.ErrResponseInvalid)
		}
		if err != nil {
			return "", false, err
		}
		if strings.TrimSpace(ev) == "[DONE]" {
			s.done = true
			break
		}
		var ch oaChunk
		if err := json.Unmarshal([]byte(ev), &ch); err != nil {
			return "", false, fmt.Errorf("decode event: %v: %w", err, contract.ErrResponseInvalid)
		}
		if ch.Error != nil {
			return "", false, fmt.Errorf("openai stream: %s: %w", ch.Error.Message, contract.ErrResponseInvalid)
		}
		if len(ch.Choices) == 0 || ch.Choices[0].Delta.Content == "" {
			// role/finish 等无正文事件
			continue
		}
		return ch.Choices[0].Delta.Content, false, nil
	}
	return "", true, nil
}

func (s *stream) Close() error {
	var err error
	s.once.Do(func() { err = s.body.Close() })
	return err
}

var _ contract.LLMStreamer = (*Client)(nil)
