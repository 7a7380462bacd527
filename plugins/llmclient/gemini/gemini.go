package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"tokenracer/pkg/contract"
	"tokenracer/plugins/llmclient/sse"
)

// Options: Google Generative Language API (Gemini) 流式接口配置。
type Options struct {
	BaseURL   string `json:"base_url"`    // https://generativelanguage.googleapis.com
	Model     string `json:"model"`       // 默认 gemini-2.5-flash
	APIKeyEnv string `json:"api_key_env"` // 默认 GOOGLE_API_KEY
	APIKey    string `json:"api_key"`
	// 等待响应头的超时（秒）；<=0 时默认 30。
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	MaxTokens      int      `json:"max_tokens,omitempty"`
	// 第三方兼容
	EndpointPath  string            `json:"endpoint_path"`    // 默认 /v1beta/models/{model}:streamGenerateContent
	APIKeyInQuery *bool             `json:"api_key_in_query"` // 默认 true；为 false 时使用 x-goog-api-key 头
	ExtraHeaders  map[string]string `json:"extra_headers"`
	ExtraQuery    map[string]string `json:"extra_query"`
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if o.Model == "" {
		o.Model = "gemini-2.5-flash"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "GOOGLE_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/v1beta/models/{model}:streamGenerateContent"
	}
	if o.APIKeyInQuery == nil {
		t := true
		o.APIKeyInQuery = &t
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 30
	}
}

type Client struct {
	url     string
	apiKey  string
	inQuery bool
	extraH  map[string]string
	extraQ  map[string]string
	genCfg  *gmGenerationConfig
	do      func(*http.Request) (*http.Response, error)
}

func New(raw json.RawMessage) (contract.LLMStreamer, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("gemini options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: %w: missing api key", contract.ErrInvalidInput)
	}
	path := strings.ReplaceAll(opts.EndpointPath, "{model}", url.PathEscape(opts.Model))
	if !(strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")) {
		path = strings.TrimRight(opts.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = time.Duration(opts.TimeoutSeconds) * time.Second
	hc := &http.Client{Transport: tr}
	var gc *gmGenerationConfig
	if opts.Temperature != nil || opts.MaxTokens > 0 {
		gc = &gmGenerationConfig{Temperature: opts.Temperature, MaxOutputTokens: opts.MaxTokens}
	}
	return &Client{url: path, apiKey: key, inQuery: *opts.APIKeyInQuery, extraH: opts.ExtraHeaders, extraQ: opts.ExtraQuery, genCfg: gc, do: hc.Do}, nil
}

type gmPart struct {
	Text string `json:"text"`
}
type gmContent struct {
	Role  string   `json:"role,omitempty"`
	Parts []gmPart `json:"parts"`
}
type gmGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}
type gmReq struct {
	SystemInstruction *gmContent          `json:"systemInstruction,omitempty"`
	Contents          []gmContent         `json:"contents"`
	GenerationConfig  *gmGenerationConfig `json:"generationConfig,omitempty"`
}
type gmChunk struct {
	Candidates []struct {
		Content struct {
			Parts []gmPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// upstreamError 实现 net.Error，用于将 HTTP 上游 5xx/408 映射为网络类错误。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("gemini upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

// encodePrompt: system 消息进入 systemInstruction，其余按 user|model 角色映射。
func encodePrompt(p contract.Prompt, gc *gmGenerationConfig) ([]byte, error) {
	req := gmReq{GenerationConfig: gc}
	switch v := p.(type) {
	case contract.TextPrompt:
		req.Contents = []gmContent{{Role: "user", Parts: []gmPart{{Text: string(v)}}}}
	case contract.ChatPrompt:
		for _, m := range v {
			if strings.EqualFold(strings.TrimSpace(m.Role), "system") {
				if req.SystemInstruction == nil {
					req.SystemInstruction = &gmContent{}
				}
				req.SystemInstruction.Parts = append(req.SystemInstruction.Parts, gmPart{Text: m.Content})
				continue
			}
			req.Contents = append(req.Contents, gmContent{Role: normalizeGeminiRole(m.Role), Parts: []gmPart{{Text: m.Content}}})
		}
		if len(req.Contents) == 0 {
			return nil, contract.ErrInvalidInput
		}
	default:
		return nil, contract.ErrInvalidInput
	}
	return json.Marshal(&req)
}

// normalizeGeminiRole: assistant→model，其余→user。
func normalizeGeminiRole(r string) string {
	switch strings.ToLower(strings.TrimSpace(r)) {
	case "model", "assistant":
		return "model"
	default:
		return "user"
	}
}

func (c *Client) InvokeStream(ctx context.Context, p contract.Prompt) (contract.RawStream, error) {
	body, err := encodePrompt(p, c.genCfg)
	if err != nil {
		if errors.Is(err, contract.ErrInvalidInput) {
			return nil, err
		}
		return nil, fmt.Errorf("encode: %v: %w", err, contract.ErrInvalidInput)
	}
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %v: %w", err, contract.ErrInvalidInput)
	}
	q := u.Query()
	q.Set("alt", "sse")
	if c.inQuery {
		q.Set("key", c.apiKey)
	}
	for k, v := range c.extraQ {
		if k != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if !c.inQuery {
		req.Header.Set("x-goog-api-key", c.apiKey)
	}
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
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, contract.ErrRateLimited
		}
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		msg := strings.TrimSpace(string(slurp))
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode/100 == 5 {
			return nil, upstreamError{status: resp.StatusCode, msg: msg}
		}
		return nil, fmt.Errorf("gemini upstream %d: %s: %w", resp.StatusCode, msg, contract.ErrInvalidInput)
	}
	return &stream{body: resp.Body, rd: sse.NewReader(resp.Body)}, nil
}

// stream: 每个 SSE 事件是一个完整的 GenerateContentResponse；带 finishReason 的事件之后连接关闭即结束。
type stream struct {
	body io.ReadCloser
	rd   *sse.Reader
	once sync.Once
	done bool

	// finished 记录是否见过 finishReason；缺失时 EOF 视为截断
	finished bool
}

func (s *stream) Next() (string, bool, error) {
	for !s.done {
		ev, err := s.rd.Next()
		if errors.Is(err, io.EOF) {
			if !s.finished {
				return "", false, fmt.Errorf("stream closed without finishReason: %w", contract.ErrResponseInvalid)
			}
			s.done = true
			break
		}
		if err != nil {
			return "", false, err
		}
		var ch gmChunk
		if err := json.Unmarshal([]byte(ev), &ch); err != nil {
			return "", false, fmt.Errorf("decode event: %v: %w", err, contract.ErrResponseInvalid)
		}
		if ch.Error != nil {
			if ch.Error.Code/100 == 5 {
				return "", false, upstreamError{status: ch.Error.Code, msg: ch.Error.Message}
			}
			return "", false, fmt.Errorf("gemini stream: %s: %w", ch.Error.Message, contract.ErrResponseInvalid)
		}
		var sb strings.Builder
		if len(ch.Candidates) > 0 {
			if ch.Candidates[0].FinishReason != "" {
				s.finished = true
			}
			for _, part := range ch.Candidates[0].Content.Parts {
				sb.WriteString(part.Text)
			}
		}
		if sb.Len() == 0 {
			continue
		}
		return sb.String(), false, nil
	}
	return "", true, nil
}

func (s *stream) Close() error {
	var err error
	s.once.Do(func() { err = s.body.Close() })
	return err
}

var _ contract.LLMStreamer = (*Client)(nil)
