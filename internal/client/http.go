package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/an0mium/chemdata/internal/cache"
	"github.com/an0mium/chemdata/internal/domain"
)

// maxResponseBytes 单个响应体的读取上限
const maxResponseBytes = 32 << 20

// Request 描述一次 HTTP 请求。
type Request struct {
	// Method HTTP 方法，默认 GET
	Method string
	// Path 相对于服务 BaseURL 的路径，或完整 URL
	Path string
	// Params 查询参数
	Params url.Values
	// Body 请求体
	Body []byte
	// Header 额外的请求头
	Header http.Header
	// AcceptStatus 额外视为成功的状态码（例如查询接口的 404 表示“没有结果”）
	AcceptStatus []int
	// NoCache 为 true 时不读写响应缓存
	NoCache bool
}

// StatusError 上游返回了不可接受的状态码。
type StatusError struct {
	Code int
	URL  string
	Body string
}

// Error 实现 error 接口。
func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %d from %s", domain.ErrUpstreamStatus, e.Code, e.URL)
}

// Is 使 errors.Is(err, domain.ErrUpstreamStatus) 成立。
func (e *StatusError) Is(target error) bool {
	return target == domain.ErrUpstreamStatus
}

// URL 返回请求的完整 URL（不含查询参数）。
func (c *Client) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") || c.opts.BaseURL == "" {
		return path
	}
	return strings.TrimRight(c.opts.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// Fingerprint 返回请求的缓存指纹。
func (c *Client) Fingerprint(req Request) string {
	return cache.Fingerprint(methodOf(req), c.URL(req.Path), req.Params, req.Body)
}

// Do 通过弹性调用执行 HTTP 请求，返回响应体。
func (c *Client) Do(ctx context.Context, req Request) ([]byte, error) {
	fp := ""
	if !req.NoCache {
		fp = c.Fingerprint(req)
	}
	return c.Call(ctx, fp, c.httpOperation(req))
}

// FetchJSON 执行请求并把响应体解码到 v。
func (c *Client) FetchJSON(ctx context.Context, req Request, v any) error {
	body, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%s: decode response: %w", c.service, err)
	}
	return nil
}

func (c *Client) httpOperation(req Request) Operation {
	target := c.URL(req.Path)
	return func(ctx context.Context) ([]byte, error) {
		u, err := url.Parse(target)
		if err != nil {
			return nil, fmt.Errorf("parse url: %w", err)
		}
		if len(req.Params) > 0 {
			q := u.Query()
			for k, vs := range req.Params {
				for _, v := range vs {
					q.Add(k, v)
				}
			}
			u.RawQuery = q.Encode()
		}

		var body io.Reader
		if len(req.Body) > 0 {
			body = bytes.NewReader(req.Body)
		}
		httpReq, err := http.NewRequestWithContext(ctx, methodOf(req), u.String(), body)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		for k, vs := range req.Header {
			for _, v := range vs {
				httpReq.Header.Add(k, v)
			}
		}
		if c.opts.UserAgent != "" && httpReq.Header.Get("User-Agent") == "" {
			httpReq.Header.Set("User-Agent", c.opts.UserAgent)
		}
		if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
			httpReq.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			if !accepted(resp.StatusCode, req.AcceptStatus) {
				snippet := string(data)
				if len(snippet) > 256 {
					snippet = snippet[:256]
				}
				return nil, &StatusError{Code: resp.StatusCode, URL: target, Body: snippet}
			}
		}
		return data, nil
	}
}

func methodOf(req Request) string {
	if req.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(req.Method)
}

func accepted(code int, list []int) bool {
	for _, c := range list {
		if c == code {
			return true
		}
	}
	return false
}
