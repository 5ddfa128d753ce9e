package rest

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/betbot/goconnect/pkg/ratelimit"
)

// Client 交易所 REST 客户端（轮询侧传输层）
//
// resty 会自动从环境变量读取代理配置（HTTP_PROXY / HTTPS_PROXY）。
// 限流器由外部注入，client 只在每次请求前等待配额。
type Client struct {
	client  *resty.Client
	limiter ratelimit.RateLimiter
}

// Option 客户端配置项
type Option func(*Client)

// WithRateLimiter 注入限流器
func WithRateLimiter(l ratelimit.RateLimiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithTimeout 覆盖默认请求超时
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.client.SetTimeout(d) }
}

// NewClient 创建 REST 客户端
func NewClient(baseURL string, opts ...Option) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")

	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			// 429 限流优先遵守 Retry-After 头
			if resp.StatusCode() == http.StatusTooManyRequests {
				if retryAfter := resp.Header().Get("Retry-After"); retryAfter != "" {
					if d, err := time.ParseDuration(retryAfter + "s"); err == nil {
						return d, nil
					}
				}
				return 10 * time.Second, nil
			}
			return 0, nil
		})

	c := &Client{client: rc}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ErrNotFound 交易所明确回答资源不存在（404）
// 调用方据此走 not-found 计数，而不是当作传输错误重试
var ErrNotFound = errors.New("resource not found")

func (c *Client) newRequest(ctx context.Context) *resty.Request {
	r := c.client.R()
	if ctx != nil {
		r.SetContext(ctx)
	}
	r.SetHeader("Accept", "application/json")
	r.SetHeader("Connection", "keep-alive")
	return r
}

// GetJSON 发起 GET 请求并把响应解码到 out
func (c *Client) GetJSON(ctx context.Context, endpoint string, params map[string]string, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, "等待限流配额失败")
		}
	}

	r := c.newRequest(ctx)
	if params != nil {
		r.SetQueryParams(params)
	}
	if out != nil {
		r.SetResult(out)
	}

	resp, err := r.Get(endpoint)
	if err != nil {
		return errors.Wrapf(err, "GET %s 失败", endpoint)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return ErrNotFound
	}
	if !resp.IsSuccess() {
		return errors.Errorf("GET %s 非 2xx 响应: %s %s", endpoint, resp.Status(), resp.Body())
	}
	return nil
}

// PostJSON 发起 POST 请求（body 为 JSON）并把响应解码到 out
func (c *Client) PostJSON(ctx context.Context, endpoint string, body any, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, "等待限流配额失败")
		}
	}

	r := c.newRequest(ctx)
	r.SetHeader("Content-Type", "application/json")
	if body != nil {
		r.SetBody(body)
	}
	if out != nil {
		r.SetResult(out)
	}

	resp, err := r.Post(endpoint)
	if err != nil {
		return errors.Wrapf(err, "POST %s 失败", endpoint)
	}
	if !resp.IsSuccess() {
		return errors.Errorf("POST %s 非 2xx 响应: %s %s", endpoint, resp.Status(), resp.Body())
	}
	return nil
}
