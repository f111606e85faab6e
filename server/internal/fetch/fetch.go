// Package fetch 负责从网络取回回合音频的原始字节。
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Func 是抓取音频字节的抽象。引擎和预加载器都依赖它而不是具体 HTTP 客户端，
// 测试里可以替换成计数器或固定字节。
type Func func(ctx context.Context, locator string) ([]byte, error)

// Client 是基于 net/http 的默认实现。
// 注意：这里不设超时——按引擎的约定，挂起的抓取表现为一直 pending 的 load，
// 超时/取消的体验由上层（UI）通过 ctx 负责。
type Client struct {
	http *http.Client
}

func NewClient() *Client {
	return &Client{http: &http.Client{}}
}

// Fetch 抓取 locator 指向的完整音频字节。
// 非 2xx 响应视为抓取失败，不读取 body 内容兜底。
func (c *Client) Fetch(ctx context.Context, locator string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, fmt.Errorf("build audio request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch audio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch audio: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio body: %w", err)
	}
	return data, nil
}
