package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ondemand-dev/ondemand/internal/etag"
	"github.com/ondemand-dev/ondemand/internal/server"
)

// HTTPFetcher 从远端镜像拉取源文件，适合源码由另一个开发服务器提供的场景。
type HTTPFetcher struct {
	base   *url.URL
	client *http.Client
}

var _ Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher 使用共享的上游 client 访问 upstream。
func NewHTTPFetcher(upstream string, client *http.Client) (*HTTPFetcher, error) {
	base, err := url.Parse(strings.TrimRight(upstream, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse source upstream: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("source upstream must be absolute: %s", upstream)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{base: base, client: client}, nil
}

func (h *HTTPFetcher) Fetch(ctx context.Context, rawURL string, header http.Header) (*Response, error) {
	rawURL = CleanURL(rawURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.target(rawURL), nil)
	if err != nil {
		return nil, err
	}
	if header != nil {
		server.ForwardRequestHeaders(req.Header, header)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}

	copied := http.Header{}
	server.CopyHeaders(copied, resp.Header)
	return &Response{
		URL:     rawURL,
		Status:  resp.StatusCode,
		Header:  copied,
		Body:    body,
		ETag:    resp.Header.Get("ETag"),
		ModTime: parseHTTPTime(resp.Header.Get("Last-Modified")),
	}, nil
}

// Stat 优先使用 HEAD；上游没有返回 ETag 或不支持 HEAD 时退回 GET，
// 并按内容计算 ETag，与编译时记录的版本保持一致。
func (h *HTTPFetcher) Stat(ctx context.Context, rawURL string) (*Info, error) {
	rawURL = CleanURL(rawURL)
	header := RequestHeader(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.target(rawURL), nil)
	if err != nil {
		return nil, err
	}
	if header != nil {
		server.ForwardRequestHeaders(req.Header, header)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", rawURL, err)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, &FetchError{URL: rawURL, Status: resp.StatusCode, Header: resp.Header.Clone()}
	case resp.StatusCode >= 200 && resp.StatusCode < 300 && resp.Header.Get("ETag") != "":
		return &Info{
			URL:     rawURL,
			ETag:    resp.Header.Get("ETag"),
			ModTime: parseHTTPTime(resp.Header.Get("Last-Modified")),
		}, nil
	}

	full, err := h.Fetch(ctx, rawURL, header)
	if err != nil {
		return nil, err
	}
	if !full.OK() {
		return nil, AsFetchError(full)
	}
	tag := full.ETag
	if tag == "" {
		tag = etag.Compute(full.Body)
	}
	return &Info{URL: rawURL, ETag: tag, ModTime: full.ModTime}, nil
}

func (h *HTTPFetcher) target(rawURL string) string {
	u := *h.base
	u.Path = strings.TrimRight(h.base.Path, "/") + rawURL
	return u.String()
}

func parseHTTPTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := http.ParseTime(value)
	if err != nil {
		return time.Time{}
	}
	return t
}
