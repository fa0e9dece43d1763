package server

import (
	"net"
	"net/http"
	"net/textproto"
	"time"

	"github.com/ondemand-dev/ondemand/internal/config"
)

// 远端源码镜像通常与本服务在同一台机器或同一内网，连接数与空闲超时都比公网代理更保守。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          32,
	MaxIdleConnsPerHost:   32,
	IdleConnTimeout:       60 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	DialContext: (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回访问 SourceUpstream 的共享 http.Client。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	}
}

// forwardedRequestHeaders 是读取远端源文件时允许透传的客户端请求头，条件请求头不在其中：
// 服务端需要完整内容来编译。
var forwardedRequestHeaders = []string{"Accept", "Accept-Language", "Authorization", "Cookie", "User-Agent"}

// ForwardRequestHeaders 将客户端请求头中允许透传的部分写入 dst。
func ForwardRequestHeaders(dst, src http.Header) {
	for _, key := range forwardedRequestHeaders {
		if value := src.Get(key); value != "" {
			dst.Set(key, value)
		}
	}
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {},
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header must not be relayed.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
