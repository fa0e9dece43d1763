// Package etag 计算编译产物与源文件共用的强校验 ETag。
package etag

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Compute 返回 `"<长度十六进制>-<xxhash>"` 形式的 ETag，内容相同则结果相同。
func Compute(content []byte) string {
	return fmt.Sprintf("\"%x-%016x\"", len(content), xxhash.Sum64(content))
}

// Normalize 去掉弱校验前缀与引号，便于比较客户端传入的 If-None-Match。
func Normalize(value string) string {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "W/")
	return strings.Trim(value, "\"")
}

// Match 判断 If-None-Match 头是否命中当前 etag，支持逗号分隔列表与 `*`。
func Match(header, current string) bool {
	if header == "" || current == "" {
		return false
	}
	want := Normalize(current)
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		if Normalize(candidate) == want {
			return true
		}
	}
	return false
}
