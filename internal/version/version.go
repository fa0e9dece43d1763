package version

import "fmt"

// Version/Commit 可在构建时通过 -ldflags 注入，默认使用开发占位符。
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Full 返回便于 CLI 打印的完整版本信息。
func Full() string {
	return fmt.Sprintf("ondemand %s (%s)", Version, Commit)
}

// CompileServer 是协商接口返回给运行时的版本号；客户端据此判断已缓存的 compileId 是否仍然可信。
func CompileServer() string {
	if Commit == "" || Commit == "dev" {
		return Version
	}
	return Version + "+" + Commit
}
