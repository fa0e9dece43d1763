package config

import "time"

// CompilerTimeout 返回单个编译器的执行超时，未配置时回退到 UpstreamTimeout。
func (c *Config) CompilerTimeout(compiler CompilerConfig) time.Duration {
	if compiler.Timeout.DurationValue() > 0 {
		return compiler.Timeout.DurationValue()
	}
	return c.Global.UpstreamTimeout.DurationValue()
}

// CompileURLPrefix 返回编译产物的 URL 前缀，例如 /.ondemand/
func (c *Config) CompileURLPrefix() string {
	return "/" + c.Global.CompileDirectory + "/"
}
