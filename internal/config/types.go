package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数：监听、日志、存储、缓存策略与外部依赖。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	// ProjectDirectory 是源码根目录，未编译的请求直接从这里读取。
	ProjectDirectory string `mapstructure:"ProjectDirectory"`
	// CompileDirectory 是编译产物在 URL 中的前缀段，例如 /.ondemand/<compileId>/...
	CompileDirectory string `mapstructure:"CompileDirectory"`
	// StoragePath 为空时落在 <ProjectDirectory>/<CompileDirectory>。
	StoragePath    string `mapstructure:"StoragePath"`
	StorageBackend string `mapstructure:"StorageBackend"`
	S3Endpoint     string `mapstructure:"S3Endpoint"`
	S3Bucket       string `mapstructure:"S3Bucket"`
	S3AccessKey    string `mapstructure:"S3AccessKey"`
	S3SecretKey    string `mapstructure:"S3SecretKey"`
	S3Region       string `mapstructure:"S3Region"`
	S3UseSSL       bool   `mapstructure:"S3UseSSL"`

	CompileCacheStrategy          string `mapstructure:"CompileCacheStrategy"`
	CompileCacheSourcesValidation bool   `mapstructure:"CompileCacheSourcesValidation"`
	CompileCacheAssetsValidation  bool   `mapstructure:"CompileCacheAssetsValidation"`
	MaxMemoryCacheEntries         int    `mapstructure:"MaxMemoryCacheEntries"`

	// SourceUpstream 非空时源码改为从远端镜像拉取，而不是读取本地目录。
	SourceUpstream  string   `mapstructure:"SourceUpstream"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`

	LockRedisURL string   `mapstructure:"LockRedisURL"`
	LockTTL      Duration `mapstructure:"LockTTL"`

	WatchSources   bool `mapstructure:"WatchSources"`
	TracingEnabled bool `mapstructure:"TracingEnabled"`
}

// ProfileConfig 是协商编译配置时的服务端选项。
type ProfileConfig struct {
	ModuleOutFormat         string   `mapstructure:"ModuleOutFormat"`
	SourcemapMethod         string   `mapstructure:"SourcemapMethod"`
	SourcemapExcludeSources bool     `mapstructure:"SourcemapExcludeSources"`
	EventSourceClient       bool     `mapstructure:"EventSourceClient"`
	HTMLSupervisor          bool     `mapstructure:"HTMLSupervisor"`
	Toolbar                 bool     `mapstructure:"Toolbar"`
	TransformFeatures       []string `mapstructure:"TransformFeatures"`
	RequiredFeatures        []string `mapstructure:"RequiredFeatures"`
	InjectedFeatures        []string `mapstructure:"InjectedFeatures"`
}

// CompilerConfig 将一组扩展名绑定到编译器。Command 为空时使用内置的直通编译器。
type CompilerConfig struct {
	Name        string   `mapstructure:"Name"`
	Extensions  []string `mapstructure:"Extensions"`
	Command     string   `mapstructure:"Command"`
	Args        []string `mapstructure:"Args"`
	ContentType string   `mapstructure:"ContentType"`
	Timeout     Duration `mapstructure:"Timeout"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global    GlobalConfig     `mapstructure:",squash"`
	Profile   ProfileConfig    `mapstructure:",squash"`
	Compilers []CompilerConfig `mapstructure:"Compiler"`
}

// CompilerNames 返回所有编译器名称摘要，例如 babel:.js,.mjs，供启动日志使用。
func CompilerNames(compilers []CompilerConfig) []string {
	if len(compilers) == 0 {
		return nil
	}
	result := make([]string, len(compilers))
	for i, c := range compilers {
		result[i] = fmt.Sprintf("%s:%s", c.Name, strings.Join(c.Extensions, ","))
	}
	return result
}
