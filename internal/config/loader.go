package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "ondemand.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectUnknownCompilerKeys(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Compilers {
		applyCompilerDefaults(&cfg.Compilers[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absProject, err := filepath.Abs(cfg.Global.ProjectDirectory)
	if err != nil {
		return nil, fmt.Errorf("无法解析项目目录: %w", err)
	}
	cfg.Global.ProjectDirectory = absProject

	if cfg.Global.StoragePath == "" {
		cfg.Global.StoragePath = filepath.Join(absProject, cfg.Global.CompileDirectory)
	}
	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("ProjectDirectory", ".")
	v.SetDefault("CompileDirectory", DefaultCompileDirectory)
	v.SetDefault("StoragePath", "")
	v.SetDefault("StorageBackend", "fs")
	v.SetDefault("CompileCacheStrategy", "etag")
	v.SetDefault("CompileCacheSourcesValidation", true)
	v.SetDefault("CompileCacheAssetsValidation", true)
	v.SetDefault("MaxMemoryCacheEntries", 512)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("LockTTL", "30s")
	v.SetDefault("SourcemapMethod", "comment")
}

// DefaultCompileDirectory 是编译产物默认的 URL 前缀段。
const DefaultCompileDirectory = ".ondemand"

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if strings.TrimSpace(g.ProjectDirectory) == "" {
		g.ProjectDirectory = "."
	}
	g.CompileDirectory = strings.Trim(strings.TrimSpace(g.CompileDirectory), "/")
	if g.CompileDirectory == "" {
		g.CompileDirectory = DefaultCompileDirectory
	}
	g.StorageBackend = strings.ToLower(strings.TrimSpace(g.StorageBackend))
	if g.StorageBackend == "" {
		g.StorageBackend = "fs"
	}
	g.CompileCacheStrategy = strings.ToLower(strings.TrimSpace(g.CompileCacheStrategy))
	if g.CompileCacheStrategy == "" {
		g.CompileCacheStrategy = "etag"
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.LockTTL.DurationValue() == 0 {
		g.LockTTL = Duration(30 * time.Second)
	}
}

func applyCompilerDefaults(c *CompilerConfig) {
	c.Name = strings.ToLower(strings.TrimSpace(c.Name))
	for i, ext := range c.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.Extensions[i] = ext
	}
	if c.Timeout.DurationValue() < 0 {
		c.Timeout = Duration(0)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

var knownCompilerKeys = map[string]struct{}{
	"name":        {},
	"extensions":  {},
	"command":     {},
	"args":        {},
	"contenttype": {},
	"timeout":     {},
}

// rejectUnknownCompilerKeys 拒绝 [[Compiler]] 中的拼写错误，避免配置静默失效。
func rejectUnknownCompilerKeys(v *viper.Viper) error {
	raw := v.Get("Compiler")
	compilers, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	for idx, entry := range compilers {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		name := fmt.Sprintf("#%d", idx)
		for key, value := range m {
			if strings.EqualFold(key, "Name") {
				if s, ok := value.(string); ok && s != "" {
					name = s
				}
			}
		}
		for key := range m {
			if _, known := knownCompilerKeys[strings.ToLower(key)]; !known {
				return newFieldError(compilerField(name, key), "未知字段")
			}
		}
	}

	return nil
}
