package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// MinLockTTL 是跨进程锁租期的下限，续期按租期的一半触发。
const MinLockTTL = 100 * time.Millisecond

var supportedStrategies = map[string]struct{}{
	"etag":  {},
	"mtime": {},
	"none":  {},
}

var supportedModuleFormats = map[string]struct{}{
	"":         {},
	"esmodule": {},
	"systemjs": {},
	"commonjs": {},
	"global":   {},
}

var supportedSourcemapMethods = map[string]struct{}{
	"":        {},
	"inline":  {},
	"comment": {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if strings.TrimSpace(g.ProjectDirectory) == "" {
		return newFieldError("Global.ProjectDirectory", "不能为空")
	}
	if err := validateCompileDirectory(g.CompileDirectory); err != nil {
		return fmt.Errorf("Global.CompileDirectory: %w", err)
	}
	if _, ok := supportedStrategies[g.CompileCacheStrategy]; !ok {
		return newFieldError("Global.CompileCacheStrategy", "仅支持 etag/mtime/none")
	}
	if g.MaxMemoryCacheEntries < 0 {
		return newFieldError("Global.MaxMemoryCacheEntries", "不能为负数")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.LockTTL.DurationValue() < MinLockTTL {
		return newFieldError("Global.LockTTL", fmt.Sprintf("不能小于 %s", MinLockTTL))
	}

	switch g.StorageBackend {
	case "fs":
	case "s3":
		if g.S3Endpoint == "" || g.S3Bucket == "" {
			return newFieldError("Global.S3Endpoint/S3Bucket", "s3 后端必须提供")
		}
		if (g.S3AccessKey == "") || (g.S3SecretKey == "") {
			return newFieldError("Global.S3AccessKey/S3SecretKey", "s3 后端必须提供")
		}
	default:
		return newFieldError("Global.StorageBackend", "仅支持 fs/s3")
	}

	if g.SourceUpstream != "" {
		if err := validateUpstream(g.SourceUpstream); err != nil {
			return fmt.Errorf("Global.SourceUpstream: %w", err)
		}
	}
	if g.LockRedisURL != "" {
		if err := validateRedisURL(g.LockRedisURL); err != nil {
			return fmt.Errorf("Global.LockRedisURL: %w", err)
		}
	}

	p := &c.Profile
	p.ModuleOutFormat = strings.ToLower(strings.TrimSpace(p.ModuleOutFormat))
	if _, ok := supportedModuleFormats[p.ModuleOutFormat]; !ok {
		return newFieldError("Profile.ModuleOutFormat", "仅支持 esmodule/systemjs/commonjs/global")
	}
	p.SourcemapMethod = strings.ToLower(strings.TrimSpace(p.SourcemapMethod))
	if _, ok := supportedSourcemapMethods[p.SourcemapMethod]; !ok {
		return newFieldError("Profile.SourcemapMethod", "仅支持 inline/comment")
	}

	seenNames := map[string]struct{}{}
	seenExtensions := map[string]string{}
	for i := range c.Compilers {
		compiler := &c.Compilers[i]
		if compiler.Name == "" {
			return newFieldError("Compiler[].Name", "不能为空")
		}
		if _, exists := seenNames[compiler.Name]; exists {
			return newFieldError(compilerField(compiler.Name, "Name"), "重复")
		}
		seenNames[compiler.Name] = struct{}{}

		if len(compiler.Extensions) == 0 {
			return newFieldError(compilerField(compiler.Name, "Extensions"), "至少需要一个扩展名")
		}
		for _, ext := range compiler.Extensions {
			if ext == "" || ext == "." || strings.ContainsAny(ext, "/ ") {
				return newFieldError(compilerField(compiler.Name, "Extensions"), fmt.Sprintf("非法扩展名: %q", ext))
			}
			if owner, exists := seenExtensions[ext]; exists {
				return newFieldError(compilerField(compiler.Name, "Extensions"), fmt.Sprintf("%s 已被 %s 使用", ext, owner))
			}
			seenExtensions[ext] = compiler.Name
		}
	}

	return nil
}

func validateCompileDirectory(dir string) error {
	if dir == "" {
		return errors.New("不能为空")
	}
	if strings.Contains(dir, "/") {
		return errors.New("只能是单个路径段")
	}
	if dir == "." || dir == ".." {
		return errors.New("不能是相对目录")
	}
	return nil
}

func validateUpstream(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

func validateRedisURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "redis" && parsed.Scheme != "rediss" {
		return fmt.Errorf("仅支持 redis/rediss: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}
