package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(testConfigPath(t, "valid.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.CompileDirectory != DefaultCompileDirectory {
		t.Fatalf("CompileDirectory 应该自动填充默认值, got %s", cfg.Global.CompileDirectory)
	}
	if !filepath.IsAbs(cfg.Global.StoragePath) || !filepath.IsAbs(cfg.Global.ProjectDirectory) {
		t.Fatalf("目录应当被解析为绝对路径")
	}
	if cfg.Global.CompileCacheStrategy != "mtime" {
		t.Fatalf("策略应当被解析, got %s", cfg.Global.CompileCacheStrategy)
	}
	if !cfg.Global.CompileCacheSourcesValidation || !cfg.Global.CompileCacheAssetsValidation {
		t.Fatalf("校验开关默认应为 true")
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 10*time.Second {
		t.Fatalf("UpstreamTimeout 解析错误: %s", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if cfg.Profile.ModuleOutFormat != "systemjs" || len(cfg.Profile.RequiredFeatures) != 1 {
		t.Fatalf("Profile 配置解析错误: %+v", cfg.Profile)
	}
	if len(cfg.Compilers) != 2 {
		t.Fatalf("expected 2 compilers, got %d", len(cfg.Compilers))
	}
	babel := cfg.Compilers[0]
	if babel.Extensions[0] != ".js" || babel.Extensions[1] != ".mjs" {
		t.Fatalf("扩展名应当被规范化: %v", babel.Extensions)
	}
	if babel.Timeout.DurationValue() != 20*time.Second {
		t.Fatalf("纯数字 Timeout 应按秒解析: %s", babel.Timeout.DurationValue())
	}
}

func TestLoadDefaultStoragePath(t *testing.T) {
	path := writeTempConfig(t, `ProjectDirectory = "./site"`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	want := filepath.Join(cfg.Global.ProjectDirectory, DefaultCompileDirectory)
	if cfg.Global.StoragePath != want {
		t.Fatalf("StoragePath 默认值错误: %s", cfg.Global.StoragePath)
	}
}

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
LockTTL = "boom"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadRejectsUnknownCompilerKeys(t *testing.T) {
	cfg := `
[[Compiler]]
Name = "babel"
Extensions = [".js"]
Comand = "node"
`
	path := writeTempConfig(t, cfg)
	_, err := Load(path)
	fieldErr, ok := err.(FieldError)
	if !ok {
		t.Fatalf("expected FieldError, got %v", err)
	}
	if fieldErr.Reason != "未知字段" {
		t.Fatalf("unexpected reason %s", fieldErr.Reason)
	}
}
