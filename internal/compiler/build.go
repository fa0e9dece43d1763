package compiler

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ondemand-dev/ondemand/internal/compile"
	"github.com/ondemand-dev/ondemand/internal/config"
)

// FromConfig 按配置顺序注册 [[Compiler]]，再补齐内置编译器。
// 没有 Command 的条目复用内置直通逻辑，只改写 ContentType。
func FromConfig(cfg *config.Config, logger *logrus.Logger) (*Registry, error) {
	registry := NewRegistry()
	for _, item := range cfg.Compilers {
		c := Compiler{
			Metadata: Metadata{
				Key:         item.Name,
				Extensions:  item.Extensions,
				ContentType: item.ContentType,
				Command:     item.Command,
			},
		}
		if item.Command != "" {
			external := &External{
				Name:        item.Name,
				Command:     item.Command,
				Args:        append([]string(nil), item.Args...),
				Dir:         cfg.Global.ProjectDirectory,
				ContentType: item.ContentType,
				Timeout:     cfg.CompilerTimeout(item),
				Logger:      logger,
			}
			c.Description = "外部命令"
			c.Compile = external.Compile
		} else {
			c.Description = "直通"
			c.Compile = passthrough(item.ContentType)
		}
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("register compiler %s: %w", item.Name, err)
		}
	}
	if err := RegisterBuiltins(registry); err != nil {
		return nil, err
	}
	return registry, nil
}

func passthrough(contentType string) compile.CompileFunc {
	return func(ctx context.Context, input compile.CompileInput) (*compile.CompileResult, error) {
		result, err := compileCopy(ctx, input)
		if err != nil {
			return nil, err
		}
		if contentType != "" {
			result.ContentType = contentType
		}
		return result, nil
	}
}
