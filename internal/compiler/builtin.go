package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/ondemand-dev/ondemand/internal/compile"
	"github.com/ondemand-dev/ondemand/internal/profile"
)

const (
	javascriptContentType = "text/javascript"
	jsonContentType       = "application/json"
	octetStreamType       = "application/octet-stream"
)

var exportDefaultPattern = regexp.MustCompile(`(?m)^export default (.+?);?\s*$`)

// RegisterBuiltins 注册 module、json 与 copy。已存在同名编译器时跳过，配置优先。
func RegisterBuiltins(r *Registry) error {
	builtins := []Compiler{
		{
			Metadata: Metadata{
				Key:         "module",
				Description: "JS 模块直通，systemjs 格式时包裹 System.register",
				Extensions:  []string{".js", ".mjs"},
				ContentType: javascriptContentType,
				Builtin:     true,
			},
			Compile: compileModule,
		},
		{
			Metadata: Metadata{
				Key:         "json",
				Description: "运行时不支持 JSON 模块时转换为 export default",
				Extensions:  []string{".json"},
				Builtin:     true,
			},
			Compile: compileJSON,
		},
		{
			Metadata: Metadata{
				Key:         defaultCompilerKey,
				Description: "原样返回内容",
				Builtin:     true,
			},
			Compile: compileCopy,
		},
	}
	for _, c := range builtins {
		if _, exists := r.Resolve(c.Key); exists {
			continue
		}
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func compileModule(_ context.Context, input compile.CompileInput) (*compile.CompileResult, error) {
	content := input.Content
	if input.Profile.ModuleOutFormat == profile.FormatSystemJS {
		content = wrapSystemJS(content)
	}
	return &compile.CompileResult{
		ContentType: javascriptContentType,
		Content:     content,
	}, nil
}

func compileJSON(ctx context.Context, input compile.CompileInput) (*compile.CompileResult, error) {
	if !json.Valid(input.Content) {
		return nil, fmt.Errorf("%s is not valid json", input.URL)
	}
	if !input.Profile.Missing(profile.FeatureImportTypeJSON) && input.Profile.ModuleOutFormat != profile.FormatSystemJS {
		return &compile.CompileResult{
			ContentType: jsonContentType,
			Content:     input.Content,
		}, nil
	}

	var buf bytes.Buffer
	buf.WriteString("export default ")
	buf.Write(bytes.TrimSpace(input.Content))
	buf.WriteString(";\n")
	return compileModule(ctx, compile.CompileInput{
		URL:     input.URL,
		Content: buf.Bytes(),
		Profile: input.Profile,
	})
}

func compileCopy(_ context.Context, input compile.CompileInput) (*compile.CompileResult, error) {
	contentType := input.ContentType
	if contentType == "" {
		contentType = octetStreamType
	}
	return &compile.CompileResult{
		ContentType: contentType,
		Content:     input.Content,
	}, nil
}

// wrapSystemJS 把 ES 模块包裹为 System.register 注册形式，顶层 export default 改写为 _export 调用。
func wrapSystemJS(content []byte) []byte {
	body := exportDefaultPattern.ReplaceAll(content, []byte(`_export("default", $1);`))

	var buf bytes.Buffer
	buf.WriteString("System.register([], function (_export, _context) {\n")
	buf.WriteString("  \"use strict\";\n")
	buf.WriteString("  return {\n")
	buf.WriteString("    execute: function () {\n")
	buf.Write(body)
	if len(body) > 0 && body[len(body)-1] != '\n' {
		buf.WriteByte('\n')
	}
	buf.WriteString("    }\n")
	buf.WriteString("  };\n")
	buf.WriteString("});\n")
	return buf.Bytes()
}
