package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ondemand-dev/ondemand/internal/compile"
	"github.com/ondemand-dev/ondemand/internal/profile"
)

const stderrTailLimit = 2048

// externalRequest 是写入外部编译器 stdin 的 JSON。
type externalRequest struct {
	URL            string                 `json:"url"`
	Content        string                 `json:"content"`
	ContentType    string                 `json:"contentType,omitempty"`
	CompiledURL    string                 `json:"compiledUrl"`
	CompileID      string                 `json:"compileId"`
	CompileProfile profile.CompileProfile `json:"compileProfile"`
}

// External 通过子进程执行编译：请求以 JSON 写入 stdin，stdout 必须输出一个 JSON 对象。
type External struct {
	Name    string
	Command string
	Args    []string
	// Dir 是子进程的工作目录，通常为项目根目录。
	Dir string
	// ContentType 在输出缺少 contentType 时补齐。
	ContentType string
	Timeout     time.Duration
	Logger      *logrus.Logger
}

// Compile 实现 compile.CompileFunc。
func (e *External) Compile(ctx context.Context, input compile.CompileInput) (*compile.CompileResult, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(externalRequest{
		URL:            input.URL,
		Content:        string(input.Content),
		ContentType:    input.ContentType,
		CompiledURL:    input.CompiledURL,
		CompileID:      input.CompileID,
		CompileProfile: input.Profile,
	})
	if err != nil {
		return nil, fmt.Errorf("encode compiler request: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.Command, e.Args...) //nolint:gosec // command comes from config
	cmd.Dir = e.Dir
	cmd.WaitDelay = time.Second
	cmd.Env = append(os.Environ(),
		"ONDEMAND_COMPILE_ID="+input.CompileID,
		"ONDEMAND_MODULE_FORMAT="+input.Profile.ModuleOutFormat,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	runErr := cmd.Run()
	e.logStderr(input, stderr.String(), time.Since(started))
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("compiler %s: %w", e.Name, ctx.Err())
		}
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return nil, fmt.Errorf("compiler %s exited with %d: %s", e.Name, exitCode, tail(stderr.String()))
	}

	var raw map[string]any
	decoder := json.NewDecoder(&stdout)
	if err := decoder.Decode(&raw); err != nil {
		return nil, &compile.TypeError{Field: "stdout", Reason: fmt.Sprintf("compiler %s must print a JSON object: %v", e.Name, err)}
	}
	if _, ok := raw["contentType"]; !ok && e.ContentType != "" {
		raw["contentType"] = e.ContentType
	}
	return compile.DecodeCompileResult(raw)
}

func (e *External) logStderr(input compile.CompileInput, stderr string, elapsed time.Duration) {
	if e.Logger == nil {
		return
	}
	entry := e.Logger.WithFields(logrus.Fields{
		"action":     "compiler_exec",
		"compiler":   e.Name,
		"compile_id": input.CompileID,
		"url":        input.URL,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	for _, line := range strings.Split(strings.TrimSuffix(stderr, "\n"), "\n") {
		if line != "" {
			entry.Debug(line)
		}
	}
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTailLimit {
		return s[len(s)-stderrTailLimit:]
	}
	return s
}
