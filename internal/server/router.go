package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProfileEndpoint 是运行时协商编译配置的固定入口。
const ProfileEndpoint = "/__compile_profile__"

// RequestHandler describes the component that serves project sources and
// compiled artifacts. It allows injecting fake handlers during tests.
type RequestHandler interface {
	Handle(fiber.Ctx) error
}

// RequestHandlerFunc adapts a function to the RequestHandler interface.
type RequestHandlerFunc func(fiber.Ctx) error

// Handle makes RequestHandlerFunc satisfy RequestHandler.
func (f RequestHandlerFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Handler    RequestHandler
	ListenPort int
}

const contextKeyRequestID = "_ondemand_request_id"

// NewApp builds a Fiber application with request-id middleware and panic
// recovery. Diagnostics and profile routes are registered by the caller.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("request handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	app.All("/*", func(c fiber.Ctx) error {
		if isReservedPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return opts.Handler.Handle(c)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID 并写回响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isReservedPath(path string) bool {
	return strings.HasPrefix(path, "/-/") || path == ProfileEndpoint
}
