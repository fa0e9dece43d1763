package routes

import (
	"encoding/json"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/ondemand-dev/ondemand/internal/profile"
	"github.com/ondemand-dev/ondemand/internal/server"
	"github.com/ondemand-dev/ondemand/internal/version"
)

// ProfileOptions 是协商接口需要的依赖。
type ProfileOptions struct {
	Negotiator       *profile.Negotiator
	CompileDirectory string
	Strategy         string
	Logger           *logrus.Logger
}

type profileInfoPayload struct {
	CompileDirectory     string              `json:"compileDirectory"`
	CompileServerVersion string              `json:"compileServerVersion"`
	CompileCacheStrategy string              `json:"compileCacheStrategy"`
	CompileDirectories   []profile.Directory `json:"compileDirectories"`
}

type negotiatedPayload struct {
	CompileProfile profile.CompileProfile `json:"compileProfile"`
	CompileID      string                 `json:"compileId"`
}

// RegisterProfileRoutes 暴露 /__compile_profile__：GET 返回服务端信息与全部编译目录，
// POST 接收运行时报告并返回协商出的 compileId。
func RegisterProfileRoutes(app *fiber.App, opts ProfileOptions) {
	if app == nil || opts.Negotiator == nil {
		return
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Get(server.ProfileEndpoint, func(c fiber.Ctx) error {
		dirs := opts.Negotiator.Table().List()
		if dirs == nil {
			dirs = []profile.Directory{}
		}
		return c.JSON(profileInfoPayload{
			CompileDirectory:     opts.CompileDirectory,
			CompileServerVersion: version.CompileServer(),
			CompileCacheStrategy: opts.Strategy,
			CompileDirectories:   dirs,
		})
	})

	app.Post(server.ProfileEndpoint, func(c fiber.Ctx) error {
		var report profile.RuntimeReport
		if err := json.Unmarshal(c.Body(), &report); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":   "invalid_runtime_report",
				"message": err.Error(),
			})
		}

		dir, created, err := opts.Negotiator.Negotiate(report)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"action":     "negotiate",
				"request_id": server.RequestID(c),
			}).WithError(err).Error("negotiate_failed")
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "negotiate_failed"})
		}

		fields := logrus.Fields{
			"action":     "negotiate",
			"compile_id": dir.CompileID,
			"runtime":    report.Name + "@" + report.Version,
			"created":    created,
			"missing":    dir.Profile.MissingList(),
			"request_id": server.RequestID(c),
		}
		if created {
			if err := opts.Negotiator.Table().Save(); err != nil {
				logger.WithFields(fields).WithError(err).Warn("save_compile_directories_failed")
			}
			logger.WithFields(fields).Info("compile_directory_created")
		} else {
			logger.WithFields(fields).Debug("compile_directory_reused")
		}

		return c.JSON(negotiatedPayload{
			CompileProfile: dir.Profile,
			CompileID:      dir.CompileID,
		})
	})
}
