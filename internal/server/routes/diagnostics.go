package routes

import (
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/ondemand-dev/ondemand/internal/compiler"
	"github.com/ondemand-dev/ondemand/internal/profile"
)

// RegisterDiagnosticsRoutes 暴露 /-/compilers 与 /-/directories 诊断接口，便于排查扩展名绑定与 profile 驻留情况。
func RegisterDiagnosticsRoutes(app *fiber.App, compilers *compiler.Registry, table *profile.Table) {
	if app == nil || compilers == nil || table == nil {
		return
	}

	app.Get("/-/compilers", func(c fiber.Ctx) error {
		list := compilers.List()
		if list == nil {
			list = []compiler.Metadata{}
		}
		return c.JSON(fiber.Map{"compilers": list})
	})

	app.Get("/-/compilers/:key", func(c fiber.Ctx) error {
		key := strings.ToLower(strings.TrimSpace(c.Params("key")))
		if key == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "compiler_key_required"})
		}
		item, ok := compilers.Resolve(key)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "compiler_not_found"})
		}
		return c.JSON(item.Metadata)
	})

	app.Get("/-/directories", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"directories": encodeDirectories(table.List()),
		})
	})
}

type directoryPayload struct {
	CompileID       string   `json:"compile_id"`
	ModuleOutFormat string   `json:"module_out_format"`
	MissingFeatures []string `json:"missing_features"`
	NeedsCompile    bool     `json:"needs_compilation"`
}

func encodeDirectories(dirs []profile.Directory) []directoryPayload {
	result := make([]directoryPayload, 0, len(dirs))
	for _, dir := range dirs {
		result = append(result, directoryPayload{
			CompileID:       dir.CompileID,
			ModuleOutFormat: dir.Profile.ModuleOutFormat,
			MissingFeatures: dir.Profile.MissingList(),
			NeedsCompile:    dir.Profile.NeedsCompilation(),
		})
	}
	return result
}
