package routes

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/ondemand-dev/ondemand/internal/compiler"
	"github.com/ondemand-dev/ondemand/internal/profile"
	"github.com/ondemand-dev/ondemand/internal/server"
)

func newRoutesApp(t *testing.T, tablePath string) (*fiber.App, *profile.Table) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		ListenPort: 5000,
		Handler: server.RequestHandlerFunc(func(c fiber.Ctx) error {
			return c.SendStatus(fiber.StatusTeapot)
		}),
	})
	if err != nil {
		t.Fatalf("create app failed: %v", err)
	}

	table := profile.NewTable(tablePath)
	registry := compiler.NewRegistry()
	if err := compiler.RegisterBuiltins(registry); err != nil {
		t.Fatalf("register builtins failed: %v", err)
	}
	RegisterProfileRoutes(app, ProfileOptions{
		Negotiator:       profile.NewNegotiator(profile.Options{ModuleOutFormat: profile.FormatESModule}, table),
		CompileDirectory: ".ondemand",
		Strategy:         "etag",
		Logger:           logger,
	})
	RegisterDiagnosticsRoutes(app, registry, table)
	return app, table
}

func decode(t *testing.T, body io.Reader, out any) {
	t.Helper()
	if err := json.NewDecoder(body).Decode(out); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
}

func TestNegotiateInternsProfiles(t *testing.T) {
	tablePath := filepath.Join(t.TempDir(), profile.DirectoriesFile)
	app, table := newRoutesApp(t, tablePath)

	post := func(body string) negotiatedPayload {
		req := httptest.NewRequest("POST", server.ProfileEndpoint, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		var payload negotiatedPayload
		decode(t, resp.Body, &payload)
		return payload
	}

	old := `{"name":"chrome","version":"60","env":{"browser":true}}`
	first := post(old)
	second := post(old)
	if first.CompileID == "" || first.CompileID != second.CompileID {
		t.Fatalf("equal reports must share a compile id: %q vs %q", first.CompileID, second.CompileID)
	}
	if !first.CompileProfile.NeedsCompilation() {
		t.Fatalf("chrome 60 should need compilation")
	}

	modern := post(`{"name":"chrome","version":"120","env":{"browser":true}}`)
	if modern.CompileID == first.CompileID {
		t.Fatalf("different profiles must get different ids")
	}
	if table.Len() != 2 {
		t.Fatalf("expected 2 directories, got %d", table.Len())
	}
	if _, err := os.Stat(tablePath); err != nil {
		t.Fatalf("table should be saved after creation: %v", err)
	}
}

func TestNegotiateRejectsMalformedJSON(t *testing.T) {
	app, _ := newRoutesApp(t, "")
	resp, err := app.Test(httptest.NewRequest("POST", server.ProfileEndpoint, strings.NewReader("{")))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "invalid_runtime_report") {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestProfileInfoListsDirectories(t *testing.T) {
	app, table := newRoutesApp(t, "")
	dir, _, err := table.Resolve(profile.CompileProfile{ModuleOutFormat: profile.FormatSystemJS})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	resp, err := app.Test(httptest.NewRequest("GET", server.ProfileEndpoint, nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	var payload profileInfoPayload
	decode(t, resp.Body, &payload)
	if payload.CompileDirectory != ".ondemand" || payload.CompileCacheStrategy != "etag" || payload.CompileServerVersion == "" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if len(payload.CompileDirectories) != 1 || payload.CompileDirectories[0].CompileID != dir.CompileID {
		t.Fatalf("unexpected directories %+v", payload.CompileDirectories)
	}
}

func TestCompilerDiagnostics(t *testing.T) {
	app, _ := newRoutesApp(t, "")

	resp, err := app.Test(httptest.NewRequest("GET", "/-/compilers", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	var list struct {
		Compilers []compiler.Metadata `json:"compilers"`
	}
	decode(t, resp.Body, &list)
	if len(list.Compilers) != 3 || list.Compilers[0].Key != "copy" {
		t.Fatalf("unexpected compilers %+v", list.Compilers)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/-/compilers/MODULE", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	var meta compiler.Metadata
	decode(t, resp.Body, &meta)
	if meta.Key != "module" || !meta.Builtin {
		t.Fatalf("unexpected metadata %+v", meta)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/-/compilers/unknown", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestDirectoryDiagnostics(t *testing.T) {
	app, table := newRoutesApp(t, "")
	if _, _, err := table.Resolve(profile.CompileProfile{
		ModuleOutFormat: profile.FormatESModule,
		MissingFeatures: map[string]any{"import_meta": true, "arrow_function": true},
	}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	resp, err := app.Test(httptest.NewRequest("GET", "/-/directories", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	var payload struct {
		Directories []directoryPayload `json:"directories"`
	}
	decode(t, resp.Body, &payload)
	if len(payload.Directories) != 1 {
		t.Fatalf("unexpected directories %+v", payload.Directories)
	}
	got := payload.Directories[0]
	if !got.NeedsCompile || len(got.MissingFeatures) != 2 || got.MissingFeatures[0] != "arrow_function" {
		t.Fatalf("unexpected directory %+v", got)
	}
}
