package apphttp

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/GoCodeAlone/modular"
	"github.com/GoCodeAlone/modular/modules/jsonschema"
)

// schemaValidator compiles JSON Schema files once per path through the
// modular jsonschema service.
type schemaValidator struct {
	mu       sync.Mutex
	svc      jsonschema.JSONSchemaService
	compiled map[string]jsonschema.Schema
}

var schemas = &schemaValidator{compiled: map[string]jsonschema.Schema{}}

// service starts the schema module on first use. A failed start is retried
// by the next caller. mu must be held.
func (v *schemaValidator) service() (jsonschema.JSONSchemaService, error) {
	if v.svc != nil {
		return v.svc, nil
	}
	app := modular.NewStdApplication(modular.NewStdConfigProvider(nil), slog.New(slog.DiscardHandler))
	app.RegisterModule(jsonschema.NewModule())
	if err := app.Init(); err != nil {
		return nil, fmt.Errorf("apphttp: init schema module: %w", err)
	}
	var svc jsonschema.JSONSchemaService
	if err := app.GetService("jsonschema.service", &svc); err != nil {
		return nil, fmt.Errorf("apphttp: schema service: %w", err)
	}
	v.svc = svc
	return svc, nil
}

func (v *schemaValidator) compile(path string) (jsonschema.JSONSchemaService, jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var none jsonschema.Schema
	svc, err := v.service()
	if err != nil {
		return nil, none, err
	}
	if s, ok := v.compiled[path]; ok {
		return svc, s, nil
	}
	s, err := svc.CompileSchema(path)
	if err != nil {
		return nil, none, fmt.Errorf("apphttp: compile schema %s: %w", path, err)
	}
	v.compiled[path] = s
	return svc, s, nil
}

// schemaPath resolves a relative schema name against dir.
func schemaPath(dir, name string) string {
	if dir == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}
