package config

import (
	_ "embed"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.yaml.in/yaml/v3"

	"github.com/zengqingfu1442/onnx-simplifier/internal/onnx"
)

//go:embed engine.schema.json
var engineSchemaJSON string

var engineSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return jsonschema.CompileString("engine.schema.json", engineSchemaJSON)
})

// EngineProfile configures the external conversion tools.
type EngineProfile struct {
	Simplifier onnx.Command      `yaml:"simplifier"`
	Optimizer  onnx.Command      `yaml:"optimizer"`
	Env        map[string]string `yaml:"env"`
	WorkDir    string            `yaml:"work_dir"`
}

// LoadEngineProfile reads and validates the YAML engine profile at path.
// An empty path yields the zero profile, which selects the default tools.
func LoadEngineProfile(path string) (*EngineProfile, error) {
	if path == "" {
		return &EngineProfile{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read engine profile: %w", err)
	}
	return ParseEngineProfile(data)
}

// ParseEngineProfile validates data against the engine profile schema and
// decodes it.
func ParseEngineProfile(data []byte) (*EngineProfile, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	schema, err := engineSchema()
	if err != nil {
		return nil, fmt.Errorf("compile engine profile schema: %w", err)
	}
	if err := schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("engine profile validation failed: %w", err)
	}

	var p EngineProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode engine profile: %w", err)
	}
	return &p, nil
}

// ExecOptions converts the profile into subprocess engine options.
func (p *EngineProfile) ExecOptions() onnx.ExecOptions {
	return onnx.ExecOptions{
		Simplifier: p.Simplifier,
		Optimizer:  p.Optimizer,
		Env:        p.Env,
		WorkDir:    p.WorkDir,
	}
}
