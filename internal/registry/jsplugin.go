package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dop251/goja"
	"gopkg.in/yaml.v3"
)

// JSPlugin is an in-process plugin backed by an embedded JavaScript
// runtime. A plugin script declares its surface through three globals:
//
//	tools        — array of {name, description, input_schema} objects
//	execute      — function(tool, input) returning a string or JSON value
//	onTrigger    — optional function(event) for webhook triggers
//
// A fresh runtime is built per call, so scripts hold no state between
// executions and never see each other's globals.
type JSPlugin struct {
	name       string
	source     string
	tools      []ToolDef
	hasTrigger bool
}

// pluginManifest is the YAML file the Plugins config points at.
//
//	plugins:
//	  - name: weather
//	    script: ./plugins/weather.js
type pluginManifest struct {
	Plugins []struct {
		Name   string `yaml:"name"`
		Script string `yaml:"script"`
	} `yaml:"plugins"`
}

// LoadJSPlugins reads the manifest and registers one JSPlugin per entry.
// A plugin that fails to load is skipped with a logged error rather than
// failing startup; name conflicts are rejected by RegisterPlugin itself.
func LoadJSPlugins(r *Registry, manifestPath string) error {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("read plugin manifest %q: %w", manifestPath, err)
	}

	var manifest pluginManifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return fmt.Errorf("decode plugin manifest %q: %w", manifestPath, err)
	}

	base := filepath.Dir(manifestPath)
	for _, entry := range manifest.Plugins {
		script := entry.Script
		if !filepath.IsAbs(script) {
			script = filepath.Join(base, script)
		}

		p, err := NewJSPlugin(entry.Name, script)
		if err != nil {
			return fmt.Errorf("plugin %q: %w", entry.Name, err)
		}
		if err := r.RegisterPlugin(p); err != nil {
			return err
		}
	}

	return nil
}

// NewJSPlugin loads and validates a plugin script from disk.
func NewJSPlugin(name, scriptPath string) (*JSPlugin, error) {
	src, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return newJSPluginFromSource(name, string(src))
}

func newJSPluginFromSource(name, source string) (*JSPlugin, error) {
	if name == "" {
		return nil, fmt.Errorf("plugin name is required")
	}

	p := &JSPlugin{name: name, source: source}

	vm, err := p.vm()
	if err != nil {
		return nil, err
	}

	tools, err := exportTools(name, vm)
	if err != nil {
		return nil, err
	}
	p.tools = tools

	if _, ok := goja.AssertFunction(vm.Get("execute")); !ok {
		return nil, fmt.Errorf("script does not define an execute function")
	}
	_, p.hasTrigger = goja.AssertFunction(vm.Get("onTrigger"))

	return p, nil
}

func (p *JSPlugin) vm() (*goja.Runtime, error) {
	vm := goja.New()
	if _, err := vm.RunString(p.source); err != nil {
		return nil, fmt.Errorf("evaluate script: %w", err)
	}
	return vm, nil
}

func exportTools(pluginName string, vm *goja.Runtime) ([]ToolDef, error) {
	v := vm.Get("tools")
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, fmt.Errorf("script does not define a tools array")
	}

	entries, ok := v.Export().([]any)
	if !ok {
		return nil, fmt.Errorf("tools is not an array")
	}

	defs := make([]ToolDef, 0, len(entries))
	for i, e := range entries {
		m, ok := e.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("tools[%d] is not an object", i)
		}

		name, _ := m["name"].(string)
		if name == "" {
			return nil, fmt.Errorf("tools[%d] has no name", i)
		}
		description, _ := m["description"].(string)
		schema, _ := m["input_schema"].(map[string]any)

		defs = append(defs, ToolDef{
			Name:        pluginName + "_" + name,
			Description: description,
			InputSchema: schema,
		})
	}

	return defs, nil
}

func (p *JSPlugin) Name() string     { return p.name }
func (p *JSPlugin) Tools() []ToolDef { return p.tools }

// Execute runs the script's execute(tool, input) in a fresh runtime. The
// plugin-name prefix added by exportTools is stripped back off so the
// script sees its own local tool name.
func (p *JSPlugin) Execute(ctx context.Context, tool string, input map[string]any) (string, error) {
	vm, err := p.vm()
	if err != nil {
		return "", err
	}

	fn, ok := goja.AssertFunction(vm.Get("execute"))
	if !ok {
		return "", fmt.Errorf("plugin %q: script does not define an execute function", p.name)
	}

	localName := tool
	if prefix := p.name + "_"; len(tool) > len(prefix) && tool[:len(prefix)] == prefix {
		localName = tool[len(prefix):]
	}

	result, err := fn(goja.Undefined(), vm.ToValue(localName), vm.ToValue(input))
	if err != nil {
		return "", fmt.Errorf("plugin %q: execute: %w", p.name, err)
	}

	return stringifyJSValue(result), nil
}

// OnTrigger forwards a webhook event to the script's onTrigger function.
func (p *JSPlugin) OnTrigger(ctx context.Context, event TriggerEvent) (string, error) {
	if !p.hasTrigger {
		return "", fmt.Errorf("plugin %q does not define onTrigger", p.name)
	}

	vm, err := p.vm()
	if err != nil {
		return "", err
	}

	fn, _ := goja.AssertFunction(vm.Get("onTrigger"))
	result, err := fn(goja.Undefined(), vm.ToValue(map[string]any{
		"plugin":  event.Plugin,
		"payload": event.Payload,
	}))
	if err != nil {
		return "", fmt.Errorf("plugin %q: onTrigger: %w", p.name, err)
	}

	return stringifyJSValue(result), nil
}

func stringifyJSValue(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	exported := v.Export()
	if s, ok := exported.(string); ok {
		return s
	}
	b, err := json.Marshal(exported)
	if err != nil {
		return fmt.Sprintf("%v", exported)
	}
	return string(b)
}
