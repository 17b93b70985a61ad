package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const echoPluginSource = `
var tools = [
	{
		name: "echo",
		description: "Echo the input back.",
		input_schema: {type: "object", properties: {text: {type: "string"}}, required: ["text"]}
	}
];

function execute(tool, input) {
	if (tool === "echo") {
		return "echo: " + input.text;
	}
	return "unknown tool " + tool;
}

function onTrigger(event) {
	return "triggered by " + event.payload.source;
}
`

func TestJSPluginToolsAndExecute(t *testing.T) {
	p, err := newJSPluginFromSource("demo", echoPluginSource)
	if err != nil {
		t.Fatalf("newJSPluginFromSource() error = %v", err)
	}

	tools := p.Tools()
	if len(tools) != 1 {
		t.Fatalf("len(tools) = %d, want 1", len(tools))
	}
	if tools[0].Name != "demo_echo" {
		t.Errorf("tool name = %q, want demo_echo", tools[0].Name)
	}
	if tools[0].InputSchema["type"] != "object" {
		t.Errorf("input schema not exported: %v", tools[0].InputSchema)
	}

	result, err := p.Execute(context.Background(), "demo_echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result != "echo: hi" {
		t.Errorf("result = %q", result)
	}
}

func TestJSPluginOnTrigger(t *testing.T) {
	p, err := newJSPluginFromSource("demo", echoPluginSource)
	if err != nil {
		t.Fatalf("newJSPluginFromSource() error = %v", err)
	}

	result, err := p.OnTrigger(context.Background(), TriggerEvent{
		Plugin:  "demo",
		Payload: map[string]any{"source": "webhook"},
	})
	if err != nil {
		t.Fatalf("OnTrigger() error = %v", err)
	}
	if result != "triggered by webhook" {
		t.Errorf("result = %q", result)
	}
}

func TestJSPluginWithoutTriggerRejectsWebhook(t *testing.T) {
	p, err := newJSPluginFromSource("plain", `
var tools = [{name: "noop", description: ""}];
function execute(tool, input) { return "ok"; }
`)
	if err != nil {
		t.Fatalf("newJSPluginFromSource() error = %v", err)
	}

	if _, err := p.OnTrigger(context.Background(), TriggerEvent{}); err == nil {
		t.Fatal("expected error for a plugin without onTrigger")
	}
}

func TestJSPluginValidation(t *testing.T) {
	if _, err := newJSPluginFromSource("bad", `var x = 1;`); err == nil {
		t.Error("expected error for a script without tools")
	}
	if _, err := newJSPluginFromSource("bad", `var tools = [{name: "t"}];`); err == nil {
		t.Error("expected error for a script without execute")
	}
	if _, err := newJSPluginFromSource("bad", `this is not javascript`); err == nil {
		t.Error("expected error for a script that does not parse")
	}
}

func TestLoadJSPluginsFromManifest(t *testing.T) {
	dir := t.TempDir()

	if err := os.WriteFile(filepath.Join(dir, "echo.js"), []byte(echoPluginSource), 0o600); err != nil {
		t.Fatalf("write script: %v", err)
	}
	manifest := "plugins:\n  - name: demo\n    script: echo.js\n"
	manifestPath := filepath.Join(dir, "plugins.yaml")
	if err := os.WriteFile(manifestPath, []byte(manifest), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	r := New(newTestStore(t))
	if err := LoadJSPlugins(r, manifestPath); err != nil {
		t.Fatalf("LoadJSPlugins() error = %v", err)
	}

	if _, ok := r.Plugin("demo"); !ok {
		t.Fatal("plugin demo not registered")
	}

	result, _, err := r.Execute(context.Background(), "demo_echo", map[string]any{"text": "yo"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result != "echo: yo" {
		t.Errorf("result = %q", result)
	}
}
