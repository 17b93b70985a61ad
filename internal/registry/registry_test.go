package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rakunlabs/brain/internal/config"
	"github.com/rakunlabs/brain/internal/store"
	"github.com/rakunlabs/brain/internal/store/sqlite3"
	"github.com/rakunlabs/brain/pkg/mcp"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "brain.db")
	s, err := sqlite3.New(context.Background(), &config.StoreSQLite{Datasource: dsn}, nil)
	if err != nil {
		t.Fatalf("sqlite3.New() error = %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

type stubPlugin struct {
	name  string
	tools []ToolDef
	calls int
}

func (p *stubPlugin) Name() string      { return p.name }
func (p *stubPlugin) Tools() []ToolDef  { return p.tools }
func (p *stubPlugin) Execute(_ context.Context, tool string, _ map[string]any) (string, error) {
	p.calls++
	return "plugin executed " + tool, nil
}

func TestExecuteUnknownTool(t *testing.T) {
	r := New(newTestStore(t))

	result, jobID, err := r.Execute(context.Background(), "does_not_exist", nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if jobID != nil {
		t.Errorf("jobID = %v, want nil", *jobID)
	}
	if want := "Unknown tool: does_not_exist"; result != want {
		t.Errorf("result = %q, want %q", result, want)
	}
}

func TestExecuteBuiltin(t *testing.T) {
	r := New(newTestStore(t))
	r.RegisterBuiltin(ToolDef{Name: "ping"}, func(_ context.Context, _ map[string]any) (string, *string, error) {
		return "pong", nil, nil
	})

	result, _, err := r.Execute(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result != "pong" {
		t.Errorf("result = %q, want pong", result)
	}
}

func TestSelfManagementPrecedesPlugin(t *testing.T) {
	r := New(newTestStore(t))

	p := &stubPlugin{name: "demo", tools: []ToolDef{{Name: "manage_skill"}}}
	if err := r.RegisterPlugin(p); err != nil {
		t.Fatalf("RegisterPlugin() error = %v", err)
	}
	r.RegisterSelfManagement(ToolDef{Name: "manage_skill"}, func(_ context.Context, _ map[string]any) (string, *string, error) {
		return "handled by self-management", nil, nil
	})

	result, _, err := r.Execute(context.Background(), "manage_skill", nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result != "handled by self-management" {
		t.Errorf("result = %q, want self-management to win precedence", result)
	}
	if p.calls != 0 {
		t.Errorf("plugin was called %d times, want 0 (self-management should have won)", p.calls)
	}
}

func TestPluginExecute(t *testing.T) {
	r := New(newTestStore(t))
	p := &stubPlugin{name: "demo", tools: []ToolDef{{Name: "do_thing"}}}
	if err := r.RegisterPlugin(p); err != nil {
		t.Fatalf("RegisterPlugin() error = %v", err)
	}

	result, _, err := r.Execute(context.Background(), "do_thing", nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result != "plugin executed do_thing" {
		t.Errorf("result = %q", result)
	}
}

func TestRegisterPluginNameConflict(t *testing.T) {
	r := New(newTestStore(t))
	if err := r.RegisterPlugin(&stubPlugin{name: "demo"}); err != nil {
		t.Fatalf("first RegisterPlugin() error = %v", err)
	}
	if err := r.RegisterPlugin(&stubPlugin{name: "demo"}); err == nil {
		t.Error("second RegisterPlugin() with same name should have errored")
	}
}

func TestResolveIncludesAllSources(t *testing.T) {
	r := New(newTestStore(t))
	r.RegisterBuiltin(ToolDef{Name: "b1"}, func(context.Context, map[string]any) (string, *string, error) { return "", nil, nil })
	r.RegisterSelfManagement(ToolDef{Name: "s1"}, func(context.Context, map[string]any) (string, *string, error) { return "", nil, nil })
	if err := r.RegisterPlugin(&stubPlugin{name: "demo", tools: []ToolDef{{Name: "p1"}}}); err != nil {
		t.Fatalf("RegisterPlugin() error = %v", err)
	}

	tools, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	names := make(map[string]bool)
	for _, tl := range tools {
		names[tl.Name] = true
	}
	for _, want := range []string{"b1", "s1", "p1"} {
		if !names[want] {
			t.Errorf("Resolve() missing tool %q, got %v", want, tools)
		}
	}
}

func TestResolveCachesUntilInvalidated(t *testing.T) {
	r := New(newTestStore(t))
	r.RegisterBuiltin(ToolDef{Name: "b1"}, func(context.Context, map[string]any) (string, *string, error) { return "", nil, nil })

	first, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	r.RegisterBuiltin(ToolDef{Name: "b2"}, func(context.Context, map[string]any) (string, *string, error) { return "", nil, nil })
	// RegisterBuiltin invalidates the cache itself; re-resolve should pick up b2.
	second, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(second) <= len(first) {
		t.Errorf("Resolve() after registering a new builtin did not grow: first=%d second=%d", len(first), len(second))
	}
}

// fakeMCPClient stands in for a live extension/skill MCP session.
type fakeMCPClient struct {
	tools  []mcp.Tool
	calls  int
	closed bool
}

func (f *fakeMCPClient) Initialize(context.Context) error       { return nil }
func (f *fakeMCPClient) ListTools(context.Context) ([]mcp.Tool, error) { return f.tools, nil }
func (f *fakeMCPClient) CallTool(_ context.Context, name string, _ map[string]any) (*mcp.ToolCallResult, error) {
	f.calls++
	return &mcp.ToolCallResult{Content: []mcp.ToolContent{{Type: "text", Text: "ran " + name}}}, nil
}
func (f *fakeMCPClient) Close() error { f.closed = true; return nil }

func TestExtensionToolsResolveAndExecute(t *testing.T) {
	r := New(newTestStore(t))

	client := &fakeMCPClient{tools: []mcp.Tool{{Name: "browse"}}}
	r.mu.Lock()
	r.extensions["ext-1"] = &mcpSkill{skillID: "ext-1", client: client}
	r.resolvedValid = false
	r.mu.Unlock()

	tools, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	found := false
	for _, tl := range tools {
		if tl.Name == "ext-1__browse" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Resolve() missing namespaced extension tool, got %v", tools)
	}

	result, jobID, err := r.Execute(context.Background(), "ext-1__browse", nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if jobID != nil {
		t.Errorf("jobID = %v, want nil", *jobID)
	}
	if result != "ran browse" {
		t.Errorf("result = %q", result)
	}
	if client.calls != 1 {
		t.Errorf("client.calls = %d, want 1", client.calls)
	}
}

func TestUnbindExtensionClosesSessionAndDropsTools(t *testing.T) {
	r := New(newTestStore(t))

	client := &fakeMCPClient{tools: []mcp.Tool{{Name: "browse"}}}
	r.mu.Lock()
	r.extensions["ext-1"] = &mcpSkill{skillID: "ext-1", client: client}
	r.resolvedValid = false
	r.mu.Unlock()

	r.UnbindExtension("ext-1")

	if !client.closed {
		t.Error("UnbindExtension() did not close the client")
	}

	result, _, err := r.Execute(context.Background(), "ext-1__browse", nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result != "Unknown tool: ext-1__browse" {
		t.Errorf("result = %q, want unknown-tool fallthrough", result)
	}

	// Unknown ids are a no-op.
	r.UnbindExtension("never-bound")
}
