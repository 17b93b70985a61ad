package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// ProtocolVersion is the MCP protocol version this client negotiates.
const ProtocolVersion = "2025-06-18"

// Client speaks the MCP tool-discovery+invocation protocol to a single
// skill server, over either a stdio child process or a streamable-HTTP
// session. The Tool Registry holds one Client per enabled
// non-instruction skill.
type Client interface {
	// Initialize performs the MCP handshake. Must be called before
	// ListTools/CallTool.
	Initialize(ctx context.Context) error
	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error)
	Close() error
}

var nextID int64

func newID() int64 { return atomic.AddInt64(&nextID, 1) }

// ─── stdio transport ───

// StdioClient spawns a child process and frames JSON-RPC messages with a
// 4-byte big-endian length prefix, per the skill-tier stdio contract
//: "spawn the child process with command+args; speak
// length-prefixed JSON-RPC".
type StdioClient struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	mu      sync.Mutex
	pending map[int64]chan json.RawMessage
}

// NewStdio spawns command with args and wires its stdin/stdout for
// length-prefixed JSON-RPC framing.
func NewStdio(command string, args []string) (*StdioClient, error) {
	cmd := exec.Command(command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp stdio: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp stdio: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcp stdio: start %q: %w", command, err)
	}

	c := &StdioClient{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReader(stdout),
		pending: make(map[int64]chan json.RawMessage),
	}
	go c.readLoop()

	return c, nil
}

func (c *StdioClient) readLoop() {
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(c.stdout, lenBuf[:]); err != nil {
			c.failPending(err)
			return
		}
		size := binary.BigEndian.Uint32(lenBuf[:])
		body := make([]byte, size)
		if _, err := io.ReadFull(c.stdout, body); err != nil {
			c.failPending(err)
			return
		}

		var resp JSONRPCResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			continue
		}

		id, ok := toInt64(resp.ID)
		if !ok {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if ok {
			raw, _ := json.Marshal(resp)
			ch <- raw
		}
	}
}

func (c *StdioClient) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case int64:
		return n, true
	default:
		return 0, false
	}
}

func (c *StdioClient) call(ctx context.Context, method string, params any) (*JSONRPCResponse, error) {
	id := newID()

	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("mcp stdio: marshal params: %w", err)
		}
		raw = b
	}

	req := JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: raw}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("mcp stdio: marshal request: %w", err)
	}

	ch := make(chan json.RawMessage, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := c.stdin.Write(lenBuf[:]); err != nil {
		return nil, fmt.Errorf("mcp stdio: write length prefix: %w", err)
	}
	if _, err := c.stdin.Write(body); err != nil {
		return nil, fmt.Errorf("mcp stdio: write body: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case raw, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("mcp stdio: connection closed waiting for %s", method)
		}
		var resp JSONRPCResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("mcp stdio: decode response: %w", err)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("mcp stdio: %s: %s", method, resp.Error.Message)
		}
		return &resp, nil
	}
}

func (c *StdioClient) Initialize(ctx context.Context) error {
	_, err := c.call(ctx, "initialize", InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      ClientInfo{Name: "brain", Version: "1"},
	})
	return err
}

func (c *StdioClient) ListTools(ctx context.Context) ([]Tool, error) {
	resp, err := c.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var result ToolsListResult
	if err := remarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("mcp stdio: decode tools/list: %w", err)
	}
	return result.Tools, nil
}

func (c *StdioClient) CallTool(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
	resp, err := c.call(ctx, "tools/call", ToolCallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var result ToolCallResult
	if err := remarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("mcp stdio: decode tools/call: %w", err)
	}
	return &result, nil
}

func (c *StdioClient) Close() error {
	c.stdin.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	return c.cmd.Wait()
}

func remarshal(v any, out any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// ─── streamable-HTTP transport ───

// HTTPClient speaks MCP's streamable-HTTP transport: the server assigns a
// session id in the response headers of the first request, and every
// subsequent request echoes it back.
type HTTPClient struct {
	url       string
	client    *http.Client
	sessionMu sync.RWMutex
	sessionID string
}

const mcpSessionHeader = "Mcp-Session-Id"

func NewHTTP(url string) *HTTPClient {
	return &HTTPClient{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) session() string {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.sessionID
}

func (c *HTTPClient) setSession(id string) {
	if id == "" {
		return
	}
	c.sessionMu.Lock()
	c.sessionID = id
	c.sessionMu.Unlock()
}

func (c *HTTPClient) call(ctx context.Context, method string, params any) (*JSONRPCResponse, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("mcp http: marshal params: %w", err)
		}
		raw = b
	}

	req := JSONRPCRequest{JSONRPC: "2.0", ID: newID(), Method: method, Params: raw}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("mcp http: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("mcp http: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if sid := c.session(); sid != "" {
		httpReq.Header.Set(mcpSessionHeader, sid)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("mcp http: %s: %w", method, err)
	}
	defer resp.Body.Close()

	c.setSession(resp.Header.Get(mcpSessionHeader))

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("mcp http: %s: status %d: %s", method, resp.StatusCode, string(b))
	}

	var rpcResp JSONRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("mcp http: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("mcp http: %s: %s", method, rpcResp.Error.Message)
	}

	return &rpcResp, nil
}

func (c *HTTPClient) Initialize(ctx context.Context) error {
	_, err := c.call(ctx, "initialize", InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      ClientInfo{Name: "brain", Version: "1"},
	})
	return err
}

func (c *HTTPClient) ListTools(ctx context.Context) ([]Tool, error) {
	resp, err := c.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var result ToolsListResult
	if err := remarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("mcp http: decode tools/list: %w", err)
	}
	return result.Tools, nil
}

func (c *HTTPClient) CallTool(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
	resp, err := c.call(ctx, "tools/call", ToolCallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var result ToolCallResult
	if err := remarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("mcp http: decode tools/call: %w", err)
	}
	return &result, nil
}

func (c *HTTPClient) Close() error { return nil }
