package mcpserve

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"membank/internal/dispatch"
	"membank/internal/dropoff"
	"membank/internal/memory"
	"membank/internal/registry"
	"membank/internal/task"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	memories := memory.NewStore(t.TempDir(), nil)
	if err := memories.Load(); err != nil {
		t.Fatalf("load memories: %v", err)
	}
	tasks, err := task.NewStore(t.TempDir(), task.LayoutFlat, nil)
	if err != nil {
		t.Fatalf("new task store: %v", err)
	}
	if err := tasks.Load(); err != nil {
		t.Fatalf("load tasks: %v", err)
	}
	deps := dispatch.Deps{
		Memories: memories,
		Tasks:    tasks,
		Registry: registry.New(t.TempDir()+"/registry.json", nil),
		Dropoff:  dropoff.New(t.TempDir(), memories, tasks, nil),
	}
	dp, err := dispatch.New(nil, dispatch.Catalog(deps))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	dispatch.Bind(dp)
	return New(Info{Name: "membank", Version: "test"}, dp, nil)
}

func runFixture(t *testing.T, srv *Server, frames ...string) []*Response {
	t.Helper()
	in := strings.NewReader(strings.Join(frames, "\n") + "\n")
	var out bytes.Buffer
	if err := srv.Run(context.Background(), in, &out); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var responses []*Response
	for _, line := range strings.Split(strings.TrimRight(out.String(), "\n"), "\n") {
		if line == "" {
			continue
		}
		var resp Response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("stdout carries a non-frame line %q: %v", line, err)
		}
		if resp.JSONRPC != JSONRPCVersion {
			t.Fatalf("frame missing version: %q", line)
		}
		responses = append(responses, &resp)
	}
	return responses
}

func TestInitializeHandshake(t *testing.T) {
	srv := newTestServer(t)
	responses := runFixture(t, srv,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	if len(responses) != 1 || responses[0].Error != nil {
		t.Fatalf("responses = %+v", responses)
	}
	result := responses[0].Result.(map[string]any)
	if result["protocolVersion"] != ProtocolVersion {
		t.Fatalf("protocolVersion = %v", result["protocolVersion"])
	}
	info := result["serverInfo"].(map[string]any)
	if info["name"] != "membank" {
		t.Fatalf("serverInfo = %v", info)
	}
}

func TestToolsListAndCall(t *testing.T) {
	srv := newTestServer(t)
	responses := runFixture(t, srv,
		`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"add_memory","arguments":{"content":"Remember X","project":"p1"}}}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"list_memories","arguments":{"project":"p1"}}}`)
	if len(responses) != 3 {
		t.Fatalf("got %d responses", len(responses))
	}

	tools := responses[0].Result.(map[string]any)["tools"].([]any)
	if len(tools) == 0 {
		t.Fatal("empty catalog")
	}

	callResult := responses[1].Result.(map[string]any)
	content := callResult["content"].([]any)[0].(map[string]any)
	if content["type"] != "text" || !strings.Contains(content["text"].(string), "p1") {
		t.Fatalf("content = %v", content)
	}
	if callResult["isError"] != false {
		t.Fatal("isError should be false")
	}

	listed := responses[2].Result.(map[string]any)["structuredContent"].([]any)
	if len(listed) != 1 {
		t.Fatalf("listed = %d", len(listed))
	}
}

func TestBadFrameRespondsAndContinues(t *testing.T) {
	srv := newTestServer(t)
	responses := runFixture(t, srv,
		`{this is not json`,
		`{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	if len(responses) != 2 {
		t.Fatalf("got %d responses", len(responses))
	}
	if responses[0].Error == nil || responses[0].Error.Code != CodeParseError {
		t.Fatalf("first = %+v", responses[0])
	}
	if responses[1].Error != nil {
		t.Fatalf("server did not recover: %+v", responses[1])
	}
}

func TestUnknownMethodAndTool(t *testing.T) {
	srv := newTestServer(t)
	responses := runFixture(t, srv,
		`{"jsonrpc":"2.0","id":1,"method":"nope"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"nope"}}`)
	if responses[0].Error == nil || responses[0].Error.Code != CodeMethodNotFound {
		t.Fatalf("method error = %+v", responses[0].Error)
	}
	if responses[1].Error == nil || responses[1].Error.Code != CodeToolNotFound {
		t.Fatalf("tool error = %+v", responses[1].Error)
	}
	data := responses[1].Error.Data.(map[string]any)
	if data["kind"] != "tool-not-found" {
		t.Fatalf("kind = %v", data["kind"])
	}
}

func TestValidationErrorCarriesField(t *testing.T) {
	srv := newTestServer(t)
	responses := runFixture(t, srv,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_memory","arguments":{}}}`)
	errObj := responses[0].Error
	if errObj == nil || errObj.Code != CodeInvalidParams {
		t.Fatalf("error = %+v", errObj)
	}
}

func TestNotificationsAreSilent(t *testing.T) {
	srv := newTestServer(t)
	responses := runFixture(t, srv,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if len(responses) != 1 {
		t.Fatalf("notifications must not be answered, got %d responses", len(responses))
	}
}

func TestShutdownStopsTheLoop(t *testing.T) {
	srv := newTestServer(t)
	responses := runFixture(t, srv,
		`{"jsonrpc":"2.0","id":1,"method":"shutdown"}`,
		`{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	// The ping after shutdown is never processed.
	if len(responses) != 1 {
		t.Fatalf("got %d responses after shutdown", len(responses))
	}
}

func TestStdioPurityAcrossFixture(t *testing.T) {
	srv := newTestServer(t)
	frames := []string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"add_memory","arguments":{"content":"note one","project":"p"}}}`,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"create_task","arguments":{"title":"t1","project":"p"}}}`,
		`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"search_memories","arguments":{"query":"note"}}}`,
		`{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"name":"nope"}}`,
		`bad frame`,
		`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"generate_dropoff","arguments":{"session_summary":"fixture"}}}`,
	}
	in := strings.NewReader(strings.Join(frames, "\n") + "\n")
	var out bytes.Buffer
	if err := srv.Run(context.Background(), in, &out); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Every stdout line must be a well-formed frame; nothing else may appear.
	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	wantResponses := 8 // all id-bearing requests plus the parse error
	if len(lines) != wantResponses {
		t.Fatalf("stdout lines = %d, want %d", len(lines), wantResponses)
	}
	for _, line := range lines {
		var resp Response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("impure stdout line %q: %v", line, err)
		}
		if resp.JSONRPC != JSONRPCVersion {
			t.Fatalf("frame without version: %q", line)
		}
	}
}
