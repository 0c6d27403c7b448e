package mcpserve

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"membank/internal/dispatch"
	"membank/internal/logging"
)

// ProtocolVersion is the MCP revision this server speaks.
const ProtocolVersion = "2024-11-05"

// maxFrameSize bounds one incoming line. Oversized frames are a peer
// protocol violation, not a recoverable request.
const maxFrameSize = 10 * 1024 * 1024

// ErrProtocolViolation marks an unrecoverable framing failure from the
// peer. Callers map it to exit code 2.
var ErrProtocolViolation = errors.New("mcp: protocol violation from peer")

// Info identifies the server in the initialize handshake.
type Info struct {
	Name    string
	Version string
}

// Server drives the stdio request loop. It is the only component allowed to
// write to the protocol output stream.
type Server struct {
	info       Info
	dispatcher *dispatch.Dispatcher
	logger     logging.Logger

	writeMu sync.Mutex
	out     io.Writer
}

// New constructs a server over the dispatcher.
func New(info Info, dispatcher *dispatch.Dispatcher, logger logging.Logger) *Server {
	return &Server{
		info:       info,
		dispatcher: dispatcher,
		logger:     logging.OrNop(logger),
	}
}

// Run processes frames from in until EOF, shutdown, or ctx end. Requests are
// handled sequentially; every diagnostic goes to the logger (stderr), never
// to out.
func (s *Server) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	s.out = out
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		shutdown := s.handleFrame(ctx, line)
		if shutdown {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			s.logger.Error("frame exceeds %d bytes", maxFrameSize)
			return ErrProtocolViolation
		}
		return fmt.Errorf("read frames: %w", err)
	}
	return nil
}

// handleFrame processes one line and reports whether the peer requested
// shutdown.
func (s *Server) handleFrame(ctx context.Context, line []byte) bool {
	req, rpcErr := UnmarshalRequest(line)
	if rpcErr != nil {
		s.logger.Warn("bad frame: %s", rpcErr.Message)
		s.write(&Response{JSONRPC: JSONRPCVersion, ID: nil, Error: rpcErr})
		return false
	}
	// Notifications get no response.
	if req.ID == nil {
		s.logger.Debug("notification %s", req.Method)
		return false
	}

	switch req.Method {
	case "initialize":
		s.write(NewResponse(req.ID, map[string]any{
			"protocolVersion": ProtocolVersion,
			"serverInfo": map[string]any{
				"name":    s.info.Name,
				"version": s.info.Version,
			},
			"capabilities": map[string]any{
				"tools": map[string]any{"listChanged": true},
			},
		}))
	case "ping":
		s.write(NewResponse(req.ID, map[string]any{}))
	case "tools/list":
		s.write(NewResponse(req.ID, map[string]any{
			"tools": s.dispatcher.List(),
		}))
	case "tools/call":
		s.write(s.handleToolCall(ctx, req))
	case "shutdown":
		s.write(NewResponse(req.ID, map[string]any{}))
		s.logger.Info("shutdown requested by peer")
		return true
	default:
		s.write(NewErrorResponse(req.ID, CodeMethodNotFound,
			fmt.Sprintf("unknown method %q", req.Method), nil))
	}
	return false
}

func (s *Server) handleToolCall(ctx context.Context, req *Request) *Response {
	name, _ := req.Params["name"].(string)
	if name == "" {
		return NewErrorResponse(req.ID, CodeInvalidParams, "missing tool name", nil)
	}
	args, _ := req.Params["arguments"].(map[string]any)

	result, err := s.dispatcher.Dispatch(ctx, name, args)
	if err != nil {
		return errorResponseFor(req.ID, err)
	}
	payload := map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": result.Text},
		},
		"isError": false,
	}
	if result.Data != nil {
		payload["structuredContent"] = result.Data
	}
	return NewResponse(req.ID, payload)
}

// write frames one response onto the protocol stream. This is the single
// stdout write path in the whole process.
func (s *Server) write(resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal response: %v", err)
		data, _ = json.Marshal(NewErrorResponse(resp.ID, CodeInternalError, "response marshal failure", nil))
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		s.logger.Error("write response: %v", err)
	}
}
