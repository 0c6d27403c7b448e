// membank is a file-backed personal knowledge and task server. It speaks MCP
// over stdio, serves a local dashboard bridge over HTTP/WebSocket, and keeps
// every record as a plain file a human can edit.
package main

import (
	"errors"
	"fmt"
	"os"

	"membank/internal/mcpserve"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if errors.Is(err, mcpserve.ErrProtocolViolation) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
