package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/thisnick/agent-rdp/internal/config"
	"github.com/thisnick/agent-rdp/internal/ipcwire"
)

const statusRequestTimeout = 3 * time.Second

// runStatus reports whether a session daemon is reachable over IPC and,
// if so, its session_info snapshot (spec.md §4.7 "session_info").
func runStatus() int {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	network, address := config.IPCAddress(cfg.Session)
	raw, err := net.DialTimeout(network, address, statusRequestTimeout)
	if err != nil {
		fmt.Printf("session %q: not running\n", cfg.Session)
		return 0
	}
	defer raw.Close()

	conn := ipcwire.NewConn(raw)
	_ = conn.SetDeadline(time.Now().Add(statusRequestTimeout))

	if err := conn.WriteLine(map[string]string{"type": "session_info"}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to query session: %v\n", err)
		return 1
	}

	line, err := conn.ReadLine()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read session status: %v\n", err)
		return 1
	}

	var resp struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(line, &resp); err != nil || !resp.Success {
		fmt.Fprintf(os.Stderr, "unexpected response: %s\n", line)
		return 1
	}

	var pretty map[string]any
	if err := json.Unmarshal(resp.Data, &pretty); err == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
	} else {
		fmt.Println(string(resp.Data))
	}
	return 0
}
