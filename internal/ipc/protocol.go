// Package ipc implements the control-socket wire protocol: one JSON object
// per line, 1 MiB frame cap, exchanged over a Unix domain socket. The
// shape mirrors lydakis-mcpx's internal/ipc (peer-uid check, disconnect
// detection via a trailing one-byte read) generalized to the daemon's
// start/stop/call/list/list-all/status/shutdown/catalog command set.
package ipc

import (
	json "github.com/segmentio/encoding/json"
)

// MaxFrameSize is the maximum accepted size, in bytes, of one newline
// terminated request or response line.
const MaxFrameSize = 1 << 20 // 1 MiB

// Command names accepted on the control socket.
const (
	CmdStart    = "start"
	CmdStop     = "stop"
	CmdCall     = "call"
	CmdList     = "list"
	CmdListAll  = "list-all"
	CmdStatus   = "status"
	CmdShutdown = "shutdown"
	CmdCatalog  = "catalog"
)

// Request is one control-socket request line.
type Request struct {
	Command       string          `json:"command"`
	Server        string          `json:"server,omitempty"`
	ServerCommand string          `json:"server_command,omitempty"`
	Tool          string          `json:"tool,omitempty"`
	Arguments     json.RawMessage `json:"arguments,omitempty"`
	TimeoutMs     *int            `json:"timeout_ms,omitempty"`
}

// Envelope is the common prefix of every response: enough to tell success
// from failure before decoding the command-specific payload.
type Envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// OKResponse is the generic success reply for start/stop/shutdown.
type OKResponse struct {
	Success bool `json:"success"`
}

// ErrResponse is the generic failure reply, carrying both a human message
// and the stable machine-readable kind.
type ErrResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Kind    string `json:"kind"`
}

// ListResponse answers the "list" command.
type ListResponse struct {
	Success bool            `json:"success"`
	Tools   json.RawMessage `json:"tools"`
}

// CallResponse answers the "call" command.
type CallResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
}

// AutoStartEntry describes one auto-started server in a status response.
type AutoStartEntry struct {
	ID            string  `json:"id"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// StatusResponse answers the "status" command.
type StatusResponse struct {
	Status      string           `json:"status"`
	Servers     []string         `json:"servers"`
	ServerCount int              `json:"server_count"`
	AutoStarted []AutoStartEntry `json:"auto_started"`
	OnDemand    []string         `json:"on_demand"`
}

// ServerToolSummary is one server's entry in a list-all response.
type ServerToolSummary struct {
	Tools     json.RawMessage `json:"tools"`
	ToolCount int             `json:"tool_count"`
}

// ListAllResponse answers the "list-all" command.
type ListAllResponse struct {
	Success     bool                         `json:"success"`
	Servers     map[string]ServerToolSummary `json:"servers"`
	ServerCount int                          `json:"server_count"`
	TotalTools  int                          `json:"total_tools"`
}

// CatalogResponse answers the supplemented "catalog" command.
type CatalogResponse struct {
	Success bool            `json:"success"`
	Catalog json.RawMessage `json:"catalog"`
}

// Ok builds a bare success response for commands with no payload.
func Ok() *OKResponse {
	return &OKResponse{Success: true}
}

// Err builds a failure response carrying both the human message and the
// stable machine-readable kind.
func Err(message, kind string) *ErrResponse {
	return &ErrResponse{Success: false, Error: message, Kind: kind}
}
