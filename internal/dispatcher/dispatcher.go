// Package dispatcher implements the local IPC request dispatcher (spec.md
// §4.7): one newline-delimited JSON request in, one newline-delimited JSON
// response out, per line, in arrival order per connection. Grounded on
// internal/ipc/protocol.go's envelope-then-typed-payload decoding and
// sessionbroker.Broker's accept-loop/one-goroutine-per-connection shape,
// stripped of the peer-credential and binary-path verification steps
// spec.md's Non-goals explicitly exclude ("authentication of local IPC
// clients").
package dispatcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net"
	"time"

	"github.com/thisnick/agent-rdp/internal/apperr"
	"github.com/thisnick/agent-rdp/internal/daemon"
	"github.com/thisnick/agent-rdp/internal/drive"
	"github.com/thisnick/agent-rdp/internal/graphics"
	"github.com/thisnick/agent-rdp/internal/ipcwire"
	"github.com/thisnick/agent-rdp/internal/logging"
)

var log = logging.L("dispatcher")

// defaultRequestTimeout bounds the connect call, the only command given a
// context deadline here (spec.md §5 "each IPC request carries an implicit
// timeout... default 30s"). Clipboard get/set and automation commands wait
// on the guest under their own timeouts in internal/clipboard and
// internal/automation; the remaining commands act on local state.
const defaultRequestTimeout = 30 * time.Second

// Dispatcher routes decoded IPC requests to one Daemon. One Dispatcher
// serves every IPC connection for the process (spec.md §4.7 "the daemon is
// single-session but multi-client").
type Dispatcher struct {
	d *daemon.Daemon
}

// New constructs a dispatcher bound to d.
func New(d *daemon.Daemon) *Dispatcher {
	return &Dispatcher{d: d}
}

// Serve reads and answers requests from conn until it errs or is closed.
// Call it in its own goroutine per accepted connection.
func (disp *Dispatcher) Serve(raw net.Conn) {
	conn := ipcwire.NewConn(raw)
	defer conn.Close()

	for {
		line, err := conn.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn("ipc read error", "error", err, "remote", conn.RemoteAddr())
			}
			return
		}

		resp := disp.handle(line)
		if err := conn.WriteLine(resp); err != nil {
			log.Warn("ipc write error", "error", err, "remote", conn.RemoteAddr())
			return
		}
	}
}

// envelope sniffs the request tag before deciding how to decode the rest
// (spec.md §6 "Request tag in field type").
type envelope struct {
	Type string `json:"type"`
}

// response is the wire shape every request gets back (spec.md §4.7).
type response struct {
	Success bool        `json:"success"`
	Data    any         `json:"data,omitempty"`
	Error   *apperr.Wire `json:"error,omitempty"`
}

func ok(data any) response       { return response{Success: true, Data: data} }
func fail(err error) response    { return response{Success: false, Error: apperr.ToWire(err)} }

func (disp *Dispatcher) handle(raw json.RawMessage) response {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fail(apperr.Wrap(apperr.InvalidRequest, "malformed request", err))
	}

	switch env.Type {
	case "connect":
		return disp.handleConnect(raw)
	case "disconnect":
		return disp.handleDisconnect()
	case "screenshot":
		return disp.handleScreenshot(raw)
	case "mouse":
		return disp.handleMouse(raw)
	case "keyboard":
		return disp.handleKeyboard(raw)
	case "scroll":
		return disp.handleScroll(raw)
	case "clipboard":
		return disp.handleClipboard(raw)
	case "drive":
		return disp.handleDrive(raw)
	case "locate":
		return disp.handleLocate(raw)
	case "automate":
		return disp.handleAutomate(raw)
	case "session_info":
		return disp.handleSessionInfo()
	case "ping":
		return ok(map[string]string{"type": "pong"})
	default:
		return fail(apperr.Newf(apperr.InvalidRequest, "unknown request type %q", env.Type))
	}
}

type driveMappingWire struct {
	DeviceID    uint32 `json:"device_id"`
	LocalRoot   string `json:"local_root"`
	DisplayName string `json:"display_name"`
}

type connectRequest struct {
	Host               string             `json:"host"`
	Port               int                `json:"port"`
	Username           string             `json:"username"`
	Password           string             `json:"password"`
	Domain             string             `json:"domain"`
	Width              int                `json:"width"`
	Height             int                `json:"height"`
	Drives             []driveMappingWire `json:"drives"`
	EnableWinAutomation bool              `json:"enable_win_automation"`
}

func (disp *Dispatcher) handleConnect(raw json.RawMessage) response {
	var req connectRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fail(apperr.Wrap(apperr.InvalidRequest, "malformed connect request", err))
	}

	mappings := make([]drive.Mapping, len(req.Drives))
	for i, m := range req.Drives {
		mappings[i] = drive.Mapping{DeviceID: m.DeviceID, LocalRoot: m.LocalRoot, DisplayName: m.DisplayName}
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()

	err := disp.d.Connect(ctx, daemon.ConnectParams{
		Host:             req.Host,
		Port:             req.Port,
		Username:         req.Username,
		Password:         req.Password,
		Domain:           req.Domain,
		Width:            req.Width,
		Height:           req.Height,
		Drives:           mappings,
		EnableAutomation: req.EnableWinAutomation,
	})
	if err != nil {
		return fail(err)
	}

	w, h := disp.d.Session().DesktopSize()
	return ok(map[string]any{"type": "connected", "host": req.Host, "width": w, "height": h})
}

func (disp *Dispatcher) handleDisconnect() response {
	if err := disp.d.Disconnect(); err != nil {
		return fail(err)
	}
	return ok(map[string]string{"type": "disconnected"})
}

type screenshotRequest struct {
	Format  string `json:"format"`
	Quality int    `json:"quality"`
}

func (disp *Dispatcher) handleScreenshot(raw json.RawMessage) response {
	var req screenshotRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fail(apperr.Wrap(apperr.InvalidRequest, "malformed screenshot request", err))
	}
	format := graphics.Format(req.Format)
	if format == "" {
		format = graphics.FormatPNG
	}

	data, w, h, err := disp.d.Screenshot(format, req.Quality)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{
		"type":   "screenshot",
		"width":  w,
		"height": h,
		"format": string(format),
		"base64": base64.StdEncoding.EncodeToString(data),
	})
}

type mouseRequest struct {
	Action string        `json:"action"`
	X      int           `json:"x"`
	Y      int           `json:"y"`
	X2     int           `json:"x2"`
	Y2     int           `json:"y2"`
	Button graphics.Button `json:"button"`
}

func (disp *Dispatcher) handleMouse(raw json.RawMessage) response {
	var req mouseRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fail(apperr.Wrap(apperr.InvalidRequest, "malformed mouse request", err))
	}

	input, err := disp.d.Input()
	if err != nil {
		return fail(err)
	}

	switch req.Action {
	case "move":
		err = input.MouseMove(req.X, req.Y)
	case "click":
		err = input.MouseClick(req.X, req.Y, buttonOrDefault(req.Button, graphics.ButtonLeft))
	case "right_click":
		err = input.MouseClick(req.X, req.Y, graphics.ButtonRight)
	case "double_click":
		if err = input.MouseClick(req.X, req.Y, buttonOrDefault(req.Button, graphics.ButtonLeft)); err == nil {
			err = input.MouseClick(req.X, req.Y, buttonOrDefault(req.Button, graphics.ButtonLeft))
		}
	case "drag":
		err = input.MouseDrag(req.X, req.Y, req.X2, req.Y2, buttonOrDefault(req.Button, graphics.ButtonLeft))
	default:
		return fail(apperr.Newf(apperr.InvalidRequest, "unknown mouse action %q", req.Action))
	}
	if err != nil {
		return fail(err)
	}
	return ok(map[string]string{"type": "ok"})
}

func buttonOrDefault(b graphics.Button, def graphics.Button) graphics.Button {
	if b == "" {
		return def
	}
	return b
}

type keyboardRequest struct {
	Action string `json:"action"`
	Text   string `json:"text"`
	Keys   string `json:"keys"`
}

func (disp *Dispatcher) handleKeyboard(raw json.RawMessage) response {
	var req keyboardRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fail(apperr.Wrap(apperr.InvalidRequest, "malformed keyboard request", err))
	}

	input, err := disp.d.Input()
	if err != nil {
		return fail(err)
	}

	switch req.Action {
	case "type":
		err = input.TypeUnicode(req.Text)
	case "press":
		err = input.PressChord(req.Keys)
	default:
		return fail(apperr.Newf(apperr.InvalidRequest, "unknown keyboard action %q", req.Action))
	}
	if err != nil {
		return fail(err)
	}
	return ok(map[string]string{"type": "ok"})
}

type scrollRequest struct {
	Direction string `json:"direction"`
	Amount    int    `json:"amount"`
	X         int    `json:"x"`
	Y         int    `json:"y"`
}

func (disp *Dispatcher) handleScroll(raw json.RawMessage) response {
	var req scrollRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fail(apperr.Wrap(apperr.InvalidRequest, "malformed scroll request", err))
	}

	input, err := disp.d.Input()
	if err != nil {
		return fail(err)
	}

	amount := req.Amount
	if amount <= 0 {
		amount = 3
	}
	switch req.Direction {
	case "up":
		err = input.MouseScroll(req.X, req.Y, amount)
	case "down":
		err = input.MouseScroll(req.X, req.Y, -amount)
	case "left", "right":
		// Horizontal scroll shares the vertical wheel encoding in this
		// daemon's simplified fast-path input model (internal/graphics);
		// direction is preserved in sign only.
		if req.Direction == "left" {
			amount = -amount
		}
		err = input.MouseScroll(req.X, req.Y, amount)
	default:
		return fail(apperr.Newf(apperr.InvalidRequest, "unknown scroll direction %q", req.Direction))
	}
	if err != nil {
		return fail(err)
	}
	return ok(map[string]string{"type": "ok"})
}

type clipboardRequest struct {
	Action string `json:"action"`
	Text   string `json:"text"`
}

func (disp *Dispatcher) handleClipboard(raw json.RawMessage) response {
	var req clipboardRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fail(apperr.Wrap(apperr.InvalidRequest, "malformed clipboard request", err))
	}

	clip, err := disp.d.Clipboard()
	if err != nil {
		return fail(err)
	}

	switch req.Action {
	case "get":
		text, err := clip.Get()
		if err != nil {
			return fail(err)
		}
		return ok(map[string]string{"type": "clipboard", "text": text})
	case "set":
		if err := clip.Set(req.Text); err != nil {
			return fail(err)
		}
		return ok(map[string]string{"type": "ok"})
	default:
		return fail(apperr.Newf(apperr.InvalidRequest, "unknown clipboard action %q", req.Action))
	}
}

type driveRequest struct {
	Action string `json:"action"`
}

func (disp *Dispatcher) handleDrive(raw json.RawMessage) response {
	var req driveRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fail(apperr.Wrap(apperr.InvalidRequest, "malformed drive request", err))
	}
	if req.Action != "" && req.Action != "list" {
		return fail(apperr.Newf(apperr.InvalidRequest, "unknown drive action %q", req.Action))
	}

	table, err := disp.d.DriveTable()
	if err != nil {
		return fail(err)
	}
	drives := make([]driveMappingWire, len(table))
	for i, m := range table {
		drives[i] = driveMappingWire{DeviceID: m.DeviceID, LocalRoot: m.LocalRoot, DisplayName: m.DisplayName}
	}
	return ok(map[string]any{"type": "drive_list", "drives": drives})
}

// automateEnvelope pulls the command name and timeout out of the wire
// request; the op's own arguments ride as siblings of "op" rather than
// under a nested "params" object (spec.md §8 scenario 5's literal
// `{"type":"automate","op":"snapshot","interactive_only":true,...}`).
type automateEnvelope struct {
	Op        string `json:"op"`
	TimeoutMs int    `json:"timeout_ms"`
}

// automationParams strips the envelope fields ("type", "op", "timeout_ms")
// from raw and returns the remaining sibling fields as a JSON object, the
// shape internal/automation.Request.Params expects.
func automationParams(raw json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	delete(fields, "type")
	delete(fields, "op")
	delete(fields, "timeout_ms")
	if len(fields) == 0 {
		return nil, nil
	}
	return json.Marshal(fields)
}

func (disp *Dispatcher) handleAutomate(raw json.RawMessage) response {
	var env automateEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fail(apperr.Wrap(apperr.InvalidRequest, "malformed automate request", err))
	}
	params, err := automationParams(raw)
	if err != nil {
		return fail(apperr.Wrap(apperr.InvalidRequest, "malformed automate request", err))
	}
	return disp.runAutomation(env.Op, params, env.TimeoutMs)
}

// handleLocate decodes the same flattened-params shape as automate;
// "locate" has no definition of its own (an Open Question resolved in
// SPEC_FULL.md: it forwards to automation's "get" command).
func (disp *Dispatcher) handleLocate(raw json.RawMessage) response {
	var env automateEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fail(apperr.Wrap(apperr.InvalidRequest, "malformed locate request", err))
	}
	params, err := automationParams(raw)
	if err != nil {
		return fail(apperr.Wrap(apperr.InvalidRequest, "malformed locate request", err))
	}
	return disp.runAutomation("get", params, env.TimeoutMs)
}

func (disp *Dispatcher) runAutomation(command string, params json.RawMessage, timeoutMs int) response {
	var timeout time.Duration
	if timeoutMs > 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}

	var rawParams any
	if len(params) > 0 {
		rawParams = params
	}

	resp, err := disp.d.Automate(command, rawParams, timeout)
	if err != nil {
		return fail(err)
	}
	return ok(resp.Data)
}

func (disp *Dispatcher) handleSessionInfo() response {
	info := disp.d.Session().Info()
	return ok(info)
}

// Handle decodes and answers one request without the line-framing layer,
// for callers that carry the same JSON records over a different transport
// (spec.md §4.8: "input messages from the viewer... handled identically to
// IPC requests from the dispatcher").
func (disp *Dispatcher) Handle(raw json.RawMessage) json.RawMessage {
	data, err := json.Marshal(disp.handle(raw))
	if err != nil {
		data, _ = json.Marshal(fail(apperr.Wrap(apperr.InternalError, "marshal response", err)))
	}
	return data
}
