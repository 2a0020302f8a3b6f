package dap_test

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	godap "github.com/google/go-dap"

	"github.com/Laar/luadbg/pkg/config"
	"github.com/Laar/luadbg/service"
	"github.com/Laar/luadbg/service/dap"
	"github.com/Laar/luadbg/service/debugger"
)

const sessionScript = `local function double(x)
	return x * 2
end
local total = 0
for i = 1, 3 do
	total = total + double(i)
end
print("total", total)`

type client struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
	seq    int
}

func dialClient(t *testing.T, addr string) *client {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", addr)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial server: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *client) request(command string) godap.Request {
	c.seq++
	return godap.Request{
		ProtocolMessage: godap.ProtocolMessage{Seq: c.seq, Type: "request"},
		Command:         command,
	}
}

func (c *client) send(m godap.Message) {
	c.t.Helper()
	if err := godap.WriteProtocolMessage(c.conn, m); err != nil {
		c.t.Fatalf("send %T: %v", m, err)
	}
}

func (c *client) read() godap.Message {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	m, err := godap.ReadProtocolMessage(c.reader)
	if err != nil {
		c.t.Fatalf("read message: %v", err)
	}
	return m
}

// expectStopped drains messages until a stopped event arrives.
func (c *client) expectStopped() *godap.StoppedEvent {
	c.t.Helper()
	for i := 0; i < 20; i++ {
		if ev, ok := c.read().(*godap.StoppedEvent); ok {
			return ev
		}
	}
	c.t.Fatal("no stopped event")
	return nil
}

func startSession(t *testing.T) (*client, *debugger.Debugger) {
	t.Helper()
	script := filepath.Join(t.TempDir(), "session.lua")
	if err := os.WriteFile(script, []byte(sessionScript), 0o644); err != nil {
		t.Fatal(err)
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	dbg, err := debugger.New(&debugger.Config{
		ScriptPath: script,
		Engine:     config.Default(),
		Output:     os.Stderr,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(dbg.Close)

	srv := dap.NewServer(&service.Config{
		Listener:       listener,
		Engine:         config.Default(),
		DisconnectChan: make(chan struct{}),
	}, dbg)
	srv.Run()
	t.Cleanup(srv.Stop)

	go func() {
		<-srv.Start()
		srv.ScriptExited(dbg.Run())
	}()
	return dialClient(t, listener.Addr().String()), dbg
}

func TestSessionBreakpointFlow(t *testing.T) {
	c, _ := startSession(t)

	c.send(&godap.InitializeRequest{Request: c.request("initialize"),
		Arguments: godap.InitializeRequestArguments{AdapterID: "luadbg-test"}})
	initResp, ok := c.read().(*godap.InitializeResponse)
	if !ok || !initResp.Body.SupportsConfigurationDoneRequest {
		t.Fatalf("initialize response %+v", initResp)
	}

	c.send(&godap.LaunchRequest{Request: c.request("launch"),
		Arguments: json.RawMessage(`{}`)})
	if _, ok := c.read().(*godap.LaunchResponse); !ok {
		t.Fatal("no launch response")
	}
	if _, ok := c.read().(*godap.InitializedEvent); !ok {
		t.Fatal("no initialized event")
	}

	c.send(&godap.SetBreakpointsRequest{Request: c.request("setBreakpoints"),
		Arguments: godap.SetBreakpointsArguments{
			Source:      godap.Source{Path: "session.lua"},
			Breakpoints: []godap.SourceBreakpoint{{Line: 6}},
		}})
	bpResp, ok := c.read().(*godap.SetBreakpointsResponse)
	if !ok || len(bpResp.Body.Breakpoints) != 1 {
		t.Fatalf("setBreakpoints response %+v", bpResp)
	}

	c.send(&godap.ConfigurationDoneRequest{Request: c.request("configurationDone")})
	if _, ok := c.read().(*godap.ConfigurationDoneResponse); !ok {
		t.Fatal("no configurationDone response")
	}

	ev := c.expectStopped()
	if ev.Body.Reason != "breakpoint" {
		t.Fatalf("stopped with reason %q", ev.Body.Reason)
	}

	c.send(&godap.ThreadsRequest{Request: c.request("threads")})
	thResp, ok := c.read().(*godap.ThreadsResponse)
	if !ok || len(thResp.Body.Threads) == 0 || thResp.Body.Threads[0].Name != "main" {
		t.Fatalf("threads response %+v", thResp)
	}

	c.send(&godap.StackTraceRequest{Request: c.request("stackTrace"),
		Arguments: godap.StackTraceArguments{ThreadId: ev.Body.ThreadId}})
	stResp, ok := c.read().(*godap.StackTraceResponse)
	if !ok || len(stResp.Body.StackFrames) == 0 {
		t.Fatalf("stackTrace response %+v", stResp)
	}
	top := stResp.Body.StackFrames[0]
	if top.Line != 6 || top.Source.Name != "session.lua" {
		t.Errorf("top frame %+v", top)
	}

	c.send(&godap.ScopesRequest{Request: c.request("scopes"),
		Arguments: godap.ScopesArguments{FrameId: top.Id}})
	scResp, ok := c.read().(*godap.ScopesResponse)
	if !ok || len(scResp.Body.Scopes) == 0 || scResp.Body.Scopes[0].Name != "Locals" {
		t.Fatalf("scopes response %+v", scResp)
	}

	c.send(&godap.VariablesRequest{Request: c.request("variables"),
		Arguments: godap.VariablesArguments{VariablesReference: scResp.Body.Scopes[0].VariablesReference}})
	vResp, ok := c.read().(*godap.VariablesResponse)
	if !ok {
		t.Fatal("no variables response")
	}
	names := map[string]string{}
	for _, v := range vResp.Body.Variables {
		names[v.Name] = v.Value
	}
	if _, ok := names["total"]; !ok {
		t.Errorf("locals %v missing total", names)
	}

	c.send(&godap.EvaluateRequest{Request: c.request("evaluate"),
		Arguments: godap.EvaluateArguments{Expression: "total + 100", FrameId: top.Id}})
	eResp, ok := c.read().(*godap.EvaluateResponse)
	if !ok || eResp.Body.Result != "100" {
		t.Fatalf("evaluate response %+v", eResp)
	}

	// The loop passes the breakpoint three times.
	for i := 0; i < 3; i++ {
		c.send(&godap.ContinueRequest{Request: c.request("continue"),
			Arguments: godap.ContinueArguments{ThreadId: ev.Body.ThreadId}})
		if i < 2 {
			c.expectStopped()
		}
	}

	sawOutput, sawTerminated := false, false
	for i := 0; i < 20 && !sawTerminated; i++ {
		switch m := c.read().(type) {
		case *godap.OutputEvent:
			if m.Body.Category == "stdout" {
				sawOutput = true
			}
		case *godap.TerminatedEvent:
			sawTerminated = true
		}
	}
	if !sawOutput {
		t.Error("no stdout output event for print")
	}
	if !sawTerminated {
		t.Error("no terminated event")
	}
}

func TestSessionStopOnEntry(t *testing.T) {
	c, _ := startSession(t)

	c.send(&godap.InitializeRequest{Request: c.request("initialize")})
	c.read()
	c.send(&godap.LaunchRequest{Request: c.request("launch"),
		Arguments: json.RawMessage(`{"stopOnEntry": true}`)})
	c.read()
	c.read()
	c.send(&godap.ConfigurationDoneRequest{Request: c.request("configurationDone")})
	c.read()

	ev := c.expectStopped()
	if ev.Body.Reason != "entry" {
		t.Fatalf("stopped with reason %q, want entry", ev.Body.Reason)
	}

	c.send(&godap.ContinueRequest{Request: c.request("continue"),
		Arguments: godap.ContinueArguments{ThreadId: ev.Body.ThreadId}})
}

func TestUnsupportedRequest(t *testing.T) {
	c, _ := startSession(t)

	c.send(&godap.SourceRequest{Request: c.request("source")})
	er, ok := c.read().(*godap.ErrorResponse)
	if !ok {
		t.Fatal("no error response")
	}
	if er.Body.Error.Id != dap.UnsupportedCommand {
		t.Errorf("error id %d, want %d", er.Body.Error.Id, dap.UnsupportedCommand)
	}
}

func TestDisconnectSignals(t *testing.T) {
	disconnect := make(chan struct{})
	script := filepath.Join(t.TempDir(), "noop.lua")
	if err := os.WriteFile(script, []byte("local x = 1"), 0o644); err != nil {
		t.Fatal(err)
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dbg, err := debugger.New(&debugger.Config{ScriptPath: script, Engine: config.Default(), Output: os.Stderr})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(dbg.Close)
	srv := dap.NewServer(&service.Config{Listener: listener, Engine: config.Default(), DisconnectChan: disconnect}, dbg)
	srv.Run()
	t.Cleanup(srv.Stop)

	c := dialClient(t, listener.Addr().String())
	c.send(&godap.DisconnectRequest{Request: c.request("disconnect")})
	if _, ok := c.read().(*godap.DisconnectResponse); !ok {
		t.Fatal("no disconnect response")
	}
	select {
	case <-disconnect:
	case <-time.After(5 * time.Second):
		t.Fatal("DisconnectChan not closed")
	}
}
