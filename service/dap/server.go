// Package dap implements a Debug Adapter Protocol server talking to the
// in-process debug session. DAP is a generic debugging protocol spoken
// by editors like VS Code; see
// https://microsoft.github.io/debug-adapter-protocol/specification for
// details.
package dap

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"path"
	"strconv"
	"sync"

	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"

	"github.com/Laar/luadbg/pkg/engine"
	"github.com/Laar/luadbg/pkg/logflags"
	"github.com/Laar/luadbg/service"
	"github.com/Laar/luadbg/service/debugger"
)

// Server serves one DAP client over a single accepted connection. The
// guest script does not start until the client finishes breakpoint
// configuration; the Start channel releases it.
type Server struct {
	config   *service.Config
	debugger *debugger.Debugger
	listener net.Listener
	log      *logrus.Entry

	stopOnce  sync.Once
	stopChan  chan struct{}
	startOnce sync.Once
	startChan chan struct{}

	sendMu sync.Mutex
	conn   net.Conn
	reader *bufio.Reader

	// stackFrameHandles maps frameIds to (thread, frame index) pairs.
	// Reset whenever the guest resumes.
	stackFrameHandles *handlesMap
	stopOnEntry       bool
}

// NewServer wires a server to an existing debug session and subscribes
// to its stop and output events.
func NewServer(config *service.Config, dbg *debugger.Debugger) *Server {
	s := &Server{
		config:            config,
		debugger:          dbg,
		listener:          config.Listener,
		log:               logflags.DAPLogger(),
		stopChan:          make(chan struct{}),
		startChan:         make(chan struct{}),
		stackFrameHandles: newHandlesMap(),
	}
	dbg.Engine().OnStopped(func(ev engine.StoppedEvent) {
		s.send(&dap.StoppedEvent{
			Event: *newEvent("stopped"),
			Body: dap.StoppedEventBody{
				Reason:            ev.Reason,
				ThreadId:          ev.ThreadID,
				AllThreadsStopped: true,
				Text:              ev.Text,
			},
		})
	})
	dbg.Engine().Interceptor().OnOutput(func(category, text string) {
		s.send(&dap.OutputEvent{
			Event: *newEvent("output"),
			Body:  dap.OutputEventBody{Category: category, Output: text + "\n"},
		})
	})
	return s
}

// Start returns a channel closed when the client has finished
// configuration and the guest script may run.
func (s *Server) Start() <-chan struct{} { return s.startChan }

// Run accepts one client connection and serves it until disconnect.
func (s *Server) Run() {
	go func() {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
			default:
				s.log.Errorf("accept: %v", err)
			}
			return
		}
		s.sendMu.Lock()
		s.conn = conn
		s.sendMu.Unlock()
		s.serveDAPCodec(conn)
	}()
}

// Stop detaches the session and shuts the server down.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	_ = s.listener.Close()
	s.sendMu.Lock()
	conn := s.conn
	s.sendMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// ScriptExited tells the client the guest finished. A script error is
// surfaced as console output before the terminated event.
func (s *Server) ScriptExited(err error) {
	if err != nil {
		s.send(&dap.OutputEvent{
			Event: *newEvent("output"),
			Body:  dap.OutputEventBody{Category: "stderr", Output: err.Error() + "\n"},
		})
	}
	s.send(&dap.TerminatedEvent{Event: *newEvent("terminated")})
}

func (s *Server) serveDAPCodec(conn net.Conn) {
	s.reader = bufio.NewReader(conn)
	for {
		request, err := dap.ReadProtocolMessage(s.reader)
		if err != nil {
			stop := false
			select {
			case <-s.stopChan:
				stop = true
			default:
			}
			if err != io.EOF && !stop {
				s.log.Errorf("read request: %v", err)
			}
			s.signalDisconnect()
			return
		}
		if logflags.DAP() {
			s.log.Debugf("<- %T", request)
		}
		s.handleRequest(request)
	}
}

func (s *Server) handleRequest(request dap.Message) {
	switch request := request.(type) {
	case *dap.InitializeRequest:
		s.onInitializeRequest(request)
	case *dap.LaunchRequest:
		s.onLaunchRequest(request)
	case *dap.AttachRequest:
		s.onAttachRequest(request)
	case *dap.DisconnectRequest:
		s.onDisconnectRequest(request)
	case *dap.SetBreakpointsRequest:
		s.onSetBreakpointsRequest(request)
	case *dap.SetExceptionBreakpointsRequest:
		s.onSetExceptionBreakpointsRequest(request)
	case *dap.ConfigurationDoneRequest:
		s.onConfigurationDoneRequest(request)
	case *dap.ContinueRequest:
		s.onContinueRequest(request)
	case *dap.NextRequest:
		s.onNextRequest(request)
	case *dap.StepInRequest:
		s.onStepInRequest(request)
	case *dap.StepOutRequest:
		s.onStepOutRequest(request)
	case *dap.PauseRequest:
		s.onPauseRequest(request)
	case *dap.ThreadsRequest:
		s.onThreadsRequest(request)
	case *dap.StackTraceRequest:
		s.onStackTraceRequest(request)
	case *dap.ScopesRequest:
		s.onScopesRequest(request)
	case *dap.VariablesRequest:
		s.onVariablesRequest(request)
	case *dap.EvaluateRequest:
		s.onEvaluateRequest(request)
	default:
		if r, ok := request.(dap.RequestMessage); ok {
			s.sendUnsupportedErrorResponse(*r.GetRequest())
		} else {
			s.log.Errorf("unexpected message %T", request)
		}
	}
}

func (s *Server) onInitializeRequest(request *dap.InitializeRequest) {
	response := &dap.InitializeResponse{Response: *newResponse(request.Request)}
	response.Body.SupportsConfigurationDoneRequest = true
	response.Body.SupportsConditionalBreakpoints = true
	response.Body.SupportsHitConditionalBreakpoints = true
	response.Body.SupportsEvaluateForHovers = true
	s.send(response)
}

func (s *Server) onLaunchRequest(request *dap.LaunchRequest) {
	var args struct {
		StopOnEntry bool `json:"stopOnEntry"`
	}
	if err := json.Unmarshal(request.Arguments, &args); err != nil {
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch", err.Error())
		return
	}
	s.stopOnEntry = args.StopOnEntry
	s.send(&dap.LaunchResponse{Response: *newResponse(request.Request)})
	s.send(&dap.InitializedEvent{Event: *newEvent("initialized")})
}

func (s *Server) onAttachRequest(request *dap.AttachRequest) {
	// The session lives in this process; attach behaves like launch
	// against the already-running guest.
	s.send(&dap.AttachResponse{Response: *newResponse(request.Request)})
	s.send(&dap.InitializedEvent{Event: *newEvent("initialized")})
}

func (s *Server) onDisconnectRequest(request *dap.DisconnectRequest) {
	if err := s.debugger.Command("disconnect"); err != nil {
		s.sendErrorResponse(request.Request, DisconnectError, "Unable to disconnect", err.Error())
		return
	}
	s.send(&dap.DisconnectResponse{Response: *newResponse(request.Request)})
	s.signalDisconnect()
}

func (s *Server) onSetBreakpointsRequest(request *dap.SetBreakpointsRequest) {
	file := request.Arguments.Source.Path
	if file == "" {
		file = request.Arguments.Source.Name
	}
	reqs := make([]engine.BreakpointRequest, 0, len(request.Arguments.Breakpoints))
	for _, want := range request.Arguments.Breakpoints {
		req := engine.BreakpointRequest{Line: want.Line, Cond: want.Condition}
		if want.HitCondition != "" {
			n, err := strconv.Atoi(want.HitCondition)
			if err != nil {
				s.sendErrorResponse(request.Request, UnableToSetBreakpoints,
					"Unable to set breakpoints", fmt.Sprintf("invalid hit condition %q", want.HitCondition))
				return
			}
			req.HitCond = n
		}
		reqs = append(reqs, req)
	}
	got := s.debugger.CreateBreakpoints(file, reqs)

	response := &dap.SetBreakpointsResponse{Response: *newResponse(request.Request)}
	response.Body.Breakpoints = make([]dap.Breakpoint, len(got))
	for i, bp := range got {
		response.Body.Breakpoints[i] = dap.Breakpoint{
			Id:       bp.ID,
			Verified: bp.Verified,
			Line:     bp.Line,
			Source:   &dap.Source{Name: path.Base(file), Path: file},
		}
	}
	s.send(response)
}

func (s *Server) onSetExceptionBreakpointsRequest(request *dap.SetExceptionBreakpointsRequest) {
	// Guest errors already unwind through the host; there is nothing to
	// configure.
	s.send(&dap.SetExceptionBreakpointsResponse{Response: *newResponse(request.Request)})
}

func (s *Server) onConfigurationDoneRequest(request *dap.ConfigurationDoneRequest) {
	if s.stopOnEntry {
		s.debugger.Engine().RequestEntryPause()
	}
	s.send(&dap.ConfigurationDoneResponse{Response: *newResponse(request.Request)})
	s.startOnce.Do(func() { close(s.startChan) })
}

func (s *Server) onContinueRequest(request *dap.ContinueRequest) {
	s.stackFrameHandles.reset()
	if err := s.debugger.Command("continue"); err != nil {
		s.sendErrorResponse(request.Request, FailedToContinue, "Unable to continue", err.Error())
		return
	}
	response := &dap.ContinueResponse{Response: *newResponse(request.Request)}
	response.Body.AllThreadsContinued = true
	s.send(response)
}

func (s *Server) onNextRequest(request *dap.NextRequest) {
	s.stepRequest(request.Request, "next")
}

func (s *Server) onStepInRequest(request *dap.StepInRequest) {
	s.stepRequest(request.Request, "stepIn")
}

func (s *Server) onStepOutRequest(request *dap.StepOutRequest) {
	s.stepRequest(request.Request, "stepOut")
}

func (s *Server) stepRequest(request dap.Request, command string) {
	s.stackFrameHandles.reset()
	if err := s.debugger.Command(command); err != nil {
		s.sendErrorResponse(request, FailedToContinue, "Unable to step", err.Error())
		return
	}
	s.send(&dap.Response{ProtocolMessage: dap.ProtocolMessage{Seq: 0, Type: "response"},
		Command: request.Command, RequestSeq: request.Seq, Success: true})
}

func (s *Server) onPauseRequest(request *dap.PauseRequest) {
	if err := s.debugger.Command("halt"); err != nil {
		s.sendErrorResponse(request.Request, UnableToHalt, "Unable to halt execution", err.Error())
		return
	}
	s.send(&dap.PauseResponse{Response: *newResponse(request.Request)})
}

func (s *Server) onThreadsRequest(request *dap.ThreadsRequest) {
	threads := s.debugger.Threads()
	response := &dap.ThreadsResponse{Response: *newResponse(request.Request)}
	response.Body.Threads = make([]dap.Thread, len(threads))
	for i, th := range threads {
		response.Body.Threads[i] = dap.Thread{Id: th.ID, Name: th.Name}
	}
	s.send(response)
}

func (s *Server) onStackTraceRequest(request *dap.StackTraceRequest) {
	frames, total, err := s.debugger.Stacktrace(
		request.Arguments.ThreadId, request.Arguments.StartFrame, request.Arguments.Levels)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToProduceStackTrace, "Unable to produce stack trace", err.Error())
		return
	}
	response := &dap.StackTraceResponse{Response: *newResponse(request.Request)}
	response.Body.TotalFrames = total
	response.Body.StackFrames = make([]dap.StackFrame, len(frames))
	for i, f := range frames {
		frameID := s.stackFrameHandles.create(stackFrame{request.Arguments.ThreadId, f.Index})
		response.Body.StackFrames[i] = dap.StackFrame{
			Id:     frameID,
			Name:   f.Name,
			Line:   f.Line,
			Source: &dap.Source{Name: path.Base(f.Source), Path: f.Source},
		}
	}
	s.send(response)
}

func (s *Server) onScopesRequest(request *dap.ScopesRequest) {
	sf, ok := s.frameFor(request.Arguments.FrameId)
	if !ok {
		s.sendErrorResponse(request.Request, UnableToListLocals, "Unable to list locals",
			fmt.Sprintf("unknown frame id %d", request.Arguments.FrameId))
		return
	}
	scopes, err := s.debugger.Scopes(sf.threadID, sf.frameIndex)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToListLocals, "Unable to list locals", err.Error())
		return
	}
	response := &dap.ScopesResponse{Response: *newResponse(request.Request)}
	response.Body.Scopes = make([]dap.Scope, len(scopes))
	for i, sc := range scopes {
		response.Body.Scopes[i] = dap.Scope{Name: sc.Name, VariablesReference: sc.Ref}
	}
	s.send(response)
}

func (s *Server) onVariablesRequest(request *dap.VariablesRequest) {
	vars, err := s.debugger.Variables(request.Arguments.VariablesReference)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToLookupVariable, "Unable to lookup variable", err.Error())
		return
	}
	response := &dap.VariablesResponse{Response: *newResponse(request.Request)}
	response.Body.Variables = make([]dap.Variable, len(vars))
	for i, v := range vars {
		response.Body.Variables[i] = dap.Variable{
			Name:               v.Name,
			Value:              v.Value,
			Type:               v.Type,
			VariablesReference: v.Ref,
		}
	}
	s.send(response)
}

func (s *Server) onEvaluateRequest(request *dap.EvaluateRequest) {
	threadID, frameIndex := 1, -1
	if sf, ok := s.frameFor(request.Arguments.FrameId); ok {
		threadID, frameIndex = sf.threadID, sf.frameIndex
	}
	v, err := s.debugger.Evaluate(threadID, frameIndex, request.Arguments.Expression)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToEvaluateExpression, "Unable to evaluate expression", err.Error())
		return
	}
	response := &dap.EvaluateResponse{Response: *newResponse(request.Request)}
	response.Body = dap.EvaluateResponseBody{Result: v.Value, VariablesReference: v.Ref}
	s.send(response)
}

func (s *Server) frameFor(frameID int) (stackFrame, bool) {
	v, ok := s.stackFrameHandles.get(frameID)
	if !ok {
		return stackFrame{}, false
	}
	return v.(stackFrame), true
}

func (s *Server) signalDisconnect() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	if s.config.DisconnectChan != nil {
		select {
		case <-s.config.DisconnectChan:
		default:
			close(s.config.DisconnectChan)
		}
	}
}

func (s *Server) send(message dap.Message) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.conn == nil {
		return
	}
	if err := dap.WriteProtocolMessage(s.conn, message); err != nil {
		s.log.Debugf("write %T: %v", message, err)
	}
}

func (s *Server) sendErrorResponse(request dap.Request, id int, summary, details string) {
	er := &dap.ErrorResponse{}
	er.Type = "response"
	er.Command = request.Command
	er.RequestSeq = request.Seq
	er.Success = false
	er.Message = summary
	er.Body.Error = &dap.ErrorMessage{
		Id:       id,
		Format:   fmt.Sprintf("%s: %s", summary, details),
		ShowUser: true,
	}
	s.log.Debug(er.Body.Error.Format)
	s.send(er)
}

func (s *Server) sendUnsupportedErrorResponse(request dap.Request) {
	s.sendErrorResponse(request, UnsupportedCommand, "Unsupported command",
		fmt.Sprintf("cannot process %q request", request.Command))
}

func newResponse(request dap.Request) *dap.Response {
	return &dap.Response{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "response",
		},
		Command:    request.Command,
		RequestSeq: request.Seq,
		Success:    true,
	}
}

func newEvent(event string) *dap.Event {
	return &dap.Event{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "event",
		},
		Event: event,
	}
}
