package cdptest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/gorilla/websocket"

	"github.com/standardbeagle/shellbridge/internal/protocol"
)

// TargetInfo mirrors the debugger protocol's Target.TargetInfo.
type TargetInfo struct {
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Attached bool   `json:"attached"`
	OpenerID string `json:"openerId,omitempty"`
}

// Request is a command received by the fake browser.
type Request struct {
	ID        int64
	Method    string
	SessionID string
	Params    json.RawMessage
}

// Browser is a fake remote-debugging endpoint. It serves /json/version and a
// websocket at /devtools/browser/fake, keeps a set of targets, hands out
// flattened sessions and runs every isolated world in its own goja VM.
type Browser struct {
	server *httptest.Server

	upgrader websocket.Upgrader

	mu          sync.Mutex
	targets     map[string]*TargetInfo
	order       []string
	sessions    map[string]*fakeSession
	worlds      map[int64]*fakeWorld
	conns       map[*fakeConn]struct{}
	failures    map[string]int
	holds       map[string]*hold
	requests    []Request
	nextSession int
	nextContext int64

	// EmitExistingOnDiscover makes Target.setDiscoverTargets announce the
	// targets that already exist, as desktop Chrome does.
	EmitExistingOnDiscover bool
}

type fakeSession struct {
	id       string
	targetID string
	conn     *fakeConn
}

type fakeWorld struct {
	contextID int64
	sessionID string
	targetID  string
	name      string
	vm        *goja.Runtime
	waiting   []awaitedPromise
}

type awaitedPromise struct {
	requestID int64
	promise   *goja.Promise
}

type fakeConn struct {
	ws       *websocket.Conn
	writeMu  sync.Mutex
	discover bool
}

type hold struct {
	queued   []func()
	released bool
}

// NewBrowser starts a fake browser on a local httptest server.
func NewBrowser() *Browser {
	b := &Browser{
		targets:  make(map[string]*TargetInfo),
		sessions: make(map[string]*fakeSession),
		worlds:   make(map[int64]*fakeWorld),
		conns:    make(map[*fakeConn]struct{}),
		failures: make(map[string]int),
		holds:    make(map[string]*hold),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", b.handleVersion)
	mux.HandleFunc("/devtools/browser/fake", b.handleWebSocket)
	b.server = httptest.NewServer(mux)
	return b
}

// Close stops the server and drops every connection.
func (b *Browser) Close() {
	b.mu.Lock()
	for c := range b.conns {
		c.ws.Close()
	}
	b.mu.Unlock()
	b.server.Close()
}

// HTTPEndpoint returns the host:port of the debugger HTTP endpoint.
func (b *Browser) HTTPEndpoint() string {
	return strings.TrimPrefix(b.server.URL, "http://")
}

// WebSocketURL returns the browser-level websocket URL.
func (b *Browser) WebSocketURL() string {
	return "ws://" + b.HTTPEndpoint() + "/devtools/browser/fake"
}

// DropConnections closes every live websocket from the browser side.
func (b *Browser) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		c.ws.Close()
	}
}

func (b *Browser) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"Browser":              "FakeChrome/1.0",
		"Protocol-Version":     "1.3",
		"User-Agent":           "cdptest",
		"webSocketDebuggerUrl": b.WebSocketURL(),
	})
}

func (b *Browser) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &fakeConn{ws: ws}

	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		for id, s := range b.sessions {
			if s.conn == conn {
				delete(b.sessions, id)
			}
		}
		b.mu.Unlock()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var req struct {
			ID        int64           `json:"id"`
			Method    string          `json:"method"`
			Params    json.RawMessage `json:"params"`
			SessionID string          `json:"sessionId"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		b.handle(conn, Request{ID: req.ID, Method: req.Method, SessionID: req.SessionID, Params: req.Params})
	}
}

func (c *fakeConn) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *fakeConn) reply(id int64, sessionID string, result any) {
	frame := map[string]any{"id": id, "result": result}
	if sessionID != "" {
		frame["sessionId"] = sessionID
	}
	c.send(frame)
}

func (c *fakeConn) replyError(id int64, sessionID string, code int, message string) {
	frame := map[string]any{"id": id, "error": map[string]any{"code": code, "message": message}}
	if sessionID != "" {
		frame["sessionId"] = sessionID
	}
	c.send(frame)
}

func (c *fakeConn) event(sessionID, method string, params any) {
	frame := map[string]any{"method": method, "params": params}
	if sessionID != "" {
		frame["sessionId"] = sessionID
	}
	c.send(frame)
}

// handle runs one command. Replies are produced through respond so that held
// methods can be deferred.
func (b *Browser) handle(conn *fakeConn, req Request) {
	b.mu.Lock()
	b.requests = append(b.requests, req)

	if n := b.failures[req.Method]; n > 0 {
		b.failures[req.Method] = n - 1
		b.mu.Unlock()
		conn.replyError(req.ID, req.SessionID, -32000, "injected failure for "+req.Method)
		return
	}

	if req.SessionID != "" {
		if _, ok := b.sessions[req.SessionID]; !ok {
			b.mu.Unlock()
			conn.replyError(req.ID, req.SessionID, -32001, "Session with given id not found.")
			return
		}
	}

	result, rerr, after := b.execLocked(conn, req)
	h := b.holds[req.Method]
	b.mu.Unlock()

	respond := func() {
		if rerr != nil {
			conn.replyError(req.ID, req.SessionID, rerr.Code, rerr.Message)
		} else if result != nil {
			conn.reply(req.ID, req.SessionID, result)
		}
		if after != nil {
			after()
		}
	}

	b.mu.Lock()
	if h != nil && !h.released {
		h.queued = append(h.queued, respond)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	respond()
}

// execLocked executes req with b.mu held. A nil result with a nil error means
// the reply is produced later (awaited promise).
func (b *Browser) execLocked(conn *fakeConn, req Request) (any, *protocol.Error, func()) {
	empty := map[string]any{}

	switch req.Method {
	case protocol.MethodGetVersion:
		return map[string]any{"product": "FakeChrome/1.0", "protocolVersion": "1.3"}, nil, nil

	case protocol.MethodSetDiscoverTargets:
		var p struct {
			Discover bool `json:"discover"`
		}
		json.Unmarshal(req.Params, &p)
		conn.discover = p.Discover
		if !p.Discover || !b.EmitExistingOnDiscover {
			return empty, nil, nil
		}
		infos := b.targetInfosLocked()
		return empty, nil, func() {
			for _, info := range infos {
				conn.event("", protocol.EventTargetCreated, map[string]any{"targetInfo": info})
			}
		}

	case protocol.MethodGetTargets:
		return map[string]any{"targetInfos": b.targetInfosLocked()}, nil, nil

	case protocol.MethodAttachToTarget:
		var p struct {
			TargetID string `json:"targetId"`
		}
		json.Unmarshal(req.Params, &p)
		if _, ok := b.targets[p.TargetID]; !ok {
			return nil, &protocol.Error{Code: -32602, Message: "No target with given id found"}, nil
		}
		b.nextSession++
		id := fmt.Sprintf("SESSION-%d", b.nextSession)
		b.sessions[id] = &fakeSession{id: id, targetID: p.TargetID, conn: conn}
		b.targets[p.TargetID].Attached = true
		return map[string]any{"sessionId": id}, nil, nil

	case protocol.MethodDetachFromTarget:
		var p struct {
			SessionID string `json:"sessionId"`
		}
		json.Unmarshal(req.Params, &p)
		s, ok := b.sessions[p.SessionID]
		if !ok {
			return nil, &protocol.Error{Code: -32602, Message: "No session with given id"}, nil
		}
		delete(b.sessions, p.SessionID)
		b.dropWorldsLocked(func(w *fakeWorld) bool { return w.sessionID == p.SessionID })
		return empty, nil, func() {
			conn.event("", protocol.EventDetachedFromTarget, map[string]any{"sessionId": s.id, "targetId": s.targetID})
		}

	case protocol.MethodRuntimeEnable, protocol.MethodPageEnable:
		return empty, nil, nil

	case protocol.MethodGetFrameTree:
		s := b.sessions[req.SessionID]
		if s == nil {
			return nil, &protocol.Error{Code: -32000, Message: "Page domain requires a session"}, nil
		}
		t := b.targets[s.targetID]
		return map[string]any{
			"frameTree": map[string]any{
				"frame": map[string]any{"id": "FRAME-" + s.targetID, "loaderId": "L1", "url": t.URL},
			},
		}, nil, nil

	case protocol.MethodCreateIsolatedWorld:
		s := b.sessions[req.SessionID]
		if s == nil {
			return nil, &protocol.Error{Code: -32000, Message: "Page domain requires a session"}, nil
		}
		var p struct {
			FrameID   string `json:"frameId"`
			WorldName string `json:"worldName"`
		}
		json.Unmarshal(req.Params, &p)
		if p.FrameID != "FRAME-"+s.targetID {
			return nil, &protocol.Error{Code: -32000, Message: "No frame for given id found"}, nil
		}
		b.nextContext++
		w := &fakeWorld{
			contextID: b.nextContext,
			sessionID: s.id,
			targetID:  s.targetID,
			name:      p.WorldName,
			vm:        goja.New(),
		}
		b.worlds[w.contextID] = w
		return map[string]any{"executionContextId": w.contextID}, nil, nil

	case protocol.MethodAddBinding:
		var p struct {
			Name               string `json:"name"`
			ExecutionContextID int64  `json:"executionContextId"`
		}
		json.Unmarshal(req.Params, &p)
		w := b.worlds[p.ExecutionContextID]
		if w == nil || w.sessionID != req.SessionID {
			return nil, &protocol.Error{Code: -32000, Message: "Cannot find context with specified id"}, nil
		}
		name := p.Name
		contextID := w.contextID
		sessionID := w.sessionID
		w.vm.Set(name, func(call goja.FunctionCall) goja.Value {
			payload := call.Argument(0).String()
			// Emitted asynchronously, as the real browser does.
			go conn.event(sessionID, protocol.EventBindingCalled, map[string]any{
				"name":               name,
				"payload":            payload,
				"executionContextId": contextID,
			})
			return goja.Undefined()
		})
		return empty, nil, nil

	case protocol.MethodEvaluate:
		return b.evaluateLocked(req)

	default:
		return nil, &protocol.Error{Code: -32601, Message: fmt.Sprintf("'%s' wasn't found", req.Method)}, nil
	}
}

func (b *Browser) evaluateLocked(req Request) (any, *protocol.Error, func()) {
	var p struct {
		Expression    string `json:"expression"`
		ContextID     int64  `json:"contextId"`
		AwaitPromise  bool   `json:"awaitPromise"`
		ReturnByValue bool   `json:"returnByValue"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, &protocol.Error{Code: -32602, Message: err.Error()}, nil
	}
	w := b.worlds[p.ContextID]
	if w == nil || w.sessionID != req.SessionID {
		return nil, &protocol.Error{Code: -32000, Message: "Cannot find context with specified id"}, nil
	}

	val, err := w.vm.RunString(p.Expression)
	defer b.flushAwaitedLocked(w)
	if err != nil {
		return exceptionResult(err.Error()), nil, nil
	}

	if p.AwaitPromise {
		if promise, ok := val.Export().(*goja.Promise); ok {
			switch promise.State() {
			case goja.PromiseStateFulfilled:
				return remoteObject(promise.Result()), nil, nil
			case goja.PromiseStateRejected:
				return exceptionResult(promise.Result().String()), nil, nil
			default:
				w.waiting = append(w.waiting, awaitedPromise{requestID: req.ID, promise: promise})
				return nil, nil, nil
			}
		}
	}
	return remoteObject(val), nil, nil
}

// flushAwaitedLocked answers awaited evaluations whose promise has settled.
func (b *Browser) flushAwaitedLocked(w *fakeWorld) {
	s := b.sessions[w.sessionID]
	if s == nil {
		return
	}
	remaining := w.waiting[:0]
	for _, a := range w.waiting {
		switch a.promise.State() {
		case goja.PromiseStateFulfilled:
			go s.conn.reply(a.requestID, s.id, remoteObject(a.promise.Result()))
		case goja.PromiseStateRejected:
			go s.conn.reply(a.requestID, s.id, exceptionResult(a.promise.Result().String()))
		default:
			remaining = append(remaining, a)
		}
	}
	w.waiting = remaining
}

func remoteObject(v goja.Value) map[string]any {
	if v == nil || goja.IsUndefined(v) {
		return map[string]any{"result": map[string]any{"type": "undefined"}}
	}
	if goja.IsNull(v) {
		return map[string]any{"result": map[string]any{"type": "object", "subtype": "null", "value": nil}}
	}
	exported := v.Export()
	typ := "object"
	switch exported.(type) {
	case string:
		typ = "string"
	case int64, float64, int:
		typ = "number"
	case bool:
		typ = "boolean"
	}
	return map[string]any{"result": map[string]any{"type": typ, "value": exported}}
}

func exceptionResult(msg string) map[string]any {
	return map[string]any{
		"result": map[string]any{"type": "object", "subtype": "error", "description": msg},
		"exceptionDetails": map[string]any{
			"exceptionId": 1,
			"text":        "Uncaught",
			"exception":   map[string]any{"type": "object", "subtype": "error", "description": msg},
		},
	}
}

func (b *Browser) targetInfosLocked() []TargetInfo {
	infos := make([]TargetInfo, 0, len(b.order))
	for _, id := range b.order {
		if t, ok := b.targets[id]; ok {
			infos = append(infos, *t)
		}
	}
	return infos
}

func (b *Browser) dropWorldsLocked(match func(*fakeWorld) bool) {
	for id, w := range b.worlds {
		if match(w) {
			delete(b.worlds, id)
		}
	}
}

func (b *Browser) broadcast(method string, params any) {
	b.mu.Lock()
	conns := make([]*fakeConn, 0, len(b.conns))
	for c := range b.conns {
		if c.discover {
			conns = append(conns, c)
		}
	}
	b.mu.Unlock()
	for _, c := range conns {
		c.event("", method, params)
	}
}

// AddTarget registers a target and announces it to discovering connections.
func (b *Browser) AddTarget(info TargetInfo) {
	if info.Type == "" {
		info.Type = "page"
	}
	b.mu.Lock()
	copied := info
	b.targets[info.TargetID] = &copied
	b.order = append(b.order, info.TargetID)
	b.mu.Unlock()
	b.broadcast(protocol.EventTargetCreated, map[string]any{"targetInfo": info})
}

// Navigate changes a target's URL. Its isolated worlds are discarded, like a
// real navigation, and targetInfoChanged is announced.
func (b *Browser) Navigate(targetID, url string) {
	b.mu.Lock()
	t, ok := b.targets[targetID]
	if !ok {
		b.mu.Unlock()
		return
	}
	t.URL = url
	info := *t
	b.dropWorldsLocked(func(w *fakeWorld) bool { return w.targetID == targetID })
	b.mu.Unlock()
	b.broadcast(protocol.EventTargetInfoChanged, map[string]any{"targetInfo": info})
}

// RemoveTarget destroys a target and its sessions.
func (b *Browser) RemoveTarget(targetID string) {
	b.mu.Lock()
	delete(b.targets, targetID)
	for id, s := range b.sessions {
		if s.targetID == targetID {
			delete(b.sessions, id)
		}
	}
	b.dropWorldsLocked(func(w *fakeWorld) bool { return w.targetID == targetID })
	b.mu.Unlock()
	b.broadcast(protocol.EventTargetDestroyed, map[string]any{"targetId": targetID})
}

// FailNext makes the next n calls to method fail with a remote error.
func (b *Browser) FailNext(method string, n int) {
	b.mu.Lock()
	b.failures[method] += n
	b.mu.Unlock()
}

// Hold defers replies to method until the returned release is called.
func (b *Browser) Hold(method string) (release func()) {
	h := &hold{}
	b.mu.Lock()
	b.holds[method] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			h.released = true
			queued := h.queued
			h.queued = nil
			if b.holds[method] == h {
				delete(b.holds, method)
			}
			b.mu.Unlock()
			for _, respond := range queued {
				respond()
			}
		})
	}
}

// Requests returns every command received so far.
func (b *Browser) Requests() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Request(nil), b.requests...)
}

// Count returns how many times method was received.
func (b *Browser) Count(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, r := range b.requests {
		if r.Method == method {
			n++
		}
	}
	return n
}

// SessionCount returns the number of live sessions for targetID.
func (b *Browser) SessionCount(targetID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.sessions {
		if s.targetID == targetID {
			n++
		}
	}
	return n
}

// RunInWorld evaluates js inside the world with the given execution context
// id, as page-side code would. Awaited evaluations that settle as a result
// are answered.
func (b *Browser) RunInWorld(contextID int64, js string) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w := b.worlds[contextID]
	if w == nil {
		return nil, fmt.Errorf("no world with context %d", contextID)
	}
	defer b.flushAwaitedLocked(w)
	v, err := w.vm.RunString(js)
	if err != nil {
		return nil, err
	}
	if v == nil || goja.IsUndefined(v) {
		return nil, nil
	}
	return v.Export(), nil
}

// HasWorld reports whether an isolated world with contextID exists.
func (b *Browser) HasWorld(contextID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.worlds[contextID]
	return ok
}
