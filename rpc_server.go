// rpc_server.go: named control endpoint with request dispatch and broadcast
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package albatross

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// PeerCredentials identifies the process on the other end of a unix socket.
type PeerCredentials struct {
	PID   int
	UID   int
	GID   int
	Known bool
}

// PeerInfo describes a connected peer.
type PeerInfo struct {
	ID          uint64
	Remote      string
	Credentials PeerCredentials
	ConnectedAt time.Time
	LastSeen    time.Time
	Subscribed  bool
}

type peerContextKey struct{}

// PeerFromContext returns the peer a handler is serving.
func PeerFromContext(ctx context.Context) (PeerInfo, bool) {
	p, ok := ctx.Value(peerContextKey{}).(PeerInfo)
	return p, ok
}

// Handler serves one request method. args are decoded according to the
// method's parameter kinds; the result is encoded with its return kind.
type Handler func(ctx context.Context, args []any) (any, error)

// BroadcastSink receives broadcasts inside the owning process, next to the
// socket peers. It returns the same verdict a peer reply would carry.
type BroadcastSink interface {
	DeliverBroadcast(ctx context.Context, method string, args []any) (int8, error)
}

// BroadcastReport summarizes one broadcast.
type BroadcastReport struct {
	Method    string
	Targets   int
	Delivered int
	Failed    int
	Dropped   int
}

type peer struct {
	id          uint64
	conn        net.Conn
	creds       PeerCredentials
	connectedAt time.Time
	lastSeen    atomic.Int64
	subscribed  atomic.Bool

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint16]chan frame
	bcSeq   uint16

	closed    chan struct{}
	closeOnce sync.Once
}

func (p *peer) info() PeerInfo {
	return PeerInfo{
		ID:          p.id,
		Remote:      p.conn.RemoteAddr().String(),
		Credentials: p.creds,
		ConnectedAt: p.connectedAt,
		LastSeen:    time.Unix(0, p.lastSeen.Load()),
		Subscribed:  p.subscribed.Load(),
	}
}

func (p *peer) send(f frame, deadline time.Time) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return writeFrame(p.conn, f)
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.conn.Close()
	})
}

// Endpoint is a named local channel exposing an API table to connected
// peers. Each peer is served by its own goroutine.
type Endpoint struct {
	cfg     EndpointConfig
	api     *API
	logger  Logger
	metrics MetricsCollector
	uid     int

	mu       sync.RWMutex
	handlers map[string]Handler
	peers    map[uint64]*peer
	sinks    map[uint64]BroadcastSink
	listener net.Listener
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc

	calls  *callTracker
	nextID atomic.Uint64
	wg     sync.WaitGroup
}

// NewEndpoint creates an endpoint; Start binds it.
func NewEndpoint(cfg EndpointConfig, api *API, logger any, metrics MetricsCollector) *Endpoint {
	cfg.applyDefaults()
	if metrics == nil {
		metrics = NewDefaultMetricsCollector()
	}
	if api == nil {
		api = MustAPI()
	}
	return &Endpoint{
		cfg:      cfg,
		api:      api,
		logger:   NewLogger(logger).With("component", "rpc_endpoint", "endpoint", cfg.Name),
		metrics:  metrics,
		uid:      currentUID(),
		handlers: make(map[string]Handler),
		peers:    make(map[uint64]*peer),
		sinks:    make(map[uint64]BroadcastSink),
		calls:    newCallTracker(metrics),
	}
}

// Name returns the endpoint name.
func (e *Endpoint) Name() string { return e.cfg.Name }

// API returns the endpoint's method table.
func (e *Endpoint) API() *API { return e.api }

// Handle registers the implementation of a request method.
func (e *Endpoint) Handle(method string, h Handler) error {
	if _, ok := e.api.Lookup(method); !ok {
		return NewUnknownMethodError(method)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.handlers[method]; exists {
		return NewHandlerExistsError(method)
	}
	e.handlers[method] = h
	e.logger.Debug("RPC handler registered", "method", method)
	return nil
}

func (e *Endpoint) handler(method string) (Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[method]
	return h, ok
}

// Start binds the endpoint and begins accepting peers.
func (e *Endpoint) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}

	network, address := e.cfg.ListenAddress()
	if network == "unix" {
		removeStaleSocket(address)
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return NewListenFailedError(e.cfg.Name, err)
	}

	e.listener = ln
	e.running = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.acceptConnections(e.ctx, ln)

	e.logger.Info("RPC endpoint started", "network", network, "address", ln.Addr().String(), "exclusive", e.cfg.Exclusive)
	return nil
}

// removeStaleSocket unlinks a filesystem socket nobody is serving.
func removeStaleSocket(path string) {
	if path == "" || path[0] == '@' {
		return
	}
	fi, err := os.Lstat(path)
	if err != nil || fi.Mode()&os.ModeSocket == 0 {
		return
	}
	if c, err := net.DialTimeout("unix", path, 200*time.Millisecond); err == nil {
		_ = c.Close()
		return
	}
	_ = os.Remove(path)
}

// Addr returns the bound address, or nil before Start.
func (e *Endpoint) Addr() net.Addr {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// IsRunning reports whether the endpoint is accepting peers.
func (e *Endpoint) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

func (e *Endpoint) acceptConnections(ctx context.Context, ln net.Listener) {
	defer e.wg.Done()
	for {
		if e.shouldStopAccepting(ctx) {
			return
		}
		conn, err := ln.Accept()
		if err != nil {
			if e.handleAcceptError(err) {
				return
			}
			continue
		}
		e.admit(ctx, conn)
	}
}

func (e *Endpoint) shouldStopAccepting(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		e.logger.Info("RPC endpoint shutting down")
		return true
	default:
		return false
	}
}

// handleAcceptError logs unexpected accept errors and reports whether the
// listener is gone.
func (e *Endpoint) handleAcceptError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	e.logger.Error("Failed to accept connection", "error", err)
	time.Sleep(10 * time.Millisecond)
	return false
}

func (e *Endpoint) admit(ctx context.Context, conn net.Conn) {
	creds := peerCredentials(conn)
	if e.cfg.Exclusive && creds.Known && creds.UID != e.uid && creds.UID != 0 {
		e.logger.Warn("Peer rejected by exclusive endpoint", "uid", creds.UID, "pid", creds.PID)
		_ = conn.Close()
		return
	}

	e.mu.Lock()
	if e.cfg.MaxPeers > 0 && len(e.peers) >= e.cfg.MaxPeers {
		e.mu.Unlock()
		e.logger.Warn("Peer rejected, endpoint full", "max_peers", e.cfg.MaxPeers)
		_ = conn.Close()
		return
	}
	p := &peer{
		id:          e.nextID.Add(1),
		conn:        conn,
		creds:       creds,
		connectedAt: timecache.CachedTime(),
		pending:     make(map[uint16]chan frame),
		closed:      make(chan struct{}),
	}
	p.lastSeen.Store(timecache.CachedTimeNano())
	e.peers[p.id] = p
	count := len(e.peers)
	e.mu.Unlock()

	e.metrics.SetGauge("albatross_rpc_connected_peers", nil, float64(count))
	e.logger.Debug("Peer connected", "peer", p.id, "remote", conn.RemoteAddr().String(), "pid", creds.PID)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer withStackRecover(e.logger)()
		e.serve(ctx, p)
	}()
}

func (e *Endpoint) serve(ctx context.Context, p *peer) {
	defer e.removePeer(p, "disconnected")
	for {
		f, err := readFrame(p.conn)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case HasErrorCode(err, ErrCodeProtocolError):
				e.logger.Warn("Malformed frame, closing peer", "peer", p.id, "error", err)
			default:
				e.logger.Debug("Peer read failed", "peer", p.id, "error", err)
			}
			return
		}
		p.lastSeen.Store(timecache.CachedTimeNano())

		if p.subscribed.Load() {
			p.mu.Lock()
			ch := p.pending[f.callID]
			delete(p.pending, f.callID)
			p.mu.Unlock()
			if ch == nil {
				e.logger.Debug("Unsolicited frame from subscriber", "peer", p.id, "call_id", f.callID)
				continue
			}
			ch <- f
			continue
		}

		if stop := e.dispatch(ctx, p, f); stop {
			return
		}
	}
}

func (e *Endpoint) respond(p *peer, callID uint16, result int8, payload []byte) {
	deadline := time.Now().Add(e.cfg.RequestTimeout)
	if err := p.send(frame{callID: callID, cmd: result, payload: payload}, deadline); err != nil {
		e.logger.Warn("Response write failed", "peer", p.id, "error", err)
		p.close()
	}
}

func (e *Endpoint) fail(p *peer, callID uint16, method string, result ResultByte, err error) {
	e.metrics.IncrementCounter("albatross_rpc_calls_total", map[string]string{"method": method, "result": result.String()}, 1)
	e.logger.Warn("RPC dispatch failed", "peer", p.id, "method", method, "result", int(result), "error", err)
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	e.respond(p, callID, int8(result), []byte(detail))
}

// dispatch serves one request frame. It returns true when the peer asked to stop.
func (e *Endpoint) dispatch(ctx context.Context, p *peer, f frame) bool {
	id := uint8(f.cmd)
	if id == MsgAPIs {
		e.respond(p, f.callID, 0, e.api.encodeListing())
		return false
	}

	spec, ok := e.api.methodByID(id)
	if !ok {
		e.fail(p, f.callID, fmt.Sprintf("#%d", id), ResultErrNoSupport, NewUnknownMethodError(fmt.Sprintf("#%d", id)))
		return false
	}

	switch spec.Name {
	case MethodSubscribe:
		p.subscribed.Store(true)
		e.respond(p, f.callID, 1, nil)
		e.metrics.SetGauge("albatross_rpc_subscribers", nil, float64(e.SubscriberCount()))
		e.logger.Info("Peer subscribed", "peer", p.id)
		return false
	case MethodPing:
		res, payload, _ := encodeReturn(KindString, "pong")
		e.respond(p, f.callID, res, payload)
		return false
	case MethodGetTID:
		res, payload, _ := encodeReturn(KindInt, currentThreadID())
		e.respond(p, f.callID, res, payload)
		return false
	case MethodStop:
		e.logger.Info("Peer requested stop", "peer", p.id)
		return true
	}

	h, ok := e.handler(spec.Name)
	if !ok {
		e.fail(p, f.callID, spec.Name, ResultNoHandle, NewUnknownMethodError(spec.Name))
		return false
	}

	args, err := decodeArgs(spec.Params, f.payload)
	if err != nil {
		e.fail(p, f.callID, spec.Name, ResultHandleException, NewArgumentDecodeError(spec.Name, err))
		return false
	}

	callCtx, cancel := context.WithTimeout(context.WithValue(ctx, peerContextKey{}, p.info()), e.cfg.RequestTimeout)
	defer cancel()
	callID := e.calls.start(spec.Name, cancel)
	defer e.calls.end(callID, spec.Name)

	start := time.Now()
	var out any
	err = callGuarded(e.logger, "rpc_handler:"+spec.Name, func() error {
		var herr error
		out, herr = h(callCtx, args)
		return herr
	})
	e.metrics.RecordHistogram("albatross_rpc_call_seconds", map[string]string{"method": spec.Name}, time.Since(start).Seconds())
	if err != nil {
		e.fail(p, f.callID, spec.Name, ResultHandleException, NewHandlerFailedError(spec.Name, err))
		return false
	}

	if spec.Return == KindVoid {
		e.metrics.IncrementCounter("albatross_rpc_calls_total", map[string]string{"method": spec.Name, "result": "ok"}, 1)
		return false
	}
	res, payload, err := encodeReturn(spec.Return, out)
	if err != nil {
		e.fail(p, f.callID, spec.Name, ResultHandleException, err)
		return false
	}
	e.metrics.IncrementCounter("albatross_rpc_calls_total", map[string]string{"method": spec.Name, "result": "ok"}, 1)
	e.respond(p, f.callID, res, payload)
	return false
}

// Invoke runs a request method in-process with the argument and result
// conversions a socket peer would get. Connection-scoped built-ins are not
// available here.
func (e *Endpoint) Invoke(ctx context.Context, method string, args ...any) (any, error) {
	spec, ok := e.api.Lookup(method)
	if !ok {
		return nil, NewUnknownMethodError(method)
	}
	switch method {
	case MethodPing:
		return "pong", nil
	case MethodGetTID:
		return int32(currentThreadID()), nil
	case MethodSubscribe, MethodStop:
		return nil, NewRemoteFailureError(method, int8(ResultErrNoSupport), "connection-scoped method")
	}

	h, ok := e.handler(method)
	if !ok {
		return nil, NewRemoteFailureError(method, int8(ResultNoHandle), "no registered handler")
	}
	payload, err := encodeArgs(spec.Params, args)
	if err != nil {
		return nil, NewArgumentDecodeError(method, err)
	}
	decoded, err := decodeArgs(spec.Params, payload)
	if err != nil {
		return nil, NewArgumentDecodeError(method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	callID := e.calls.start(method, cancel)
	defer e.calls.end(callID, method)
	var out any
	err = callGuarded(e.logger, "rpc_handler:"+method, func() error {
		var herr error
		out, herr = h(ctx, decoded)
		return herr
	})
	if err != nil {
		return nil, NewHandlerFailedError(method, err)
	}
	if spec.Return == KindVoid {
		return nil, nil
	}
	res, data, err := encodeReturn(spec.Return, out)
	if err != nil {
		return nil, NewHandlerFailedError(method, err)
	}
	return decodeReturn(spec.Return, res, data)
}

func (e *Endpoint) removePeer(p *peer, reason string) {
	p.close()
	e.mu.Lock()
	_, present := e.peers[p.id]
	delete(e.peers, p.id)
	count := len(e.peers)
	e.mu.Unlock()
	if !present {
		return
	}
	e.metrics.SetGauge("albatross_rpc_connected_peers", nil, float64(count))
	e.logger.Debug("Peer removed", "peer", p.id, "reason", reason)
}

// Peers returns the connected peers.
func (e *Endpoint) Peers() []PeerInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]PeerInfo, 0, len(e.peers))
	for _, p := range e.peers {
		out = append(out, p.info())
	}
	return out
}

func (e *Endpoint) subscribers() []*peer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*peer, 0, len(e.peers))
	for _, p := range e.peers {
		if p.subscribed.Load() {
			out = append(out, p)
		}
	}
	return out
}

// SubscriberCount returns how many peers receive broadcasts.
func (e *Endpoint) SubscriberCount() int {
	return len(e.subscribers())
}

// AddSink registers an in-process broadcast receiver and returns its remover.
func (e *Endpoint) AddSink(sink BroadcastSink) func() {
	id := e.nextID.Add(1)
	e.mu.Lock()
	e.sinks[id] = sink
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.sinks, id)
		e.mu.Unlock()
	}
}

func (e *Endpoint) sinkList() []BroadcastSink {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]BroadcastSink, 0, len(e.sinks))
	for _, s := range e.sinks {
		out = append(out, s)
	}
	return out
}

// Broadcast pushes method to every subscriber and returns 1 when at least one
// accepted delivery, 0 otherwise.
func (e *Endpoint) Broadcast(method string, args ...any) byte {
	rep, err := e.BroadcastContext(context.Background(), method, args...)
	if err != nil || rep.Delivered == 0 {
		return 0
	}
	return 1
}

// BroadcastContext pushes method to every subscriber concurrently. Each
// delivery is bounded by the broadcast timeout; a peer that fails or times out
// is dropped and never stalls the others.
func (e *Endpoint) BroadcastContext(ctx context.Context, method string, args ...any) (BroadcastReport, error) {
	rep := BroadcastReport{Method: method}
	spec, ok := e.api.LookupBroadcast(method)
	if !ok {
		return rep, NewUnknownMethodError(method)
	}
	payload, err := encodeArgs(spec.Params, args)
	if err != nil {
		return rep, NewArgumentDecodeError(method, err)
	}
	id, _ := e.api.broadcastID(method)

	ctx, cancel := context.WithTimeout(ctx, e.cfg.BroadcastTimeout)
	defer cancel()

	subs := e.subscribers()
	sinks := e.sinkList()
	rep.Targets = len(subs) + len(sinks)

	type outcome struct {
		p      *peer
		result int8
		err    error
	}
	results := make(chan outcome, rep.Targets)
	for _, p := range subs {
		go func(p *peer) {
			r, err := e.deliver(ctx, p, id, spec, payload)
			results <- outcome{p: p, result: r, err: err}
		}(p)
	}
	for _, s := range sinks {
		go func(s BroadcastSink) {
			var r int8
			err := callGuarded(e.logger, "broadcast_sink", func() error {
				var derr error
				r, derr = s.DeliverBroadcast(ctx, method, args)
				return derr
			})
			results <- outcome{result: r, err: err}
		}(s)
	}

	for i := 0; i < rep.Targets; i++ {
		o := <-results
		switch {
		case o.err != nil:
			rep.Failed++
			if o.p != nil {
				rep.Dropped++
				e.metrics.IncrementCounter("albatross_rpc_peers_dropped_total", nil, 1)
				e.logger.Warn("Dropping broadcast peer", "peer", o.p.id, "method", method, "error", o.err)
				e.removePeer(o.p, "broadcast failed")
			}
		case ResultByte(o.result) == ResultBroadcastNoHandler:
			rep.Failed++
		default:
			rep.Delivered++
		}
	}

	outcomeLabel := "undelivered"
	if rep.Delivered > 0 {
		outcomeLabel = "delivered"
	}
	e.metrics.IncrementCounter("albatross_rpc_broadcasts_total", map[string]string{"method": method, "outcome": outcomeLabel}, 1)
	e.logger.Debug("Broadcast finished",
		"method", method, "targets", rep.Targets, "delivered", rep.Delivered, "dropped", rep.Dropped)
	return rep, nil
}

func (e *Endpoint) deliver(ctx context.Context, p *peer, id byte, spec MethodSpec, payload []byte) (int8, error) {
	needReply := spec.NeedsReply()

	p.mu.Lock()
	p.bcSeq++
	callID := p.bcSeq << 1
	var ch chan frame
	if needReply {
		callID |= 1
		ch = make(chan frame, 1)
		p.pending[callID] = ch
	}
	p.mu.Unlock()

	cleanup := func() {
		if needReply {
			p.mu.Lock()
			delete(p.pending, callID)
			p.mu.Unlock()
		}
	}

	deadline, _ := ctx.Deadline()
	if err := p.send(frame{callID: callID, cmd: int8(id), payload: payload}, deadline); err != nil {
		cleanup()
		return 0, NewPeerClosedError(p.conn.RemoteAddr().String(), err)
	}
	if !needReply {
		return 0, nil
	}

	select {
	case f := <-ch:
		return f.cmd, nil
	case <-ctx.Done():
		cleanup()
		return 0, NewCallTimeoutError(spec.Name, e.cfg.BroadcastTimeout.String())
	case <-p.closed:
		cleanup()
		return 0, NewPeerClosedError(p.conn.RemoteAddr().String(), nil)
	}
}

// ActiveCalls returns the handler calls in flight, per method.
func (e *Endpoint) ActiveCalls() map[string]int64 {
	return e.calls.byMethod()
}

// Stop closes the listener, waits up to the drain timeout for running
// handlers, then closes every peer and waits for their goroutines. Handlers
// still running after the drain timeout are canceled and reported through a
// DrainTimeoutError.
func (e *Endpoint) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	var errs []error
	if err := e.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, fmt.Errorf("failed to close listener: %w", err))
	}
	e.mu.Unlock()

	if err := e.calls.drain(e.cfg.Name, e.cfg.DrainTimeout); err != nil {
		e.logger.Warn("Endpoint stopped with calls in flight", "error", err)
		errs = append(errs, err)
	}

	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	peers := make([]*peer, 0, len(e.peers))
	for _, p := range e.peers {
		peers = append(peers, p)
	}
	e.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
	e.wg.Wait()

	if network, address := e.cfg.ListenAddress(); network == "unix" && address != "" && address[0] != '@' {
		if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("failed to remove socket: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during endpoint shutdown: %v", errs)
	}
	e.logger.Info("RPC endpoint stopped")
	return nil
}

// ServerSet owns the endpoints created by one process.
type ServerSet struct {
	defaults EndpointConfig
	logger   Logger
	metrics  MetricsCollector

	mu        sync.Mutex
	endpoints map[string]*Endpoint
}

// NewServerSet creates a set whose endpoints start from defaults.
func NewServerSet(defaults EndpointConfig, logger any, metrics MetricsCollector) *ServerSet {
	return &ServerSet{
		defaults:  defaults,
		logger:    NewLogger(logger),
		metrics:   metrics,
		endpoints: make(map[string]*Endpoint),
	}
}

// CreateServer binds the endpoint name once. Calling it again with a name that
// is already bound returns the existing endpoint unchanged; exclusive and api
// are ignored on that path.
func (s *ServerSet) CreateServer(ctx context.Context, name string, exclusive bool, api *API) (*Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ep, ok := s.endpoints[name]; ok {
		s.logger.Debug("Endpoint already created", "endpoint", name)
		return ep, nil
	}
	cfg := s.defaults
	cfg.Name = name
	cfg.Exclusive = exclusive
	ep := NewEndpoint(cfg, api, s.logger, s.metrics)
	if err := ep.Start(ctx); err != nil {
		return nil, err
	}
	s.endpoints[name] = ep
	return ep, nil
}

// Get returns a created endpoint.
func (s *ServerSet) Get(name string) (*Endpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[name]
	return ep, ok
}

// StopAll stops every endpoint.
func (s *ServerSet) StopAll() error {
	s.mu.Lock()
	eps := make([]*Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		eps = append(eps, ep)
	}
	s.endpoints = make(map[string]*Endpoint)
	s.mu.Unlock()

	var errs []error
	for _, ep := range eps {
		if err := ep.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors stopping endpoints: %v", errs)
	}
	return nil
}
