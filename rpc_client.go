// rpc_client.go: peer side of the control channel
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package albatross

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// Timeout bounds each call when the context carries no earlier deadline.
	Timeout time.Duration
	Logger  any

	// Reconnect redials a broken connection on the next call, gated by Breaker.
	Reconnect bool
	Breaker   BreakerConfig
}

// Client talks to one endpoint. Calls are serialized over a single connection.
type Client struct {
	network string
	address string
	api     *API
	timeout time.Duration
	logger  Logger

	reconnect bool
	breaker   *RedialBreaker

	mu      sync.Mutex
	conn    net.Conn
	closed  bool
	listing Listing
	callID  uint16
}

// BroadcastHandler serves one broadcast method on the subscriber side. The
// result is sent back when the broadcast asks for a reply.
type BroadcastHandler func(args []any) (any, error)

// Dial connects to an endpoint and fetches its method table. api must be the
// table the endpoint was created with; it supplies the wire kinds.
func Dial(ctx context.Context, network, address string, api *API, opts ClientOptions) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if api == nil {
		api = MustAPI()
	}
	c := &Client{
		network:   network,
		address:   address,
		api:       api,
		timeout:   opts.Timeout,
		logger:    NewLogger(opts.Logger).With("component", "rpc_client", "address", address),
		reconnect: opts.Reconnect,
		breaker:   NewRedialBreaker(opts.Breaker),
	}
	conn, listing, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.listing = listing
	c.logger.Debug("Connected to endpoint", "methods", len(listing.Methods), "broadcasts", len(listing.Broadcasts))
	return c, nil
}

// DialEndpoint connects to the address cfg would listen on.
func DialEndpoint(ctx context.Context, cfg EndpointConfig, api *API, opts ClientOptions) (*Client, error) {
	cfg.applyDefaults()
	network, address := cfg.ListenAddress()
	return Dial(ctx, network, address, api, opts)
}

func (c *Client) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}

func (c *Client) open(ctx context.Context) (net.Conn, Listing, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, c.network, c.address)
	if err != nil {
		return nil, Listing{}, NewNotConnectedError(c.address).WithContext("cause", err.Error())
	}
	if err := conn.SetDeadline(c.deadline(ctx)); err != nil {
		_ = conn.Close()
		return nil, Listing{}, err
	}
	if err := writeFrame(conn, frame{callID: 0, cmd: MsgAPIs}); err != nil {
		_ = conn.Close()
		return nil, Listing{}, NewPeerClosedError(c.address, err)
	}
	f, err := readFrame(conn)
	if err != nil {
		_ = conn.Close()
		return nil, Listing{}, NewPeerClosedError(c.address, err)
	}
	listing, err := decodeListing(f.payload)
	if err != nil {
		_ = conn.Close()
		return nil, Listing{}, err
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, listing, nil
}

// Listing returns the method table advertised by the endpoint.
func (c *Client) Listing() Listing {
	return c.listing
}

// Call invokes a request method and decodes its result. Void methods return
// as soon as the request is written.
func (c *Client) Call(ctx context.Context, method string, args ...any) (any, error) {
	spec, ok := c.api.Lookup(method)
	if !ok {
		return nil, NewUnknownMethodError(method)
	}
	id, ok := c.listing.Methods[method]
	if !ok {
		return nil, NewRemoteFailureError(method, int8(ResultErrNoSupport), "method not advertised by endpoint")
	}
	payload, err := encodeArgs(spec.Params, args)
	if err != nil {
		return nil, NewArgumentDecodeError(method, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		if err := c.redial(ctx); err != nil {
			return nil, err
		}
	}

	c.callID++
	callID := c.callID
	if err := c.conn.SetDeadline(c.deadline(ctx)); err != nil {
		return nil, c.broken(method, err)
	}
	if err := writeFrame(c.conn, frame{callID: callID, cmd: int8(id), payload: payload}); err != nil {
		return nil, c.broken(method, err)
	}
	if spec.Return == KindVoid {
		return nil, nil
	}

	for {
		f, err := readFrame(c.conn)
		if err != nil {
			return nil, c.broken(method, err)
		}
		if f.callID != callID {
			c.logger.Debug("Skipping stale response", "want", callID, "got", f.callID)
			continue
		}
		if f.cmd < 0 {
			return nil, NewRemoteFailureError(method, f.cmd, string(f.payload))
		}
		return decodeReturn(spec.Return, f.cmd, f.payload)
	}
}

// redial reopens a broken connection when reconnection is enabled and the
// breaker admits it. Caller holds c.mu.
func (c *Client) redial(ctx context.Context) error {
	if c.closed || !c.reconnect {
		return NewNotConnectedError(c.address)
	}
	if !c.breaker.Allow() {
		return NewNotConnectedError(c.address).WithContext("breaker", c.breaker.State().String())
	}
	conn, listing, err := c.open(ctx)
	if err != nil {
		c.breaker.RecordFailure()
		c.logger.Warn("Redial failed", "breaker", c.breaker.State().String(), "error", err)
		return err
	}
	c.breaker.RecordSuccess()
	c.conn = conn
	c.listing = listing
	c.logger.Info("Reconnected to endpoint")
	return nil
}

// BreakerState returns the state of the redial breaker.
func (c *Client) BreakerState() BreakerState {
	return c.breaker.State()
}

// broken drops a connection left in an unknown state. Caller holds c.mu.
func (c *Client) broken(method string, err error) error {
	_ = c.conn.Close()
	c.conn = nil
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return NewCallTimeoutError(method, c.timeout.String())
	}
	return NewPeerClosedError(c.address, err)
}

// Ping checks the endpoint is serving.
func (c *Client) Ping(ctx context.Context) error {
	v, err := c.Call(ctx, MethodPing)
	if err != nil {
		return err
	}
	if v != "pong" {
		return NewProtocolError(fmt.Sprintf("unexpected ping answer %v", v), nil)
	}
	return nil
}

// Close releases the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Subscription is a connection turned broadcast receiver.
type Subscription struct {
	conn     net.Conn
	client   *Client
	handlers map[string]BroadcastHandler
	logger   Logger

	done chan struct{}
	mu   sync.Mutex
	err  error
}

// Subscribe opens a second connection, switches it to broadcast mode and
// dispatches incoming broadcasts to handlers until Close or disconnect.
// Broadcasts without a handler are answered with the no-handler result.
func (c *Client) Subscribe(ctx context.Context, handlers map[string]BroadcastHandler) (*Subscription, error) {
	id, ok := c.listing.Methods[MethodSubscribe]
	if !ok {
		return nil, NewRemoteFailureError(MethodSubscribe, int8(ResultErrNoSupport), "method not advertised by endpoint")
	}
	conn, _, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(c.deadline(ctx))
	if err := writeFrame(conn, frame{callID: 1, cmd: int8(id)}); err != nil {
		_ = conn.Close()
		return nil, NewPeerClosedError(c.address, err)
	}
	f, err := readFrame(conn)
	if err != nil {
		_ = conn.Close()
		return nil, NewPeerClosedError(c.address, err)
	}
	if f.cmd != 1 {
		_ = conn.Close()
		return nil, NewRemoteFailureError(MethodSubscribe, f.cmd, string(f.payload))
	}
	_ = conn.SetDeadline(time.Time{})

	s := &Subscription{
		conn:     conn,
		client:   c,
		handlers: handlers,
		logger:   c.logger.With("subscription", true),
		done:     make(chan struct{}),
	}
	go s.receive()
	return s, nil
}

func (s *Subscription) receive() {
	defer close(s.done)
	defer withStackRecover(s.logger)()
	for {
		f, err := readFrame(s.conn)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.setErr(err)
			}
			return
		}
		if err := s.handle(f); err != nil {
			s.setErr(err)
			return
		}
	}
}

func (s *Subscription) handle(f frame) error {
	wantsReply := f.callID&1 == 1
	name, known := s.client.listing.Broadcasts[uint8(f.cmd)]
	spec, specOK := s.client.api.LookupBroadcast(name)
	h := s.handlers[name]
	if !known || !specOK || h == nil {
		s.logger.Debug("Broadcast without handler", "id", uint8(f.cmd), "name", name)
		if wantsReply {
			return s.reply(f.callID, int8(ResultBroadcastNoHandler), nil)
		}
		return nil
	}

	args, err := decodeArgs(spec.Params, f.payload)
	if err != nil {
		s.logger.Warn("Broadcast payload not decoded", "method", name, "error", err)
		if wantsReply {
			return s.reply(f.callID, int8(ResultHandleException), []byte(err.Error()))
		}
		return nil
	}

	var out any
	err = callGuarded(s.logger, "broadcast_handler:"+name, func() error {
		var herr error
		out, herr = h(args)
		return herr
	})
	if !wantsReply {
		return nil
	}
	if err != nil {
		return s.reply(f.callID, int8(ResultHandleException), []byte(err.Error()))
	}
	res, payload, err := encodeReturn(spec.Return, out)
	if err != nil {
		return s.reply(f.callID, int8(ResultHandleException), []byte(err.Error()))
	}
	return s.reply(f.callID, res, payload)
}

func (s *Subscription) reply(callID uint16, result int8, payload []byte) error {
	return writeFrame(s.conn, frame{callID: callID, cmd: result, payload: payload})
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Done is closed when the receive loop exits.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the receive loop, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription and waits for the receive loop.
func (s *Subscription) Close() error {
	err := s.conn.Close()
	<-s.done
	return err
}
