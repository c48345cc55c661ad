// grpc_gateway.go: remote access to an endpoint over gRPC
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

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	gatewayServiceName   = "albatross.Endpoint"
	gatewayCallMethod    = "/" + gatewayServiceName + "/Call"
	gatewaySubscribeName = "/" + gatewayServiceName + "/Subscribe"
	gatewayStreamBuffer  = 64
)

// EndpointGatewayServer is the gRPC face of an endpoint. Requests and
// broadcasts travel as structpb.Struct values: {"method", "args"} in,
// {"result"} out.
type EndpointGatewayServer interface {
	Call(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Subscribe(req *structpb.Struct, stream grpc.ServerStream) error
}

var gatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: gatewayServiceName,
	HandlerType: (*EndpointGatewayServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Call",
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return srv.(EndpointGatewayServer).Call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: gatewayCallMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return srv.(EndpointGatewayServer).Call(ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}},
	Streams: []grpc.StreamDesc{{
		StreamName:    "Subscribe",
		ServerStreams: true,
		Handler: func(srv interface{}, stream grpc.ServerStream) error {
			in := new(structpb.Struct)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return srv.(EndpointGatewayServer).Subscribe(in, stream)
		},
	}},
}

// Gateway serves an Endpoint to remote gRPC clients. Subscribers receive the
// endpoint's broadcasts as a server stream.
type Gateway struct {
	endpoint *Endpoint
	address  string
	logger   Logger

	mu       sync.Mutex
	server   *grpc.Server
	listener net.Listener
}

// NewGateway creates a gateway for ep listening on address.
func NewGateway(ep *Endpoint, address string, logger any) *Gateway {
	return &Gateway{
		endpoint: ep,
		address:  address,
		logger:   NewLogger(logger).With("component", "grpc_gateway", "endpoint", ep.Name()),
	}
}

// Start binds the gateway.
func (g *Gateway) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.server != nil {
		return nil
	}
	ln, err := net.Listen("tcp", g.address)
	if err != nil {
		return NewListenFailedError(gatewayServiceName, err)
	}
	srv := grpc.NewServer(
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
	)
	srv.RegisterService(&gatewayServiceDesc, g)
	g.server = srv
	g.listener = ln

	SafeGo(g.logger, func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			g.logger.Error("gRPC gateway stopped serving", "error", err)
		}
	})
	g.logger.Info("gRPC gateway started", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Stop ends every stream and closes the listener.
func (g *Gateway) Stop() {
	g.mu.Lock()
	srv := g.server
	g.server = nil
	g.listener = nil
	g.mu.Unlock()
	if srv != nil {
		srv.Stop()
		g.logger.Info("gRPC gateway stopped")
	}
}

// Call implements EndpointGatewayServer.
func (g *Gateway) Call(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	method := req.GetFields()["method"].GetStringValue()
	var args []any
	if list := req.GetFields()["args"].GetListValue(); list != nil {
		args = list.AsSlice()
	}

	out, err := g.endpoint.Invoke(ctx, method, args...)
	if err != nil {
		g.logger.Debug("Gateway call failed", "method", method, "error", err)
		return nil, gatewayStatus(err)
	}
	v, err := structpb.NewValue(gatewayValue(out))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "result not representable: %v", err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{"result": v}}, nil
}

func gatewayStatus(err error) error {
	switch {
	case HasErrorCode(err, ErrCodeUnknownMethod), HasErrorCode(err, ErrCodeRemoteFailure):
		return status.Error(codes.Unimplemented, err.Error())
	case HasErrorCode(err, ErrCodeArgumentDecode):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// gatewayValue widens wire results to types structpb accepts.
func gatewayValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case int8:
		return int32(x)
	case int16:
		return int32(x)
	}
	return v
}

type gatewaySink struct {
	events chan *structpb.Struct
	done   <-chan struct{}
}

func (s *gatewaySink) DeliverBroadcast(ctx context.Context, method string, args []any) (int8, error) {
	vals := make([]any, len(args))
	for i, a := range args {
		vals[i] = gatewayValue(a)
	}
	msg, err := structpb.NewStruct(map[string]any{"method": method, "args": vals})
	if err != nil {
		return 0, err
	}
	select {
	case s.events <- msg:
		return 0, nil
	case <-s.done:
		return 0, fmt.Errorf("gateway stream closed")
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Subscribe implements EndpointGatewayServer. The first message acknowledges
// the subscription; every later one is a broadcast.
func (g *Gateway) Subscribe(_ *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()
	sink := &gatewaySink{events: make(chan *structpb.Struct, gatewayStreamBuffer), done: ctx.Done()}
	remove := g.endpoint.AddSink(sink)
	defer remove()

	ack, _ := structpb.NewStruct(map[string]any{"method": MethodSubscribe, "args": []any{}})
	if err := stream.SendMsg(ack); err != nil {
		return err
	}
	g.logger.Info("Gateway subscriber attached")

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("Gateway subscriber detached")
			return nil
		case msg := <-sink.events:
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// GatewayClient calls an endpoint through its gRPC gateway.
type GatewayClient struct {
	conn *grpc.ClientConn
}

// DialGateway connects to a gateway address.
func DialGateway(address string) (*GatewayClient, error) {
	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(4*1024*1024),
			grpc.MaxCallSendMsgSize(4*1024*1024),
		),
	)
	if err != nil {
		return nil, NewNotConnectedError(address).WithContext("cause", err.Error())
	}
	return &GatewayClient{conn: conn}, nil
}

// Call invokes method remotely. Numbers come back as float64, as in JSON.
func (c *GatewayClient) Call(ctx context.Context, method string, args ...any) (any, error) {
	vals := make([]any, len(args))
	for i, a := range args {
		vals[i] = gatewayValue(a)
	}
	req, err := structpb.NewStruct(map[string]any{"method": method, "args": vals})
	if err != nil {
		return nil, NewArgumentDecodeError(method, err)
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, gatewayCallMethod, req, resp); err != nil {
		return nil, err
	}
	return resp.GetFields()["result"].AsInterface(), nil
}

// GatewayStream receives broadcasts relayed by a gateway.
type GatewayStream struct {
	stream grpc.ClientStream
}

// Subscribe opens a broadcast stream and waits for the gateway to acknowledge it.
func (c *GatewayClient) Subscribe(ctx context.Context) (*GatewayStream, error) {
	stream, err := c.conn.NewStream(ctx, &gatewayServiceDesc.Streams[0], gatewaySubscribeName)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&structpb.Struct{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	gs := &GatewayStream{stream: stream}
	if _, _, err := gs.Recv(); err != nil {
		return nil, err
	}
	return gs, nil
}

// Recv blocks for the next broadcast.
func (s *GatewayStream) Recv() (method string, args []any, err error) {
	msg := new(structpb.Struct)
	if err := s.stream.RecvMsg(msg); err != nil {
		return "", nil, err
	}
	method = msg.GetFields()["method"].GetStringValue()
	if list := msg.GetFields()["args"].GetListValue(); list != nil {
		args = list.AsSlice()
	}
	return method, args, nil
}

// Close releases the connection.
func (c *GatewayClient) Close() error {
	return c.conn.Close()
}
