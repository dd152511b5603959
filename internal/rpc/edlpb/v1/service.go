package edlpbv1

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName = "edlpb.v1.Agent"

	methodConnect        = "/" + serviceName + "/Connect"
	methodGetStatus      = "/" + serviceName + "/GetStatus"
	methodListPartitions = "/" + serviceName + "/ListPartitions"
	methodFlashPartition = "/" + serviceName + "/FlashPartition"
	methodReadPartition  = "/" + serviceName + "/ReadPartition"
	methodReboot         = "/" + serviceName + "/Reboot"
	methodStreamEvents   = "/" + serviceName + "/StreamEvents"
)

// AgentServer is implemented by qdl-agent.
type AgentServer interface {
	Connect(context.Context, *ConnectRequest) (*ConnectResponse, error)
	GetStatus(context.Context, *StatusRequest) (*StatusResponse, error)
	ListPartitions(context.Context, *ListPartitionsRequest) (*ListPartitionsResponse, error)
	FlashPartition(*FlashPartitionRequest, Agent_FlashPartitionServer) error
	ReadPartition(*ReadPartitionRequest, Agent_ReadPartitionServer) error
	Reboot(context.Context, *RebootRequest) (*RebootResponse, error)
	StreamEvents(*StreamEventsRequest, Agent_StreamEventsServer) error
}

// Agent_FlashPartitionServer streams ProgressEvents for a flash write.
type Agent_FlashPartitionServer interface {
	Send(*ProgressEvent) error
	grpc.ServerStream
}

// Agent_ReadPartitionServer streams ProgressEvents for a partition dump.
type Agent_ReadPartitionServer interface {
	Send(*ProgressEvent) error
	grpc.ServerStream
}

// Agent_StreamEventsServer streams orchestrator events to a subscriber.
type Agent_StreamEventsServer interface {
	Send(*EngineEvent) error
	grpc.ServerStream
}

type agentFlashPartitionServer struct{ grpc.ServerStream }

func (s *agentFlashPartitionServer) Send(e *ProgressEvent) error { return s.ServerStream.SendMsg(e) }

type agentReadPartitionServer struct{ grpc.ServerStream }

func (s *agentReadPartitionServer) Send(e *ProgressEvent) error { return s.ServerStream.SendMsg(e) }

type agentStreamEventsServer struct{ grpc.ServerStream }

func (s *agentStreamEventsServer) Send(e *EngineEvent) error { return s.ServerStream.SendMsg(e) }

func handleConnect(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(ConnectRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentServer).Connect(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodConnect}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AgentServer).Connect(ctx, req.(*ConnectRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func handleGetStatus(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(StatusRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentServer).GetStatus(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetStatus}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AgentServer).GetStatus(ctx, req.(*StatusRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func handleListPartitions(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(ListPartitionsRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentServer).ListPartitions(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodListPartitions}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AgentServer).ListPartitions(ctx, req.(*ListPartitionsRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func handleReboot(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(RebootRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentServer).Reboot(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodReboot}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AgentServer).Reboot(ctx, req.(*RebootRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func streamFlashPartition(srv any, stream grpc.ServerStream) error {
	req := new(FlashPartitionRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(AgentServer).FlashPartition(req, &agentFlashPartitionServer{stream})
}

func streamReadPartition(srv any, stream grpc.ServerStream) error {
	req := new(ReadPartitionRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(AgentServer).ReadPartition(req, &agentReadPartitionServer{stream})
}

func streamEvents(srv any, stream grpc.ServerStream) error {
	req := new(StreamEventsRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(AgentServer).StreamEvents(req, &agentStreamEventsServer{stream})
}

// ServiceDesc is the grpc service descriptor qdl-agent registers with
// grpc.NewServer.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*AgentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Connect", Handler: handleConnect},
		{MethodName: "GetStatus", Handler: handleGetStatus},
		{MethodName: "ListPartitions", Handler: handleListPartitions},
		{MethodName: "Reboot", Handler: handleReboot},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "FlashPartition", Handler: streamFlashPartition, ServerStreams: true},
		{StreamName: "ReadPartition", Handler: streamReadPartition, ServerStreams: true},
		{StreamName: "StreamEvents", Handler: streamEvents, ServerStreams: true},
	},
	Metadata: "api/edlpb/v1/edl.proto",
}

// RegisterAgentServer registers an AgentServer implementation with a grpc
// server already configured with grpc.ForceServerCodec(jsonCodec{}).
func RegisterAgentServer(s grpc.ServiceRegistrar, srv AgentServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// AgentClient is the client half of the Agent service.
type AgentClient interface {
	Connect(ctx context.Context, in *ConnectRequest, opts ...grpc.CallOption) (*ConnectResponse, error)
	GetStatus(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error)
	ListPartitions(ctx context.Context, in *ListPartitionsRequest, opts ...grpc.CallOption) (*ListPartitionsResponse, error)
	FlashPartition(ctx context.Context, in *FlashPartitionRequest, opts ...grpc.CallOption) (Agent_FlashPartitionClient, error)
	ReadPartition(ctx context.Context, in *ReadPartitionRequest, opts ...grpc.CallOption) (Agent_ReadPartitionClient, error)
	Reboot(ctx context.Context, in *RebootRequest, opts ...grpc.CallOption) (*RebootResponse, error)
	StreamEvents(ctx context.Context, in *StreamEventsRequest, opts ...grpc.CallOption) (Agent_StreamEventsClient, error)
}

// Agent_FlashPartitionClient receives ProgressEvents for a flash write.
type Agent_FlashPartitionClient interface {
	Recv() (*ProgressEvent, error)
	grpc.ClientStream
}

// Agent_ReadPartitionClient receives ProgressEvents for a partition dump.
type Agent_ReadPartitionClient interface {
	Recv() (*ProgressEvent, error)
	grpc.ClientStream
}

// Agent_StreamEventsClient receives orchestrator events.
type Agent_StreamEventsClient interface {
	Recv() (*EngineEvent, error)
	grpc.ClientStream
}

type agentClient struct {
	cc   grpc.ClientConnInterface
	opts []grpc.CallOption
}

// NewAgentClient wraps cc. The json codec is selected automatically on every
// call via grpc.CallContentSubtype.
func NewAgentClient(cc grpc.ClientConnInterface) AgentClient {
	return &agentClient{cc: cc, opts: []grpc.CallOption{grpc.CallContentSubtype(codecName)}}
}

func (c *agentClient) callOpts(opts []grpc.CallOption) []grpc.CallOption {
	return append(append([]grpc.CallOption(nil), c.opts...), opts...)
}

func (c *agentClient) Connect(ctx context.Context, in *ConnectRequest, opts ...grpc.CallOption) (*ConnectResponse, error) {
	out := new(ConnectResponse)
	if err := c.cc.Invoke(ctx, methodConnect, in, out, c.callOpts(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *agentClient) GetStatus(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	out := new(StatusResponse)
	if err := c.cc.Invoke(ctx, methodGetStatus, in, out, c.callOpts(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *agentClient) ListPartitions(ctx context.Context, in *ListPartitionsRequest, opts ...grpc.CallOption) (*ListPartitionsResponse, error) {
	out := new(ListPartitionsResponse)
	if err := c.cc.Invoke(ctx, methodListPartitions, in, out, c.callOpts(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *agentClient) Reboot(ctx context.Context, in *RebootRequest, opts ...grpc.CallOption) (*RebootResponse, error) {
	out := new(RebootResponse)
	if err := c.cc.Invoke(ctx, methodReboot, in, out, c.callOpts(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

type agentFlashPartitionClient struct{ grpc.ClientStream }

func (c *agentFlashPartitionClient) Recv() (*ProgressEvent, error) {
	m := new(ProgressEvent)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *agentClient) FlashPartition(ctx context.Context, in *FlashPartitionRequest, opts ...grpc.CallOption) (Agent_FlashPartitionClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], methodFlashPartition, c.callOpts(opts)...)
	if err != nil {
		return nil, err
	}
	x := &agentFlashPartitionClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type agentReadPartitionClient struct{ grpc.ClientStream }

func (c *agentReadPartitionClient) Recv() (*ProgressEvent, error) {
	m := new(ProgressEvent)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *agentClient) ReadPartition(ctx context.Context, in *ReadPartitionRequest, opts ...grpc.CallOption) (Agent_ReadPartitionClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[1], methodReadPartition, c.callOpts(opts)...)
	if err != nil {
		return nil, err
	}
	x := &agentReadPartitionClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type agentStreamEventsClient struct{ grpc.ClientStream }

func (c *agentStreamEventsClient) Recv() (*EngineEvent, error) {
	m := new(EngineEvent)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *agentClient) StreamEvents(ctx context.Context, in *StreamEventsRequest, opts ...grpc.CallOption) (Agent_StreamEventsClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[2], methodStreamEvents, c.callOpts(opts)...)
	if err != nil {
		return nil, err
	}
	x := &agentStreamEventsClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
