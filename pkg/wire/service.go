package wire

import (
	"context"

	"google.golang.org/grpc"
)

const (
	ServiceName = "plugin.Plugin"

	SendMessageMethod      = "/plugin.Plugin/SendMessage"
	RegisterListenerMethod = "/plugin.Plugin/RegisterListener"
	RegisterCmdMethod      = "/plugin.Plugin/RegisterCmd"
)

// PluginClient is the client API of the plugin service.
type PluginClient interface {
	SendMessage(ctx context.Context, in *Message, opts ...grpc.CallOption) (*MessageRes, error)
	RegisterListener(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[ListenerClientData, Event], error)
	RegisterCmd(ctx context.Context, in *CmdDef, opts ...grpc.CallOption) (grpc.ServerStreamingClient[CmdInvocation], error)
}

type pluginClient struct {
	cc grpc.ClientConnInterface
}

// NewPluginClient returns a PluginClient over cc. Every call is forced onto
// Codec regardless of the connection's default codec.
func NewPluginClient(cc grpc.ClientConnInterface) PluginClient {
	return &pluginClient{cc: cc}
}

func callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
}

func (c *pluginClient) SendMessage(ctx context.Context, in *Message, opts ...grpc.CallOption) (*MessageRes, error) {
	out := new(MessageRes)
	if err := c.cc.Invoke(ctx, SendMessageMethod, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *pluginClient) RegisterListener(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[ListenerClientData, Event], error) {
	stream, err := c.cc.NewStream(ctx, &PluginServiceDesc.Streams[0], RegisterListenerMethod, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[ListenerClientData, Event]{ClientStream: stream}, nil
}

func (c *pluginClient) RegisterCmd(ctx context.Context, in *CmdDef, opts ...grpc.CallOption) (grpc.ServerStreamingClient[CmdInvocation], error) {
	stream, err := c.cc.NewStream(ctx, &PluginServiceDesc.Streams[1], RegisterCmdMethod, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[CmdDef, CmdInvocation]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// PluginServer is the host side of the plugin service. Servers must be
// created with grpc.ForceServerCodec(Codec{}).
type PluginServer interface {
	SendMessage(context.Context, *Message) (*MessageRes, error)
	RegisterListener(grpc.BidiStreamingServer[ListenerClientData, Event]) error
	RegisterCmd(*CmdDef, grpc.ServerStreamingServer[CmdInvocation]) error
}

// RegisterPluginServer registers srv on s.
func RegisterPluginServer(s grpc.ServiceRegistrar, srv PluginServer) {
	s.RegisterService(&PluginServiceDesc, srv)
}

func sendMessageHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Message)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PluginServer).SendMessage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: SendMessageMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PluginServer).SendMessage(ctx, req.(*Message))
	}
	return interceptor(ctx, in, info, handler)
}

func registerListenerHandler(srv any, stream grpc.ServerStream) error {
	return srv.(PluginServer).RegisterListener(&grpc.GenericServerStream[ListenerClientData, Event]{ServerStream: stream})
}

func registerCmdHandler(srv any, stream grpc.ServerStream) error {
	m := new(CmdDef)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(PluginServer).RegisterCmd(m, &grpc.GenericServerStream[CmdDef, CmdInvocation]{ServerStream: stream})
}

// PluginServiceDesc describes the plugin.Plugin service.
var PluginServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PluginServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SendMessage",
			Handler:    sendMessageHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "RegisterListener",
			Handler:       registerListenerHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
		{
			StreamName:    "RegisterCmd",
			Handler:       registerCmdHandler,
			ServerStreams: true,
		},
	},
	Metadata: "plugin.proto",
}
