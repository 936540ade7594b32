package transport

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully-qualified gRPC service name of the ring protocol.
const ServiceName = "chord.v1.ChordService"

// Full method names, as seen by interceptors.
const (
	MethodGetInfo               = "/" + ServiceName + "/GetInfo"
	MethodGetSuccessor          = "/" + ServiceName + "/GetSuccessor"
	MethodGetPredecessor        = "/" + ServiceName + "/GetPredecessor"
	MethodGetSuccessorList      = "/" + ServiceName + "/GetSuccessorList"
	MethodCreate                = "/" + ServiceName + "/Create"
	MethodJoin                  = "/" + ServiceName + "/Join"
	MethodFindSuccessor         = "/" + ServiceName + "/FindSuccessor"
	MethodFindSuccessorWithPath = "/" + ServiceName + "/FindSuccessorWithPath"
	MethodNotify                = "/" + ServiceName + "/Notify"
)

// ChordServiceServer is the server API of the ring protocol.
type ChordServiceServer interface {
	GetInfo(context.Context, *Empty) (*NodeReply, error)
	GetSuccessor(context.Context, *Empty) (*NodeReply, error)
	GetPredecessor(context.Context, *Empty) (*NodeReply, error)
	GetSuccessorList(context.Context, *Empty) (*NodeListReply, error)
	Create(context.Context, *Empty) (*Empty, error)
	Join(context.Context, *JoinRequest) (*Empty, error)
	FindSuccessor(context.Context, *FindSuccessorRequest) (*NodeReply, error)
	FindSuccessorWithPath(context.Context, *FindSuccessorRequest) (*FindSuccessorWithPathReply, error)
	Notify(context.Context, *NotifyRequest) (*Empty, error)
}

// RegisterChordServiceServer registers srv on s.
func RegisterChordServiceServer(s grpc.ServiceRegistrar, srv ChordServiceServer) {
	s.RegisterService(&chordServiceDesc, srv)
}

// unaryHandler adapts a typed server method to a grpc.MethodDesc handler.
func unaryHandler[Req any, Resp any](method string, call func(ChordServiceServer, context.Context, *Req) (*Resp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ChordServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ChordServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var chordServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChordServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetInfo",
			Handler:    unaryHandler(MethodGetInfo, ChordServiceServer.GetInfo),
		},
		{
			MethodName: "GetSuccessor",
			Handler:    unaryHandler(MethodGetSuccessor, ChordServiceServer.GetSuccessor),
		},
		{
			MethodName: "GetPredecessor",
			Handler:    unaryHandler(MethodGetPredecessor, ChordServiceServer.GetPredecessor),
		},
		{
			MethodName: "GetSuccessorList",
			Handler:    unaryHandler(MethodGetSuccessorList, ChordServiceServer.GetSuccessorList),
		},
		{
			MethodName: "Create",
			Handler:    unaryHandler(MethodCreate, ChordServiceServer.Create),
		},
		{
			MethodName: "Join",
			Handler:    unaryHandler(MethodJoin, ChordServiceServer.Join),
		},
		{
			MethodName: "FindSuccessor",
			Handler:    unaryHandler(MethodFindSuccessor, ChordServiceServer.FindSuccessor),
		},
		{
			MethodName: "FindSuccessorWithPath",
			Handler:    unaryHandler(MethodFindSuccessorWithPath, ChordServiceServer.FindSuccessorWithPath),
		},
		{
			MethodName: "Notify",
			Handler:    unaryHandler(MethodNotify, ChordServiceServer.Notify),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "chord/v1/chord.proto",
}
