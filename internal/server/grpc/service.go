package grpc

import (
	"context"
	"encoding/json"

	"github.com/dmitrijs2005/budgetsync/internal/server/models"
	"github.com/dmitrijs2005/budgetsync/internal/server/services"
	"google.golang.org/grpc"
)

const serviceName = "budgetsync.v1.SyncService"

// Wire messages. They travel as JSON, see codec.go.

type PushRequest struct {
	Changes []models.Change `json:"changes"`
}

type PushResponse struct {
	Outcomes []models.Outcome `json:"outcomes"`
}

type PullRequest struct {
	Cursor    string   `json:"cursor,omitempty"`
	BudgetIDs []string `json:"budget_ids,omitempty"`
	Limit     int      `json:"limit,omitempty"`
}

type PullResponse = services.PullResult

type SnapshotRequest struct {
	BudgetIDs []string `json:"budget_ids,omitempty"`
}

type SnapshotResponse = services.SnapshotResult

type ListConflictsRequest struct {
	BudgetIDs []string `json:"budget_ids,omitempty"`
}

type ListConflictsResponse struct {
	Conflicts []*models.Conflict `json:"conflicts"`
}

type ResolveRequest struct {
	ConflictID string            `json:"conflict_id"`
	Resolution models.Resolution `json:"resolution"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
}

type ResolveResponse = services.ResolveResult

type StatusRequest struct{}

type StatusResponse = services.StatusResult

type WatchRequest struct {
	BudgetIDs []string `json:"budget_ids,omitempty"`
}

type WatchEvent = services.ChangeEvent

// SyncServer is the server API of budgetsync.v1.SyncService.
type SyncServer interface {
	Push(context.Context, *PushRequest) (*PushResponse, error)
	Pull(context.Context, *PullRequest) (*PullResponse, error)
	Snapshot(context.Context, *SnapshotRequest) (*SnapshotResponse, error)
	ListConflicts(context.Context, *ListConflictsRequest) (*ListConflictsResponse, error)
	Resolve(context.Context, *ResolveRequest) (*ResolveResponse, error)
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
	Watch(*WatchRequest, SyncService_WatchServer) error
}

type SyncService_WatchServer interface {
	Send(*WatchEvent) error
	grpc.ServerStream
}

type watchServer struct {
	grpc.ServerStream
}

func (x *watchServer) Send(m *WatchEvent) error {
	return x.ServerStream.SendMsg(m)
}

func unary[Req, Resp any](method string, call func(SyncServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + serviceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SyncServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(SyncServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(SyncServer).Watch(in, &watchServer{stream})
}

// SyncServiceDesc describes budgetsync.v1.SyncService for grpc.Server.RegisterService.
var SyncServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*SyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Push", SyncServer.Push),
		unary("Pull", SyncServer.Pull),
		unary("Snapshot", SyncServer.Snapshot),
		unary("ListConflicts", SyncServer.ListConflicts),
		unary("Resolve", SyncServer.Resolve),
		unary("Status", SyncServer.Status),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "budgetsync/v1/sync",
}

// SyncClient calls budgetsync.v1.SyncService with the JSON codec.
type SyncClient struct {
	cc grpc.ClientConnInterface
}

func NewSyncClient(cc grpc.ClientConnInterface) *SyncClient {
	return &SyncClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *SyncClient, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SyncClient) Push(ctx context.Context, in *PushRequest, opts ...grpc.CallOption) (*PushResponse, error) {
	return invoke[PushResponse](ctx, c, "Push", in, opts)
}

func (c *SyncClient) Pull(ctx context.Context, in *PullRequest, opts ...grpc.CallOption) (*PullResponse, error) {
	return invoke[PullResponse](ctx, c, "Pull", in, opts)
}

func (c *SyncClient) Snapshot(ctx context.Context, in *SnapshotRequest, opts ...grpc.CallOption) (*SnapshotResponse, error) {
	return invoke[SnapshotResponse](ctx, c, "Snapshot", in, opts)
}

func (c *SyncClient) ListConflicts(ctx context.Context, in *ListConflictsRequest, opts ...grpc.CallOption) (*ListConflictsResponse, error) {
	return invoke[ListConflictsResponse](ctx, c, "ListConflicts", in, opts)
}

func (c *SyncClient) Resolve(ctx context.Context, in *ResolveRequest, opts ...grpc.CallOption) (*ResolveResponse, error) {
	return invoke[ResolveResponse](ctx, c, "Resolve", in, opts)
}

func (c *SyncClient) Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c, "Status", in, opts)
}

// WatchClient receives change events until the stream ends.
type WatchClient struct {
	grpc.ClientStream
}

func (x *WatchClient) Recv() (*WatchEvent, error) {
	m := new(WatchEvent)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *SyncClient) Watch(ctx context.Context, in *WatchRequest, opts ...grpc.CallOption) (*WatchClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &SyncServiceDesc.Streams[0], "/"+serviceName+"/Watch", opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &WatchClient{stream}, nil
}
