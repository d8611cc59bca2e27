package grpc

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/budgetsync/internal/common"
	"github.com/dmitrijs2005/budgetsync/internal/server/services"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps sync errors to gRPC status codes. Anything unrecognized is
// an internal error and its text is not exposed.
func toStatus(err error) error {
	switch {
	case errors.Is(err, common.ErrForbidden), errors.Is(err, common.ErrUnauthorized):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, common.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, common.ErrConflictAlreadyResolved):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, common.ErrCursorInvalid):
		return status.Error(codes.OutOfRange, err.Error())
	case errors.Is(err, common.ErrRevisionMismatch):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, common.ErrInvalidChange):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, "internal error")
}

func (s *GRPCServer) fail(ctx context.Context, method string, err error) error {
	st := toStatus(err)
	if status.Code(st) == codes.Internal {
		s.logger.Error(ctx, method+" failed", "error", err)
	}
	return st
}

func (s *GRPCServer) Push(ctx context.Context, req *PushRequest) (*PushResponse, error) {
	caller, err := callerFromContext(ctx)
	if err != nil {
		return nil, err
	}
	outcomes, err := s.sync.Push(ctx, caller, req.Changes)
	if err != nil {
		return nil, s.fail(ctx, "push", err)
	}
	return &PushResponse{Outcomes: outcomes}, nil
}

func (s *GRPCServer) Pull(ctx context.Context, req *PullRequest) (*PullResponse, error) {
	caller, err := callerFromContext(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.sync.Pull(ctx, caller, services.PullRequest{
		Cursor:    req.Cursor,
		BudgetIDs: req.BudgetIDs,
		Limit:     req.Limit,
	})
	if err != nil {
		return nil, s.fail(ctx, "pull", err)
	}
	return res, nil
}

func (s *GRPCServer) Snapshot(ctx context.Context, req *SnapshotRequest) (*SnapshotResponse, error) {
	caller, err := callerFromContext(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.sync.Snapshot(ctx, caller, req.BudgetIDs)
	if err != nil {
		return nil, s.fail(ctx, "snapshot", err)
	}
	return res, nil
}

func (s *GRPCServer) ListConflicts(ctx context.Context, req *ListConflictsRequest) (*ListConflictsResponse, error) {
	caller, err := callerFromContext(ctx)
	if err != nil {
		return nil, err
	}
	list, err := s.sync.ListConflicts(ctx, caller, req.BudgetIDs)
	if err != nil {
		return nil, s.fail(ctx, "list conflicts", err)
	}
	return &ListConflictsResponse{Conflicts: list}, nil
}

func (s *GRPCServer) Resolve(ctx context.Context, req *ResolveRequest) (*ResolveResponse, error) {
	caller, err := callerFromContext(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.sync.Resolve(ctx, caller, services.ResolveRequest{
		ConflictID: req.ConflictID,
		Resolution: req.Resolution,
		Payload:    req.Payload,
	})
	if err != nil {
		return nil, s.fail(ctx, "resolve", err)
	}
	return res, nil
}

func (s *GRPCServer) Status(ctx context.Context, _ *StatusRequest) (*StatusResponse, error) {
	caller, err := callerFromContext(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.sync.Status(ctx, caller)
	if err != nil {
		return nil, s.fail(ctx, "status", err)
	}
	return res, nil
}

// Watch streams change events for the caller's budgets until the client
// goes away or the server stops.
func (s *GRPCServer) Watch(req *WatchRequest, stream SyncService_WatchServer) error {
	ctx := stream.Context()
	caller, err := callerFromContext(ctx)
	if err != nil {
		return err
	}
	sub, err := s.sync.Subscribe(ctx, caller, req.BudgetIDs)
	if err != nil {
		return s.fail(ctx, "watch", err)
	}
	defer s.sync.Events().Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return status.Error(codes.Unavailable, "server shutting down")
			}
			if err := stream.Send(&ev); err != nil {
				return err
			}
		}
	}
}
