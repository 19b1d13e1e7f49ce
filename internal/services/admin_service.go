package services

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/topdesk-stats/internal/api"
	"github.com/miradorstack/topdesk-stats/internal/engine"
	"github.com/miradorstack/topdesk-stats/internal/models"
	"github.com/miradorstack/topdesk-stats/internal/utils"
)

// Registry is the part of engine.Registry the admin surface needs.
type Registry interface {
	TriggerRefresh(ctx context.Context, name string) (engine.Summary, error)
	Instances() []models.Instance
	Snapshot(instanceID string, category models.Category) (engine.State, error)
}

// AdminService implements the topdesk.v1.Admin gRPC service.
type AdminService struct {
	logger   *slog.Logger
	registry Registry
}

var _ api.AdminServer = (*AdminService)(nil)

// NewAdminService constructs the admin service facade.
func NewAdminService(logger *slog.Logger, registry Registry) *AdminService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminService{logger: logger, registry: registry}
}

// TriggerRefresh refreshes matching instances now and waits for the attempts. A filter
// matching nothing is not an error; the response carries no_match instead.
func (s *AdminService) TriggerRefresh(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.registry == nil {
		return nil, status.Error(codes.FailedPrecondition, "registry not configured")
	}
	name, err := api.FromTriggerRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	s.logger.Debug("TriggerRefresh called", slog.String("instance_name", name))
	summary, err := s.registry.TriggerRefresh(ctx, name)
	if err != nil && utils.KindOf(err) != utils.KindNoMatchingInstance {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, status.FromContextError(ctxErr).Err()
		}
		s.logger.Error("trigger refresh failed", slog.Any("error", err))
		return nil, status.Error(codes.Internal, "trigger refresh failed")
	}
	return encode(api.ToTriggerResponse(summary))
}

// ListInstances returns the registered instances without credentials.
func (s *AdminService) ListInstances(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.registry == nil {
		return nil, status.Error(codes.FailedPrecondition, "registry not configured")
	}
	return encode(api.ToInstancesResponse(s.registry.Instances()))
}

// GetSnapshot returns the last-good snapshot and last attempt outcome of one
// (instance, category).
func (s *AdminService) GetSnapshot(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.registry == nil {
		return nil, status.Error(codes.FailedPrecondition, "registry not configured")
	}
	instanceID, category, err := api.FromSnapshotRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	state, err := s.registry.Snapshot(instanceID, category)
	if err != nil {
		if errors.Is(err, engine.ErrUnknownInstance) || errors.Is(err, engine.ErrCategoryDisabled) {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		s.logger.Error("get snapshot failed", slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to read snapshot")
	}
	return encode(api.ToSnapshotResponse(state))
}

func encode(out *structpb.Struct, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response: "+err.Error())
	}
	return out, nil
}
