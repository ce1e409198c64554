package backend

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"procodus.dev/biosync/internal/device"
	"procodus.dev/biosync/internal/model"
	"procodus.dev/biosync/internal/syncer"
	"procodus.dev/biosync/pkg/metrics"
)

// SyncServiceName is the fully qualified gRPC service name.
const SyncServiceName = "biosync.v1.SyncService"

// SyncService is the gRPC surface of the sync pipeline. Messages are
// google.protobuf.Struct values carrying the same JSON shapes as the HTTP API.
type SyncService interface {
	TriggerSync(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetDeviceStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// SyncServiceImpl implements SyncService on an orchestrator.
type SyncServiceImpl struct {
	logger       *slog.Logger
	orchestrator *syncer.Orchestrator
	metrics      *metrics.BackendMetrics // Optional metrics
}

var _ SyncService = (*SyncServiceImpl)(nil)

// NewSyncService creates a new SyncServiceImpl instance.
func NewSyncService(logger *slog.Logger, orchestrator *syncer.Orchestrator, m *metrics.BackendMetrics) (*SyncServiceImpl, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if orchestrator == nil {
		return nil, errors.New("orchestrator cannot be nil")
	}

	return &SyncServiceImpl{
		logger:       logger.With("component", "grpc"),
		orchestrator: orchestrator,
		metrics:      m,
	}, nil
}

// TriggerSync runs a manual pass. Request fields: tenant_id (required),
// device_id, lookback_minutes.
func (s *SyncServiceImpl) TriggerSync(ctx context.Context, req *structpb.Struct) (_ *structpb.Struct, err error) {
	defer grpcObserver(s.metrics, "TriggerSync")(&err)

	tenantID := stringField(req, "tenant_id")
	if tenantID == "" {
		return nil, status.Error(codes.InvalidArgument, "tenant_id cannot be empty")
	}
	lookback := numberField(req, "lookback_minutes")
	if lookback < 0 {
		return nil, status.Error(codes.InvalidArgument, "lookback_minutes cannot be negative")
	}

	summary, err := s.orchestrator.Run(ctx, syncer.Request{
		TenantID: tenantID,
		DeviceID: stringField(req, "device_id"),
		Trigger:  syncer.TriggerManual,
		Lookback: time.Duration(lookback * float64(time.Minute)),
	})
	if err != nil {
		s.logger.Error("sync pass failed", "tenant_id", tenantID, "error", err)
		return nil, toStatus(err)
	}

	s.logger.Info("sync pass triggered",
		"tenant_id", tenantID,
		"pass_id", summary.ID,
		"devices_attempted", summary.DevicesAttempted,
	)
	return toStruct(summary)
}

// GetDeviceStatus returns {"devices": [...]} for tenant_id.
func (s *SyncServiceImpl) GetDeviceStatus(ctx context.Context, req *structpb.Struct) (_ *structpb.Struct, err error) {
	defer grpcObserver(s.metrics, "GetDeviceStatus")(&err)

	tenantID := stringField(req, "tenant_id")
	if tenantID == "" {
		return nil, status.Error(codes.InvalidArgument, "tenant_id cannot be empty")
	}

	statuses, err := s.orchestrator.Status(ctx, tenantID)
	if err != nil {
		s.logger.Error("failed to fetch device status", "tenant_id", tenantID, "error", err)
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"devices": statuses})
}

// RegisterSyncService registers svc on server.
func RegisterSyncService(server grpc.ServiceRegistrar, svc SyncService) {
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: SyncServiceName,
		HandlerType: (*SyncService)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "TriggerSync",
				Handler:    unaryHandler("TriggerSync", svc.TriggerSync),
			},
			{
				MethodName: "GetDeviceStatus",
				Handler:    unaryHandler("GetDeviceStatus", svc.GetDeviceStatus),
			},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "biosync/v1/sync.proto",
	}, svc)
}

type structMethod func(context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call structMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := &structpb.Struct{}
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(ctx, req)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + SyncServiceName + "/" + method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			typed, ok := req.(*structpb.Struct)
			if !ok {
				return nil, status.Error(codes.InvalidArgument, "invalid request type")
			}
			return call(ctx, typed)
		}
		return interceptor(ctx, req, info, handler)
	}
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, model.ErrConflict):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, model.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, device.ErrTransport), errors.Is(err, device.ErrAuthentication):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Errorf(codes.Internal, "internal error: %v", err)
	}
}

// toStruct converts v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "build response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, status.Errorf(codes.Internal, "build response: %v", err)
	}
	return out, nil
}

func stringField(s *structpb.Struct, key string) string {
	if v := s.GetFields()[key]; v != nil {
		return v.GetStringValue()
	}
	return ""
}

func numberField(s *structpb.Struct, key string) float64 {
	if v := s.GetFields()[key]; v != nil {
		return v.GetNumberValue()
	}
	return 0
}
