// ============================================================================
// agentfleet control plane
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: gRPC control service over a running fleet.
//
// The service is declared by hand: every method takes and returns a
// google.protobuf.Struct, so no generated stubs are needed and clients can
// be written with nothing but grpc.ClientConn.Invoke.
//
//   /agentfleet.v1.Control/SubmitMessage  {content, project_id, ...} -> {message_id}
//   /agentfleet.v1.Control/PoolStats      {}                         -> PoolStats
//   /agentfleet.v1.Control/Interrupt      {task_id, reason}          -> {task_id}
//   /agentfleet.v1.Control/Resume         {task_id}                  -> {task_id, status, node}
//   /agentfleet.v1.Control/TaskStatus     {task_id}                  -> {task, workflow?}
//
// The standard grpc.health.v1 service is registered next to it.
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/agentfleet/internal/bus"
	"github.com/ChuLiYu/agentfleet/internal/orchestrator"
	"github.com/ChuLiYu/agentfleet/internal/tasks"
	"github.com/ChuLiYu/agentfleet/internal/workflow"
	"github.com/ChuLiYu/agentfleet/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "agentfleet.v1.Control"

// Method names.
const (
	MethodSubmitMessage = "SubmitMessage"
	MethodPoolStats     = "PoolStats"
	MethodInterrupt     = "Interrupt"
	MethodResume        = "Resume"
	MethodTaskStatus    = "TaskStatus"
)

// Fleet is the part of the orchestrator the control service drives.
type Fleet interface {
	Submit(ctx context.Context, msg types.Message) (types.Message, error)
	PoolStats(ctx context.Context) (types.PoolStats, error)
	Interrupt(ctx context.Context, id, reason string) error
	Resume(ctx context.Context, id string) (*workflow.Instance, error)
	TaskStatus(ctx context.Context, id string) (orchestrator.TaskView, error)
}

// ControlServer is the handler type of ServiceDesc.
type ControlServer interface {
	SubmitMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	PoolStats(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Interrupt(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Resume(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	TaskStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the control service to grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodSubmitMessage, ControlServer.SubmitMessage),
		unary(MethodPoolStats, ControlServer.PoolStats),
		unary(MethodInterrupt, ControlServer.Interrupt),
		unary(MethodResume, ControlServer.Resume),
		unary(MethodTaskStatus, ControlServer.TaskStatus),
	},
	Metadata: "agentfleet/v1/control.proto",
}

type structCall func(ControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call structCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// FullMethod returns the RPC path of a method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// Service implements ControlServer on top of a Fleet.
type Service struct {
	fleet Fleet
	log   *slog.Logger
}

// NewService creates the control service.
func NewService(fleet Fleet, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{fleet: fleet, log: logger.With("component", "control")}
}

// Register adds the control and health services to gs.
func (s *Service) Register(gs *grpc.Server) *health.Server {
	gs.RegisterService(&ServiceDesc, s)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return hs
}

func (s *Service) SubmitMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var msg types.Message
	if err := decode(in, &msg); err != nil {
		return nil, err
	}
	msg, err := s.fleet.Submit(ctx, msg)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"message_id": msg.ID, "project_id": msg.ProjectID})
}

func (s *Service) PoolStats(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	stats, err := s.fleet.PoolStats(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(stats)
}

type taskRequest struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

func (s *Service) taskRequest(in *structpb.Struct) (taskRequest, error) {
	var req taskRequest
	if err := decode(in, &req); err != nil {
		return req, err
	}
	if req.TaskID == "" {
		return req, status.Error(codes.InvalidArgument, "task_id is required")
	}
	return req, nil
}

func (s *Service) Interrupt(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := s.taskRequest(in)
	if err != nil {
		return nil, err
	}
	if err := s.fleet.Interrupt(ctx, req.TaskID, req.Reason); err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"task_id": req.TaskID})
}

func (s *Service) Resume(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := s.taskRequest(in)
	if err != nil {
		return nil, err
	}
	inst, err := s.fleet.Resume(ctx, req.TaskID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"task_id": req.TaskID, "status": inst.Status, "node": inst.CurrentNode})
}

func (s *Service) TaskStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := s.taskRequest(in)
	if err != nil {
		return nil, err
	}
	view, err := s.fleet.TaskStatus(ctx, req.TaskID)
	if err != nil {
		return nil, toStatus(err)
	}
	out := map[string]any{"task": view.Task}
	if inst := view.Workflow; inst != nil {
		out["workflow"] = map[string]any{
			"graph":    inst.GraphID,
			"node":     inst.CurrentNode,
			"status":   inst.Status,
			"error":    inst.Error,
			"counters": inst.Counters,
		}
	}
	return encode(out)
}

// ============================================================================
// Serving
// ============================================================================

// Serve listens on addr and serves the control plane until ctx is done.
func Serve(ctx context.Context, addr string, fleet Fleet, logger *slog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return ServeListener(ctx, lis, fleet, logger)
}

// ServeListener serves on an existing listener until ctx is done.
func ServeListener(ctx context.Context, lis net.Listener, fleet Fleet, logger *slog.Logger) error {
	svc := NewService(fleet, logger)
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(svc.logCalls))
	hs := svc.Register(gs)

	go func() {
		<-ctx.Done()
		hs.Shutdown()
		gs.GracefulStop()
	}()
	svc.log.Info("control plane listening", "addr", lis.Addr().String())
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *Service) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.log.Warn("rpc failed", "method", info.FullMethod, "code", status.Code(err), "error", err)
	} else {
		s.log.Debug("rpc", "method", info.FullMethod, "duration", time.Since(start))
	}
	return resp, err
}

// ============================================================================
// Helpers
// ============================================================================

// encode converts any JSON-serializable value into a Struct.
func encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// decode fills v from a Struct through its JSON form.
func decode(in *structpb.Struct, v any) error {
	data, err := json.Marshal(in.AsMap())
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	return nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidMessage):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, tasks.ErrTaskNotFound), errors.Is(err, workflow.ErrInstanceNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, orchestrator.ErrNotPaused), errors.Is(err, workflow.ErrInstanceFinished):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, workflow.ErrInstanceBusy):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, bus.ErrPublishFailed), errors.Is(err, bus.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
