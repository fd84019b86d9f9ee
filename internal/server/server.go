// Package server implements the gRPC conversation context service
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/convmemory/internal/logger"
	"github.com/nainya/convmemory/pkg/contextstore"
	"github.com/nainya/convmemory/pkg/conversation"
)

// Version is reported by Health
const Version = "1.0.0"

// Server exposes read-only inspection and on-demand maintenance of a Store
type Server struct {
	store     *contextstore.Store
	log       *logger.Logger
	startTime time.Time
}

// NewServer creates a new gRPC server instance
func NewServer(store *contextstore.Store, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		store:     store,
		log:       log,
		startTime: time.Now(),
	}
}

// ========== Context Inspection ==========

func (s *Server) GetContext(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sessionID, err := requireSessionID(req)
	if err != nil {
		return nil, err
	}

	cc, err := s.store.PeekContext(ctx, sessionID)
	if err != nil {
		return nil, toStatus(err, "failed to get context")
	}
	return toStruct(cc)
}

func (s *Server) DiagnoseContext(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sessionID, err := requireSessionID(req)
	if err != nil {
		return nil, err
	}

	diagnosis, err := s.store.DiagnoseContext(ctx, sessionID)
	if err != nil {
		return nil, toStatus(err, "failed to diagnose context")
	}
	return toStruct(diagnosis)
}

func (s *Server) GetRelevantContext(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sessionID, err := requireSessionID(req)
	if err != nil {
		return nil, err
	}
	query := stringField(req, "query")
	if query == "" {
		return nil, status.Error(codes.InvalidArgument, "query is required")
	}
	limit := int(numberField(req, "limit"))
	if limit < 0 {
		return nil, status.Error(codes.InvalidArgument, "limit must not be negative")
	}

	scores, err := s.store.GetRelevantContext(ctx, sessionID, query, limit)
	if err != nil {
		return nil, toStatus(err, "failed to retrieve context")
	}
	return toStruct(map[string]any{"scores": scores})
}

// ========== Storage ==========

func (s *Server) MemoryUsage(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	usage, err := s.store.MemoryUsage(ctx)
	if err != nil {
		return nil, toStatus(err, "failed to compute memory usage")
	}
	return toStruct(usage)
}

func (s *Server) RunMaintenance(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	expired, err := s.store.CleanupExpiredContexts(ctx)
	if err != nil {
		return nil, toStatus(err, "failed to clean up expired contexts")
	}
	report, err := s.store.OptimizeStorage(ctx)
	if err != nil {
		return nil, toStatus(err, "failed to optimize storage")
	}
	return toStruct(map[string]any{
		"expiredContexts": expired,
		"optimization":    report,
	})
}

// ========== Health & Status ==========

func (s *Server) Health(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"healthy":       true,
		"version":       Version,
		"uptimeSeconds": int64(time.Since(s.startTime).Seconds()),
	})
}

// ========== Conversion ==========

func requireSessionID(req *structpb.Struct) (string, error) {
	sessionID := stringField(req, "sessionId")
	if sessionID == "" {
		return "", status.Error(codes.InvalidArgument, "sessionId is required")
	}
	return sessionID, nil
}

func stringField(req *structpb.Struct, name string) string {
	return req.GetFields()[name].GetStringValue()
}

func numberField(req *structpb.Struct, name string) float64 {
	return req.GetFields()[name].GetNumberValue()
}

// toStruct converts a JSON-tagged value into a protobuf Struct
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

// toStatus maps engine errors onto gRPC status codes
func toStatus(err error, msg string) error {
	code := codes.Internal
	switch {
	case errors.Is(err, conversation.ErrContextNotFound):
		code = codes.NotFound
	case errors.Is(err, contextstore.ErrEmptySessionID), errors.Is(err, conversation.ErrTurnNotFound):
		code = codes.InvalidArgument
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, fmt.Sprintf("%s: %v", msg, err))
}
