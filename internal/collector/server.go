package collector

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/metorial/sentinel-runner/internal/rpc"
)

type Server struct {
	rpc.UnimplementedScriptRunnerServer
	id       string
	executor *Executor
	describe func() (string, error)
	logger   *slog.Logger

	mu   sync.Mutex
	runs map[string]*run
}

func NewServer(id string, executor *Executor, logger *slog.Logger) *Server {
	return &Server{
		id:       id,
		executor: executor,
		describe: DescribeHost,
		logger:   logger,
		runs:     make(map[string]*run),
	}
}

func (s *Server) Invoke(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := rpc.InvokeRequestFrom(in)
	if req.CollectorID != "" && req.CollectorID != s.id {
		return nil, status.Errorf(codes.NotFound, "collector %s is not %s", s.id, req.CollectorID)
	}
	if req.Script == "" {
		return nil, status.Error(codes.InvalidArgument, "script is required")
	}

	r, err := s.executor.Start(req)
	if err != nil {
		return nil, status.Errorf(codes.FailedPrecondition, "start script: %v", err)
	}

	handle := uuid.New().String()
	s.mu.Lock()
	s.runs[handle] = r
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "script started",
		slog.String("handle", handle),
		slog.String("request_id", req.RequestID),
		slog.String("language", req.Language),
		slog.String("mode", req.Mode))

	return (&rpc.InvokeResponse{Handle: handle}).Struct()
}

func (s *Server) Poll(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.lookup(rpc.HandleRequestFrom(in).Handle)
	if err != nil {
		return nil, err
	}
	return r.snapshot().Struct()
}

func (s *Server) Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	handle := rpc.HandleRequestFrom(in).Handle
	r, err := s.lookup(handle)
	if err != nil {
		return nil, err
	}

	r.cancel()
	s.logger.InfoContext(ctx, "script cancelled", slog.String("handle", handle))
	return (&rpc.CancelResponse{Acknowledged: true}).Struct()
}

func (s *Server) Describe(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	desc, err := s.describe()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "describe host: %v", err)
	}
	return (&rpc.DescribeResponse{CollectorID: s.id, Description: desc}).Struct()
}

func (s *Server) lookup(handle string) (*run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[handle]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown handle %q", handle)
	}
	return r, nil
}

// Sweep forgets runs that finished more than retention ago.
func (s *Server) Sweep(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for handle, r := range s.runs {
		select {
		case <-r.done:
		default:
			continue
		}
		r.mu.Lock()
		old := r.finished.Before(cutoff)
		r.mu.Unlock()
		if old {
			delete(s.runs, handle)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep on interval until ctx is done.
func (s *Server) StartSweeper(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(retention); n > 0 {
				s.logger.Debug("swept finished runs", slog.Int("count", n))
			}
		}
	}
}

// RequireSession rejects ScriptRunner calls that do not carry a portal session token.
// Other services, such as grpc health, pass through.
func RequireSession(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if !strings.HasPrefix(info.FullMethod, "/"+rpc.ServiceName+"/") {
		return handler(ctx, req)
	}
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get(rpc.MetadataAuthorization)
	if len(values) == 0 || strings.TrimSpace(strings.TrimPrefix(values[0], "Bearer ")) == "" {
		return nil, status.Error(codes.Unauthenticated, "missing portal session")
	}
	return handler(ctx, req)
}
