package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"log"
	"net"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"deltadb/api/proto"
	"deltadb/internal/engine"
	"deltadb/pkg/metrics"
)

// ProcWorkerServer serves the Process RPC on a Processing Worker. Requests
// arrive pre-authorized from the Main Worker carrying this worker's own
// session token; anything else is rejected before the engine runs.
type ProcWorkerServer struct {
	proto.UnimplementedMainWorkerServer

	worker  *ProcWorker
	engine  *engine.Engine
	metrics *metrics.ProcWorkerMetrics
}

// NewProcWorkerServer creates a ProcWorkerServer over the given engine.
func NewProcWorkerServer(worker *ProcWorker, eng *engine.Engine, m *metrics.ProcWorkerMetrics) *ProcWorkerServer {
	return &ProcWorkerServer{
		worker:  worker,
		engine:  eng,
		metrics: m,
	}
}

// Subscribe is served only by the Main Worker.
func (s *ProcWorkerServer) Subscribe(_ context.Context, _ *proto.SubscribeRequest) (*proto.SubscribeResponse, error) {
	return nil, status.Error(codes.Unimplemented, "Subscribe is not handled by the Processing Worker")
}

// checkToken verifies the request token against the worker's session token.
func (s *ProcWorkerServer) checkToken(token string) error {
	own := s.worker.Token()
	if own == "" {
		return status.Error(codes.Unavailable, "worker has not completed its subscription")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(own)) != 1 {
		return status.Error(codes.Unauthenticated, "invalid token")
	}
	return nil
}

// engineStatus maps engine sentinels to gRPC status errors. Internal causes
// are logged by the engine path, never echoed to the caller.
func engineStatus(err error) error {
	switch {
	case errors.Is(err, engine.ErrBadInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, engine.ErrNotFound):
		return status.Error(codes.NotFound, "entity not found")
	case errors.Is(err, engine.ErrNoKey):
		return status.Error(codes.Unavailable, "worker is not ready")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request cancelled")
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

// Process handles GET and PUT for one entity.
func (s *ProcWorkerServer) Process(ctx context.Context, req *proto.ProcessRequest) (*proto.ProcessResponse, error) {
	op := req.GetOperation()
	start := time.Now()
	outcome := "ok"
	defer func() {
		s.metrics.ProcessRequestsTotal.WithLabelValues(op, outcome).Inc()
		s.metrics.ProcessDurationSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
		stats := s.engine.CacheStats()
		s.metrics.CacheSize.Set(float64(stats.Size))
		s.metrics.CacheHits.Set(float64(stats.Hits))
		s.metrics.CacheMisses.Set(float64(stats.Misses))
	}()

	if err := s.checkToken(req.GetToken()); err != nil {
		outcome = "unauthenticated"
		return nil, err
	}

	database := req.GetDatabaseName()
	key := req.GetEntityKey()
	if database == "" || key == "" {
		outcome = "invalid"
		return nil, status.Error(codes.InvalidArgument, "database_name and entity_key are required")
	}

	switch op {
	case "GET":
		plaintext, version, err := s.engine.Get(ctx, database, key)
		if err != nil {
			outcome = "error"
			if errors.Is(err, engine.ErrInternal) {
				log.Printf("[%s] GET %s_%s failed: %v", s.worker.config.WorkerID, database, key, err)
			}
			return nil, engineStatus(err)
		}
		return &proto.ProcessResponse{
			Status:  "OK",
			Result:  plaintext,
			Version: strconv.Itoa(version),
		}, nil

	case "PUT":
		version, err := s.engine.Put(ctx, database, key, req.GetSchemaId(), req.GetPayload())
		if err != nil {
			outcome = "error"
			if errors.Is(err, engine.ErrInternal) {
				log.Printf("[%s] PUT %s_%s failed: %v", s.worker.config.WorkerID, database, key, err)
			}
			return nil, engineStatus(err)
		}
		return &proto.ProcessResponse{
			Status:  "OK",
			Version: strconv.Itoa(version),
		}, nil

	default:
		outcome = "invalid"
		return nil, status.Errorf(codes.InvalidArgument,
			"unsupported operation %q: must be GET or PUT", op)
	}
}

// Serve starts the gRPC server on addr and blocks until it exits.
func (s *ProcWorkerServer) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	maxMsg := s.worker.config.MaxRecvMsgSize
	if maxMsg <= 0 {
		maxMsg = 4 * 1024 * 1024
	}

	srv := grpc.NewServer(
		grpc.ForceServerCodec(proto.JSONCodec{}),
		grpc.MaxRecvMsgSize(maxMsg),
	)
	proto.RegisterMainWorkerServer(srv, s)

	log.Printf("[%s] gRPC server listening on %s", s.worker.config.WorkerID, lis.Addr())
	return srv.Serve(lis)
}
