package main

import (
	"context"
	"errors"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"deltadb/api/proto"
	"deltadb/internal/auth"
	"deltadb/internal/engine"
	"deltadb/internal/routing"
	"deltadb/pkg/crypto"
	"deltadb/pkg/metrics"
	"deltadb/pkg/schema"
)

// MainWorkerServer implements the deltadb.MainWorker gRPC service: the
// Subscribe handshake for Processing Workers and the Process RPC, which is
// forwarded to a subscribed worker or served by the colocated engine.
type MainWorkerServer struct {
	proto.UnimplementedMainWorkerServer

	masterKey []byte
	keyID     string
	adminKey  string

	keys     *auth.KeyManager
	tokens   *auth.TokenManager
	registry *routing.Registry
	schemas  *schema.Registry
	metrics  *metrics.MainWorkerMetrics

	// colocated serves Process locally when no worker is subscribed. Nil
	// when the fallback is disabled.
	colocated *engine.Engine

	mu sync.Mutex
	// forwardTokens maps worker_id to the session token the worker expects
	// on forwarded calls. Kept out of the registry so the admin view never
	// carries tokens.
	forwardTokens map[string]string
	// conns caches gRPC client connections per worker address.
	conns map[string]*grpc.ClientConn

	maxRecvMsgSize int
}

// MainConfig holds the Main Worker's server configuration.
type MainConfig struct {
	MasterKey      []byte
	KeyID          string
	AdminKey       string
	MaxRecvMsgSize int
}

// NewMainWorkerServer assembles the gRPC server. colocated may be nil.
func NewMainWorkerServer(cfg MainConfig, keys *auth.KeyManager, tokens *auth.TokenManager,
	registry *routing.Registry, schemas *schema.Registry, colocated *engine.Engine,
	m *metrics.MainWorkerMetrics) *MainWorkerServer {
	return &MainWorkerServer{
		masterKey:      cfg.MasterKey,
		keyID:          cfg.KeyID,
		adminKey:       cfg.AdminKey,
		keys:           keys,
		tokens:         tokens,
		registry:       registry,
		schemas:        schemas,
		metrics:        m,
		colocated:      colocated,
		forwardTokens:  make(map[string]string),
		conns:          make(map[string]*grpc.ClientConn),
		maxRecvMsgSize: cfg.MaxRecvMsgSize,
	}
}

// Subscribe registers a Processing Worker: validates its public key, wraps
// the master key to it, issues a session token, and records it as Available.
func (s *MainWorkerServer) Subscribe(_ context.Context, req *proto.SubscribeRequest) (*proto.SubscribeResponse, error) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		s.metrics.SubscribeRequestsTotal.WithLabelValues(outcome).Inc()
		s.metrics.SubscribeDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	workerID := req.GetWorkerId()
	if workerID == "" {
		outcome = "invalid"
		return nil, status.Error(codes.InvalidArgument, "worker_id is required")
	}

	pubKey, err := crypto.ParsePublicKeyFromPEM(req.GetPubkey())
	if err != nil {
		outcome = "invalid"
		return nil, status.Error(codes.InvalidArgument, "invalid public key")
	}

	wrappedKey, err := crypto.WrapKey(pubKey, s.masterKey)
	if err != nil {
		if errors.Is(err, crypto.ErrInvalidPublicKey) {
			outcome = "invalid"
			return nil, status.Error(codes.InvalidArgument, "public key too small")
		}
		outcome = "error"
		log.Printf("Subscribe: key wrap for %s failed: %v", workerID, err)
		return nil, status.Error(codes.Internal, "internal error")
	}

	token, err := s.tokens.GenerateWorkerToken(workerID, s.keyID, req.GetTags())
	if err != nil {
		outcome = "error"
		log.Printf("Subscribe: token generation for %s failed: %v", workerID, err)
		return nil, status.Error(codes.Internal, "internal error")
	}

	if _, err := s.registry.Register(workerID, s.keyID, wrappedKey, req.GetTags()); err != nil {
		// The token was minted before registration; a rejected worker must
		// not keep a usable credential.
		s.tokens.RevokeWorkerToken(token.Token)
		if errors.Is(err, routing.ErrRegistryFull) {
			outcome = "full"
			return nil, status.Error(codes.ResourceExhausted, "worker registry is full")
		}
		outcome = "invalid"
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	s.mu.Lock()
	s.forwardTokens[workerID] = token.Token
	s.mu.Unlock()

	s.updateWorkerGauges()
	log.Printf("Subscribe: worker %s registered (key_id=%s)", workerID, s.keyID)

	return &proto.SubscribeResponse{
		Token:      token.Token,
		WrappedKey: wrappedKey,
		KeyId:      s.keyID,
	}, nil
}

// authorizeProcess checks the token on an inbound Process call. Worker
// tokens, the admin boot key, AuthKey secrets, and session tokens are all
// acceptable; the required permission depends on the operation.
func (s *MainWorkerServer) authorizeProcess(token, operation string) error {
	perm := auth.PermRead
	if operation == "PUT" {
		perm = auth.PermWrite
	}

	if token == "" {
		return status.Error(codes.Unauthenticated, "token is required")
	}
	if s.adminKey != "" && token == s.adminKey {
		return nil
	}
	if wt, err := s.tokens.ValidateWorkerToken(token); err == nil {
		// A token only authorizes while its worker is still live in the
		// registry; once the record ages out to Gone the worker must
		// re-subscribe.
		if rec, ok := s.registry.Get(wt.WorkerID); ok && rec.Status != routing.StatusGone {
			return nil
		}
		return status.Error(codes.Unauthenticated, "invalid token")
	}
	if key, err := s.keys.ValidateKey(token); err == nil {
		if !key.HasPermission(perm) {
			return status.Error(codes.PermissionDenied, "insufficient permissions")
		}
		return nil
	}
	if ct, err := s.tokens.ValidateClientToken(token); err == nil {
		for _, p := range ct.Permissions {
			if p == auth.PermAdmin || p == perm {
				return nil
			}
		}
		return status.Error(codes.PermissionDenied, "insufficient permissions")
	}
	return status.Error(codes.Unauthenticated, "invalid token")
}

// Process authorizes the call and routes it to a Processing Worker, or to
// the colocated engine when none is available.
func (s *MainWorkerServer) Process(ctx context.Context, req *proto.ProcessRequest) (*proto.ProcessResponse, error) {
	op := req.GetOperation()
	start := time.Now()
	outcome := "ok"
	defer func() {
		s.metrics.ProcessRequestsTotal.WithLabelValues(op, outcome).Inc()
		s.metrics.ProcessDurationSeconds.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
		if s.colocated != nil {
			stats := s.colocated.CacheStats()
			s.metrics.EntityCacheSize.Set(float64(stats.Size))
			s.metrics.EntityCacheHits.Set(float64(stats.Hits))
			s.metrics.EntityCacheMisses.Set(float64(stats.Misses))
		}
	}()

	if op != "GET" && op != "PUT" {
		outcome = "invalid"
		return nil, status.Errorf(codes.InvalidArgument, "unsupported operation %q: must be GET or PUT", op)
	}
	if err := s.authorizeProcess(req.GetToken(), op); err != nil {
		outcome = "unauthenticated"
		return nil, err
	}

	resp, err := s.route(ctx, req)
	if err != nil {
		outcome = "error"
		return nil, err
	}
	return resp, nil
}

// route picks an Available worker round-robin and forwards the call. A
// forward failure marks the worker Degraded; the colocated engine is the
// fallback of last resort.
func (s *MainWorkerServer) route(ctx context.Context, req *proto.ProcessRequest) (*proto.ProcessResponse, error) {
	rec, err := s.registry.Next()
	if err == nil {
		resp, ferr := s.forward(ctx, rec, req)
		if ferr == nil {
			s.registry.Touch(rec.WorkerID)
			s.updateWorkerGauges()
			return resp, nil
		}
		// Status errors from the worker's own pipeline pass through
		// untouched; only transport failures degrade the worker.
		if st, ok := status.FromError(ferr); ok && st.Code() != codes.Unavailable {
			s.registry.Touch(rec.WorkerID)
			return nil, ferr
		}
		log.Printf("Process: forward to %s failed: %v", rec.WorkerID, ferr)
		s.registry.MarkDegraded(rec.WorkerID)
		s.updateWorkerGauges()
	}

	if s.colocated != nil {
		return s.processLocal(ctx, req)
	}
	return nil, status.Error(codes.Unavailable, "no available workers")
}

// forward relays the request to the worker's own gRPC server, substituting
// the worker's session token for the caller's credential.
func (s *MainWorkerServer) forward(ctx context.Context, rec routing.WorkerRecord, req *proto.ProcessRequest) (*proto.ProcessResponse, error) {
	addr := rec.Tags["grpc_addr"]
	if addr == "" {
		return nil, status.Error(codes.Unavailable, "worker has no reachable address")
	}

	s.mu.Lock()
	token := s.forwardTokens[rec.WorkerID]
	conn, ok := s.conns[addr]
	s.mu.Unlock()

	if !ok {
		newConn, err := grpc.NewClient(addr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.ForceCodec(proto.JSONCodec{})),
		)
		if err != nil {
			return nil, status.Error(codes.Unavailable, "worker unreachable")
		}
		s.mu.Lock()
		if existing, raced := s.conns[addr]; raced {
			newConn.Close() //nolint:errcheck
			conn = existing
		} else {
			s.conns[addr] = newConn
			conn = newConn
		}
		s.mu.Unlock()
	}

	fwd := &proto.ProcessRequest{
		DatabaseName: req.GetDatabaseName(),
		EntityKey:    req.GetEntityKey(),
		SchemaId:     req.GetSchemaId(),
		Operation:    req.GetOperation(),
		Payload:      req.GetPayload(),
		Token:        token,
	}
	return proto.NewMainWorkerClient(conn).Process(ctx, fwd)
}

// processLocal serves the request from the colocated engine.
func (s *MainWorkerServer) processLocal(ctx context.Context, req *proto.ProcessRequest) (*proto.ProcessResponse, error) {
	database := req.GetDatabaseName()
	key := req.GetEntityKey()
	if database == "" || key == "" {
		return nil, status.Error(codes.InvalidArgument, "database_name and entity_key are required")
	}

	switch req.GetOperation() {
	case "GET":
		plaintext, version, err := s.colocated.Get(ctx, database, key)
		if err != nil {
			return nil, s.localStatus(err, "GET", database, key)
		}
		return &proto.ProcessResponse{Status: "OK", Result: plaintext, Version: strconv.Itoa(version)}, nil
	default:
		version, err := s.colocated.Put(ctx, database, key, req.GetSchemaId(), req.GetPayload())
		if err != nil {
			return nil, s.localStatus(err, "PUT", database, key)
		}
		return &proto.ProcessResponse{Status: "OK", Version: strconv.Itoa(version)}, nil
	}
}

func (s *MainWorkerServer) localStatus(err error, op, database, key string) error {
	switch {
	case errors.Is(err, engine.ErrBadInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, engine.ErrNotFound):
		return status.Error(codes.NotFound, "entity not found")
	case errors.Is(err, engine.ErrNoKey):
		return status.Error(codes.Unavailable, "no available workers")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request cancelled")
	default:
		log.Printf("Process: colocated %s %s_%s failed: %v", op, database, key, err)
		return status.Error(codes.Internal, "internal error")
	}
}

// updateWorkerGauges refreshes the registry and token gauges.
func (s *MainWorkerServer) updateWorkerGauges() {
	registered, available := s.registry.Counts()
	s.metrics.RegisteredWorkers.Set(float64(registered))
	s.metrics.AvailableWorkers.Set(float64(available))
	workers, clients := s.tokens.Counts()
	s.metrics.ActiveWorkerTokens.Set(float64(workers))
	s.metrics.ActiveClientTokens.Set(float64(clients))
}

// Serve starts the gRPC listener on addr and blocks until it exits.
func (s *MainWorkerServer) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	maxMsg := s.maxRecvMsgSize
	if maxMsg <= 0 {
		maxMsg = 4 * 1024 * 1024
	}

	srv := grpc.NewServer(
		grpc.ForceServerCodec(proto.JSONCodec{}),
		grpc.MaxRecvMsgSize(maxMsg),
	)
	proto.RegisterMainWorkerServer(srv, s)

	log.Printf("Main Worker gRPC server listening on %s", lis.Addr())
	return srv.Serve(lis)
}
