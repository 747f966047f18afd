package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"deltadb/api/proto"
	"deltadb/internal/auth"
	"deltadb/pkg/fs"
)

const (
	// maxBodyBytes is the REST request body limit.
	maxBodyBytes = 1 << 20

	// maxJSONDepth bounds JSON nesting so depth bombs fail with 400
	// instead of exhausting the stack.
	maxJSONDepth = 64

	// requestTimeout is the deadline propagated to forwarded RPCs.
	requestTimeout = 10 * time.Second
)

// RESTServer is the Main Worker's HTTP front-end. It authenticates
// requests, enforces per-endpoint permissions and body limits, and hands
// entity traffic to the gRPC routing layer.
type RESTServer struct {
	srv *MainWorkerServer
}

// NewRESTServer creates the REST front-end over the gRPC server's state.
func NewRESTServer(srv *MainWorkerServer) *RESTServer {
	return &RESTServer{srv: srv}
}

// principal is the authenticated identity of one REST request.
type principal struct {
	keyID       string
	permissions []auth.Permission
}

func (p *principal) has(perm auth.Permission) bool {
	for _, granted := range p.permissions {
		if granted == auth.PermAdmin || granted == perm {
			return true
		}
	}
	return false
}

// errorBody is the uniform error response shape. Messages stay generic:
// no paths, no tokens, no stack fragments.
type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("REST: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg})
}

// httpStatusFromRPC maps a routing-layer error to the HTTP status for the
// REST response.
func httpStatusFromRPC(err error) (int, string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "deadline exceeded"
	}
	st, ok := status.FromError(err)
	if !ok {
		return http.StatusInternalServerError, "internal error"
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return http.StatusBadRequest, st.Message()
	case codes.Unauthenticated:
		return http.StatusUnauthorized, "unauthorized"
	case codes.PermissionDenied:
		return http.StatusForbidden, "forbidden"
	case codes.NotFound:
		return http.StatusNotFound, "not found"
	case codes.ResourceExhausted:
		return http.StatusRequestEntityTooLarge, "payload too large"
	case codes.Aborted:
		return http.StatusConflict, "conflict"
	case codes.Unavailable:
		return http.StatusServiceUnavailable, "no available workers"
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout, "deadline exceeded"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// extractBearerToken parses the Authorization header strictly: exactly one
// "Bearer " prefix, a non-empty printable-ASCII token, nothing else.
func extractBearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := header[len(prefix):]
	if token == "" || strings.HasPrefix(token, prefix) {
		return "", false
	}
	for _, c := range token {
		if c <= 0x20 || c > 0x7e {
			return "", false
		}
	}
	return token, true
}

// authenticate resolves a bearer token to a principal. Worker tokens are
// scoped to the Process RPC and never authorize REST endpoints.
func (rs *RESTServer) authenticate(r *http.Request) (*principal, bool) {
	token, ok := extractBearerToken(r)
	if !ok {
		return nil, false
	}
	if rs.srv.adminKey != "" && token == rs.srv.adminKey {
		return &principal{keyID: "admin", permissions: auth.AllPermissions}, true
	}
	if key, err := rs.srv.keys.ValidateKey(token); err == nil {
		return &principal{keyID: key.ID, permissions: key.Permissions}, true
	}
	if ct, err := rs.srv.tokens.ValidateClientToken(token); err == nil {
		return &principal{keyID: ct.KeyID, permissions: ct.Permissions}, true
	}
	return nil, false
}

// require authenticates and checks one permission, writing the error
// response itself on failure.
func (rs *RESTServer) require(w http.ResponseWriter, r *http.Request, perm auth.Permission) (*principal, bool) {
	p, ok := rs.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	if !p.has(perm) {
		writeError(w, http.StatusForbidden, "forbidden")
		return nil, false
	}
	return p, true
}

// readBody reads the request body under the 1 MiB cap. A *http.MaxBytesError
// maps to 413.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		} else {
			writeError(w, http.StatusBadRequest, "failed to read request body")
		}
		return nil, false
	}
	return body, true
}

// checkJSONDepth walks the token stream and rejects documents nested deeper
// than maxJSONDepth.
func checkJSONDepth(data []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			// Syntax errors surface at the parse step; only depth is
			// checked here.
			return nil
		}
		if delim, ok := tok.(json.Delim); ok {
			switch delim {
			case '{', '[':
				depth++
				if depth > maxJSONDepth {
					return fmt.Errorf("JSON nested deeper than %d levels", maxJSONDepth)
				}
			case '}', ']':
				depth--
			}
		}
	}
}

// Handler builds the REST routing table.
func (rs *RESTServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", rs.instrument("/health", rs.handleHealth))
	mux.HandleFunc("/api/login", rs.instrument("/api/login", rs.handleLogin))
	mux.HandleFunc("/api/keys", rs.instrument("/api/keys", rs.handleKeys))
	mux.HandleFunc("/api/keys/", rs.instrument("/api/keys/:id", rs.handleKeyByID))
	mux.HandleFunc("/admin/workers", rs.instrument("/admin/workers", rs.handleWorkers))
	mux.HandleFunc("/admin/stats", rs.instrument("/admin/stats", rs.handleStats))
	mux.HandleFunc("/admin/schemas", rs.instrument("/admin/schemas", rs.handleSchemaList))
	mux.HandleFunc("/schema/", rs.instrument("/schema/:id", rs.handleSchema))
	mux.HandleFunc("/entity/", rs.instrument("/entity/:db", rs.handleEntity))
	return mux
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.code = code
	sr.ResponseWriter.WriteHeader(code)
}

// instrument wraps a handler with request counting and latency metrics,
// labelled by a normalised path so IDs do not explode cardinality.
func (rs *RESTServer) instrument(path string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r)
		rs.srv.metrics.HTTPRequestsTotal.
			WithLabelValues(r.Method, path, fmt.Sprintf("%d", rec.code)).Inc()
		rs.srv.metrics.HTTPDurationSeconds.
			WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	}
}

// handleHealth serves the liveness probe. The body is a fixed literal.
func (rs *RESTServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

// handleLogin exchanges an API key secret for a session token.
func (rs *RESTServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var req struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "body must be a JSON object with a \"key\" field")
		return
	}

	var keyID string
	var perms []auth.Permission
	if rs.srv.adminKey != "" && req.Key == rs.srv.adminKey {
		keyID, perms = "admin", auth.AllPermissions
	} else if key, err := rs.srv.keys.ValidateKey(req.Key); err == nil {
		keyID, perms = key.ID, key.Permissions
	} else {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	token, err := rs.srv.tokens.GenerateClientToken(keyID, perms)
	if err != nil {
		log.Printf("REST: login token generation failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":       token.Token,
		"permissions": perms,
		"expires_at":  token.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// keyView is the /api/keys list representation; secrets are not part of it.
type keyView struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Permissions []auth.Permission `json:"permissions"`
	CreatedAt   string            `json:"created_at"`
	ExpiresAt   string            `json:"expires_at,omitempty"`
	Enabled     bool              `json:"enabled"`
}

func toKeyView(k *auth.APIKey) keyView {
	v := keyView{
		ID:          k.ID,
		Name:        k.Name,
		Permissions: k.Permissions,
		CreatedAt:   k.CreatedAt.Format(time.RFC3339),
		Enabled:     k.Enabled,
	}
	if k.ExpiresAt != nil {
		v.ExpiresAt = k.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return v
}

// handleKeys serves GET (list) and POST (create) on /api/keys.
func (rs *RESTServer) handleKeys(w http.ResponseWriter, r *http.Request) {
	if _, ok := rs.require(w, r, auth.PermAdmin); !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		keys := rs.srv.keys.ListKeys()
		views := make([]keyView, 0, len(keys))
		for _, k := range keys {
			views = append(views, toKeyView(k))
		}
		writeJSON(w, http.StatusOK, views)

	case http.MethodPost:
		body, ok := readBody(w, r)
		if !ok {
			return
		}
		var req struct {
			Name        string            `json:"name"`
			Permissions []auth.Permission `json:"permissions"`
			ExpiresIn   string            `json:"expires_in,omitempty"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		var expiresAt *time.Time
		if req.ExpiresIn != "" {
			d, err := time.ParseDuration(req.ExpiresIn)
			if err != nil || d <= 0 {
				writeError(w, http.StatusBadRequest, "expires_in must be a positive duration")
				return
			}
			t := time.Now().Add(d).UTC()
			expiresAt = &t
		}

		secret, key, err := rs.srv.keys.CreateKey(req.Name, req.Permissions, expiresAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		resp := map[string]any{"id": key.ID, "secret": secret}
		if key.ExpiresAt != nil {
			resp["expires_at"] = key.ExpiresAt.UTC().Format(time.RFC3339)
		}
		writeJSON(w, http.StatusCreated, resp)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleKeyByID serves GET and DELETE on /api/keys/{id}, and POST on
// /api/keys/{id}/revoke. Revoking disables the key but keeps the record, so
// the ID stays inspectable and is never reused; DELETE removes it outright.
func (rs *RESTServer) handleKeyByID(w http.ResponseWriter, r *http.Request) {
	if _, ok := rs.require(w, r, auth.PermAdmin); !ok {
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/keys/")
	if revokeID, found := strings.CutSuffix(id, "/revoke"); found {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if revokeID == "" || strings.Contains(revokeID, "/") {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		if err := rs.srv.keys.RevokeKey(revokeID); err != nil {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		key, err := rs.srv.keys.GetKey(id)
		if err != nil {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeJSON(w, http.StatusOK, toKeyView(key))

	case http.MethodDelete:
		if err := rs.srv.keys.DeleteKey(id); err != nil {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleWorkers serves GET /admin/workers.
func (rs *RESTServer) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := rs.require(w, r, auth.PermRead); !ok {
		return
	}

	type workerView struct {
		WorkerID              string `json:"worker_id"`
		Status                string `json:"status"`
		KeyID                 string `json:"key_id"`
		WrappedKeyFingerprint string `json:"wrapped_key_fingerprint"`
		LastSeen              string `json:"last_seen"`
	}
	records := rs.srv.registry.List()
	views := make([]workerView, 0, len(records))
	for _, rec := range records {
		views = append(views, workerView{
			WorkerID:              rec.WorkerID,
			Status:                string(rec.Status),
			KeyID:                 rec.KeyID,
			WrappedKeyFingerprint: rec.WrappedKeyFingerprint,
			LastSeen:              rec.LastSeen.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// handleStats serves GET /admin/stats: a point-in-time snapshot of worker,
// token, key, and cache counters.
func (rs *RESTServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := rs.require(w, r, auth.PermRead); !ok {
		return
	}

	registered, available := rs.srv.registry.Counts()
	workerTokens, clientTokens := rs.srv.tokens.Counts()

	stats := map[string]any{
		"workers": map[string]int{"registered": registered, "available": available},
		"tokens":  map[string]int{"worker": workerTokens, "client": clientTokens},
		"keys":    rs.srv.keys.Count(),
	}
	if rs.srv.colocated != nil {
		cs := rs.srv.colocated.CacheStats()
		stats["cache"] = map[string]any{
			"size": cs.Size, "capacity": cs.Cap, "hits": cs.Hits, "misses": cs.Misses,
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleSchemaList serves GET /admin/schemas (unauthenticated).
func (rs *RESTServer) handleSchemaList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ids, err := rs.srv.schemas.List()
	if err != nil {
		log.Printf("REST: schema list failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

// handleSchema serves GET (unauthenticated) and PUT (admin) on /schema/{id}.
func (rs *RESTServer) handleSchema(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/schema/")
	if err := fs.ValidateName(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid schema id")
		return
	}

	switch r.Method {
	case http.MethodGet:
		data, err := rs.srv.schemas.Get(id)
		if err != nil {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(data) //nolint:errcheck

	case http.MethodPut:
		if _, ok := rs.require(w, r, auth.PermAdmin); !ok {
			return
		}
		body, ok := readBody(w, r)
		if !ok {
			return
		}
		if err := checkJSONDepth(body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := rs.srv.schemas.Put(id, body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid schema")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleEntity serves GET /entity/{db}?key=K and PUT /entity/{db}.
func (rs *RESTServer) handleEntity(w http.ResponseWriter, r *http.Request) {
	database := strings.TrimPrefix(r.URL.Path, "/entity/")
	if err := fs.ValidateName(database); err != nil {
		writeError(w, http.StatusBadRequest, "invalid database name")
		return
	}

	switch r.Method {
	case http.MethodGet:
		rs.handleEntityGet(w, r, database)
	case http.MethodPut:
		rs.handleEntityPut(w, r, database)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (rs *RESTServer) handleEntityGet(w http.ResponseWriter, r *http.Request, database string) {
	if _, ok := rs.require(w, r, auth.PermRead); !ok {
		return
	}

	key := r.URL.Query().Get("key")
	if err := fs.ValidateName(key); err != nil {
		writeError(w, http.StatusBadRequest, "invalid entity key")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	resp, err := rs.srv.route(ctx, &proto.ProcessRequest{
		DatabaseName: database,
		EntityKey:    key,
		Operation:    "GET",
	})
	if err != nil {
		code, msg := httpStatusFromRPC(err)
		writeError(w, code, msg)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(resp.GetResult()) //nolint:errcheck
}

func (rs *RESTServer) handleEntityPut(w http.ResponseWriter, r *http.Request, database string) {
	if _, ok := rs.require(w, r, auth.PermWrite); !ok {
		return
	}

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if err := checkJSONDepth(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The body must be a single-key object {key: value}; the key names the
	// entity and the value is its payload.
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON object")
		return
	}
	if len(envelope) != 1 {
		writeError(w, http.StatusBadRequest, "body must contain exactly one key")
		return
	}

	var key string
	var payload json.RawMessage
	for k, v := range envelope {
		key, payload = k, v
	}
	if err := fs.ValidateName(key); err != nil {
		writeError(w, http.StatusBadRequest, "invalid entity key")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	resp, err := rs.srv.route(ctx, &proto.ProcessRequest{
		DatabaseName: database,
		EntityKey:    key,
		SchemaId:     r.URL.Query().Get("schema"),
		Operation:    "PUT",
		Payload:      payload,
	})
	if err != nil {
		code, msg := httpStatusFromRPC(err)
		writeError(w, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": resp.GetVersion(),
	})
}

// ServeREST starts the HTTP listener and blocks until it exits.
func (rs *RESTServer) ServeREST(addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           rs.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("Main Worker REST server listening on %s", addr)
	return server.ListenAndServe()
}
