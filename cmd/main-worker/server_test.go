package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"deltadb/api/proto"
	"deltadb/internal/auth"
	"deltadb/internal/engine"
	"deltadb/internal/routing"
	"deltadb/pkg/cache"
	"deltadb/pkg/crypto"
	"deltadb/pkg/fs"
	"deltadb/pkg/metrics"
	"deltadb/pkg/schema"
)

const testAdminKey = "admin-boot-key"

type mainEnv struct {
	srv      *MainWorkerServer
	keys     *auth.KeyManager
	tokens   *auth.TokenManager
	registry *routing.Registry
	schemas  *schema.Registry
}

// newMainEnv assembles a full Main Worker with a colocated engine over a
// temp directory, so Process serves locally with no subscribed workers.
func newMainEnv(t *testing.T) *mainEnv {
	t.Helper()

	storage, err := fs.NewStorage(t.TempDir())
	require.NoError(t, err)

	masterKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	keyID := "test-key-id"

	keys, err := auth.NewKeyManager("")
	require.NoError(t, err)
	tokens := auth.NewTokenManager(0, 0)
	t.Cleanup(tokens.Stop)
	registry := routing.NewRegistry(0)
	t.Cleanup(registry.Stop)

	schemas := schema.NewRegistry(storage)

	c, err := cache.New(32)
	require.NoError(t, err)
	colocated := engine.New(storage, fs.NewLockManager(storage), c,
		schemas, crypto.NewKeyring(masterKey, keyID), "main-worker")

	srv := NewMainWorkerServer(MainConfig{
		MasterKey: masterKey,
		KeyID:     keyID,
		AdminKey:  testAdminKey,
	}, keys, tokens, registry, schemas, colocated, metrics.NewMainWorkerMetrics())

	return &mainEnv{srv: srv, keys: keys, tokens: tokens, registry: registry, schemas: schemas}
}

func TestSubscribe(t *testing.T) {
	env := newMainEnv(t)
	ctx := context.Background()

	privKey, pubKey, err := crypto.GenerateRSAKeyPair(crypto.MinRSABits)
	require.NoError(t, err)
	pubPEM, err := crypto.MarshalPublicKeyToPEM(pubKey)
	require.NoError(t, err)

	resp, err := env.srv.Subscribe(ctx, &proto.SubscribeRequest{
		WorkerId: "proc-1",
		Pubkey:   pubPEM,
		Tags:     map[string]string{"grpc_addr": "127.0.0.1:50052"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, "test-key-id", resp.KeyId)

	// The wrapped key unwraps back to the master key with the worker's
	// private key.
	unwrapped, err := crypto.UnwrapKey(privKey, resp.WrappedKey)
	require.NoError(t, err)
	assert.Equal(t, env.srv.masterKey, unwrapped)

	rec, ok := env.registry.Get("proc-1")
	require.True(t, ok)
	assert.Equal(t, routing.StatusAvailable, rec.Status)
	assert.Equal(t, routing.Fingerprint(resp.WrappedKey), rec.WrappedKeyFingerprint)

	// The session token authenticates Process calls.
	_, err = env.tokens.ValidateWorkerToken(resp.Token)
	assert.NoError(t, err)
}

func TestSubscribe_Rejects(t *testing.T) {
	env := newMainEnv(t)
	ctx := context.Background()

	t.Run("empty worker id", func(t *testing.T) {
		_, err := env.srv.Subscribe(ctx, &proto.SubscribeRequest{Pubkey: []byte("x")})
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})

	t.Run("garbage public key", func(t *testing.T) {
		_, err := env.srv.Subscribe(ctx, &proto.SubscribeRequest{
			WorkerId: "proc-1",
			Pubkey:   []byte("not a pem block"),
		})
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})

	t.Run("registry full leaves no live token behind", func(t *testing.T) {
		full := newMainEnv(t)
		for i := 0; i < routing.MaxWorkers; i++ {
			_, err := full.registry.Register(fmt.Sprintf("proc-%03d", i), "test-key-id", nil, nil)
			require.NoError(t, err)
		}

		_, pubKey, err := crypto.GenerateRSAKeyPair(crypto.MinRSABits)
		require.NoError(t, err)
		pubPEM, err := crypto.MarshalPublicKeyToPEM(pubKey)
		require.NoError(t, err)

		_, serr := full.srv.Subscribe(ctx, &proto.SubscribeRequest{
			WorkerId: "proc-overflow",
			Pubkey:   pubPEM,
		})
		assert.Equal(t, codes.ResourceExhausted, status.Code(serr))

		workerTokens, _ := full.tokens.Counts()
		assert.Equal(t, 0, workerTokens)
	})

	t.Run("undersized public key", func(t *testing.T) {
		small, err := rsa.GenerateKey(rand.Reader, 1024)
		require.NoError(t, err)
		pubPEM, err := crypto.MarshalPublicKeyToPEM(&small.PublicKey)
		require.NoError(t, err)

		_, serr := env.srv.Subscribe(ctx, &proto.SubscribeRequest{
			WorkerId: "proc-1",
			Pubkey:   pubPEM,
		})
		assert.Equal(t, codes.InvalidArgument, status.Code(serr))
	})
}

func TestAuthorizeProcess(t *testing.T) {
	env := newMainEnv(t)

	readSecret, _, err := env.keys.CreateKey("reader", []auth.Permission{auth.PermRead}, nil)
	require.NoError(t, err)
	writeSecret, _, err := env.keys.CreateKey("writer", []auth.Permission{auth.PermWrite}, nil)
	require.NoError(t, err)

	_, err = env.registry.Register("proc-1", "test-key-id", []byte("wrapped"), nil)
	require.NoError(t, err)
	wt, err := env.tokens.GenerateWorkerToken("proc-1", "test-key-id", nil)
	require.NoError(t, err)
	ct, err := env.tokens.GenerateClientToken("key-1", []auth.Permission{auth.PermRead})
	require.NoError(t, err)

	t.Run("admin key passes everything", func(t *testing.T) {
		assert.NoError(t, env.srv.authorizeProcess(testAdminKey, "GET"))
		assert.NoError(t, env.srv.authorizeProcess(testAdminKey, "PUT"))
	})

	t.Run("worker token passes", func(t *testing.T) {
		assert.NoError(t, env.srv.authorizeProcess(wt.Token, "PUT"))
	})

	t.Run("api key permission gates", func(t *testing.T) {
		assert.NoError(t, env.srv.authorizeProcess(readSecret, "GET"))
		assert.Equal(t, codes.PermissionDenied, status.Code(env.srv.authorizeProcess(readSecret, "PUT")))
		assert.NoError(t, env.srv.authorizeProcess(writeSecret, "PUT"))
		assert.Equal(t, codes.PermissionDenied, status.Code(env.srv.authorizeProcess(writeSecret, "GET")))
	})

	t.Run("client token permission gates", func(t *testing.T) {
		assert.NoError(t, env.srv.authorizeProcess(ct.Token, "GET"))
		assert.Equal(t, codes.PermissionDenied, status.Code(env.srv.authorizeProcess(ct.Token, "PUT")))
	})

	t.Run("unknown or empty token", func(t *testing.T) {
		assert.Equal(t, codes.Unauthenticated, status.Code(env.srv.authorizeProcess("bogus", "GET")))
		assert.Equal(t, codes.Unauthenticated, status.Code(env.srv.authorizeProcess("", "GET")))
	})
}

func TestAuthorizeProcess_WorkerTokenTracksRegistry(t *testing.T) {
	env := newMainEnv(t)

	short := routing.NewRegistry(20 * time.Millisecond)
	t.Cleanup(short.Stop)
	env.srv.registry = short
	env.registry = short

	_, err := short.Register("proc-1", "test-key-id", []byte("wrapped"), nil)
	require.NoError(t, err)
	wt, err := env.tokens.GenerateWorkerToken("proc-1", "test-key-id", nil)
	require.NoError(t, err)

	require.NoError(t, env.srv.authorizeProcess(wt.Token, "PUT"))

	t.Run("token for an unregistered worker is rejected", func(t *testing.T) {
		orphan, err := env.tokens.GenerateWorkerToken("proc-unknown", "test-key-id", nil)
		require.NoError(t, err)
		assert.Equal(t, codes.Unauthenticated, status.Code(env.srv.authorizeProcess(orphan.Token, "GET")))
	})

	t.Run("token stops working once the worker is Gone", func(t *testing.T) {
		time.Sleep(40 * time.Millisecond)

		rec, ok := short.Get("proc-1")
		require.True(t, ok)
		require.Equal(t, routing.StatusGone, rec.Status)

		assert.Equal(t, codes.Unauthenticated, status.Code(env.srv.authorizeProcess(wt.Token, "PUT")))
	})

	t.Run("a heartbeat restores the token", func(t *testing.T) {
		short.Touch("proc-1")
		assert.NoError(t, env.srv.authorizeProcess(wt.Token, "PUT"))
	})
}

func TestProcess_ColocatedFallback(t *testing.T) {
	env := newMainEnv(t)
	ctx := context.Background()

	payload := []byte(`{"chat":[{"type":"user","text":"hi"}]}`)

	putResp, err := env.srv.Process(ctx, &proto.ProcessRequest{
		Operation:    "PUT",
		DatabaseName: "chatdb",
		EntityKey:    "Chat_id",
		Payload:      payload,
		Token:        testAdminKey,
	})
	require.NoError(t, err)
	assert.Equal(t, "OK", putResp.Status)
	assert.Equal(t, "1", putResp.Version)

	getResp, err := env.srv.Process(ctx, &proto.ProcessRequest{
		Operation:    "GET",
		DatabaseName: "chatdb",
		EntityKey:    "Chat_id",
		Token:        testAdminKey,
	})
	require.NoError(t, err)
	assert.Equal(t, payload, getResp.Result)
}

func TestProcess_Rejections(t *testing.T) {
	env := newMainEnv(t)
	ctx := context.Background()

	t.Run("unsupported operation", func(t *testing.T) {
		_, err := env.srv.Process(ctx, &proto.ProcessRequest{
			Operation: "DELETE", DatabaseName: "db", EntityKey: "k", Token: testAdminKey,
		})
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})

	t.Run("missing token", func(t *testing.T) {
		_, err := env.srv.Process(ctx, &proto.ProcessRequest{
			Operation: "GET", DatabaseName: "db", EntityKey: "k",
		})
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("not found", func(t *testing.T) {
		_, err := env.srv.Process(ctx, &proto.ProcessRequest{
			Operation: "GET", DatabaseName: "db", EntityKey: "missing", Token: testAdminKey,
		})
		assert.Equal(t, codes.NotFound, status.Code(err))
	})
}

func TestProcess_NoWorkersNoFallback(t *testing.T) {
	env := newMainEnv(t)
	env.srv.colocated = nil

	_, err := env.srv.Process(context.Background(), &proto.ProcessRequest{
		Operation: "GET", DatabaseName: "db", EntityKey: "k", Token: testAdminKey,
	})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestProcess_DegradedWorkerFallsBack(t *testing.T) {
	env := newMainEnv(t)
	ctx := context.Background()

	// A registered worker with an unreachable address degrades on first
	// use; the colocated engine picks up the request.
	_, pubKey, err := crypto.GenerateRSAKeyPair(crypto.MinRSABits)
	require.NoError(t, err)
	pubPEM, err := crypto.MarshalPublicKeyToPEM(pubKey)
	require.NoError(t, err)

	_, err = env.srv.Subscribe(ctx, &proto.SubscribeRequest{
		WorkerId: "proc-dead",
		Pubkey:   pubPEM,
		Tags:     map[string]string{}, // no grpc_addr
	})
	require.NoError(t, err)

	resp, err := env.srv.Process(ctx, &proto.ProcessRequest{
		Operation:    "PUT",
		DatabaseName: "db",
		EntityKey:    "k",
		Payload:      []byte(`{"v":1}`),
		Token:        testAdminKey,
	})
	require.NoError(t, err)
	assert.Equal(t, "OK", resp.Status)

	rec, ok := env.registry.Get("proc-dead")
	require.True(t, ok)
	assert.Equal(t, routing.StatusDegraded, rec.Status)
}
