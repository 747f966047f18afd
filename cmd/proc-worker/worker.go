package main

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"deltadb/api/proto"
	"deltadb/pkg/crypto"
	"deltadb/pkg/metrics"
)

// ProcWorker holds a Processing Worker's subscription state: the RSA key
// pair used for the handshake, the session token, and the keyring carrying
// the unwrapped master key. The master key lives in volatile memory only
// and is never persisted.
type ProcWorker struct {
	config     *ProcConfig
	privateKey *rsa.PrivateKey
	keyring    *crypto.Keyring
	metrics    *metrics.ProcWorkerMetrics

	mu           sync.RWMutex
	sessionToken string
}

// ProcConfig holds configuration for the Processing Worker.
type ProcConfig struct {
	// MainAddr is the gRPC address of the Main Worker (host:port).
	MainAddr string

	// WorkerID is the unique identifier of this Processing Worker.
	WorkerID string

	// Tags are optional metadata labels sent during subscription.
	Tags map[string]string

	// MaxRecvMsgSize bounds inbound gRPC message size.
	MaxRecvMsgSize int
}

// NewProcWorker creates a ProcWorker and generates the RSA key pair used to
// receive the wrapped master key. The private key never leaves the process.
func NewProcWorker(config *ProcConfig, m *metrics.ProcWorkerMetrics) (*ProcWorker, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.WorkerID == "" {
		return nil, fmt.Errorf("worker ID cannot be empty")
	}
	if config.MainAddr == "" {
		return nil, fmt.Errorf("main worker address cannot be empty")
	}

	privKey, _, err := crypto.GenerateRSAKeyPair(crypto.MinRSABits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key pair: %w", err)
	}

	return &ProcWorker{
		config:     config,
		privateKey: privKey,
		keyring:    crypto.NewKeyring(nil, ""),
		metrics:    m,
	}, nil
}

// Keyring returns the keyring holding the unwrapped master key.
func (w *ProcWorker) Keyring() *crypto.Keyring {
	return w.keyring
}

// Handshake connects to the Main Worker, calls Subscribe, unwraps the master
// key into the keyring, and stores the session token.
func (w *ProcWorker) Handshake(ctx context.Context) error {
	log.Printf("[%s] Connecting to Main Worker at %s", w.config.WorkerID, w.config.MainAddr)

	conn, err := grpc.NewClient(
		w.config.MainAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(proto.JSONCodec{})),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to Main Worker: %w", err)
	}
	defer conn.Close()

	client := proto.NewMainWorkerClient(conn)

	pubKeyPEM, err := crypto.MarshalPublicKeyToPEM(&w.privateKey.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to marshal public key: %w", err)
	}

	resp, err := client.Subscribe(ctx, &proto.SubscribeRequest{
		WorkerId: w.config.WorkerID,
		Pubkey:   pubKeyPEM,
		Tags:     w.config.Tags,
	})
	if err != nil {
		w.metrics.HandshakeAttemptsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("Subscribe RPC failed: %w", err)
	}

	masterKey, err := crypto.UnwrapKey(w.privateKey, resp.GetWrappedKey())
	if err != nil {
		w.metrics.HandshakeAttemptsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to unwrap master key: %w", err)
	}

	w.keyring.Install(masterKey, resp.GetKeyId())
	w.mu.Lock()
	w.sessionToken = resp.GetToken()
	w.mu.Unlock()

	w.metrics.HandshakeAttemptsTotal.WithLabelValues("success").Inc()
	log.Printf("[%s] Subscribed successfully (key_id=%s)", w.config.WorkerID, resp.GetKeyId())
	return nil
}

// HandshakeWithRetry performs Handshake with exponential back-off. It
// returns only when the handshake succeeds or ctx is cancelled.
func (w *ProcWorker) HandshakeWithRetry(ctx context.Context) error {
	const maxInterval = 30 * time.Second
	interval := time.Second

	for {
		err := w.Handshake(ctx)
		if err == nil {
			return nil
		}

		log.Printf("[%s] Handshake failed: %v, retrying in %s",
			w.config.WorkerID, err, interval)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		interval *= 2
		if interval > maxInterval {
			interval = maxInterval
		}
	}
}

// Token returns the session token from the last successful Subscribe, or
// empty before the handshake completes.
func (w *ProcWorker) Token() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.sessionToken
}

// HasKey reports whether the master key has been received and unwrapped.
func (w *ProcWorker) HasKey() bool {
	return w.keyring.HasKey()
}
