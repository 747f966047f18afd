package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"deltadb/internal/auth"
	"deltadb/internal/engine"
	"deltadb/internal/routing"
	"deltadb/pkg/cache"
	"deltadb/pkg/crypto"
	"deltadb/pkg/fs"
	"deltadb/pkg/metrics"
	"deltadb/pkg/schema"
)

func main() {
	grpcAddr := flag.String("grpc-addr", "127.0.0.1:50051", "gRPC listen address (host:port)")
	restAddr := flag.String("rest-addr", "127.0.0.1:8080", "REST listen address (host:port)")
	sharedFS := flag.String("shared-fs", "./shared", "Shared filesystem root (ignored when -s3-endpoint is set)")
	workerTTL := flag.Duration("worker-ttl", routing.DefaultWorkerTTL, "Inactivity window before a Processing Worker is marked Gone")
	colocated := flag.Bool("colocated", false, "Serve entity requests locally when no Processing Worker is available")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics server address (e.g. :9090); empty = disabled")
	masterKeyHex := flag.String("master-key", os.Getenv("MASTER_KEY"), "Hex-encoded 32-byte master key (default: MASTER_KEY env); empty generates an ephemeral key")
	masterKeyID := flag.String("key-id", os.Getenv("MASTER_KEY_ID"), "Stable identifier for the configured master key (default: MASTER_KEY_ID env)")
	adminKey := flag.String("admin-key", os.Getenv("ADMIN_KEY"), "Admin boot secret (default: ADMIN_KEY env); empty disables the admin bearer")
	keyStore := flag.String("key-store", "", "Path to the API key store JSON file (default: <shared-fs>/db/api_keys.json)")
	cacheSize := flag.Int("cache-size", cache.DefaultSize, "Colocated engine cache size")
	maxRecvMsgSize := flag.Int("grpc-max-recv-msg-size", 4*1024*1024, "Maximum inbound gRPC message size in bytes")

	s3Endpoint := flag.String("s3-endpoint", "", "S3-compatible endpoint, e.g. minio:9000 (enables S3 backend)")
	s3AccessKey := flag.String("s3-access-key", "", "S3 access key ID (or S3_ACCESS_KEY env)")
	s3SecretKey := flag.String("s3-secret-key", "", "S3 secret access key (or S3_SECRET_KEY env)")
	s3Bucket := flag.String("s3-bucket", "deltadatabase", "S3 bucket name")
	s3UseSSL := flag.Bool("s3-use-ssl", false, "Use TLS for the S3 connection")
	s3Region := flag.String("s3-region", "", "S3 region (optional)")

	flag.Usage = printUsage
	flag.Parse()

	log.Println("=== DeltaDatabase Main Worker ===")

	if *adminKey == "" {
		log.Println("WARNING: no admin key configured; only stored API keys can authenticate")
	}

	var backend fs.Backend
	var locker fs.Locker
	keyStorePath := *keyStore

	if *s3Endpoint != "" {
		log.Printf("Storage backend: S3-compatible  endpoint=%s  bucket=%s", *s3Endpoint, *s3Bucket)

		accessKey := *s3AccessKey
		if accessKey == "" {
			accessKey = os.Getenv("S3_ACCESS_KEY")
		}
		secretKey := *s3SecretKey
		if secretKey == "" {
			secretKey = os.Getenv("S3_SECRET_KEY")
		}

		s3, err := fs.NewS3Storage(fs.S3Config{
			Endpoint:        *s3Endpoint,
			AccessKeyID:     accessKey,
			SecretAccessKey: secretKey,
			Bucket:          *s3Bucket,
			UseSSL:          *s3UseSSL,
			Region:          *s3Region,
		})
		if err != nil {
			log.Fatalf("Failed to initialise S3 storage: %v", err)
		}
		backend = s3
		locker = fs.NewMemoryLocks()
	} else {
		root := filepath.Join(*sharedFS, "db")
		log.Printf("Storage backend: local shared filesystem  path=%s", root)

		storage, err := fs.NewStorage(root)
		if err != nil {
			log.Fatalf("Failed to initialise storage: %v", err)
		}
		backend = storage
		locker = fs.NewLockManager(storage)
		if keyStorePath == "" {
			keyStorePath = filepath.Join(root, "api_keys.json")
		}
	}

	// The master key is held in memory for the lifetime of this process.
	// Workers receive it wrapped during Subscribe; it is never persisted.
	masterKey, keyID, err := resolveMasterKey(*masterKeyHex, *masterKeyID)
	if err != nil {
		log.Fatalf("Failed to resolve master key: %v", err)
	}
	if *masterKeyHex == "" {
		log.Printf("WARNING: ephemeral master key generated (key_id=%s); entities written now are unreadable after restart", keyID)
	} else {
		log.Printf("Master key loaded (key_id=%s)", keyID)
	}

	keys, err := auth.NewKeyManager(keyStorePath)
	if err != nil {
		log.Fatalf("Failed to initialise key manager: %v", err)
	}
	tokens := auth.NewTokenManager(0, 0)
	defer tokens.Stop()

	registry := routing.NewRegistry(*workerTTL)
	defer registry.Stop()

	schemas := schema.NewRegistry(backend)

	m := metrics.NewMainWorkerMetrics()
	if *metricsAddr != "" {
		go m.Serve(*metricsAddr)
	}

	var localEngine *engine.Engine
	if *colocated {
		c, err := cache.New(*cacheSize)
		if err != nil {
			log.Fatalf("Failed to initialise cache: %v", err)
		}
		keyring := crypto.NewKeyring(masterKey, keyID)
		localEngine = engine.New(backend, locker, c, schemas, keyring, "main-worker")
		log.Println("Colocated entity engine enabled")
	}

	srv := NewMainWorkerServer(MainConfig{
		MasterKey:      masterKey,
		KeyID:          keyID,
		AdminKey:       *adminKey,
		MaxRecvMsgSize: *maxRecvMsgSize,
	}, keys, tokens, registry, schemas, localEngine, m)

	rest := NewRESTServer(srv)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := srv.Serve(*grpcAddr); err != nil {
			log.Fatalf("gRPC server exited: %v", err)
		}
	}()
	go func() {
		if err := rest.ServeREST(*restAddr); err != nil {
			log.Fatalf("REST server exited: %v", err)
		}
	}()

	log.Printf("Main Worker started (worker-ttl=%s)", *workerTTL)
	log.Println("Press Ctrl+C to shutdown")

	<-sigChan
	log.Println("Shutdown signal received")
	log.Println("Main Worker stopped")
}

// resolveMasterKey decodes the configured master key, or generates an
// ephemeral one when none is supplied. Data encrypted on a shared filesystem
// outlives the process, so deployments pass a stable key and key-id; the
// ephemeral path exists for single-run and test setups.
func resolveMasterKey(hexKey, keyID string) ([]byte, string, error) {
	if hexKey == "" {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, "", err
		}
		if keyID == "" {
			keyID = uuid.NewString()
		}
		return key, keyID, nil
	}

	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, "", fmt.Errorf("master key must be hex-encoded: %w", err)
	}
	if len(key) != crypto.MasterKeySize {
		return nil, "", fmt.Errorf("master key must be %d bytes, got %d", crypto.MasterKeySize, len(key))
	}
	if keyID == "" {
		return nil, "", fmt.Errorf("-key-id is required when -master-key is supplied")
	}
	return key, keyID, nil
}

func printUsage() {
	fmt.Println("DeltaDatabase Main Worker")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  main-worker [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Local shared filesystem with colocated fallback and a stable master key:")
	fmt.Println("  MASTER_KEY=$(openssl rand -hex 32) MASTER_KEY_ID=prod-1 ADMIN_KEY=changeme \\")
	fmt.Println("    main-worker -grpc-addr=127.0.0.1:50051 -rest-addr=127.0.0.1:8080 -colocated")
	fmt.Println()
	fmt.Println("  # S3-compatible backend (MinIO):")
	fmt.Println("  ADMIN_KEY=changeme main-worker -s3-endpoint=minio:9000 -s3-bucket=deltadatabase \\")
	fmt.Println("    -s3-access-key=minioadmin -s3-secret-key=minioadmin")
	fmt.Println()
}
