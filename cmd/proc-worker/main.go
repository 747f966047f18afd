package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"deltadb/internal/engine"
	"deltadb/pkg/cache"
	"deltadb/pkg/fs"
	"deltadb/pkg/metrics"
	"deltadb/pkg/schema"
)

func main() {
	mainAddr := flag.String("main-addr", "127.0.0.1:50051", "Main Worker gRPC address (host:port)")
	workerID := flag.String("worker-id", "", "Unique ID for this Processing Worker (default: proc-<hostname>)")
	sharedFS := flag.String("shared-fs", "./shared", "Shared filesystem root (ignored when -s3-endpoint is set)")
	grpcAddr := flag.String("grpc-addr", "127.0.0.1:0", "Processing Worker gRPC listen address (host:port)")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics server address (e.g. :9091); empty = disabled")
	cacheSize := flag.Int("cache-size", cache.DefaultSize, "Maximum number of entries in the plaintext LRU cache")
	maxRecvMsgSize := flag.Int("grpc-max-recv-msg-size", 4*1024*1024, "Maximum inbound gRPC message size in bytes")

	// S3-compatible storage flags. Setting -s3-endpoint replaces the shared
	// filesystem backend with object storage.
	s3Endpoint := flag.String("s3-endpoint", "", "S3-compatible endpoint, e.g. minio:9000 (enables S3 backend)")
	s3AccessKey := flag.String("s3-access-key", "", "S3 access key ID (or S3_ACCESS_KEY env)")
	s3SecretKey := flag.String("s3-secret-key", "", "S3 secret access key (or S3_SECRET_KEY env)")
	s3Bucket := flag.String("s3-bucket", "deltadatabase", "S3 bucket name")
	s3UseSSL := flag.Bool("s3-use-ssl", false, "Use TLS for the S3 connection")
	s3Region := flag.String("s3-region", "", "S3 region (optional)")

	flag.Usage = printUsage
	flag.Parse()

	log.Println("=== DeltaDatabase Processing Worker ===")
	log.Printf("Main Worker address: %s", *mainAddr)

	if *workerID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "proc-worker"
		}
		*workerID = fmt.Sprintf("proc-%s", hostname)
	}
	log.Printf("Worker ID: %s", *workerID)

	var backend fs.Backend
	var locker fs.Locker

	if *s3Endpoint != "" {
		log.Printf("Storage backend: S3-compatible  endpoint=%s  bucket=%s", *s3Endpoint, *s3Bucket)

		// Environment overrides keep credentials out of the argument list.
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
	}

	c, err := cache.New(*cacheSize)
	if err != nil {
		log.Fatalf("Failed to initialise cache: %v", err)
	}

	m := metrics.NewProcWorkerMetrics()
	if *metricsAddr != "" {
		go m.Serve(*metricsAddr)
	}

	config := &ProcConfig{
		MainAddr:       *mainAddr,
		WorkerID:       *workerID,
		Tags:           map[string]string{"grpc_addr": *grpcAddr},
		MaxRecvMsgSize: *maxRecvMsgSize,
	}

	worker, err := NewProcWorker(config, m)
	if err != nil {
		log.Fatalf("Failed to create Processing Worker: %v", err)
	}

	eng := engine.New(backend, locker, c, schema.NewRegistry(backend), worker.Keyring(), *workerID)
	srv := NewProcWorkerServer(worker, eng, m)

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Subscribe handshake runs in the background with automatic retry so
	// the worker recovers from a Main Worker that starts later.
	go func() {
		if err := worker.HandshakeWithRetry(ctx); err != nil {
			log.Printf("[%s] Handshake loop exited: %v", config.WorkerID, err)
		}
	}()

	go func() {
		if err := srv.Serve(*grpcAddr); err != nil {
			log.Printf("[%s] gRPC server exited: %v", config.WorkerID, err)
		}
	}()

	log.Println("Processing Worker started successfully")
	log.Println("Press Ctrl+C to shutdown")

	<-sigChan
	log.Println("Shutdown signal received")
	cancel()
	log.Printf("[%s] Processing Worker stopped", config.WorkerID)
}

func printUsage() {
	fmt.Println("DeltaDatabase Processing Worker")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  proc-worker [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Local shared filesystem (default):")
	fmt.Println("  proc-worker -main-addr=127.0.0.1:50051 -worker-id=proc-1 -grpc-addr=127.0.0.1:50052")
	fmt.Println()
	fmt.Println("  # S3-compatible backend (MinIO):")
	fmt.Println("  proc-worker -main-addr=127.0.0.1:50051 -worker-id=proc-1 -grpc-addr=127.0.0.1:50052 \\")
	fmt.Println("    -s3-endpoint=minio:9000 -s3-bucket=deltadatabase -s3-access-key=minioadmin -s3-secret-key=minioadmin")
	fmt.Println()
}
