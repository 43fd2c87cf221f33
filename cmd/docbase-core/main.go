package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/docbase-core/internal/adapters/driven/badgerdb"
	"github.com/custodia-labs/docbase-core/internal/adapters/driven/memory"
	"github.com/custodia-labs/docbase-core/internal/adapters/driven/postgres"
	redisqueue "github.com/custodia-labs/docbase-core/internal/adapters/driven/queue/redis"
	redisadapter "github.com/custodia-labs/docbase-core/internal/adapters/driven/redis"
	"github.com/custodia-labs/docbase-core/internal/adapters/driven/vespa"
	"github.com/custodia-labs/docbase-core/internal/backup"
	"github.com/custodia-labs/docbase-core/internal/core/domain"
	"github.com/custodia-labs/docbase-core/internal/core/ports/driven"
	"github.com/custodia-labs/docbase-core/internal/core/services"
	"github.com/custodia-labs/docbase-core/internal/hierarchy"
	"github.com/custodia-labs/docbase-core/internal/pipeline"
	"github.com/custodia-labs/docbase-core/internal/runtime"
	"github.com/custodia-labs/docbase-core/internal/worker"
)

var version = "dev"

func main() {
	// Get run mode from environment (RUN_MODE) or command line arg
	mode := getEnv("RUN_MODE", "worker")
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}

	log.Printf("docbase-core %s starting in %s mode", version, mode)

	// Configuration from environment
	workspace := getEnv("WORKSPACE", "default")
	dataDir := getEnv("DATA_DIR", "./data")
	databaseURL := getEnv("DATABASE_URL", "")
	redisURL := getEnv("REDIS_URL", "")
	vespaURL := getEnv("VESPA_URL", "")
	backupDir := getEnv("BACKUP_DIR", "./backup")

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutdown signal received, stopping...")
		cancel()
	}()

	// The registry starts with the bootstrap classes only; customer model
	// transactions are folded in after the primary store is open.
	h := hierarchy.WithBootstrap(nil)

	// ===== Primary document store (PostgreSQL if configured, Badger otherwise) =====
	var primary driven.DomainAdapter
	if databaseURL != "" {
		log.Println("Connecting to PostgreSQL...")
		dbConfig := postgres.Config{
			URL:             databaseURL,
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: time.Duration(getEnvInt("DB_CONN_MAX_LIFETIME_SEC", 300)) * time.Second,
			ConnMaxIdleTime: time.Duration(getEnvInt("DB_CONN_MAX_IDLE_SEC", 60)) * time.Second,
		}
		db, err := postgres.Connect(ctx, dbConfig)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		if err := db.InitSchema(ctx); err != nil {
			log.Fatalf("Failed to initialize schema: %v", err)
		}
		primary = postgres.NewAdapter(db, h)
		log.Println("PostgreSQL connected and schema initialized")
	} else {
		log.Printf("Opening Badger store at %s...", dataDir)
		store, err := badgerdb.Open(dataDir, h)
		if err != nil {
			log.Fatalf("Failed to open document store: %v", err)
		}
		primary = store
		log.Println("Badger store open")
	}
	defer primary.Close()

	// Transient documents never hit persistent storage.
	adapters := services.NewAdapters(map[domain.Domain]driven.DomainAdapter{
		domain.DomainTransient: memory.New(h),
	}, primary)

	// Replay persisted model transactions so customer classes resolve.
	modelTxes, err := loadModelTxes(ctx, primary)
	if err != nil {
		log.Fatalf("Failed to load workspace model: %v", err)
	}
	h.Extend(modelTxes...)
	ledger := services.NewModelLedger(modelTxes)
	log.Printf("Workspace model loaded: %d classes, head %s", len(h.Classes()), ledger.Head())

	// ===== Initialize Redis (optional) =====
	var redisClient *redis.Client
	if redisURL != "" {
		log.Println("Connecting to Redis...")
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Fatalf("Failed to parse Redis URL: %v", err)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		log.Println("Redis connected")
	}

	// ===== Task Queue and Distributed Lock (Redis-backed) =====
	var taskQueue driven.TaskQueue
	var distributedLock driven.DistributedLock
	if redisClient != nil {
		taskQueue, err = redisqueue.NewQueue(redisClient, fmt.Sprintf("worker-%d", os.Getpid()))
		if err != nil {
			log.Fatalf("Failed to create task queue: %v", err)
		}
		distributedLock = redisadapter.NewLock(redisClient)
	}

	// ===== Full-text engine (optional) =====
	var fullText *vespa.FullText
	if vespaURL != "" {
		fullText = vespa.NewFullText(vespa.DefaultConfig(vespaURL))
		defer fullText.Close()
		log.Println("Vespa full-text engine configured")
	}

	// ===== Core engine =====
	var ftAdapter driven.FullTextAdapter
	if fullText != nil {
		ftAdapter = fullText
	}
	engine := services.NewEngine(services.EngineConfig{
		Workspace: workspace,
		Hierarchy: h,
		Adapters:  adapters,
		FullText:  ftAdapter,
		Queue:     taskQueue,
		Ledger:    ledger,
		Logger:    slog.Default(),
	})

	// Enrichment services (content retrieval, summarization, embeddings)
	// are registered at runtime; none ship in-process.
	runtimeServices := runtime.NewServices()
	defer runtimeServices.Close()

	resolvePipeline := func(ws string) (*pipeline.Pipeline, error) {
		return buildPipeline(ws, h, adapters, engine, runtimeServices, ftAdapter)
	}

	// ===== Backup service =====
	chunked := services.NewChunkedService(adapters)
	backupService := backup.New(backup.Config{
		Workspace: workspace,
		Storage:   backup.NewFileStorage(backupDir),
		Server:    chunked,
		Domains:   backupDomains(h),
		LastTx:    lastTxFunc(primary),
		BatchSize: int64(getEnvInt("BACKUP_BATCH_SIZE", 0)),
		RollSize:  int64(getEnvInt("BACKUP_ROLL_SIZE", 0)),
		Logger:    slog.Default(),
	})

	switch mode {
	case "worker":
		if taskQueue == nil {
			log.Fatal("Worker mode requires REDIS_URL")
		}
		runWorkerMode(ctx, taskQueue, resolvePipeline)

	case "backup":
		runExclusive(ctx, distributedLock, "backup:"+workspace, func() error {
			info, changed, err := backupService.Backup(ctx)
			if err != nil {
				return err
			}
			if !changed {
				log.Println("No new transactions, backup skipped")
				return nil
			}
			log.Printf("Backup complete: %d snapshots, last tx %s", len(info.Snapshots), info.LastTxID)
			return nil
		})

	case "restore":
		opts := backup.RestoreOptions{
			Date:  int64(getEnvInt("RESTORE_DATE", 0)),
			Merge: getEnvBool("RESTORE_MERGE", false),
		}
		runExclusive(ctx, distributedLock, "backup:"+workspace, func() error {
			if err := backupService.Restore(ctx, opts); err != nil {
				return err
			}
			log.Println("Restore complete")
			return nil
		})

	case "compact":
		runExclusive(ctx, distributedLock, "backup:"+workspace, func() error {
			compacted, err := backupService.Compact(ctx, getEnvBool("COMPACT_FORCE", false))
			if err != nil {
				return err
			}
			if !compacted {
				log.Println("Not enough snapshots to compact, skipped")
				return nil
			}
			log.Println("Compaction complete")
			return nil
		})

	default:
		log.Fatalf("Unknown mode: %s (use: worker, backup, restore, or compact)", mode)
	}
}

// buildPipeline assembles the stage chain for one workspace. Enrichment
// stages pick up whatever services are registered at build time.
func buildPipeline(
	workspace string,
	h *hierarchy.Hierarchy,
	adapters *services.Adapters,
	engine *services.Engine,
	runtimeServices *runtime.Services,
	fullText driven.FullTextAdapter,
) (*pipeline.Pipeline, error) {
	states, err := adapters.For(domain.DomainDocIndexState)
	if err != nil {
		return nil, err
	}

	summary := pipeline.NewSummaryStage(runtimeServices.Summarizer())
	stages := []pipeline.Stage{
		pipeline.NewFieldsStage(),
		pipeline.NewContentStage(runtimeServices.ContentRetriever()),
		pipeline.NewCollaboratorsStage(),
		summary,
	}
	var embedGate []string
	if fullText != nil {
		stages = append(stages, pipeline.NewFullTextStage(fullText))
		embedGate = append(embedGate, pipeline.StageFullText)
	}
	if !runtimeServices.EmbeddingAvailable() {
		slog.Default().Info("no embedder pair registered, embeddings stage idles", "workspace", workspace)
	}
	stages = append(stages, pipeline.NewEmbeddingsStage(
		runtimeServices.Embedder(), runtimeServices.VectorStore(), summary, embedGate...))

	return pipeline.New(pipeline.Config{
		Workspace: workspace,
		Hierarchy: h,
		States:    states,
		Find:      engine.FindAll,
		Stages:    stages,
		Limit:     getEnvInt("PIPELINE_PASS_LIMIT", 0),
		Logger:    slog.Default(),
	})
}

// runWorkerMode starts the indexing worker and blocks until shutdown.
func runWorkerMode(ctx context.Context, taskQueue driven.TaskQueue, resolve worker.PipelineResolver) {
	log.Println("Starting worker mode...")

	if addr := getEnv("METRICS_ADDR", ""); addr != "" {
		go serveMetrics(addr)
	}

	w := worker.New(worker.Config{
		Queue:          taskQueue,
		Resolve:        resolve,
		Logger:         slog.Default(),
		Concurrency:    getEnvInt("WORKER_CONCURRENCY", 2),
		MaxWorkspaces:  getEnvInt("WORKER_MAX_WORKSPACES", 0),
		DequeueTimeout: time.Duration(getEnvInt("WORKER_DEQUEUE_TIMEOUT_SEC", 5)) * time.Second,
	})

	if err := w.Start(ctx); err != nil {
		log.Fatalf("Failed to start worker: %v", err)
	}
	log.Println("Worker started, processing index notifications...")

	<-ctx.Done()

	log.Println("Stopping worker...")
	w.Stop()
	log.Println("Worker stopped")
}

const exclusiveLockTTL = 5 * time.Minute

// runExclusive runs fn under a named distributed lock when a lock backend
// is configured, and directly otherwise (single-instance deployments).
// The lock is taken with a short TTL and extended while fn runs, so a
// crashed run frees the lock quickly while a long one keeps it.
func runExclusive(ctx context.Context, lock driven.DistributedLock, name string, fn func() error) {
	if lock != nil {
		held, err := lock.Acquire(ctx, name, exclusiveLockTTL)
		if err != nil {
			log.Fatalf("Failed to acquire lock %s: %v", name, err)
		}
		if !held {
			log.Fatalf("Another instance holds lock %s", name)
		}
		hbCtx, stopHeartbeat := context.WithCancel(ctx)
		go func() {
			ticker := time.NewTicker(exclusiveLockTTL / 3)
			defer ticker.Stop()
			for {
				select {
				case <-hbCtx.Done():
					return
				case <-ticker.C:
					ok, err := lock.Extend(hbCtx, name, exclusiveLockTTL)
					if err != nil {
						log.Printf("Warning: failed to extend lock %s: %v", name, err)
					} else if !ok {
						log.Printf("Warning: lost lock %s, another instance may start", name)
						return
					}
				}
			}
		}()
		defer func() {
			stopHeartbeat()
			if err := lock.Release(context.Background(), name); err != nil {
				log.Printf("Warning: failed to release lock %s: %v", name, err)
			}
		}()
	}
	if err := fn(); err != nil {
		log.Fatalf("Run failed: %v", err)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Printf("Metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("Metrics server stopped: %v", err)
	}
}

// loadModelTxes replays the persisted model declarations from the
// transaction log, oldest first.
func loadModelTxes(ctx context.Context, adapter driven.DomainAdapter) ([]*domain.Tx, error) {
	res, err := adapter.FindAll(ctx, domain.ClassTxCUD,
		map[string]any{"objectClass": string(domain.ClassClass)},
		driven.FindOptions{Sort: map[string]int{"modifiedOn": 1}})
	if err != nil {
		return nil, err
	}
	var txes []*domain.Tx
	for _, doc := range res.Docs {
		data, err := json.Marshal(doc.Attributes)
		if err != nil {
			return nil, err
		}
		var tx domain.Tx
		if err := json.Unmarshal(data, &tx); err != nil {
			return nil, err
		}
		txes = append(txes, &tx)
	}
	return txes, nil
}

// backupDomains lists the persistent domains declared by the workspace
// model. Transient and index bookkeeping domains are rebuildable and stay
// out of backups.
func backupDomains(h *hierarchy.Hierarchy) []domain.Domain {
	skip := map[domain.Domain]bool{
		"":                         true,
		domain.DomainTransient:     true,
		domain.DomainDocIndexState: true,
		domain.DomainFullTextBlob:  true,
	}
	seen := map[domain.Domain]bool{}
	doms := []domain.Domain{domain.DomainTx, domain.DomainModel}
	for _, d := range doms {
		seen[d] = true
	}
	for _, c := range h.Classes() {
		if c.Domain == "" || skip[c.Domain] || seen[c.Domain] {
			continue
		}
		seen[c.Domain] = true
		doms = append(doms, c.Domain)
	}
	return doms
}

// lastTxFunc reports the newest logged transaction id for backup no-op
// detection.
func lastTxFunc(adapter driven.DomainAdapter) func(ctx context.Context) (domain.ID, error) {
	return func(ctx context.Context) (domain.ID, error) {
		res, err := adapter.FindAll(ctx, domain.ClassTxCUD, nil,
			driven.FindOptions{Limit: 1, Sort: map[string]int{"modifiedOn": -1}})
		if err != nil {
			return "", err
		}
		if len(res.Docs) == 0 {
			return "", nil
		}
		return res.Docs[0].ID, nil
	}
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}
