package cmd

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chunkflow/chunkflow/chunker"
	"github.com/chunkflow/chunkflow/handlers"
	"github.com/chunkflow/chunkflow/models"
	"github.com/chunkflow/chunkflow/pool"
	"github.com/chunkflow/chunkflow/queue"
	"github.com/chunkflow/chunkflow/server"
	"github.com/chunkflow/chunkflow/store"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine: dispatch loop, HTTP API, and WebSocket feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	st, factory, err := buildStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	connPool := pool.New(pool.Config{
		MaxConnections: cfg.Pool.MaxConnections,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		IdleTimeout:    cfg.Pool.IdleTimeout,
	}, factory)
	defer connPool.Close()

	q := queue.New(queue.Config{
		MaxConcurrent:      cfg.Queue.MaxConcurrent,
		DefaultMaxAttempts: cfg.Queue.MaxAttempts,
		BaseDelay:          cfg.Queue.BaseDelay,
		MaxDelay:           cfg.Queue.MaxDelay,
		DisableDeadLetter:  cfg.Queue.DisableDeadLetter,
	}, st)
	registerHandlers(q, connPool)

	// The server installs the queue's notifiers, so it must exist before
	// the dispatch loop starts emitting transitions.
	srv := server.NewServer(q, cfg.Server.Addr)

	if err := q.Recover(ctx); err != nil {
		return fmt.Errorf("recover persisted jobs: %w", err)
	}
	q.Start(ctx)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	cancel()
	select {
	case <-q.Stopped():
	case <-time.After(30 * time.Second):
		log.Warn().Msg("Dispatch loop did not drain in time")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown failed")
	}
	return nil
}

// buildStore returns the job store and the matching pool factory for the
// configured driver.
func buildStore(ctx context.Context) (store.JobStore, pool.Factory, error) {
	switch cfg.Store.Driver {
	case "postgres":
		st, err := store.NewPostgresStore(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return st, store.PgxFactory(cfg.Store.DatabaseURL), nil
	case "file", "":
		st, err := store.NewFileStore(cfg.Store.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return st, localFactory, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// registerHandlers binds the built-in handlers with checksum-based
// default collaborators. Deployments embedding the engine as a library
// supply their own.
func registerHandlers(q *queue.JobQueue, connPool *pool.Pool) {
	q.RegisterHandler(models.TypeBatchProcess, &handlers.BatchHandler{
		Pool:    connPool,
		Process: checksumItem,
	})
	q.RegisterHandler(models.TypeFileIngest, &handlers.FileIngestHandler{
		Pool: connPool,
		Sink: checksumChunk,
	})
	q.RegisterHandler(models.TypeDocumentExtract, &handlers.DocumentHandler{})
	q.RegisterHandler(models.TypeDatasetAnalysis, &handlers.AnalysisHandler{
		Score: scoreRecord,
	})
}

// localFactory backs the pool when no database is configured. The
// handles carry no real connection state; the pool still enforces its
// concurrency bound.
func localFactory(ctx context.Context) (pool.Conn, error) {
	return localConn{}, nil
}

type localConn struct{}

func (localConn) Close() error { return nil }

type itemDigest struct {
	Checksum string `json:"checksum"`
	Bytes    int    `json:"bytes"`
}

func checksumItem(ctx context.Context, conn pool.Conn, item json.RawMessage) (json.RawMessage, error) {
	sum := sha256.Sum256(item)
	return json.Marshal(itemDigest{Checksum: hex.EncodeToString(sum[:]), Bytes: len(item)})
}

func checksumChunk(ctx context.Context, conn pool.Conn, chunk chunker.Chunk) error {
	sha256.Sum256(chunk.Data)
	return nil
}

func scoreRecord(ctx context.Context, record json.RawMessage) (json.RawMessage, error) {
	sum := sha256.Sum256(record)
	return json.Marshal(itemDigest{Checksum: hex.EncodeToString(sum[:]), Bytes: len(record)})
}
