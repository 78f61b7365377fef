// Package runner is the Chat Runner's top-level composition root: it opens
// the configured database, wires the in-memory or NATS-backed event bus,
// builds the Executor catalog, Context Builder, Compression Engine,
// Scheduler, Supervisor, and Presets catalog, and closes the
// Scheduler<->Supervisor construction cycle via Supervisor.SetDispatcher.
// Grounded on internal/persistence/provider.go's driver-switched DB Provide
// function and internal/events/provider.go's bus selection, both kept
// as-is and reused here rather than reimplemented.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/chatrunner/chatrunner/internal/chat/compression"
	"github.com/chatrunner/chatrunner/internal/chat/contextbuilder"
	"github.com/chatrunner/chatrunner/internal/chat/eventbus"
	"github.com/chatrunner/chatrunner/internal/chat/executor"
	"github.com/chatrunner/chatrunner/internal/chat/mention"
	"github.com/chatrunner/chatrunner/internal/chat/model"
	"github.com/chatrunner/chatrunner/internal/chat/presets"
	"github.com/chatrunner/chatrunner/internal/chat/scheduler"
	"github.com/chatrunner/chatrunner/internal/chat/store"
	"github.com/chatrunner/chatrunner/internal/chat/supervisor"
	"github.com/chatrunner/chatrunner/internal/common/config"
	"github.com/chatrunner/chatrunner/internal/common/logger"
	"github.com/chatrunner/chatrunner/internal/db"
	"github.com/chatrunner/chatrunner/internal/events"
)

// ChatRunner wires every internal/chat/* package into one running instance.
// It holds no back-references from Store into the higher-level packages
// (store stays the dependency leaf every other package imports), matching
// the layering note on the store.Store interface doc.
type ChatRunner struct {
	Store      store.Store
	Bus        *eventbus.Bus
	Catalog    *executor.Catalog
	Presets    *presets.Catalog
	Builder    *contextbuilder.Builder
	Engine     *compression.Engine
	Scheduler  *scheduler.Scheduler
	Supervisor *supervisor.Supervisor

	dbPool  *db.Pool
	cleanup []func() error
}

// New builds a ChatRunner from cfg. Callers must call Close when done.
func New(cfg *config.Config, log *logger.Logger) (*ChatRunner, error) {
	if log == nil {
		log = logger.Default()
	}

	pool, poolCleanup, err := provideDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("provide database: %w", err)
	}

	repo, err := store.NewRepository(pool)
	if err != nil {
		poolCleanup()
		return nil, fmt.Errorf("open store: %w", err)
	}

	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		_ = repo.Close()
		poolCleanup()
		return nil, fmt.Errorf("provide event bus: %w", err)
	}

	bufferSize := cfg.Events.BufferSize
	bus := eventbus.New(bufferSize, providedBus.Bus, log)

	catalog := executor.NewDefaultCatalog(cfg.Docker)
	presetCatalog := presets.NewCatalog(cfg.Compression)
	engine := compression.NewEngine(repo, catalog, cfg.Compression, log)
	builder := contextbuilder.NewBuilder(repo, engine, log)

	spawnTimeout := time.Duration(cfg.Runner.SpawnTimeoutSeconds) * time.Second
	exitPollInterval := time.Duration(cfg.Runner.ExitPollIntervalMillis) * time.Millisecond
	sup := supervisor.New(repo, catalog, builder, bus, cfg.Runner.ExpandAssetDir(), spawnTimeout, exitPollInterval, log)
	sched := scheduler.New(repo, bus, sup, cfg.Runner.MaxAgentChainDepth, log)
	sup.SetDispatcher(sched)

	return &ChatRunner{
		Store:      repo,
		Bus:        bus,
		Catalog:    catalog,
		Presets:    presetCatalog,
		Builder:    builder,
		Engine:     engine,
		Scheduler:  sched,
		Supervisor: sup,
		dbPool:     pool,
		cleanup:    []func() error{busCleanup, func() error { return repo.Close() }, poolCleanup},
	}, nil
}

// Close releases the database connections and event-bus bridge, in
// reverse acquisition order.
func (r *ChatRunner) Close() error {
	var first error
	for _, fn := range r.cleanup {
		if fn == nil {
			continue
		}
		if err := fn(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// PostMessage parses mentions out of content, creates the Message row, and
// hands it to the Scheduler, which is the sole entry point the rest of this
// package's state machine reacts to. This is the one piece of glue
// spec.md's data-flow diagram (§2) describes as "C1 insert -> C7 notify"
// that does not already live inside a single internal/chat/* package.
func (r *ChatRunner) PostMessage(ctx context.Context, sessionID string, senderType model.SenderType, senderID, content string, meta model.MessageMeta) (*model.Message, error) {
	mentions := mention.ParseMentions(content)
	msg := &model.Message{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		SenderType: senderType,
		SenderID:   senderID,
		Content:    content,
		Mentions:   mentions,
		Meta:       meta,
	}
	if err := r.Store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	r.Bus.Publish(ctx, eventbus.NewMessageEvent(sessionID, msg))
	if err := r.Scheduler.HandleMessage(ctx, sessionID, msg); err != nil {
		return msg, fmt.Errorf("handle message: %w", err)
	}
	return msg, nil
}

// provideDB opens the writer/reader sqlx pool per cfg.Database.Driver,
// grounded on internal/persistence/provider.go's driver switch (there
// env-var-selected; here config-selected, since the chat runner is a
// library entry point rather than a standalone daemon with its own env
// parsing).
func provideDB(cfg *config.Config) (*db.Pool, func() error, error) {
	switch cfg.Database.Driver {
	case "postgres":
		writer, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, nil, err
		}
		pool := db.NewPool(sqlx.NewDb(writer, "pgx"), sqlx.NewDb(writer, "pgx"))
		return pool, func() error { return writer.Close() }, nil
	case "sqlite", "":
		path := cfg.Database.Path
		if path == "" {
			path = "./chatrunner.db"
		}
		writer, err := db.OpenSQLite(path)
		if err != nil {
			return nil, nil, err
		}
		reader, err := db.OpenSQLiteReader(path)
		if err != nil {
			_ = writer.Close()
			return nil, nil, err
		}
		pool := db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
		return pool, func() error {
			_ = reader.Close()
			return writer.Close()
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}
