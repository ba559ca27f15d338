package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"loop-agent/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// StepRecord is one confirmed or failed execution step.
type StepRecord struct {
	Time      time.Time
	UserID    string
	Market    string
	PlanID    string
	StepIndex int
	Kind      string
	Amount    string
	TxHash    string
	Success   bool
	Error     string
}

// HealthSample is one monitor observation of a live position.
type HealthSample struct {
	Time         time.Time
	UserID       string
	Market       string
	Collateral   string
	Debt         string
	HealthFactor float64
	Leverage     float64
}

// Writer records the agent's activity to Postgres asynchronously. Enqueue
// never blocks the caller; a full queue drops the row and warns once.
type Writer struct {
	db       *sql.DB
	log      *zap.Logger
	schema   string
	steps    chan StepRecord
	health   chan HealthSample
	started  atomic.Bool
	dropStep atomic.Uint64
	dropHlth atomic.Uint64
}

func New(cfg config.HistoryConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("history dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := &Writer{
		db:     db,
		log:    log,
		schema: schema,
		steps:  make(chan StepRecord, 256),
		health: make(chan HealthSample, 256),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueStep(record StepRecord) {
	if w == nil {
		return
	}
	select {
	case w.steps <- record:
		return
	default:
		if w.dropStep.Add(1) == 1 && w.log != nil {
			w.log.Warn("history step queue full")
		}
	}
}

func (w *Writer) EnqueueHealth(sample HealthSample) {
	if w == nil {
		return
	}
	select {
	case w.health <- sample:
		return
	default:
		if w.dropHlth.Add(1) == 1 && w.log != nil {
			w.log.Warn("history health queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case record := <-w.steps:
			w.writeStep(ctx, record)
		case sample := <-w.health:
			w.writeHealth(ctx, sample)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("history db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		user_id TEXT NOT NULL,
		market TEXT NOT NULL,
		plan_id TEXT NOT NULL,
		step_index INTEGER NOT NULL,
		kind TEXT NOT NULL,
		amount NUMERIC NOT NULL,
		tx_hash TEXT NOT NULL DEFAULT '',
		success BOOLEAN NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	)`, w.table("execution_steps"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		user_id TEXT NOT NULL,
		market TEXT NOT NULL,
		collateral NUMERIC NOT NULL,
		debt NUMERIC NOT NULL,
		health_factor DOUBLE PRECISION NOT NULL,
		leverage DOUBLE PRECISION NOT NULL
	)`, w.table("health_samples"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	for _, name := range []string{"execution_steps", "health_samples"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil && w.log != nil {
			w.log.Warn("hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeStep(ctx context.Context, record StepRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, user_id, market, plan_id, step_index, kind, amount, tx_hash, success, error
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`, w.table("execution_steps"))
	if _, err := w.db.ExecContext(ctx, query,
		record.Time,
		record.UserID,
		record.Market,
		record.PlanID,
		record.StepIndex,
		record.Kind,
		record.Amount,
		record.TxHash,
		record.Success,
		record.Error,
	); err != nil && w.log != nil {
		w.log.Warn("history step insert failed", zap.Error(err))
	}
}

func (w *Writer) writeHealth(ctx context.Context, sample HealthSample) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, user_id, market, collateral, debt, health_factor, leverage
	) VALUES ($1,$2,$3,$4,$5,$6,$7)`, w.table("health_samples"))
	if _, err := w.db.ExecContext(ctx, query,
		sample.Time,
		sample.UserID,
		sample.Market,
		sample.Collateral,
		sample.Debt,
		sample.HealthFactor,
		sample.Leverage,
	); err != nil && w.log != nil {
		w.log.Warn("history health insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
