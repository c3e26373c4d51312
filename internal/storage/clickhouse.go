package storage

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

// historyItem carries exactly one of run or score through the buffer.
type historyItem struct {
	run   *RunRecord
	score *ScoreRecord
}

// ClickHouseWriter writes detection history to ClickHouse asynchronously.
// Writes are non-blocking; records are buffered and batch-inserted in a
// background goroutine.
type ClickHouseWriter struct {
	conn    driver.Conn
	buffer  chan historyItem
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	logger  *zap.Logger
}

// OpenClickHouse parses dsn, opens a connection and pings it.
func OpenClickHouse(ctx context.Context, dsn string) (driver.Conn, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	// ParseDSN sets TLS when ?secure=true; enforce it for ClickHouse Cloud.
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

// NewClickHouseWriter connects, creates the history tables if needed and
// starts the background flush loop.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := OpenClickHouse(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := EnsureSchema(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return newClickHouseWriter(conn, logger), nil
}

func newClickHouseWriter(conn driver.Conn, logger *zap.Logger) *ClickHouseWriter {
	w := &ClickHouseWriter{
		conn:    conn,
		buffer:  make(chan historyItem, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
	go w.flushLoop()
	return w
}

// WriteRun queues a run row. Drops it if the buffer is full.
func (w *ClickHouseWriter) WriteRun(run *RunRecord) {
	select {
	case w.buffer <- historyItem{run: run}:
	default:
		w.logger.Warn("clickhouse buffer full, dropping run",
			zap.String("run_id", run.RunID),
		)
	}
}

// WriteScore queues a score row. Drops it if the buffer is full.
func (w *ClickHouseWriter) WriteScore(score *ScoreRecord) {
	select {
	case w.buffer <- historyItem{score: score}:
	default:
		w.logger.Warn("clickhouse buffer full, dropping score",
			zap.String("run_id", score.RunID),
			zap.String("event_id", score.EventID),
		)
	}
}

// Close signals the flush loop to drain remaining records, waits for it to
// finish (up to drainTimeout), and closes the connection. Safe to call once.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
	_ = w.conn.Close()
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	var runs []*RunRecord
	scores := make([]*ScoreRecord, 0, flushBatch)

	add := func(it historyItem) {
		if it.run != nil {
			runs = append(runs, it.run)
		}
		if it.score != nil {
			scores = append(scores, it.score)
		}
	}
	flushAll := func() {
		if len(runs) > 0 {
			w.flushRuns(runs)
			runs = runs[:0]
		}
		if len(scores) > 0 {
			w.flushScores(scores)
			scores = scores[:0]
		}
	}

	for {
		select {
		case it := <-w.buffer:
			add(it)
			if len(runs)+len(scores) >= flushBatch {
				flushAll()
			}
		case <-ticker.C:
			flushAll()
		case <-w.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case it := <-w.buffer:
					add(it)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			flushAll()
			return
		}
	}
}

func (w *ClickHouseWriter) flushRuns(runs []*RunRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO detection_runs (
			run_id, started_at, finished_at, window_start, status, failed_stage,
			event_count, flagged, write_failures,
			low_count, medium_count, high_count, critical_count,
			decision_offset, silhouette, davies_bouldin, duration_ms, features, error
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.String("table", "detection_runs"), zap.Error(err))
		return
	}

	for _, r := range runs {
		if err := batch.Append(
			r.RunID,
			r.StartedAt,
			r.FinishedAt,
			r.WindowStart,
			r.Status,
			r.FailedStage,
			r.EventCount,
			r.Flagged,
			r.WriteFailures,
			r.LowCount,
			r.MediumCount,
			r.HighCount,
			r.CriticalCount,
			r.Offset,
			r.Silhouette,
			r.DaviesBouldin,
			r.DurationMs,
			r.Features,
			r.Error,
		); err != nil {
			w.logger.Error("clickhouse append run failed",
				zap.String("run_id", r.RunID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.String("table", "detection_runs"),
			zap.Int("batch_size", len(runs)),
			zap.Error(err),
		)
	}
}

func (w *ClickHouseWriter) flushScores(scores []*ScoreRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO anomaly_scores (
			run_id, event_id, event_time, scored_at,
			user_email, source_ip, file_id, file_name, event_type,
			anomaly_score, decision_value, severity
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.String("table", "anomaly_scores"), zap.Error(err))
		return
	}

	for _, s := range scores {
		if err := batch.Append(
			s.RunID,
			s.EventID,
			s.EventTime,
			s.ScoredAt,
			s.UserEmail,
			s.SourceIP,
			s.FileID,
			s.FileName,
			s.EventType,
			s.AnomalyScore,
			s.DecisionValue,
			s.Severity,
		); err != nil {
			w.logger.Error("clickhouse append score failed",
				zap.String("event_id", s.EventID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.String("table", "anomaly_scores"),
			zap.Int("batch_size", len(scores)),
			zap.Error(err),
		)
	}
}

// LogWriter is a fallback HistoryWriter for local development.
// It logs history as structured JSON to stdout via zap.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs history to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) WriteRun(run *RunRecord) {
	w.logger.Info("detection_run",
		zap.String("run_id", run.RunID),
		zap.String("status", run.Status),
		zap.String("failed_stage", run.FailedStage),
		zap.Uint32("event_count", run.EventCount),
		zap.Uint32("flagged", run.Flagged),
		zap.Uint32("write_failures", run.WriteFailures),
		zap.Uint32("critical", run.CriticalCount),
		zap.Uint32("high", run.HighCount),
		zap.Float64("offset", run.Offset),
		zap.Float32("duration_ms", run.DurationMs),
	)
}

func (w *LogWriter) WriteScore(score *ScoreRecord) {
	w.logger.Debug("anomaly_score",
		zap.String("run_id", score.RunID),
		zap.String("event_id", score.EventID),
		zap.String("user_email", score.UserEmail),
		zap.String("file_id", score.FileID),
		zap.Float64("anomaly_score", score.AnomalyScore),
		zap.String("severity", score.Severity),
	)
}

func (w *LogWriter) Close() {}
