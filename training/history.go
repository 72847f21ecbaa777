package training

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"
)

// History records run metadata and periodic loss metrics in a local
// sqlite database. It is an optional integration: Open resolves its
// availability once at startup and trainers consult Enabled, never a
// failure path inside the training loop.
type History struct {
	mu      sync.Mutex
	db      *sql.DB
	enabled bool
}

// OpenHistory opens (or creates) the run-history database at path. An
// empty path, or a database that cannot be opened, yields a disabled
// store; the degradation is logged once and training proceeds.
func OpenHistory(ctx context.Context, path string, log *logrus.Logger) *History {
	h := &History{}
	if path == "" {
		return h
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		log.WithError(err).WithField("path", path).Warn("run history disabled")
		return h
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		log.WithError(err).WithField("path", path).Warn("run history disabled")
		return h
	}
	if err := createHistoryTables(ctx, db); err != nil {
		db.Close()
		log.WithError(err).WithField("path", path).Warn("run history disabled")
		return h
	}

	h.db = db
	h.enabled = true
	log.WithField("path", path).Info("run history enabled")
	return h
}

func createHistoryTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			device TEXT NOT NULL,
			dataset_size INTEGER NOT NULL,
			num_styles INTEGER NOT NULL,
			arch_hash TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS metrics (
			run_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			epoch INTEGER NOT NULL,
			d_loss REAL NOT NULL,
			g_loss REAL NOT NULL,
			style_loss REAL NOT NULL,
			skipped INTEGER NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (run_id, step)
		);
	`)
	return err
}

// Enabled reports whether the store is usable.
func (h *History) Enabled() bool { return h.enabled }

// RecordRun inserts the run row at startup.
func (h *History) RecordRun(ctx context.Context, rec *RunRecord) error {
	if !h.enabled {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := h.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, device, dataset_size, num_styles, arch_hash)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, rec.RunID, time.Now().UTC().Format(time.RFC3339), rec.Device,
		rec.DatasetSize, rec.Config.NumStyles, rec.ArchHash)
	return errors.Wrap(err, "record run")
}

// RecordMetrics appends one metrics row.
func (h *History) RecordMetrics(ctx context.Context, runID string, p MetricPoint) error {
	if !h.enabled {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := h.db.ExecContext(ctx, `
		INSERT INTO metrics (run_id, step, epoch, d_loss, g_loss, style_loss, skipped, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, step) DO UPDATE SET
			d_loss = excluded.d_loss,
			g_loss = excluded.g_loss,
			style_loss = excluded.style_loss,
			skipped = excluded.skipped
	`, runID, p.Step, p.Epoch, p.DLoss, p.GLoss, p.StyleLoss, p.Skipped,
		time.Now().UTC().Format(time.RFC3339))
	return errors.Wrap(err, "record metrics")
}

// MetricPoint is one recorded loss observation.
type MetricPoint struct {
	Step      int
	Epoch     int
	DLoss     float32
	GLoss     float32
	StyleLoss float32
	Skipped   uint64
}

// Metrics returns all recorded points for a run in step order.
func (h *History) Metrics(ctx context.Context, runID string) ([]MetricPoint, error) {
	if !h.enabled {
		return nil, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	rows, err := h.db.QueryContext(ctx, `
		SELECT step, epoch, d_loss, g_loss, style_loss, skipped FROM metrics
		WHERE run_id = ? ORDER BY step
	`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "query metrics")
	}
	defer rows.Close()

	var points []MetricPoint
	for rows.Next() {
		var p MetricPoint
		if err := rows.Scan(&p.Step, &p.Epoch, &p.DLoss, &p.GLoss, &p.StyleLoss, &p.Skipped); err != nil {
			return nil, errors.Wrap(err, "scan metrics")
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// Close releases the database handle.
func (h *History) Close() error {
	if !h.enabled {
		return nil
	}
	h.enabled = false
	return h.db.Close()
}
