package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/plantqc/internal/errors"
	"codeberg.org/mutker/plantqc/internal/logger"
	"codeberg.org/mutker/plantqc/internal/sample"

	_ "github.com/mattn/go-sqlite3"
)

type sqliteStore struct {
	db        *sql.DB
	retention time.Duration
	mu        sync.Mutex
}

// NewStore opens the audit database, creating directories and schema as
// needed. A disabled config yields a no-op store so callers never branch.
func NewStore(cfg Config) (Store, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		logger.Debug().Msg("Audit storage disabled, using no-op store")
		return &noopStore{}, nil
	}

	logger.Debug().Msgf("Initializing audit store at: %s", cfg.DBPath)

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
			return nil, errFactory.Wrap(ErrStorageInit, err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	return &sqliteStore{
		db:        db,
		retention: time.Duration(cfg.Retention) * time.Second,
	}, nil
}

func (r *sqliteStore) AddSample(ctx context.Context, s sample.Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `
        INSERT INTO samples (
            ts_ms, sio2_in, cao_in, moisture, separator, gypsum,
            lsf_est, blaine_est, fcao_est, energy_consumption
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(ts_ms) DO NOTHING
    `,
		s.Timestamp.UnixMilli(),
		s.Values[sample.SiO2In],
		s.Values[sample.CaOIn],
		s.Values[sample.Moisture],
		s.Values[sample.Separator],
		s.Values[sample.Gypsum],
		s.Values[sample.LSFEst],
		s.Values[sample.BlaineEst],
		s.Values[sample.FCaOEst],
		s.Values[sample.Energy],
	)
	if err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	return nil
}

func (r *sqliteStore) RecentSamples(ctx context.Context, window time.Duration) ([]sample.Sample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	since := time.Now().Add(-window).UnixMilli()
	rows, err := r.db.QueryContext(ctx, `
        SELECT ts_ms, sio2_in, cao_in, moisture, separator, gypsum,
               lsf_est, blaine_est, fcao_est, energy_consumption
        FROM samples WHERE ts_ms >= ? ORDER BY ts_ms ASC
    `, since)
	if err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var out []sample.Sample
	for rows.Next() {
		var tsMs int64
		var sio2, cao, moist, sep, gyp, lsf, blaine, fcao, energy float64
		if err := rows.Scan(&tsMs, &sio2, &cao, &moist, &sep, &gyp, &lsf, &blaine, &fcao, &energy); err != nil {
			return nil, errors.New().Wrap(ErrStorageAccess, err)
		}
		out = append(out, sample.New(time.UnixMilli(tsMs).UTC(), map[string]float64{
			sample.SiO2In:    sio2,
			sample.CaOIn:     cao,
			sample.Moisture:  moist,
			sample.Separator: sep,
			sample.Gypsum:    gyp,
			sample.LSFEst:    lsf,
			sample.BlaineEst: blaine,
			sample.FCaOEst:   fcao,
			sample.Energy:    energy,
		}))
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}

	return out, nil
}

func (r *sqliteStore) Log(ctx context.Context, kind string, detail any) error {
	raw, err := json.Marshal(detail)
	if err != nil {
		return errors.New().Wrap(ErrEncodeDetail, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO audit (ts_ms, kind, detail) VALUES (?, ?, ?)`,
		time.Now().UnixMilli(), kind, string(raw),
	)
	if err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	return nil
}

func (r *sqliteStore) Entries(ctx context.Context, limit int) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.QueryContext(ctx,
		`SELECT ts_ms, kind, detail FROM audit ORDER BY ts_ms DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var tsMs int64
		var kind, detail string
		if err := rows.Scan(&tsMs, &kind, &detail); err != nil {
			return nil, errors.New().Wrap(ErrStorageAccess, err)
		}
		out = append(out, Entry{
			Timestamp: time.UnixMilli(tsMs).UTC(),
			Kind:      kind,
			Detail:    json.RawMessage(detail),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}

	return out, nil
}

// Prune evicts sample rows older than the retention horizon. Audit
// entries are kept; they are the provenance trail.
func (r *sqliteStore) Prune(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.retention).UnixMilli()
	_, err := r.db.ExecContext(ctx, `DELETE FROM samples WHERE ts_ms < ?`, cutoff)
	if err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	return nil
}

func (r *sqliteStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.db.Close(); err != nil {
		return errors.New().Wrap(ErrStorageClose, err)
	}

	return nil
}

type noopStore struct{}

func (*noopStore) AddSample(context.Context, sample.Sample) error { return nil }
func (*noopStore) RecentSamples(context.Context, time.Duration) ([]sample.Sample, error) {
	return nil, nil
}
func (*noopStore) Log(context.Context, string, any) error        { return nil }
func (*noopStore) Entries(context.Context, int) ([]Entry, error) { return nil, nil }
func (*noopStore) Prune(context.Context) error                   { return nil }
func (*noopStore) Close() error                                  { return nil }
