package audit

import (
	"database/sql"

	"codeberg.org/mutker/plantqc/internal/errors"
)

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS samples (
            ts_ms INTEGER PRIMARY KEY,
            sio2_in REAL,
            cao_in REAL,
            moisture REAL,
            separator REAL,
            gypsum REAL,
            lsf_est REAL,
            blaine_est REAL,
            fcao_est REAL,
            energy_consumption REAL
        );
        CREATE TABLE IF NOT EXISTS audit (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            ts_ms INTEGER NOT NULL,
            kind TEXT NOT NULL,
            detail TEXT NOT NULL
        );
        CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit(ts_ms);
    `)
	if err != nil {
		return errors.New().Wrap(ErrSchemaInit, err)
	}

	return nil
}
