package searchindex

import (
	"context"
	"database/sql"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
DROP TABLE IF EXISTS veredas;

CREATE TABLE veredas (
	vereda       TEXT NOT NULL,
	department   TEXT NOT NULL,
	municipality TEXT NOT NULL DEFAULT '',
	lon          REAL NOT NULL,
	lat          REAL NOT NULL,
	code         TEXT NOT NULL DEFAULT ''
);

CREATE INDEX idx_veredas_vereda ON veredas(vereda);
CREATE INDEX idx_veredas_department ON veredas(department);
`

// WriteSQLite replaces the veredas table in the database at path with
// entries, preserving their order as rowids.
func WriteSQLite(ctx context.Context, path string, entries []Entry) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return eris.Wrap(err, "sqlite: open")
	}
	defer db.Close() //nolint:errcheck

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		return eris.Wrap(err, "sqlite: exec busy_timeout")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, sqliteSchema); err != nil {
		return eris.Wrap(err, "sqlite: create veredas table")
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO veredas (vereda, department, municipality, lon, lat, code) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert")
	}
	defer stmt.Close() //nolint:errcheck

	for i, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Vereda, e.Department, e.Municipality, e.Lon, e.Lat, e.Code); err != nil {
			return eris.Wrapf(err, "sqlite: insert entry %d (%s)", i, e.Vereda)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit")
}
