// Package archive keeps a history of canvases that were cleared. It is never used to restore canonical state.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/linesync/pkg/lines"
	"github.com/astromechza/linesync/pkg/state"
)

var ErrNotFound = errors.New("archive entry not found")

type Entry struct {
	ID        int64     `json:"id"`
	ClearedAt time.Time `json:"cleared_at"`
	Epoch     uint64    `json:"epoch"`
	LineCount int       `json:"line_count"`
}

type Archive struct {
	database *sql.DB
}

// Open opens or creates the archive database at path. ":memory:" keeps it in process.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	// each new connection to :memory: would be a separate empty database
	db.SetMaxOpenConns(1)
	a := &Archive{database: db}
	if err := a.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) init() error {
	if _, err := a.database.Exec(
		`CREATE TABLE IF NOT EXISTS clears (
		id integer not null primary key autoincrement,
		cleared_at integer not null,
		epoch integer not null,
		line_count integer not null,
		content text not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create clears table: %w", err)
	}
	return nil
}

func (a *Archive) Close() error {
	return a.database.Close()
}

// Save stores the lines removed by a clear and returns the new entry id.
func (a *Archive) Save(ctx context.Context, clearedAt time.Time, epoch uint64, removed lines.Collection) (int64, error) {
	content, err := json.Marshal(removed)
	if err != nil {
		return 0, fmt.Errorf("failed to encode cleared lines: %w", err)
	}
	res, err := a.database.ExecContext(
		ctx, `INSERT INTO clears(cleared_at, epoch, line_count, content) VALUES (?, ?, ?, ?)`,
		clearedAt.UnixNano(), epoch, len(removed), string(content),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert clear: %w", err)
	}
	return res.LastInsertId()
}

// List returns the most recent entries first.
func (a *Archive) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	res, err := a.database.QueryContext(
		ctx, `SELECT id, cleared_at, epoch, line_count FROM clears ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func(res *sql.Rows) {
		if err := res.Close(); err != nil {
			slog.Error("failed to close", "err", err)
		}
	}(res)

	out := make([]Entry, 0)
	for res.Next() {
		var e Entry
		var clearedAt int64
		if err := res.Scan(&e.ID, &clearedAt, &e.Epoch, &e.LineCount); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		e.ClearedAt = time.Unix(0, clearedAt).UTC()
		out = append(out, e)
	}
	return out, res.Err()
}

func (a *Archive) Get(ctx context.Context, id int64) (lines.Collection, error) {
	var content string
	if err := a.database.QueryRowContext(ctx, `SELECT content FROM clears WHERE id = ?`, id).Scan(&content); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	var out lines.Collection
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, fmt.Errorf("failed to decode cleared lines: %w", err)
	}
	return out, nil
}

// OnChange archives the lines dropped by every clear.
func (a *Archive) OnChange(ctx context.Context, c state.Change) {
	if c.Kind != state.ChangeClear {
		return
	}
	id, err := a.Save(context.WithoutCancel(ctx), c.At, c.Epoch, c.Removed)
	if err != nil {
		slog.Error("failed to archive clear", "epoch", c.Epoch, "err", err)
		return
	}
	slog.Info("archived clear", "entry", id, "epoch", c.Epoch, "lines", len(c.Removed))
}
