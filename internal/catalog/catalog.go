// Package catalog persists split songs and the analysis cache in sqlite.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/satindergrewal/stemdeck/internal/analysis"
)

// ErrNotFound is returned when no song has the requested id.
var ErrNotFound = errors.New("song not found")

// Song is one previously split song.
type Song struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	JobID          string    `json:"job_id"`
	Source         string    `json:"source"` // audio file the song was split from
	BPM            *int      `json:"bpm"`
	Key            *string   `json:"key"`
	Decompositions []string  `json:"decompositions"`
	CreatedAt      time.Time `json:"created_at"`
}

// Catalog wraps the database.
type Catalog struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS songs (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	job_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	bpm INTEGER,
	key TEXT,
	decompositions TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_songs_created ON songs(created_at);
CREATE TABLE IF NOT EXISTS analysis (
	source_id TEXT PRIMARY KEY,
	bpm INTEGER,
	key TEXT,
	computed_at INTEGER NOT NULL
);
`

// Columns added after the first release.
var migrations = []string{
	"ALTER TABLE songs ADD COLUMN source TEXT NOT NULL DEFAULT ''",
}

// Open opens or creates the database at path.
func Open(path string) (*Catalog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create catalog dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create catalog tables: %w", err)
	}
	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil && !strings.Contains(err.Error(), "duplicate column name") {
			db.Close()
			return nil, fmt.Errorf("migrate catalog: %w", err)
		}
	}
	return &Catalog{db: db}, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// SaveSong inserts or replaces a song.
func (c *Catalog) SaveSong(ctx context.Context, s Song) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	if s.Decompositions == nil {
		s.Decompositions = []string{}
	}
	decomp, err := json.Marshal(s.Decompositions)
	if err != nil {
		return fmt.Errorf("encode decompositions: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO songs (id, title, job_id, source, created_at, bpm, key, decompositions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			job_id = excluded.job_id,
			source = excluded.source,
			bpm = excluded.bpm,
			key = excluded.key,
			decompositions = excluded.decompositions`,
		s.ID, s.Title, s.JobID, s.Source, s.CreatedAt.Unix(), nullInt(s.BPM), nullString(s.Key), string(decomp))
	if err != nil {
		return fmt.Errorf("save song %s: %w", s.ID, err)
	}
	return nil
}

const songColumns = `id, title, job_id, source, created_at, bpm, key, decompositions`

type scanner interface {
	Scan(dest ...any) error
}

func scanSong(row scanner) (Song, error) {
	var (
		s       Song
		created int64
		bpm     sql.NullInt64
		key     sql.NullString
		decomp  string
	)
	if err := row.Scan(&s.ID, &s.Title, &s.JobID, &s.Source, &created, &bpm, &key, &decomp); err != nil {
		return Song{}, err
	}
	s.CreatedAt = time.Unix(created, 0)
	if bpm.Valid {
		v := int(bpm.Int64)
		s.BPM = &v
	}
	if key.Valid {
		s.Key = &key.String
	}
	if err := json.Unmarshal([]byte(decomp), &s.Decompositions); err != nil {
		return Song{}, fmt.Errorf("decode decompositions of %s: %w", s.ID, err)
	}
	return s, nil
}

// Song returns one song by id.
func (c *Catalog) Song(ctx context.Context, id string) (Song, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+songColumns+` FROM songs WHERE id = ?`, id)
	s, err := scanSong(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Song{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Song{}, fmt.Errorf("load song %s: %w", id, err)
	}
	return s, nil
}

// Songs lists every song, newest first.
func (c *Catalog) Songs(ctx context.Context) ([]Song, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT `+songColumns+` FROM songs ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list songs: %w", err)
	}
	defer rows.Close()

	songs := []Song{}
	for rows.Next() {
		s, err := scanSong(rows)
		if err != nil {
			return nil, fmt.Errorf("list songs: %w", err)
		}
		songs = append(songs, s)
	}
	return songs, rows.Err()
}

// AddDecomposition records that a decomposition kind was loaded for a song.
func (c *Catalog) AddDecomposition(ctx context.Context, id, kind string) error {
	s, err := c.Song(ctx, id)
	if err != nil {
		return err
	}
	if slices.Contains(s.Decompositions, kind) {
		return nil
	}
	s.Decompositions = append(s.Decompositions, kind)
	return c.SaveSong(ctx, s)
}

// SetAnalysis stores the tempo and key on a song.
func (c *Catalog) SetAnalysis(ctx context.Context, id string, r analysis.Result) error {
	res, err := c.db.ExecContext(ctx, `UPDATE songs SET bpm = ?, key = ? WHERE id = ?`,
		nullInt(r.BPM), nullString(r.Key), id)
	if err != nil {
		return fmt.Errorf("set analysis of %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// GetAnalysis implements analysis.Cache.
func (c *Catalog) GetAnalysis(ctx context.Context, source string) (analysis.Result, bool, error) {
	var (
		bpm sql.NullInt64
		key sql.NullString
	)
	err := c.db.QueryRowContext(ctx, `SELECT bpm, key FROM analysis WHERE source_id = ?`, source).Scan(&bpm, &key)
	if errors.Is(err, sql.ErrNoRows) {
		return analysis.Result{}, false, nil
	}
	if err != nil {
		return analysis.Result{}, false, fmt.Errorf("read analysis of %s: %w", source, err)
	}
	var r analysis.Result
	if bpm.Valid {
		v := int(bpm.Int64)
		r.BPM = &v
	}
	if key.Valid {
		r.Key = &key.String
	}
	return r, true, nil
}

// PutAnalysis implements analysis.Cache.
func (c *Catalog) PutAnalysis(ctx context.Context, source string, r analysis.Result) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO analysis (source_id, bpm, key, computed_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET bpm = excluded.bpm, key = excluded.key, computed_at = excluded.computed_at`,
		source, nullInt(r.BPM), nullString(r.Key), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("write analysis of %s: %w", source, err)
	}
	return nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
