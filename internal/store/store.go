package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/fredhsu/reviewloop/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		topic TEXT NOT NULL DEFAULT '',
		difficulty REAL NOT NULL DEFAULT 0,
		stability REAL NOT NULL DEFAULT 0,
		retrievability REAL NOT NULL DEFAULT 0,
		reps INTEGER NOT NULL DEFAULT 0,
		lapses INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL DEFAULT 'new',
		due DATETIME NOT NULL,
		last_review DATETIME,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_items_due ON items(due);

	CREATE TABLE IF NOT EXISTS imported_files (
		path TEXT PRIMARY KEY,
		hash TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

const itemColumns = `id, title, content, topic, difficulty, stability, retrievability,
	reps, lapses, state, due, last_review, created_at`

func scanItem(row interface{ Scan(...any) error }) (model.ItemState, error) {
	var it model.ItemState
	var lastReview sql.NullTime
	err := row.Scan(&it.ID, &it.Title, &it.Content, &it.Topic,
		&it.Difficulty, &it.Stability, &it.Retrievability,
		&it.Reps, &it.Lapses, &it.State, &it.Due, &lastReview, &it.CreatedAt)
	if lastReview.Valid {
		t := lastReview.Time
		it.LastReview = &t
	}
	return it, err
}

// InsertItem stores a new knowledge item. Items start in the new state,
// due immediately.
func (s *Store) InsertItem(it model.ItemState) (int64, error) {
	state := it.State
	if state == "" {
		state = model.StateNew
	}
	due := it.Due
	if due.IsZero() {
		due = time.Now()
	}
	res, err := s.db.Exec(
		`INSERT INTO items (title, content, topic, difficulty, stability, retrievability,
		 reps, lapses, state, due, last_review, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.Title, it.Content, it.Topic, it.Difficulty, it.Stability, it.Retrievability,
		it.Reps, it.Lapses, state, due, it.LastReview, time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetItem returns an item by ID.
func (s *Store) GetItem(id int64) (model.ItemState, error) {
	row := s.db.QueryRow(`SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	return scanItem(row)
}

// ListItems returns all items ordered by ID.
func (s *Store) ListItems() ([]model.ItemState, error) {
	rows, err := s.db.Query(`SELECT ` + itemColumns + ` FROM items ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []model.ItemState
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// GetDueItems returns items whose review time has passed, soonest-due first.
func (s *Store) GetDueItems(now time.Time) ([]model.ItemState, error) {
	rows, err := s.db.Query(`SELECT `+itemColumns+` FROM items WHERE due <= ? ORDER BY due`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []model.ItemState
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// PersistSchedulingUpdate writes an item's updated scheduling attributes.
func (s *Store) PersistSchedulingUpdate(id int64, st model.SchedulingState) error {
	res, err := s.db.Exec(
		`UPDATE items SET difficulty = ?, stability = ?, retrievability = ?,
		 reps = ?, lapses = ?, state = ?, due = ?, last_review = ?
		 WHERE id = ?`,
		st.Difficulty, st.Stability, st.Retrievability,
		st.Reps, st.Lapses, st.State, st.Due, st.LastReview, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ItemCount returns the number of items in the database.
func (s *Store) ItemCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&count)
	return count, err
}

// GetImportedFileHash returns the recorded content hash for an imported file.
// Returns empty string and nil error if the file was never imported.
func (s *Store) GetImportedFileHash(path string) (string, error) {
	var hash string
	err := s.db.QueryRow(`SELECT hash FROM imported_files WHERE path = ?`, path).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return hash, err
}

// SetImportedFileHash records the content hash for an imported file.
func (s *Store) SetImportedFileHash(path, hash string) error {
	_, err := s.db.Exec(
		`INSERT INTO imported_files (path, hash) VALUES (?, ?)
		 ON CONFLICT(path) DO UPDATE SET hash = ?`,
		path, hash, hash,
	)
	return err
}
