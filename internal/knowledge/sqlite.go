package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists learnings in a local SQLite database so they
// survive across runs and can be shared by concurrent agents.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open knowledge database: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS learnings (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		category TEXT NOT NULL,
		tags TEXT,
		content TEXT NOT NULL,
		confidence REAL NOT NULL,
		provenance TEXT,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_learnings_category ON learnings(category);
	CREATE INDEX IF NOT EXISTS idx_learnings_type ON learnings(type);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize knowledge schema: %w", err)
	}
	return nil
}

// Save appends a learning. A missing ID or timestamp is filled in.
func (s *SQLiteStore) Save(ctx context.Context, l Learning) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}

	tags, err := json.Marshal(l.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}
	prov, err := json.Marshal(l.Provenance)
	if err != nil {
		return fmt.Errorf("failed to encode provenance: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO learnings (id, type, category, tags, content, confidence, provenance, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, string(l.Type), l.Category, string(tags), l.Content, l.Confidence, string(prov), l.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save learning: %w", err)
	}
	return nil
}

// Retrieve returns learnings matching the filter, newest first.
func (s *SQLiteStore) Retrieve(ctx context.Context, f Filter) ([]Learning, error) {
	var (
		where []string
		args  []interface{}
	)
	if len(f.Types) > 0 {
		ph := make([]string, len(f.Types))
		for i, t := range f.Types {
			ph[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "type IN ("+strings.Join(ph, ",")+")")
	}
	if len(f.Categories) > 0 {
		ph := make([]string, len(f.Categories))
		for i, c := range f.Categories {
			ph[i] = "?"
			args = append(args, c)
		}
		where = append(where, "category IN ("+strings.Join(ph, ",")+")")
	}
	if f.MinConfidence > 0 {
		where = append(where, "confidence >= ?")
		args = append(args, f.MinConfidence)
	}

	query := "SELECT id, type, category, tags, content, confidence, provenance, created_at FROM learnings"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query learnings: %w", err)
	}
	defer rows.Close()

	var results []Learning
	for rows.Next() {
		l, err := scanLearning(rows)
		if err != nil {
			return nil, err
		}
		// Tag filtering is done in Go since tags are stored as JSON.
		if len(f.Tags) > 0 && !anyTag(f.Tags, l.Tags) {
			continue
		}
		results = append(results, l)
		if f.Limit > 0 && len(results) >= f.Limit {
			break
		}
	}
	return results, rows.Err()
}

// RetrieveRelevant scores learnings by keyword overlap with the task
// text and hints, returning the best matches first.
func (s *SQLiteStore) RetrieveRelevant(ctx context.Context, taskText string, hints []string) ([]Learning, error) {
	all, err := s.Retrieve(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	return rankRelevant(all, taskText, hints), nil
}

// GetByCategory returns all learnings in one category.
func (s *SQLiteStore) GetByCategory(ctx context.Context, category string) ([]Learning, error) {
	return s.Retrieve(ctx, Filter{Categories: []string{category}})
}

// GetStats reports counts by type and category.
func (s *SQLiteStore) GetStats(ctx context.Context) (Stats, error) {
	stats := Stats{ByType: make(map[LearningType]int), ByCategory: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, "SELECT type, category FROM learnings")
	if err != nil {
		return stats, fmt.Errorf("failed to query learning stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var typ, cat string
		if err := rows.Scan(&typ, &cat); err != nil {
			return stats, err
		}
		stats.Total++
		stats.ByType[LearningType(typ)]++
		stats.ByCategory[cat]++
	}
	return stats, rows.Err()
}

// Delete removes one learning by id.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM learnings WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete learning: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("learning %s not found", id)
	}
	return nil
}

// Clear removes all learnings.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM learnings"); err != nil {
		return fmt.Errorf("failed to clear learnings: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLearning(row rowScanner) (Learning, error) {
	var (
		l          Learning
		typ        string
		tagsJSON   sql.NullString
		provJSON   sql.NullString
	)
	if err := row.Scan(&l.ID, &typ, &l.Category, &tagsJSON, &l.Content, &l.Confidence, &provJSON, &l.CreatedAt); err != nil {
		return l, fmt.Errorf("failed to scan learning: %w", err)
	}
	l.Type = LearningType(typ)
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &l.Tags); err != nil {
			return l, fmt.Errorf("failed to decode tags: %w", err)
		}
	}
	if provJSON.Valid && provJSON.String != "" {
		if err := json.Unmarshal([]byte(provJSON.String), &l.Provenance); err != nil {
			return l, fmt.Errorf("failed to decode provenance: %w", err)
		}
	}
	return l, nil
}

// rankRelevant orders learnings by keyword overlap with the task text
// and hints. Learnings with no overlap are dropped.
func rankRelevant(all []Learning, taskText string, hints []string) []Learning {
	task := strings.ToLower(taskText)
	type scored struct {
		l     Learning
		score int
	}
	var matched []scored
	for _, l := range all {
		score := 0
		content := strings.ToLower(l.Content)
		for _, h := range hints {
			h = strings.ToLower(h)
			if h == "" {
				continue
			}
			if strings.Contains(content, h) || l.Category == h || containsString(l.Tags, h) {
				score += 2
			}
		}
		for _, word := range strings.Fields(content) {
			if len(word) > 4 && strings.Contains(task, word) {
				score++
			}
		}
		if score > 0 {
			matched = append(matched, scored{l, score})
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].score > matched[j].score })

	out := make([]Learning, len(matched))
	for i, m := range matched {
		out[i] = m.l
	}
	return out
}
