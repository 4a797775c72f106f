// Package audit keeps the append-only trails of decision calls and reflections
// in a dedicated SQLite file.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DecisionLog records one request to the decision engine and what came back.
type DecisionLog struct {
	ID         int64     `json:"id"`
	TraceID    string    `json:"trace_id"`
	AssetID    uint      `json:"asset_id"`
	Symbol     string    `json:"symbol"`
	Stage      string    `json:"stage"`
	Timestamp  time.Time `json:"ts"`
	Model      string    `json:"model"`
	Prompt     string    `json:"prompt"`
	RawOutput  string    `json:"raw_output"`
	Decision   string    `json:"decision_json"`
	Error      string    `json:"error,omitempty"`
	Fallback   bool      `json:"fallback"`
	DurationMs int64     `json:"duration_ms"`
}

// Reflection is a periodic narrative self-assessment.
type Reflection struct {
	ID           int64     `json:"id"`
	AssetID      uint      `json:"asset_id"`
	Symbol       string    `json:"symbol"`
	Timestamp    time.Time `json:"ts"`
	Text         string    `json:"reflection"`
	Improvements []string  `json:"improvements"`
	TradeCount   int       `json:"trade_count"`
	Placeholder  bool      `json:"placeholder"`
}

type Store struct {
	mu sync.Mutex
	db *sql.DB
}

func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("audit: path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) handle() (*sql.DB, error) {
	if s == nil {
		return nil, fmt.Errorf("audit store not initialized")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("audit store closed")
	}
	return s.db, nil
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS decision_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			asset_id INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			stage TEXT,
			ts INTEGER NOT NULL,
			model TEXT,
			prompt TEXT,
			raw_output TEXT,
			decision_json TEXT,
			error TEXT,
			fallback INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_decision_logs_symbol_ts ON decision_logs(symbol, ts DESC, id DESC);`,
		`CREATE TABLE IF NOT EXISTS reflections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			asset_id INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			ts INTEGER NOT NULL,
			reflection TEXT NOT NULL,
			improvements_json TEXT,
			trade_count INTEGER NOT NULL DEFAULT 0,
			placeholder INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_reflections_asset_ts ON reflections(asset_id, ts DESC, id DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) InsertDecision(ctx context.Context, rec DecisionLog) (int64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	res, err := db.ExecContext(ctx, `INSERT INTO decision_logs
		(trace_id, asset_id, symbol, stage, ts, model, prompt, raw_output, decision_json, error, fallback, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TraceID, rec.AssetID, rec.Symbol, rec.Stage, rec.Timestamp.UnixMilli(), rec.Model, rec.Prompt,
		rec.RawOutput, rec.Decision, rec.Error, boolToInt(rec.Fallback), rec.DurationMs)
	if err != nil {
		return 0, fmt.Errorf("insert decision log: %w", err)
	}
	return res.LastInsertId()
}

// ListDecisions returns the newest logs first; an empty symbol lists every asset.
func (s *Store) ListDecisions(ctx context.Context, symbol string, limit int) ([]DecisionLog, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `SELECT id, trace_id, asset_id, symbol, stage, ts, model, prompt, raw_output, decision_json, error, fallback, duration_ms
		FROM decision_logs`
	args := []any{}
	if symbol = strings.ToUpper(strings.TrimSpace(symbol)); symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list decision logs: %w", err)
	}
	defer rows.Close()
	var out []DecisionLog
	for rows.Next() {
		var (
			rec      DecisionLog
			ts       int64
			fallback int
			trace    sql.NullString
			stage    sql.NullString
			model    sql.NullString
			prompt   sql.NullString
			raw      sql.NullString
			decision sql.NullString
			errText  sql.NullString
		)
		if err := rows.Scan(&rec.ID, &trace, &rec.AssetID, &rec.Symbol, &stage, &ts, &model, &prompt, &raw,
			&decision, &errText, &fallback, &rec.DurationMs); err != nil {
			return nil, err
		}
		rec.TraceID, rec.Stage, rec.Model = trace.String, stage.String, model.String
		rec.Prompt, rec.RawOutput, rec.Decision, rec.Error = prompt.String, raw.String, decision.String, errText.String
		rec.Timestamp = time.UnixMilli(ts).UTC()
		rec.Fallback = fallback != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) InsertReflection(ctx context.Context, rec Reflection) (int64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	improvements, err := json.Marshal(rec.Improvements)
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, `INSERT INTO reflections
		(asset_id, symbol, ts, reflection, improvements_json, trade_count, placeholder)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.AssetID, rec.Symbol, rec.Timestamp.UnixMilli(), rec.Text, string(improvements), rec.TradeCount, boolToInt(rec.Placeholder))
	if err != nil {
		return 0, fmt.Errorf("insert reflection: %w", err)
	}
	return res.LastInsertId()
}

// LatestReflection returns (nil, nil) when the asset has never been reflected on.
func (s *Store) LatestReflection(ctx context.Context, assetID uint) (*Reflection, error) {
	list, err := s.ListReflections(ctx, assetID, 1)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func (s *Store) ListReflections(ctx context.Context, assetID uint, limit int) ([]Reflection, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx, `SELECT id, asset_id, symbol, ts, reflection, improvements_json, trade_count, placeholder
		FROM reflections WHERE asset_id = ? ORDER BY ts DESC, id DESC LIMIT ?`, assetID, limit)
	if err != nil {
		return nil, fmt.Errorf("list reflections: %w", err)
	}
	defer rows.Close()
	var out []Reflection
	for rows.Next() {
		var (
			rec         Reflection
			ts          int64
			improvement sql.NullString
			placeholder int
		)
		if err := rows.Scan(&rec.ID, &rec.AssetID, &rec.Symbol, &ts, &rec.Text, &improvement, &rec.TradeCount, &placeholder); err != nil {
			return nil, err
		}
		rec.Timestamp = time.UnixMilli(ts).UTC()
		rec.Placeholder = placeholder != 0
		if improvement.Valid && improvement.String != "" {
			_ = json.Unmarshal([]byte(improvement.String), &rec.Improvements)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
