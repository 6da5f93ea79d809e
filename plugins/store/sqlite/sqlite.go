// Package sqlite 将运行汇总写入本地 SQLite 历史库。
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"policyeval/pkg/contract"
)

//go:embed schema.sql
var schemaSQL string

const connParams = "?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL"

// ErrRunNotFound: 指定 RunID 不存在。
var ErrRunNotFound = errors.New("run not found")

// Options: 数据库路径（":memory:" 表示内存库）。
type Options struct {
	Path string `json:"path"`
}

// Store 为 contract.Store 的 SQLite 实现。
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ contract.Store = (*Store)(nil)

// New 打开（必要时创建）数据库并应用 schema。
func New(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: store: path required", contract.ErrInvalidInput)
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	// 连接级设置经 DSN 下发，连接池中每个新连接都会应用。
	db, err := sql.Open("sqlite3", path+connParams)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// 内存库按连接隔离
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Save 在单个事务内写入运行与各 Section 报告；RunID 重复时返回错误。
func (s *Store) Save(ctx context.Context, sum contract.Summary) error {
	if strings.TrimSpace(sum.RunID) == "" {
		return fmt.Errorf("%w: store: run_id required", contract.ErrInvalidInput)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, document, overall, sections, created_ns) VALUES (?, ?, ?, ?, ?)`,
		sum.RunID, sum.Document, sum.Overall, len(sum.Reports), s.now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("insert run %s: %w", sum.RunID, err)
	}
	for i, rep := range sum.Reports {
		data, err := json.Marshal(rep)
		if err != nil {
			return fmt.Errorf("marshal report %s: %w", rep.SectionID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO section_reports (run_id, position, section_id, score, tier, match_level, report_json) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sum.RunID, i, string(rep.SectionID), rep.Score, string(rep.Tier), rep.MatchLevel, string(data))
		if err != nil {
			return fmt.Errorf("insert report %s: %w", rep.SectionID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Recent 按写入时间倒序返回至多 limit 条运行摘要；limit<=0 视为 20。
func (s *Store) Recent(ctx context.Context, limit int) ([]contract.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, document, overall, sections, created_ns FROM runs ORDER BY created_ns DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	out := make([]contract.RunRecord, 0, limit)
	for rows.Next() {
		var rec contract.RunRecord
		var ns int64
		if err := rows.Scan(&rec.RunID, &rec.Document, &rec.Overall, &rec.Sections, &ns); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rec.CreatedAt = time.Unix(0, ns).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Load 还原一次运行的完整 Summary（报告按保存顺序）。
func (s *Store) Load(ctx context.Context, runID string) (contract.Summary, error) {
	sum := contract.Summary{RunID: runID}
	err := s.db.QueryRowContext(ctx, `SELECT document, overall FROM runs WHERE run_id = ?`, runID).Scan(&sum.Document, &sum.Overall)
	if errors.Is(err, sql.ErrNoRows) {
		return contract.Summary{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return contract.Summary{}, fmt.Errorf("query run: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT report_json FROM section_reports WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return contract.Summary{}, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()
	sum.Reports = []contract.SectionReport{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return contract.Summary{}, fmt.Errorf("scan report: %w", err)
		}
		var rep contract.SectionReport
		if err := json.Unmarshal([]byte(data), &rep); err != nil {
			return contract.Summary{}, fmt.Errorf("decode report: %w", err)
		}
		sum.Reports = append(sum.Reports, rep)
	}
	return sum, rows.Err()
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
