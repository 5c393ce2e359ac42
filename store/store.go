package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"Field-Simulator/simulation"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS episodes (
	id TEXT PRIMARY KEY,
	seed INTEGER NOT NULL,
	ticks INTEGER NOT NULL,
	finished INTEGER NOT NULL,
	elapsed_seconds REAL NOT NULL,
	total_reward REAL NOT NULL,
	cured INTEGER NOT NULL,
	harvested INTEGER NOT NULL,
	refills INTEGER NOT NULL,
	distance REAL NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS q_tables (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	episode_id TEXT NOT NULL,
	tractor_id TEXT NOT NULL,
	role TEXT NOT NULL,
	spawn_index INTEGER NOT NULL,
	updates INTEGER NOT NULL,
	table_json TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(episode_id) REFERENCES episodes(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_q_tables_lookup ON q_tables(role, spawn_index, id);
`

// Store 持久化已结束的回合摘要和学到的 Q 表。
type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// EpisodeRecord 是 episodes 表中的一行。
type EpisodeRecord struct {
	ID        string
	Seed      uint64
	Ticks     uint64
	Finished  bool
	Metrics   simulation.MetricsSnapshot
	CreatedAt time.Time
}

// SaveEpisode 在一个事务中写入回合摘要和所有拖拉机的 Q 表。
func (s *Store) SaveEpisode(ctx context.Context, seed uint64, snap simulation.EpisodeSnapshot, policies []simulation.PolicySnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Unix()
	m := snap.Metrics
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO episodes(
			id, seed, ticks, finished, elapsed_seconds, total_reward, cured, harvested, refills, distance, created_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, int64(seed), int64(snap.Tick), boolToInt(snap.Finished), m.ElapsedSeconds, m.TotalReward,
		int64(m.Cured), int64(m.Harvested), int64(m.Refills), m.Distance, now,
	)
	if err != nil {
		return fmt.Errorf("insert episode: %w", err)
	}

	for _, p := range policies {
		raw, err := json.Marshal(p.Table)
		if err != nil {
			return fmt.Errorf("encode q-table %s: %w", p.TractorID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO q_tables(episode_id, tractor_id, role, spawn_index, updates, table_json, created_at)
			VALUES(?, ?, ?, ?, ?, ?, ?)`,
			snap.ID, p.TractorID, p.Role.String(), p.Index, int64(p.Updates), string(raw), now,
		)
		if err != nil {
			return fmt.Errorf("insert q-table %s: %w", p.TractorID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit episode: %w", err)
	}
	return nil
}

// LatestQTable 返回同一角色、同一出生序号最近保存的 Q 表。
func (s *Store) LatestQTable(ctx context.Context, role simulation.Role, index int) ([][]float64, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT table_json FROM q_tables WHERE role = ? AND spawn_index = ? ORDER BY id DESC LIMIT 1`,
		role.String(), index,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query q-table: %w", err)
	}
	var table [][]float64
	if err := json.Unmarshal([]byte(raw), &table); err != nil {
		return nil, false, fmt.Errorf("decode q-table: %w", err)
	}
	return table, true, nil
}

// ListEpisodes 按时间倒序返回最近的 limit 个回合。
func (s *Store) ListEpisodes(ctx context.Context, limit int) ([]EpisodeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, seed, ticks, finished, elapsed_seconds, total_reward, cured, harvested, refills, distance, created_at
		FROM episodes ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	defer rows.Close()

	var out []EpisodeRecord
	for rows.Next() {
		var (
			r                              EpisodeRecord
			seed, ticks, finished, created int64
			cured, harvested, refills      int64
		)
		if err := rows.Scan(&r.ID, &seed, &ticks, &finished, &r.Metrics.ElapsedSeconds, &r.Metrics.TotalReward,
			&cured, &harvested, &refills, &r.Metrics.Distance, &created); err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		r.Seed = uint64(seed)
		r.Ticks = uint64(ticks)
		r.Finished = finished != 0
		r.Metrics.Cured = uint64(cured)
		r.Metrics.Harvested = uint64(harvested)
		r.Metrics.Refills = uint64(refills)
		r.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	return out, nil
}

// PolicyLoader 把 LatestQTable 适配成 simulation.PolicyLoader, 查询失败时视为没有可用的表。
func (s *Store) PolicyLoader(ctx context.Context, logger *log.Logger) simulation.PolicyLoader {
	return func(role simulation.Role, index int) ([][]float64, bool) {
		table, ok, err := s.LatestQTable(ctx, role, index)
		if err != nil {
			logger.Printf("⚠️  读取历史 Q 表失败 (%s #%d): %v", role, index, err)
			return nil, false
		}
		return table, ok
	}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
