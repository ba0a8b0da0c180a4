package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// DB 连接生命周期事件的本地记录，只用于排查断线
type DB struct {
	conn *sql.DB
}

func Open(path string) (*DB, error) {
	log.Info().Str("path", path).Msg("Initializing journal database")
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// sqlite 单写者
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) initSchema() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			client TEXT,
			kind TEXT,
			detail TEXT,
			timestamp INTEGER
		);
	`)
	if err != nil {
		return fmt.Errorf("create events table: %w", err)
	}
	_, err = db.conn.Exec(`CREATE INDEX IF NOT EXISTS idx_events_kind ON events (kind, id);`)
	if err != nil {
		return fmt.Errorf("create events index: %w", err)
	}
	return nil
}

type EventRecord struct {
	ID        int64  `json:"id"`
	Client    string `json:"client"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail,omitempty"`
	Timestamp int64  `json:"timestamp"` // 毫秒
}

func (db *DB) InsertEvent(e EventRecord) error {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	_, err := db.conn.Exec(`
		INSERT INTO events (client, kind, detail, timestamp)
		VALUES (?, ?, ?, ?)
	`, e.Client, e.Kind, e.Detail, e.Timestamp)
	return err
}

// RecentEvents 最新的在前，kind 为空时不过滤
func (db *DB) RecentEvents(kind string, limit int) ([]EventRecord, error) {
	query := `SELECT id, client, kind, detail, timestamp FROM events`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var e EventRecord
		if err := rows.Scan(&e.ID, &e.Client, &e.Kind, &e.Detail, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (db *DB) Close() error {
	return db.conn.Close()
}
