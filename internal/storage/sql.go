package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	logx "github.com/Yordanos7/telegram-collector/pkg/logx"
)

//go:embed migrations_sqlite.sql migrations_postgres.sql
var migrationsFS embed.FS

// sqlStore implements Store on database/sql for both sqlite and postgres.
// Queries are written with '?' placeholders and rebound for postgres.
type sqlStore struct {
	db       *sql.DB
	log      logx.Logger
	driver   string
	dollar   bool
	migrateF string
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps INSERT ... ON CONFLICT free of SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqlStore{db: db, log: log, driver: "sqlite", migrateF: "migrations_sqlite.sql"}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	st := &sqlStore{db: db, log: log, driver: "postgres", dollar: true, migrateF: "migrations_postgres.sql"}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqlStore) Driver() string { return s.driver }

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile(s.migrateF)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("migrate %s: %w", s.driver, err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// q rebinds '?' placeholders to $n for postgres.
func (s *sqlStore) q(query string) string {
	if !s.dollar {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

const postColumns = `id, channel, message_id, text, media_path, posted_at`

func (s *sqlStore) InsertIfAbsent(ctx context.Context, p Post) (Post, bool, error) {
	if err := validatePost(p); err != nil {
		return Post{}, false, err
	}
	p.PostedAt = normalizePostedAt(p.PostedAt)

	var id int64
	err := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO posts(channel, message_id, text, media_path, posted_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(channel, message_id) DO NOTHING
		 RETURNING id`),
		p.Channel, p.MessageID, nullText(p.Text), nullStr(p.MediaPath), p.PostedAt.UnixMilli(),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		existing, gerr := s.GetOne(ctx, p.Channel, p.MessageID)
		if gerr != nil {
			return Post{}, false, fmt.Errorf("load existing post: %w", gerr)
		}
		return existing, false, nil
	}
	if err != nil {
		return Post{}, false, fmt.Errorf("insert post: %w", err)
	}
	p.ID = id
	return p, true, nil
}

func (s *sqlStore) ListByChannel(ctx context.Context, channel string, limit, offset int) ([]Post, error) {
	limit, offset = clampPage(limit, offset)
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+postColumns+` FROM posts
		 WHERE channel = ?
		 ORDER BY posted_at DESC, id DESC
		 LIMIT ? OFFSET ?`),
		channel, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	return scanPosts(rows)
}

func (s *sqlStore) ListAll(ctx context.Context, limit, offset int) ([]Post, error) {
	limit, offset = clampPage(limit, offset)
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+postColumns+` FROM posts
		 ORDER BY posted_at DESC, id DESC
		 LIMIT ? OFFSET ?`),
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	return scanPosts(rows)
}

func (s *sqlStore) GetOne(ctx context.Context, channel string, messageID int64) (Post, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+postColumns+` FROM posts WHERE channel = ? AND message_id = ?`),
		channel, messageID,
	)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Post{}, ErrNotFound
	}
	if err != nil {
		return Post{}, fmt.Errorf("get post: %w", err)
	}
	return p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(r rowScanner) (Post, error) {
	var (
		p     Post
		text  sql.NullString
		media sql.NullString
		ms    int64
	)
	if err := r.Scan(&p.ID, &p.Channel, &p.MessageID, &text, &media, &ms); err != nil {
		return Post{}, err
	}
	if text.Valid {
		t := text.String
		p.Text = &t
	}
	p.MediaPath = media.String
	p.PostedAt = time.UnixMilli(ms).UTC()
	return p, nil
}

func scanPosts(rows *sql.Rows) ([]Post, error) {
	defer rows.Close()
	out := make([]Post, 0, 16)
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return out, nil
}

// ---- backfill ledger ----

func (s *sqlStore) IsCompleted(ctx context.Context, channel string) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT status FROM backfill WHERE channel = ?`), channel).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("backfill status: %w", err)
	}
	return BackfillStatus(status) == StatusCompleted, nil
}

func (s *sqlStore) MarkPending(ctx context.Context, channel string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO backfill(channel, status, completed_at, updated_at)
		 VALUES(?, ?, NULL, ?)
		 ON CONFLICT(channel) DO NOTHING`),
		channel, string(StatusPending), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("mark pending: %w", err)
	}
	return nil
}

func (s *sqlStore) MarkCompleted(ctx context.Context, channel string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO backfill(channel, status, completed_at, updated_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(channel) DO UPDATE
		 SET status = excluded.status, completed_at = excluded.completed_at, updated_at = excluded.updated_at
		 WHERE backfill.status <> excluded.status`),
		channel, string(StatusCompleted), now, now,
	)
	if err != nil {
		return false, fmt.Errorf("mark completed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark completed: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) Records(ctx context.Context) ([]BackfillRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT channel, status, completed_at, updated_at FROM backfill ORDER BY channel`)
	if err != nil {
		return nil, fmt.Errorf("backfill records: %w", err)
	}
	defer rows.Close()

	var out []BackfillRecord
	for rows.Next() {
		var (
			r         BackfillRecord
			status    string
			completed sql.NullInt64
			updated   int64
		)
		if err := rows.Scan(&r.Channel, &status, &completed, &updated); err != nil {
			return nil, fmt.Errorf("scan backfill record: %w", err)
		}
		r.Status = BackfillStatus(status)
		if completed.Valid {
			r.CompletedAt = time.UnixMilli(completed.Int64).UTC()
		}
		r.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullText(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
