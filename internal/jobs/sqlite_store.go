package jobs

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jo-hoe/clipwatch/internal/common"

	_ "modernc.org/sqlite"
)

// ListedJob is one row of the admin jobs listing.
type ListedJob struct {
	ID          string     `json:"id"`
	VideoTitle  string     `json:"videoTitle"`
	Status      Stage      `json:"status"`
	Progress    int        `json:"progress"`
	ClipCount   int        `json:"clipCount"`
	Platform    string     `json:"platform,omitempty"`
	Duration    float64    `json:"duration,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Listing is the session view behind the admin jobs table.
type Listing interface {
	Upsert(rows []ListedJob) error
	Remove(id string) error
	Get(id string) (*ListedJob, error)
	Page(status string, page, limit int) ([]ListedJob, error)
	Counts() (map[Stage]int, error)
	Close() error
}

// SQLiteListing keeps the admin listing in SQLite. With the default in-memory
// database nothing outlives the process.
type SQLiteListing struct {
	db *sql.DB
}

var _ Listing = (*SQLiteListing)(nil)

func NewSQLiteListing(path string) (*SQLiteListing, error) {
	if strings.TrimSpace(path) == "" {
		path = common.InMemoryListingDSN
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// An in-memory database exists per connection.
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteListing{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS listing (
		id TEXT PRIMARY KEY,
		video_title TEXT NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL,
		clip_count INTEGER NOT NULL,
		platform TEXT,
		duration REAL,
		error_message TEXT,
		created_at TEXT NOT NULL,
		completed_at TEXT,
		seen_at TEXT NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteListing) Upsert(rows []ListedJob) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, r := range rows {
		if r.ID == "" {
			return ErrEmptyJobID
		}
		var completed, errMsg, platform *string
		if r.CompletedAt != nil {
			v := r.CompletedAt.UTC().Format(time.RFC3339Nano)
			completed = &v
		}
		if r.Error != "" {
			errMsg = &r.Error
		}
		if r.Platform != "" {
			platform = &r.Platform
		}
		created := r.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		_, err := tx.Exec(`INSERT INTO listing
			(id, video_title, status, progress, clip_count, platform, duration, error_message, created_at, completed_at, seen_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				video_title = excluded.video_title,
				status = excluded.status,
				progress = excluded.progress,
				clip_count = excluded.clip_count,
				platform = excluded.platform,
				duration = excluded.duration,
				error_message = excluded.error_message,
				completed_at = excluded.completed_at,
				seen_at = excluded.seen_at`,
			r.ID, r.VideoTitle, string(r.Status), r.Progress, r.ClipCount, platform, r.Duration, errMsg,
			created.UTC().Format(time.RFC3339Nano), completed, now,
		)
		if err != nil {
			return fmt.Errorf("upsert job %s: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

func (s *SQLiteListing) Remove(id string) error {
	if _, err := s.db.Exec(`DELETE FROM listing WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove job: %w", err)
	}
	return nil
}

const listingColumns = `id, video_title, status, progress, clip_count, platform, duration, error_message, created_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListed(row rowScanner) (*ListedJob, error) {
	var job ListedJob
	var status, created string
	var platform, errMsg, completed sql.NullString
	var duration sql.NullFloat64
	if err := row.Scan(
		&job.ID,
		&job.VideoTitle,
		&status,
		&job.Progress,
		&job.ClipCount,
		&platform,
		&duration,
		&errMsg,
		&created,
		&completed,
	); err != nil {
		return nil, err
	}
	job.Status = Stage(status)
	if platform.Valid {
		job.Platform = platform.String
	}
	if duration.Valid {
		job.Duration = duration.Float64
	}
	if errMsg.Valid {
		job.Error = errMsg.String
	}
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		job.CreatedAt = t
	}
	if completed.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completed.String); err == nil {
			job.CompletedAt = &t
		}
	}
	return &job, nil
}

func (s *SQLiteListing) Get(id string) (*ListedJob, error) {
	row := s.db.QueryRow(`SELECT `+listingColumns+` FROM listing WHERE id = ?`, id)
	job, err := scanListed(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// statusFilter turns a listing filter into the stages it covers.
// "completed" includes the ready alias; "active" is every non-terminal stage.
func statusFilter(status string) (clause string, args []any) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "", common.StatusAll:
		return "", nil
	case string(StageCompleted), string(StageReady):
		return ` WHERE status IN (?, ?)`, []any{string(StageCompleted), string(StageReady)}
	case "active":
		return ` WHERE status NOT IN (?, ?, ?)`, []any{string(StageCompleted), string(StageReady), string(StageFailed)}
	default:
		return ` WHERE status = ?`, []any{status}
	}
}

// Page returns rows newest first. page is 1-based.
func (s *SQLiteListing) Page(status string, page, limit int) ([]ListedJob, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = common.DefaultPageSize
	}
	where, args := statusFilter(status)
	args = append(args, limit, (page-1)*limit)
	rows, err := s.db.Query(`SELECT `+listingColumns+` FROM listing`+where+
		` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query listing: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []ListedJob{}
	for rows.Next() {
		job, err := scanListed(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func (s *SQLiteListing) Counts() (map[Stage]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM listing GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count listing: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make(map[Stage]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[Stage(st)] = n
	}
	return out, rows.Err()
}

func (s *SQLiteListing) Close() error {
	return s.db.Close()
}
