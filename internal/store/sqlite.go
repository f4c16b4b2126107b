package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lovinmaxwell/nexus/internal/engine/types"
	"github.com/lovinmaxwell/nexus/internal/errdefs"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id              TEXT PRIMARY KEY,
	url             TEXT NOT NULL,
	resolved_url    TEXT NOT NULL DEFAULT '',
	dest_folder     TEXT NOT NULL,
	filename        TEXT NOT NULL DEFAULT '',
	total_size      INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	etag            TEXT NOT NULL DEFAULT '',
	last_modified   INTEGER NOT NULL DEFAULT 0,
	cookies         TEXT NOT NULL DEFAULT '[]',
	referer         TEXT NOT NULL DEFAULT '',
	user_agent      TEXT NOT NULL DEFAULT '',
	content_type    TEXT NOT NULL DEFAULT '',
	priority        INTEGER NOT NULL DEFAULT 0,
	queue_id        TEXT NOT NULL DEFAULT '',
	connections     INTEGER NOT NULL DEFAULT 8,
	supports_resume INTEGER NOT NULL DEFAULT 0,
	start_paused    INTEGER NOT NULL DEFAULT 0,
	replace_existing INTEGER NOT NULL DEFAULT 0,
	require_extension INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	error           TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tasks_queue ON tasks(queue_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS segments (
	id             TEXT PRIMARY KEY,
	task_id        TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	start_offset   INTEGER NOT NULL,
	end_offset     INTEGER NOT NULL,
	current_offset INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_segments_task ON segments(task_id);

CREATE TABLE IF NOT EXISTS queues (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL UNIQUE,
	max_concurrent INTEGER NOT NULL DEFAULT 1,
	sequential     INTEGER NOT NULL DEFAULT 0,
	active         INTEGER NOT NULL DEFAULT 1,
	sync_queue     INTEGER NOT NULL DEFAULT 0,
	check_interval INTEGER NOT NULL DEFAULT 0,
	last_check     INTEGER NOT NULL DEFAULT 0,
	post_process   TEXT NOT NULL DEFAULT 'none',
	post_script    TEXT NOT NULL DEFAULT '',
	post_done      INTEGER NOT NULL DEFAULT 0,
	start_hour     INTEGER NOT NULL DEFAULT -1,
	stop_hour      INTEGER NOT NULL DEFAULT -1
);
`

// SQLiteStore implements Store over a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema in WAL journal mode. All access goes through a single open
// connection, so reads and writes are serialized.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &errdefs.PersistenceError{Err: err}
	}

	// Segment saves funnel through one coordinator per task, but several
	// coordinators share the handle.
	db.SetMaxOpenConns(1)

	// journal_mode returns the resulting mode as a row
	var mode string
	if err := db.QueryRow("PRAGMA journal_mode = WAL").Scan(&mode); err != nil {
		db.Close()
		return nil, &errdefs.PersistenceError{Err: err}
	}
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, &errdefs.PersistenceError{Err: err}
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &errdefs.PersistenceError{Err: err}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return &errdefs.PersistenceError{Err: err}
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return &errdefs.PersistenceError{Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &errdefs.PersistenceError{Err: err}
	}
	return nil
}

// UpsertTask inserts or replaces a task row.
func (s *SQLiteStore) UpsertTask(t *types.Task) error {
	cookies, err := json.Marshal(t.Cookies)
	if err != nil {
		return &errdefs.PersistenceError{Err: err}
	}

	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO tasks (
				id, url, resolved_url, dest_folder, filename, total_size, status,
				etag, last_modified, cookies, referer, user_agent, content_type,
				priority, queue_id, connections, supports_resume, start_paused, replace_existing, require_extension, created_at, error
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				url=excluded.url,
				resolved_url=excluded.resolved_url,
				dest_folder=excluded.dest_folder,
				filename=excluded.filename,
				total_size=excluded.total_size,
				status=excluded.status,
				etag=excluded.etag,
				last_modified=excluded.last_modified,
				cookies=excluded.cookies,
				referer=excluded.referer,
				user_agent=excluded.user_agent,
				content_type=excluded.content_type,
				priority=excluded.priority,
				queue_id=excluded.queue_id,
				connections=excluded.connections,
				supports_resume=excluded.supports_resume,
				start_paused=excluded.start_paused,
				replace_existing=excluded.replace_existing,
				require_extension=excluded.require_extension,
				error=excluded.error
		`, t.ID, t.URL, t.ResolvedURL, t.DestFolder, t.Filename, t.TotalSize, string(t.Status),
			t.ETag, t.LastModified.Unix(), string(cookies), t.Referer, t.UserAgent, t.ContentType,
			t.Priority, t.QueueID, t.Connections, boolToInt(t.SupportsResume), boolToInt(t.StartPaused), boolToInt(t.Replace), boolToInt(t.RequireExt),
			t.CreatedAt.Unix(), t.ErrorMsg)
		return err
	})
}

const taskColumns = `id, url, resolved_url, dest_folder, filename, total_size, status,
	etag, last_modified, cookies, referer, user_agent, content_type,
	priority, queue_id, connections, supports_resume, start_paused, replace_existing, require_extension, created_at, error`

func scanTask(row interface{ Scan(...any) error }) (*types.Task, error) {
	var t types.Task
	var status, cookies string
	var lastModified, createdAt int64
	var supportsResume, startPaused, replaceExisting, requireExt int

	err := row.Scan(
		&t.ID, &t.URL, &t.ResolvedURL, &t.DestFolder, &t.Filename, &t.TotalSize, &status,
		&t.ETag, &lastModified, &cookies, &t.Referer, &t.UserAgent, &t.ContentType,
		&t.Priority, &t.QueueID, &t.Connections, &supportsResume, &startPaused, &replaceExisting, &requireExt, &createdAt, &t.ErrorMsg,
	)
	if err != nil {
		return nil, err
	}

	t.Status = types.TaskStatus(status)
	if lastModified > 0 {
		t.LastModified = time.Unix(lastModified, 0).UTC()
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.SupportsResume = supportsResume != 0
	t.StartPaused = startPaused != 0
	t.Replace = replaceExisting != 0
	t.RequireExt = requireExt != 0
	if err := json.Unmarshal([]byte(cookies), &t.Cookies); err != nil {
		t.Cookies = nil
	}
	return &t, nil
}

// LoadTasks returns tasks matching the filter, oldest first.
func (s *SQLiteStore) LoadTasks(f TaskFilter) ([]*types.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks WHERE 1=1"
	var args []any
	if f.ID != "" {
		query += " AND id = ?"
		args = append(args, f.ID)
	}
	if f.QueueID != "" {
		query += " AND queue_id = ?"
		args = append(args, f.QueueID)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, &errdefs.PersistenceError{Err: err}
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, &errdefs.PersistenceError{Err: err}
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// DeleteTask removes a task; its segments go with it via the cascade.
func (s *SQLiteStore) DeleteTask(taskID string) error {
	_, err := s.db.Exec("DELETE FROM tasks WHERE id = ?", taskID)
	if err != nil {
		return &errdefs.PersistenceError{Err: err}
	}
	return nil
}

// UpsertSegment inserts or updates one segment row. Bounds change only
// through the split rule; current_offset advances monotonically.
func (s *SQLiteStore) UpsertSegment(seg *types.Segment) error {
	_, err := s.db.Exec(`
		INSERT INTO segments (id, task_id, start_offset, end_offset, current_offset)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			end_offset=excluded.end_offset,
			current_offset=excluded.current_offset
	`, seg.ID, seg.TaskID, seg.Start, seg.End, seg.Current)
	if err != nil {
		return &errdefs.PersistenceError{Err: err}
	}
	return nil
}

// UpsertSegments writes several segment rows in one transaction, so a
// split lands atomically: the shortened donor and the new segment appear
// together or not at all.
func (s *SQLiteStore) UpsertSegments(segs []*types.Segment) error {
	return s.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO segments (id, task_id, start_offset, end_offset, current_offset)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				end_offset=excluded.end_offset,
				current_offset=excluded.current_offset
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, seg := range segs {
			if _, err := stmt.Exec(seg.ID, seg.TaskID, seg.Start, seg.End, seg.Current); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadSegments returns a task's segments ordered by start offset.
func (s *SQLiteStore) LoadSegments(taskID string) ([]*types.Segment, error) {
	rows, err := s.db.Query(`
		SELECT id, task_id, start_offset, end_offset, current_offset
		FROM segments WHERE task_id = ? ORDER BY start_offset ASC
	`, taskID)
	if err != nil {
		return nil, &errdefs.PersistenceError{Err: err}
	}
	defer rows.Close()

	var segs []*types.Segment
	for rows.Next() {
		var seg types.Segment
		if err := rows.Scan(&seg.ID, &seg.TaskID, &seg.Start, &seg.End, &seg.Current); err != nil {
			return nil, &errdefs.PersistenceError{Err: err}
		}
		segs = append(segs, &seg)
	}
	return segs, rows.Err()
}

// DeleteSegments removes all segment rows of a task (restart-from-scratch).
func (s *SQLiteStore) DeleteSegments(taskID string) error {
	_, err := s.db.Exec("DELETE FROM segments WHERE task_id = ?", taskID)
	if err != nil {
		return &errdefs.PersistenceError{Err: err}
	}
	return nil
}

// UpsertQueue inserts or replaces a queue row.
func (s *SQLiteStore) UpsertQueue(q *types.Queue) error {
	var lastCheck int64
	if !q.LastCheck.IsZero() {
		lastCheck = q.LastCheck.Unix()
	}
	_, err := s.db.Exec(`
		INSERT INTO queues (
			id, name, max_concurrent, sequential, active, sync_queue,
			check_interval, last_check, post_process, post_script, post_done,
			start_hour, stop_hour
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			max_concurrent=excluded.max_concurrent,
			sequential=excluded.sequential,
			active=excluded.active,
			sync_queue=excluded.sync_queue,
			check_interval=excluded.check_interval,
			last_check=excluded.last_check,
			post_process=excluded.post_process,
			post_script=excluded.post_script,
			post_done=excluded.post_done,
			start_hour=excluded.start_hour,
			stop_hour=excluded.stop_hour
	`, q.ID, q.Name, q.MaxConcurrent, boolToInt(q.Sequential), boolToInt(q.Active), boolToInt(q.SyncQueue),
		int64(q.CheckInterval/time.Second), lastCheck, string(q.PostProcess), q.PostScript, boolToInt(q.PostProcessDone),
		q.StartHour, q.StopHour)
	if err != nil {
		return &errdefs.PersistenceError{Err: err}
	}
	return nil
}

// LoadQueues returns all queues.
func (s *SQLiteStore) LoadQueues() ([]*types.Queue, error) {
	rows, err := s.db.Query(`
		SELECT id, name, max_concurrent, sequential, active, sync_queue,
			check_interval, last_check, post_process, post_script, post_done,
			start_hour, stop_hour
		FROM queues ORDER BY name ASC
	`)
	if err != nil {
		return nil, &errdefs.PersistenceError{Err: err}
	}
	defer rows.Close()

	var queues []*types.Queue
	for rows.Next() {
		var q types.Queue
		var sequential, active, syncQueue, postDone int
		var checkInterval, lastCheck int64
		var postProcess string
		if err := rows.Scan(&q.ID, &q.Name, &q.MaxConcurrent, &sequential, &active, &syncQueue,
			&checkInterval, &lastCheck, &postProcess, &q.PostScript, &postDone,
			&q.StartHour, &q.StopHour); err != nil {
			return nil, &errdefs.PersistenceError{Err: err}
		}
		q.Sequential = sequential != 0
		q.Active = active != 0
		q.SyncQueue = syncQueue != 0
		q.PostProcessDone = postDone != 0
		q.CheckInterval = time.Duration(checkInterval) * time.Second
		if lastCheck > 0 {
			q.LastCheck = time.Unix(lastCheck, 0).UTC()
		}
		q.PostProcess = types.PostProcessAction(postProcess)
		queues = append(queues, &q)
	}
	return queues, rows.Err()
}

// DeleteQueue removes a queue. Member tasks keep their queue_id; callers
// reassign or delete them first when that matters.
func (s *SQLiteStore) DeleteQueue(queueID string) error {
	_, err := s.db.Exec("DELETE FROM queues WHERE id = ?", queueID)
	if err != nil {
		return &errdefs.PersistenceError{Err: err}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*SQLiteStore)(nil)

// GetTask returns a single task by ID.
func (s *SQLiteStore) GetTask(id string) (*types.Task, error) {
	tasks, err := s.LoadTasks(TaskFilter{ID: id})
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("task not found: %s", id)
	}
	return tasks[0], nil
}
