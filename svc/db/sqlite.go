package db

import (
	"context"
	"database/sql"
	"keydrop/pkg/domain"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var (
	ErrCircuitOpen  = errors.New("database circuit breaker open")
	ErrDuplicateKey = errors.New("paste key already exists")
)

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 16
	defaultMaxIdleConns = 4
	defaultQueryTimeout = 5 * time.Second
)

// SQLite is the metadata half of the artifact store. Every operation that
// decides a consume-once race is a single statement.
type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}
func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

// dsn applies connection-level pragmas so that every pooled connection gets them.
func dsn(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL&_txlock=immediate"
}

func (s *SQLite) checkCircuit() error {
	switch atomic.LoadInt32(&s.circuitState) {
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}
func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		isUniqueViolation(err) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func (s *SQLite) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS pastes (
		id TEXT PRIMARY KEY,
		key TEXT NOT NULL UNIQUE,
		content BLOB,
		content_dek BLOB,
		filename TEXT,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		views INTEGER NOT NULL DEFAULT 0,
		delete_after_view INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes(expires_at);
	CREATE TABLE IF NOT EXISTS paste_files (
		id TEXT PRIMARY KEY,
		paste_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		mime_type TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		storage_path TEXT NOT NULL UNIQUE,
		blob_dek BLOB,
		claimed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_paste_files_paste_id ON paste_files(paste_id);
	`
	_, err := s.db.Exec(query)
	return err
}

func ms(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func (s *SQLite) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	return queryCtx, cancel, nil
}

func (s *SQLite) InsertPaste(ctx context.Context, p *domain.Paste) error {
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	q := `
	INSERT INTO pastes (id, key, content, content_dek, filename, created_at, expires_at, views, delete_after_view)
	VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
	`
	_, err = s.db.ExecContext(queryCtx, q,
		p.ID, p.Key, p.SealedContent, p.ContentDEK, p.Filename, ms(p.CreatedAt), ms(p.ExpiresAt), p.DeleteAfterView,
	)
	s.recordError(err)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return errors.Wrap(err, "insert paste")
}

func (s *SQLite) InsertFile(ctx context.Context, f *domain.File) error {
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	q := `
	INSERT INTO paste_files (id, paste_id, filename, mime_type, size_bytes, storage_path, blob_dek, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(queryCtx, q,
		f.ID, f.PasteID, f.Filename, f.MimeType, f.SizeBytes, f.StoragePath, f.BlobDEK, ms(f.CreatedAt),
	)
	s.recordError(err)
	return errors.Wrap(err, "insert file")
}

func (s *SQLite) KeyExists(ctx context.Context, key string) (bool, error) {
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	var exists int
	err = s.db.QueryRowContext(queryCtx, `SELECT 1 FROM pastes WHERE key = ? LIMIT 1`, key).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return exists == 1, nil
}

// IncrementViewsAndFetch bumps the view counter and returns the record with
// the pre-increment count. Two concurrent callers can never both observe 0.
func (s *SQLite) IncrementViewsAndFetch(ctx context.Context, key string) (*domain.ViewRecord, error) {
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	q := `
	UPDATE pastes SET views = views + 1 WHERE key = ?
	RETURNING id, key, content, content_dek, COALESCE(filename, ''), created_at, expires_at, views - 1, delete_after_view
	`
	var (
		rec                  domain.ViewRecord
		createdAt, expiresAt int64
		deleteAfterView      int
	)
	err = s.db.QueryRowContext(queryCtx, q, key).Scan(
		&rec.ID, &rec.Key, &rec.SealedContent, &rec.ContentDEK, &rec.Filename,
		&createdAt, &expiresAt, &rec.PreviousViews, &deleteAfterView,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "increment views")
	}
	rec.CreatedAt = fromMS(createdAt)
	rec.ExpiresAt = fromMS(expiresAt)
	rec.Views = rec.PreviousViews + 1
	rec.DeleteAfterView = deleteAfterView != 0
	return &rec, nil
}

const fileColumns = `id, paste_id, filename, mime_type, size_bytes, storage_path, blob_dek, created_at`

func scanFiles(rows *sql.Rows) ([]domain.File, error) {
	defer rows.Close()
	var files []domain.File
	for rows.Next() {
		var (
			f         domain.File
			createdAt int64
		)
		if err := rows.Scan(&f.ID, &f.PasteID, &f.Filename, &f.MimeType, &f.SizeBytes, &f.StoragePath, &f.BlobDEK, &createdAt); err != nil {
			return nil, err
		}
		f.CreatedAt = fromMS(createdAt)
		files = append(files, f)
	}
	return files, rows.Err()
}

// ListFiles returns the files of a paste that are still downloadable.
func (s *SQLite) ListFiles(ctx context.Context, pasteID string) ([]domain.File, error) {
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx,
		`SELECT `+fileColumns+` FROM paste_files WHERE paste_id = ? AND claimed = 0 ORDER BY created_at, id`, pasteID)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "list files")
	}
	files, err := scanFiles(rows)
	return files, errors.Wrap(err, "scan files")
}

// FilesByKey returns every file row of the paste addressed by key, claimed or not.
func (s *SQLite) FilesByKey(ctx context.Context, key string) ([]domain.File, error) {
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, `
		SELECT `+fileColumns+` FROM paste_files
		WHERE paste_id IN (SELECT id FROM pastes WHERE key = ?)`, key)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "files by key")
	}
	files, err := scanFiles(rows)
	return files, errors.Wrap(err, "scan files")
}

// ClaimFile atomically checks that fileID belongs to the live paste addressed
// by key and, when that paste is delete-after-view, marks the file claimed in
// the same statement. A claimed file is invisible to every later call.
func (s *SQLite) ClaimFile(ctx context.Context, fileID, key string, now time.Time) (*domain.FileClaim, error) {
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	q := `
	UPDATE paste_files
	SET claimed = (SELECT delete_after_view FROM pastes WHERE pastes.id = paste_files.paste_id)
	WHERE id = ? AND claimed = 0
	  AND paste_id IN (SELECT id FROM pastes WHERE key = ? AND expires_at > ?)
	RETURNING ` + fileColumns + `, claimed
	`
	var (
		c         domain.FileClaim
		createdAt int64
		claimed   int
	)
	err = s.db.QueryRowContext(queryCtx, q, fileID, key, ms(now)).Scan(
		&c.ID, &c.PasteID, &c.Filename, &c.MimeType, &c.SizeBytes, &c.StoragePath, &c.BlobDEK, &createdAt, &claimed,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrFileNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "claim file")
	}
	c.CreatedAt = fromMS(createdAt)
	c.ShouldDelete = claimed != 0
	return &c, nil
}

// ReleaseFile returns a claimed file to the unclaimed state so that a
// download which failed after ClaimFile can be retried.
func (s *SQLite) ReleaseFile(ctx context.Context, id string) error {
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	_, err = s.db.ExecContext(queryCtx, `UPDATE paste_files SET claimed = 0 WHERE id = ?`, id)
	s.recordError(err)
	return errors.Wrap(err, "release file")
}

// DeleteByKey removes the paste row only; callers own the file cascade.
func (s *SQLite) DeleteByKey(ctx context.Context, key string) (bool, error) {
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	res, err := s.db.ExecContext(queryCtx, `DELETE FROM pastes WHERE key = ?`, key)
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "delete paste")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLite) DeleteFile(ctx context.Context, id string) error {
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	_, err = s.db.ExecContext(queryCtx, `DELETE FROM paste_files WHERE id = ?`, id)
	s.recordError(err)
	return errors.Wrap(err, "delete file")
}

func (s *SQLite) DeleteFilesByPaste(ctx context.Context, pasteID string) error {
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	_, err = s.db.ExecContext(queryCtx, `DELETE FROM paste_files WHERE paste_id = ?`, pasteID)
	s.recordError(err)
	return errors.Wrap(err, "delete files")
}

// ExpiredPastes lists up to limit pastes with expires_at <= now, with their files.
func (s *SQLite) ExpiredPastes(ctx context.Context, now time.Time, limit int) ([]domain.ExpiredPaste, error) {
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx,
		`SELECT id, key FROM pastes WHERE expires_at <= ? ORDER BY expires_at LIMIT ?`, ms(now), limit)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "list expired")
	}
	var expired []domain.ExpiredPaste
	for rows.Next() {
		var e domain.ExpiredPaste
		if err := rows.Scan(&e.ID, &e.Key); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan expired")
		}
		expired = append(expired, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate expired")
	}
	for i := range expired {
		fileRows, err := s.db.QueryContext(queryCtx,
			`SELECT `+fileColumns+` FROM paste_files WHERE paste_id = ?`, expired[i].ID)
		if err != nil {
			s.recordError(err)
			return nil, errors.Wrap(err, "list expired files")
		}
		if expired[i].Files, err = scanFiles(fileRows); err != nil {
			return nil, errors.Wrap(err, "scan expired files")
		}
	}
	return expired, nil
}

// DeletePastes removes the given pastes and their file rows in one
// transaction, skipping any that are no longer expired at now. It returns the
// number of paste rows this call removed.
func (s *SQLite) DeletePastes(ctx context.Context, ids []string, now time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		s.recordError(err)
		return 0, errors.Wrap(err, "begin sweep tx")
	}
	defer tx.Rollback()
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, ms(now))
	if _, err := tx.ExecContext(queryCtx, `
		DELETE FROM paste_files WHERE paste_id IN (
			SELECT id FROM pastes WHERE id IN (`+placeholders+`) AND expires_at <= ?
		)`, args...); err != nil {
		s.recordError(err)
		return 0, errors.Wrap(err, "sweep files")
	}
	res, err := tx.ExecContext(queryCtx,
		`DELETE FROM pastes WHERE id IN (`+placeholders+`) AND expires_at <= ?`, args...)
	if err != nil {
		s.recordError(err)
		return 0, errors.Wrap(err, "sweep pastes")
	}
	n, _ := res.RowsAffected()
	err = tx.Commit()
	s.recordError(err)
	if err != nil {
		return 0, errors.Wrap(err, "commit sweep")
	}
	return int(n), nil
}

// OrphanFiles lists file rows whose parent paste is gone.
func (s *SQLite) OrphanFiles(ctx context.Context, limit int) ([]domain.File, error) {
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, `
		SELECT `+fileColumns+` FROM paste_files
		WHERE NOT EXISTS (SELECT 1 FROM pastes WHERE pastes.id = paste_files.paste_id)
		LIMIT ?`, limit)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "list orphans")
	}
	files, err := scanFiles(rows)
	return files, errors.Wrap(err, "scan orphans")
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var result int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}
