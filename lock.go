package saga

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Lock guards a transaction name against concurrent sessions. The driver
// holds it for the whole of Run, recovery included.
type Lock interface {
	// Acquire attempts to acquire a lock for the transaction.
	// Returns a token if successful, or a TransactionLockedError if the lock is held.
	Acquire(ctx context.Context, name string, ttl time.Duration) (string, error)

	// Release releases the lock for the transaction.
	Release(ctx context.Context, name string, token string) error
}

// NoOpLock is a lock that does nothing (for single-process use).
type NoOpLock struct{}

// Acquire always succeeds for NoOpLock.
func (l *NoOpLock) Acquire(ctx context.Context, name string, ttl time.Duration) (string, error) {
	return "noop", nil
}

// Release does nothing for NoOpLock.
func (l *NoOpLock) Release(ctx context.Context, name string, token string) error {
	return nil
}

// PostgresLock implements Lock using PostgreSQL session advisory locks.
// Each held lock pins one connection from the pool until released.
type PostgresLock struct {
	db *sql.DB

	mu    sync.Mutex
	conns map[string]*sql.Conn
}

// NewPostgresLock creates a new PostgresLock.
func NewPostgresLock(db *sql.DB) *PostgresLock {
	return &PostgresLock{db: db, conns: make(map[string]*sql.Conn)}
}

// hashToLockKey converts a transaction name to a 64-bit lock key using SHA-256.
func hashToLockKey(name string) int64 {
	hash := sha256.Sum256([]byte(name))
	return int64(binary.BigEndian.Uint64(hash[:8]))
}

// Acquire attempts to acquire a PostgreSQL advisory lock.
func (l *PostgresLock) Acquire(ctx context.Context, name string, ttl time.Duration) (string, error) {
	lockKey := hashToLockKey(name)

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return "", fmt.Errorf("advisory lock conn: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockKey).Scan(&acquired); err != nil {
		conn.Close()
		return "", fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return "", NewTransactionLockedError(name)
	}

	token := strconv.FormatInt(lockKey, 10) + "/" + strconv.FormatInt(time.Now().UnixNano(), 36)
	l.mu.Lock()
	l.conns[token] = conn
	l.mu.Unlock()
	return token, nil
}

// Release unlocks and returns the pinned connection to the pool.
func (l *PostgresLock) Release(ctx context.Context, name string, token string) error {
	l.mu.Lock()
	conn, ok := l.conns[token]
	delete(l.conns, token)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	defer conn.Close()

	var released bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", hashToLockKey(name)).Scan(&released); err != nil {
		return fmt.Errorf("advisory unlock: %w", err)
	}
	return nil
}

// FileLock implements Lock with exclusive lock files in a directory. While a
// lock is held its file is touched every ttl/3, so only a lock whose holder
// stopped renewing it for a full ttl is considered abandoned and taken over.
type FileLock struct {
	dir string

	mu    sync.Mutex
	beats map[string]context.CancelFunc
}

// NewFileLock creates the lock directory if needed.
func NewFileLock(dir string) (*FileLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file lock: %w", err)
	}
	return &FileLock{dir: dir, beats: make(map[string]context.CancelFunc)}, nil
}

func (l *FileLock) path(name string) string {
	return filepath.Join(l.dir, url.PathEscape(name)+".lock")
}

// Acquire creates the lock file exclusively and starts renewing it.
func (l *FileLock) Acquire(ctx context.Context, name string, ttl time.Duration) (string, error) {
	path := l.path(name)
	token := uuid.NewString()

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.WriteString(token)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return "", fmt.Errorf("file lock: %w", errors.Join(werr, cerr))
			}
			l.heartbeat(path, token, ttl)
			return token, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("file lock: %w", err)
		}
		if ttl <= 0 || !breakStale(path, ttl) {
			break
		}
	}
	return "", NewTransactionLockedError(name)
}

// heartbeat keeps the lock file's mtime fresh until Release or until the
// file no longer carries token.
func (l *FileLock) heartbeat(path, token string, ttl time.Duration) {
	interval := ttl / 3
	if interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.beats[token] = cancel
	l.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b, err := os.ReadFile(path)
				if err != nil || string(b) != token {
					return
				}
				now := time.Now()
				_ = os.Chtimes(path, now, now)
			}
		}
	}()
}

// breakStale moves an expired lock file aside under a unique name and
// reports whether the caller may retry the exclusive create. The rename is
// atomic, so of several processes racing on one stale file only one moves
// it. If the moved file turns out to be fresh, another process re-created
// the lock in between and the file is put back.
func breakStale(path string, ttl time.Duration) bool {
	info, err := os.Stat(path)
	if err != nil {
		return errors.Is(err, fs.ErrNotExist)
	}
	if time.Since(info.ModTime()) < ttl {
		return false
	}

	moved := path + ".stale-" + uuid.NewString()
	if err := os.Rename(path, moved); err != nil {
		return errors.Is(err, fs.ErrNotExist)
	}
	defer os.Remove(moved)

	info, err = os.Stat(moved)
	if err == nil && time.Since(info.ModTime()) < ttl {
		_ = os.Link(moved, path)
		return false
	}
	return true
}

// Release stops renewing the lock and removes the lock file if it still
// carries token.
func (l *FileLock) Release(ctx context.Context, name string, token string) error {
	l.mu.Lock()
	if cancel, ok := l.beats[token]; ok {
		cancel()
		delete(l.beats, token)
	}
	l.mu.Unlock()

	path := l.path(name)
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("file unlock: %w", err)
	}
	if string(b) != token {
		return nil
	}
	return removeIfExists(path)
}

// Ensure the locks implement Lock.
var (
	_ Lock = (*NoOpLock)(nil)
	_ Lock = (*PostgresLock)(nil)
	_ Lock = (*FileLock)(nil)
)
