// Package txn gives the illusion of atomicity over file-backed stores that
// have no native transaction support: every file a transaction will touch is
// backed up before its first write, and on failure the registered undo
// actions run in reverse registration order.
//
// Callers must serialize transactions per path; two transactions must never
// interleave writes to the same file. This is a documented precondition, not
// enforced here.
package txn

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrTransactionDone is returned when a transaction is used after commit
	// or rollback.
	ErrTransactionDone = errors.New("transaction already finished")
	// ErrNoBackup is returned by SafeUpdate when the target path has no
	// registered backup. Calling SafeUpdate before Backup is a programming
	// defect, surfaced as an error rather than a panic.
	ErrNoBackup = errors.New("no backup registered for path")
)

// State is the lifecycle state of a transaction.
type State string

const (
	StateStarted     State = "started"
	StateCommitted   State = "committed"
	StateRollingBack State = "rolling_back"
	StateRolledBack  State = "rolled_back"
)

type undoKind int

const (
	undoRestoreFile undoKind = iota
	undoDeleteFile
	undoClosure
)

// undoAction is one registered rollback step: a tagged variant so file
// restores are explicit data, not opaque closures.
type undoAction struct {
	kind       undoKind
	name       string
	path       string
	backupPath string
	fn         func() error
}

// Manager creates transactions. Backups live under <stateDir>/txbackups and
// audit logs under <stateDir>/txlogs.
type Manager struct {
	backupDir string
	logDir    string
	logger    *zap.Logger // optional
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets a logger for rollback diagnostics.
func WithLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a transaction manager rooted at stateDir.
func NewManager(stateDir string, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		backupDir: filepath.Join(stateDir, "txbackups"),
		logDir:    filepath.Join(stateDir, "txlogs"),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, dir := range []string{m.backupDir, m.logDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create transaction directory: %w", err)
		}
	}
	return m, nil
}

// Transaction is a single multi-store operation in flight. It is ephemeral:
// created by Begin, destroyed by Commit or drained by Rollback, never reused.
type Transaction struct {
	id       string
	m        *Manager
	state    State
	backups  map[string]struct{} // paths with a registered undo
	undo     []undoAction
	dir      string // transaction-scoped backup directory
	logPath  string
	logger   *zap.Logger
	seq      int
}

// Begin allocates a fresh transaction with empty backup and rollback lists.
func (m *Manager) Begin() (*Transaction, error) {
	id := uuid.New().String()
	t := &Transaction{
		id:      id,
		m:       m,
		state:   StateStarted,
		backups: make(map[string]struct{}),
		dir:     filepath.Join(m.backupDir, id),
		logPath: filepath.Join(m.logDir, id+".json"),
		logger:  m.logger,
	}
	if err := os.MkdirAll(t.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	t.log("transaction_started", nil)
	return t, nil
}

// ID returns the transaction id.
func (t *Transaction) ID() string { return t.id }

// State returns the current lifecycle state.
func (t *Transaction) State() State { return t.state }

// Backup snapshots the current contents of path into the transaction's side
// location and registers the matching undo: restore-file when the file
// exists, delete-if-created when it does not. Calling Backup twice for the
// same path is a no-op. Must be called before the first SafeUpdate of path
// in this transaction.
func (t *Transaction) Backup(path string) error {
	if t.state != StateStarted {
		return ErrTransactionDone
	}
	if _, done := t.backups[path]; done {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}
		t.backups[path] = struct{}{}
		t.undo = append(t.undo, undoAction{kind: undoDeleteFile, name: "delete_if_created", path: path})
		t.log("backup_skipped_missing", map[string]any{"path": path})
		return nil
	}
	t.seq++
	backupPath := filepath.Join(t.dir, fmt.Sprintf("%d_%s", t.seq, filepath.Base(path)))
	if err := copyFile(path, backupPath); err != nil {
		return fmt.Errorf("failed to back up %s: %w", path, err)
	}
	t.backups[path] = struct{}{}
	t.undo = append(t.undo, undoAction{
		kind:       undoRestoreFile,
		name:       "restore_backup",
		path:       path,
		backupPath: backupPath,
	})
	t.log("backup_created", map[string]any{"path": path, "backup": backupPath})
	return nil
}

// OnRollback registers an undo closure to run if the transaction rolls back.
// Used for effects that are not file writes, such as restoring an in-memory
// record or deleting an entry admitted to an external engine.
func (t *Transaction) OnRollback(name string, fn func() error) error {
	if t.state != StateStarted {
		return ErrTransactionDone
	}
	t.undo = append(t.undo, undoAction{kind: undoClosure, name: name, fn: fn})
	return nil
}

// SafeUpdate loads the JSON KV store at path (empty if absent), applies
// transform, and writes the result back. The path must have been backed up
// earlier in this transaction.
func (t *Transaction) SafeUpdate(path string, transform func(KV) error) error {
	if t.state != StateStarted {
		return ErrTransactionDone
	}
	if _, ok := t.backups[path]; !ok {
		return fmt.Errorf("%w: %s", ErrNoBackup, path)
	}
	m, err := LoadKV(path)
	if err != nil {
		return err
	}
	if err := transform(m); err != nil {
		return err
	}
	if err := SaveKV(path, m); err != nil {
		return err
	}
	t.log("safe_update", map[string]any{"path": path, "keys": len(m)})
	return nil
}

// Log appends an operation entry to the transaction's audit log.
func (t *Transaction) Log(operation string, details map[string]any) {
	t.log(operation, details)
}

// Commit finishes the transaction: backups are deleted and the audit log is
// closed out and removed. The log is audit-only; it is never consulted for
// recovery after a restart.
func (t *Transaction) Commit() error {
	if t.state != StateStarted {
		return ErrTransactionDone
	}
	t.log("transaction_committed", map[string]any{"operations": t.seq, "undo_actions": len(t.undo)})
	t.state = StateCommitted
	if err := os.RemoveAll(t.dir); err != nil && t.logger != nil {
		t.logger.Warn("failed to remove transaction backups",
			zap.String("tx_id", t.id), zap.Error(err))
	}
	if err := os.Remove(t.logPath); err != nil && !os.IsNotExist(err) && t.logger != nil {
		t.logger.Warn("failed to remove transaction log",
			zap.String("tx_id", t.id), zap.Error(err))
	}
	return nil
}

// Rollback executes the registered undo actions in reverse registration
// order. Individual undo failures are logged and collected but do not abort
// the sequence; the returned error joins them, nil when every action
// succeeded. Backups are removed afterwards; the audit log is retained for
// postmortem inspection.
func (t *Transaction) Rollback() error {
	if t.state != StateStarted {
		if t.state == StateRolledBack || t.state == StateRollingBack {
			return nil
		}
		return ErrTransactionDone
	}
	t.state = StateRollingBack
	t.log("transaction_rolling_back", map[string]any{"undo_actions": len(t.undo)})

	var errs []error
	for i := len(t.undo) - 1; i >= 0; i-- {
		a := t.undo[i]
		var err error
		switch a.kind {
		case undoRestoreFile:
			err = copyFile(a.backupPath, a.path)
		case undoDeleteFile:
			if rmErr := os.Remove(a.path); rmErr != nil && !os.IsNotExist(rmErr) {
				err = rmErr
			}
		case undoClosure:
			err = a.fn()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", a.name, a.path, err))
			t.log("rollback_step_failed", map[string]any{"action": a.name, "path": a.path, "error": err.Error()})
			if t.logger != nil {
				t.logger.Error("rollback step failed",
					zap.String("tx_id", t.id), zap.String("action", a.name),
					zap.String("path", a.path), zap.Error(err))
			}
			continue
		}
		t.log("rollback_step", map[string]any{"action": a.name, "path": a.path})
	}
	t.state = StateRolledBack
	t.log("transaction_rolled_back", map[string]any{"failures": len(errs)})
	if err := os.RemoveAll(t.dir); err != nil && t.logger != nil {
		t.logger.Warn("failed to remove transaction backups",
			zap.String("tx_id", t.id), zap.Error(err))
	}
	return errors.Join(errs...)
}

// logEntry is one line of the per-transaction audit log.
type logEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Operation string         `json:"operation"`
	Details   map[string]any `json:"details,omitempty"`
}

// log appends one entry to the audit log file. Log failures are swallowed;
// the audit trail is best-effort and never blocks the operation itself.
func (t *Transaction) log(operation string, details map[string]any) {
	entry := logEntry{Timestamp: time.Now().UTC(), Operation: operation, Details: details}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	f, err := os.OpenFile(t.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(append(data, '\n'))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
