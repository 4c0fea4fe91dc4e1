package ddosguard

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oarkflow/log"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS enforcement_audit (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	client_id TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	severity INTEGER NOT NULL,
	duration_seconds INTEGER NOT NULL,
	details TEXT,
	recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_client ON enforcement_audit (client_id, recorded_at);
CREATE INDEX IF NOT EXISTS idx_audit_recorded ON enforcement_audit (recorded_at);
`

// AuditRecord is a persisted enforcement action row.
type AuditRecord struct {
	ID       int64     `db:"id" json:"id"`
	ClientID string    `db:"client_id" json:"client_id"`
	Action   string    `db:"action" json:"action"`
	Reason   string    `db:"reason" json:"reason"`
	Severity int       `db:"severity" json:"severity"`
	Duration int64     `db:"duration_seconds" json:"duration_seconds"`
	Details  string    `db:"details" json:"details,omitempty"`
	Recorded time.Time `db:"recorded_at" json:"recorded_at"`
}

// AuditStore persists enforcement actions to SQLite so operators can
// reconstruct what the engine did after a restart.
type AuditStore struct {
	db     *sqlx.DB
	logger log.Logger
}

func NewAuditStore(path string, logger log.Logger) (*AuditStore, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	logger.Info().Str("path", path).Msg("audit store initialized")
	return &AuditStore{db: db, logger: logger}, nil
}

func (s *AuditStore) Insert(action ResponseAction) error {
	details := ""
	if len(action.Details) > 0 {
		raw, err := json.Marshal(action.Details)
		if err != nil {
			return fmt.Errorf("encode action details: %w", err)
		}
		details = string(raw)
	}
	_, err := s.db.Exec(
		`INSERT INTO enforcement_audit
			(client_id, action, reason, severity, duration_seconds, details, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		action.ClientID, string(action.Kind), action.Reason, action.Severity,
		int64(action.Duration/time.Second), details, action.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit row: %w", err)
	}
	return nil
}

// RecentByClient returns the newest persisted actions for one client.
func (s *AuditStore) RecentByClient(clientID string, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []AuditRecord
	err := s.db.Select(&records,
		`SELECT * FROM enforcement_audit
		WHERE client_id = ?
		ORDER BY recorded_at DESC
		LIMIT ?`, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit rows: %w", err)
	}
	return records, nil
}

// Recent returns the newest persisted actions across all clients.
func (s *AuditStore) Recent(limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []AuditRecord
	err := s.db.Select(&records,
		`SELECT * FROM enforcement_audit
		ORDER BY recorded_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit rows: %w", err)
	}
	return records, nil
}

// Prune deletes rows older than the retention window and returns the count.
func (s *AuditStore) Prune(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM enforcement_audit WHERE recorded_at < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune audit rows: %w", err)
	}
	return res.RowsAffected()
}

func (s *AuditStore) Close() error {
	return s.db.Close()
}
