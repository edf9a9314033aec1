// Package timeline persists the request/task log: one row per inbound
// request context plus its milestone emissions and delivery status.
package timeline

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Request status values.
const (
	StatusAccepted   = "accepted"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Delivery status values.
const (
	DeliveryPending = "pending"
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
)

// Schema creates the request and milestone tables.
const Schema = `
CREATE TABLE IF NOT EXISTS requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT UNIQUE NOT NULL,
	idempotency_key TEXT UNIQUE,
	bot_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	actor_id TEXT,
	status TEXT NOT NULL DEFAULT 'accepted',
	outcome TEXT,
	content_in TEXT,
	content_out TEXT,
	error_text TEXT,
	delivery_status TEXT NOT NULL DEFAULT 'pending',
	received_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	acknowledged_at DATETIME,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status);
CREATE INDEX IF NOT EXISTS idx_requests_idempotency ON requests(idempotency_key);
CREATE INDEX IF NOT EXISTS idx_requests_conversation ON requests(bot_id, conversation_id);

CREATE TABLE IF NOT EXISTS milestones (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	seq INTEGER NOT NULL,
	emitted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(request_id, kind)
);
CREATE INDEX IF NOT EXISTS idx_milestones_request ON milestones(request_id);
`

// Request is one persisted request context row.
type Request struct {
	RequestID      string
	IdempotencyKey string
	BotID          string
	ConversationID string
	ActorID        string
	Status         string
	Outcome        string
	ContentIn      string
	ContentOut     string
	ErrorText      string
	DeliveryStatus string
	ReceivedAt     time.Time
	AcknowledgedAt *time.Time
	CompletedAt    *time.Time
}

// Milestone is one persisted milestone row.
type Milestone struct {
	RequestID string
	Kind      string
	Seq       int
	EmittedAt time.Time
}

// Service wraps the sqlite request log.
type Service struct {
	db *sql.DB
}

// NewService opens (or creates) the request log at dbPath.
func NewService(dbPath string) (*Service, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open request log: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Service{db: db}, nil
}

// Close closes the underlying database.
func (s *Service) Close() error {
	return s.db.Close()
}

// CreateRequest inserts a new request row in accepted state.
func (s *Service) CreateRequest(req *Request) error {
	if req.Status == "" {
		req.Status = StatusAccepted
	}
	if req.DeliveryStatus == "" {
		req.DeliveryStatus = DeliveryPending
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO requests (request_id, idempotency_key, bot_id, conversation_id, actor_id, status, content_in, delivery_status, received_at, acknowledged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.RequestID, nullable(req.IdempotencyKey), req.BotID, req.ConversationID, req.ActorID,
		req.Status, req.ContentIn, req.DeliveryStatus, req.ReceivedAt, req.AcknowledgedAt,
	)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return nil
}

// GetByIdempotencyKey returns a prior request with the same key, or nil.
func (s *Service) GetByIdempotencyKey(key string) (*Request, error) {
	if key == "" {
		return nil, nil
	}
	row := s.db.QueryRow(`
		SELECT request_id, COALESCE(idempotency_key, ''), bot_id, conversation_id, COALESCE(actor_id, ''),
		       status, COALESCE(outcome, ''), COALESCE(content_in, ''), COALESCE(content_out, ''),
		       COALESCE(error_text, ''), delivery_status, received_at
		FROM requests WHERE idempotency_key = ?`, key)
	var req Request
	err := row.Scan(&req.RequestID, &req.IdempotencyKey, &req.BotID, &req.ConversationID, &req.ActorID,
		&req.Status, &req.Outcome, &req.ContentIn, &req.ContentOut, &req.ErrorText,
		&req.DeliveryStatus, &req.ReceivedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return &req, nil
}

// UpdateStatus moves a request through its state machine.
func (s *Service) UpdateStatus(requestID, status string) error {
	_, err := s.db.Exec(`UPDATE requests SET status = ? WHERE request_id = ?`, status, requestID)
	return err
}

// Complete records the terminal outcome of a request.
func (s *Service) Complete(requestID, status, outcome, contentOut, errorText string) error {
	now := time.Now()
	_, err := s.db.Exec(`
		UPDATE requests SET status = ?, outcome = ?, content_out = ?, error_text = ?, completed_at = ?
		WHERE request_id = ?`,
		status, outcome, contentOut, errorText, now, requestID)
	return err
}

// UpdateDelivery records the delivery status of a request's result.
func (s *Service) UpdateDelivery(requestID, deliveryStatus string) error {
	_, err := s.db.Exec(`UPDATE requests SET delivery_status = ? WHERE request_id = ?`, deliveryStatus, requestID)
	return err
}

// AddMilestone records one milestone emission. The (request, kind) unique
// constraint backs the debounce invariant at the persistence layer too.
func (s *Service) AddMilestone(requestID, kind string, seq int, emittedAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO milestones (request_id, kind, seq, emitted_at) VALUES (?, ?, ?, ?)`,
		requestID, kind, seq, emittedAt)
	return err
}

// Milestones returns a request's milestone rows ordered by sequence.
func (s *Service) Milestones(requestID string) ([]Milestone, error) {
	rows, err := s.db.Query(`
		SELECT request_id, kind, seq, emitted_at FROM milestones WHERE request_id = ? ORDER BY seq`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Milestone
	for rows.Next() {
		var m Milestone
		if err := rows.Scan(&m.RequestID, &m.Kind, &m.Seq, &m.EmittedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
