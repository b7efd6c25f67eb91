package directory

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	metrics "github.com/voicewire/turnbridge/metrics/prometheus"
)

const defaultQueryTimeout = 30 * time.Second

const (
	lookupExactSQL = `
		SELECT h.hcp_id, h.name, h.hco_id, o.name
		FROM hcp h
		LEFT JOIN hco o ON h.hco_id = o.hco_id
		WHERE h.name = $1
		LIMIT 1`

	lookupPrefixSQL = `
		SELECT h.hcp_id, h.name, h.hco_id, o.name
		FROM hcp h
		LEFT JOIN hco o ON h.hco_id = o.hco_id
		WHERE h.name ILIKE $1 || '%'
		ORDER BY h.name
		LIMIT 1`

	insertCallSQL = `
		INSERT INTO calls (
			call_pk, call_channel, discussion_topic, status, account, id,
			adverse_event, adverse_event_details,
			noncompliance_event, noncompliance_description,
			call_notes, call_date, call_time, product,
			followup_task_type, followup_description,
			followup_due_date, followup_assigned_to,
			created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8,
			$9, $10,
			$11, $12, $13, $14,
			$15, $16,
			$17, $18,
			NOW()
		)`
)

// PGStore talks to the CRM warehouse over the Postgres wire protocol.
// The pool is owned by the caller.
type PGStore struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// PGOption configures a PGStore.
type PGOption func(*PGStore)

// WithQueryTimeout bounds each warehouse query. Zero disables the bound.
func WithQueryTimeout(d time.Duration) PGOption {
	return func(s *PGStore) {
		s.queryTimeout = d
	}
}

// NewPGStore creates a warehouse-backed directory store.
func NewPGStore(pool *pgxpool.Pool, opts ...PGOption) *PGStore {
	s := &PGStore{
		pool:         pool,
		queryTimeout: defaultQueryTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LookupHCP finds a professional by exact name, then by case-insensitive
// prefix when the exact match misses.
func (s *PGStore) LookupHCP(ctx context.Context, name string) (*HCP, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	hcp, err := s.queryHCP(ctx, lookupExactSQL, name)
	if errors.Is(err, pgx.ErrNoRows) {
		hcp, err = s.queryHCP(ctx, lookupPrefixSQL, name)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.RecordDirectoryLookup(SourceDatabase, metrics.StatusMiss)
		return nil, ErrNotFound
	}
	if err != nil {
		metrics.RecordDirectoryLookup(SourceDatabase, metrics.StatusError)
		return nil, err
	}

	metrics.RecordDirectoryLookup(SourceDatabase, metrics.StatusHit)
	return hcp, nil
}

func (s *PGStore) queryHCP(ctx context.Context, sql, name string) (*HCP, error) {
	var (
		hcp     HCP
		hcoID   *string
		hcoName *string
	)
	row := s.pool.QueryRow(ctx, sql, name)
	if err := row.Scan(&hcp.HCPID, &hcp.Name, &hcoID, &hcoName); err != nil {
		return nil, err
	}
	if hcoID != nil {
		hcp.HCOID = *hcoID
	}
	if hcoName != nil {
		hcp.HCOName = *hcoName
	}
	hcp.Source = SourceDatabase
	return &hcp, nil
}

// InsertCall persists the call record and returns the generated key.
// Empty optional fields are written as NULL so the DATE columns and
// downstream reports stay clean.
func (s *PGStore) InsertCall(ctx context.Context, record CallRecord) (string, error) {
	if record.Empty() {
		return "", ErrEmptyRecord
	}

	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	record = record.Normalized()
	callPK := NewCallPK()

	task := record.FollowUpTask
	if task == nil {
		task = &FollowUpTask{}
	}

	_, err := s.pool.Exec(ctx, insertCallSQL,
		callPK,
		record.CallChannel,
		nullable(record.DiscussionTopic),
		record.Status,
		nullable(record.Account),
		nullable(record.ID),
		record.AdverseEvent,
		nullable(record.AdverseEventDetails),
		record.NoncomplianceEvent,
		nullable(record.NoncomplianceDescription),
		nullable(record.CallNotes),
		nullable(record.CallDate),
		nullable(record.CallTime),
		nullable(record.Product),
		nullable(task.TaskType),
		nullable(task.Description),
		nullable(task.DueDate),
		nullable(task.AssignedTo),
	)
	if err != nil {
		return "", err
	}
	return callPK, nil
}

// Health verifies warehouse connectivity.
func (s *PGStore) Health(ctx context.Context) error {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()
	return s.pool.Ping(ctx)
}

func (s *PGStore) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

// nullable maps empty and literal "null" strings to SQL NULL.
func nullable(s string) any {
	if s == "" || s == "null" {
		return nil
	}
	return s
}
