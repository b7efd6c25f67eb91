package directory

import (
	"context"
	"strings"
	"sync"

	metrics "github.com/voicewire/turnbridge/metrics/prometheus"
)

// StaticStore serves a seeded in-memory dataset with the same matching
// rules as the warehouse: exact name match first, then case-insensitive
// prefix. Inserted calls are retained in arrival order so demos and
// tests can read them back.
type StaticStore struct {
	mu    sync.RWMutex
	hcps  []HCP
	calls []storedCall
	byPK  map[string]CallRecord
}

type storedCall struct {
	pk     string
	record CallRecord
}

// NewStaticStore creates a store seeded with the demo organizations
// and professionals.
func NewStaticStore() *StaticStore {
	return &StaticStore{
		hcps: []HCP{
			{HCPID: "HCP_SOTO", Name: "Dr. Karina Soto", HCOID: "HCO_BAYVIEW", HCOName: "Bayview Medical Group"},
			{HCPID: "HCP_RAHMAN", Name: "Dr. Malik Rahman", HCOID: "HCO_NORTHSIDE", HCOName: "Northside Cardiology"},
		},
		byPK: make(map[string]CallRecord),
	}
}

// NewEmptyStaticStore creates a store with no seeded professionals.
func NewEmptyStaticStore() *StaticStore {
	return &StaticStore{byPK: make(map[string]CallRecord)}
}

// AddHCP seeds an additional professional.
func (s *StaticStore) AddHCP(hcp HCP) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hcp.Source = ""
	s.hcps = append(s.hcps, hcp)
}

// LookupHCP finds a seeded professional by exact name (case-insensitive),
// then by case-insensitive prefix.
func (s *StaticStore) LookupHCP(ctx context.Context, name string) (*HCP, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	lower := strings.ToLower(name)
	for i := range s.hcps {
		if strings.ToLower(s.hcps[i].Name) == lower {
			return s.found(i), nil
		}
	}
	for i := range s.hcps {
		if strings.HasPrefix(strings.ToLower(s.hcps[i].Name), lower) {
			return s.found(i), nil
		}
	}

	metrics.RecordDirectoryLookup(SourceStatic, metrics.StatusMiss)
	return nil, ErrNotFound
}

func (s *StaticStore) found(i int) *HCP {
	metrics.RecordDirectoryLookup(SourceStatic, metrics.StatusHit)
	hcp := s.hcps[i]
	hcp.Source = SourceStatic
	return &hcp
}

// InsertCall retains the record in memory and returns a generated key.
func (s *StaticStore) InsertCall(ctx context.Context, record CallRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if record.Empty() {
		return "", ErrEmptyRecord
	}

	record = record.Normalized()
	callPK := NewCallPK()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, storedCall{pk: callPK, record: record})
	s.byPK[callPK] = record
	return callPK, nil
}

// Health always succeeds; the static dataset has nothing to fail.
func (s *StaticStore) Health(ctx context.Context) error {
	return ctx.Err()
}

// Calls returns the retained records in insertion order.
func (s *StaticStore) Calls() []CallRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CallRecord, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.record
	}
	return out
}

// CallByPK returns a retained record by its generated key.
func (s *StaticStore) CallByPK(pk string) (CallRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.byPK[pk]
	return record, ok
}
