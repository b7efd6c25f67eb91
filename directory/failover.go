package directory

import (
	"context"
	"errors"

	"github.com/voicewire/turnbridge/logger"
)

// Failover chains two stores: every operation tries the primary and
// falls back on error or miss. Lookups therefore never fail outright
// just because the warehouse is unreachable; the result's Source field
// reports which store actually served it.
type Failover struct {
	primary  Store
	fallback Store
}

// NewFailover wraps primary with fallback. Both must be non-nil.
func NewFailover(primary, fallback Store) *Failover {
	return &Failover{primary: primary, fallback: fallback}
}

// LookupHCP tries the primary, then the fallback on any error or miss.
func (f *Failover) LookupHCP(ctx context.Context, name string) (*HCP, error) {
	hcp, err := f.primary.LookupHCP(ctx, name)
	if err == nil {
		return hcp, nil
	}
	if !errors.Is(err, ErrNotFound) {
		logger.Warn("Primary directory lookup failed, falling back",
			"name", name,
			"error", err,
		)
	}
	return f.fallback.LookupHCP(ctx, name)
}

// InsertCall persists via the primary, falling back so a saved call is
// never lost to a warehouse outage.
func (f *Failover) InsertCall(ctx context.Context, record CallRecord) (string, error) {
	pk, err := f.primary.InsertCall(ctx, record)
	if err == nil {
		return pk, nil
	}
	if errors.Is(err, ErrEmptyRecord) {
		return "", err
	}
	logger.Warn("Primary call insert failed, falling back",
		"error", err,
	)
	return f.fallback.InsertCall(ctx, record)
}

// Health reports the primary's health. Lookups keep serving from the
// fallback while the primary is down, so callers should treat a
// failure here as degraded rather than dead.
func (f *Failover) Health(ctx context.Context) error {
	return f.primary.Health(ctx)
}
