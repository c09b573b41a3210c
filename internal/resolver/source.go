package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/carelake-io/carelake/internal/dimension"
	"github.com/carelake-io/carelake/internal/storage"
)

// DimensionSource is the production KeySource: point lookups and preload
// scans against the core dimension tables, on the shared pool rather than any
// loader transaction. Dimensions commit before facts load, so pool reads see
// every key a fact row can legitimately reference.
type DimensionSource struct {
	conn     *storage.Connection
	registry *dimension.Registry
	store    *dimension.Store
}

// NewDimensionSource creates a key source over the core dimension tables.
func NewDimensionSource(conn *storage.Connection, registry *dimension.Registry) (*DimensionSource, error) {
	if conn == nil {
		return nil, storage.ErrNoDatabaseConnection
	}

	return &DimensionSource{
		conn:     conn,
		registry: registry,
		store:    dimension.NewStore(),
	}, nil
}

// CurrentKey resolves one business key to its current surrogate key.
func (s *DimensionSource) CurrentKey(ctx context.Context, dimType, businessKey string) (int64, error) {
	h, err := s.registry.Handler(dimType)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownDimension, dimType)
	}

	surrogateKey, err := s.store.CurrentKeyByBusinessKey(ctx, s.conn, h, businessKey)
	if errors.Is(err, dimension.ErrNoCurrentVersion) {
		return 0, fmt.Errorf("%w: %s %q", ErrKeyNotFound, dimType, businessKey)
	}

	if err != nil {
		return 0, err
	}

	return surrogateKey, nil
}

// ScanCurrentKeys streams every current (business key, surrogate key) pair.
func (s *DimensionSource) ScanCurrentKeys(
	ctx context.Context,
	dimType string,
	visit func(businessKey string, surrogateKey int64) error,
) error {
	h, err := s.registry.Handler(dimType)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrUnknownDimension, dimType)
	}

	return s.store.ScanCurrentKeys(ctx, s.conn, h, visit)
}

// CountCurrent returns how many current versions the dimension holds.
func (s *DimensionSource) CountCurrent(ctx context.Context, dimType string) (int64, error) {
	h, err := s.registry.Handler(dimType)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownDimension, dimType)
	}

	return s.store.CountCurrent(ctx, s.conn, h)
}
