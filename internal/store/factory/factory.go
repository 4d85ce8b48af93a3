package factory

import (
	"context"
	"strings"

	"github.com/loykin/mrdeploy/internal/store"
	pg "github.com/loykin/mrdeploy/internal/store/postgres"
	sq "github.com/loykin/mrdeploy/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN and ensures its
// schema exists.
// Supported:
//   - empty or "memory://": in-process store (status is lost on restart)
//   - sqlite:  "sqlite:///<path>" or bare filepath (treated as sqlite)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(ctx context.Context, dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)

	var (
		s   store.Store
		err error
	)
	switch {
	case d == "" || ld == "memory://":
		return store.NewMemory(), nil
	case strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://"):
		s, err = pg.New(d)
	case strings.HasPrefix(ld, "sqlite://"):
		s, err = sq.New(d[len("sqlite://"):])
	default:
		s, err = sq.New(d)
	}
	if err != nil {
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}
