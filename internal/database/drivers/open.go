// Package drivers selects the engine adapter named by a database.Config.
package drivers

import (
	"context"
	"fmt"

	"github.com/koustreak/callsql/internal/database"
	"github.com/koustreak/callsql/internal/database/mysql"
	"github.com/koustreak/callsql/internal/database/oracle"
	"github.com/koustreak/callsql/internal/database/postgres"
	"github.com/koustreak/callsql/internal/database/sqlserver"
	"github.com/koustreak/callsql/internal/errs"
)

// Open validates cfg and opens a pool on the configured engine.
func Open(ctx context.Context, cfg *database.Config) (database.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Driver {
	case database.DriverPostgres:
		return postgres.New(ctx, cfg)
	case database.DriverMySQL:
		return mysql.New(ctx, cfg)
	case database.DriverSQLServer:
		return sqlserver.New(ctx, cfg)
	case database.DriverOracle:
		return oracle.New(ctx, cfg)
	default:
		return nil, errs.New(errs.ErrKindInvalidInput, fmt.Sprintf("unsupported driver: %q", cfg.Driver))
	}
}
