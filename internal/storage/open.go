package storage

import (
	"fmt"
	"time"

	"saharbot/pkg/logx"
)

// Open creates the store selected by cfg.Driver. home is the reference
// location used to compute "today" when pruning tracker records.
func Open(cfg Config, home *time.Location, log logx.Logger) (Store, error) {
	if home == nil {
		home = time.UTC
	}
	switch cfg.Driver {
	case "", "file":
		return openFile(cfg.Dir, home, log)
	case "sqlite":
		return openSQLite(cfg, home, log)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
}
