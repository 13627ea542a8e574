//go:build !sqlite
// +build !sqlite

package storage

import (
	"errors"
	"time"

	"saharbot/pkg/logx"
)

func openSQLite(cfg Config, home *time.Location, log logx.Logger) (Store, error) {
	_ = cfg
	_ = home
	_ = log
	return nil, errors.New("sqlite storage not built: build with -tags sqlite or use storage.driver \"file\"")
}
