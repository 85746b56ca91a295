// Package modkit provides module wiring and core deps
package modkit

import (
	"adlake/internal/modkit/repokit"
	"adlake/internal/platform/config"
	"adlake/internal/platform/logger"
	"adlake/internal/platform/metrics"
	"adlake/internal/platform/store"
)

// Deps holds core dependencies passed to modules. CH is nil when ClickHouse
// is disabled
type Deps struct {
	Log logger.Logger
	Cfg config.Conf
	PG  repokit.TxRunner
	CH  store.Clickhouse

	// Metrics may be nil, collectors are nil safe
	Metrics *metrics.Metrics
}
