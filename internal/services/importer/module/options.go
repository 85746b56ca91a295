package module

import (
	"strings"
	"time"

	"adlake/internal/core/signature"
	"adlake/internal/platform/config"
	"adlake/internal/platform/validate"
	"adlake/internal/services/importer/catalog"
)

// Stager backends
const (
	StagerClickHouse = "clickhouse"
	StagerParquet    = "parquet"
)

// Options holds configuration for the importer
type Options struct {
	Workers    int `validate:"min=1"`
	MaxRuntime time.Duration

	BatchSize        int     `validate:"min=1,max=50"`
	BatchMaxRetry    int     `validate:"min=0"`
	UtilizationLimit float64 `validate:"gt=0,lte=100"`
	ThrottleCodes    []int

	RetrySeed   time.Duration
	RetryFactor float64 `validate:"gte=1"`
	JitterMin   time.Duration
	JitterMax   time.Duration
	PollCap     time.Duration

	PageSizes           []int `validate:"required,min=1,descending"`
	MaxQueueAttempts    int   `validate:"min=1"`
	MaxStatusAttempts   int   `validate:"min=1"`
	MaxDownloadAttempts int   `validate:"min=1"`
	LookbackDays        int   `validate:"min=0"`
	ScopeChunk          int   `validate:"min=1"`

	SuspendSignatures []string
	ReduceSignatures  []string

	ItemTimeout time.Duration
	DBTimeout   time.Duration

	Catalog         string
	PartialDir      string
	Stager          string `validate:"oneof=clickhouse parquet"`
	StageChunk      int    `validate:"min=1"`
	ParquetPrefix   string
	SnapshotBackend string `validate:"oneof=s3 minio badger fs"`
	OpsAddr         string
	Profiler        bool
}

// FromConfig reads the importer options with the CORE_IMPORT_ prefix. The
// catalog lookups supply the defaults so env values win over the file
func FromConfig(cfg config.Conf, lk catalog.Lookups) Options {
	im := cfg.Prefix("CORE_IMPORT_")
	def := catalog.DefaultLookups()

	maxRuntime := 5 * time.Hour
	if d, err := time.ParseDuration(lk.MaxRuntime); err == nil {
		maxRuntime = d
	}
	pick := func(v, d int) int {
		if v > 0 {
			return v
		}
		return d
	}
	pageSizes := lk.PageSizes
	if len(pageSizes) == 0 {
		pageSizes = def.PageSizes
	}
	util := lk.UtilizationLimit
	if util <= 0 {
		util = def.UtilizationLimit
	}

	return Options{
		Workers:          im.MayInt("WORKERS", pick(lk.MaxWorkers, def.MaxWorkers)),
		MaxRuntime:       im.MayDuration("MAX_RUNTIME", maxRuntime),
		BatchSize:        im.MayInt("BATCH_SIZE", pick(lk.BatchSize, def.BatchSize)),
		BatchMaxRetry:    im.MayInt("BATCH_MAX_RETRY", pick(lk.BatchMaxRetry, def.BatchMaxRetry)),
		UtilizationLimit: im.MayFloat64("UTILIZATION_LIMIT", util),
		ThrottleCodes:    lk.ThrottleCodes,

		RetrySeed:   im.MayDuration("RETRY_SEED", 2*time.Second),
		RetryFactor: im.MayFloat64("RETRY_FACTOR", 2),
		JitterMin:   im.MayDuration("JITTER_MIN", 0),
		JitterMax:   im.MayDuration("JITTER_MAX", time.Second),
		PollCap:     im.MayDuration("POLL_CAP", time.Minute),

		PageSizes:           im.MayIntCSV("PAGE_SIZES", pageSizes),
		MaxQueueAttempts:    im.MayInt("MAX_QUEUE_ATTEMPTS", pick(lk.MaxQueueAttempts, def.MaxQueueAttempts)),
		MaxStatusAttempts:   im.MayInt("MAX_STATUS_ATTEMPTS", pick(lk.MaxStatusAttempts, def.MaxStatusAttempts)),
		MaxDownloadAttempts: im.MayInt("MAX_DOWNLOAD_ATTEMPTS", pick(lk.MaxDownloadAttempts, def.MaxDownloadAttempts)),
		LookbackDays:        im.MayInt("LOOKBACK_DAYS", pick(lk.LookbackDays, def.LookbackDays)),
		ScopeChunk:          im.MayInt("SCOPE_CHUNK", 50),

		SuspendSignatures: im.MayCSV("SUSPEND_SIGNATURES", lk.SuspendSignatures),
		ReduceSignatures:  im.MayCSV("REDUCE_SIGNATURES", lk.ReduceSignatures),

		ItemTimeout: im.MayDuration("ITEM_TIMEOUT", 0),
		DBTimeout:   im.MayDuration("DB_TIMEOUT", 15*time.Second),

		Catalog:         im.MayString("CATALOG", ""),
		PartialDir:      im.MayString("PARTIAL_DIR", ".adlake/partial"),
		Stager:          strings.ToLower(im.MayEnum("STAGER", StagerClickHouse, StagerClickHouse, StagerParquet)),
		StageChunk:      im.MayInt("STAGE_CHUNK", 5000),
		ParquetPrefix:   im.MayString("PARQUET_PREFIX", "staging"),
		SnapshotBackend: strings.ToLower(im.MayEnum("SNAPSHOT_BACKEND", "fs", "s3", "minio", "badger", "fs")),
		OpsAddr:         im.MayString("OPS_ADDR", ""),
		Profiler:        im.MayBool("PROFILER", false),
	}
}

// CatalogPath reads only the catalog location, which must be known before the
// lookups that seed the rest of the options
func CatalogPath(cfg config.Conf) string {
	return cfg.Prefix("CORE_IMPORT_").MayString("CATALOG", "")
}

// Validate checks the options with translated messages
func (o Options) Validate() error { return validate.Struct(&o) }

// Suspend returns the suspend signature matcher
func (o Options) Suspend() *signature.Matcher { return signature.New(o.SuspendSignatures...) }

// Reduce returns the reduce signature matcher
func (o Options) Reduce() *signature.Matcher { return signature.New(o.ReduceSignatures...) }
