// Package catalog loads the report catalog: which reports to fetch, the id
// hierarchy used to scope them and the lookup tables that tune the pipeline
package catalog

import (
	_ "embed"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	perr "adlake/internal/platform/errors"
	"adlake/internal/platform/validate"
	"adlake/internal/services/importer/domain"
)

//go:embed default.yaml
var defaultYAML []byte

// ReportDefinition describes one report type
type ReportDefinition struct {
	Name       string            `yaml:"name" validate:"required"`
	Kind       domain.ReportKind `yaml:"kind" validate:"required,oneof=insights dimension"`
	Level      string            `yaml:"level"`
	Endpoint   string            `yaml:"endpoint" validate:"required"`
	Fields     []string          `yaml:"fields" validate:"required,min=1"`
	Breakdowns []string          `yaml:"breakdowns"`
	Parser     string            `yaml:"parser" validate:"required"`
	Active     bool              `yaml:"active"`

	// ScopeLevel fans the report out to one request per resolved id at that hierarchy level
	ScopeLevel string `yaml:"scope_level"`

	// Table is the staging destination; defaults to the report name
	Table string `yaml:"table"`
}

// Destination returns the staging table or artifact name
func (d ReportDefinition) Destination() string {
	if d.Table != "" {
		return d.Table
	}
	return d.Name
}

// Level is one step of the id hierarchy, root first
type Level struct {
	Name string `yaml:"name" validate:"required"`

	// ListPath lists ids of the root level for an entity
	ListPath string `yaml:"list_path" validate:"required_without=ChildPath"`

	// ChildPath lists child ids for one parent id
	ChildPath string `yaml:"child_path" validate:"required_without=ListPath"`

	// SummaryPath checks whether one id delivered anything in the window
	SummaryPath string `yaml:"summary_path"`
}

// Lookups are the named tuning tables
type Lookups struct {
	BatchSize           int      `yaml:"batch_size" validate:"min=1,max=50"`
	BatchMaxRetry       int      `yaml:"batch_max_retry" validate:"min=0"`
	PageSizes           []int    `yaml:"page_sizes" validate:"required,min=1,descending"`
	MaxWorkers          int      `yaml:"max_workers" validate:"min=1"`
	MaxRuntime          string   `yaml:"max_runtime"`
	ThrottleCodes       []int    `yaml:"throttle_codes"`
	SuspendSignatures   []string `yaml:"suspend_signatures"`
	ReduceSignatures    []string `yaml:"reduce_signatures"`
	MaxQueueAttempts    int      `yaml:"max_queue_attempts" validate:"min=1"`
	MaxStatusAttempts   int      `yaml:"max_status_attempts" validate:"min=1"`
	MaxDownloadAttempts int      `yaml:"max_download_attempts" validate:"min=1"`
	UtilizationLimit    float64  `yaml:"utilization_limit" validate:"gt=0,lte=100"`
	LookbackDays        int      `yaml:"lookback_days" validate:"min=0"`
}

// DefaultLookups returns the lookup values used when a catalog omits them
func DefaultLookups() Lookups {
	return Lookups{
		BatchSize:           50,
		BatchMaxRetry:       5,
		PageSizes:           []int{1000, 500, 250, 100},
		MaxWorkers:          4,
		MaxRuntime:          "5h",
		MaxQueueAttempts:    5,
		MaxStatusAttempts:   60,
		MaxDownloadAttempts: 5,
		UtilizationLimit:    95,
		LookbackDays:        28,
	}
}

// Catalog is the parsed catalog file
type Catalog struct {
	Reports   []ReportDefinition `yaml:"reports" validate:"required,min=1,dive"`
	Hierarchy []Level            `yaml:"hierarchy" validate:"dive"`
	Lookups   Lookups            `yaml:"lookups"`
}

// Default returns the embedded catalog
func Default() (*Catalog, error) { return Parse(defaultYAML) }

// Load reads a catalog file, falling back to the embedded default for an empty path
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeNotFound, "catalog: read %s", path)
	}
	return Parse(b)
}

// Parse decodes and validates a catalog document
func Parse(b []byte) (*Catalog, error) {
	c := Catalog{Lookups: DefaultLookups()}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeInvalidArgument, "catalog: decode yaml")
	}
	if err := validate.Struct(&c); err != nil {
		return nil, err
	}
	if err := c.check(); err != nil {
		return nil, err
	}
	return &c, nil
}

// check enforces rules the struct tags cannot express
func (c *Catalog) check() error {
	seen := map[string]bool{}
	for _, r := range c.Reports {
		if seen[r.Name] {
			return perr.WithField(perr.Newf(perr.ErrorCodeValidation, "duplicate report %q", r.Name), "reports")
		}
		seen[r.Name] = true
		if r.ScopeLevel != "" && c.LevelIndex(r.ScopeLevel) < 0 {
			return perr.WithField(perr.Newf(perr.ErrorCodeValidation,
				"report %q scopes to unknown level %q", r.Name, r.ScopeLevel), "scope_level")
		}
	}
	for i, l := range c.Hierarchy {
		if i == 0 && l.ListPath == "" {
			return perr.WithField(perr.Newf(perr.ErrorCodeValidation, "root level %q needs list_path", l.Name), "hierarchy")
		}
		if i > 0 && l.ChildPath == "" {
			return perr.WithField(perr.Newf(perr.ErrorCodeValidation, "level %q needs child_path", l.Name), "hierarchy")
		}
	}
	return nil
}

// Active returns the active report definitions in file order
func (c *Catalog) Active() []ReportDefinition {
	var out []ReportDefinition
	for _, r := range c.Reports {
		if r.Active {
			out = append(out, r)
		}
	}
	return out
}

// Report finds a definition by name
func (c *Catalog) Report(name string) (ReportDefinition, bool) {
	for _, r := range c.Reports {
		if r.Name == name {
			return r, true
		}
	}
	return ReportDefinition{}, false
}

// LevelIndex returns the position of a hierarchy level or -1
func (c *Catalog) LevelIndex(name string) int {
	for i, l := range c.Hierarchy {
		if l.Name == name {
			return i
		}
	}
	return -1
}

// NeedsHierarchy reports whether any active report is scoped by resolved ids
func (c *Catalog) NeedsHierarchy() bool {
	for _, r := range c.Active() {
		if r.ScopeLevel != "" {
			return true
		}
	}
	return false
}

// Expand substitutes {name} placeholders in tmpl
func Expand(tmpl string, vars map[string]string) string {
	if !strings.Contains(tmpl, "{") {
		return tmpl
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
