// Package config reads the importer's settings from the environment.
// Conf values are cheap prefixed views, e.g. New().Prefix("CORE_IMPORT_")
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"adlake/internal/platform/logger"
)

// Conf is a view over environment variables sharing a prefix
type Conf struct{ prefix string }

func New() Conf { return Conf{} }

// Prefix narrows the view: New().Prefix("A_").Prefix("B_") reads A_B_*
func (c Conf) Prefix(p string) Conf { return Conf{prefix: c.prefix + p} }

// lookup returns the trimmed value of prefix+key; blank counts as unset
func (c Conf) lookup(key string) (name, val string, ok bool) {
	name = c.prefix + key
	val = strings.TrimSpace(os.Getenv(name))
	return name, val, val != ""
}

// may parses key, falling back to def when unset. A value that does not
// parse is logged and def wins
func may[T any](c Conf, key string, def T, parse func(string) (T, error)) T {
	name, s, ok := c.lookup(key)
	if !ok {
		return def
	}
	v, err := parse(s)
	if err != nil {
		logger.Named("config").Warn().Str("key", name).Str("value", s).Interface("default", def).Err(err).Msg("unparsable setting, using default")
		return def
	}
	return v
}

// MustString panics when key is unset
func (c Conf) MustString(key string) string {
	name, s, ok := c.lookup(key)
	if !ok {
		logger.Get().Panic().Str("key", name).Msg("missing required setting")
	}
	return s
}

func (c Conf) MayString(key, def string) string {
	return may(c, key, def, func(s string) (string, error) { return s, nil })
}

func (c Conf) MayInt(key string, def int) int { return may(c, key, def, strconv.Atoi) }

func (c Conf) MayFloat64(key string, def float64) float64 {
	return may(c, key, def, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

func (c Conf) MayBool(key string, def bool) bool { return may(c, key, def, strconv.ParseBool) }

func (c Conf) MayDuration(key string, def time.Duration) time.Duration {
	return may(c, key, def, time.ParseDuration)
}

// MayCSV splits on commas and drops blanks. All blank is def
func (c Conf) MayCSV(key string, def []string) []string {
	out := may(c, key, nil, func(s string) ([]string, error) {
		var parts []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		return parts, nil
	})
	if len(out) == 0 {
		return def
	}
	return out
}

// MayIntCSV is MayCSV for ints, e.g. a page size ladder "1000,500,250".
// One bad element discards the whole list
func (c Conf) MayIntCSV(key string, def []int) []int {
	return may(c, key, def, func(s string) ([]int, error) {
		var out []int
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p == "" {
				continue
			}
			n, err := strconv.Atoi(p)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		if len(out) == 0 {
			return def, nil
		}
		return out, nil
	})
}

// MayEnum returns the value when it case-insensitively matches one of
// allowed, def when unset, and panics otherwise
func (c Conf) MayEnum(key, def string, allowed ...string) string {
	name, s, ok := c.lookup(key)
	if !ok {
		return def
	}
	for _, a := range allowed {
		if strings.EqualFold(s, a) {
			return s
		}
	}
	logger.Get().Panic().Str("key", name).Str("value", s).Strs("allowed", allowed).Msg("setting not in allowed set")
	return ""
}
