package domain

import (
	"net/url"
	"strconv"
	"strings"
)

// withQuery sets key=value on a relative URL, replacing any existing value
func withQuery(rel, key, value string) string {
	path, rawQuery, _ := strings.Cut(rel, "?")
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		q = url.Values{}
	}
	if value == "" {
		q.Del(key)
	} else {
		q.Set(key, value)
	}
	if enc := q.Encode(); enc != "" {
		return path + "?" + enc
	}
	return path
}

func withLimit(rel string, limit int) string {
	if limit <= 0 {
		return withQuery(rel, "limit", "")
	}
	return withQuery(rel, "limit", strconv.Itoa(limit))
}

// NextPageURL retargets rel at the page after cursor
func NextPageURL(rel, cursor string) string { return withQuery(rel, "after", cursor) }

// WithPageSize retargets rel at a new page size, dropping any cursor
func WithPageSize(rel string, size int) string {
	return withQuery(withLimit(rel, size), "after", "")
}

// WithParam is the general form used when building request endpoints
func WithParam(rel, key, value string) string { return withQuery(rel, key, value) }

// NextPageSize returns the first size in the descending ladder strictly below
// current, or false when the ladder is exhausted
func NextPageSize(ladder []int, current int) (int, bool) {
	for _, s := range ladder {
		if s < current {
			return s, true
		}
	}
	return 0, false
}
