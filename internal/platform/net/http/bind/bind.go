// Package bind decodes and validates JSON request bodies for the ops routes
package bind

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"

	perr "adlake/internal/platform/errors"
	"adlake/internal/platform/validate"
)

// MaxBody caps a request body
const MaxBody = 64 << 10

// ParseJSON reads exactly one JSON value of type T from the body. Unknown
// fields, trailing data and an empty body are JSON errors; a struct T is
// then validated
func ParseJSON[T any](r *http.Request) (T, error) {
	var v T
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		if errors.Is(err, io.EOF) {
			return v, perr.JSONErrf("empty body")
		}
		return v, perr.JSONErrf("decode body: %v", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return v, perr.JSONErrf("body holds more than one JSON value")
	}
	if reflect.Indirect(reflect.ValueOf(&v)).Kind() == reflect.Struct {
		if err := validate.Struct(v); err != nil {
			return v, err
		}
	}
	return v, nil
}
