package validate

import (
	"testing"

	perr "adlake/internal/platform/errors"
	kit "adlake/internal/platform/testkit"
)

type sizes struct {
	Name      string `yaml:"name" validate:"required,min=2"`
	PageSizes []int  `yaml:"page_sizes" validate:"required,descending"`
	Workers   int    `json:"workers" validate:"min=1,max=64"`
}

func TestStruct_OK(t *testing.T) {
	if err := Struct(sizes{Name: "ads", PageSizes: []int{1000, 500, 100}, Workers: 4}); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
}

func TestStruct_YamlFieldNameAndShortMessage(t *testing.T) {
	err := Struct(sizes{Name: "a", PageSizes: []int{10}, Workers: 1})
	if !perr.IsCode(err, perr.ErrorCodeValidation) {
		t.Fatalf("want validation code, got %v", err)
	}
	e, _ := perr.As(err)
	if e.Field() != "name" {
		t.Fatalf("field = %q", e.Field())
	}
	kit.MustContain(t, err.Error(), "name must be at least 2")
}

func TestStruct_Descending(t *testing.T) {
	cases := [][]int{{500, 1000}, {100, 100}, {100, 0}, {-1}}
	for _, c := range cases {
		err := Struct(sizes{Name: "ads", PageSizes: c, Workers: 1})
		if err == nil {
			t.Fatalf("expected failure for %v", c)
		}
		kit.MustContain(t, err.Error(), "page_sizes must list positive integers")
	}
}

func TestMessages_AllFailures(t *testing.T) {
	err := Get().Validator.Struct(sizes{Workers: 100})
	msgs := Messages(err)
	if len(msgs) != 3 {
		t.Fatalf("want 3 messages, got %v", msgs)
	}
	if got := msgs["sizes.workers"]; got != "workers must be at most 64" {
		t.Fatalf("workers message = %q", got)
	}
}

func TestStruct_InvalidTarget(t *testing.T) {
	if err := Struct(42); !perr.IsCode(err, perr.ErrorCodeValidation) {
		t.Fatalf("non-struct should be a validation error, got %v", err)
	}
}
