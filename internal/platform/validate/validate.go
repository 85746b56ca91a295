// Package validate wraps go-playground/validator with english translations
// and yaml/json tag names so messages point at the key a user actually wrote
package validate

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	perr "adlake/internal/platform/errors"
	"adlake/internal/platform/logger"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

// FieldError aliases validator.FieldError
type FieldError = validator.FieldError

// Svc holds a singleton validator and translator
type Svc struct {
	Validator  *validator.Validate
	Translator ut.Translator
}

var (
	once sync.Once
	svc  *Svc
)

// Get returns the validator singleton, initializing on first use
func Get() *Svc {
	once.Do(func() {
		enLoc := en.New()
		uni := ut.New(enLoc, enLoc)
		trans, _ := uni.GetTranslator("en")

		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(tagName)
		_ = en_translations.RegisterDefaultTranslations(v, trans)

		registerShort(v, trans, "min", "{0} must be at least {1}")
		registerShort(v, trans, "max", "{0} must be at most {1}")
		registerDescending(v, trans)

		svc = &Svc{Validator: v, Translator: trans}
	})
	return svc
}

// Struct validates s and maps the first failure to a perr validation error with its field attached
func Struct(s any) error {
	err := Get().Validator.Struct(s)
	if err == nil {
		return nil
	}
	var inv *validator.InvalidValidationError
	if errors.As(err, &inv) {
		logger.Get().Error().Err(inv).Msg("validator internal error")
		return perr.Wrap(inv, perr.ErrorCodeValidation, "validation error")
	}
	field, msg := FieldAndMessage(err)
	return perr.WithField(perr.Newf(perr.ErrorCodeValidation, "%s", msg), field)
}

// Messages returns every translated failure keyed by namespace (e.g. catalog.reports[2].name)
func Messages(err error) map[string]string {
	out := map[string]string{}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return out
	}
	for _, fe := range verrs {
		out[fe.Namespace()] = fe.Translate(Get().Translator)
	}
	return out
}

// FieldAndMessage returns the first field and translated message
func FieldAndMessage(err error) (field, message string) {
	if err == nil {
		return "", ""
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return verrs[0].Field(), verrs[0].Translate(Get().Translator)
	}
	return "", err.Error()
}

// tagName prefers yaml names, then json, then the Go field name
func tagName(fld reflect.StructField) string {
	for _, key := range []string{"yaml", "json"} {
		tag := fld.Tag.Get(key)
		if tag == "-" {
			return fld.Name
		}
		if idx := strings.Index(tag, ","); idx >= 0 {
			tag = tag[:idx]
		}
		if tag != "" {
			return tag
		}
	}
	return fld.Name
}

func registerShort(v *validator.Validate, trans ut.Translator, tag, text string) {
	_ = v.RegisterTranslation(tag, trans,
		func(t ut.Translator) error { return t.Add(tag, text, true) },
		func(t ut.Translator, fe validator.FieldError) string {
			msg, _ := t.T(tag, fe.Field(), fe.Param())
			return msg
		},
	)
}

// registerDescending adds "descending": an int slice with strictly decreasing positive values
func registerDescending(v *validator.Validate, trans ut.Translator) {
	_ = v.RegisterValidation("descending", func(fl validator.FieldLevel) bool {
		f := fl.Field()
		if f.Kind() != reflect.Slice {
			return false
		}
		prev := int64(-1)
		for i := 0; i < f.Len(); i++ {
			el := f.Index(i)
			if !el.CanInt() {
				return false
			}
			n := el.Int()
			if n <= 0 || (prev >= 0 && n >= prev) {
				return false
			}
			prev = n
		}
		return true
	})
	_ = v.RegisterTranslation("descending", trans,
		func(t ut.Translator) error {
			return t.Add("descending", "{0} must list positive integers in strictly descending order", true)
		},
		func(t ut.Translator, fe validator.FieldError) string {
			msg, _ := t.T("descending", fe.Field())
			return msg
		},
	)
}
