package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

var fieldMessages = map[string]string{
	"required": "%s is required",
	"max":      "%s must be at most %s characters",
	"gt":       "%s must be greater than %s",
	"lte":      "%s must be less than or equal to %s",
	"oneof":    "%s must be one of [%s]",
}

// ValidationError lists every problem found in a JobSpec, keyed by JSON field name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	msgs := make([]string, 0, len(keys))
	for _, k := range keys {
		msgs = append(msgs, e.Fields[k])
	}
	return fmt.Sprintf("%s: %s", ErrInvalidSpec, strings.Join(msgs, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidSpec }

// Validate checks the spec's declarative constraints plus the rules tags cannot express.
// The returned error wraps ErrInvalidSpec.
func (s JobSpec) Validate() error {
	fields := map[string]string{}

	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
		}
		for _, fe := range verrs {
			fields[fe.Field()] = fieldMessage(fe)
		}
	}

	if _, ok := fields["entry"]; !ok && !filepath.IsLocal(s.Entry) {
		fields["entry"] = "entry must be a relative path inside the code directory"
	}
	for k := range s.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			fields["env"] = fmt.Sprintf("env contains an invalid variable name %q", k)
			break
		}
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	msg, ok := fieldMessages[fe.Tag()]
	if !ok {
		return fmt.Sprintf("%s is invalid (%s)", fe.Field(), fe.Tag())
	}
	if strings.Count(msg, "%s") == 2 {
		return fmt.Sprintf(msg, fe.Field(), fe.Param())
	}
	return fmt.Sprintf(msg, fe.Field())
}
