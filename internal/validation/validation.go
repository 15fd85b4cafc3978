// Package validation checks request structs against their validate tags and
// reports failures as "field: message" details.
package validation

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Messages maps "<json field>.<tag>" to the text shown for that failure.
type Messages map[string]string

// Validator wraps a validator instance with the messages for its structs.
type Validator struct {
	v        *validator.Validate
	messages Messages
}

// New returns a Validator. Each entry of rules becomes a custom tag that
// checks a string field.
func New(messages Messages, rules map[string]func(string) bool) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		switch name {
		case "-":
			return ""
		case "":
			return f.Name
		}
		return name
	})

	for tag, check := range rules {
		// Registration only fails for an empty tag or nil func.
		_ = v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
			return check(fl.Field().String())
		})
	}

	return &Validator{v: v, messages: messages}
}

// Check returns one detail per failing field, in field order, or nil when s
// is valid.
func (c *Validator) Check(s any) []string {
	err := c.v.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []string{err.Error()}
	}

	details := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msg, ok := c.messages[fe.Field()+"."+fe.Tag()]
		if !ok {
			msg = "Invalid value"
		}
		details = append(details, fe.Field()+": "+msg)
	}
	return details
}
