package middleware

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/shiftdesk/support-relay/internal/model"
)

// MaxConversationIDLength bounds client-supplied conversation ids.
const MaxConversationIDLength = 128

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateConversationID validates a conversation ID. Ids are opaque to the
// relay; clients may bring their own.
func ValidateConversationID(id string) error {
	switch {
	case id == "":
		return model.NewValidationError("conversation id is required")
	case len(id) > MaxConversationIDLength:
		return model.NewValidationError("conversation id exceeds maximum length")
	case !utf8.ValidString(id):
		return model.NewValidationError("conversation id must be valid UTF-8")
	case strings.IndexFunc(id, unicode.IsControl) >= 0:
		return model.NewValidationError("conversation id contains control characters")
	}
	return nil
}

// ValidateStruct checks validate tags on a request body.
func ValidateStruct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return model.NewValidationError(err.Error())
	}

	msgs := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		field := e.Field()
		switch e.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "email":
			msgs = append(msgs, field+" must be a valid email")
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", field, e.Param()))
		default:
			msgs = append(msgs, field+" failed "+e.Tag()+" validation")
		}
	}
	return model.NewValidationError(strings.Join(msgs, "; "))
}
