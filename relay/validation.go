package relay

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidRequest is wrapped by every *ValidationError
var ErrInvalidRequest = errors.New("invalid request")

// roomPattern restricts room names to characters safe in URLs and logs
var roomPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// FieldError describes one rejected field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ValidationError is returned for payloads that fail validation
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Message)
	}
	return fmt.Sprintf("%s: %s", ErrInvalidRequest, strings.Join(parts, "; "))
}

// Unwrap lets callers match ErrInvalidRequest
func (e *ValidationError) Unwrap() error {
	return ErrInvalidRequest
}

func newValidator() (*validator.Validate, error) {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("room", func(fl validator.FieldLevel) bool {
		return roomPattern.MatchString(fl.Field().String())
	}); err != nil {
		return nil, fmt.Errorf("failed to register room validation: %w", err)
	}
	return v, nil
}

// validateStruct runs v over s and converts failures into a *ValidationError
func validateStruct(v *validator.Validate, s any) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}

	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err
	}
	return &ValidationError{Fields: formatValidationErrors(errs)}
}

// formatValidationErrors turns validator errors into client-facing messages
func formatValidationErrors(errs validator.ValidationErrors) []FieldError {
	details := make([]FieldError, 0, len(errs))
	for _, err := range errs {
		var message string
		switch err.Tag() {
		case "required":
			message = fmt.Sprintf("field '%s' is required", err.Field())
		case "email":
			message = fmt.Sprintf("field '%s' must be a valid email address", err.Field())
		case "min":
			message = fmt.Sprintf("field '%s' must be at least %s", err.Field(), err.Param())
		case "max":
			message = fmt.Sprintf("field '%s' must not exceed %s", err.Field(), err.Param())
		case "oneof":
			message = fmt.Sprintf("field '%s' must be one of [%s]", err.Field(), err.Param())
		case "room":
			message = fmt.Sprintf("field '%s' may only contain letters, digits, '-' and '_'", err.Field())
		default:
			message = fmt.Sprintf("field '%s' failed on the '%s' rule", err.Field(), err.Tag())
		}
		details = append(details, FieldError{
			Field:   err.Field(),
			Message: message,
			Code:    "validation_" + err.Tag(),
		})
	}
	return details
}
