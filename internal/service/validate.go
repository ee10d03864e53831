package service

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// bcrypt rejects passwords longer than 72 bytes.
const maxPasswordBytes = 72

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type registerInput struct {
	Name     *string `json:"name" validate:"omitempty,max=150"`
	Email    string  `json:"email" validate:"required,email,max=200"`
	Password string  `json:"password" validate:"required,min=8"`
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func normalizeName(name *string) *string {
	if name == nil {
		return nil
	}
	n := strings.TrimSpace(*name)
	if n == "" {
		return nil
	}
	return &n
}

// validateInput turns the first failed rule into a ValidationError.
func validateInput(in any) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}

	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return invalid("", "invalid request")
	}

	fe := errs[0]
	switch fe.Tag() {
	case "required":
		return invalid(fe.Field(), "%s is required", fe.Field())
	case "email":
		return invalid(fe.Field(), "%s must be a valid email address", fe.Field())
	case "min":
		return invalid(fe.Field(), "%s must be at least %s characters long", fe.Field(), fe.Param())
	case "max":
		return invalid(fe.Field(), "%s must be at most %s characters long", fe.Field(), fe.Param())
	default:
		return invalid(fe.Field(), "%s is invalid", fe.Field())
	}
}

func validateRegister(in registerInput) error {
	if err := validateInput(in); err != nil {
		return err
	}
	if len(in.Password) > maxPasswordBytes {
		return invalid("password", "password must be at most %d bytes long", maxPasswordBytes)
	}
	return nil
}
