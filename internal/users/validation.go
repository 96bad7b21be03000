package users

import (
	"strconv"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

const (
	minPasswordLength = 8
	// bcrypt ignores anything past 72 bytes.
	maxPasswordBytes = 72
)

// addressFieldRules mirrors the address form limits.
var addressFieldRules = map[string]string{
	"recipient_name": "max=255",
	"title":          "max=50",
	"first_name":     "max=150",
	"last_name":      "max=150",
	"house_name_no":  "max=100",
	"street":         "max=200",
	"town":           "max=100",
	"county":         "max=100",
	"country":        "max=100",
	"postcode":       "max=15",
	"telephone":      "max=100",
}

type inputValidator struct {
	validate *validator.Validate
}

func newInputValidator() *inputValidator {
	return &inputValidator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

func (v *inputValidator) email(value string) error {
	if err := v.validate.Var(value, "required,email,max=254"); err != nil {
		return &ValidationError{Field: "email", Reason: "must be a valid email address"}
	}
	return nil
}

func (v *inputValidator) name(value string) error {
	if utf8.RuneCountInString(value) > maxNameLength {
		return &ValidationError{Field: "name", Reason: "must be at most " + strconv.Itoa(maxNameLength) + " characters"}
	}
	return nil
}

func (v *inputValidator) username(value string) error {
	if err := v.validate.Var(value, "required,max=150"); err != nil {
		return &ValidationError{Field: "username", Reason: "must be 1-150 characters"}
	}
	return nil
}

func (v *inputValidator) password(value string) error {
	if utf8.RuneCountInString(value) < minPasswordLength {
		return &ValidationError{Field: "password", Reason: "must be at least " + strconv.Itoa(minPasswordLength) + " characters"}
	}
	if len(value) > maxPasswordBytes {
		return &ValidationError{Field: "password", Reason: "must be at most " + strconv.Itoa(maxPasswordBytes) + " bytes"}
	}
	return nil
}

func (v *inputValidator) addressFields(fields map[string]string) error {
	for key, value := range fields {
		rule, ok := addressFieldRules[key]
		if !ok {
			continue
		}
		if err := v.validate.Var(value, rule); err != nil {
			return &ValidationError{Field: key, Reason: "is too long"}
		}
	}
	return nil
}
