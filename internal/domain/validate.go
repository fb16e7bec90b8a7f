package domain

import (
	"regexp"
	"sync"

	"github.com/go-playground/validator/v10"
)

var flagKeyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,254}$`)

var (
	validatorOnce sync.Once
	validatorInst *validator.Validate
)

// Validator returns the process-wide validator instance with the
// "flagkey" custom rule registered exactly once.
func Validator() *validator.Validate {
	validatorOnce.Do(func() {
		validatorInst = validator.New()
		_ = validatorInst.RegisterValidation("flagkey", func(fl validator.FieldLevel) bool {
			return flagKeyPattern.MatchString(fl.Field().String())
		})
	})
	return validatorInst
}

// ValidateFlagKey reports whether key is a well-formed flag key on its own,
// outside of struct validation (e.g. for path-parameter checks).
func ValidateFlagKey(key string) bool {
	return flagKeyPattern.MatchString(key)
}
