package config

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate runs struct-tag validation plus cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	if err := c.validateThresholdOrder(); err != nil {
		return err
	}
	if err := c.validateRedactionPatterns(); err != nil {
		return err
	}
	if err := c.validateLedgerBackend(); err != nil {
		return err
	}
	return nil
}

// validateThresholdOrder ensures category thresholds strictly ascend.
func (c *Config) validateThresholdOrder() error {
	t := c.Risk.CategoryThresholds
	if len(t) == 0 {
		return nil
	}
	if !sort.Float64sAreSorted(t) {
		return errors.New("risk.category_thresholds must be ascending")
	}
	for i := 1; i < len(t); i++ {
		if t[i] == t[i-1] {
			return errors.New("risk.category_thresholds must be strictly ascending")
		}
	}
	return nil
}

// validateRedactionPatterns compiles every value pattern so a bad regex
// fails at boot, not mid-append.
func (c *Config) validateRedactionPatterns() error {
	for i, p := range c.Redaction.ValuePatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("redaction.value_patterns[%d]: %w", i, err)
		}
	}
	return nil
}

// validateLedgerBackend ensures the selected backend has its location.
func (c *Config) validateLedgerBackend() error {
	switch c.Ledger.Backend {
	case "file":
		if c.Ledger.Dir == "" {
			return errors.New("ledger.dir is required for the file backend")
		}
	case "sqlite":
		if c.Ledger.Path == "" {
			return errors.New("ledger.path is required for the sqlite backend")
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to
// actionable messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, e.Param())
	case "len":
		return fmt.Sprintf("%s must have exactly %s items", field, e.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
