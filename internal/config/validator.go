package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers aggregator-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("downstream_name", func(fl validator.FieldLevel) bool {
		return isValidDownstreamName(fl.Field().String())
	}); err != nil {
		return fmt.Errorf("failed to register downstream_name validator: %w", err)
	}
	return nil
}

// isValidDownstreamName restricts downstream names to the characters that
// are safe to embed in a "name:tool" advertised tool id.
func isValidDownstreamName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// Validate validates the Config using struct tags and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateDownstreamShapes(); err != nil {
		return err
	}

	return nil
}

// validateDownstreamShapes ensures every downstream name is well-formed,
// specifies exactly one of Process or Remote, and that bearer-auth Remotes
// carry a token.
func (c *Config) validateDownstreamShapes() error {
	for name, d := range c.Downstreams {
		if !isValidDownstreamName(name) {
			return fmt.Errorf("downstreams[%s]: name must match [A-Za-z0-9_-]+", name)
		}
		hasProcess := d.Process != nil
		hasRemote := d.Remote != nil
		if hasProcess == hasRemote {
			return fmt.Errorf("downstreams[%s]: specify exactly one of process or remote", name)
		}
		if hasRemote && d.Remote.Auth != nil && d.Remote.Auth.Kind == "bearer" && d.Remote.Auth.Token == "" {
			return fmt.Errorf("downstreams[%s]: remote.auth.kind=bearer requires a token", name)
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
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

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s items", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
