package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// configValidate checks struct tags. Cross-field rules live in ValidateConfig.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()

	// Report fields by their TOML names.
	configValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("toml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if err := configValidate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				Field:   fieldPath(fe.Namespace()),
				Message: describe(fe),
			})
		}
	}

	if c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validatePaths(c)...)

	if c.Status.Enabled && c.Status.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Status.Listen); err != nil {
			errs = append(errs, ValidationError{Field: "status.listen", Message: err.Error()})
		}
	}

	if c.Notify.Permissions != "" {
		if _, err := strconv.ParseUint(c.Notify.Permissions, 8, 32); err != nil {
			errs = append(errs, ValidationError{Field: "notify.permissions", Message: "must be an octal file mode"})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	if s.UseSecondary && s.SecondaryDir == "" {
		errs = append(errs, RequiredFieldError("storage.secondary_dir"))
	}
	if s.SecondaryDir != "" && filepath.Clean(s.SecondaryDir) == filepath.Clean(s.BaseDir) {
		errs = append(errs, ValidationError{
			Field:   "storage.secondary_dir",
			Message: "must differ from storage.base_dir",
		})
	}

	return errs
}

// validatePaths requires absolute paths for everything the daemon writes.
func validatePaths(c *Config) ValidationErrors {
	var errs ValidationErrors

	paths := map[string]string{
		"storage.base_dir":   c.Storage.BaseDir,
		"history.path":       c.History.Path,
		"identity.uuid_file": c.Identity.UUIDFile,
		"daemon.state_dir":   c.Daemon.StateDir,
	}
	for field, p := range paths {
		if p != "" && !filepath.IsAbs(p) {
			errs = append(errs, ValidationError{Field: field, Message: "must be an absolute path"})
		}
	}
	return errs
}

func fieldPath(namespace string) string {
	// "Config.storage.max_slots" -> "storage.max_slots"
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

// RequiredFieldError creates a validation error for a missing required field.
func RequiredFieldError(field string) ValidationError {
	return ValidationError{
		Field:   field,
		Message: "is required",
	}
}
