// Package validator provides struct validation utilities with custom
// validators for the scan engine's request types.
package validator

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/reconpoint/engine/pkg/domain/scan"
	"github.com/reconpoint/engine/pkg/domain/stage"
)

// Validator wraps the go-playground validator with custom validations.
type Validator struct {
	validate *validator.Validate
	targets  *TargetValidator
}

// ValidationError represents a single field validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, e := range v {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(fmt.Sprintf("%s: %s", e.Field, e.Message))
	}
	return sb.String()
}

// New creates a new Validator with custom validators registered.
// Stage names are checked against the given registry.
func New(registry *stage.Registry) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	tv := NewTargetValidator()

	_ = v.RegisterValidation("stage_name", validateStageName(registry))
	_ = v.RegisterValidation("run_kind", validateRunKind)
	_ = v.RegisterValidation("run_status", validateRunStatus)
	_ = v.RegisterValidation("scan_target", validateScanTarget(tv))

	return &Validator{validate: v, targets: tv}
}

// Validate validates a struct and returns ValidationErrors if validation fails.
func (v *Validator) Validate(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !stderrors.As(err, &validationErrors) {
		return err
	}

	result := make(ValidationErrors, 0, len(validationErrors))
	for _, e := range validationErrors {
		result = append(result, ValidationError{
			Field:   toSnakeCase(e.Field()),
			Message: formatErrorMessage(e),
		})
	}

	return result
}

// Targets returns the target validator for callers that need the full
// classification result rather than a pass/fail tag.
func (v *Validator) Targets() *TargetValidator {
	return v.targets
}

// validateStageName checks the value against the stage catalog.
func validateStageName(registry *stage.Registry) validator.Func {
	return func(fl validator.FieldLevel) bool {
		value := fl.Field().String()
		if value == "" {
			return true // Let 'required' handle empty values
		}
		return registry.Has(stage.Name(value))
	}
}

// validateRunKind checks for a known run kind.
func validateRunKind(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	switch scan.RunKind(value) {
	case scan.KindScan, scan.KindSubscan:
		return true
	default:
		return false
	}
}

// validateRunStatus checks for a known run status.
func validateRunStatus(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	switch scan.RunStatus(value) {
	case scan.RunPending, scan.RunRunning, scan.RunCompleted,
		scan.RunPartiallyFailed, scan.RunFailed, scan.RunAborted:
		return true
	default:
		return false
	}
}

// validateScanTarget checks a single target string (domain, IP, CIDR,
// URL or host:port) against the default target policy.
func validateScanTarget(tv *TargetValidator) validator.Func {
	return func(fl validator.FieldLevel) bool {
		value := fl.Field().String()
		if value == "" {
			return true
		}
		_, err := tv.Parse(value)
		return err == nil
	}
}

// formatErrorMessage converts validation errors to human-readable messages.
func formatErrorMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", e.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", e.Param())
	case "uuid":
		return "must be a valid UUID"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "stage_name":
		return "must be a known stage name"
	case "run_kind":
		return "must be one of: scan, subscan"
	case "run_status":
		return "must be one of: pending, running, completed, partially_failed, failed, aborted"
	case "scan_target":
		return "must be a valid domain, IP, CIDR, URL or host:port"
	default:
		return fmt.Sprintf("failed on '%s' validation", e.Tag())
	}
}

// toSnakeCase converts PascalCase/camelCase to snake_case.
func toSnakeCase(s string) string {
	var result strings.Builder
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			result.WriteByte('_')
		}
		result.WriteRune(r)
	}
	return strings.ToLower(result.String())
}
