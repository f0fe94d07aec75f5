package remediation

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/catherinevee/remediator/internal/shared/errors"
)

// Request is a caller's ask to remediate one finding.
type Request struct {
	TenantID        string     `json:"tenantId" validate:"required"`
	FindingID       string     `json:"findingId" validate:"required"`
	ResourceID      string     `json:"resourceId" validate:"required"`
	ResourceType    string     `json:"resourceType" validate:"required"`
	RemediationType string     `json:"remediationType" validate:"required"`
	Region          string     `json:"region,omitempty"`
	AccountID       string     `json:"accountId,omitempty"`
	RequestedBy     string     `json:"requestedBy" validate:"required"`
	Parameters      Parameters `json:"parameters,omitempty"`
	DryRun          bool       `json:"dryRun,omitempty"`
	AutoApprove     bool       `json:"autoApprove,omitempty"`
	OverrideSafety  bool       `json:"overrideSafety,omitempty"`
	OverrideReason  string     `json:"overrideReason,omitempty" validate:"required_if=OverrideSafety true"`
	CorrelationID   string     `json:"correlationId,omitempty"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator returns the shared validator. Field names in errors use the json
// tag so messages match the wire format.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// Validate checks required fields and returns a ValidationError naming every
// offending field.
func (r *Request) Validate() error {
	return ValidateStruct("request", r)
}

// ValidateStruct runs the shared validator over v and converts failures into
// a ValidationError.
func ValidateStruct(resource string, v any) error {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.NewError(errors.ErrorTypeValidation, err.Error()).
			WithResource(resource).
			WithWrapped(err).
			Build()
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fieldMessage(fe))
	}
	return errors.NewError(errors.ErrorTypeValidation, "invalid "+resource+": "+strings.Join(fields, "; ")).
		WithResource(resource).
		WithUserHelp("Please check your input and try again").
		WithDetails("fields", fields).
		Build()
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
