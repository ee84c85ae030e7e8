package dgform

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
)

type MilestoneState string

const (
	MilestoneOpen   MilestoneState = "open"
	MilestoneClosed MilestoneState = "closed"
)

type RequestType string

const (
	RequestProvision   RequestType = "provision"
	RequestDeprovision RequestType = "deprovision"
)

type DeploymentType string

const (
	DeploymentRelease  DeploymentType = "release"
	DeploymentRollback DeploymentType = "rollback"
)

// Milestone is the milestone assigned to the request issue.
type Milestone struct {
	Title string         `json:"title" validate:"required"`
	State MilestoneState `json:"state" validate:"oneof=open closed"`
	DueOn string         `json:"due_on"`
}

// Issue is the request issue. Body is the raw markdown form.
type Issue struct {
	Title     string    `json:"title" validate:"required"`
	Body      string    `json:"body"`
	Milestone Milestone `json:"milestone"`
}

type Branch struct {
	Name string `json:"name"`
}

// RequestContext carries everything validation needs besides the form body.
// It is built per invocation and never modified by the validator.
type RequestContext struct {
	Issue  Issue  `validate:"required"`
	Branch Branch `validate:"-"`

	// TestPlanType is the label of the test plan, required by the test plan
	// form.
	TestPlanType string

	// RequestType forces the test plan request type instead of reading it
	// from the form.
	RequestType RequestType `validate:"omitempty,oneof=provision deprovision"`

	// DeploymentType, when set, must agree with the checked deployment type.
	DeploymentType DeploymentType `validate:"omitempty,oneof=release rollback"`
}

// Validate checks the context fields form depends on.
func (rc RequestContext) Validate(form *Form) error {
	validate := validator.New(validator.WithRequiredStructEnabled())

	var msgs []string
	if err := validate.Struct(rc); err != nil {
		var validationErrs validator.ValidationErrors
		if !errors.As(err, &validationErrs) {
			return errors.Wrap(err, "request context validation failed")
		}
		for _, e := range validationErrs {
			msgs = append(msgs, formatValidationError(e))
		}
	}
	if form != nil && form.needsTestPlanType && strings.TrimSpace(rc.TestPlanType) == "" {
		msgs = append(msgs, "TestPlanType is required")
	}
	if len(msgs) > 0 {
		return errors.Errorf("request context validation errors:\n  - %s", strings.Join(msgs, "\n  - "))
	}
	return nil
}

func formatValidationError(e validator.FieldError) string {
	field := strings.TrimPrefix(e.Namespace(), "RequestContext.")
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s] (got %q)", field, e.Param(), e.Value())
	default:
		return fmt.Sprintf("%s failed validation %q", field, e.Tag())
	}
}
