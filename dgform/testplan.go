package dgform

import (
	"strings"

	"github.com/basewarphq/deploygate/dgmd"
)

const (
	TestPlanEnvironment = "Test Plan Environment"

	provisionTitle   = "[Request] Provision Test Plan Environment"
	deprovisionTitle = "[Request] Deprovision Test Plan Environment"
)

// Test plan form section names.
const (
	SectionRequestType        = "Request Type"
	SectionTestPlan           = "Test Plan"
	SectionReleaseDetails     = "Release Details"
	SectionEnvironmentDetails = "Environment Details"
	SectionDeploymentSchedule = "Deployment Schedule"
)

// TestPlanForm is the request to provision or deprovision a test plan
// environment.
func TestPlanForm() *Form {
	return &Form{
		name:                "testplan",
		expectedEnvironment: TestPlanEnvironment,
		needsTestPlanType:   true,
		sections: []*section{
			{name: SectionRequestType, match: []string{"request type"}, required: never, validate: acknowledge},
			{name: SectionTestPlan, match: []string{"test plan"}, required: always, validate: validateTestPlanLink},
			{name: SectionReleaseDetails, match: []string{"release details"}, required: always, validate: validateReleaseDetails},
			{name: SectionEnvironmentDetails, match: []string{"environment details"}, required: always, validate: validateEnvironment},
			{name: SectionDeploymentSchedule, match: []string{"deployment schedule"}, required: always, validate: validateSchedule(scheduleRules{requireScope: true})},
		},
		discriminate: discriminateRequestType,
		gate: func(r *run) error {
			if r.requestType != RequestProvision {
				return nil
			}
			return branchGate(r)
		},
		crossCheck: func(r *run) error {
			if !r.present[SectionReleaseDetails] || !r.present[SectionDeploymentSchedule] {
				return nil
			}
			if scopeHasUI(r.scope) && r.uiVersion == "" {
				return &Failure{Kind: KindMissingField, Section: SectionReleaseDetails, Reason: "UI version is not provided for ui scope"}
			}
			return nil
		},
	}
}

// acknowledge accepts a section whose content was consumed earlier.
func acknowledge(*run, *dgmd.Header) error { return nil }

// discriminateRequestType settles provision or deprovision from the context,
// a "Request Type" checkbox section or the issue title, in that order.
func discriminateRequestType(r *run) error {
	rt, err := requestTypeOf(r)
	if err != nil {
		return err
	}
	r.requestType = rt
	r.facts.Set(FactRequestType, string(rt))
	return nil
}

func requestTypeOf(r *run) (RequestType, error) {
	if r.ctx.RequestType != "" {
		return r.ctx.RequestType, nil
	}

	if h := r.root.Find("request type"); h != nil {
		var found []RequestType
		for _, todo := range h.Todos() {
			if !todo.IsChecked {
				continue
			}
			switch {
			case dgmd.ContainsFold(todo.Label, "deprovision"):
				found = append(found, RequestDeprovision)
			case dgmd.ContainsFold(todo.Label, "provision"):
				found = append(found, RequestProvision)
			}
		}
		switch len(found) {
		case 1:
			return found[0], nil
		case 0:
			return "", &Failure{Kind: KindMissingField, Section: SectionRequestType, Reason: "no request type is checked. Check Provision or Deprovision"}
		default:
			return "", &Failure{Kind: KindRule, Section: SectionRequestType, Reason: "exactly one request type must be checked"}
		}
	}

	title := r.ctx.Issue.Title
	switch {
	case strings.Contains(title, provisionTitle):
		return RequestProvision, nil
	case strings.Contains(title, deprovisionTitle):
		return RequestDeprovision, nil
	}
	return "", ruleErr("Request form title is not in correct format. Please follow template guideline `%s` or `%s`", provisionTitle, deprovisionTitle)
}

func validateTestPlanLink(r *run, h *dgmd.Header) error {
	tp := strings.TrimSpace(r.ctx.TestPlanType)
	if !dgmd.ContainsFold(r.ctx.Issue.Title, tp) {
		return ruleErr("Test Plan type %q is not included in request form title", tp)
	}

	it := findItem(h, tp, "test plan")
	if it == nil {
		return missingErr("%s Test Plan issue link is not provided", tp)
	}
	n, ok := issueNumber(content(it))
	if !ok {
		return formatErr("%s Test Plan issue link %q is not in correct format. Use an issue URL or #<number>", tp, content(it))
	}
	r.facts.Set(FactTestPlanIssueNumber, n)
	return nil
}

func validateReleaseDetails(r *run, h *dgmd.Header) error {
	api, err := versionField(h, "api version", "API Version", true)
	if err != nil {
		return err
	}
	ui, err := versionField(h, "ui version", "UI Version", false)
	if err != nil {
		return err
	}

	if api != r.ctx.Issue.Milestone.Title {
		return ruleErr("API version %s must match with assigned milestone %s", api, r.ctx.Issue.Milestone.Title)
	}

	r.facts.Set(FactAPIVersion, api)
	if ui != "" {
		r.facts.Set(FactUIVersion, ui)
	}
	r.uiVersion = ui
	return nil
}

// versionField reads a version token from the entry titled match. A missing
// or empty entry is an error only when required.
func versionField(h *dgmd.Header, match, label string, required bool) (string, error) {
	it := findItem(h, match)
	if it == nil || content(it) == "" {
		if required {
			return "", missingErr("%s is not provided", label)
		}
		return "", nil
	}
	v, ok := versionToken(content(it))
	if !ok {
		return "", formatErr("%s %q is not in correct format. Required vMAJOR.MINOR.PATCH", label, content(it))
	}
	return v, nil
}
