package dgform_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/basewarphq/deploygate/dgform"
)

func TestTestPlan_AcceptedProvision(t *testing.T) {
	t.Parallel()
	body := renderForm("Test Plan Environment Request", testPlanSections())

	facts, err := validateTestPlan(t, testPlanContext(body))
	if err != nil {
		t.Fatal(err)
	}

	assertFact(t, facts, dgform.FactRequestType, "provision")
	assertFact(t, facts, dgform.FactTestPlanIssueNumber, "42")
	assertFact(t, facts, dgform.FactAPIVersion, "v1.4.0")
	assertFact(t, facts, dgform.FactUIVersion, "v2.1.0")
	assertFact(t, facts, dgform.FactDeploymentScope, dgform.ScopeUIAndAPI)
	assertFact(t, facts, dgform.FactPreferredDatetime, "2024-06-14T10:30:00-05:00")

	if keys := facts.Keys(); keys[0] != dgform.FactRequestType {
		t.Errorf("got first key %q, want request_type first", keys[0])
	}
}

func TestTestPlan_SectionsAtLevelThree(t *testing.T) {
	t.Parallel()
	body := ""
	for _, s := range testPlanSections() {
		body += "### " + s.name + "\n"
		for _, l := range s.lines {
			body += l + "\n"
		}
	}

	if _, err := validateTestPlan(t, testPlanContext(body)); err != nil {
		t.Fatal(err)
	}
}

func TestTestPlan_MasterBranchWhileMilestoneOpen(t *testing.T) {
	t.Parallel()
	rc := testPlanContext(renderForm("Request", testPlanSections()))
	rc.Branch.Name = "master"

	_, err := validateTestPlan(t, rc)
	assertFailure(t, err, dgform.KindRule, "Deployment on the master branch is prohibited while the milestone is open.")
}

func TestTestPlan_MilestoneBranchWhileMilestoneClosed(t *testing.T) {
	t.Parallel()
	rc := testPlanContext(renderForm("Request", testPlanSections()))
	rc.Issue.Milestone.State = dgform.MilestoneClosed

	_, err := validateTestPlan(t, rc)
	assertFailure(t, err, dgform.KindRule, "milestone branch is prohibited while the milestone is closed")
}

func TestTestPlan_DeprovisionSkipsBranchGate(t *testing.T) {
	t.Parallel()
	rc := testPlanContext(renderForm("Request", testPlanSections()))
	rc.Issue.Title = "[Request] Deprovision Test Plan Environment (Regression)"
	rc.Branch.Name = "master"

	facts, err := validateTestPlan(t, rc)
	if err != nil {
		t.Fatal(err)
	}
	assertFact(t, facts, dgform.FactRequestType, "deprovision")
}

func TestTestPlan_DeprovisionRequiresUIScope(t *testing.T) {
	t.Parallel()
	sections := withSection(testPlanSections(), "Deployment Schedule",
		"- **Preferred Date and Time**: 06-14-2024 10:30:00",
		"- **Deployment Scope**: API only",
	)
	rc := testPlanContext(renderForm("Request", sections))
	rc.RequestType = dgform.RequestDeprovision

	facts, err := validateTestPlan(t, rc)
	assertFailure(t, err, dgform.KindRule, "for deprovisioning, scope must have both UI and API")
	assertFact(t, facts, dgform.FactRequestType, "deprovision")
}

func TestTestPlan_MissingSectionsAggregated(t *testing.T) {
	t.Parallel()
	sections := withoutSections(testPlanSections(), "Release Details", "Environment Details")
	_, err := validateTestPlan(t, testPlanContext(renderForm("Request", sections)))

	assertFailure(t, err, dgform.KindMissingSection, "")
	var f *dgform.Failure
	if !asFailure(err, &f) {
		t.Fatal("expected *Failure")
	}
	if want := "missing sections: Release Details, Environment Details"; f.Reason != want {
		t.Errorf("got %q, want %q", f.Reason, want)
	}
}

func TestTestPlan_SectionErrorBeatsMissingSections(t *testing.T) {
	t.Parallel()
	sections := withoutSections(testPlanSections(), "Environment Details")
	sections = withSection(sections, "Release Details", "- **API Version**: v9.9.9")
	_, err := validateTestPlan(t, testPlanContext(renderForm("Request", sections)))

	assertFailure(t, err, dgform.KindRule, "must match with assigned milestone")
}

func TestTestPlan_UIScopeNeedsUIVersion(t *testing.T) {
	t.Parallel()
	sections := withSection(testPlanSections(), "Release Details", "- **API Version**: v1.4.0")
	_, err := validateTestPlan(t, testPlanContext(renderForm("Request", sections)))

	assertFailure(t, err, dgform.KindMissingField, "UI version is not provided for ui scope")
}

func TestTestPlan_APIOnlyWithoutUIVersion(t *testing.T) {
	t.Parallel()
	sections := withSection(testPlanSections(), "Release Details", "- **API Version**: v1.4.0")
	sections = withSection(sections, "Deployment Schedule",
		"- **Preferred Date and Time**: 06-14-2024 10:30:00",
		"- **Deployment Scope**: api ONLY",
	)
	facts, err := validateTestPlan(t, testPlanContext(renderForm("Request", sections)))
	if err != nil {
		t.Fatal(err)
	}
	assertFact(t, facts, dgform.FactDeploymentScope, dgform.ScopeAPIOnly)
	if _, ok := facts.Get(dgform.FactUIVersion); ok {
		t.Error("ui_version should not be exported")
	}
}

func TestTestPlan_ReleaseDetailsFormat(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		lines  []string
		kind   dgform.Kind
		reason string
	}{
		{"api missing", []string{"- **UI Version**: v2.1.0"}, dgform.KindMissingField, "API Version is not provided"},
		{"api malformed", []string{"- **API Version**: 1.4.0"}, dgform.KindFormat, "API Version"},
		{"ui malformed", []string{"- **API Version**: v1.4.0", "- **UI Version**: latest"}, dgform.KindFormat, "UI Version"},
		{"api differs from milestone", []string{"- **API Version**: v1.4.1"}, dgform.KindRule, "must match with assigned milestone"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sections := withSection(testPlanSections(), "Release Details", tt.lines...)
			_, err := validateTestPlan(t, testPlanContext(renderForm("Request", sections)))
			assertFailure(t, err, tt.kind, tt.reason)
		})
	}
}

func TestTestPlan_TestPlanLink(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		title  string
		lines  []string
		kind   dgform.Kind
		reason string
		number string
	}{
		{name: "issue reference", lines: []string{"- Regression Test Plan: #7"}, number: "7"},
		{name: "type missing from title", title: "[Request] Provision Test Plan Environment", lines: []string{"- Regression Test Plan: #7"}, kind: dgform.KindRule, reason: "is not included in request form title"},
		{name: "no link item", lines: []string{"- Smoke Test Plan: #7"}, kind: dgform.KindMissingField, reason: "regression Test Plan issue link is not provided"},
		{name: "bad link", lines: []string{"- Regression Test Plan: see wiki"}, kind: dgform.KindFormat, reason: "is not in correct format"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rc := testPlanContext(renderForm("Request", withSection(testPlanSections(), "Test Plan", tt.lines...)))
			if tt.title != "" {
				rc.Issue.Title = tt.title
			}
			facts, err := validateTestPlan(t, rc)
			if tt.kind == 0 {
				if err != nil {
					t.Fatal(err)
				}
				assertFact(t, facts, dgform.FactTestPlanIssueNumber, tt.number)
				return
			}
			assertFailure(t, err, tt.kind, tt.reason)
		})
	}
}

func TestTestPlan_EnvironmentDetails(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		lines []string
		kind  dgform.Kind
	}{
		{"checked todo", []string{"- [ ] Development Environment", "- [x] Test Plan Environment"}, 0},
		{"wrong environment", []string{"- **Environment Name**: Production Environment"}, dgform.KindRule},
		{"wrong checked todo", []string{"- [x] Development Environment"}, dgform.KindRule},
		{"nothing selected", []string{"- [ ] Test Plan Environment"}, dgform.KindMissingField},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sections := withSection(testPlanSections(), "Environment Details", tt.lines...)
			_, err := validateTestPlan(t, testPlanContext(renderForm("Request", sections)))
			if tt.kind == 0 {
				if err != nil {
					t.Fatal(err)
				}
				return
			}
			assertFailure(t, err, tt.kind, "")
		})
	}
}

func TestTestPlan_RequestTypeCheckboxSection(t *testing.T) {
	t.Parallel()
	sections := append([]formSection{{"Request Type", []string{"- [ ] Provision", "- [x] Deprovision"}}}, testPlanSections()...)
	rc := testPlanContext(renderForm("Request", sections))
	rc.Issue.Title = "Regression environment request"

	facts, err := validateTestPlan(t, rc)
	if err != nil {
		t.Fatal(err)
	}
	assertFact(t, facts, dgform.FactRequestType, "deprovision")
}

func TestTestPlan_RequestTypeCheckboxAmbiguous(t *testing.T) {
	t.Parallel()
	sections := append([]formSection{{"Request Type", []string{"- [x] Provision", "- [x] Deprovision"}}}, testPlanSections()...)
	_, err := validateTestPlan(t, testPlanContext(renderForm("Request", sections)))
	assertFailure(t, err, dgform.KindRule, "exactly one request type")
}

func TestTestPlan_UnknownTitle(t *testing.T) {
	t.Parallel()
	rc := testPlanContext(renderForm("Request", testPlanSections()))
	rc.Issue.Title = "Please set up regression"

	_, err := validateTestPlan(t, rc)
	assertFailure(t, err, dgform.KindRule, "Request form title is not in correct format")
}

func TestTestPlan_ParseFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{"empty body", "   "},
		{"no headings", "- just a list\n- of items\n"},
		{"single entry", "# Request\n## Test Plan\n- Regression Test Plan: #1\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := validateTestPlan(t, testPlanContext(tt.body))
			assertFailure(t, err, dgform.KindParse, "")
		})
	}
}

func TestTestPlan_InvalidContext(t *testing.T) {
	t.Parallel()
	rc := testPlanContext(renderForm("Request", testPlanSections()))
	rc.Issue.Milestone = dgform.Milestone{}
	rc.TestPlanType = ""

	_, err := validateTestPlan(t, rc)
	if err == nil {
		t.Fatal("expected error")
	}
	var f *dgform.Failure
	if asFailure(err, &f) {
		t.Errorf("context errors are not form failures: %v", err)
	}
}

// A preferred time is accepted exactly when it lies within one hour of now,
// bounds included.
func TestTestPlan_ScheduleWindow(t *testing.T) {
	t.Parallel()
	_, now := fixedNow(t)
	for offset := -2 * time.Hour; offset <= 2*time.Hour; offset += 5 * time.Minute {
		preferred := now.Add(offset)
		sections := withSection(testPlanSections(), "Deployment Schedule",
			"- **Preferred Date and Time**: "+preferred.Format("01-02-2006 15:04:05"),
			"- **Deployment Scope**: UI and API",
		)
		_, err := validateTestPlan(t, testPlanContext(renderForm("Request", sections)))

		inWindow := offset >= -time.Hour && offset <= time.Hour
		switch {
		case inWindow && err != nil:
			t.Errorf("offset %v: unexpected rejection: %v", offset, err)
		case !inWindow && !dgform.IsKind(err, dgform.KindRule):
			t.Errorf("offset %v: got %v, want rule violation", offset, err)
		}
	}
}

func TestTestPlan_ScheduleAfterMilestoneDue(t *testing.T) {
	t.Parallel()
	rc := testPlanContext(renderForm("Request", testPlanSections()))
	rc.Issue.Milestone.DueOn = "2024-06-13T23:00:00Z"

	_, err := validateTestPlan(t, rc)
	assertFailure(t, err, dgform.KindRule, "after milestone due date 2024-06-13")
}

func TestTestPlan_ScheduleOnMilestoneDueDate(t *testing.T) {
	t.Parallel()
	rc := testPlanContext(renderForm("Request", testPlanSections()))
	rc.Issue.Milestone.DueOn = "2024-06-14T07:00:00Z"

	if _, err := validateTestPlan(t, rc); err != nil {
		t.Fatal(err)
	}
}

func TestTestPlan_ScheduleFormat(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		lines  []string
		kind   dgform.Kind
		reason string
	}{
		{"preferred missing", []string{"- **Deployment Scope**: UI and API"}, dgform.KindMissingField, "Preferred Date and Time is not provided"},
		{"preferred malformed", []string{"- **Preferred Date and Time**: 2024-06-14 10:30", "- **Deployment Scope**: UI and API"}, dgform.KindFormat, "MM-DD-YYYY HH:MM:SS"},
		{"preferred twice", []string{"- **Preferred Date and Time**: 06-14-2024 10:30:00", "- **Preferred Date and Time**: 06-14-2024 10:40:00"}, dgform.KindRule, "exactly one"},
		{"scope missing", []string{"- **Preferred Date and Time**: 06-14-2024 10:30:00"}, dgform.KindMissingField, "Deployment Scope is not provided"},
		{"scope unknown", []string{"- **Preferred Date and Time**: 06-14-2024 10:30:00", "- **Deployment Scope**: UI only"}, dgform.KindFormat, "Deployment Scope"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sections := withSection(testPlanSections(), "Deployment Schedule", tt.lines...)
			_, err := validateTestPlan(t, testPlanContext(renderForm("Request", sections)))
			assertFailure(t, err, tt.kind, tt.reason)
		})
	}
}

func TestTestPlan_DeleteSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		value string
		kind  dgform.Kind
		want  string
	}{
		{value: "06-14-2024 10:40:00", kind: dgform.KindRule},
		{value: "06-14-2024 10:45:00", want: "2024-06-14T10:45:00-05:00"},
		{value: "06-16-2024 10:30:00", want: "2024-06-16T10:30:00-05:00"},
		{value: "07-14-2024 10:30:00", want: "2024-07-14T10:30:00-05:00"},
		{value: "07-14-2024 10:30:01", kind: dgform.KindRule},
		{value: "06-14-2024 09:00:00", kind: dgform.KindRule},
		{value: "Preserve Previous Schedule", want: "preserve"},
		{value: "next week", kind: dgform.KindFormat},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.value, func(t *testing.T) {
			t.Parallel()
			sections := withSection(testPlanSections(), "Deployment Schedule",
				"- **Preferred Date and Time**: 06-14-2024 10:30:00",
				"- **Deployment Scope**: UI and API",
				fmt.Sprintf("- **Schedule to Delete After**: %s", tt.value),
			)
			facts, err := validateTestPlan(t, testPlanContext(renderForm("Request", sections)))
			if tt.kind != 0 {
				assertFailure(t, err, tt.kind, "")
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			assertFact(t, facts, dgform.FactDeleteSchedule, tt.want)
		})
	}
}

func TestTestPlan_UnknownSectionsIgnored(t *testing.T) {
	t.Parallel()
	sections := append(testPlanSections(), formSection{"Additional Notes", []string{"- anything goes"}})
	if _, err := validateTestPlan(t, testPlanContext(renderForm("Request", sections))); err != nil {
		t.Fatal(err)
	}
}

func TestTestPlan_ValuesOnNestedLines(t *testing.T) {
	t.Parallel()
	sections := withSection(testPlanSections(), "Release Details",
		"- **API Version**:",
		"  - v1.4.0",
		"- **UI Version**:",
		"  - v2.1.0",
	)
	sections = withSection(sections, "Deployment Schedule",
		"- **Preferred Date and Time**:",
		"  - 06-14-2024 10:30:00",
		"- **Deployment Scope**: UI and API",
	)

	facts, err := validateTestPlan(t, testPlanContext(renderForm("Request", sections)))
	if err != nil {
		t.Fatal(err)
	}
	assertFact(t, facts, dgform.FactAPIVersion, "v1.4.0")
	assertFact(t, facts, dgform.FactUIVersion, "v2.1.0")
	assertFact(t, facts, dgform.FactPreferredDatetime, "2024-06-14T10:30:00-05:00")
}

func TestTestPlan_CheckedEnvironmentInOrderedList(t *testing.T) {
	t.Parallel()
	sections := withSection(testPlanSections(), "Environment Details",
		"1. [ ] Production Environment",
		"2. [x] Test Plan Environment",
	)
	if _, err := validateTestPlan(t, testPlanContext(renderForm("Request", sections))); err != nil {
		t.Fatal(err)
	}
}
