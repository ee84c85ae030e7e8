package dgform_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/basewarphq/deploygate/dgform"
	"github.com/basewarphq/deploygate/dgtime"
)

type formSection struct {
	name  string
	lines []string
}

// fixedNow is 10:00 in Chicago; forms ask for 10:30 the same day.
func fixedNow(t *testing.T) (*time.Location, time.Time) {
	t.Helper()
	loc, err := dgtime.LoadLocation(dgtime.DefaultLocation)
	if err != nil {
		t.Fatal(err)
	}
	return loc, time.Date(2024, time.June, 14, 10, 0, 0, 0, loc)
}

func newValidator(t *testing.T) *dgform.Validator {
	t.Helper()
	loc, now := fixedNow(t)
	clock := dgtime.NewClock(loc, dgtime.WithNow(func() time.Time { return now }))
	return dgform.NewValidator(clock)
}

func renderForm(title string, sections []formSection) string {
	var b strings.Builder
	b.WriteString("# " + title + "\n")
	for _, s := range sections {
		b.WriteString("\n## " + s.name + "\n")
		for _, l := range s.lines {
			b.WriteString(l + "\n")
		}
	}
	return b.String()
}

func withSection(sections []formSection, name string, lines ...string) []formSection {
	out := make([]formSection, 0, len(sections))
	for _, s := range sections {
		if s.name == name {
			s = formSection{name: name, lines: lines}
		}
		out = append(out, s)
	}
	return out
}

func withoutSections(sections []formSection, names ...string) []formSection {
	var out []formSection
	for _, s := range sections {
		drop := false
		for _, n := range names {
			if s.name == n {
				drop = true
			}
		}
		if !drop {
			out = append(out, s)
		}
	}
	return out
}

func openMilestone() dgform.Milestone {
	return dgform.Milestone{Title: "v1.4.0", State: dgform.MilestoneOpen, DueOn: "2024-06-20T07:00:00Z"}
}

func testPlanSections() []formSection {
	return []formSection{
		{"Test Plan", []string{"- **Regression Test Plan**: https://github.com/acme/app/issues/42"}},
		{"Release Details", []string{"- **API Version**: v1.4.0", "- **UI Version**: v2.1.0"}},
		{"Environment Details", []string{"- **Environment Name**: Test Plan Environment"}},
		{"Deployment Schedule", []string{
			"- **Preferred Date and Time**: 06-14-2024 10:30:00",
			"- **Deployment Scope**: UI and API",
		}},
	}
}

func testPlanContext(body string) dgform.RequestContext {
	return dgform.RequestContext{
		Issue: dgform.Issue{
			Title:     "[Request] Provision Test Plan Environment (Regression)",
			Body:      body,
			Milestone: openMilestone(),
		},
		Branch:       dgform.Branch{Name: "milestone/v1.4.0"},
		TestPlanType: "regression",
	}
}

func validateTestPlan(t *testing.T, rc dgform.RequestContext) (*dgform.FactSet, error) {
	t.Helper()
	return newValidator(t).Validate(context.Background(), dgform.TestPlanForm(), rc)
}

func productionSections() []formSection {
	return []formSection{
		{"Deployment Type", []string{"- [x] Release", "- [ ] Rollback"}},
		{"Release Deployment / Rollback Details", []string{
			"- **Version to Deploy (Release/Rollback)**: v1.4.0",
			"- **Existing Deployed Version**: v1.3.9",
			"### Release Notes",
			"- Adds statement export",
		}},
		{"Reason for Deployment / Rollback", []string{
			"### Risk Assessment",
			"- **Risk Level**: Low",
			"- **Justification for Risk level**: isolated change behind a flag",
		}},
		{"Environment Details", []string{"- **Environment Name**: Production Environment"}},
		{"Deployment Schedule", []string{"- **Preferred Date and Time**: 06-14-2024 10:30:00"}},
		{"Pre Deployment Validations", []string{"- [x] Database backup taken"}},
		{"Post Deployment Tasks", []string{
			"### Smoke Test Verification",
			"- [ ] Run smoke suite",
			"### Health Check Verification",
			"- [ ] Check dashboards",
		}},
	}
}

func rollbackSections() []formSection {
	s := productionSections()
	s = withSection(s, "Deployment Type", "- [ ] Release", "- [x] Rollback")
	s = withSection(s, "Release Deployment / Rollback Details",
		"- **Version to Deploy (Release/Rollback)**: v1.4.0",
		"- **Existing Deployed Version**: v1.5.0",
		"### Release Notes",
		"- Reverts statement export",
	)
	s = withSection(s, "Reason for Deployment / Rollback",
		"- **Trigger Conditions (for Rollback)**: checkout error rate above 5%",
		"### Risk Assessment",
		"- **Risk Level**: Medium",
		"- **Justification for Risk level**: reverting a schema change",
	)
	return append(s, formSection{"Rollback Plan", []string{
		"### Trigger Condition",
		"- Error rate above 5% for 10 minutes",
		"### Rollback Reason",
		"- Checkout failures after v1.5.0",
	}})
}

func productionContext(body string) dgform.RequestContext {
	return dgform.RequestContext{
		Issue: dgform.Issue{
			Title:     "[Deploy] Production v1.4.0",
			Body:      body,
			Milestone: openMilestone(),
		},
		Branch: dgform.Branch{Name: "milestone/v1.4.0"},
	}
}

func validateProduction(t *testing.T, rc dgform.RequestContext) (*dgform.FactSet, error) {
	t.Helper()
	return newValidator(t).Validate(context.Background(), dgform.ProductionForm(), rc)
}

func assertFailure(t *testing.T, err error, kind dgform.Kind, reason string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v failure, got nil", kind)
	}
	if !dgform.IsKind(err, kind) {
		t.Fatalf("got %v, want kind %v", err, kind)
	}
	if reason != "" && !strings.Contains(err.Error(), reason) {
		t.Errorf("got %q, want it to contain %q", err.Error(), reason)
	}
}

func assertFact(t *testing.T, facts *dgform.FactSet, key, want string) {
	t.Helper()
	got, ok := facts.Get(key)
	if !ok {
		t.Errorf("fact %s missing", key)
		return
	}
	if got != want {
		t.Errorf("fact %s: got %q, want %q", key, got, want)
	}
}

func asFailure(err error, target **dgform.Failure) bool {
	return errors.As(err, target)
}
