package dgform

import (
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/basewarphq/deploygate/dgmd"
	"github.com/basewarphq/deploygate/dgtime"
)

const (
	scheduleTolerance = time.Hour
	minDeleteGap      = 15 * time.Minute
	maxDeleteGap      = 30 * 24 * time.Hour

	masterBranch    = "master"
	milestonePrefix = "milestone"
	preserveValue   = "preserve"
)

var (
	versionRe  = regexp.MustCompile(`^\s*(v\d+\.\d+\.\d+)\b`)
	issueURLRe = regexp.MustCompile(`https?://\S+/issues/(\d+)`)
	issueRefRe = regexp.MustCompile(`(?:^|[\s(])#(\d+)\b`)
)

// Deployment scopes. UI scopes always include the API.
const (
	ScopeAPIOnly  = "API only"
	ScopeUIAndAPI = "UI and API"
)

var scopes = []string{ScopeAPIOnly, ScopeUIAndAPI}

// findItems returns the title/content entries of h whose title contains
// every one of substrs.
func findItems(h *dgmd.Header, substrs ...string) []*dgmd.ListItemTitleContent {
	var out []*dgmd.ListItemTitleContent
	for _, it := range h.TitleContents() {
		ok := true
		for _, s := range substrs {
			if !titleHas(it.Title, s) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, it)
		}
	}
	return out
}

func findItem(h *dgmd.Header, substrs ...string) *dgmd.ListItemTitleContent {
	items := findItems(h, substrs...)
	if len(items) == 0 {
		return nil
	}
	return items[0]
}

func content(it *dgmd.ListItemTitleContent) string {
	return strings.TrimSpace(strings.ReplaceAll(it.ContentString(), "**", ""))
}

// versionToken extracts a vMAJOR.MINOR.PATCH token from the start of s.
func versionToken(s string) (string, bool) {
	m := versionRe.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// compareVersions orders two version tokens by semantic version precedence.
func compareVersions(a, b string) (int, error) {
	va, err := semver.NewVersion(a)
	if err != nil {
		return 0, err
	}
	vb, err := semver.NewVersion(b)
	if err != nil {
		return 0, err
	}
	return va.Compare(vb), nil
}

// issueNumber extracts the issue number from an issue URL or a #N reference.
func issueNumber(s string) (string, bool) {
	if m := issueURLRe.FindStringSubmatch(s); m != nil {
		return m[1], true
	}
	if m := issueRefRe.FindStringSubmatch(s); m != nil {
		return m[1], true
	}
	return "", false
}

// validateEnvironment checks that the section selects the form's expected
// environment, either as an "Environment Name" entry or a checked todo.
func validateEnvironment(r *run, h *dgmd.Header) error {
	want := r.form.expectedEnvironment
	names := findItems(h, "environment name")
	for _, it := range names {
		if dgmd.ContainsFold(content(it), want) {
			return nil
		}
	}
	checked := false
	for _, todo := range h.Todos() {
		if !todo.IsChecked {
			continue
		}
		checked = true
		if dgmd.ContainsFold(todo.Label, want) {
			return nil
		}
	}
	if len(names) == 0 && !checked {
		return missingErr("Environment Name is not provided. Required [%s]", want)
	}
	return ruleErr("Environment details is incorrect. Required [%s]", want)
}

type scheduleRules struct {
	requireScope bool
}

// validateSchedule checks the requested deployment time against the clock
// and the milestone, and the optional scope and delete schedule.
func validateSchedule(rules scheduleRules) func(r *run, h *dgmd.Header) error {
	return func(r *run, h *dgmd.Header) error {
		preferred, err := validatePreferred(r, h)
		if err != nil {
			return err
		}
		if err := validateScope(r, h, rules.requireScope); err != nil {
			return err
		}
		return validateDeleteSchedule(r, h, preferred)
	}
}

func validatePreferred(r *run, h *dgmd.Header) (time.Time, error) {
	items := findItems(h, "preferred date")
	if len(items) == 0 {
		return time.Time{}, missingErr("Preferred Date and Time is not provided. Required `Preferred Date and Time: MM-DD-YYYY HH:MM:SS`")
	}
	if len(items) > 1 {
		return time.Time{}, ruleErr("Deployment Schedule must contain exactly one Preferred Date and Time, found %d", len(items))
	}

	preferred, err := dgtime.ParsePreferred(r.loc, content(items[0]))
	if err != nil {
		return time.Time{}, formatErr("Preferred Date and Time format is not correct. Please follow `MM-DD-YYYY HH:MM:SS`").withCause(err)
	}

	if preferred.Before(r.now.Add(-scheduleTolerance)) {
		return time.Time{}, ruleErr("Preferred Date and Time is in past by %s", dgtime.HumanDuration(r.now.Sub(preferred)))
	}
	if preferred.After(r.now.Add(scheduleTolerance)) {
		return time.Time{}, ruleErr("Preferred Date and Time is %s in future. Deployment can be requested at most %s ahead",
			dgtime.HumanDuration(preferred.Sub(r.now)), dgtime.HumanDuration(scheduleTolerance))
	}

	ms := r.ctx.Issue.Milestone
	if ms.State == MilestoneOpen && strings.TrimSpace(ms.DueOn) != "" {
		due, err := dgtime.ParseMilestoneDueOn(r.loc, ms.DueOn)
		if err != nil {
			return time.Time{}, formatErr("milestone due date %q is not a valid timestamp", ms.DueOn).withCause(err)
		}
		if preferred.After(due) {
			return time.Time{}, ruleErr("Preferred Date and Time is after milestone due date %s", due.Format(time.DateOnly))
		}
	}

	r.facts.Set(FactPreferredDatetime, preferred.Format(time.RFC3339))
	return preferred, nil
}

func validateScope(r *run, h *dgmd.Header, required bool) error {
	it := findItem(h, "deployment scope")
	if it == nil {
		if required {
			return missingErr("Deployment Scope is not provided. Allowed '%s' or '%s'", ScopeAPIOnly, ScopeUIAndAPI)
		}
		return nil
	}

	value := content(it)
	scope := ""
	for _, s := range scopes {
		if strings.EqualFold(value, s) {
			scope = s
		}
	}
	if scope == "" {
		return formatErr("Deployment Scope %q is not in correct format. Allowed '%s' or '%s'", value, ScopeAPIOnly, ScopeUIAndAPI)
	}
	if r.requestType == RequestDeprovision && !scopeHasUI(scope) {
		return ruleErr("for deprovisioning, scope must have both UI and API")
	}

	r.scope = scope
	r.facts.Set(FactDeploymentScope, scope)
	return nil
}

func scopeHasUI(scope string) bool {
	return strings.Contains(scope, "UI")
}

func validateDeleteSchedule(r *run, h *dgmd.Header, preferred time.Time) error {
	it := findItem(h, "schedule to delete")
	if it == nil {
		return nil
	}

	value := content(it)
	if dgmd.ContainsFold(value, "preserve previous schedule") {
		r.facts.Set(FactDeleteSchedule, preserveValue)
		return nil
	}

	deleteAt, err := dgtime.ParsePreferred(r.loc, value)
	if err != nil {
		return formatErr("Schedule to Delete After must be `Preserve Previous Schedule` or `MM-DD-YYYY HH:MM:SS`").withCause(err)
	}
	gap := deleteAt.Sub(preferred)
	if gap < minDeleteGap {
		return ruleErr("Schedule to Delete After must be at least %s after Preferred Date and Time (got %s)",
			dgtime.HumanDuration(minDeleteGap), signedDuration(gap))
	}
	if gap > maxDeleteGap {
		return ruleErr("Schedule to Delete After must be at most %s after Preferred Date and Time (got %s)",
			dgtime.HumanDuration(maxDeleteGap), signedDuration(gap))
	}

	r.facts.Set(FactDeleteSchedule, deleteAt.Format(time.RFC3339))
	return nil
}

func signedDuration(d time.Duration) string {
	if d < 0 {
		return "-" + dgtime.HumanDuration(d)
	}
	return dgtime.HumanDuration(d)
}

// branchGate forbids deploying from master while the milestone is open and
// from a milestone branch once it is closed.
func branchGate(r *run) error {
	branch := strings.TrimSpace(r.ctx.Branch.Name)
	state := r.ctx.Issue.Milestone.State
	switch {
	case branch == masterBranch && state == MilestoneOpen:
		return ruleErr("Deployment on the master branch is prohibited while the milestone is open.")
	case strings.HasPrefix(branch, milestonePrefix) && state == MilestoneClosed:
		return ruleErr("Deployment on the milestone branch is prohibited while the milestone is closed.")
	}
	return nil
}
