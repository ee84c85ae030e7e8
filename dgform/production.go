package dgform

import (
	"strings"

	"github.com/basewarphq/deploygate/dgmd"
)

const ProductionEnvironment = "Production Environment"

// Production form section names.
const (
	SectionDeploymentType      = "Deployment Type"
	SectionReleaseRollback     = "Release Deployment / Rollback Details"
	SectionDeploymentReason    = "Reason for Deployment / Rollback"
	SectionRollbackPlan        = "Rollback Plan"
	SectionPreDeploymentTasks  = "Pre Deployment Validations"
	SectionPostDeploymentTasks = "Post Deployment Tasks"
)

var riskLevels = []string{"low", "medium", "high"}

var postDeploymentChecks = []string{"Smoke Test Verification", "Health Check Verification"}

// ProductionForm is the request to release or roll back production.
func ProductionForm() *Form {
	return &Form{
		name:                "production",
		expectedEnvironment: ProductionEnvironment,
		sections: []*section{
			{name: SectionDeploymentType, match: []string{"deployment type"}, required: always, validate: acknowledge},
			{name: SectionReleaseRollback, match: []string{"release deployment", "rollback details"}, required: always, validate: validateReleaseRollback},
			{name: SectionDeploymentReason, match: []string{"reason for deployment"}, required: always, validate: validateDeploymentReason},
			{name: SectionRollbackPlan, match: []string{"rollback plan"}, required: isRollback, validate: validateRollbackPlan},
			{name: SectionEnvironmentDetails, match: []string{"environment details"}, required: always, validate: validateEnvironment},
			{name: SectionDeploymentSchedule, match: []string{"deployment schedule"}, required: always, validate: validateSchedule(scheduleRules{})},
			{name: SectionPreDeploymentTasks, match: []string{"pre deployment"}, required: always, validate: validatePreDeployment},
			{name: SectionPostDeploymentTasks, match: []string{"post deployment"}, required: always, validate: validatePostDeployment},
		},
		discriminate: discriminateDeploymentType,
		gate: func(r *run) error {
			if strings.TrimSpace(r.ctx.Branch.Name) == "" {
				return nil
			}
			return branchGate(r)
		},
	}
}

func isRollback(r *run) bool { return r.deploymentType == DeploymentRollback }

func discriminateDeploymentType(r *run) error {
	h := r.root.Find("deployment type")
	if h == nil {
		return failf(KindMissingSection, "missing sections: %s", SectionDeploymentType)
	}

	var found []DeploymentType
	for _, todo := range h.Todos() {
		if !todo.IsChecked {
			continue
		}
		switch {
		case dgmd.ContainsFold(todo.Label, "rollback"):
			found = append(found, DeploymentRollback)
		case dgmd.ContainsFold(todo.Label, "release"):
			found = append(found, DeploymentRelease)
		}
	}
	if len(found) == 0 {
		return &Failure{Kind: KindMissingField, Section: SectionDeploymentType, Reason: "no deployment type is checked. Check Release or Rollback"}
	}
	if len(found) > 1 {
		return &Failure{Kind: KindRule, Section: SectionDeploymentType, Reason: "exactly one deployment type must be checked"}
	}

	dt := found[0]
	if r.ctx.DeploymentType != "" && r.ctx.DeploymentType != dt {
		return &Failure{Kind: KindRule, Section: SectionDeploymentType,
			Reason: "checked deployment type " + string(dt) + " does not match requested " + string(r.ctx.DeploymentType)}
	}
	r.deploymentType = dt
	r.facts.Set(FactDeploymentType, string(dt))
	return nil
}

func validateReleaseRollback(r *run, h *dgmd.Header) error {
	kind := string(r.deploymentType)

	requested, err := versionField(h, "version to deploy", "Version to Deploy", false)
	if err != nil {
		return err
	}
	existing, err := versionField(h, "existing deployed version", "Existing Deployed Version", false)
	if err != nil {
		return err
	}
	if h.Find("release notes") == nil {
		return missingErr("Release Notes section is not provided")
	}
	if existing == "" {
		return missingErr("existing deployed version is not provided")
	}
	if requested == "" {
		return missingErr("%s version is not provided", kind)
	}

	cmp, err := compareVersions(existing, requested)
	if err != nil {
		return formatErr("cannot compare versions %s and %s", existing, requested).withCause(err)
	}
	switch r.deploymentType {
	case DeploymentRelease:
		if cmp >= 0 {
			return ruleErr("existing deployed version %s must be lower than requested release version %s", existing, requested)
		}
		r.facts.Set(FactReleaseVersion, requested)
	case DeploymentRollback:
		if cmp <= 0 {
			return ruleErr("existing deployed version %s must be higher than requested rollback version %s", existing, requested)
		}
		r.facts.Set(FactRollbackVersion, requested)
	}

	if requested != r.ctx.Issue.Milestone.Title {
		return ruleErr("%s version %s must match with assigned milestone %s", kind, requested, r.ctx.Issue.Milestone.Title)
	}
	r.facts.Set(FactExistingVersion, existing)
	return nil
}

func validateDeploymentReason(r *run, h *dgmd.Header) error {
	risk := h.Find("risk assessment")
	if risk == nil {
		return missingErr("Risk Assessment section is not provided")
	}

	var level string
	var justified bool
	for _, it := range risk.TitleContents() {
		switch {
		case titleHas(it.Title, "justification"):
			justified = content(it) != ""
		case titleHas(it.Title, "risk level"):
			level = strings.ToLower(content(it))
		}
	}
	if level == "" {
		return missingErr("Risk Level is not provided")
	}
	valid := false
	for _, l := range riskLevels {
		if level == l {
			valid = true
		}
	}
	if !valid {
		return formatErr("Risk Level %q is not in correct format. Allowed %s", level, strings.Join(riskLevels, ", "))
	}
	if !justified {
		return missingErr("Justification for Risk level is not provided")
	}

	trigger := findItem(h, "trigger conditions") != nil || h.Find("trigger conditions") != nil
	switch {
	case trigger && r.deploymentType == DeploymentRelease:
		return ruleErr("Trigger Conditions (for Rollback) notes are not supported for release")
	case !trigger && r.deploymentType == DeploymentRollback:
		return missingErr("Trigger Conditions (for Rollback) notes are not provided for rollback")
	}

	r.facts.Set(FactRiskLevel, level)
	return nil
}

func validateRollbackPlan(_ *run, h *dgmd.Header) error {
	var missing []string
	for _, sub := range []string{"Trigger Condition", "Rollback Reason"} {
		if h.Find(sub) == nil {
			missing = append(missing, sub)
		}
	}
	if len(missing) > 0 {
		return missingErr("Rollback Plan is missing sub-sections: %s", strings.Join(missing, ", "))
	}
	return nil
}

func validatePreDeployment(_ *run, h *dgmd.Header) error {
	if len(h.Todos()) == 0 {
		return missingErr("Pre Deployment Validations section is missing verification tasks")
	}
	return nil
}

func validatePostDeployment(r *run, h *dgmd.Header) error {
	var missing []string
	for _, name := range postDeploymentChecks {
		sub := h.Find(name)
		if sub == nil || len(sub.Todos()) == 0 {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return missingErr("Post Deployment Tasks missing verification tasks for sections %s", strings.Join(missing, ", "))
	}
	r.facts.Set(FactPostDeploymentTasks, strings.Join(h.RawContents, "\n"))
	return nil
}
