package dgform

// Keys of the facts a successful validation extracts.
const (
	FactRequestType         = "request_type"
	FactDeploymentType      = "deployment_type"
	FactTestPlanIssueNumber = "testplan_issue_number"
	FactAPIVersion          = "api_version"
	FactUIVersion           = "ui_version"
	FactReleaseVersion      = "release_version"
	FactRollbackVersion     = "rollback_version"
	FactExistingVersion     = "existing_version"
	FactPreferredDatetime   = "preferred_datetime"
	FactDeploymentScope     = "deployment_scope"
	FactDeleteSchedule      = "delete_schedule"
	FactRiskLevel           = "risk_level"
	FactPostDeploymentTasks = "post_deployment_tasks_section"
)

// FactSet maps fact names to values and remembers insertion order, which is
// the order facts are exported in.
type FactSet struct {
	keys   []string
	values map[string]string
}

func NewFactSet() *FactSet {
	return &FactSet{values: map[string]string{}}
}

// Set stores value under key. Re-setting a key keeps its original position.
func (f *FactSet) Set(key, value string) {
	if _, ok := f.values[key]; !ok {
		f.keys = append(f.keys, key)
	}
	f.values[key] = value
}

func (f *FactSet) Get(key string) (string, bool) {
	v, ok := f.values[key]
	return v, ok
}

// Keys returns the keys in insertion order.
func (f *FactSet) Keys() []string {
	return append([]string(nil), f.keys...)
}

func (f *FactSet) Len() int { return len(f.keys) }
