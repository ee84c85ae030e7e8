// Package iamrole manages the CI/CD role a GitHub workflow assumes, along with
// its inline and customer managed policies. All IAM calls go through the aws
// CLI and every request and response is kept as an audit record.
package iamrole

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/basewarphq/deploygate/cmd/internal/audit"
	"github.com/basewarphq/deploygate/cmd/internal/cmdexec"
	"github.com/basewarphq/deploygate/cmd/internal/policytmpl"
	"github.com/cockroachdb/errors"
	"github.com/iancoleman/strcase"
	"go.uber.org/zap"
)

const (
	trustFile   = "trust-relationship.json"
	inlineDir   = "inline"
	managedDir  = "managed"
	description = "Role for CI/CD to assume. This can be used by github workflow only."
)

// Target identifies the account, app and environment a role is created for.
type Target struct {
	AccountID   string
	Region      string
	AppName     string
	AppID       string
	EnvName     string
	EnvID       string
	GitHubOwner string
	GitHubRepo  string
}

// RoleName is <app>-<env>-cicd-role.
func (t Target) RoleName() string {
	return strings.ToLower(t.AppName + "-" + t.EnvName + "-cicd-role")
}

// Values are the template values available to policy files.
func (t Target) Values() map[string]string {
	return map[string]string{
		"account_id":   t.AccountID,
		"region":       t.Region,
		"app_id":       t.AppID,
		"app_name":     t.AppName,
		"env_id":       t.EnvID,
		"env_name":     t.EnvName,
		"github_owner": t.GitHubOwner,
		"github_repo":  t.GitHubRepo,
	}
}

func (t Target) tags() []string {
	return []string{"Key=appId,Value=" + t.AppID, "Key=environment,Value=" + t.EnvID}
}

// Naming decides the IAM name of a managed policy template.
type Naming struct {
	Prefix string
	Suffix string
}

// Name turns a template name like "read-assets" into Prefix+"ReadAssets"+Suffix.
func (n Naming) Name(template string) string {
	return n.Prefix + strcase.ToCamel(template) + n.Suffix
}

// ManagedPolicy is the outcome of ensuring one customer managed policy.
type ManagedPolicy struct {
	Name string `json:"PolicyName"`
	Arn  string `json:"PolicyArn"`
	// Created is set when the policy did not exist before.
	Created bool `json:"IsCreated"`
	// Updated is set when a new default version was pushed. PreviousVersion
	// is the default before that.
	Updated         bool   `json:"IsUpdated"`
	PreviousVersion string `json:"PreviousDefaultVersionId,omitempty"`
	NewVersion      string `json:"NewDefaultVersionId,omitempty"`
}

// Role is what [Manager.CreateRole] set up.
type Role struct {
	Name     string
	Arn      string
	Inline   []string
	Managed  []ManagedPolicy
	Attached []ManagedPolicy
}

type Manager struct {
	runner cmdexec.Runner
	audit  *audit.Recorder
	logger *zap.Logger
	dir    string
}

// New returns a Manager that runs the aws CLI from dir.
func New(runner cmdexec.Runner, rec *audit.Recorder, dir string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{runner: runner, audit: rec, logger: logger, dir: dir}
}

// CreateRole creates the role from the templates in roleDir, puts its inline
// policies, ensures its managed policies and attaches them. Existing managed
// policies get a new default version when update is set.
func (m *Manager) CreateRole(ctx context.Context, roleDir string, t Target, update bool) (*Role, error) {
	values := t.Values()
	trust, err := policytmpl.Load(filepath.Join(roleDir, trustFile), values)
	if err != nil {
		return nil, errors.Wrap(err, "loading trust policy")
	}
	inline, err := policytmpl.LoadDir(filepath.Join(roleDir, inlineDir), values)
	if err != nil {
		return nil, errors.Wrap(err, "loading inline policies")
	}

	name := t.RoleName()
	args := []string{
		"iam", "create-role",
		"--role-name", name,
		"--assume-role-policy-document", trust.Body,
		"--description", description,
		"--tags",
	}
	args = append(args, t.tags()...)
	if err := m.save(ctx, name, "Create Role Request", map[string]any{
		"RoleName":                 name,
		"AssumeRolePolicyDocument": json.RawMessage(trust.Body),
		"Description":              description,
		"Tags":                     t.tags(),
	}); err != nil {
		return nil, err
	}

	var created struct {
		Role struct {
			RoleName string `json:"RoleName"`
			Arn      string `json:"Arn"`
		} `json:"Role"`
	}
	raw, err := m.aws(ctx, &created, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "creating role %s", name)
	}
	if err := m.save(ctx, name, "Create Role Response", raw); err != nil {
		return nil, err
	}
	role := &Role{Name: name, Arn: created.Role.Arn}
	if created.Role.RoleName != "" {
		role.Name = created.Role.RoleName
	}
	m.logger.Info("created role", zap.String("role", role.Name), zap.String("arn", role.Arn))

	for _, doc := range inline {
		if _, err := m.aws(ctx, nil, "iam", "put-role-policy",
			"--role-name", role.Name,
			"--policy-name", doc.Name,
			"--policy-document", doc.Body,
		); err != nil {
			return role, errors.Wrapf(err, "putting inline policy %s", doc.Name)
		}
		role.Inline = append(role.Inline, doc.Name)
		if err := m.save(ctx, role.Name, "Create Inline Policy "+doc.Name, map[string]any{
			"PolicyName":     doc.Name,
			"PolicyDocument": json.RawMessage(doc.Body),
		}); err != nil {
			return role, err
		}
		m.logger.Info("put inline policy", zap.String("role", role.Name), zap.String("policy", doc.Name))
	}

	naming := Naming{Suffix: "-" + t.AppID + t.EnvID}
	managed, err := m.EnsureManagedPolicies(ctx, role.Name, filepath.Join(roleDir, managedDir), t, naming, update)
	role.Managed = managed
	if err != nil {
		return role, err
	}

	for _, p := range managed {
		if _, err := m.aws(ctx, nil, "iam", "attach-role-policy",
			"--role-name", role.Name,
			"--policy-arn", p.Arn,
		); err != nil {
			return role, errors.Wrapf(err, "attaching policy %s", p.Name)
		}
		role.Attached = append(role.Attached, p)
		if err := m.save(ctx, role.Name, "Attach Policy "+p.Name, map[string]string{
			"RoleName":  role.Name,
			"PolicyArn": p.Arn,
		}); err != nil {
			return role, err
		}
	}
	return role, nil
}

// Teardown undoes a [Role] returned by CreateRole: inline policies are
// deleted, attachments removed, the role deleted and the managed policies
// reverted.
func (m *Manager) Teardown(ctx context.Context, role *Role) error {
	for _, name := range role.Inline {
		if _, err := m.aws(ctx, nil, "iam", "delete-role-policy",
			"--role-name", role.Name, "--policy-name", name); err != nil {
			return errors.Wrapf(err, "deleting inline policy %s", name)
		}
	}
	if err := m.save(ctx, role.Name, "Delete Inline Policies", role.Inline); err != nil {
		return err
	}

	for _, p := range role.Attached {
		if _, err := m.aws(ctx, nil, "iam", "detach-role-policy",
			"--role-name", role.Name, "--policy-arn", p.Arn); err != nil {
			return errors.Wrapf(err, "detaching policy %s", p.Name)
		}
	}
	if err := m.save(ctx, role.Name, "Detach Manage Policies", role.Attached); err != nil {
		return err
	}

	if err := m.deleteRole(ctx, role.Name); err != nil {
		return err
	}
	return m.RevertManagedPolicies(ctx, role.Name, role.Managed)
}

// DeleteRole removes every inline policy and attachment of the role and then
// the role itself. A role that does not exist is not an error.
func (m *Manager) DeleteRole(ctx context.Context, name string) error {
	var inline struct {
		PolicyNames []string `json:"PolicyNames"`
	}
	if _, err := m.aws(ctx, &inline, "iam", "list-role-policies", "--role-name", name); err != nil {
		if notFound(err) {
			m.logger.Info("role does not exist", zap.String("role", name))
			return nil
		}
		return errors.Wrapf(err, "listing inline policies of %s", name)
	}
	for _, p := range inline.PolicyNames {
		if _, err := m.aws(ctx, nil, "iam", "delete-role-policy",
			"--role-name", name, "--policy-name", p); err != nil {
			return errors.Wrapf(err, "deleting inline policy %s", p)
		}
	}
	if err := m.save(ctx, name, "Delete Inline Policies", inline.PolicyNames); err != nil {
		return err
	}

	var attached struct {
		AttachedPolicies []struct {
			PolicyName string `json:"PolicyName"`
			PolicyArn  string `json:"PolicyArn"`
		} `json:"AttachedPolicies"`
	}
	if _, err := m.aws(ctx, &attached, "iam", "list-attached-role-policies", "--role-name", name); err != nil {
		return errors.Wrapf(err, "listing attached policies of %s", name)
	}
	for _, p := range attached.AttachedPolicies {
		if _, err := m.aws(ctx, nil, "iam", "detach-role-policy",
			"--role-name", name, "--policy-arn", p.PolicyArn); err != nil {
			return errors.Wrapf(err, "detaching policy %s", p.PolicyName)
		}
	}
	if err := m.save(ctx, name, "Detach Manage Policies", attached.AttachedPolicies); err != nil {
		return err
	}

	return m.deleteRole(ctx, name)
}

func (m *Manager) deleteRole(ctx context.Context, name string) error {
	if _, err := m.aws(ctx, nil, "iam", "delete-role", "--role-name", name); err != nil {
		return errors.Wrapf(err, "deleting role %s", name)
	}
	m.logger.Info("deleted role", zap.String("role", name))
	return m.save(ctx, name, "Delete Role", map[string]string{"RoleName": name})
}

// EnsureManagedPolicies makes sure a customer managed policy exists for every
// template in dir. Missing policies are created; existing ones are left alone
// unless update is set, in which case the rendered document becomes their new
// default version.
func (m *Manager) EnsureManagedPolicies(
	ctx context.Context, group, dir string, t Target, naming Naming, update bool,
) ([]ManagedPolicy, error) {
	docs, err := policytmpl.LoadDir(dir, t.Values())
	if err != nil {
		return nil, errors.Wrap(err, "loading managed policies")
	}

	var result []ManagedPolicy
	for _, doc := range docs {
		p, err := m.ensureManagedPolicy(ctx, doc, t, naming.Name(doc.Name), update)
		if err != nil {
			return result, err
		}
		result = append(result, p)
		if err := m.save(ctx, group, "Create Custom Policy "+p.Name, map[string]any{
			"request":  json.RawMessage(doc.Body),
			"response": p,
		}); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (m *Manager) ensureManagedPolicy(
	ctx context.Context, doc policytmpl.Document, t Target, name string, update bool,
) (ManagedPolicy, error) {
	arn := PolicyArn(t.AccountID, name)

	var existing struct {
		Policy struct {
			Arn              string `json:"Arn"`
			DefaultVersionID string `json:"DefaultVersionId"`
		} `json:"Policy"`
	}
	_, err := m.aws(ctx, &existing, "iam", "get-policy", "--policy-arn", arn)
	switch {
	case notFound(err):
		args := []string{
			"iam", "create-policy",
			"--policy-name", name,
			"--policy-document", doc.Body,
			"--tags",
		}
		args = append(args, t.tags()...)
		var created struct {
			Policy struct {
				PolicyName string `json:"PolicyName"`
				Arn        string `json:"Arn"`
			} `json:"Policy"`
		}
		if _, err := m.aws(ctx, &created, args...); err != nil {
			return ManagedPolicy{}, errors.Wrapf(err, "creating policy %s", name)
		}
		if created.Policy.Arn != "" {
			arn = created.Policy.Arn
		}
		m.logger.Info("created managed policy", zap.String("policy", name))
		return ManagedPolicy{Name: name, Arn: arn, Created: true}, nil
	case err != nil:
		return ManagedPolicy{}, errors.Wrapf(err, "getting policy %s", name)
	}

	if existing.Policy.Arn != "" {
		arn = existing.Policy.Arn
	}
	if !update {
		m.logger.Info("managed policy exists, skipping", zap.String("policy", name))
		return ManagedPolicy{Name: name, Arn: arn}, nil
	}

	var version struct {
		PolicyVersion struct {
			VersionID string `json:"VersionId"`
		} `json:"PolicyVersion"`
	}
	if _, err := m.aws(ctx, &version, "iam", "create-policy-version",
		"--policy-arn", arn,
		"--policy-document", doc.Body,
		"--set-as-default",
	); err != nil {
		return ManagedPolicy{}, errors.Wrapf(err, "updating policy %s", name)
	}
	m.logger.Info("updated managed policy",
		zap.String("policy", name), zap.String("version", version.PolicyVersion.VersionID))
	return ManagedPolicy{
		Name:            name,
		Arn:             arn,
		Updated:         true,
		PreviousVersion: existing.Policy.DefaultVersionID,
		NewVersion:      version.PolicyVersion.VersionID,
	}, nil
}

// RevertManagedPolicies undoes EnsureManagedPolicies: created policies are
// deleted and updated ones get their previous default version back.
func (m *Manager) RevertManagedPolicies(ctx context.Context, group string, policies []ManagedPolicy) error {
	var created []ManagedPolicy
	for _, p := range policies {
		switch {
		case p.Created:
			created = append(created, p)
		case p.Updated:
			if _, err := m.aws(ctx, nil, "iam", "set-default-policy-version",
				"--policy-arn", p.Arn, "--version-id", p.PreviousVersion); err != nil {
				return errors.Wrapf(err, "restoring default version of %s", p.Name)
			}
			if _, err := m.aws(ctx, nil, "iam", "delete-policy-version",
				"--policy-arn", p.Arn, "--version-id", p.NewVersion); err != nil {
				return errors.Wrapf(err, "deleting version %s of %s", p.NewVersion, p.Name)
			}
		}
	}
	if err := m.DeleteManagedPolicies(ctx, group, created); err != nil {
		return err
	}
	return m.save(ctx, group, "Revert Custom Policies", policies)
}

// DeleteManagedPolicies deletes each policy along with its non-default
// versions. Policies that no longer exist are skipped.
func (m *Manager) DeleteManagedPolicies(ctx context.Context, group string, policies []ManagedPolicy) error {
	for _, p := range policies {
		var versions struct {
			Versions []struct {
				VersionID        string `json:"VersionId"`
				IsDefaultVersion bool   `json:"IsDefaultVersion"`
			} `json:"Versions"`
		}
		_, err := m.aws(ctx, &versions, "iam", "list-policy-versions", "--policy-arn", p.Arn)
		if notFound(err) {
			m.logger.Info("managed policy does not exist", zap.String("policy", p.Name))
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "listing versions of %s", p.Name)
		}
		for _, v := range versions.Versions {
			if v.IsDefaultVersion {
				continue
			}
			if _, err := m.aws(ctx, nil, "iam", "delete-policy-version",
				"--policy-arn", p.Arn, "--version-id", v.VersionID); err != nil {
				return errors.Wrapf(err, "deleting version %s of %s", v.VersionID, p.Name)
			}
		}
		if _, err := m.aws(ctx, nil, "iam", "delete-policy", "--policy-arn", p.Arn); err != nil && !notFound(err) {
			return errors.Wrapf(err, "deleting policy %s", p.Name)
		}
		m.logger.Info("deleted managed policy", zap.String("policy", p.Name))
	}
	return m.save(ctx, group, "Delete Custom Policies", policies)
}

// PolicyArn is the ARN of a customer managed policy.
func PolicyArn(accountID, name string) string {
	return "arn:aws:iam::" + accountID + ":policy/" + name
}

// aws runs an aws CLI command with JSON output, decodes it into out when out
// is non-nil and returns the raw output.
func (m *Manager) aws(ctx context.Context, out any, args ...string) (json.RawMessage, error) {
	args = append(args, "--no-cli-pager", "--output", "json")
	stdout, err := m.runner.Output(ctx, m.dir, "aws", args...)
	if err != nil {
		return nil, err
	}
	raw := json.RawMessage(strings.TrimSpace(stdout))
	if len(raw) == 0 {
		return json.RawMessage("{}"), nil
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, errors.Wrapf(err, "decoding aws %s output", strings.Join(args[:2], " "))
		}
	}
	return raw, nil
}

func (m *Manager) save(ctx context.Context, group, purpose string, data any) error {
	if m.audit == nil {
		return nil
	}
	_, err := m.audit.Save(ctx, group, purpose, data)
	return err
}

func notFound(err error) bool {
	return cmdexec.StderrContains(err, "NoSuchEntity")
}

// ManagedPolicyRefs names the managed policies the templates in dir map to
// without calling AWS.
func ManagedPolicyRefs(dir string, t Target, naming Naming) ([]ManagedPolicy, error) {
	docs, err := policytmpl.LoadDir(dir, t.Values())
	if err != nil {
		return nil, errors.Wrap(err, "loading managed policies")
	}
	refs := make([]ManagedPolicy, 0, len(docs))
	for _, doc := range docs {
		name := naming.Name(doc.Name)
		refs = append(refs, ManagedPolicy{Name: name, Arn: PolicyArn(t.AccountID, name)})
	}
	return refs, nil
}
