package iamrole_test

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/basewarphq/deploygate/cmd/internal/audit"
	"github.com/basewarphq/deploygate/cmd/internal/iamrole"
	"github.com/basewarphq/deploygate/cmd/internal/testutil"
)

const trustPolicy = `{
  "Version": "2012-10-17",
  "Statement": [{
    "Effect": "Allow",
    "Principal": {"Federated": "arn:aws:iam::{{account_id}}:oidc-provider/token.actions.githubusercontent.com"},
    "Action": "sts:AssumeRoleWithWebIdentity",
    "Condition": {"StringLike": {"token.actions.githubusercontent.com:sub": "repo:{{github_owner}}/{{github_repo}}:*"}}
  }]
}`

const inlinePolicy = `{"Version": "2012-10-17", "Statement": [{"Sid": "Assume", "Effect": "Allow", "Action": "sts:AssumeRole", "Resource": "arn:aws:iam::{{account_id}}:role/cdk-{{app_id}}{{env_id}}-*"}]}`

const managedPolicy = `{"Version": "2012-10-17", "Statement": [{"Sid": "Read", "Effect": "Allow", "Action": "s3:GetObject", "Resource": "*"}]}`

var target = iamrole.Target{
	AccountID:   "123456789012",
	Region:      "us-east-2",
	AppName:     "Personal-Finance",
	AppID:       "prsfin",
	EnvName:     "testplan",
	EnvID:       "tpe",
	GitHubOwner: "acme",
	GitHubRepo:  "finance-infra",
}

func roleDir(t *testing.T) string {
	t.Helper()
	return testutil.WriteTree(t, map[string]string{
		"cicd-role/trust-relationship.json":  trustPolicy,
		"cicd-role/inline/assume_cdk.json":   inlinePolicy,
		"cicd-role/managed/read-assets.json": managedPolicy,
	})
}

func TestTarget(t *testing.T) {
	t.Parallel()
	if got := target.RoleName(); got != "personal-finance-testplan-cicd-role" {
		t.Errorf("RoleName() = %q", got)
	}
	if got := (iamrole.Naming{Prefix: "cdk", Suffix: "-prsfintpe"}).Name("read-assets"); got != "cdkReadAssets-prsfintpe" {
		t.Errorf("Name() = %q", got)
	}
}

func TestCreateRole(t *testing.T) {
	t.Parallel()
	dir := roleDir(t)
	runner := &testutil.FakeRunner{Routes: map[string]testutil.Reply{
		"aws iam create-role":   {Out: `{"Role": {"RoleName": "personal-finance-testplan-cicd-role", "Arn": "arn:aws:iam::123456789012:role/personal-finance-testplan-cicd-role"}}`},
		"aws iam get-policy":    {Err: testutil.AWSError("An error occurred (NoSuchEntity) when calling the GetPolicy operation")},
		"aws iam create-policy": {Out: `{"Policy": {"PolicyName": "ReadAssets-prsfintpe", "Arn": "arn:aws:iam::123456789012:policy/ReadAssets-prsfintpe"}}`},
	}}
	dist := t.TempDir()
	m := iamrole.New(runner, audit.New(dist, "cicd-role"), dir, nil)

	role, err := m.CreateRole(context.Background(), filepath.Join(dir, "cicd-role"), target, false)
	if err != nil {
		t.Fatal(err)
	}

	if role.Name != "personal-finance-testplan-cicd-role" {
		t.Errorf("role name = %q", role.Name)
	}
	if !slices.Equal(role.Inline, []string{"assume-cdk"}) {
		t.Errorf("inline = %v", role.Inline)
	}
	if len(role.Managed) != 1 || !role.Managed[0].Created || role.Managed[0].Name != "ReadAssets-prsfintpe" {
		t.Errorf("managed = %+v", role.Managed)
	}

	calls := runner.Calls()
	create := calls[0]
	if create.Arg("--role-name") != "personal-finance-testplan-cicd-role" {
		t.Errorf("create-role args: %v", create.Args)
	}
	if doc := create.Arg("--assume-role-policy-document"); !strings.Contains(doc, "repo:acme/finance-infra:*") {
		t.Errorf("trust policy not rendered: %s", doc)
	}
	if !slices.Contains(create.Args, "Key=appId,Value=prsfin") || !slices.Contains(create.Args, "Key=environment,Value=tpe") {
		t.Errorf("missing tags: %v", create.Args)
	}

	attach := runner.Lines("aws iam attach-role-policy")
	if len(attach) != 1 || !strings.Contains(attach[0], "arn:aws:iam::123456789012:policy/ReadAssets-prsfintpe") {
		t.Errorf("attach calls = %v", attach)
	}

	for _, name := range []string{
		"create-role-request.json",
		"create-role-response.json",
		"create-inline-policy-assume-cdk.json",
		"attach-policy-read-assets-prsfintpe.json",
	} {
		if _, err := os.Stat(filepath.Join(dist, "cicd-role", role.Name, name)); err != nil {
			t.Errorf("missing audit record %s: %v", name, err)
		}
	}
}

func TestCreateRole_UpdatesExistingPolicy(t *testing.T) {
	t.Parallel()
	dir := roleDir(t)
	runner := &testutil.FakeRunner{Routes: map[string]testutil.Reply{
		"aws iam get-policy":            {Out: `{"Policy": {"Arn": "arn:aws:iam::123456789012:policy/ReadAssets-prsfintpe", "DefaultVersionId": "v3"}}`},
		"aws iam create-policy-version": {Out: `{"PolicyVersion": {"VersionId": "v4", "IsDefaultVersion": true}}`},
	}}
	m := iamrole.New(runner, nil, dir, nil)

	role, err := m.CreateRole(context.Background(), filepath.Join(dir, "cicd-role"), target, true)
	if err != nil {
		t.Fatal(err)
	}
	got := role.Managed[0]
	if !got.Updated || got.PreviousVersion != "v3" || got.NewVersion != "v4" {
		t.Errorf("managed = %+v", got)
	}
	if lines := runner.Lines("aws iam create-policy "); len(lines) != 0 {
		t.Errorf("unexpected create-policy: %v", lines)
	}
}

func TestCreateRole_ExistingPolicyWithoutUpdate(t *testing.T) {
	t.Parallel()
	dir := roleDir(t)
	runner := &testutil.FakeRunner{Routes: map[string]testutil.Reply{
		"aws iam get-policy": {Out: `{"Policy": {"Arn": "arn:aws:iam::123456789012:policy/ReadAssets-prsfintpe", "DefaultVersionId": "v3"}}`},
	}}
	m := iamrole.New(runner, nil, dir, nil)

	role, err := m.CreateRole(context.Background(), filepath.Join(dir, "cicd-role"), target, false)
	if err != nil {
		t.Fatal(err)
	}
	if p := role.Managed[0]; p.Created || p.Updated {
		t.Errorf("managed = %+v", p)
	}
	if lines := runner.Lines("aws iam create-policy"); len(lines) != 0 {
		t.Errorf("unexpected calls: %v", lines)
	}
	if lines := runner.Lines("aws iam attach-role-policy"); len(lines) != 1 {
		t.Errorf("attach calls = %v", lines)
	}
}

func TestCreateRole_MissingTemplateKey(t *testing.T) {
	t.Parallel()
	dir := testutil.WriteTree(t, map[string]string{
		"trust-relationship.json": `{"Version": "2012-10-17", "Statement": [{"Principal": "{{aws_principal}}"}]}`,
	})
	runner := &testutil.FakeRunner{}
	m := iamrole.New(runner, nil, dir, nil)

	_, err := m.CreateRole(context.Background(), dir, target, false)
	if err == nil || !strings.Contains(err.Error(), "aws_principal") {
		t.Fatalf("got %v", err)
	}
	if len(runner.Calls()) != 0 {
		t.Errorf("no aws calls expected, got %v", runner.Calls())
	}
}

func TestTeardown(t *testing.T) {
	t.Parallel()
	runner := &testutil.FakeRunner{}
	m := iamrole.New(runner, nil, t.TempDir(), nil)

	role := &iamrole.Role{
		Name:   "app-testplan-cicd-role",
		Inline: []string{"assume-cdk"},
		Managed: []iamrole.ManagedPolicy{
			{Name: "New", Arn: "arn:new", Created: true},
			{Name: "Changed", Arn: "arn:changed", Updated: true, PreviousVersion: "v1", NewVersion: "v2"},
		},
	}
	role.Attached = role.Managed

	if err := m.Teardown(context.Background(), role); err != nil {
		t.Fatal(err)
	}

	var got []string
	for _, c := range runner.Calls() {
		got = append(got, c.Args[1])
	}
	want := []string{
		"delete-role-policy",
		"detach-role-policy", "detach-role-policy",
		"delete-role",
		"set-default-policy-version", "delete-policy-version",
		"list-policy-versions", "delete-policy",
	}
	if !slices.Equal(got, want) {
		t.Errorf("got calls %v, want %v", got, want)
	}
	if v := runner.Lines("aws iam set-default-policy-version"); !strings.Contains(v[0], "--version-id v1") {
		t.Errorf("restored wrong version: %v", v)
	}
}

func TestDeleteRole(t *testing.T) {
	t.Parallel()
	runner := &testutil.FakeRunner{Routes: map[string]testutil.Reply{
		"aws iam list-role-policies":          {Out: `{"PolicyNames": ["a", "b"]}`},
		"aws iam list-attached-role-policies": {Out: `{"AttachedPolicies": [{"PolicyName": "P", "PolicyArn": "arn:p"}]}`},
	}}
	m := iamrole.New(runner, nil, t.TempDir(), nil)

	if err := m.DeleteRole(context.Background(), "app-testplan-cicd-role"); err != nil {
		t.Fatal(err)
	}
	if n := len(runner.Lines("aws iam delete-role-policy")); n != 2 {
		t.Errorf("deleted %d inline policies, want 2", n)
	}
	if lines := runner.Lines("aws iam detach-role-policy"); len(lines) != 1 || !strings.Contains(lines[0], "arn:p") {
		t.Errorf("detach = %v", lines)
	}
	if n := len(runner.Lines("aws iam delete-role ")); n != 1 {
		t.Errorf("delete-role calls = %d", n)
	}
}

func TestDeleteRole_NotFound(t *testing.T) {
	t.Parallel()
	runner := &testutil.FakeRunner{Routes: map[string]testutil.Reply{
		"aws iam list-role-policies": {Err: testutil.AWSError("An error occurred (NoSuchEntity) when calling the ListRolePolicies operation: The role with name x cannot be found.")},
	}}
	m := iamrole.New(runner, nil, t.TempDir(), nil)

	if err := m.DeleteRole(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
	if len(runner.Calls()) != 1 {
		t.Errorf("calls = %v", runner.Calls())
	}
}

func TestDeleteManagedPolicies(t *testing.T) {
	t.Parallel()
	runner := &testutil.FakeRunner{Routes: map[string]testutil.Reply{
		"aws iam list-policy-versions --policy-arn arn:a":    {Out: `{"Versions": [{"VersionId": "v2", "IsDefaultVersion": true}, {"VersionId": "v1", "IsDefaultVersion": false}]}`},
		"aws iam list-policy-versions --policy-arn arn:gone": {Err: testutil.AWSError("An error occurred (NoSuchEntity)")},
	}}
	m := iamrole.New(runner, nil, t.TempDir(), nil)

	err := m.DeleteManagedPolicies(context.Background(), "cfn-exec-role", []iamrole.ManagedPolicy{
		{Name: "A", Arn: "arn:a"},
		{Name: "Gone", Arn: "arn:gone"},
	})
	if err != nil {
		t.Fatal(err)
	}
	versions := runner.Lines("aws iam delete-policy-version")
	if len(versions) != 1 || !strings.Contains(versions[0], "--version-id v1") {
		t.Errorf("deleted versions %v", versions)
	}
	deletes := runner.Lines("aws iam delete-policy ")
	if len(deletes) != 1 || !strings.Contains(deletes[0], "arn:a") {
		t.Errorf("deleted policies %v", deletes)
	}
}
