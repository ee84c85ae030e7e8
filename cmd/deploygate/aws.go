package main

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/basewarphq/deploygate/cmd/internal/audit"
	"github.com/basewarphq/deploygate/cmd/internal/awsclient"
	"github.com/basewarphq/deploygate/cmd/internal/bincheck"
	"github.com/basewarphq/deploygate/cmd/internal/cdkboot"
	"github.com/basewarphq/deploygate/cmd/internal/cmdexec"
	"github.com/basewarphq/deploygate/cmd/internal/iamrole"
	"github.com/basewarphq/deploygate/cmd/internal/projcfg"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// AccountFlags select the AWS account, region and environment a command
// works on.
type AccountFlags struct {
	AwsAccount  string `name:"aws-account" help:"AWS account id. Defaults to the account of the current credentials."`
	AwsRegion   string `name:"aws-region" default:"us-east-2" help:"AWS region."`
	Environment string `name:"environment" required:"" help:"Environment name from deploygate.toml."`
}

// session is what the IAM and CDK commands share: the resolved target, the
// SDK config and an audit recorder.
type session struct {
	target iamrole.Target
	aws    aws.Config
	audit  *audit.Recorder
}

func (f AccountFlags) open(
	ctx context.Context, cfg *projcfg.Config, logger *zap.Logger, tp trace.TracerProvider,
	auditBase string, tools ...string,
) (*session, error) {
	if err := cfg.RequireApp(); err != nil {
		return nil, err
	}
	if err := bincheck.NewChecker().Require(tools...); err != nil {
		return nil, err
	}
	env, err := cfg.Environment(f.Environment)
	if err != nil {
		return nil, err
	}
	awsCfg, err := awsclient.LoadConfig(ctx, f.AwsRegion, tp)
	if err != nil {
		return nil, err
	}
	account, err := awsclient.ResolveAccount(ctx, f.AwsAccount, awsCfg)
	if err != nil {
		return nil, err
	}

	opts := []audit.Option{audit.WithLogger(logger)}
	if cfg.Audit.Bucket != "" {
		opts = append(opts, audit.WithS3(awsclient.NewS3(awsCfg), cfg.Audit.Bucket, cfg.Audit.Prefix))
	}

	return &session{
		target: iamrole.Target{
			AccountID: account,
			Region:    f.AwsRegion,
			AppName:   cfg.App.Name,
			AppID:     cfg.App.ID,
			EnvName:   env.Name,
			EnvID:     env.ID,
		},
		aws:   awsCfg,
		audit: audit.New(cfg.DistDir(), auditBase, opts...),
	}, nil
}

type RoleCreateCmd struct {
	AccountFlags
	RoleDir     string `name:"role-dir" required:"" type:"existingdir" help:"Directory with trust-relationship.json and the inline/ and managed/ policy templates."`
	GitHubOwner string `name:"github-owner" required:"" help:"GitHub owner allowed to assume the role."`
	GitHubRepo  string `name:"github-repo" required:"" help:"GitHub repository allowed to assume the role."`
	Update      bool   `name:"update-policies" help:"Push a new default version to managed policies that already exist."`
	DryRun      bool   `name:"dry-run" help:"Delete everything again after it was created."`
}

func (c *RoleCreateCmd) Run(cfg *projcfg.Config, logger *zap.Logger, tp trace.TracerProvider) error {
	ctx := context.Background()
	s, err := c.open(ctx, cfg, logger, tp, "cicd-role", "aws")
	if err != nil {
		return err
	}
	s.target.GitHubOwner = c.GitHubOwner
	s.target.GitHubRepo = c.GitHubRepo

	m := iamrole.New(cmdexec.Exec{}, s.audit, cfg.Root, logger)
	role, err := m.CreateRole(ctx, c.RoleDir, s.target, c.Update)
	if err != nil {
		return err
	}
	logger.Info("CI/CD role is ready", zap.String("role", role.Name), zap.String("arn", role.Arn))

	if c.DryRun {
		logger.Info("dry run, deleting what was created")
		if err := m.Teardown(ctx, role); err != nil {
			return err
		}
		logger.Info("dry run completed")
	}
	return nil
}

type RoleDeleteCmd struct {
	AccountFlags
}

func (c *RoleDeleteCmd) Run(cfg *projcfg.Config, logger *zap.Logger, tp trace.TracerProvider) error {
	ctx := context.Background()
	s, err := c.open(ctx, cfg, logger, tp, "cicd-role", "aws")
	if err != nil {
		return err
	}
	m := iamrole.New(cmdexec.Exec{}, s.audit, cfg.Root, logger)
	return m.DeleteRole(ctx, s.target.RoleName())
}

type CdkBootstrapCmd struct {
	AccountFlags
	CdkRolesDir    string `name:"cdk-roles-dir" required:"" type:"existingdir" help:"Directory holding cfn-exec-role/managed policy templates."`
	TemplateOnly   bool   `name:"template-only" help:"Only write the bootstrap template."`
	UpdatePolicies bool   `name:"update-policies" help:"Push a new default version to execution policies that already exist."`
	DryRun         bool   `name:"dry-run" help:"Destroy everything again after bootstrapping."`
}

func (c *CdkBootstrapCmd) Run(cfg *projcfg.Config, logger *zap.Logger, tp trace.TracerProvider) error {
	ctx := context.Background()
	s, err := c.open(ctx, cfg, logger, tp, "bootstrap", "aws", "cdk")
	if err != nil {
		return err
	}
	b := newBootstrapper(cfg, logger, s)

	res, err := b.Bootstrap(ctx, s.target, cdkboot.BootstrapOptions{
		RolesDir:       c.CdkRolesDir,
		TemplateOnly:   c.TemplateOnly,
		UpdatePolicies: c.UpdatePolicies,
		DryRun:         c.DryRun,
	})
	if err != nil {
		return err
	}
	logger.Info("bootstrap finished",
		zap.String("stack", res.StackName),
		zap.String("qualifier", res.Qualifier),
		zap.String("output", res.LogPath))
	return nil
}

type CdkDestroyCmd struct {
	AccountFlags
	CdkRolesDir    string `name:"cdk-roles-dir" type:"existingdir" help:"Directory holding cfn-exec-role/managed policy templates."`
	DeletePolicies bool   `name:"delete-policies" help:"Also delete the execution policies."`
}

func (c *CdkDestroyCmd) Run(cfg *projcfg.Config, logger *zap.Logger, tp trace.TracerProvider) error {
	if c.DeletePolicies && c.CdkRolesDir == "" {
		return errors.New("--delete-policies needs --cdk-roles-dir")
	}
	ctx := context.Background()
	s, err := c.open(ctx, cfg, logger, tp, "bootstrap", "aws")
	if err != nil {
		return err
	}
	return newBootstrapper(cfg, logger, s).Destroy(ctx, s.target, cdkboot.DestroyOptions{
		RolesDir:       c.CdkRolesDir,
		DeletePolicies: c.DeletePolicies,
	})
}

func newBootstrapper(cfg *projcfg.Config, logger *zap.Logger, s *session) *cdkboot.Bootstrapper {
	roles := iamrole.New(cmdexec.Exec{}, s.audit, cfg.Root, logger)
	return cdkboot.New(cmdexec.Exec{}, roles, awsclient.NewS3(s.aws), cfg.Root, cfg.DistDir(),
		cdkboot.WithLogger(logger),
		cdkboot.WithAudit(s.audit),
	)
}
