// Package cdkboot bootstraps and destroys the per-environment CDK toolkit
// stack. The stack is qualified by app and environment so several apps can
// share an account.
package cdkboot

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/basewarphq/deploygate/cmd/internal/audit"
	"github.com/basewarphq/deploygate/cmd/internal/cmdexec"
	"github.com/basewarphq/deploygate/cmd/internal/iamrole"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const (
	appIDWidth     = 6
	qualifierPad   = "x"
	execRole       = "cfn-exec-role"
	policyPrefix   = "cdk"
	logTimeLayout  = "2006-01-02_15-04-05"
	defaultPoll    = 5 * time.Second
	defaultTimeout = 30 * time.Minute
)

// ErrAlreadyBootstrapped is returned when the toolkit stack already exists.
var ErrAlreadyBootstrapped = errors.New("CDK has already been bootstrapped")

// Qualifier is the 9 character bootstrap qualifier: the app id padded to 6
// characters followed by the 3 character environment id.
func Qualifier(t iamrole.Target) string {
	appID := t.AppID
	if len(appID) < appIDWidth {
		appID += strings.Repeat(qualifierPad, appIDWidth-len(appID))
	}
	return strings.ToLower(appID + t.EnvID)
}

// StackName is the toolkit stack name, CDKToolkit-<appId>-<envName>.
func StackName(t iamrole.Target) string {
	return "CDKToolkit-" + t.AppID + "-" + t.EnvName
}

// AssetsBucket is the bucket the toolkit stack creates for file assets.
func AssetsBucket(t iamrole.Target) string {
	return "cdk-" + Qualifier(t) + "-assets-" + t.AccountID + "-" + t.Region
}

func policyNaming(t iamrole.Target) iamrole.Naming {
	return iamrole.Naming{Prefix: policyPrefix, Suffix: "-" + t.AppID + t.EnvID}
}

// BucketAPI is the part of the S3 client used to empty and delete the assets
// bucket.
type BucketAPI interface {
	ListObjectVersions(ctx context.Context, params *s3.ListObjectVersionsInput, optFns ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
}

type Bootstrapper struct {
	runner  cmdexec.Runner
	roles   *iamrole.Manager
	buckets BucketAPI
	audit   *audit.Recorder
	logger  *zap.Logger

	dir     string
	distDir string
	now     func() time.Time
	poll    time.Duration
	timeout time.Duration
}

type Option func(*Bootstrapper)

func WithLogger(logger *zap.Logger) Option {
	return func(b *Bootstrapper) { b.logger = logger }
}

func WithAudit(rec *audit.Recorder) Option {
	return func(b *Bootstrapper) { b.audit = rec }
}

// WithPolling sets how often and for how long stack deletion is polled.
func WithPolling(interval, timeout time.Duration) Option {
	return func(b *Bootstrapper) {
		b.poll = interval
		b.timeout = timeout
	}
}

// WithNow sets the clock used to timestamp log files.
func WithNow(now func() time.Time) Option {
	return func(b *Bootstrapper) { b.now = now }
}

// New returns a Bootstrapper that runs commands from dir and writes logs
// under distDir/bootstrap.
func New(runner cmdexec.Runner, roles *iamrole.Manager, buckets BucketAPI, dir, distDir string, opts ...Option) *Bootstrapper {
	b := &Bootstrapper{
		runner:  runner,
		roles:   roles,
		buckets: buckets,
		logger:  zap.NewNop(),
		dir:     dir,
		distDir: distDir,
		now:     time.Now,
		poll:    defaultPoll,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type BootstrapOptions struct {
	// RolesDir holds cfn-exec-role/managed/*.json, the execution policies.
	RolesDir string
	// TemplateOnly writes the bootstrap template instead of deploying it.
	TemplateOnly   bool
	UpdatePolicies bool
	// DryRun destroys everything again after a successful bootstrap.
	DryRun bool
}

// Result describes a bootstrap run.
type Result struct {
	StackName string
	Qualifier string
	// LogPath holds the cdk output, or the template when TemplateOnly is set.
	LogPath  string
	Policies []iamrole.ManagedPolicy
}

// Bootstrap runs cdk bootstrap for t. Unless TemplateOnly is set it refuses
// to run when the toolkit stack exists and first ensures the execution
// policies.
func (b *Bootstrapper) Bootstrap(ctx context.Context, t iamrole.Target, opts BootstrapOptions) (*Result, error) {
	res := &Result{StackName: StackName(t), Qualifier: Qualifier(t)}

	if !opts.TemplateOnly {
		status, err := b.stackStatus(ctx, t)
		if err != nil {
			return nil, err
		}
		if status != "" {
			return nil, errors.Wrapf(ErrAlreadyBootstrapped,
				"stack %s with qualifier %s already exists", res.StackName, res.Qualifier)
		}

		policies, err := b.roles.EnsureManagedPolicies(ctx, execRole,
			filepath.Join(opts.RolesDir, execRole, "managed"), t, policyNaming(t), opts.UpdatePolicies)
		res.Policies = policies
		if err != nil {
			return res, err
		}
	}

	args := []string{
		"bootstrap", "aws://" + t.AccountID + "/" + t.Region,
		"--tags", "appId=" + t.AppID,
		"--tags", "environment=" + t.EnvID,
		"--toolkit-stack-name", res.StackName,
		"--qualifier", res.Qualifier,
	}
	if len(res.Policies) > 0 {
		arns := make([]string, 0, len(res.Policies))
		for _, p := range res.Policies {
			arns = append(arns, p.Arn)
		}
		args = append(args, "--cloudformation-execution-policies", strings.Join(arns, ","))
	}

	stamp := b.now().Format(logTimeLayout)
	res.LogPath = filepath.Join(b.distDir, "bootstrap", fmt.Sprintf("%s_%s.output.log", res.StackName, stamp))
	if opts.TemplateOnly {
		args = append(args, "--show-template")
		res.LogPath = filepath.Join(b.distDir, "bootstrap", fmt.Sprintf("template_%s.yml", stamp))
	}

	b.logger.Info("running cdk bootstrap", zap.String("stack", res.StackName), zap.String("log", res.LogPath))
	if err := b.runner.Tee(ctx, b.dir, res.LogPath, "cdk", args...); err != nil {
		return res, errors.Wrap(err, "cdk bootstrap")
	}

	if opts.TemplateOnly {
		if err := CheckTemplate(res.LogPath); err != nil {
			return res, err
		}
		b.logger.Info("wrote bootstrap template", zap.String("path", res.LogPath))
		return res, nil
	}
	b.logger.Info("bootstrapping CDK is completed", zap.String("stack", res.StackName))

	if opts.DryRun {
		b.logger.Info("dry run, destroying what was created")
		if err := b.Destroy(ctx, t, DestroyOptions{RolesDir: opts.RolesDir, Created: res.Policies}); err != nil {
			return res, errors.Wrap(err, "dry run teardown")
		}
	}
	return res, nil
}

type DestroyOptions struct {
	RolesDir string
	// DeletePolicies also deletes the execution policies named by the
	// templates under RolesDir.
	DeletePolicies bool
	// Created, when set, are reverted instead: policies created by this run
	// are deleted and updated ones get their previous version back.
	Created []iamrole.ManagedPolicy
}

// Destroy deletes the toolkit stack, waits until it is gone and deletes the
// assets bucket. A missing stack still has its bucket removed.
func (b *Bootstrapper) Destroy(ctx context.Context, t iamrole.Target, opts DestroyOptions) error {
	stack := StackName(t)
	status, err := b.stackStatus(ctx, t)
	if err != nil {
		return err
	}

	if status == "" {
		b.logger.Warn("stack does not exist, cannot be deleted", zap.String("stack", stack))
	} else {
		if _, err := b.cloudformation(ctx, t, "delete-stack", "--stack-name", stack); err != nil {
			return errors.Wrapf(err, "deleting stack %s", stack)
		}
		if err := b.save(ctx, "destroy", "Delete Stack", map[string]string{"StackName": stack}); err != nil {
			return err
		}
		if err := b.waitDeleted(ctx, t); err != nil {
			return err
		}
	}

	if err := b.deleteAssetsBucket(ctx, t); err != nil {
		return err
	}

	switch {
	case opts.Created != nil:
		return b.roles.RevertManagedPolicies(ctx, execRole, opts.Created)
	case opts.DeletePolicies:
		refs, err := iamrole.ManagedPolicyRefs(filepath.Join(opts.RolesDir, execRole, "managed"), t, policyNaming(t))
		if err != nil {
			return err
		}
		return b.roles.DeleteManagedPolicies(ctx, execRole, refs)
	}
	return nil
}

// stackStatus returns the toolkit stack's status, or "" when it does not
// exist.
func (b *Bootstrapper) stackStatus(ctx context.Context, t iamrole.Target) (string, error) {
	out, err := b.cloudformation(ctx, t, "describe-stacks", "--stack-name", StackName(t))
	if cmdexec.StderrContains(err, "does not exist") {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "describing stack %s", StackName(t))
	}

	var resp struct {
		Stacks []struct {
			StackStatus string `json:"StackStatus"`
		} `json:"Stacks"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		return "", errors.Wrapf(err, "parsing describe-stacks output for %s", StackName(t))
	}
	if len(resp.Stacks) == 0 {
		return "", nil
	}
	return resp.Stacks[0].StackStatus, nil
}

func (b *Bootstrapper) waitDeleted(ctx context.Context, t iamrole.Target) error {
	stack := StackName(t)
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	for {
		status, err := b.stackStatus(ctx, t)
		if err != nil {
			return err
		}
		switch {
		case status == "" || status == "DELETE_COMPLETE":
			b.logger.Info("stack deletion complete", zap.String("stack", stack))
			return nil
		case strings.HasSuffix(status, "FAILED"):
			return errors.Newf("stack %s deletion failed: %s", stack, status)
		}
		b.logger.Debug("waiting for stack deletion", zap.String("stack", stack), zap.String("status", status))

		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "waiting for stack %s to be deleted", stack)
		case <-time.After(b.poll):
		}
	}
}

func (b *Bootstrapper) deleteAssetsBucket(ctx context.Context, t iamrole.Target) error {
	bucket := AssetsBucket(t)
	deleted, err := b.emptyBucket(ctx, bucket)
	if err == nil {
		_, err = b.buckets.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)})
	}
	if isNoSuchBucket(err) {
		b.logger.Info("assets bucket does not exist", zap.String("bucket", bucket))
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "deleting assets bucket %s", bucket)
	}
	b.logger.Info("deleted assets bucket", zap.String("bucket", bucket), zap.Int("objects", deleted))
	return b.save(ctx, "bucket", "Delete Assets Bucket", map[string]any{"Bucket": bucket, "DeletedObjects": deleted})
}

// emptyBucket deletes every object version and delete marker in bucket.
func (b *Bootstrapper) emptyBucket(ctx context.Context, bucket string) (int, error) {
	var (
		deleted   int
		keyMarker *string
		verMarker *string
	)
	for {
		out, err := b.buckets.ListObjectVersions(ctx, &s3.ListObjectVersionsInput{
			Bucket:          aws.String(bucket),
			KeyMarker:       keyMarker,
			VersionIdMarker: verMarker,
		})
		if err != nil {
			return deleted, err
		}

		var ids []types.ObjectIdentifier
		for _, v := range out.Versions {
			ids = append(ids, types.ObjectIdentifier{Key: v.Key, VersionId: v.VersionId})
		}
		for _, m := range out.DeleteMarkers {
			ids = append(ids, types.ObjectIdentifier{Key: m.Key, VersionId: m.VersionId})
		}
		if len(ids) > 0 {
			res, err := b.buckets.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(bucket),
				Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
			})
			if err != nil {
				return deleted, err
			}
			if len(res.Errors) > 0 {
				e := res.Errors[0]
				return deleted, errors.Newf("deleting %s: %s", aws.ToString(e.Key), aws.ToString(e.Message))
			}
			deleted += len(ids)
		}

		if !aws.ToBool(out.IsTruncated) {
			return deleted, nil
		}
		keyMarker, verMarker = out.NextKeyMarker, out.NextVersionIdMarker
	}
}

func (b *Bootstrapper) cloudformation(ctx context.Context, t iamrole.Target, args ...string) (string, error) {
	args = append([]string{"cloudformation"}, args...)
	args = append(args, "--region", t.Region, "--no-cli-pager", "--output", "json")
	return b.runner.Output(ctx, b.dir, "aws", args...)
}

func (b *Bootstrapper) save(ctx context.Context, group, purpose string, data any) error {
	if b.audit == nil {
		return nil
	}
	_, err := b.audit.Save(ctx, group, purpose, data)
	return err
}

func isNoSuchBucket(err error) bool {
	if err == nil {
		return false
	}
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchBucket"
}
