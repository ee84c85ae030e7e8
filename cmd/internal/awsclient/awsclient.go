// Package awsclient loads AWS SDK configuration for the CLI commands that talk
// to AWS directly.
package awsclient

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.opentelemetry.io/otel/trace"
)

const configTimeout = 10 * time.Second

// LoadConfig loads the default SDK configuration for region and instruments
// it with tp.
func LoadConfig(ctx context.Context, region string, tp trace.TracerProvider) (aws.Config, error) {
	ctx, cancel := context.WithTimeout(ctx, configTimeout)
	defer cancel()

	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, errors.Wrap(err, "loading AWS config")
	}
	otelaws.AppendMiddlewares(&cfg.APIOptions, otelaws.WithTracerProvider(tp))
	return cfg, nil
}

func NewS3(cfg aws.Config) *s3.Client {
	return s3.NewFromConfig(cfg)
}

// CallerIdentityAPI is the part of the STS client [AccountID] uses.
type CallerIdentityAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// AccountID returns the account of the current credentials.
func AccountID(ctx context.Context, api CallerIdentityAPI) (string, error) {
	out, err := api.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", errors.Wrap(err, "getting caller identity")
	}
	account := aws.ToString(out.Account)
	if account == "" {
		return "", errors.New("caller identity has no account")
	}
	return account, nil
}

// ResolveAccount returns explicit when set, otherwise the caller's account.
func ResolveAccount(ctx context.Context, explicit string, cfg aws.Config) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	return AccountID(ctx, sts.NewFromConfig(cfg))
}
