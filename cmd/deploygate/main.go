package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/basewarphq/deploygate/cmd/internal/logging"
	"github.com/basewarphq/deploygate/cmd/internal/projcfg"
	"github.com/basewarphq/deploygate/cmd/internal/tracing"
	"go.opentelemetry.io/otel/trace"
)

type App struct {
	Request struct {
		Validate RequestValidateCmd `cmd:"" help:"Validate a test plan environment request form."`
	} `cmd:"" help:"Test plan environment request commands."`
	Deploy struct {
		Validate DeployValidateCmd `cmd:"" help:"Validate a production deployment request form."`
	} `cmd:"" help:"Production deployment request commands."`
	Iam struct {
		Role struct {
			Create RoleCreateCmd `cmd:"" help:"Create the CI/CD role and its policies."`
			Delete RoleDeleteCmd `cmd:"" help:"Delete the CI/CD role."`
		} `cmd:"" help:"CI/CD role commands."`
	} `cmd:"" name:"iam" help:"IAM commands."`
	Cdk struct {
		Bootstrap CdkBootstrapCmd `cmd:"" help:"Bootstrap CDK for an environment."`
		Destroy   CdkDestroyCmd   `cmd:"" help:"Destroy the CDK bootstrap stack of an environment."`
	} `cmd:"" help:"CDK commands."`
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := projcfg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.Env.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	tp, shutdown, err := tracing.New(cfg.Env.OtelExporter, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() { _ = shutdown(context.Background()) }()

	var app App
	ctx := kong.Parse(&app,
		kong.Name("deploygate"),
		kong.Description("Deployment request validation and CI/CD environment tooling."),
		kong.Bind(cfg),
		kong.Bind(logger),
		kong.BindTo(tp, (*trace.TracerProvider)(nil)),
	)
	if err := ctx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
