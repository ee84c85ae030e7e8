package main

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/basewarphq/deploygate/cmd/internal/ghout"
	"github.com/basewarphq/deploygate/cmd/internal/issuectx"
	"github.com/basewarphq/deploygate/cmd/internal/projcfg"
	"github.com/basewarphq/deploygate/dgform"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type RequestValidateCmd struct {
	IssueDetails  string `name:"issue-details" required:"" help:"Issue JSON, inline or a file path."`
	BranchDetails string `name:"branch-details" help:"Branch JSON, inline or a file path."`
	TestPlanType  string `name:"testplan-type" required:"" help:"Test plan label, e.g. regression."`
	RequestType   string `name:"request-type" help:"Force the request type (provision or deprovision) instead of reading it from the form."`
}

func (c *RequestValidateCmd) Run(cfg *projcfg.Config, logger *zap.Logger, tp trace.TracerProvider) error {
	rc, err := loadContext(c.IssueDetails, c.BranchDetails)
	if err != nil {
		return err
	}
	rc.TestPlanType = c.TestPlanType
	rc.RequestType = dgform.RequestType(c.RequestType)

	return validateAndExport(cfg, logger, tp, dgform.TestPlanForm(), rc, os.Stdout)
}

type DeployValidateCmd struct {
	IssueDetails   string `name:"issue-details" required:"" help:"Issue JSON, inline or a file path."`
	BranchDetails  string `name:"branch-details" help:"Branch JSON, inline or a file path."`
	DeploymentType string `name:"deployment-type" help:"Expected deployment type, release or rollback."`
}

func (c *DeployValidateCmd) Run(cfg *projcfg.Config, logger *zap.Logger, tp trace.TracerProvider) error {
	rc, err := loadContext(c.IssueDetails, c.BranchDetails)
	if err != nil {
		return err
	}
	rc.DeploymentType = dgform.DeploymentType(c.DeploymentType)

	return validateAndExport(cfg, logger, tp, dgform.ProductionForm(), rc, os.Stdout)
}

func loadContext(issueArg, branchArg string) (dgform.RequestContext, error) {
	issue, err := issuectx.LoadIssue(issueArg)
	if err != nil {
		return dgform.RequestContext{}, err
	}
	branch, err := issuectx.LoadBranch(branchArg)
	if err != nil {
		return dgform.RequestContext{}, err
	}
	return dgform.RequestContext{Issue: issue, Branch: branch}, nil
}

// validateAndExport validates the request and exports whatever facts were
// collected, even when the request is rejected.
func validateAndExport(
	cfg *projcfg.Config, logger *zap.Logger, tp trace.TracerProvider,
	form *dgform.Form, rc dgform.RequestContext, stdout io.Writer,
) error {
	clock, err := cfg.Clock()
	if err != nil {
		return err
	}
	v := dgform.NewValidator(clock,
		dgform.WithLogger(logger),
		dgform.WithTracer(tp.Tracer("deploygate")),
	)

	facts, verr := v.Validate(context.Background(), form, rc)
	if facts != nil && facts.Len() > 0 {
		if err := ghout.Export(cfg.OutputPath(), facts); err != nil {
			return errors.CombineErrors(verr, err)
		}
		if err := printFacts(stdout, facts); err != nil {
			return errors.CombineErrors(verr, err)
		}
	}
	if verr != nil {
		logger.Debug("request rejected", zap.String("form", form.Name()), zap.Error(verr))
		return verr
	}
	logger.Info("request is valid", zap.String("form", form.Name()), zap.Int("facts", facts.Len()))
	return nil
}

// printFacts writes facts as a YAML mapping in insertion order. Multi-line
// values use the literal block style.
func printFacts(w io.Writer, facts *dgform.FactSet) error {
	doc := &yaml.Node{Kind: yaml.MappingNode}
	for _, key := range facts.Keys() {
		value, _ := facts.Get(key)
		val := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
		if strings.Contains(value, "\n") {
			val.Style = yaml.LiteralStyle
		}
		doc.Content = append(doc.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: key},
			val,
		)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return errors.Wrap(err, "printing facts")
	}
	return enc.Close()
}
