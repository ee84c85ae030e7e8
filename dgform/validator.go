// Package dgform validates deployment request forms against the request
// context and extracts the facts a pipeline needs to act on them.
//
// A [Form] lists the sections it understands. [Validator.Validate] parses the
// issue body, settles the request or deployment type, runs the matching
// section validator for each top-level header in document order, applies the
// cross-section rules and finally reports every missing required section in a
// single failure. Validation is a pure function of the body, the context and
// the clock.
package dgform

import (
	"context"
	"strings"
	"time"

	"github.com/basewarphq/deploygate/dgmd"
	"github.com/basewarphq/deploygate/dgtime"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// Validator runs forms. It is immutable and safe for concurrent use.
type Validator struct {
	clock  *dgtime.Clock
	logger *zap.Logger
	tracer trace.Tracer
}

type Option func(*Validator)

func WithLogger(logger *zap.Logger) Option {
	return func(v *Validator) { v.logger = logger }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(v *Validator) { v.tracer = tracer }
}

func NewValidator(clock *dgtime.Clock, opts ...Option) *Validator {
	v := &Validator{
		clock:  clock,
		logger: zap.NewNop(),
		tracer: noop.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Form describes one kind of request form.
type Form struct {
	name string
	// expectedEnvironment is the environment name the Environment Details
	// section must select.
	expectedEnvironment string
	needsTestPlanType   bool
	sections            []*section

	discriminate func(r *run) error
	gate         func(r *run) error
	crossCheck   func(r *run) error
}

func (f *Form) Name() string { return f.name }

type section struct {
	name string
	// match lists normalized title substrings identifying the section.
	match    []string
	required func(r *run) bool
	validate func(r *run, h *dgmd.Header) error
}

func always(*run) bool { return true }
func never(*run) bool  { return false }

func (f *Form) sectionFor(title string) *section {
	norm := normalizeTitle(title)
	for _, s := range f.sections {
		for _, m := range s.match {
			if strings.Contains(norm, m) {
				return s
			}
		}
	}
	return nil
}

// run is the state of one validation.
type run struct {
	ctx   *RequestContext
	form  *Form
	root  *dgmd.Header
	loc   *time.Location
	now   time.Time
	facts *FactSet

	requestType    RequestType
	deploymentType DeploymentType
	present        map[string]bool

	scope     string
	uiVersion string
}

// Validate checks the issue body in rc against form. On rejection the error
// is a [*Failure] and the returned FactSet holds the facts extracted before
// the failure, so callers can still export the request type.
func (v *Validator) Validate(ctx context.Context, form *Form, rc RequestContext) (*FactSet, error) {
	ctx, span := v.tracer.Start(ctx, "dgform.Validate", trace.WithAttributes(
		attribute.String("form", form.name),
	))
	defer span.End()

	facts := NewFactSet()
	err := v.validate(ctx, span, form, &rc, facts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request rejected")
		v.logger.Debug("request rejected", zap.String("form", form.name), zap.Error(err))
		return facts, err
	}
	v.logger.Debug("request accepted", zap.String("form", form.name), zap.Int("facts", facts.Len()))
	return facts, nil
}

func (v *Validator) validate(ctx context.Context, span trace.Span, form *Form, rc *RequestContext, facts *FactSet) error {
	if err := rc.Validate(form); err != nil {
		return err
	}

	root, err := dgmd.ParseForm(rc.Issue.Body)
	if err != nil {
		return failf(KindParse, "%s", parseReason(err)).withCause(err)
	}
	if len(root.Contents) < 2 {
		return failf(KindParse, "request form didn't follow the template")
	}

	r := &run{
		ctx:     rc,
		form:    form,
		root:    root,
		loc:     v.clock.Location(),
		now:     v.clock.Now(),
		facts:   facts,
		present: map[string]bool{},
	}

	if err := form.discriminate(r); err != nil {
		return err
	}
	span.SetAttributes(
		attribute.String("request_type", string(r.requestType)),
		attribute.String("deployment_type", string(r.deploymentType)),
	)
	if form.gate != nil {
		if err := form.gate(r); err != nil {
			return err
		}
	}

	for _, h := range root.Headers() {
		s := form.sectionFor(h.Title)
		if s == nil {
			v.logger.Debug("ignoring unknown section", zap.String("title", h.Title))
			continue
		}
		if err := v.runSection(ctx, r, s, h); err != nil {
			return err
		}
		r.present[s.name] = true
	}

	if form.crossCheck != nil {
		if err := form.crossCheck(r); err != nil {
			return err
		}
	}

	var missing []string
	for _, s := range form.sections {
		if s.required(r) && !r.present[s.name] {
			missing = append(missing, s.name)
		}
	}
	if len(missing) > 0 {
		return failf(KindMissingSection, "missing sections: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (v *Validator) runSection(ctx context.Context, r *run, s *section, h *dgmd.Header) error {
	_, span := v.tracer.Start(ctx, "dgform.section", trace.WithAttributes(
		attribute.String("section", s.name),
	))
	defer span.End()

	v.logger.Debug("validating section", zap.String("section", s.name), zap.String("title", h.Title))
	err := s.validate(r, h)
	if err == nil {
		return nil
	}

	var f *Failure
	if errors.As(err, &f) && f.Section == "" {
		f.Section = s.name
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "section rejected")
	return err
}

func parseReason(err error) string {
	switch {
	case errors.Is(err, dgmd.ErrEmptyBody):
		return "request form body is empty"
	case errors.Is(err, dgmd.ErrNotFormFormat):
		return "request form is not in correct format. Please follow the template guidelines"
	default:
		return err.Error()
	}
}

// normalizeTitle lower-cases s, treats hyphens as spaces and collapses runs
// of whitespace.
func normalizeTitle(s string) string {
	s = strings.ToLower(strings.ReplaceAll(s, "-", " "))
	return strings.Join(strings.Fields(s), " ")
}

func titleHas(title, substr string) bool {
	return strings.Contains(normalizeTitle(title), normalizeTitle(substr))
}
