// Package decision merges rule, velocity and link signals into one
// actionable decision with regulatory flags.
package decision

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

// Reason prefixes and fixed reasons.
const (
	ReasonHighVelocity  = "HIGH_VELOCITY"
	ReasonLinkedBlocked = "LINKED_BLOCKED_ENTITY"
	ReasonCTRThreshold  = "CTR_THRESHOLD"
	ReasonPatternCase   = "OPEN_PATTERN_CASE"
)

// RuleEvaluator evaluates the rule catalog.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, tx *domain.Transaction, entity *domain.EntityContext) (*rules.Result, error)
}

// VelocityTracker projects and records per-entity window aggregates.
type VelocityTracker interface {
	Project(entityID string, tx *domain.Transaction) velocity.Aggregates
	Record(entityID string, tx *domain.Transaction) velocity.Aggregates
}

// LinkAnalyzer finds links to blocked entities.
type LinkAnalyzer interface {
	Analyze(ctx context.Context, tx *domain.Transaction, entity *domain.EntityContext) ([]domain.LinkResult, error)
}

// Dependencies are the collaborators of an Orchestrator. Ledger and Signal
// are optional.
type Dependencies struct {
	Rules         RuleEvaluator
	Velocity      VelocityTracker
	VelocityRules domain.VelocityRuleReader
	Links         LinkAnalyzer
	Ledger        domain.DetectionLedger
	Signal        domain.ExternalSignal
}

// Orchestrator produces decisions.
type Orchestrator struct {
	deps    Dependencies
	cfg     domain.DecisionConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(deps Dependencies, cfg domain.DecisionConfig) *Orchestrator {
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		logger: slog.Default(),
		tracer: otel.Tracer("kestrel/decision"),
		now:    time.Now,
	}
}

// SetMetrics registers the metrics sink.
func (o *Orchestrator) SetMetrics(m *metrics.Metrics) {
	o.metrics = m
}

// SetLogger sets the logger.
func (o *Orchestrator) SetLogger(logger *slog.Logger) {
	if logger != nil {
		o.logger = logger
	}
}

// SetClock replaces the clock used for evaluation timestamps and the
// pattern case lookback.
func (o *Orchestrator) SetClock(now func() time.Time) {
	if now != nil {
		o.now = now
	}
}

// signals is what the concurrent stages produce.
type signals struct {
	rules       *rules.Result
	breaches    []domain.VelocityBreach
	links       []domain.LinkResult
	patternCase bool
	external    *domain.Signal
}

// Decide evaluates one transaction. A collaborator failure is returned as
// DEPENDENCY_UNAVAILABLE; no decision is produced in that case.
func (o *Orchestrator) Decide(ctx context.Context, tx *domain.Transaction, entity *domain.EntityContext) (*domain.Decision, error) {
	start := time.Now()

	ctx, span := o.tracer.Start(ctx, "decision.Decide")
	defer span.End()

	if err := validate(tx, entity); err != nil {
		o.fail(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("tx_id", tx.ID),
		attribute.String("entity_id", entity.ID),
		attribute.Int64("amount_cents", tx.AmountCents),
	)

	sig, err := o.gather(ctx, tx, entity)
	if err != nil {
		o.fail(span, err)
		o.logger.Warn("decision failed",
			"tx_id", tx.ID,
			"entity_id", entity.ID,
			"error", err,
		)
		return nil, err
	}

	// Counters move only for transactions that received a decision, so a
	// failed call retried by the caller is counted once.
	if o.deps.Velocity != nil {
		o.deps.Velocity.Record(entity.ID, tx)
	}

	d := o.merge(tx, entity, sig)
	d.Latency = time.Since(start)
	if sc := span.SpanContext(); sc.HasTraceID() {
		d.TraceID = sc.TraceID().String()
	}

	span.SetAttributes(
		attribute.String("outcome", string(d.Outcome)),
		attribute.Int("rules_executed", d.RulesExecuted),
	)
	o.metrics.ObserveDecision(d)

	o.logger.Debug("decision made",
		"tx_id", d.TxID,
		"decision_id", d.ID,
		"outcome", d.Outcome,
		"reasons", len(d.Reasons),
		"sar_required", d.SARRequired,
		"ctr_required", d.CTRRequired,
		"latency_ms", d.Latency.Milliseconds(),
	)
	return d, nil
}

func (o *Orchestrator) fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	o.metrics.DecisionFailed(domain.KindOf(err))
}

func validate(tx *domain.Transaction, entity *domain.EntityContext) error {
	const op = "decision.decide"
	switch {
	case tx == nil:
		return domain.InvalidInput(op, "transaction is required")
	case tx.ID == "":
		return domain.InvalidInput(op, "transaction id is required")
	case tx.AmountCents <= 0:
		return domain.InvalidInput(op, "amount must be positive", "tx_id", tx.ID)
	case entity == nil:
		return domain.InvalidInput(op, "entity context is required", "tx_id", tx.ID)
	case entity.ID == "":
		return domain.InvalidInput(op, "entity id is required", "tx_id", tx.ID)
	}
	return nil
}

// gather runs the independent stages concurrently.
func (o *Orchestrator) gather(ctx context.Context, tx *domain.Transaction, entity *domain.EntityContext) (*signals, error) {
	sig := &signals{}
	g, gctx := errgroup.WithContext(ctx)

	if o.deps.Rules != nil {
		g.Go(func() error {
			res, err := o.deps.Rules.Evaluate(gctx, tx, entity)
			if err != nil {
				return asDependency("decision.rules", err)
			}
			sig.rules = res
			return nil
		})
	}

	if o.deps.Velocity != nil {
		g.Go(func() error {
			breaches, err := o.velocity(gctx, tx, entity)
			if err != nil {
				return err
			}
			sig.breaches = breaches
			return nil
		})
	}

	if o.deps.Links != nil {
		g.Go(func() error {
			links, err := o.deps.Links.Analyze(gctx, tx, entity)
			if err != nil {
				return asDependency("decision.links", err)
			}
			sig.links = links
			return nil
		})
	}

	if o.deps.Ledger != nil && o.cfg.PatternCaseLookback > 0 {
		g.Go(func() error {
			since := o.now().Add(-o.cfg.PatternCaseLookback)
			open, err := o.deps.Ledger.HasDetectionSince(gctx, entity.ID, since)
			if err != nil {
				return domain.DependencyUnavailable("decision.ledger", err, "entity_id", entity.ID)
			}
			sig.patternCase = open
			return nil
		})
	}

	if o.deps.Signal != nil {
		g.Go(func() error {
			s, err := o.deps.Signal.Evaluate(gctx, tx, entity)
			if err != nil {
				return domain.DependencyUnavailable("decision.signal", err, "tx_id", tx.ID)
			}
			sig.external = s
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if sig.rules == nil {
		sig.rules = &rules.Result{}
	}
	return sig, nil
}

func (o *Orchestrator) velocity(ctx context.Context, tx *domain.Transaction, entity *domain.EntityContext) ([]domain.VelocityBreach, error) {
	var defs []*domain.VelocityRule
	if o.deps.VelocityRules != nil {
		var err error
		defs, err = o.deps.VelocityRules.ListVelocityRules(ctx)
		if err != nil {
			return nil, domain.DependencyUnavailable("decision.velocity_rules", err)
		}
	}

	agg := o.deps.Velocity.Project(entity.ID, tx)

	var breaches []domain.VelocityBreach
	for _, rule := range defs {
		if rule == nil || !rule.IsActive() {
			continue
		}
		cw, tracked := agg[rule.Window]
		if !tracked {
			continue
		}
		if b, ok := velocity.Breach(rule, cw); ok {
			breaches = append(breaches, b)
		}
	}
	return breaches, nil
}

// asDependency keeps typed errors and wraps anything else as a dependency failure.
func asDependency(op string, err error) error {
	if domain.KindOf(err) != "" {
		return err
	}
	return domain.DependencyUnavailable(op, err)
}

// merge applies the decision policy. Reasons follow a fixed precedence:
// rules, velocity, links, CTR threshold, pattern case, external signal.
func (o *Orchestrator) merge(tx *domain.Transaction, entity *domain.EntityContext, sig *signals) *domain.Decision {
	d := &domain.Decision{
		ID:            uuid.New().String(),
		TxID:          tx.ID,
		EntityID:      entity.ID,
		EvaluatedAt:   o.now().UTC(),
		Reasons:       []string{},
		TriggeredBy:   []string{},
		RulesExecuted: sig.rules.Executed,
	}

	block := sig.rules.Block
	review := sig.rules.Review
	sar := sig.rules.SARRequired
	ctr := sig.rules.CTRRequired

	d.Reasons = append(d.Reasons, sig.rules.Reasons()...)
	d.TriggeredBy = append(d.TriggeredBy, sig.rules.Names()...)

	for _, b := range sig.breaches {
		d.Reasons = append(d.Reasons, ReasonHighVelocity+":"+b.Rule)
		d.TriggeredBy = append(d.TriggeredBy, b.Rule)
		review = true
		if b.RiskLevel == domain.RiskCritical {
			sar = true
		}
	}
	d.VelocityBreaches = sig.breaches

	for _, l := range sig.links {
		d.Reasons = append(d.Reasons, ReasonLinkedBlocked+":"+l.MatchedEntity)
		block = true
	}
	d.LinkedEntities = sig.links

	if o.cfg.CTRThresholdCents > 0 && tx.AmountCents >= o.cfg.CTRThresholdCents {
		d.Reasons = append(d.Reasons, ReasonCTRThreshold)
		ctr = true
	}

	if sig.patternCase {
		d.Reasons = append(d.Reasons, ReasonPatternCase)
		sar = true
	}

	if s := sig.external; s != nil {
		if s.Reason != "" {
			d.Reasons = append(d.Reasons, s.Reason)
		}
		if s.Escalate {
			review = true
		}
	}

	switch {
	case block:
		d.Outcome = domain.OutcomeBlock
	case review:
		d.Outcome = domain.OutcomeReview
	default:
		d.Outcome = domain.OutcomeAllow
	}
	d.SARRequired = sar
	d.CTRRequired = ctr
	return d
}
