// Package rules provides the condition/action rule engine. Rule definitions
// are compiled into an immutable Catalog snapshot (typed operands, CEL
// programs for EXPRESSION conditions) that evaluations read without locking.
package rules

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Trigger is one rule that matched a transaction.
type Trigger struct {
	Name    string
	Reason  string
	Actions []domain.Action
}

// Result is the outcome of evaluating the catalog against one transaction.
type Result struct {
	// Triggered is in evaluation order.
	Triggered []Trigger

	// Executed counts rules evaluated, including non-matching ones.
	Executed int

	Block       bool
	Review      bool
	SARRequired bool
	CTRRequired bool
}

// Reasons returns the reason of each triggered rule in order.
func (r *Result) Reasons() []string {
	out := make([]string, 0, len(r.Triggered))
	for _, t := range r.Triggered {
		out = append(out, t.Reason)
	}
	return out
}

// Names returns the name of each triggered rule in order.
func (r *Result) Names() []string {
	out := make([]string, 0, len(r.Triggered))
	for _, t := range r.Triggered {
		out = append(out, t.Name)
	}
	return out
}

// ConfigErrorRecorder observes rule configuration errors.
type ConfigErrorRecorder interface {
	RuleConfigError(rule string)
}

// Engine evaluates transactions against the current catalog snapshot and
// refreshes the snapshot from a catalog reader once it is older than the
// refresh interval.
type Engine struct {
	env      *cel.Env
	reader   domain.RuleCatalogReader
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
	recorder ConfigErrorRecorder

	snapshot  atomic.Pointer[Catalog]
	refreshMu sync.Mutex
}

// NewEngine creates a rule engine. A zero refresh interval means the
// snapshot is only rebuilt by Reload.
func NewEngine(reader domain.RuleCatalogReader, refreshInterval time.Duration) (*Engine, error) {
	env, err := newEnv()
	if err != nil {
		return nil, err
	}
	return &Engine{
		env:      env,
		reader:   reader,
		interval: refreshInterval,
		now:      time.Now,
		logger:   slog.Default(),
	}, nil
}

// SetLogger sets the logger used for configuration errors.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// SetClock replaces the wall clock used for snapshot staleness.
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// SetRecorder registers a configuration error observer.
func (e *Engine) SetRecorder(r ConfigErrorRecorder) {
	e.recorder = r
}

// Load installs a snapshot built from the given definitions, bypassing the reader.
func (e *Engine) Load(defs []*domain.RuleDefinition) *Catalog {
	cat := e.build(defs)
	e.snapshot.Store(cat)
	return cat
}

// Reload rebuilds the snapshot from the reader.
func (e *Engine) Reload(ctx context.Context) (*Catalog, error) {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()
	return e.reloadLocked(ctx)
}

func (e *Engine) reloadLocked(ctx context.Context) (*Catalog, error) {
	if e.reader == nil {
		return nil, domain.ConfigurationError("rules.reload", errors.New("no rule catalog reader configured"))
	}
	defs, err := e.reader.ListRuleDefinitions(ctx)
	if err != nil {
		return nil, domain.DependencyUnavailable("rules.reload", err)
	}
	cat := e.build(defs)
	e.snapshot.Store(cat)
	e.logger.Info("rule catalog loaded", "rules", cat.Len(), "config_errors", cat.ConfigErrors())
	return cat, nil
}

func (e *Engine) build(defs []*domain.RuleDefinition) *Catalog {
	var onErr func(string)
	if e.recorder != nil {
		onErr = e.recorder.RuleConfigError
	}
	return buildCatalog(e.env, defs, e.now(), e.logger, onErr)
}

// Snapshot returns the current catalog, refreshing it first when stale.
func (e *Engine) Snapshot(ctx context.Context) (*Catalog, error) {
	cat := e.snapshot.Load()
	if cat != nil && !e.stale(cat) {
		return cat, nil
	}
	if e.reader == nil {
		if cat == nil {
			cat = e.Load(nil)
		}
		return cat, nil
	}

	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	// Another caller may have refreshed while we waited.
	if cur := e.snapshot.Load(); cur != nil && !e.stale(cur) {
		return cur, nil
	}
	return e.reloadLocked(ctx)
}

func (e *Engine) stale(cat *Catalog) bool {
	if e.interval <= 0 {
		return false
	}
	return e.now().Sub(cat.BuiltAt()) >= e.interval
}

// Evaluate runs every enabled rule against the transaction. It is a pure
// function of its inputs and the snapshot; only a snapshot refresh failure
// is returned as an error.
func (e *Engine) Evaluate(ctx context.Context, tx *domain.Transaction, entity *domain.EntityContext) (*Result, error) {
	cat, err := e.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return cat.Evaluate(tx, entity), nil
}

// Evaluate runs the snapshot against one transaction.
func (c *Catalog) Evaluate(tx *domain.Transaction, entity *domain.EntityContext) *Result {
	res := &Result{}
	if tx == nil {
		return res
	}
	in := &input{tx: tx, entity: entity}

	for _, r := range c.rules {
		res.Executed++
		if r.Err != nil || !r.matches(in) {
			continue
		}

		reason := r.Def.Reason
		if reason == "" {
			reason = r.Def.Name
		}
		res.Triggered = append(res.Triggered, Trigger{
			Name:    r.Def.Name,
			Reason:  reason,
			Actions: r.Def.Actions,
		})

		switch r.class {
		case classBlock:
			res.Block = true
		case classReview:
			res.Review = true
		}
		if r.sar {
			res.SARRequired = true
		}
		if r.ctr {
			res.CTRRequired = true
		}
	}
	return res
}

func (r *CompiledRule) matches(in *input) bool {
	for i := range r.conds {
		if !r.conds[i].match(in) {
			return false
		}
	}
	return true
}

// Validate compiles a definition without touching the loaded snapshot.
func (e *Engine) Validate(def *domain.RuleDefinition) error {
	if def == nil {
		return domain.InvalidInput("rules.validate", "rule definition is required")
	}
	return compileRule(e.env, def).Err
}

// RulesCount returns the number of enabled rules in the current snapshot.
func (e *Engine) RulesCount() int {
	cat := e.snapshot.Load()
	if cat == nil {
		return 0
	}
	return cat.Len()
}

// Definitions returns the definitions of the current snapshot in evaluation order.
func (e *Engine) Definitions() []*domain.RuleDefinition {
	cat := e.snapshot.Load()
	if cat == nil {
		return nil
	}
	out := make([]*domain.RuleDefinition, 0, cat.Len())
	for _, r := range cat.rules {
		out = append(out, r.Def)
	}
	return out
}
