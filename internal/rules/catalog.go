package rules

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// actionClass is the strongest outcome a triggered rule asks for.
type actionClass int

const (
	classNone actionClass = iota
	classReview
	classBlock
)

// CompiledRule is a rule definition with every condition parsed to typed
// operands. A rule with a configuration error keeps Err set and never matches.
type CompiledRule struct {
	Def *domain.RuleDefinition
	Err error

	conds []compiledCondition
	class actionClass
	sar   bool
	ctr   bool
}

type compiledCondition struct {
	field   domain.Field
	op      domain.Operator
	numeric bool
	num     decimal.Decimal
	str     string
	nums    []decimal.Decimal
	strs    map[string]struct{}
	prog    cel.Program
}

// Catalog is an immutable, compiled snapshot of the rule set. Enabled rules
// are held in evaluation order: priority descending, declaration order on ties.
type Catalog struct {
	rules        []*CompiledRule
	builtAt      time.Time
	configErrors int
}

// Rules returns the compiled rules in evaluation order.
func (c *Catalog) Rules() []*CompiledRule {
	return c.rules
}

// Len returns the number of enabled rules in the snapshot.
func (c *Catalog) Len() int {
	return len(c.rules)
}

// BuiltAt returns when the snapshot was compiled.
func (c *Catalog) BuiltAt() time.Time {
	return c.builtAt
}

// ConfigErrors returns how many rules failed to compile.
func (c *Catalog) ConfigErrors() int {
	return c.configErrors
}

var numericFields = map[domain.Field]bool{
	domain.FieldAmount:      true,
	domain.FieldAmountCents: true,
}

var stringFields = map[domain.Field]bool{
	domain.FieldCurrency:          true,
	domain.FieldCountryCode:       true,
	domain.FieldDeviceFingerprint: true,
	domain.FieldIPAddress:         true,
	domain.FieldMerchantID:        true,
	domain.FieldTransactionURL:    true,
	domain.FieldDirection:         true,
	domain.FieldEntityID:          true,
	domain.FieldEntityStatus:      true,
	domain.FieldEntityWebsite:     true,
	domain.FieldEntityRiskLevel:   true,
}

// buildCatalog compiles definitions into a snapshot. Malformed rules are
// logged once here and kept as never-matching entries.
func buildCatalog(env *cel.Env, defs []*domain.RuleDefinition, now time.Time, logger *slog.Logger, onConfigError func(string)) *Catalog {
	cat := &Catalog{builtAt: now}
	seen := make(map[string]bool, len(defs))

	for _, def := range defs {
		if def == nil {
			continue
		}
		if seen[def.Name] {
			cat.configErrors++
			logger.Warn("duplicate rule name ignored", "rule", def.Name)
			if onConfigError != nil {
				onConfigError(def.Name)
			}
			continue
		}
		seen[def.Name] = true

		if !def.Enabled {
			continue
		}

		cr := compileRule(env, def)
		if cr.Err != nil {
			cat.configErrors++
			logger.Warn("rule configuration error", "rule", def.Name, "error", cr.Err)
			if onConfigError != nil {
				onConfigError(def.Name)
			}
		}
		cat.rules = append(cat.rules, cr)
	}

	sort.SliceStable(cat.rules, func(i, j int) bool {
		return cat.rules[i].Def.Priority > cat.rules[j].Def.Priority
	})

	return cat
}

// compileRule parses a definition. It never returns nil; problems are
// reported through CompiledRule.Err.
func compileRule(env *cel.Env, def *domain.RuleDefinition) *CompiledRule {
	cr := &CompiledRule{Def: def}

	if strings.TrimSpace(def.Name) == "" {
		cr.Err = domain.ConfigurationError("rules.compile", errors.New("rule name is required"))
		return cr
	}
	if len(def.Conditions) == 0 {
		cr.Err = domain.ConfigurationError("rules.compile", errors.New("rule has no conditions"), "rule", def.Name)
		return cr
	}

	for i, c := range def.Conditions {
		cc, err := compileCondition(env, c)
		if err != nil {
			cr.Err = domain.ConfigurationError("rules.compile",
				fmt.Errorf("condition %d: %w", i, err), "rule", def.Name)
			return cr
		}
		cr.conds = append(cr.conds, cc)
	}

	// A rule with no actions still flags the transaction for review.
	if len(def.Actions) == 0 {
		cr.class = classReview
	}
	for _, a := range def.Actions {
		switch a.Type {
		case domain.ActionBlockTransaction:
			cr.class = classBlock
		case domain.ActionFlagCase, domain.ActionHold, domain.ActionReview:
			if cr.class < classReview {
				cr.class = classReview
			}
		case domain.ActionFileSAR:
			cr.sar = true
		case domain.ActionFileCTR:
			cr.ctr = true
		case domain.ActionAlert:
		default:
			cr.Err = domain.ConfigurationError("rules.compile",
				fmt.Errorf("unknown action %q", a.Type), "rule", def.Name)
			return cr
		}
	}

	return cr
}

func compileCondition(env *cel.Env, c domain.Condition) (compiledCondition, error) {
	cc := compiledCondition{field: c.Field, op: c.Operator}

	if c.Operator == domain.OpExpression {
		ast, issues := env.Compile(c.Value)
		if issues != nil && issues.Err() != nil {
			return cc, fmt.Errorf("compile expression: %w", issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return cc, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
		}
		prog, err := env.Program(ast)
		if err != nil {
			return cc, fmt.Errorf("create program: %w", err)
		}
		cc.prog = prog
		return cc, nil
	}

	switch {
	case numericFields[c.Field]:
		cc.numeric = true
	case stringFields[c.Field]:
	default:
		return cc, fmt.Errorf("unknown field %q", c.Field)
	}

	switch c.Operator {
	case domain.OpEquals, domain.OpGreaterThan, domain.OpLessThan:
		if !cc.numeric {
			if c.Operator != domain.OpEquals {
				return cc, fmt.Errorf("operator %s requires a numeric field, got %q", c.Operator, c.Field)
			}
			cc.str = c.Value
			return cc, nil
		}
		d, err := decimal.NewFromString(strings.TrimSpace(c.Value))
		if err != nil {
			return cc, fmt.Errorf("value %q for %s is not a number: %w", c.Value, c.Field, err)
		}
		cc.num = d

	case domain.OpContains:
		if cc.numeric {
			return cc, fmt.Errorf("operator CONTAINS requires a string field, got %q", c.Field)
		}
		if c.Value == "" {
			return cc, errors.New("CONTAINS needs a non-empty value")
		}
		cc.str = c.Value

	case domain.OpIn:
		if len(c.Values) == 0 {
			return cc, errors.New("IN needs at least one value")
		}
		if cc.numeric {
			for _, v := range c.Values {
				d, err := decimal.NewFromString(strings.TrimSpace(v))
				if err != nil {
					return cc, fmt.Errorf("value %q for %s is not a number: %w", v, c.Field, err)
				}
				cc.nums = append(cc.nums, d)
			}
		} else {
			cc.strs = make(map[string]struct{}, len(c.Values))
			for _, v := range c.Values {
				cc.strs[v] = struct{}{}
			}
		}

	default:
		return cc, fmt.Errorf("unknown operator %q", c.Operator)
	}

	return cc, nil
}

// match reports whether the condition holds. Missing values never match.
func (cc *compiledCondition) match(in *input) bool {
	if cc.prog != nil {
		out, _, err := cc.prog.Eval(in.activation())
		if err != nil {
			return false
		}
		b, ok := out.Value().(bool)
		return ok && b
	}

	if cc.numeric {
		v, ok := in.number(cc.field)
		if !ok {
			return false
		}
		switch cc.op {
		case domain.OpEquals:
			return v.Equal(cc.num)
		case domain.OpGreaterThan:
			return v.GreaterThan(cc.num)
		case domain.OpLessThan:
			return v.LessThan(cc.num)
		case domain.OpIn:
			for _, n := range cc.nums {
				if v.Equal(n) {
					return true
				}
			}
		}
		return false
	}

	v, ok := in.text(cc.field)
	if !ok {
		return false
	}
	switch cc.op {
	case domain.OpEquals:
		return v == cc.str
	case domain.OpContains:
		return strings.Contains(v, cc.str)
	case domain.OpIn:
		_, hit := cc.strs[v]
		return hit
	}
	return false
}

// input is the per-evaluation view of a transaction and its entity.
type input struct {
	tx     *domain.Transaction
	entity *domain.EntityContext
	act    map[string]any
}

func (in *input) number(f domain.Field) (decimal.Decimal, bool) {
	switch f {
	case domain.FieldAmount:
		return decimal.New(in.tx.AmountCents, -2), true
	case domain.FieldAmountCents:
		return decimal.NewFromInt(in.tx.AmountCents), true
	}
	return decimal.Decimal{}, false
}

func (in *input) text(f domain.Field) (string, bool) {
	var v string
	switch f {
	case domain.FieldCurrency:
		v = in.tx.Currency
	case domain.FieldCountryCode:
		v = in.tx.CountryCode
	case domain.FieldDeviceFingerprint:
		v = in.tx.DeviceFingerprint
	case domain.FieldIPAddress:
		v = in.tx.IPAddress
	case domain.FieldMerchantID:
		v = in.tx.MerchantID
	case domain.FieldTransactionURL:
		v = in.tx.TransactionURL
	case domain.FieldDirection:
		v = string(in.tx.Direction)
	case domain.FieldEntityID, domain.FieldEntityStatus, domain.FieldEntityWebsite, domain.FieldEntityRiskLevel:
		if in.entity == nil {
			return "", false
		}
		switch f {
		case domain.FieldEntityID:
			v = in.entity.ID
		case domain.FieldEntityStatus:
			v = string(in.entity.Status)
		case domain.FieldEntityWebsite:
			v = in.entity.Website
		default:
			v = string(in.entity.RiskLevel)
		}
	}
	return v, v != ""
}

// activation lazily builds the CEL variable map.
func (in *input) activation() map[string]any {
	if in.act != nil {
		return in.act
	}
	amount, _ := decimal.New(in.tx.AmountCents, -2).Float64()
	in.act = map[string]any{
		"amount":             amount,
		"amount_cents":       in.tx.AmountCents,
		"currency":           in.tx.Currency,
		"country_code":       in.tx.CountryCode,
		"device_fingerprint": in.tx.DeviceFingerprint,
		"ip_address":         in.tx.IPAddress,
		"merchant_id":        in.tx.MerchantID,
		"transaction_url":    in.tx.TransactionURL,
		"direction":          string(in.tx.Direction),
		"entity_id":          "",
		"entity_status":      "",
		"entity_website":     "",
		"entity_risk_level":  "",
	}
	if in.entity != nil {
		in.act["entity_id"] = in.entity.ID
		in.act["entity_status"] = string(in.entity.Status)
		in.act["entity_website"] = in.entity.Website
		in.act["entity_risk_level"] = string(in.entity.RiskLevel)
	}
	return in.act
}

// newEnv declares the variables rule expressions may reference.
func newEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("amount_cents", cel.IntType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("country_code", cel.StringType),
		cel.Variable("device_fingerprint", cel.StringType),
		cel.Variable("ip_address", cel.StringType),
		cel.Variable("merchant_id", cel.StringType),
		cel.Variable("transaction_url", cel.StringType),
		cel.Variable("direction", cel.StringType),
		cel.Variable("entity_id", cel.StringType),
		cel.Variable("entity_status", cel.StringType),
		cel.Variable("entity_website", cel.StringType),
		cel.Variable("entity_risk_level", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}
