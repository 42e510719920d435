package guardian

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// Rule is a CEL predicate over the assessment input. When Expression
// evaluates to true the request scores at least Score.
//
// The expression sees a single map variable `input` with keys agent_id,
// tool, action, plan and history (plan and history are lists of strings).
type Rule struct {
	Name        string  `yaml:"name" json:"name"`
	Expression  string  `yaml:"expression" json:"expression"`
	Score       float64 `yaml:"score" json:"score"`
	Description string  `yaml:"description" json:"description"`
}

// DefaultRules flag common prompt-injection and destructive-command patterns.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:        "instruction-override",
			Expression:  `input.action.matches("(?i)(ignore|disregard) (all )?(previous|prior) instructions")`,
			Score:       0.9,
			Description: "instruction override attempt",
		},
		{
			Name:        "destructive-shell",
			Expression:  `input.plan.exists(p, p.matches("rm -rf /|mkfs|dd if=/dev/zero"))`,
			Score:       0.85,
			Description: "destructive shell command in plan",
		},
		{
			Name:        "exfiltration",
			Expression:  `input.action.matches("(?i)(send|upload|post).*(credentials|api[_ ]key|password)")`,
			Score:       0.8,
			Description: "credential exfiltration",
		},
		{
			Name:        "repeated-failures",
			Expression:  `size(input.history.filter(h, h.startsWith("ERROR"))) >= 5`,
			Score:       0.5,
			Description: "repeated failures in history",
		},
	}
}

type compiledRule struct {
	rule Rule
	prg  cel.Program
}

// RuleScorer evaluates a fixed set of CEL rules. Programs are compiled once
// at construction.
type RuleScorer struct {
	rules []compiledRule
}

func NewRuleScorer(rules []Rule) (*RuleScorer, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	rs := &RuleScorer{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		if err := checkScore(r.Score); err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.Name, err)
		}
		ast, issues := env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %s: CEL compile error: %w", r.Name, issues.Err())
		}
		if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("rule %s: expression must return bool, got %v", r.Name, t)
		}
		p, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("rule %s: CEL program error: %w", r.Name, err)
		}
		rs.rules = append(rs.rules, compiledRule{rule: r, prg: p})
	}
	return rs, nil
}

func (rs *RuleScorer) Evaluate(ctx context.Context, req Request) (Assessment, error) {
	activation := map[string]interface{}{"input": map[string]interface{}{
		"agent_id": req.AgentID,
		"tool":     req.Tool,
		"action":   req.Action,
		"plan":     toList(req.Plan),
		"history":  toList(req.History),
	}}

	var out Assessment
	var matched []string
	for _, cr := range rs.rules {
		if err := ctx.Err(); err != nil {
			return Assessment{}, err
		}
		val, _, err := cr.prg.Eval(activation)
		if err != nil {
			return Assessment{}, fmt.Errorf("rule %s: CEL eval error: %w", cr.rule.Name, err)
		}
		hit, ok := val.Value().(bool)
		if !ok {
			return Assessment{}, fmt.Errorf("rule %s: result not boolean", cr.rule.Name)
		}
		if !hit {
			continue
		}
		matched = append(matched, cr.rule.Description)
		if cr.rule.Score > out.ThreatScore {
			out.ThreatScore = cr.rule.Score
		}
	}
	out.Description = strings.Join(matched, "; ")
	return out, nil
}

func toList(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
