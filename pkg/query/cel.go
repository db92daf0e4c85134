// Package query evaluates CEL filter expressions against ledger entries.
//
// An expression sees three variables:
//
//	record  the decision record as a map (subject_id, option, status, reasoning_trace, ...)
//	digest  the entry digest
//	index   the entry position in the ledger
//
// and must evaluate to a bool, e.g. `record.status == "approved" && index > 10`.
package query

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/routeledger/pkg/ledger"
)

const costLimit = 10000

// Evaluator compiles expressions against the ledger environment and caches programs.
type Evaluator struct {
	env      *cel.Env
	prgCache map[string]*Program
	mu       sync.RWMutex
}

// NewEvaluator creates an evaluator with the ledger variables declared.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("digest", cel.StringType),
		cel.Variable("index", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Evaluator{env: env, prgCache: make(map[string]*Program)}, nil
}

// Program is a compiled filter expression.
type Program struct {
	expr string
	prg  cel.Program
}

// Compile parses and checks expr, returning a cached program when one exists.
func (e *Evaluator) Compile(expr string) (*Program, error) {
	e.mu.RLock()
	p, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return p, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if p, hit = e.prgCache[expr]; hit {
		return p, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(costLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	p = &Program{expr: expr, prg: prg}
	e.prgCache[expr] = p
	return p, nil
}

var defaultEvaluator = sync.OnceValues(NewEvaluator)

// Compile compiles expr with the shared evaluator.
func Compile(expr string) (*Program, error) {
	ev, err := defaultEvaluator()
	if err != nil {
		return nil, err
	}
	return ev.Compile(expr)
}

// String returns the source expression.
func (p *Program) String() string { return p.expr }

// Match evaluates the expression for the entry at position index.
func (p *Program) Match(index int, e ledger.Entry) (bool, error) {
	record, err := recordMap(e.Record)
	if err != nil {
		return false, err
	}
	out, _, err := p.prg.Eval(map[string]any{
		"record": record,
		"digest": e.Digest,
		"index":  int64(index),
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("filter %q: result not bool", p.expr)
	}
	return val, nil
}

// Filter returns the entries the expression accepts, in their original order.
// index is the position within entries, so pass the full ledger when index matters.
func (p *Program) Filter(entries []ledger.Entry) ([]ledger.Entry, error) {
	results := make([]ledger.Entry, 0)
	for i, e := range entries {
		ok, err := p.Match(i, e)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if ok {
			results = append(results, e.Clone())
		}
	}
	return results, nil
}

func recordMap(r ledger.DecisionRecord) (map[string]any, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return m, nil
}
