// Package mangle keeps the facts of fill runs in a Mangle deductive store
// and derives review signals (drift, conflicts, degraded runs) from them.
package mangle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
	"go.uber.org/zap"

	"formsync/internal/config"
)

// ErrNotReady is returned by queries when the engine is disabled or has no program.
var ErrNotReady = errors.New("fact engine not ready")

// RunSchema declares the run facts and the derived review predicates.
const RunSchema = `
Decl run(Run, Program, Location).
Decl field_mapped(Run, Source, Target, Layer).
Decl field_unresolved(Run, Source).
Decl field_unfilled(Run, Source, Target).
Decl submit_status(Run, Status, State).
Decl cache_regenerated(Run, Kind, Reason).
Decl run_degraded(Run).

structural_drift(Run) :- field_unfilled(Run, _, _).
structural_drift(Run) :- cache_regenerated(Run, "fields", "drift").

run_conflict(Run) :- submit_status(Run, 409, _).
run_failed(Run) :- submit_status(Run, _, "failed").

llm_mapped(Run, Source, Target) :- field_mapped(Run, Source, Target, "llm").

needs_review(Run) :- structural_drift(Run).
needs_review(Run) :- run_conflict(Run).
needs_review(Run) :- run_failed(Run).
needs_review(Run) :- run_degraded(Run).
needs_review(Run) :- llm_mapped(Run, _, _).
`

// Fact is one ground atom with the time it was recorded.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// QueryResult binds query variables to values.
type QueryResult map[string]interface{}

// Engine wraps the Mangle store with a bounded buffer of recorded facts.
type Engine struct {
	cfg    config.MangleConfig
	logger *zap.Logger
	mu     sync.RWMutex

	source      string
	programInfo *analysis.ProgramInfo
	store       factstore.FactStore

	// facts is the bounded history; the store is rebuilt from it on trim.
	facts []Fact
	index map[string][]int
}

// NewEngine builds an engine with the built-in run schema, or the schema
// file named in cfg when set.
func NewEngine(cfg config.MangleConfig, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:    cfg,
		logger: logger,
		store:  factstore.NewSimpleInMemoryStore(),
		index:  make(map[string][]int),
	}
	if !cfg.Enable {
		return e, nil
	}

	source := RunSchema
	if cfg.SchemaPath != "" {
		data, err := os.ReadFile(cfg.SchemaPath)
		if err != nil {
			return nil, fmt.Errorf("read schema: %w", err)
		}
		source = string(data)
	}
	if err := e.compile(source); err != nil {
		return nil, err
	}
	return e, nil
}

// compile parses and analyzes source and makes it the active program.
// The caller holds the lock or is the constructor.
func (e *Engine) compile(source string) error {
	unit, err := parse.Unit(bytes.NewReader([]byte(source)))
	if err != nil {
		return fmt.Errorf("parse schema: %w", err)
	}
	info, err := analysis.AnalyzeOneUnit(unit, make(map[ast.PredicateSym]ast.Decl))
	if err != nil {
		return fmt.Errorf("analyze schema: %w", err)
	}
	e.source = source
	e.programInfo = info
	return nil
}

// AddRule extends the active program with extra clauses.
func (e *Engine) AddRule(rule string) error {
	if !e.cfg.Enable {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	prev, prevInfo := e.source, e.programInfo
	if err := e.compile(prev + "\n" + rule); err != nil {
		e.source, e.programInfo = prev, prevInfo
		return fmt.Errorf("add rule: %w", err)
	}
	return e.evalLocked()
}

// AddFacts records facts and re-evaluates the program.
func (e *Engine) AddFacts(ctx context.Context, facts []Fact) error {
	if !e.cfg.Enable || len(facts) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	for _, f := range facts {
		if f.Timestamp.IsZero() {
			f.Timestamp = now
		}
		e.index[f.Predicate] = append(e.index[f.Predicate], len(e.facts))
		e.facts = append(e.facts, f)
		e.store.Add(toAtom(f))
	}

	if limit := e.cfg.FactBufferLimit; limit > 0 && len(e.facts) > limit {
		e.facts = append([]Fact(nil), e.facts[len(e.facts)-limit:]...)
		e.rebuildLocked()
		e.logger.Debug("Fact buffer trimmed", zap.Int("limit", limit))
	}
	return e.evalLocked()
}

// rebuildLocked recreates the store and index from the buffered facts so
// trimmed facts stop contributing to derivations.
func (e *Engine) rebuildLocked() {
	e.store = factstore.NewSimpleInMemoryStore()
	e.index = make(map[string][]int)
	for i, f := range e.facts {
		e.index[f.Predicate] = append(e.index[f.Predicate], i)
		e.store.Add(toAtom(f))
	}
}

func (e *Engine) evalLocked() error {
	if e.programInfo == nil {
		return nil
	}
	if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
		return fmt.Errorf("eval program: %w", err)
	}
	return nil
}

// Query evaluates a single atom such as needs_review(R) or
// submit_status("run-1", S, _) and returns one binding per matching fact.
func (e *Engine) Query(ctx context.Context, query string) ([]QueryResult, error) {
	if !e.Ready() || !e.cfg.Enable {
		return nil, ErrNotReady
	}
	query = strings.TrimSpace(query)
	if !strings.HasSuffix(query, ".") {
		query += "."
	}
	unit, err := parse.Unit(bytes.NewReader([]byte(query)))
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}
	if len(unit.Clauses) == 0 {
		return nil, errors.New("no query found")
	}
	q := unit.Clauses[0].Head

	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make([]QueryResult, 0)
	err = e.store.GetFacts(q, func(a ast.Atom) error {
		if len(a.Args) != len(q.Args) {
			return nil
		}
		row := QueryResult{}
		for i, arg := range q.Args {
			switch t := arg.(type) {
			case ast.Variable:
				if t.Symbol != "_" {
					row[t.Symbol] = convertConstant(a.Args[i])
				}
			case ast.Constant:
				if !t.Equals(a.Args[i]) {
					return nil
				}
			}
		}
		results = append(results, row)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}
	return results, nil
}

// Derived returns every fact the store holds for predicate, sorted by
// their printed arguments.
func (e *Engine) Derived(ctx context.Context, predicate string) ([]Fact, error) {
	if !e.Ready() || !e.cfg.Enable {
		return nil, ErrNotReady
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	arity := -1
	for sym := range e.programInfo.Decls {
		if sym.Symbol == predicate {
			arity = sym.Arity
			break
		}
	}
	if arity < 0 {
		for _, r := range e.programInfo.Rules {
			if r.Head.Predicate.Symbol == predicate {
				arity = r.Head.Predicate.Arity
				break
			}
		}
	}
	if arity < 0 {
		return nil, fmt.Errorf("unknown predicate %q", predicate)
	}

	args := make([]ast.BaseTerm, arity)
	for i := range args {
		args[i] = ast.Variable{Symbol: fmt.Sprintf("V%d", i)}
	}
	q := ast.Atom{Predicate: ast.PredicateSym{Symbol: predicate, Arity: arity}, Args: args}

	facts := make([]Fact, 0)
	err := e.store.GetFacts(q, func(a ast.Atom) error {
		facts = append(facts, toFact(a))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get facts: %w", err)
	}
	sort.Slice(facts, func(i, j int) bool {
		return fmt.Sprint(facts[i].Args) < fmt.Sprint(facts[j].Args)
	})
	return facts, nil
}

// FactsByPredicate returns buffered facts of predicate in insertion order.
func (e *Engine) FactsByPredicate(predicate string) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Fact, 0, len(e.index[predicate]))
	for _, i := range e.index[predicate] {
		out = append(out, e.facts[i])
	}
	return out
}

// Facts returns a copy of the buffered facts.
func (e *Engine) Facts() []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Fact(nil), e.facts...)
}

// Ready reports whether queries can be answered. A disabled engine is
// ready in the sense that it accepts and drops facts.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.programInfo != nil || !e.cfg.Enable
}

func toAtom(f Fact) ast.Atom {
	args := make([]ast.BaseTerm, len(f.Args))
	for i, arg := range f.Args {
		args[i] = toConstant(arg)
	}
	return ast.Atom{Predicate: ast.PredicateSym{Symbol: f.Predicate, Arity: len(f.Args)}, Args: args}
}

func toFact(a ast.Atom) Fact {
	args := make([]interface{}, len(a.Args))
	for i, arg := range a.Args {
		args[i] = convertConstant(arg)
	}
	return Fact{Predicate: a.Predicate.Symbol, Args: args, Timestamp: time.Now()}
}

func toConstant(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case float64:
		return ast.Float64(val)
	case bool:
		if val {
			return ast.String("true")
		}
		return ast.String("false")
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

func convertConstant(c ast.BaseTerm) interface{} {
	switch term := c.(type) {
	case ast.Constant:
		switch term.Type {
		case ast.StringType:
			val, _ := term.StringValue()
			return val
		case ast.NumberType:
			return term.NumberValue
		case ast.Float64Type:
			if val, err := term.Float64Value(); err == nil {
				return val
			}
		}
		return term.String()
	case ast.Variable:
		return term.Symbol
	case nil:
		return nil
	}
	return fmt.Sprintf("%v", c)
}
