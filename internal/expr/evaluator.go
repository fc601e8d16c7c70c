package expr

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dray-io/ttlmerge/internal/part"
)

// Result kinds accepted by Compile.
type Kind int

const (
	// KindTime expressions yield a timestamp (or Unix seconds as int).
	KindTime Kind = iota
	// KindBool expressions yield a boolean.
	KindBool
	// KindValue expressions yield any column value.
	KindValue
)

var (
	// ErrCompile is returned for expressions that fail to parse or type-check.
	ErrCompile = errors.New("expr: compile error")
	// ErrEval is returned when evaluation fails or yields the wrong type.
	ErrEval = errors.New("expr: evaluation error")
)

// DefaultCacheSize bounds the number of compiled programs kept.
const DefaultCacheSize = 1024

// Evaluator compiles and evaluates expressions against rows. It is safe for
// concurrent use.
type Evaluator struct {
	envs     *lru.Cache[string, *cel.Env]
	programs *lru.Cache[string, cel.Program]
}

// New returns an Evaluator caching up to cacheSize programs.
func New(cacheSize int) *Evaluator {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	envs, _ := lru.New[string, *cel.Env](max(cacheSize/16, 16))
	programs, _ := lru.New[string, cel.Program](cacheSize)
	return &Evaluator{envs: envs, programs: programs}
}

// Compile checks that src is valid against columns and yields kind.
func (e *Evaluator) Compile(src string, columns []part.Column, kind Kind) error {
	_, err := e.program(src, columns, kind)
	return err
}

// EvalTime evaluates a time expression. Results are truncated to seconds.
func (e *Evaluator) EvalTime(src string, columns []part.Column, row part.Row) (time.Time, error) {
	out, err := e.eval(src, columns, row, KindTime)
	if err != nil {
		return time.Time{}, err
	}
	switch v := out.(type) {
	case time.Time:
		return time.Unix(v.Unix(), 0).UTC(), nil
	case int64:
		return time.Unix(v, 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %q returned %T, want timestamp", ErrEval, src, out)
	}
}

// EvalBool evaluates a predicate.
func (e *Evaluator) EvalBool(src string, columns []part.Column, row part.Row) (bool, error) {
	out, err := e.eval(src, columns, row, KindBool)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q returned %T, want bool", ErrEval, src, out)
	}
	return b, nil
}

// EvalValue evaluates src and converts the result to a value of type t.
func (e *Evaluator) EvalValue(src string, t part.Type, columns []part.Column, row part.Row) (part.Value, error) {
	out, err := e.eval(src, columns, row, KindValue)
	if err != nil {
		return part.Value{}, err
	}
	v, err := part.Coerce(t, out)
	if err != nil {
		return part.Value{}, fmt.Errorf("%w: %q: %v", ErrEval, src, err)
	}
	return v, nil
}

// EvalAny evaluates src and returns the result as a value of its natural type.
func (e *Evaluator) EvalAny(src string, columns []part.Column, row part.Row) (part.Value, error) {
	out, err := e.eval(src, columns, row, KindValue)
	if err != nil {
		return part.Value{}, err
	}
	switch v := out.(type) {
	case int64:
		return part.Int(v), nil
	case uint64:
		return part.Coerce(part.TypeInt64, v)
	case float64:
		return part.Float(v), nil
	case string:
		return part.Str(v), nil
	case time.Time:
		return part.DateTime(v), nil
	case bool:
		if v {
			return part.Int(1), nil
		}
		return part.Int(0), nil
	default:
		return part.Value{}, fmt.Errorf("%w: %q returned unsupported %T", ErrEval, src, out)
	}
}

func (e *Evaluator) eval(src string, columns []part.Column, row part.Row, kind Kind) (any, error) {
	prg, err := e.program(src, columns, kind)
	if err != nil {
		return nil, err
	}
	if len(row) < len(columns) {
		return nil, fmt.Errorf("%w: row has %d values, schema has %d columns", ErrEval, len(row), len(columns))
	}

	vars := make(map[string]any, len(columns))
	for i, c := range columns {
		vars[c.Name] = row[i].Native()
	}
	out, _, err := prg.Eval(vars)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrEval, src, err)
	}
	return out.Value(), nil
}

func (e *Evaluator) program(src string, columns []part.Column, kind Kind) (cel.Program, error) {
	sig := signature(columns)
	key := fmt.Sprintf("%s|%d|%s", sig, kind, src)
	if prg, ok := e.programs.Get(key); ok {
		return prg, nil
	}

	env, err := e.env(sig, columns)
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(Rewrite(src))
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %q: %s", ErrCompile, src, issues.Err())
	}
	if err := checkOutput(ast.OutputType(), kind); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrCompile, src, err)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrCompile, src, err)
	}
	e.programs.Add(key, prg)
	return prg, nil
}

func (e *Evaluator) env(sig string, columns []part.Column) (*cel.Env, error) {
	if env, ok := e.envs.Get(sig); ok {
		return env, nil
	}
	opts := functions()
	for _, c := range columns {
		opts = append(opts, cel.Variable(c.Name, celType(c.Type)))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: environment: %v", ErrCompile, err)
	}
	e.envs.Add(sig, env)
	return env, nil
}

func checkOutput(t *cel.Type, kind Kind) error {
	if t == nil || t.IsExactType(types.DynType) {
		return nil
	}
	switch kind {
	case KindTime:
		if t.IsExactType(types.TimestampType) || t.IsExactType(types.IntType) {
			return nil
		}
		return fmt.Errorf("yields %s, want timestamp", t)
	case KindBool:
		if t.IsExactType(types.BoolType) {
			return nil
		}
		return fmt.Errorf("yields %s, want bool", t)
	default:
		return nil
	}
}

func celType(t part.Type) *cel.Type {
	switch t {
	case part.TypeInt64:
		return cel.IntType
	case part.TypeFloat64:
		return cel.DoubleType
	case part.TypeString:
		return cel.StringType
	case part.TypeDateTime:
		return cel.TimestampType
	default:
		return cel.DynType
	}
}

func signature(columns []part.Column) string {
	var b strings.Builder
	for _, c := range columns {
		b.WriteString(c.Name)
		b.WriteByte(':')
		b.WriteString(c.Type.String())
		b.WriteByte(';')
	}
	return b.String()
}
