package filter

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"firestige.xyz/chains/internal/core"
)

// Variables available to filter expressions. String fields of a missing
// classification are empty, numeric ones are zero.
var variables = []cel.EnvOption{
	cel.Variable("protocol", cel.StringType),
	cel.Variable("direction", cel.StringType),
	cel.Variable("src", cel.StringType),
	cel.Variable("dst", cel.StringType),
	cel.Variable("src_port", cel.IntType),
	cel.Variable("dst_port", cel.IntType),
	cel.Variable("payload_len", cel.IntType),
	cel.Variable("kind", cel.StringType),
	cel.Variable("method", cel.StringType),
	cel.Variable("uri", cel.StringType),
	cel.Variable("host", cel.StringType),
	cel.Variable("status", cel.IntType),
	cel.Variable("tls_records", cel.IntType),
}

// Predicate is a compiled boolean CEL expression over flow records.
type Predicate struct {
	expr    string
	program cel.Program
}

// Compile parses and type-checks expr. The expression must yield a bool.
func Compile(expr string) (*Predicate, error) {
	if expr == "" {
		return nil, fmt.Errorf("%w: empty filter expression", core.ErrConfigInvalid)
	}
	env, err := cel.NewEnv(variables...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment failed: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss.Err() != nil {
		return nil, fmt.Errorf("%w: compile expression failed: %v", core.ErrConfigInvalid, iss.Err())
	}
	if !ast.OutputType().IsAssignableType(cel.BoolType) {
		return nil, fmt.Errorf("%w: expression must return bool, got %s",
			core.ErrConfigInvalid, ast.OutputType().String())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: create program failed: %v", core.ErrConfigInvalid, err)
	}
	return &Predicate{expr: expr, program: program}, nil
}

func (p *Predicate) String() string {
	return p.expr
}

// Match evaluates the predicate against rec.
func (p *Predicate) Match(rec *core.FlowRecord) (bool, error) {
	result, _, err := p.program.Eval(evalVars(rec))
	if err != nil {
		return false, fmt.Errorf("evaluate filter failed: %w", err)
	}
	matched, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("filter result is not boolean: %v", result.Value())
	}
	return matched, nil
}

// evalVars builds the activation for rec.
func evalVars(rec *core.FlowRecord) map[string]any {
	vars := map[string]any{
		"protocol":    rec.Protocol.String(),
		"direction":   rec.Direction.String(),
		"src":         addrString(rec.Src),
		"dst":         addrString(rec.Dst),
		"src_port":    int64(rec.Src.Port),
		"dst_port":    int64(rec.Dst.Port),
		"payload_len": int64(len(rec.Payload)),
		"kind":        "",
		"method":      "",
		"uri":         "",
		"host":        "",
		"status":      int64(0),
		"tls_records": int64(0),
	}

	c, ok := rec.Classification()
	if !ok {
		return vars
	}
	vars["kind"] = c.Kind().String()
	switch v := c.(type) {
	case core.HTTPRequest:
		vars["method"] = v.Method
		vars["uri"] = v.URI
		vars["host"] = v.Headers.Get("host")
	case core.HTTPResponse:
		vars["status"] = int64(v.Status)
	case core.TLSRecords:
		vars["tls_records"] = int64(len(v.Records))
	}
	return vars
}

func addrString(ep core.Endpoint) string {
	if !ep.Addr.IsValid() {
		return ""
	}
	return ep.Addr.String()
}
