package boardstore

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/rzbill/coboard/internal/store"
)

// celFilter wraps a compiled CEL program evaluated against feed events. A
// gateway subscriber can ask for only the events it cares about ("type ==
// 'update' && kind == 'text'", "owner == 'alice'") instead of the whole
// firehose. When disabled, Eval always returns true.
type celFilter struct {
	prog    cel.Program
	enabled bool
}

func newCELFilter(expr string) (celFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return celFilter{enabled: false}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("type", cel.StringType),
		cel.Variable("id", cel.StringType),
		cel.Variable("kind", cel.StringType),
		cel.Variable("author", cel.StringType),
		cel.Variable("owner", cel.StringType),
		cel.Variable("seq", cel.IntType),
		cel.Variable("updated_at_ms", cel.IntType),
		// The full record as parsed JSON for field-level filtering.
		cel.Variable("record", cel.DynType),
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return celFilter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return celFilter{}, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return celFilter{}, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return celFilter{}, err
	}
	return celFilter{prog: prog, enabled: true}, nil
}

// Eval evaluates the compiled expression against an event. Evaluation errors
// fail closed.
func (f celFilter) Eval(ev store.Event) bool {
	if !f.enabled {
		return true
	}
	var recJSON any
	if raw, err := json.Marshal(ev.Record); err == nil {
		_ = json.Unmarshal(raw, &recJSON)
	}
	var id, kind, owner string
	var updated int64
	if ev.Record != nil {
		id = ev.Record.ID
		kind = string(ev.Record.Kind)
		owner = ev.Record.OwnerID
		updated = ev.Record.UpdatedAtMs
	}
	out, _, err := f.prog.Eval(map[string]any{
		"type":          ev.Type.String(),
		"id":            id,
		"kind":          kind,
		"author":        ev.AuthorID,
		"owner":         owner,
		"seq":           int64(ev.Seq),
		"updated_at_ms": updated,
		"record":        recJSON,
		"now_ms":        time.Now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
