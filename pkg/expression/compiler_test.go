package expression

import (
	"encoding/json"
	"testing"

	"github.com/huandu/go-sqlbuilder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipelineerrors "github.com/Ramsey-B/dispatch/pkg/errors"
)

func build(t *testing.T, raw string) (string, []any, *Compiled) {
	t.Helper()
	compiled, err := CompileJSON(json.RawMessage(raw))
	require.NoError(t, err)

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(BaseTable + ".id").From(BaseTable)
	sb.Where(compiled.Apply(sb))
	query, args := sb.Build()
	return query, args, compiled
}

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Expr
	}{
		{
			name: "predicate",
			raw:  `{"model": "Entity", "field": "value", "op": "==", "value": "evil@x.com"}`,
			want: Pred{Model: "Entity", Field: "value", Op: OpEq, Value: "evil@x.com"},
		},
		{
			name: "nested and/or",
			raw:  `{"and": [{"or": []}, {"model": "Signal", "field": "name", "op": "like", "value": "%phish%"}]}`,
			want: And{Children: []Expr{
				Or{Children: []Expr{}},
				Pred{Model: "Signal", Field: "name", Op: OpLike, Value: "%phish%"},
			}},
		},
		{
			name: "top level list is an and",
			raw:  `[{"model": "Entity", "field": "value", "op": "in", "value": ["a", "b"]}]`,
			want: And{Children: []Expr{
				Pred{Model: "Entity", Field: "value", Op: OpIn, Value: []any{"a", "b"}},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(json.RawMessage(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompile_Predicates(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		contains []string
		args     []any
	}{
		{
			name:     "equality on entity joins through the association table",
			raw:      `{"model": "Entity", "field": "value", "op": "==", "value": "evil@x.com"}`,
			contains: []string{"JOIN assoc_signal_instance_entities", "JOIN entity ON", "entity.value = $1"},
			args:     []any{"evil@x.com"},
		},
		{
			name:     "not equal",
			raw:      `{"model": "SignalInstance", "field": "conversation_target", "op": "!=", "value": "sec"}`,
			contains: []string{"signal_instance.conversation_target <> $1"},
			args:     []any{"sec"},
		},
		{
			name:     "comparison",
			raw:      `{"model": "SignalInstance", "field": "created_at", "op": ">=", "value": "2024-01-01T00:00:00Z"}`,
			contains: []string{"signal_instance.created_at >= $1"},
			args:     []any{"2024-01-01T00:00:00Z"},
		},
		{
			name:     "like",
			raw:      `{"model": "Signal", "field": "name", "op": "like", "value": "%phish%"}`,
			contains: []string{"JOIN signal ON signal.id = signal_instance.signal_id", "signal.name LIKE $1"},
			args:     []any{"%phish%"},
		},
		{
			name:     "in",
			raw:      `{"model": "Entity", "field": "value", "op": "in", "value": ["a", "b"]}`,
			contains: []string{"entity.value IN ($1, $2)"},
			args:     []any{"a", "b"},
		},
		{
			name:     "null equality",
			raw:      `{"model": "SignalInstance", "field": "case_id", "op": "==", "value": null}`,
			contains: []string{"signal_instance.case_id IS NULL"},
		},
		{
			name:     "or of predicates",
			raw:      `{"or": [{"model": "Entity", "field": "value", "op": "==", "value": "a"}, {"model": "Entity", "field": "value", "op": "==", "value": "b"}]}`,
			contains: []string{"entity.value = $1 OR entity.value = $2"},
			args:     []any{"a", "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args, _ := build(t, tt.raw)
			for _, fragment := range tt.contains {
				assert.Contains(t, query, fragment)
			}
			if tt.args == nil {
				assert.Empty(t, args)
			} else {
				assert.Equal(t, tt.args, args)
			}
		})
	}
}

func TestCompile_EmptyGroups(t *testing.T) {
	query, args, compiled := build(t, `{"and": []}`)
	assert.Contains(t, query, "WHERE TRUE")
	assert.Empty(t, args)
	assert.Empty(t, compiled.Joins)

	query, _, _ = build(t, `{"or": []}`)
	assert.Contains(t, query, "WHERE FALSE")

	query, _, _ = build(t, `{"model": "Entity", "field": "value", "op": "in", "value": []}`)
	assert.Contains(t, query, "WHERE FALSE")
}

func TestCompile_JoinsEachModelOnce(t *testing.T) {
	raw := `{"and": [
		{"model": "EntityType", "field": "name", "op": "==", "value": "Email"},
		{"model": "Entity", "field": "value", "op": "like", "value": "%@x.com"},
		{"or": [{"model": "Entity", "field": "value", "op": "==", "value": "a@x.com"}]}
	]}`

	query, _, compiled := build(t, raw)

	assert.Equal(t, []string{"Entity", "EntityType"}, compiled.Joins)
	assert.Equal(t, 1, countOccurrences(query, "JOIN entity ON"))
	assert.Equal(t, 1, countOccurrences(query, "JOIN entity_type ON"))
	assert.Equal(t, 1, countOccurrences(query, "JOIN assoc_signal_instance_entities ON"))
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "unknown model", raw: `{"model": "Incident", "field": "id", "op": "==", "value": 1}`},
		{name: "unknown field", raw: `{"model": "Entity", "field": "password", "op": "==", "value": 1}`},
		{name: "invalid operator", raw: `{"model": "Entity", "field": "value", "op": "~=", "value": "a"}`},
		{name: "in without list", raw: `{"model": "Entity", "field": "value", "op": "in", "value": "a"}`},
		{name: "like without string", raw: `{"model": "Entity", "field": "value", "op": "like", "value": 3}`},
		{name: "missing op", raw: `{"model": "Entity", "field": "value", "value": "a"}`},
		{name: "not json", raw: `{"and": `},
		{name: "nested failure", raw: `{"or": [{"and": [{"model": "Nope", "field": "id", "op": "==", "value": 1}]}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileJSON(json.RawMessage(tt.raw))
			require.Error(t, err)
			assert.True(t, pipelineerrors.IsKind(err, pipelineerrors.FilterCompileError), "got %v", err)
		})
	}
}

func countOccurrences(s, sub string) int {
	count := 0
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			count++
		}
	}
	return count
}
