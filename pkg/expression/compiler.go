package expression

import (
	"github.com/huandu/go-sqlbuilder"
)

// BaseTable is the table every compiled predicate is evaluated against
const BaseTable = "signal_instance"

type join struct {
	table string
	on    string
}

type model struct {
	table    string
	requires []string
	joins    []join
	columns  map[string]bool
}

func columns(names ...string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

var models = map[string]model{
	"SignalInstance": {
		table: BaseTable,
		columns: columns("id", "signal_id", "project_id", "case_id", "filter_action", "created_at",
			"case_type_id", "case_priority_id", "case_severity_id", "oncall_service_id",
			"conversation_target", "canary"),
	},
	"Entity": {
		table: "entity",
		joins: []join{
			{table: "assoc_signal_instance_entities", on: "assoc_signal_instance_entities.signal_instance_id = signal_instance.id"},
			{table: "entity", on: "entity.id = assoc_signal_instance_entities.entity_id"},
		},
		columns: columns("id", "value", "entity_type_id"),
	},
	"EntityType": {
		table:    "entity_type",
		requires: []string{"Entity"},
		joins: []join{
			{table: "entity_type", on: "entity_type.id = entity.entity_type_id"},
		},
		columns: columns("id", "name", "scope"),
	},
	"Signal": {
		table: "signal",
		joins: []join{
			{table: "signal", on: "signal.id = signal_instance.signal_id"},
		},
		columns: columns("id", "name", "variant", "external_id", "create_case"),
	},
	"Case": {
		table: `"case"`,
		joins: []join{
			{table: `"case"`, on: `"case".id = signal_instance.case_id`},
		},
		columns: columns("id", "title", "status", "case_type_id", "case_priority_id", "case_severity_id"),
	},
}

// Compiled is a validated expression plus the models it needs joined, in join order
type Compiled struct {
	expr  Expr
	Joins []string
}

// Compile validates every predicate and collects the join set. Each model is joined at most once.
func Compile(e Expr) (*Compiled, error) {
	c := &Compiled{expr: e}
	seen := map[string]bool{"SignalInstance": true}
	if err := c.collect(e, seen); err != nil {
		return nil, err
	}
	return c, nil
}

// CompileJSON parses and compiles a stored expression
func CompileJSON(raw []byte) (*Compiled, error) {
	e, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return Compile(e)
}

func (c *Compiled) collect(e Expr, seen map[string]bool) error {
	switch n := e.(type) {
	case And:
		for _, child := range n.Children {
			if err := c.collect(child, seen); err != nil {
				return err
			}
		}
	case Or:
		for _, child := range n.Children {
			if err := c.collect(child, seen); err != nil {
				return err
			}
		}
	case Pred:
		m, ok := models[n.Model]
		if !ok {
			return compileErrorf("unknown model %q", n.Model)
		}
		if !m.columns[n.Field] {
			return compileErrorf("unknown field %q on model %s", n.Field, n.Model)
		}
		if !n.Op.valid() {
			return compileErrorf("invalid operator %q", n.Op)
		}
		if err := checkValue(n); err != nil {
			return err
		}
		c.addJoin(n.Model, seen)
	default:
		return compileErrorf("unsupported expression node %T", e)
	}
	return nil
}

func (c *Compiled) addJoin(name string, seen map[string]bool) {
	if seen[name] {
		return
	}
	for _, dep := range models[name].requires {
		c.addJoin(dep, seen)
	}
	seen[name] = true
	c.Joins = append(c.Joins, name)
}

func checkValue(p Pred) error {
	switch p.Op {
	case OpIn:
		if _, ok := p.Value.([]any); !ok {
			return compileErrorf("operator in on %s.%s requires a list", p.Model, p.Field)
		}
	case OpLike:
		if _, ok := p.Value.(string); !ok {
			return compileErrorf("operator like on %s.%s requires a string", p.Model, p.Field)
		}
	case OpEq, OpNe:
		if _, ok := p.Value.([]any); ok {
			return compileErrorf("operator %s on %s.%s does not accept a list", p.Op, p.Model, p.Field)
		}
	default:
		switch p.Value.(type) {
		case nil, []any, map[string]any, bool:
			return compileErrorf("operator %s on %s.%s requires a scalar", p.Op, p.Model, p.Field)
		}
	}
	if _, ok := p.Value.(map[string]any); ok {
		return compileErrorf("value for %s.%s must not be an object", p.Model, p.Field)
	}
	return nil
}

// Apply adds the joins to sb and returns the WHERE condition for the expression.
// sb must select from BaseTable.
func (c *Compiled) Apply(sb *sqlbuilder.SelectBuilder) string {
	for _, name := range c.Joins {
		for _, j := range models[name].joins {
			sb.Join(j.table, j.on)
		}
	}
	return condition(sb, c.expr)
}

func condition(sb *sqlbuilder.SelectBuilder, e Expr) string {
	switch n := e.(type) {
	case And:
		if len(n.Children) == 0 {
			return "TRUE"
		}
		parts := make([]string, 0, len(n.Children))
		for _, child := range n.Children {
			parts = append(parts, condition(sb, child))
		}
		if len(parts) == 1 {
			return parts[0]
		}
		return sb.And(parts...)
	case Or:
		if len(n.Children) == 0 {
			return "FALSE"
		}
		parts := make([]string, 0, len(n.Children))
		for _, child := range n.Children {
			parts = append(parts, condition(sb, child))
		}
		if len(parts) == 1 {
			return parts[0]
		}
		return sb.Or(parts...)
	case Pred:
		return predicate(sb, n)
	}
	return "FALSE"
}

func predicate(sb *sqlbuilder.SelectBuilder, p Pred) string {
	field := models[p.Model].table + "." + p.Field

	switch p.Op {
	case OpEq:
		if p.Value == nil {
			return sb.IsNull(field)
		}
		return sb.Equal(field, p.Value)
	case OpNe:
		if p.Value == nil {
			return sb.IsNotNull(field)
		}
		return sb.NotEqual(field, p.Value)
	case OpLt:
		return sb.LessThan(field, p.Value)
	case OpLe:
		return sb.LessEqualThan(field, p.Value)
	case OpGt:
		return sb.GreaterThan(field, p.Value)
	case OpGe:
		return sb.GreaterEqualThan(field, p.Value)
	case OpLike:
		return sb.Like(field, p.Value)
	case OpIn:
		values, _ := p.Value.([]any)
		if len(values) == 0 {
			return "FALSE"
		}
		return sb.In(field, values...)
	}
	return "FALSE"
}
