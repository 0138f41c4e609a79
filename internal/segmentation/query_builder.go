package segmentation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/ignite/audience-engine/internal/domain"
	"github.com/lib/pq"
)

// ErrNoTeamScope is returned when a query is built without a team.
var ErrNoTeamScope = errors.New("query requires a team scope")

// SummaryColumns is the projection scanned into domain.SubscriberSummary.
const SummaryColumns = `s.id, s.email, COALESCE(s.first_name, '') AS first_name,
	COALESCE(s.last_name, '') AS last_name, s.status, s.created_at`

var orderColumns = map[string]string{
	"id":         "s.id",
	"created_at": "s.created_at",
	"email":      "s.email",
}

// Order sorts a selection. Rows are always tie-broken by id.
type Order struct {
	Field string
	Desc  bool
}

// Query is a compiled, team-scoped subscriber selection. It performs no
// writes; With* methods return modified copies.
type Query struct {
	TeamID    uuid.UUID
	Predicate Predicate
	Order     Order
	Limit     int
	Offset    int
}

// NewQuery compiles rules for one team.
func NewQuery(teamID uuid.UUID, rules domain.Rules) (*Query, error) {
	if teamID == uuid.Nil {
		return nil, ErrNoTeamScope
	}
	pred, err := CompileRules(rules)
	if err != nil {
		return nil, err
	}
	return &Query{TeamID: teamID, Predicate: pred}, nil
}

// WithPage returns a copy restricted to one page.
func (q *Query) WithPage(p Page) *Query {
	c := *q
	c.Limit, c.Offset = p.Limit, p.Offset
	return &c
}

// WithLimit returns a copy returning at most n rows.
func (q *Query) WithLimit(n int) *Query {
	c := *q
	c.Limit = n
	return &c
}

// WithOrder returns a copy sorted by field.
func (q *Query) WithOrder(field string, desc bool) *Query {
	c := *q
	c.Order = Order{Field: field, Desc: desc}
	return &c
}

// QueryBuilder renders queries to PostgreSQL with positional arguments.
// A builder is not safe for concurrent use; each Build call resets it.
type QueryBuilder struct {
	args       []any
	argCounter int
}

// NewQueryBuilder creates a new QueryBuilder.
func NewQueryBuilder() *QueryBuilder {
	return &QueryBuilder{args: make([]any, 0), argCounter: 1}
}

func (qb *QueryBuilder) reset() {
	qb.args = make([]any, 0)
	qb.argCounter = 1
}

// nextArg returns the next argument placeholder
func (qb *QueryBuilder) nextArg(value any) string {
	qb.args = append(qb.args, value)
	placeholder := fmt.Sprintf("$%d", qb.argCounter)
	qb.argCounter++
	return placeholder
}

// BuildSelect renders a selection of subscriber summaries.
func (qb *QueryBuilder) BuildSelect(q *Query) (string, []any, error) {
	where, err := qb.where(q)
	if err != nil {
		return "", nil, err
	}
	order, err := orderClause(q.Order)
	if err != nil {
		return "", nil, err
	}
	query := "SELECT " + SummaryColumns + "\nFROM subscribers s\nWHERE " + where + "\nORDER BY " + order
	return query + qb.window(q), qb.args, nil
}

// BuildIDs renders a selection of subscriber ids in id order.
func (qb *QueryBuilder) BuildIDs(q *Query) (string, []any, error) {
	where, err := qb.where(q)
	if err != nil {
		return "", nil, err
	}
	query := "SELECT s.id\nFROM subscribers s\nWHERE " + where + "\nORDER BY s.id"
	return query + qb.window(q), qb.args, nil
}

// BuildCount renders a count of matching subscribers. Ordering and paging
// are ignored.
func (qb *QueryBuilder) BuildCount(q *Query) (string, []any, error) {
	where, err := qb.where(q)
	if err != nil {
		return "", nil, err
	}
	return "SELECT COUNT(*)\nFROM subscribers s\nWHERE " + where, qb.args, nil
}

// where renders the team scope first, then the rule predicate.
func (qb *QueryBuilder) where(q *Query) (string, error) {
	qb.reset()
	if q == nil || q.TeamID == uuid.Nil {
		return "", ErrNoTeamScope
	}
	scope := "s.team_id = " + qb.nextArg(q.TeamID)
	if q.Predicate == nil {
		return scope, nil
	}
	cond, err := qb.Render(q.Predicate)
	if err != nil {
		return "", err
	}
	return scope + "\n  AND " + cond, nil
}

func (qb *QueryBuilder) window(q *Query) string {
	var sb strings.Builder
	if q.Limit > 0 {
		sb.WriteString("\nLIMIT " + qb.nextArg(q.Limit))
	}
	if q.Offset > 0 {
		sb.WriteString("\nOFFSET " + qb.nextArg(q.Offset))
	}
	return sb.String()
}

func orderClause(o Order) (string, error) {
	if o.Field == "" || o.Field == "id" {
		if o.Desc {
			return "s.id DESC", nil
		}
		return "s.id", nil
	}
	col, ok := orderColumns[o.Field]
	if !ok {
		return "", fmt.Errorf("cannot order by %q", o.Field)
	}
	dir := ""
	if o.Desc {
		dir = " DESC"
	}
	return col + dir + ", s.id", nil
}

// Render renders a predicate, appending its arguments to the builder.
func (qb *QueryBuilder) Render(p Predicate) (string, error) {
	switch n := p.(type) {
	case And:
		return qb.join(n.Terms, " AND ", "TRUE")
	case Or:
		return qb.join(n.Terms, " OR ", "FALSE")
	case Compare:
		expr := qb.fieldExpr(n.Field, n.Operand.Kind)
		return fmt.Sprintf("%s %s %s", expr, n.Op.SQL(), qb.operandArg(n.Operand)), nil
	case Like:
		expr := qb.fieldExpr(n.Field, OperandText)
		op := "ILIKE"
		if n.Negate {
			op = "NOT ILIKE"
		}
		return fmt.Sprintf(`%s %s %s ESCAPE '\'`, expr, op, qb.nextArg(likePattern(n.Mode, n.Text))), nil
	case Empty:
		return qb.renderEmpty(n), nil
	case In:
		return qb.renderIn(n)
	}
	return "", fmt.Errorf("unsupported predicate %T", p)
}

func (qb *QueryBuilder) join(terms []Predicate, sep, empty string) (string, error) {
	if len(terms) == 0 {
		return empty, nil
	}
	parts := make([]string, 0, len(terms))
	for _, t := range terms {
		sql, err := qb.Render(t)
		if err != nil {
			return "", err
		}
		parts = append(parts, sql)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

// fieldExpr renders the field as a value of kind. Custom values of the
// wrong JSON type render as NULL so they never match.
func (qb *QueryBuilder) fieldExpr(f FieldRef, kind OperandKind) string {
	if !f.IsCustom() {
		return f.Column
	}
	key := qb.nextArg(f.Key)
	switch kind {
	case OperandNumber:
		return fmt.Sprintf("(CASE WHEN jsonb_typeof(s.custom_fields->%[1]s::text) = 'number' THEN (s.custom_fields->>%[1]s::text)::numeric END)", key)
	case OperandBool:
		return fmt.Sprintf("(CASE WHEN jsonb_typeof(s.custom_fields->%[1]s::text) = 'boolean' THEN (s.custom_fields->>%[1]s::text)::boolean END)", key)
	case OperandTime:
		// try_timestamptz yields NULL for pattern-valid strings that are not
		// real dates, such as 2024-02-30.
		return fmt.Sprintf(`(CASE WHEN jsonb_typeof(s.custom_fields->%[1]s::text) = 'string' AND (s.custom_fields->>%[1]s::text) ~ '%[2]s' THEN try_timestamptz(s.custom_fields->>%[1]s::text) END)`, key, TimestampPattern)
	default:
		return fmt.Sprintf("(s.custom_fields->>%s::text)", key)
	}
}

func (qb *QueryBuilder) operandArg(o Operand) string {
	switch o.Kind {
	case OperandNumber:
		return qb.nextArg(o.Num) + "::numeric"
	case OperandTime:
		return qb.nextArg(o.Time) + "::timestamptz"
	case OperandBool:
		return qb.nextArg(o.Bool) + "::boolean"
	default:
		return qb.nextArg(o.Text) + "::text"
	}
}

func (qb *QueryBuilder) renderEmpty(n Empty) string {
	textual := n.Field.IsCustom() || n.Field.Type == FieldText || n.Field.Type == FieldEnum
	expr := qb.fieldExpr(n.Field, OperandText)
	switch {
	case textual && n.Negate:
		return fmt.Sprintf("(%[1]s IS NOT NULL AND %[1]s <> '')", expr)
	case textual:
		return fmt.Sprintf("(%[1]s IS NULL OR %[1]s = '')", expr)
	case n.Negate:
		return expr + " IS NOT NULL"
	default:
		return expr + " IS NULL"
	}
}

func (qb *QueryBuilder) renderIn(n In) (string, error) {
	if len(n.Operands) == 0 {
		if n.Negate {
			return "TRUE", nil
		}
		return "FALSE", nil
	}
	kind := n.Operands[0].Kind
	expr := qb.fieldExpr(n.Field, kind)
	var arg string
	switch kind {
	case OperandNumber:
		nums := make(pq.Float64Array, len(n.Operands))
		for i, o := range n.Operands {
			nums[i] = o.Num
		}
		arg = qb.nextArg(nums) + "::numeric[]"
	case OperandBool:
		bools := make(pq.BoolArray, len(n.Operands))
		for i, o := range n.Operands {
			bools[i] = o.Bool
		}
		arg = qb.nextArg(bools) + "::boolean[]"
	case OperandText:
		texts := make(pq.StringArray, len(n.Operands))
		for i, o := range n.Operands {
			texts[i] = o.Text
		}
		arg = qb.nextArg(texts) + "::text[]"
	default:
		return "", fmt.Errorf("in_list does not support %s values", kind)
	}
	if n.Negate {
		return fmt.Sprintf("NOT (%s = ANY(%s))", expr, arg), nil
	}
	return fmt.Sprintf("%s = ANY(%s)", expr, arg), nil
}

// likePattern escapes the storage pattern syntax in text so the user value
// is matched literally.
func likePattern(mode LikeMode, text string) string {
	escaped := escapeLike(text)
	switch mode {
	case LikePrefix:
		return escaped + "%"
	case LikeSuffix:
		return "%" + escaped
	default:
		return "%" + escaped + "%"
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// HashRules returns a stable fingerprint of a team's rule set.
func HashRules(teamID uuid.UUID, rules domain.Rules) string {
	data := struct {
		TeamID uuid.UUID    `json:"team_id"`
		Rules  domain.Rules `json:"rules"`
	}{TeamID: teamID, Rules: NormalizeRules(rules)}

	jsonBytes, _ := json.Marshal(data)
	hash := sha256.Sum256(jsonBytes)
	return hex.EncodeToString(hash[:])
}
