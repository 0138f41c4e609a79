package segmentation

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/ignite/audience-engine/internal/domain"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var teamA = uuid.MustParse("11111111-1111-1111-1111-111111111111")

func render(t *testing.T, c domain.Condition) (string, []any) {
	t.Helper()
	p, err := CompileCondition(c)
	require.NoError(t, err)
	qb := NewQueryBuilder()
	sql, err := qb.Render(p)
	require.NoError(t, err)
	return sql, qb.args
}

func TestRenderConditions(t *testing.T) {
	tests := []struct {
		name     string
		cond     domain.Condition
		wantSQL  string
		wantArgs []any
	}{
		{
			name:     "equals",
			cond:     cond("status", domain.OpEquals, "subscribed"),
			wantSQL:  "s.status = $1::text",
			wantArgs: []any{"subscribed"},
		},
		{
			name:     "starts_with escapes pattern characters",
			cond:     cond("email", domain.OpStartsWith, `50%_off\`),
			wantSQL:  `s.email ILIKE $1 ESCAPE '\'`,
			wantArgs: []any{`50\%\_off\\%`},
		},
		{
			name:     "not_contains",
			cond:     cond("last_name", domain.OpNotContains, "x"),
			wantSQL:  `s.last_name NOT ILIKE $1 ESCAPE '\'`,
			wantArgs: []any{"%x%"},
		},
		{
			name:     "after on integer",
			cond:     cond("emails_opened", domain.OpAfter, 0),
			wantSQL:  "s.emails_opened > $1::numeric",
			wantArgs: []any{float64(0)},
		},
		{
			name:     "is_empty on text",
			cond:     cond("first_name", domain.OpIsEmpty, nil),
			wantSQL:  "(s.first_name IS NULL OR s.first_name = '')",
			wantArgs: []any{},
		},
		{
			name:     "is_not_empty on timestamp",
			cond:     cond("last_opened_at", domain.OpIsNotEmpty, nil),
			wantSQL:  "s.last_opened_at IS NOT NULL",
			wantArgs: []any{},
		},
		{
			name:     "in_list",
			cond:     cond("status", domain.OpInList, []string{"subscribed", "pending"}),
			wantSQL:  "s.status = ANY($1::text[])",
			wantArgs: []any{pq.StringArray{"subscribed", "pending"}},
		},
		{
			name:     "not_in_list numbers",
			cond:     cond("emails_clicked", domain.OpNotInList, []int{1, 2}),
			wantSQL:  "NOT (s.emails_clicked = ANY($1::numeric[]))",
			wantArgs: []any{pq.Float64Array{1, 2}},
		},
		{
			name:     "custom text",
			cond:     cond("custom_fields.country", domain.OpEquals, "US"),
			wantSQL:  "(s.custom_fields->>$1::text) = $2::text",
			wantArgs: []any{"country", "US"},
		},
		{
			name:     "custom bool",
			cond:     cond("custom_fields.vip", domain.OpEquals, true),
			wantSQL:  "(CASE WHEN jsonb_typeof(s.custom_fields->$1::text) = 'boolean' THEN (s.custom_fields->>$1::text)::boolean END) = $2::boolean",
			wantArgs: []any{"vip", true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args := render(t, tt.cond)
			assert.Equal(t, tt.wantSQL, sql)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestRenderCustomNumberIsTypeGuarded(t *testing.T) {
	sql, args := render(t, cond("custom_fields.score", domain.OpBetween, []float64{1.5, 9}))
	assert.Contains(t, sql, "jsonb_typeof(s.custom_fields->$1::text) = 'number'")
	assert.Contains(t, sql, "::numeric END) >= $2::numeric")
	assert.Contains(t, sql, "::numeric END) <= $4::numeric")
	assert.Equal(t, []any{"score", 1.5, "score", float64(9)}, args)
}

func TestRenderCustomTimestampIsTypeGuarded(t *testing.T) {
	sql, _ := render(t, cond("custom_fields.renewal", domain.OpBefore, "2024-06-01"))
	assert.Contains(t, sql, "jsonb_typeof(s.custom_fields->$1::text) = 'string'")
	assert.Contains(t, sql, "~ '"+TimestampPattern+"'")
	assert.Contains(t, sql, "THEN try_timestamptz(s.custom_fields->>$1::text) END) < $2::timestamptz")
	assert.NotContains(t, sql, ")::timestamptz END", "stored strings are never cast directly")
}

func TestRenderNotInListLeavesNullUnmatched(t *testing.T) {
	sql, _ := render(t, cond("last_name", domain.OpNotInList, []string{"Lee"}))
	// NOT (NULL = ANY(...)) is NULL, so rows without a last name drop out.
	assert.Equal(t, "NOT (s.last_name = ANY($1::text[]))", sql)
}

func TestBuildSelect(t *testing.T) {
	q, err := NewQuery(teamA, domain.Rules{
		all(cond("status", domain.OpEquals, "subscribed"), cond("custom_fields.country", domain.OpEquals, "US")),
		anyOf(cond("email", domain.OpEndsWith, "@acme.com"), cond("email", domain.OpEndsWith, "@acme.org")),
	})
	require.NoError(t, err)

	sql, args, err := NewQueryBuilder().BuildSelect(q.WithOrder("created_at", true).WithPage(Page{Limit: 20, Offset: 40}))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(sql, "SELECT s.id, s.email"))
	assert.Contains(t, sql, "WHERE s.team_id = $1\n  AND ((s.status = $2::text AND (s.custom_fields->>$3::text) = $4::text) AND (s.email ILIKE $5 ESCAPE '\\' OR s.email ILIKE $6 ESCAPE '\\'))")
	assert.Contains(t, sql, "ORDER BY s.created_at DESC, s.id\nLIMIT $7\nOFFSET $8")
	assert.Equal(t, []any{teamA, "subscribed", "country", "US", "%@acme.com", "%@acme.org", 20, 40}, args)
}

func TestBuildCountAndIDs(t *testing.T) {
	q, err := NewQuery(teamA, domain.Rules{all(cond("emails_opened", domain.OpAfter, 0))})
	require.NoError(t, err)
	qb := NewQueryBuilder()

	sql, args, err := qb.BuildCount(q.WithLimit(5))
	require.NoError(t, err)
	assert.Equal(t, "SELECT COUNT(*)\nFROM subscribers s\nWHERE s.team_id = $1\n  AND s.emails_opened > $2::numeric", sql)
	assert.Equal(t, []any{teamA, float64(0)}, args)

	// The builder resets between builds.
	sql, args, err = qb.BuildIDs(q)
	require.NoError(t, err)
	assert.Equal(t, "SELECT s.id\nFROM subscribers s\nWHERE s.team_id = $1\n  AND s.emails_opened > $2::numeric\nORDER BY s.id", sql)
	assert.Len(t, args, 2)
}

func TestBuildDegenerateRules(t *testing.T) {
	everyone, err := NewQuery(teamA, domain.Rules{all()})
	require.NoError(t, err)
	sql, _, err := NewQueryBuilder().BuildCount(everyone)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(sql, "AND TRUE"))

	noone, err := NewQuery(teamA, domain.Rules{anyOf()})
	require.NoError(t, err)
	sql, _, err = NewQueryBuilder().BuildCount(noone)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(sql, "AND FALSE"))
}

func TestQueryRequiresTeam(t *testing.T) {
	_, err := NewQuery(uuid.Nil, domain.Rules{all(cond("email", domain.OpIsEmpty, nil))})
	assert.ErrorIs(t, err, ErrNoTeamScope)

	_, _, err = NewQueryBuilder().BuildSelect(&Query{})
	assert.ErrorIs(t, err, ErrNoTeamScope)
}

func TestBuildSelectRejectsUnknownOrder(t *testing.T) {
	q, err := NewQuery(teamA, domain.Rules{all(cond("email", domain.OpIsEmpty, nil))})
	require.NoError(t, err)
	_, _, err = NewQueryBuilder().BuildSelect(q.WithOrder("custom_fields", false))
	assert.Error(t, err)
}

func TestHashRulesStable(t *testing.T) {
	a := domain.Rules{{Conditions: []domain.Condition{cond("email", domain.OpIsEmpty, nil)}}}
	b := domain.Rules{all(cond("email", domain.OpIsEmpty, nil))}
	assert.Equal(t, HashRules(teamA, a), HashRules(teamA, b), "absent match hashes like all")
	assert.NotEqual(t, HashRules(teamA, a), HashRules(uuid.New(), a))
}
