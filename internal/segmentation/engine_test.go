package segmentation_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/segmentation"
	"github.com/ignite/audience-engine/internal/segmentation/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cond(field string, op domain.Operator, value any) domain.Condition {
	c := domain.Condition{Field: field, Operator: op}
	if value != nil {
		raw, _ := json.Marshal(value)
		c.Value = raw
	}
	return c
}

func group(match domain.MatchMode, conds ...domain.Condition) domain.ConditionGroup {
	return domain.ConditionGroup{Match: match, Conditions: conds}
}

func at(s string) time.Time {
	t, _, err := segmentation.ParseTimestamp(s)
	if err != nil {
		panic(err)
	}
	return t
}

type fixture struct {
	store  *memstore.Store
	engine *segmentation.Engine
	team   uuid.UUID
	other  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	return &fixture{
		store:  store,
		engine: segmentation.NewEngine(store, store, segmentation.EngineConfig{}),
		team:   uuid.New(),
		other:  uuid.New(),
	}
}

func (f *fixture) add(email string, status domain.SubscriberStatus, custom domain.CustomFields) domain.Subscriber {
	return f.store.PutSubscriber(domain.Subscriber{
		TeamID:       f.team,
		Email:        email,
		Status:       status,
		CreatedAt:    at("2024-01-15T10:00:00Z"),
		CustomFields: custom,
	})
}

func TestScenario_StatusAndCountry(t *testing.T) {
	f := newFixture(t)
	f.add("a@x.com", domain.SubscriberSubscribed, domain.CustomFields{"country": domain.StringValue("US")})
	f.add("b@x.com", domain.SubscriberSubscribed, domain.CustomFields{"country": domain.StringValue("US")})
	f.add("c@x.com", domain.SubscriberSubscribed, domain.CustomFields{"country": domain.StringValue("UK")})
	// Same profile in another team must not count.
	f.store.PutSubscriber(domain.Subscriber{TeamID: f.other, Email: "d@x.com", Status: domain.SubscriberSubscribed,
		CustomFields: domain.CustomFields{"country": domain.StringValue("US")}})

	seg, err := f.engine.CreateSegment(context.Background(), f.team, segmentation.SegmentInput{
		Name: "US subscribers",
		Conditions: domain.Rules{group(domain.MatchAll,
			cond("status", domain.OpEquals, "subscribed"),
			cond("custom_fields.country", domain.OpEquals, "US"),
		)},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, seg.SubscriberCount)
	require.NotNil(t, seg.LastCalculatedAt)
}

func TestScenario_EitherDomain(t *testing.T) {
	f := newFixture(t)
	f.add("one@acme.com", domain.SubscriberSubscribed, nil)
	f.add("two@ACME.org", domain.SubscriberSubscribed, nil)
	f.add("three@other.com", domain.SubscriberSubscribed, nil)

	preview, err := f.engine.PreviewRules(context.Background(), f.team, domain.Rules{group(domain.MatchAny,
		cond("email", domain.OpEndsWith, "@acme.com"),
		cond("email", domain.OpEndsWith, "@acme.org"),
	)}, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, preview.Count)
	require.Len(t, preview.Subscribers, 2)
	emails := []string{preview.Subscribers[0].Email, preview.Subscribers[1].Email}
	assert.ElementsMatch(t, []string{"one@acme.com", "two@ACME.org"}, emails)
	assert.Empty(t, preview.Warnings)
	assert.NotEmpty(t, preview.QueryHash)
}

func TestScenario_EmptyGroup(t *testing.T) {
	f := newFixture(t)
	f.add("a@x.com", domain.SubscriberSubscribed, nil)
	f.add("b@x.com", domain.SubscriberUnsubscribed, nil)
	rules := domain.Rules{group(domain.MatchAll)}

	preview, err := f.engine.PreviewRules(context.Background(), f.team, rules, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, preview.Count, "empty all-group matches the whole team")
	assert.Contains(t, preview.Warnings, segmentation.WarnMatchesEveryone)

	_, err = f.engine.CreateSegment(context.Background(), f.team, segmentation.SegmentInput{Name: "everyone", Conditions: rules})
	var verr *segmentation.ValidationError
	require.True(t, errors.As(err, &verr), "saving an empty group is rejected")
}

func TestScenario_BetweenDates(t *testing.T) {
	f := newFixture(t)
	f.store.PutSubscriber(domain.Subscriber{TeamID: f.team, Email: "first@x.com", CreatedAt: at("2024-01-01T00:00:00")})
	f.store.PutSubscriber(domain.Subscriber{TeamID: f.team, Email: "last@x.com", CreatedAt: at("2024-01-31T18:30:00")})
	f.store.PutSubscriber(domain.Subscriber{TeamID: f.team, Email: "late@x.com", CreatedAt: at("2024-02-01T00:00:00")})

	preview, err := f.engine.PreviewRules(context.Background(), f.team, domain.Rules{group(domain.MatchAll,
		cond("created_at", domain.OpBetween, []string{"2024-01-01", "2024-01-31"}),
	)}, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, preview.Count)
	for _, s := range preview.Subscribers {
		assert.NotEqual(t, "late@x.com", s.Email)
	}
}

func TestPreviewLimit(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 15; i++ {
		f.add(uuid.NewString()+"@x.com", domain.SubscriberSubscribed, nil)
	}
	rules := domain.Rules{group(domain.MatchAll, cond("status", domain.OpEquals, "subscribed"))}

	preview, err := f.engine.PreviewRules(context.Background(), f.team, rules, 0)
	require.NoError(t, err)
	assert.Equal(t, 15, preview.Count)
	assert.Len(t, preview.Subscribers, segmentation.DefaultPreviewLimit)

	preview, err = f.engine.PreviewRules(context.Background(), f.team, rules, 1000)
	require.NoError(t, err)
	assert.Len(t, preview.Subscribers, 15)
}

func TestSegmentLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.add("a@x.com", domain.SubscriberSubscribed, nil)
	f.add("b@x.com", domain.SubscriberPending, nil)

	seg, err := f.engine.CreateSegment(ctx, f.team, segmentation.SegmentInput{
		Name:       "  Subscribed  ",
		Conditions: domain.Rules{{Conditions: []domain.Condition{cond("status", domain.OpEquals, "subscribed")}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Subscribed", seg.Name)
	assert.Equal(t, domain.MatchAll, seg.Conditions[0].Match, "stored rules are normalized")
	assert.Equal(t, 1, seg.SubscriberCount)

	// A rename keeps the stored count even after the data changes.
	f.add("c@x.com", domain.SubscriberSubscribed, nil)
	seg, err = f.engine.UpdateSegment(ctx, f.team, seg.ID, segmentation.SegmentInput{
		Name:       "Renamed",
		Conditions: seg.Conditions,
	})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", seg.Name)
	assert.Equal(t, 1, seg.SubscriberCount)

	seg, err = f.engine.RecalculateSegment(ctx, f.team, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, seg.SubscriberCount)

	seg, err = f.engine.UpdateSegment(ctx, f.team, seg.ID, segmentation.SegmentInput{
		Name:       "Pending",
		Conditions: domain.Rules{group(domain.MatchAll, cond("status", domain.OpEquals, "pending"))},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, seg.SubscriberCount, "changed rules are recounted")

	ok, err := f.engine.EvaluateSubscriber(ctx, f.team, seg.ID, a.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	subs, total, err := f.engine.SegmentSubscribers(ctx, f.team, seg.ID, segmentation.Page{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, subs, 1)
	assert.Equal(t, "b@x.com", subs[0].Email)

	segs, total, err := f.engine.ListSegments(ctx, f.team, segmentation.Page{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, segs, 1)

	require.NoError(t, f.engine.DeleteSegment(ctx, f.team, seg.ID))
	_, err = f.engine.GetSegment(ctx, f.team, seg.ID)
	assert.ErrorIs(t, err, segmentation.ErrSegmentNotFound)
	assert.ErrorIs(t, f.engine.DeleteSegment(ctx, f.team, seg.ID), segmentation.ErrSegmentNotFound)
}

func TestTeamIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.add("a@x.com", domain.SubscriberSubscribed, nil)
	seg, err := f.engine.CreateSegment(ctx, f.team, segmentation.SegmentInput{
		Name:       "all",
		Conditions: domain.Rules{group(domain.MatchAll, cond("email", domain.OpIsNotEmpty, nil))},
	})
	require.NoError(t, err)

	_, err = f.engine.GetSegment(ctx, f.other, seg.ID)
	assert.ErrorIs(t, err, segmentation.ErrSegmentNotFound)

	_, err = f.engine.EvaluateSubscriber(ctx, f.team, seg.ID, uuid.New())
	assert.ErrorIs(t, err, segmentation.ErrSubscriberNotFound)

	otherSeg, err := f.engine.CreateSegment(ctx, f.other, segmentation.SegmentInput{
		Name:       "all",
		Conditions: domain.Rules{group(domain.MatchAll, cond("email", domain.OpIsNotEmpty, nil))},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, otherSeg.SubscriberCount)
	_, err = f.engine.EvaluateSubscriber(ctx, f.other, otherSeg.ID, sub.ID)
	assert.ErrorIs(t, err, segmentation.ErrSubscriberNotFound)
}

func TestCreateSegmentValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.CreateSegment(context.Background(), f.team, segmentation.SegmentInput{
		Conditions: domain.Rules{group(domain.MatchAll, cond("email", domain.OpInList, []string{}))},
	})
	var verr *segmentation.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Problems, 2)
	assert.Equal(t, "name is required", verr.Problems[0])
}

func TestDeterminism(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 30; i++ {
		f.store.PutSubscriber(domain.Subscriber{TeamID: f.team, Email: uuid.NewString() + "@x.com", EmailsOpened: i % 4})
	}
	rules := domain.Rules{group(domain.MatchAll, cond("emails_opened", domain.OpAfter, 1))}
	first, err := f.engine.PreviewRules(context.Background(), f.team, rules, 100)
	require.NoError(t, err)
	second, err := f.engine.PreviewRules(context.Background(), f.team, rules, 100)
	require.NoError(t, err)
	assert.Equal(t, first.Subscribers, second.Subscribers)
	assert.Equal(t, first.QueryHash, second.QueryHash)
}
