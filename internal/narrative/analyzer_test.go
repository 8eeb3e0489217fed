package narrative

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luna-platform/hub/internal/cache"
	"github.com/luna-platform/hub/internal/core"
	"github.com/luna-platform/hub/internal/events"
)

type stubUsers struct{ plan core.Plan }

func (s stubUsers) GetUser(context.Context, string) (*core.User, error) {
	return &core.User{ID: "u", Plan: s.plan, Active: true}, nil
}

type stubInsights struct {
	ins *NLPInsights
	err error
}

func (s stubInsights) Insights(context.Context, string, []*events.Event) (*NLPInsights, error) {
	return s.ins, s.err
}

func seed(t *testing.T, ms *events.MemoryStore, userID string, age time.Duration, eventType, app string, data map[string]interface{}) {
	t.Helper()
	require.NoError(t, ms.AppendPrepared(context.Background(), &events.Event{
		EventID:   "ev-" + eventType + "-" + strconv.FormatInt(int64(age/time.Second), 10),
		UserID:    userID,
		EventType: eventType,
		AppSource: app,
		EventData: data,
		CreatedAt: time.Now().UTC().Add(-age),
	}))
}

func newTestAnalyzer(t *testing.T, ms *events.MemoryStore, users UserLookup, ins InsightsProvider) *Analyzer {
	t.Helper()
	c := cache.NewMemoryCache(0)
	t.Cleanup(func() { c.Close() })
	return New(ms, users, c, ins, DefaultWindows(), time.Minute)
}

func TestAnalyzer_PacketFromEventHistory(t *testing.T) {
	ms := events.NewMemoryStore(nil)
	userID := "user-1"

	day := 24 * time.Hour
	seed(t, ms, userID, 10*day, "cv_generated", "cv", map[string]interface{}{"ats_score": 50.0})
	seed(t, ms, userID, 9*day, "cv_generated", "cv", map[string]interface{}{"ats_score": 50.0})
	seed(t, ms, userID, 5*day, "letter_generated", "letters", map[string]interface{}{"target_sector": "fintech"})
	seed(t, ms, userID, 3*day, "cv_generated", "cv", map[string]interface{}{"ats_score": 60.0})
	seed(t, ms, userID, 2*day, "aube_checkin", "aube", map[string]interface{}{"feeling": "Je doute de mon projet"})
	seed(t, ms, userID, time.Hour, "cv_generated", "cv", map[string]interface{}{"ats_score": 70.0})

	a := newTestAnalyzer(t, ms, stubUsers{plan: core.PlanFree}, nil)
	packet, err := a.Analyze(context.Background(), userID)
	require.NoError(t, err)

	assert.Equal(t, userID, packet.UserID)
	assert.Equal(t, core.PlanFree, packet.Meta.Plan)
	assert.Equal(t, 10, packet.Meta.AgeDays)
	assert.InDelta(t, 1.0, packet.Meta.LastActivityHours, 0.1)

	assert.Equal(t, 4, packet.Progress.CVCount)
	assert.Equal(t, 1, packet.Progress.LetterCount)
	assert.InDelta(t, 57.5, packet.Progress.ATSAverage, 0.001)
	// Chronological mid-window scores [50,50,60,70]: halves 50 vs 65.
	assert.InDelta(t, 30.0, packet.Progress.ATSDelta14Pct, 0.001)
	assert.Equal(t, "fintech", packet.Progress.TargetSector)

	assert.Equal(t, []string{"aube", "cv", "letters"}, packet.Usage.AppsUsed)
	assert.Equal(t, 4, packet.Usage.SessionCount, "events more than 30 minutes apart are distinct sessions")

	assert.Equal(t, "Je doute de mon projet", packet.DoubtMarker)
	assert.InDelta(t, 0.774, packet.Confidence, 0.01)
	assert.Nil(t, packet.Insights)
}

func TestAnalyzer_EmptyHistoryLowConfidence(t *testing.T) {
	ms := events.NewMemoryStore(nil)
	a := newTestAnalyzer(t, ms, nil, nil)

	packet, err := a.Analyze(context.Background(), "fresh-user")
	require.NoError(t, err)
	assert.Equal(t, 0, packet.Progress.CVCount)
	assert.Empty(t, packet.Usage.AppsUsed)
	assert.Empty(t, packet.DoubtMarker)
	assert.Equal(t, core.PlanFree, packet.Meta.Plan)
	// (0 saturation + 1 recency + 0 diversity + 0.3 no-ATS) / 4
	assert.InDelta(t, 0.325, packet.Confidence, 0.001)
}

func TestAnalyzer_PacketIsCached(t *testing.T) {
	ms := events.NewMemoryStore(nil)
	a := newTestAnalyzer(t, ms, nil, nil)
	ctx := context.Background()

	first, err := a.Analyze(ctx, "user-1")
	require.NoError(t, err)

	// New events do not surface until the cache entry is invalidated.
	seed(t, ms, "user-1", time.Minute, "cv_generated", "cv", map[string]interface{}{"ats_score": 80.0})

	second, err := a.Analyze(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, first.GeneratedAt.Equal(second.GeneratedAt))
	assert.Equal(t, 0, second.Progress.CVCount)
}

func TestAnalyzer_InvalidUserID(t *testing.T) {
	a := newTestAnalyzer(t, events.NewMemoryStore(nil), nil, nil)
	_, err := a.Analyze(context.Background(), "no spaces")
	assert.True(t, core.IsCode(err, core.CodeInvalidInput))
}

func TestAnalyzer_InsightsEnrichment(t *testing.T) {
	ms := events.NewMemoryStore(nil)
	provided := &NLPInsights{Themes: []string{"reconversion"}, Sentiment: 0.4}
	a := newTestAnalyzer(t, ms, nil, stubInsights{ins: provided})

	packet, err := a.Analyze(context.Background(), "user-1")
	require.NoError(t, err)
	require.NotNil(t, packet.Insights)
	assert.Equal(t, []string{"reconversion"}, packet.Insights.Themes)
}

func TestAnalyzer_InsightsFailureIsNonFatal(t *testing.T) {
	ms := events.NewMemoryStore(nil)
	a := newTestAnalyzer(t, ms, nil, stubInsights{err: errors.New("gateway down")})

	packet, err := a.Analyze(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Nil(t, packet.Insights)
}

func TestGroupSessions(t *testing.T) {
	now := time.Now()

	count, avg := groupSessions(nil)
	assert.Equal(t, 0, count)
	assert.Equal(t, 0.0, avg)

	// Three stamps ten minutes apart form one 20-minute session.
	one := []time.Time{now, now.Add(10 * time.Minute), now.Add(20 * time.Minute)}
	count, avg = groupSessions(one)
	assert.Equal(t, 1, count)
	assert.InDelta(t, 20.0, avg, 0.001)

	// A two-hour gap starts a second session.
	two := append(one, now.Add(2*time.Hour), now.Add(2*time.Hour+10*time.Minute))
	count, avg = groupSessions(two)
	assert.Equal(t, 2, count)
	assert.InDelta(t, 15.0, avg, 0.001)
}

func TestHalvesDelta(t *testing.T) {
	assert.Equal(t, 0.0, halvesDelta(nil))
	assert.Equal(t, 0.0, halvesDelta([]float64{50}))
	assert.InDelta(t, 20.0, halvesDelta([]float64{50, 50, 60, 60}), 0.001)
	assert.InDelta(t, -20.0, halvesDelta([]float64{50, 40}), 0.001)
	assert.Equal(t, 0.0, halvesDelta([]float64{0, 50}), "zero baseline has no defined delta")
}

func TestLatestDoubtMarker(t *testing.T) {
	evs := []*events.Event{
		{EventType: "cv_generated", EventData: map[string]interface{}{"text": "je doute"}},
		{EventType: "aube_checkin", EventData: map[string]interface{}{"feeling": "Je me sens perdu"}},
		{EventType: "onboarding_step", EventData: map[string]interface{}{"answer": "tout va bien"}},
		{EventType: "feedback_submitted", EventData: map[string]interface{}{"message": "I feel stuck"}},
	}
	// Newest-first scan skips non-emotional sources and non-matching text.
	assert.Equal(t, "Je me sens perdu", latestDoubtMarker(evs))
	assert.Equal(t, "", latestDoubtMarker(evs[:1]), "cv events are not emotional sources")
}

func TestConfidence(t *testing.T) {
	full := confidence(40, 0, 5, true)
	assert.InDelta(t, 0.95, full, 0.001) // (1 + 1 + 1 + 0.8) / 4

	stale := confidence(40, 1000, 5, true)
	assert.InDelta(t, 0.75, stale, 0.001) // recency floors at 0.2

	assert.Greater(t, full, confidence(5, 0, 1, false))
}
