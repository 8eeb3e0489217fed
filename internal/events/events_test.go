package events

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	ok := Validate("user-1", "cv_generated", "cv", map[string]interface{}{"ats_score": 72})
	assert.NoError(t, ok)

	assert.Error(t, Validate("", "cv_generated", "cv", nil), "empty user id")
	assert.Error(t, Validate("user with spaces", "cv_generated", "cv", nil))
	assert.Error(t, Validate("user-1", "", "cv", nil), "empty event type")
	assert.Error(t, Validate("user-1", "1starts_with_digit", "cv", nil))
	assert.Error(t, Validate("user-1", "cv_generated", "", nil), "empty app source")

	big := map[string]interface{}{"blob": strings.Repeat("x", MaxEventDataBytes+1)}
	err := Validate("user-1", "cv_generated", "cv", big)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestMemoryStore_AppendStampsAndStores(t *testing.T) {
	ms := NewMemoryStore(nil)
	ev, err := ms.Append(context.Background(), "user-1", "cv_generated", "cv",
		map[string]interface{}{"ats_score": 70.0}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, ev.EventID)
	assert.False(t, ev.CreatedAt.IsZero())
	assert.Equal(t, 1, ms.Count("user-1"))
}

func TestMemoryStore_QueryFiltersAndOrder(t *testing.T) {
	ms := NewMemoryStore(nil)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i, typ := range []string{"cv_generated", "letter_generated", "cv_generated"} {
		require.NoError(t, ms.AppendPrepared(ctx, &Event{
			EventID:   "ev-" + strconv.Itoa(i),
			UserID:    "user-1",
			EventType: typ,
			AppSource: "test",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	all, err := ms.Query(ctx, Query{UserID: "user-1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].CreatedAt.After(all[2].CreatedAt), "query must be reverse chronological")

	cvs, err := ms.Query(ctx, Query{UserID: "user-1", Limit: 10, EventType: "cv_generated"})
	require.NoError(t, err)
	assert.Len(t, cvs, 2)

	recent, err := ms.Query(ctx, Query{UserID: "user-1", Limit: 10, Since: base.Add(90 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	capped, err := ms.Query(ctx, Query{UserID: "user-1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, capped, 2)
}

func TestBus_TypedAndWildcardDelivery(t *testing.T) {
	bus := NewBus()
	typed := bus.Subscribe("EnergyActionPerformed")
	all := bus.Subscribe()

	bus.Publish(&Event{EventID: "1", EventType: "EnergyActionPerformed", UserID: "u"})
	bus.Publish(&Event{EventID: "2", EventType: "cv_generated", UserID: "u"})

	assert.Len(t, typed, 1)
	assert.Len(t, all, 2)

	bus.Unsubscribe(typed)
	bus.Unsubscribe(all)
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-typed
	assert.False(t, open, "unsubscribed channel must be closed")
}

func TestBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			bus.Publish(&Event{EventID: "x", EventType: "t", UserID: "u"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}
}

func TestEventFieldAccessors(t *testing.T) {
	ev := &Event{EventData: map[string]interface{}{
		"action":      "analyse_cv_complete",
		"energy_cost": 25.0,
		"count":       3,
	}}

	assert.Equal(t, "analyse_cv_complete", ev.StringField("action"))
	assert.Equal(t, "", ev.StringField("missing"))

	cost, ok := ev.FloatField("energy_cost")
	assert.True(t, ok)
	assert.Equal(t, 25.0, cost)

	count, ok := ev.FloatField("count")
	assert.True(t, ok)
	assert.Equal(t, 3.0, count)

	_, ok = ev.FloatField("action")
	assert.False(t, ok, "non-numeric field must not coerce")

	var empty Event
	assert.Equal(t, "", empty.StringField("anything"))
}
