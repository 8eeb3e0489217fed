package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/luna-platform/hub/internal/core"
	"github.com/luna-platform/hub/internal/events"
)

// execer covers both *sql.DB and *sql.Tx so the energy commit can reuse the
// event insert inside its transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventStore implements events.Store on Postgres. Optionally fans appended
// events out on an in-process bus for live streaming.
type EventStore struct {
	pg  *Postgres
	bus *events.Bus
}

func NewEventStore(pg *Postgres, bus *events.Bus) *EventStore {
	return &EventStore{pg: pg, bus: bus}
}

func (s *EventStore) Append(ctx context.Context, userID, eventType, appSource string, data, metadata map[string]interface{}) (*events.Event, error) {
	if err := events.Validate(userID, eventType, appSource, data); err != nil {
		return nil, err
	}
	ev := &events.Event{
		EventID:   uuid.NewString(),
		UserID:    userID,
		EventType: eventType,
		AppSource: appSource,
		EventData: data,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	ctx, cancel := s.pg.opCtx(ctx)
	defer cancel()
	if err := insertEvent(ctx, s.pg.db, ev); err != nil {
		return nil, err
	}
	if s.bus != nil {
		s.bus.Publish(ev)
	}
	return ev, nil
}

func (s *EventStore) Query(ctx context.Context, q events.Query) ([]*events.Event, error) {
	if q.Limit <= 0 || q.Limit > 500 {
		q.Limit = 50
	}
	query := `SELECT event_id, user_id, event_type, app_source, event_data, metadata, created_at
	          FROM events WHERE user_id = $1`
	args := []interface{}{q.UserID}
	if q.EventType != "" {
		args = append(args, q.EventType)
		query += ` AND event_type = $2`
	}
	if !q.Since.IsZero() {
		args = append(args, q.Since)
		query += ` AND created_at >= $` + strconv.Itoa(len(args))
	}
	args = append(args, q.Limit)
	query += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args))

	ctx, cancel := s.pg.opCtx(ctx)
	defer cancel()
	rows, err := s.pg.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.NewError(core.CodeEventStoreUnavailable, "select events").WithCause(err)
	}
	defer rows.Close()

	var out []*events.Event
	for rows.Next() {
		ev := &events.Event{}
		var rawData, rawMeta []byte
		if err := rows.Scan(&ev.EventID, &ev.UserID, &ev.EventType, &ev.AppSource,
			&rawData, &rawMeta, &ev.CreatedAt); err != nil {
			return nil, core.NewError(core.CodeInternal, "scan event").WithCause(err)
		}
		if len(rawData) > 0 {
			_ = json.Unmarshal(rawData, &ev.EventData)
		}
		if len(rawMeta) > 0 {
			_ = json.Unmarshal(rawMeta, &ev.Metadata)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// insertEvent persists a pre-stamped event through db or an open tx.
func insertEvent(ctx context.Context, db execer, ev *events.Event) error {
	rawData, err := marshalJSONB(ev.EventData)
	if err != nil {
		return err
	}
	rawMeta, err := marshalJSONB(ev.Metadata)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO events (event_id, user_id, event_type, app_source, event_data, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.EventID, ev.UserID, ev.EventType, ev.AppSource, rawData, rawMeta, ev.CreatedAt); err != nil {
		return core.NewError(core.CodeEventStoreUnavailable, "insert event").WithCause(err)
	}
	return nil
}

