package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"ironwatch.dev/internal/audit"
)

var _ audit.Sink = (*Store)(nil)

// WriteEvent stores an audit event. Replays of the same id are ignored.
func (s *Store) WriteEvent(ctx context.Context, e audit.Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("encode audit data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_events (id, occurred_at, event, username, data, user_agent, url, referrer, ip, request_id)
		values ($1, $2, $3, nullif($4, ''), $5, $6, $7, $8, $9, $10)
		on conflict (id) do nothing
	`, e.ID, e.Timestamp, string(e.Kind), e.Username(), data, e.UserAgent, e.URL, e.Referrer, e.IP, e.RequestID)
	return schemaHint(err)
}

// RecentEvents reads persisted events, most recent first.
func (s *Store) RecentEvents(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = audit.DefaultQueryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, occurred_at, event, data, user_agent, url, referrer, ip, request_id
		from audit_events
		where ($1 = '' or event = $1)
		  and ($2 = '' or username = $2)
		  and ($3::timestamptz is null or occurred_at >= $3)
		  and ($4::timestamptz is null or occurred_at <= $4)
		order by occurred_at desc, id desc
		limit $5
	`, string(f.Kind), f.Username, nullTime(f.Start), nullTime(f.End), limit)
	if err != nil {
		return nil, schemaHint(err)
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var (
			e    audit.Event
			kind string
			raw  []byte
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &kind, &raw, &e.UserAgent, &e.URL, &e.Referrer, &e.IP, &e.RequestID); err != nil {
			return nil, err
		}
		e.Kind = audit.Kind(kind)
		e.Data = map[string]any{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Data); err != nil {
				return nil, fmt.Errorf("decode audit data %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
