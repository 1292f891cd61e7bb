package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"session-service/internal/client"
)

// ClickHouseSink archives audit events into the analytics table that serves
// security reporting queries.
type ClickHouseSink struct {
	client *client.ClickHouseClient
	table  string
}

func NewClickHouseSink(ch *client.ClickHouseClient, table string) *ClickHouseSink {
	return &ClickHouseSink{
		client: ch,
		table:  table,
	}
}

func (s *ClickHouseSink) Record(ctx context.Context, event Event) error {
	detail := "{}"
	if len(event.Detail) > 0 {
		raw, err := json.Marshal(event.Detail)
		if err != nil {
			return fmt.Errorf("failed to marshal event detail: %w", err)
		}
		detail = string(raw)
	}

	query := fmt.Sprintf(`
        INSERT INTO %s (
            event_id, event_type, user_id, device_id,
            event_bucket, date_bucket, detail, occurred_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	return s.client.Exec(ctx, query,
		event.EventID, string(event.EventType),
		event.UserID, event.DeviceID,
		event.EventBucket, event.DateBucket,
		detail, event.OccurredAt,
	)
}
