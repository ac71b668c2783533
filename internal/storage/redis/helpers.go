package redis

import (
	"fmt"
	"time"

	"github.com/goodtune/parkmeter/internal/storage"
)

// parseAlert converts a Redis hash to Alert
func parseAlert(data map[string]string) (*storage.Alert, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	fireAt, err := time.Parse(time.RFC3339Nano, data["fire_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse fire_at: %w", err)
	}

	createdAt, err := time.Parse(time.RFC3339Nano, data["created_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	return &storage.Alert{
		ID:        data["id"],
		Title:     data["title"],
		Body:      data["body"],
		Payload:   data["payload"],
		FireAt:    fireAt,
		CreatedAt: createdAt,
	}, nil
}

// pairsToMap converts a flat HGETALL reply from a Lua script into a map
func pairsToMap(reply interface{}) (map[string]string, error) {
	items, ok := reply.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected hash reply type %T", reply)
	}
	if len(items)%2 != 0 {
		return nil, fmt.Errorf("odd number of hash reply items: %d", len(items))
	}

	data := make(map[string]string, len(items)/2)
	for i := 0; i < len(items); i += 2 {
		field, ok := items[i].(string)
		if !ok {
			return nil, fmt.Errorf("unexpected field type %T", items[i])
		}
		value, ok := items[i+1].(string)
		if !ok {
			return nil, fmt.Errorf("unexpected value type %T for field %s", items[i+1], field)
		}
		data[field] = value
	}
	return data, nil
}
