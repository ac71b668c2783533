package bolt

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/goodtune/parkmeter/internal/storage"
	"go.etcd.io/bbolt"
)

// alertStore keeps alerts by id plus a fire-time index. Every mutation
// touches both buckets in one transaction.
type alertStore struct {
	db *bbolt.DB
}

func (s *alertStore) AddAlert(ctx context.Context, alert storage.Alert) error {
	if alert.ID == "" {
		return fmt.Errorf("alert id is required")
	}

	data, err := marshal(alert)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		alerts := tx.Bucket([]byte(bucketAlerts))
		index := tx.Bucket([]byte(bucketAlertsByDue))

		// Re-adding an id moves it to the new fire time
		if existing := alerts.Get([]byte(alert.ID)); existing != nil {
			var old storage.Alert
			if err := unmarshal(existing, &old); err != nil {
				return err
			}
			if err := index.Delete(dueKey(old.FireAt, old.ID)); err != nil {
				return err
			}
		}

		if err := alerts.Put([]byte(alert.ID), data); err != nil {
			return err
		}
		return index.Put(dueKey(alert.FireAt, alert.ID), []byte(alert.ID))
	})
}

func (s *alertStore) RemoveAlert(ctx context.Context, id string) (bool, error) {
	removed := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		alert, err := getAlert(tx, id)
		if err == storage.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		removed = true
		return deleteAlert(tx, alert)
	})
	return removed, err
}

func (s *alertStore) GetAlert(ctx context.Context, id string) (*storage.Alert, error) {
	var alert *storage.Alert
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var err error
		alert, err = getAlert(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return alert, nil
}

func (s *alertStore) ListAlerts(ctx context.Context) ([]storage.Alert, error) {
	alerts := make([]storage.Alert, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketAlertsByDue)).ForEach(func(_, id []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			alert, err := getAlert(tx, string(id))
			if err != nil {
				return err
			}
			alerts = append(alerts, *alert)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return alerts, nil
}

// ClaimDue removes and returns up to limit alerts due at or before now.
// bbolt serializes writers, so a claimed alert is handed out once.
func (s *alertStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]storage.Alert, error) {
	if limit <= 0 {
		limit = 1
	}

	claimed := make([]storage.Alert, 0)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Upper bound: every key for fire times at or before now
		bound := []byte(fmt.Sprintf("%020d/\xff", now.UnixNano()))

		c := tx.Bucket([]byte(bucketAlertsByDue)).Cursor()
		for k, id := c.First(); k != nil && bytes.Compare(k, bound) <= 0 && len(claimed) < limit; k, id = c.Next() {
			alert, err := getAlert(tx, string(id))
			if err != nil {
				return err
			}
			claimed = append(claimed, *alert)
		}

		for i := range claimed {
			if err := deleteAlert(tx, &claimed[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func getAlert(tx *bbolt.Tx, id string) (*storage.Alert, error) {
	raw := tx.Bucket([]byte(bucketAlerts)).Get([]byte(id))
	if raw == nil {
		return nil, storage.ErrNotFound
	}
	var alert storage.Alert
	if err := unmarshal(raw, &alert); err != nil {
		return nil, err
	}
	return &alert, nil
}

func deleteAlert(tx *bbolt.Tx, alert *storage.Alert) error {
	if err := tx.Bucket([]byte(bucketAlertsByDue)).Delete(dueKey(alert.FireAt, alert.ID)); err != nil {
		return err
	}
	return tx.Bucket([]byte(bucketAlerts)).Delete([]byte(alert.ID))
}
