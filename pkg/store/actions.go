package store

import (
	"fmt"
	"time"

	"DroidView/pkg/toolkit"

	"github.com/tidwall/gjson"
)

// ActionQuery filters action history. Match keys are gjson paths into the
// stored action payload (e.g. "remote", "timeLimit"); values compare as strings.
type ActionQuery struct {
	DeviceID   string
	Kind       toolkit.Kind
	FailedOnly bool
	Match      map[string]string
	Limit      int
}

// Actions returns matching actions, newest first
func (s *Store) Actions(q ActionQuery) ([]ActionRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, device_id, kind, payload, path, output, error, started_at, finished_at
		FROM actions
		WHERE (? = '' OR device_id = ?) AND (? = '' OR kind = ?) AND (? = 0 OR error != '')
		ORDER BY started_at DESC, rowid DESC
	`, q.DeviceID, q.DeviceID, string(q.Kind), string(q.Kind), boolInt(q.FailedOnly))
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	var out []ActionRecord
	for rows.Next() && len(out) < limit {
		var rec ActionRecord
		var kind, payload string
		var started, finished int64
		if err := rows.Scan(&rec.ID, &rec.DeviceID, &kind, &payload, &rec.Path, &rec.Output, &rec.Error, &started, &finished); err != nil {
			return nil, err
		}
		if !matchPayload(payload, q.Match) {
			continue
		}
		rec.Kind = toolkit.Kind(kind)
		rec.Payload = []byte(payload)
		rec.StartedAt = time.UnixMilli(started)
		rec.FinishedAt = time.UnixMilli(finished)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func matchPayload(payload string, match map[string]string) bool {
	for path, want := range match {
		got := gjson.Get(payload, path)
		if !got.Exists() || got.String() != want {
			return false
		}
	}
	return true
}

// PayloadField reads one field of a stored action payload
func (r ActionRecord) PayloadField(path string) string {
	return gjson.GetBytes(r.Payload, path).String()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
