package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	logx "prospectd/pkg/logx"
)

// GetJSONSetting unmarshals the stored value for key into v. Returns
// false (with v untouched) when the key is absent or the stored payload
// does not parse.
func (s *Store) GetJSONSetting(ctx context.Context, key string, v any) (bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM app_settings WHERE key = ?`, key,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		s.log.Warn("discarding unparseable setting", logx.String("key", key), logx.Err(err))
		return false, nil
	}
	return true, nil
}

// PutJSONSetting stores v as the JSON value for key.
func (s *Store) PutJSONSetting(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO app_settings (key, value, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   value = excluded.value,
		   updated_at = excluded.updated_at`,
		key, string(b), fmtTime(time.Now()),
	)
	return err
}
