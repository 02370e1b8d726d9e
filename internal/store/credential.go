package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/nova/pkg/models"
)

// HasCredential reports whether a user has any populated credential
// field for a tool kind. The core never reads field values (the
// encrypted credential store itself is out of scope per spec §1) — this
// is the one query the Tool Registry's discovery preference needs.
func (s *Store) HasCredential(ctx context.Context, userID, toolKind string) (bool, error) {
	var fieldsJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT fields FROM credentials WHERE user_id = $1 AND tool_kind = $2
	`, userID, toolKind).Scan(&fieldsJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("has credential: %w", err)
	}
	var fields map[string]string
	if len(fieldsJSON) > 0 {
		if err := json.Unmarshal(fieldsJSON, &fields); err != nil {
			return false, fmt.Errorf("unmarshal credential fields: %w", err)
		}
	}
	c := models.Credential{Fields: fields}
	return c.HasAnyField(), nil
}
