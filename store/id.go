package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewCheckpointID mints a time-ordered checkpoint id. Successive calls
// produce ids whose lexicographic order matches their creation order,
// which is the property the savers rely on for latest-checkpoint and
// Before-range queries.
func NewCheckpointID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; fall back to a
		// timestamp-prefixed random id with the same ordering property.
		return fmt.Sprintf("%020d-%s", time.Now().UnixNano(), uuid.New().String())
	}
	return id.String()
}
