package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// newImageID mints a globally unique image id whose lexicographic order
// equals creation-time order: a zero-padded millisecond timestamp
// followed by a random UUID. The padding matters; without it an id
// minted before epoch 10^13 would sort after later, longer ones.
func newImageID(now time.Time) string {
	return fmt.Sprintf("%013d-%s", now.UnixMilli(), uuid.New())
}
