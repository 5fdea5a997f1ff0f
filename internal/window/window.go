// Package window provides keyed, time-bounded event histories for count rules.
package window

import (
	"fmt"
	"time"

	"github.com/opensource-finance/tillwatch/internal/domain"
)

// retainWindows is how many window lengths of history a key keeps behind the
// appended entry. Counting still covers exactly one window.
const retainWindows = 2

// New creates a window store based on configuration.
// maxEntries bounds the number of entries kept per key.
func New(cfg domain.WindowConfig, maxEntries int) (domain.WindowStore, error) {
	switch cfg.Type {
	case "memory", "":
		return NewMemoryStore(MemoryOptions{
			MaxKeys:    cfg.MaxKeys,
			MaxEntries: maxEntries,
			IdleTTL:    time.Duration(cfg.IdleTTLMs) * time.Millisecond,
		}), nil

	case "redis":
		return NewRedisStore(cfg, maxEntries)

	default:
		return nil, fmt.Errorf("unsupported window store type: %s", cfg.Type)
	}
}

// Key builds the window key for an entity and rule.
func Key(entityID, ruleID string) string {
	return entityID + "|" + ruleID
}
