// Package bus delivers fraud notifications to branch subscribers.
package bus

import (
	"fmt"

	"github.com/opensource-finance/tillwatch/internal/domain"
)

// AllBranches subscribes to a topic across every branch.
const AllBranches = "*"

// New creates a new event bus based on configuration.
// Single-node deployments use ChannelBus; clusters use NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}
