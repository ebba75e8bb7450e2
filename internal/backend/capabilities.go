package backend

import (
	"context"
	"encoding/json"

	"github.com/beamcode/beamcode/pkg/types"
)

// Initializer is implemented by sessions with a control-plane initialize
// handshake. The bridge calls it on the first session init of a session,
// bounded by the configured initialize timeout.
type Initializer interface {
	Initialize(ctx context.Context) (*types.Capabilities, error)
}

// ParseCapabilities decodes a backend's initialize result.
func ParseCapabilities(data json.RawMessage) (*types.Capabilities, error) {
	var caps types.Capabilities
	if err := json.Unmarshal(data, &caps); err != nil {
		return nil, err
	}
	return &caps, nil
}
