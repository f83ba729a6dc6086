package sim

import (
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-cfu/internal/cfu"
	"github.com/nerrad567/gray-logic-cfu/internal/cfu/protocol"
	"github.com/nerrad567/gray-logic-cfu/internal/infrastructure/config"
)

// FromManifest builds simulated components for every entry of the
// configured component manifest, in declaration order.
func FromManifest(entries []config.ComponentConfig) ([]*Component, error) {
	out := make([]*Component, 0, len(entries))
	for i, e := range entries {
		v, err := protocol.ParseFwVersion(e.Version)
		if err != nil {
			return nil, fmt.Errorf("component %d (%s): %w", e.ID, e.Name, err)
		}

		subs := make([]cfu.ComponentID, 0, len(e.Subcomponents))
		for _, s := range e.Subcomponents {
			subs = append(subs, cfu.ComponentID(s))
		}

		name := e.Name
		if name == "" {
			name = fmt.Sprintf("component-%d", i)
		}

		out = append(out, New(Config{
			ID:            cfu.ComponentID(e.ID),
			Name:          name,
			Version:       v,
			Bank:          uint8(e.Bank),
			Subcomponents: subs,
			Latency:       time.Duration(e.LatencyMS) * time.Millisecond,
		}))
	}
	return out, nil
}

// ID returns the component ID.
func (c *Component) ID() cfu.ComponentID { return c.cfg.ID }
