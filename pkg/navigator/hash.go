package navigator

import (
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/blake3"
)

type hashInput struct {
	NavigatorType string         `json:"navigatorType"`
	Version       string         `json:"version"`
	HasGraph      bool           `json:"hasGraph"`
	CallTypes     []string       `json:"callTypes"`
	Config        *RoutineConfig `json:"config"`
}

// ConfigHash returns the routine id for cfg as navigated by navigatorType.
// Equal configs always hash equally; map keys are sorted by encoding/json.
func ConfigHash(navigatorType string, cfg *RoutineConfig) (string, error) {
	in := hashInput{
		NavigatorType: navigatorType,
		HasGraph:      cfg.HasGraph(),
		CallTypes:     cfg.CallTypes(),
		Config:        cfg,
	}
	if cfg != nil {
		in.Version = cfg.Version
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:16]), nil
}

// LocationID derives the location id for a node of a routine
func LocationID(routineID, nodeID string) string {
	h := blake3.New()
	h.Write([]byte(routineID))
	h.Write([]byte{0})
	h.Write([]byte(nodeID))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// NewLocation builds the location for a node of a routine
func NewLocation(routineID, nodeID string) Location {
	return Location{
		ID:        LocationID(routineID, nodeID),
		RoutineID: routineID,
		NodeID:    nodeID,
	}
}
