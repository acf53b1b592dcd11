package antenna

import (
	"encoding/json"
	"fmt"
	"os"
)

// ConstantCableModel is a CableModel whose delay and gain are flat
// across frequency — a stand-in used by LoadCatalog for the real
// per-antenna cable measurements an observatory's metadata catalog
// would supply (spec §1: the catalog is an external collaborator,
// specified here only via the antenna.CableModel interface it must
// satisfy).
type ConstantCableModel struct {
	DelaySeconds float64
	GainValue    float64
}

func (m ConstantCableModel) Delay(freqHz []float64) []float64 {
	out := make([]float64, len(freqHz))
	for i := range out {
		out[i] = m.DelaySeconds
	}
	return out
}

func (m ConstantCableModel) Gain(freqHz []float64) []float64 {
	out := make([]float64, len(freqHz))
	for i := range out {
		out[i] = m.GainValue
	}
	return out
}

// catalogEntry is the on-disk JSON shape for one physical stand: two
// polarized feeds sharing one ENU position and, optionally, distinct
// cable delay/gain per feed.
type catalogEntry struct {
	StandIndex int     `json:"stand_index"`
	ID         [2]int  `json:"id"`        // [X feed id, Y feed id]
	East       float64 `json:"east_m"`
	North      float64 `json:"north_m"`
	Up         float64 `json:"up_m"`
	DelayNS    [2]float64 `json:"delay_ns"`
	Gain       [2]float64 `json:"gain"`
	Outrigger  bool    `json:"outrigger"`
}

// LoadCatalog parses a JSON array of catalogEntry and returns the
// Array of per-feed Descriptors LocationPrecomputeStage and
// ImagerStage consume (spec §3 "Antenna descriptor"). This is a
// minimal, from-scratch JSON loader — no catalog format or parsing
// library is present anywhere in the retrieved corpus (see DESIGN.md)
// — intended to stand in for an observatory's real metadata service
// at the CLI boundary.
func LoadCatalog(path string) (Array, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load antenna catalog: %w", err)
	}
	var entries []catalogEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("parse antenna catalog %s: %w", path, err)
	}

	arr := make(Array, 0, len(entries)*2)
	for _, e := range entries {
		pos := ENU{East: e.East, North: e.North, Up: e.Up}
		for pol := 0; pol < 2; pol++ {
			arr = append(arr, Descriptor{
				ID:         e.ID[pol],
				StandIndex: e.StandIndex,
				Position:   pos,
				Pol:        Polarization(pol),
				Cable:      ConstantCableModel{DelaySeconds: e.DelayNS[pol] * 1e-9, GainValue: e.Gain[pol]},
				Outrigger:  e.Outrigger,
			})
		}
	}
	return arr, nil
}
