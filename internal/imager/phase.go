package imager

import (
	"math"

	"github.com/epic-array/epic-imager/internal/antenna"
	"github.com/epic-array/epic-imager/internal/config"
	"github.com/epic-array/epic-imager/internal/location"
)

// phaseTable holds φ[c,p,s], flattened in (chan, pol, stand) order, the
// per-(channel,polarization,stand) zenith phase correction built once
// per sequence and kept read-only for its lifetime.
type phaseTable struct {
	nchan, npol, nstand int
	values              []complex128
}

func (p *phaseTable) at(c, pol, s int) complex128 {
	return p.values[(c*p.npol+pol)*p.nstand+s]
}

// buildPhaseTable implements the zenith phase correction:
//
//	φ[c,p,s] = exp(2πi·f[c]·(cable_delay[p,s](f[c]) − z[p,s]/c_light)) / √cable_gain[p,s](f[c])
//
// with rows for masked antennas (cfg.IsOutrigger) forced to zero. z is
// the antenna's vertical (Up) ENU coordinate in meters — location's lz
// is an integer grid coordinate reserved for future w-projection
// support and is not the physical height this formula needs.
func buildPhaseTable(cfg config.Config, arr antenna.Array, freqHz []float64, npol int) (phaseTable, error) {
	nchan := len(freqHz)
	nstand := 0
	byStandPol := map[[2]int]antenna.Descriptor{}
	for _, d := range arr {
		if d.StandIndex+1 > nstand {
			nstand = d.StandIndex + 1
		}
		pol := 0
		if d.Pol == antenna.PolY {
			pol = 1
		}
		byStandPol[[2]int{d.StandIndex, pol}] = d
	}

	pt := phaseTable{nchan: nchan, npol: npol, nstand: nstand, values: make([]complex128, nchan*npol*nstand)}

	for s := 0; s < nstand; s++ {
		for pol := 0; pol < npol; pol++ {
			d, ok := byStandPol[[2]int{s, pol}]
			if !ok || cfg.IsOutrigger(d.ID) {
				continue // leaves φ[c,pol,s] == 0 for every channel: the masking contract
			}
			delay := d.Cable.Delay(freqHz)
			gain := d.Cable.Gain(freqHz)
			z := d.Position.Up
			for c := 0; c < nchan; c++ {
				phi := 2 * math.Pi * freqHz[c] * (delay[c] - z/location.SpeedOfLight)
				mag := 1 / math.Sqrt(gain[c])
				pt.values[(c*npol+pol)*nstand+s] = complex(mag*math.Cos(phi), mag*math.Sin(phi))
			}
		}
	}
	return pt, nil
}
