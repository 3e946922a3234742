package sample

import (
	"math"
	"time"

	"codeberg.org/mutker/plantqc/internal/errors"
)

// Parameter names carried on every sample. The *_est parameters are the
// quality KPIs derived from the raw inputs by the process response model.
const (
	SiO2In    = "SiO2_in"
	CaOIn     = "CaO_in"
	Moisture  = "Moisture"
	Separator = "Separator"
	Gypsum    = "Gypsum"
	LSFEst    = "LSF_est"
	BlaineEst = "Blaine_est"
	FCaOEst   = "fCaO_est"
	Energy    = "energy_consumption"
)

// Parameters lists every parameter a well-formed sample carries, in the
// order they are stored and reported.
var Parameters = []string{
	SiO2In, CaOIn, Moisture, Separator, Gypsum,
	LSFEst, BlaineEst, FCaOEst, Energy,
}

// Sample is one timestamped measurement vector. Immutable once produced.
type Sample struct {
	Timestamp time.Time          `json:"ts"`
	Values    map[string]float64 `json:"values"`
}

// New builds a sample, copying the value map so the caller cannot mutate
// it afterwards.
func New(ts time.Time, values map[string]float64) Sample {
	copied := make(map[string]float64, len(values))
	for k, v := range values {
		copied[k] = v
	}

	return Sample{Timestamp: ts, Values: copied}
}

// Get returns the named parameter value and whether it is present and finite.
func (s Sample) Get(name string) (float64, bool) {
	v, ok := s.Values[name]
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}

	return v, true
}

// Validate reports the malformed fields of a sample: missing, NaN or
// infinite parameter values. A nil return means the sample is well formed.
func (s Sample) Validate() error {
	var bad []string
	for _, name := range Parameters {
		if _, ok := s.Get(name); !ok {
			bad = append(bad, name)
		}
	}

	if len(bad) > 0 {
		return errors.New().WithData(errors.ErrMalformedSample, bad)
	}

	return nil
}
