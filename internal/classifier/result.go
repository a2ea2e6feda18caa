package classifier

import (
	"fmt"
	"sort"
)

// Mode selects the shape of a classification result.
type Mode int

const (
	ModeDistribution Mode = iota
	ModeSingleLabel
)

// ParseMode maps a configuration value onto a Mode.
func ParseMode(value string) (Mode, error) {
	switch value {
	case "", "distribution":
		return ModeDistribution, nil
	case "single_label":
		return ModeSingleLabel, nil
	default:
		return 0, fmt.Errorf("unknown classifier mode %q", value)
	}
}

func (m Mode) String() string {
	if m == ModeSingleLabel {
		return "single_label"
	}
	return "distribution"
}

// Result is either a SingleLabel or a Distribution.
type Result interface {
	Predicted() string
	Mode() Mode
	isResult()
}

// SingleLabel carries only the arg-max label and its probability.
type SingleLabel struct {
	Label      string
	Confidence float64
}

func (r SingleLabel) Predicted() string { return r.Label }
func (SingleLabel) Mode() Mode          { return ModeSingleLabel }
func (SingleLabel) isResult()           {}

// Probability is one label's share of a distribution, in [0, 1].
type Probability struct {
	Label string
	Value float64
}

// Distribution carries every known label, ordered by descending probability.
type Distribution struct {
	Label         string
	Probabilities []Probability
}

func (r Distribution) Predicted() string { return r.Label }
func (Distribution) Mode() Mode          { return ModeDistribution }
func (Distribution) isResult()           {}

// Confidence returns the probability of the predicted label.
func (r Distribution) Confidence() float64 {
	for _, p := range r.Probabilities {
		if p.Label == r.Label {
			return p.Value
		}
	}
	return 0
}

// NewDistribution orders probs by descending value (ties keep input order)
// and names the first entry as the prediction.
func NewDistribution(probs []Probability) Distribution {
	ordered := make([]Probability, len(probs))
	copy(ordered, probs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Value > ordered[j].Value
	})
	d := Distribution{Probabilities: ordered}
	if len(ordered) > 0 {
		d.Label = ordered[0].Label
	}
	return d
}
