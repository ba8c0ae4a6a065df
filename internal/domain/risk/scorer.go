// Package risk maps a structured risk input to a 0-100 score and category.
package risk

import (
	"math"
	"time"
)

// Category is the coarse risk band of an action.
type Category string

const (
	CategoryNone     Category = "none"
	CategoryLow      Category = "low"
	CategoryMedium   Category = "medium"
	CategoryHigh     Category = "high"
	CategoryCritical Category = "critical"
)

// rank orders categories for comparisons. Unknown categories rank lowest.
func rank(c Category) int {
	switch c {
	case CategoryLow:
		return 1
	case CategoryMedium:
		return 2
	case CategoryHigh:
		return 3
	case CategoryCritical:
		return 4
	default:
		return 0
	}
}

// Compare returns a negative, zero, or positive value as a sorts before,
// equal to, or after b in the category order.
func Compare(a, b Category) int {
	return rank(a) - rank(b)
}

// Reversibility describes how fully an action can be undone.
type Reversibility string

const (
	ReversibilityNone    Reversibility = "none"
	ReversibilityPartial Reversibility = "partial"
	ReversibilityFull    Reversibility = "full"
)

// Exposure quantifies what an action puts at stake.
type Exposure struct {
	// DollarsAtRisk is the monetary exposure of the action.
	DollarsAtRisk float64 `json:"dollarsAtRisk"`
	// BlastRadius is the number of entities affected (>= 1).
	BlastRadius int `json:"blastRadius"`
}

// Sensitivity carries contextual bumps supplied by the cartridge.
type Sensitivity struct {
	EntityVolatile   bool `json:"entityVolatile"`
	LearningPhase    bool `json:"learningPhase"`
	RecentlyModified bool `json:"recentlyModified"`
}

// Input is what a cartridge reports for one action.
type Input struct {
	BaseRisk      Category      `json:"baseRisk"`
	Exposure      Exposure      `json:"exposure"`
	Reversibility Reversibility `json:"reversibility"`
	Sensitivity   Sensitivity   `json:"sensitivity"`
}

// Factor is one named contribution to a score.
type Factor struct {
	Name         string  `json:"name"`
	Contribution float64 `json:"contribution"`
}

// Score is the computed result: raw value, category, and the ordered
// factor breakdown that produced it.
type Score struct {
	Raw      float64  `json:"raw"`
	Category Category `json:"category"`
	Factors  []Factor `json:"factors"`
}

// Config holds the scoring weights. All values have working defaults from
// DefaultConfig; zero-value configs are not usable.
type Config struct {
	BaseWeights            map[Category]float64 `json:"baseWeights"`
	DollarWeight           float64              `json:"dollarWeight"`
	DollarSaturation       float64              `json:"dollarSaturation"`
	BlastRadiusWeight      float64              `json:"blastRadiusWeight"`
	IrreversibilityPenalty float64              `json:"irreversibilityPenalty"`
	EntityVolatileWeight   float64              `json:"entityVolatileWeight"`
	LearningPhaseWeight    float64              `json:"learningPhaseWeight"`
	RecentlyModifiedWeight float64              `json:"recentlyModifiedWeight"`
	// CategoryThresholds are the inclusive upper bounds of the none, low,
	// medium, and high bands. A score above the last threshold is critical.
	CategoryThresholds [4]float64 `json:"categoryThresholds"`
}

// DefaultConfig returns the documented default weights.
func DefaultConfig() Config {
	return Config{
		BaseWeights: map[Category]float64{
			CategoryNone:     0,
			CategoryLow:      15,
			CategoryMedium:   35,
			CategoryHigh:     55,
			CategoryCritical: 80,
		},
		DollarWeight:           20,
		DollarSaturation:       10_000,
		BlastRadiusWeight:      10,
		IrreversibilityPenalty: 20,
		EntityVolatileWeight:   5,
		LearningPhaseWeight:    5,
		RecentlyModifiedWeight: 3,
		CategoryThresholds:     [4]float64{20, 40, 60, 80},
	}
}

// Score computes the risk score for an input. The raw value saturates at
// 100 and the category uses inclusive-left, exclusive-right band edges:
// a score of exactly 20 is still "none".
func (c Config) Score(in Input) Score {
	var factors []Factor
	add := func(name string, v float64) float64 {
		if v != 0 {
			factors = append(factors, Factor{Name: name, Contribution: v})
		}
		return v
	}

	raw := add("baseRisk", c.BaseWeights[in.BaseRisk])

	if in.Exposure.DollarsAtRisk > 0 {
		raw += add("dollarsAtRisk", math.Min(in.Exposure.DollarsAtRisk/c.DollarSaturation, 1.0)*c.DollarWeight)
	}

	if in.Exposure.BlastRadius > 1 {
		raw += add("blastRadius", math.Min(math.Log2(float64(in.Exposure.BlastRadius)), 2)*c.BlastRadiusWeight)
	}

	switch in.Reversibility {
	case ReversibilityNone:
		raw += add("irreversibility", c.IrreversibilityPenalty)
	case ReversibilityPartial:
		raw += add("irreversibility", 0.5*c.IrreversibilityPenalty)
	}

	if in.Sensitivity.EntityVolatile {
		raw += add("entityVolatile", c.EntityVolatileWeight)
	}
	if in.Sensitivity.LearningPhase {
		raw += add("learningPhase", c.LearningPhaseWeight)
	}
	if in.Sensitivity.RecentlyModified {
		raw += add("recentlyModified", c.RecentlyModifiedWeight)
	}

	if raw > 100 {
		raw = 100
	}
	if raw < 0 {
		raw = 0
	}

	return Score{Raw: raw, Category: c.Categorize(raw), Factors: factors}
}

// Categorize maps a raw score to its band.
func (c Config) Categorize(raw float64) Category {
	t := c.CategoryThresholds
	switch {
	case raw <= t[0]:
		return CategoryNone
	case raw <= t[1]:
		return CategoryLow
	case raw <= t[2]:
		return CategoryMedium
	case raw <= t[3]:
		return CategoryHigh
	default:
		return CategoryCritical
	}
}

// CompositeContext summarizes recent activity by the same principal within
// the composite window, used to bump scores for rapid-fire sequences.
type CompositeContext struct {
	RecentActionCount  int           `json:"recentActionCount"`
	CumulativeDollars  float64       `json:"cumulativeDollars"`
	DistinctEntities   int           `json:"distinctEntities"`
	DistinctCartridges int           `json:"distinctCartridges"`
	Window             time.Duration `json:"window"`
}

// CompositeBump raises a score for sequences of recent actions. Returns
// the adjusted score and whether the category increased.
func (c Config) CompositeBump(s Score, cc CompositeContext) (Score, bool) {
	var bump float64
	var factors []Factor
	add := func(name string, v float64) {
		bump += v
		factors = append(factors, Factor{Name: name, Contribution: v})
	}

	if cc.RecentActionCount > 5 {
		add("recentActionCount", 5)
	}
	if cc.CumulativeDollars > 0 {
		add("cumulativeDollars", math.Min(cc.CumulativeDollars/c.DollarSaturation, 1.0)*10)
	}
	if cc.DistinctEntities > 3 {
		add("distinctEntities", 5)
	}
	if cc.DistinctCartridges > 1 {
		add("distinctCartridges", 5)
	}

	if bump == 0 {
		return s, false
	}

	raw := s.Raw + bump
	if raw > 100 {
		raw = 100
	}
	out := Score{
		Raw:      raw,
		Category: c.Categorize(raw),
		Factors:  append(append([]Factor{}, s.Factors...), factors...),
	}
	return out, rank(out.Category) > rank(s.Category)
}
