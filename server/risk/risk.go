package risk

import (
	"fmt"
	"math"
	"time"
)

const (
	// CautionThreshold is the lower bound of the Medium category
	CautionThreshold = 40.0

	// DefaultDangerThreshold is the lower bound of the High category.
	// Every view derives its category from the same boundary.
	DefaultDangerThreshold = 70.0

	// MaxRisk is the upper bound of a risk score
	MaxRisk = 100.0
)

// Category is the coarse classification of a risk score.
type Category int

const (
	// Low is a risk below CautionThreshold
	Low Category = iota
	// Medium is a risk in [CautionThreshold, danger threshold)
	Medium
	// High is a risk at or above the danger threshold
	High
)

// String returns the category name shown next to the score.
func (c Category) String() string {
	switch c {
	case Low:
		return "Low"
	case Medium:
		return "Medium"
	case High:
		return "High"
	default:
		return fmt.Sprintf("Category(%d)", int(c))
	}
}

// Label returns the status label used in banners.
func (c Category) Label() string {
	switch c {
	case Low:
		return "SAFE"
	case Medium:
		return "CAUTION"
	case High:
		return "DANGER"
	default:
		return "UNKNOWN"
	}
}

// Thresholds holds the category boundaries.
type Thresholds struct {
	Caution float64
	Danger  float64
}

// DefaultThresholds returns the canonical 40/70 boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Caution: CautionThreshold,
		Danger:  DefaultDangerThreshold,
	}
}

// Categorize maps a risk score to its category.
func (t Thresholds) Categorize(r float64) Category {
	switch {
	case r < t.Caution:
		return Low
	case r < t.Danger:
		return Medium
	default:
		return High
	}
}

// Factors is the per-source breakdown of a risk score.
type Factors struct {
	Zone       float64 `json:"zone"`
	Time       float64 `json:"time"`
	Speed      float64 `json:"speed"`
	Anomaly    float64 `json:"anomaly"`
	Prediction float64 `json:"prediction"`
}

// Zone is the nearest crime zone to the user's position.
type Zone struct {
	Name           string  `json:"name"`
	DistanceMeters float64 `json:"distanceMeters"`
	RiskLevel      float64 `json:"riskLevel"`
}

// Anomaly is a behavioural anomaly reported with a snapshot.
type Anomaly struct {
	Type string `json:"type"`
}

// Snapshot is a point-in-time bundle of computed risk factors for the
// user's current location and speed.
type Snapshot struct {
	TotalRisk   float64   `json:"totalRisk"`
	Factors     Factors   `json:"factors"`
	NearestZone *Zone     `json:"nearestZone,omitempty"`
	Anomalies   []Anomaly `json:"anomalies,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Validate reports why a snapshot cannot be used, or nil if it can.
func (s Snapshot) Validate() error {
	if math.IsNaN(s.TotalRisk) || math.IsInf(s.TotalRisk, 0) {
		return fmt.Errorf("total risk is not a number")
	}
	if s.TotalRisk < 0 || s.TotalRisk > MaxRisk {
		return fmt.Errorf("total risk %.1f outside [0, %.0f]", s.TotalRisk, MaxRisk)
	}
	return nil
}
