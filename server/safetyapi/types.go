package safetyapi

import (
	"time"

	"github.com/mattermost/mattermost-plugin-safety/server/risk"
)

// Alert levels reported by the backend
const (
	LevelWarning   = "Warning"
	LevelEmergency = "Emergency"
)

// Alert statuses reported by the backend
const (
	StatusActive          = "Active"
	StatusResolved        = "Resolved"
	StatusFalseAlarm      = "False Alarm"
	StatusPendingResponse = "Pending Response"
)

// LoginRequest is the payload of POST /auth/login/
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is returned by a successful login
type LoginResponse struct {
	Access           string    `json:"access"`
	Refresh          string    `json:"refresh"`
	User             LoginUser `json:"user"`
	ProfileCompleted bool      `json:"profile_completed"`
}

// LoginUser is the user object embedded in a login response
type LoginUser struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type refreshResponse struct {
	Access string `json:"access"`
}

// Alert is a server-created safety check that requires a user response
type Alert struct {
	ID                   int64      `json:"id"`
	AlertLevel           string     `json:"alert_level"`
	Reason               string     `json:"reason"`
	RiskScore            float64    `json:"risk_score"`
	Status               string     `json:"status,omitempty"`
	TimeElapsedMinutes   float64    `json:"time_elapsed_minutes"`
	TriggeredAt          *time.Time `json:"triggered_at,omitempty"`
	UserResponseDeadline *time.Time `json:"user_response_deadline,omitempty"`
	Latitude             *float64   `json:"latitude,omitempty"`
	Longitude            *float64   `json:"longitude,omitempty"`
}

// IsEmergency reports whether the alert was raised at Emergency level
func (a Alert) IsEmergency() bool {
	return a.AlertLevel == LevelEmergency
}

// ActiveAlertsResponse is returned by GET /alerts/active/.
// Alerts are ordered most recent first.
type ActiveAlertsResponse struct {
	HasActiveAlerts bool    `json:"has_active_alerts"`
	Alerts          []Alert `json:"alerts"`
}

// Head returns the alert to surface, if any
func (r *ActiveAlertsResponse) Head() (Alert, bool) {
	if r == nil || !r.HasActiveAlerts || len(r.Alerts) == 0 {
		return Alert{}, false
	}
	return r.Alerts[0], true
}

// AlertHistoryResponse is returned by GET /alerts/history/
type AlertHistoryResponse struct {
	Alerts []Alert `json:"alerts"`
	Count  int     `json:"count"`
}

// ConfirmRequest is the payload of POST /alerts/confirm/.
// Latitude and longitude are always sent, as null when unknown.
type ConfirmRequest struct {
	IsSafe    bool     `json:"is_safe"`
	AlertID   *int64   `json:"alert_id,omitempty"`
	Context   string   `json:"context,omitempty"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// ConfirmResponse is returned by POST /alerts/confirm/
type ConfirmResponse struct {
	Status           string `json:"status"`
	Message          string `json:"message"`
	ContactsNotified *int   `json:"contacts_notified,omitempty"`
}

// Notified returns the number of emergency contacts the backend reached
func (r *ConfirmResponse) Notified() int {
	if r == nil || r.ContactsNotified == nil {
		return 0
	}
	return *r.ContactsNotified
}

// AudioAnalysis is returned by POST /audio/analyze/
type AudioAnalysis struct {
	Transcript     string   `json:"transcript,omitempty"`
	CrisisDetected bool     `json:"crisis_detected"`
	KeywordsFound  []string `json:"keywords_found"`
	Confidence     float64  `json:"confidence"`
	AlertCreated   bool     `json:"alert_created"`
	Message        string   `json:"message,omitempty"`
}

// RiskRequest is the payload of POST /risk/calculate/
type RiskRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Speed     float64 `json:"speed"`
}

// RiskZone is the nearest danger zone of a risk payload
type RiskZone struct {
	Name           string  `json:"name"`
	DistanceMeters float64 `json:"distance_meters"`
	RiskLevel      float64 `json:"risk_level"`
}

// RiskFactors is the factor breakdown of a risk payload
type RiskFactors struct {
	ZoneRisk       float64 `json:"zone_risk"`
	TimeRisk       float64 `json:"time_risk"`
	SpeedRisk      float64 `json:"speed_risk"`
	AnomalyRisk    float64 `json:"anomaly_risk"`
	PredictionRisk float64 `json:"prediction_risk"`
}

// RiskAnomaly is a behavioural anomaly flagged by the backend
type RiskAnomaly struct {
	Type string `json:"type"`
}

// RiskPayload is returned by POST /risk/calculate/. Depending on the
// backend version the score is named total_risk or risk_score.
type RiskPayload struct {
	TotalRisk         *float64      `json:"total_risk,omitempty"`
	RiskScore         *float64      `json:"risk_score,omitempty"`
	RiskLevel         string        `json:"risk_level,omitempty"`
	NearestDangerZone *RiskZone     `json:"nearest_danger_zone,omitempty"`
	Factors           RiskFactors   `json:"factors"`
	Anomalies         []RiskAnomaly `json:"anomalies,omitempty"`
	Reason            string        `json:"reason,omitempty"`
	ShouldAlert       bool          `json:"should_alert"`
}

// Score returns the total risk, preferring total_risk over risk_score.
// ok is false when the payload carries neither.
func (p *RiskPayload) Score() (score float64, ok bool) {
	switch {
	case p.TotalRisk != nil:
		return *p.TotalRisk, true
	case p.RiskScore != nil:
		return *p.RiskScore, true
	default:
		return 0, false
	}
}

// Snapshot converts the payload into a risk snapshot taken at the given time.
// ok is false when the payload has no score.
func (p *RiskPayload) Snapshot(at time.Time) (risk.Snapshot, bool) {
	score, ok := p.Score()
	if !ok {
		return risk.Snapshot{}, false
	}

	snapshot := risk.Snapshot{
		TotalRisk: score,
		Factors: risk.Factors{
			Zone:       p.Factors.ZoneRisk,
			Time:       p.Factors.TimeRisk,
			Speed:      p.Factors.SpeedRisk,
			Anomaly:    p.Factors.AnomalyRisk,
			Prediction: p.Factors.PredictionRisk,
		},
		Reason:    p.Reason,
		Timestamp: at,
	}

	if z := p.NearestDangerZone; z != nil {
		snapshot.NearestZone = &risk.Zone{
			Name:           z.Name,
			DistanceMeters: z.DistanceMeters,
			RiskLevel:      z.RiskLevel,
		}
	}

	for _, a := range p.Anomalies {
		snapshot.Anomalies = append(snapshot.Anomalies, risk.Anomaly{Type: a.Type})
	}

	return snapshot, true
}

// Location is the payload of POST /location/
type Location struct {
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	Speed        float64  `json:"speed"`
	BatteryLevel *float64 `json:"battery_level,omitempty"`
}

// Zone is a crime zone returned by GET /zones/nearby/
type Zone struct {
	ID        int64    `json:"id"`
	Name      string   `json:"name"`
	RiskLevel float64  `json:"risk_level"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Radius    float64  `json:"radius"`
}

// PredictionRequest is the payload of POST /predict/
type PredictionRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Hour      int     `json:"hour"`
	// DayOfWeek counts from Monday as 0
	DayOfWeek int `json:"day_of_week"`
}

// PredictionRequestAt builds the request for a place at t, in t's location
func PredictionRequestAt(latitude, longitude float64, t time.Time) PredictionRequest {
	return PredictionRequest{
		Latitude:  latitude,
		Longitude: longitude,
		Hour:      t.Hour(),
		DayOfWeek: (int(t.Weekday()) + 6) % 7,
	}
}

// Prediction is returned by POST /predict/
type Prediction struct {
	RiskProbability float64 `json:"risk_probability"`
	RiskPercentage  float64 `json:"risk_percentage"`
	// Confidence is one of Very High, High, Medium or Low
	Confidence      string          `json:"confidence"`
	LocationContext string          `json:"location_context,omitempty"`
	Features        *PredictionBasis `json:"features_used,omitempty"`
}

// PredictionBasis echoes the inputs the model scored
type PredictionBasis struct {
	IsNight      int     `json:"is_night"`
	IsWeekend    int     `json:"is_weekend"`
	LocationRisk float64 `json:"location_risk"`
}

// Incident is the payload of POST /report-incident/
type Incident struct {
	IncidentType string     `json:"incident_type"`
	Latitude     float64    `json:"latitude"`
	Longitude    float64    `json:"longitude"`
	OccurredAt   *time.Time `json:"occurred_at,omitempty"`
	Severity     int        `json:"severity,omitempty"`
	Description  string     `json:"description,omitempty"`
	Anonymous    bool       `json:"anonymous"`
}

// IncidentResponse is returned by POST /report-incident/
type IncidentResponse struct {
	ID      int64  `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}
