package safetyapi

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRiskPayload_Snapshot(t *testing.T) {
	at := time.Date(2026, 3, 1, 22, 15, 0, 0, time.UTC)

	tests := []struct {
		name      string
		body      string
		wantOK    bool
		wantScore float64
	}{
		{
			name:      "risk_score field",
			body:      `{"risk_score": 75, "risk_level": "High", "factors": {"zone_risk": 70, "time_risk": 20, "speed_risk": 10}}`,
			wantOK:    true,
			wantScore: 75,
		},
		{
			name:      "total_risk field",
			body:      `{"total_risk": 42.5, "factors": {"zone_risk": 30, "anomaly_risk": 5, "prediction_risk": 7.5}}`,
			wantOK:    true,
			wantScore: 42.5,
		},
		{
			name:      "total_risk wins over risk_score",
			body:      `{"total_risk": 12, "risk_score": 90}`,
			wantOK:    true,
			wantScore: 12,
		},
		{
			name:      "zero is a valid score",
			body:      `{"risk_score": 0}`,
			wantOK:    true,
			wantScore: 0,
		},
		{
			name:   "no score at all",
			body:   `{"risk_level": "Low", "factors": {}}`,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var payload RiskPayload
			require.NoError(t, json.Unmarshal([]byte(tt.body), &payload))

			snapshot, ok := payload.Snapshot(at)
			assert.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.wantScore, snapshot.TotalRisk)
			assert.Equal(t, at, snapshot.Timestamp)
		})
	}
}

func TestRiskPayload_SnapshotDetails(t *testing.T) {
	body := `{
		"risk_score": 75,
		"nearest_danger_zone": {"name": "Generator House", "distance_meters": 45, "risk_level": 70},
		"factors": {"zone_risk": 70, "time_risk": 20, "speed_risk": 10, "anomaly_risk": 3, "prediction_risk": 4},
		"anomalies": [{"type": "unusual_stop"}],
		"reason": "High risk zone (Generator House: 70) + Night time + Slow movement"
	}`

	var payload RiskPayload
	require.NoError(t, json.Unmarshal([]byte(body), &payload))

	snapshot, ok := payload.Snapshot(time.Now())
	require.True(t, ok)
	require.NotNil(t, snapshot.NearestZone)
	assert.Equal(t, "Generator House", snapshot.NearestZone.Name)
	assert.Equal(t, float64(45), snapshot.NearestZone.DistanceMeters)
	assert.Equal(t, float64(70), snapshot.Factors.Zone)
	assert.Equal(t, float64(20), snapshot.Factors.Time)
	assert.Equal(t, float64(10), snapshot.Factors.Speed)
	assert.Equal(t, float64(3), snapshot.Factors.Anomaly)
	assert.Equal(t, float64(4), snapshot.Factors.Prediction)
	require.Len(t, snapshot.Anomalies, 1)
	assert.Equal(t, "unusual_stop", snapshot.Anomalies[0].Type)
	assert.Contains(t, snapshot.Reason, "Night time")
}

func TestActiveAlertsResponse_Head(t *testing.T) {
	var nilResp *ActiveAlertsResponse
	_, ok := nilResp.Head()
	assert.False(t, ok)

	_, ok = (&ActiveAlertsResponse{HasActiveAlerts: false, Alerts: []Alert{{ID: 1}}}).Head()
	assert.False(t, ok, "alerts are ignored when has_active_alerts is false")

	_, ok = (&ActiveAlertsResponse{HasActiveAlerts: true}).Head()
	assert.False(t, ok)

	head, ok := (&ActiveAlertsResponse{HasActiveAlerts: true, Alerts: []Alert{{ID: 9}, {ID: 3}}}).Head()
	require.True(t, ok)
	assert.Equal(t, int64(9), head.ID)
}
