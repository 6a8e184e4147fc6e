package safetyapi

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
)

const (
	safetyPrefix = "/safety"

	// AudioFieldName and AudioFileName describe the multipart part the
	// analysis endpoint expects
	AudioFieldName = "audio"
	AudioFileName  = "recording.wav"

	// DefaultZoneRadius is the search radius in meters used for nearby zones
	DefaultZoneRadius = 300
)

//go:generate mockgen -destination=mocks/mock_api.go -package=mocks github.com/mattermost/mattermost-plugin-safety/server/safetyapi API

// API is the set of authenticated safety endpoints used by a monitor.
type API interface {
	ActiveAlerts(ctx context.Context) (*ActiveAlertsResponse, error)
	AlertHistory(ctx context.Context, limit int, status string) (*AlertHistoryResponse, error)
	ConfirmAlert(ctx context.Context, req ConfirmRequest) (*ConfirmResponse, error)
	AnalyzeAudio(ctx context.Context, wav []byte) (*AudioAnalysis, error)
	CalculateRisk(ctx context.Context, latitude, longitude, speed float64) (*RiskPayload, error)
	SendLocation(ctx context.Context, loc Location) error
	NearbyZones(ctx context.Context, latitude, longitude, radius float64) ([]Zone, error)
	Predict(ctx context.Context, req PredictionRequest) (*Prediction, error)
	ReportIncident(ctx context.Context, incident Incident) (*IncidentResponse, error)
}

// UserClient is a Client bound to one Mattermost user's session.
type UserClient struct {
	client *Client
	userID string
}

var _ API = (*UserClient)(nil)

// UserID returns the Mattermost user the client acts for
func (u *UserClient) UserID() string {
	return u.userID
}

// ActiveAlerts fetches the user's active alerts, most recent first
func (u *UserClient) ActiveAlerts(ctx context.Context) (*ActiveAlertsResponse, error) {
	var out ActiveAlertsResponse
	r := request{method: http.MethodGet, path: safetyPrefix + "/alerts/active/"}
	if err := u.client.callJSON(ctx, u.userID, r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AlertHistory fetches past alerts, optionally filtered by status
func (u *UserClient) AlertHistory(ctx context.Context, limit int, status string) (*AlertHistoryResponse, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if status != "" {
		query.Set("status", status)
	}

	var out AlertHistoryResponse
	r := request{method: http.MethodGet, path: safetyPrefix + "/alerts/history/", query: query}
	if err := u.client.callJSON(ctx, u.userID, r, &out); err != nil {
		return nil, err
	}
	if out.Count == 0 {
		out.Count = len(out.Alerts)
	}
	return &out, nil
}

// ConfirmAlert submits the user's decision: safe, or an emergency escalation
func (u *UserClient) ConfirmAlert(ctx context.Context, req ConfirmRequest) (*ConfirmResponse, error) {
	r, err := jsonRequest(http.MethodPost, safetyPrefix+"/alerts/confirm/", req)
	if err != nil {
		return nil, err
	}

	var out ConfirmResponse
	if err := u.client.callJSON(ctx, u.userID, r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AnalyzeAudio uploads one WAV recording for crisis detection
func (u *UserClient) AnalyzeAudio(ctx context.Context, wav []byte) (*AudioAnalysis, error) {
	if len(wav) == 0 {
		return nil, fmt.Errorf("audio sample is empty")
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile(AudioFieldName, AudioFileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio form part: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return nil, fmt.Errorf("failed to write audio form part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize audio form: %w", err)
	}

	r := request{
		method:      http.MethodPost,
		path:        safetyPrefix + "/audio/analyze/",
		body:        buf.Bytes(),
		contentType: writer.FormDataContentType(),
	}

	var out AudioAnalysis
	if err := u.client.callJSON(ctx, u.userID, r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CalculateRisk asks the backend to score the user's position and speed
func (u *UserClient) CalculateRisk(ctx context.Context, latitude, longitude, speed float64) (*RiskPayload, error) {
	r, err := jsonRequest(http.MethodPost, safetyPrefix+"/risk/calculate/", RiskRequest{
		Latitude:  latitude,
		Longitude: longitude,
		Speed:     speed,
	})
	if err != nil {
		return nil, err
	}

	var out RiskPayload
	if err := u.client.callJSON(ctx, u.userID, r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendLocation records a location fix for the user
func (u *UserClient) SendLocation(ctx context.Context, loc Location) error {
	r, err := jsonRequest(http.MethodPost, safetyPrefix+"/location/", loc)
	if err != nil {
		return err
	}
	return u.client.callJSON(ctx, u.userID, r, nil)
}

// NearbyZones lists crime zones within radius meters, highest risk first
func (u *UserClient) NearbyZones(ctx context.Context, latitude, longitude, radius float64) ([]Zone, error) {
	if radius <= 0 {
		radius = DefaultZoneRadius
	}

	query := url.Values{}
	query.Set("lat", strconv.FormatFloat(latitude, 'f', -1, 64))
	query.Set("lon", strconv.FormatFloat(longitude, 'f', -1, 64))
	query.Set("radius", strconv.FormatFloat(radius, 'f', -1, 64))

	var out []Zone
	r := request{method: http.MethodGet, path: safetyPrefix + "/zones/nearby/", query: query}
	if err := u.client.callJSON(ctx, u.userID, r, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Predict asks the backend model how dangerous a place is at a given hour
func (u *UserClient) Predict(ctx context.Context, req PredictionRequest) (*Prediction, error) {
	r, err := jsonRequest(http.MethodPost, safetyPrefix+"/predict/", req)
	if err != nil {
		return nil, err
	}

	var out Prediction
	if err := u.client.callJSON(ctx, u.userID, r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReportIncident submits a user-reported incident
func (u *UserClient) ReportIncident(ctx context.Context, incident Incident) (*IncidentResponse, error) {
	if incident.IncidentType == "" {
		return nil, fmt.Errorf("incident type is required")
	}

	r, err := jsonRequest(http.MethodPost, safetyPrefix+"/report-incident/", incident)
	if err != nil {
		return nil, err
	}

	var out IncidentResponse
	if err := u.client.callJSON(ctx, u.userID, r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
