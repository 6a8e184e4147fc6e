package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/mattermost/mattermost/server/public/model"
	"github.com/mattermost/mattermost/server/public/plugin"
	"github.com/pkg/errors"

	"github.com/mattermost/mattermost-plugin-safety/server/bridge"
	"github.com/mattermost/mattermost-plugin-safety/server/formatter"
	"github.com/mattermost/mattermost-plugin-safety/server/lifecycle"
	"github.com/mattermost/mattermost-plugin-safety/server/monitor"
	"github.com/mattermost/mattermost-plugin-safety/server/tracking"
)

const (
	// alertActionTimeout bounds a confirmation sent from a button click,
	// including the location lookup
	alertActionTimeout = 45 * time.Second

	// maxAudioUpload caps a recording upload
	maxAudioUpload = 10 << 20

	defaultEmergencyContext = "User triggered SOS"

	loginCallbackID = "safety_login"
)

// ServeHTTP handles HTTP requests for the plugin.
// The root URL is currently <siteUrl>/plugins/com.mattermost.plugin-safety/api/v1/.
func (p *Plugin) ServeHTTP(c *plugin.Context, w http.ResponseWriter, r *http.Request) {
	p.router.ServeHTTP(w, r)
}

func (p *Plugin) initRouter() *mux.Router {
	router := mux.NewRouter()

	// Middleware to require that the user is logged in
	router.Use(p.MattermostAuthorizationRequired)

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	apiRouter.HandleFunc("/alerts/action", p.handleAlertAction).Methods(http.MethodPost)
	apiRouter.HandleFunc("/dialog/login", p.handleLoginDialog).Methods(http.MethodPost)
	apiRouter.HandleFunc("/location", p.handleLocation).Methods(http.MethodPost)
	apiRouter.HandleFunc("/bridge/reply", p.handleBridgeReply).Methods(http.MethodPost)
	apiRouter.HandleFunc("/bridge/audio", p.handleBridgeAudio).Methods(http.MethodPost)
	apiRouter.HandleFunc("/status", p.handleStatus).Methods(http.MethodGet)

	return router
}

func (p *Plugin) MattermostAuthorizationRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("Mattermost-User-ID")
		if userID == "" {
			http.Error(w, "Not authorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeActionResponse(w http.ResponseWriter, ephemeralText string) {
	writeJSON(w, http.StatusOK, &model.PostActionIntegrationResponse{EphemeralText: ephemeralText})
}

// handleAlertAction receives clicks on the alert prompt buttons
func (p *Plugin) handleAlertAction(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("Mattermost-User-ID")

	var req model.PostActionIntegrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	m := p.registry.Get(userID)
	if m == nil {
		writeActionResponse(w, "You are not connected to your safety account. Run `/safety connect` first.")
		return
	}

	action, _ := req.Context["action"].(string)
	if !promptIsCurrent(m.Machine().Snapshot(), req.Context) {
		writeActionResponse(w, "This safety check is no longer active.")
		return
	}

	writeActionResponse(w, p.runAlertAction(m, action, ""))
}

// promptIsCurrent reports whether a button belongs to the prompt the machine
// is showing. Buttons without alert_id belong to an SOS prompt.
func promptIsCurrent(snap lifecycle.Snapshot, actionContext map[string]any) bool {
	raw, ok := actionContext["alert_id"]
	if !ok {
		return snap.Phase != lifecycle.Shown
	}

	id, ok := raw.(float64)
	return ok && snap.Alert != nil && int64(id) == snap.Alert.ID
}

// runAlertAction applies a prompt action to the user's machine. Confirmations
// run in the background because they wait on the device location and the
// backend; their outcome is rendered into the prompt. The returned text is
// shown to the user only, and is empty when there is nothing to add.
func (p *Plugin) runAlertAction(m *monitor.Monitor, action, userContext string) string {
	machine := m.Machine()
	snap := machine.Snapshot()

	switch action {
	case formatter.ActionSafe:
		if snap.Phase == lifecycle.Responding {
			return "Your response is already being sent."
		}
		p.confirmInBackground(m.UserID(), func(ctx context.Context) error {
			_, err := machine.ConfirmSafe(ctx, userContext)
			return err
		})
		return ""

	case formatter.ActionEmergency:
		return actionErrorText(machine.RequestEmergency())

	case formatter.ActionCancelEmergency:
		return actionErrorText(machine.CancelEmergency())

	case formatter.ActionConfirmEmergency:
		if snap.Phase == lifecycle.Responding {
			return "Your response is already being sent."
		}
		if !snap.Armed {
			return "Press **I Need Help** first."
		}
		if userContext == "" {
			userContext = defaultEmergencyContext
		}
		p.confirmInBackground(m.UserID(), func(ctx context.Context) error {
			_, err := machine.ConfirmEmergency(ctx, userContext)
			return err
		})
		return ""

	case formatter.ActionDismiss:
		return actionErrorText(machine.Dismiss())

	default:
		return "Unknown action."
	}
}

func (p *Plugin) confirmInBackground(userID string, confirm func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), alertActionTimeout)
		defer cancel()

		if err := confirm(ctx); err != nil {
			p.API.LogWarn("Alert response failed", "userID", userID, "error", err.Error())
		}
	}()
}

func actionErrorText(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, lifecycle.ErrResponseInFlight):
		return "Your response is already being sent."
	case errors.Is(err, lifecycle.ErrNoAlert):
		return "This safety check is no longer active."
	default:
		return "Something went wrong: " + err.Error()
	}
}

// handleLoginDialog receives the connect dialog submission
func (p *Plugin) handleLoginDialog(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("Mattermost-User-ID")

	var req model.SubmitDialogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Cancelled {
		w.WriteHeader(http.StatusOK)
		return
	}

	email, _ := req.Submission["email"].(string)
	password, _ := req.Submission["password"].(string)

	fieldErrors := map[string]string{}
	if strings.TrimSpace(email) == "" {
		fieldErrors["email"] = "Email is required."
	}
	if password == "" {
		fieldErrors["password"] = "Password is required."
	}
	if len(fieldErrors) > 0 {
		writeJSON(w, http.StatusOK, &model.SubmitDialogResponse{Errors: fieldErrors})
		return
	}

	displayName, err := p.connect(r.Context(), userID, strings.TrimSpace(email), password)
	if err != nil {
		p.API.LogWarn("Safety login failed", "userID", userID, "error", err.Error())
		writeJSON(w, http.StatusOK, &model.SubmitDialogResponse{Error: connectErrorText(err)})
		return
	}

	if _, err := p.poster.DirectMessage(userID, "Connected as **"+displayName+"**. You will get safety checks here."); err != nil {
		p.API.LogWarn("Failed to send welcome message", "userID", userID, "error", err.Error())
	}
	writeJSON(w, http.StatusOK, &model.SubmitDialogResponse{})
}

// locationRequest is a device fix posted by the user's client
type locationRequest struct {
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	Speed        float64  `json:"speed"`
	BatteryLevel *float64 `json:"battery_level,omitempty"`
}

// handleLocation feeds a device fix into the user's tracker and returns the
// resulting monitor status
func (p *Plugin) handleLocation(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("Mattermost-User-ID")

	m := p.registry.Get(userID)
	if m == nil {
		http.Error(w, "not connected", http.StatusNotFound)
		return
	}

	var req locationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	fix := tracking.Fix{
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		SpeedKmh:  req.Speed,
		Battery:   req.BatteryLevel,
	}
	if err := fix.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := m.Tracker().HandleFix(r.Context(), fix); err != nil {
		// The fix is kept; only the risk update failed
		p.API.LogDebug("Risk update failed for device fix", "userID", userID, "error", err.Error())
	}

	writeJSON(w, http.StatusOK, m.Status())
}

// handleBridgeReply delivers a client's answer to a device request
func (p *Plugin) handleBridgeReply(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("Mattermost-User-ID")

	var reply bridge.Reply
	if err := json.NewDecoder(r.Body).Decode(&reply); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p.deliver(w, userID, reply)
}

// handleBridgeAudio delivers a recording uploaded as multipart field "audio"
func (p *Plugin) handleBridgeAudio(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("Mattermost-User-ID")

	r.Body = http.MaxBytesReader(w, r.Body, maxAudioUpload)
	if err := r.ParseMultipartForm(maxAudioUpload); err != nil {
		http.Error(w, "invalid upload", http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("audio")
	if err != nil {
		http.Error(w, "missing audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "failed to read audio file", http.StatusBadRequest)
		return
	}

	p.deliver(w, userID, bridge.Reply{
		RequestID: r.FormValue("request_id"),
		Granted:   true,
		Audio:     data,
	})
}

func (p *Plugin) deliver(w http.ResponseWriter, userID string, reply bridge.Reply) {
	if reply.RequestID == "" {
		http.Error(w, "missing request_id", http.StatusBadRequest)
		return
	}

	if err := p.broker.Deliver(userID, reply); err != nil {
		if errors.Is(err, bridge.ErrUnknownRequest) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// statusResponse is returned by GET /status
type statusResponse struct {
	Connected bool            `json:"connected"`
	Monitor   *monitor.Status `json:"monitor,omitempty"`
}

func (p *Plugin) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("Mattermost-User-ID")

	m := p.registry.Get(userID)
	if m == nil {
		writeJSON(w, http.StatusOK, &statusResponse{Connected: p.sessions.IsAuthenticated(userID)})
		return
	}

	status := m.Status()
	writeJSON(w, http.StatusOK, &statusResponse{Connected: true, Monitor: &status})
}
