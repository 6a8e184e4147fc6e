package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mattermost/mattermost/server/public/model"
	"github.com/mattermost/mattermost/server/public/plugin"
	"github.com/pkg/errors"

	"github.com/mattermost/mattermost-plugin-safety/server/alerts"
	"github.com/mattermost/mattermost-plugin-safety/server/formatter"
	"github.com/mattermost/mattermost-plugin-safety/server/monitor"
	"github.com/mattermost/mattermost-plugin-safety/server/safetyapi"
)

const (
	commandTrigger = "safety"

	// commandTimeout bounds the backend calls of a slash command
	commandTimeout = 20 * time.Second

	defaultHistoryLimit = 10
	maxHistoryLimit     = 100
)

var helpText = strings.Join([]string{
	"###### Safety Companion",
	"* `/safety connect` - Sign in to your safety account",
	"* `/safety disconnect` - Sign out and stop monitoring",
	"* `/safety status` - Show your risk level and monitor state",
	"* `/safety sos` - Ask your emergency contacts for help",
	"* `/safety history [count]` - List your recent alerts",
	"* `/safety zones` - List crime zones near your last location",
	"* `/safety predict [hour]` - Forecast the risk at your last location, now or at an hour of today",
	"* `/safety audio on|off` - Turn ambient audio monitoring on or off",
	"* `/safety simulate start|stop|walk|halt` - Control the GPS simulator",
	"* `/safety simulate speed <km/h>` - Set the simulated speed",
	"* `/safety simulate teleport <lat> <lon>` - Move the simulated position",
	"* `/safety report <type> <severity 1-10> [description]` - Report an incident at your last location",
}, "\n")

// incidentTypes maps lowercased command input to the backend's incident types
var incidentTypes = map[string]string{
	"robbery":    "Robbery",
	"assault":    "Assault",
	"kidnapping": "Kidnapping",
	"theft":      "Theft",
	"harassment": "Harassment",
	"vandalism":  "Vandalism",
}

// incidentReport is the parsed form of /safety report
type incidentReport struct {
	Type        string `validate:"required,oneof=Robbery Assault Kidnapping Theft Harassment Vandalism"`
	Severity    int    `validate:"min=1,max=10"`
	Description string `validate:"max=1000"`
}

func getCommand() *model.Command {
	return &model.Command{
		Trigger:          commandTrigger,
		DisplayName:      "Safety Companion",
		Description:      "Personal safety monitoring",
		AutoComplete:     true,
		AutoCompleteDesc: "Available commands: connect, disconnect, status, sos, history, zones, predict, audio, simulate, report, help",
		AutoCompleteHint: "[command]",
		AutocompleteData: getAutocompleteData(),
	}
}

func getAutocompleteData() *model.AutocompleteData {
	safety := model.NewAutocompleteData(commandTrigger, "[command]", "Personal safety monitoring")

	safety.AddCommand(model.NewAutocompleteData("connect", "", "Sign in to your safety account"))
	safety.AddCommand(model.NewAutocompleteData("disconnect", "", "Sign out and stop monitoring"))
	safety.AddCommand(model.NewAutocompleteData("status", "", "Show your risk level and monitor state"))
	safety.AddCommand(model.NewAutocompleteData("sos", "", "Ask your emergency contacts for help"))

	history := model.NewAutocompleteData("history", "[count]", "List your recent alerts")
	history.AddTextArgument("Number of alerts to show", "[count]", `^\d*$`)
	safety.AddCommand(history)

	safety.AddCommand(model.NewAutocompleteData("zones", "", "List crime zones near your last location"))

	predict := model.NewAutocompleteData("predict", "[hour]", "Forecast the risk at your last location")
	predict.AddTextArgument("Hour of today, 0 to 23", "[hour]", `^\d{0,2}$`)
	safety.AddCommand(predict)

	audio := model.NewAutocompleteData("audio", "on|off", "Turn ambient audio monitoring on or off")
	audio.AddStaticListArgument("Audio monitoring", true, []model.AutocompleteListItem{
		{Item: "on", HelpText: "Listen for distress while risk is high"},
		{Item: "off", HelpText: "Never use the microphone"},
	})
	safety.AddCommand(audio)

	simulate := model.NewAutocompleteData("simulate", "[action]", "Control the GPS simulator")
	simulate.AddCommand(model.NewAutocompleteData("start", "", "Start sending simulated fixes"))
	simulate.AddCommand(model.NewAutocompleteData("stop", "", "Stop the simulator"))
	simulate.AddCommand(model.NewAutocompleteData("walk", "", "Move at a random walking or cycling speed"))
	simulate.AddCommand(model.NewAutocompleteData("halt", "", "Stand still"))
	speed := model.NewAutocompleteData("speed", "<km/h>", "Set the simulated speed")
	speed.AddTextArgument("Speed in km/h", "<km/h>", "")
	simulate.AddCommand(speed)
	teleport := model.NewAutocompleteData("teleport", "<lat> <lon>", "Move the simulated position")
	teleport.AddTextArgument("Latitude and longitude", "<lat> <lon>", "")
	simulate.AddCommand(teleport)
	safety.AddCommand(simulate)

	report := model.NewAutocompleteData("report", "<type> <severity> [description]", "Report an incident at your last location")
	items := make([]model.AutocompleteListItem, 0, len(incidentTypes))
	for _, t := range []string{"Robbery", "Assault", "Kidnapping", "Theft", "Harassment", "Vandalism"} {
		items = append(items, model.AutocompleteListItem{Item: strings.ToLower(t), HelpText: t})
	}
	report.AddStaticListArgument("Incident type", true, items)
	report.AddTextArgument("Severity from 1 to 10, then an optional description", "<severity> [description]", "")
	safety.AddCommand(report)

	safety.AddCommand(model.NewAutocompleteData("help", "", "Show help"))

	return safety
}

func ephemeral(text string) *model.CommandResponse {
	return &model.CommandResponse{
		ResponseType: model.CommandResponseTypeEphemeral,
		Text:         text,
	}
}

// ExecuteCommand handles /safety
func (p *Plugin) ExecuteCommand(c *plugin.Context, args *model.CommandArgs) (*model.CommandResponse, *model.AppError) {
	fields := strings.Fields(args.Command)
	if len(fields) == 0 || fields[0] != "/"+commandTrigger {
		return ephemeral(fmt.Sprintf("Unknown command: %s", args.Command)), nil
	}

	action := "help"
	if len(fields) > 1 {
		action = strings.ToLower(fields[1])
	}
	params := fields[min(2, len(fields)):]

	switch action {
	case "connect":
		return p.executeConnect(args), nil
	case "disconnect":
		return p.executeDisconnect(args), nil
	case "help":
		return ephemeral(helpText), nil
	}

	m := p.registry.Get(args.UserId)
	if m == nil {
		return ephemeral("You are not connected. Run `/safety connect` first."), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch action {
	case "status":
		return ephemeral(formatter.FormatStatus(m.Status())), nil
	case "sos":
		if err := m.Machine().RequestEmergency(); err != nil {
			return ephemeral(actionErrorText(err)), nil
		}
		return ephemeral("Confirm in your direct messages with the safety bot to notify your emergency contacts."), nil
	case "history":
		return p.executeHistory(ctx, m, params), nil
	case "zones":
		return p.executeZones(ctx, m), nil
	case "predict":
		return p.executePredict(ctx, m, params, time.Now()), nil
	case "audio":
		return p.executeAudio(m, params), nil
	case "simulate":
		return executeSimulate(m, params), nil
	case "report":
		return p.executeReport(ctx, m, params, args.Command), nil
	default:
		return ephemeral(fmt.Sprintf("Unknown action `%s`. Run `/safety help` for usage.", action)), nil
	}
}

func (p *Plugin) executeConnect(args *model.CommandArgs) *model.CommandResponse {
	if p.getConfiguration().SafetyAPIURL == "" {
		return ephemeral(connectErrorText(errNotConfigured))
	}

	appErr := p.API.OpenInteractiveDialog(model.OpenDialogRequest{
		TriggerId: args.TriggerId,
		URL:       fmt.Sprintf("/plugins/%s/api/v1/dialog/login", manifestID),
		Dialog: model.Dialog{
			CallbackId:       loginCallbackID,
			Title:            "Connect your safety account",
			IntroductionText: "Sign in with the email and password of your safety account.",
			SubmitLabel:      "Connect",
			Elements: []model.DialogElement{
				{DisplayName: "Email", Name: "email", Type: "text", SubType: "email"},
				{DisplayName: "Password", Name: "password", Type: "text", SubType: "password"},
			},
		},
	})
	if appErr != nil {
		p.API.LogError("Failed to open login dialog", "userID", args.UserId, "error", appErr.Error())
		return ephemeral("Could not open the login dialog. Please try again.")
	}

	return &model.CommandResponse{}
}

func (p *Plugin) executeDisconnect(args *model.CommandArgs) *model.CommandResponse {
	if !p.sessions.IsAuthenticated(args.UserId) && p.registry.Get(args.UserId) == nil {
		return ephemeral("You are not connected.")
	}
	if err := p.disconnect(args.UserId); err != nil {
		p.API.LogError("Failed to disconnect user", "userID", args.UserId, "error", err.Error())
		return ephemeral("Failed to disconnect. Please try again.")
	}
	return ephemeral("Disconnected. Safety monitoring has stopped.")
}

func (p *Plugin) executeHistory(ctx context.Context, m *monitor.Monitor, params []string) *model.CommandResponse {
	limit := defaultHistoryLimit
	if len(params) > 0 {
		n, err := strconv.Atoi(params[0])
		if err != nil || n < 1 || n > maxHistoryLimit {
			return ephemeral(fmt.Sprintf("Count must be a number between 1 and %d.", maxHistoryLimit))
		}
		limit = n
	}

	history, err := m.API().AlertHistory(ctx, limit, "")
	if err != nil {
		p.API.LogWarn("Failed to fetch alert history", "userID", m.UserID(), "error", err.Error())
		return ephemeral("Could not load your alert history. Please try again.")
	}
	return ephemeral(formatter.FormatHistory(history))
}

func (p *Plugin) executeZones(ctx context.Context, m *monitor.Monitor) *model.CommandResponse {
	fix, ok := m.Tracker().LastFix()
	if !ok {
		return ephemeral("Your location is not known yet. Share your location or run `/safety simulate start`.")
	}

	zones, err := m.API().NearbyZones(ctx, fix.Latitude, fix.Longitude, 0)
	if err != nil {
		p.API.LogWarn("Failed to fetch nearby zones", "userID", m.UserID(), "error", err.Error())
		return ephemeral("Could not load nearby zones. Please try again.")
	}
	return ephemeral(formatter.FormatZones(zones, m.Holder().Thresholds()))
}

func (p *Plugin) executePredict(ctx context.Context, m *monitor.Monitor, params []string, now time.Time) *model.CommandResponse {
	at := now
	switch len(params) {
	case 0:
	case 1:
		hour, err := strconv.Atoi(params[0])
		if err != nil || hour < 0 || hour > 23 {
			return ephemeral("Hour must be a number between 0 and 23.")
		}
		at = time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	default:
		return ephemeral("Usage: `/safety predict [hour]`")
	}

	fix, ok := m.Tracker().LastFix()
	if !ok {
		return ephemeral("Your location is not known yet. Share your location or run `/safety simulate start`.")
	}

	prediction, err := m.API().Predict(ctx, safetyapi.PredictionRequestAt(fix.Latitude, fix.Longitude, at))
	if err != nil {
		p.API.LogWarn("Failed to fetch risk prediction", "userID", m.UserID(), "error", err.Error())
		return ephemeral("Could not load a risk forecast. Please try again.")
	}
	return ephemeral(formatter.FormatPrediction(prediction, at, m.Holder().Thresholds()))
}

func (p *Plugin) executeAudio(m *monitor.Monitor, params []string) *model.CommandResponse {
	if len(params) != 1 {
		return ephemeral("Usage: `/safety audio on|off`")
	}

	var enabled bool
	switch strings.ToLower(params[0]) {
	case "on":
		enabled = true
	case "off":
	default:
		return ephemeral("Usage: `/safety audio on|off`")
	}

	m.SetAudioEnabled(enabled)
	if err := alerts.NewStateStore(p.API, m.UserID()).SaveAudioEnabled(enabled); err != nil {
		p.API.LogWarn("Failed to save audio preference", "userID", m.UserID(), "error", err.Error())
	}

	if enabled {
		return ephemeral("Audio monitoring is on. The microphone is only used while your risk is high.")
	}
	return ephemeral("Audio monitoring is off.")
}

func executeSimulate(m *monitor.Monitor, params []string) *model.CommandResponse {
	if len(params) == 0 {
		return ephemeral("Usage: `/safety simulate start|stop|walk|halt|speed <km/h>|teleport <lat> <lon>`")
	}

	sim := m.Simulator()
	switch strings.ToLower(params[0]) {
	case "start":
		sim.Start()
		lat, lon, speed := sim.Position()
		return ephemeral(fmt.Sprintf("Simulator started at %.5f, %.5f moving at %.0f km/h.", lat, lon, speed))

	case "stop":
		sim.Stop()
		return ephemeral("Simulator stopped.")

	case "walk":
		return ephemeral(fmt.Sprintf("Simulated speed set to %.0f km/h.", sim.Walk()))

	case "halt":
		sim.Halt()
		return ephemeral("Simulated position is standing still.")

	case "speed":
		if len(params) != 2 {
			return ephemeral("Usage: `/safety simulate speed <km/h>`")
		}
		kmh, err := strconv.ParseFloat(params[1], 64)
		if err != nil || kmh < 0 || kmh > 300 {
			return ephemeral("Speed must be a number between 0 and 300.")
		}
		sim.SetSpeed(kmh)
		return ephemeral(fmt.Sprintf("Simulated speed set to %.0f km/h.", kmh))

	case "teleport":
		if len(params) != 3 {
			return ephemeral("Usage: `/safety simulate teleport <lat> <lon>`")
		}
		lat, latErr := strconv.ParseFloat(params[1], 64)
		lon, lonErr := strconv.ParseFloat(params[2], 64)
		if latErr != nil || lonErr != nil || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
			return ephemeral("Latitude must be between -90 and 90 and longitude between -180 and 180.")
		}
		sim.Teleport(lat, lon)
		return ephemeral(fmt.Sprintf("Simulated position moved to %.5f, %.5f.", lat, lon))

	default:
		return ephemeral(fmt.Sprintf("Unknown simulator action `%s`.", params[0]))
	}
}

func (p *Plugin) executeReport(ctx context.Context, m *monitor.Monitor, params []string, command string) *model.CommandResponse {
	if len(params) < 2 {
		return ephemeral("Usage: `/safety report <type> <severity 1-10> [description]`")
	}

	report, problem := parseIncidentReport(params, command)
	if problem != "" {
		return ephemeral(problem)
	}

	fix, ok := m.Tracker().LastFix()
	if !ok {
		return ephemeral("Your location is not known yet. Share your location or run `/safety simulate start`.")
	}

	occurred := time.Now()
	resp, err := m.API().ReportIncident(ctx, safetyapi.Incident{
		IncidentType: report.Type,
		Latitude:     fix.Latitude,
		Longitude:    fix.Longitude,
		OccurredAt:   &occurred,
		Severity:     report.Severity,
		Description:  report.Description,
	})
	if err != nil {
		p.API.LogWarn("Failed to report incident", "userID", m.UserID(), "error", err.Error())
		return ephemeral("Could not submit your report. Please try again.")
	}

	text := fmt.Sprintf("Thank you. Your %s report was submitted.", strings.ToLower(report.Type))
	if resp != nil && resp.Message != "" {
		text += " " + resp.Message
	}
	return ephemeral(text)
}

// parseIncidentReport reads "<type> <severity> [description]". The
// description keeps the user's spacing. A non-empty problem is shown to the user.
func parseIncidentReport(params []string, command string) (report incidentReport, problem string) {
	report.Type = incidentTypes[strings.ToLower(params[0])]

	severity, err := strconv.Atoi(params[1])
	if err != nil {
		return report, "Severity must be a number from 1 to 10."
	}
	report.Severity = severity

	// "/safety report <type> <severity>" precede the description
	report.Description = afterFields(command, 4)

	if err := configValidator.Struct(report); err != nil {
		var validationErrs validator.ValidationErrors
		if !errors.As(err, &validationErrs) || len(validationErrs) == 0 {
			return report, "Could not read your report."
		}
		switch validationErrs[0].Field() {
		case "Type":
			return report, fmt.Sprintf("Unknown incident type `%s`. Use one of: robbery, assault, kidnapping, theft, harassment, vandalism.", params[0])
		case "Severity":
			return report, "Severity must be a number from 1 to 10."
		default:
			return report, "Description must be at most 1000 characters."
		}
	}

	return report, ""
}

// afterFields returns s without its first n whitespace-separated fields
func afterFields(s string, n int) string {
	for i := 0; i < n; i++ {
		s = strings.TrimLeft(s, " \t")
		idx := strings.IndexAny(s, " \t")
		if idx < 0 {
			return ""
		}
		s = s[idx:]
	}
	return strings.TrimSpace(s)
}
