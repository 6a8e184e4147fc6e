package formatter

import (
	"fmt"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/mattermost/mattermost-plugin-safety/server/lifecycle"
	"github.com/mattermost/mattermost-plugin-safety/server/monitor"
	"github.com/mattermost/mattermost-plugin-safety/server/risk"
	"github.com/mattermost/mattermost-plugin-safety/server/safetyapi"
)

// Risk colors
const (
	ColorDanger  = "#DC3545" // Red 🔴
	ColorCaution = "#FFC107" // Amber 🟡
	ColorSafe    = "#28A745" // Green 🟢
	ColorNeutral = "#808080" // Gray ⚪
)

// Risk emojis
const (
	EmojiDanger  = "🔴"
	EmojiCaution = "🟡"
	EmojiSafe    = "🟢"
	EmojiNeutral = "⚪"
)

// Post actions carried in the integration context of alert buttons
const (
	ActionSafe             = "safe"
	ActionEmergency        = "emergency"
	ActionConfirmEmergency = "confirm_emergency"
	ActionCancelEmergency  = "cancel_emergency"
	ActionDismiss          = "dismiss"
)

// maxReasonLength caps free text coming from the backend
const maxReasonLength = 500

// FormatScreen renders an alert prompt screen. actionURL is the plugin route
// that receives button clicks.
func FormatScreen(screen lifecycle.Screen, actionURL string) *model.SlackAttachment {
	attachment := &model.SlackAttachment{
		Color: screenColor(screen),
	}

	var alertID int64
	if screen.Alert != nil {
		alertID = screen.Alert.ID
		attachment.Fields = alertFields(*screen.Alert)
		attachment.Footer = fmt.Sprintf("Alert #%d | %s", screen.Alert.ID, screen.Alert.AlertLevel)
	} else {
		attachment.Footer = "SOS"
	}

	switch {
	case screen.Phase == lifecycle.Responding:
		attachment.Text = "#### Sending your response..."

	case screen.Phase == lifecycle.Closed && screen.Replaced:
		attachment.Text = "#### Replaced by a newer alert\nAnswer the latest alert below."

	case screen.Phase == lifecycle.Closed && screen.Dismissed:
		attachment.Text = "#### Alert dismissed\nIt will not be shown again this session."

	case screen.Phase == lifecycle.Closed && screen.Outcome == risk.OutcomeSafe:
		attachment.Text = "#### You confirmed you are safe"
		if screen.Response != nil && screen.Response.Message != "" {
			attachment.Text += "\n" + screen.Response.Message
		}

	case screen.Phase == lifecycle.Closed && screen.Outcome == risk.OutcomeEmergency:
		attachment.Text = fmt.Sprintf("#### 🚨 Emergency contacts notified: %d", screen.Response.Notified())
		if screen.Response != nil && screen.Response.Message != "" {
			attachment.Text += "\n" + screen.Response.Message
		}

	case screen.Armed:
		attachment.Text = "#### Are you sure?\nThis will notify your emergency contacts."
		attachment.Actions = []*model.PostAction{
			button("confirmemergency", "Yes, notify my contacts", "danger", actionURL, ActionConfirmEmergency, alertID),
			button("cancelemergency", "Cancel", "default", actionURL, ActionCancelEmergency, alertID),
		}

	case screen.Alert == nil:
		attachment.Text = "#### SOS cancelled"

	default:
		attachment.Text = "#### " + promptTitle(*screen.Alert)
		attachment.Actions = []*model.PostAction{
			button("safe", "I'm Safe", "success", actionURL, ActionSafe, alertID),
			button("emergency", "I Need Help", "danger", actionURL, ActionEmergency, alertID),
			button("dismiss", "Dismiss", "default", actionURL, ActionDismiss, alertID),
		}
	}

	if screen.Err != nil {
		attachment.Fields = append(attachment.Fields, &model.SlackAttachmentField{
			Title: "Error",
			Value: fmt.Sprintf("Could not send your response: %s. Please try again.", screen.Err.Error()),
			Short: false,
		})
	}

	if screen.LocationErr != nil && screen.Phase == lifecycle.Closed {
		attachment.Fields = append(attachment.Fields, &model.SlackAttachmentField{
			Title: "Location",
			Value: "Your location could not be attached to this response.",
			Short: false,
		})
	}

	return attachment
}

func promptTitle(alert safetyapi.Alert) string {
	if alert.IsEmergency() {
		return "🚨 Emergency safety check"
	}
	return "⚠️ Safety check: are you okay?"
}

func screenColor(screen lifecycle.Screen) string {
	switch {
	case screen.Phase == lifecycle.Closed && screen.Outcome == risk.OutcomeSafe:
		return ColorSafe
	case screen.Phase == lifecycle.Closed:
		return ColorNeutral
	case screen.Alert == nil:
		if screen.Armed {
			return ColorDanger
		}
		return ColorNeutral
	case screen.Armed, screen.Alert.IsEmergency():
		return ColorDanger
	default:
		return ColorCaution
	}
}

func alertFields(alert safetyapi.Alert) []*model.SlackAttachmentField {
	var fields []*model.SlackAttachmentField

	if alert.Reason != "" {
		fields = append(fields, &model.SlackAttachmentField{
			Title: "Reason",
			Value: truncateText(alert.Reason, maxReasonLength),
			Short: false,
		})
	}

	fields = append(fields, &model.SlackAttachmentField{
		Title: "Risk Score",
		Value: fmt.Sprintf("%.0f", alert.RiskScore),
		Short: true,
	})

	if alert.UserResponseDeadline != nil {
		fields = append(fields, &model.SlackAttachmentField{
			Title: "Respond By",
			Value: formatTime(*alert.UserResponseDeadline),
			Short: true,
		})
	}

	return fields
}

func button(id, name, style, url, action string, alertID int64) *model.PostAction {
	context := map[string]any{"action": action}
	if alertID != 0 {
		context["alert_id"] = alertID
	}
	return &model.PostAction{
		Id:    id,
		Name:  name,
		Type:  model.PostActionTypeButton,
		Style: style,
		Integration: &model.PostActionIntegration{
			URL:     url,
			Context: context,
		},
	}
}

// FormatRiskChange renders a risk category change
func FormatRiskChange(state risk.State) *model.SlackAttachment {
	attachment := &model.SlackAttachment{
		Text:  fmt.Sprintf("#### %s Risk level: %s (%.0f)", categoryEmoji(state.Category), state.Category.Label(), state.Level),
		Color: categoryColor(state.Category),
	}

	var fields []*model.SlackAttachmentField
	if state.Snapshot.Reason != "" {
		fields = append(fields, &model.SlackAttachmentField{
			Title: "Reason",
			Value: truncateText(state.Snapshot.Reason, maxReasonLength),
			Short: false,
		})
	}

	if z := state.Snapshot.NearestZone; z != nil {
		fields = append(fields, &model.SlackAttachmentField{
			Title: "Nearest Danger Zone",
			Value: fmt.Sprintf("%s (%.0fm away, risk %.0f)", z.Name, z.DistanceMeters, z.RiskLevel),
			Short: false,
		})
	}

	f := state.Snapshot.Factors
	fields = append(fields, &model.SlackAttachmentField{
		Title: "Factors",
		Value: fmt.Sprintf("Zone %.0f | Time %.0f | Speed %.0f | Anomaly %.0f | Prediction %.0f",
			f.Zone, f.Time, f.Speed, f.Anomaly, f.Prediction),
		Short: false,
	})

	if len(state.Snapshot.Anomalies) > 0 {
		types := make([]string, len(state.Snapshot.Anomalies))
		for i, a := range state.Snapshot.Anomalies {
			types[i] = a.Type
		}
		fields = append(fields, &model.SlackAttachmentField{
			Title: "Anomalies",
			Value: formatBulletList(types),
			Short: false,
		})
	}

	attachment.Fields = fields
	attachment.Footer = formatTime(state.UpdatedAt)
	return attachment
}

// FormatCrisis renders a crisis detected by audio analysis
func FormatCrisis(analysis *safetyapi.AudioAnalysis) *model.SlackAttachment {
	attachment := &model.SlackAttachment{
		Text:  "#### 🚨 Distress detected in ambient audio",
		Color: ColorDanger,
	}

	if len(analysis.KeywordsFound) > 0 {
		attachment.Fields = append(attachment.Fields, &model.SlackAttachmentField{
			Title: "Keywords",
			Value: strings.Join(analysis.KeywordsFound, ", "),
			Short: true,
		})
	}
	attachment.Fields = append(attachment.Fields, &model.SlackAttachmentField{
		Title: "Confidence",
		Value: fmt.Sprintf("%.0f%%", analysis.Confidence*100),
		Short: true,
	})

	if analysis.AlertCreated {
		attachment.Footer = "A safety alert was created"
	}
	return attachment
}

// FormatHistory renders past alerts
func FormatHistory(history *safetyapi.AlertHistoryResponse) string {
	if history == nil || len(history.Alerts) == 0 {
		return "No alerts in your history."
	}

	count := history.Count
	if count == 0 {
		count = len(history.Alerts)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "#### Alert history (%d)\n\n", count)
	sb.WriteString("| # | Level | Status | Risk | Triggered | Reason |\n")
	sb.WriteString("|---|---|---|---|---|---|\n")
	for _, a := range history.Alerts {
		triggered := "-"
		if a.TriggeredAt != nil {
			triggered = formatTime(*a.TriggeredAt)
		}
		fmt.Fprintf(&sb, "| %d | %s | %s | %.0f | %s | %s |\n",
			a.ID, a.AlertLevel, a.Status, a.RiskScore, triggered, escapeCell(truncateText(a.Reason, 80)))
	}
	return sb.String()
}

// FormatZones renders nearby crime zones
func FormatZones(zones []safetyapi.Zone, thresholds risk.Thresholds) string {
	if len(zones) == 0 {
		return "No crime zones nearby."
	}

	items := make([]string, len(zones))
	for i, z := range zones {
		category := thresholds.Categorize(z.RiskLevel)
		items[i] = fmt.Sprintf("%s **%s** risk %.0f, radius %.0fm", categoryEmoji(category), z.Name, z.RiskLevel, z.Radius)
	}
	return "#### Nearby zones\n" + formatBulletList(items)
}

// FormatPrediction renders a model risk forecast for a place at a time
func FormatPrediction(prediction *safetyapi.Prediction, at time.Time, thresholds risk.Thresholds) string {
	if prediction == nil {
		return "No forecast is available for this place."
	}

	category := thresholds.Categorize(prediction.RiskPercentage)
	items := []string{
		fmt.Sprintf("%s **%s** risk %.1f%%", categoryEmoji(category), category.Label(), prediction.RiskPercentage),
	}
	if prediction.Confidence != "" {
		items = append(items, fmt.Sprintf("Confidence: %s", prediction.Confidence))
	}
	if prediction.LocationContext != "" {
		items = append(items, fmt.Sprintf("Place: %s", prediction.LocationContext))
	}
	if f := prediction.Features; f != nil {
		var when []string
		if f.IsNight == 1 {
			when = append(when, "night")
		}
		if f.IsWeekend == 1 {
			when = append(when, "weekend")
		}
		if len(when) > 0 {
			items = append(items, "Scored as "+strings.Join(when, " and "))
		}
	}

	return fmt.Sprintf("#### Risk forecast for %s at %s\n", at.Weekday(), at.Format("15:04")) + formatBulletList(items)
}

// FormatStatus renders a monitor status for the status command
func FormatStatus(status monitor.Status) string {
	var sb strings.Builder
	sb.WriteString("#### Safety status\n")

	if status.Risk != nil {
		fmt.Fprintf(&sb, "• Risk: %s **%s** (%.0f), updated %s\n",
			labelEmoji(status.Risk.Category), status.Risk.Category, status.Risk.Level, formatTime(status.Risk.UpdatedAt))
	} else {
		sb.WriteString("• Risk: no data yet\n")
	}

	poll := "ok"
	switch {
	case status.Poll.LastSuccess.IsZero():
		poll = "waiting for first poll"
	case status.Poll.ConsecutiveFailures > 0:
		poll = fmt.Sprintf("%d failed polls, retrying in %s", status.Poll.ConsecutiveFailures, status.Poll.NextInterval)
	}
	fmt.Fprintf(&sb, "• Alert polling: %s\n", poll)

	prompt := status.Alert.Phase
	if status.Alert.AlertID != 0 {
		prompt = fmt.Sprintf("%s (alert #%d)", prompt, status.Alert.AlertID)
	}
	if status.Alert.Armed {
		prompt += ", emergency armed"
	}
	fmt.Fprintf(&sb, "• Safety check: %s\n", prompt)

	audio := status.Audio
	if status.AudioDenied {
		audio += ", microphone permission denied"
	}
	fmt.Fprintf(&sb, "• Audio monitor: %s\n", audio)

	if status.LastFix != nil {
		fmt.Fprintf(&sb, "• Last location: %.5f, %.5f at %.0f km/h", status.LastFix.Latitude, status.LastFix.Longitude, status.LastFix.SpeedKmh)
		if status.Simulating {
			sb.WriteString(" (simulated)")
		}
		sb.WriteString("\n")
	} else {
		sb.WriteString("• Last location: none\n")
	}

	return strings.TrimSuffix(sb.String(), "\n")
}

func labelEmoji(label string) string {
	switch label {
	case risk.High.Label():
		return EmojiDanger
	case risk.Medium.Label():
		return EmojiCaution
	case risk.Low.Label():
		return EmojiSafe
	default:
		return EmojiNeutral
	}
}

func categoryColor(c risk.Category) string {
	switch c {
	case risk.High:
		return ColorDanger
	case risk.Medium:
		return ColorCaution
	case risk.Low:
		return ColorSafe
	default:
		return ColorNeutral
	}
}

func categoryEmoji(c risk.Category) string {
	switch c {
	case risk.High:
		return EmojiDanger
	case risk.Medium:
		return EmojiCaution
	case risk.Low:
		return EmojiSafe
	default:
		return EmojiNeutral
	}
}

// formatTime formats a time.Time to a readable string
func formatTime(t time.Time) string {
	return t.Format("2006-01-02 15:04:05 MST")
}

// formatBulletList formats a slice of strings as a bulleted list
func formatBulletList(items []string) string {
	bullets := make([]string, len(items))
	for i, item := range items {
		bullets[i] = fmt.Sprintf("• %s", item)
	}
	return strings.Join(bullets, "\n")
}

// truncateText truncates text to maxLen characters, adding "..." if truncated
func truncateText(text string, maxLen int) string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	return string(runes[:maxLen]) + "..."
}

func escapeCell(s string) string {
	return strings.NewReplacer("|", "\\|", "\n", " ").Replace(s)
}
