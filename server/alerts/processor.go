package alerts

import (
	"github.com/mattermost/mattermost-plugin-safety/server/logging"
	"github.com/mattermost/mattermost-plugin-safety/server/safetyapi"
)

// Surfacer presents a newly seen alert to the user
type Surfacer interface {
	Surface(alert safetyapi.Alert)
}

// SurfacerFunc adapts a function to the Surfacer interface
type SurfacerFunc func(alert safetyapi.Alert)

// Surface calls f(alert)
func (f SurfacerFunc) Surface(alert safetyapi.Alert) {
	f(alert)
}

// Processor selects the alert to surface from each active-alerts response.
// Only the head of the list is considered, and each alert id is surfaced at
// most once.
type Processor struct {
	seen     *SeenSet
	surfacer Surfacer
	logger   logging.Logger
}

// NewProcessor creates a processor that surfaces through surfacer
func NewProcessor(seen *SeenSet, surfacer Surfacer, logger logging.Logger) *Processor {
	return &Processor{
		seen:     seen,
		surfacer: surfacer,
		logger:   logger,
	}
}

// HandleBatch processes one poll result and reports whether an alert was
// surfaced. The alert is recorded as seen before it is surfaced, so a poll
// landing while the user is still deciding cannot surface it again.
func (p *Processor) HandleBatch(resp *safetyapi.ActiveAlertsResponse) bool {
	head, ok := resp.Head()
	if !ok {
		return false
	}

	ids := make([]int64, 0, len(resp.Alerts))
	for _, alert := range resp.Alerts {
		ids = append(ids, alert.ID)
	}
	p.seen.Refresh(ids)

	if !p.seen.Record(head.ID) {
		p.logger.Debug("Skipping already surfaced alert", "alertId", head.ID)
		return false
	}

	p.logger.Info("Surfacing alert",
		"alertId", head.ID,
		"level", head.AlertLevel,
		"riskScore", head.RiskScore)

	p.surfacer.Surface(head)
	return true
}

// Seen returns the processor's seen-set
func (p *Processor) Seen() *SeenSet {
	return p.seen
}

// Stop stops the seen-set cleanup loop
func (p *Processor) Stop() {
	p.seen.Stop()
}
