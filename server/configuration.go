package main

import (
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/mattermost/mattermost-plugin-safety/server/alerts"
	"github.com/mattermost/mattermost-plugin-safety/server/audio"
	"github.com/mattermost/mattermost-plugin-safety/server/bridge"
	"github.com/mattermost/mattermost-plugin-safety/server/monitor"
	"github.com/mattermost/mattermost-plugin-safety/server/risk"
)

const (
	defaultBotUsername    = "safety-companion"
	defaultBotDisplayName = "Safety Companion"

	// Simulator start position when no fix is known
	defaultSimulationLatitude  = 5.125086
	defaultSimulationLongitude = 7.356695
	defaultSimulationPeriod    = 5
)

// configuration captures the plugin's external configuration as exposed in the Mattermost server
// configuration, as well as values computed from the configuration. Any public fields will be
// deserialized from the Mattermost server configuration in OnConfigurationChange.
//
// As plugins are inherently concurrent (hooks being called asynchronously), and the plugin
// configuration can change at any time, access to the configuration must be synchronized. The
// strategy used in this plugin is to guard a pointer to the configuration, and clone the entire
// struct whenever it changes.
//
// If you add non-reference types to your configuration struct, be sure to rewrite Clone as a deep
// copy appropriate for your types.
type configuration struct {
	// SafetyAPIURL is the base URL of the safety backend, without the /safety suffix.
	// Users cannot connect until it is set.
	SafetyAPIURL string `json:"SafetyAPIURL" validate:"omitempty,url,startswith=http"`

	BotUsername    string `json:"BotUsername" validate:"omitempty,min=3,max=64"`
	BotDisplayName string `json:"BotDisplayName" validate:"omitempty,max=64"`

	AlertPollIntervalSeconds int     `json:"AlertPollIntervalSeconds" validate:"min=10,max=3600"`
	SeenRetentionHours       int     `json:"SeenRetentionHours" validate:"min=1,max=720"`
	DangerThreshold          float64 `json:"DangerThreshold" validate:"gt=40,lte=100"`

	AudioMonitorEnabled      bool    `json:"AudioMonitorEnabled"`
	AudioMonitorThreshold    float64 `json:"AudioMonitorThreshold" validate:"gte=0,lte=100"`
	RecordingDurationSeconds int     `json:"RecordingDurationSeconds" validate:"min=1,max=30"`
	RecordingIntervalSeconds int     `json:"RecordingIntervalSeconds" validate:"min=1,max=600"`

	GeolocationTimeoutSeconds int `json:"GeolocationTimeoutSeconds" validate:"min=1,max=60"`
	PermissionTimeoutSeconds  int `json:"PermissionTimeoutSeconds" validate:"min=5,max=300"`

	SimulationLatitude      float64 `json:"SimulationLatitude" validate:"latitude"`
	SimulationLongitude     float64 `json:"SimulationLongitude" validate:"longitude"`
	SimulationPeriodSeconds int     `json:"SimulationPeriodSeconds" validate:"min=1,max=300"`
}

var configValidator = validator.New()

// Clone creates a copy of the configuration. The struct holds no reference types.
func (c *configuration) Clone() *configuration {
	clone := *c
	return &clone
}

// setDefaults fills settings the administrator left empty
func (c *configuration) setDefaults() {
	if c.BotUsername == "" {
		c.BotUsername = defaultBotUsername
	}
	if c.BotDisplayName == "" {
		c.BotDisplayName = defaultBotDisplayName
	}
	if c.AlertPollIntervalSeconds == 0 {
		c.AlertPollIntervalSeconds = int(alerts.DefaultPollInterval / time.Second)
	}
	if c.SeenRetentionHours == 0 {
		c.SeenRetentionHours = int(alerts.DefaultSeenRetention / time.Hour)
	}
	if c.DangerThreshold == 0 {
		c.DangerThreshold = risk.DefaultDangerThreshold
	}
	if c.AudioMonitorThreshold == 0 {
		c.AudioMonitorThreshold = audio.DefaultThreshold
	}
	if c.RecordingDurationSeconds == 0 {
		c.RecordingDurationSeconds = int(audio.DefaultRecordDuration / time.Second)
	}
	if c.RecordingIntervalSeconds == 0 {
		c.RecordingIntervalSeconds = int(audio.DefaultRecordInterval / time.Second)
	}
	if c.GeolocationTimeoutSeconds == 0 {
		c.GeolocationTimeoutSeconds = int(bridge.DefaultGeolocationTimeout / time.Second)
	}
	if c.PermissionTimeoutSeconds == 0 {
		c.PermissionTimeoutSeconds = int(bridge.DefaultPermissionTimeout / time.Second)
	}
	if c.SimulationLatitude == 0 && c.SimulationLongitude == 0 {
		c.SimulationLatitude = defaultSimulationLatitude
		c.SimulationLongitude = defaultSimulationLongitude
	}
	if c.SimulationPeriodSeconds == 0 {
		c.SimulationPeriodSeconds = defaultSimulationPeriod
	}
}

// IsValid checks the configuration after defaults were applied
func (c *configuration) IsValid() error {
	if err := configValidator.Struct(c); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
			first := validationErrs[0]
			return errors.Errorf("setting %s failed the '%s' check (value %v)", first.Field(), first.Tag(), first.Value())
		}
		return errors.Wrap(err, "failed to validate configuration")
	}

	if c.AudioMonitorThreshold < risk.CautionThreshold {
		return errors.Errorf("audio monitor threshold %.0f must not be below the caution threshold %.0f",
			c.AudioMonitorThreshold, risk.CautionThreshold)
	}

	return nil
}

// monitorConfig derives the per-user monitor settings
func (c *configuration) monitorConfig() monitor.Config {
	return monitor.Config{
		PollInterval:  time.Duration(c.AlertPollIntervalSeconds) * time.Second,
		SeenRetention: time.Duration(c.SeenRetentionHours) * time.Hour,
		Thresholds: risk.Thresholds{
			Caution: risk.CautionThreshold,
			Danger:  c.DangerThreshold,
		},
		Audio: audio.Config{
			Threshold:      c.AudioMonitorThreshold,
			RecordDuration: time.Duration(c.RecordingDurationSeconds) * time.Second,
			RecordInterval: time.Duration(c.RecordingIntervalSeconds) * time.Second,
		},
		AudioEnabled:        c.AudioMonitorEnabled,
		GeolocationTimeout:  c.geolocationTimeout(),
		SimulationPeriod:    time.Duration(c.SimulationPeriodSeconds) * time.Second,
		SimulationLatitude:  c.SimulationLatitude,
		SimulationLongitude: c.SimulationLongitude,
	}
}

func (c *configuration) geolocationTimeout() time.Duration {
	return time.Duration(c.GeolocationTimeoutSeconds) * time.Second
}

func (c *configuration) permissionTimeout() time.Duration {
	return time.Duration(c.PermissionTimeoutSeconds) * time.Second
}

// monitorsAffected reports whether switching from old to c requires
// running monitors to be rebuilt
func (c *configuration) monitorsAffected(old *configuration) bool {
	if old == nil {
		return true
	}
	return c.SafetyAPIURL != old.SafetyAPIURL ||
		c.PermissionTimeoutSeconds != old.PermissionTimeoutSeconds ||
		c.monitorConfig() != old.monitorConfig()
}

// getConfiguration retrieves the active configuration under lock, making it safe to use
// concurrently. The active configuration may change underneath the client of this method, but
// the struct returned by this API call is considered immutable.
func (p *Plugin) getConfiguration() *configuration {
	p.configurationLock.RLock()
	defer p.configurationLock.RUnlock()

	if p.configuration == nil {
		config := &configuration{}
		config.setDefaults()
		return config
	}

	return p.configuration
}

// setConfiguration replaces the active configuration under lock.
//
// Do not call setConfiguration while holding the configurationLock, as sync.Mutex is not
// reentrant. In particular, avoid using the plugin API entirely, as this may in turn trigger a
// hook back into the plugin. If that hook attempts to acquire this lock, a deadlock may occur.
//
// This method panics if setConfiguration is called with the existing configuration. This almost
// certainly means that the configuration was modified without being cloned and may result in
// an unsafe access.
func (p *Plugin) setConfiguration(configuration *configuration) {
	p.configurationLock.Lock()
	defer p.configurationLock.Unlock()

	if configuration != nil && p.configuration == configuration {
		// Ignore assignment if the configuration struct is empty. Go will optimize the
		// allocation for same to point at the same memory address, breaking the check
		// above.
		if reflect.ValueOf(*configuration).NumField() == 0 {
			return
		}

		panic("setConfiguration called with the existing configuration")
	}

	p.configuration = configuration
}

// OnConfigurationChange is invoked when configuration changes may have been made.
func (p *Plugin) OnConfigurationChange() error {
	var newConfig = new(configuration)

	// Load the public configuration fields from the Mattermost server configuration.
	if err := p.API.LoadPluginConfiguration(newConfig); err != nil {
		return errors.Wrap(err, "failed to load plugin configuration")
	}

	newConfig.setDefaults()
	if err := newConfig.IsValid(); err != nil {
		return errors.Wrap(err, "invalid plugin configuration")
	}

	p.configurationLock.RLock()
	oldConfig := p.configuration
	p.configurationLock.RUnlock()

	p.setConfiguration(newConfig)

	// Monitors only exist after OnActivate
	if p.registry == nil || !newConfig.monitorsAffected(oldConfig) {
		return nil
	}

	if oldConfig == nil || newConfig.SafetyAPIURL != oldConfig.SafetyAPIURL {
		p.setSafetyClient(p.newSafetyClient(newConfig))
	}
	p.restartMonitors("configuration changed")

	return nil
}
