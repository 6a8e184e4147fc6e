package main

import (
	"fmt"
	"sync"

	"github.com/gorilla/mux"
	"github.com/mattermost/mattermost/server/public/model"
	"github.com/mattermost/mattermost/server/public/plugin"
	"github.com/mattermost/mattermost/server/public/pluginapi"
	"github.com/pkg/errors"

	"github.com/mattermost/mattermost-plugin-safety/server/alerts"
	"github.com/mattermost/mattermost-plugin-safety/server/bridge"
	"github.com/mattermost/mattermost-plugin-safety/server/logging"
	"github.com/mattermost/mattermost-plugin-safety/server/monitor"
	"github.com/mattermost/mattermost-plugin-safety/server/poster"
	"github.com/mattermost/mattermost-plugin-safety/server/safetyapi"
	"github.com/mattermost/mattermost-plugin-safety/server/session"
)

// Plugin implements the interface expected by the Mattermost server to communicate between the server and plugin processes.
type Plugin struct {
	plugin.MattermostPlugin

	// client is the Mattermost server API client.
	client *pluginapi.Client

	// configurationLock synchronizes access to the configuration.
	configurationLock sync.RWMutex

	// configuration is the active plugin configuration. Consult getConfiguration and
	// setConfiguration for usage.
	configuration *configuration

	// sessions stores each linked user's backend tokens, encrypted.
	sessions *session.Store

	// safetyLock guards safety, which is replaced when the backend URL changes.
	safetyLock sync.RWMutex
	safety     *safetyapi.Client

	// broker correlates device requests sent to clients with their replies.
	broker *bridge.Broker

	// registry holds one running monitor per linked user.
	registry *monitor.Registry

	// poster sends bot direct messages.
	poster *poster.Poster

	router *mux.Router
}

func (p *Plugin) logger() logging.Logger {
	return &p.client.Log
}

// OnActivate is invoked when the plugin is activated. If an error is returned, the plugin will be deactivated.
func (p *Plugin) OnActivate() error {
	p.client = pluginapi.NewClient(p.API, p.Driver)

	config := p.getConfiguration()

	botID, err := p.API.EnsureBotUser(&model.Bot{
		Username:    config.BotUsername,
		DisplayName: config.BotDisplayName,
		Description: "Sends safety checks and risk updates for your linked safety account",
	})
	if err != nil {
		return errors.Wrap(err, "failed to ensure bot user")
	}
	p.API.LogInfo("Bot user initialized", "botID", botID, "username", config.BotUsername)

	key, err := session.LoadOrCreateKey(p.API)
	if err != nil {
		return errors.Wrap(err, "failed to load session encryption key")
	}

	p.poster = poster.New(p.API, botID)
	p.sessions = session.NewStore(p.API, key)
	p.broker = bridge.NewBroker(p.API, p.logger())
	p.setSafetyClient(p.newSafetyClient(config))
	p.router = p.initRouter()

	if err := p.API.RegisterCommand(getCommand()); err != nil {
		return errors.Wrap(err, "failed to register /safety command")
	}

	p.registry = monitor.NewRegistry()
	p.startStoredMonitors()

	return nil
}

// OnDeactivate is invoked when the plugin is deactivated.
func (p *Plugin) OnDeactivate() error {
	if p.registry != nil {
		if err := p.registry.UnregisterAll(); err != nil {
			p.API.LogError("Failed to stop all monitors during deactivation", "error", err.Error())
			return err
		}
	}

	return nil
}

func (p *Plugin) newSafetyClient(config *configuration) *safetyapi.Client {
	return safetyapi.NewClient(config.SafetyAPIURL, p.sessions, p.logger(),
		safetyapi.WithSessionInvalidator(p.sessionInvalidated))
}

func (p *Plugin) setSafetyClient(client *safetyapi.Client) {
	p.safetyLock.Lock()
	defer p.safetyLock.Unlock()
	p.safety = client
}

func (p *Plugin) safetyClient() *safetyapi.Client {
	p.safetyLock.RLock()
	defer p.safetyLock.RUnlock()
	return p.safety
}

// actionURL is the route receiving alert button clicks
func (p *Plugin) actionURL() string {
	return fmt.Sprintf("/plugins/%s/api/v1/alerts/action", manifestID)
}

// startStoredMonitors starts a monitor for every user with a stored session.
// Failures are logged per user and do not stop the others.
func (p *Plugin) startStoredMonitors() {
	userIDs, err := p.sessions.ListUserIDs()
	if err != nil {
		p.API.LogError("Failed to list linked users", "error", err.Error())
		return
	}

	for _, userID := range userIDs {
		if err := p.startMonitor(userID); err != nil {
			p.API.LogError("Failed to start monitor", "userID", userID, "error", err.Error())
		}
	}

	p.API.LogInfo("Safety monitors started", "count", p.registry.Count())
}

// startMonitor builds, registers and starts the monitor for userID
func (p *Plugin) startMonitor(userID string) error {
	config := p.getConfiguration()
	logger := p.logger()
	store := alerts.NewStateStore(p.API, userID)

	m, err := monitor.New(userID, p.userMonitorConfig(config, store), monitor.Deps{
		API:        p.safetyClient().For(userID),
		Scheduler:  alerts.ClusterScheduler(p.API),
		StateStore: store,
		View:       poster.NewAlertView(p.poster, userID, p.actionURL(), logger),
		Notifier:   poster.NewNotifier(p.poster, userID, logger),
		Microphone: bridge.NewMicrophone(p.broker, userID, config.permissionTimeout()),
		Locator:    bridge.NewLocator(p.broker, userID, config.geolocationTimeout()),
		OnAuthLost: p.authLost,
		Logger:     logger,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create monitor")
	}

	if err := p.registry.Register(m); err != nil {
		return errors.Wrap(err, "failed to register monitor")
	}

	if err := m.Start(); err != nil {
		p.stopMonitor(userID, "start failed")
		return errors.Wrap(err, "failed to start monitor")
	}

	return nil
}

// userMonitorConfig applies the user's own audio monitor choice, if they
// made one, over the plugin default
func (p *Plugin) userMonitorConfig(config *configuration, store *alerts.StateStore) monitor.Config {
	cfg := config.monitorConfig()

	enabled, ok, err := store.GetAudioEnabled()
	if err != nil {
		p.API.LogWarn("Failed to load audio preference", "error", err.Error())
		return cfg
	}
	if ok {
		cfg.AudioEnabled = enabled
	}
	return cfg
}

// stopMonitor unregisters and stops the monitor for userID. It reports
// whether this call removed the monitor.
func (p *Plugin) stopMonitor(userID, reason string) bool {
	if err := p.registry.Unregister(userID); err != nil {
		if errors.Is(err, monitor.ErrNotRegistered) {
			return false
		}
		p.API.LogWarn("Failed to stop monitor", "userID", userID, "reason", reason, "error", err.Error())
		return true
	}
	p.API.LogInfo("Stopped monitor", "userID", userID, "reason", reason)
	return true
}

// restartMonitors rebuilds every running monitor with the current configuration
func (p *Plugin) restartMonitors(reason string) {
	for _, m := range p.registry.List() {
		userID := m.UserID()
		p.stopMonitor(userID, reason)
		if err := p.startMonitor(userID); err != nil {
			p.API.LogError("Failed to restart monitor", "userID", userID, "error", err.Error())
		}
	}
}

// authLost is called by a monitor whose alert polling ended because the
// backend no longer accepts the session
func (p *Plugin) authLost(userID string, err error) {
	if !p.stopMonitor(userID, "session lost: "+err.Error()) {
		return
	}
	if delErr := p.sessions.Delete(userID); delErr != nil {
		p.API.LogWarn("Failed to delete session", "userID", userID, "error", delErr.Error())
	}
	p.notifySignedOut(userID)
}

// sessionInvalidated runs after the API client destroyed a session. It can be
// called from inside a monitor's own request, so the monitor is stopped on
// another goroutine.
func (p *Plugin) sessionInvalidated(userID string) {
	go func() {
		if p.stopMonitor(userID, "session expired") {
			p.notifySignedOut(userID)
		}
	}()
}

func (p *Plugin) notifySignedOut(userID string) {
	if _, err := p.poster.DirectMessage(userID, "Your safety session expired. Run `/safety connect` to sign in again."); err != nil {
		p.API.LogWarn("Failed to notify user of expired session", "userID", userID, "error", err.Error())
	}
}

// See https://developers.mattermost.com/extend/plugins/server/reference/
