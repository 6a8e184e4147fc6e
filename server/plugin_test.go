package main

import (
	"sync"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/mattermost/mattermost/server/public/model"
	"github.com/mattermost/mattermost/server/public/plugin/plugintest"
	"github.com/mattermost/mattermost/server/public/pluginapi"
	"github.com/mattermost/mattermost/server/public/pluginapi/cluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mattermost/mattermost-plugin-safety/server/alerts"
	"github.com/mattermost/mattermost-plugin-safety/server/bridge"
	"github.com/mattermost/mattermost-plugin-safety/server/lifecycle"
	"github.com/mattermost/mattermost-plugin-safety/server/logging"
	"github.com/mattermost/mattermost-plugin-safety/server/monitor"
	"github.com/mattermost/mattermost-plugin-safety/server/risk"
	"github.com/mattermost/mattermost-plugin-safety/server/safetyapi"
	"github.com/mattermost/mattermost-plugin-safety/server/safetyapi/mocks"
	"github.com/mattermost/mattermost-plugin-safety/server/session"
)

const testUserID = "user1"

type stubJob struct{}

func (stubJob) Close() error { return nil }

type stubScheduler struct{}

func (stubScheduler) Schedule(string, cluster.NextWaitInterval, func()) (alerts.Job, error) {
	return stubJob{}, nil
}

type recordingView struct {
	mu      sync.Mutex
	screens []lifecycle.Screen
}

func (v *recordingView) Render(screen lifecycle.Screen) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.screens = append(v.screens, screen)
}

func (v *recordingView) count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.screens)
}

type nopNotifier struct{}

func (nopNotifier) CrisisDetected(*safetyapi.AudioAnalysis) {}
func (nopNotifier) MonitorError(error)                      {}
func (nopNotifier) RiskChanged(risk.State)                  {}

// newTestPlugin returns an activated-looking plugin without a bot or
// running monitors
func newTestPlugin(t *testing.T) (*Plugin, *plugintest.API) {
	t.Helper()

	api := plugintest.NewAPI(t)
	key, err := session.GenerateKey()
	require.NoError(t, err)

	p := &Plugin{}
	p.SetAPI(api)
	p.client = pluginapi.NewClient(api, &plugintest.Driver{})
	p.sessions = session.NewStore(api, key)
	p.broker = bridge.NewBroker(api, logging.Nop())
	p.registry = monitor.NewRegistry()
	p.router = p.initRouter()

	return p, api
}

// registerMonitor adds a stopped monitor for testUserID backed by a mock API
func registerMonitor(t *testing.T, p *Plugin) (*monitor.Monitor, *mocks.MockAPI, *recordingView) {
	t.Helper()

	client := mocks.NewMockAPI(gomock.NewController(t))
	view := &recordingView{}

	m, err := monitor.New(testUserID, monitor.Config{}, monitor.Deps{
		API:       client,
		Scheduler: stubScheduler{},
		View:      view,
		Notifier:  nopNotifier{},
	})
	require.NoError(t, err)
	require.NoError(t, p.registry.Register(m))

	return m, client, view
}

func TestUserMonitorConfig(t *testing.T) {
	key := "alerts_" + testUserID + "_audio_enabled"

	t.Run("plugin default without a stored choice", func(t *testing.T) {
		p, api := newTestPlugin(t)
		config := defaultConfig()
		config.AudioMonitorEnabled = true
		api.On("KVGet", key).Return(nil, nil).Once()

		cfg := p.userMonitorConfig(config, alerts.NewStateStore(api, testUserID))
		assert.True(t, cfg.AudioEnabled)
	})

	t.Run("stored choice survives a restart", func(t *testing.T) {
		p, api := newTestPlugin(t)
		config := defaultConfig()
		config.AudioMonitorEnabled = true
		api.On("KVGet", key).Return([]byte("false"), nil).Once()

		cfg := p.userMonitorConfig(config, alerts.NewStateStore(api, testUserID))
		assert.False(t, cfg.AudioEnabled)
		assert.Equal(t, config.monitorConfig().PollInterval, cfg.PollInterval)
	})

	t.Run("stored choice enables audio against the default", func(t *testing.T) {
		p, api := newTestPlugin(t)
		api.On("KVGet", key).Return([]byte("true"), nil).Once()

		cfg := p.userMonitorConfig(defaultConfig(), alerts.NewStateStore(api, testUserID))
		assert.True(t, cfg.AudioEnabled)
	})

	t.Run("load failure falls back to the default", func(t *testing.T) {
		p, api := newTestPlugin(t)
		api.On("KVGet", key).Return(nil, model.NewAppError("KVGet", "kv.error", nil, "boom", 500)).Once()
		api.On("LogWarn", "Failed to load audio preference", "error", mock.Anything).Once()

		cfg := p.userMonitorConfig(defaultConfig(), alerts.NewStateStore(api, testUserID))
		assert.False(t, cfg.AudioEnabled)
	})
}
