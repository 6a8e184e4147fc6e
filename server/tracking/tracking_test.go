package tracking

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattermost/mattermost-plugin-safety/server/logging"
	"github.com/mattermost/mattermost-plugin-safety/server/risk"
	"github.com/mattermost/mattermost-plugin-safety/server/safetyapi"
	"github.com/mattermost/mattermost-plugin-safety/server/safetyapi/mocks"
)

func score(v float64) *float64 { return &v }

func TestTracker_HandleFix(t *testing.T) {
	t.Run("updates the holder", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		client := mocks.NewMockAPI(ctrl)
		holder := risk.NewHolder(risk.DefaultThresholds(), logging.Nop())
		tracker := NewTracker(client, holder, logging.Nop())

		battery := 42.0
		gomock.InOrder(
			client.EXPECT().SendLocation(gomock.Any(), safetyapi.Location{
				Latitude: 5.125086, Longitude: 7.356695, Speed: 12, BatteryLevel: &battery,
			}).Return(nil),
			client.EXPECT().CalculateRisk(gomock.Any(), 5.125086, 7.356695, 12.0).
				Return(&safetyapi.RiskPayload{RiskScore: score(82), Reason: "High crime area"}, nil),
		)

		err := tracker.HandleFix(context.Background(), Fix{Latitude: 5.125086, Longitude: 7.356695, SpeedKmh: 12, Battery: &battery})
		require.NoError(t, err)

		state, ok := holder.Current()
		require.True(t, ok)
		assert.Equal(t, 82.0, state.Level)
		assert.Equal(t, risk.High, state.Category)
		assert.Equal(t, "High crime area", state.Snapshot.Reason)

		fix, ok := tracker.LastFix()
		require.True(t, ok)
		assert.Equal(t, 5.125086, fix.Latitude)
		assert.False(t, fix.At.IsZero())
	})

	t.Run("location failure is best effort", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		client := mocks.NewMockAPI(ctrl)
		holder := risk.NewHolder(risk.DefaultThresholds(), logging.Nop())
		logger := &logging.Recorder{}
		tracker := NewTracker(client, holder, logger)

		client.EXPECT().SendLocation(gomock.Any(), gomock.Any()).Return(errors.New("offline"))
		client.EXPECT().CalculateRisk(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(&safetyapi.RiskPayload{TotalRisk: score(20)}, nil)

		require.NoError(t, tracker.HandleFix(context.Background(), Fix{Latitude: 1, Longitude: 2}))
		state, ok := holder.Current()
		require.True(t, ok)
		assert.Equal(t, risk.Low, state.Category)
		assert.Equal(t, 1, logger.Count("warn"))
	})

	t.Run("risk failure keeps previous state", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		client := mocks.NewMockAPI(ctrl)
		holder := risk.NewHolder(risk.DefaultThresholds(), logging.Nop())
		holder.Update(risk.Snapshot{TotalRisk: 55, Timestamp: time.Now()})
		tracker := NewTracker(client, holder, logging.Nop())

		client.EXPECT().SendLocation(gomock.Any(), gomock.Any()).Return(nil)
		client.EXPECT().CalculateRisk(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, &safetyapi.APIError{StatusCode: 500})

		err := tracker.HandleFix(context.Background(), Fix{Latitude: 1, Longitude: 2})
		assert.Error(t, err)

		state, _ := holder.Current()
		assert.Equal(t, 55.0, state.Level)
	})

	t.Run("payload without score keeps previous state", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		client := mocks.NewMockAPI(ctrl)
		holder := risk.NewHolder(risk.DefaultThresholds(), logging.Nop())
		tracker := NewTracker(client, holder, logging.Nop())

		client.EXPECT().SendLocation(gomock.Any(), gomock.Any()).Return(nil)
		client.EXPECT().CalculateRisk(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(&safetyapi.RiskPayload{}, nil)

		require.NoError(t, tracker.HandleFix(context.Background(), Fix{Latitude: 1, Longitude: 2}))
		_, ok := holder.Current()
		assert.False(t, ok)
	})

	t.Run("invalid fix makes no calls", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		client := mocks.NewMockAPI(ctrl)
		tracker := NewTracker(client, risk.NewHolder(risk.DefaultThresholds(), logging.Nop()), logging.Nop())

		for _, fix := range []Fix{
			{Latitude: 91},
			{Longitude: -181},
			{Latitude: math.NaN()},
			{SpeedKmh: -1},
		} {
			assert.Error(t, tracker.HandleFix(context.Background(), fix))
		}
		_, ok := tracker.LastFix()
		assert.False(t, ok)
	})
}

type recordingHandler struct {
	mu    sync.Mutex
	fixes []Fix
	got   chan Fix
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{got: make(chan Fix, 16)}
}

func (h *recordingHandler) HandleFix(_ context.Context, fix Fix) error {
	h.mu.Lock()
	h.fixes = append(h.fixes, fix)
	h.mu.Unlock()
	select {
	case h.got <- fix:
	default:
	}
	return nil
}

func (h *recordingHandler) next(t *testing.T) Fix {
	t.Helper()
	select {
	case fix := <-h.got:
		return fix
	case <-time.After(time.Second):
		t.Fatal("no fix emitted")
		return Fix{}
	}
}

func TestSimulator(t *testing.T) {
	t.Run("emits immediately and periodically", func(t *testing.T) {
		handler := newRecordingHandler()
		sim := NewSimulator(handler, 5.125086, 7.356695, 10*time.Millisecond, logging.Nop())
		sim.Start()
		sim.Start()
		defer sim.Stop()

		first := handler.next(t)
		assert.Equal(t, 5.125086, first.Latitude)
		assert.Equal(t, 7.356695, first.Longitude)
		assert.Zero(t, first.SpeedKmh)

		handler.next(t)
		assert.True(t, sim.Running())
	})

	t.Run("teleport and speed trigger a fix", func(t *testing.T) {
		handler := newRecordingHandler()
		sim := NewSimulator(handler, 0, 0, time.Hour, logging.Nop())
		sim.Start()
		defer sim.Stop()
		handler.next(t)

		sim.Teleport(5.13, 7.36)
		fix := handler.next(t)
		assert.Equal(t, 5.13, fix.Latitude)
		assert.Equal(t, 7.36, fix.Longitude)

		kmh := sim.Walk()
		assert.GreaterOrEqual(t, kmh, float64(minWalkSpeed))
		assert.LessOrEqual(t, kmh, float64(maxWalkSpeed))
		fix = handler.next(t)
		assert.Equal(t, kmh, fix.SpeedKmh)

		sim.Halt()
		fix = handler.next(t)
		assert.Zero(t, fix.SpeedKmh)
	})

	t.Run("stop halts emission", func(t *testing.T) {
		handler := newRecordingHandler()
		sim := NewSimulator(handler, 0, 0, 5*time.Millisecond, logging.Nop())
		sim.Start()
		handler.next(t)

		sim.Stop()
		sim.Stop()
		assert.False(t, sim.Running())

		handler.mu.Lock()
		count := len(handler.fixes)
		handler.mu.Unlock()

		time.Sleep(30 * time.Millisecond)
		handler.mu.Lock()
		defer handler.mu.Unlock()
		assert.Equal(t, count, len(handler.fixes))
	})
}
