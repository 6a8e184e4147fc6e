package session

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/mattermost/mattermost/server/public/plugin/plugintest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) *[KeySize]byte {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	return key
}

func testSession() *Session {
	return &Session{
		AccessToken:  "access-123",
		RefreshToken: "refresh-456",
		User: User{
			ID:        42,
			Email:     "ada@example.com",
			FirstName: "Ada",
		},
		CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestStore_SaveAndGet(t *testing.T) {
	t.Run("round trip through encrypted KV entry", func(t *testing.T) {
		api := &plugintest.API{}
		store := NewStore(api, testKey(t))

		var stored []byte
		api.On("KVSet", "session_user_user1", mock.Anything).
			Run(func(args mock.Arguments) { stored = args.Get(1).([]byte) }).
			Return(nil).Once()

		require.NoError(t, store.Save("user1", testSession()))
		require.NotEmpty(t, stored)
		assert.NotContains(t, string(stored), "access-123", "tokens must not be stored in clear text")

		api.On("KVGet", "session_user_user1").Return(stored, nil).Once()

		got, err := store.Get("user1")
		require.NoError(t, err)
		assert.Equal(t, testSession(), got)
		api.AssertExpectations(t)
	})

	t.Run("get returns nil when no session stored", func(t *testing.T) {
		api := &plugintest.API{}
		store := NewStore(api, testKey(t))
		api.On("KVGet", "session_user_user1").Return(nil, nil).Once()

		got, err := store.Get("user1")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("get fails when sealed with another key", func(t *testing.T) {
		api := &plugintest.API{}
		other := NewStore(api, testKey(t))

		var stored []byte
		api.On("KVSet", "session_user_user1", mock.Anything).
			Run(func(args mock.Arguments) { stored = args.Get(1).([]byte) }).
			Return(nil).Once()
		require.NoError(t, other.Save("user1", testSession()))

		store := NewStore(api, testKey(t))
		api.On("KVGet", "session_user_user1").Return(stored, nil).Once()

		got, err := store.Get("user1")
		assert.ErrorIs(t, err, ErrCorruptCiphertext)
		assert.Nil(t, got)
	})

	t.Run("save rejects session without access token", func(t *testing.T) {
		api := &plugintest.API{}
		store := NewStore(api, testKey(t))

		err := store.Save("user1", &Session{RefreshToken: "r"})
		assert.Error(t, err)
		api.AssertNotCalled(t, "KVSet", mock.Anything, mock.Anything)
	})

	t.Run("save surfaces KV errors", func(t *testing.T) {
		api := &plugintest.API{}
		store := NewStore(api, testKey(t))
		api.On("KVSet", "session_user_user1", mock.Anything).
			Return(model.NewAppError("KVSet", "kv.error", nil, "boom", http.StatusInternalServerError)).Once()

		err := store.Save("user1", testSession())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to save session")
	})
}

func TestStore_UpdateAccessToken(t *testing.T) {
	api := &plugintest.API{}
	store := NewStore(api, testKey(t))

	var stored []byte
	capture := func(args mock.Arguments) { stored = args.Get(1).([]byte) }

	api.On("KVSet", "session_user_user1", mock.Anything).Run(capture).Return(nil).Once()
	require.NoError(t, store.Save("user1", testSession()))

	api.On("KVGet", "session_user_user1").Return(stored, nil).Once()
	api.On("KVSet", "session_user_user1", mock.Anything).Run(capture).Return(nil).Once()
	require.NoError(t, store.UpdateAccessToken("user1", "access-789"))

	api.On("KVGet", "session_user_user1").Return(stored, nil).Once()
	got, err := store.Get("user1")
	require.NoError(t, err)
	assert.Equal(t, "access-789", got.AccessToken)
	assert.Equal(t, "refresh-456", got.RefreshToken)
	api.AssertExpectations(t)
}

func TestStore_IsAuthenticated(t *testing.T) {
	api := &plugintest.API{}
	store := NewStore(api, testKey(t))

	var stored []byte
	api.On("KVSet", "session_user_user1", mock.Anything).
		Run(func(args mock.Arguments) { stored = args.Get(1).([]byte) }).
		Return(nil).Once()
	require.NoError(t, store.Save("user1", testSession()))

	api.On("KVGet", "session_user_user1").Return(stored, nil).Once()
	api.On("KVGet", "session_user_user2").Return(nil, nil).Once()
	api.On("KVGet", "session_user_user3").
		Return(nil, model.NewAppError("KVGet", "kv.error", nil, "boom", http.StatusInternalServerError)).Once()

	assert.True(t, store.IsAuthenticated("user1"))
	assert.False(t, store.IsAuthenticated("user2"))
	assert.False(t, store.IsAuthenticated("user3"))
}

func TestStore_UpdateAccessTokenWithoutSession(t *testing.T) {
	api := &plugintest.API{}
	store := NewStore(api, testKey(t))
	api.On("KVGet", "session_user_user1").Return(nil, nil).Once()

	err := store.UpdateAccessToken("user1", "access-789")
	assert.Error(t, err)
}

func TestStore_Delete(t *testing.T) {
	api := &plugintest.API{}
	store := NewStore(api, testKey(t))
	api.On("KVDelete", "session_user_user1").Return(nil).Once()

	require.NoError(t, store.Delete("user1"))
	api.AssertExpectations(t)
}

func TestStore_ListUserIDs(t *testing.T) {
	api := &plugintest.API{}
	store := NewStore(api, testKey(t))

	firstPage := make([]string, 0, listPageSize)
	for i := 0; i < listPageSize-1; i++ {
		firstPage = append(firstPage, fmt.Sprintf("cron_job_%d", i))
	}
	firstPage = append(firstPage, "session_user_alice")

	api.On("KVList", 0, listPageSize).Return(firstPage, nil).Once()
	api.On("KVList", 1, listPageSize).Return([]string{"session_encryption_key", "session_user_bob"}, nil).Once()

	ids, err := store.ListUserIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, ids)
	api.AssertExpectations(t)
}

func TestLoadOrCreateKey(t *testing.T) {
	t.Run("returns existing key", func(t *testing.T) {
		api := &plugintest.API{}
		existing := testKey(t)
		api.On("KVGet", encryptionKeyKV).Return(existing[:], nil).Once()

		key, err := LoadOrCreateKey(api)
		require.NoError(t, err)
		assert.Equal(t, existing, key)
	})

	t.Run("generates and stores a new key", func(t *testing.T) {
		api := &plugintest.API{}
		api.On("KVGet", encryptionKeyKV).Return(nil, nil).Once()
		api.On("KVSetWithOptions", encryptionKeyKV, mock.Anything, mock.MatchedBy(func(opts model.PluginKVSetOptions) bool {
			return opts.Atomic && opts.OldValue == nil
		})).Return(true, nil).Once()

		key, err := LoadOrCreateKey(api)
		require.NoError(t, err)
		require.NotNil(t, key)
		api.AssertExpectations(t)
	})

	t.Run("uses the key written by another node", func(t *testing.T) {
		api := &plugintest.API{}
		winner := testKey(t)
		api.On("KVGet", encryptionKeyKV).Return(nil, nil).Once()
		api.On("KVSetWithOptions", encryptionKeyKV, mock.Anything, mock.Anything).Return(false, nil).Once()
		api.On("KVGet", encryptionKeyKV).Return(winner[:], nil).Once()

		key, err := LoadOrCreateKey(api)
		require.NoError(t, err)
		assert.Equal(t, winner, key)
	})

	t.Run("rejects a key of the wrong size", func(t *testing.T) {
		api := &plugintest.API{}
		api.On("KVGet", encryptionKeyKV).Return([]byte("short"), nil).Once()

		_, err := LoadOrCreateKey(api)
		assert.Error(t, err)
	})
}
