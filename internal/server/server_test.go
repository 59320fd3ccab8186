package server

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/watchparty/watchparty/internal/database"
	"github.com/watchparty/watchparty/internal/stats"
	"github.com/watchparty/watchparty/internal/store"
	"github.com/watchparty/watchparty/internal/testutil"
)

func newTestServer(t *testing.T) (*SyncServer, *database.MockRoomRepository) {
	t.Helper()

	repo := &database.MockRoomRepository{}
	statsMock := &stats.MockStatsUpdater{}
	statsMock.On("RegisterMetric", mock.Anything).Return()
	statsMock.On("Incr", mock.Anything).Return()
	statsMock.On("Decr", mock.Anything).Return()

	s, err := NewSyncServer(testutil.TestLogger(t), repo, statsMock)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Shutdown(context.Background()))
	})
	return s, repo
}

func TestApplyWriteReadRoundTrip(t *testing.T) {
	s, repo := newTestServer(t)
	ctx := context.Background()

	repo.On("UpsertRoom", "r1", mock.Anything).Return(nil)

	resp := s.apply(ctx, &store.Request{
		ID:    1,
		Write: &store.ValueArg{Path: "rooms/r1", Value: json.RawMessage(`{"id":"r1"}`)},
	})
	require.NotNil(t, resp.Response)
	assert.True(t, resp.Response.OK())

	resp = s.apply(ctx, &store.Request{
		ID:   2,
		Read: &store.PathArg{Path: "rooms/r1"},
	})
	require.NotNil(t, resp.Response)
	require.True(t, resp.Response.OK())
	assert.JSONEq(t, `{"id":"r1"}`, string(resp.Response.Value))

	repo.AssertCalled(t, "UpsertRoom", "r1", mock.Anything)
}

func TestApplyRefusedDuringShutdown(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, s.Shutdown(ctx))

	resp := s.apply(ctx, &store.Request{
		ID:    7,
		Write: &store.ValueArg{Path: "rooms/r1", Value: json.RawMessage(`{"id":"r1"}`)},
	})
	require.NotNil(t, resp.Response)
	assert.False(t, resp.Response.OK())
	assert.Equal(t, http.StatusServiceUnavailable, resp.Response.Code)
}

func TestApplyReadMissingPath(t *testing.T) {
	s, _ := newTestServer(t)

	resp := s.apply(context.Background(), &store.Request{
		ID:   1,
		Read: &store.PathArg{Path: "rooms/nope"},
	})
	require.NotNil(t, resp.Response)
	assert.True(t, resp.Response.OK())
	assert.Empty(t, resp.Response.Value)
}

func TestApplyUpdatePersistsWholeRoom(t *testing.T) {
	s, repo := newTestServer(t)
	ctx := context.Background()

	var lastDoc []byte
	repo.On("UpsertRoom", "r1", mock.Anything).Run(func(args mock.Arguments) {
		lastDoc = args.Get(1).([]byte)
	}).Return(nil)

	s.apply(ctx, &store.Request{
		ID:    1,
		Write: &store.ValueArg{Path: "rooms/r1/playback", Value: json.RawMessage(`{"video_ref":"vid-a"}`)},
	})
	resp := s.apply(ctx, &store.Request{
		ID: 2,
		Update: &store.UpdateArg{
			Path:   "rooms/r1/playback",
			Fields: map[string]json.RawMessage{"is_playing": json.RawMessage(`true`)},
		},
	})
	require.True(t, resp.Response.OK())

	// The persisted document is the whole room subtree, not the leaf.
	var doc map[string]any
	require.NoError(t, json.Unmarshal(lastDoc, &doc))
	playback := doc["playback"].(map[string]any)
	assert.Equal(t, "vid-a", playback["video_ref"])
	assert.Equal(t, true, playback["is_playing"])
}

func TestApplyAppendReturnsKey(t *testing.T) {
	s, repo := newTestServer(t)
	ctx := context.Background()

	repo.On("UpsertRoom", "r1", mock.Anything).Return(nil)

	first := s.apply(ctx, &store.Request{
		ID:     1,
		Append: &store.ValueArg{Path: "rooms/r1/messages", Value: json.RawMessage(`{"body":"a"}`)},
	})
	second := s.apply(ctx, &store.Request{
		ID:     2,
		Append: &store.ValueArg{Path: "rooms/r1/messages", Value: json.RawMessage(`{"body":"b"}`)},
	})

	require.True(t, first.Response.OK())
	require.True(t, second.Response.OK())
	assert.NotEmpty(t, first.Response.Key)
	assert.NotEmpty(t, second.Response.Key)
	assert.NotEqual(t, first.Response.Key, second.Response.Key)
}

func TestApplyRemoveRoomDeletesDocument(t *testing.T) {
	s, repo := newTestServer(t)
	ctx := context.Background()

	repo.On("UpsertRoom", "r1", mock.Anything).Return(nil)
	repo.On("DeleteRoom", "r1").Return(nil)

	s.apply(ctx, &store.Request{
		ID:    1,
		Write: &store.ValueArg{Path: "rooms/r1", Value: json.RawMessage(`{"id":"r1"}`)},
	})
	resp := s.apply(ctx, &store.Request{
		ID:     2,
		Remove: &store.PathArg{Path: "rooms/r1"},
	})
	require.True(t, resp.Response.OK())

	repo.AssertCalled(t, "DeleteRoom", "r1")
}

func TestApplyMalformedRequest(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name string
		req  *store.Request
	}{
		{"empty request", &store.Request{ID: 1}},
		{"bad write payload", &store.Request{
			ID:    2,
			Write: &store.ValueArg{Path: "rooms/r1", Value: json.RawMessage(`{oops`)},
		}},
		{"bad append payload", &store.Request{
			ID:     3,
			Append: &store.ValueArg{Path: "rooms/r1/messages", Value: json.RawMessage(`nope!`)},
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := s.apply(context.Background(), tc.req)
			require.NotNil(t, resp.Response)
			assert.Equal(t, http.StatusBadRequest, resp.Response.Code)
		})
	}
}

func TestPersistFailureDoesNotSurface(t *testing.T) {
	s, repo := newTestServer(t)

	repo.On("UpsertRoom", "r1", mock.Anything).Return(assert.AnError)

	resp := s.apply(context.Background(), &store.Request{
		ID:    1,
		Write: &store.ValueArg{Path: "rooms/r1", Value: json.RawMessage(`{"id":"r1"}`)},
	})
	require.NotNil(t, resp.Response)
	assert.True(t, resp.Response.OK())
}

func TestPersistIgnoresNonRoomPaths(t *testing.T) {
	s, repo := newTestServer(t)

	// No repo expectations: a write outside rooms/<id> must not touch
	// the repository.
	resp := s.apply(context.Background(), &store.Request{
		ID:    1,
		Write: &store.ValueArg{Path: "rooms", Value: json.RawMessage(`{}`)},
	})
	require.NotNil(t, resp.Response)
	repo.AssertNotCalled(t, "UpsertRoom", mock.Anything, mock.Anything)
}

func TestLoadRestoresRooms(t *testing.T) {
	s, repo := newTestServer(t)
	ctx := context.Background()

	repo.On("ListRooms").Return([]database.RoomDoc{
		{ID: "r1", Doc: []byte(`{"id":"r1","max_occupancy":4}`)},
		{ID: "r2", Doc: []byte(`{broken`)},
	}, nil)

	require.NoError(t, s.Load(ctx))

	resp := s.apply(ctx, &store.Request{ID: 1, Read: &store.PathArg{Path: "rooms/r1"}})
	require.True(t, resp.Response.OK())
	assert.JSONEq(t, `{"id":"r1","max_occupancy":4}`, string(resp.Response.Value))

	// The corrupt document is skipped, not fatal.
	resp = s.apply(ctx, &store.Request{ID: 2, Read: &store.PathArg{Path: "rooms/r2"}})
	require.True(t, resp.Response.OK())
	assert.Empty(t, resp.Response.Value)
}

func TestRoomIDFromPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"rooms/r1", "r1"},
		{"rooms/r1/users/u1", "r1"},
		{"/rooms/r1/", "r1"},
		{"rooms", ""},
		{"other/r1", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, roomIDFromPath(tc.path), tc.path)
	}
}
