package core

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func groupPayload(t *testing.T, v interface{}) GroupPayload {
	t.Helper()
	p, ok := v.(GroupPayload)
	require.Truef(t, ok, "unexpected payload type %T", v)
	return p
}

func TestJoinSendsSnapshotBeforeMemberJoined(t *testing.T) {
	f := setUpPresence(t, DefaultPresenceConfig)

	require.NoError(t, f.coordinator.Join("a", "ride32", "alice", "Alice"))
	assert.Equal(t, []string{GroupStateEvent, MemberJoinedEvent}, f.emitter.eventsTo("a"))

	require.NoError(t, f.coordinator.Join("b", "RIDE32", "bob", "Bob"))
	assert.Equal(t, []string{GroupStateEvent, MemberJoinedEvent}, f.emitter.eventsTo("b"))
	assert.Equal(t, []string{GroupStateEvent, MemberJoinedEvent, MemberJoinedEvent}, f.emitter.eventsTo("a"),
		"existing members must be told about the new member")

	state := groupPayload(t, f.emitter.lastPayload(t, "b", GroupStateEvent))
	assert.Len(t, state.Members, 2)
	assert.Equal(t, "Alice", state.Members["alice"].Name)
	assert.Equal(t, "Bob", state.Members["bob"].Name)

	joined, ok := f.emitter.lastPayload(t, "a", MemberJoinedEvent).(MemberJoinedPayload)
	require.True(t, ok)
	assert.Equal(t, MemberJoinedPayload{UserID: "bob", Name: "Bob"}, joined)
}

func TestJoinNormalizesIdentifiers(t *testing.T) {
	f := setUpPresence(t, DefaultPresenceConfig)

	require.NoError(t, f.coordinator.Join("a", "  ride32 ", " alice ", ""))

	m, ok := f.coordinator.Member("RIDE32", "alice")
	require.True(t, ok)
	assert.Equal(t, DefaultPresenceConfig.DefaultName, m.Name)
	assert.Equal(t, DefaultPresenceConfig.DefaultActivity, m.Activity)
	assert.Equal(t, "a", m.Channel)
	assert.Nil(t, m.Position)
	assert.Equal(t, 1, f.coordinator.GroupCount())
}

func TestJoinRejectsMissingIdentifiers(t *testing.T) {
	tcs := []struct {
		name   string
		group  string
		userID string
	}{
		{name: "empty group", group: "", userID: "alice"},
		{name: "blank group", group: "   ", userID: "alice"},
		{name: "empty user", group: "RIDE32", userID: ""},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			f := setUpPresence(t, DefaultPresenceConfig)
			require.NoError(t, f.coordinator.Join("b", "RIDE32", "bob", "Bob"))
			f.emitter.reset()

			err := f.coordinator.Join("a", tc.group, tc.userID, "Alice")
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)

			assert.Equal(t, []string{ErrorEvent}, f.emitter.eventsTo("a"))
			assert.Empty(t, f.emitter.to("b"), "a rejected join must not be broadcast")
			payload, ok := f.emitter.lastPayload(t, "a", ErrorEvent).(ErrorPayload)
			require.True(t, ok)
			assert.NotEmpty(t, payload.Message)
			assert.Equal(t, 1, f.coordinator.GroupCount())
		})
	}
}

func TestLocationUpdateMaterializesGroup(t *testing.T) {
	f := setUpPresence(t, DefaultPresenceConfig)
	require.NoError(t, f.coordinator.Join("w", "PEAK", "watcher", "Watcher"))
	f.emitter.reset()

	err := f.coordinator.LocationUpdate("a", Location{
		Group: "peak", UserID: "alice", Latitude: 45.33, Longitude: -121.71, Activity: "ski",
	}, f.clock.Now())
	require.NoError(t, err)

	m, ok := f.coordinator.Member("PEAK", "alice")
	require.True(t, ok)
	assert.Equal(t, &Position{Latitude: 45.33, Longitude: -121.71}, m.Position)
	assert.Equal(t, "ski", m.Activity)
	assert.Equal(t, DefaultPresenceConfig.DefaultName, m.Name)
	assert.Equal(t, f.clock.Now(), m.UpdatedAt)

	assert.Equal(t, []string{GroupLocationsEvent}, f.emitter.eventsTo("w"))
	assert.Equal(t, []string{GroupLocationsEvent}, f.emitter.eventsTo("a"))
	locs := groupPayload(t, f.emitter.lastPayload(t, "w", GroupLocationsEvent))
	assert.Len(t, locs.Members, 2)

	f.emitter.reset()
	require.NoError(t, f.coordinator.LocationUpdate("z", Location{
		Group: "NEW", UserID: "zed", Latitude: 1, Longitude: 2,
	}, f.clock.Now()))
	assert.Equal(t, 2, f.coordinator.GroupCount())
	assert.Equal(t, []string{GroupLocationsEvent}, f.emitter.eventsTo("z"))
}

func TestLocationUpdateTimestamp(t *testing.T) {
	f := setUpPresence(t, DefaultPresenceConfig)
	fix := time.Date(2024, 2, 10, 9, 29, 55, 0, time.UTC)

	require.NoError(t, f.coordinator.LocationUpdate("a", Location{
		Group: "G", UserID: "alice", Latitude: 1, Longitude: 1, Timestamp: fix,
	}, f.clock.Now()))
	m, _ := f.coordinator.Member("G", "alice")
	assert.Equal(t, fix, m.UpdatedAt)

	received := f.clock.Now().Add(time.Second)
	require.NoError(t, f.coordinator.LocationUpdate("a", Location{
		Group: "G", UserID: "alice", Latitude: 1, Longitude: 1,
	}, received))
	m, _ = f.coordinator.Member("G", "alice")
	assert.Equal(t, received, m.UpdatedAt)

	view := toJSON(t, groupPayload(t, f.emitter.lastPayload(t, "a", GroupLocationsEvent)).Members["alice"])
	assert.EqualValues(t, received.UnixMilli(), view["updatedAt"])
}

func TestLocationUpdateDropsInvalidInput(t *testing.T) {
	tcs := []struct {
		name string
		loc  Location
	}{
		{name: "nan latitude", loc: Location{Group: "G", UserID: "alice", Latitude: math.NaN(), Longitude: 1}},
		{name: "infinite longitude", loc: Location{Group: "G", UserID: "alice", Latitude: 1, Longitude: math.Inf(1)}},
		{name: "missing group", loc: Location{UserID: "alice", Latitude: 1, Longitude: 1}},
		{name: "missing user", loc: Location{Group: "G", Latitude: 1, Longitude: 1}},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			f := setUpPresence(t, DefaultPresenceConfig)

			err := f.coordinator.LocationUpdate("a", tc.loc, f.clock.Now())
			assert.ErrorIs(t, err, ErrDropped)
			assert.Equal(t, 0, f.coordinator.GroupCount())
			assert.Empty(t, f.emitter.to("a"))
		})
	}
}

func TestLocationUpdateKeepsJoinedName(t *testing.T) {
	f := setUpPresence(t, DefaultPresenceConfig)
	require.NoError(t, f.coordinator.Join("a", "G", "alice", "Alice"))
	require.NoError(t, f.coordinator.LocationUpdate("a", Location{Group: "G", UserID: "alice", Latitude: 3, Longitude: 4}, f.clock.Now()))

	m, _ := f.coordinator.Member("G", "alice")
	assert.Equal(t, "Alice", m.Name)
}

func TestLeave(t *testing.T) {
	f := setUpPresence(t, DefaultPresenceConfig)
	require.NoError(t, f.coordinator.Join("a", "G", "alice", "Alice"))
	require.NoError(t, f.coordinator.Join("b", "G", "bob", "Bob"))
	f.emitter.reset()

	require.NoError(t, f.coordinator.Leave("a", "g", "alice"))

	_, ok := f.coordinator.Member("G", "alice")
	assert.False(t, ok)
	assert.Empty(t, f.emitter.to("a"), "the leaving channel is unsubscribed before the broadcast")
	assert.Equal(t, []string{GroupLocationsEvent}, f.emitter.eventsTo("b"))
	locs := groupPayload(t, f.emitter.lastPayload(t, "b", GroupLocationsEvent))
	assert.NotContains(t, locs.Members, "alice")
	assert.Contains(t, locs.Members, "bob")

	t.Run("second leave is a no-op", func(t *testing.T) {
		f.emitter.reset()
		require.NoError(t, f.coordinator.Leave("a", "G", "alice"))
		assert.Zero(t, f.emitter.count(GroupLocationsEvent))
	})
}

func TestLeaveNonMemberStillUnsubscribes(t *testing.T) {
	f := setUpPresence(t, DefaultPresenceConfig)
	require.NoError(t, f.coordinator.Join("a", "G", "alice", "Alice"))
	// channel a also watches the group as a user that never joined
	require.NoError(t, f.coordinator.Leave("a", "G", "ghost"))
	assert.NotContains(t, f.gateway.Subscribers("G"), "a")

	f.emitter.reset()
	require.NoError(t, f.coordinator.Join("b", "G", "bob", "Bob"))
	assert.Empty(t, f.emitter.to("a"))

	_, ok := f.coordinator.Member("G", "alice")
	assert.True(t, ok)
}

func TestLeaveDropsMissingIdentifiers(t *testing.T) {
	f := setUpPresence(t, DefaultPresenceConfig)
	assert.ErrorIs(t, f.coordinator.Leave("a", "", "alice"), ErrDropped)
	assert.ErrorIs(t, f.coordinator.Leave("a", "G", " "), ErrDropped)
}

func TestDisconnectRetainsMember(t *testing.T) {
	f := setUpPresence(t, DefaultPresenceConfig)
	require.NoError(t, f.coordinator.Join("a", "G", "alice", "Alice"))
	require.NoError(t, f.coordinator.LocationUpdate("a", Location{Group: "G", UserID: "alice", Latitude: 10, Longitude: 20}, f.clock.Now()))

	f.clock.Advance(time.Minute)
	require.NoError(t, f.coordinator.Disconnect("a"))

	m, ok := f.coordinator.Member("G", "alice")
	require.True(t, ok)
	assert.False(t, m.Online())
	assert.Equal(t, &Position{Latitude: 10, Longitude: 20}, m.Position)
	assert.Equal(t, f.clock.Now(), m.OfflineSince)
	assert.Equal(t, 0, f.coordinator.OnlineCount())

	t.Run("update from a new channel restores the member", func(t *testing.T) {
		require.NoError(t, f.coordinator.Join("a2", "G", "alice", "Alice"))
		m, _ := f.coordinator.Member("G", "alice")
		assert.Equal(t, "a2", m.Channel)
		assert.Equal(t, &Position{Latitude: 10, Longitude: 20}, m.Position, "position survives the offline interval")
		assert.Equal(t, 1, f.coordinator.OnlineCount())
	})

	t.Run("old channel disconnecting again does not touch the member", func(t *testing.T) {
		f.emitter.reset()
		require.NoError(t, f.coordinator.Disconnect("a"))
		m, _ := f.coordinator.Member("G", "alice")
		assert.Equal(t, "a2", m.Channel)
		assert.Zero(t, f.emitter.count(GroupLocationsEvent))
	})
}

func TestJoinSnapshotIncludesOfflineMember(t *testing.T) {
	f := setUpPresence(t, DefaultPresenceConfig)
	fix := time.UnixMilli(1707557400000)
	require.NoError(t, f.coordinator.Join("a", "G", "alice", "Alice"))
	require.NoError(t, f.coordinator.LocationUpdate("a",
		Location{Group: "G", UserID: "alice", Latitude: 45.3, Longitude: 6.5, Activity: "ski", Timestamp: fix},
		f.clock.Now()))
	require.NoError(t, f.coordinator.Disconnect("a"))

	require.NoError(t, f.coordinator.Join("c", "G", "carol", "Carol"))

	state := groupPayload(t, f.emitter.lastPayload(t, "c", GroupStateEvent))
	require.Contains(t, state.Members, "alice")
	assert.Equal(t, map[string]interface{}{
		"userId":    "alice",
		"name":      "Alice",
		"position":  map[string]interface{}{"latitude": 45.3, "longitude": 6.5},
		"activity":  "ski",
		"updatedAt": float64(1707557400000),
	}, toJSON(t, state.Members["alice"]), "offline members keep their last position and never expose a channel")
}

func TestDisconnectBroadcastsOncePerGroup(t *testing.T) {
	f := setUpPresence(t, DefaultPresenceConfig)
	// channel a backs two members in G1 and one in G2
	require.NoError(t, f.coordinator.Join("a", "G1", "alice", "Alice"))
	require.NoError(t, f.coordinator.Join("a", "G1", "alice-phone", "Alice"))
	require.NoError(t, f.coordinator.Join("a", "G2", "alice", "Alice"))
	require.NoError(t, f.coordinator.Join("b", "G1", "bob", "Bob"))
	require.NoError(t, f.coordinator.Join("c", "G2", "carol", "Carol"))
	require.NoError(t, f.coordinator.Join("d", "G3", "dave", "Dave"))
	f.emitter.reset()

	require.NoError(t, f.coordinator.Disconnect("a"))

	assert.Equal(t, []string{GroupLocationsEvent}, f.emitter.eventsTo("b"))
	assert.Equal(t, []string{GroupLocationsEvent}, f.emitter.eventsTo("c"))
	assert.Empty(t, f.emitter.to("d"), "unaffected groups are not broadcast")
	assert.Empty(t, f.emitter.to("a"), "the closed channel receives nothing")
	assert.Equal(t, 2, f.emitter.count(GroupLocationsEvent))

	t.Run("idempotent", func(t *testing.T) {
		f.emitter.reset()
		require.NoError(t, f.coordinator.Disconnect("a"))
		assert.Zero(t, f.emitter.count(GroupLocationsEvent))
	})
}

func TestDisconnectUnknownChannel(t *testing.T) {
	f := setUpPresence(t, DefaultPresenceConfig)
	require.NoError(t, f.coordinator.Join("a", "G", "alice", "Alice"))
	f.emitter.reset()

	require.NoError(t, f.coordinator.Disconnect("nobody"))
	assert.Empty(t, f.emitter.deliveries)
}

func TestSkiPartyScenario(t *testing.T) {
	f := setUpPresence(t, DefaultPresenceConfig)

	require.NoError(t, f.coordinator.Join("A", "RIDE32", "alice-9f2k", "Alice"))
	require.NoError(t, f.coordinator.Join("B", "RIDE32", "bob-3q1x", "Bob"))

	require.NoError(t, f.coordinator.LocationUpdate("A", Location{
		Group: "RIDE32", UserID: "alice-9f2k", Latitude: 45.33, Longitude: -121.71,
	}, f.clock.Now()))

	locs := groupPayload(t, f.emitter.lastPayload(t, "B", GroupLocationsEvent))
	require.Len(t, locs.Members, 2)
	assert.Equal(t, &Position{Latitude: 45.33, Longitude: -121.71}, locs.Members["alice-9f2k"].Position)
	assert.Nil(t, locs.Members["bob-3q1x"].Position)

	f.emitter.reset()
	require.NoError(t, f.coordinator.Disconnect("A"))

	assert.Equal(t, []string{GroupLocationsEvent}, f.emitter.eventsTo("B"))
	locs = groupPayload(t, f.emitter.lastPayload(t, "B", GroupLocationsEvent))
	alice := toJSON(t, locs.Members["alice-9f2k"])
	assert.Equal(t, map[string]interface{}{"latitude": 45.33, "longitude": -121.71}, alice["position"])
	for key := range alice {
		assert.Contains(t, []string{"userId", "name", "position", "activity", "updatedAt"}, key)
	}
}

func TestEvictOffline(t *testing.T) {
	config := DefaultPresenceConfig
	config.OfflineTTL = 10 * time.Minute
	f := setUpPresence(t, config)

	require.NoError(t, f.coordinator.Join("a", "G", "alice", "Alice"))
	require.NoError(t, f.coordinator.Join("b", "G", "bob", "Bob"))
	require.NoError(t, f.coordinator.Disconnect("a"))
	f.emitter.reset()

	n, err := f.coordinator.EvictOffline(f.clock.Now().Add(5 * time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.emitter.deliveries)

	n, err = f.coordinator.EvictOffline(f.clock.Now().Add(10 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := f.coordinator.Member("G", "alice")
	assert.False(t, ok)
	_, ok = f.coordinator.Member("G", "bob")
	assert.True(t, ok, "online members are never evicted")
	assert.Equal(t, []string{GroupLocationsEvent}, f.emitter.eventsTo("b"))
	assert.Equal(t, 1, f.coordinator.GroupCount(), "groups are kept when members are evicted")
}

func TestEvictOfflineDisabled(t *testing.T) {
	f := setUpPresence(t, DefaultPresenceConfig)
	require.NoError(t, f.coordinator.Join("a", "G", "alice", "Alice"))
	require.NoError(t, f.coordinator.Disconnect("a"))

	n, err := f.coordinator.EvictOffline(f.clock.Now().Add(24 * time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
	_, ok := f.coordinator.Member("G", "alice")
	assert.True(t, ok)
}
