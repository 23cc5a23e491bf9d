package core

import (
	"iter"
	"maps"
	"slices"
	"time"
)

// Position is a WGS84 coordinate in decimal degrees.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Member is one user's presence record inside one group.
type Member struct {
	UserID    string
	Name      string
	Position  *Position
	Activity  string
	UpdatedAt time.Time
	// Channel is the ID of the connection currently backing the member.
	// It is empty while the member is offline.
	Channel string
	// OfflineSince is the time Channel was last cleared.
	OfflineSince time.Time
}

func (m *Member) Online() bool {
	return m.Channel != ""
}

// Group is a named set of members keyed by user ID.
type Group struct {
	Code    string
	Members map[string]*Member
}

type membership struct {
	group  string
	userID string
}

// Registry maps group codes to groups. It does no validation and no locking;
// callers own both.
type Registry struct {
	groups map[string]*Group
	// byChannel indexes the memberships each channel currently backs.
	byChannel map[string]map[membership]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		groups:    make(map[string]*Group),
		byChannel: make(map[string]map[membership]struct{}),
	}
}

func (r *Registry) GetOrCreateGroup(code string) *Group {
	g, ok := r.groups[code]
	if !ok {
		g = &Group{Code: code, Members: make(map[string]*Member)}
		r.groups[code] = g
	}
	return g
}

// Group returns the group with the given code.
// If the group is not found, the second return value is false.
func (r *Registry) Group(code string) (*Group, bool) {
	g, ok := r.groups[code]
	return g, ok
}

func (r *Registry) Member(code, userID string) (*Member, bool) {
	g, ok := r.groups[code]
	if !ok {
		return nil, false
	}
	m, ok := g.Members[userID]
	return m, ok
}

// UpsertMember creates the group and the member if needed and applies update
// to the member. Changes to the member's channel are reflected in the
// channel index.
func (r *Registry) UpsertMember(code, userID string, update func(m *Member)) *Member {
	g := r.GetOrCreateGroup(code)
	m, ok := g.Members[userID]
	if !ok {
		m = &Member{UserID: userID}
		g.Members[userID] = m
	}

	prev := m.Channel
	update(m)
	if m.Channel != prev {
		key := membership{group: code, userID: userID}
		r.unindex(prev, key)
		r.index(m.Channel, key)
	}
	return m
}

// RemoveMember deletes the member from the group. The group itself is kept
// even when it becomes empty.
func (r *Registry) RemoveMember(code, userID string) (*Member, bool) {
	g, ok := r.groups[code]
	if !ok {
		return nil, false
	}
	m, ok := g.Members[userID]
	if !ok {
		return nil, false
	}
	delete(g.Members, userID)
	r.unindex(m.Channel, membership{group: code, userID: userID})
	return m, true
}

// ClearChannel marks every member backed by channel as offline and returns
// the codes of the groups that changed, sorted.
func (r *Registry) ClearChannel(channel string, now time.Time) []string {
	keys, ok := r.byChannel[channel]
	if !ok {
		return nil
	}
	delete(r.byChannel, channel)

	changed := make(map[string]struct{})
	for key := range keys {
		m, ok := r.Member(key.group, key.userID)
		if !ok || m.Channel != channel {
			continue
		}
		m.Channel = ""
		m.OfflineSince = now
		changed[key.group] = struct{}{}
	}
	return slices.Sorted(maps.Keys(changed))
}

// Groups returns a sequence of all the groups in the registry.
func (r *Registry) Groups() iter.Seq2[string, *Group] {
	return maps.All(r.groups)
}

func (r *Registry) Len() int {
	return len(r.groups)
}

func (r *Registry) index(channel string, key membership) {
	if channel == "" {
		return
	}
	keys, ok := r.byChannel[channel]
	if !ok {
		keys = make(map[membership]struct{})
		r.byChannel[channel] = keys
	}
	keys[key] = struct{}{}
}

func (r *Registry) unindex(channel string, key membership) {
	if channel == "" {
		return
	}
	keys, ok := r.byChannel[channel]
	if !ok {
		return
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(r.byChannel, channel)
	}
}
