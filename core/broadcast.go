package core

import (
	"maps"
	"slices"
)

// Emitter delivers a named event to a set of channels. Delivery is best
// effort.
type Emitter interface {
	EmitTo(t string, payload interface{}, channels ...string) error
}

// MemberView is the representation of a member sent to clients. It never
// carries the member's channel.
type MemberView struct {
	UserID   string    `json:"userId"`
	Name     string    `json:"name"`
	Position *Position `json:"position,omitempty"`
	Activity string    `json:"activity"`
	// UpdatedAt is in milliseconds since the Unix epoch.
	UpdatedAt int64 `json:"updatedAt,omitempty"`
}

func NewMemberView(m *Member) MemberView {
	v := MemberView{
		UserID:   m.UserID,
		Name:     m.Name,
		Activity: m.Activity,
	}
	if m.Position != nil {
		p := *m.Position
		v.Position = &p
	}
	if !m.UpdatedAt.IsZero() {
		v.UpdatedAt = m.UpdatedAt.UnixMilli()
	}
	return v
}

// Gateway keeps the delivery list of every group and fans events out to it.
type Gateway struct {
	emitter Emitter
	// subs maps a group code to its subscribed channels.
	subs map[string]map[string]struct{}
	// groups maps a channel to the group codes it is subscribed to.
	groups map[string]map[string]struct{}
}

func NewGateway(emitter Emitter) *Gateway {
	return &Gateway{
		emitter: emitter,
		subs:    make(map[string]map[string]struct{}),
		groups:  make(map[string]map[string]struct{}),
	}
}

// Snapshot returns the sanitized view of every member of g keyed by user ID.
func (gw *Gateway) Snapshot(g *Group) map[string]MemberView {
	views := make(map[string]MemberView)
	if g == nil {
		return views
	}
	for id, m := range g.Members {
		views[id] = NewMemberView(m)
	}
	return views
}

func (gw *Gateway) Subscribe(group, channel string) {
	add(gw.subs, group, channel)
	add(gw.groups, channel, group)
}

// Unsubscribe removes channel from the delivery list of group.
// It does nothing if the channel is not subscribed.
func (gw *Gateway) Unsubscribe(group, channel string) {
	remove(gw.subs, group, channel)
	remove(gw.groups, channel, group)
}

// UnsubscribeAll removes channel from every delivery list and returns the
// group codes it was subscribed to, sorted.
func (gw *Gateway) UnsubscribeAll(channel string) []string {
	groups := slices.Sorted(maps.Keys(gw.groups[channel]))
	for _, g := range groups {
		remove(gw.subs, g, channel)
	}
	delete(gw.groups, channel)
	return groups
}

// Subscribers returns the channels subscribed to group, sorted.
func (gw *Gateway) Subscribers(group string) []string {
	return slices.Sorted(maps.Keys(gw.subs[group]))
}

// Broadcast sends the event to every channel subscribed to group.
func (gw *Gateway) Broadcast(group, event string, payload interface{}) error {
	return gw.emitter.EmitTo(event, payload, gw.Subscribers(group)...)
}

// SendTo sends the event to a single channel.
func (gw *Gateway) SendTo(channel, event string, payload interface{}) error {
	return gw.emitter.EmitTo(event, payload, channel)
}

func add(m map[string]map[string]struct{}, k, v string) {
	set, ok := m[k]
	if !ok {
		set = make(map[string]struct{})
		m[k] = set
	}
	set[v] = struct{}{}
}

func remove(m map[string]map[string]struct{}, k, v string) {
	set, ok := m[k]
	if !ok {
		return
	}
	delete(set, v)
	if len(set) == 0 {
		delete(m, k)
	}
}
