package core

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Inbound events.
const (
	JoinGroupEvent      = "join_group"
	LocationUpdateEvent = "location_update"
	LeaveGroupEvent     = "leave_group"
)

// Outbound events.
const (
	GroupStateEvent     = "group_state"
	MemberJoinedEvent   = "member_joined"
	GroupLocationsEvent = "group_locations"
	ErrorEvent          = "error"
)

// GroupPayload carries the full member mapping of a group. It is the payload
// of both group_state and group_locations.
type GroupPayload struct {
	Members map[string]MemberView `json:"members"`
}

type MemberJoinedPayload struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type PresenceConfig struct {
	// DefaultName is used when a member has not provided a display name.
	DefaultName string
	// DefaultActivity is used when a location update carries no activity.
	DefaultActivity string
	// OfflineTTL is how long an offline member is kept before EvictOffline
	// removes it. Zero keeps offline members forever.
	OfflineTTL time.Duration
}

var DefaultPresenceConfig = PresenceConfig{
	DefaultName:     "Anonymous",
	DefaultActivity: "unknown",
}

// Location is a decoded location update.
type Location struct {
	Group     string
	UserID    string
	Latitude  float64
	Longitude float64
	Activity  string
	// Timestamp is the client's fix time. Zero means the time of receipt.
	Timestamp time.Time
}

// NormalizeGroupCode trims and upper-cases a group code.
func NormalizeGroupCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func NormalizeUserID(id string) string {
	return strings.TrimSpace(id)
}

// Coordinator applies presence events to the registry and decides what is
// broadcast. It is the only component that mutates the registry. All methods
// are safe for concurrent use, but callers are expected to submit events for
// the same channel in order.
type Coordinator struct {
	mu       sync.Mutex
	registry *Registry
	gateway  *Gateway
	config   PresenceConfig
	logger   *slog.Logger
	now      func() time.Time
}

type CoordinatorOption func(*Coordinator)

// WithClock replaces the clock used for receipt and offline timestamps.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		c.now = now
	}
}

func NewCoordinator(registry *Registry, gateway *Gateway, logger *slog.Logger, config PresenceConfig, opts ...CoordinatorOption) *Coordinator {
	if config.DefaultName == "" {
		config.DefaultName = DefaultPresenceConfig.DefaultName
	}
	if config.DefaultActivity == "" {
		config.DefaultActivity = DefaultPresenceConfig.DefaultActivity
	}
	c := &Coordinator{
		registry: registry,
		gateway:  gateway,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Join adds the member behind channel to the group. The joining channel gets
// the group snapshot first, then every channel in the group, the joiner
// included, is told about the new member.
func (c *Coordinator) Join(channel, group, userID, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	code, userID := NormalizeGroupCode(group), NormalizeUserID(userID)
	if code == "" || userID == "" {
		verr := NewValidationError("group and userId are required")
		if err := c.gateway.SendTo(channel, ErrorEvent, ErrorPayload{Message: verr.Error()}); err != nil {
			return errors.Join(verr, err)
		}
		return verr
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = c.config.DefaultName
	}

	c.registry.UpsertMember(code, userID, func(m *Member) {
		m.Name = name
		m.Channel = channel
		if m.Activity == "" {
			m.Activity = c.config.DefaultActivity
		}
	})
	c.gateway.Subscribe(code, channel)

	g, _ := c.registry.Group(code)
	if err := c.gateway.SendTo(channel, GroupStateEvent, GroupPayload{Members: c.gateway.Snapshot(g)}); err != nil {
		return fmt.Errorf("send group state: %w", err)
	}
	if err := c.gateway.Broadcast(code, MemberJoinedEvent, MemberJoinedPayload{UserID: userID, Name: name}); err != nil {
		return fmt.Errorf("broadcast member joined: %w", err)
	}

	c.logger.Debug("member joined",
		slog.String("group", code), slog.String("user", userID), slog.String("channel", channel))
	return nil
}

// LocationUpdate records the member's position and broadcasts the group's
// locations. The group and the member are created if they do not exist.
// receivedAt is used as the update time when loc carries no timestamp.
func (c *Coordinator) LocationUpdate(channel string, loc Location, receivedAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	code, userID := NormalizeGroupCode(loc.Group), NormalizeUserID(loc.UserID)
	if code == "" || userID == "" {
		return fmt.Errorf("%w: missing group or userId", ErrDropped)
	}
	if !isFinite(loc.Latitude) || !isFinite(loc.Longitude) {
		return fmt.Errorf("%w: coordinates are not finite", ErrDropped)
	}

	activity := strings.TrimSpace(loc.Activity)
	if activity == "" {
		activity = c.config.DefaultActivity
	}
	updatedAt := loc.Timestamp
	if updatedAt.IsZero() {
		updatedAt = receivedAt
	}
	if updatedAt.IsZero() {
		updatedAt = c.now()
	}

	c.registry.UpsertMember(code, userID, func(m *Member) {
		if m.Name == "" {
			m.Name = c.config.DefaultName
		}
		m.Position = &Position{Latitude: loc.Latitude, Longitude: loc.Longitude}
		m.Activity = activity
		m.UpdatedAt = updatedAt
		m.Channel = channel
	})
	c.gateway.Subscribe(code, channel)

	return c.broadcastLocations(code)
}

// Leave removes the member from the group. The channel is unsubscribed from
// the group whether or not the member existed; only an actual removal is
// broadcast.
func (c *Coordinator) Leave(channel, group, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	code, userID := NormalizeGroupCode(group), NormalizeUserID(userID)
	if code == "" || userID == "" {
		return fmt.Errorf("%w: missing group or userId", ErrDropped)
	}

	c.gateway.Unsubscribe(code, channel)
	if _, ok := c.registry.RemoveMember(code, userID); !ok {
		return nil
	}

	c.logger.Debug("member left", slog.String("group", code), slog.String("user", userID))
	return c.broadcastLocations(code)
}

// Disconnect marks every member backed by channel as offline and drops the
// channel from all delivery lists. Each changed group is broadcast once.
// Calling it again for the same channel does nothing.
func (c *Coordinator) Disconnect(channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := c.registry.ClearChannel(channel, c.now())
	c.gateway.UnsubscribeAll(channel)

	var errs []error
	for _, code := range changed {
		if err := c.broadcastLocations(code); err != nil {
			errs = append(errs, err)
		}
	}
	if len(changed) > 0 {
		c.logger.Debug("channel disconnected",
			slog.String("channel", channel), slog.Any("groups", changed))
	}
	return errors.Join(errs...)
}

// EvictOffline removes members that have been offline for longer than the
// configured TTL and returns how many were removed. It does nothing when the
// TTL is zero.
func (c *Coordinator) EvictOffline(now time.Time) (int, error) {
	if c.config.OfflineTTL <= 0 {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	type stale struct{ group, userID string }
	var evict []stale
	for code, g := range c.registry.Groups() {
		for id, m := range g.Members {
			if !m.Online() && now.Sub(m.OfflineSince) >= c.config.OfflineTTL {
				evict = append(evict, stale{group: code, userID: id})
			}
		}
	}

	changed := make(map[string]struct{})
	for _, s := range evict {
		if _, ok := c.registry.RemoveMember(s.group, s.userID); ok {
			changed[s.group] = struct{}{}
		}
	}

	var errs []error
	for _, code := range slices.Sorted(maps.Keys(changed)) {
		if err := c.broadcastLocations(code); err != nil {
			errs = append(errs, err)
		}
	}
	return len(evict), errors.Join(errs...)
}

// GroupCount returns the number of groups in the registry.
func (c *Coordinator) GroupCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.Len()
}

// OnlineCount returns the number of members that currently have a channel.
func (c *Coordinator) OnlineCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for _, g := range c.registry.Groups() {
		for _, m := range g.Members {
			if m.Online() {
				n++
			}
		}
	}
	return n
}

// Member returns a copy of a member record.
func (c *Coordinator) Member(group, userID string) (Member, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.registry.Member(NormalizeGroupCode(group), NormalizeUserID(userID))
	if !ok {
		return Member{}, false
	}
	cp := *m
	if m.Position != nil {
		p := *m.Position
		cp.Position = &p
	}
	return cp, true
}

func (c *Coordinator) broadcastLocations(code string) error {
	g, _ := c.registry.Group(code)
	if err := c.gateway.Broadcast(code, GroupLocationsEvent, GroupPayload{Members: c.gateway.Snapshot(g)}); err != nil {
		return fmt.Errorf("broadcast group locations: %w", err)
	}
	return nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
