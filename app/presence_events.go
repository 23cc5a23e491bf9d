package flock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/putto11262002/flock/core"
	"github.com/spf13/cast"
)

var errBadField = errors.New("bad field")

// payloadFields is an inbound payload decoded into loosely typed fields.
// Clients send ids and coordinates either as strings or as numbers.
type payloadFields map[string]interface{}

func decodePayload(raw json.RawMessage) (payloadFields, error) {
	if len(raw) == 0 {
		return payloadFields{}, nil
	}
	var fields payloadFields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if fields == nil {
		fields = payloadFields{}
	}
	return fields, nil
}

// id reads a string or numeric field as a string. Anything else is empty.
func (f payloadFields) id(key string) string {
	switch v := f[key].(type) {
	case string:
		return v
	case float64:
		return cast.ToString(v)
	default:
		return ""
	}
}

// text reads a string field. Anything else is empty.
func (f payloadFields) text(key string) string {
	s, _ := f[key].(string)
	return s
}

// coordinate reads a number or a numeric string.
func (f payloadFields) coordinate(key string) (float64, error) {
	switch v := f[key].(type) {
	case float64:
		return v, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, fmt.Errorf("%w: %s is empty", errBadField, key)
		}
		n, err := cast.ToFloat64E(s)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %w", errBadField, key, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %s has type %T", errBadField, key, v)
	}
}

// timestamp reads epoch milliseconds (number or numeric string) or an
// RFC 3339 string. It returns the zero time for anything else, including
// values outside the int64 millisecond range.
func (f payloadFields) timestamp(key string) time.Time {
	var ms float64
	switch v := f[key].(type) {
	case float64:
		ms = v
	case string:
		s := strings.TrimSpace(v)
		n, err := cast.ToFloat64E(s)
		if err != nil {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return time.Time{}
			}
			return t
		}
		ms = n
	default:
		return time.Time{}
	}
	if ms <= 0 || ms >= math.MaxInt64 || math.IsNaN(ms) || math.IsInf(ms, 0) {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms))
}

func (app *App) JoinGroupHandler(_ context.Context, e *core.Event) error {
	fields, err := decodePayload(e.Payload)
	if err != nil {
		// an unreadable join is answered like one without group or userId
		fields = payloadFields{}
	}
	return app.coordinator.Join(e.Channel, fields.id("group"), fields.id("userId"), fields.text("name"))
}

func (app *App) LocationUpdateHandler(_ context.Context, e *core.Event) error {
	fields, err := decodePayload(e.Payload)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrDropped, err)
	}
	lat, err := fields.coordinate("lat")
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrDropped, err)
	}
	lon, err := fields.coordinate("lon")
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrDropped, err)
	}
	loc := core.Location{
		Group:     fields.id("group"),
		UserID:    fields.id("userId"),
		Latitude:  lat,
		Longitude: lon,
		Activity:  fields.text("sport"),
		Timestamp: fields.timestamp("timestamp"),
	}
	return app.coordinator.LocationUpdate(e.Channel, loc, e.ReceivedAt)
}

func (app *App) LeaveGroupHandler(_ context.Context, e *core.Event) error {
	fields, err := decodePayload(e.Payload)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrDropped, err)
	}
	return app.coordinator.Leave(e.Channel, fields.id("group"), fields.id("userId"))
}

func (app *App) DisconnectHandler(_ context.Context, e *core.Event) error {
	return app.coordinator.Disconnect(e.Channel)
}

func (app *App) SweepHandler(_ context.Context, e *core.Event) error {
	n, err := app.coordinator.EvictOffline(e.ReceivedAt)
	if n > 0 {
		app.logger.Info("evicted offline members", "count", n)
	}
	return err
}
