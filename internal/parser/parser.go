package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adrianmo/go-nmea"

	"github.com/saviobatista/asset-tracker/internal/types"
)

// ErrInvalidPayload is returned for payloads that cannot be turned into a
// position update.
var ErrInvalidPayload = errors.New("invalid payload")

// Update sources
const (
	SourceWebhook = "webhook"
	SourceAPI     = "api"
	SourceNMEA    = "nmea"
	SourceMQTT    = "mqtt"
	SourceWS      = "websocket"
)

// webhookMessage is the body posted by the ShipRec label platform
type webhookMessage struct {
	Token     string          `json:"token"`
	MacID     string          `json:"mac_id"`
	Lat       *float64        `json:"lat"`
	Long      *float64        `json:"long"`
	Status    json.RawMessage `json:"status"`
	Timestamp *float64        `json:"timestamp"`
	IsLatest  *bool           `json:"is_latest"`
}

// ParseWebhook parses a ShipRec webhook body. Messages flagged as not the
// latest reading are skipped and return a nil update.
func ParseWebhook(data []byte, received time.Time) (*types.PositionUpdate, error) {
	var msg webhookMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if msg.MacID == "" {
		return nil, fmt.Errorf("%w: mac_id is required", ErrInvalidPayload)
	}
	if msg.Lat == nil || msg.Long == nil {
		return nil, fmt.Errorf("%w: lat and long are required", ErrInvalidPayload)
	}
	if msg.Timestamp == nil {
		return nil, fmt.Errorf("%w: timestamp is required", ErrInvalidPayload)
	}
	if msg.IsLatest == nil {
		return nil, fmt.Errorf("%w: is_latest is required", ErrInvalidPayload)
	}
	if !*msg.IsLatest {
		return nil, nil
	}

	status, err := parseStatus(msg.Status)
	if err != nil {
		return nil, err
	}

	update := &types.PositionUpdate{
		MacID: msg.MacID,
		Position: types.TracePoint{
			Lat:       *msg.Lat,
			Lng:       *msg.Long,
			Timestamp: time.UnixMilli(int64(*msg.Timestamp)).UTC(),
		},
		Source:     SourceWebhook,
		ReceivedAt: received,
	}
	if status != nil {
		update.Meta = &types.LabelMeta{Status: status}
	}

	return update, nil
}

// parseStatus accepts a string, a number or null
func parseStatus(raw json.RawMessage) (*string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return &s, nil
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		s = strconv.FormatFloat(n, 'f', -1, 64)
		return &s, nil
	}

	return nil, fmt.Errorf("%w: status must be a string, number or null", ErrInvalidPayload)
}

// PositionMessage is the position body accepted by the REST and WebSocket
// surfaces
type PositionMessage struct {
	ID        string           `json:"id,omitempty"`
	MacID     string           `json:"macId,omitempty"`
	Lat       *float64         `json:"lat"`
	Lng       *float64         `json:"lng"`
	Timestamp json.RawMessage  `json:"timestamp,omitempty"`
	Meta      *types.LabelMeta `json:"meta,omitempty"`
}

// Point converts the message coordinates into a trace point. A missing
// timestamp yields the zero time.
func (m PositionMessage) Point() (types.TracePoint, error) {
	if m.Lat == nil || m.Lng == nil {
		return types.TracePoint{}, fmt.Errorf("%w: lat and lng must be numbers", ErrInvalidPayload)
	}

	ts, err := parseTimestamp(m.Timestamp)
	if err != nil {
		return types.TracePoint{}, err
	}

	return types.TracePoint{Lat: *m.Lat, Lng: *m.Lng, Timestamp: ts}, nil
}

// ParsePosition parses a position body. The label is identified by id or
// macId; callers that take the id from the URL may leave both empty.
func ParsePosition(data []byte) (PositionMessage, types.TracePoint, error) {
	var msg PositionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return PositionMessage{}, types.TracePoint{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	point, err := msg.Point()
	if err != nil {
		return PositionMessage{}, types.TracePoint{}, err
	}
	return msg, point, nil
}

// ParsePositionJSON parses a position body into an update for the label it
// names.
func ParsePositionJSON(data []byte, source string, received time.Time) (*types.PositionUpdate, error) {
	msg, point, err := ParsePosition(data)
	if err != nil {
		return nil, err
	}
	if msg.ID == "" && msg.MacID == "" {
		return nil, fmt.Errorf("%w: id or macId is required", ErrInvalidPayload)
	}

	return &types.PositionUpdate{
		LabelID:    msg.ID,
		MacID:      msg.MacID,
		Position:   point,
		Meta:       msg.Meta,
		Source:     source,
		ReceivedAt: received,
	}, nil
}

// parseTimestamp accepts an RFC 3339 string or Unix milliseconds
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: invalid timestamp %q", ErrInvalidPayload, s)
		}
		return t.UTC(), nil
	}

	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(int64(ms)).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("%w: invalid timestamp", ErrInvalidPayload)
}

// ParseNMEA parses a GGA or RMC sentence reported by deviceID. Other sentence
// types and sentences without a fix return a nil update.
func ParseNMEA(deviceID, sentence string, received time.Time) (*types.PositionUpdate, error) {
	s, err := nmea.Parse(strings.TrimSpace(sentence))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	update := &types.PositionUpdate{
		MacID:      deviceID,
		Source:     SourceNMEA,
		ReceivedAt: received,
	}

	switch m := s.(type) {
	case nmea.GGA:
		if m.FixQuality == nmea.Invalid {
			return nil, nil
		}
		update.Position = types.TracePoint{Lat: m.Latitude, Lng: m.Longitude, Timestamp: received.UTC()}
		update.Meta = &types.LabelMeta{Extra: map[string]any{
			"satellites": m.NumSatellites,
			"hdop":       m.HDOP,
			"altitude":   m.Altitude,
		}}

	case nmea.RMC:
		if m.Validity != nmea.ValidRMC {
			return nil, nil
		}
		ts := received.UTC()
		if m.Date.Valid && m.Time.Valid {
			ts = time.Date(2000+m.Date.YY, time.Month(m.Date.MM), m.Date.DD,
				m.Time.Hour, m.Time.Minute, m.Time.Second, m.Time.Millisecond*int(time.Millisecond), time.UTC)
		}
		update.Position = types.TracePoint{Lat: m.Latitude, Lng: m.Longitude, Timestamp: ts}
		update.Meta = &types.LabelMeta{Extra: map[string]any{
			"speed_knots": m.Speed,
			"course":      m.Course,
		}}

	default:
		return nil, nil
	}

	return update, nil
}

// ParseDevicePayload parses a message published by a device: either a raw
// NMEA sentence or a JSON position body. JSON bodies without an identity are
// attributed to deviceID.
func ParseDevicePayload(deviceID string, payload []byte, received time.Time) (*types.PositionUpdate, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && (trimmed[0] == '$' || trimmed[0] == '!') {
		return ParseNMEA(deviceID, string(trimmed), received)
	}

	msg, point, err := ParsePosition(trimmed)
	if err != nil {
		return nil, err
	}
	if msg.ID == "" && msg.MacID == "" {
		msg.MacID = deviceID
	}

	return &types.PositionUpdate{
		LabelID:    msg.ID,
		MacID:      msg.MacID,
		Position:   point,
		Meta:       msg.Meta,
		Source:     SourceMQTT,
		ReceivedAt: received,
	}, nil
}
