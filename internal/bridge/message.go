// Package bridge is the message channel between the agent and the embedded
// web content: single-line JSON frames over a local WebSocket.
package bridge

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Kind discriminates bridge messages.
type Kind string

// Message kinds consumed from the web content.
const (
	KindGetCurrentLocation     Kind = "GET_CURRENT_LOCATION"
	KindGetTrackingStatus      Kind = "GET_TRACKING_STATUS"
	KindStartTracking          Kind = "START_TRACKING"
	KindStopTracking           Kind = "STOP_TRACKING"
	KindWebviewReady           Kind = "WEBVIEW_READY"
	KindLocationUpdated        Kind = "LOCATION_UPDATED"
	KindSetCredentials         Kind = "SET_CREDENTIALS"
	KindAttendanceError        Kind = "ATTENDANCE_ERROR"
	KindAttendanceNetworkError Kind = "ATTENDANCE_NETWORK_ERROR"
	KindSetReminderAlarm       Kind = "SET_REMINDER_ALARM"
	KindCancelReminderAlarm    Kind = "CANCEL_REMINDER_ALARM"
	KindAppState               Kind = "APP_STATE"
)

// Message kinds produced toward the web content. FAKE_GPS_DETECTED flows
// both ways: the web reports server-side verdicts, the agent pushes its own.
const (
	KindLocationData    Kind = "LOCATION_DATA"
	KindLocationError   Kind = "LOCATION_ERROR"
	KindTrackingStatus  Kind = "TRACKING_STATUS"
	KindTrackingStarted Kind = "TRACKING_STARTED"
	KindTrackingStopped Kind = "TRACKING_STOPPED"
	KindTrackingError   Kind = "TRACKING_ERROR"
	KindAppInfo         Kind = "APP_INFO"
	KindFakeGPSDetected Kind = "FAKE_GPS_DETECTED"
	KindLocationValid   Kind = "LOCATION_VALID"
	KindReminderDue     Kind = "REMINDER_DUE"
)

// FlexString tolerates JSON numbers where the web content should have sent
// strings (the NIK arrives both ways).
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number: %s", string(data))
	}
	*f = FlexString(n.String())
	return nil
}

// Message is the tagged envelope. The payload fields are a union over every
// kind; absent fields stay zero.
type Message struct {
	Type  Kind `json:"type,omitempty"`
	Event Kind `json:"event,omitempty"` // legacy discriminator

	// credentials
	Nik      FlexString `json:"nik,omitempty"`
	DeviceID string     `json:"device_id,omitempty"`

	// location (pointers: zero is a valid coordinate)
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	IsValid   *bool    `json:"isValid,omitempty"`

	// tracking status
	IsTracking *bool `json:"isTracking,omitempty"`
	IsOnline   *bool `json:"isOnline,omitempty"`
	Pending    int   `json:"pendingRequests,omitempty"`
	IntervalMs int64 `json:"intervalMs,omitempty"`

	// app info
	Platform          string `json:"platform,omitempty"`
	PermissionGranted *bool  `json:"permissionGranted,omitempty"`

	// attendance outcome
	Tipe         string `json:"tipe,omitempty"`
	Success      *bool  `json:"success,omitempty"`
	AttendanceID *int64 `json:"attendanceId,omitempty"`

	// errors
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`

	// reminders
	Hour   int `json:"hour,omitempty"`
	Minute int `json:"minute,omitempty"`

	// app state
	State string `json:"state,omitempty"`

	Timestamp string `json:"timestamp,omitempty"`
}

// Kind returns the discriminator, preferring the modern field.
func (m *Message) Kind() Kind {
	if m.Type != "" {
		return m.Type
	}
	return m.Event
}

// Parse decodes one inbound frame. Callers log and drop on error.
func Parse(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse bridge message: %w", err)
	}
	if m.Kind() == "" {
		return nil, fmt.Errorf("bridge message without type or event field")
	}
	return &m, nil
}

func stamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func boolPtr(b bool) *bool { return &b }

// LocationData builds the outbound fix message.
func LocationData(lat, lng, accuracy float64, capturedAt time.Time) Message {
	return Message{
		Type:      KindLocationData,
		Latitude:  &lat,
		Longitude: &lng,
		Accuracy:  &accuracy,
		Timestamp: capturedAt.UTC().Format(time.RFC3339),
	}
}

// LocationError builds the outbound sampling failure message.
func LocationError(code, message string) Message {
	return Message{Type: KindLocationError, Code: code, Error: message, Timestamp: stamp()}
}

// TrackingStatus builds the outbound status snapshot.
func TrackingStatus(isTracking, isOnline bool, pending int, interval time.Duration) Message {
	return Message{
		Type:       KindTrackingStatus,
		IsTracking: boolPtr(isTracking),
		IsOnline:   boolPtr(isOnline),
		Pending:    pending,
		IntervalMs: interval.Milliseconds(),
		Timestamp:  stamp(),
	}
}

// TrackingEvent builds TRACKING_STARTED/STOPPED/ERROR messages.
func TrackingEvent(kind Kind, reason string) Message {
	return Message{Type: kind, Error: reason, Timestamp: stamp()}
}

// AppInfo builds the outbound platform/capability snapshot.
func AppInfo(platform string, permission, tracking bool) Message {
	return Message{
		Type:              KindAppInfo,
		Platform:          platform,
		PermissionGranted: boolPtr(permission),
		IsTracking:        boolPtr(tracking),
		Timestamp:         stamp(),
	}
}

// FakeGPSVerdict builds the integrity verdict push.
func FakeGPSVerdict(suspected bool, platform string) Message {
	kind := KindLocationValid
	if suspected {
		kind = KindFakeGPSDetected
	}
	return Message{Type: kind, Platform: platform, Timestamp: stamp()}
}

// ReminderDue builds the reminder firing message.
func ReminderDue(hour, minute int) Message {
	return Message{Type: KindReminderDue, Hour: hour, Minute: minute, Timestamp: stamp()}
}

// NikString returns the credential NIK as a plain string.
func (m *Message) NikString() string {
	return string(m.Nik)
}

// NikInt parses the credential NIK, when numeric.
func (m *Message) NikInt() (int, error) {
	return strconv.Atoi(string(m.Nik))
}
