// Package protocol defines the JSON wire messages exchanged with the
// controller and converts between raw frames and typed values. Decoding is a
// closed tagged union on the "type" field; business logic never sees raw
// JSON.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message type tags.
const (
	TypeSmsJob       = "sms_job"
	TypeStatusUpdate = "status_update"
	TypeDeviceInfo   = "device_info"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeError        = "error"
)

var (
	// ErrMalformed is returned when a frame is not valid JSON or lacks a type.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownType is returned for type tags this gateway does not handle.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMissingField is returned when a required field is absent or empty.
	ErrMissingField = errors.New("missing required field")
)

// Inbound is implemented by every message the controller can send to the
// gateway.
type Inbound interface {
	inbound()
}

// SmsJob instructs the gateway to send one SMS.
type SmsJob struct {
	MessageID   string `json:"message_id"`
	JobID       string `json:"job_id"`
	To          string `json:"to"`
	Body        string `json:"body"`
	MaxAttempts int    `json:"max_retries"`
}

// Ping is a keepalive probe; the gateway answers with a Pong echoing the
// message id.
type Ping struct {
	MessageID string `json:"message_id"`
}

// ControllerError reports a controller-side problem. It is logged and
// discarded; nothing is retried.
type ControllerError struct {
	MessageID    string `json:"message_id"`
	RefMessageID string `json:"ref_message_id,omitempty"`
	Code         string `json:"code"`
	Detail       string `json:"detail"`
}

func (SmsJob) inbound()          {}
func (Ping) inbound()            {}
func (ControllerError) inbound() {}

// envelope is the minimal shape every frame must have.
type envelope struct {
	Type string `json:"type"`
}

// Decode parses a raw text frame into a typed inbound message.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(env.Type) == "" {
		return nil, fmt.Errorf("%w: no type field", ErrMalformed)
	}

	switch env.Type {
	case TypeSmsJob:
		var msg SmsJob
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if err := msg.validate(); err != nil {
			return nil, err
		}
		return msg, nil
	case TypePing:
		var msg Ping
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return msg, nil
	case TypeError:
		var msg ControllerError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func (m SmsJob) validate() error {
	if strings.TrimSpace(m.JobID) == "" {
		return fmt.Errorf("%w: job_id", ErrMissingField)
	}
	if strings.TrimSpace(m.To) == "" {
		return fmt.Errorf("%w: to", ErrMissingField)
	}
	if strings.TrimSpace(m.Body) == "" {
		return fmt.Errorf("%w: body", ErrMissingField)
	}
	return nil
}

// DeviceInfo identifies the gateway to the controller. Sent once per
// connection, immediately after the socket opens.
type DeviceInfo struct {
	Type            string `json:"type"`
	MessageID       string `json:"message_id"`
	DeviceID        string `json:"device_id"`
	DeviceName      string `json:"device_name"`
	PlatformVersion string `json:"platform_version"`
	AppVersion      string `json:"app_version"`
	ConnectedAt     string `json:"connected_at"`
}

// StatusUpdate reports a job's current status to the controller.
type StatusUpdate struct {
	Type         string `json:"type"`
	MessageID    string `json:"message_id"`
	JobID        string `json:"job_id"`
	Status       string `json:"status"`
	Attempt      int    `json:"attempt"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message,omitempty"`
	Timestamp    string `json:"timestamp"`
}

// Pong answers a Ping, echoing its message id.
type Pong struct {
	Type          string `json:"type"`
	MessageID     string `json:"message_id"`
	PingMessageID string `json:"ping_message_id"`
	Timestamp     string `json:"timestamp"`
}

// NewDeviceInfo builds the post-connect identity message.
func NewDeviceInfo(deviceID, deviceName, platformVersion, appVersion string, now time.Time) DeviceInfo {
	return DeviceInfo{
		Type:            TypeDeviceInfo,
		MessageID:       uuid.NewString(),
		DeviceID:        deviceID,
		DeviceName:      deviceName,
		PlatformVersion: platformVersion,
		AppVersion:      appVersion,
		ConnectedAt:     now.UTC().Format(time.RFC3339),
	}
}

// NewStatusUpdate builds a status report for a job.
func NewStatusUpdate(jobID, status string, attempt int, errorCode *int, errorMessage string, now time.Time) StatusUpdate {
	return StatusUpdate{
		Type:         TypeStatusUpdate,
		MessageID:    uuid.NewString(),
		JobID:        jobID,
		Status:       status,
		Attempt:      attempt,
		ErrorCode:    errorCode,
		ErrorMessage: errorMessage,
		Timestamp:    now.UTC().Format(time.RFC3339),
	}
}

// NewPong builds the reply to a ping.
func NewPong(pingMessageID string, now time.Time) Pong {
	return Pong{
		Type:          TypePong,
		MessageID:     uuid.NewString(),
		PingMessageID: pingMessageID,
		Timestamp:     now.UTC().Format(time.RFC3339),
	}
}

// Encode marshals an outbound message to a single JSON text frame.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}
	return data, nil
}
