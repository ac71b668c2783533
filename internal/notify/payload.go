package notify

import (
	"encoding/json"
	"errors"
	"fmt"
)

// PayloadType discriminates the alert payload variants.
type PayloadType string

const (
	TypeParkingExpiring PayloadType = "parking-expiring"
	TypeParkingStarted  PayloadType = "parking-started"
	TypeParkingEnded    PayloadType = "parking-ended"
)

var (
	// ErrUnknownPayloadType is returned when decoding an envelope with an unrecognised type.
	ErrUnknownPayloadType = errors.New("notify: unknown payload type")
	// ErrInvalidPayload is returned when a payload is missing required fields.
	ErrInvalidPayload = errors.New("notify: invalid payload")
)

// Payload is implemented only by the variants in this package.
type Payload interface {
	Type() PayloadType
	// Session returns the parking session the alert refers to.
	Session() string
	validate() error
}

// ExpiringPayload warns that a session nears its nominal expiration.
type ExpiringPayload struct {
	SessionID     string `json:"sessionId"`
	LocationLabel string `json:"locationLabel"`
	LicensePlate  string `json:"licensePlate"`
	MinutesLeft   int    `json:"minutesLeft"`
}

func (ExpiringPayload) Type() PayloadType  { return TypeParkingExpiring }
func (p ExpiringPayload) Session() string { return p.SessionID }

func (p ExpiringPayload) validate() error {
	if p.SessionID == "" {
		return fmt.Errorf("%w: %s requires sessionId", ErrInvalidPayload, p.Type())
	}
	if p.MinutesLeft <= 0 {
		return fmt.Errorf("%w: %s requires positive minutesLeft", ErrInvalidPayload, p.Type())
	}
	return nil
}

// StartedPayload confirms a session was started.
type StartedPayload struct {
	SessionID     string `json:"sessionId"`
	LocationLabel string `json:"locationLabel"`
	LicensePlate  string `json:"licensePlate"`
}

func (StartedPayload) Type() PayloadType  { return TypeParkingStarted }
func (p StartedPayload) Session() string { return p.SessionID }

func (p StartedPayload) validate() error {
	if p.SessionID == "" {
		return fmt.Errorf("%w: %s requires sessionId", ErrInvalidPayload, p.Type())
	}
	return nil
}

// EndedPayload reports the authoritative outcome of an ended session.
type EndedPayload struct {
	SessionID       string  `json:"sessionId"`
	TotalCost       float64 `json:"totalCost"`
	DurationSeconds int64   `json:"durationSeconds"`
}

func (EndedPayload) Type() PayloadType  { return TypeParkingEnded }
func (p EndedPayload) Session() string { return p.SessionID }

func (p EndedPayload) validate() error {
	if p.SessionID == "" {
		return fmt.Errorf("%w: %s requires sessionId", ErrInvalidPayload, p.Type())
	}
	return nil
}

type envelope struct {
	Type PayloadType `json:"type"`
}

// EncodePayload renders p as a flat JSON object carrying a "type" discriminator.
func EncodePayload(p Payload) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	if err := p.validate(); err != nil {
		return "", err
	}

	var (
		data []byte
		err  error
	)
	switch v := p.(type) {
	case ExpiringPayload:
		data, err = json.Marshal(struct {
			envelope
			ExpiringPayload
		}{envelope{v.Type()}, v})
	case StartedPayload:
		data, err = json.Marshal(struct {
			envelope
			StartedPayload
		}{envelope{v.Type()}, v})
	case EndedPayload:
		data, err = json.Marshal(struct {
			envelope
			EndedPayload
		}{envelope{v.Type()}, v})
	default:
		return "", fmt.Errorf("%w: %T", ErrUnknownPayloadType, p)
	}
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	return string(data), nil
}

// DecodePayload parses an envelope produced by EncodePayload.
func DecodePayload(raw string) (Payload, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("failed to decode payload envelope: %w", err)
	}

	var p Payload
	switch env.Type {
	case TypeParkingExpiring:
		var v ExpiringPayload
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", env.Type, err)
		}
		p = v
	case TypeParkingStarted:
		var v StartedPayload
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", env.Type, err)
		}
		p = v
	case TypeParkingEnded:
		var v EndedPayload
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", env.Type, err)
		}
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayloadType, env.Type)
	}

	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}
