package notify

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodePayload_CarriesDiscriminator(t *testing.T) {
	raw, err := EncodePayload(ExpiringPayload{
		SessionID:     "s-1",
		LocationLabel: "Harbour St L2",
		LicensePlate:  "ABC123",
		MinutesLeft:   5,
	})
	if err != nil {
		t.Fatalf("EncodePayload failed: %v", err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		t.Fatalf("payload is not a JSON object: %v", err)
	}
	if fields["type"] != "parking-expiring" {
		t.Errorf("Expected type parking-expiring, got %v", fields["type"])
	}
	if fields["sessionId"] != "s-1" {
		t.Errorf("Expected flat sessionId field, got %v", fields["sessionId"])
	}
	if fields["minutesLeft"] != float64(5) {
		t.Errorf("Expected minutesLeft 5, got %v", fields["minutesLeft"])
	}
}

func TestDecodePayload_Variants(t *testing.T) {
	tests := []struct {
		name     string
		payload  Payload
		wantType PayloadType
	}{
		{"expiring", ExpiringPayload{SessionID: "s-1", MinutesLeft: 15}, TypeParkingExpiring},
		{"started", StartedPayload{SessionID: "s-1", LicensePlate: "ABC123"}, TypeParkingStarted},
		{"ended", EndedPayload{SessionID: "s-1", TotalCost: 4.5, DurationSeconds: 5400}, TypeParkingEnded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := EncodePayload(tt.payload)
			if err != nil {
				t.Fatalf("EncodePayload failed: %v", err)
			}
			got, err := DecodePayload(raw)
			if err != nil {
				t.Fatalf("DecodePayload failed: %v", err)
			}
			if got.Type() != tt.wantType {
				t.Errorf("Expected type %s, got %s", tt.wantType, got.Type())
			}
			if got != tt.payload {
				t.Errorf("Expected %+v, got %+v", tt.payload, got)
			}
		})
	}
}

func TestDecodePayload_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{"unknown type", `{"type":"parking-reminder","sessionId":"s-1"}`, ErrUnknownPayloadType},
		{"missing type", `{"sessionId":"s-1"}`, ErrUnknownPayloadType},
		{"expiring without session", `{"type":"parking-expiring","minutesLeft":5}`, ErrInvalidPayload},
		{"expiring without minutes", `{"type":"parking-expiring","sessionId":"s-1"}`, ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePayload(tt.raw)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if _, err := DecodePayload("not json"); err == nil {
		t.Error("Expected error for malformed JSON")
	}
}

func TestEncodePayload_RejectsInvalid(t *testing.T) {
	if _, err := EncodePayload(nil); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("Expected ErrInvalidPayload for nil, got %v", err)
	}
	if _, err := EncodePayload(StartedPayload{}); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("Expected ErrInvalidPayload for empty session, got %v", err)
	}
}
