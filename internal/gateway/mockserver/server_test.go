package mockserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goodtune/parkmeter/internal/clock"
	"github.com/goodtune/parkmeter/internal/gateway"
	"github.com/rs/zerolog"
)

func newTestServer(t *testing.T, clk clock.Clock) *Server {
	t.Helper()
	return New(Config{
		Spaces: []Space{
			{ID: "A-12", Label: "Harbour St level 2", FeePerHour: 4},
			{ID: "B-01", Label: "Market Sq", FeePerHour: 2.5},
		},
		StartingBalance: 50,
	}, clk, zerolog.Nop())
}

func doJSON(t *testing.T, s *Server, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-User", user)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return v
}

func TestStartActiveEnd(t *testing.T) {
	clk := clock.NewTestClock(time.Now().Truncate(time.Second))
	s := newTestServer(t, clk)

	rec := doJSON(t, s, "POST", "/api/parking/start", "alice", gateway.StartRequest{SpaceID: "A-12", LicensePlate: "abc123"})
	start := decode[gateway.StartResponse](t, rec)
	if !start.Success || start.SessionID == "" {
		t.Fatalf("Expected successful start, got %+v", start)
	}
	if start.FeePerHour != 4 || start.LocationLabel != "Harbour St level 2" {
		t.Errorf("Unexpected space details: %+v", start)
	}

	active := decode[gateway.ActiveResponse](t, doJSON(t, s, "GET", "/api/parking/active", "alice", nil))
	if !active.HasActiveSession || active.Session.SessionID != start.SessionID {
		t.Fatalf("Expected active session %s, got %+v", start.SessionID, active)
	}
	if active.Session.LicensePlate != "ABC123" {
		t.Errorf("Expected normalised plate ABC123, got %s", active.Session.LicensePlate)
	}

	clk.Advance(90 * time.Minute)

	end := decode[gateway.EndResponse](t, doJSON(t, s, "POST", "/api/parking/end", "alice", gateway.EndRequest{SessionID: start.SessionID}))
	if !end.Success {
		t.Fatalf("Expected successful end, got %+v", end)
	}
	if end.DurationSeconds != 5400 {
		t.Errorf("Expected 5400 seconds, got %d", end.DurationSeconds)
	}
	if end.TotalCost != 6 {
		t.Errorf("Expected total cost 6, got %v", end.TotalCost)
	}
	if end.NewBalance != 44 {
		t.Errorf("Expected balance 44, got %v", end.NewBalance)
	}

	active = decode[gateway.ActiveResponse](t, doJSON(t, s, "GET", "/api/parking/active", "alice", nil))
	if active.HasActiveSession {
		t.Error("Expected no active session after end")
	}
}

func TestStart_Rejections(t *testing.T) {
	s := newTestServer(t, clock.NewTestClock(time.Now()))

	first := decode[gateway.StartResponse](t, doJSON(t, s, "POST", "/api/parking/start", "alice", gateway.StartRequest{SpaceID: "A-12", LicensePlate: "ABC123"}))
	if !first.Success {
		t.Fatalf("Expected first start to succeed, got %+v", first)
	}

	tests := []struct {
		name string
		user string
		req  gateway.StartRequest
	}{
		{"unknown space", "bob", gateway.StartRequest{SpaceID: "Z-99", LicensePlate: "XYZ"}},
		{"space occupied", "bob", gateway.StartRequest{SpaceID: "A-12", LicensePlate: "XYZ"}},
		{"already parked", "alice", gateway.StartRequest{SpaceID: "B-01", LicensePlate: "ABC123"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, s, "POST", "/api/parking/start", tt.user, tt.req)
			if rec.Code != http.StatusOK {
				t.Fatalf("Expected 200, got %d", rec.Code)
			}
			resp := decode[gateway.StartResponse](t, rec)
			if resp.Success || resp.Message == "" {
				t.Errorf("Expected rejection with message, got %+v", resp)
			}
		})
	}
}

func TestStart_RequiresIdentity(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doJSON(t, s, "POST", "/api/parking/start", "", gateway.StartRequest{SpaceID: "A-12", LicensePlate: "ABC123"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", rec.Code)
	}
}

func TestEnd_OtherUsersSession(t *testing.T) {
	s := newTestServer(t, nil)

	start := decode[gateway.StartResponse](t, doJSON(t, s, "POST", "/api/parking/start", "alice", gateway.StartRequest{SpaceID: "A-12", LicensePlate: "ABC123"}))
	end := decode[gateway.EndResponse](t, doJSON(t, s, "POST", "/api/parking/end", "bob", gateway.EndRequest{SessionID: start.SessionID}))
	if end.Success {
		t.Error("Expected bob to be unable to end alice's session")
	}
}

func TestAdminEnd(t *testing.T) {
	s := newTestServer(t, nil)

	start := decode[gateway.StartResponse](t, doJSON(t, s, "POST", "/api/parking/start", "alice", gateway.StartRequest{SpaceID: "A-12", LicensePlate: "ABC123"}))

	rec := doJSON(t, s, "DELETE", "/api/admin/sessions/"+start.SessionID, "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", rec.Code)
	}

	active := decode[gateway.ActiveResponse](t, doJSON(t, s, "GET", "/api/parking/active", "alice", nil))
	if active.HasActiveSession {
		t.Error("Expected session gone after admin end")
	}

	rec = doJSON(t, s, "DELETE", "/api/admin/sessions/"+start.SessionID, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for second admin end, got %d", rec.Code)
	}
}

func TestBearerToken(t *testing.T) {
	s := New(Config{
		Spaces:          []Space{{ID: "A-12", Label: "Harbour St", FeePerHour: 4}},
		StartingBalance: 10,
		TokenSecret:     "secret",
	}, nil, zerolog.Nop())

	good, err := IssueToken("secret", "carol", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	forged, _ := IssueToken("other", "carol", time.Hour)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"valid", good, http.StatusOK},
		{"wrong secret", forged, http.StatusUnauthorized},
		{"garbage", "abc", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/balance", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}
