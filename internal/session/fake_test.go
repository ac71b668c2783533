package session

import (
	"context"
	"sync"

	"github.com/goodtune/parkmeter/internal/gateway"
)

// fakeGateway returns canned responses and can hold End open
type fakeGateway struct {
	mu sync.Mutex

	startResp gateway.StartResponse
	startErr  error
	endResp   gateway.EndResponse
	endErr    error
	activeErr error

	// when set, End signals endCalled and then waits for endGate to close
	endGate   chan struct{}
	endCalled chan struct{}

	started map[string]bool
	counts  map[string]int
}

func (g *fakeGateway) count(op string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.counts == nil {
		g.counts = make(map[string]int)
	}
	g.counts[op]++
}

func (g *fakeGateway) calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counts[op]
}

func (g *fakeGateway) setActiveErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.activeErr = err
}

func (g *fakeGateway) Start(ctx context.Context, spaceID, plate string) (gateway.StartResponse, error) {
	g.count("start")
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.startErr != nil {
		return gateway.StartResponse{}, g.startErr
	}
	if g.started == nil {
		g.started = make(map[string]bool)
	}
	g.started[g.startResp.SessionID] = true
	return g.startResp, nil
}

func (g *fakeGateway) End(ctx context.Context, sessionID string) (gateway.EndResponse, error) {
	g.count("end")
	if g.endGate != nil {
		close(g.endCalled)
		<-g.endGate
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.endErr != nil {
		return gateway.EndResponse{}, g.endErr
	}
	delete(g.started, sessionID)
	return g.endResp, nil
}

func (g *fakeGateway) GetActive(ctx context.Context) (gateway.ActiveResponse, error) {
	g.count("active")
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.activeErr != nil {
		return gateway.ActiveResponse{}, g.activeErr
	}
	for id := range g.started {
		return gateway.ActiveResponse{
			HasActiveSession: true,
			Session:          &gateway.ActiveSession{SessionID: id, FeePerHour: g.startResp.FeePerHour},
		}, nil
	}
	return gateway.ActiveResponse{}, nil
}
