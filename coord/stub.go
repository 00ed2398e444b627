package coord

import (
	"context"
	"sync"
	"time"

	"github.com/pithecene-io/sluice/types"
)

// GatewayStep is one scripted reply of a StubGateway.
type GatewayStep struct {
	Resp *types.CoordinationResponse
	Err  error
}

// StubGateway is a scripted Gateway for testing. Each Send consumes the
// next step; once the script is exhausted, Send returns empty responses
// that echo the requested position, so a polling loop idles harmlessly.
type StubGateway struct {
	mu       sync.Mutex
	steps    []GatewayStep
	requests []types.CoordinationRequest
}

// NewStubGateway creates a stub gateway with the given script.
func NewStubGateway(steps ...GatewayStep) *StubGateway {
	return &StubGateway{steps: steps}
}

// Send implements Gateway.
func (g *StubGateway) Send(ctx context.Context, _ string, req *types.CoordinationRequest) (*types.CoordinationResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.requests = append(g.requests, *req)

	if len(g.steps) == 0 {
		version := req.Version
		if version == "" {
			version = "stub-epoch"
		}
		return &types.CoordinationResponse{
			Version:                version,
			LastCheckpointedOffset: req.Offset,
		}, nil
	}

	step := g.steps[0]
	g.steps = g.steps[1:]
	return step.Resp, step.Err
}

// Requests returns a copy of all requests received so far.
func (g *StubGateway) Requests() []types.CoordinationRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]types.CoordinationRequest(nil), g.requests...)
}

// StatusStep is one scripted status reply of a StubJobClient.
type StatusStep struct {
	Status types.JobStatus
	Err    error
}

// StubJobClient is a scripted JobClient for testing. Status consumes the
// script; the last step repeats once exhausted.
type StubJobClient struct {
	mu     sync.Mutex
	script []StatusStep

	// Final is returned by FinalResult, after FinalDelay if set.
	Final *types.FinalResult
	// FinalErr overrides Final when set.
	FinalErr error
	// FinalDelay delays FinalResult to exercise deadline handling.
	FinalDelay time.Duration

	statusCalls int
	cancels     int
}

// NewStubJobClient creates a stub job client with the given status script.
func NewStubJobClient(script ...StatusStep) *StubJobClient {
	return &StubJobClient{script: script}
}

// Status implements JobClient.
func (c *StubJobClient) Status(ctx context.Context) (types.JobStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.statusCalls++
	if len(c.script) == 0 {
		return types.StatusRunning, nil
	}
	step := c.script[0]
	if len(c.script) > 1 {
		c.script = c.script[1:]
	}
	return step.Status, step.Err
}

// FinalResult implements JobClient.
func (c *StubJobClient) FinalResult(ctx context.Context) (*types.FinalResult, error) {
	if c.FinalDelay > 0 {
		select {
		case <-time.After(c.FinalDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.FinalErr != nil {
		return nil, c.FinalErr
	}
	return c.Final, nil
}

// Cancel implements JobClient.
func (c *StubJobClient) Cancel(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels++
	return nil
}

// StatusCalls returns the number of Status invocations.
func (c *StubJobClient) StatusCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusCalls
}

// Cancels returns the number of Cancel invocations.
func (c *StubJobClient) Cancels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancels
}

// Verify the stubs implement the interfaces.
var (
	_ Gateway   = (*StubGateway)(nil)
	_ JobClient = (*StubJobClient)(nil)
)
