package providers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const MockName = "mock"

// MockClient is a Client for testing.
type MockClient struct {
	// Configurable behavior
	Latency      time.Duration
	ShouldFail   bool
	FailAfter    int // Fail after N requests (0 = never)
	ResponseText string

	// Scripted responses consumed in order before ResponseText applies.
	mu      sync.Mutex
	scripts []string

	// State
	requestCount atomic.Int64
}

// NewMockClient creates a new mock client with sensible defaults.
func NewMockClient() *MockClient {
	return &MockClient{
		ResponseText: "mock generated content",
	}
}

// Name returns the client identifier.
func (c *MockClient) Name() string {
	return MockName
}

// Script queues responses returned by subsequent Generate calls, in order.
func (c *MockClient) Script(responses ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts = append(c.scripts, responses...)
}

// RequestCount returns how many Generate calls have been made.
func (c *MockClient) RequestCount() int {
	return int(c.requestCount.Load())
}

// Generate returns the next scripted response, or the configured default.
func (c *MockClient) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	count := c.requestCount.Add(1)

	if c.Latency > 0 {
		select {
		case <-time.After(c.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if c.ShouldFail {
		return nil, fmt.Errorf("mock provider failure")
	}
	if c.FailAfter > 0 && count > int64(c.FailAfter) {
		return nil, fmt.Errorf("mock provider failure after %d requests", c.FailAfter)
	}

	content := c.ResponseText
	c.mu.Lock()
	if len(c.scripts) > 0 {
		content = c.scripts[0]
		c.scripts = c.scripts[1:]
	}
	c.mu.Unlock()

	return &GenerateResult{
		Content:          content,
		Model:            MockName,
		PromptTokens:     len(req.Prompt) / 4,
		CompletionTokens: len(content) / 4,
	}, nil
}
