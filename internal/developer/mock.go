package developer

import (
	"context"
	"sync"
)

// Mock is a deterministic in-memory Developer for tests. Responses are
// consumed in FIFO order; when the queue is empty the configured
// default response is returned. All methods are safe for concurrent
// use because worker pipelines run in parallel.
type Mock struct {
	mu sync.Mutex

	// InitializeErr is returned by Initialize until cleared.
	InitializeErr error

	// ExecuteFunc, when set, handles every invocation.
	ExecuteFunc func(ctx context.Context, prompt, workspaceDir string) (string, error)

	// DefaultResponse is returned when the queue is empty.
	DefaultResponse string

	queue   []mockResponse
	prompts []string

	initCalls    int
	executeCalls int
}

type mockResponse struct {
	output string
	err    error
}

var _ Developer = (*Mock)(nil)

// NewMock returns a Mock whose default response carries a success
// indicator, so an unconfigured mock completes tasks.
func NewMock() *Mock {
	return &Mock{DefaultResponse: "Task completed successfully"}
}

// Kind implements Developer.
func (m *Mock) Kind() string { return "mock" }

// Initialize implements Developer.
func (m *Mock) Initialize(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initCalls++
	return m.InitializeErr
}

// ExecutePrompt implements Developer.
func (m *Mock) ExecutePrompt(ctx context.Context, prompt, workspaceDir string) (string, error) {
	m.mu.Lock()
	m.executeCalls++
	m.prompts = append(m.prompts, prompt)
	fn := m.ExecuteFunc
	var next *mockResponse
	if fn == nil && len(m.queue) > 0 {
		r := m.queue[0]
		m.queue = m.queue[1:]
		next = &r
	}
	def := m.DefaultResponse
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, prompt, workspaceDir)
	}
	if next != nil {
		return next.output, next.err
	}
	return def, nil
}

// QueueResponse appends a scripted output.
func (m *Mock) QueueResponse(output string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockResponse{output: output})
}

// QueueError appends a scripted failure.
func (m *Mock) QueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockResponse{err: err})
}

// Prompts returns a copy of every prompt seen so far.
func (m *Mock) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.prompts))
	copy(out, m.prompts)
	return out
}

// ExecuteCalls returns the number of ExecutePrompt invocations.
func (m *Mock) ExecuteCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.executeCalls
}

// InitCalls returns the number of Initialize invocations.
func (m *Mock) InitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initCalls
}
