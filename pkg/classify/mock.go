package classify

import (
	"context"
	"sync"
	"time"
)

// Mock implements Classifier for testing.
type Mock struct {
	// ClassifyFunc is called when Classify is invoked.
	// If nil, Classify fails with ErrNoDetection. NewMock installs one
	// that answers with fixed predictions.
	ClassifyFunc func(ctx context.Context, endpoint string, image []byte) ([]Prediction, error)

	mu    sync.Mutex
	calls []MockCall
}

// MockCall records a Classify invocation.
type MockCall struct {
	Endpoint string
	Size     int
	Time     time.Time
}

// NewMock creates a mock that always answers with the given predictions.
func NewMock(preds ...Prediction) *Mock {
	if len(preds) == 0 {
		preds = []Prediction{{Class: "mock", Confidence: 1, ConfidencePercent: "100.00%", Rank: 1}}
	}
	return &Mock{
		ClassifyFunc: func(ctx context.Context, endpoint string, image []byte) ([]Prediction, error) {
			out := make([]Prediction, len(preds))
			copy(out, preds)
			return out, nil
		},
	}
}

// Classify calls ClassifyFunc and records the call.
func (m *Mock) Classify(ctx context.Context, endpoint string, image []byte) ([]Prediction, error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Endpoint: endpoint, Size: len(image), Time: time.Now()})
	m.mu.Unlock()

	if endpoint == "" {
		return nil, ErrNoEndpoint
	}
	if m.ClassifyFunc != nil {
		return m.ClassifyFunc(ctx, endpoint, image)
	}
	return nil, ErrNoDetection
}

// Calls returns all recorded calls.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of Classify calls.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset clears recorded calls.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
