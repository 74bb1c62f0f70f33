package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/TFMV/sqlgate/pkg/models"
	"github.com/TFMV/sqlgate/pkg/repositories"
)

// mockPool implements repositories.ConnectionPool
type mockPool struct {
	mock.Mock
}

func (m *mockPool) Acquire(ctx context.Context) (repositories.Connection, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(repositories.Connection), args.Error(1)
}

func (m *mockPool) Release(conn repositories.Connection) {
	m.Called(conn)
}

// mockConnection implements repositories.Connection
type mockConnection struct {
	mock.Mock
	discarded atomic.Bool
}

func (m *mockConnection) Discard() {
	m.discarded.Store(true)
}

func (m *mockConnection) SetReadOnly(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockConnection) BeginTransaction(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockConnection) Query(ctx context.Context, sql string) (*models.ResultSet, error) {
	args := m.Called(ctx, sql)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ResultSet), args.Error(1)
}

func (m *mockConnection) Rollback(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// mockLogger implements Logger
type mockLogger struct {
	mu      sync.Mutex
	entries []string
}

func (m *mockLogger) record(level, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, level+": "+msg)
}

func (m *mockLogger) Debug(msg string, keysAndValues ...interface{}) { m.record("debug", msg) }
func (m *mockLogger) Info(msg string, keysAndValues ...interface{})  { m.record("info", msg) }
func (m *mockLogger) Warn(msg string, keysAndValues ...interface{})  { m.record("warn", msg) }
func (m *mockLogger) Error(msg string, keysAndValues ...interface{}) { m.record("error", msg) }

func (m *mockLogger) has(entry string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e == entry {
			return true
		}
	}
	return false
}

// mockMetricsCollector implements MetricsCollector
type mockMetricsCollector struct {
	mu       sync.Mutex
	counters map[string]int
}

func newMockMetrics() *mockMetricsCollector {
	return &mockMetricsCollector{counters: make(map[string]int)}
}

func (m *mockMetricsCollector) IncrementCounter(name string, labels ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := name
	for _, l := range labels {
		key += ":" + l
	}
	m.counters[key]++
}

func (m *mockMetricsCollector) RecordHistogram(name string, value float64, labels ...string) {}

func (m *mockMetricsCollector) RecordGauge(name string, value float64, labels ...string) {}

func (m *mockMetricsCollector) StartTimer(name string) Timer {
	return &mockTimer{}
}

func (m *mockMetricsCollector) count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[key]
}

// mockTimer implements Timer
type mockTimer struct{}

func (m *mockTimer) Stop() time.Duration {
	return 0
}
