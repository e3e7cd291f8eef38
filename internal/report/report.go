package report

import (
	"context"
	"sync"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

// Log levels carried by reporter events.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Reporter receives structured progress events from a pipeline run. Its
// state is scoped to one run; implementations must be safe for concurrent use
// because per-work units complete on different goroutines.
type Reporter interface {
	TaskAdded(id string)
	TaskLog(id string, level string, message string)
	// TaskRemoved closes a task with its final outcome
	// (added/updated/skipped/failed).
	TaskRemoved(id string, outcome string)
	// ResultAdded records one finished item together with the running count
	// of items sharing that outcome.
	ResultAdded(id string, outcome string, runningCount int)
	MainLog(level string, message string)
	Finished(summary string)
}

type zapReporter struct {
	logger *zap.Logger
}

// NewZapReporter emits reporter events through the process logger.
func NewZapReporter(ctx context.Context) Reporter {
	return &zapReporter{logger: logutil.GetLogger(ctx)}
}

func (r *zapReporter) log(level string, msg string, fields ...zap.Field) {
	switch level {
	case LevelDebug:
		r.logger.Debug(msg, fields...)
	case LevelWarn:
		r.logger.Warn(msg, fields...)
	case LevelError:
		r.logger.Error(msg, fields...)
	default:
		r.logger.Info(msg, fields...)
	}
}

func (r *zapReporter) TaskAdded(id string) {
	r.logger.Debug("task added", zap.String("rjcode", id))
}

func (r *zapReporter) TaskLog(id string, level string, message string) {
	r.log(level, message, zap.String("rjcode", id))
}

func (r *zapReporter) TaskRemoved(id string, outcome string) {
	r.logger.Debug("task finished", zap.String("rjcode", id), zap.String("outcome", outcome))
}

func (r *zapReporter) ResultAdded(id string, outcome string, runningCount int) {
	r.logger.Info("work processed",
		zap.String("rjcode", id),
		zap.String("outcome", outcome),
		zap.Int("count", runningCount),
	)
}

func (r *zapReporter) MainLog(level string, message string) {
	r.log(level, message)
}

func (r *zapReporter) Finished(summary string) {
	r.logger.Info("run finished", zap.String("summary", summary))
}

// TaskEvent is one recorded per-task event.
type TaskEvent struct {
	ID      string
	Level   string
	Message string
}

// Result is one recorded item outcome.
type Result struct {
	ID           string
	Outcome      string
	RunningCount int
}

// Memory records every event for inspection, mostly from tests.
type Memory struct {
	mu        sync.Mutex
	added     []string
	removed   map[string]string
	taskLogs  []TaskEvent
	mainLogs  []TaskEvent
	results   []Result
	summaries []string
}

// NewMemory returns an empty in-memory reporter.
func NewMemory() *Memory {
	return &Memory{removed: make(map[string]string)}
}

func (m *Memory) TaskAdded(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added = append(m.added, id)
}

func (m *Memory) TaskLog(id string, level string, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taskLogs = append(m.taskLogs, TaskEvent{ID: id, Level: level, Message: message})
}

func (m *Memory) TaskRemoved(id string, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed[id] = outcome
}

func (m *Memory) ResultAdded(id string, outcome string, runningCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, Result{ID: id, Outcome: outcome, RunningCount: runningCount})
}

func (m *Memory) MainLog(level string, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mainLogs = append(m.mainLogs, TaskEvent{Level: level, Message: message})
}

func (m *Memory) Finished(summary string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries = append(m.summaries, summary)
}

// Outcome returns the final outcome recorded for a task id.
func (m *Memory) Outcome(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	outcome, ok := m.removed[id]
	return outcome, ok
}

// Results returns a copy of the recorded item outcomes.
func (m *Memory) Results() []Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Result(nil), m.results...)
}

// MainLogs returns a copy of the recorded run-level logs.
func (m *Memory) MainLogs() []TaskEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TaskEvent(nil), m.mainLogs...)
}

// Summaries returns all finish summaries seen.
func (m *Memory) Summaries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.summaries...)
}
