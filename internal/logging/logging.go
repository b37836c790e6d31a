// Package logging provides structured line logging for the research workflow.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a config string into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "INFO":
		return LevelInfo, nil
	case "DEBUG":
		return LevelDebug, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	}
	return "", fmt.Errorf("unknown log level %q", s)
}

// sink is shared by a logger and every logger derived from it, so that
// SetOutput and SetLevel on the root affect component loggers too.
type sink struct {
	mu       sync.Mutex
	output   io.Writer
	minLevel Level
}

// Logger writes lines of the form: LEVEL TIMESTAMP [component] message key=value ...
type Logger struct {
	sink      *sink
	component string
	traceID   string
}

// New creates a new Logger writing INFO and above to stderr.
func New() *Logger {
	return &Logger{sink: &sink{output: os.Stderr, minLevel: LevelInfo}}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{sink: &sink{output: io.Discard, minLevel: LevelError}}
}

// WithComponent returns a logger tagged with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{sink: l.sink, component: component, traceID: l.traceID}
}

// WithTraceID returns a logger that stamps every line with trace_id.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return &Logger{sink: l.sink, component: l.component, traceID: traceID}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	l.sink.minLevel = level
	l.sink.mu.Unlock()
}

// SetOutput sets the output writer.
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.output = w
	l.sink.mu.Unlock()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields renders fields as sorted key=value pairs.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := fmt.Sprintf("%v", fields[k])
		if strings.ContainsAny(v, " \t\n\"") {
			v = fmt.Sprintf("%q", v)
		}
		parts = append(parts, k+"="+v)
	}
	return " " + strings.Join(parts, " ")
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if levelPriority[level] < levelPriority[l.sink.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	merged := map[string]interface{}{}
	if len(fields) > 0 && fields[0] != nil {
		for k, v := range fields[0] {
			merged[k] = v
		}
	}
	if l.traceID != "" {
		merged["trace_id"] = l.traceID
	}
	fieldStr := formatFields(merged)

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}
	l.sink.output.Write([]byte(line))
}

// NodeStart logs entry into a workflow node.
func (l *Logger) NodeStart(thread, node string) {
	l.Info("node_start", map[string]interface{}{
		"thread": thread,
		"node":   node,
	})
}

// NodeComplete logs the completion of a workflow node.
func (l *Logger) NodeComplete(thread, node string, duration time.Duration) {
	l.Info("node_complete", map[string]interface{}{
		"thread":   thread,
		"node":     node,
		"duration": duration.String(),
	})
}

// ToolCall logs a tool invocation. Arguments are not logged, they may hold user data.
func (l *Logger) ToolCall(tool, callID string) {
	l.Debug("tool_call", map[string]interface{}{
		"tool":    tool,
		"call_id": callID,
	})
}

// ToolResult logs a tool result.
func (l *Logger) ToolResult(tool string, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"tool":     tool,
		"duration": duration.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("tool_error", fields)
		return
	}
	l.Debug("tool_result", fields)
}

// SupervisorRound logs one supervisor planning step.
func (l *Logger) SupervisorRound(iteration, delegations, reflections int) {
	l.Info("supervisor_round", map[string]interface{}{
		"iteration":   iteration,
		"delegations": delegations,
		"reflections": reflections,
	})
}

// SupervisorTerminate logs why the supervisor stopped.
func (l *Logger) SupervisorTerminate(reason string, iteration, notes int) {
	l.Info("supervisor_terminate", map[string]interface{}{
		"reason":    reason,
		"iteration": iteration,
		"notes":     notes,
	})
}

// SubAgentStart logs the launch of a research sub-agent.
func (l *Logger) SubAgentStart(index int, topic string) {
	l.Info("subagent_start", map[string]interface{}{
		"index": index,
		"topic": truncate(topic, 80),
	})
}

// SubAgentComplete logs a finished research sub-agent.
func (l *Logger) SubAgentComplete(index int, rounds int, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"index":    index,
		"rounds":   rounds,
		"duration": duration.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Error("subagent_failed", fields)
		return
	}
	l.Info("subagent_complete", fields)
}

// CheckpointSaved logs when a workflow checkpoint is persisted.
func (l *Logger) CheckpointSaved(thread, node string) {
	l.Debug("checkpoint_saved", map[string]interface{}{
		"thread": thread,
		"node":   node,
	})
}

// ThreadRetired logs the replacement of a finished thread.
func (l *Logger) ThreadRetired(oldThread, newThread string) {
	l.Info("thread_retired", map[string]interface{}{
		"thread":     oldThread,
		"new_thread": newThread,
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
