package bus

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/linkrank/linkrank/internal/pkg/errors"
)

// LoggedEvent represents an event that has been logged to disk.
type LoggedEvent struct {
	Event     Event     `json:"event"`
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
}

// EventLogger appends events to a JSON-lines file for auditing and replay.
type EventLogger struct {
	logPath string
	mu      sync.Mutex
	file    *os.File
	enabled bool
}

// NewEventLogger creates a new event logger.
// If enabled is false, the logger will be created but will not write events.
func NewEventLogger(logPath string, enabled bool) (*EventLogger, error) {
	l := &EventLogger{
		logPath: logPath,
		enabled: enabled,
	}

	if !enabled {
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, errors.StorageError("failed to create event log directory", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.StorageError("failed to open event log", err)
	}

	l.file = file
	return l, nil
}

// Log writes an event to the log file and syncs it.
// If the logger is disabled, this is a no-op.
func (l *EventLogger) Log(topic string, event Event) error {
	if !l.enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return errors.New(errors.CodeInternal, "event logger not initialized")
	}

	raw, err := sonic.Marshal(LoggedEvent{
		Event:     event,
		Topic:     topic,
		Timestamp: time.Now(),
	})
	if err != nil {
		return errors.Wrap(errors.CodeInternal, "failed to encode event", err)
	}
	raw = append(raw, '\n')

	if _, err := l.file.Write(raw); err != nil {
		return errors.StorageError("failed to write event", err)
	}
	if err := l.file.Sync(); err != nil {
		return errors.StorageError("failed to sync event log", err)
	}

	return nil
}

// GetEvents reads events from the log file.
// Returns events that occurred after the 'since' timestamp.
// If limit > 0, returns at most that many events.
// Events are returned in chronological order.
func (l *EventLogger) GetEvents(since time.Time, limit int) ([]LoggedEvent, error) {
	if !l.enabled {
		return nil, errors.New(errors.CodeUnavailable, "event logging is disabled")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return []LoggedEvent{}, nil
		}
		return nil, errors.StorageError("failed to open event log", err)
	}
	defer file.Close()

	var events []LoggedEvent
	scanner := bufio.NewScanner(file)

	const maxScanTokenSize = 1024 * 1024 // 1MB
	buf := make([]byte, maxScanTokenSize)
	scanner.Buffer(buf, maxScanTokenSize)

	for scanner.Scan() {
		var loggedEvent LoggedEvent
		if err := sonic.Unmarshal(scanner.Bytes(), &loggedEvent); err != nil {
			// Skip malformed lines
			continue
		}

		if loggedEvent.Timestamp.After(since) {
			events = append(events, loggedEvent)

			if limit > 0 && len(events) >= limit {
				break
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, errors.StorageError("failed to scan event log", err)
	}

	return events, nil
}

// Replay publishes every logged event after 'since' to bus, in order.
func (l *EventLogger) Replay(ctx context.Context, bus Bus, since time.Time) error {
	if !l.enabled {
		return errors.New(errors.CodeUnavailable, "event logging is disabled")
	}

	events, err := l.GetEvents(since, 0)
	if err != nil {
		return err
	}

	for _, loggedEvent := range events {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := bus.Publish(ctx, loggedEvent.Topic, loggedEvent.Event); err != nil {
				return errors.Wrap(errors.CodeUnavailable, "failed to replay event "+loggedEvent.Event.ID, err)
			}
		}
	}

	return nil
}

// Close closes the log file.
func (l *EventLogger) Close() error {
	if !l.enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		if err := l.file.Close(); err != nil {
			return errors.StorageError("failed to close event log", err)
		}
		l.file = nil
	}

	return nil
}

// IsEnabled returns true if the logger is enabled.
func (l *EventLogger) IsEnabled() bool {
	return l.enabled
}
