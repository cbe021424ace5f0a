package sagaflow

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileEventStore provides a file-based implementation of EventStore that
// persists each saga's stream as a JSON-lines file on disk. Appends are
// O(1); rehydration reads and folds the whole file.
type FileEventStore struct {
	basePath string
	mu       sync.Mutex // Protects file operations
}

// NewFileEventStore creates a new file-based store that saves saga event
// streams to the specified directory.
func NewFileEventStore(basePath string) (*FileEventStore, error) {
	// Ensure the base directory exists
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileEventStore{
		basePath: basePath,
	}, nil
}

// AppendEvent appends the event as one JSON line to the saga's stream file.
func (f *FileEventStore) AppendEvent(ctx context.Context, sagaID string, event SagaEvent) error {
	if err := validateAppend(sagaID, event); err != nil {
		return err
	}
	if err := validateFileSagaID(sagaID); err != nil {
		return err
	}
	event.SagaID = sagaID

	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	file, err := os.OpenFile(f.filename(sagaID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open stream file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return file.Sync()
}

// Rehydrate reads the saga's stream file and folds it into a SagaState.
func (f *FileEventStore) Rehydrate(ctx context.Context, sagaID string) (*SagaState, error) {
	if sagaID == "" {
		return nil, NewArgumentError("sagaID", "must not be empty")
	}
	if err := validateFileSagaID(sagaID); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	events, err := f.readStream(sagaID)
	if err != nil {
		return nil, err
	}
	// A stream file with no events (crash before the first write, or a
	// truncated file) is treated as an absent stream.
	if len(events) == 0 {
		return nil, ErrSagaNotFound
	}
	return Replay(sagaID, events), nil
}

// ListExpired walks the stream directory and returns up to limit ids of
// non-terminal sagas whose last event is older than olderThan.
func (f *FileEventStore) ListExpired(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list stream directory: %w", err)
	}

	var expired []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		sagaID := strings.TrimSuffix(entry.Name(), ".jsonl")

		events, err := f.readStream(sagaID)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 || !events[len(events)-1].OccurredAt.Before(olderThan) {
			continue
		}
		state := Replay(sagaID, events)
		if state == nil || state.Status.Terminal() {
			continue
		}

		expired = append(expired, sagaID)
		if len(expired) >= limit {
			break
		}
	}
	return expired, nil
}

// readStream reads and decodes the JSON-lines stream for sagaID.
// Callers must hold f.mu.
func (f *FileEventStore) readStream(sagaID string) ([]SagaEvent, error) {
	file, err := os.Open(f.filename(sagaID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSagaNotFound
		}
		return nil, fmt.Errorf("failed to open stream file: %w", err)
	}
	defer file.Close()

	var events []SagaEvent
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event SagaEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stream file: %w", err)
	}
	return events, nil
}

// validateFileSagaID rejects ids that cannot serve as a file name under
// basePath. An id with a path separator would escape the directory and
// break the ListExpired name round-trip.
func validateFileSagaID(sagaID string) error {
	if strings.ContainsAny(sagaID, `/\`) || sagaID == "." || sagaID == ".." {
		return NewArgumentError("sagaID", "must not contain path separators")
	}
	return nil
}

// filename returns the full path for a saga's stream file.
func (f *FileEventStore) filename(sagaID string) string {
	return filepath.Join(f.basePath, sagaID+".jsonl")
}
