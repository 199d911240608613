// services/iotserver/internal/infrastructure/deadletter.go
package infrastructure

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultDeadLetterRotationSize = 64 * 1024 * 1024

// DeadLetterEntry is one message that could not be ingested.
type DeadLetterEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Topic     string    `json:"topic"`
	Payload   string    `json:"payload"`
	Error     string    `json:"error"`
}

// DeadLetterLog is an append-only JSON-lines file of failed messages.
type DeadLetterLog struct {
	path         string
	file         *os.File
	mu           sync.Mutex
	rotationSize int64
	currentSize  int64
}

// NewDeadLetterLog opens or creates the log at path.
func NewDeadLetterLog(path string) (*DeadLetterLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dead letter directory: %w", err)
	}

	file, err := openAppend(path)
	if err != nil {
		return nil, err
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat dead letter file: %w", err)
	}

	return &DeadLetterLog{
		path:         path,
		file:         file,
		currentSize:  stat.Size(),
		rotationSize: defaultDeadLetterRotationSize,
	}, nil
}

func openAppend(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open dead letter file: %w", err)
	}
	return file, nil
}

// Write appends a failed message and syncs it to disk.
func (d *DeadLetterLog) Write(topic string, payload []byte, cause error) error {
	entry := DeadLetterEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Topic:     topic,
		Payload:   string(payload),
	}
	if cause != nil {
		entry.Error = cause.Error()
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	line = append(line, '\n')

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.file.Write(line); err != nil {
		return fmt.Errorf("failed to write dead letter: %w", err)
	}
	if err := d.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync dead letter: %w", err)
	}
	d.currentSize += int64(len(line))

	if d.currentSize > d.rotationSize {
		if err := d.rotate(); err != nil {
			return fmt.Errorf("failed to rotate dead letter log: %w", err)
		}
	}
	return nil
}

// ReadAll returns every readable entry in file order. Corrupted lines are skipped.
func (d *DeadLetterLog) ReadAll() ([]DeadLetterEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.readLocked()
}

func (d *DeadLetterLog) readLocked() ([]DeadLetterEntry, error) {
	if _, err := d.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek dead letter file: %w", err)
	}

	var entries []DeadLetterEntry
	scanner := bufio.NewScanner(d.file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry DeadLetterEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dead letter file: %w", err)
	}

	if _, err := d.file.Seek(0, io.SeekEnd); err != nil {
		return nil, fmt.Errorf("failed to seek to end of dead letter file: %w", err)
	}
	return entries, nil
}

// Retain rewrites the log keeping only entries for which keep returns true.
func (d *DeadLetterLog) Retain(keep func(DeadLetterEntry) bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries, err := d.readLocked()
	if err != nil {
		return err
	}

	tempPath := d.path + ".tmp"
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp dead letter file: %w", err)
	}
	defer tempFile.Close()

	writer := bufio.NewWriter(tempFile)
	var newSize int64
	for _, entry := range entries {
		if !keep(entry) {
			continue
		}
		line, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal dead letter: %w", err)
		}
		line = append(line, '\n')
		if _, err := writer.Write(line); err != nil {
			return fmt.Errorf("failed to write temp dead letter file: %w", err)
		}
		newSize += int64(len(line))
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush temp dead letter file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp dead letter file: %w", err)
	}

	d.file.Close()
	if err := os.Rename(tempPath, d.path); err != nil {
		return fmt.Errorf("failed to replace dead letter file: %w", err)
	}

	d.file, err = openAppend(d.path)
	if err != nil {
		return err
	}
	d.currentSize = newSize
	return nil
}

// rotate archives the current file under a timestamped name.
func (d *DeadLetterLog) rotate() error {
	if err := d.file.Close(); err != nil {
		return fmt.Errorf("failed to close dead letter file: %w", err)
	}

	archivePath := fmt.Sprintf("%s.%d", d.path, time.Now().Unix())
	if err := os.Rename(d.path, archivePath); err != nil {
		return fmt.Errorf("failed to archive dead letter file: %w", err)
	}

	file, err := openAppend(d.path)
	if err != nil {
		return err
	}
	d.file = file
	d.currentSize = 0
	return nil
}

// Close closes the log.
func (d *DeadLetterLog) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file == nil {
		return nil
	}
	if err := d.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync dead letter file before closing: %w", err)
	}
	return d.file.Close()
}

// Stats returns log statistics.
func (d *DeadLetterLog) Stats() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	return map[string]interface{}{
		"path":          d.path,
		"size":          d.currentSize,
		"rotation_size": d.rotationSize,
	}
}
