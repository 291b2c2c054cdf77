package logging

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// RequestLog is the JSONL audit line written for each logical request once
// it terminates, successfully or not.
type RequestLog struct {
	Timestamp    time.Time `json:"timestamp"`
	UserID       string    `json:"user_id"`
	Model        string    `json:"model"`
	CredentialID string    `json:"credential_id,omitempty"`
	Tier         string    `json:"tier,omitempty"`
	Attempts     int       `json:"attempts"`
	Stream       bool      `json:"stream"`
	Status       string    `json:"status"` // "ok" or the terminal error class
	DurationMS   int64     `json:"duration_ms"`
}

// RequestLogger implements asynchronous, buffered audit logging with size
// based rotation and periodic flush.
type RequestLogger struct {
	fileTemplate  string // e.g. "/var/log/account-gateway/requests-%s.jsonl"
	maxSize       int64  // maximum size in bytes before rotation
	maxFiles      int    // maximum number of rotated files to keep
	flushInterval time.Duration

	mu          sync.Mutex
	currentFile string
	file        *os.File
	writer      *bufio.Writer
	currentSize int64

	logCh  chan RequestLog
	doneCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewRequestLogger creates a RequestLogger writing to fileTemplate.
// bufferSize bounds the number of queued entries; when the queue is full
// entries are dropped rather than blocking the request path.
func NewRequestLogger(fileTemplate string, maxSize int64, maxFiles, bufferSize int, flushInterval time.Duration) (*RequestLogger, error) {
	logger := &RequestLogger{
		fileTemplate:  fileTemplate,
		maxSize:       maxSize,
		maxFiles:      maxFiles,
		flushInterval: flushInterval,
		logCh:         make(chan RequestLog, bufferSize),
		doneCh:        make(chan struct{}),
	}

	if err := logger.openFile(); err != nil {
		return nil, err
	}

	logger.wg.Add(1)
	go logger.run()

	return logger, nil
}

// Log queues an entry. Entries are dropped when the queue is full.
func (logger *RequestLogger) Log(entry RequestLog) {
	select {
	case logger.logCh <- entry:
	default:
	}
}

// Shutdown flushes the buffer and closes the file. Call from the
// application's graceful shutdown handler.
func (logger *RequestLogger) Shutdown() {
	logger.mu.Lock()
	if logger.closed {
		logger.mu.Unlock()
		return
	}
	logger.closed = true
	logger.mu.Unlock()

	close(logger.doneCh)
	logger.wg.Wait()
}

func (logger *RequestLogger) newFileName() string {
	timestamp := time.Now().Format("20060102150405")
	return fmt.Sprintf(logger.fileTemplate, timestamp)
}

func (logger *RequestLogger) openFile() error {
	logger.currentFile = logger.newFileName()
	dir := filepath.Dir(logger.currentFile)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	file, err := os.OpenFile(logger.currentFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	logger.currentSize = fi.Size()
	logger.file = file
	logger.writer = bufio.NewWriter(file)
	return nil
}

func (logger *RequestLogger) rotateIfNeeded(n int) error {
	logger.mu.Lock()
	defer logger.mu.Unlock()

	if logger.currentSize+int64(n) < logger.maxSize {
		return nil
	}

	if err := logger.writer.Flush(); err != nil {
		return err
	}
	if err := logger.file.Close(); err != nil {
		return err
	}

	return logger.openFile()
}

// cleanupOldFiles removes the oldest rotated files if more than maxFiles exist.
func (logger *RequestLogger) cleanupOldFiles() error {
	pattern := fmt.Sprintf(logger.fileTemplate, "*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}

	sort.Slice(matches, func(i, j int) bool {
		fi, err1 := os.Stat(matches[i])
		fj, err2 := os.Stat(matches[j])
		if err1 != nil || err2 != nil {
			return false
		}
		return fi.ModTime().Before(fj.ModTime())
	})

	excess := len(matches) - logger.maxFiles
	for i := 0; i < excess; i++ {
		_ = os.Remove(matches[i])
	}
	return nil
}

func (logger *RequestLogger) run() {
	defer logger.wg.Done()
	ticker := time.NewTicker(logger.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-logger.logCh:
			logger.writeEntry(entry)
		case <-ticker.C:
			logger.mu.Lock()
			_ = logger.writer.Flush()
			logger.mu.Unlock()
		case <-logger.doneCh:
			// Drain remaining entries before closing.
			for {
				select {
				case entry := <-logger.logCh:
					logger.writeEntry(entry)
				default:
					logger.mu.Lock()
					_ = logger.writer.Flush()
					_ = logger.file.Close()
					logger.mu.Unlock()
					return
				}
			}
		}
	}
}

func (logger *RequestLogger) writeEntry(entry RequestLog) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	line := string(data) + "\n"
	n := len(line)
	_ = logger.rotateIfNeeded(n)

	logger.mu.Lock()
	_, _ = logger.writer.WriteString(line)
	logger.currentSize += int64(n)
	logger.mu.Unlock()

	_ = logger.cleanupOldFiles()
}
