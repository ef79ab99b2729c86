package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

const maxLogSize = 2 * 1024 * 1024 // 2MB

var debugEnabled atomic.Bool

// SetLevel switches debug output on for "debug" and off for anything else
func SetLevel(level string) {
	debugEnabled.Store(strings.EqualFold(strings.TrimSpace(level), "debug"))
}

// Debugf logs through the standard logger when the level is debug
func Debugf(format string, args ...any) {
	if debugEnabled.Load() {
		log.Output(2, "Debug: "+fmt.Sprintf(format, args...))
	}
}

type RotatingWriter struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	size    int64
	maxSize int64
}

// Setup sends the standard logger to stdout and to a rotating file at logPath
func Setup(logPath string) (*RotatingWriter, error) {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	rw, err := NewRotatingWriter(logPath, maxLogSize)
	if err != nil {
		return nil, err
	}

	log.SetOutput(io.MultiWriter(os.Stdout, rw))
	return rw, nil
}

// NewRotatingWriter opens logPath for appending. A file already larger than
// maxSize is truncated on open.
func NewRotatingWriter(logPath string, maxSize int64) (*RotatingWriter, error) {
	if info, err := os.Stat(logPath); err == nil && info.Size() > maxSize {
		os.Truncate(logPath, 0)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	size := int64(0)
	if info, _ := f.Stat(); info != nil {
		size = info.Size()
	}

	return &RotatingWriter{
		file:    f,
		path:    logPath,
		size:    size,
		maxSize: maxSize,
	}, nil
}

func (w *RotatingWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err = w.file.Write(p)
	w.size += int64(n)

	if w.size > w.maxSize {
		w.rotate()
	}

	return n, err
}

func (w *RotatingWriter) rotate() {
	w.file.Close()

	// Keep one backup
	os.Rename(w.path, w.path+".1")

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return
	}

	w.file = f
	w.size = 0
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
