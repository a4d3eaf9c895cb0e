package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// HourlyFile is an io.WriteCloser that starts a new file every hour,
// named <prefix>-YYYY-MM-DD-HH.log inside dir.
type HourlyFile struct {
	dir    string
	prefix string
	now    func() time.Time

	mu   sync.Mutex
	hour time.Time
	f    *os.File
}

// NewHourlyFile creates dir if needed. The first file is opened lazily.
func NewHourlyFile(dir, prefix string) (*HourlyFile, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	return &HourlyFile{dir: dir, prefix: prefix, now: time.Now}, nil
}

// Write appends p to the file for the current hour.
func (h *HourlyFile) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hour := h.now().Truncate(time.Hour)
	if h.f == nil || !hour.Equal(h.hour) {
		if err := h.rotate(hour); err != nil {
			return 0, err
		}
	}
	return h.f.Write(p)
}

// Close closes the current file. A later Write opens a new one.
func (h *HourlyFile) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f == nil {
		return nil
	}
	err := h.f.Close()
	h.f = nil
	return err
}

// Name returns the file name used for the hour containing t.
func (h *HourlyFile) Name(t time.Time) string {
	return filepath.Join(h.dir, fmt.Sprintf("%s-%s.log", h.prefix, t.Format("2006-01-02-15")))
}

// rotate must be called with mu held.
func (h *HourlyFile) rotate(hour time.Time) error {
	if h.f != nil {
		h.f.Close()
		h.f = nil
	}
	f, err := os.OpenFile(h.Name(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}
	h.f = f
	h.hour = hour
	return nil
}
