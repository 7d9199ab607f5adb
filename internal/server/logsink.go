package server

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/testerman/testerman/internal/common/logger"
	"github.com/testerman/testerman/internal/events"
	"github.com/testerman/testerman/internal/events/bus"
)

// LogArchive stores execution log events under the document root and
// republishes each one on its job's event channel, so live viewers and the
// archive see the same stream. It backs both the Il endpoint and the
// server-side markers campaigns emit.
type LogArchive struct {
	log     *logger.Logger
	bus     bus.EventBus
	docroot string

	// Serializes appends so interleaved events from concurrent jobs
	// land whole, one element per line.
	mu sync.Mutex
}

// NewLogArchive builds an archive rooted at docroot.
func NewLogArchive(docroot string, b bus.EventBus, log *logger.Logger) *LogArchive {
	return &LogArchive{
		log:     log.WithFields(zap.String("component", "log-archive")),
		bus:     b,
		docroot: filepath.Clean(docroot),
	}
}

// AppendLogEvent implements jobs.LogSink. A failed append is logged but
// does not suppress the live event.
func (a *LogArchive) AppendLogEvent(jobURI, logFilename, logClass string, timestamp time.Time, element []byte) {
	rel, err := a.append(logFilename, element)
	if err != nil {
		a.log.Warn("Log append failed",
			zap.String("uri", jobURI),
			zap.String("file", logFilename),
			zap.Error(err))
	}
	data := map[string]interface{}{
		"element": string(element),
		"class":   logClass,
	}
	if rel != "" {
		data["filename"] = rel
	}
	ev := bus.NewEvent(events.LogEvent, jobURI, data)
	ev.Timestamp = timestamp.UTC()
	if err := a.bus.Publish(context.Background(), events.SubjectForChannel(jobURI), ev); err != nil {
		a.log.Warn("Log event publication failed", zap.String("uri", jobURI), zap.Error(err))
	}
}

// append writes one element line to the target file, creating it and its
// directory as needed, and returns the docroot-relative target name.
func (a *LogArchive) append(filename string, element []byte) (string, error) {
	abs, rel, err := a.resolve(filename)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return rel, fmt.Errorf("preparing log directory: %w", err)
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return rel, fmt.Errorf("opening log file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(element); err != nil {
		return rel, fmt.Errorf("appending log event: %w", err)
	}
	if _, err := io.WriteString(f, "\n"); err != nil {
		return rel, fmt.Errorf("appending log event: %w", err)
	}
	return rel, nil
}

// resolve maps a log target to its absolute location, confined to the
// document root. Relative names are rooted at the docroot; absolute ones
// must already live under it.
func (a *LogArchive) resolve(filename string) (string, string, error) {
	if !filepath.IsAbs(filename) {
		rel := path.Clean("/" + filepath.ToSlash(filename))
		return filepath.Join(a.docroot, filepath.FromSlash(rel)), rel, nil
	}
	abs := filepath.Clean(filename)
	rel, err := filepath.Rel(a.docroot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("log target %s escapes the document root", filename)
	}
	return abs, "/" + filepath.ToSlash(rel), nil
}
