// Package crash keeps the telemetry context that was active when the process
// died and turns stored crash reports into device.crash events on the next
// start.
package crash

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itsneelabh/rumagent/core"
)

// Report is a stored crash: the stack trace plus the context metadata that
// was current when it was captured.
type Report struct {
	ID        string            `json:"id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Trace     string            `json:"trace"`
	CreatedAt time.Time         `json:"created_at"`
}

// Reporter is a crash report store with a metadata slot that is attached to
// the next report written.
type Reporter interface {
	SetMetadata(md map[string]string) error
	ReportIDs(ctx context.Context) ([]string, error)
	Report(ctx context.Context, id string) (*Report, error)
	DeleteReport(ctx context.Context, id string) error
}

const (
	metadataFile = "metadata.json"
	reportsDir   = "reports"
	reportExt    = ".json"
)

// FileReporter stores metadata and reports as JSON files under a directory.
// Every write goes to a temp file that is synced and renamed over the
// target, so a crash mid-write leaves the previous file intact.
type FileReporter struct {
	dir    string
	logger core.Logger

	mu       sync.Mutex
	metadata map[string]string
}

// NewFileReporter creates dir if needed and loads the last saved metadata.
func NewFileReporter(dir string, logger core.Logger) (*FileReporter, error) {
	if dir == "" {
		return nil, &core.AgentError{Op: "crash.NewFileReporter", Kind: "config", Message: "crash directory is empty", Err: core.ErrMissingConfiguration}
	}
	if err := os.MkdirAll(filepath.Join(dir, reportsDir), 0o700); err != nil {
		return nil, &core.AgentError{Op: "crash.NewFileReporter", Kind: "storage", Message: "failed to create crash directory", Err: errors.Join(core.ErrStorageWriteFailed, err)}
	}

	r := &FileReporter{
		dir:    dir,
		logger: core.ComponentLogger(logger, "rumagent/crash"),
	}
	if md, err := r.loadMetadata(); err == nil {
		r.metadata = md
	} else if !errors.Is(err, fs.ErrNotExist) {
		r.logger.Warn("Ignoring unreadable crash metadata", map[string]interface{}{
			"error": err,
		})
	}
	return r, nil
}

// Dir returns the reporter's directory.
func (r *FileReporter) Dir() string {
	return r.dir
}

// SetMetadata durably replaces the metadata attached to future reports.
func (r *FileReporter) SetMetadata(md map[string]string) error {
	data, err := json.Marshal(md)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := writeFileAtomic(filepath.Join(r.dir, metadataFile), data); err != nil {
		return errors.Join(core.ErrStorageWriteFailed, err)
	}
	r.metadata = copyMap(md)
	return nil
}

// Metadata returns the metadata attached to the next report.
func (r *FileReporter) Metadata() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyMap(r.metadata)
}

func (r *FileReporter) loadMetadata() (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, metadataFile))
	if err != nil {
		return nil, err
	}
	var md map[string]string
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCrashMetadataCorrupt, err)
	}
	return md, nil
}

// WriteReport stores trace with the current metadata and returns its id.
func (r *FileReporter) WriteReport(trace string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	report := Report{
		ID:        fmt.Sprintf("%d-%s", time.Now().UnixNano(), uuid.NewString()[:8]),
		Metadata:  copyMap(r.metadata),
		Trace:     trace,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(report)
	if err != nil {
		return "", err
	}
	if err := writeFileAtomic(r.reportPath(report.ID), data); err != nil {
		return "", errors.Join(core.ErrStorageWriteFailed, err)
	}
	return report.ID, nil
}

// ReportIDs lists stored reports, oldest first.
func (r *FileReporter) ReportIDs(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(r.dir, reportsDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, reportExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, reportExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// Report loads one report. Unparseable metadata is dropped so the report can
// still be emitted without context.
func (r *FileReporter) Report(ctx context.Context, id string) (*Report, error) {
	data, err := os.ReadFile(r.reportPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", core.ErrReportNotFound, id)
		}
		return nil, err
	}

	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		// Salvage the trace if only the metadata is malformed.
		var raw struct {
			ID    string `json:"id"`
			Trace string `json:"trace"`
		}
		if json.Unmarshal(data, &raw) != nil {
			return nil, fmt.Errorf("%w: report %s: %v", core.ErrCrashMetadataCorrupt, id, err)
		}
		report = Report{ID: raw.ID, Trace: raw.Trace}
	}
	if report.ID == "" {
		report.ID = id
	}
	return &report, nil
}

// DeleteReport removes a report. Deleting a missing report is not an error.
func (r *FileReporter) DeleteReport(ctx context.Context, id string) error {
	if err := os.Remove(r.reportPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (r *FileReporter) reportPath(id string) string {
	return filepath.Join(r.dir, reportsDir, filepath.Base(id)+reportExt)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
