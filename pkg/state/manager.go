// Package state persists saga progress so an interrupted multi-step write can
// resume from the step after the last one that completed.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	JournalVersion    = "v1"
	MaxHistoryEntries = 50
)

// ErrNotFound is returned by Load when no record exists for a key
var ErrNotFound = errors.New("saga record not found")

// Journal defines the interface for saga progress storage
type Journal interface {
	Load(key string) (*SagaRecord, error)
	Save(rec *SagaRecord) error
	Delete(key string) error
	List() ([]*SagaRecord, error)

	Start(kind SagaKind, key string, steps []string) *SagaRecord
	CompleteStep(rec *SagaRecord, attempt int) error
	FailStep(rec *SagaRecord, attempt int, err error) error
	SkipStep(rec *SagaRecord, attempt int, err error) error
	Finish(rec *SagaRecord) error
}

// FileFormat represents the file format for journal storage
type FileFormat string

const (
	FormatYAML FileFormat = "yaml"
	FormatJSON FileFormat = "json"
)

// FileJournal implements Journal with one file per saga key
type FileJournal struct {
	dir    string
	format FileFormat
	now    func() time.Time
}

// NewFileJournal creates a journal rooted at dir, creating it if needed
func NewFileJournal(dir string, format FileFormat) (*FileJournal, error) {
	if format != FormatYAML && format != FormatJSON {
		format = FormatYAML
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	return &FileJournal{dir: dir, format: format, now: time.Now}, nil
}

// filePath maps a saga key such as "link/42/7" to a file name
func (j *FileJournal) filePath(key string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(key)
	return filepath.Join(j.dir, name+"."+string(j.format))
}

// Load reads the record stored for key
func (j *FileJournal) Load(key string) (*SagaRecord, error) {
	data, err := os.ReadFile(j.filePath(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read journal file: %w", err)
	}
	return j.parse(data)
}

func (j *FileJournal) parse(data []byte) (*SagaRecord, error) {
	var rec SagaRecord
	if j.format == FormatJSON {
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("failed to parse JSON journal file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("failed to parse YAML journal file: %w", err)
		}
	}
	if rec.Version == "" {
		rec.Version = JournalVersion
	}
	if rec.Data == nil {
		rec.Data = make(map[string]string)
	}
	return &rec, nil
}

// Save writes the record atomically
func (j *FileJournal) Save(rec *SagaRecord) error {
	if rec == nil {
		return fmt.Errorf("record cannot be nil")
	}
	if rec.Key == "" {
		return fmt.Errorf("record key cannot be empty")
	}

	rec.Version = JournalVersion
	rec.UpdatedAt = j.now()
	if len(rec.History) > MaxHistoryEntries {
		rec.History = rec.History[len(rec.History)-MaxHistoryEntries:]
	}

	var data []byte
	var err error
	if j.format == FormatJSON {
		data, err = json.MarshalIndent(rec, "", "  ")
	} else {
		data, err = yaml.Marshal(rec)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	path := j.filePath(rec.Key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp journal file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename temp journal file: %w", err)
	}
	return nil
}

// Delete removes the record for key. Missing records are not an error.
func (j *FileJournal) Delete(key string) error {
	if err := os.Remove(j.filePath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete journal file: %w", err)
	}
	return nil
}

// List returns every stored record ordered by key
func (j *FileJournal) List() ([]*SagaRecord, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal directory: %w", err)
	}

	out := make([]*SagaRecord, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != "."+string(j.format) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(j.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read journal file: %w", err)
		}
		rec, err := j.parse(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Key < out[b].Key })
	return out, nil
}

// Start creates a fresh running record. It is not saved until a step
// completes or fails.
func (j *FileJournal) Start(kind SagaKind, key string, steps []string) *SagaRecord {
	return newRecord(kind, key, steps, j.now())
}

// CompleteStep marks the next step done and saves the record
func (j *FileJournal) CompleteStep(rec *SagaRecord, attempt int) error {
	completeStep(rec, attempt, j.now())
	return j.Save(rec)
}

// FailStep records a failed attempt at the next step and saves the record
func (j *FileJournal) FailStep(rec *SagaRecord, attempt int, err error) error {
	failStep(rec, attempt, err, j.now())
	return j.Save(rec)
}

// SkipStep records that the next step failed but the saga moved past it
func (j *FileJournal) SkipStep(rec *SagaRecord, attempt int, err error) error {
	skipStep(rec, attempt, err, j.now())
	return j.Save(rec)
}

// Finish marks the record completed and saves it
func (j *FileJournal) Finish(rec *SagaRecord) error {
	rec.Status = SagaStatusCompleted
	rec.Error = ""
	return j.Save(rec)
}

func newRecord(kind SagaKind, key string, steps []string, now time.Time) *SagaRecord {
	return &SagaRecord{
		Version:       JournalVersion,
		ID:            uuid.NewString(),
		Key:           key,
		Kind:          kind,
		Steps:         append([]string(nil), steps...),
		LastCompleted: -1,
		Status:        SagaStatusRunning,
		Runs:          1,
		Data:          make(map[string]string),
		History:       make([]StepEvent, 0),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func completeStep(rec *SagaRecord, attempt int, now time.Time) {
	step := rec.Steps[rec.NextStep()]
	rec.LastCompleted++
	rec.Status = SagaStatusRunning
	rec.Error = ""
	rec.History = append(rec.History, StepEvent{Step: step, Status: StepStatusDone, Attempt: attempt, At: now})
}

func failStep(rec *SagaRecord, attempt int, err error, now time.Time) {
	step := rec.Steps[rec.NextStep()]
	rec.Status = SagaStatusFailed
	rec.Error = err.Error()
	rec.History = append(rec.History, StepEvent{Step: step, Status: StepStatusFailed, Attempt: attempt, Error: err.Error(), At: now})
}

func skipStep(rec *SagaRecord, attempt int, err error, now time.Time) {
	step := rec.Steps[rec.NextStep()]
	rec.LastCompleted++
	rec.Status = SagaStatusRunning
	rec.History = append(rec.History, StepEvent{Step: step, Status: StepStatusSkipped, Attempt: attempt, Error: err.Error(), At: now})
}
