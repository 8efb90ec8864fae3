// Package checkpoint implements the training engine's checkpoint manager
//: versioned agent-state artifacts with retention policies and a
// best-performance pointer, grounded on the lifecycle of
// internal/regression.Orchestrator's per-batch stats files — a
// deterministically named artifact written once per unit of work, then
// read back or pruned by a retention rule.
package checkpoint

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"github.com/lox/chesstrain/internal/agent"
	"github.com/lox/chesstrain/internal/fileutil"
	"github.com/lox/chesstrain/internal/seed"
)

// ValidationStatus classifies whether a checkpoint's artifact has been
// confirmed loadable.
type ValidationStatus int

const (
	Pending ValidationStatus = iota
	Valid
	Invalid
	Skipped
)

func (s ValidationStatus) String() string {
	switch s {
	case Valid:
		return "VALID"
	case Invalid:
		return "INVALID"
	case Skipped:
		return "SKIPPED"
	default:
		return "PENDING"
	}
}

// ErrCheckpointInvalid is returned by Load when the caller requested
// validation and the artifact failed to load cleanly.
var ErrCheckpointInvalid = errors.New("checkpoint: invalid artifact")

// CheckpointError wraps a checkpoint operation failure with its cause,
// preserving the underlying error in a chain rather than discarding it.
type CheckpointError struct {
	Op      string
	Version int
	Cause   error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint: %s v%d: %v", e.Op, e.Version, e.Cause)
}

func (e *CheckpointError) Unwrap() error { return e.Cause }

// Metadata is the descriptive payload attached to every checkpoint record.
type Metadata struct {
	Cycle                 int            `json:"cycle"`
	Performance           float64        `json:"performance"`
	Description           string         `json:"description"`
	IsBest                bool           `json:"is_best"`
	SeedConfiguration     seed.Config    `json:"seed_configuration"`
	TrainingConfiguration map[string]any `json:"training_configuration"`
	AdditionalInfo        map[string]any `json:"additional_info,omitempty"`
}

// Record is the persisted description of one checkpoint, independent of
// the agent-state artifact it points at.
type Record struct {
	Version          int              `json:"version"`
	Path             string           `json:"path"`
	Metadata         Metadata         `json:"metadata"`
	CreationTime     time.Time        `json:"creation_time"`
	FileSize         int64            `json:"file_size"`
	ValidationStatus ValidationStatus `json:"validation_status"`
}

// LoadResult reports the outcome of Load.
type LoadResult struct {
	Record Record
	Loaded bool
	Err    error
}

// Comparison is the result of comparing two checkpoint versions.
type Comparison struct {
	Delta          float64
	DeltaPercent   float64
	BetterVersion  int
	Recommendation string
}

// Summary is a compact overview of the manager's current state.
type Summary struct {
	Count       int
	BestVersion int
	Versions    []int
	TotalBytes  int64
}

// RetentionPolicy configures cleanup_by_retention.
type RetentionPolicy struct {
	KeepBest  bool
	KeepLast  int
	KeepEvery int
}

// Manager persists agent artifacts under Dir and tracks their Records.
// Single-threaded: it is called only from the Orchestrator thread.
type Manager struct {
	dir         string
	maxVersions int
	clock       quartz.Clock
	logger      zerolog.Logger

	records []Record
	best    *Record
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxVersions caps the number of retained checkpoints; create
// enforces it by deleting the lowest-performance records first.
func WithMaxVersions(n int) Option {
	return func(m *Manager) { m.maxVersions = n }
}

// WithClock overrides the manager's time source, for deterministic tests.
func WithClock(c quartz.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger attaches a structured logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// New constructs a Manager rooted at dir. dir is created if absent.
func New(dir string, opts ...Option) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create dir: %w", err)
	}
	m := &Manager{
		dir:         dir,
		maxVersions: 20,
		clock:       quartz.NewReal(),
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func artifactPath(dir string, version, cycle int, ts time.Time, ext string) string {
	return filepath.Join(dir, fmt.Sprintf("checkpoint_v%d_c%d_%d%s", version, cycle, ts.Unix(), ext))
}

// Create persists agent's state, writes a parallel model-only artifact,
// and updates the best pointer and retention set.
func (m *Manager) Create(a agent.Agent, version int, meta Metadata) (Record, error) {
	now := m.clock.Now()
	primaryPath := artifactPath(m.dir, version, meta.Cycle, now, ".json.gz")
	qnetPath := artifactPath(m.dir, version, meta.Cycle, now, "_qnet.json")

	if err := m.saveCompressed(a, primaryPath); err != nil {
		return Record{}, &CheckpointError{Op: "create", Version: version, Cause: err}
	}
	if err := a.Save(qnetPath); err != nil {
		m.logger.Warn().Err(err).Int("version", version).Msg("model-only artifact save failed")
	}

	info, err := os.Stat(primaryPath)
	var size int64
	if err == nil {
		size = info.Size()
	}

	status := Pending
	if err := m.validateArtifact(primaryPath); err != nil {
		status = Invalid
	} else {
		status = Valid
	}

	rec := Record{
		Version:          version,
		Path:             primaryPath,
		Metadata:         meta,
		CreationTime:     now,
		FileSize:         size,
		ValidationStatus: status,
	}

	m.records = append(m.records, rec)
	m.sortByVersion()

	if meta.IsBest || m.best == nil || rec.Metadata.Performance > m.best.Metadata.Performance {
		m.markBest(rec.Version)
	}

	m.enforceMaxVersions()

	return rec, nil
}

func (m *Manager) markBest(version int) {
	for i := range m.records {
		m.records[i].Metadata.IsBest = m.records[i].Version == version
		if m.records[i].Version == version {
			m.best = &m.records[i]
		}
	}
}

// saveCompressed asks the agent to save its uncompressed state to a
// scratch path, then gzips that file into dst. The Kernel/Agent
// collaborator only knows about plain paths; compression is the
// checkpoint manager's own concern.
func (m *Manager) saveCompressed(a agent.Agent, dst string) error {
	scratch := dst + ".tmp"
	if err := a.Save(scratch); err != nil {
		return err
	}
	defer os.Remove(scratch)

	raw, err := os.ReadFile(scratch)
	if err != nil {
		return err
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	if _, err := gz.Write(raw); err != nil {
		return err
	}
	return gz.Close()
}

// loadCompressed decompresses src to a scratch path and asks the agent to
// load from it.
func (m *Manager) loadCompressed(a agent.Agent, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return err
	}

	scratch := src + ".load.tmp"
	if err := os.WriteFile(scratch, raw, 0o644); err != nil {
		return err
	}
	defer os.Remove(scratch)

	return a.Load(scratch)
}

func (m *Manager) validateArtifact(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()
	return nil
}

func (m *Manager) enforceMaxVersions() {
	if m.maxVersions <= 0 || len(m.records) <= m.maxVersions {
		return
	}
	excess := len(m.records) - m.maxVersions
	byPerf := append([]Record(nil), m.records...)
	sort.Slice(byPerf, func(i, j int) bool {
		return byPerf[i].Metadata.Performance < byPerf[j].Metadata.Performance
	})
	toDelete := make(map[int]bool)
	for i := 0; i < excess; i++ {
		if byPerf[i].Metadata.IsBest {
			continue
		}
		toDelete[byPerf[i].Version] = true
	}
	for v := range toDelete {
		_ = m.Delete(v)
	}
}

// Load loads version's artifact into a, preferring the model-only
// artifact, falling back to the primary.
func (m *Manager) Load(version int, a agent.Agent, requireValid bool) LoadResult {
	rec, ok := m.Get(version)
	if !ok {
		return LoadResult{Err: &CheckpointError{Op: "load", Version: version, Cause: errors.New("not found")}}
	}

	if requireValid && rec.ValidationStatus == Invalid {
		return LoadResult{Record: rec, Err: fmt.Errorf("%w: version %d", ErrCheckpointInvalid, version)}
	}

	qnetPath := pathWithSuffix(rec.Path, "_qnet.json")
	loadErr := a.Load(qnetPath)
	if loadErr != nil {
		loadErr = m.loadCompressed(a, rec.Path)
	}
	if loadErr != nil {
		return LoadResult{Record: rec, Err: &CheckpointError{Op: "load", Version: version, Cause: loadErr}}
	}
	return LoadResult{Record: rec, Loaded: true}
}

func pathWithSuffix(primary, suffix string) string {
	ext := filepath.Ext(primary)
	base := primary[:len(primary)-len(ext)]
	if filepath.Ext(base) == ".json" {
		base = base[:len(base)-len(".json")]
	}
	return base + suffix
}

// Best returns the currently-elected best record, or false if none exist.
func (m *Manager) Best() (Record, bool) {
	if m.best == nil {
		return Record{}, false
	}
	return *m.best, true
}

// Get returns the record for version.
func (m *Manager) Get(version int) (Record, bool) {
	for _, r := range m.records {
		if r.Version == version {
			return r, true
		}
	}
	return Record{}, false
}

// List returns all records sorted by version ascending.
func (m *Manager) List() []Record {
	out := append([]Record(nil), m.records...)
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

func (m *Manager) sortByVersion() {
	sort.Slice(m.records, func(i, j int) bool { return m.records[i].Version < m.records[j].Version })
}

// Compare reports the performance delta between two versions.
func (m *Manager) Compare(v1, v2 int) (Comparison, error) {
	r1, ok1 := m.Get(v1)
	r2, ok2 := m.Get(v2)
	if !ok1 || !ok2 {
		return Comparison{}, fmt.Errorf("checkpoint: compare: version not found")
	}
	delta := r2.Metadata.Performance - r1.Metadata.Performance
	deltaPct := 0.0
	if r1.Metadata.Performance != 0 {
		deltaPct = delta / absFloat(r1.Metadata.Performance) * 100
	}
	better := v1
	if r2.Metadata.Performance > r1.Metadata.Performance {
		better = v2
	}
	return Comparison{
		Delta:          delta,
		DeltaPercent:   deltaPct,
		BetterVersion:  better,
		Recommendation: recommendationFor(deltaPct),
	}, nil
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// recommendationFor buckets a Δ% into a fixed 6-level recommendation
// using thresholds {-5, -1, 1, 5, 10}.
func recommendationFor(deltaPct float64) string {
	switch {
	case deltaPct <= -5:
		return "significant regression, consider reverting"
	case deltaPct <= -1:
		return "minor regression, monitor closely"
	case deltaPct < 1:
		return "no meaningful change"
	case deltaPct < 5:
		return "minor improvement"
	case deltaPct < 10:
		return "solid improvement, consider as new baseline"
	default:
		return "major improvement, promote immediately"
	}
}

// Delete removes version's artifacts and record, re-electing best if
// necessary.
func (m *Manager) Delete(version int) bool {
	idx := -1
	for i, r := range m.records {
		if r.Version == version {
			idx = i
			break
		}
	}
	if idx == -1 {
		return false
	}
	rec := m.records[idx]
	_ = os.Remove(rec.Path)
	_ = os.Remove(pathWithSuffix(rec.Path, "_qnet.json"))

	hadBest := m.best != nil
	bestVersion := 0
	if hadBest {
		bestVersion = m.best.Version
	}
	m.records = append(m.records[:idx], m.records[idx+1:]...)

	if hadBest && bestVersion == version {
		m.reelectBest()
	} else if hadBest {
		// Removal shifts later records down one slot; re-point best at
		// its record's new position.
		m.markBest(bestVersion)
	}
	return true
}

func (m *Manager) reelectBest() {
	m.best = nil
	for i := range m.records {
		if m.best == nil || m.records[i].Metadata.Performance > m.best.Metadata.Performance {
			m.best = &m.records[i]
		}
	}
	if m.best != nil {
		m.markBest(m.best.Version)
	}
}

// Summary returns a compact overview of the manager's current records.
func (m *Manager) Summary() Summary {
	s := Summary{Count: len(m.records), BestVersion: -1}
	for _, r := range m.records {
		s.Versions = append(s.Versions, r.Version)
		s.TotalBytes += r.FileSize
	}
	if m.best != nil {
		s.BestVersion = m.best.Version
	}
	return s
}

// CleanupAuto applies the manager's built-in retention, the same pruning
// Create runs: the lowest-performance records over maxVersions are
// deleted, except the best, which is never deleted (so one record more
// than maxVersions remains when the best is among the lowest).
func (m *Manager) CleanupAuto() {
	m.enforceMaxVersions()
}

// SaveIndex persists the manager's record list (not the agent artifacts
// themselves) as JSON, so a restart can rediscover existing checkpoints
// without rescanning the directory.
func (m *Manager) SaveIndex(path string) error {
	data, err := json.MarshalIndent(m.records, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal index: %w", err)
	}
	return fileutil.WriteFileAtomic(path, data, 0o644)
}

// LoadIndex restores the manager's record list from a prior SaveIndex
// and re-elects the best pointer.
func (m *Manager) LoadIndex(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("checkpoint: read index: %w", err)
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("checkpoint: unmarshal index: %w", err)
	}
	m.records = records
	m.sortByVersion()
	m.reelectBest()
	return nil
}

// CleanupByRetention keeps exactly {best? } ∪ last N ∪ {v : v mod M = 0}
// and deletes the rest.
func (m *Manager) CleanupByRetention(policy RetentionPolicy) {
	keep := make(map[int]bool)
	sorted := m.List()

	if policy.KeepBest {
		if best, ok := m.Best(); ok {
			keep[best.Version] = true
		}
	}
	if policy.KeepLast > 0 {
		n := policy.KeepLast
		if n > len(sorted) {
			n = len(sorted)
		}
		for _, r := range sorted[len(sorted)-n:] {
			keep[r.Version] = true
		}
	}
	if policy.KeepEvery > 0 {
		for _, r := range sorted {
			if r.Version%policy.KeepEvery == 0 {
				keep[r.Version] = true
			}
		}
	}

	for _, r := range sorted {
		if !keep[r.Version] {
			m.Delete(r.Version)
		}
	}
}
