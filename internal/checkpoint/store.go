// Package checkpoint 实现可恢复的多步骤作业检查点存储。
//
// 目录布局：
//
//	<dir>/manifest.json             清单（版本、每个步骤的记录）
//	<dir>/data/<step>/<seq>.jsonl   表格步骤数据（JSON Lines，首行为版本与列定义）
//	<dir>/data/<step>/<seq>.json    其他步骤数据（版本化 JSON 信封）
//
// 保存时先原子写入数据文件，再原子写入清单；清单只会引用已经完整落盘的数据文件。
package checkpoint

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/an0mium/chemdata/internal/domain"
	"github.com/an0mium/chemdata/internal/keylock"
	"github.com/an0mium/chemdata/internal/metrics"
	"github.com/an0mium/chemdata/internal/table"
)

// EnvelopeVersion JSON 数据信封的格式版本
const EnvelopeVersion = 1

const dataDir = "data"

var stepNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// envelope 非表格步骤数据的持久化格式
type envelope struct {
	Version int             `json:"version"`
	Step    string          `json:"step"`
	SavedAt time.Time       `json:"saved_at"`
	Data    json.RawMessage `json:"data"`
}

// StepData 已加载的步骤数据。
type StepData struct {
	Step   string
	Format Format
	// Table 表格步骤的数据，其他格式为 nil
	Table *table.Table
	// Raw 非表格步骤的原始 JSON
	Raw json.RawMessage
}

// Decode 把非表格步骤数据解码到 v。
func (d *StepData) Decode(v any) error {
	if d.Format != FormatJSON {
		return fmt.Errorf("step %s holds %s data", d.Step, d.Format)
	}
	if err := json.Unmarshal(d.Raw, v); err != nil {
		return fmt.Errorf("%w: decode step %s: %v", domain.ErrCheckpointCorrupt, d.Step, err)
	}
	return nil
}

// Store 检查点存储。
// 同一步骤的读写由步骤锁串行化，清单修改由存储级互斥锁保护。
type Store struct {
	dir     string
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	steps *keylock.Locker

	mu       sync.RWMutex
	manifest *manifest
	loaded   map[string]*StepData
}

// Option 存储配置项
type Option func(*Store)

// WithMetrics 设置指标采集器。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open 打开（必要时创建）检查点目录并加载清单。
//
// 参数：
//   - dir: 检查点目录
//   - logger: 日志记录器，nil 时丢弃日志
//   - opts: 可选配置
//
// 返回值：
//   - *Store: 检查点存储
//   - error: 目录不可用或清单损坏时返回，包装 domain.ErrCheckpointIO
func Open(dir string, logger *logrus.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create checkpoint dir: %v", domain.ErrCheckpointIO, err)
	}
	m, err := loadManifest(dir)
	if err != nil {
		return nil, err
	}

	s := &Store{
		dir:      dir,
		logger:   logger,
		now:      time.Now,
		steps:    keylock.New(),
		manifest: m,
		loaded:   make(map[string]*StepData),
	}
	for _, opt := range opts {
		opt(s)
	}

	logger.WithFields(logrus.Fields{
		"dir":   dir,
		"steps": len(m.Steps),
	}).Info("Checkpoint store opened")
	return s, nil
}

// Dir 返回检查点目录。
func (s *Store) Dir() string {
	return s.dir
}

// IsStepCompleted 判断步骤是否已完成。
func (s *Store) IsStepCompleted(step string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.manifest.Steps[step]
	return ok && rec.Completed
}

// SaveCheckpoint 保存步骤数据并标记步骤完成。
// *table.Table 以 JSON Lines 保存，其他值以 JSON 信封保存；metadata 会替换该步骤原有的元数据。
func (s *Store) SaveCheckpoint(ctx context.Context, step string, data any, metadata map[string]any) error {
	if err := validateStep(step); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.steps.Lock(step)
	defer unlock()

	start := s.now()
	err := s.save(step, data, metadata)
	s.metrics.RecordCheckpointSave(step, err == nil, float64(s.now().Sub(start).Milliseconds()))
	if err != nil {
		s.logger.WithError(err).WithField("step", step).Error("Failed to save checkpoint")
		return err
	}
	return nil
}

func (s *Store) save(step string, data any, metadata map[string]any) error {
	now := s.now().UTC()
	rec := &Record{
		Step:      step,
		Completed: true,
		Metadata:  copyMetadata(metadata),
		UpdatedAt: now,
	}
	seq := strconv.FormatInt(now.UnixNano(), 10)
	loaded := &StepData{Step: step}

	h := sha256.New()
	var write func(w io.Writer) error
	switch v := data.(type) {
	case *table.Table:
		rec.Format = FormatTable
		rec.Schema = append([]table.Column(nil), v.Columns...)
		rec.Rows = v.Len()
		rec.DataFile = filepath.Join(dataDir, step, seq+".jsonl")
		write = func(w io.Writer) error {
			return table.WriteRows(io.MultiWriter(w, h), v)
		}
		loaded.Format = FormatTable
		loaded.Table = v.Clone()
	default:
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("%w: encode step %s: %v", domain.ErrCheckpointIO, step, err)
		}
		payload, err := json.Marshal(envelope{Version: EnvelopeVersion, Step: step, SavedAt: now, Data: raw})
		if err != nil {
			return fmt.Errorf("%w: encode step %s: %v", domain.ErrCheckpointIO, step, err)
		}
		rec.Format = FormatJSON
		rec.DataFile = filepath.Join(dataDir, step, seq+".json")
		write = func(w io.Writer) error {
			_, err := io.MultiWriter(w, h).Write(payload)
			return err
		}
		loaded.Format = FormatJSON
		loaded.Raw = raw
	}

	if err := writeAtomic(filepath.Join(s.dir, rec.DataFile), write); err != nil {
		return fmt.Errorf("%w: write step %s: %v", domain.ErrCheckpointIO, step, err)
	}
	rec.Checksum = hex.EncodeToString(h.Sum(nil))

	s.mu.Lock()
	prev := s.manifest.Steps[step]
	s.manifest.Steps[step] = rec
	if err := s.manifest.save(s.dir, now); err != nil {
		if prev != nil {
			s.manifest.Steps[step] = prev
		} else {
			delete(s.manifest.Steps, step)
		}
		s.mu.Unlock()
		if prev == nil || prev.DataFile != rec.DataFile {
			_ = os.Remove(filepath.Join(s.dir, rec.DataFile))
		}
		return err
	}
	s.loaded[step] = loaded
	s.mu.Unlock()

	if prev != nil && prev.DataFile != "" && prev.DataFile != rec.DataFile {
		_ = os.Remove(filepath.Join(s.dir, prev.DataFile))
	}

	s.logger.WithFields(logrus.Fields{
		"step":   step,
		"format": rec.Format,
		"rows":   rec.Rows,
	}).Info("Checkpoint saved")
	return nil
}

// LoadStepData 加载已完成步骤的数据。
//
// 返回值：
//   - *StepData: 步骤数据，首次加载后在内存中复用
//   - bool: 步骤未完成时为 false
//   - error: 数据文件缺失、校验和不符或无法解析时返回
func (s *Store) LoadStepData(ctx context.Context, step string) (*StepData, bool, error) {
	if err := validateStep(step); err != nil {
		return nil, false, err
	}
	unlock := s.steps.Lock(step)
	defer unlock()

	s.mu.RLock()
	rec, ok := s.manifest.Steps[step]
	if ok {
		rec = rec.clone()
	}
	cached := s.loaded[step]
	s.mu.RUnlock()

	if !ok || !rec.Completed || rec.DataFile == "" {
		return nil, false, nil
	}
	if cached != nil {
		return cached, true, nil
	}

	data, err := s.read(ctx, rec)
	if err != nil {
		s.logger.WithError(err).WithField("step", step).Error("Failed to load checkpoint")
		return nil, false, err
	}

	s.mu.Lock()
	s.loaded[step] = data
	s.mu.Unlock()

	s.logger.WithField("step", step).Debug("Checkpoint loaded")
	return data, true, nil
}

func (s *Store) read(ctx context.Context, rec *Record) (*StepData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(s.dir, rec.DataFile))
	if err != nil {
		return nil, fmt.Errorf("%w: read step %s: %v", domain.ErrCheckpointIO, rec.Step, err)
	}
	sum := sha256.Sum256(raw)
	if rec.Checksum != "" && hex.EncodeToString(sum[:]) != rec.Checksum {
		return nil, fmt.Errorf("%w: %w: step %s checksum mismatch", domain.ErrCheckpointIO, domain.ErrCheckpointCorrupt, rec.Step)
	}

	switch rec.Format {
	case FormatTable:
		t, err := table.ReadRows(bytes.NewReader(raw))
		if err != nil {
			if errors.Is(err, domain.ErrUnsupportedVersion) {
				return nil, fmt.Errorf("%w: step %s: %w", domain.ErrCheckpointIO, rec.Step, err)
			}
			return nil, fmt.Errorf("%w: %w: step %s: %v", domain.ErrCheckpointIO, domain.ErrCheckpointCorrupt, rec.Step, err)
		}
		if !sameSchema(t.Columns, rec.Schema) {
			return nil, fmt.Errorf("%w: %w: step %s columns differ from manifest", domain.ErrCheckpointIO, domain.ErrCheckpointCorrupt, rec.Step)
		}
		if t.Len() != rec.Rows {
			return nil, fmt.Errorf("%w: %w: step %s has %d rows, manifest records %d", domain.ErrCheckpointIO, domain.ErrCheckpointCorrupt, rec.Step, t.Len(), rec.Rows)
		}
		return &StepData{Step: rec.Step, Format: FormatTable, Table: t}, nil
	case FormatJSON:
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("%w: %w: step %s: %v", domain.ErrCheckpointIO, domain.ErrCheckpointCorrupt, rec.Step, err)
		}
		if env.Version != EnvelopeVersion {
			return nil, fmt.Errorf("%w: step %s envelope version %d: %w", domain.ErrCheckpointIO, rec.Step, env.Version, domain.ErrUnsupportedVersion)
		}
		return &StepData{Step: rec.Step, Format: FormatJSON, Raw: env.Data}, nil
	default:
		return nil, fmt.Errorf("%w: step %s format %q: %w", domain.ErrCheckpointIO, rec.Step, rec.Format, domain.ErrUnsupportedVersion)
	}
}

func sameSchema(a, b []table.Column) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ClearCheckpoints 删除指定步骤的检查点，steps 为空时删除全部。
func (s *Store) ClearCheckpoints(steps []string) error {
	for _, step := range steps {
		if err := validateStep(step); err != nil {
			return err
		}
	}
	if len(steps) == 0 {
		steps = s.stepNames()
		entries, _ := os.ReadDir(filepath.Join(s.dir, dataDir))
		for _, e := range entries {
			if e.IsDir() && stepNamePattern.MatchString(e.Name()) {
				steps = append(steps, e.Name())
			}
		}
	}
	steps = dedupe(steps)

	for _, step := range steps {
		unlock := s.steps.Lock(step)
		defer unlock()
	}

	s.mu.Lock()
	removed := make(map[string]*Record, len(steps))
	for _, step := range steps {
		if rec, ok := s.manifest.Steps[step]; ok {
			removed[step] = rec
			delete(s.manifest.Steps, step)
		}
		delete(s.loaded, step)
	}
	if err := s.manifest.save(s.dir, s.now().UTC()); err != nil {
		for step, rec := range removed {
			s.manifest.Steps[step] = rec
		}
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	var errs []error
	for _, step := range steps {
		if err := os.RemoveAll(filepath.Join(s.dir, dataDir, step)); err != nil {
			errs = append(errs, fmt.Errorf("%w: remove step %s: %v", domain.ErrCheckpointIO, step, err))
		}
	}

	s.logger.WithField("steps", steps).Info("Checkpoints cleared")
	return errors.Join(errs...)
}

// GetStepMetadata 返回步骤元数据的副本。
func (s *Store) GetStepMetadata(step string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.manifest.Steps[step]
	if !ok {
		return nil, false
	}
	md := copyMetadata(rec.Metadata)
	if md == nil {
		md = map[string]any{}
	}
	return md, true
}

// UpdateMetadata 合并步骤元数据并持久化清单。步骤不存在时创建一条未完成的记录。
func (s *Store) UpdateMetadata(step string, metadata map[string]any) error {
	if err := validateStep(step); err != nil {
		return err
	}
	unlock := s.steps.Lock(step)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	prev := s.manifest.Steps[step]
	var rec *Record
	if prev != nil {
		rec = prev.clone()
	} else {
		rec = &Record{Step: step}
	}
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]any, len(metadata))
	}
	for k, v := range metadata {
		rec.Metadata[k] = v
	}
	rec.UpdatedAt = now

	s.manifest.Steps[step] = rec
	if err := s.manifest.save(s.dir, now); err != nil {
		if prev != nil {
			s.manifest.Steps[step] = prev
		} else {
			delete(s.manifest.Steps, step)
		}
		return err
	}
	return nil
}

// Records 返回按步骤名排序的全部记录副本。
func (s *Store) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.manifest.Steps))
	for _, rec := range s.manifest.Steps {
		out = append(out, *rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out
}

func (s *Store) stepNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.manifest.Steps))
	for name := range s.manifest.Steps {
		names = append(names, name)
	}
	return names
}

func validateStep(step string) error {
	if !stepNamePattern.MatchString(step) || step == "." || step == ".." {
		return fmt.Errorf("%w: %w: %q", domain.ErrValidation, domain.ErrInvalidStepName, step)
	}
	return nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
