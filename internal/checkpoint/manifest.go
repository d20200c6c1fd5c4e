package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/an0mium/chemdata/internal/domain"
	"github.com/an0mium/chemdata/internal/table"
)

// ManifestVersion 当前清单格式版本
const ManifestVersion = 1

const manifestFile = "manifest.json"

// Format 步骤数据的存储格式
type Format string

const (
	// FormatTable 表格数据，以版本化 JSON Lines 存储，列定义同时记录在清单中
	FormatTable Format = "table"
	// FormatJSON 任意可 JSON 序列化的数据，以版本化信封存储
	FormatJSON Format = "json"
)

// Record 单个步骤的检查点记录。
type Record struct {
	Step      string `json:"step"`
	Completed bool   `json:"completed"`
	// DataFile 相对检查点目录的数据文件路径
	DataFile string         `json:"data_file,omitempty"`
	Format   Format         `json:"format,omitempty"`
	Schema   []table.Column `json:"schema,omitempty"`
	Rows     int            `json:"rows,omitempty"`
	// Checksum 数据文件的 SHA-256
	Checksum  string         `json:"sha256,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (r *Record) clone() *Record {
	c := *r
	c.Schema = append([]table.Column(nil), r.Schema...)
	c.Metadata = copyMetadata(r.Metadata)
	return &c
}

type manifest struct {
	Version   int                `json:"version"`
	UpdatedAt time.Time          `json:"updated_at"`
	Steps     map[string]*Record `json:"steps"`
}

func newManifest() *manifest {
	return &manifest{Version: ManifestVersion, Steps: make(map[string]*Record)}
}

func loadManifest(dir string) (*manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return newManifest(), nil
		}
		return nil, fmt.Errorf("%w: read manifest: %v", domain.ErrCheckpointIO, err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w: parse manifest: %v", domain.ErrCheckpointIO, domain.ErrCheckpointCorrupt, err)
	}
	if m.Version != ManifestVersion {
		return nil, fmt.Errorf("%w: manifest version %d: %w", domain.ErrCheckpointIO, m.Version, domain.ErrUnsupportedVersion)
	}
	if m.Steps == nil {
		m.Steps = make(map[string]*Record)
	}
	return &m, nil
}

func (m *manifest) save(dir string, now time.Time) error {
	m.UpdatedAt = now
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode manifest: %v", domain.ErrCheckpointIO, err)
	}
	err = writeAtomic(filepath.Join(dir, manifestFile), func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: write manifest: %v", domain.ErrCheckpointIO, err)
	}
	return nil
}

func copyMetadata(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
