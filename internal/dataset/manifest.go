package dataset

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/domainshift/segtrain/internal/domain"
	"github.com/domainshift/segtrain/internal/tensor"
)

// Manifest describes an on-disk dataset: fixed sample geometry plus a list
// of raw image/label file pairs per domain. Images are little-endian float32
// [C,H,W]; labels are one byte per pixel [H,W].
type Manifest struct {
	Name     string           `yaml:"name"`
	Classes  int              `yaml:"classes"`
	Channels int              `yaml:"channels"`
	Height   int              `yaml:"height"`
	Width    int              `yaml:"width"`
	Domains  []ManifestDomain `yaml:"domains"`
}

type ManifestDomain struct {
	ID      int             `yaml:"id"`
	Samples []ManifestEntry `yaml:"samples"`
}

type ManifestEntry struct {
	Image string `yaml:"image"`
	Label string `yaml:"label"`
}

// FileDataset serves samples listed in a manifest.yaml under root.
type FileDataset struct {
	root     string
	manifest *Manifest
	byDomain map[int][]ManifestEntry
}

// Open reads root/manifest.yaml and validates it.
func Open(root string) (*FileDataset, error) {
	raw, err := os.ReadFile(filepath.Join(root, "manifest.yaml"))
	if err != nil {
		return nil, fmt.Errorf("dataset: reading manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("dataset: parsing manifest: %w", err)
	}
	if m.Classes <= 0 || m.Channels <= 0 || m.Height <= 0 || m.Width <= 0 {
		return nil, domain.NewConfigError("dataset",
			"manifest %q has invalid geometry classes=%d channels=%d h=%d w=%d",
			m.Name, m.Classes, m.Channels, m.Height, m.Width)
	}
	byDomain := make(map[int][]ManifestEntry, len(m.Domains))
	for _, d := range m.Domains {
		if len(d.Samples) == 0 {
			return nil, domain.NewConfigError("dataset",
				"manifest domain %d lists no samples", d.ID)
		}
		byDomain[d.ID] = d.Samples
	}
	return &FileDataset{root: root, manifest: &m, byDomain: byDomain}, nil
}

func (fd *FileDataset) Name() string  { return fd.manifest.Name }
func (fd *FileDataset) Classes() int  { return fd.manifest.Classes }
func (fd *FileDataset) Channels() int { return fd.manifest.Channels }

func (fd *FileDataset) Domains() []int {
	ids := make([]int, 0, len(fd.byDomain))
	for _, d := range fd.manifest.Domains {
		ids = append(ids, d.ID)
	}
	return ids
}

func (fd *FileDataset) Len(domainID int) int { return len(fd.byDomain[domainID]) }

func (fd *FileDataset) Sample(ctx context.Context, domainID, index int) (*domain.Sample, error) {
	entries, ok := fd.byDomain[domainID]
	if !ok {
		return nil, domain.NewDataError("dataset", "unknown domain %d", domainID)
	}
	if index < 0 || index >= len(entries) {
		return nil, domain.NewDataError("dataset",
			"index %d out of range for domain %d (len %d)", index, domainID, len(entries))
	}
	e := entries[index]

	img, err := fd.readImage(e.Image)
	if err != nil {
		return nil, err
	}
	label, err := fd.readLabel(e.Label)
	if err != nil {
		return nil, err
	}

	s := &domain.Sample{Image: img, Label: label, DomainID: domainID}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (fd *FileDataset) readImage(rel string) (*tensor.Tensor, error) {
	raw, err := os.ReadFile(filepath.Join(fd.root, rel))
	if err != nil {
		return nil, domain.NewDataError("dataset", "reading %s: %v", rel, err)
	}
	want := fd.manifest.Channels * fd.manifest.Height * fd.manifest.Width
	if len(raw) != 4*want {
		return nil, domain.NewDataError("dataset",
			"%s: expected %d float32 values, got %d bytes", rel, want, len(raw))
	}
	data := make([]float32, want)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return tensor.FromData(data, fd.manifest.Channels, fd.manifest.Height, fd.manifest.Width)
}

func (fd *FileDataset) readLabel(rel string) (*tensor.Mask, error) {
	raw, err := os.ReadFile(filepath.Join(fd.root, rel))
	if err != nil {
		return nil, domain.NewDataError("dataset", "reading %s: %v", rel, err)
	}
	want := fd.manifest.Height * fd.manifest.Width
	if len(raw) != want {
		return nil, domain.NewDataError("dataset",
			"%s: expected %d label bytes, got %d", rel, want, len(raw))
	}
	m := tensor.NewMask(fd.manifest.Height, fd.manifest.Width)
	for i, b := range raw {
		cls := int32(b)
		if cls != domain.IgnoreIndex && cls >= int32(fd.manifest.Classes) {
			return nil, domain.NewDataError("dataset",
				"%s: class %d out of range (%d classes)", rel, cls, fd.manifest.Classes)
		}
		m.Data[i] = cls
	}
	return m, nil
}
