package dataset

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/domainshift/segtrain/internal/domain"
)

func writeTestDataset(t *testing.T, labelByte byte) string {
	t.Helper()
	root := t.TempDir()

	manifest := `name: tinyset
classes: 2
channels: 1
height: 2
width: 2
domains:
  - id: 1
    samples:
      - image: d1_0.img
        label: d1_0.lbl
  - id: 2
    samples:
      - image: d2_0.img
        label: d2_0.lbl
`
	if err := os.WriteFile(filepath.Join(root, "manifest.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}

	img := make([]byte, 4*4)
	for i, v := range []float32{0.1, 0.2, 0.3, 0.4} {
		binary.LittleEndian.PutUint32(img[4*i:], math.Float32bits(v))
	}
	label := []byte{0, 1, labelByte, 0}
	for _, name := range []string{"d1_0", "d2_0"} {
		if err := os.WriteFile(filepath.Join(root, name+".img"), img, 0o644); err != nil {
			t.Fatalf("writing image: %v", err)
		}
		if err := os.WriteFile(filepath.Join(root, name+".lbl"), label, 0o644); err != nil {
			t.Fatalf("writing label: %v", err)
		}
	}
	return root
}

func TestOpen_AndSample(t *testing.T) {
	root := writeTestDataset(t, 1)
	fd, err := Open(root)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if fd.Name() != "tinyset" || fd.Classes() != 2 || fd.Channels() != 1 {
		t.Fatalf("manifest fields misread: %q %d %d", fd.Name(), fd.Classes(), fd.Channels())
	}
	if got := fd.Len(1); got != 1 {
		t.Fatalf("expected 1 sample in domain 1, got %d", got)
	}

	s, err := fd.Sample(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if s.DomainID != 1 {
		t.Fatalf("expected domain 1, got %d", s.DomainID)
	}
	if s.Image.Data[3] != 0.4 {
		t.Fatalf("image decoded wrong: %v", s.Image.Data)
	}
	if s.Label.Data[1] != 1 {
		t.Fatalf("label decoded wrong: %v", s.Label.Data)
	}
}

func TestSample_IgnoreIndexAllowed(t *testing.T) {
	root := writeTestDataset(t, domain.IgnoreIndex)
	fd, err := Open(root)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	s, err := fd.Sample(context.Background(), 2, 0)
	if err != nil {
		t.Fatalf("ignore-index labels must be accepted, got %v", err)
	}
	if s.Label.Data[2] != domain.IgnoreIndex {
		t.Fatalf("expected ignore index, got %d", s.Label.Data[2])
	}
}

func TestSample_RejectsOutOfRangeClass(t *testing.T) {
	root := writeTestDataset(t, 7)
	fd, err := Open(root)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	_, err = fd.Sample(context.Background(), 1, 0)
	if !domain.IsDataError(err) {
		t.Fatalf("expected data error for class 7, got %v", err)
	}
}

func TestSample_UnknownDomainAndIndex(t *testing.T) {
	root := writeTestDataset(t, 0)
	fd, err := Open(root)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := fd.Sample(context.Background(), 9, 0); !domain.IsDataError(err) {
		t.Fatalf("expected data error for unknown domain, got %v", err)
	}
	if _, err := fd.Sample(context.Background(), 1, 5); !domain.IsDataError(err) {
		t.Fatalf("expected data error for bad index, got %v", err)
	}
}

func TestOpen_RejectsBadGeometry(t *testing.T) {
	root := t.TempDir()
	manifest := "name: broken\nclasses: 0\nchannels: 1\nheight: 2\nwidth: 2\ndomains: []\n"
	if err := os.WriteFile(filepath.Join(root, "manifest.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}
	if _, err := Open(root); !domain.IsConfigError(err) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestSynthetic_LabelsWithinRange(t *testing.T) {
	ds := NewSynthetic([]int{0, 1}, 3, 2, 8, 8, 2, 13)
	for _, id := range []int{0, 1} {
		if ds.Len(id) != 3 {
			t.Fatalf("expected 3 samples for domain %d, got %d", id, ds.Len(id))
		}
		for i := 0; i < 3; i++ {
			s, err := ds.Sample(context.Background(), id, i)
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if err := s.Validate(); err != nil {
				t.Fatalf("sample invalid: %v", err)
			}
			for _, cls := range s.Label.Data {
				if cls < 0 || cls >= 2 {
					t.Fatalf("label class %d out of range", cls)
				}
			}
		}
	}
}
