package domain

import (
	"reflect"
	"testing"
)

func TestNewDomainSet(t *testing.T) {
	tests := []struct {
		name    string
		sources []int
		target  int
		want    []int
		wantErr bool
	}{
		{name: "valid", sources: []int{3, 1, 2}, target: 0, want: []int{1, 2, 3}},
		{name: "dedupes", sources: []int{2, 1, 2, 1}, target: 5, want: []int{1, 2}},
		{name: "empty sources", sources: nil, target: 0, wantErr: true},
		{name: "target in sources", sources: []int{0, 1, 2}, target: 0, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, err := NewDomainSet(tt.sources, tt.target)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !IsConfigError(err) {
					t.Fatalf("expected config error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if !reflect.DeepEqual(set.Sources, tt.want) {
				t.Fatalf("expected sources %v, got %v", tt.want, set.Sources)
			}
			if set.Target != tt.target {
				t.Fatalf("expected target %d, got %d", tt.target, set.Target)
			}
		})
	}
}

func TestDomainSet_Contains(t *testing.T) {
	set, err := NewDomainSet([]int{1, 2, 3}, 0)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !set.Contains(2) {
		t.Fatal("expected source domain 2 to be contained")
	}
	if set.Contains(0) {
		t.Fatal("target domain must not be contained")
	}
}
