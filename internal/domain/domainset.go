package domain

import "sort"

// DomainSet is the leave-one-domain-out partition for a run: train on the
// source domains, hold out the target domain for evaluation only. The
// partition is fixed for the lifetime of the run.
type DomainSet struct {
	Sources []int
	Target  int
}

// NewDomainSet validates and normalizes the partition.
func NewDomainSet(sources []int, target int) (*DomainSet, error) {
	if len(sources) == 0 {
		return nil, NewConfigError("domainset", "source domain set is empty")
	}
	seen := make(map[int]bool, len(sources))
	norm := make([]int, 0, len(sources))
	for _, d := range sources {
		if d == target {
			return nil, NewConfigError("domainset",
				"target domain %d must not appear in source domains %v", target, sources)
		}
		if seen[d] {
			continue
		}
		seen[d] = true
		norm = append(norm, d)
	}
	sort.Ints(norm)
	return &DomainSet{Sources: norm, Target: target}, nil
}

// Contains reports whether id is an active source domain.
func (ds *DomainSet) Contains(id int) bool {
	for _, d := range ds.Sources {
		if d == id {
			return true
		}
	}
	return false
}

func (ds *DomainSet) NumSources() int { return len(ds.Sources) }
