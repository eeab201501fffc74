package loss

// Pair links a student sample to the out-domain sample whose predictions
// act as its fixed consistency target.
type Pair struct {
	Student int
	Teacher int
}

// PairingPolicy decides which batch members are compared by the consistency
// term. The policy is injectable; LeaveOneOutPairing is the default.
type PairingPolicy interface {
	Name() string
	// Pairs maps the batch's domain ids to consistency pairs. An empty
	// result means the term is skipped for this batch.
	Pairs(domains []int) []Pair
}

// LeaveOneOutPairing pairs every sample with the next batch member from a
// different domain, giving each sample exactly one out-domain teacher.
type LeaveOneOutPairing struct{}

func (LeaveOneOutPairing) Name() string { return "leave-one-out" }

func (LeaveOneOutPairing) Pairs(domains []int) []Pair {
	var pairs []Pair
	n := len(domains)
	for i := 0; i < n; i++ {
		for off := 1; off < n; off++ {
			j := (i + off) % n
			if domains[j] != domains[i] {
				pairs = append(pairs, Pair{Student: i, Teacher: j})
				break
			}
		}
	}
	return pairs
}

// AllPairsPairing compares every sample against every out-domain member.
type AllPairsPairing struct{}

func (AllPairsPairing) Name() string { return "all-pairs" }

func (AllPairsPairing) Pairs(domains []int) []Pair {
	var pairs []Pair
	for i := range domains {
		for j := range domains {
			if i != j && domains[i] != domains[j] {
				pairs = append(pairs, Pair{Student: i, Teacher: j})
			}
		}
	}
	return pairs
}
