package domain

// Sensitivity classifies what kind of data an operation touches.
type Sensitivity string

const (
	SensitivityPublic       Sensitivity = "public"
	SensitivityInternal     Sensitivity = "internal"
	SensitivityConfidential Sensitivity = "confidential"
	SensitivityPersonal     Sensitivity = "personal"
)

var sensitivityRanks = map[Sensitivity]int{
	SensitivityPublic:       1,
	SensitivityInternal:     2,
	SensitivityConfidential: 3,
	SensitivityPersonal:     4,
}

func (s Sensitivity) Rank() int {
	return sensitivityRanks[s]
}

// Max returns the more sensitive of s and other.
func (s Sensitivity) Max(other Sensitivity) Sensitivity {
	if other.Rank() > s.Rank() {
		return other
	}
	return s
}

// QueryFingerprint is the structural identity of an operation: the same
// shape with different literal values fingerprints identically, which is
// what makes pattern aggregation over time possible.
type QueryFingerprint struct {
	NormalizedText       string
	Hash                 string
	ReferencedTables     []string
	JoinCount            int
	Sensitivity          Sensitivity
	RequiresTenantFilter bool
}
