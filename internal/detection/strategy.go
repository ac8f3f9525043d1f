package detection

// Detector selects which face detector an Extractor should run.
type Detector string

const (
	// DetectorFast is the quick, permissive detector tried first.
	DetectorFast Detector = "tiny"
	// DetectorSecondary is slower but finds faces the fast one misses.
	DetectorSecondary Detector = "ssd"
)

const (
	StandardInputSize   = 416
	StandardMinScore    = 0.5
	PermissiveInputSize = 608
	PermissiveMinScore  = 0.3
	SecondaryMinScore   = 0.3
)

// Strategy is one detector plus its tuning.
type Strategy struct {
	Detector Detector `json:"detector"`
	// InputSize is the resolution the fast detector works at; larger is
	// slower but more accurate. Unused by the secondary detector.
	InputSize int     `json:"input_size,omitempty"`
	MinScore  float64 `json:"min_score"`
}

// Name is the label reported for detections produced by this strategy.
func (s Strategy) Name() string {
	return string(s.Detector)
}

// Mode picks the tuning of the fast detector.
type Mode int

const (
	ModeStandard Mode = iota
	// ModePermissive trades precision for recall on borderline photos.
	ModePermissive
)

// ModeFor maps the permissive toggle onto a Mode.
func ModeFor(permissive bool) Mode {
	if permissive {
		return ModePermissive
	}
	return ModeStandard
}

func (m Mode) String() string {
	if m == ModePermissive {
		return "permissive"
	}
	return "standard"
}

// Strategies returns the detectors to try, in order.
func (m Mode) Strategies() []Strategy {
	fast := Strategy{Detector: DetectorFast, InputSize: StandardInputSize, MinScore: StandardMinScore}
	if m == ModePermissive {
		fast.InputSize = PermissiveInputSize
		fast.MinScore = PermissiveMinScore
	}
	return []Strategy{
		fast,
		{Detector: DetectorSecondary, MinScore: SecondaryMinScore},
	}
}
