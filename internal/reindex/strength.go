package reindex

// Strength is how much work a run performs. Replies < Full.
type Strength uint8

const (
	// Replies refreshes cheap aggregate state only.
	Replies Strength = iota
	// Full recomputes everything for the node.
	Full
)

// Merge returns the stronger of a and b.
func Merge(a, b Strength) Strength {
	if a > b {
		return a
	}
	return b
}

// StrengthFor maps request options to a strength.
func StrengthFor(onlyReplies bool) Strength {
	if onlyReplies {
		return Replies
	}
	return Full
}

func (s Strength) String() string {
	switch s {
	case Replies:
		return "replies"
	case Full:
		return "full"
	default:
		return "unknown"
	}
}
