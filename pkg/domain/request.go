package domain

// CapabilityTier is the caller-declared tier of backend capability a request
// needs.
type CapabilityTier string

const (
	TierStandard CapabilityTier = "standard"
	TierAdvanced CapabilityTier = "advanced"
	TierRealtime CapabilityTier = "realtime"
)

// SizeClass is the caller-declared payload size class.
type SizeClass string

const (
	SizeSmall  SizeClass = "small"
	SizeMedium SizeClass = "medium"
	SizeLarge  SizeClass = "large"
)

// Priority is the caller-declared scheduling priority.
type Priority string

const (
	PriorityInteractive Priority = "interactive"
	PriorityStandard    Priority = "standard"
	PriorityBatch       Priority = "batch"
)

// Request is the declared descriptor a caller submits for routing.
// Classification is a pure function of these attributes alone; health and
// budget state never influence which profile a request maps to.
type Request struct {
	// Tenant identifies the calling workload. It is carried through for audit
	// and metrics and plays no part in classification.
	Tenant string `json:"tenant,omitempty" yaml:"tenant,omitempty"`

	Tier     CapabilityTier `json:"tier" yaml:"tier"`
	Size     SizeClass      `json:"size" yaml:"size"`
	Priority Priority       `json:"priority" yaml:"priority"`
}
