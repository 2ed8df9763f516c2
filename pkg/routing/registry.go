package routing

import (
	"fmt"
	"sort"
	"time"

	"github.com/routisai/routis-oss/pkg/domain"
)

// Classifier maps a request descriptor to a profile name. Implementations
// must be pure, total and deterministic over the request's declared
// attributes: identical inputs always classify identically, and health or
// budget state is never consulted. Returning the empty name means no rule
// matched; the registry then falls back to its default profile.
type Classifier func(domain.Request) domain.ProfileName

// Registry holds the set of known routing profiles and owns classification.
// It is read-only after construction.
type Registry struct {
	profiles       map[domain.ProfileName]domain.RoutingProfile
	order          []domain.ProfileName
	defaultProfile domain.ProfileName
	classify       Classifier
}

// RegistryOption configures a Registry at construction time.
type RegistryOption func(*Registry)

// WithClassifier replaces the built-in classification rules. The supplied
// function must obey the Classifier contract.
func WithClassifier(c Classifier) RegistryOption {
	return func(r *Registry) {
		if c != nil {
			r.classify = c
		}
	}
}

// NewRegistry builds a registry from the given profiles. Construction fails
// with ErrInvalidProfile when any profile violates its invariants or a name
// repeats, and with ErrConfigInvalid when the default profile is not among
// the registered ones.
func NewRegistry(profiles []domain.RoutingProfile, defaultProfile domain.ProfileName, opts ...RegistryOption) (*Registry, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("%w: at least one profile is required", domain.ErrConfigInvalid)
	}

	r := &Registry{
		profiles:       make(map[domain.ProfileName]domain.RoutingProfile, len(profiles)),
		order:          make([]domain.ProfileName, 0, len(profiles)),
		defaultProfile: defaultProfile,
		classify:       DefaultClassifier,
	}

	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.profiles[p.Name]; dup {
			return nil, fmt.Errorf("%w: profile %q registered twice", domain.ErrInvalidProfile, p.Name)
		}
		r.profiles[p.Name] = p
		r.order = append(r.order, p.Name)
	}

	if _, ok := r.profiles[defaultProfile]; !ok {
		return nil, fmt.Errorf("%w: default profile %q is not registered", domain.ErrConfigInvalid, defaultProfile)
	}

	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Lookup returns the profile registered under the given name.
func (r *Registry) Lookup(name domain.ProfileName) (domain.RoutingProfile, error) {
	p, ok := r.profiles[name]
	if !ok {
		return domain.RoutingProfile{}, fmt.Errorf("%w: %q", domain.ErrUnknownProfile, name)
	}
	return p, nil
}

// Classify maps a request to exactly one registered profile. Requests the
// classifier does not match, or maps to an unregistered name, classify to the
// default profile.
func (r *Registry) Classify(req domain.Request) domain.ProfileName {
	name := r.classify(req)
	if name == "" {
		return r.defaultProfile
	}
	if _, ok := r.profiles[name]; !ok {
		return r.defaultProfile
	}
	return name
}

// DefaultProfile returns the configured fallback profile name.
func (r *Registry) DefaultProfile() domain.ProfileName {
	return r.defaultProfile
}

// Profiles returns all registered profiles sorted by name.
func (r *Registry) Profiles() []domain.RoutingProfile {
	out := make([]domain.RoutingProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DefaultClassifier implements the built-in classification rules. Rules are
// evaluated in a fixed order over declared attributes only, so the function
// is pure and total by construction.
func DefaultClassifier(req domain.Request) domain.ProfileName {
	switch {
	case req.Tier == domain.TierRealtime:
		return domain.ProfileFastPath
	case req.Tier == domain.TierAdvanced:
		return domain.ProfileQuality
	case req.Size == domain.SizeLarge:
		return domain.ProfileQuality
	case req.Priority == domain.PriorityBatch:
		return domain.ProfileFallback
	case req.Priority == domain.PriorityInteractive && req.Size == domain.SizeSmall:
		return domain.ProfileFastPath
	default:
		return "" // no rule matched, registry falls back to its default
	}
}

// DefaultProfiles builds the canonical built-in profile set. Deployments
// normally replace it from configuration; the set is mainly useful for tests
// and local development.
func DefaultProfiles() []domain.RoutingProfile {
	return []domain.RoutingProfile{
		{
			Name:       domain.ProfileFastPath,
			Candidates: []string{"edge-a", "edge-b"},
			Mode:       domain.SelectStrictPriority,
			Retry: domain.RetryPolicy{
				MaxAttempts: 2,
				Backoff:     []time.Duration{100 * time.Millisecond},
				Retryable: map[domain.ErrorClass]bool{
					domain.ErrorClassTimeout:     true,
					domain.ErrorClassUnavailable: true,
				},
			},
		},
		{
			Name:       domain.ProfileBalanced,
			Candidates: []string{"core-a", "core-b", "edge-a"},
			Mode:       domain.SelectLeastLoaded,
			Retry: domain.RetryPolicy{
				MaxAttempts: 3,
				Backoff:     []time.Duration{250 * time.Millisecond, time.Second},
				Retryable: map[domain.ErrorClass]bool{
					domain.ErrorClassTimeout:     true,
					domain.ErrorClassUnavailable: true,
					domain.ErrorClassRateLimited: true,
				},
			},
		},
		{
			Name:       domain.ProfileQuality,
			Candidates: []string{"premium-a", "core-a"},
			Mode:       domain.SelectStrictPriority,
			Retry: domain.RetryPolicy{
				MaxAttempts: 2,
				Backoff:     []time.Duration{500 * time.Millisecond},
				Retryable: map[domain.ErrorClass]bool{
					domain.ErrorClassTimeout:     true,
					domain.ErrorClassUnavailable: true,
				},
			},
		},
		{
			Name:       domain.ProfileFallback,
			Candidates: []string{"economy-a"},
			Mode:       domain.SelectStrictPriority,
			Retry:      domain.RetryPolicy{MaxAttempts: 1},
		},
	}
}

// NewDefaultRegistry builds a registry over the canonical built-in set with
// balanced as the default profile.
func NewDefaultRegistry(opts ...RegistryOption) (*Registry, error) {
	return NewRegistry(DefaultProfiles(), domain.ProfileBalanced, opts...)
}
