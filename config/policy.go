package config

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/BurntSushi/toml"
	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"

	"github.com/alem-hub/progress-engine/internal/domain/level"
	"github.com/alem-hub/progress-engine/internal/domain/policy"
	"github.com/alem-hub/progress-engine/internal/domain/practice"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// POLICY FILES
// ══════════════════════════════════════════════════════════════════════════════

// LoadPolicy reads a policy from a .yaml, .yml or .toml file. A section
// present in the file replaces the built-in section; absent sections keep
// their built-in values. A file without a version gets one derived from its
// content, so equal policies share a version.
func LoadPolicy(path string) (policy.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return policy.Policy{}, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy(data, filepath.Ext(path))
}

// ParsePolicy decodes a policy document. format is a file extension.
func ParsePolicy(data []byte, format string) (policy.Policy, error) {
	p := policy.Default()
	p.Version = ""

	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "yaml", "yml":
		var sections map[string]any
		if err := yaml.Unmarshal(data, &sections); err != nil {
			return policy.Policy{}, shared.ErrInvalidPolicy.Detail("yaml: %v", err)
		}
		resetSections(&p, sections)
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
			return policy.Policy{}, shared.ErrInvalidPolicy.Detail("yaml: %v", err)
		}
	case "toml":
		var sections map[string]any
		if _, err := toml.Decode(string(data), &sections); err != nil {
			return policy.Policy{}, shared.ErrInvalidPolicy.Detail("toml: %v", err)
		}
		resetSections(&p, sections)
		md, err := toml.Decode(string(data), &p)
		if err != nil {
			return policy.Policy{}, shared.ErrInvalidPolicy.Detail("toml: %v", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			sort.Strings(keys)
			return policy.Policy{}, shared.ErrInvalidPolicy.Detail("toml: unknown keys %s", strings.Join(keys, ", "))
		}
	default:
		return policy.Policy{}, shared.ErrInvalidPolicy.Detail("unsupported policy format %q", format)
	}

	if err := ValidatePolicy(p); err != nil {
		return policy.Policy{}, err
	}
	if p.Version == "" {
		p.Version = PolicyDigest(p)
	}
	return p, nil
}

func resetSections(p *policy.Policy, sections map[string]any) {
	for name := range sections {
		switch name {
		case "xp":
			p.XP = policy.XPPolicy{}
		case "levels":
			p.Levels = nil
		case "skills":
			p.Skills = policy.SkillPolicy{}
		case "backpack":
			p.Backpack = policy.BackpackPolicy{}
		case "streak":
			p.Streak = policy.StreakPolicy{}
		case "series":
			p.Series = policy.SeriesPolicy{}
		}
	}
}

// ValidatePolicy checks the policy sections and its level table.
func ValidatePolicy(p policy.Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if _, err := level.FromPolicy(p.Levels); err != nil {
		return err
	}
	return nil
}

// PolicyDigest derives a version from the policy content, ignoring any
// version it already carries.
func PolicyDigest(p policy.Policy) string {
	p.Version = ""
	// encoding/json writes map keys sorted, which keeps the digest stable.
	canonical, err := json.Marshal(p)
	if err != nil {
		panic(fmt.Sprintf("policy is not encodable: %v", err))
	}
	sum := blake2b.Sum256(canonical)
	return "b2-" + hex.EncodeToString(sum[:8])
}

// ══════════════════════════════════════════════════════════════════════════════
// POLICY STORE
// ══════════════════════════════════════════════════════════════════════════════

// PolicyStore holds the active policy and swaps it atomically.
type PolicyStore struct {
	current atomic.Pointer[policy.Policy]
}

// NewPolicyStore creates a store serving p.
func NewPolicyStore(p policy.Policy) *PolicyStore {
	s := &PolicyStore{}
	s.current.Store(&p)
	return s
}

// Current returns the active policy.
func (s *PolicyStore) Current() policy.Policy {
	return *s.current.Load()
}

// RatingScale returns the self-rating scale of the active policy, so a
// reload that widens it applies to the next read.
func (s *PolicyStore) RatingScale() practice.Scale {
	p := s.current.Load()
	return practice.Scale{Min: p.Skills.RatingMin, Max: p.Skills.RatingMax}
}

// Version returns the active policy version.
func (s *PolicyStore) Version() string {
	return s.current.Load().Version
}

// Swap installs p and returns the policy it replaced.
func (s *PolicyStore) Swap(p policy.Policy) policy.Policy {
	return *s.current.Swap(&p)
}

// LoadPolicyStore builds a store from path, or from the built-in policy when
// path is empty.
func LoadPolicyStore(path string) (*PolicyStore, error) {
	if path == "" {
		return NewPolicyStore(policy.Default()), nil
	}
	p, err := LoadPolicy(path)
	if err != nil {
		return nil, err
	}
	return NewPolicyStore(p), nil
}
