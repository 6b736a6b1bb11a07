package strategy

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var log = logrus.WithField("component", "strategy")

// DefaultDiscountPct is the discount applied in price mode 3 when a profile
// does not set one.
const DefaultDiscountPct = 0.002

// Profile is the per-strategy tuning an instruction picks up by name.
type Profile struct {
	Name             string  `yaml:"name"`
	TimeoutMinutes   int     `yaml:"timeout_minutes"`
	TPMultiplier     float64 `yaml:"tp_multiplier"`
	DiscountPct      float64 `yaml:"discount_pct"`
	DefaultPriceMode *int    `yaml:"default_price_mode"`
}

// Timeout is how long an ENTRY of this strategy may stay unfilled.
func (p Profile) Timeout() time.Duration {
	return time.Duration(p.TimeoutMinutes) * time.Minute
}

// ConfigFile represents the top-level YAML structure.
type ConfigFile struct {
	Defaults   Profile   `yaml:"defaults"`
	Strategies []Profile `yaml:"strategies"`
}

// Profiles resolves strategy names to profiles. Unknown names get the
// defaults.
type Profiles struct {
	defaults Profile
	byName   map[string]Profile
}

// DefaultProfiles returns a set with only defaults, using timeout for every
// strategy.
func DefaultProfiles(timeout time.Duration) *Profiles {
	return &Profiles{
		defaults: Profile{
			Name:           "default",
			TimeoutMinutes: int(timeout / time.Minute),
			DiscountPct:    DefaultDiscountPct,
		},
		byName: make(map[string]Profile),
	}
}

// LoadProfiles reads strategy profiles from a YAML file. A missing file is not
// an error: the defaults apply.
func LoadProfiles(path string, timeout time.Duration) (*Profiles, error) {
	p := DefaultProfiles(timeout)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.WithField("path", path).Warn("strategy profile file not found, using defaults")
		return p, nil
	}
	if err != nil {
		return nil, err
	}
	if err := p.parse(data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.WithFields(logrus.Fields{"path": path, "strategies": len(p.byName)}).Info("strategy profiles loaded")
	return p, nil
}

func (p *Profiles) parse(data []byte) error {
	var file ConfigFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return err
	}

	p.defaults = p.merge(p.defaults, file.Defaults)
	if err := validate(p.defaults); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	for _, s := range file.Strategies {
		if s.Name == "" {
			return fmt.Errorf("strategy entry without name")
		}
		if _, dup := p.byName[s.Name]; dup {
			return fmt.Errorf("strategy %q listed twice", s.Name)
		}
		merged := p.merge(p.defaults, s)
		if err := validate(merged); err != nil {
			return fmt.Errorf("strategy %q: %w", s.Name, err)
		}
		p.byName[s.Name] = merged
	}
	return nil
}

// merge overlays the non-zero fields of over onto base.
func (p *Profiles) merge(base, over Profile) Profile {
	if over.Name != "" {
		base.Name = over.Name
	}
	if over.TimeoutMinutes != 0 {
		base.TimeoutMinutes = over.TimeoutMinutes
	}
	if over.TPMultiplier != 0 {
		base.TPMultiplier = over.TPMultiplier
	}
	if over.DiscountPct != 0 {
		base.DiscountPct = over.DiscountPct
	}
	if over.DefaultPriceMode != nil {
		mode := *over.DefaultPriceMode
		base.DefaultPriceMode = &mode
	}
	return base
}

func validate(p Profile) error {
	if p.TimeoutMinutes <= 0 {
		return fmt.Errorf("timeout_minutes must be positive")
	}
	if p.TPMultiplier < 0 {
		return fmt.Errorf("tp_multiplier must not be negative")
	}
	if p.DiscountPct < 0 || p.DiscountPct >= 1 {
		return fmt.Errorf("discount_pct must be in [0, 1)")
	}
	if p.DefaultPriceMode != nil && (*p.DefaultPriceMode < 0 || *p.DefaultPriceMode > 3) {
		return fmt.Errorf("default_price_mode must be 0-3")
	}
	return nil
}

// Get returns the profile for name.
func (p *Profiles) Get(name string) Profile {
	if prof, ok := p.byName[name]; ok {
		return prof
	}
	return p.defaults
}

// Names lists configured strategies.
func (p *Profiles) Names() []string {
	out := make([]string, 0, len(p.byName))
	for name := range p.byName {
		out = append(out, name)
	}
	return out
}
