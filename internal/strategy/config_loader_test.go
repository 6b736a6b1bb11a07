package strategy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadProfilesMergesDefaults(t *testing.T) {
	path := writeYAML(t, `
defaults:
  discount_pct: 0.003
strategies:
  - name: pullback
    timeout_minutes: 20
    tp_multiplier: 1.4
  - name: breakout
    default_price_mode: 0
`)
	p, err := LoadProfiles(path, 45*time.Minute)
	require.NoError(t, err)

	pull := p.Get("pullback")
	assert.Equal(t, 20*time.Minute, pull.Timeout())
	assert.Equal(t, 1.4, pull.TPMultiplier)
	assert.Equal(t, 0.003, pull.DiscountPct)
	assert.Nil(t, pull.DefaultPriceMode)

	brk := p.Get("breakout")
	assert.Equal(t, 45*time.Minute, brk.Timeout())
	require.NotNil(t, brk.DefaultPriceMode)
	assert.Equal(t, 0, *brk.DefaultPriceMode)

	other := p.Get("unlisted")
	assert.Equal(t, "default", other.Name)
	assert.Zero(t, other.TPMultiplier)
	assert.ElementsMatch(t, []string{"pullback", "breakout"}, p.Names())
}

func TestLoadProfilesMissingFileUsesDefaults(t *testing.T) {
	p, err := LoadProfiles(filepath.Join(t.TempDir(), "absent.yaml"), 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, p.Get("x").Timeout())
	assert.Equal(t, DefaultDiscountPct, p.Get("x").DiscountPct)
}

func TestLoadProfilesRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"unknown field":  "strategies:\n  - name: a\n    take_profit: 2\n",
		"missing name":   "strategies:\n  - timeout_minutes: 5\n",
		"duplicate":      "strategies:\n  - name: a\n  - name: a\n",
		"bad mode":       "strategies:\n  - name: a\n    default_price_mode: 7\n",
		"bad discount":   "defaults:\n  discount_pct: 1.5\n",
		"negative multi": "strategies:\n  - name: a\n    tp_multiplier: -1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadProfiles(writeYAML(t, body), 45*time.Minute)
			assert.Error(t, err)
		})
	}
}
