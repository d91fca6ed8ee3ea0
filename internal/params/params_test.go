package params

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDefaults(t *testing.T) {
	t.Parallel()

	for _, in := range []map[string]string{nil, {}, {"NEW_VERSION": "", "tier": "   "}} {
		got, err := Build(in)
		require.NoError(t, err)
		if diff := cmp.Diff(Defaults, got); diff != "" {
			t.Errorf("Build(%v) diff (-want +got):\n%s", in, diff)
		}
	}
}

func TestBuildScenarioA(t *testing.T) {
	t.Parallel()

	got, err := Build(map[string]string{
		"build_path": "/x",
		"version":    "1.2.3_RC1",
		"tier":       "Low",
		"user":       "admin",
		"timeout":    "5",
	})
	require.NoError(t, err)

	want := ParameterSet{
		BuildPath:      "/x",
		Version:        "1.2.3_RC1",
		Tier:           TierLow,
		HostUser:       "admin",
		TimeoutMinutes: 5,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Build diff (-want +got):\n%s", diff)
	}
	assert.Equal(t, "LOW", got.CapacityMode())
	assert.Equal(t, 5*time.Minute, got.Timeout())
}

func TestBuildParameterNameBeatsAlias(t *testing.T) {
	t.Parallel()

	got, err := Build(map[string]string{
		"HOST_USER": "deployer",
		"user":      "admin",
	})
	require.NoError(t, err)
	assert.Equal(t, "deployer", got.HostUser)
}

func TestBuildIgnoresUnknownKeys(t *testing.T) {
	t.Parallel()

	got, err := Build(map[string]string{"LLAMAS": "yes", "SSH_KEY": "/nope"})
	require.NoError(t, err)
	assert.Equal(t, Defaults, got)
}

func TestBuildTierIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Tier{
		"low":    TierLow,
		"MEDIUM": TierMedium,
		" High ": TierHigh,
	} {
		got, err := Build(map[string]string{"DEPLOYMENT_TYPE": in})
		require.NoError(t, err, in)
		assert.Equal(t, want, got.Tier, in)
	}
}

func TestBuildInvalidParameters(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name  string
		in    map[string]string
		field string
	}{
		{"unknown tier", map[string]string{"tier": "Huge"}, KeyDeploymentType},
		{"non-numeric timeout", map[string]string{"timeout": "soon"}, KeyTimeoutMinutes},
		{"fractional timeout", map[string]string{"CS_STAGE_TIMEOUT_MIN": "1.5"}, KeyTimeoutMinutes},
		{"zero timeout", map[string]string{"timeout": "0"}, KeyTimeoutMinutes},
		{"negative timeout", map[string]string{"timeout": "-10"}, KeyTimeoutMinutes},
		{"overflowing timeout", map[string]string{"timeout": "999999999999999"}, KeyTimeoutMinutes},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := Build(tc.in)
			var perr *InvalidParameterError
			require.True(t, errors.As(err, &perr), "Build(%v) error = %v, want *InvalidParameterError", tc.in, err)
			assert.Equal(t, tc.field, perr.Field)
		})
	}
}

func TestBuildIsTotalAndIdempotent(t *testing.T) {
	t.Parallel()

	values := map[string][]string{
		"build_path": {"", "/opt/build"},
		"version":    {"", "7.0.0_GA"},
		"tier":       {"", "Low", "medium", "HIGH"},
		"user":       {"", "admin"},
		"timeout":    {"", "1", "90"},
	}

	// every combination of present/absent/blank inputs
	inputs := []map[string]string{{}}
	for key, vals := range values {
		var next []map[string]string
		for _, in := range inputs {
			for _, v := range vals {
				c := make(map[string]string, len(in)+1)
				for k, x := range in {
					c[k] = x
				}
				if v != "" {
					c[key] = v
				}
				next = append(next, c)
			}
		}
		inputs = next
	}

	for _, in := range inputs {
		first, err := Build(in)
		require.NoError(t, err, in)

		assert.NotEmpty(t, first.BuildPath, in)
		assert.NotEmpty(t, first.Version, in)
		assert.NotEmpty(t, first.HostUser, in)
		assert.True(t, first.Tier.Valid(), in)
		assert.Positive(t, first.TimeoutMinutes, in)

		second, err := Build(in)
		require.NoError(t, err, in)
		assert.Equal(t, first, second, in)

		if first.Tier == TierLow {
			assert.Equal(t, CapacityLow, first.CapacityMode(), in)
		} else {
			assert.Empty(t, first.CapacityMode(), in)
		}
	}
}

func TestAlias(t *testing.T) {
	t.Parallel()

	key, ok := Alias("tier")
	assert.True(t, ok)
	assert.Equal(t, KeyDeploymentType, key)

	_, ok = Alias("DEPLOYMENT_TYPE")
	assert.False(t, ok)
}

func TestItems(t *testing.T) {
	t.Parallel()

	want := []Item{
		{Name: "NEW_BUILD_PATH", Value: "/home/labadmin/6.3.0/EA3"},
		{Name: "NEW_VERSION", Value: "6.3.0_EA3"},
		{Name: "DEPLOYMENT_TYPE", Value: "Medium"},
		{Name: "HOST_USER", Value: "root"},
		{Name: "CS_STAGE_TIMEOUT_MIN", Value: strconv.Itoa(60)},
	}
	if diff := cmp.Diff(want, Defaults.Items()); diff != "" {
		t.Errorf("Defaults.Items() diff (-want +got):\n%s", diff)
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "params.yml")
	err := os.WriteFile(path, []byte("NEW_BUILD_PATH: /home/labadmin/6.3.1/GA\nversion: 6.3\ntier: Low\ntimeout: 30\nuser: ~\n"), 0o600)
	require.NoError(t, err)

	in, err := LoadFile(path)
	require.NoError(t, err)

	want := map[string]string{
		"NEW_BUILD_PATH": "/home/labadmin/6.3.1/GA",
		"version":        "6.3",
		"tier":           "Low",
		"timeout":        "30",
	}
	if diff := cmp.Diff(want, in); diff != "" {
		t.Errorf("LoadFile diff (-want +got):\n%s", diff)
	}

	p, err := Build(in)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, p.Timeout())
	assert.Equal(t, "root", p.HostUser)
}

func TestLoadFileErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, err := LoadFile(filepath.Join(dir, "missing.yml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	list := filepath.Join(dir, "list.yml")
	require.NoError(t, os.WriteFile(list, []byte("- a\n- b\n"), 0o600))
	_, err = LoadFile(list)
	assert.ErrorContains(t, err, "expected a mapping")

	nested := filepath.Join(dir, "nested.yml")
	require.NoError(t, os.WriteFile(nested, []byte("tier:\n  name: Low\n"), 0o600))
	_, err = LoadFile(nested)
	assert.ErrorContains(t, err, `value for "tier" must be a scalar`)

	empty := filepath.Join(dir, "empty.yml")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	in, err := LoadFile(empty)
	require.NoError(t, err)
	assert.Empty(t, in)
}
