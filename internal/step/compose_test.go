package step

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/labops/deploystep/internal/params"
	"github.com/stretchr/testify/assert"
)

func TestComposeDefaults(t *testing.T) {
	t.Parallel()

	got := Compose(params.Defaults, DefaultFixedConfig()).ToSlice()

	want := []string{
		"SERVER_FILE=server_pci_map.txt",
		"SSH_KEY=/var/lib/jenkins/.ssh/jenkins_key",
		"CS_SCRIPT=scripts/cs_config.sh",
		"NEW_BUILD_PATH=/home/labadmin/6.3.0/EA3",
		"NEW_VERSION=6.3.0_EA3",
		"DEPLOYMENT_TYPE=Medium",
		"HOST_USER=root",
		"CS_STAGE_TIMEOUT_MIN=60",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Compose diff (-want +got):\n%s", diff)
	}
}

func TestComposeLowTierSetsCapacity(t *testing.T) {
	t.Parallel()

	p, err := params.Build(map[string]string{"tier": "low"})
	assert.NoError(t, err)

	e := Compose(p, DefaultFixedConfig())
	v, ok := e.Get("CAPACITY_SETUP")
	assert.True(t, ok)
	assert.Equal(t, "LOW", v)

	for _, tier := range []string{"Medium", "High"} {
		p, err := params.Build(map[string]string{"tier": tier})
		assert.NoError(t, err)
		assert.False(t, Compose(p, DefaultFixedConfig()).Exists("CAPACITY_SETUP"), tier)
	}
}

func TestComposeParametersOverrideFixed(t *testing.T) {
	t.Parallel()

	fixed := FixedConfig{
		ServerFile: "servers.txt",
		SSHKey:     "/tmp/key",
		Script:     "run.sh",
		Extra: map[string]string{
			"ZONE":        "lab-2",
			"HOST_USER":   "nobody",
			"ANSIBLE_CFG": "/etc/ansible.cfg",
		},
	}
	p, err := params.Build(map[string]string{"user": "admin"})
	assert.NoError(t, err)

	got := Compose(p, fixed).ToSlice()

	want := []string{
		"SERVER_FILE=servers.txt",
		"SSH_KEY=/tmp/key",
		"CS_SCRIPT=run.sh",
		"ANSIBLE_CFG=/etc/ansible.cfg",
		"HOST_USER=admin",
		"ZONE=lab-2",
		"NEW_BUILD_PATH=/home/labadmin/6.3.0/EA3",
		"NEW_VERSION=6.3.0_EA3",
		"DEPLOYMENT_TYPE=Medium",
		"CS_STAGE_TIMEOUT_MIN=60",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Compose diff (-want +got):\n%s", diff)
	}
}

func TestComposeExtraCannotReplaceFixed(t *testing.T) {
	t.Parallel()

	fixed := DefaultFixedConfig()
	fixed.Extra = map[string]string{
		KeyScript:     "other.sh",
		KeySSHKey:     "/tmp/other_key",
		KeyServerFile: "other_servers.txt",
		"ZONE":        "lab-2",
	}

	got := Compose(params.Defaults, fixed)

	for key, want := range map[string]string{
		KeyScript:     fixed.Script,
		KeySSHKey:     fixed.SSHKey,
		KeyServerFile: fixed.ServerFile,
		"ZONE":        "lab-2",
	} {
		v, _ := got.Get(key)
		assert.Equal(t, want, v, key)
	}
}
