package cliconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"
)

type testConfig struct {
	Config string `cli:"config"`

	Script     string        `cli:"script" validate:"required"`
	Format     string        `cli:"format" validate:"oneof=text|json"`
	Gzip       bool          `cli:"gzip"`
	Attempts   int           `cli:"attempts"`
	Grace      time.Duration `cli:"grace"`
	LockFile   string        `cli:"lock-file" normalize:"filepath"`
	Tags       []string      `cli:"tag" normalize:"list"`
	NotFromCLI string
}

var testFlags = []cli.Flag{
	cli.StringFlag{Name: "config"},
	cli.StringFlag{Name: "script", EnvVar: "CLICONFIG_TEST_SCRIPT"},
	cli.StringFlag{Name: "format", Value: "text"},
	cli.BoolFlag{Name: "gzip"},
	cli.IntFlag{Name: "attempts", Value: 3},
	cli.DurationFlag{Name: "grace"},
	cli.StringFlag{Name: "lock-file"},
	cli.StringSliceFlag{Name: "tag"},
}

// load runs a command with args and loads a testConfig from it.
func load(t *testing.T, args ...string) (testConfig, []string, error) {
	t.Helper()

	var (
		cfg      testConfig
		warnings []string
		loadErr  error
	)

	app := cli.NewApp()
	app.Name = "deploystep"
	app.Commands = []cli.Command{{
		Name:  "test",
		Flags: testFlags,
		Action: func(c *cli.Context) error {
			loader := Loader{CLI: c, Config: &cfg}
			warnings, loadErr = loader.Load()
			return nil
		},
	}}

	require.NoError(t, app.Run(append([]string{"deploystep", "test"}, args...)))
	return cfg, warnings, loadErr
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deploystep.cfg")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadFromFlags(t *testing.T) {
	cfg, warnings, err := load(t, "--script", "deploy.sh", "--gzip", "--attempts", "5", "--grace", "10s", "--tag", "a,b", "--tag", " c ")
	require.NoError(t, err)
	assert.Empty(t, warnings)

	want := testConfig{
		Script:   "deploy.sh",
		Format:   "text",
		Gzip:     true,
		Attempts: 5,
		Grace:    10 * time.Second,
		Tags:     []string{"a", "b", "c"},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config diff (-want +got):\n%s", diff)
	}
}

func TestLoadFromConfigFile(t *testing.T) {
	path := writeConfig(t, `# deploystep config
script="from file.sh"   # quoted, with a comment
format: json
gzip=true
attempts=7
grace=1m
lock-file=/var/lock/deploystep.lock
tag=x,y
`)

	cfg, warnings, err := load(t, "--config", path, "--attempts", "2")
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.Equal(t, "from file.sh", cfg.Script)
	assert.Equal(t, "json", cfg.Format)
	assert.True(t, cfg.Gzip)
	assert.Equal(t, 2, cfg.Attempts, "flags beat the config file")
	assert.Equal(t, time.Minute, cfg.Grace)
	assert.Equal(t, "/var/lock/deploystep.lock", cfg.LockFile)
	assert.Equal(t, []string{"x", "y"}, cfg.Tags)
}

func TestLoadEnvBeatsConfigFile(t *testing.T) {
	path := writeConfig(t, "script=from-file.sh\n")
	t.Setenv("CLICONFIG_TEST_SCRIPT", "from-env.sh")

	cfg, _, err := load(t, "--config", path)
	require.NoError(t, err)
	assert.Equal(t, "from-env.sh", cfg.Script)
}

func TestLoadWarnsAboutUnknownKeys(t *testing.T) {
	path := writeConfig(t, "script=deploy.sh\nllamas=yes\n")

	_, warnings, err := load(t, "--config", path)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], `"llamas"`)
}

func TestLoadDefaultConfigFilePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "second.cfg")
	require.NoError(t, os.WriteFile(path, []byte("script=default.sh\n"), 0o644))

	var cfg testConfig
	app := cli.NewApp()
	app.Commands = []cli.Command{{
		Name:  "test",
		Flags: testFlags,
		Action: func(c *cli.Context) error {
			loader := Loader{
				CLI:                    c,
				Config:                 &cfg,
				DefaultConfigFilePaths: []string{filepath.Join(dir, "first.cfg"), path},
			}
			_, err := loader.Load()
			require.NoError(t, err)
			require.NotNil(t, loader.File)
			assert.Equal(t, path, loader.File.Path)
			return nil
		},
	}}
	require.NoError(t, app.Run([]string{"deploystep", "test"}))
	assert.Equal(t, "default.sh", cfg.Script)
}

func TestLoadErrors(t *testing.T) {
	for _, tc := range []struct {
		name    string
		args    []string
		wantErr string
	}{
		{
			name:    "required",
			args:    []string{},
			wantErr: "Missing script.",
		},
		{
			name:    "oneof",
			args:    []string{"--script", "x", "--format", "yaml"},
			wantErr: `Invalid format "yaml", must be one of: text, json.`,
		},
		{
			name:    "missing config file",
			args:    []string{"--config", "/does/not/exist.cfg"},
			wantErr: "a configuration file could not be found",
		},
		{
			name:    "bad config value",
			args:    []string{"--script", "x", "--config", writeConfig(t, "attempts=many\n")},
			wantErr: `config file value for "attempts"`,
		},
		{
			name:    "bad config line",
			args:    []string{"--script", "x", "--config", writeConfig(t, "script deploy.sh\n")},
			wantErr: "parsing config line 1",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := load(t, tc.args...)
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestParseLine(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		line, key, value string
	}{
		{"a=b", "a", "b"},
		{"export a = b", "a", "b"},
		{"a: b", "a", "b"},
		{`a="b # not a comment"`, "a", "b # not a comment"},
		{`a='single' # comment`, "a", "single"},
		{`a="say \"hi\""`, "a", `say "hi"`},
		{"url=s3://bucket/path", "url", "s3://bucket/path"},
		{"a=b#c", "a", "b#c"},
		{"a=", "a", ""},
	} {
		key, value, err := parseLine(tc.line)
		require.NoError(t, err, tc.line)
		assert.Equal(t, tc.key, key, tc.line)
		assert.Equal(t, tc.value, value, tc.line)
	}

	_, _, err := parseLine("=value")
	assert.Error(t, err)
}
