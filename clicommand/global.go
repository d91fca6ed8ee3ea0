package clicommand

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/labops/deploystep/cliconfig"
	"github.com/labops/deploystep/logger"
	"github.com/oleiade/reflections"
	"github.com/urfave/cli"
)

// GlobalConfig is embedded in every command's config.
type GlobalConfig struct {
	Config    string `cli:"config"`
	Debug     bool   `cli:"debug"`
	LogLevel  string `cli:"log-level" validate:"oneof=debug|info|notice|warn|error|fatal"`
	LogFormat string `cli:"log-format" validate:"oneof=text|json" label:"log format"`
	NoColor   bool   `cli:"no-color"`
}

var ConfigFlag = cli.StringFlag{
	Name:   "config",
	Value:  "",
	Usage:  "Path to a configuration file",
	EnvVar: "DEPLOYSTEP_CONFIG",
}

var DebugFlag = cli.BoolFlag{
	Name:   "debug",
	Usage:  "Enable debug mode. Synonym for `--log-level debug`. Takes precedence over `--log-level`",
	EnvVar: "DEPLOYSTEP_DEBUG",
}

var LogLevelFlag = cli.StringFlag{
	Name:   "log-level",
	Value:  "notice",
	Usage:  "Set the log level for deploystep, possible values are debug, info, notice, warn, error, fatal",
	EnvVar: "DEPLOYSTEP_LOG_LEVEL",
}

var LogFormatFlag = cli.StringFlag{
	Name:   "log-format",
	Value:  "text",
	Usage:  "The format to use for deploystep's own log lines: text or json",
	EnvVar: "DEPLOYSTEP_LOG_FORMAT",
}

var NoColorFlag = cli.BoolFlag{
	Name:   "no-color",
	Usage:  "Don't show colors in logging",
	EnvVar: "DEPLOYSTEP_NO_COLOR",
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		ConfigFlag,
		DebugFlag,
		LogLevelFlag,
		LogFormatFlag,
		NoColorFlag,
	}
}

// DefaultConfigFilePaths are where a config file is looked for when --config
// isn't given. A deploystep.cfg next to the binary comes first.
func DefaultConfigFilePaths() (paths []string) {
	if runtime.GOOS == "windows" {
		paths = []string{
			"$USERPROFILE\\AppData\\Local\\deploystep\\deploystep.cfg",
		}
	} else {
		paths = []string{
			"$HOME/.deploystep/deploystep.cfg",
			"/etc/deploystep/deploystep.cfg",
		}
	}

	pathToBinary, err := filepath.Abs(filepath.Dir(os.Args[0]))
	if err == nil {
		paths = append([]string{filepath.Join(pathToBinary, "deploystep.cfg")}, paths...)
	}

	return paths
}

// CreateLogger builds the logger described by the global options in cfg,
// which must embed GlobalConfig.
func CreateLogger(cfg any) (logger.Logger, error) {
	format, _ := reflections.GetField(cfg, "LogFormat")

	var printer logger.Printer
	switch format {
	case "json":
		printer = logger.NewJSONPrinter(os.Stderr)
	case "text", "", nil:
		textPrinter := logger.NewTextPrinter(os.Stderr)
		if noColor, err := reflections.GetField(cfg, "NoColor"); err == nil && noColor == true {
			textPrinter.Colors = false
		}
		printer = textPrinter
	default:
		return nil, fmt.Errorf("invalid log format %v, only 'text' or 'json' are allowed", format)
	}

	l := logger.NewConsoleLogger(printer, os.Exit)

	if level, err := reflections.GetField(cfg, "LogLevel"); err == nil && level != "" {
		lvl, err := logger.LevelFromString(level.(string))
		if err != nil {
			return nil, err
		}
		l.SetLevel(lvl)
	}

	// --debug beats --log-level
	if debug, err := reflections.GetField(cfg, "Debug"); err == nil && debug == true {
		l.SetLevel(logger.DEBUG)
	}

	return l, nil
}

// setupLoggerAndConfig loads the command's config and creates the logger,
// then logs any warnings from loading.
func setupLoggerAndConfig[T any](c *cli.Context) (*T, logger.Logger, error) {
	cfg := new(T)

	loader := cliconfig.Loader{
		CLI:                    c,
		Config:                 cfg,
		DefaultConfigFilePaths: DefaultConfigFilePaths(),
	}
	warnings, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}

	l, err := CreateLogger(cfg)
	if err != nil {
		return nil, nil, err
	}

	if loader.File != nil {
		l.Debug("Loaded config file %s", loader.File.Path)
	}
	for _, warning := range warnings {
		l.Warn("%s", warning)
	}

	return cfg, l, nil
}
