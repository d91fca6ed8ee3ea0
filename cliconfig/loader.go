// Package cliconfig fills a config struct from command line flags, their
// environment variables, and a config file.
//
// Fields are bound with struct tags:
//
//	cli:"log-file"          the flag (and config file key) to read
//	normalize:"filepath"    filepath or list
//	validate:"required"     comma separated: required, file-exists, oneof=a|b
//	label:"Log file"        name used in validation errors
//
// Flags given on the command line or through their environment variable win
// over the config file, which wins over flag defaults.
//
// It is intended for internal use by deploystep only.
package cliconfig

import (
	"fmt"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/labops/deploystep/internal/osutil"
	"github.com/labops/deploystep/logger"
	"github.com/oleiade/reflections"
	"github.com/urfave/cli"
)

type Loader struct {
	// The context that is passed when using a urfave/cli action
	CLI *cli.Context

	// The struct that the config values will be loaded into
	Config any

	Logger logger.Logger

	// Paths tried in order when --config isn't given. The first that exists
	// is used.
	DefaultConfigFilePaths []string

	// The file that was used when loading this configuration
	File *File
}

// Load populates the config and returns any warnings, such as config file
// keys that don't match a flag.
func (l *Loader) Load() (warnings []string, err error) {
	if err := l.findFile(); err != nil {
		return nil, err
	}

	fields, err := reflections.FieldsDeep(l.Config)
	if err != nil {
		return nil, fmt.Errorf("listing config fields: %w", err)
	}

	known := map[string]bool{}

	for _, fieldName := range fields {
		cliName, _ := reflections.GetFieldTag(l.Config, fieldName, "cli")
		if cliName != "" {
			known[cliName] = true
			if err := l.setFieldValueFromCLI(fieldName, cliName); err != nil {
				return warnings, fmt.Errorf("setting config field %s: %w", fieldName, err)
			}
		}

		if normalization, _ := reflections.GetFieldTag(l.Config, fieldName, "normalize"); normalization != "" {
			if err := l.normalizeField(fieldName, normalization); err != nil {
				return warnings, fmt.Errorf("normalizing config field %s: %w", fieldName, err)
			}
		}

		if rules, _ := reflections.GetFieldTag(l.Config, fieldName, "validate"); rules != "" {
			label, _ := reflections.GetFieldTag(l.Config, fieldName, "label")
			if label == "" {
				label = cmpOr(cliName, fieldName)
			}
			if err := l.validateField(fieldName, label, rules); err != nil {
				return warnings, err
			}
		}
	}

	if l.File != nil {
		for _, key := range sortedKeys(l.File.Config) {
			if !known[key] && key != "config" {
				warnings = append(warnings, fmt.Sprintf("Ignoring unknown option %q in config file %s", key, l.File.Path))
			}
		}
	}

	return warnings, nil
}

// findFile picks the config file: the one named by --config, which must
// exist, or else the first default path that does.
func (l *Loader) findFile() error {
	if path := l.CLI.String("config"); path != "" {
		file := &File{Path: path}
		if !file.Exists() {
			absolutePath, _ := file.AbsolutePath()
			return fmt.Errorf("a configuration file could not be found at: %q", absolutePath)
		}
		l.File = file
	} else {
		for _, path := range l.DefaultConfigFilePaths {
			if file := (&File{Path: path}); file.Exists() {
				l.File = file
				break
			}
		}
	}

	if l.File == nil {
		return nil
	}
	if l.Logger != nil {
		l.Logger.Debug("Loading config file %s", l.File.Path)
	}
	if err := l.File.Load(); err != nil {
		return fmt.Errorf("loading config file: %w", err)
	}
	return nil
}

func (l Loader) setFieldValueFromCLI(fieldName, cliName string) error {
	fieldKind, err := reflections.GetFieldKind(l.Config, fieldName)
	if err != nil {
		return fmt.Errorf("getting the kind of struct field %q: %w", fieldName, err)
	}
	fieldType, err := reflections.GetFieldType(l.Config, fieldName)
	if err != nil {
		return fmt.Errorf("getting the type of struct field %q: %w", fieldName, err)
	}

	var value any

	if l.File != nil {
		if raw, ok := l.File.Config[cliName]; ok {
			value, err = parseFileValue(fieldKind, fieldType, raw)
			if err != nil {
				return fmt.Errorf("config file value for %q: %w", cliName, err)
			}
		}
	}

	// Flags set on the command line or in the environment beat the file,
	// and flag defaults apply when the file says nothing.
	if value == nil || l.cliValueIsSet(cliName) {
		switch fieldKind {
		case reflect.String:
			value = l.CLI.String(cliName)
		case reflect.Slice:
			value = l.CLI.StringSlice(cliName)
		case reflect.Bool:
			value = l.CLI.Bool(cliName)
		case reflect.Int:
			value = l.CLI.Int(cliName)
		case reflect.Int64:
			if fieldType != "time.Duration" {
				return fmt.Errorf("unsupported field type %s for kind int64", fieldType)
			}
			value = l.CLI.Duration(cliName)
		default:
			return fmt.Errorf("unable to handle type: %s", fieldKind)
		}
	}

	if err := reflections.SetField(l.Config, fieldName, value); err != nil {
		return fmt.Errorf("setting value field %q to %q: %w", fieldName, value, err)
	}
	return nil
}

func parseFileValue(kind reflect.Kind, typ, raw string) (any, error) {
	switch kind {
	case reflect.String:
		return raw, nil
	case reflect.Slice:
		return strings.Split(raw, ","), nil
	case reflect.Bool:
		return strconv.ParseBool(raw)
	case reflect.Int:
		return strconv.Atoi(raw)
	case reflect.Int64:
		if typ != "time.Duration" {
			return nil, fmt.Errorf("unsupported field type %s for kind int64", typ)
		}
		return time.ParseDuration(raw)
	default:
		return nil, fmt.Errorf("unable to convert string to type %s", kind)
	}
}

func (l Loader) Errorf(format string, v ...any) error {
	suffix := fmt.Sprintf(" See: `%s %s --help`", l.CLI.App.Name, l.CLI.Command.Name)

	return fmt.Errorf(format+suffix, v...)
}

// cliValueIsSet reports whether the flag was given on the command line or
// through its environment variable. cli.Context#IsSet only knows about the
// former.
func (l Loader) cliValueIsSet(cliName string) bool {
	if l.CLI.IsSet(cliName) {
		return true
	}

	for _, flag := range l.CLI.Command.Flags {
		name, _ := reflections.GetField(flag, "Name")
		envVar, _ := reflections.GetField(flag, "EnvVar")
		if name != cliName {
			continue
		}
		if envVarStr, ok := envVar.(string); ok && envVarStr != "" {
			for env := range strings.SplitSeq(envVarStr, ",") {
				if os.Getenv(strings.TrimSpace(env)) != "" {
					return true
				}
			}
		}
	}

	return false
}

func (l Loader) fieldValueIsEmpty(fieldName string) bool {
	value, _ := reflections.GetField(l.Config, fieldName)
	return value == nil || reflect.ValueOf(value).IsZero() ||
		(reflect.ValueOf(value).Kind() == reflect.Slice && reflect.ValueOf(value).Len() == 0)
}

func (l Loader) validateField(fieldName, label, validationRules string) error {
	for rule := range strings.SplitSeq(validationRules, ",") {
		value, _ := reflections.GetField(l.Config, fieldName)
		str, _ := value.(string)

		switch name, arg, _ := strings.Cut(rule, "="); name {
		case "required":
			if l.fieldValueIsEmpty(fieldName) {
				return l.Errorf("Missing %s.", label)
			}

		case "file-exists":
			if str == "" {
				continue
			}
			if _, err := os.Stat(str); err != nil {
				return fmt.Errorf("couldn't find %s located at %s: %w", label, str, err)
			}

		case "oneof":
			allowed := strings.Split(arg, "|")
			if str != "" && !slices.Contains(allowed, str) {
				return l.Errorf("Invalid %s %q, must be one of: %s.", label, str, strings.Join(allowed, ", "))
			}

		default:
			return fmt.Errorf("unknown config validation rule %q", rule)
		}
	}

	return nil
}

func (l Loader) normalizeField(fieldName, normalization string) error {
	value, _ := reflections.GetField(l.Config, fieldName)

	switch normalization {
	case "filepath":
		str, ok := value.(string)
		if !ok {
			return fmt.Errorf("filepath normalization only works on string fields")
		}
		normalized, err := osutil.NormalizeFilePath(str)
		if err != nil {
			return err
		}
		return reflections.SetField(l.Config, fieldName, normalized)

	case "list":
		list, ok := value.([]string)
		if !ok {
			return fmt.Errorf("list normalization only works on slice fields")
		}
		normalized := []string{}
		for _, v := range list {
			for item := range strings.SplitSeq(v, ",") {
				if item = strings.TrimSpace(item); item != "" {
					normalized = append(normalized, item)
				}
			}
		}
		return reflections.SetField(l.Config, fieldName, normalized)

	default:
		return fmt.Errorf("unknown normalization %q", normalization)
	}
}

func cmpOr(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
