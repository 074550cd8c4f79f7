package cli

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	FlagUser      = "user"
	FlagConfig    = "config"
	FlagJobs      = "jobs"
	FlagQuiet     = "quiet"
	FlagLogFormat = "logformat"
	FlagLogLevel  = "loglevel"

	FormatText = "text"
	FormatJSON = "json"

	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// enumValue is a string flag restricted to a fixed set of options. The
// first option is the default.
type enumValue struct {
	options []string
	value   string
}

func newEnum(options ...string) *enumValue {
	return &enumValue{options: options, value: options[0]}
}

func (e *enumValue) String() string { return e.value }
func (e *enumValue) Type() string   { return "enum" }

func (e *enumValue) Set(v string) error {
	if !slices.Contains(e.options, v) {
		return fmt.Errorf("must be one of %s", strings.Join(e.options, "|"))
	}
	e.value = v
	return nil
}

func enumVar(flags *pflag.FlagSet, name string, options []string, usage string) {
	flags.Var(newEnum(options...), name, fmt.Sprintf("%s (%s)", usage, strings.Join(options, "|")))
}

func enumGet(flags *pflag.FlagSet, name string) (string, error) {
	f := flags.Lookup(name)
	if f == nil {
		return "", fmt.Errorf("flag %s not registered", name)
	}
	return f.Value.String(), nil
}

func registerGlobalFlags(flags *pflag.FlagSet) {
	flags.Bool(FlagUser, false, "operate on the per-user flatpak installation and per-user paths")
	flags.String(FlagConfig, "", "configuration file (default system or XDG config path)")
	flags.Int(FlagJobs, 0, "number of concurrent layer downloads (default from config)")
	flags.BoolP(FlagQuiet, "q", false, "do not render download progress")
	enumVar(flags, FlagLogFormat, []string{FormatText, FormatJSON}, "log output format")
	enumVar(flags, FlagLogLevel, []string{LevelInfo, LevelDebug, LevelWarn, LevelError}, "logging level")
}

// baseLogger builds the process logger from the logging flags. Logs always
// go to stderr so stdout stays usable for command output.
func baseLogger(cmd *cobra.Command) (*slog.Logger, error) {
	format, err := enumGet(cmd.Flags(), FlagLogFormat)
	if err != nil {
		return nil, err
	}
	levelName, err := enumGet(cmd.Flags(), FlagLogLevel)
	if err != nil {
		return nil, err
	}

	var level slog.Level
	switch levelName {
	case LevelDebug:
		level = slog.LevelDebug
	case LevelInfo:
		level = slog.LevelInfo
	case LevelWarn:
		level = slog.LevelWarn
	case LevelError:
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", levelName)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch format {
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), opts)), nil
	case FormatText:
		return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
}
