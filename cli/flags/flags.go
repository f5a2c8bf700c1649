package flags

import (
	"strings"

	"github.com/samber/lo"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	Config    = "config"
	LogFormat = "log-format"
	LogLevel  = "log-level"
	LogSource = "log-source"
)

// Bind registers the shared flags and wires them to SLURMBRIDGE_* environment
// variables.
func Bind(flags *flag.FlagSet) {
	flags.String(Config, "/etc/slurmbridge/slurmbridge.yaml", "cluster configuration file")
	flags.String(LogFormat, "text", "log format (json, text)")
	flags.String(LogLevel, "WARN", "minimum log level")
	flags.Bool(LogSource, false, "add source code location to logs")

	viper.SetEnvPrefix("slurmbridge")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	lo.Must0(viper.BindPFlags(flags))
}
