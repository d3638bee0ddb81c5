package cfg

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the process-wide configuration surface, bound from CLI flags
// (via pflag), environment variables, and an optional config file (via
// viper), the way the teacher's cfg.Config is bound in cmd/root.go.
type Config struct {
	Mount MountConfig `mapstructure:"mount"`

	ConfigDir  ResolvedPath `mapstructure:"config-dir"`
	Foreground bool         `mapstructure:"foreground"`

	Logging LoggingConfig `mapstructure:"logging"`
}

// MountConfig names the two filesystem roles a daemon invocation relates:
// the real backing directory and the mount point VDFs are presented
// under.
type MountConfig struct {
	MountRoot  ResolvedPath `mapstructure:"mount-root"`
	MountPoint ResolvedPath `mapstructure:"mount-point"`
}

// BindFlags registers every process flag on flagSet and binds it into
// viper under the matching dotted key, mirroring the teacher's
// cfg.BindFlags.
func BindFlags(flagSet *pflag.FlagSet) error {
	bind := func(name string, key string) error {
		return viper.BindPFlag(key, flagSet.Lookup(name))
	}

	flagSet.String("config-dir", "", "Directory holding the repeatfs.conf VDF rule file.")
	if err := bind("config-dir", "config-dir"); err != nil {
		return err
	}

	flagSet.String("mount-root", "", "Real backing directory to expose.")
	if err := bind("mount-root", "mount.mount-root"); err != nil {
		return err
	}

	flagSet.String("mount-point", "", "Mount point to present VDFs under.")
	if err := bind("mount-point", "mount.mount-point"); err != nil {
		return err
	}

	flagSet.Bool("foreground", false, "Run in the foreground instead of daemonizing.")
	if err := bind("foreground", "foreground"); err != nil {
		return err
	}

	flagSet.String("log-file", "", "Path to the log file; empty logs to stderr.")
	if err := bind("log-file", "logging.file-path"); err != nil {
		return err
	}

	flagSet.String("log-format", "json", "Log format: json or text.")
	if err := bind("log-format", "logging.format"); err != nil {
		return err
	}

	flagSet.String("log-level", "INFO", "Log severity: TRACE, DEBUG, INFO, WARNING, ERROR, OFF.")
	if err := bind("log-level", "logging.severity"); err != nil {
		return err
	}

	flagSet.Int("log-rotate-size-mb", DefaultLogRotateConfig().MaxFileSizeMB, "Maximum log file size, in MB, before rotation.")
	if err := bind("log-rotate-size-mb", "logging.log-rotate.max-file-size-mb"); err != nil {
		return err
	}

	flagSet.Int("log-rotate-backups", DefaultLogRotateConfig().BackupFileCount, "Number of rotated log files to retain.")
	if err := bind("log-rotate-backups", "logging.log-rotate.backup-file-count"); err != nil {
		return err
	}

	flagSet.Bool("log-rotate-compress", DefaultLogRotateConfig().Compress, "Gzip-compress rotated log files.")
	return bind("log-rotate-compress", "logging.log-rotate.compress")
}

// Validate checks the resolved configuration for the combinations
// BindFlags alone cannot express (required values, mutually exclusive
// settings).
func (c *Config) Validate() error {
	if c.Mount.MountRoot == "" {
		return fmt.Errorf("mount-root is required")
	}
	if c.Mount.MountPoint == "" {
		return fmt.Errorf("mount-point is required")
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log-format %q: must be json or text", c.Logging.Format)
	}
	return nil
}
