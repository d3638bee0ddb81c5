// Package cfg holds the process-wide configuration surface bound from
// flags and environment via cobra/pflag/viper, separate from the VDF
// rule configuration in internal/config (which describes mount-time
// derivation rules, not daemon process settings).
package cfg

// ResolvedPath is a filesystem path taken from a flag or config value.
// The decode hook stores the string as given; it does not expand a
// leading tilde or make the path absolute.
type ResolvedPath string

// LogRotateConfig controls the rotating log file lumberjack.Logger
// writes to.
type LogRotateConfig struct {
	MaxFileSizeMB   int  `mapstructure:"max-file-size-mb"`
	BackupFileCount int  `mapstructure:"backup-file-count"`
	Compress        bool `mapstructure:"compress"`
}

func DefaultLogRotateConfig() LogRotateConfig {
	return LogRotateConfig{MaxFileSizeMB: 512, BackupFileCount: 10, Compress: true}
}

// LoggingConfig is the resolved logging configuration: where to write
// (empty FilePath means stderr), at what severity, and in what format
// ("text" or "json").
type LoggingConfig struct {
	FilePath  ResolvedPath    `mapstructure:"file-path"`
	Format    string          `mapstructure:"format"`
	Severity  string          `mapstructure:"severity"`
	LogRotate LogRotateConfig `mapstructure:"log-rotate"`
}
