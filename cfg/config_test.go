package cfg

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindFlagsAndUnmarshal(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(fs))
	require.NoError(t, fs.Parse([]string{
		"--mount-root=/data",
		"--mount-point=/mnt",
		"--log-format=text",
	}))

	var c Config
	require.NoError(t, viper.Unmarshal(&c, viper.DecodeHook(DecodeHook())))

	assert.EqualValues(t, "/data", c.Mount.MountRoot)
	assert.EqualValues(t, "/mnt", c.Mount.MountPoint)
	assert.Equal(t, "text", c.Logging.Format)
	assert.NoError(t, c.Validate())
}

func TestValidateRequiresMountRootAndPoint(t *testing.T) {
	c := Config{}
	assert.Error(t, c.Validate())

	c.Mount.MountRoot = "/data"
	assert.Error(t, c.Validate())

	c.Mount.MountPoint = "/mnt"
	assert.NoError(t, c.Validate())
}

func TestValidateRejectsBadLogFormat(t *testing.T) {
	c := Config{Mount: MountConfig{MountRoot: "/data", MountPoint: "/mnt"}, Logging: LoggingConfig{Format: "xml"}}
	assert.Error(t, c.Validate())
}
