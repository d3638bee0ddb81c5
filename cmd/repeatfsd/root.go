package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/repeatfs/repeatfs/cfg"
	vdfconfig "github.com/repeatfs/repeatfs/internal/config"
	"github.com/repeatfs/repeatfs/internal/logger"
	"github.com/repeatfs/repeatfs/internal/service"
)

var (
	cfgFile      string
	bindErr      error
	mountConfig  cfg.Config
	unmarshalErr error
)

var rootCmd = &cobra.Command{
	Use:   "repeatfsd",
	Short: "Mount a RepeatFS overlay and capture process-IO provenance.",
}

var mountCmd = &cobra.Command{
	Use:   "mount",
	Short: "Mount the overlay and run until a control-endpoint shutdown.",
	RunE:  runMount,
}

var generateConfigCmd = &cobra.Command{
	Use:   "generate-config",
	Short: "Write a commented repeatfs.conf template to --config-dir.",
	RunE:  runGenerateConfig,
}

func init() {
	cobra.OnInitialize(initViperConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML file overriding process flag defaults.")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(generateConfigCmd)
}

func initViperConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		viper.SetConfigType("yaml")
		if err := viper.ReadInConfig(); err != nil {
			unmarshalErr = fmt.Errorf("reading config file: %w", err)
			return
		}
	}
	unmarshalErr = viper.Unmarshal(&mountConfig, viper.DecodeHook(cfg.DecodeHook()))
}

func loadMountConfig() (*cfg.Config, error) {
	if bindErr != nil {
		return nil, bindErr
	}
	if unmarshalErr != nil {
		return nil, unmarshalErr
	}
	if err := mountConfig.Validate(); err != nil {
		return nil, err
	}
	return &mountConfig, nil
}

func runGenerateConfig(cmd *cobra.Command, args []string) error {
	c, err := loadMountConfig()
	if err != nil {
		return err
	}
	dir := string(c.ConfigDir)
	if dir == "" {
		return fmt.Errorf("--config-dir is required")
	}
	if err := vdfconfig.WriteTemplate(dir); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "wrote %s\n", vdfconfig.FilePath(dir))
	return nil
}

func runMount(cmd *cobra.Command, args []string) error {
	c, err := loadMountConfig()
	if err != nil {
		return err
	}

	if c.Logging.FilePath != "" {
		if err := logger.InitLogFile(c.Logging); err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
	}

	logger.Infof("starting with mount-root=%s mount-point=%s", c.Mount.MountRoot, c.Mount.MountPoint)

	vdfCfg, err := vdfconfig.Load(string(c.ConfigDir))
	if err != nil {
		return fmt.Errorf("loading VDF rule config: %w", err)
	}

	svc, err := service.New(vdfCfg, service.Options{
		MountRoot:  string(c.Mount.MountRoot),
		MountPoint: string(c.Mount.MountPoint),
		CacheDir:   filepath.Join(vdfCfg.Global.CachePath, "provenance"),
	}, logger.Logger())
	if err != nil {
		return fmt.Errorf("assembling service: %w", err)
	}
	defer svc.Close()

	logger.Infof("mounted; waiting for shutdown")
	<-svc.Done()
	logger.Infof("shutdown complete")
	return nil
}
