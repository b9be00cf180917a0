package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/weenixfs/kernel/internal/kernel/klog"
)

var (
	cfgFile    string
	logFile    string
	debug      bool
	configErr  error
)

var rootCmd = &cobra.Command{
	Use:   "weenixkernel",
	Short: "Run and manage an instructional S5/VFS/VM kernel image",
	Long: `weenixkernel hosts the S5 on-disk filesystem, the VFS core, and the
virtual memory subsystem outside of any real hardware: mkfs formats a
disk image, fsck walks it for invariant violations, and run boots a
simulated process against it.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configErr != nil {
			return configErr
		}
		// Flags win over the config file; the file fills in whatever
		// was left unset.
		if logFile == "" {
			logFile = viper.GetString("log-file")
		}
		if !debug {
			debug = viper.GetBool("debug")
		}
		klog.Configure(klog.Options{FilePath: logFile, Debug: debug})
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.weenixkernel.yaml)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "rotate structured logs into this file (default: stderr only)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug-level logging")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(".weenixkernel")
		viper.AddConfigPath("$HOME")
	}
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			configErr = err
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
