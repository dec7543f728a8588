/*
Copyright © 2024 hit.zhangjie@gmail.com

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/hitzhangjie/ecsdump/pkg/log"
)

var (
	cfgFile string

	// logger 在PersistentPreRunE中初始化，所有子命令共用
	logger   = zap.NewNop()
	closeLog = func() {}
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ecsdump",
	Short: "dump the live state of a bevy_ecs game",
	Long: `ecsdump attaches to a running game built on bevy_ecs, hooks Schedule::run and
writes the resources, archetypes, schedule graph and systems of the world to disk
after selected schedule runs.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, closeFn, err := log.New(log.Options{
			Level: viper.GetString("log-level"),
			JSON:  viper.GetBool("log-json"),
			Addr:  viper.GetString("log-addr"),
		})
		if err != nil {
			return err
		}
		logger, closeLog = l, closeFn
		if f := viper.ConfigFileUsed(); f != "" {
			logger.Debug("using config file", zap.String("file", f))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeLog()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		closeLog()
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.ecsdump.yaml)")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.Bool("log-json", false, "emit JSON log lines")
	pf.String("log-addr", "", "send log lines to this TCP address, see `ecsdump listen`")
	bindFlags(pf.Lookup("log-level"), pf.Lookup("log-json"), pf.Lookup("log-addr"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := homedir.Dir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		// Search config in home directory with name ".ecsdump" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigName(".ecsdump")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("ECSDUMP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}
