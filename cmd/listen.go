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
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hitzhangjie/ecsdump/pkg/log"
)

// listenCmd represents the listen command
var listenCmd = &cobra.Command{
	Use:     "listen",
	Short:   "接收--log-addr发来的日志并输出到stdout",
	Long:    `在--addr上接收attach/launch通过--log-addr发送的日志流，原样输出到stdout，Ctrl-C退出。`,
	PreRunE: bindCommandFlags,
	RunE: func(cmd *cobra.Command, args []string) error {
		return log.Listen(cmd.Context(), viper.GetString("addr"), os.Stdout, logger)
	},
}

func init() {
	listenCmd.Flags().String("addr", log.DefaultListenAddr, "listen address")
	rootCmd.AddCommand(listenCmd)
}
