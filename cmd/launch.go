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
	"errors"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/hitzhangjie/ecsdump/pkg/target"
)

// launchCmd represents the launch command
var launchCmd = &cobra.Command{
	Use:   "launch <prog> [-- args...]",
	Short: "启动程序并hook",
	Long: `启动程序，等待--attach-delay秒让程序完成模块加载，然后attach并安装hook。
会话结束后目标进程被杀死。`,
	PreRunE: bindCommandFlags,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) < 1 {
			return errors.New("参数错误")
		}

		cfg, err := loadSessionConfig()
		if err != nil {
			return err
		}
		wait := time.Duration(viper.GetFloat64("attach-delay") * float64(time.Second))

		dbp, err := target.LaunchTargetProcess(args[0], args[1:], wait, target.WithLogger(logger), target.WithABI(cfg.abi))
		if err != nil {
			return err
		}

		// after the session finished, we should kill tracee because it's started by us
		defer func() {
			if err := dbp.Kill(); err != nil {
				logger.Debug("kill target", zap.Error(err))
			}
		}()
		return runSession(cmd.Context(), dbp, cfg)
	},
}

func init() {
	addHookFlags(launchCmd)
	launchCmd.Flags().Float64("attach-delay", 5, "seconds to wait after start before attaching")
	rootCmd.AddCommand(launchCmd)
}
