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
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hitzhangjie/ecsdump/pkg/target"
)

// attachCmd represents the attach command
var attachCmd = &cobra.Command{
	Use:     "attach <traceePID>",
	Short:   "hook运行中的进程",
	Long:    `trace运行中的进程，在Schedule::run上安装hook，按配置dump world状态，Ctrl-C后恢复代码并detach。`,
	PreRunE: bindCommandFlags,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return errors.New("参数错误")
		}
		pid, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("%s invalid traceePID", args[0])
		}

		cfg, err := loadSessionConfig()
		if err != nil {
			return err
		}

		dbp, err := target.AttachTargetProcess(pid, target.WithLogger(logger), target.WithABI(cfg.abi))
		if err != nil {
			return err
		}
		logger.Info("attached to process", zap.Int("pid", pid), zap.Stringer("abi", cfg.abi))
		return runSession(cmd.Context(), dbp, cfg)
	},
}

func init() {
	addHookFlags(attachCmd)
	rootCmd.AddCommand(attachCmd)
}
