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
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/hitzhangjie/ecsdump/pkg/symbol"
)

// DefaultPrefix 被hook函数的demangled名字前缀
const DefaultPrefix = "bevy_ecs::schedule::schedule::Schedule::run"

// resolveCmd represents the resolve command
var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "从符号文件中查找Schedule::run的偏移",
	Long: `读取目标构建的PDB或ELF符号文件，找到第一个名字匹配--prefix的函数，输出它相对
链接基址的偏移。--save将偏移写入配置文件，之后attach/launch默认使用该偏移。`,
	PreRunE: bindCommandFlags,
	RunE: func(cmd *cobra.Command, args []string) error {
		db := viper.GetString("db")
		if db == "" {
			return errors.New("--db is required")
		}
		prefix := viper.GetString("prefix")

		off, err := symbol.Resolve(db, symbol.HasPrefix(prefix))
		if err != nil {
			return err
		}
		logger.Info("symbol resolved", zap.String("prefix", prefix), zap.Stringer("offset", off))
		fmt.Println(off)

		if !viper.GetBool("save") {
			return nil
		}
		return saveOffset(off)
	},
}

func saveOffset(off symbol.Offset) error {
	viper.Set("offset", off.String())
	if f := viper.ConfigFileUsed(); f != "" {
		if err := viper.WriteConfig(); err != nil {
			return err
		}
		logger.Info("offset saved", zap.String("file", f))
		return nil
	}

	home, err := homedir.Dir()
	if err != nil {
		return err
	}
	f := filepath.Join(home, ".ecsdump.yaml")
	if err := viper.WriteConfigAs(f); err != nil {
		return err
	}
	logger.Info("offset saved", zap.String("file", f))
	return nil
}

func init() {
	f := resolveCmd.Flags()
	f.String("db", "", "symbol database of the target build (.pdb or ELF)")
	f.String("prefix", DefaultPrefix, "demangled name prefix of the function")
	f.Bool("save", false, "save the offset to the config file")
	rootCmd.AddCommand(resolveCmd)
}
