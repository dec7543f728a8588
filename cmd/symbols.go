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

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hitzhangjie/ecsdump/pkg/symbol"
)

// symbolsCmd represents the symbols command
var symbolsCmd = &cobra.Command{
	Use:   "symbols",
	Short: "列出符号文件中的函数及偏移",
	Long: `列出符号文件中名字包含--contains的函数及其相对偏移。

--all同时列出数据符号，例如"<bevy_ecs::schedule::Update as ...>::{vtable}"，
其偏移可以填写到layout的types、exclusive_vtables等表中。`,
	PreRunE: bindCommandFlags,
	RunE: func(cmd *cobra.Command, args []string) error {
		db := viper.GetString("db")
		if db == "" {
			return errors.New("--db is required")
		}
		tab, err := symbol.Load(db)
		if err != nil {
			return err
		}

		pred := symbol.Contains(viper.GetString("contains"))
		syms := tab.Filter(pred)
		if viper.GetBool("all") {
			syms = tab.FilterAll(pred)
		}
		for _, s := range syms {
			fmt.Printf("%#010x %s\n", uint64(s.RVA), s.Name)
		}
		fmt.Printf("%s of %s %s symbols matched\n",
			humanize.Comma(int64(len(syms))), humanize.Comma(int64(len(tab.Symbols))), tab.Format)
		return nil
	},
}

func init() {
	f := symbolsCmd.Flags()
	f.String("db", "", "symbol database of the target build (.pdb or ELF)")
	f.String("contains", "", "only list symbols whose demangled name contains this")
	f.Bool("all", false, "list data symbols such as vtables too")
	rootCmd.AddCommand(symbolsCmd)
}
