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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/hitzhangjie/ecsdump/pkg/agent"
	"github.com/hitzhangjie/ecsdump/pkg/bevy"
	"github.com/hitzhangjie/ecsdump/pkg/gate"
	"github.com/hitzhangjie/ecsdump/pkg/symbol"
	"github.com/hitzhangjie/ecsdump/pkg/target"
)

// DefaultOffset Schedule::run相对链接基址的偏移，对应目标游戏的发行版本
const DefaultOffset = "0x82bb30"

func bindFlags(flags ...*pflag.Flag) {
	for _, f := range flags {
		if err := viper.BindPFlag(f.Name, f); err != nil {
			panic(err)
		}
	}
}

// bindCommandFlags binds the local flags of the running command. attach and
// launch share flag names, so binding is deferred until one of them runs.
func bindCommandFlags(cmd *cobra.Command, args []string) error {
	cmd.LocalFlags().VisitAll(func(f *pflag.Flag) { bindFlags(f) })
	return nil
}

// addHookFlags registers the flags shared by attach and launch.
func addHookFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("offset", DefaultOffset, "offset of Schedule::run relative to the module link base")
	f.String("module", "", "image name of the module holding Schedule::run (default: main executable)")
	f.Float64("delay", 0, "seconds after attach before each schedule label is dumped once")
	f.String("output", "", "dump root directory (default: dump/<attach time>)")
	f.String("abi", "", "calling convention of the target: sysv or win64 (default: sysv)")
	f.String("layout", "", "YAML file overriding the built-in bevy_ecs layout")
	f.StringSlice("startup-labels", gate.DefaultStartupLabels, "schedule labels dumped on every run")
}

type sessionConfig struct {
	module string
	offset symbol.Offset
	abi    target.ABI
	layout *bevy.Layout
	agent  agent.Config
}

func parseOffset(s string) (symbol.Offset, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid offset %q: %v", s, err)
	}
	return symbol.Offset(v), nil
}

func loadSessionConfig() (*sessionConfig, error) {
	off, err := parseOffset(viper.GetString("offset"))
	if err != nil {
		return nil, err
	}
	abi, err := target.ParseABI(viper.GetString("abi"))
	if err != nil {
		return nil, err
	}
	delay := viper.GetFloat64("delay")
	if delay < 0 {
		return nil, fmt.Errorf("negative delay %v", delay)
	}

	layout := bevy.DefaultLayout()
	if path := viper.GetString("layout"); path != "" {
		if layout, err = bevy.LoadLayout(path); err != nil {
			return nil, err
		}
	}

	return &sessionConfig{
		module: viper.GetString("module"),
		offset: off,
		abi:    abi,
		layout: layout,
		agent: agent.Config{
			Delay:         time.Duration(delay * float64(time.Second)),
			OutputRoot:    viper.GetString("output"),
			StartupLabels: viper.GetStringSlice("startup-labels"),
		},
	}, nil
}
