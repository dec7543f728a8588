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

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/hitzhangjie/ecsdump/pkg/agent"
	"github.com/hitzhangjie/ecsdump/pkg/hook"
	"github.com/hitzhangjie/ecsdump/pkg/snapshot"
	"github.com/hitzhangjie/ecsdump/pkg/target"
)

// runSession hooks Schedule::run in the stopped tracee and runs the event
// loop until ctx is done or the tracee exits.
func runSession(ctx context.Context, dbp *target.DebuggedProcess, cfg *sessionConfig) error {
	mod, err := dbp.FindModule(cfg.module)
	if err != nil {
		release(dbp)
		return err
	}
	logger.Info("module located", zap.Stringer("module", mod))
	for _, w := range cfg.layout.Warnings() {
		logger.Warn(w, zap.String("hint", "ecsdump symbols --all --contains vtable"))
	}

	in := hook.NewInstaller(dbp, logger)
	opener := agent.BevyOpener(dbp, mod, cfg.layout)
	a := agent.New(cfg.agent, opener, snapshot.New(afero.NewOsFs(), logger), logger)

	if _, err := a.Attach(in, mod, cfg.offset); err != nil {
		// hook没有生效，放开目标进程
		release(dbp)
		return err
	}

	err = dbp.Run(ctx, in)
	if target.IsExited(err) {
		logger.Info("target exited", zap.Int("pid", dbp.Pid()))
		return nil
	}
	return err
}

func release(dbp *target.DebuggedProcess) {
	if err := dbp.Detach(); err != nil {
		logger.Warn("detach failed", zap.Error(err))
	}
	dbp.StopPtrace()
}
