package main

import (
	"github.com/domainscope/domainscope/coremain"
	"github.com/domainscope/domainscope/mlog"

	"go.uber.org/zap"
)

func main() {
	if err := coremain.Run(); err != nil {
		mlog.L().Fatal("domainscope exited", zap.Error(err))
	}
}
