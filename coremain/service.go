package coremain

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/domainscope/domainscope/mlog"
)

var svcCfg = &service.Config{
	Name:        "domainscope",
	DisplayName: "domainscope",
	Description: "Domain intelligence service.",
}

// svc is set by initService for the service sub commands.
var svc service.Service

type serverService struct {
	f *serverFlags
}

func (ss *serverService) Start(s service.Service) error {
	mlog.L().Info("starting service", zap.String("platform", s.Platform()))
	go func() {
		if err := StartServer(ss.f); err != nil {
			mlog.L().Error("service exited", zap.Error(err))
			os.Exit(1)
		}
		os.Exit(0)
	}()
	return nil
}

func (ss *serverService) Stop(s service.Service) error {
	mlog.L().Info("service is shutting down")
	sc := running.Load()
	if sc == nil {
		return nil
	}
	stopped := make(chan struct{})
	go func() {
		sc.CloseWait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(30 * time.Second):
		mlog.L().Warn("service did not stop in time")
	}
	return nil
}

func initService(_ *cobra.Command, _ []string) error {
	s, err := service.New(&serverService{}, svcCfg)
	if err != nil {
		return fmt.Errorf("cannot init service, %w", err)
	}
	svc = s
	return nil
}

func newSvcInstallCmd() *cobra.Command {
	sf := new(serverFlags)
	c := &cobra.Command{
		Use:   "install [-d working_dir] [-c config_file]",
		Short: "Install domainscope as a system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := sf.dir
			if len(dir) == 0 {
				wd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("failed to get current working directory, %w", err)
				}
				dir = wd
			}
			dir, err := filepath.Abs(dir)
			if err != nil {
				return fmt.Errorf("failed to resolve working directory, %w", err)
			}
			svcCfg.Arguments = []string{"start", "--as-service", "-d", dir}
			if len(sf.c) > 0 {
				cfgPath, err := filepath.Abs(sf.c)
				if err != nil {
					return fmt.Errorf("failed to resolve config file, %w", err)
				}
				svcCfg.Arguments = append(svcCfg.Arguments, "-c", cfgPath)
			}

			s, err := service.New(&serverService{f: sf}, svcCfg)
			if err != nil {
				return fmt.Errorf("cannot init service, %w", err)
			}
			return s.Install()
		},
		SilenceUsage: true,
	}
	c.Flags().StringVarP(&sf.dir, "dir", "d", "", "working dir")
	c.Flags().StringVarP(&sf.c, "config", "c", "", "config file")
	return c
}

func newSvcUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "uninstall",
		Short:        "Uninstall domainscope from system service.",
		RunE:         func(cmd *cobra.Command, args []string) error { return svc.Uninstall() },
		SilenceUsage: true,
	}
}

func newSvcStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start domainscope system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.Start(); err != nil {
				return err
			}
			mlog.L().Info("service is starting")
			return nil
		},
		SilenceUsage: true,
	}
}

func newSvcStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "stop",
		Short:        "Stop domainscope system service.",
		RunE:         func(cmd *cobra.Command, args []string) error { return svc.Stop() },
		SilenceUsage: true,
	}
}

func newSvcRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "restart",
		Short:        "Restart domainscope system service.",
		RunE:         func(cmd *cobra.Command, args []string) error { return svc.Restart() },
		SilenceUsage: true,
	}
}

func newSvcStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Status of domainscope system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := svc.Status()
			if err != nil {
				return fmt.Errorf("cannot get service status, %w", err)
			}
			var out string
			switch s {
			case service.StatusRunning:
				out = "running"
			case service.StatusStopped:
				out = "stopped"
			default:
				out = "unknown"
			}
			fmt.Println(out)
			return nil
		},
		SilenceUsage: true,
	}
}
