package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/stompd/internal/admin"
	"github.com/danmuck/stompd/internal/broker"
	"github.com/danmuck/stompd/internal/config"
	"github.com/danmuck/stompd/internal/logging"
	"github.com/danmuck/stompd/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "stompd",
		Short:         "STOMP 1.0/1.1 message broker",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logging.ConfigureRuntime()
			observability.InitLogger("stompd")
		},
	}
	root.AddCommand(serveCmd(), initCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "stompd: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		adminAddr  string
		noAdmin    bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker and its admin endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := defaultServerConfig()
			if configPath != "" {
				loaded, err := loadServerConfig(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if cmd.Flags().Changed("listen") {
				cfg.Broker.ListenAddr = listen
			}
			if cmd.Flags().Changed("admin") {
				cfg.Admin.Addr = adminAddr
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, !noAdmin)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a stompd TOML config")
	cmd.Flags().StringVar(&listen, "listen", "", "STOMP listen address")
	cmd.Flags().StringVar(&adminAddr, "admin", "", "admin HTTP listen address")
	cmd.Flags().BoolVar(&noAdmin, "no-admin", false, "disable the admin HTTP endpoint")
	return cmd
}

func run(ctx context.Context, cfg serverConfig, withAdmin bool) error {
	svc := broker.NewService(cfg.Broker)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	adminErr := make(chan error, 1)
	if withAdmin {
		srv := admin.NewServer(cfg.Admin, svc)
		go func() {
			err := srv.Run(ctx)
			if err != nil {
				log.Error().Err(err).Msg("stompd.run admin stopped")
				cancel()
			}
			adminErr <- err
		}()
	} else {
		adminErr <- nil
	}

	err := svc.ListenAndServe(ctx)
	cancel()
	if aerr := <-adminErr; err == nil {
		err = aerr
	}
	return err
}

func initCmd() *cobra.Command {
	var (
		kind      string
		overwrite bool
	)
	cmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write a starter config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := config.WriteTemplate(args[0], kind, overwrite); err != nil {
				return err
			}
			fmt.Printf("wrote %s config to %s\n", kind, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "broker", "template kind: broker or client")
	cmd.Flags().BoolVar(&overwrite, "force", false, "overwrite an existing file")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(*cobra.Command, []string) {
			fmt.Println(version)
		},
	}
}
