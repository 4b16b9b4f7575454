package main

import (
	"fmt"
	"os"

	"github.com/danmuck/stompd/internal/config"
	"github.com/danmuck/stompd/internal/logging"
	"github.com/danmuck/stompd/internal/observability"
	"github.com/spf13/cobra"
)

var version = "dev"

type profileFlags struct {
	path      string
	address   string
	login     string
	passcode  string
	transport string
}

func (f *profileFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.path, "profile", "p", "", "path to a client profile TOML")
	cmd.Flags().StringVarP(&f.address, "address", "a", "", "broker address, overrides the profile")
	cmd.Flags().StringVar(&f.login, "login", "", "login, overrides the profile")
	cmd.Flags().StringVar(&f.passcode, "passcode", "", "passcode, overrides the profile")
	cmd.Flags().StringVar(&f.transport, "transport", "", "tcp or websocket, overrides the profile")
}

// resolve loads the profile, if any, and applies explicit flags on top.
func (f *profileFlags) resolve(cmd *cobra.Command) (config.ClientProfile, error) {
	p := config.DefaultClientProfile()
	if f.path != "" {
		loaded, err := config.LoadClientProfile(f.path)
		if err != nil {
			return config.ClientProfile{}, err
		}
		p = loaded
	}
	if cmd.Flags().Changed("address") {
		p.Address = f.address
	}
	if cmd.Flags().Changed("login") {
		p.Login = f.login
	}
	if cmd.Flags().Changed("passcode") {
		p.Passcode = f.passcode
	}
	if cmd.Flags().Changed("transport") {
		p.Transport = f.transport
	}
	if err := config.ValidateClientProfile(p); err != nil {
		return config.ClientProfile{}, err
	}
	return p, nil
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "stompctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "stompctl",
		Short:         "Publish to and subscribe from a STOMP broker",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logging.ConfigureRuntime()
			observability.InitLogger("stompctl")
		},
	}
	root.AddCommand(publishCmd(), subscribeCmd(), initCmd(), versionCmd())
	return root
}

func initCmd() *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write a starter client profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(args[0], "client", overwrite); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote client profile to %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "force", false, "overwrite an existing file")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
