package main

import (
	"fmt"
	"os"

	"github.com/router-for-me/signin-handoff/internal/buildinfo"
	"github.com/router-for-me/signin-handoff/internal/cmd"
	"github.com/router-for-me/signin-handoff/internal/config"
	"github.com/router-for-me/signin-handoff/internal/logging"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	configPath string
	debug      bool
	cfg        *config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "handoff",
		Short:         "Sign in through the system browser",
		Long:          "handoff opens an identity provider in the system browser and stores the backend session once sign-in completes.",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(c *cobra.Command, _ []string) error {
			return opts.load(c)
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", DefaultConfigPath, "configuration file path")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	root.AddCommand(newLoginCommand(opts))
	root.AddCommand(newOpenURLCommand(opts))
	root.AddCommand(newStatusCommand(opts))
	root.AddCommand(newLogoutCommand(opts))
	return root
}

// load reads the configuration and configures logging from it. A missing
// config file is allowed when the environment provides the backend settings.
func (o *rootOptions) load(c *cobra.Command) error {
	optional := !c.Flags().Changed("config")
	cfg, err := config.LoadConfigWithEnv(o.configPath, optional, os.LookupEnv)
	if err != nil {
		return err
	}
	if o.debug {
		cfg.Debug = true
	}
	if err = logging.ConfigureLogOutput(cfg); err != nil {
		return fmt.Errorf("configure log output: %w", err)
	}
	logging.SetLogLevel(cfg)
	o.cfg = cfg
	return nil
}

// validated returns the loaded configuration, rejecting defaults that were
// never validated because no config file existed.
func (o *rootOptions) validated() (*config.Config, error) {
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}
	return o.cfg, nil
}

func newLoginCommand(root *rootOptions) *cobra.Command {
	opts := &cmd.LoginOptions{}
	c := &cobra.Command{
		Use:   "login",
		Short: "Sign in with an identity provider",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := root.validated()
			if err != nil {
				return err
			}
			opts.Out = c.OutOrStdout()
			outcome, err := cmd.DoLogin(c.Context(), cfg, opts)
			if err != nil {
				return err
			}
			if code := cmd.ReportOutcome(c.OutOrStdout(), outcome); code != cmd.ExitSignedIn {
				return &exitError{code: code}
			}
			return nil
		},
	}
	c.Flags().StringVar(&opts.Provider, "provider", "google", "identity provider (google, github, ...)")
	c.Flags().BoolVar(&opts.NoBrowser, "no-browser", false, "print the sign-in URL instead of opening a browser")
	c.Flags().IntVar(&opts.CallbackPort, "callback-port", 0, "override the loopback callback port")
	return c
}

func newOpenURLCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "open-url <url>",
		Short: "Deliver a deep link to a running login",
		Long:  "open-url is registered as the operating-system handler for the application's URL scheme. It hands the link to the login waiting for it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return cmd.DoOpenURL(root.cfg, args[0])
		},
	}
}

func newStatusCommand(root *rootOptions) *cobra.Command {
	opts := &cmd.StatusOptions{}
	c := &cobra.Command{
		Use:   "status",
		Short: "Show the stored session",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := root.validated()
			if err != nil {
				return err
			}
			opts.Out = c.OutOrStdout()
			return cmd.DoStatus(c.Context(), cfg, opts)
		},
	}
	c.Flags().BoolVar(&opts.Refresh, "refresh", false, "renew an expired session with its refresh token")
	return c
}

func newLogoutCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored session",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := root.validated()
			if err != nil {
				return err
			}
			log.Debug("clearing stored session")
			return cmd.DoLogout(c.Context(), cfg, c.OutOrStdout())
		},
	}
}
