package shoalcmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.brendoncarroll.net/stdctx/logctx"
	"gopkg.in/yaml.v3"

	"go.shoal.dev/shoal/src/shoald"
)

func newServeCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Short: "runs the shoal server",
	}
	configPath := c.Flags().String("config", "", "--config=./path/to/config.yml")
	listenAddr := c.Flags().String("listen", shoald.DefaultListenAddr, "address of the first loop")
	loops := c.Flags().Int("loops", 1, "number of dispatch loops")
	adminAddr := c.Flags().String("admin", "", "address of the admin API, empty disables it")
	certPath := c.Flags().String("cert", "", "path to the DER certificate")
	keyPath := c.Flags().String("key", "", "path to the DER private key")
	appEvents := c.Flags().Int("app-events-per-cycle", 0, "application events consumed per poll cycle, 0 for all")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		if err := cmd.ParseFlags(args); err != nil {
			return err
		}
		config := shoald.DefaultConfig()
		if *configPath != "" {
			loaded, err := shoald.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			config = *loaded
		}
		flags := cmd.Flags()
		if flags.Changed("listen") {
			config.ListenAddr = *listenAddr
		}
		if flags.Changed("loops") {
			config.Loops = *loops
		}
		if flags.Changed("admin") {
			config.AdminAddr = *adminAddr
		}
		if flags.Changed("cert") {
			config.CertPath = *certPath
		}
		if flags.Changed("key") {
			config.KeyPath = *keyPath
		}
		if flags.Changed("app-events-per-cycle") {
			config.AppEventsPerCycle = *appEvents
		}
		log, err := shoald.SetupLogger(config.Log)
		if err != nil {
			return err
		}
		defer log.Sync()
		ctx := logctx.NewContext(context.Background(), log)
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		if *configPath != "" {
			logctx.Infof(ctx, "using config from path: %v", *configPath)
		}
		d := shoald.New(shoald.Params{Config: config})
		return d.Run(ctx)
	}
	return c
}

func newCreateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-config",
		Short: "creates a new default config and writes it to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := yaml.Marshal(shoald.DefaultConfig())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
