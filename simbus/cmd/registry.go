package cmd

import (
	"github.com/sarchlab/simbus/logging"
	"github.com/sarchlab/simbus/rendezvous"
	"github.com/spf13/cobra"
)

var registryListen string

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Run the registry participants connect through.",
	Long: "`registry --listen simbus://host:port` accepts participant " +
		"announcements and introduces participants to each other.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		listen := cfg.Middleware.RegistryURI
		if cmd.Flags().Changed("listen") || listen == "" {
			listen = registryListen
		}

		logger, err := logging.NewLogger(cfg.Logging)
		if err != nil {
			return err
		}

		svc := rendezvous.MakeBuilder().
			WithLogger(logging.Component(logger, "registry", "rendezvous")).
			Build()

		uri, err := svc.Start(listen)
		if err != nil {
			return err
		}
		defer svc.Stop()

		printf(cmd, "Registry listening on %s\n", uri)

		ctx, cancel := signalContext()
		defer cancel()

		<-ctx.Done()

		return nil
	},
}

func init() {
	rootCmd.AddCommand(registryCmd)
	registryCmd.Flags().StringVar(&registryListen, "listen",
		"simbus://localhost:8500", "URI the registry listens on")
}
