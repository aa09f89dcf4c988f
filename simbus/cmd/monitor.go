package cmd

import (
	"errors"

	"github.com/sarchlab/simbus/logging"
	"github.com/sarchlab/simbus/orchestration"
	"github.com/sarchlab/simbus/participant"
	"github.com/spf13/cobra"
)

var (
	monitorAuto     bool
	monitorOpen     bool
	monitorPort     int
	monitorExpected []string
	monitorName     string
	monitorExit     bool
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Observe and command the system from the web monitor.",
	Long: "`monitor --expected A,B --auto` joins the domain, serves the web " +
		"monitor, and initializes and runs the expected participants once " +
		"they are ready.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		applyMonitorFlags(cmd, &cfg.ParticipantName, &cfg.Orchestration.ExpectedParticipants)

		cfg.Monitor.Enabled = true
		if cmd.Flags().Changed("port") {
			cfg.Monitor.Port = monitorPort
		}

		cfg.Monitor.OpenBrowser = cfg.Monitor.OpenBrowser || monitorOpen
		cfg.Logging.ForwardRemote = true

		logger, err := logging.NewLogger(cfg.Logging)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		sup, err := participant.NewSupervisor(ctx, cfg, logger, monitorAuto)
		if err != nil {
			return err
		}
		defer sup.Close()

		printf(cmd, "Monitoring simbus domain at %s\n", sup.MonitorURL())

		if !monitorExit {
			<-ctx.Done()
			return nil
		}

		err = sup.WaitForSystemState(ctx, orchestration.StateShutdown)
		if errors.Is(err, ctx.Err()) {
			return nil
		}

		return err
	},
}

func applyMonitorFlags(cmd *cobra.Command, name *string, expected *[]string) {
	if cmd.Flags().Changed("name") || *name == "" {
		*name = monitorName
	}

	if cmd.Flags().Changed("expected") {
		*expected = monitorExpected
	}
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&monitorAuto, "auto", false,
		"Initialize and run the expected participants automatically")
	monitorCmd.Flags().BoolVar(&monitorOpen, "open", false,
		"Open the web monitor in a browser")
	monitorCmd.Flags().IntVar(&monitorPort, "port", 0,
		"Port of the web monitor, 0 picks a free one")
	monitorCmd.Flags().StringSliceVar(&monitorExpected, "expected", nil,
		"Comma-separated names of the participants the system requires")
	monitorCmd.Flags().StringVar(&monitorName, "name", "simbus-monitor",
		"Participant name of the monitor")
	monitorCmd.Flags().BoolVar(&monitorExit, "exit-on-shutdown", false,
		"Exit once the system has shut down")
}
