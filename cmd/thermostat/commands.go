package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"nve-thermostat/config"
	"nve-thermostat/internal/application"
	"nve-thermostat/internal/domain"
	"nve-thermostat/internal/infra/pushover"
	"nve-thermostat/internal/infra/thesimple"
)

var thermostatID int64

func init() {
	setTempCmd.Flags().Int64Var(&thermostatID, "id", 0, "thermostat id (default: first discovered)")
	setModeCmd.Flags().Int64Var(&thermostatID, "id", 0, "thermostat id (default: first discovered)")
	setFanCmd.Flags().Int64Var(&thermostatID, "id", 0, "thermostat id (default: first discovered)")
}

// session bundles the authenticated client with the loaded config so every
// command shares one bootstrap path.
type session struct {
	cfg    *config.Config
	logger *slog.Logger
	client *thesimple.Client
	creds  application.Credentials
}

func newSession(ctx context.Context) (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := setupLogger(cfg.Log)

	password := cfg.API.Password
	if password == "" {
		fmt.Fprintf(os.Stderr, "Password for %s: ", cfg.API.Username)
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("reading password: %w", err)
		}
		password = string(raw)
	}

	client := thesimple.NewClient(cfg.API.BaseURL, logger)

	logger.Info("authenticating", "username", cfg.API.Username)
	if err := client.Authenticate(ctx, cfg.API.Username, password); err != nil {
		return nil, err
	}

	return &session{
		cfg:    cfg,
		logger: logger,
		client: client,
		creds:  application.Credentials{Username: cfg.API.Username, Password: password},
	}, nil
}

func (s *session) thermostats(ctx context.Context) ([]*thesimple.Thermostat, error) {
	ids, err := s.client.ThermostatIDs(ctx, s.cfg.API.LocationIndex)
	if err != nil {
		return nil, err
	}

	thermostats := make([]*thesimple.Thermostat, 0, len(ids))
	for _, id := range ids {
		t, err := thesimple.NewThermostat(ctx, s.client, id)
		if err != nil {
			return nil, fmt.Errorf("loading thermostat %d: %w", id, err)
		}
		thermostats = append(thermostats, t)
	}
	return thermostats, nil
}

func (s *session) thermostat(ctx context.Context, id int64) (*thesimple.Thermostat, error) {
	if id == 0 {
		ids, err := s.client.ThermostatIDs(ctx, s.cfg.API.LocationIndex)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("no thermostats found for this account")
		}
		id = ids[0]
	}
	return thesimple.NewThermostat(ctx, s.client, id)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of all thermostats",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd.Context())
		if err != nil {
			return err
		}

		thermostats, err := s.thermostats(cmd.Context())
		if err != nil {
			return err
		}

		for _, t := range thermostats {
			printThermostat(t)
		}
		return nil
	},
}

func printThermostat(t *thesimple.Thermostat) {
	st := t.State()

	connected := "disconnected"
	if st.Connected {
		connected = "connected"
	}

	fmt.Printf("%s (id %d, %s)\n", t.Name(), t.ID(), connected)
	fmt.Printf("  current:   %.1f F\n", st.CurrentTemp)
	fmt.Printf("  hvac:      %s (state: %s)\n", st.HvacMode, st.HvacState)
	fmt.Printf("  fan:       %s (state: %s)\n", st.FanMode, st.FanState)
	fmt.Printf("  setpoints: cool %.0f / heat %.0f (range %.0f-%.0f)\n",
		st.CoolSetpoint, st.HeatSetpoint, t.MinTemp(), t.MaxTemp())
	fmt.Printf("  hold:      %s (reason: %s)\n", st.HoldMode, st.SetpointReason)
	if st.AwayEnd != nil {
		fmt.Printf("  away until %s\n", st.AwayEnd.Format(time.RFC1123))
	}
}

var watchInterval string

func init() {
	watchCmd.Flags().StringVar(&watchInterval, "interval", "", "refresh interval (overrides config)")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep thermostat state synced on an interval",
	Long: `Refreshes every thermostat on a fixed interval, re-authenticating
when the server reports the token expired. With pushover enabled in the
config, transitions into and out of a degraded state are notified.`,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	s, err := newSession(ctx)
	if err != nil {
		return err
	}

	rawInterval := s.cfg.Sync.Interval
	if watchInterval != "" {
		rawInterval = watchInterval
	}
	interval, err := time.ParseDuration(rawInterval)
	if err != nil {
		s.logger.Warn("invalid sync interval, using default", "error", err, "value", rawInterval)
		interval = 5 * time.Minute
	}

	thermostats, err := s.thermostats(ctx)
	if err != nil {
		return err
	}
	syncables := make([]application.Syncable, 0, len(thermostats))
	for _, t := range thermostats {
		printThermostat(t)
		syncables = append(syncables, t)
	}

	var notifier application.Notifier
	if s.cfg.Pushover.Enabled {
		notifier = pushover.NewClient(s.cfg.Pushover.Token, s.cfg.Pushover.UserKey)
	} else {
		notifier = &application.NoopNotifier{}
	}

	monitor := application.NewMonitor(s.client, s.creds, syncables, notifier, s.logger)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		s.logger.Info("shutting down")
		cancel()
	}()

	s.logger.Info("watching thermostats", "count", len(syncables), "interval", interval)

	if err := monitor.Run(ctx, interval); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

var setTempCmd = &cobra.Command{
	Use:   "set-temp <temperature>",
	Short: "Set the setpoint for the active hvac mode",
	Long: `Writes the setpoint corresponding to the current hvac mode. Values
outside the thermostat's supported range, or writes while the thermostat
is off, are dropped without error.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("invalid temperature %q: %w", args[0], err)
		}

		s, err := newSession(cmd.Context())
		if err != nil {
			return err
		}
		t, err := s.thermostat(cmd.Context(), thermostatID)
		if err != nil {
			return err
		}

		before := t.State()
		if err := t.SetTemperature(cmd.Context(), value); err != nil {
			return err
		}
		after := t.State()

		if after.CoolSetpoint == before.CoolSetpoint && after.HeatSetpoint == before.HeatSetpoint {
			fmt.Println("no change applied (value out of range or thermostat is off)")
			return nil
		}
		fmt.Printf("%s: %s setpoint set to %d\n", t.Name(), before.HvacMode, int(value))
		return nil
	},
}

var setModeCmd = &cobra.Command{
	Use:   "set-mode <cool|heat|off>",
	Short: "Set the hvac mode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd.Context())
		if err != nil {
			return err
		}
		t, err := s.thermostat(cmd.Context(), thermostatID)
		if err != nil {
			return err
		}

		if err := t.SetHvacMode(cmd.Context(), domain.HvacMode(args[0])); err != nil {
			return err
		}
		fmt.Printf("%s: hvac mode set to %s\n", t.Name(), args[0])
		return nil
	},
}

var setFanCmd = &cobra.Command{
	Use:   "set-fan <on|auto>",
	Short: "Set the fan mode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd.Context())
		if err != nil {
			return err
		}
		t, err := s.thermostat(cmd.Context(), thermostatID)
		if err != nil {
			return err
		}

		if err := t.SetFanMode(cmd.Context(), domain.FanMode(args[0])); err != nil {
			return err
		}
		fmt.Printf("%s: fan mode set to %s\n", t.Name(), args[0])
		return nil
	},
}
