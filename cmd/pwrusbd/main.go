// Package main provides the entry point for the PowerUSB power strip daemon.
package main

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pwrusb-tools/pwrusbd/internal/dbus"
	"github.com/pwrusb-tools/pwrusbd/internal/energy"
	"github.com/pwrusb-tools/pwrusbd/internal/hid"
	"github.com/pwrusb-tools/pwrusbd/internal/powerusb"
	"github.com/pwrusb-tools/pwrusbd/internal/udev"
)

var (
	verbose      bool
	pollInterval time.Duration
	lineVoltage  float64
	resetCharge  bool
	noDBus       bool

	rootCmd = &cobra.Command{
		Use:   "pwrusbd",
		Short: "D-Bus daemon for controlling PowerUSB power strips",
		Long: `pwrusbd is a D-Bus service that controls PowerUSB-branded power strips
via USB HID.

It exposes methods for switching sockets (immediately and as boot
defaults), reading the instantaneous current and accumulated charge, and
resetting the charge accumulator. The strip's draw is also logged
periodically together with an energy estimate at an assumed line voltage.`,
		Run: func(cmd *cobra.Command, args []string) {
			run()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.Flags().DurationVar(&pollInterval, "poll-interval", 10*time.Second, "Telemetry polling interval (0 disables)")
	rootCmd.Flags().Float64Var(&lineVoltage, "line-voltage", energy.DefaultLineVoltage, "Assumed AC line voltage for energy estimates")
	rootCmd.Flags().BoolVar(&resetCharge, "reset-charge", false, "Reset the charge accumulator at startup")
	rootCmd.Flags().BoolVar(&noDBus, "no-dbus", false, "Run without the D-Bus service")
}

func run() {
	// Configure logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Msg("Starting pwrusbd")

	if err := hid.Init(); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize HID runtime")
	}

	manager := powerusb.NewManager()
	if err := manager.Refresh(); err != nil {
		log.Error().Err(err).Msg("Failed to open power strip")
	}

	if !manager.Connected() {
		log.Warn().Msg("No PowerUSB strip found")
	} else {
		logStripIdentity(manager)
		if resetCharge {
			if err := manager.ResetChargeAccumulator(); err != nil {
				log.Error().Err(err).Msg("Failed to reset charge accumulator")
			} else {
				log.Info().Msg("Charge accumulator reset")
			}
		}
	}

	var server *dbus.Server
	if !noDBus {
		server = dbus.NewServer(manager)
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start D-Bus server")
		}
		server.SetDeviceErrorHandler(createDeviceErrorHandler(manager, server))
	}

	// Initialize udev monitor for hot-plug detection
	monitor := udev.NewMonitor(createHotplugHandler(manager, server))
	monitor.SetRecoveryHandler(createRecoveryHandler(manager, server))
	if err := monitor.Start(); err != nil {
		log.Error().Err(err).Msg("Failed to start udev monitor (hot-plug detection disabled)")
	}

	// Periodic telemetry in the style of the classic pwrusbctl polling loop
	telemetryStop := make(chan struct{})
	if pollInterval > 0 {
		go runTelemetry(manager, pollInterval, lineVoltage, telemetryStop)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Info().Msg("Daemon running, press Ctrl+C to stop")
	<-sigChan

	// Cleanup
	log.Info().Msg("Shutting down...")
	close(telemetryStop)
	if err := monitor.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop udev monitor")
	}
	if server != nil {
		if err := server.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop D-Bus server")
		}
	}
	if err := manager.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close strip manager")
	}
	if err := hid.Shutdown(); err != nil {
		log.Error().Err(err).Msg("Failed to shut down HID runtime")
	}

	log.Info().Msg("Daemon stopped")
}

// logStripIdentity logs the product and variant of the connected strip.
func logStripIdentity(manager *powerusb.Manager) {
	info, ok := manager.Info()
	if !ok {
		return
	}

	event := log.Info().
		Str("product", info.Product).
		Int("sockets", manager.SocketCount())

	if deviceType, err := manager.DeviceType(); err != nil {
		log.Warn().Err(err).Msg("Failed to query device type")
	} else {
		event = event.Stringer("deviceType", deviceType)
	}

	event.Msg("Found PowerUSB strip")
}

// runTelemetry periodically logs the strip's draw until stop is closed.
func runTelemetry(manager *powerusb.Manager, interval time.Duration, voltage float64, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			logTelemetry(manager, voltage)
		}
	}
}

// logTelemetry reads and logs current, charge, and the resulting energy
// estimate. A disconnected strip is skipped silently at debug level.
func logTelemetry(manager *powerusb.Manager, voltage float64) {
	current, err := manager.InstantaneousCurrent()
	if err != nil {
		log.Debug().Err(err).Msg("Telemetry skipped")
		return
	}

	charge, err := manager.AccumulatedCharge()
	if err != nil {
		log.Debug().Err(err).Msg("Telemetry skipped")
		return
	}

	log.Info().
		Int16("currentMilliamps", current).
		Int32("chargeMilliampMinutes", charge).
		Float64("energyKilowattHours", energy.ChargeToKilowattHours(charge, voltage)).
		Msg("Telemetry")
}

// refreshMu serializes session refresh operations to prevent race conditions
// between hotplug handlers and recovery handlers.
var refreshMu sync.Mutex

// refreshWithRetry attempts to refresh the strip session with linear backoff.
// It retries up to maxRetries times with increasing delays between attempts.
func refreshWithRetry(manager *powerusb.Manager, maxRetries int) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			// Linear backoff: 500ms, 1000ms, 1500ms, ...
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			log.Debug().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying strip refresh")
			time.Sleep(backoff)
		}

		if err := manager.Refresh(); err != nil {
			lastErr = err
			log.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Int("maxRetries", maxRetries+1).
				Msg("Strip refresh failed")
			continue
		}

		if attempt > 0 {
			log.Info().Int("attempts", attempt+1).Msg("Strip refresh succeeded after retry")
		}
		return nil
	}
	return lastErr
}

// emitConnectionChange emits the matching D-Bus signal when the connection
// state changed across a refresh. Safe to call with a nil server.
func emitConnectionChange(server *dbus.Server, manager *powerusb.Manager, wasConnected bool) {
	if server == nil {
		return
	}

	isConnected := manager.Connected()
	switch {
	case isConnected && !wasConnected:
		info, _ := manager.Info()
		server.EmitStripConnected(info.Product)
	case !isConnected && wasConnected:
		server.EmitStripRemoved()
	}
}

// createHotplugHandler returns an event handler that refreshes the session
// and emits D-Bus signals. The handler uses the shared refreshMu to prevent
// race conditions with recovery handlers.
func createHotplugHandler(manager *powerusb.Manager, server *dbus.Server) udev.EventHandler {
	return func(event udev.Event) {
		refreshMu.Lock()
		defer refreshMu.Unlock()

		wasConnected := manager.Connected()

		// For add events, wait for the device to fully initialize.
		// USB devices need time to enumerate all interfaces before HID is
		// accessible. Remove events don't need this delay.
		if event.Type == udev.EventAdd {
			time.Sleep(500 * time.Millisecond)
		}

		if err := refreshWithRetry(manager, 3); err != nil {
			log.Error().Err(err).Msg("Failed to refresh strip after hot-plug event (all retries exhausted)")
			return
		}

		emitConnectionChange(server, manager, wasConnected)
	}
}

// createRecoveryHandler returns a handler for netlink buffer overflow
// recovery. It triggers a session refresh to recover from potentially missed
// udev events, serialized with the hotplug handler via refreshMu.
func createRecoveryHandler(manager *powerusb.Manager, server *dbus.Server) udev.RecoveryHandler {
	return func() {
		refreshMu.Lock()
		defer refreshMu.Unlock()

		log.Info().Msg("Performing recovery refresh after netlink buffer overflow")

		wasConnected := manager.Connected()

		// Wait a moment for any pending USB operations to settle
		time.Sleep(500 * time.Millisecond)

		if err := refreshWithRetry(manager, 3); err != nil {
			log.Error().Err(err).Msg("Recovery refresh failed (all retries exhausted)")
			return
		}

		emitConnectionChange(server, manager, wasConnected)
		log.Info().Bool("connected", manager.Connected()).Msg("Recovery refresh completed")
	}
}

// createDeviceErrorHandler returns a handler invoked when a D-Bus operation
// hits a transport error, hinting that the strip dropped off the bus.
func createDeviceErrorHandler(manager *powerusb.Manager, server *dbus.Server) dbus.DeviceErrorHandler {
	return func(err error) {
		refreshMu.Lock()
		defer refreshMu.Unlock()

		wasConnected := manager.Connected()

		if refreshErr := refreshWithRetry(manager, 1); refreshErr != nil {
			log.Error().Err(refreshErr).Msg("Refresh after device error failed")
			return
		}

		emitConnectionChange(server, manager, wasConnected)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("Failed to execute command")
	}
}
