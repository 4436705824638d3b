package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/nearfield/internal/ble"
	"github.com/srg/nearfield/internal/driver"
	"github.com/srg/nearfield/internal/driver/goble"
)

// discoverCmd represents the discover command
var discoverCmd = &cobra.Command{
	Use:   "discover <service-id>",
	Short: "Discover nearby advertisers for a service ID",
	Long: `Scan for BLE peripherals advertising the given service ID and print
found, lost and instant-lost events as they happen. Regular advertisements
are fetched from the peer's GATT server; fast advertisements arrive inline.`,
	Args: cobra.ExactArgs(1),
	RunE: runDiscover,
}

var discoverDuration time.Duration

func init() {
	discoverCmd.Flags().DurationVarP(&discoverDuration, "duration", "d", 0, "Stop after this long (0 for indefinite)")
}

// printingObserver writes discovery events to stdout.
type printingObserver struct{}

func (printingObserver) OnPeripheralDiscovered(p driver.Peripheral, serviceID string, advertisement []byte, fast bool) {
	kind := "gatt"
	if fast {
		kind = "fast"
	}
	color.Green("FOUND   %s  [%s]  %s", p.Address(), kind, hex.EncodeToString(advertisement))
}

func (printingObserver) OnPeripheralLost(p driver.Peripheral, serviceID string, advertisement []byte, fast bool) {
	color.Red("LOST    %s  %s", p.Address(), hex.EncodeToString(advertisement))
}

func (printingObserver) OnInstantLost(p driver.Peripheral, serviceID string, advertisement []byte, fast bool) {
	color.Yellow("ONLOST  %s  %s", p.Address(), hex.EncodeToString(advertisement))
}

func (printingObserver) OnLegacyDeviceDiscovered() {
	color.Cyan("LEGACY  device nearby (placeholder advertisement)")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	serviceID := args[0]

	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	medium := ble.NewMedium(goble.NewAdapter(logger), ble.MediumOptions{
		Logger:                logger,
		PeripheralLostTimeout: cfg.Discovery.PeripheralLostTimeout,
		AcceptWorkers:         cfg.AcceptWorkers,
		Backoff: ble.ReadResultConfig{
			Multiplier:  cfg.Backoff.Multiplier,
			BaseBackoff: cfg.Backoff.Base,
			MaxBackoff:  cfg.Backoff.Max,
		},
	})
	defer medium.Close()

	if err := medium.StartScanning(serviceID, driver.TxPowerHigh, printingObserver{}); err != nil {
		return fmt.Errorf("failed to start scanning: %w", err)
	}
	fmt.Printf("Scanning for service %q; press Ctrl+C to stop\n", serviceID)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	var timeout <-chan time.Time
	if discoverDuration > 0 {
		timeout = time.After(discoverDuration)
	}
	select {
	case <-sig:
	case <-timeout:
	}
	return medium.StopScanning(serviceID)
}
