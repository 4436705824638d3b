package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/nearfield/internal/ble"
	"github.com/srg/nearfield/internal/driver"
	"github.com/srg/nearfield/internal/driver/goble"
)

// advertiseCmd represents the advertise command
var advertiseCmd = &cobra.Command{
	Use:   "advertise <service-id> <payload>",
	Short: "Advertise a payload for a service ID",
	Long: `Advertise the given payload under a service ID until interrupted.

In fast mode the payload rides inside the advertising packet itself and
must fit the fast-advertisement size limit. In regular mode the payload is
hosted in a GATT characteristic slot and only a compact header is
broadcast; scanners fetch the payload over GATT.`,
	Args: cobra.ExactArgs(2),
	RunE: runAdvertise,
}

var (
	advertiseFast     bool
	advertiseDuration time.Duration
)

func init() {
	advertiseCmd.Flags().BoolVar(&advertiseFast, "fast", false, "Inline the payload into the advertising packet")
	advertiseCmd.Flags().DurationVarP(&advertiseDuration, "duration", "d", 0, "Stop after this long (0 for indefinite)")
}

func runAdvertise(cmd *cobra.Command, args []string) error {
	serviceID, payload := args[0], []byte(args[1])

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
	})
	defer medium.Close()

	if err := medium.StartAdvertising(serviceID, payload, driver.TxPowerHigh, advertiseFast); err != nil {
		return fmt.Errorf("failed to start advertising: %w", err)
	}
	mode := "regular"
	if advertiseFast {
		mode = "fast"
	}
	fmt.Printf("Advertising %d bytes for service %q (%s); press Ctrl+C to stop\n",
		len(payload), serviceID, mode)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	var timeout <-chan time.Time
	if advertiseDuration > 0 {
		timeout = time.After(advertiseDuration)
	}
	select {
	case <-sig:
	case <-timeout:
	}
	return medium.StopAdvertising(serviceID)
}
