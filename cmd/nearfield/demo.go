package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/nearfield/internal/ble"
	"github.com/srg/nearfield/internal/cancellation"
	"github.com/srg/nearfield/internal/driver"
	"github.com/srg/nearfield/internal/driver/fake"
	"github.com/srg/nearfield/internal/endpoint"
)

// demoCmd represents the demo command
var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run an in-process discovery and connection loopback",
	Long: `Run the full discovery and connection flow between two virtual devices
on an in-memory radio: one side advertises and accepts, the other scans,
discovers and connects, then a framed message crosses the link. No BLE
hardware is required.`,
	RunE: runDemo,
}

const demoServiceID = "com.srg.nearfield.demo"

func runDemo(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	world := fake.NewWorld()
	serverAdapter := world.NewAdapter("aa:bb:cc:dd:ee:01", false)
	clientAdapter := world.NewAdapter("aa:bb:cc:dd:ee:02", false)

	opts := ble.MediumOptions{
		Logger:                logger,
		PeripheralLostTimeout: cfg.Discovery.PeripheralLostTimeout,
		AcceptWorkers:         cfg.AcceptWorkers,
	}
	server := ble.NewMedium(serverAdapter, opts)
	client := ble.NewMedium(clientAdapter, opts)
	defer server.Close()
	defer client.Close()

	// Server side: advertise and accept one framed message.
	if err := server.StartAdvertising(demoServiceID, []byte("demo-payload"), driver.TxPowerHigh, true); err != nil {
		return fmt.Errorf("server failed to advertise: %w", err)
	}
	served := make(chan string, 1)
	err = server.StartAcceptingConnections(demoServiceID, func(socket driver.Socket, serviceID string) {
		channel := endpoint.NewBLEChannel(logger, "demo-server", socket)
		defer channel.Close()

		buf := make([]byte, channel.MaxPacketSize())
		n, err := channel.Input().Read(buf)
		if err != nil {
			served <- fmt.Sprintf("read failed: %v", err)
			return
		}
		packet := ble.ParsePacket(buf[:n])
		if !packet.IsValid() || packet.IsControlPacket() {
			served <- "received an unparseable frame"
			return
		}
		served <- string(packet.Data())
	})
	if err != nil {
		return fmt.Errorf("server failed to accept: %w", err)
	}

	// Client side: discover the advertiser.
	found := make(chan driver.Peripheral, 1)
	if err := client.StartScanning(demoServiceID, driver.TxPowerHigh, &demoObserver{found: found}); err != nil {
		return fmt.Errorf("client failed to scan: %w", err)
	}

	var peripheral driver.Peripheral
	select {
	case peripheral = <-found:
		color.Green("discovered %s", peripheral.Address())
	case <-time.After(5 * time.Second):
		return fmt.Errorf("discovery timed out")
	}

	// Connect and push one framed message across.
	flag := cancellation.NewFlag()
	socket, err := client.Connect(demoServiceID, peripheral, flag)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	channel := endpoint.NewBLEChannel(logger, "demo-client", socket)
	defer channel.Close()

	packet, err := ble.NewDataPacket(ble.GenerateServiceIDHash(demoServiceID), []byte("hello over BLE"))
	if err != nil {
		return fmt.Errorf("framing failed: %w", err)
	}
	if _, err := channel.Output().Write(packet.Bytes()); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}

	select {
	case msg := <-served:
		color.Green("server received: %q", msg)
	case <-time.After(5 * time.Second):
		return fmt.Errorf("server never received the message")
	}

	return client.StopScanning(demoServiceID)
}

// demoObserver forwards the first discovery to a channel.
type demoObserver struct {
	found chan driver.Peripheral
}

func (o *demoObserver) OnPeripheralDiscovered(p driver.Peripheral, serviceID string, advertisement []byte, fast bool) {
	select {
	case o.found <- p:
	default:
	}
}

func (o *demoObserver) OnPeripheralLost(driver.Peripheral, string, []byte, bool) {}
func (o *demoObserver) OnInstantLost(driver.Peripheral, string, []byte, bool)    {}
func (o *demoObserver) OnLegacyDeviceDiscovered()                                {}
