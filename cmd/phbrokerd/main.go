// phbrokerd is the session broker daemon: it owns the pH-meter and pump
// buses directly and lets any number of phctl clients share them over a
// ZeroMQ request/reply socket, each call serialized against a lease.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vesselctl/phctl/internal/broker"
	"github.com/vesselctl/phctl/internal/calibration"
	"github.com/vesselctl/phctl/internal/config"
	"github.com/vesselctl/phctl/internal/device"
	"github.com/vesselctl/phctl/internal/facade"
	"github.com/vesselctl/phctl/internal/store"
)

var (
	configPath string
	dbPath     string
	listenURL  string

	rootCmd = &cobra.Command{
		Use:   "phbrokerd",
		Short: "pH controller session broker daemon",
		Long:  "Standalone daemon that owns the pH-meter and pump buses and multiplexes phctl client sessions over ZeroMQ.",
		RunE:  runDaemon,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yml", "path to config.yml")
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "phctl_broker.db", "lease/calibration mirror database path")
	rootCmd.PersistentFlags().StringVarP(&listenURL, "listen", "l", "tcp://*:5556", "ZeroMQ REP bind address")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func portName(comPort int) string {
	return fmt.Sprintf("COM%d", comPort)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	cal, err := calibration.LoadFile(cfg.CalibrationDataPath)
	if err != nil {
		return err
	}

	meter, err := device.OpenPHMeter(portName(cfg.PHMeter.ComPort), device.DefaultPHMeterConfig(), cal)
	if err != nil {
		return err
	}
	defer meter.Close()

	pumpCfg := device.DefaultPumpConfig()
	pumpCfg.BaudRate = cfg.Pumps.BaudRate
	pumps, err := device.OpenPumps(portName(cfg.Pumps.ComPort), pumpCfg)
	if err != nil {
		return err
	}
	defer pumps.Close()

	f := facade.NewInProcess(meter, pumps, facade.InProcessConfig{
		DiameterMM:     cfg.Pumps.Diameter,
		RateMMPerMin:   cfg.Pumps.InfusionRate,
		PumpSettleTime: 500 * time.Millisecond,
	})
	if err := f.Initialize(); err != nil {
		return err
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("phbrokerd: opening lease database: %w", err)
	}
	defer db.Close()

	b, err := broker.New(f, db, cfg.CalibrationDataPath)
	if err != nil {
		return fmt.Errorf("phbrokerd: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Printf("phbrokerd: listening on %s", listenURL)
	err = b.ListenAndServe(ctx, listenURL)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("phbrokerd: %w", err)
	}
	log.Println("phbrokerd: shut down")
	return nil
}
