// phctl is the pH-controller operator CLI: the eight-command operator
// menu exposed both as cobra subcommands and as a single-key interactive
// loop over the same handlers.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vesselctl/phctl/internal/calibration"
	"github.com/vesselctl/phctl/internal/config"
	"github.com/vesselctl/phctl/internal/device"
	"github.com/vesselctl/phctl/internal/dosing"
	"github.com/vesselctl/phctl/internal/facade"
	"github.com/vesselctl/phctl/internal/recipe"
	"github.com/vesselctl/phctl/internal/scheduler"
	"github.com/vesselctl/phctl/internal/store"
	"github.com/vesselctl/phctl/internal/wire"
)

var (
	configPath string
	dbPath     string
	brokerURL  string
)

var rootCmd = &cobra.Command{
	Use:   "phctl",
	Short: "pH controller operator CLI",
	Long:  "Operator CLI for the multi-vessel pH controller rig: protocol selection, probe calibration, dosed runs, pump commissioning, and crash-safe restart.",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yml", "path to config.yml")
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "phctl.db", "calibration/run-history database path")
	rootCmd.PersistentFlags().StringVarP(&brokerURL, "broker", "b", "", "phbrokerd URL (e.g. tcp://127.0.0.1:5556); empty drives the buses directly")
	rootCmd.AddCommand(setProtocolCmd)
	rootCmd.AddCommand(calibrateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(assignAddressCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(liveReadCmd)
	rootCmd.AddCommand(pumpCmd)
	rootCmd.AddCommand(menuCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("phctl v0.1.0")
	},
}

// portName maps a config.yml ComPort number onto the OS device name
// go.bug.st/serial expects.
func portName(comPort int) string {
	return fmt.Sprintf("COM%d", comPort)
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

func openDB() (*store.DB, error) {
	return store.Open(dbPath)
}

// loadCalibration opens the calibration/run-history database and loads the
// current calibration snapshot. calibration_data.yml remains the source of
// truth; the SQLite mirror is only consulted when the YAML file can't be
// read (a fresh rig before the first calibration, or a lost/corrupted
// file) — the reason store.DB keeps the mirror at all.
func loadCalibration(cfg *config.Config) (*calibration.Store, *store.DB, error) {
	db, err := openDB()
	if err != nil {
		return nil, nil, fmt.Errorf("phctl: opening calibration database: %w", err)
	}
	cal, yamlErr := calibration.LoadFile(cfg.CalibrationDataPath)
	if yamlErr == nil {
		return cal, db, nil
	}
	snap, snapErr := db.LoadCalibrationSnapshot()
	if snapErr != nil || len(snap) == 0 {
		db.Close()
		return nil, nil, yamlErr
	}
	cal = calibration.NewStore()
	cal.Update(snap)
	return cal, db, nil
}

func setupLogging(protocolPath string) (*os.File, error) {
	name := fmt.Sprintf("%s_%s.log", protocolPath, time.Now().Format("20060102T150405"))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("phctl: opening log file %s: %w", name, err)
	}
	log.SetOutput(f)
	log.Printf("-------- LOG AT %s --------", time.Now().Format(time.RFC3339))
	return f, nil
}

// openDevices opens the pH-meter and pump buses and returns an in-process
// façade wired to them, per config.yml's phmeter/pumps sections.
func openDevices(cfg *config.Config, cal *calibration.Store) (*facade.InProcess, *device.PHMeterDriver, *device.PumpDriver, error) {
	meter, err := device.OpenPHMeter(portName(cfg.PHMeter.ComPort), device.DefaultPHMeterConfig(), cal)
	if err != nil {
		return nil, nil, nil, err
	}
	pumpCfg := device.DefaultPumpConfig()
	pumpCfg.BaudRate = cfg.Pumps.BaudRate
	pumps, err := device.OpenPumps(portName(cfg.Pumps.ComPort), pumpCfg)
	if err != nil {
		meter.Close()
		return nil, nil, nil, err
	}
	f := facade.NewInProcess(meter, pumps, facade.InProcessConfig{
		DiameterMM:     cfg.Pumps.Diameter,
		RateMMPerMin:   cfg.Pumps.InfusionRate,
		PumpSettleTime: 500 * time.Millisecond,
	})
	return f, meter, pumps, nil
}

// openFacade returns the physical-systems façade a command should drive:
// the in-process one over locally-opened buses, or a networked client when
// --broker points at a phbrokerd instance. The two satisfy the same
// interface, so every command below works against either. The returned
// cleanup closes whatever was opened.
func openFacade(cfg *config.Config, cal *calibration.Store) (facade.Facade, func(), error) {
	if brokerURL != "" {
		n, err := facade.Dial(brokerURL)
		if err != nil {
			return nil, nil, err
		}
		return n, func() { n.Close() }, nil
	}
	f, meter, pumps, err := openDevices(cfg, cal)
	if err != nil {
		return nil, nil, err
	}
	return f, func() {
		meter.Close()
		pumps.Close()
	}, nil
}

// --- 1: set protocol ---

var setProtocolCmd = &cobra.Command{
	Use:   "set-protocol PATH",
	Short: "Validate and adopt a protocol spreadsheet as config.yml's protocol_path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, err := recipe.ParseFile(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.ProtocolPath = args[0]
		if err := cfg.Save(configPath); err != nil {
			return err
		}
		fmt.Printf("protocol %s parsed (%d vessel(s)) and adopted as protocol_path\n", args[0], len(tasks))
		return nil
	},
}

// --- 2: calibrate probes ---

var calibrateCmd = &cobra.Command{
	Use:   "calibrate PROBE_ID",
	Short: "Two-point calibrate a probe (low buffer, then high buffer)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cal, db, err := loadCalibration(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		f, cleanup, err := openFacade(cfg, cal)
		if err != nil {
			return err
		}
		defer cleanup()

		probeID := wire.ProbeID(args[0])
		reader := bufio.NewReader(os.Stdin)

		fmt.Println("immerse probe in the low buffer, then press enter")
		reader.ReadString('\n')
		lowPH, lowMV, err := readBufferPoint(reader, f, probeID)
		if err != nil {
			return err
		}

		fmt.Println("immerse probe in the high buffer, then press enter")
		reader.ReadString('\n')
		highPH, highMV, err := readBufferPoint(reader, f, probeID)
		if err != nil {
			return err
		}

		entry := calibration.Entry{LowPH: lowPH, LowPHmV: lowMV, HighPH: highPH, HighPHmV: highMV}
		if err := cal.Set(string(probeID), entry); err != nil {
			return err
		}
		if err := cal.SaveFile(cfg.CalibrationDataPath); err != nil {
			return err
		}

		if err := db.UpsertCalibration(string(probeID), entry); err != nil {
			return fmt.Errorf("phctl: mirroring calibration: %w", err)
		}

		fmt.Printf("probe %s calibrated: low=(%.2f, %.1fmV) high=(%.2f, %.1fmV)\n", probeID, lowPH, lowMV, highPH, highMV)
		return nil
	},
}

func readBufferPoint(reader *bufio.Reader, f facade.Facade, probeID wire.ProbeID) (ph, mv float64, err error) {
	fmt.Print("known buffer pH: ")
	line, _ := reader.ReadString('\n')
	ph, err = strconv.ParseFloat(trimNewline(line), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("phctl: parsing buffer pH: %w", err)
	}
	values, err := f.GetMVValuesOfSelectedProbes([]wire.ProbeID{probeID})
	if err != nil {
		return 0, 0, err
	}
	return ph, values[probeID], nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// --- 3: run protocol ---

var runCmd = &cobra.Command{
	Use:   "run PROTOCOL_PATH",
	Short: "Run a protocol to completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logFile, err := setupLogging(args[0])
		if err != nil {
			return err
		}
		defer logFile.Close()

		tasks, err := recipe.ParseFile(args[0])
		if err != nil {
			return err
		}
		for _, t := range tasks {
			t.Controller = dosing.NewWindowedDerivative()
		}

		cal, db, err := loadCalibration(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		f, cleanup, err := openFacade(cfg, cal)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := f.Initialize(); err != nil {
			return err
		}
		if err := f.InitializePumpsUsedInProtocol(tasks); err != nil {
			return err
		}
		defer f.Disconnect(tasks)

		now := time.Now()
		for _, t := range tasks {
			t.StartTime = now
			t.PhaseStart = now
			t.NextTickTime = now
		}

		runID, err := db.RecordRunStart(args[0], now)
		if err != nil {
			return fmt.Errorf("phctl: recording run start: %w", err)
		}

		resultsPath := args[0] + ".results.csv"
		sched := scheduler.New(tasks, f, scheduler.Options{
			ShouldRecordStepsWhileRunning: cfg.Scheduler.ShouldRecordStepsWhileRunning,
			RecordsPath:                   resultsPath,
			ShouldPrintSchedulingMessages: cfg.Scheduler.ShouldPrintSchedulingMessages,
		})
		sched.SetAdaptiveGate(now, cfg.Scheduler.AdaptivePumpingActivateAfterNHours)

		if cfg.Scheduler.ShouldInitiallyEnsureCorrectPHBeforeStarting {
			if err := sched.PreCondition(60*time.Second, cfg.Scheduler.IncreasedPumpFactorWhenPerformingInitialCorrection); err != nil {
				db.RecordRunFinish(runID, time.Now(), "failed")
				return err
			}
		}

		runErr := sched.Run()
		outcome := "completed"
		if runErr != nil {
			outcome = "failed"
		}
		if err := db.RecordRunFinish(runID, time.Now(), outcome); err != nil {
			log.Printf("phctl: recording run finish: %v", err)
		}
		if runErr != nil {
			return runErr
		}
		return sched.Records().SaveFile(resultsPath)
	},
}

// --- 4: assign pump address ---

var assignAddressCmd = &cobra.Command{
	Use:   "assign-address NEW_ADDRESS",
	Short: "Reassign the pump currently at the commissioning address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		newAddr, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("phctl: parsing new address: %w", err)
		}
		f, cleanup, err := openFacade(cfg, calibration.NewStore())
		if err != nil {
			return err
		}
		defer cleanup()

		if _, err := f.GetCurrentPumpAddress(); err != nil {
			return err
		}
		addr, err := f.SetAndGetAddressForCurrentPump(wire.PumpID(newAddr))
		if err != nil {
			return err
		}
		fmt.Printf("pump reassigned to address %d\n", addr)
		return nil
	},
}

// --- 5: restart a failed run ---

var restartCmd = &cobra.Command{
	Use:   "restart PROTOCOL_PATH RESULTS_PATH",
	Short: "Restart a crashed run from its results file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logFile, err := setupLogging(args[0])
		if err != nil {
			return err
		}
		defer logFile.Close()

		tasks, err := recipe.ParseFile(args[0])
		if err != nil {
			return err
		}
		for _, t := range tasks {
			t.Controller = dosing.NewWindowedDerivative()
		}

		tasks, err = scheduler.Restart(tasks, args[1])
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println("every vessel chain already retired before the crash")
			return nil
		}

		cal, db, err := loadCalibration(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		f, cleanup, err := openFacade(cfg, cal)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := f.Initialize(); err != nil {
			return err
		}
		if err := f.InitializePumpsUsedInProtocol(tasks); err != nil {
			return err
		}
		defer f.Disconnect(tasks)

		runID, err := db.RecordRunStart(args[0], tasks[0].StartTime)
		if err != nil {
			return fmt.Errorf("phctl: recording run start: %w", err)
		}

		sched := scheduler.New(tasks, f, scheduler.Options{
			ShouldRecordStepsWhileRunning: cfg.Scheduler.ShouldRecordStepsWhileRunning,
			RecordsPath:                   args[1],
			ShouldPrintSchedulingMessages: cfg.Scheduler.ShouldPrintSchedulingMessages,
		})
		sched.SetAdaptiveGate(tasks[0].StartTime, cfg.Scheduler.AdaptivePumpingActivateAfterNHours)

		runErr := sched.Run()
		outcome := "completed"
		if runErr != nil {
			outcome = "failed"
		}
		if err := db.RecordRunFinish(runID, time.Now(), outcome); err != nil {
			log.Printf("phctl: recording run finish: %v", err)
		}
		if runErr != nil {
			return runErr
		}
		return sched.Records().SaveFile(args[1])
	},
}

// --- 6: live-read pH until keypress ---

var liveReadCmd = &cobra.Command{
	Use:   "live-read PROBE_ID",
	Short: "Continuously print a probe's pH until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cal, db, err := loadCalibration(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		f, cleanup, err := openFacade(cfg, cal)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		probeID := wire.ProbeID(args[0])
		for {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			ph, err := f.MeasurePHForTask(probeID)
			if err != nil {
				fmt.Printf("read failed: %v\n", err)
			} else {
				fmt.Printf("%s: %.3f\n", time.Now().Format(time.RFC3339), ph)
			}
			time.Sleep(time.Second)
		}
	},
}

// --- 7: pump N times ---

var pumpCmd = &cobra.Command{
	Use:   "pump PUMP_ID N",
	Short: "Dispense N times from a pump",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("phctl: parsing pump id: %w", err)
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("phctl: parsing count: %w", err)
		}
		f, cleanup, err := openFacade(cfg, calibration.NewStore())
		if err != nil {
			return err
		}
		defer cleanup()
		return f.PumpNTimes(wire.PumpID(addr), n)
	},
}

// --- 8: menu ---

// menuEntries maps each single-key selection onto a subcommand and the
// prompts for its positional arguments.
var menuEntries = map[string]struct {
	cmd     *cobra.Command
	prompts []string
}{
	"1": {setProtocolCmd, []string{"protocol spreadsheet path"}},
	"2": {calibrateCmd, []string{"probe id (module_channel)"}},
	"3": {runCmd, []string{"protocol spreadsheet path"}},
	"4": {assignAddressCmd, []string{"new pump address"}},
	"5": {restartCmd, []string{"protocol spreadsheet path", "results file path"}},
	"6": {liveReadCmd, []string{"probe id (module_channel)"}},
	"7": {pumpCmd, []string{"pump id", "number of doses"}},
}

var menuCmd = &cobra.Command{
	Use:   "menu",
	Short: "Single-key interactive menu over the subcommands above",
	RunE: func(cmd *cobra.Command, args []string) error {
		reader := bufio.NewReader(os.Stdin)
		for {
			fmt.Println("1) set protocol  2) calibrate probes  3) run protocol")
			fmt.Println("4) assign pump address  5) restart failed run  6) live-read pH")
			fmt.Println("7) pump N times  8) exit")
			fmt.Print("> ")
			line, err := reader.ReadString('\n')
			if err != nil {
				return nil
			}
			choice := trimNewline(line)
			if choice == "8" {
				return nil
			}
			entry, ok := menuEntries[choice]
			if !ok {
				fmt.Println("unrecognized selection")
				continue
			}
			cmdArgs := make([]string, 0, len(entry.prompts))
			for _, prompt := range entry.prompts {
				fmt.Printf("%s: ", prompt)
				arg, err := reader.ReadString('\n')
				if err != nil {
					return nil
				}
				cmdArgs = append(cmdArgs, trimNewline(arg))
			}
			if err := entry.cmd.RunE(entry.cmd, cmdArgs); err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
			}
		}
	},
}
