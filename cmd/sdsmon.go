package main

import (
	"os"
	"os/signal"
	"sort"
	"syscall"

	"sdsmon/pkg/app"
	"sdsmon/pkg/app/config"

	"github.com/urfave/cli/v2"
	"github.com/womat/debug"
)

const defaultConfigFile = "/opt/womat/config/" + app.MODULE + ".yaml"

func main() {
	exitCode := 1
	defer func() {
		os.Exit(exitCode)
	}()

	// cfg holds the application configuration
	cfg := config.NewConfig()

	cliApp := &cli.App{
		Name:    app.MODULE,
		Usage:   "Monitor for the Nova Fitness SDS011 particulate matter sensor",
		Version: app.VERSION,
		Description: "Read PM2.5 and PM10 measurements of an SDS011 sensor on a serial port and write values to mqtt." +
			"\n Without the monitor flag the requested sensor commands run once and the program exits.",
		UsageText: "sdsmon [--config <file>] [--log standard|debug|trace] [sensor flags]" +
			"\n\nEXAMPLE:" +
			"\n\tprint firmware date and device id of the sensor on /dev/ttyUSB0" +
			"\n\t\tsdsmon -f -d" +
			"\n\tquery 10 measurements 5 seconds apart" +
			"\n\t\tsdsmon -q 10:5" +
			"\n\tstart the monitor and use the configuration file sdsmon.yaml" +
			"\n\t\tsdsmon --monitor --config /opt/womat/sdsmon.yaml",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Destination: &cfg.Flag.ConfigFile, Value: defaultConfigFile, Usage: "load configuration from `FILE`"},
			&cli.StringFlag{Name: "log", Aliases: []string{"l"}, Destination: &cfg.Flag.LogLevel, Usage: "`LEVEL` defines the log level (standard|debug|trace)"},
			&cli.StringFlag{Name: "device", Aliases: []string{"u"}, Destination: &cfg.Flag.Device, Usage: "serial `DEVICE` the sensor is connected to"},
			&cli.Float64Flag{Name: "humidity", Aliases: []string{"H"}, Destination: &cfg.Flag.Humidity, Usage: "correct PM2.5 readings for a relative humidity of `RH` percent"},
			&cli.BoolFlag{Name: "firmware", Aliases: []string{"f"}, Destination: &cfg.Flag.Firmware, Usage: "print the firmware date of the sensor"},
			&cli.BoolFlag{Name: "device-id", Aliases: []string{"d"}, Destination: &cfg.Flag.DeviceID, Usage: "print the device id of the sensor"},
			&cli.BoolFlag{Name: "reporting", Aliases: []string{"r"}, Destination: &cfg.Flag.ReportingMode, Usage: "print the reporting mode of the sensor"},
			&cli.BoolFlag{Name: "work-mode", Aliases: []string{"m"}, Destination: &cfg.Flag.WorkMode, Usage: "print the work mode of the sensor"},
			&cli.BoolFlag{Name: "period", Aliases: []string{"p"}, Destination: &cfg.Flag.Period, Usage: "print the working period of the sensor"},
			&cli.StringFlag{Name: "set-reporting", Aliases: []string{"R"}, Destination: &cfg.Flag.SetReporting, Usage: "switch the reporting `MODE` (query|stream)"},
			&cli.StringFlag{Name: "set-work-mode", Aliases: []string{"M"}, Destination: &cfg.Flag.SetWorkMode, Usage: "switch the work `MODE` (work|sleep)"},
			&cli.IntFlag{Name: "set-period", Aliases: []string{"P"}, Destination: &cfg.Flag.SetPeriod, Value: -1, Usage: "set the working period to `MINUTES` (0..30, 0 measures continuously)"},
			&cli.StringFlag{Name: "set-device-id", Aliases: []string{"D"}, Destination: &cfg.Flag.SetDeviceID, Usage: "assign a new device `ID` (16 bit, hex)"},
			&cli.StringFlag{Name: "query", Aliases: []string{"q"}, Destination: &cfg.Flag.Query, Usage: "query `COUNT:DELAY` measurements with DELAY seconds in between, COUNT 0 queries endlessly"},
			&cli.BoolFlag{Name: "stream", Aliases: []string{"o"}, Destination: &cfg.Flag.Stream, Usage: "dump the measurement stream of the sensor"},
			&cli.BoolFlag{Name: "monitor", Destination: &cfg.Flag.Monitor, Usage: "run as monitor: measure continuously, send values to mqtt and serve the web API"},
		},
		Action: func(ctx *cli.Context) error {
			if err := cfg.LoadConfig(); err != nil {
				return err
			}

			debug.SetDebug(cfg.Log.File, cfg.Log.Flag)
			defer func() {
				debug.InfoLog.Printf("closing debug file %s", cfg.Log.FileString)
				_ = cfg.Log.File.Close()
			}()

			a, err := app.New(cfg)
			defer func() {
				debug.InfoLog.Printf("closing app %s", app.Version())
				_ = a.Close()
			}()

			if err != nil {
				return err
			}

			debug.InfoLog.Printf("starting app %s", app.Version())
			if err = a.Run(); err != nil {
				return err
			}

			if !cfg.Flag.Monitor {
				return nil
			}

			// capture exit signals to ensure resources are released on exit.
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(quit)

			// wait for an os.Interrupt signal (CTRL C)
			sig := <-quit
			debug.InfoLog.Printf("Got %s signal. Aborting...", sig)

			return nil
		},
	}

	// we expect to have more command line flags in the future - sort them
	sort.Sort(cli.FlagsByName(cliApp.Flags))
	sort.Sort(cli.CommandsByName(cliApp.Commands))

	err := cliApp.Run(os.Args)
	if err != nil {
		debug.FatalLog.Print(err)
		exitCode = 1
		return
	}

	exitCode = 0
	return
}
