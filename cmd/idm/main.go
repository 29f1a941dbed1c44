// Command idm controls iDotMatrix BLE LED matrix displays: discovery,
// short control commands and chunked media uploads.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/chaz8081/idmctl/internal/config"
)

const usage = `Usage: idm [flags] <command> [args]

Commands:
  scan                       discover iDotMatrix devices
  inspect                    show services and endpoint presence
  control power <off|on>     turn the screen off or on
  control brightness <0-100> set panel brightness
  control sync-time          synchronise the device clock
  control colour <r> <g> <b> fill the screen with one colour
  control text <text>        upload scrolling text
  control clock              show the built-in clock
  control countdown          start or stop the countdown
  control chronograph        drive the stopwatch
  control scoreboard         show the scoreboard
  control flip <0|1>         flip the panel orientation
  control screen-light       read or set the screen-light timeout
  gif <file>                 upload an animated GIF
  image <file>               upload a static image
  diy <file>                 upload a raw RGB frame
  ota <file>                 upload firmware
  set-led-type <1-11>        persist the LED type for an ambiguous device

Flags:
  -device <mac>   target device (defaults to config default_device)
  -config <path>  config file location
  -verbose        enable debug logging
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "idm: %v\n", err)
		os.Exit(1)
	}
}

type app struct {
	cfg        *config.Config
	configPath string
	device     string
	log        zerolog.Logger
}

func run(args []string) error {
	global, rest, err := splitGlobalFlags(args)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("missing command")
	}

	level := zerolog.InfoLevel
	if global.verbose {
		level = zerolog.TraceLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).
		With().Timestamp().Logger()

	configPath := global.configPath
	if configPath == "" {
		configPath = config.DefaultPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	device := global.device
	if device == "" {
		device = cfg.DefaultDevice
	}

	a := &app{cfg: cfg, configPath: configPath, device: device, log: log}
	return a.dispatch(rest)
}

type globalFlags struct {
	device     string
	configPath string
	verbose    bool
}

// splitGlobalFlags peels leading -device/-config/-verbose flags off the
// argument list, leaving the command and its own flags untouched.
func splitGlobalFlags(args []string) (globalFlags, []string, error) {
	var flags globalFlags
	i := 0
	for i < len(args) {
		switch args[i] {
		case "-device", "--device":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("%s requires a value", args[i])
			}
			flags.device = args[i+1]
			i += 2
		case "-config", "--config":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("%s requires a value", args[i])
			}
			flags.configPath = args[i+1]
			i += 2
		case "-verbose", "--verbose":
			flags.verbose = true
			i++
		case "-h", "-help", "--help":
			fmt.Fprint(os.Stderr, usage)
			os.Exit(0)
		default:
			return flags, args[i:], nil
		}
	}
	return flags, nil, nil
}
