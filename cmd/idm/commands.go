package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/idmctl/internal/ble"
	"github.com/chaz8081/idmctl/internal/config"
	"github.com/chaz8081/idmctl/internal/control"
	"github.com/chaz8081/idmctl/internal/media"
	"github.com/chaz8081/idmctl/internal/profile"
	"github.com/chaz8081/idmctl/internal/proto"
	"github.com/chaz8081/idmctl/internal/raster"
	"github.com/chaz8081/idmctl/internal/scan"
	"github.com/chaz8081/idmctl/internal/session"
	"github.com/chaz8081/idmctl/internal/text"
	"github.com/chaz8081/idmctl/internal/transfer"
)

func (a *app) dispatch(args []string) error {
	switch args[0] {
	case "scan":
		return a.cmdScan(args[1:])
	case "inspect":
		return a.cmdInspect()
	case "control":
		if len(args) < 2 {
			return fmt.Errorf("control requires an action")
		}
		return a.dispatchControl(args[1], args[2:])
	case "gif":
		return a.cmdGif(args[1:])
	case "image":
		return a.cmdImage(args[1:])
	case "diy":
		return a.cmdDiy(args[1:])
	case "ota":
		return a.cmdOta(args[1:])
	case "set-led-type":
		return a.cmdSetLedType(args[1:])
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func (a *app) dispatchControl(action string, args []string) error {
	switch action {
	case "power":
		return a.cmdPower(args)
	case "brightness":
		return a.cmdBrightness(args)
	case "sync-time":
		return a.cmdSyncTime(args)
	case "colour", "color":
		return a.cmdColour(args)
	case "text":
		return a.cmdText(args)
	case "clock":
		return a.cmdClock(args)
	case "countdown":
		return a.cmdCountdown(args)
	case "chronograph":
		return a.cmdChronograph(args)
	case "scoreboard":
		return a.cmdScoreboard(args)
	case "flip":
		return a.cmdFlip(args)
	case "screen-light":
		return a.cmdScreenLight(args)
	default:
		return fmt.Errorf("unknown control action %q", action)
	}
}

// signalContext cancels on Ctrl+C so transfers fail with a clean
// cancellation instead of a torn write.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// connect opens a session to the target device and resolves its routing
// profile from the advertisement identity, persisted overrides and the
// LED-info query.
func (a *app) connect(ctx context.Context) (*session.Session, profile.Profile, func(), error) {
	if a.device == "" {
		return nil, profile.Profile{}, nil, fmt.Errorf("no device given: pass -device or set default_device in %s", a.configPath)
	}

	adapter := ble.Adapter(ble.NewTinyGoAdapter())
	if err := adapter.Enable(); err != nil {
		return nil, profile.Profile{}, nil, fmt.Errorf("enabling adapter: %w", err)
	}

	identity, found := a.scanIdentity(ctx, adapter)
	if !found {
		a.log.Warn().Str("device", a.device).Msg("device not seen while scanning, connecting blind")
	}

	conn, err := adapter.Connect(ctx, a.device)
	if err != nil {
		return nil, profile.Profile{}, nil, err
	}
	s, err := session.Open(conn, a.log)
	if err != nil {
		conn.Disconnect()
		return nil, profile.Profile{}, nil, err
	}
	cleanup := func() { s.Close() }

	ctrl := control.New(s, a.log)
	var ledInfo *proto.LedInfo
	if info, err := ctrl.QueryLedInfo(ctx); err == nil {
		ledInfo = &info
	} else {
		a.log.Debug().Err(err).Msg("led-info query unanswered")
	}

	override := a.cfg.OverrideFor(a.device)
	var resolved profile.Profile
	if found {
		resolved, err = profile.Resolve(identity, override, ledInfo)
		if err != nil {
			cleanup()
			return nil, profile.Profile{}, nil, err
		}
	} else {
		var ok bool
		resolved, ok = profile.ResolveWithoutIdentity(override, ledInfo)
		if !ok {
			cleanup()
			return nil, profile.Profile{}, nil, fmt.Errorf("cannot resolve panel type: run `idm set-led-type` for this device")
		}
	}

	if resolved.JointModeRequired && resolved.JointMode != 0 {
		if err := ctrl.SendJointMode(resolved.JointMode); err != nil {
			cleanup()
			return nil, profile.Profile{}, nil, err
		}
	}

	a.log.Info().
		Stringer("panel", resolved.LedType).
		Stringer("text_path", resolved.TextPath).
		Msg("connected")
	return s, resolved, cleanup, nil
}

// scanIdentity looks for the target device's advertisement to recover its
// identity payload before connecting.
func (a *app) scanIdentity(ctx context.Context, adapter ble.Adapter) (scan.Identity, bool) {
	scanCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var identity scan.Identity
	found := false
	_ = adapter.Scan(scanCtx, func(adv ble.Advertisement) bool {
		if !strings.EqualFold(adv.MAC, a.device) {
			return true
		}
		for _, record := range adv.ManufacturerData {
			if id, _, ok := scan.ParseIdentity(record); ok {
				identity = id
				found = true
				return false
			}
		}
		return true
	})
	return identity, found
}

func (a *app) coordinator(s *session.Session) *transfer.Coordinator {
	var opts []transfer.Option
	for _, family := range []proto.Family{
		proto.FamilyText, proto.FamilyGif, proto.FamilyImage, proto.FamilyDiy,
		proto.FamilyTimer, proto.FamilySchedule, proto.FamilyOta,
	} {
		if timeout := a.cfg.AckTimeoutFor(family); timeout > 0 {
			opts = append(opts, transfer.WithAckTimeout(family, timeout))
		}
	}
	return transfer.New(s, a.log, opts...)
}

func (a *app) cmdScan(args []string) error {
	flags := flag.NewFlagSet("scan", flag.ContinueOnError)
	timeout := flags.Duration("timeout", 10*time.Second, "scan duration")
	if err := flags.Parse(args); err != nil {
		return err
	}

	adapter := ble.NewTinyGoAdapter()
	if err := adapter.Enable(); err != nil {
		return fmt.Errorf("enabling adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	seen := make(map[string]bool)
	err := adapter.Scan(ctx, func(adv ble.Advertisement) bool {
		if seen[adv.MAC] {
			return true
		}
		for _, record := range adv.ManufacturerData {
			id, _, ok := scan.ParseIdentity(record)
			if !ok {
				continue
			}
			if scan.Blocklisted(id, a.cfg.Blocklist) {
				a.log.Debug().Str("mac", adv.MAC).Msg("blocklisted device skipped")
				break
			}
			seen[adv.MAC] = true
			fmt.Printf("%s  rssi=%-4d  name=%-16s  shape=%d  cid=%d  pid=%d\n",
				adv.MAC, adv.RSSI, adv.LocalName, id.Shape, id.CID, id.PID)
			break
		}
		return true
	})
	if err != nil {
		return err
	}
	if len(seen) == 0 {
		fmt.Println("no iDotMatrix devices found")
	}
	return nil
}

func (a *app) cmdInspect() error {
	ctx, cancel := signalContext()
	defer cancel()

	if a.device == "" {
		return fmt.Errorf("inspect requires -device")
	}
	adapter := ble.NewTinyGoAdapter()
	if err := adapter.Enable(); err != nil {
		return err
	}
	conn, err := adapter.Connect(ctx, a.device)
	if err != nil {
		return err
	}
	defer conn.Disconnect()

	services, err := conn.Services()
	if err != nil {
		return err
	}
	for _, service := range services {
		fmt.Printf("service %s\n", service.UUID)
		for _, char := range service.Characteristics {
			fmt.Printf("  characteristic %s\n", char.UUID())
		}
	}
	endpoints, err := session.Negotiate(services)
	if err != nil {
		fmt.Println("control profile: none matched")
		return nil
	}
	fmt.Printf("control profile: %s (ota=%v)\n", endpoints.Profile, endpoints.HasOta())
	return nil
}

func (a *app) cmdPower(args []string) error {
	if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
		return fmt.Errorf("usage: idm control power <off|on>")
	}
	return a.withController(func(ctx context.Context, ctrl *control.Controller, _ profile.Profile) error {
		return ctrl.SetPower(args[0] == "on")
	})
}

func (a *app) cmdBrightness(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: idm control brightness <0..=100>")
	}
	value, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("brightness must be a number: %w", err)
	}
	return a.withController(func(ctx context.Context, ctrl *control.Controller, _ profile.Profile) error {
		return ctrl.SetBrightness(value)
	})
}

func (a *app) cmdSyncTime(args []string) error {
	flags := flag.NewFlagSet("sync-time", flag.ContinueOnError)
	unix := flags.Int64("unix", 0, "unix timestamp to set instead of the local clock")
	if err := flags.Parse(args); err != nil {
		return err
	}
	ts := time.Now()
	if *unix != 0 {
		ts = time.Unix(*unix, 0)
	}
	return a.withController(func(ctx context.Context, ctrl *control.Controller, _ profile.Profile) error {
		return ctrl.SyncTime(ts)
	})
}

func (a *app) cmdColour(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: idm control colour <r> <g> <b>")
	}
	var rgb [3]byte
	for i, arg := range args {
		value, err := strconv.Atoi(arg)
		if err != nil || value < 0 || value > 255 {
			return fmt.Errorf("colour channel %q must be 0..=255", arg)
		}
		rgb[i] = byte(value)
	}
	return a.withController(func(ctx context.Context, ctrl *control.Controller, _ profile.Profile) error {
		return ctrl.SetColour(rgb[0], rgb[1], rgb[2])
	})
}

func (a *app) cmdText(args []string) error {
	flags := flag.NewFlagSet("text", flag.ContinueOnError)
	mode := flags.Int("mode", 0, "animation mode")
	speed := flags.Int("speed", 0x20, "scroll speed")
	colour := flags.String("colour", "255,255,255", "text colour r,g,b")
	fontSize := flags.Int("font-size", 16, "font size on 32x32/64x64 panels (16, 32, 64)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: idm control text [flags] <text>")
	}
	rgb, err := parseRGB(*colour)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	s, resolved, cleanup, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	opts := text.DefaultOptions()
	opts.Mode = byte(*mode)
	opts.Speed = byte(*speed)
	opts.Colour = rgb
	opts.FontSize = *fontSize

	builder := text.NewBuilder(raster.NewFallback())
	payload, err := builder.Build(flags.Arg(0), opts, resolved)
	if err != nil {
		return err
	}
	receipt, err := a.coordinator(s).Text(ctx, payload)
	if err != nil {
		return err
	}
	a.log.Info().Int("bytes", receipt.BytesWritten).Int("fragments", receipt.Fragments).Msg("text uploaded")
	return nil
}

func (a *app) cmdClock(args []string) error {
	flags := flag.NewFlagSet("clock", flag.ContinueOnError)
	style := flags.Int("style", 0, "clock face style")
	showDate := flags.Bool("date", false, "show the date")
	hour24 := flags.Bool("24h", true, "24-hour format")
	colour := flags.String("colour", "255,255,255", "clock colour r,g,b")
	if err := flags.Parse(args); err != nil {
		return err
	}
	rgb, err := parseRGB(*colour)
	if err != nil {
		return err
	}
	return a.withController(func(ctx context.Context, ctrl *control.Controller, _ profile.Profile) error {
		return ctrl.ShowClock(control.ClockStyle(*style), *showDate, *hour24, rgb.R, rgb.G, rgb.B)
	})
}

func (a *app) cmdCountdown(args []string) error {
	flags := flag.NewFlagSet("countdown", flag.ContinueOnError)
	minutes := flags.Int("minutes", 0, "countdown minutes")
	seconds := flags.Int("seconds", 0, "countdown seconds")
	stop := flags.Bool("stop", false, "stop the running countdown")
	if err := flags.Parse(args); err != nil {
		return err
	}
	return a.withController(func(ctx context.Context, ctrl *control.Controller, _ profile.Profile) error {
		return ctrl.Countdown(!*stop, *minutes, *seconds)
	})
}

func (a *app) cmdChronograph(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: idm control chronograph <reset|start|pause|continue>")
	}
	modes := map[string]control.ChronographMode{
		"reset":    control.ChronographReset,
		"start":    control.ChronographStart,
		"pause":    control.ChronographPause,
		"continue": control.ChronographContinue,
	}
	mode, ok := modes[args[0]]
	if !ok {
		return fmt.Errorf("unknown chronograph mode %q", args[0])
	}
	return a.withController(func(ctx context.Context, ctrl *control.Controller, _ profile.Profile) error {
		return ctrl.Chronograph(mode)
	})
}

func (a *app) cmdScoreboard(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: idm control scoreboard <player1> <player2>")
	}
	p1, err1 := strconv.Atoi(args[0])
	p2, err2 := strconv.Atoi(args[1])
	if err1 != nil || err2 != nil {
		return fmt.Errorf("scoreboard counters must be numbers")
	}
	return a.withController(func(ctx context.Context, ctrl *control.Controller, _ profile.Profile) error {
		return ctrl.SetScoreboard(p1, p2)
	})
}

func (a *app) cmdFlip(args []string) error {
	if len(args) != 1 || (args[0] != "0" && args[0] != "1") {
		return fmt.Errorf("usage: idm control flip <0|1>")
	}
	return a.withController(func(ctx context.Context, ctrl *control.Controller, _ profile.Profile) error {
		return ctrl.SetFlip(args[0] == "1")
	})
}

func (a *app) cmdScreenLight(args []string) error {
	flags := flag.NewFlagSet("screen-light", flag.ContinueOnError)
	set := flags.Int("set", -1, "set the timeout in minutes instead of reading it")
	if err := flags.Parse(args); err != nil {
		return err
	}
	return a.withController(func(ctx context.Context, ctrl *control.Controller, _ profile.Profile) error {
		if *set >= 0 {
			return ctrl.SetScreenLightTimeout(*set)
		}
		value, err := ctrl.ReadScreenLightTimeout(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("screen-light timeout: %d\n", value)
		return nil
	})
}

func (a *app) cmdGif(args []string) error {
	flags := flag.NewFlagSet("gif", flag.ContinueOnError)
	slot := flags.Int("slot", int(proto.SlotShowNow), "material slot (13 shows immediately)")
	timeSign := flags.Int("time-sign", 0, "display duration selector 0..4")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: idm gif [flags] <file>")
	}
	raw, err := os.ReadFile(flags.Arg(0))
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	s, resolved, cleanup, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := media.ValidateGif(raw, resolved.PanelWidth, resolved.PanelHeight); err != nil {
		return err
	}
	tail, err := mediaTail(*slot, *timeSign)
	if err != nil {
		return err
	}
	receipt, err := a.coordinator(s).Gif(ctx, raw, tail)
	if err != nil {
		return err
	}
	if receipt.Cached {
		a.log.Info().Int("bytes", receipt.BytesWritten).Msg("gif uploaded (device cache hit)")
	} else {
		a.log.Info().Int("bytes", receipt.BytesWritten).Int("chunks", receipt.LogicalChunks).Msg("gif uploaded")
	}
	return nil
}

// mediaTail resolves the header tail policy: slot 12 means immediate
// display with no time signature, anything else carries a duration.
func mediaTail(slot, timeSign int) (proto.MediaTail, error) {
	if slot == int(proto.SlotNoTimeSignature) {
		return proto.NoTimeSignatureTail(), nil
	}
	if slot < 0 || slot > 0xFF {
		return proto.MediaTail{}, fmt.Errorf("slot %d out of range", slot)
	}
	return proto.TimedTail(byte(slot), proto.TimeSign(timeSign))
}

func (a *app) cmdImage(args []string) error {
	flags := flag.NewFlagSet("image", flag.ContinueOnError)
	slot := flags.Int("slot", int(proto.SlotShowNow), "material slot (13 shows immediately)")
	timeSign := flags.Int("time-sign", 0, "display duration selector 0..4")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: idm image [flags] <file>")
	}
	raw, err := os.ReadFile(flags.Arg(0))
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	s, _, cleanup, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	tail, err := mediaTail(*slot, *timeSign)
	if err != nil {
		return err
	}
	receipt, err := a.coordinator(s).Image(ctx, raw, tail)
	if err != nil {
		return err
	}
	a.log.Info().Int("bytes", receipt.BytesWritten).Int("chunks", receipt.LogicalChunks).Msg("image uploaded")
	return nil
}

func (a *app) cmdDiy(args []string) error {
	flags := flag.NewFlagSet("diy", flag.ContinueOnError)
	brightness := flags.Int("brightness", 100, "client-side brightness scale 0..100")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: idm diy [flags] <file>")
	}
	raw, err := os.ReadFile(flags.Arg(0))
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	s, resolved, cleanup, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	frame, err := media.DiyFrame(raw, resolved.PanelWidth, resolved.PanelHeight)
	if err != nil {
		return err
	}
	receipt, err := a.coordinator(s).Diy(ctx, frame, *brightness)
	if err != nil {
		return err
	}
	a.log.Info().Int("bytes", receipt.BytesWritten).Msg("diy frame uploaded")
	return nil
}

func (a *app) cmdOta(args []string) error {
	flags := flag.NewFlagSet("ota", flag.ContinueOnError)
	otaType := flags.Int("type", 1, "ota package type byte")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: idm ota [flags] <file>")
	}
	firmware, err := os.ReadFile(flags.Arg(0))
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	s, _, cleanup, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	receipt, err := a.coordinator(s).Ota(ctx, byte(*otaType), firmware)
	if err != nil {
		return err
	}
	a.log.Info().Int("bytes", receipt.BytesWritten).Int("packages", receipt.LogicalChunks).Msg("firmware uploaded")
	return nil
}

func (a *app) cmdSetLedType(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: idm -device <mac> set-led-type <type>")
	}
	if a.device == "" {
		return fmt.Errorf("set-led-type requires -device")
	}
	value, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("led type must be a number: %w", err)
	}
	if err := a.cfg.SetOverride(a.device, profile.LedType(value)); err != nil {
		return err
	}
	if err := config.Save(a.configPath, a.cfg); err != nil {
		return err
	}
	fmt.Printf("persisted led type %d for %s\n", value, a.device)
	return nil
}

// withController connects, runs one short-command action and disconnects.
func (a *app) withController(action func(context.Context, *control.Controller, profile.Profile) error) error {
	ctx, cancel := signalContext()
	defer cancel()
	s, resolved, cleanup, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	return action(ctx, control.New(s, a.log), resolved)
}

func parseRGB(s string) (text.RGB, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return text.RGB{}, fmt.Errorf("colour must be r,g,b")
	}
	var rgb [3]byte
	for i, part := range parts {
		value, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || value < 0 || value > 255 {
			return text.RGB{}, fmt.Errorf("colour channel %q must be 0..=255", part)
		}
		rgb[i] = byte(value)
	}
	return text.RGB{R: rgb[0], G: rgb[1], B: rgb[2]}, nil
}
