// Hand rehabilitation glove service.
//
// Responsibilities:
//   - Connect to a flex-sensor glove over BLE (Nordic UART) or USB serial
//   - Decode frames, smooth them and keep a bounded per-finger history
//   - Expose state, commands and press events over HTTP + WebSocket
//   - Persist the live signal vector to a local key-value store
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/fang"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"hand-rehab/analytics"
	"hand-rehab/ble"
	"hand-rehab/hand"
	"hand-rehab/server"
	"hand-rehab/store"
)

var version = "dev"

// config is the command line surface.
type config struct {
	Addr               string
	Transport          string
	SerialPort         string
	SerialVID          string
	Baud               int
	Encoding           string
	Channels           int
	NamePrefix         string
	ScanTimeout        time.Duration
	History            int
	Alpha              float64
	Throttle           time.Duration
	FirstPacketTimeout time.Duration
	PersistInterval    time.Duration
	StorePath          string
	MySQLDSN           string
	Hysteresis         float64
	LoadThresholds     bool
	AutoConnect        bool
	LogLevel           string
}

func defaultConfig() config {
	conn := ble.DefaultConnConfig()
	scan := ble.DefaultScanConfig()
	an := analytics.DefaultConfig()
	return config{
		Addr:               ":8080",
		Transport:          "ble",
		Baud:               ble.DefaultSerialConfig().BaudRate,
		Encoding:           ble.EncodingBinary.String(),
		Channels:           ble.FingerChannels,
		ScanTimeout:        scan.ScanTimeout,
		History:            an.HistoryCapacity,
		Alpha:              an.Alpha,
		Throttle:           conn.Throttle,
		FirstPacketTimeout: conn.FirstPacketTimeout,
		PersistInterval:    hand.DefaultPersistInterval,
		StorePath:          "hand-rehab.json",
		Hysteresis:         an.Hysteresis,
		LoadThresholds:     true,
		LogLevel:           "info",
	}
}

func main() {
	cfg := defaultConfig()
	cmd := &cobra.Command{
		Use:   "hand-rehab",
		Short: "Flex-sensor glove ingestion service",
		Long: `hand-rehab connects to a flex-sensor rehabilitation glove, decodes its
finger readings and serves live state, calibration and press events over
HTTP and WebSocket.`,
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
		SilenceUsage: true,
	}
	bindFlags(cmd, &cfg)

	if err := fang.Execute(context.Background(), cmd); err != nil {
		os.Exit(1)
	}
}

func bindFlags(cmd *cobra.Command, cfg *config) {
	f := cmd.Flags()
	f.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	f.StringVar(&cfg.Transport, "transport", cfg.Transport, "glove transport: ble or serial")
	f.StringVar(&cfg.SerialPort, "serial-port", cfg.SerialPort, "serial device (empty selects the first USB port)")
	f.StringVar(&cfg.SerialVID, "serial-vid", cfg.SerialVID, "USB vendor id used when --serial-port is empty")
	f.IntVar(&cfg.Baud, "baud", cfg.Baud, "serial baud rate")
	f.StringVar(&cfg.Encoding, "encoding", cfg.Encoding, "frame encoding: binary or text")
	f.IntVar(&cfg.Channels, "channels", cfg.Channels, "channels per frame")
	f.StringVar(&cfg.NamePrefix, "name-prefix", cfg.NamePrefix, "also accept gloves advertising this name prefix")
	f.DurationVar(&cfg.ScanTimeout, "scan-timeout", cfg.ScanTimeout, "BLE scan timeout")
	f.IntVar(&cfg.History, "history", cfg.History, "samples kept per channel")
	f.Float64Var(&cfg.Alpha, "alpha", cfg.Alpha, "smoothing factor in (0,1]")
	f.DurationVar(&cfg.Throttle, "throttle", cfg.Throttle, "minimum spacing between counted packets")
	f.DurationVar(&cfg.FirstPacketTimeout, "first-packet-timeout", cfg.FirstPacketTimeout, "time to wait for the first notification")
	f.DurationVar(&cfg.PersistInterval, "persist-interval", cfg.PersistInterval, "how often signals are persisted")
	f.StringVar(&cfg.StorePath, "store-path", cfg.StorePath, "JSON file used for persisted signals")
	f.StringVar(&cfg.MySQLDSN, "mysql-dsn", cfg.MySQLDSN, "persist to MySQL instead of --store-path")
	f.Float64Var(&cfg.Hysteresis, "hysteresis", cfg.Hysteresis, "band above each threshold a pressed finger must clear to release")
	f.BoolVar(&cfg.LoadThresholds, "load-thresholds", cfg.LoadThresholds, "use persisted signals as press thresholds on startup")
	f.BoolVar(&cfg.AutoConnect, "connect", cfg.AutoConnect, "connect to the glove on startup")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
}

// handOptions validates cfg and maps it onto facade options.
func handOptions(cfg config) (hand.Options, error) {
	enc, err := ble.ParseEncoding(cfg.Encoding)
	if err != nil {
		return hand.Options{}, err
	}
	if cfg.Channels <= 0 {
		return hand.Options{}, fmt.Errorf("--channels must be positive, got %d", cfg.Channels)
	}
	if cfg.Transport == "serial" && enc != ble.EncodingText {
		return hand.Options{}, errors.New("serial transport requires --encoding text")
	}

	opts := hand.DefaultOptions()
	opts.Encoding = enc
	opts.Channels = cfg.Channels
	opts.Conn.Throttle = cfg.Throttle
	opts.Conn.FirstPacketTimeout = cfg.FirstPacketTimeout
	opts.Analytics.HistoryCapacity = cfg.History
	opts.Analytics.Alpha = cfg.Alpha
	opts.Analytics.Hysteresis = cfg.Hysteresis
	return opts, nil
}

func newPicker(cfg config) (ble.Picker, error) {
	switch strings.ToLower(cfg.Transport) {
	case "ble", "":
		scan := ble.DefaultScanConfig()
		scan.ScanTimeout = cfg.ScanTimeout
		scan.NamePrefix = cfg.NamePrefix
		return ble.NewBlueZPicker(scan), nil
	case "serial":
		sc := ble.DefaultSerialConfig()
		sc.Port = cfg.SerialPort
		sc.VID = cfg.SerialVID
		sc.BaudRate = cfg.Baud
		return ble.NewSerialPicker(sc), nil
	}
	return nil, fmt.Errorf("unknown transport %q (want ble or serial)", cfg.Transport)
}

func openStore(ctx context.Context, cfg config) (store.Store, error) {
	if cfg.MySQLDSN != "" {
		return store.OpenMySQLStore(ctx, cfg.MySQLDSN)
	}
	return store.OpenFileStore(cfg.StorePath)
}

func run(ctx context.Context, cfg config) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	logrus.SetLevel(level)
	log := logrus.WithField("component", "main")

	opts, err := handOptions(cfg)
	if err != nil {
		return err
	}
	picker, err := newPicker(cfg)
	if err != nil {
		return err
	}
	h, err := hand.New(picker, opts)
	if err != nil {
		return err
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	if cfg.LoadThresholds {
		if _, err := h.LoadThresholds(ctx, st); err != nil {
			log.WithError(err).Warn("No persisted thresholds loaded")
		}
	}
	go h.RunPersistence(ctx, st, cfg.PersistInterval)

	srv := server.New(h, server.NewHub())
	defer srv.Close()

	if cfg.AutoConnect {
		go func() {
			if err := h.Connect(ctx); err != nil {
				log.WithError(err).Warn("Initial connect failed")
			}
		}()
	}

	err = srv.ListenAndServe(ctx, cfg.Addr)

	disconnectCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if derr := h.Disconnect(disconnectCtx); derr != nil {
		log.WithError(derr).Warn("Disconnect on shutdown failed")
	}
	if serr := h.Save(disconnectCtx, st); serr != nil {
		log.WithError(serr).Warn("Final save failed")
	}
	log.Info("Shutdown complete")
	return err
}
