// Command dpdce is the digital predistortion computation engine for
// ODR-DabMod running in server mode: it measures TX/RX samples from the
// modulator, calibrates the feedback gain, fits the predistortion model
// and pushes updated coefficients, controlled over a YAML-RPC socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tubbz-alt/ODR-DabMod/internal/config"
	"github.com/Tubbz-alt/ODR-DabMod/internal/dpd"
	"github.com/Tubbz-alt/ODR-DabMod/internal/engine"
	"github.com/Tubbz-alt/ODR-DabMod/internal/logging"
	"github.com/Tubbz-alt/ODR-DabMod/internal/yamlrpc"
)

func main() {
	var (
		configPath string
		status     bool
		reset      bool
	)
	flag.StringVar(&configPath, "config", "gui-dpdce.yaml", "location of the configuration file")
	flag.BoolVar(&status, "s", false, "display the currently running DPD settings and exit")
	flag.BoolVar(&status, "status", false, "display the currently running DPD settings and exit")
	flag.BoolVar(&reset, "r", false, "reset the DPD settings to the defaults and exit")
	flag.BoolVar(&reset, "reset", false, "reset the DPD settings to the defaults and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.Setup(cfg.LogLevel, cfg.LogFormat, cfg.LogFolder)
	if err != nil {
		log.Fatalf("setup logging: %v", err)
	}
	logger.Info("DPDCE starting up")

	conf, err := dpd.NewGlobalConfig(cfg.SampleRate)
	if err != nil {
		log.Fatalf("derive DAB constants: %v", err)
	}

	adapt := dpd.NewAdapt(
		fmt.Sprintf("%s:%d", cfg.Host, cfg.RCPort),
		cfg.CoefFile, cfg.LogFolder, logger)
	defer adapt.Close()
	measure := dpd.NewMeasure(
		fmt.Sprintf("%s:%d", cfg.Host, cfg.DPDPort),
		cfg.Samps, logger)
	model := dpd.NewPoly()

	// Read the modulator's current truth; startup never touches any
	// setting on its own.
	settings, err := engine.Bootstrap(adapt)
	if err != nil {
		log.Fatalf("read modulator settings: %v", err)
	}
	if settings.Predistorter.Kind == engine.PredistorterPoly {
		if err := model.SetCoefficients(settings.Predistorter); err != nil {
			logger.Warn("running coefficients not usable, starting from identity",
				logging.F("error", err))
		}
	}
	logger.Info("modulator currently running",
		logging.F("tx_gain", settings.TxGain),
		logging.F("rx_gain", settings.RxGain),
		logging.F("digital_gain", settings.DigitalGain),
		logging.F("predistorter", settings.Predistorter.Describe()))

	if status {
		fmt.Printf("TX gain:      %v\n", settings.TxGain)
		fmt.Printf("RX gain:      %v\n", settings.RxGain)
		fmt.Printf("Digital gain: %v\n", settings.DigitalGain)
		fmt.Printf("Predistorter: %s\n", settings.Predistorter.Describe())
		return
	}
	if reset {
		if err := resetSettings(adapt, model); err != nil {
			log.Fatalf("reset settings: %v", err)
		}
		logger.Info("DPD settings were reset to default values")
		return
	}

	sock, err := yamlrpc.Bind(cfg.ControlPort, time.Second)
	if err != nil {
		log.Fatalf("bind control socket: %v", err)
	}
	defer sock.Close()

	eng := engine.New(sock, settings, engine.Collaborators{
		Capture:    measure,
		Stats:      dpd.NewExtractStatistic(),
		Fitter:     model,
		Adapter:    adapt,
		AGC:        dpd.NewAgc(measure, adapt, conf, logger),
		Heuristics: dpd.Schedule{},
		Diag:       dpd.NewDiagnostics(conf, logger),
	}, cfg.NumIter, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Run(ctx); err != nil {
		logger.Error("engine stopped", logging.F("error", err))
		os.Exit(1)
	}
	logger.Info("DPDCE stopped")
}

// resetSettings is the one-shot maintenance path behind -r: minimal
// digital gain, zero RX gain, identity predistorter.
func resetSettings(adapt *dpd.Adapt, model *dpd.Poly) error {
	if err := adapt.SetDigitalGain(0.01); err != nil {
		return err
	}
	if err := adapt.SetRxGain(0); err != nil {
		return err
	}
	return adapt.SetPredistorter(model.Default())
}
