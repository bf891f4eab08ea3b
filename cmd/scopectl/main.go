package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/timzifer/scopectl/config"
	"github.com/timzifer/scopectl/drivers/bundle"
	"github.com/timzifer/scopectl/processor"
	"github.com/timzifer/scopectl/service"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to configuration file or directory")
	healthcheck := flag.Bool("healthcheck", false, "Run a health check and exit")
	configCheck := flag.Bool("config-check", false, "Validate configuration, print the control dependency report and exit")
	flag.Parse()

	if *healthcheck {
		if err := executeHealthCheck(*cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *configCheck {
		os.Exit(executeConfigCheck(os.Stdout, cfg))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	proc, err := processor.New(ctx, processor.WithConfig(cfg), processor.WithConfigPath(*cfgPath, nil))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create processor")
	}
	defer proc.Close()

	if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("service stopped with error")
	}
}

func executeHealthCheck(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	return service.Validate(cfg, zerolog.Nop(), bundle.Options(nil)...)
}

func executeConfigCheck(out io.Writer, cfg *config.Config) int {
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "configuration invalid: %v\n", err)
		return 1
	}
	reports, err := service.AnalyzeDependencies(cfg)
	if err != nil {
		fmt.Fprintf(out, "configuration invalid: %v\n", err)
		return 1
	}
	if len(reports) == 0 {
		fmt.Fprintln(out, "No instruments configured.")
	}

	exitCode := 0
	for _, report := range reports {
		fmt.Fprintf(out, "Instrument %q (driver %s)\n", report.ID, report.Driver)
		if module := describeModule(report.Source); module != "" {
			fmt.Fprintf(out, "  Module: %s\n", module)
		}
		if len(report.Errors) > 0 {
			exitCode = 1
			fmt.Fprintln(out, "  Errors:")
			for _, msg := range report.Errors {
				fmt.Fprintf(out, "    - %s\n", msg)
			}
			fmt.Fprintln(out)
			continue
		}
		fmt.Fprintln(out, "  Controls:")
		if len(report.Controls) == 0 {
			fmt.Fprintln(out, "    <none>")
		}
		for _, ctrl := range report.Controls {
			printControl(out, ctrl)
		}
		fmt.Fprintln(out, "  Status: OK")
		fmt.Fprintln(out)
	}

	for _, src := range cfg.HardwareSources {
		driver := src.Driver
		if driver == "" {
			driver = "sim"
		}
		fmt.Fprintf(out, "Hardware source %q (driver %s, %d channels, %d profiles)\n", src.ID, driver, len(src.Channels), len(src.Profiles))
	}

	if exitCode == 0 {
		fmt.Fprintln(out, "Configuration check completed successfully.")
	} else {
		fmt.Fprintln(out, "Configuration check completed with errors.")
	}
	return exitCode
}

func printControl(out io.Writer, ctrl service.ControlReport) {
	label := ctrl.Name
	if ctrl.Units != "" {
		label = fmt.Sprintf("%s [%s]", ctrl.Name, ctrl.Units)
	}
	fmt.Fprintf(out, "    - %s: local %g, output %g\n", label, ctrl.Local, ctrl.Output)
	for _, in := range ctrl.Inputs {
		fmt.Fprintf(out, "        <- %s x %g\n", in.Control, in.Weight)
	}
	if len(ctrl.Dependents) > 0 {
		fmt.Fprintf(out, "        -> %s\n", strings.Join(ctrl.Dependents, ", "))
	}
}

func describeModule(ref config.ModuleReference) string {
	name := strings.TrimSpace(ref.Name)
	file := strings.TrimSpace(ref.File)
	desc := strings.TrimSpace(ref.Description)

	label := file
	if name != "" && file != "" {
		label = fmt.Sprintf("%s (%s)", name, file)
	} else if name != "" {
		label = name
	}
	if desc != "" {
		if label != "" {
			return fmt.Sprintf("%s: %s", label, desc)
		}
		return desc
	}
	return label
}
