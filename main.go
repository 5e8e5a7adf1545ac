package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// envOrString returns the environment variable value if set, otherwise returns the default value.
func envOrString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

// commonFlags registers the flags shared by both subcommands.
func commonFlags(fs *flag.FlagSet, config *Config) {
	fs.StringVar(&config.Credentials.TadoEmail, "tado-email", envOrString("TADO_EMAIL", ""), "Tado account email")
	fs.StringVar(&config.Credentials.TadoPassword, "tado-password", envOrString("TADO_PASSWORD", ""), "Tado account password")
	fs.StringVar(&config.Credentials.ShortCode, "short-code", envOrString("OCTOPUS_SHORT_CODE", ""),
		"Short product code for your product, usually the same as the long one with some digits removed from start and end")
	fs.StringVar(&config.Credentials.LongCode, "long-code", envOrString("OCTOPUS_LONG_CODE", ""),
		"Long product code shown on your account API data")
	fs.StringVar(&config.Credentials.OctopusAPIKey, "octopus-api-key", envOrString("OCTOPUS_API_KEY", ""), "Octopus API key")
	fs.StringVar((*string)(&config.Fuel), "fuel", envOrString("OCTOPUS_FUEL", string(FuelGas)), "Tariff fuel: gas or electricity")
	fs.StringVar(&config.CacheDirectory, "cache", envOrString("CACHE_DIR", "disable"),
		"Directory for HTTP cache ('disable' to disable)")
	fs.StringVar(&config.StateDir, "state-dir", envOrString("STATE_DIR", ""),
		"Directory for sync state and backfill checkpoints (defaults to ~/.config/octopus-tado-rates)")
	fs.StringVar(&config.OutputCSV, "out", "", "Optional CSV file recording the applied rate changes")
}

func parseSyncFlags(args []string) *Config {
	config := &Config{}
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	commonFlags(fs, config)
	fs.Parse(args)
	return config
}

func parseBackfillFlags(args []string) *Config {
	config := &Config{}
	fs := flag.NewFlagSet("backfill", flag.ExitOnError)
	commonFlags(fs, config)
	start := fs.String("start", "", "Backfill range start date, YYYY-MM-DD (default one year before end)")
	end := fs.String("end", "", "Backfill range end date, YYYY-MM-DD exclusive (default today)")
	fs.IntVar(&config.ChunkDays, "chunk-days", 7, "Days of rates fetched and applied per checkpointed chunk")
	fs.StringVar(&config.Credentials.Mprn, "mprn", envOrString("OCTOPUS_MPRN", ""),
		"MPRN (Meter Point Reference Number) for the gas meter; enables the meter-reading backfill")
	fs.StringVar(&config.Credentials.GasSerialNumber, "gas-serial-number", envOrString("GAS_SERIAL_NUMBER", ""),
		"Gas meter serial number")
	fs.Parse(args)

	parseDate := func(name, value string) *time.Time {
		if value == "" {
			return nil
		}
		t, err := time.ParseInLocation("2006-01-02", value, time.UTC)
		if err != nil {
			log.Fatalf("Invalid --%s date %q: %v", name, value, err)
		}
		return &t
	}
	config.Start = parseDate("start", *start)
	config.End = parseDate("end", *end)
	return config
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [flags]

Commands:
  sync      Run one incremental rate sync pass from Octopus to Tado Energy IQ
  backfill  Replay a historical date range of rates (and optionally meter
            readings) into Tado Energy IQ, resumable via checkpoints

Run '%s <command> -h' for the command's flags.
`, os.Args[0], os.Args[0])
}

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "sync":
		run("sync", parseSyncFlags(os.Args[2:]), (*App).RunSync)
	case "backfill":
		run("backfill", parseBackfillFlags(os.Args[2:]), (*App).RunBackfill)
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func run(name string, config *Config, fn func(*App, context.Context) error) {
	app, err := NewApp(config)
	if err != nil {
		log.Fatalf("%s failed (%s): %v", name, errorClass(err), err)
	}

	if err := fn(app, context.Background()); err != nil {
		log.Fatalf("%s failed (%s): %v", name, errorClass(err), err)
	}
	log.Printf("%s completed", name)
}
