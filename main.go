package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line.
type AppOptions struct {
	ConfigFile    string
	DataPath      string
	ModelPath     string
	OutputFile    string
	Overlap       float64
	MaxIterations int
	MaxDistance   float64
	Seed          int64
	Parallel      bool
	Serve         bool
	HttpPort      int
	JSONOutput    bool
}

// Runner is the part of App that run drives.
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunJob() error
	RunService() error
}

// run parses args, hands the options to app and starts the selected mode.
func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("cloudreg", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "", "Path to a YAML job file")
	fs.StringVar(&opts.DataPath, "data", "", "Data cloud or mesh to align (overrides data.path)")
	fs.StringVar(&opts.ModelPath, "model", "", "Model cloud or mesh to align onto (overrides model.path)")
	fs.StringVar(&opts.OutputFile, "output", "", "Write the registered data cloud here (.xyz or .ply, optionally compressed)")
	fs.Float64Var(&opts.Overlap, "overlap", 0, "Expected final overlap ratio in (0,1] (overrides registration.overlap)")
	fs.IntVar(&opts.MaxIterations, "max-iterations", 0, "Iteration cap (overrides registration.maxIterations)")
	fs.Float64Var(&opts.MaxDistance, "max-distance", 0, "Maximum correspondence distance, 0 = unbounded")
	fs.Int64Var(&opts.Seed, "seed", 0, "Random seed, 0 = derived from the input coordinates")
	fs.BoolVar(&opts.Parallel, "parallel", false, "Run nearest-neighbour searches on all cores")
	fs.BoolVar(&opts.Serve, "serve", false, "Run jobs announced on <prefix>/jobs over MQTT")
	fs.IntVar(&opts.HttpPort, "http-port", 0, "Serve /health and /status on this port in -serve mode, 0 = off")
	fs.BoolVar(&opts.JSONOutput, "json", false, "Print the result as JSON")

	if err := fs.Parse(args); err != nil {
		return err
	}
	fmt.Fprintf(out, "cloudreg version: %s\n", Version)

	app.ApplyOptions(opts)
	if opts.Serve {
		return app.RunService()
	}
	return app.RunJob()
}

func main() {
	app := NewApp(os.Stdout)
	if err := run(os.Args[1:], os.Stdout, app); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		if errors.Is(err, errUnusableOutcome) {
			log.Print(err)
			os.Exit(2)
		}
		log.Fatalf("Error: %v", err)
	}
}
