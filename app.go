package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/geo/r3"
	"github.com/kwv/cloudreg/cloudio"
	"github.com/kwv/cloudreg/publish"
	"github.com/kwv/cloudreg/registration"
)

// errUnusableOutcome marks a run that ended without a transform to apply.
var errUnusableOutcome = errors.New("registration did not produce a usable transform")

// jobQueueSize bounds the jobs waiting in service mode.
const jobQueueSize = 16

// App encapsulates the application state and dependencies
type App struct {
	Out        io.Writer
	Status     *StatusTracker
	MQTTClient mqtt.Client
	Publisher  *publish.Publisher

	// CLI Flags (effectively dependencies)
	ConfigFile    string
	DataPath      string
	ModelPath     string
	OutputFile    string
	Overlap       float64
	MaxIterations int
	MaxDistance   float64
	Seed          int64
	Parallel      bool
	HttpPort      int
	JSONOutput    bool

	// baseCtx is the parent of every run's signal context.
	baseCtx context.Context
	// connect dials the broker; tests replace it with a mock.
	connect func(ctx context.Context, s publish.Settings, onConnect mqtt.OnConnectHandler) (mqtt.Client, error)
}

// NewApp creates a new App instance writing reports to out
func NewApp(out io.Writer) *App {
	return &App{
		Out:     out,
		Status:  NewStatusTracker(),
		baseCtx: context.Background(),
		connect: publish.Connect,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.DataPath = opts.DataPath
	a.ModelPath = opts.ModelPath
	a.OutputFile = opts.OutputFile
	a.Overlap = opts.Overlap
	a.MaxIterations = opts.MaxIterations
	a.MaxDistance = opts.MaxDistance
	a.Seed = opts.Seed
	a.Parallel = opts.Parallel
	a.HttpPort = opts.HttpPort
	a.JSONOutput = opts.JSONOutput
}

// LoadJob reads the job file, when one is given, and applies the command
// line overrides on top of it.
func (a *App) LoadJob() (*registration.JobConfig, error) {
	job := &registration.JobConfig{Registration: registration.DefaultRegistrationConfig()}
	if a.ConfigFile != "" {
		loaded, err := registration.LoadJobConfig(a.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("loading job %s: %w", a.ConfigFile, err)
		}
		job = loaded
	}

	if a.DataPath != "" {
		job.Data.Path = a.DataPath
	}
	if a.ModelPath != "" {
		job.Model.Path = a.ModelPath
	}
	if a.OutputFile != "" {
		job.Output = a.OutputFile
	}
	if a.Overlap > 0 {
		job.Registration.Overlap = a.Overlap
	}
	if a.MaxIterations > 0 {
		job.Registration.MaxIterations = a.MaxIterations
	}
	if a.MaxDistance > 0 {
		job.Registration.MaxCorrespondenceDistance = a.MaxDistance
	}
	if a.Seed != 0 {
		job.Registration.Seed = a.Seed
	}
	if a.Parallel {
		job.Registration.Parallel = true
	}

	if job.Data.Path == "" || job.Model.Path == "" {
		return nil, fmt.Errorf("data and model inputs are required (use -config or -data and -model)")
	}
	if err := job.Registration.Validate(); err != nil {
		return nil, fmt.Errorf("registration: %w", err)
	}
	return job, nil
}

// RunJob runs the single job described by the flags and prints its result.
func (a *App) RunJob() error {
	ctx, stop := signal.NotifyContext(a.baseCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	job, err := a.LoadJob()
	if err != nil {
		return err
	}
	name := jobName(a.ConfigFile, job)

	if s := publish.ResolveSettings(job.MQTT); s.Broker != "" {
		cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		client, err := a.connect(cctx, s, nil)
		cancel()
		if err != nil {
			log.Printf("Warning: MQTT publishing disabled: %v", err)
		} else {
			a.MQTTClient = client
			a.Publisher = publish.NewPublisher(client, s.PublishPrefix)
			defer publish.Disconnect(client)
		}
	}

	result, err := a.Execute(ctx, name, job)
	if result == nil {
		return err
	}
	if perr := a.printResult(name, result); perr != nil {
		return perr
	}
	if !result.Outcome.Usable() {
		return fmt.Errorf("%s: %w", result, errUnusableOutcome)
	}
	return nil
}

// RunService connects to the broker and runs every job announced on
// <prefix>/jobs, one at a time, until interrupted.
func (a *App) RunService() error {
	ctx, stop := signal.NotifyContext(a.baseCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var mqttConfig *registration.MQTTConfig
	if a.ConfigFile != "" {
		cfg, err := registration.LoadServiceConfig(a.ConfigFile)
		if err != nil {
			return fmt.Errorf("loading service config %s: %w", a.ConfigFile, err)
		}
		mqttConfig = cfg
	}
	s := publish.ResolveSettings(mqttConfig)
	if s.Broker == "" {
		return fmt.Errorf("MQTT broker not configured: set MQTT_BROKER or mqtt.broker")
	}

	jobs := make(chan string, jobQueueSize)
	enqueue := func(path string) {
		select {
		case jobs <- path:
		default:
			log.Printf("Warning: job queue full, dropping %s", path)
		}
	}
	// Subscribing in the connect handler renews the subscription after reconnects.
	onConnect := func(c mqtt.Client) {
		if err := publish.SubscribeJobs(c, s.PublishPrefix, enqueue); err != nil {
			log.Printf("Error subscribing to jobs: %v", err)
		}
	}

	client, err := a.connect(ctx, s, onConnect)
	if err != nil {
		return err
	}
	a.MQTTClient = client
	a.Publisher = publish.NewPublisher(client, s.PublishPrefix)
	defer publish.Disconnect(client)

	if a.HttpPort > 0 {
		srv := &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.HttpPort),
			Handler:           newHTTPServer(a.Status),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Printf("[HTTP] Starting server on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[HTTP] Server error: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	fmt.Fprintln(a.Out, "\nService Running")
	fmt.Fprintln(a.Out, "===============")
	fmt.Fprintf(a.Out, "  Jobs:     %s/jobs\n", s.PublishPrefix)
	fmt.Fprintf(a.Out, "  Progress: %s/progress\n", s.PublishPrefix)
	fmt.Fprintf(a.Out, "  Results:  %s/result\n", s.PublishPrefix)
	fmt.Fprintln(a.Out, "\nPress Ctrl+C to stop")

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(a.Out, "\nShutting down service...")
			return nil
		case path := <-jobs:
			a.serveJob(ctx, path)
		}
	}
}

// serveJob runs one announced job. Failures are logged and published, never
// returned, so the service keeps running.
func (a *App) serveJob(ctx context.Context, path string) {
	job, err := registration.LoadJobConfig(path)
	if err != nil {
		log.Printf("Error loading job %s: %v", path, err)
		a.Status.StartJob(path)
		a.finish(path, registration.FailedResult("config", fmt.Errorf("%w: %v", registration.ErrInvalidConfig, err)))
		return
	}

	result, err := a.Execute(ctx, path, job)
	if err != nil {
		log.Printf("Job %s: %v", path, err)
	}
	if result != nil && a.JSONOutput {
		if err := a.printResult(path, result); err != nil {
			log.Printf("Error printing result for %s: %v", path, err)
		}
	}
}

// input is a loaded job input.
type input struct {
	entity   registration.Entity
	cloud    cloudio.CloudSet // nil for meshes
	weighted bool
}

// loadInput loads a cloud or mesh as in describes. A named weight column
// that the file lacks is logged and ignored.
func loadInput(in registration.InputConfig, role string) (input, error) {
	kind := in.Kind
	if kind == "" {
		kind = "cloud"
		if cloudio.IsMeshPath(in.Path) {
			kind = "mesh"
		}
	}

	if kind == "mesh" {
		mesh, err := cloudio.LoadMesh(in.Path)
		if err != nil {
			return input{}, fmt.Errorf("loading %s mesh: %w", role, err)
		}
		if in.Weights != "" {
			log.Printf("Warning: %s is a mesh; weights column %q ignored", role, in.Weights)
		}
		log.Printf("Loaded %s mesh %s: %d vertices, %d triangles", role, in.Path, len(mesh.Vertices), len(mesh.Triangles))
		return input{entity: registration.MeshEntity(mesh, in.SampleCount)}, nil
	}

	precision, err := cloudio.ParsePrecision(in.Precision)
	if err != nil {
		return input{}, fmt.Errorf("%s: %w", role, err)
	}
	set, err := cloudio.LoadCloud(in.Path, precision)
	if err != nil {
		return input{}, fmt.Errorf("loading %s cloud: %w", role, err)
	}
	log.Printf("Loaded %s cloud %s: %d points", role, in.Path, set.Size())

	loaded := input{entity: registration.PointsEntity(set), cloud: set}
	if in.Weights != "" {
		if err := set.SetActiveChannel(in.Weights); err != nil {
			log.Printf("Warning: %s has no column %q; using uniform weights", in.Path, in.Weights)
		} else {
			loaded.weighted = true
		}
	}
	return loaded, nil
}

// Execute loads the job's inputs, registers them and reports the outcome to
// the status tracker and, when connected, to MQTT. The registered data cloud
// is written to job.Output for usable outcomes.
func (a *App) Execute(ctx context.Context, name string, job *registration.JobConfig) (*registration.RegistrationResult, error) {
	a.Status.StartJob(name)

	data, err := loadInput(job.Data, "data")
	if err != nil {
		return a.loadFailed(name, err)
	}
	model, err := loadInput(job.Model, "model")
	if err != nil {
		return a.loadFailed(name, err)
	}

	opts := []registration.Option{registration.WithProgress(a.progressFunc(name))}
	if data.weighted {
		opts = append(opts, registration.WithDataWeights())
	}
	if model.weighted {
		opts = append(opts, registration.WithModelWeights())
	}

	start := time.Now()
	result, err := registration.RegisterEntities(ctx, data.entity, model.entity, job.Registration, opts...)
	if result == nil {
		return nil, err
	}
	log.Printf("Registration of %s finished in %v: %s", name, time.Since(start).Round(time.Millisecond), result)
	a.finish(name, result)

	if tr, ok := result.Transform(); ok && job.Output != "" {
		if data.cloud == nil {
			log.Printf("Warning: data of %s is a mesh; output %s not written", name, job.Output)
		} else if werr := writeRegistered(job.Output, data.cloud, tr); werr != nil {
			return result, fmt.Errorf("writing %s: %w", job.Output, werr)
		} else {
			log.Printf("Wrote registered data to %s", job.Output)
		}
	}
	return result, err
}

func (a *App) loadFailed(name string, err error) (*registration.RegistrationResult, error) {
	result := registration.FailedResult("load", err)
	a.finish(name, result)
	return result, err
}

func (a *App) finish(name string, result *registration.RegistrationResult) {
	a.Status.FinishJob(name, result)
	if a.Publisher != nil {
		if err := a.Publisher.PublishResult(name, result); err != nil {
			log.Printf("Error publishing result for %s: %v", name, err)
		}
	}
}

func (a *App) progressFunc(name string) registration.ProgressFunc {
	var publishProgress registration.ProgressFunc
	if a.Publisher != nil {
		publishProgress = a.Publisher.ProgressFunc(name)
	}
	return func(p registration.Progress) {
		a.Status.UpdateProgress(name, p)
		log.Printf("%s: iteration %d RMS %.6g (best %.6g) over %d points", name, p.Iteration, p.RMS, p.BestRMS, p.PointCount)
		if publishProgress != nil {
			publishProgress(p)
		}
	}
}

// writeRegistered writes a copy of set moved by tr, keeping its channels.
func writeRegistered(path string, set cloudio.CloudSet, tr registration.RigidTransform) error {
	points := make([]r3.Vector, set.Size())
	for i := range points {
		p, err := set.PointAt(i)
		if err != nil {
			return err
		}
		points[i] = tr.Apply(p)
	}
	out := registration.NewCloud(points)

	if named, ok := set.(interface{ ChannelNames() []string }); ok {
		for _, name := range named.ChannelNames() {
			src, _ := set.Channel(name)
			if err := out.CreateChannel(name); err != nil {
				return err
			}
			dst, _ := out.Channel(name)
			copy(dst, src)
		}
	}
	return cloudio.WriteCloud(path, out)
}

func (a *App) printResult(name string, result *registration.RegistrationResult) error {
	if a.JSONOutput {
		enc := json.NewEncoder(a.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(publish.NewResultMessage(name, result))
	}

	fmt.Fprintf(a.Out, "=== %s ===\n", name)
	fmt.Fprintf(a.Out, "Outcome: %s\n", result.Outcome)
	if result.Err != nil {
		fmt.Fprintf(a.Out, "Error: %v\n", result.Err)
	}
	fmt.Fprintf(a.Out, "Iterations: %d (best at %d)\n", result.Iterations, result.BestIteration)
	fmt.Fprintf(a.Out, "RMS: %.6g over %d points\n", result.RMS, result.PointCount)
	fmt.Fprintf(a.Out, "Overlap: %.1f%%\n", 100*result.AchievedOverlap)
	fmt.Fprintf(a.Out, "Residuals: mean %.6g, stddev %.6g\n", result.ResidualMean, result.ResidualStdDev)
	fmt.Fprintf(a.Out, "Seed: %d\n", result.Seed)
	if tr, ok := result.Transform(); ok {
		fmt.Fprintf(a.Out, "Transform:\n%s\n", tr)
		fmt.Fprintf(a.Out, "Rotation angle: %.4f°\n", tr.RotationAngle()*180/math.Pi)
	}
	return nil
}

// jobName names a job after its config file, or its data file without one.
func jobName(configFile string, job *registration.JobConfig) string {
	path := configFile
	if path == "" {
		path = job.Data.Path
	}
	base := filepath.Base(path)
	for ext := filepath.Ext(base); ext != ""; ext = filepath.Ext(base) {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}
