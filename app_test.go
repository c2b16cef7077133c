package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/geo/r3"
	"github.com/kwv/cloudreg/cloudio"
	"github.com/kwv/cloudreg/publish"
	"github.com/kwv/cloudreg/registration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slabPoints is an anisotropic random cloud, so no rotation maps it onto itself.
func slabPoints(seed int64, n int) []r3.Vector {
	rng := rand.New(rand.NewSource(seed))
	points := make([]r3.Vector, n)
	for i := range points {
		points[i] = r3.Vector{X: rng.Float64() * 10, Y: rng.Float64() * 5, Z: rng.Float64() * 2}
	}
	return points
}

// smallMotion rotates 1 degree about a tilted axis and shifts by a few
// hundredths.
func smallMotion() registration.RigidTransform {
	centre := r3.Vector{X: 5, Y: 2.5, Z: 1}
	rot := registration.RotationDeg(r3.Vector{X: 0.2, Y: 0.1, Z: 1}, 1)
	return registration.Translation(centre.Add(r3.Vector{X: 0.03, Y: -0.02, Z: 0.01})).
		Compose(rot.Compose(registration.Translation(centre.Mul(-1))))
}

// writeCloudFile writes points to path, with a constant "confidence" column.
func writeCloudFile(t *testing.T, path string, points []r3.Vector) {
	t.Helper()
	cloud := registration.NewCloud(points)
	require.NoError(t, cloud.CreateChannel("confidence"))
	conf, _ := cloud.Channel("confidence")
	for i := range conf {
		conf[i] = 1
	}
	require.NoError(t, cloudio.WriteCloud(path, cloud))
}

type jobFixture struct {
	dir      string
	job      string
	data     string
	model    string
	output   string
	modelPts []r3.Vector
}

// newJobFixture writes a model slab, the slab moved by smallMotion as data,
// and a job file registering one onto the other.
func newJobFixture(t *testing.T, extraYAML string) jobFixture {
	t.Helper()
	dir := t.TempDir()
	f := jobFixture{
		dir:      dir,
		job:      filepath.Join(dir, "scan-job.yaml"),
		data:     filepath.Join(dir, "scan.xyz.zst"),
		model:    filepath.Join(dir, "reference.ply"),
		output:   filepath.Join(dir, "registered.ply"),
		modelPts: slabPoints(1234, 800),
	}

	data := make([]r3.Vector, len(f.modelPts))
	tk := smallMotion()
	for i, p := range f.modelPts {
		data[i] = tk.Apply(p)
	}
	writeCloudFile(t, f.data, data)
	writeCloudFile(t, f.model, f.modelPts)

	body := fmt.Sprintf(`data:
  path: %s
  weights: confidence
model:
  path: %s
registration:
  maxIterations: 50
  minRMSDecrease: 1e-9
output: %s
%s`, f.data, f.model, f.output, extraYAML)
	require.NoError(t, os.WriteFile(f.job, []byte(body), 0644))
	return f
}

// mockConnect returns a connect func handing out a connected MockClient.
func mockConnect(client *publish.MockClient) func(context.Context, publish.Settings, mqtt.OnConnectHandler) (mqtt.Client, error) {
	return func(_ context.Context, _ publish.Settings, onConnect mqtt.OnConnectHandler) (mqtt.Client, error) {
		client.SetConnected(true)
		if onConnect != nil {
			onConnect(client)
		}
		return client, nil
	}
}

func messagesOn(client *publish.MockClient, topic string) []publish.MockMessage {
	var out []publish.MockMessage
	for _, m := range client.GetPublishedMessages() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func TestNewApp(t *testing.T) {
	app := NewApp(&bytes.Buffer{})
	require.NotNil(t, app)
	assert.NotNil(t, app.Status, "StatusTracker should be initialized")
	assert.NotNil(t, app.connect)
	assert.Nil(t, app.Publisher)
}

func TestApplyOptions(t *testing.T) {
	app := NewApp(&bytes.Buffer{})
	opts := AppOptions{
		ConfigFile:    "job.yaml",
		DataPath:      "scan.xyz",
		ModelPath:     "ref.obj",
		OutputFile:    "out.ply",
		Overlap:       0.7,
		MaxIterations: 30,
		MaxDistance:   0.25,
		Seed:          9,
		Parallel:      true,
		HttpPort:      8080,
		JSONOutput:    true,
	}
	app.ApplyOptions(opts)

	assert.Equal(t, "job.yaml", app.ConfigFile)
	assert.Equal(t, "scan.xyz", app.DataPath)
	assert.Equal(t, "ref.obj", app.ModelPath)
	assert.Equal(t, "out.ply", app.OutputFile)
	assert.Equal(t, 0.7, app.Overlap)
	assert.Equal(t, 30, app.MaxIterations)
	assert.Equal(t, 0.25, app.MaxDistance)
	assert.Equal(t, int64(9), app.Seed)
	assert.True(t, app.Parallel)
	assert.Equal(t, 8080, app.HttpPort)
	assert.True(t, app.JSONOutput)
}

func TestLoadJob_FlagsOnly(t *testing.T) {
	app := NewApp(&bytes.Buffer{})
	app.ApplyOptions(AppOptions{DataPath: "scan.xyz", ModelPath: "ref.obj", Overlap: 0.5})

	job, err := app.LoadJob()
	require.NoError(t, err)
	assert.Equal(t, "scan.xyz", job.Data.Path)
	assert.Equal(t, "ref.obj", job.Model.Path)
	assert.Equal(t, 0.5, job.Registration.Overlap)
	assert.Equal(t, registration.DefaultRegistrationConfig().MaxIterations, job.Registration.MaxIterations)
}

func TestLoadJob_OverridesConfig(t *testing.T) {
	f := newJobFixture(t, "")
	app := NewApp(&bytes.Buffer{})
	app.ApplyOptions(AppOptions{
		ConfigFile:    f.job,
		ModelPath:     "other.xyz",
		OutputFile:    "elsewhere.xyz",
		MaxIterations: 7,
		MaxDistance:   0.5,
		Seed:          3,
		Parallel:      true,
	})

	job, err := app.LoadJob()
	require.NoError(t, err)
	assert.Equal(t, f.data, job.Data.Path, "unset flags keep the file's values")
	assert.Equal(t, "confidence", job.Data.Weights)
	assert.Equal(t, "other.xyz", job.Model.Path)
	assert.Equal(t, "elsewhere.xyz", job.Output)
	assert.Equal(t, 7, job.Registration.MaxIterations)
	assert.Equal(t, 1e-9, job.Registration.MinRMSDecrease)
	assert.Equal(t, 0.5, job.Registration.MaxCorrespondenceDistance)
	assert.Equal(t, int64(3), job.Registration.Seed)
	assert.True(t, job.Registration.Parallel)
}

func TestLoadJob_Errors(t *testing.T) {
	tests := []struct {
		name string
		opts AppOptions
	}{
		{"NoInputs", AppOptions{}},
		{"NoModel", AppOptions{DataPath: "scan.xyz"}},
		{"MissingConfig", AppOptions{ConfigFile: filepath.Join(t.TempDir(), "nope.yaml")}},
		{"BadOverlap", AppOptions{DataPath: "a.xyz", ModelPath: "b.xyz", Overlap: 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := NewApp(&bytes.Buffer{})
			app.ApplyOptions(tt.opts)
			_, err := app.LoadJob()
			assert.Error(t, err)
		})
	}
}

func TestRunJob_RegistersAndWritesOutput(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	f := newJobFixture(t, "")

	var out bytes.Buffer
	app := NewApp(&out)
	app.ApplyOptions(AppOptions{ConfigFile: f.job})
	require.NoError(t, app.RunJob())

	report := out.String()
	assert.Contains(t, report, "=== scan-job ===")
	assert.Contains(t, report, "Transform:")
	assert.Contains(t, report, "Rotation angle:")

	registered, err := cloudio.LoadCloud(f.output, cloudio.Double)
	require.NoError(t, err)
	require.Equal(t, len(f.modelPts), registered.Size())
	for i, want := range f.modelPts {
		got, err := registered.PointAt(i)
		require.NoError(t, err)
		if got.Sub(want).Norm() > 1e-3 {
			t.Fatalf("point %d registered to %v, want %v", i, got, want)
		}
	}
	conf, ok := registered.Channel("confidence")
	require.True(t, ok, "input columns are carried to the output")
	assert.Equal(t, 1.0, conf[0])

	current, ok := app.Status.Current()
	require.True(t, ok)
	assert.False(t, current.Running)
	require.NotNil(t, current.Result)
	assert.True(t, current.Result.Usable)
	require.NotNil(t, current.Progress)
	completed, failed := app.Status.Counts()
	assert.Equal(t, 1, completed)
	assert.Equal(t, 0, failed)
}

func TestRunJob_JSONOutput(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	f := newJobFixture(t, "")

	var out bytes.Buffer
	app := NewApp(&out)
	app.ApplyOptions(AppOptions{ConfigFile: f.job, JSONOutput: true})
	require.NoError(t, app.RunJob())

	var msg map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &msg))
	assert.Equal(t, "scan-job", msg["job"])
	assert.Equal(t, true, msg["usable"])
	assert.Contains(t, msg, "transform")
}

func TestRunJob_PublishesToMQTT(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	f := newJobFixture(t, `mqtt:
  broker: tcp://localhost:1883
  publishPrefix: cloudreg-test
`)

	client := publish.NewMockClient()
	app := NewApp(&bytes.Buffer{})
	app.connect = mockConnect(client)
	app.ApplyOptions(AppOptions{ConfigFile: f.job})
	require.NoError(t, app.RunJob())

	assert.NotEmpty(t, messagesOn(client, "cloudreg-test/progress"))
	results := messagesOn(client, "cloudreg-test/result")
	require.Len(t, results, 1)
	assert.True(t, results[0].Retain)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(results[0].Payload, &msg))
	assert.Equal(t, true, msg["usable"])
	assert.False(t, client.IsConnected(), "client is disconnected after the job")
}

func TestRunJob_ConnectFailureStillRuns(t *testing.T) {
	t.Setenv("MQTT_BROKER", "tcp://localhost:1883")
	f := newJobFixture(t, "")

	app := NewApp(&bytes.Buffer{})
	app.connect = func(context.Context, publish.Settings, mqtt.OnConnectHandler) (mqtt.Client, error) {
		return nil, errors.New("connection refused")
	}
	app.ApplyOptions(AppOptions{ConfigFile: f.job})
	require.NoError(t, app.RunJob())
	assert.Nil(t, app.Publisher)
}

func TestRunJob_UnusableOutcome(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	dir := t.TempDir()
	data := filepath.Join(dir, "far.xyz")
	model := filepath.Join(dir, "near.xyz")
	output := filepath.Join(dir, "out.xyz")

	far := slabPoints(5, 300)
	for i := range far {
		far[i] = far[i].Add(r3.Vector{X: 1000})
	}
	writeCloudFile(t, data, far)
	writeCloudFile(t, model, slabPoints(6, 300))

	var out bytes.Buffer
	app := NewApp(&out)
	app.ApplyOptions(AppOptions{DataPath: data, ModelPath: model, OutputFile: output, Overlap: 0.5, MaxDistance: 2})

	err := app.RunJob()
	require.Error(t, err)
	assert.ErrorIs(t, err, errUnusableOutcome)
	assert.Contains(t, out.String(), "Outcome: Failed")
	assert.NotContains(t, out.String(), "Transform:")

	_, statErr := os.Stat(output)
	assert.True(t, os.IsNotExist(statErr), "no output for unusable outcomes")
	_, failed := app.Status.Counts()
	assert.Equal(t, 1, failed)
}

func TestRunJob_MissingInputFile(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	dir := t.TempDir()
	app := NewApp(&bytes.Buffer{})
	app.ApplyOptions(AppOptions{
		DataPath:  filepath.Join(dir, "missing.xyz"),
		ModelPath: filepath.Join(dir, "missing.obj"),
	})

	err := app.RunJob()
	require.Error(t, err)
	assert.ErrorIs(t, err, errUnusableOutcome)

	current, ok := app.Status.Current()
	require.True(t, ok)
	assert.False(t, current.Running, "a load failure finishes the job")
	require.NotNil(t, current.Result)
	assert.Equal(t, "load", current.Result.Stage)
}

func TestRunJob_MissingWeightColumnIsIgnored(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	dir := t.TempDir()
	data := filepath.Join(dir, "data.xyz")
	model := filepath.Join(dir, "model.xyz")
	points := slabPoints(7, 300)
	require.NoError(t, cloudio.WriteCloud(data, registration.NewCloud(points)))
	require.NoError(t, cloudio.WriteCloud(model, registration.NewCloud(points)))

	job := filepath.Join(dir, "job.yaml")
	body := fmt.Sprintf("data:\n  path: %s\n  weights: intensity\nmodel:\n  path: %s\n", data, model)
	require.NoError(t, os.WriteFile(job, []byte(body), 0644))

	app := NewApp(&bytes.Buffer{})
	app.ApplyOptions(AppOptions{ConfigFile: job})
	assert.NoError(t, app.RunJob())
}

func TestRunService_RunsAnnouncedJobs(t *testing.T) {
	t.Setenv("MQTT_BROKER", "tcp://localhost:1883")
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	f := newJobFixture(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := publish.NewMockClient()
	var out bytes.Buffer
	app := NewApp(&out)
	app.baseCtx = ctx
	subscribed := make(chan struct{})
	connect := mockConnect(client)
	app.connect = func(ctx context.Context, s publish.Settings, onConnect mqtt.OnConnectHandler) (mqtt.Client, error) {
		c, err := connect(ctx, s, onConnect)
		close(subscribed)
		return c, err
	}

	done := make(chan error, 1)
	go func() { done <- app.RunService() }()

	select {
	case <-subscribed:
	case <-time.After(5 * time.Second):
		t.Fatal("RunService did not connect")
	}
	client.SimulateMessage("cloudreg/jobs", []byte(fmt.Sprintf(`{"path": %q}`, f.job)))
	client.SimulateMessage("cloudreg/jobs", []byte(filepath.Join(f.dir, "missing.yaml")))

	require.Eventually(t, func() bool {
		completed, failed := app.Status.Counts()
		return completed == 1 && failed == 1
	}, 30*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("RunService did not stop after cancellation")
	}

	results := messagesOn(client, "cloudreg/result")
	require.Len(t, results, 2)
	var last map[string]any
	require.NoError(t, json.Unmarshal(results[1].Payload, &last))
	assert.Equal(t, "Failed", last["outcome"])
	assert.Equal(t, "config", last["stage"])

	_, err := os.Stat(f.output)
	assert.NoError(t, err, "served job writes its output")
	assert.Contains(t, out.String(), "Service Running")
	assert.Contains(t, out.String(), "Shutting down service")
}

func TestRunService_RequiresBroker(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	app := NewApp(&bytes.Buffer{})
	err := app.RunService()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "broker"))
}

func TestRunService_ConnectError(t *testing.T) {
	t.Setenv("MQTT_BROKER", "tcp://localhost:1883")
	app := NewApp(&bytes.Buffer{})
	app.connect = func(context.Context, publish.Settings, mqtt.OnConnectHandler) (mqtt.Client, error) {
		return nil, context.Canceled
	}
	assert.ErrorIs(t, app.RunService(), context.Canceled)
}

func TestJobName(t *testing.T) {
	tests := []struct {
		configFile string
		dataPath   string
		want       string
	}{
		{"jobs/scan-42.yaml", "ignored.xyz", "scan-42"},
		{"", "/data/scan1.xyz.zst", "scan1"},
		{"", "room.ply", "room"},
	}
	for _, tt := range tests {
		job := &registration.JobConfig{Data: registration.InputConfig{Path: tt.dataPath}}
		assert.Equal(t, tt.want, jobName(tt.configFile, job))
	}
}
