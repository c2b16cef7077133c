// Package publish reports registration progress and outcomes over MQTT.
package publish

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/kwv/cloudreg/registration"
)

// DefaultPrefix is the topic prefix used when neither the job nor the
// environment names one.
const DefaultPrefix = "cloudreg"

// ProgressMessage is published to <prefix>/progress after every iteration.
type ProgressMessage struct {
	Job string `json:"job"`
	registration.Progress
	Timestamp int64 `json:"timestamp"`
}

// ResultMessage is published, retained, to <prefix>/result when a job ends.
type ResultMessage struct {
	Job             string                       `json:"job"`
	Outcome         registration.Outcome         `json:"outcome"`
	Usable          bool                         `json:"usable"`
	RMS             *float64                     `json:"rms,omitempty"` // absent when no iteration was measured
	PointCount      int                          `json:"pointCount"`
	Iterations      int                          `json:"iterations"`
	BestIteration   int                          `json:"bestIteration"`
	AchievedOverlap float64                      `json:"achievedOverlap"`
	ResidualMean    float64                      `json:"residualMean"`
	ResidualStdDev  float64                      `json:"residualStdDev"`
	Seed            int64                        `json:"seed"`
	Transform       *registration.RigidTransform `json:"transform,omitempty"`
	ErrorKind       string                       `json:"errorKind,omitempty"`
	Stage           string                       `json:"stage,omitempty"`
	Error           string                       `json:"error,omitempty"`
	Timestamp       int64                        `json:"timestamp"`
}

// NewResultMessage flattens a result for publishing. The transform is
// included only for usable outcomes.
func NewResultMessage(job string, r *registration.RegistrationResult) ResultMessage {
	msg := ResultMessage{
		Job:             job,
		Outcome:         r.Outcome,
		Usable:          r.Outcome.Usable(),
		PointCount:      r.PointCount,
		Iterations:      r.Iterations,
		BestIteration:   r.BestIteration,
		AchievedOverlap: r.AchievedOverlap,
		ResidualMean:    finiteOrZero(r.ResidualMean),
		ResidualStdDev:  finiteOrZero(r.ResidualStdDev),
		Seed:            r.Seed,
		Timestamp:       time.Now().Unix(),
	}
	if !math.IsInf(r.RMS, 0) && !math.IsNaN(r.RMS) {
		rms := r.RMS
		msg.RMS = &rms
	}
	if tr, ok := r.Transform(); ok {
		msg.Transform = &tr
	}
	if r.Err != nil {
		msg.ErrorKind = r.Err.Kind.String()
		msg.Stage = r.Err.Stage
		msg.Error = r.Err.Error()
	}
	return msg
}

func finiteOrZero(v float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0
	}
	return v
}

// Publisher manages publishing registration progress and results to MQTT
type Publisher struct {
	client  mqtt.Client
	prefix  string
	qos     byte
	timeout time.Duration

	mu        sync.RWMutex
	last      *ProgressMessage
	published int
}

// NewPublisher creates a publisher writing under prefix. An empty prefix
// falls back to DefaultPrefix. If client is nil, publishing is disabled.
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Publisher{
		client:  client,
		prefix:  prefix,
		qos:     0, // QoS 0 for progress (fire and forget)
		timeout: 2 * time.Second,
	}
}

// Prefix returns the topic prefix.
func (p *Publisher) Prefix() string {
	return p.prefix
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// PublishProgress publishes one iteration's progress, not retained.
func (p *Publisher) PublishProgress(job string, progress registration.Progress) error {
	msg := &ProgressMessage{Job: job, Progress: progress, Timestamp: time.Now().Unix()}

	p.mu.Lock()
	p.last = msg
	p.mu.Unlock()

	if err := p.publish(p.prefix+"/progress", false, msg); err != nil {
		return err
	}
	p.mu.Lock()
	p.published++
	p.mu.Unlock()
	return nil
}

// PublishResult publishes the final outcome, retained so late subscribers
// see the latest job.
func (p *Publisher) PublishResult(job string, result *registration.RegistrationResult) error {
	if result == nil {
		return fmt.Errorf("no result to publish for %s", job)
	}
	msg := NewResultMessage(job, result)
	if err := p.publish(p.prefix+"/result", true, msg); err != nil {
		return err
	}
	log.Printf("Published result for %s: %s", job, result.Outcome)
	return nil
}

// ProgressFunc adapts the publisher to the engine's progress callback.
// Publish failures are logged and never interrupt the run.
func (p *Publisher) ProgressFunc(job string) registration.ProgressFunc {
	return func(progress registration.Progress) {
		if err := p.PublishProgress(job, progress); err != nil {
			log.Printf("Error publishing progress for %s at iteration %d: %v", job, progress.Iteration, err)
		}
	}
}

// LastProgress returns the latest progress message handed to the publisher,
// whether or not it reached the broker.
func (p *Publisher) LastProgress() (ProgressMessage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return ProgressMessage{}, false
	}
	return *p.last, true
}

// Published returns how many progress messages reached the client.
func (p *Publisher) Published() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.published
}

func (p *Publisher) publish(topic string, retain bool, msg any) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message for %s: %w", topic, err)
	}

	token := p.client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(p.timeout) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}
