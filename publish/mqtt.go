package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/kwv/cloudreg/registration"
)

// Settings are the resolved broker connection parameters.
type Settings struct {
	Broker        string
	ClientID      string
	Username      string
	Password      string
	PublishPrefix string
}

// ResolveSettings merges the job's MQTT section with the MQTT_BROKER,
// MQTT_CLIENT_ID, MQTT_USERNAME, MQTT_PASSWORD and MQTT_PUBLISH_PREFIX
// environment variables. Environment values win. An empty Broker means MQTT
// is disabled.
func ResolveSettings(cfg *registration.MQTTConfig) Settings {
	if cfg == nil {
		cfg = &registration.MQTTConfig{}
	}
	s := Settings{
		Broker:        envOr("MQTT_BROKER", cfg.Broker),
		ClientID:      envOr("MQTT_CLIENT_ID", cfg.ClientID),
		Username:      envOr("MQTT_USERNAME", cfg.Username),
		PublishPrefix: envOr("MQTT_PUBLISH_PREFIX", cfg.PublishPrefix),
	}
	if s.Username != "" {
		s.Password = envOr("MQTT_PASSWORD", cfg.Password)
	}
	if s.ClientID == "" {
		s.ClientID = "cloudreg"
	}
	if s.PublishPrefix == "" {
		s.PublishPrefix = DefaultPrefix
	}
	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// ClientOptions builds paho options for s. onConnect runs after every
// (re)connect and may be nil.
func ClientOptions(s Settings, onConnect mqtt.OnConnectHandler) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.Broker)
	opts.SetClientID(s.ClientID)
	if s.Username != "" {
		opts.SetUsername(s.Username)
		opts.SetPassword(s.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOrderMatters(false)

	if onConnect != nil {
		opts.SetOnConnectHandler(onConnect)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("MQTT connection interrupted (%v), auto-reconnect will retry", err)
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		log.Println("MQTT reconnecting...")
	})
	return opts
}

// Connect dials the broker named by s, retrying with exponential backoff
// until it succeeds or ctx is done.
func Connect(ctx context.Context, s Settings, onConnect mqtt.OnConnectHandler) (mqtt.Client, error) {
	if s.Broker == "" {
		return nil, fmt.Errorf("MQTT broker is not configured")
	}
	client := mqtt.NewClient(ClientOptions(s, onConnect))
	if err := ConnectWithRetry(ctx, client, time.Second); err != nil {
		return nil, err
	}
	return client, nil
}

// ConnectWithRetry attempts to connect client, doubling the delay between
// attempts from initialDelay up to one minute.
func ConnectWithRetry(ctx context.Context, client mqtt.Client, initialDelay time.Duration) error {
	retryDelay := initialDelay
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("Connecting to MQTT broker...")

		token := client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("Successfully connected to MQTT broker")
				return nil
			}
			log.Printf("MQTT connection failed: %v", token.Error())
		} else {
			log.Println("MQTT connection timeout")
		}

		log.Printf("Retrying MQTT connection in %v...", retryDelay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("connecting to MQTT broker: %w", ctx.Err())
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// Disconnect gracefully closes the MQTT connection
func Disconnect(client mqtt.Client) {
	if client != nil && client.IsConnected() {
		log.Println("Disconnecting from MQTT broker...")
		client.Disconnect(250) // 250ms quiesce time
	}
}

// JobHandler receives the path of a job file announced on <prefix>/jobs.
type JobHandler func(path string)

// jobRequest is the JSON form of a job announcement. Plain-text payloads are
// taken as the path itself.
type jobRequest struct {
	Path string `json:"path"`
}

// SubscribeJobs subscribes to <prefix>/jobs and hands each announced job
// path to handler.
func SubscribeJobs(client mqtt.Client, prefix string, handler JobHandler) error {
	topic := prefix + "/jobs"
	log.Printf("Subscribing to %s for registration jobs", topic)
	token := client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		path, ok := parseJobPayload(msg.Payload())
		if !ok {
			log.Printf("Warning: ignoring empty job announcement on %s", msg.Topic())
			return
		}
		log.Printf("Received job %s (topic: %s)", path, msg.Topic())
		handler(path)
	})
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, token.Error())
	}
	return nil
}

func parseJobPayload(payload []byte) (string, bool) {
	var req jobRequest
	if err := json.Unmarshal(payload, &req); err == nil {
		path := strings.TrimSpace(req.Path)
		return path, path != ""
	}
	// Try parsing as JSON string "path"
	var plain string
	if err := json.Unmarshal(payload, &plain); err == nil {
		plain = strings.TrimSpace(plain)
		return plain, plain != ""
	}
	raw := strings.TrimSpace(string(payload))
	return raw, raw != ""
}
