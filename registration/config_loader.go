package registration

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// JobConfig describes one registration job: the two inputs, the engine
// configuration, where to write the registered data, and optional MQTT
// publishing.
type JobConfig struct {
	Data         InputConfig        `yaml:"data" json:"data"`
	Model        InputConfig        `yaml:"model" json:"model"`
	Registration RegistrationConfig `yaml:"registration" json:"registration"`
	Output       string             `yaml:"output,omitempty" json:"output,omitempty"`
	MQTT         *MQTTConfig        `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
}

// InputConfig locates one input file.
type InputConfig struct {
	Path        string `yaml:"path" json:"path"`
	Kind        string `yaml:"kind,omitempty" json:"kind,omitempty"`           // "cloud" or "mesh"; guessed from the extension when empty
	Precision   string `yaml:"precision,omitempty" json:"precision,omitempty"` // "double" (default) or "single"
	SampleCount int    `yaml:"sampleCount,omitempty" json:"sampleCount,omitempty"`
	Weights     string `yaml:"weights,omitempty" json:"weights,omitempty"` // scalar column used as correspondence weights
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// LoadJobConfig loads a job from a YAML file. Registration settings missing
// from the file keep their DefaultRegistrationConfig values.
func LoadJobConfig(path string) (*JobConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := JobConfig{Registration: DefaultRegistrationConfig()}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	// Validate required fields
	if config.Data.Path == "" {
		return nil, fmt.Errorf("data.path is required")
	}
	if config.Model.Path == "" {
		return nil, fmt.Errorf("model.path is required")
	}
	for _, in := range []struct {
		name  string
		input InputConfig
	}{{"data", config.Data}, {"model", config.Model}} {
		switch in.input.Kind {
		case "", "cloud", "mesh":
		default:
			return nil, fmt.Errorf("%s.kind must be cloud or mesh, got %q", in.name, in.input.Kind)
		}
		switch in.input.Precision {
		case "", "double", "single":
		default:
			return nil, fmt.Errorf("%s.precision must be double or single, got %q", in.name, in.input.Precision)
		}
	}
	if config.MQTT != nil && config.MQTT.Broker == "" && os.Getenv("MQTT_BROKER") == "" {
		return nil, fmt.Errorf("mqtt.broker is required")
	}
	if err := config.Registration.Validate(); err != nil {
		return nil, fmt.Errorf("registration: %w", err)
	}

	return &config, nil
}

// LoadServiceConfig reads only the mqtt section of a YAML file, so a service
// can share a job file or use one holding nothing else.
func LoadServiceConfig(path string) (*MQTTConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var config struct {
		MQTT *MQTTConfig `yaml:"mqtt"`
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return config.MQTT, nil
}

// SaveJobConfig saves the job to a YAML file
func SaveJobConfig(path string, config *JobConfig) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

var filterNames = []struct {
	flag Filter
	name string
}{
	{SkipRYZ, "skipRYZ"},
	{SkipRXZ, "skipRXZ"},
	{SkipRXY, "skipRXY"},
	{SkipTX, "skipTX"},
	{SkipTY, "skipTY"},
	{SkipTZ, "skipTZ"},
}

// Names lists the set flags, e.g. [skipRXY skipTZ].
func (f Filter) Names() []string {
	var names []string
	for _, fn := range filterNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}
	return names
}

func (f Filter) String() string {
	if f == 0 {
		return "none"
	}
	return strings.Join(f.Names(), "|")
}

// ParseFilter parses a flag name. "skipRotation" and "skipTranslation" set
// all three rotation or translation flags.
func ParseFilter(name string) (Filter, error) {
	switch strings.TrimSpace(name) {
	case "skipRotation":
		return SkipRotation, nil
	case "skipTranslation":
		return SkipTranslation, nil
	}
	for _, fn := range filterNames {
		if strings.EqualFold(fn.name, strings.TrimSpace(name)) {
			return fn.flag, nil
		}
	}
	return 0, fmt.Errorf("unknown filter %q: %w", name, ErrInvalidConfig)
}

// MarshalYAML writes filters as a list of names.
func (f Filter) MarshalYAML() (interface{}, error) {
	return f.Names(), nil
}

// UnmarshalYAML accepts a list of filter names.
func (f *Filter) UnmarshalYAML(node *yaml.Node) error {
	var names []string
	if err := node.Decode(&names); err != nil {
		return fmt.Errorf("filters must be a list of names: %w", err)
	}
	var out Filter
	for _, name := range names {
		flag, err := ParseFilter(name)
		if err != nil {
			return err
		}
		out |= flag
	}
	*f = out
	return nil
}
