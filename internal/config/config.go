package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration loaded from YAML and the environment.
type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	GRPC    GRPCConfig    `yaml:"grpc"`
	Camera  CameraConfig  `yaml:"camera"`
	Model   ModelConfig   `yaml:"model"`
	Stream  StreamConfig  `yaml:"stream"`
	Storage StorageConfig `yaml:"storage"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Log     LogConfig     `yaml:"log"`
}

type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type GRPCConfig struct {
	Port int `yaml:"port"` // 0 disables the health server
}

// CameraConfig controls how capture devices are opened.
type CameraConfig struct {
	Backend       string        `yaml:"backend"`        // ffmpeg | gocv
	DevicePattern string        `yaml:"device_pattern"` // formatted with the camera index
	Width         int           `yaml:"width"`
	Height        int           `yaml:"height"`
	FPS           int           `yaml:"fps"`
	OpenTimeout   time.Duration `yaml:"open_timeout"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	ProbeLimit    int           `yaml:"probe_limit"`
}

// ModelConfig points at the detection service and its thresholds.
type ModelConfig struct {
	Endpoint   string        `yaml:"endpoint"`
	Default    string        `yaml:"default"`
	Models     []string      `yaml:"models"`
	Confidence float64       `yaml:"confidence"`
	IoU        float64       `yaml:"iou"`
	Timeout    time.Duration `yaml:"timeout"`
}

// StreamConfig holds the defaults applied to a live session.
type StreamConfig struct {
	MaxWidth         int           `yaml:"max_width"`
	MaxHeight        int           `yaml:"max_height"`
	FrameSkip        int           `yaml:"frame_skip"`
	JPEGQuality      int           `yaml:"jpeg_quality"`
	MaxFPS           int           `yaml:"max_fps"`
	StopWait         time.Duration `yaml:"stop_wait"`
	MinInferInterval time.Duration `yaml:"min_infer_interval"` // frame_skip 1 only

}

type StorageConfig struct {
	Database    string `yaml:"database"`
	CapturesDir string `yaml:"captures_dir"`
}

// MQTTConfig enables publishing of detection events when Broker is set.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{Host: "0.0.0.0", Port: 8080},
		GRPC: GRPCConfig{Port: 9090},
		Camera: CameraConfig{
			Backend:       "ffmpeg",
			DevicePattern: "/dev/video%d",
			Width:         640,
			Height:        480,
			FPS:           30,
			OpenTimeout:   5 * time.Second,
			ReadTimeout:   2 * time.Second,
			ProbeLimit:    10,
		},
		Model: ModelConfig{
			Endpoint:   "http://localhost:8081",
			Default:    "yolov8n.pt",
			Models:     []string{"yolov8n.pt", "yolov8s.pt", "yolov8m.pt"},
			Confidence: 0.25,
			IoU:        0.7,
			Timeout:    5 * time.Second,
		},
		Stream: StreamConfig{
			MaxWidth:    640,
			MaxHeight:   480,
			FrameSkip:   2,
			JPEGQuality: 80,
			MaxFPS:      30,
			StopWait:    2 * time.Second,
		},
		Storage: StorageConfig{Database: "livecam.db", CapturesDir: "captures"},
		MQTT:    MQTTConfig{Port: 1883, Topic: "livecam/detections", ClientID: "livecam"},
		Log:     LogConfig{Level: "info", Encoding: "console"},
	}
}

// Load reads path on top of the defaults, applies LIVECAM_* environment
// overrides and validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*dst = n
		return nil
	}
	float := func(key string, dst *float64) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*dst = f
		return nil
	}

	str("LIVECAM_HTTP_HOST", &c.HTTP.Host)
	str("LIVECAM_CAMERA_BACKEND", &c.Camera.Backend)
	str("LIVECAM_DEVICE_PATTERN", &c.Camera.DevicePattern)
	str("LIVECAM_YOLO_ENDPOINT", &c.Model.Endpoint)
	str("LIVECAM_DEFAULT_MODEL", &c.Model.Default)
	str("LIVECAM_DATABASE", &c.Storage.Database)
	str("LIVECAM_CAPTURES_DIR", &c.Storage.CapturesDir)
	str("LIVECAM_MQTT_BROKER", &c.MQTT.Broker)
	str("LIVECAM_MQTT_TOPIC", &c.MQTT.Topic)
	str("LIVECAM_MQTT_USERNAME", &c.MQTT.Username)
	str("LIVECAM_MQTT_PASSWORD", &c.MQTT.Password)
	str("LIVECAM_LOG_LEVEL", &c.Log.Level)
	if v, ok := lookup("LIVECAM_MODELS"); ok && v != "" {
		c.Model.Models = splitList(v)
	}

	for key, dst := range map[string]*int{
		"LIVECAM_HTTP_PORT":    &c.HTTP.Port,
		"LIVECAM_GRPC_PORT":    &c.GRPC.Port,
		"LIVECAM_FRAME_SKIP":   &c.Stream.FrameSkip,
		"LIVECAM_JPEG_QUALITY": &c.Stream.JPEGQuality,
		"LIVECAM_MQTT_PORT":    &c.MQTT.Port,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	if err := float("LIVECAM_CONFIDENCE", &c.Model.Confidence); err != nil {
		return err
	}
	return float("LIVECAM_IOU", &c.Model.IoU)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks ranges and required fields.
func (c *Config) Validate() error {
	switch {
	case c.HTTP.Port <= 0 || c.HTTP.Port > 65535:
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	case c.GRPC.Port < 0 || c.GRPC.Port > 65535:
		return fmt.Errorf("grpc.port %d out of range", c.GRPC.Port)
	case c.Camera.Backend == "":
		return errors.New("camera.backend is required")
	case !strings.Contains(c.Camera.DevicePattern, "%d"):
		return fmt.Errorf("camera.device_pattern %q must contain %%d", c.Camera.DevicePattern)
	case c.Camera.ProbeLimit < 1 || c.Camera.ProbeLimit > 64:
		return fmt.Errorf("camera.probe_limit %d out of range [1,64]", c.Camera.ProbeLimit)
	case c.Camera.OpenTimeout <= 0 || c.Camera.ReadTimeout <= 0:
		return errors.New("camera timeouts must be positive")
	case c.Model.Endpoint == "":
		return errors.New("model.endpoint is required")
	case c.Model.Default == "":
		return errors.New("model.default is required")
	case c.Model.Timeout <= 0:
		return errors.New("model.timeout must be positive")
	case c.Stream.MaxFPS <= 0:
		return fmt.Errorf("stream.max_fps %d must be positive", c.Stream.MaxFPS)
	case c.Stream.StopWait <= 0:
		return errors.New("stream.stop_wait must be positive")
	case c.Stream.MinInferInterval < 0:
		return errors.New("stream.min_infer_interval must not be negative")
	}
	if err := ValidateThresholds(c.Model.Confidence, c.Model.IoU); err != nil {
		return err
	}
	return ValidateStream(c.Stream.FrameSkip, c.Stream.JPEGQuality, c.Stream.MaxWidth, c.Stream.MaxHeight)
}

// ValidateThresholds checks that confidence and IoU are within [0,1].
func ValidateThresholds(confidence, iou float64) error {
	if confidence < 0 || confidence > 1 {
		return fmt.Errorf("confidence %.3f out of range [0,1]", confidence)
	}
	if iou < 0 || iou > 1 {
		return fmt.Errorf("iou %.3f out of range [0,1]", iou)
	}
	return nil
}

// ValidateStream checks the per-session stream knobs.
func ValidateStream(frameSkip, quality, maxWidth, maxHeight int) error {
	if frameSkip < 1 {
		return fmt.Errorf("frame_skip %d must be at least 1", frameSkip)
	}
	if quality < 0 || quality > 100 {
		return fmt.Errorf("jpeg_quality %d out of range [0,100]", quality)
	}
	if maxWidth <= 0 || maxHeight <= 0 {
		return fmt.Errorf("max dimensions %dx%d must be positive", maxWidth, maxHeight)
	}
	return nil
}

// HTTPAddr returns host:port for the HTTP listener.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}
