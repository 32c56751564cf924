// Package config loads handwave settings from .env, HANDWAVE_* variables and flags.
package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "HANDWAVE_"

// DefaultDetectorModelURL is the float16 MediaPipe hand landmarker bundle.
const DefaultDetectorModelURL = "https://storage.googleapis.com/mediapipe-models/hand_landmarker/hand_landmarker/float16/1/hand_landmarker.task"

// Cache modes for fetched model assets.
const (
	CacheOff    = "off"
	CacheMemory = "memory"
	CacheSQLite = "sqlite"
)

// Model formats understood by the classifier.
const (
	FormatTFJS = "tfjs"
	FormatONNX = "onnx"
)

// Config holds every tunable of the capture and inference pipeline.
type Config struct {
	// Frame source
	CameraID        int
	Width           int
	Height          int
	FPS             int
	Mirror          bool
	Policy          string
	IdleFPS         int
	IdleTimeout     time.Duration
	MotionThreshold float64

	// Detector
	DetectorModelURL string
	MaxHands         int
	MinConfidence    float64
	PythonPath       string
	ScriptPath       string

	// Classifier
	Classifier  bool
	ModelURL    string
	LabelsURL   string
	ModelFormat string
	ONNXInput   string
	ONNXOutput  string
	ONNXLibrary string

	// Assets
	AssetBaseURL string
	CacheMode    string
	DataDir      string
	PurgeCache   bool

	// Viewer
	Addr   string
	WebDir string
	Tray   bool

	LogLevel string
	LogJSON  bool
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	dataDir := ".handwave"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".handwave")
	}

	return Config{
		CameraID:         0,
		Width:            640,
		Height:           480,
		FPS:              10,
		Mirror:           true,
		Policy:           "drop",
		IdleFPS:          0,
		IdleTimeout:      2 * time.Second,
		MotionThreshold:  1.0,
		DetectorModelURL: DefaultDetectorModelURL,
		MaxHands:         2,
		MinConfidence:    0.5,
		Classifier:       true,
		ModelURL:         "model/model.json",
		LabelsURL:        "model/labels.json",
		ModelFormat:      FormatTFJS,
		ONNXInput:        "input",
		ONNXOutput:       "output",
		CacheMode:        CacheSQLite,
		DataDir:          dataDir,
		Addr:             "127.0.0.1:8080",
		LogLevel:         "info",
	}
}

// Load reads envFile (missing files are ignored), then HANDWAVE_* variables,
// then args. Later sources win.
func Load(envFile string, args []string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "load %s", envFile)
		}
	}

	c := Default()
	if err := c.fromEnv(); err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet("handwave", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	c.bind(fs)
	if err := fs.Parse(args); err != nil {
		return nil, errors.Wrap(err, "parse flags")
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) bind(fs *flag.FlagSet) {
	fs.IntVar(&c.CameraID, "camera", c.CameraID, "camera device id")
	fs.IntVar(&c.Width, "width", c.Width, "frame buffer width")
	fs.IntVar(&c.Height, "height", c.Height, "frame buffer height")
	fs.IntVar(&c.FPS, "fps", c.FPS, "frame rate cap")
	fs.BoolVar(&c.Mirror, "mirror", c.Mirror, "mirror frames horizontally")
	fs.StringVar(&c.Policy, "policy", c.Policy, "frame dispatch policy: drop or overlap")
	fs.IntVar(&c.IdleFPS, "idle-fps", c.IdleFPS, "frame rate without motion, 0 disables")
	fs.DurationVar(&c.IdleTimeout, "idle-timeout", c.IdleTimeout, "time without motion before idling")
	fs.Float64Var(&c.MotionThreshold, "motion-threshold", c.MotionThreshold, "percent of pixels that count as motion")
	fs.StringVar(&c.DetectorModelURL, "detector-model", c.DetectorModelURL, "hand landmarker bundle url")
	fs.IntVar(&c.MaxHands, "max-hands", c.MaxHands, "maximum hands per frame")
	fs.Float64Var(&c.MinConfidence, "min-confidence", c.MinConfidence, "minimum hand detection confidence")
	fs.StringVar(&c.PythonPath, "python", c.PythonPath, "python interpreter for the mediapipe worker")
	fs.StringVar(&c.ScriptPath, "mediapipe-script", c.ScriptPath, "path to mediapipe_service.py")
	fs.BoolVar(&c.Classifier, "classifier", c.Classifier, "enable letter classification")
	fs.StringVar(&c.ModelURL, "model", c.ModelURL, "classifier model url or path")
	fs.StringVar(&c.LabelsURL, "labels", c.LabelsURL, "label table url or path")
	fs.StringVar(&c.ModelFormat, "model-format", c.ModelFormat, "classifier model format: tfjs or onnx")
	fs.StringVar(&c.ONNXInput, "onnx-input", c.ONNXInput, "onnx input tensor name")
	fs.StringVar(&c.ONNXOutput, "onnx-output", c.ONNXOutput, "onnx output tensor name")
	fs.StringVar(&c.ONNXLibrary, "onnx-library", c.ONNXLibrary, "onnxruntime shared library path")
	fs.StringVar(&c.AssetBaseURL, "asset-base", c.AssetBaseURL, "base url for relative asset paths")
	fs.StringVar(&c.CacheMode, "cache", c.CacheMode, "asset cache: off, memory or sqlite")
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "directory for cached assets")
	fs.BoolVar(&c.PurgeCache, "purge-cache", c.PurgeCache, "empty the sqlite asset cache at startup")
	fs.StringVar(&c.Addr, "addr", c.Addr, "viewer listen address")
	fs.StringVar(&c.WebDir, "web", c.WebDir, "static viewer directory")
	fs.BoolVar(&c.Tray, "tray", c.Tray, "show system tray")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level")
	fs.BoolVar(&c.LogJSON, "log-json", c.LogJSON, "log as json")
}

func (c *Config) fromEnv() error {
	var err error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && err == nil {
			*dst, err = strconv.Atoi(v)
			err = errors.Wrapf(err, "%s%s", EnvPrefix, key)
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && err == nil {
			*dst, err = strconv.ParseBool(v)
			err = errors.Wrapf(err, "%s%s", EnvPrefix, key)
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && err == nil {
			*dst, err = strconv.ParseFloat(v, 64)
			err = errors.Wrapf(err, "%s%s", EnvPrefix, key)
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && err == nil {
			*dst, err = time.ParseDuration(v)
			err = errors.Wrapf(err, "%s%s", EnvPrefix, key)
		}
	}

	num("CAMERA", &c.CameraID)
	num("WIDTH", &c.Width)
	num("HEIGHT", &c.Height)
	num("FPS", &c.FPS)
	boolean("MIRROR", &c.Mirror)
	str("POLICY", &c.Policy)
	num("IDLE_FPS", &c.IdleFPS)
	duration("IDLE_TIMEOUT", &c.IdleTimeout)
	float("MOTION_THRESHOLD", &c.MotionThreshold)
	str("DETECTOR_MODEL", &c.DetectorModelURL)
	num("MAX_HANDS", &c.MaxHands)
	float("MIN_CONFIDENCE", &c.MinConfidence)
	str("PYTHON", &c.PythonPath)
	str("MEDIAPIPE_SCRIPT", &c.ScriptPath)
	boolean("CLASSIFIER", &c.Classifier)
	str("MODEL", &c.ModelURL)
	str("LABELS", &c.LabelsURL)
	str("MODEL_FORMAT", &c.ModelFormat)
	str("ONNX_INPUT", &c.ONNXInput)
	str("ONNX_OUTPUT", &c.ONNXOutput)
	str("ONNX_LIBRARY", &c.ONNXLibrary)
	str("ASSET_BASE", &c.AssetBaseURL)
	str("CACHE", &c.CacheMode)
	str("DATA_DIR", &c.DataDir)
	boolean("PURGE_CACHE", &c.PurgeCache)
	str("ADDR", &c.Addr)
	str("WEB", &c.WebDir)
	boolean("TRAY", &c.Tray)
	str("LOG_LEVEL", &c.LogLevel)
	boolean("LOG_JSON", &c.LogJSON)

	return err
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("frame size must be positive, got %dx%d", c.Width, c.Height)
	}
	if c.FPS <= 0 {
		return fmt.Errorf("fps must be positive, got %d", c.FPS)
	}
	if c.IdleFPS < 0 {
		return fmt.Errorf("idle fps must not be negative, got %d", c.IdleFPS)
	}
	if c.MaxHands < 1 {
		return fmt.Errorf("max hands must be at least 1, got %d", c.MaxHands)
	}
	switch c.Policy {
	case "drop", "overlap":
	default:
		return fmt.Errorf("unknown dispatch policy %q", c.Policy)
	}
	switch c.ModelFormat {
	case FormatTFJS, FormatONNX:
	default:
		return fmt.Errorf("unknown model format %q", c.ModelFormat)
	}
	switch c.CacheMode {
	case CacheOff, CacheMemory, CacheSQLite:
	default:
		return fmt.Errorf("unknown cache mode %q", c.CacheMode)
	}
	return nil
}
