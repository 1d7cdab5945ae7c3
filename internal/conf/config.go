// Package conf loads and validates classwatch settings.
//
// Settings come from, in increasing priority: compiled-in defaults, the YAML
// config file and CLASSWATCH_* environment variables.
package conf

import (
	"embed"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/classwatch/classwatch/internal/errors"
	"github.com/classwatch/classwatch/internal/logger"
)

//go:embed config.yaml
var configFiles embed.FS

// MainSettings identifies the node.
type MainSettings struct {
	Name string `yaml:"name" mapstructure:"name"`
}

// SentrySettings controls error telemetry.
type SentrySettings struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	DSN         string `yaml:"dsn" mapstructure:"dsn"`
	Environment string `yaml:"environment" mapstructure:"environment"`
}

// WindowSettings is a detection window in minutes after a period start.
type WindowSettings struct {
	StartMinutes int `yaml:"start_minutes" mapstructure:"start_minutes"`
	EndMinutes   int `yaml:"end_minutes" mapstructure:"end_minutes"`
}

// PeriodSettings is one timetable entry. Start and End are "HH:MM".
type PeriodSettings struct {
	ID    string `yaml:"id" mapstructure:"id"`
	Label string `yaml:"label,omitempty" mapstructure:"label"`
	Start string `yaml:"start" mapstructure:"start"`
	End   string `yaml:"end" mapstructure:"end"`
	// Enabled defaults to true when omitted.
	Enabled *bool           `yaml:"enabled,omitempty" mapstructure:"enabled"`
	Window  *WindowSettings `yaml:"window,omitempty" mapstructure:"window"`
}

// IsEnabled reports whether the period takes part in detection.
func (p PeriodSettings) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ScheduleSettings is the class timetable.
type ScheduleSettings struct {
	Timezone string           `yaml:"timezone" mapstructure:"timezone"`
	Window   WindowSettings   `yaml:"window" mapstructure:"window"`
	Periods  []PeriodSettings `yaml:"periods" mapstructure:"periods"`
}

// DutyCycleSettings is the active/idle cadence inside a window.
type DutyCycleSettings struct {
	Active time.Duration `yaml:"active" mapstructure:"active"`
	Idle   time.Duration `yaml:"idle" mapstructure:"idle"`
	Tick   time.Duration `yaml:"tick" mapstructure:"tick"`
}

// RuntimeSettings selects the detector sidecar process.
type RuntimeSettings struct {
	Command string   `yaml:"command" mapstructure:"command"`
	Args    []string `yaml:"args" mapstructure:"args"`
}

// ModelSettings locates the face-detection model and tunes detection.
type ModelSettings struct {
	Path          string          `yaml:"path" mapstructure:"path"`
	URL           string          `yaml:"url" mapstructure:"url"`
	CacheDir      string          `yaml:"cache_dir" mapstructure:"cache_dir"`
	Threshold     float64         `yaml:"threshold" mapstructure:"threshold"`
	MinFaceSize   int             `yaml:"min_face_size" mapstructure:"min_face_size"`
	LoadTimeout   time.Duration   `yaml:"load_timeout" mapstructure:"load_timeout"`
	DetectTimeout time.Duration   `yaml:"detect_timeout" mapstructure:"detect_timeout"`
	Runtime       RuntimeSettings `yaml:"runtime" mapstructure:"runtime"`
}

// CaptureSettings configures the screen source and the capture triggers.
type CaptureSettings struct {
	Device     string `yaml:"device" mapstructure:"device"` // ffmpeg or imagedir
	FFmpegPath string `yaml:"ffmpeg_path" mapstructure:"ffmpeg_path"`
	Display    string `yaml:"display" mapstructure:"display"`
	Monitor    int    `yaml:"monitor" mapstructure:"monitor"`
	Region     string `yaml:"region" mapstructure:"region"` // x,y,w,h
	ImageDir   string `yaml:"image_dir" mapstructure:"image_dir"`
	Loop       bool   `yaml:"loop" mapstructure:"loop"`

	Interval         time.Duration `yaml:"interval" mapstructure:"interval"`
	Timeout          time.Duration `yaml:"timeout" mapstructure:"timeout"`
	PerPeriodCap     int           `yaml:"per_period_cap" mapstructure:"per_period_cap"`
	RequiredFaces    int           `yaml:"required_faces" mapstructure:"required_faces"`
	BestFrames       int           `yaml:"best_frames" mapstructure:"best_frames"`
	ScheduledTimes   []string      `yaml:"scheduled_times" mapstructure:"scheduled_times"`
	DisableScheduled bool          `yaml:"disable_scheduled" mapstructure:"disable_scheduled"`
	OutputDir        string        `yaml:"output_dir" mapstructure:"output_dir"`
	ErrorLogInterval time.Duration `yaml:"error_log_interval" mapstructure:"error_log_interval"`
}

// EventSettings configures the capture event stream.
type EventSettings struct {
	Buffer       int           `yaml:"buffer" mapstructure:"buffer"`
	Policy       string        `yaml:"policy" mapstructure:"policy"`
	BlockTimeout time.Duration `yaml:"block_timeout" mapstructure:"block_timeout"`
	SinkTimeout  time.Duration `yaml:"sink_timeout" mapstructure:"sink_timeout"`
	Recent       int           `yaml:"recent" mapstructure:"recent"`
}

// SQLiteSettings configures the SQLite event store.
type SQLiteSettings struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// MySQLSettings configures the MySQL event store.
type MySQLSettings struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
	Host     string `yaml:"host" mapstructure:"host"`
	Port     string `yaml:"port" mapstructure:"port"`
	Database string `yaml:"database" mapstructure:"database"`
}

// OutputSettings selects where capture events are persisted.
type OutputSettings struct {
	// StoredOnly skips successful periodic detections.
	StoredOnly bool           `yaml:"stored_only" mapstructure:"stored_only"`
	SQLite     SQLiteSettings `yaml:"sqlite" mapstructure:"sqlite"`
	MySQL      MySQLSettings  `yaml:"mysql" mapstructure:"mysql"`
}

// MQTTSettings configures the MQTT publisher.
type MQTTSettings struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Broker   string `yaml:"broker" mapstructure:"broker"`
	ClientID string `yaml:"client_id" mapstructure:"client_id"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
	Topic    string `yaml:"topic" mapstructure:"topic"`
	QoS      int    `yaml:"qos" mapstructure:"qos"`
	Retain   bool   `yaml:"retain" mapstructure:"retain"`
}

// WebServerSettings configures the status API.
type WebServerSettings struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Host    string `yaml:"host" mapstructure:"host"`
	Port    int    `yaml:"port" mapstructure:"port"`
}

// Settings is the complete classwatch configuration.
type Settings struct {
	Debug     bool                 `yaml:"debug" mapstructure:"debug"`
	Main      MainSettings         `yaml:"main" mapstructure:"main"`
	Logging   logger.LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Sentry    SentrySettings       `yaml:"sentry" mapstructure:"sentry"`
	Schedule  ScheduleSettings     `yaml:"schedule" mapstructure:"schedule"`
	DutyCycle DutyCycleSettings    `yaml:"dutycycle" mapstructure:"dutycycle"`
	Model     ModelSettings        `yaml:"model" mapstructure:"model"`
	Capture   CaptureSettings      `yaml:"capture" mapstructure:"capture"`
	Events    EventSettings        `yaml:"events" mapstructure:"events"`
	Output    OutputSettings       `yaml:"output" mapstructure:"output"`
	MQTT      MQTTSettings         `yaml:"mqtt" mapstructure:"mqtt"`
	WebServer WebServerSettings    `yaml:"webserver" mapstructure:"webserver"`

	// configFile is the file the settings were read from, if any.
	configFile string
}

// ConfigFile returns the path the settings were loaded from.
func (s *Settings) ConfigFile() string {
	return s.configFile
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads defaults, the config file and environment into Settings and
// validates the result. With configFile empty the default search paths are
// used and a default file is created when none exists.
func Load(configFile string) (*Settings, error) {
	v, err := newViper(configFile)
	if err != nil {
		return nil, err
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, configError(fmt.Errorf("error unmarshaling config into struct: %w", err), v.ConfigFileUsed())
	}
	settings.configFile = v.ConfigFileUsed()

	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}
	warnDetectionWindow(settings)

	settingsMutex.Lock()
	settingsInstance = settings
	settingsMutex.Unlock()
	return settings, nil
}

// GetSettings returns the most recently loaded settings, or nil.
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

func newViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaultConfig(v)

	if err := bindEnvVars(v); err != nil {
		return nil, configError(err, configFile)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, configError(fmt.Errorf("error reading config file: %w", err), configFile)
		}
		return v, nil
	}

	v.SetConfigName("config")
	paths, err := GetDefaultConfigPaths()
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !stderrors.As(err, &notFound) {
			return nil, configError(fmt.Errorf("fatal error reading config file: %w", err), "")
		}
		path, err := createDefaultConfig(paths[0])
		if err != nil {
			return nil, err
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, configError(fmt.Errorf("error reading created config file: %w", err), path)
		}
	}
	return v, nil
}

// createDefaultConfig writes the embedded config.yaml into dir.
func createDefaultConfig(dir string) (string, error) {
	path := filepath.Join(dir, "config.yaml")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fileError(fmt.Errorf("error creating directories for config file: %w", err), path)
	}
	if err := os.WriteFile(path, DefaultConfigYAML(), 0o644); err != nil {
		return "", fileError(fmt.Errorf("error writing default config file: %w", err), path)
	}
	GetLogger().Info("Created default config file", logger.String("path", path))
	return path, nil
}

// DefaultConfigYAML returns the embedded default configuration.
func DefaultConfigYAML() []byte {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		panic(fmt.Sprintf("embedded config.yaml missing: %v", err))
	}
	return data
}

// SaveYAMLConfig writes settings to configPath. Comments in an existing file
// are not preserved.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fileError(fmt.Errorf("error marshaling settings to YAML: %w", err), configPath)
	}

	tmp, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fileError(fmt.Errorf("error creating temporary file: %w", err), configPath)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fileError(fmt.Errorf("error writing to temporary file: %w", err), configPath)
	}
	if err := tmp.Close(); err != nil {
		return fileError(fmt.Errorf("error closing temporary file: %w", err), configPath)
	}
	if err := os.Rename(tmpName, configPath); err != nil {
		return fileError(fmt.Errorf("error replacing config file: %w", err), configPath)
	}
	return nil
}

// warnDetectionWindow points out that some timetables document a 35-50
// minute window while the default is 35-40.
func warnDetectionWindow(s *Settings) {
	w := s.Schedule.Window
	if w.StartMinutes == 35 && w.EndMinutes == 40 {
		GetLogger().Warn("Detection window is 35-40 minutes into each period; some timetables use 35-50, set schedule.window.end_minutes to change it",
			logger.Int("start_minutes", w.StartMinutes),
			logger.Int("end_minutes", w.EndMinutes))
	}
}

func configError(err error, path string) error {
	return errors.New(err).
		Component("conf").
		Category(errors.CategoryConfiguration).
		Context("config_file", path).
		Build()
}

func fileError(err error, path string) error {
	return errors.New(err).
		Component("conf").
		Category(errors.CategoryFileIO).
		Context("path", path).
		Build()
}
