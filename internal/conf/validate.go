package conf

import (
	"fmt"
	"strings"

	"github.com/classwatch/classwatch/internal/calendar"
	"github.com/classwatch/classwatch/internal/capture"
	"github.com/classwatch/classwatch/internal/errors"
)

// ValidationError lists every problem found in a Settings value.
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings checks settings and returns a configuration error wrapping
// a ValidationError when anything is wrong.
func ValidateSettings(s *Settings) error {
	ve := ValidationError{}
	add := func(errs ...string) { ve.Errors = append(ve.Errors, errs...) }

	add(validateSchedule(s)...)

	if err := s.DutyCycleConfig().Validate(); err != nil {
		add("dutycycle: " + err.Error())
	}

	add(validateModel(&s.Model)...)
	add(validateCapture(s)...)
	add(validateEvents(&s.Events)...)
	add(validateOutput(&s.Output)...)
	add(validateMQTT(&s.MQTT)...)

	if s.WebServer.Enabled && (s.WebServer.Port < 1 || s.WebServer.Port > 65535) {
		add(fmt.Sprintf("webserver: port must be between 1 and 65535, got %d", s.WebServer.Port))
	}
	if s.Sentry.Enabled && s.Sentry.DSN == "" {
		add("sentry: dsn is required when sentry is enabled")
	}

	if len(ve.Errors) > 0 {
		return errors.New(ve).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("problems", len(ve.Errors)).
			Build()
	}
	return nil
}

func validateSchedule(s *Settings) []string {
	cfg, err := s.CalendarConfig()
	if err != nil {
		return []string{"schedule: " + err.Error()}
	}
	if _, err := calendar.New(cfg); err != nil {
		return []string{"schedule: " + err.Error()}
	}
	return nil
}

func validateModel(m *ModelSettings) []string {
	var errs []string
	if m.Path == "" && m.URL == "" {
		errs = append(errs, "model: path or url must be set")
	}
	if m.Threshold < 0 || m.Threshold > 1 {
		errs = append(errs, fmt.Sprintf("model: threshold must be between 0 and 1, got %g", m.Threshold))
	}
	if m.MinFaceSize < 0 {
		errs = append(errs, "model: min_face_size must not be negative")
	}
	if m.LoadTimeout <= 0 {
		errs = append(errs, "model: load_timeout must be positive")
	}
	if m.Runtime.Command == "" {
		errs = append(errs, "model: runtime.command must be set")
	}
	return errs
}

func validateCapture(s *Settings) []string {
	c := &s.Capture
	var errs []string

	switch c.Device {
	case DeviceFFmpeg:
	case DeviceImageDir:
		if c.ImageDir == "" {
			errs = append(errs, "capture: image_dir is required for the imagedir device")
		}
	default:
		errs = append(errs, fmt.Sprintf("capture: unknown device %q", c.Device))
	}
	if c.Monitor < 0 {
		errs = append(errs, "capture: monitor must not be negative")
	}
	if _, err := capture.ParseRegion(c.Region); err != nil {
		errs = append(errs, "capture: "+err.Error())
	}

	// timing, cap, face count and overflow policy are checked by the pipeline
	cfg, err := s.PipelineConfig()
	if err != nil {
		return append(errs, "capture: "+err.Error())
	}
	if err := cfg.Validate(); err != nil {
		errs = append(errs, "capture: "+err.Error())
	}
	return errs
}

func validateEvents(e *EventSettings) []string {
	var errs []string
	if e.Buffer < 1 {
		errs = append(errs, "events: buffer must be at least 1")
	}
	if e.Recent < 0 {
		errs = append(errs, "events: recent must not be negative")
	}
	return errs
}

func validateOutput(o *OutputSettings) []string {
	var errs []string
	if o.SQLite.Enabled && o.MySQL.Enabled {
		errs = append(errs, "output: enable either sqlite or mysql, not both")
	}
	if o.SQLite.Enabled && o.SQLite.Path == "" {
		errs = append(errs, "output: sqlite.path must be set")
	}
	if o.MySQL.Enabled && (o.MySQL.Host == "" || o.MySQL.Database == "" || o.MySQL.Username == "") {
		errs = append(errs, "output: mysql requires host, database and username")
	}
	return errs
}

func validateMQTT(m *MQTTSettings) []string {
	if !m.Enabled {
		return nil
	}
	var errs []string
	if m.Broker == "" {
		errs = append(errs, "mqtt: broker must be set when mqtt is enabled")
	}
	if m.QoS < 0 || m.QoS > 2 {
		errs = append(errs, fmt.Sprintf("mqtt: qos must be 0, 1 or 2, got %d", m.QoS))
	}
	return errs
}
