package conf

import (
	"fmt"
	"time"

	"github.com/classwatch/classwatch/internal/calendar"
	"github.com/classwatch/classwatch/internal/capture"
	"github.com/classwatch/classwatch/internal/datastore"
	"github.com/classwatch/classwatch/internal/dutycycle"
	"github.com/classwatch/classwatch/internal/httpclient"
	"github.com/classwatch/classwatch/internal/httpserver"
	"github.com/classwatch/classwatch/internal/logger"
	"github.com/classwatch/classwatch/internal/model"
	"github.com/classwatch/classwatch/internal/mqtt"
	"github.com/classwatch/classwatch/internal/pipeline"
)

// Capture device kinds.
const (
	DeviceFFmpeg   = "ffmpeg"
	DeviceImageDir = "imagedir"
)

// Location returns the timetable time zone.
func (s *Settings) Location() (*time.Location, error) {
	loc, err := loadLocation(s.Schedule.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", s.Schedule.Timezone, err)
	}
	return loc, nil
}

// CalendarConfig converts the timetable. Time-of-day parse failures are
// reported here; overlap and window checks are left to calendar.New.
func (s *Settings) CalendarConfig() (calendar.Config, error) {
	loc, err := s.Location()
	if err != nil {
		return calendar.Config{}, err
	}

	periods := make([]calendar.Period, 0, len(s.Schedule.Periods))
	for i, p := range s.Schedule.Periods {
		start, err := calendar.ParseTimeOfDay(p.Start)
		if err != nil {
			return calendar.Config{}, fmt.Errorf("period %d (%s) start: %w", i+1, p.ID, err)
		}
		end, err := calendar.ParseTimeOfDay(p.End)
		if err != nil {
			return calendar.Config{}, fmt.Errorf("period %d (%s) end: %w", i+1, p.ID, err)
		}
		period := calendar.Period{
			ID:      p.ID,
			Label:   p.Label,
			Start:   start,
			End:     end,
			Enabled: p.IsEnabled(),
		}
		if p.Window != nil {
			period.Window = &calendar.Offsets{StartMinutes: p.Window.StartMinutes, EndMinutes: p.Window.EndMinutes}
		}
		periods = append(periods, period)
	}

	return calendar.Config{
		Periods:  periods,
		Window:   calendar.Offsets{StartMinutes: s.Schedule.Window.StartMinutes, EndMinutes: s.Schedule.Window.EndMinutes},
		Location: loc,
	}, nil
}

// DutyCycleConfig converts the duty-cycle cadence.
func (s *Settings) DutyCycleConfig() dutycycle.Config {
	cfg := dutycycle.DefaultConfig()
	cfg.ActiveDuration = s.DutyCycle.Active
	cfg.IdleDuration = s.DutyCycle.Idle
	if s.DutyCycle.Tick > 0 {
		cfg.TickInterval = s.DutyCycle.Tick
	}
	return cfg
}

// ModelConfig converts the detection tuning.
func (s *Settings) ModelConfig() model.Config {
	cfg := model.DefaultConfig()
	cfg.LoadTimeout = s.Model.LoadTimeout
	if s.Model.DetectTimeout > 0 {
		cfg.DetectTimeout = s.Model.DetectTimeout
	}
	cfg.Threshold = s.Model.Threshold
	cfg.MinFaceSize = s.Model.MinFaceSize
	return cfg
}

// ModelAsset returns the model source: downloaded when a URL is set,
// otherwise the local path.
func (s *Settings) ModelAsset(client *httpclient.Client) model.AssetSource {
	if s.Model.URL != "" {
		return model.NewHTTPAsset(s.Model.URL, s.Model.CacheDir, client)
	}
	return model.FileAsset{Path: s.Model.Path}
}

// ModelRuntime returns the detector sidecar runtime.
func (s *Settings) ModelRuntime(log logger.Logger) model.Runtime {
	return model.SidecarRuntime{
		Command: s.Model.Runtime.Command,
		Args:    s.Model.Runtime.Args,
		Log:     log,
	}
}

// CaptureDevice returns the configured screen source.
func (s *Settings) CaptureDevice() (capture.Device, error) {
	region, err := capture.ParseRegion(s.Capture.Region)
	if err != nil {
		return nil, err
	}
	switch s.Capture.Device {
	case DeviceFFmpeg:
		return &capture.FFmpegDevice{
			FFmpegPath: s.Capture.FFmpegPath,
			Display:    s.Capture.Display,
			Monitor:    s.Capture.Monitor,
			Region:     region,
			Timeout:    s.Capture.Timeout,
		}, nil
	case DeviceImageDir:
		return &capture.ImageDirDevice{Dir: s.Capture.ImageDir, Loop: s.Capture.Loop}, nil
	}
	return nil, configError(fmt.Errorf("unknown capture device %q", s.Capture.Device), s.configFile)
}

// PipelineConfig converts capture triggers and the event stream settings.
func (s *Settings) PipelineConfig() (pipeline.Config, error) {
	policy, err := pipeline.ParseOverflowPolicy(s.Events.Policy)
	if err != nil {
		return pipeline.Config{}, err
	}

	var times []calendar.TimeOfDay
	for _, raw := range s.Capture.ScheduledTimes {
		t, err := calendar.ParseTimeOfDay(raw)
		if err != nil {
			return pipeline.Config{}, fmt.Errorf("scheduled time %q: %w", raw, err)
		}
		times = append(times, t)
	}

	cfg := pipeline.DefaultConfig()
	cfg.Interval = s.Capture.Interval
	cfg.CaptureTimeout = s.Capture.Timeout
	cfg.PerPeriodCap = s.Capture.PerPeriodCap
	cfg.RequiredFaces = s.Capture.RequiredFaces
	cfg.BestFrames = s.Capture.BestFrames
	cfg.ScheduledTimes = times
	cfg.DisableScheduled = s.Capture.DisableScheduled
	cfg.OutputDir = s.Capture.OutputDir
	if s.Capture.ErrorLogInterval > 0 {
		cfg.ErrorLogInterval = s.Capture.ErrorLogInterval
	}
	cfg.Stream = pipeline.StreamConfig{
		Buffer:       s.Events.Buffer,
		Policy:       policy,
		BlockTimeout: s.Events.BlockTimeout,
	}
	if s.Events.SinkTimeout > 0 {
		cfg.SinkTimeout = s.Events.SinkTimeout
	}
	return cfg, nil
}

// MySQLConfig converts the MySQL output settings.
func (s *Settings) MySQLConfig() datastore.MySQLConfig {
	m := s.Output.MySQL
	return datastore.MySQLConfig{
		Username: m.Username,
		Password: m.Password,
		Host:     m.Host,
		Port:     m.Port,
		Database: m.Database,
	}
}

// MQTTConfig converts the MQTT publisher settings.
func (s *Settings) MQTTConfig() mqtt.Config {
	cfg := mqtt.DefaultConfig()
	cfg.Broker = s.MQTT.Broker
	cfg.ClientID = s.MQTT.ClientID
	cfg.Username = s.MQTT.Username
	cfg.Password = s.MQTT.Password
	cfg.Topic = s.MQTT.Topic
	cfg.QoS = byte(s.MQTT.QoS)
	cfg.Retain = s.MQTT.Retain
	return cfg
}

// HTTPConfig converts the web server settings.
func (s *Settings) HTTPConfig() httpserver.Config {
	cfg := httpserver.DefaultConfig()
	cfg.Host = s.WebServer.Host
	cfg.Port = s.WebServer.Port
	return cfg
}
