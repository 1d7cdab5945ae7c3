package conf

import (
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// setDefaultConfig sets a default for every key so environment overrides
// apply even when the config file omits a section.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("main.name", "classwatch")

	v.SetDefault("logging.default_level", "info")
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.file_output.enabled", false)
	v.SetDefault("logging.file_output.path", "logs/classwatch.log")
	v.SetDefault("logging.file_output.level", "info")

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "production")

	v.SetDefault("schedule.timezone", "Local")
	v.SetDefault("schedule.window.start_minutes", 35)
	v.SetDefault("schedule.window.end_minutes", 40)
	v.SetDefault("schedule.periods", defaultPeriods())

	v.SetDefault("dutycycle.active", 15*time.Second)
	v.SetDefault("dutycycle.idle", 45*time.Second)
	v.SetDefault("dutycycle.tick", time.Second)

	v.SetDefault("model.path", "models/face_detection.onnx")
	v.SetDefault("model.url", "")
	v.SetDefault("model.cache_dir", "models/cache")
	v.SetDefault("model.threshold", 0.8)
	v.SetDefault("model.min_face_size", 40)
	v.SetDefault("model.load_timeout", 30*time.Second)
	v.SetDefault("model.detect_timeout", 10*time.Second)
	v.SetDefault("model.runtime.command", "classwatch-detector")
	v.SetDefault("model.runtime.args", []string{})

	v.SetDefault("capture.device", DeviceFFmpeg)
	v.SetDefault("capture.ffmpeg_path", "ffmpeg")
	v.SetDefault("capture.display", ":0")
	v.SetDefault("capture.monitor", 0)
	v.SetDefault("capture.region", "")
	v.SetDefault("capture.image_dir", "")
	v.SetDefault("capture.loop", false)
	v.SetDefault("capture.interval", 5*time.Second)
	v.SetDefault("capture.timeout", 4*time.Second)
	v.SetDefault("capture.per_period_cap", 5)
	v.SetDefault("capture.required_faces", 1)
	v.SetDefault("capture.best_frames", 10)
	v.SetDefault("capture.scheduled_times", []string{})
	v.SetDefault("capture.disable_scheduled", false)
	v.SetDefault("capture.output_dir", "captures")
	v.SetDefault("capture.error_log_interval", 30*time.Second)

	v.SetDefault("events.buffer", 64)
	v.SetDefault("events.policy", "drop-oldest")
	v.SetDefault("events.block_timeout", time.Second)
	v.SetDefault("events.sink_timeout", 5*time.Second)
	v.SetDefault("events.recent", 100)

	v.SetDefault("output.stored_only", false)
	v.SetDefault("output.sqlite.enabled", true)
	v.SetDefault("output.sqlite.path", "classwatch.db")
	v.SetDefault("output.mysql.enabled", false)
	v.SetDefault("output.mysql.username", "classwatch")
	v.SetDefault("output.mysql.password", "")
	v.SetDefault("output.mysql.host", "localhost")
	v.SetDefault("output.mysql.port", "3306")
	v.SetDefault("output.mysql.database", "classwatch")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic", "classwatch")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.retain", false)

	v.SetDefault("webserver.enabled", true)
	v.SetDefault("webserver.host", "127.0.0.1")
	v.SetDefault("webserver.port", 8090)
}

// defaultPeriods returns the timetable from the embedded config.yaml in the
// generic form viper stores file values in.
func defaultPeriods() []map[string]any {
	var doc struct {
		Schedule struct {
			Periods []map[string]any `yaml:"periods"`
		} `yaml:"schedule"`
	}
	if err := yaml.Unmarshal(DefaultConfigYAML(), &doc); err != nil {
		panic("embedded config.yaml is invalid: " + err.Error())
	}
	return doc.Schedule.Periods
}
