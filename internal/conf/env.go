package conf

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/classwatch/classwatch/internal/capture"
	"github.com/classwatch/classwatch/internal/pipeline"
)

// EnvPrefix prefixes every environment override, e.g. CLASSWATCH_CAPTURE_INTERVAL.
const EnvPrefix = "CLASSWATCH"

type envBinding struct {
	ConfigKey string
	EnvVar    string
	Validate  func(string) error
}

// getEnvBindings lists the overrides that are checked before use. Every other
// key is still reachable through AutomaticEnv.
func getEnvBindings() []envBinding {
	return []envBinding{
		{"debug", "CLASSWATCH_DEBUG", validateEnvBool},
		{"schedule.timezone", "CLASSWATCH_SCHEDULE_TIMEZONE", validateEnvTimezone},
		{"schedule.window.start_minutes", "CLASSWATCH_SCHEDULE_WINDOW_START_MINUTES", validateEnvMinutes},
		{"schedule.window.end_minutes", "CLASSWATCH_SCHEDULE_WINDOW_END_MINUTES", validateEnvMinutes},

		{"dutycycle.active", "CLASSWATCH_DUTYCYCLE_ACTIVE", validateEnvDuration},
		{"dutycycle.idle", "CLASSWATCH_DUTYCYCLE_IDLE", validateEnvDuration},

		{"model.path", "CLASSWATCH_MODEL_PATH", nil},
		{"model.url", "CLASSWATCH_MODEL_URL", nil},
		{"model.threshold", "CLASSWATCH_MODEL_THRESHOLD", validateEnvThreshold},

		{"capture.device", "CLASSWATCH_CAPTURE_DEVICE", validateEnvDevice},
		{"capture.region", "CLASSWATCH_CAPTURE_REGION", validateEnvRegion},
		{"capture.interval", "CLASSWATCH_CAPTURE_INTERVAL", validateEnvDuration},
		{"capture.timeout", "CLASSWATCH_CAPTURE_TIMEOUT", validateEnvDuration},
		{"capture.per_period_cap", "CLASSWATCH_CAPTURE_PER_PERIOD_CAP", validateEnvNonNegativeInt},
		{"capture.best_frames", "CLASSWATCH_CAPTURE_BEST_FRAMES", validateEnvNonNegativeInt},
		{"capture.output_dir", "CLASSWATCH_CAPTURE_OUTPUT_DIR", nil},

		{"events.policy", "CLASSWATCH_EVENTS_POLICY", validateEnvPolicy},

		{"mqtt.enabled", "CLASSWATCH_MQTT_ENABLED", validateEnvBool},
		{"mqtt.broker", "CLASSWATCH_MQTT_BROKER", nil},
		{"mqtt.username", "CLASSWATCH_MQTT_USERNAME", nil},
		{"mqtt.password", "CLASSWATCH_MQTT_PASSWORD", nil},

		{"output.mysql.password", "CLASSWATCH_MYSQL_PASSWORD", nil},
		{"sentry.dsn", "CLASSWATCH_SENTRY_DSN", nil},
		{"webserver.port", "CLASSWATCH_WEBSERVER_PORT", validateEnvPort},
	}
}

// bindEnvVars binds CLASSWATCH_* variables and validates the ones that are set.
func bindEnvVars(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var problems []string
	for _, b := range getEnvBindings() {
		if err := v.BindEnv(b.ConfigKey, b.EnvVar); err != nil {
			problems = append(problems, fmt.Sprintf("failed to bind %s: %v", b.EnvVar, err))
			continue
		}
		if b.Validate == nil {
			continue
		}
		if value := os.Getenv(b.EnvVar); value != "" {
			if err := b.Validate(value); err != nil {
				problems = append(problems, fmt.Sprintf("invalid %s value %q: %v", b.EnvVar, value, err))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("must be true/false, 1/0, t/f")
	}
	return nil
}

func validateEnvDuration(value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func validateEnvMinutes(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	if n < 0 || n > 24*60 {
		return fmt.Errorf("must be between 0 and 1440")
	}
	return nil
}

func validateEnvNonNegativeInt(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("must not be negative")
	}
	return nil
}

func validateEnvThreshold(value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return err
	}
	if f < 0 || f > 1 {
		return fmt.Errorf("must be between 0 and 1")
	}
	return nil
}

func validateEnvPort(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	if n < 1 || n > 65535 {
		return fmt.Errorf("must be between 1 and 65535")
	}
	return nil
}

func validateEnvTimezone(value string) error {
	_, err := loadLocation(value)
	return err
}

func validateEnvDevice(value string) error {
	switch value {
	case DeviceFFmpeg, DeviceImageDir:
		return nil
	}
	return fmt.Errorf("must be %q or %q", DeviceFFmpeg, DeviceImageDir)
}

func validateEnvRegion(value string) error {
	_, err := capture.ParseRegion(value)
	return err
}

func validateEnvPolicy(value string) error {
	_, err := pipeline.ParseOverflowPolicy(value)
	return err
}
