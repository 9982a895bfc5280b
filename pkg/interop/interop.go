package interop

import (
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/newrelic/go-agent/v3/integrations/logcontext-v2/nrlogrus"
	"github.com/newrelic/go-agent/v3/newrelic"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultAppName = "New Relic IT Asset Sync"
	envPrefix      = "NR_ITAM"
)

type Interop struct {
	App    *newrelic.Application
	Logger *log.Logger
	Config *viper.Viper
}

// NewInteroperability loads .env files and config.yaml, then builds the
// logger and the New Relic application shared by every job.
func NewInteroperability() (*Interop, error) {
	loadEnvFiles()

	v := viper.GetViper()
	v.SetConfigName("config")
	v.AddConfigPath("configs")
	v.AddConfigPath(".")
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	return New(v)
}

// New builds an Interop from an already loaded configuration.
func New(v *viper.Viper) (*Interop, error) {
	licenseKey := v.GetString("newrelic.licenseKey")
	if licenseKey == "" {
		licenseKey = os.Getenv("NEW_RELIC_LICENSE_KEY")
	}

	appName := v.GetString("newrelic.appName")
	if appName == "" {
		appName = defaultAppName
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(appName),
		newrelic.ConfigLicense(licenseKey),
		newrelic.ConfigEnabled(licenseKey != ""),
	)
	if err != nil {
		return nil, err
	}

	logger := log.New()

	logger.SetLevel(log.WarnLevel)
	if licenseKey != "" {
		logger.SetFormatter(nrlogrus.NewFormatter(app, &log.TextFormatter{}))
	}

	setupLogging(logger, v)

	return &Interop{App: app, Logger: logger, Config: v}, nil
}

// NewTestInterop returns an Interop with a quiet logger and no New Relic
// application, for use in tests.
func NewTestInterop() *Interop {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)

	return &Interop{Logger: logger, Config: viper.New()}
}

func (i *Interop) Shutdown() {
	if i.App != nil {
		i.App.Shutdown(time.Second * 3)
	}
}

func setupLogging(logger *log.Logger, v *viper.Viper) {
	logLevel := v.GetString("log.level")
	if logLevel != "" {
		level, err := log.ParseLevel(logLevel)
		if err != nil {
			logger.Infof("failed to parse log level, default will be used: %s", err)
		} else {
			logger.SetLevel(level)
		}
	}

	if v.IsSet("log.fileName") {
		maxSize := v.GetInt("log.maxSizeMB")
		if maxSize <= 0 {
			maxSize = 50
		}

		logger.Out = &lumberjack.Logger{
			Filename:   v.GetString("log.fileName"),
			MaxSize:    maxSize,
			MaxBackups: v.GetInt("log.maxBackups"),
			MaxAge:     v.GetInt("log.maxAgeDays"),
			Compress:   v.GetBool("log.compress"),
		}
	}
}

func loadEnvFiles() {
	envFiles, err := filepath.Glob("configs/*.env")
	if err != nil || len(envFiles) == 0 {
		_ = godotenv.Load()
		return
	}

	_ = godotenv.Load(envFiles...)
}
