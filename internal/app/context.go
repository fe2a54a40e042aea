package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"

	"xtal-refine/internal/conf"
	"xtal-refine/internal/logging"
	"xtal-refine/internal/metrics"
)

// Context carries what every command needs once the configuration is loaded.
type Context struct {
	Viper      *viper.Viper
	ConfigFile string

	Settings *conf.Settings
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
}

// NewContext returns a context with an unloaded configuration.
func NewContext() *Context {
	return &Context{Viper: conf.NewViper()}
}

// Initialize loads the settings and sets up logging and metrics. Log output
// goes to logOut: JSON when log.json is set, text otherwise.
func (c *Context) Initialize(logOut io.Writer) error {
	settings, err := conf.Load(c.Viper, c.ConfigFile)
	if err != nil {
		return err
	}
	level, err := logging.ParseLevel(settings.Log.Level)
	if err != nil {
		return err
	}
	if settings.Log.JSON {
		logging.SetOutput(logOut, nil, level)
		c.Logger = logging.Structured()
	} else {
		logging.SetOutput(nil, logOut, level)
		c.Logger = logging.HumanReadable()
	}

	c.Registry = prometheus.NewRegistry()
	m, err := metrics.New(c.Registry)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}
	c.Settings = settings
	c.Metrics = m
	return nil
}

// ServeMetrics exposes the registry when metrics.listen is set. It returns
// immediately; the endpoint stops when ctx is done.
func (c *Context) ServeMetrics(ctx context.Context) {
	if c.Settings == nil || c.Settings.Metrics.Listen == "" {
		return
	}
	go func() {
		if err := metrics.Serve(ctx, c.Settings.Metrics.Listen, c.Registry, c.Logger); err != nil {
			c.Logger.Error("metrics endpoint failed", "error", err)
		}
	}()
}

// NewState builds a State from the loaded settings.
func (c *Context) NewState() *State {
	return NewState(c.Settings, c.Logger, c.Metrics)
}

// LoadState loads the job at path into a new State. Progress is logged at
// trace level.
func (c *Context) LoadState(path string) (*State, error) {
	s := c.NewState()
	s.On(EventProgress, func(data interface{}) {
		p := data.(ProgressEvent)
		logging.Trace(c.Logger, "progress", "stage", p.Stage, "done", p.Done, "total", p.Total)
	})
	if err := s.LoadJob(path); err != nil {
		return nil, err
	}
	return s, nil
}

// OutputPath returns output, or input when output is empty.
func OutputPath(input, output string) string {
	if output == "" {
		return input
	}
	return output
}
