package sharedlog

import "github.com/go-kit/log"

// Options holds the ambient collaborators of a log backend.
type Options struct {
	Logger  log.Logger
	Metrics *Metrics
}

type Option func(*Options)

func WithLogger(logger log.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// BuildOptions applies opts over no-op defaults.
func BuildOptions(opts ...Option) Options {
	o := Options{
		Logger:  log.NewNopLogger(),
		Metrics: DiscardMetrics(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
