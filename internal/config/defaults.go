package config

const (
	defaultDataDir     = "data"
	defaultBackend     = "pebble"
	defaultBind        = ":8080"
	defaultServiceName = "pulldb"
	defaultConcurrency = 16
	defaultMaxRetries  = 3
	defaultPageSize    = 100
	defaultMaxPageSize = 500
	defaultReadRPS     = 50
	defaultReadBurst   = 100
	defaultWriteRPS    = 10
	defaultWriteBurst  = 20
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir: defaultDataDir,
		Backend: defaultBackend,
		Bind:    defaultBind,
		Journal: true,
		RateLimit: RateLimit{
			ReadRPS:    defaultReadRPS,
			ReadBurst:  defaultReadBurst,
			WriteRPS:   defaultWriteRPS,
			WriteBurst: defaultWriteBurst,
		},
		Tracing: Tracing{Service: defaultServiceName},
		Engine: Engine{
			Concurrency:     defaultConcurrency,
			MaxRetries:      defaultMaxRetries,
			DefaultPageSize: defaultPageSize,
			MaxPageSize:     defaultMaxPageSize,
		},
	}
}
