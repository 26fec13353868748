package config

import (
	"errors"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var isDuration = validation.By(func(value any) error {
	s, _ := value.(string)
	if s == "" || s == "0" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return errors.New("must be a duration such as 250ms or 5m")
	}
	if d < 0 {
		return errors.New("must not be negative")
	}
	return nil
})

var oneOf = func(values ...string) validation.Rule {
	return validation.By(func(value any) error {
		s, _ := value.(string)
		for _, v := range values {
			if strings.EqualFold(s, v) {
				return nil
			}
		}
		return errors.New("must be one of " + strings.Join(values, ", "))
	})
}

// Validate fails fast on missing or malformed settings.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Store),
		validation.Field(&c.Cache),
		validation.Field(&c.Sync),
		validation.Field(&c.Sweep),
		validation.Field(&c.Server),
		validation.Field(&c.Payload),
		validation.Field(&c.Logging),
		validation.Field(&c.Tracing),
	)
}

func (s StoreConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.DSN, validation.Required.Error("is required (set store.dsn or DATABASE_URL)")),
		validation.Field(&s.MaxOpenConns, validation.Required, validation.Min(1)),
		validation.Field(&s.MaxIdleConns, validation.Min(0)),
		validation.Field(&s.ConnMaxLifetime, isDuration),
	)
}

func (c CacheConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Capacity, validation.Required, validation.Min(1)),
		validation.Field(&c.NumShards, validation.Required, validation.Min(1)),
		validation.Field(&c.TTL, validation.Required, isDuration),
		validation.Field(&c.EvictionPercentage, validation.Required, validation.Max(100)),
		validation.Field(&c.EvictionInterval, isDuration),
		validation.Field(&c.ReadTimeout, isDuration),
	)
}

func (s SyncConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Workers, validation.Required, validation.Min(1)),
		validation.Field(&s.QueueSize, validation.Required, validation.Min(1)),
		validation.Field(&s.MaxAttempts, validation.Required, validation.Min(1)),
		validation.Field(&s.InitialBackoff, isDuration),
		validation.Field(&s.MaxBackoff, isDuration),
		validation.Field(&s.EnqueueTimeout, isDuration),
		validation.Field(&s.InvalidateTimeout, isDuration),
	)
}

func (s SweepConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Interval, isDuration, validation.When(s.Enabled, validation.Required)),
		validation.Field(&s.BatchSize, validation.When(s.Enabled, validation.Required, validation.Min(1))),
		validation.Field(&s.RatePerSecond, validation.Min(0.0)),
		validation.Field(&s.EnqueueTimeout, isDuration),
	)
}

func (s ServerConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.ListenAddress, validation.Required),
		validation.Field(&s.ReadTimeout, isDuration),
		validation.Field(&s.WriteTimeout, isDuration),
		validation.Field(&s.ShutdownTimeout, isDuration),
	)
}

func (p PayloadConfig) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.MaxFields, validation.Min(0)),
		validation.Field(&p.MaxKeyLength, validation.Min(0)),
		validation.Field(&p.RequiredFields, validation.Each(validation.Required)),
	)
}

func (l LoggingConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, oneOf("debug", "info", "warn", "error")),
		validation.Field(&l.Output, oneOf("stdout", "stderr", "file", "none")),
		validation.Field(&l.File, validation.When(strings.EqualFold(l.Output, "file"), validation.Required)),
		validation.Field(&l.Format, oneOf("json", "text")),
	)
}

func (t TracingConfig) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.Endpoint, validation.When(t.Enabled, validation.Required)),
		validation.Field(&t.Protocol, validation.When(t.Enabled, oneOf("grpc", "http"))),
	)
}
