package endpoint

import (
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Config holds every tunable default listed in spec.md §6.
type Config struct {
	// Duplicate detector (spec §4.2)
	DuplicateCacheSize int           `mapstructure:"duplicate_cache_size"`
	DuplicateTTL       time.Duration `mapstructure:"duplicate_ttl"`

	// Delayed-transaction manager (spec §4.5)
	DelayedTransactionTimeout time.Duration `mapstructure:"delayed_transaction_timeout"`

	// Periodic tick (spec §4.8)
	TickPeriod time.Duration `mapstructure:"tick_period"`

	// Default retransmission schedule (spec §4.3)
	AckTimeout      time.Duration `mapstructure:"ack_timeout"`
	MaxRetransmit   int           `mapstructure:"max_retransmit"`
	AckRandomFactor float64       `mapstructure:"ack_random_factor"`

	// Observable resource (spec §4.6)
	ForceConFrequency int `mapstructure:"force_con_frequency"`

	// Transaction manager (spec §4.4); zero means unbounded.
	PerEndpointQueueCap int `mapstructure:"per_endpoint_queue_cap"`

	// Endpoint / dispatcher (spec §4.7, §6)
	CriticalOptionTestEnabled bool `mapstructure:"critical_option_test_enabled"`
}

// RetransmitSchedule builds the default schedule described by this
// configuration's AckTimeout/MaxRetransmit/AckRandomFactor fields.
func (c Config) RetransmitSchedule() RetransmitSchedule {
	return RetransmitSchedule{
		AckTimeout:      c.AckTimeout,
		MaxRetransmit:   c.MaxRetransmit,
		AckRandomFactor: c.AckRandomFactor,
	}
}

// DefaultConfig returns the spec's §6 defaults.
func DefaultConfig() Config {
	return Config{
		DuplicateCacheSize:        10000,
		DuplicateTTL:              30 * time.Second,
		DelayedTransactionTimeout: 120 * time.Second,
		TickPeriod:                1 * time.Second,
		AckTimeout:                2 * time.Second,
		MaxRetransmit:             4,
		AckRandomFactor:           1.5,
		ForceConFrequency:         20,
		PerEndpointQueueCap:       0, // unbounded by default
		CriticalOptionTestEnabled: true,
	}
}

// LoadConfig overlays overrides (typically parsed from a file or flags
// into a map) onto DefaultConfig, the same mapstructure-driven decode
// pattern the teacher uses for binding loosely-typed configuration maps
// onto typed structs.
func LoadConfig(overrides map[string]interface{}) (Config, error) {
	cfg := DefaultConfig()
	if len(overrides) == 0 {
		return cfg, nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		MatchName: func(mapKey, fieldName string) bool {
			return strings.EqualFold(mapKey, fieldName)
		},
		ErrorUnused: false,
	})
	if err != nil {
		return cfg, err
	}
	if err := decoder.Decode(overrides); err != nil {
		return cfg, err
	}
	return cfg, nil
}
