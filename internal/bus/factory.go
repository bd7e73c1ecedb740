package bus

import (
	"fmt"
	"strings"

	"github.com/linkrank/linkrank/internal/config"
	"github.com/linkrank/linkrank/internal/pkg/errors"
	"github.com/linkrank/linkrank/internal/pkg/logger"
)

// NewBus creates a new Bus instance based on the configuration. When an
// event log path is set, the bus is wrapped so every published event is
// also appended to that file.
func NewBus(cfg config.BusConfig, log *logger.Logger) (Bus, error) {
	if log == nil {
		log = logger.Default()
	}

	var b Bus
	switch strings.ToLower(cfg.Type) {
	case "memory", "":
		mb := NewMemoryBus()
		mb.SetLogger(log)
		b = mb

	case "kafka":
		brokers := ParseKafkaBrokers(cfg.KafkaBrokers)
		if len(brokers) == 0 {
			return nil, errors.New(errors.CodeValidation, "kafka brokers not configured")
		}

		consumerGroup := cfg.KafkaGroup
		if consumerGroup == "" {
			consumerGroup = "linkrank"
		}

		kb, err := NewKafkaBus(KafkaConfig{
			Brokers:       brokers,
			ConsumerGroup: consumerGroup,
			ClientID:      "linkrank-bus",
			FromOldest:    true,
			Logger:        log,
		})
		if err != nil {
			return nil, err
		}
		b = kb

	default:
		return nil, errors.New(errors.CodeValidation, fmt.Sprintf("unknown bus type: %s", cfg.Type))
	}

	if cfg.EventLog == "" {
		return b, nil
	}

	eventLogger, err := NewEventLogger(cfg.EventLog, true)
	if err != nil {
		b.Close()
		return nil, err
	}
	return NewLoggedBus(b, eventLogger, log), nil
}
