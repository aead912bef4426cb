package alert

import (
	"context"
	"fmt"
	"time"

	"petwatch/internal/pipeline"
)

// Type groups alerts for toggles and cooldown
type Type string

const (
	TypeRestrictedZone Type = "restricted_zone"
	TypeFeeding        Type = "feeding"
	TypeLongAbsence    Type = "long_absence"
	TypeTest           Type = "test"
)

// Severity of an alert
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Alert is a notification built from one or more pipeline observations
type Alert struct {
	ID        string           `json:"id"`
	Type      Type             `json:"type"`
	Severity  Severity         `json:"severity"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Species   pipeline.Species `json:"species,omitempty"`
	Target    string           `json:"target,omitempty"` // Zone or bowl name
	Event     *pipeline.Event  `json:"event,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	Snapshot  []byte           `json:"-"` // Annotated frame, if available
}

// Notifier delivers alerts to one channel
type Notifier interface {
	Name() string
	Notify(ctx context.Context, alert Alert) error
}

const (
	DefaultCooldown = 300 * time.Second
	MinCooldown     = 30 * time.Second
)

// Config controls which alerts are raised and how often
type Config struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	Types        map[Type]bool `yaml:"types" json:"types"`
	Cooldown     time.Duration `yaml:"cooldown" json:"cooldown"`           // Per alert type, clamped to MinCooldown
	AbsenceAfter time.Duration `yaml:"absence_after" json:"absence_after"` // 0 disables absence alerts
	QueueSize    int           `yaml:"queue_size" json:"queue_size"`
	SendTimeout  time.Duration `yaml:"send_timeout" json:"send_timeout"`
}

// DefaultConfig returns restricted-zone and absence alerts on, feeding off
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Types: map[Type]bool{
			TypeRestrictedZone: true,
			TypeFeeding:        false,
			TypeLongAbsence:    true,
		},
		Cooldown:     DefaultCooldown,
		AbsenceAfter: 4 * time.Hour,
		QueueSize:    64,
		SendTimeout:  10 * time.Second,
	}
}

// Validate rejects configurations that cannot be honoured
func (c Config) Validate() error {
	if c.Cooldown < 0 {
		return fmt.Errorf("alert cooldown cannot be negative")
	}
	if c.AbsenceAfter < 0 {
		return fmt.Errorf("absence threshold cannot be negative")
	}
	for t := range c.Types {
		switch t {
		case TypeRestrictedZone, TypeFeeding, TypeLongAbsence:
		default:
			return fmt.Errorf("unknown alert type: %q", t)
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Types == nil {
		c.Types = defaults.Types
	}
	if c.Cooldown == 0 {
		c.Cooldown = defaults.Cooldown
	}
	if c.Cooldown < MinCooldown {
		c.Cooldown = MinCooldown
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaults.QueueSize
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaults.SendTimeout
	}
	return c
}
