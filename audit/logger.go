package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config defines audit logging configuration
type Config struct {
	Enabled  bool                   `json:"enabled" yaml:"enabled"`
	Source   string                 `json:"source" yaml:"source"`   // instance name recorded on every event
	Type     ConfigType             `json:"type" yaml:"type"`       // "file", "syslog"
	Options  map[string]interface{} `json:"options" yaml:"options"` // Provider-specific options
	LogLevel string                 `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

type ConfigType string

const (
	FileAuditType   ConfigType = "file"
	SyslogAuditType ConfigType = "syslog"
	NoOp            ConfigType = ""
)

// Actions recorded by the vault
const (
	ActionEncrypt            = "encrypt"
	ActionDecrypt            = "decrypt"
	ActionStoreRecord        = "store_record"
	ActionRetrieveRecord     = "retrieve_record"
	ActionRetrieveAllRecords = "retrieve_all_records"
	ActionSetup              = "setup"
	ActionUnlock             = "unlock"
	ActionLock               = "lock"
)

// Metadata keys lifted into typed Event fields
const (
	MetaTable     = "table"
	MetaRecordKey = "record_key"
	MetaErrorKind = "error_kind"
	MetaDuration  = "duration_ms"
)

// Logger interface for pluggable audit implementations.
// Metadata must never carry passphrases, keys or plaintext.
type Logger interface {
	Log(action string, success bool, metadata map[string]interface{}) error
	Query(options QueryOptions) (QueryResult, error)
	Close() error
}

// Event represents an audit log event
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source,omitempty"`
	Action    string                 `json:"action"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"` // error kind, never the message
	Table     string                 `json:"table,omitempty"`
	RecordKey string                 `json:"record_key,omitempty"`
	Duration  int64                  `json:"duration_ms,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// QueryOptions for filtering audit logs
type QueryOptions struct {
	Since      *time.Time
	Until      *time.Time
	Action     string
	Success    *bool // nil = all, true = only success, false = only failures
	Table      string
	RecordKey  string
	Limit      int
	Offset     int
	AuthEvents bool // only setup, unlock and lock events
}

// QueryResult contains the results of an audit query
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// NewLogger creates an appropriate logger based on configuration
func NewLogger(config *Config) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}

	switch config.Type {
	case FileAuditType:
		return NewFileLogger(config)
	case SyslogAuditType:
		return NewSyslogLogger(config)
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

// newEvent builds an event, moving the well-known metadata keys into typed fields
func newEvent(source, action string, success bool, metadata map[string]interface{}) Event {
	event := Event{
		ID:        generateEventID(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		Action:    action,
		Success:   success,
	}

	rest := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		switch k {
		case MetaTable:
			event.Table, _ = v.(string)
		case MetaRecordKey:
			event.RecordKey, _ = v.(string)
		case MetaErrorKind:
			event.Error, _ = v.(string)
		case MetaDuration:
			switch d := v.(type) {
			case int64:
				event.Duration = d
			case int:
				event.Duration = int64(d)
			case time.Duration:
				event.Duration = d.Milliseconds()
			}
		default:
			rest[k] = v
		}
	}
	if len(rest) > 0 {
		event.Metadata = rest
	}
	return event
}

// parseOptions converts map[string]interface{} to specific options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	// Convert to JSON and back to parse into struct
	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}
