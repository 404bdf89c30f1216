package audit

import (
	"encoding/json"
	"fmt"
	"log/syslog"
	"sync"
)

var _ Logger = (*SyslogLogger)(nil)

type SyslogOptions struct {
	Network  string `json:"network"`  // "tcp", "udp" or empty for the local daemon
	Address  string `json:"address"`  // "localhost:514"
	Priority int    `json:"priority"` // facility|severity, defaults from Config.LogLevel
	Tag      string `json:"tag"`
}

// syslogWriter is the subset of *syslog.Writer used by SyslogLogger
type syslogWriter interface {
	Err(m string) error
	Warning(m string) error
	Notice(m string) error
	Info(m string) error
	Close() error
}

// SyslogLogger forwards events to syslog as JSON. Failures go out at err or warning
// severity, session changes at notice, and everything else at info unless
// Config.LogLevel raises the threshold.
type SyslogLogger struct {
	mu     sync.Mutex
	config *Config
	writer syslogWriter
}

// NewSyslogLogger dials a remote syslog when network and address are set, and the
// local daemon otherwise
func NewSyslogLogger(config *Config) (*SyslogLogger, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	var opts SyslogOptions
	if err := parseOptions(config.Options, &opts); err != nil {
		return nil, fmt.Errorf("invalid syslog logger options: %w", err)
	}

	priority := syslog.Priority(opts.Priority)
	if priority == 0 {
		priority = syslog.LOG_USER | severityFor(config.LogLevel)
	}
	if opts.Tag == "" {
		opts.Tag = "atrest-audit"
	}

	var writer *syslog.Writer
	var err error
	if opts.Network != "" && opts.Address != "" {
		writer, err = syslog.Dial(opts.Network, opts.Address, priority, opts.Tag)
	} else {
		writer, err = syslog.New(priority, opts.Tag)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create syslog writer: %w", err)
	}

	return &SyslogLogger{config: config, writer: writer}, nil
}

func severityFor(level string) syslog.Priority {
	switch level {
	case "error":
		return syslog.LOG_ERR
	case "warn":
		return syslog.LOG_WARNING
	default:
		return syslog.LOG_INFO
	}
}

func (s *SyslogLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	if !s.config.Enabled {
		return nil
	}
	return s.writeEvent(newEvent(s.config.Source, action, success, metadata))
}

func (s *SyslogLogger) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return nil
	}
	err := s.writer.Close()
	s.writer = nil
	return err
}

// Query is not supported: syslog is write-only from the caller's side
func (s *SyslogLogger) Query(options QueryOptions) (QueryResult, error) {
	return QueryResult{Events: []Event{}}, fmt.Errorf("syslog logger does not support querying historical data")
}

func (s *SyslogLogger) writeEvent(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return fmt.Errorf("syslog writer not initialized")
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	msg := "ATREST_AUDIT: " + string(eventJSON)

	switch {
	case !event.Success && event.Error != "":
		return s.writer.Err(msg)
	case !event.Success:
		return s.writer.Warning(msg)
	case s.config.LogLevel == "error":
		return nil
	case isAuthAction(event.Action):
		return s.writer.Notice(msg)
	case s.config.LogLevel == "warn":
		return nil
	default:
		return s.writer.Info(msg)
	}
}

// isAuthAction reports whether the action changes the session state
func isAuthAction(action string) bool {
	switch action {
	case ActionSetup, ActionUnlock, ActionLock:
		return true
	}
	return false
}
