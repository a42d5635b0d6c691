// Package rawlog records raw protocol lines per network and category.
package rawlog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/matt0x6f/cascade-relay/internal/logger"
	"github.com/rs/zerolog"
)

// Direction marks where a line came from.
type Direction string

const (
	Incoming Direction = "<<"
	Outgoing Direction = ">>"
	Notice   Direction = "!!"
	Failure  Direction = "XX"
)

// Categories, in the order debug channels are created.
const (
	General = "general"
	Ping    = "ping"
	MOTD    = "motd"
	Lists   = "lists"
	CTCP    = "ctcp"
)

var Categories = []string{General, Ping, MOTD, Lists, CTCP}

// Sink receives every line a connection reads or writes, plus lifecycle notes.
type Sink interface {
	Record(dir Direction, line string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(dir Direction, line string)

func (f SinkFunc) Record(dir Direction, line string) { f(dir, line) }

// Discard drops everything.
var Discard Sink = SinkFunc(func(Direction, string) {})

// Tee fans a line out to several sinks.
type Tee []Sink

func (t Tee) Record(dir Direction, line string) {
	for _, s := range t {
		if s != nil {
			s.Record(dir, line)
		}
	}
}

var (
	motdCommands = map[string]bool{"372": true, "375": true, "376": true, "422": true}
	listCommands = map[string]bool{
		"353": true, "366": true, "352": true, "315": true, "265": true,
		"266": true, "251": true, "252": true, "254": true, "255": true,
	}
)

// Category classifies a raw line.
func Category(line string) string {
	command := strings.ToUpper(commandOf(line))
	switch {
	case command == "PING" || command == "PONG":
		return Ping
	case motdCommands[command]:
		return MOTD
	case listCommands[command]:
		return Lists
	case strings.Contains(line, "\x01"):
		return CTCP
	}
	return General
}

// commandOf skips the tags and source of a line and returns its command.
func commandOf(line string) string {
	fields := strings.Fields(line)
	i := 0
	if i < len(fields) && strings.HasPrefix(fields[i], "@") {
		i++
	}
	if i < len(fields) && strings.HasPrefix(fields[i], ":") {
		i++
	}
	if i < len(fields) {
		return fields[i]
	}
	return ""
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9]`)

// FileSink appends lines to <dir>/<network>-<category>.log as JSON records.
type FileSink struct {
	dir     string
	network string
	log     zerolog.Logger

	mu      sync.Mutex
	files   map[string]*os.File
	loggers map[string]zerolog.Logger
	failed  map[string]bool
}

// NewFileSink creates the log directory if needed.
func NewFileSink(dir, network string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create raw log directory: %w", err)
	}
	return &FileSink{
		dir:     dir,
		network: unsafeName.ReplaceAllString(network, "_"),
		log:     logger.With("rawlog").With().Str("network", network).Logger(),
		files:   make(map[string]*os.File),
		loggers: make(map[string]zerolog.Logger),
		failed:  make(map[string]bool),
	}, nil
}

// Path returns the file a category is written to.
func (s *FileSink) Path(category string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-%s.log", s.network, category))
}

func (s *FileSink) Record(dir Direction, line string) {
	category := General
	if dir == Incoming || dir == Outgoing {
		category = Category(line)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.loggers[category]
	if !ok {
		f, err := os.OpenFile(s.Path(category), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			// warn once per category, the open is retried on every line
			if !s.failed[category] {
				s.failed[category] = true
				s.log.Warn().Err(err).Str("category", category).Msg("Failed to open raw log")
			}
			return
		}
		delete(s.failed, category)
		s.files[category] = f
		log = zerolog.New(f).With().Timestamp().Logger()
		s.loggers[category] = log
	}
	log.Log().Str("dir", string(dir)).Msg(line)
}

// Close closes all open files.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for category, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close %s log: %w", category, err)
		}
	}
	s.files = make(map[string]*os.File)
	s.loggers = make(map[string]zerolog.Logger)
	return firstErr
}
