// Package plugin runs user plugins as child processes speaking JSON-RPC over
// stdio. Plugins receive relay events and may send input lines back.
package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/matt0x6f/cascade-relay/internal/events"
	"github.com/matt0x6f/cascade-relay/internal/logger"
	"github.com/rs/zerolog"
)

// ProtocolVersion is sent in initialize.
const ProtocolVersion = "1.0"

// eventQueueSize bounds the events waiting for a slow plugin.
const eventQueueSize = 256

// ErrAlreadyLoaded is returned when a plugin name is loaded twice.
var ErrAlreadyLoaded = errors.New("plugin already loaded")

// Info describes a configured plugin. Version, Description and Events are
// filled from the initialize response.
type Info struct {
	Name        string                 `json:"name"`
	Path        string                 `json:"path"`
	Args        []string               `json:"-"`
	Env         []string               `json:"-"`
	Config      map[string]interface{} `json:"-"`
	Version     string                 `json:"version,omitempty"`
	Description string                 `json:"description,omitempty"`
	Events      []string               `json:"events,omitempty"`
}

// ChannelNamer resolves a channel id of a network to its name.
type ChannelNamer func(network string, channel int64) (string, bool)

// InputFunc runs an input line a plugin asked for.
type InputFunc func(plugin string, in InputParams) error

// Plugin is a running plugin.
type Plugin struct {
	Info  Info
	IPC   *IPC
	all   bool
	wants map[string]bool
	queue chan EventParams
	done  chan struct{}
}

func (p *Plugin) subscribes(eventType string) bool {
	return p.all || p.wants[eventType]
}

// pump writes queued events so a slow plugin never blocks a session.
func (p *Plugin) pump(log zerolog.Logger) {
	for {
		select {
		case params := <-p.queue:
			if err := p.IPC.SendNotification(MethodEvent, params); err != nil {
				log.Warn().Err(err).Str("event", params.Type).Msg("Failed to send event to plugin")
			}
		case <-p.done:
			return
		}
	}
}

// Manager owns the plugins of one user.
type Manager struct {
	user  string
	names ChannelNamer
	input InputFunc
	log   zerolog.Logger

	mu      sync.RWMutex
	plugins map[string]*Plugin
}

// NewManager creates an empty manager. names and input may be nil.
func NewManager(user string, names ChannelNamer, input InputFunc) *Manager {
	return &Manager{
		user:    user,
		names:   names,
		input:   input,
		log:     logger.With("plugin").With().Str("user", user).Logger(),
		plugins: make(map[string]*Plugin),
	}
}

// LoadPlugin starts a plugin and completes the initialize handshake.
func (pm *Manager) LoadPlugin(info Info) error {
	pm.mu.RLock()
	_, exists := pm.plugins[info.Name]
	pm.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, info.Name)
	}

	path, err := Resolve(info.Path)
	if err != nil {
		return fmt.Errorf("plugin validation failed: %w", err)
	}
	info.Path = path

	name := info.Name
	ipc, err := NewIPC(&info, func(req *Request) { pm.handleNotification(name, req) })
	if err != nil {
		return fmt.Errorf("failed to create IPC: %w", err)
	}

	resp, err := ipc.SendRequest(MethodInitialize, InitializeParams{
		Version: ProtocolVersion,
		User:    pm.user,
		Config:  info.Config,
	})
	if err != nil {
		if closeErr := ipc.Close(); closeErr != nil {
			pm.log.Warn().Err(closeErr).Str("plugin", name).Msg("Error closing plugin after failed initialize")
		}
		return fmt.Errorf("failed to initialize plugin: %w", err)
	}

	var result InitializeResult
	if resp.Result != nil {
		raw, _ := json.Marshal(resp.Result)
		if err := json.Unmarshal(raw, &result); err != nil {
			pm.log.Warn().Err(err).Str("plugin", name).Msg("Failed to parse initialize result")
		}
	}
	info.Version = result.Version
	info.Description = result.Description
	info.Events = result.Events

	p := &Plugin{
		Info:  info,
		IPC:   ipc,
		wants: make(map[string]bool),
		queue: make(chan EventParams, eventQueueSize),
		done:  make(chan struct{}),
	}
	for _, e := range result.Events {
		if e == "*" {
			p.all = true
		}
		p.wants[e] = true
	}

	pm.mu.Lock()
	if _, exists := pm.plugins[name]; exists {
		pm.mu.Unlock()
		_ = ipc.Close()
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, name)
	}
	pm.plugins[name] = p
	pm.mu.Unlock()

	go p.pump(pm.log.With().Str("plugin", name).Logger())
	pm.log.Info().Str("plugin", name).Str("version", info.Version).Strs("events", info.Events).Msg("Plugin loaded")
	return nil
}

// UnloadPlugin stops a plugin.
func (pm *Manager) UnloadPlugin(name string) error {
	pm.mu.Lock()
	p, ok := pm.plugins[name]
	delete(pm.plugins, name)
	pm.mu.Unlock()
	if !ok {
		return fmt.Errorf("plugin not loaded: %s", name)
	}
	close(p.done)
	return p.IPC.Close()
}

// ListPlugins returns the loaded plugins by name.
func (pm *Manager) ListPlugins() []Info {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	infos := make([]Info, 0, len(pm.plugins))
	for _, p := range pm.plugins {
		infos = append(infos, p.Info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// OnEvent queues client-visible events for the plugins subscribed to them.
// It never blocks; a plugin whose queue is full misses the event.
func (pm *Manager) OnEvent(e events.Event) {
	if !events.ClientVisible(e.Type) {
		return
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if len(pm.plugins) == 0 {
		return
	}

	params := EventParams{Type: e.Type, Network: e.NetworkID, ChannelID: e.ChannelID, Data: e.Data}
	if e.ChannelID != 0 && pm.names != nil {
		params.Channel, _ = pm.names(e.NetworkID, e.ChannelID)
	}
	for name, p := range pm.plugins {
		if !p.subscribes(e.Type) {
			continue
		}
		select {
		case p.queue <- params:
		default:
			pm.log.Warn().Str("plugin", name).Str("event", e.Type).Msg("Plugin queue full, dropping event")
		}
	}
}

func (pm *Manager) handleNotification(name string, req *Request) {
	switch req.Method {
	case MethodInput:
		raw, ok := req.Params.(json.RawMessage)
		if !ok {
			return
		}
		var in InputParams
		if err := json.Unmarshal(raw, &in); err != nil || in.Network == "" || in.Text == "" {
			pm.log.Warn().Str("plugin", name).Msg("Invalid input notification")
			return
		}
		if pm.input == nil {
			return
		}
		if err := pm.input(name, in); err != nil {
			pm.log.Warn().Err(err).Str("plugin", name).Str("network", in.Network).Msg("Plugin input failed")
		}
	default:
		pm.log.Debug().Str("plugin", name).Str("method", req.Method).Msg("Ignoring plugin notification")
	}
}

// Close stops every plugin.
func (pm *Manager) Close() error {
	pm.mu.Lock()
	plugins := pm.plugins
	pm.plugins = make(map[string]*Plugin)
	pm.mu.Unlock()

	var errs []error
	for name, p := range plugins {
		close(p.done)
		if err := p.IPC.Close(); err != nil {
			errs = append(errs, fmt.Errorf("plugin %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
