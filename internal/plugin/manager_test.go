package plugin

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matt0x6f/cascade-relay/internal/events"
	"github.com/matt0x6f/cascade-relay/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helperEnv = "CASCADE_PLUGIN_HELPER"

// TestMain lets the test binary double as a plugin process.
func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		runHelper(mode)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runHelper answers initialize and echoes every msg event back as input.
func runHelper(mode string) {
	out := json.NewEncoder(os.Stdout)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var req struct {
			ID     interface{} `json:"id"`
			Method string      `json:"method"`
			Params struct {
				Network string `json:"network"`
				Channel string `json:"channel"`
				Data    struct {
					Text string `json:"text"`
				} `json:"data"`
			} `json:"params"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		switch req.Method {
		case MethodInitialize:
			if mode == "fail" {
				_ = out.Encode(Response{JSONRPC: "2.0", ID: req.ID, Error: &Error{Code: -32000, Message: "not today"}})
				continue
			}
			_ = out.Encode(Response{JSONRPC: "2.0", ID: req.ID, Result: InitializeResult{
				Name:    "echo",
				Version: "1.2.3",
				Events:  []string{events.EventMessage},
			}})
		case MethodEvent:
			_ = out.Encode(Request{JSONRPC: "2.0", Method: MethodInput, Params: InputParams{
				Network: req.Params.Network,
				Channel: req.Params.Channel,
				Text:    "seen " + req.Params.Data.Text,
			}})
		}
	}
}

type inputs struct {
	mu  sync.Mutex
	got []InputParams
}

func (i *inputs) record(_ string, in InputParams) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.got = append(i.got, in)
	return nil
}

func (i *inputs) list() []InputParams {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]InputParams(nil), i.got...)
}

func helperInfo(mode string) Info {
	return Info{
		Name: "echo",
		Path: os.Args[0],
		Env:  []string{helperEnv + "=" + mode},
	}
}

func names(network string, channel int64) (string, bool) {
	return fmt.Sprintf("#%s-%d", network, channel), true
}

func TestPluginReceivesSubscribedEvents(t *testing.T) {
	var got inputs
	pm := NewManager("alice", names, got.record)
	t.Cleanup(func() { _ = pm.Close() })

	require.NoError(t, pm.LoadPlugin(helperInfo("ok")))
	list := pm.ListPlugins()
	require.Len(t, list, 1)
	assert.Equal(t, "1.2.3", list[0].Version)
	assert.Equal(t, []string{events.EventMessage}, list[0].Events)

	pm.OnEvent(events.Event{Type: events.EventUsers, NetworkID: "net1", ChannelID: 2})
	pm.OnEvent(events.Event{Type: events.EventUserJoined, NetworkID: "net1", ChannelID: 2})
	pm.OnEvent(events.Event{Type: events.EventMessage, NetworkID: "net1", ChannelID: 2, Data: state.Message{Text: "hello"}})

	assert.Eventually(t, func() bool { return len(got.list()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, InputParams{Network: "net1", Channel: "#net1-2", Text: "seen hello"}, got.list()[0])
}

func TestLoadTwiceFails(t *testing.T) {
	pm := NewManager("alice", nil, nil)
	t.Cleanup(func() { _ = pm.Close() })

	require.NoError(t, pm.LoadPlugin(helperInfo("ok")))
	assert.ErrorIs(t, pm.LoadPlugin(helperInfo("ok")), ErrAlreadyLoaded)
}

func TestInitializeErrorIsReturned(t *testing.T) {
	pm := NewManager("alice", nil, nil)
	t.Cleanup(func() { _ = pm.Close() })

	err := pm.LoadPlugin(helperInfo("fail"))
	assert.ErrorContains(t, err, "not today")
	assert.Empty(t, pm.ListPlugins())
}

func TestUnloadPlugin(t *testing.T) {
	pm := NewManager("alice", nil, nil)
	require.NoError(t, pm.LoadPlugin(helperInfo("ok")))

	require.NoError(t, pm.UnloadPlugin("echo"))
	assert.Empty(t, pm.ListPlugins())
	assert.Error(t, pm.UnloadPlugin("echo"))
	assert.NoError(t, pm.Close())
}

func TestResolveRejectsBadPaths(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(plain, []byte("#!/bin/sh\n"), 0o644))

	_, err := Resolve(plain)
	assert.ErrorContains(t, err, "not executable")

	_, err = Resolve(dir)
	assert.ErrorContains(t, err, "directory")

	_, err = Resolve(filepath.Join(dir, "missing"))
	assert.ErrorContains(t, err, "not found")

	_, err = Resolve("surely-not-a-real-plugin-name")
	assert.ErrorContains(t, err, "not found in PATH")

	exe := filepath.Join(dir, "exe")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755))
	got, err := Resolve(exe)
	require.NoError(t, err)
	assert.Equal(t, exe, got)
}
