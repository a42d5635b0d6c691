package plugin

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/matt0x6f/cascade-relay/internal/logger"
	"github.com/rs/zerolog"
)

const (
	initializeTimeout = 5 * time.Second
	requestTimeout    = 10 * time.Second
	closeGrace        = 100 * time.Millisecond
	maxLineSize       = 1 << 20
)

// ErrIPCClosed is returned once the plugin process has gone away.
var ErrIPCClosed = errors.New("IPC closed")

// IPC is a JSON-RPC connection to one plugin process over its stdio.
type IPC struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	log    zerolog.Logger
	notify func(*Request)
	exited chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once

	mu       sync.Mutex
	requests map[int64]chan *Response
	nextID   int64
	closed   bool
}

// NewIPC starts the plugin process. notify receives every notification the
// plugin sends, on the read goroutine.
func NewIPC(info *Info, notify func(*Request)) (*IPC, error) {
	cmd := exec.Command(info.Path, info.Args...)
	// a minimal environment so plugins do not pick up the relay's secrets
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		"TERM=dumb",
	}
	if lang := os.Getenv("LANG"); lang != "" {
		env = append(env, "LANG="+lang)
	} else {
		env = append(env, "LANG=en_US.UTF-8")
	}
	cmd.Env = append(env, info.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	ipc := &IPC{
		cmd:      cmd,
		stdin:    stdin,
		log:      logger.With("plugin").With().Str("plugin", info.Name).Logger(),
		notify:   notify,
		exited:   make(chan struct{}),
		requests: make(map[int64]chan *Response),
		nextID:   1,
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to start plugin: %w", err)
	}
	ipc.log.Info().Int("pid", cmd.Process.Pid).Str("path", info.Path).Msg("Plugin process started")

	// Wait closes the pipes, so reap only after both readers hit EOF
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		ipc.logStderr(stderr)
	}()
	go func() {
		defer readers.Done()
		ipc.readLoop(stdout)
	}()
	go func() {
		readers.Wait()
		err := cmd.Wait()
		ipc.log.Debug().Err(err).Msg("Plugin process exited")
		close(ipc.exited)
	}()

	return ipc, nil
}

func (ipc *IPC) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		ipc.log.Info().Str("stderr", scanner.Text()).Msg("Plugin stderr")
	}
}

// normalizeID converts a decoded JSON id to int64. JSON numbers decode as
// float64.
func normalizeID(id interface{}) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// wireMessage holds the union of request and response fields so a line is
// decoded once.
type wireMessage struct {
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result interface{}     `json:"result"`
	Error  *Error          `json:"error"`
}

func (ipc *IPC) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg wireMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			ipc.log.Warn().Err(err).Str("line", line).Msg("Invalid message from plugin")
			continue
		}

		if msg.Method != "" {
			if msg.ID != nil {
				ipc.log.Debug().Str("method", msg.Method).Msg("Ignoring request from plugin")
				continue
			}
			if ipc.notify != nil {
				ipc.notify(&Request{JSONRPC: "2.0", Method: msg.Method, Params: msg.Params})
			}
			continue
		}

		id, ok := normalizeID(msg.ID)
		if !ok {
			ipc.log.Warn().Interface("id", msg.ID).Msg("Response with invalid id")
			continue
		}
		ipc.mu.Lock()
		ch, ok := ipc.requests[id]
		delete(ipc.requests, id)
		ipc.mu.Unlock()
		if !ok {
			ipc.log.Warn().Int64("id", id).Msg("Response with unknown id")
			continue
		}
		ch <- &Response{JSONRPC: "2.0", ID: id, Result: msg.Result, Error: msg.Error}
	}
	if err := scanner.Err(); err != nil {
		ipc.log.Warn().Err(err).Msg("Error reading plugin stdout")
	}

	ipc.mu.Lock()
	ipc.closed = true
	for id, ch := range ipc.requests {
		close(ch)
		delete(ipc.requests, id)
	}
	ipc.mu.Unlock()
}

func (ipc *IPC) write(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	ipc.writeMu.Lock()
	defer ipc.writeMu.Unlock()
	if _, err := ipc.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to plugin: %w", err)
	}
	return nil
}

// SendRequest sends a request and waits for its response.
func (ipc *IPC) SendRequest(method string, params interface{}) (*Response, error) {
	ipc.mu.Lock()
	if ipc.closed {
		ipc.mu.Unlock()
		return nil, ErrIPCClosed
	}
	id := ipc.nextID
	ipc.nextID++
	ch := make(chan *Response, 1)
	ipc.requests[id] = ch
	ipc.mu.Unlock()

	if err := ipc.write(Request{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		ipc.forget(id)
		return nil, err
	}

	timeout := requestTimeout
	if method == MethodInitialize {
		timeout = initializeTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, ErrIPCClosed
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("plugin error: %s (code: %d)", resp.Error.Message, resp.Error.Code)
		}
		return resp, nil
	case <-timer.C:
		ipc.forget(id)
		return nil, fmt.Errorf("timeout waiting for plugin response to %s", method)
	}
}

func (ipc *IPC) forget(id int64) {
	ipc.mu.Lock()
	delete(ipc.requests, id)
	ipc.mu.Unlock()
}

// SendNotification sends a notification; no response is expected.
func (ipc *IPC) SendNotification(method string, params interface{}) error {
	ipc.mu.Lock()
	closed := ipc.closed
	ipc.mu.Unlock()
	if closed {
		return ErrIPCClosed
	}
	return ipc.write(Request{JSONRPC: "2.0", Method: method, Params: params})
}

// Close closes stdin so the plugin can exit on EOF, then interrupts and
// finally kills it if it lingers.
func (ipc *IPC) Close() error {
	var err error
	ipc.closeOnce.Do(func() {
		ipc.mu.Lock()
		ipc.closed = true
		ipc.mu.Unlock()

		ipc.writeMu.Lock()
		ipc.stdin.Close()
		ipc.writeMu.Unlock()

		select {
		case <-ipc.exited:
			return
		case <-time.After(closeGrace):
		}
		_ = ipc.cmd.Process.Signal(os.Interrupt)
		select {
		case <-ipc.exited:
			return
		case <-time.After(closeGrace):
		}
		if kerr := ipc.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			err = kerr
			return
		}
		<-ipc.exited
	})
	return err
}
