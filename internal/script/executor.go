// Package script hosts user JavaScript that reacts to detection results.
//
// One script runs at a time on its own goroutine, which owns the goja
// runtime. Detection payloads arrive through the notification sink contract
// and are handed to the script's onDetection callback while it waits in
// sleep, so the runtime is never touched from two goroutines.
package script

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

var (
	ErrRunning     = errors.New("a script is already running")
	ErrEmptyScript = errors.New("script is empty")
	ErrClosed      = errors.New("script host is closed")
)

const maxOutputLines = 500

// helpers are defined in every runtime before the user script
const helpers = `
function repeat(n, fn) {
	for (var i = 0; i < n; i++) {
		fn(i);
	}
}
function getLastDetections() {
	try {
		return JSON.parse(__lastDetections());
	} catch (e) {
		return [];
	}
}
`

// Status is the view served by /api/script/status
type Status struct {
	Running bool   `json:"running"`
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
	Runs    uint64 `json:"runs"`
}

// Executor runs user scripts and receives detection payloads as a sink
type Executor struct {
	logger *zap.Logger
	now    func() time.Time

	// Newest undelivered payload; older ones are replaced
	detections chan string

	mu      sync.Mutex
	last    string
	running bool
	closed  bool
	vm      *goja.Runtime
	stop    chan struct{}
	done    chan struct{}
	output  []string
	lastErr string
	runs    uint64
}

// NewExecutor creates an idle script host
func NewExecutor(logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		logger:     logger.Named("script"),
		now:        time.Now,
		detections: make(chan string, 1),
		last:       "[]",
	}
}

// Run starts src on a fresh runtime. It fails when a script is already running.
func (e *Executor) Run(src string) error {
	if strings.TrimSpace(src) == "" {
		return ErrEmptyScript
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.running {
		e.mu.Unlock()
		return ErrRunning
	}
	vm := goja.New()
	stop := make(chan struct{})
	done := make(chan struct{})
	e.running = true
	e.vm = vm
	e.stop = stop
	e.done = done
	e.output = nil
	e.lastErr = ""
	e.runs++
	e.mu.Unlock()

	// Payloads from before the run are only visible through getLastDetections
	select {
	case <-e.detections:
	default:
	}

	go e.execute(&session{e: e, vm: vm, stop: stop}, src, done)
	return nil
}

func (e *Executor) execute(s *session, src string, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			e.fail(fmt.Sprintf("script panic: %v", r))
		}
		e.mu.Lock()
		e.running = false
		e.vm = nil
		e.mu.Unlock()
	}()

	e.logger.Info("script started", zap.Int("length", len(src)))
	e.appendOutput("Starting script execution...")
	err := s.install()
	if err == nil {
		_, err = s.vm.RunString(src)
	}
	var interrupted *goja.InterruptedError
	switch {
	case err == nil:
		e.appendOutput("Script completed successfully")
		e.logger.Info("script completed")
	case errors.As(err, &interrupted):
		e.appendOutput("Script stopped by user")
		e.logger.Info("script stopped")
	default:
		e.fail(err.Error())
	}
}

func (e *Executor) fail(msg string) {
	e.mu.Lock()
	e.lastErr = msg
	e.mu.Unlock()
	e.appendOutput("Script error: " + msg)
	e.logger.Warn("script failed", zap.String("error", msg))
}

// Stop interrupts the running script. Returns false when nothing was running.
func (e *Executor) Stop() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return false
	}
	select {
	case <-e.stop:
		return true
	default:
	}
	e.vm.Interrupt("stopped")
	close(e.stop)
	return true
}

// Wait blocks until the current run, if any, has finished
func (e *Executor) Wait() {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Status returns the run state and accumulated output of the latest run
func (e *Executor) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Running: e.running,
		Output:  strings.Join(e.output, "\n"),
		Error:   e.lastErr,
		Runs:    e.runs,
	}
}

// LastDetections returns the newest payload seen, "[]" before the first one
func (e *Executor) LastDetections() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

func (e *Executor) appendOutput(msg string) {
	line := fmt.Sprintf("[%s] %s", e.now().Format("15:04:05"), msg)
	e.mu.Lock()
	e.output = append(e.output, line)
	if len(e.output) > maxOutputLines {
		e.output = e.output[len(e.output)-maxOutputLines:]
	}
	e.mu.Unlock()
}

// Publish stores payload as the latest detections and queues it for the
// script's callback, replacing any payload not yet delivered.
func (e *Executor) Publish(payload string) error {
	e.mu.Lock()
	e.last = payload
	e.mu.Unlock()

	for {
		select {
		case e.detections <- payload:
			return nil
		default:
		}
		select {
		case <-e.detections:
		default:
		}
	}
}

// Name identifies the host among notification sinks
func (e *Executor) Name() string {
	return "script"
}

// Close stops the running script and rejects further runs
func (e *Executor) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.Stop()
	e.Wait()
	return nil
}
