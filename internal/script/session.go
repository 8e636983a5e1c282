package script

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// session is the script-facing API of one run. Every method runs on the
// script goroutine.
type session struct {
	e    *Executor
	vm   *goja.Runtime
	stop chan struct{}

	parse    goja.Callable
	callback goja.Callable
}

func (s *session) install() error {
	console := s.vm.NewObject()
	if err := console.Set("log", s.log); err != nil {
		return err
	}

	globals := map[string]interface{}{
		"console":          console,
		"log":              s.log,
		"print":            s.log,
		"sleep":            s.sleep,
		"wait":             s.sleep,
		"delay":            s.sleep,
		"onDetection":      s.onDetection,
		"__lastDetections": s.e.LastDetections,
	}
	for name, v := range globals {
		if err := s.vm.Set(name, v); err != nil {
			return fmt.Errorf("install %s: %w", name, err)
		}
	}
	if _, err := s.vm.RunString(helpers); err != nil {
		return fmt.Errorf("install helpers: %w", err)
	}

	parse, ok := goja.AssertFunction(s.vm.Get("JSON").ToObject(s.vm).Get("parse"))
	if !ok {
		return fmt.Errorf("JSON.parse is not callable")
	}
	s.parse = parse
	return nil
}

func (s *session) log(call goja.FunctionCall) goja.Value {
	parts := make([]string, len(call.Arguments))
	for i, arg := range call.Arguments {
		parts[i] = arg.String()
	}
	s.e.appendOutput("LOG: " + strings.Join(parts, " "))
	return goja.Undefined()
}

// sleep blocks the script for ms milliseconds, running the detection
// callback for payloads that arrive meanwhile
func (s *session) sleep(call goja.FunctionCall) goja.Value {
	ms := call.Argument(0).ToInteger()
	if ms < 0 {
		ms = 0
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()

	for {
		select {
		case <-s.stop:
			// An interrupt consumed inside a callback must still end the script
			s.vm.Interrupt("stopped")
			return goja.Undefined()
		default:
		}
		select {
		case <-s.stop:
			s.vm.Interrupt("stopped")
			return goja.Undefined()
		case <-timer.C:
			return goja.Undefined()
		case payload := <-s.e.detections:
			s.dispatch(payload)
		}
	}
}

func (s *session) onDetection(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(s.vm.NewTypeError("onDetection expects a function"))
	}
	s.callback = fn
	return goja.Undefined()
}

func (s *session) dispatch(payload string) {
	if s.callback == nil {
		return
	}
	detections, err := s.parse(goja.Undefined(), s.vm.ToValue(payload))
	if err != nil {
		s.e.appendOutput("Invalid detection payload: " + err.Error())
		return
	}
	if _, err := s.callback(goja.Undefined(), detections); err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return
		}
		s.e.appendOutput("Error calling detection callback: " + err.Error())
	}
}
