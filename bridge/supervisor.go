package bridge

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tapestryext/fabric-bridge/natmsg"
)

// ResponseWriter is the supervisor's output port. The router hands in a
// writer that serializes concurrent frame writes, so operations interleave
// on the wire at frame granularity only.
type ResponseWriter interface {
	WriteResponse(resp *natmsg.Response) error
}

type cancelVerdict int

const (
	cancelAccepted cancelVerdict = iota
	cancelAlreadyRequested
	cancelTooLate
)

// operation is one in-flight processContent invocation, keyed by its
// correlation id. Created when the request is accepted, destroyed when the
// process exits, errors, or is cancelled.
type operation struct {
	id string

	mu        sync.Mutex
	handle    Handle
	cancelled bool
	cancelId  string
	terminal  bool
	emitted   int

	// done is closed once the process has been reaped; the cancellation
	// grace timer watches it to decide whether to escalate to a kill.
	done chan struct{}
}

// attach records the spawned handle and reports whether cancellation was
// requested before the spawn completed.
func (op *operation) attach(h Handle) bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.handle = h
	return op.cancelled
}

// requestCancel marks the operation cancelled. The returned handle is nil
// when the process has not been spawned yet; the run loop kills it on
// attach in that case.
func (op *operation) requestCancel(cancelId string) (Handle, cancelVerdict) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.terminal {
		return nil, cancelTooLate
	}
	if op.cancelled {
		return nil, cancelAlreadyRequested
	}
	op.cancelled = true
	op.cancelId = cancelId
	return op.handle, cancelAccepted
}

// noteEmitted counts one content frame; returns false when the operation
// was cancelled and emission must be suppressed.
func (op *operation) noteEmitted() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.cancelled {
		return false
	}
	op.emitted++
	return true
}

// claimFinish latches the terminal state and reads the cancellation flag
// in the same critical section. Exactly one caller wins the latch, so a
// correlation id sees exactly one of done/error/cancelled and nothing
// after it; and because a cancel is either visible to the winner here or
// rejected as too late by requestCancel, no cancel request can fall into
// the gap between the two checks and go unanswered.
func (op *operation) claimFinish() (won, cancelled bool, cancelId string) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.terminal {
		return false, false, ""
	}
	op.terminal = true
	return true, op.cancelled, op.cancelId
}

// Supervisor owns the lifecycle of every spawned fabric process. The
// operations map is the only shared mutable structure in the host and is
// owned exclusively here.
type Supervisor struct {
	writer ResponseWriter
	grace  time.Duration
	log    zerolog.Logger

	mu  sync.Mutex
	ops map[string]*operation
	wg  sync.WaitGroup
}

// NewSupervisor creates a supervisor writing responses to writer. grace is
// the interval between graceful signal and forceful kill on cancellation.
func NewSupervisor(writer ResponseWriter, grace time.Duration, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		writer: writer,
		grace:  grace,
		log:    log,
		ops:    make(map[string]*operation),
	}
}

// Active reports whether an operation with the given id is in flight.
func (s *Supervisor) Active(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ops[id]
	return ok
}

// Process accepts a processContent request and runs it asynchronously.
// A duplicate active correlation id is rejected with a validation error;
// the prior operation is left untouched.
func (s *Supervisor) Process(req *natmsg.Request, runner Runner) {
	op := &operation{id: req.Id, done: make(chan struct{})}

	s.mu.Lock()
	if _, exists := s.ops[req.Id]; exists {
		s.mu.Unlock()
		s.respond(natmsg.NewError(req.Id, fmt.Sprintf("duplicate request id %q: operation already in flight", req.Id)))
		return
	}
	s.ops[req.Id] = op
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(op, req, runner)
	}()
}

// Cancel terminates the operation named by targetId. cancelId is the
// envelope id of the cancelProcess request itself. Cancelling an unknown
// or finished operation answers with a scoped error: the caller must be
// able to tell "nothing to cancel" apart from "cancelled".
func (s *Supervisor) Cancel(cancelId, targetId string) {
	s.mu.Lock()
	op, ok := s.ops[targetId]
	s.mu.Unlock()

	if !ok {
		s.respond(natmsg.NewError(cancelId, fmt.Sprintf("no active operation with request id %q", targetId)))
		return
	}

	handle, verdict := op.requestCancel(cancelId)
	switch verdict {
	case cancelTooLate:
		s.respond(natmsg.NewError(cancelId, fmt.Sprintf("no active operation with request id %q", targetId)))
		return
	case cancelAlreadyRequested:
		s.respond(natmsg.NewError(cancelId, fmt.Sprintf("cancellation already in progress for request id %q", targetId)))
		return
	}

	s.log.Debug().Str("request_id", targetId).Msg("cancelling operation")
	if handle != nil {
		go s.terminate(op, handle)
	}
	// handle == nil: cancel raced the spawn; the run loop kills the
	// process as soon as it attaches.
}

// Close terminates every in-flight operation and waits for their
// goroutines to drain. Used on transport teardown; the peer is gone, so
// no frames are emitted for the killed operations.
func (s *Supervisor) Close() {
	s.mu.Lock()
	for _, op := range s.ops {
		op.mu.Lock()
		op.cancelled = true
		op.terminal = true
		if op.handle != nil {
			op.handle.Kill()
		}
		op.mu.Unlock()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// terminate delivers the graceful signal, then escalates to a kill if the
// process has not been reaped within the grace interval.
func (s *Supervisor) terminate(op *operation, handle Handle) {
	if err := handle.Signal(os.Interrupt); err != nil {
		s.log.Debug().Err(err).Str("request_id", op.id).Msg("graceful signal failed, killing")
		handle.Kill()
		return
	}

	select {
	case <-op.done:
	case <-time.After(s.grace):
		s.log.Warn().Str("request_id", op.id).Dur("grace", s.grace).Msg("grace period expired, killing process")
		handle.Kill()
	}
}

func (s *Supervisor) run(op *operation, req *natmsg.Request, runner Runner) {
	defer s.remove(op.id)

	cmd := buildProcessCommand(runner.Path(), req)

	handle, err := runner.Spawn(cmd)
	if err != nil {
		close(op.done)
		won, cancelled, cancelId := op.claimFinish()
		if !won {
			return
		}
		if cancelled {
			// A cancel raced a spawn that then failed; the cancel request
			// still gets its answer.
			s.respond(natmsg.NewCancelled(cancelId, op.id))
			return
		}
		s.respond(natmsg.NewError(op.id, fmt.Sprintf("failed to spawn fabric: %v", err)))
		return
	}

	if op.attach(handle) {
		// Cancelled before the spawn completed.
		handle.Kill()
		handle.Wait()
		close(op.done)
		if won, _, cancelId := op.claimFinish(); won {
			s.respond(natmsg.NewCancelled(cancelId, op.id))
		}
		return
	}

	stdinErr := writeContent(handle, req.Content)

	var readErr error
	for {
		line, err := handle.ReadLine()
		if err != nil {
			if err != io.EOF {
				readErr = err
			}
			break
		}
		if !op.noteEmitted() {
			// Cancellation landed; stop emitting and let the terminate
			// goroutine reap the process.
			break
		}
		s.respond(natmsg.NewContent(op.id, line))
	}

	code, stderr, waitErr := handle.Wait()
	close(op.done)

	won, cancelled, cancelId := op.claimFinish()
	if !won {
		return
	}

	switch {
	case cancelled:
		s.respond(natmsg.NewCancelled(cancelId, op.id))
	case stdinErr != nil:
		s.respond(natmsg.NewError(op.id, fmt.Sprintf("failed to write content to fabric: %v", stdinErr)))
	case waitErr != nil:
		s.respond(natmsg.NewError(op.id, fmt.Sprintf("failed to wait for fabric: %v", waitErr)))
	case readErr != nil:
		s.respond(natmsg.NewError(op.id, fmt.Sprintf("failed to read fabric output: %v", readErr)))
	case op.emittedCount() == 0 && (code == nil || *code != 0):
		s.respond(exitFailure(op.id, code, stderr))
	default:
		s.respond(natmsg.NewDone(op.id, code))
	}
}

func (s *Supervisor) remove(id string) {
	s.mu.Lock()
	delete(s.ops, id)
	s.mu.Unlock()
}

func (s *Supervisor) respond(resp *natmsg.Response) {
	if err := s.writer.WriteResponse(resp); err != nil {
		s.log.Error().Err(err).Str("type", resp.Type).Str("id", resp.Id).Msg("failed to write response frame")
	}
}

func (op *operation) emittedCount() int {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.emitted
}

// buildProcessCommand translates a processContent request into fabric CLI
// arguments. A pattern takes precedence over a custom prompt when both are
// present.
func buildProcessCommand(path string, req *natmsg.Request) *FabricCommand {
	cmd := NewFabricCommand(path).Stream()
	if req.Model != "" {
		cmd = cmd.Model(req.Model)
	}
	if req.Context != "" {
		cmd = cmd.Context(req.Context)
	}
	if req.Pattern != "" {
		cmd = cmd.Pattern(req.Pattern)
	} else if req.CustomPrompt != "" {
		cmd = cmd.CustomPrompt(req.CustomPrompt)
	}
	return cmd
}

func writeContent(handle Handle, content string) error {
	if err := handle.WriteStdin([]byte(content)); err != nil {
		handle.CloseStdin()
		return err
	}
	return handle.CloseStdin()
}

func exitFailure(id string, code *int, stderr string) *natmsg.Response {
	var msg string
	if code != nil {
		msg = fmt.Sprintf("fabric exited with code %d without producing output", *code)
	} else {
		msg = "fabric terminated abnormally without producing output"
	}
	if stderr != "" {
		msg = fmt.Sprintf("%s: %s", msg, stderr)
	}
	return natmsg.NewError(id, msg)
}
