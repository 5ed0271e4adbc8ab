package bridge

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tapestryext/fabric-bridge/natmsg"
)

// syncWriter serializes frame writes from concurrent operation goroutines.
// Interleaving is frame-granular: a frame for one correlation id never
// splits another, and responses to one id never block another id's stream
// for longer than one frame write.
type syncWriter struct {
	mu     sync.Mutex
	writer *natmsg.FrameWriter
}

func newSyncWriter(w *natmsg.FrameWriter) *syncWriter {
	return &syncWriter{writer: w}
}

func (s *syncWriter) WriteResponse(resp *natmsg.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.WriteResponse(resp)
}

// Router drives the host: it reads frames from the transport, validates
// them, and dispatches to the handshake probe, the enumeration handlers,
// or the process supervisor.
type Router struct {
	reader *natmsg.FrameReader
	writer *syncWriter
	sup    *Supervisor
	cfg    Config
	log    zerolog.Logger

	// newRunner builds a Runner from a resolved executable path. Replaced
	// in tests with a fake.
	newRunner func(path string) Runner

	wg sync.WaitGroup
}

// NewRouter creates a router over the given transport streams, typically
// the process's stdin and stdout.
func NewRouter(r io.Reader, w io.Writer, cfg Config, log zerolog.Logger) *Router {
	writer := newSyncWriter(natmsg.NewFrameWriter(w))
	return &Router{
		reader:    natmsg.NewFrameReader(r),
		writer:    writer,
		sup:       NewSupervisor(writer, cfg.TermGrace(), log),
		cfg:       cfg,
		log:       log,
		newRunner: func(path string) Runner { return NewExecRunner(path) },
	}
}

// Run reads and dispatches frames until the transport closes. Framing
// errors and malformed JSON tear the transport down (the stream position
// can no longer be trusted); validation errors answer a scoped error frame
// and the loop continues.
func (rt *Router) Run() error {
	defer func() {
		rt.sup.Close()
		rt.wg.Wait()
	}()

	for {
		raw, err := rt.reader.ReadRaw()
		if err != nil {
			if errors.Is(err, io.EOF) {
				rt.log.Info().Msg("transport closed, shutting down")
				return nil
			}
			rt.log.Error().Err(err).Msg("transport failure")
			return err
		}

		req, err := natmsg.DecodeRequest(raw)
		if err != nil {
			var verr *natmsg.ValidationError
			if errors.As(err, &verr) {
				rt.log.Warn().Err(verr).Msg("rejecting invalid request frame")
				if verr.Id != "" {
					rt.respond(natmsg.NewError(verr.Id, verr.Error()))
				}
				continue
			}
			// Malformed JSON inside a frame: fatal, same as a framing error.
			rt.log.Error().Err(err).Msg("undecodable frame, tearing down")
			return err
		}

		rt.dispatch(req)
	}
}

func (rt *Router) dispatch(req *natmsg.Request) {
	rt.log.Debug().Str("type", req.Type).Str("id", req.Id).Msg("dispatching request")

	switch req.Type {
	case natmsg.TypePing:
		rt.async(func() { rt.handlePing(req) })
	case natmsg.TypeListPatterns:
		rt.async(func() { rt.handleList(req, natmsg.TypeListPatterns) })
	case natmsg.TypeListContexts:
		rt.async(func() { rt.handleList(req, natmsg.TypeListContexts) })
	case natmsg.TypeProcessContent:
		rt.handleProcessContent(req)
	case natmsg.TypeCancelProcess:
		rt.sup.Cancel(req.Id, req.RequestId)
	}
}

// async runs a handler off the read loop so a slow single-shot invocation
// never serializes unrelated requests behind it.
func (rt *Router) async(fn func()) {
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		fn()
	}()
}

// handlePing resolves the executable and probes it with a time-bounded
// version query. An unresolvable or unresponsive tool degrades to
// pong{valid:false}; the peer treats that the same as a transport
// failure, so no error frame is needed.
func (rt *Router) handlePing(req *natmsg.Request) {
	path, err := ResolvePath(req.Path, rt.cfg.FabricPath)
	if err != nil {
		rt.log.Warn().Err(err).Msg("failed to resolve fabric path")
		rt.respond(natmsg.NewPong(req.Id, "", "", false))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.ProbeTimeout())
	defer cancel()

	out, err := rt.newRunner(path).Version(ctx)
	switch {
	case err != nil:
		rt.log.Warn().Err(err).Str("path", path).Msg("failed to run fabric")
		rt.respond(natmsg.NewPong(req.Id, path, "", false))
	case !out.OK:
		rt.log.Warn().Str("path", path).Str("stderr", out.Stderr).Msg("fabric validation failed")
		rt.respond(natmsg.NewPong(req.Id, path, "", false))
	default:
		rt.respond(natmsg.NewPong(req.Id, path, out.Stdout, true))
	}
}

// handleList runs a single-shot enumeration and answers once with the full
// list.
func (rt *Router) handleList(req *natmsg.Request, listType string) {
	path, err := ResolvePath(req.Path, rt.cfg.FabricPath)
	if err != nil {
		rt.respond(natmsg.NewError(req.Id, err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.ProbeTimeout())
	defer cancel()

	runner := rt.newRunner(path)

	var out Output
	if listType == natmsg.TypeListPatterns {
		out, err = runner.ListPatterns(ctx)
	} else {
		out, err = runner.ListContexts(ctx)
	}
	if err != nil {
		rt.respond(natmsg.NewError(req.Id, err.Error()))
		return
	}
	if !out.OK {
		if listType == natmsg.TypeListPatterns {
			rt.respond(natmsg.NewError(req.Id, "failed to list patterns: "+out.Stderr))
		} else {
			rt.respond(natmsg.NewError(req.Id, "failed to list contexts: "+out.Stderr))
		}
		return
	}

	if listType == natmsg.TypeListPatterns {
		rt.respond(natmsg.NewPatternsList(req.Id, out.Lines()))
	} else {
		rt.respond(natmsg.NewContextsList(req.Id, out.Lines()))
	}
}

func (rt *Router) handleProcessContent(req *natmsg.Request) {
	path, err := ResolvePath(req.Path, rt.cfg.FabricPath)
	if err != nil {
		rt.respond(natmsg.NewError(req.Id, err.Error()))
		return
	}

	if req.Model == "" && rt.cfg.DefaultModel != "" {
		// Copy before defaulting: requests are read-only inputs.
		patched := *req
		patched.Model = rt.cfg.DefaultModel
		req = &patched
	}

	rt.sup.Process(req, rt.newRunner(path))
}

func (rt *Router) respond(resp *natmsg.Response) {
	if err := rt.writer.WriteResponse(resp); err != nil {
		rt.log.Error().Err(err).Str("type", resp.Type).Str("id", resp.Id).Msg("failed to write response frame")
	}
}
