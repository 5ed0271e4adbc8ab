package bridge

import (
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapestryext/fabric-bridge/natmsg"
)

// routerHarness runs a Router over in-memory pipes, playing the peer role:
// requests go in through the writer, responses come out of the channel.
type routerHarness struct {
	requests  *natmsg.FrameWriter
	inW       *io.PipeWriter
	responses chan *natmsg.Response
	errCh     chan error
}

func startRouter(t *testing.T, cfg Config, runner Runner) *routerHarness {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	rt := NewRouter(inR, outW, cfg, zerolog.Nop())
	if runner != nil {
		rt.newRunner = func(path string) Runner { return runner }
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- rt.Run()
		outW.Close()
	}()

	responses := make(chan *natmsg.Response, 64)
	go func() {
		defer close(responses)
		fr := natmsg.NewFrameReader(outR)
		for {
			resp, err := fr.ReadResponse()
			if err != nil {
				return
			}
			responses <- resp
		}
	}()

	t.Cleanup(func() { inW.Close() })

	return &routerHarness{
		requests:  natmsg.NewFrameWriter(inW),
		inW:       inW,
		responses: responses,
		errCh:     errCh,
	}
}

func (h *routerHarness) recv(t *testing.T) *natmsg.Response {
	t.Helper()
	select {
	case resp, ok := <-h.responses:
		require.True(t, ok, "response stream closed unexpectedly")
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a response frame")
		return nil
	}
}

func (h *routerHarness) runResult(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("router did not stop")
		return nil
	}
}

func TestRouterPing(t *testing.T) {
	binary := writeFakeBinary(t, t.TempDir(), "fabric-ai")
	runner := &fakeRunner{version: Output{OK: true, Stdout: "1.4.0"}}
	h := startRouter(t, Config{FabricPath: binary}, runner)

	require.NoError(t, h.requests.WriteRequest(natmsg.NewPing("p1", "")))

	pong := h.recv(t)
	assert.Equal(t, natmsg.TypePong, pong.Type)
	assert.Equal(t, "p1", pong.Id)
	assert.Equal(t, binary, pong.ResolvedPath)
	assert.Equal(t, "1.4.0", pong.Version)
	require.NotNil(t, pong.Valid)
	assert.True(t, *pong.Valid)
}

func TestRouterPingUnresolvable(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	h := startRouter(t, Config{}, &fakeRunner{})

	require.NoError(t, h.requests.WriteRequest(natmsg.NewPing("p1", "")))

	pong := h.recv(t)
	assert.Equal(t, natmsg.TypePong, pong.Type)
	require.NotNil(t, pong.Valid)
	assert.False(t, *pong.Valid)
	assert.Empty(t, pong.ResolvedPath)
}

func TestRouterListPatterns(t *testing.T) {
	binary := writeFakeBinary(t, t.TempDir(), "fabric-ai")
	runner := &fakeRunner{patterns: Output{OK: true, Stdout: "summarize\nextract_wisdom\n"}}
	h := startRouter(t, Config{FabricPath: binary}, runner)

	require.NoError(t, h.requests.WriteRequest(natmsg.NewListPatterns("l1", "")))

	resp := h.recv(t)
	assert.Equal(t, natmsg.TypePatternsList, resp.Type)
	assert.Equal(t, []string{"summarize", "extract_wisdom"}, resp.Patterns)
}

func TestRouterListContextsFailure(t *testing.T) {
	binary := writeFakeBinary(t, t.TempDir(), "fabric-ai")
	runner := &fakeRunner{contexts: Output{OK: false, Stderr: "no contexts configured"}}
	h := startRouter(t, Config{FabricPath: binary}, runner)

	require.NoError(t, h.requests.WriteRequest(natmsg.NewListContexts("l1", "")))

	resp := h.recv(t)
	assert.Equal(t, natmsg.TypeError, resp.Type)
	assert.Equal(t, "l1", resp.Id)
	assert.Contains(t, resp.Message, "no contexts configured")
}

func TestRouterProcessAppliesDefaultModel(t *testing.T) {
	binary := writeFakeBinary(t, t.TempDir(), "fabric-ai")
	code := 0
	handle := newFakeHandle("result\n")
	handle.finish(&code)
	runner := &fakeRunner{handle: handle}
	h := startRouter(t, Config{FabricPath: binary, DefaultModel: "gpt-4o-mini"}, runner)

	require.NoError(t, h.requests.WriteRequest(natmsg.NewProcessContent("r1", "body")))

	content := h.recv(t)
	assert.Equal(t, natmsg.TypeContent, content.Type)
	assert.Equal(t, "result\n", content.Content)

	done := h.recv(t)
	assert.Equal(t, natmsg.TypeDone, done.Type)
	assert.Equal(t, "r1", done.Id)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.Len(t, runner.spawned, 1)
	assert.Contains(t, runner.spawned[0].Args(), "gpt-4o-mini")
}

func TestRouterCancelFlow(t *testing.T) {
	binary := writeFakeBinary(t, t.TempDir(), "fabric-ai")
	handle := newFakeHandle("streaming\n")
	runner := &fakeRunner{handle: handle}
	h := startRouter(t, Config{FabricPath: binary}, runner)

	require.NoError(t, h.requests.WriteRequest(natmsg.NewProcessContent("r1", "body")))
	content := h.recv(t)
	require.Equal(t, natmsg.TypeContent, content.Type)

	require.NoError(t, h.requests.WriteRequest(natmsg.NewCancelProcess("c1", "r1", "")))

	cancelled := h.recv(t)
	assert.Equal(t, natmsg.TypeCancelled, cancelled.Type)
	assert.Equal(t, "c1", cancelled.Id)
	assert.Equal(t, "r1", cancelled.RequestId)
}

func TestRouterValidationErrorContinues(t *testing.T) {
	binary := writeFakeBinary(t, t.TempDir(), "fabric-ai")
	runner := &fakeRunner{version: Output{OK: true, Stdout: "1.4.0"}}
	h := startRouter(t, Config{FabricPath: binary}, runner)

	require.NoError(t, h.requests.WriteRaw([]byte(`{"type":"native.teleport","id":"x1"}`)))

	errFrame := h.recv(t)
	assert.Equal(t, natmsg.TypeError, errFrame.Type)
	assert.Equal(t, "x1", errFrame.Id)

	// The stream survives: a well-formed request still gets answered.
	require.NoError(t, h.requests.WriteRequest(natmsg.NewPing("p1", "")))
	pong := h.recv(t)
	assert.Equal(t, natmsg.TypePong, pong.Type)
}

func TestRouterMalformedJSONFatal(t *testing.T) {
	h := startRouter(t, Config{}, &fakeRunner{})

	require.NoError(t, h.requests.WriteRaw([]byte(`{"type":`)))

	err := h.runResult(t)
	var derr *natmsg.DecodeError
	require.ErrorAs(t, err, &derr)
}

func TestRouterEOFShutsDownCleanly(t *testing.T) {
	h := startRouter(t, Config{}, &fakeRunner{})

	require.NoError(t, h.inW.Close())
	require.NoError(t, h.runResult(t))
}
