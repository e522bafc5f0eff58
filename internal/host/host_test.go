package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/ductile-host/internal/events"
	"github.com/mattjoyce/ductile-host/internal/invocation"
	"github.com/mattjoyce/ductile-host/internal/log"
	"github.com/mattjoyce/ductile-host/internal/protocol"
	"github.com/mattjoyce/ductile-host/internal/transport"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

// fakeService is the orchestrator side of an in-memory connection.
type fakeService struct {
	t      *testing.T
	conn   transport.Conn
	calls  chan *protocol.Envelope
	header http.Header
}

func newFakeService(t *testing.T) (*fakeService, Dialer) {
	t.Helper()
	local, remote := transport.Pipe()
	svc := &fakeService{t: t, conn: remote, calls: make(chan *protocol.Envelope, 64)}
	go svc.loop()
	t.Cleanup(func() { _ = remote.Close() })

	dial := func(ctx context.Context, endpoint string, header http.Header) (transport.Conn, error) {
		svc.header = header.Clone()
		return local, nil
	}
	return svc, dial
}

func (s *fakeService) loop() {
	defer close(s.calls)
	for {
		data, err := s.conn.Receive()
		if err != nil {
			return
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil || env.Kind != protocol.KindCall {
			continue
		}
		s.calls <- env
	}
}

func (s *fakeService) next(method string) *protocol.Envelope {
	s.t.Helper()
	select {
	case env, ok := <-s.calls:
		require.True(s.t, ok, "connection closed while waiting for %s", method)
		require.Equal(s.t, method, env.Method)
		return env
	case <-time.After(2 * time.Second):
		s.t.Fatalf("timed out waiting for %s", method)
		return nil
	}
}

func (s *fakeService) reply(call *protocol.Envelope, data string) {
	s.t.Helper()
	s.send(protocol.Envelope{Kind: protocol.KindResponse, ID: call.ID, Method: call.Method, Data: json.RawMessage(data)})
}

func (s *fakeService) send(env protocol.Envelope) {
	s.t.Helper()
	b, err := json.Marshal(env)
	require.NoError(s.t, err)
	require.NoError(s.t, s.conn.Send(b))
}

func (s *fakeService) trigger(runID, input string) {
	s.t.Helper()
	data := fmt.Sprintf(`{"id":%q,"trigger":{"input":%s},"meta":{"workflowId":"wf1","environment":"test"}}`, runID, input)
	s.send(protocol.Envelope{Kind: protocol.KindCall, ID: "call-" + runID, Method: protocol.MethodTriggerWorkflow, Data: json.RawMessage(data)})
}

func testWorkflow(run RunFunc) Workflow {
	return Workflow{
		ID:      "wf1",
		Name:    "demo",
		Trigger: protocol.TriggerMetadata{Type: "CUSTOM_EVENT", Name: "user.created"},
		Run:     run,
	}
}

func doubler() RunFunc {
	return Typed(func(ctx context.Context, in struct{ X int }, rc *invocation.Context) (map[string]int, error) {
		return map[string]int{"y": in.X * 2}, nil
	})
}

func newTestHost(t *testing.T, cfg Config, run RunFunc, opts ...Option) (*Host, *fakeService) {
	t.Helper()
	svc, dial := newFakeService(t)
	if cfg.Endpoint == "" {
		cfg.Endpoint = "ws://fake/ws"
	}
	if cfg.APIKey == "" {
		cfg.APIKey = "secret"
	}
	h, err := New(cfg, testWorkflow(run), append(opts, WithDialer(dial))...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h, svc
}

func startAsync(h *Host, id string) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- h.Start(context.Background(), id) }()
	return errc
}

func TestStartHandshakeSuccess(t *testing.T) {
	hub := events.NewHub(16)
	h, svc := newTestHost(t, Config{PackageVersion: "1.2.3", TriggerTTL: 30}, doubler(), WithEvents(hub))
	assert.Equal(t, StateDisconnected, h.State())

	errc := startAsync(h, "host-1")
	call := svc.next(protocol.MethodInitializeHost)

	var req protocol.InitializeHostRequest
	require.NoError(t, json.Unmarshal(call.Data, &req))
	assert.Equal(t, "secret", req.APIKey)
	assert.Equal(t, "wf1", req.WorkflowID)
	assert.Equal(t, "demo", req.WorkflowName)
	assert.Equal(t, "user.created", req.Trigger.Name)
	assert.Equal(t, "ductile-host", req.PackageName)
	assert.Equal(t, "1.2.3", req.PackageVersion)
	assert.Equal(t, 30, req.TriggerTTL)

	svc.reply(call, `{"type":"success"}`)
	require.NoError(t, <-errc)

	assert.Equal(t, StateReady, h.State())
	assert.Equal(t, "host-1", h.InstanceID())
	assert.Equal(t, "Bearer secret", svc.header.Get("Authorization"))
	assert.Equal(t, "host-1", svc.header.Get(HeaderInstanceID))

	var states []string
	for _, ev := range hub.Since(0) {
		var d map[string]string
		require.NoError(t, json.Unmarshal(ev.Data, &d))
		states = append(states, d["to"])
	}
	assert.Equal(t, []string{"connecting", "registering", "ready"}, states)

	st := h.Status()
	assert.Equal(t, StateReady, st.State)
	assert.NotNil(t, st.ConnectedAt)
}

func TestStartGeneratesInstanceID(t *testing.T) {
	h, svc := newTestHost(t, Config{}, doubler())
	errc := startAsync(h, "")
	svc.reply(svc.next(protocol.MethodInitializeHost), `{"type":"success"}`)
	require.NoError(t, <-errc)

	assert.Len(t, h.InstanceID(), 36)
	assert.Equal(t, h.InstanceID(), svc.header.Get(HeaderInstanceID))
	assert.ErrorIs(t, h.Start(context.Background(), ""), ErrAlreadyStarted)
}

func TestStartHandshakeRejected(t *testing.T) {
	h, svc := newTestHost(t, Config{}, doubler())
	errc := startAsync(h, "")
	svc.reply(svc.next(protocol.MethodInitializeHost), `{"type":"error","message":"bad key"}`)

	err := <-errc
	var herr *HandshakeError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "bad key", herr.Message)

	<-h.Done()
	assert.Equal(t, StateDisconnected, h.State())
}

func TestStartRetriesHandshakeOnTimeout(t *testing.T) {
	cfg := Config{CallTimeout: 20 * time.Millisecond, RetryInterval: 15 * time.Millisecond}
	h, svc := newTestHost(t, cfg, doubler())

	start := time.Now()
	errc := startAsync(h, "")
	const k = 2
	for range k {
		svc.next(protocol.MethodInitializeHost)
	}
	svc.reply(svc.next(protocol.MethodInitializeHost), `{"type":"success"}`)

	require.NoError(t, <-errc)
	assert.GreaterOrEqual(t, time.Since(start), k*(cfg.CallTimeout+cfg.RetryInterval))
	assert.Equal(t, StateReady, h.State())
}

func TestStartGivesUpAfterMaxRetries(t *testing.T) {
	cfg := Config{CallTimeout: 10 * time.Millisecond, RetryInterval: time.Millisecond, MaxRetries: 1}
	h, svc := newTestHost(t, cfg, doubler())

	errc := startAsync(h, "")
	svc.next(protocol.MethodInitializeHost)
	svc.next(protocol.MethodInitializeHost)

	err := <-errc
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestStartRemoteErrorIsNotRetried(t *testing.T) {
	cfg := Config{CallTimeout: time.Second, RetryInterval: time.Millisecond}
	h, svc := newTestHost(t, cfg, doubler())

	errc := startAsync(h, "")
	call := svc.next(protocol.MethodInitializeHost)
	svc.send(protocol.Envelope{Kind: protocol.KindResponse, ID: call.ID, Method: call.Method, Error: "internal"})

	err := <-errc
	require.Error(t, err)
	assert.Contains(t, err.Error(), "internal")
	select {
	case extra, ok := <-svc.calls:
		if ok {
			t.Fatalf("unexpected second call %s", extra.Method)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStartDialFailure(t *testing.T) {
	dialErr := errors.New("refused")
	h, err := New(Config{Endpoint: "ws://x", APIKey: "k"}, testWorkflow(doubler()),
		WithDialer(func(context.Context, string, http.Header) (transport.Conn, error) { return nil, dialErr }))
	require.NoError(t, err)

	err = h.Start(context.Background(), "")
	assert.ErrorIs(t, err, dialErr)
	<-h.Done()
	assert.Equal(t, StateDisconnected, h.State())
}

func startReady(t *testing.T, h *Host, svc *fakeService) {
	t.Helper()
	errc := startAsync(h, "")
	svc.reply(svc.next(protocol.MethodInitializeHost), `{"type":"success"}`)
	require.NoError(t, <-errc)
}

func TestTriggerWorkflowExampleScenario(t *testing.T) {
	h, svc := newTestHost(t, Config{}, doubler())
	startReady(t, h, svc)

	svc.trigger("run1", `{"x":1}`)
	call := svc.next(protocol.MethodCompleteWorkflowRun)

	var req protocol.CompleteWorkflowRunRequest
	require.NoError(t, json.Unmarshal(call.Data, &req))
	assert.Equal(t, "run1", req.RunID)
	assert.Equal(t, "wf1", req.WorkflowID)
	require.NotNil(t, req.Output)
	assert.Equal(t, `{"y":2}`, *req.Output)
	svc.reply(call, `true`)

	h.Wait()
	select {
	case extra := <-svc.calls:
		t.Fatalf("unexpected extra call %s", extra.Method)
	default:
	}
}

func TestTriggerWorkflowReportsError(t *testing.T) {
	h, svc := newTestHost(t, Config{}, func(context.Context, json.RawMessage, *invocation.Context) (any, error) {
		return nil, NamedError("X", errors.New("Y"))
	})
	startReady(t, h, svc)

	svc.trigger("run1", `{}`)
	call := svc.next(protocol.MethodSendWorkflowError)

	var req protocol.SendWorkflowErrorRequest
	require.NoError(t, json.Unmarshal(call.Data, &req))
	assert.Equal(t, "X", req.Error.Name)
	assert.Equal(t, "Y", req.Error.Message)
	svc.reply(call, `true`)
	h.Wait()
}

func TestOutcomeReportRetriesOnTimeout(t *testing.T) {
	cfg := Config{CallTimeout: 20 * time.Millisecond, RetryInterval: 5 * time.Millisecond}
	h, svc := newTestHost(t, cfg, doubler())
	startReady(t, h, svc)

	svc.trigger("run1", `{"x":2}`)
	first := svc.next(protocol.MethodCompleteWorkflowRun)
	second := svc.next(protocol.MethodCompleteWorkflowRun)
	assert.NotEqual(t, first.ID, second.ID)
	assert.JSONEq(t, string(first.Data), string(second.Data))
	svc.reply(second, `true`)
	h.Wait()
}

func TestConcurrentRunsDoNotCrossDeliver(t *testing.T) {
	release := make(chan struct{})
	h, svc := newTestHost(t, Config{}, Typed(func(ctx context.Context, in struct{ N int }, rc *invocation.Context) (map[string]int, error) {
		rc.Logger.Info(ctx, "begin", "n", in.N)
		<-release
		return map[string]int{"n": in.N}, nil
	}))
	startReady(t, h, svc)

	svc.trigger("run-a", `{"n":1}`)
	svc.trigger("run-b", `{"n":2}`)

	for range 2 {
		svc.reply(svc.next(protocol.MethodSendLog), `true`)
	}
	require.Eventually(t, func() bool { return h.Runs() == 2 }, time.Second, 5*time.Millisecond)
	close(release)

	outputs := map[string]string{}
	for range 2 {
		call := svc.next(protocol.MethodCompleteWorkflowRun)
		var req protocol.CompleteWorkflowRunRequest
		require.NoError(t, json.Unmarshal(call.Data, &req))
		outputs[req.RunID] = *req.Output
		svc.reply(call, `true`)
	}
	h.Wait()

	assert.Equal(t, map[string]string{"run-a": `{"n":1}`, "run-b": `{"n":2}`}, outputs)
	assert.Equal(t, 0, h.Runs())
}

func TestDrainRefusesRunsTriggeredAfterItBegins(t *testing.T) {
	var mu sync.Mutex
	var started []string
	release := make(chan struct{})
	h, svc := newTestHost(t, Config{}, func(ctx context.Context, _ json.RawMessage, rc *invocation.Context) (any, error) {
		mu.Lock()
		started = append(started, rc.RunID)
		mu.Unlock()
		<-release
		return nil, nil
	})
	startReady(t, h, svc)

	svc.trigger("run1", `{}`)
	require.Eventually(t, func() bool { return h.Runs() == 1 }, time.Second, 5*time.Millisecond)

	drained := make(chan struct{})
	go func() {
		h.Drain()
		close(drained)
	}()
	require.Eventually(t, func() bool { return h.Status().Draining }, time.Second, 5*time.Millisecond)

	svc.trigger("run2", `{}`)
	close(release)

	call := svc.next(protocol.MethodCompleteWorkflowRun)
	var req protocol.CompleteWorkflowRunRequest
	require.NoError(t, json.Unmarshal(call.Data, &req))
	assert.Equal(t, "run1", req.RunID)
	svc.reply(call, `true`)

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not return")
	}

	mu.Lock()
	assert.Equal(t, []string{"run1"}, started)
	mu.Unlock()
	assert.Equal(t, StateReady, h.State())
	select {
	case extra := <-svc.calls:
		t.Fatalf("unexpected call %s after drain", extra.Method)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDrainBeforeStartReturns(t *testing.T) {
	h, _ := newTestHost(t, Config{}, doubler())
	h.Drain()
	assert.False(t, h.Status().Draining)
}

func TestCloseDuringStart(t *testing.T) {
	for range 20 {
		h, _ := newTestHost(t, Config{CallTimeout: 50 * time.Millisecond, MaxRetries: 1}, doubler())
		errc := startAsync(h, "host-1")
		go func() { _ = h.Close() }()

		select {
		case err := <-errc:
			assert.Error(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("start did not return after close")
		}
		<-h.Done()
	}
}

func TestConnectionLossMovesToDisconnected(t *testing.T) {
	hub := events.NewHub(16)
	h, svc := newTestHost(t, Config{}, doubler(), WithEvents(hub))
	startReady(t, h, svc)

	require.NoError(t, svc.conn.Close())
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("host did not notice connection loss")
	}

	assert.Equal(t, StateDisconnected, h.State())
	var ce *transport.CloseError
	assert.ErrorAs(t, h.Err(), &ce)
	assert.NotEmpty(t, h.Status().LastError)

	evs := hub.Since(0)
	assert.JSONEq(t, fmt.Sprintf(`{"from":"ready","to":"disconnected","instance_id":%q}`, h.InstanceID()), string(evs[len(evs)-1].Data))
}

func TestRunSurvivesConnectionLoss(t *testing.T) {
	var mu sync.Mutex
	finished := false
	release := make(chan struct{})
	h, svc := newTestHost(t, Config{CallTimeout: 50 * time.Millisecond}, func(context.Context, json.RawMessage, *invocation.Context) (any, error) {
		<-release
		mu.Lock()
		finished = true
		mu.Unlock()
		return nil, nil
	})
	startReady(t, h, svc)

	svc.trigger("run1", `{}`)
	require.Eventually(t, func() bool { return h.Runs() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, svc.conn.Close())
	<-h.Done()

	close(release)
	h.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, finished)
}

func TestNewValidates(t *testing.T) {
	wf := testWorkflow(doubler())
	_, err := New(Config{APIKey: "k"}, wf)
	assert.Error(t, err)
	_, err = New(Config{Endpoint: "ws://x"}, wf)
	assert.Error(t, err)

	bad := wf
	bad.Run = nil
	_, err = New(Config{Endpoint: "ws://x", APIKey: "k"}, bad)
	assert.Error(t, err)
}
