package invocation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/ductile-host/internal/invocation/mocks"
	"github.com/mattjoyce/ductile-host/internal/protocol"
)

func newTestContext(t *testing.T, caller Caller) (*Context, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	local := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	meta := Meta{RunID: "run1", WorkflowID: "wf1", Environment: "live", OrganizationID: "org1", APIKey: "k"}
	return New(meta, caller, local), &buf
}

func TestLoggerSendsTaggedEntry(t *testing.T) {
	ctrl := gomock.NewController(t)
	caller := mocks.NewMockCaller(ctrl)
	rc, _ := newTestContext(t, caller)
	ctx := context.Background()

	caller.EXPECT().Call(ctx, protocol.MethodSendLog, gomock.Any(), nil).DoAndReturn(
		func(_ context.Context, _ string, req, _ protocol.Message) error {
			r := req.(*protocol.SendLogRequest)
			assert.Equal(t, "run1", r.RunID)
			assert.Equal(t, protocol.LevelWarn, r.Log.Level)
			assert.Equal(t, "disk low", r.Log.Message)
			assert.JSONEq(t, `{"free":12,"unit":"GB"}`, r.Log.Properties)
			return nil
		})

	rc.Logger.Warn(ctx, "disk low", "free", 12, slog.String("unit", "GB"))
}

func TestLoggerWithoutPropertiesOmitsThem(t *testing.T) {
	ctrl := gomock.NewController(t)
	caller := mocks.NewMockCaller(ctrl)
	rc, _ := newTestContext(t, caller)

	caller.EXPECT().Call(gomock.Any(), protocol.MethodSendLog, gomock.Any(), nil).DoAndReturn(
		func(_ context.Context, _ string, req, _ protocol.Message) error {
			assert.Empty(t, req.(*protocol.SendLogRequest).Log.Properties)
			return nil
		})

	rc.Logger.Info(context.Background(), "hello")
}

func TestLoggerSwallowsDeliveryFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	caller := mocks.NewMockCaller(ctrl)
	rc, buf := newTestContext(t, caller)

	caller.EXPECT().Call(gomock.Any(), protocol.MethodSendLog, gomock.Any(), nil).Return(errors.New("socket gone"))

	assert.NotPanics(t, func() { rc.Logger.Error(context.Background(), "oops") })
	assert.Contains(t, buf.String(), "failed to deliver run log")
	assert.Contains(t, buf.String(), "socket gone")
}

func TestLoggerDropsUnserializableProperties(t *testing.T) {
	ctrl := gomock.NewController(t)
	caller := mocks.NewMockCaller(ctrl)
	rc, buf := newTestContext(t, caller)

	caller.EXPECT().Call(gomock.Any(), protocol.MethodSendLog, gomock.Any(), nil).DoAndReturn(
		func(_ context.Context, _ string, req, _ protocol.Message) error {
			assert.Empty(t, req.(*protocol.SendLogRequest).Log.Properties)
			return nil
		})

	rc.Logger.Log(context.Background(), protocol.LevelInfo, "x", map[string]any{"ch": make(chan int)})
	assert.Contains(t, buf.String(), "dropping unserializable log properties")
}

func TestFireEvent(t *testing.T) {
	ctrl := gomock.NewController(t)
	caller := mocks.NewMockCaller(ctrl)
	rc, _ := newTestContext(t, caller)

	payload := map[string]any{"user": "ada"}
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	caller.EXPECT().Call(gomock.Any(), protocol.MethodSendEvent, gomock.Any(), nil).DoAndReturn(
		func(_ context.Context, _ string, req, _ protocol.Message) error {
			r := req.(*protocol.SendEventRequest)
			assert.Equal(t, "run1", r.RunID)
			assert.Equal(t, "user.created", r.Event.Name)
			assert.JSONEq(t, `{"user":"ada"}`, string(r.Event.Payload))
			require.NotNil(t, r.Event.Timestamp)
			assert.True(t, at.Equal(*r.Event.Timestamp))
			require.NotNil(t, r.Event.Delay)
			assert.Equal(t, 90, r.Event.Delay.Seconds)
			return nil
		})

	require.NoError(t, rc.FireEvent(context.Background(), Event{
		Name:      "user.created",
		Payload:   payload,
		Timestamp: at,
		Delay:     90 * time.Second,
	}))
}

func TestFireEventSnapshotsPayload(t *testing.T) {
	ctrl := gomock.NewController(t)
	caller := mocks.NewMockCaller(ctrl)
	rc, _ := newTestContext(t, caller)

	payload := map[string]any{"n": 1}
	sent := make(chan json.RawMessage, 1)
	caller.EXPECT().Call(gomock.Any(), protocol.MethodSendEvent, gomock.Any(), nil).DoAndReturn(
		func(_ context.Context, _ string, req, _ protocol.Message) error {
			payload["n"] = 2
			sent <- req.(*protocol.SendEventRequest).Event.Payload
			return nil
		})

	require.NoError(t, rc.FireEvent(context.Background(), Event{Name: "tick", Payload: payload}))
	assert.JSONEq(t, `{"n":1}`, string(<-sent))
}

func TestFireEventErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	caller := mocks.NewMockCaller(ctrl)
	rc, _ := newTestContext(t, caller)

	assert.Error(t, rc.FireEvent(context.Background(), Event{}))
	assert.Error(t, rc.FireEvent(context.Background(), Event{Name: "bad", Payload: func() {}}))

	callErr := errors.New("timed out")
	caller.EXPECT().Call(gomock.Any(), protocol.MethodSendEvent, gomock.Any(), nil).Return(callErr)
	err := rc.FireEvent(context.Background(), Event{Name: "x", DeliverAt: time.Now().Add(time.Hour)})
	assert.ErrorIs(t, err, callErr)
}

func TestMetaIsExposed(t *testing.T) {
	rc, _ := newTestContext(t, mocks.NewMockCaller(gomock.NewController(t)))
	assert.Equal(t, "run1", rc.RunID)
	assert.Equal(t, "wf1", rc.WorkflowID)
	assert.Equal(t, "live", rc.Environment)
	assert.Equal(t, "org1", rc.OrganizationID)
}
