package dispatch_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zengqingfu1442/onnx-simplifier/internal/dispatch"
	"github.com/zengqingfu1442/onnx-simplifier/internal/onnx"
	"github.com/zengqingfu1442/onnx-simplifier/internal/onnx/onnxtest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// mockEngine is a testify mock of onnx.Engine.
type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) ExportSimplified(ctx context.Context, model []byte, opts onnx.SimplifyOptions) ([]byte, error) {
	args := m.Called(ctx, model, opts)
	return bytesArg(args, 0), args.Error(1)
}

func (m *mockEngine) Optimize(ctx context.Context, model []byte, passes []string) ([]byte, error) {
	args := m.Called(ctx, model, passes)
	return bytesArg(args, 0), args.Error(1)
}

func (m *mockEngine) OptimizeFixedPoint(ctx context.Context, model []byte, passes []string) ([]byte, error) {
	args := m.Called(ctx, model, passes)
	return bytesArg(args, 0), args.Error(1)
}

func (m *mockEngine) Catalog() onnx.Catalog { return onnx.Catalog{} }

func (m *mockEngine) Close() error { return nil }

func bytesArg(args mock.Arguments, i int) []byte {
	b, _ := args.Get(i).([]byte)
	return b
}

func openMock(m *mockEngine) onnx.Opener {
	return func(context.Context, onnx.Config) (onnx.Engine, error) { return m, nil }
}

// recorder is an Outbox and Tracker that keeps every event in arrival order.
type recorder struct {
	mu     sync.Mutex
	events []string
	msgs   []dispatch.Message
	begun  []dispatch.Request
	notify chan dispatch.Message
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan dispatch.Message, 256)}
}

func (r *recorder) Post(msg dispatch.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.events = append(r.events, "post:"+msg.RequestID+":"+string(msg.Channel))
	r.mu.Unlock()
	r.notify <- msg
}

func (r *recorder) Begin(req dispatch.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.begun = append(r.begun, req)
	r.events = append(r.events, "begin:"+req.ID)
}

func (r *recorder) messages() []dispatch.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dispatch.Message(nil), r.msgs...)
}

func (r *recorder) log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) terminals() []dispatch.Message {
	var out []dispatch.Message
	for _, m := range r.messages() {
		if m.Terminal {
			out = append(out, m)
		}
	}
	return out
}

// waitTerminal blocks until the terminal message for id arrives.
func (r *recorder) waitTerminal(t *testing.T, id string) dispatch.Message {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-r.notify:
			if msg.Terminal && msg.RequestID == id {
				return msg
			}
		case <-timeout:
			t.Fatalf("timed out waiting for terminal message of %q", id)
		}
	}
}

func startDispatcher(t *testing.T, open onnx.Opener, out dispatch.Outbox) *dispatch.Dispatcher {
	t.Helper()
	d, err := dispatch.Start(context.Background(), open, out, discardLogger())
	require.NoError(t, err)
	return d
}

func TestStartInstallsLogThresholdHook(t *testing.T) {
	fake := &onnxtest.Engine{}
	startDispatcher(t, fake.Opener(), newRecorder())

	assert.Equal(t, "-1", fake.Env()[onnx.EnvLogThreshold])
	assert.Equal(t, 1, fake.Opens())
}

func TestStartFailure(t *testing.T) {
	fake := &onnxtest.Engine{OpenErr: errors.New("wasm trap")}
	d, err := dispatch.Start(context.Background(), fake.Opener(), newRecorder(), discardLogger())
	require.Error(t, err)
	assert.Nil(t, d)
	assert.ErrorContains(t, err, "wasm trap")
}

func TestSimplifyPassesArgumentsThrough(t *testing.T) {
	model := []byte("model-A")
	result := []byte("simplified-C")

	tests := []struct {
		name string
		args dispatch.SimplifyArgs
	}{
		{
			name: "all flags",
			args: dispatch.SimplifyArgs{
				SkipOptimizers:      onnx.SkipOptimizers{All: true},
				ConstantFolding:     true,
				ShapeInference:      true,
				TensorSizeThreshold: 1 << 30,
			},
		},
		{
			name: "skip list",
			args: dispatch.SimplifyArgs{
				SkipOptimizers: onnx.SkipOptimizers{Passes: []string{"fuse_bn_into_conv"}},
				ShapeInference: true,
			},
		},
		{
			name: "zero values",
			args: dispatch.SimplifyArgs{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &mockEngine{}
			eng.On("ExportSimplified", mock.Anything, model, tt.args).Return(result, nil).Once()

			rec := newRecorder()
			d := startDispatcher(t, openMock(eng), rec)
			d.Handle(context.Background(), dispatch.Request{
				ID:        "r1",
				Operation: dispatch.OpSimplify,
				Model:     model,
				Simplify:  tt.args,
			})

			eng.AssertExpectations(t)
			msgs := rec.messages()
			require.Len(t, msgs, 1)
			assert.Equal(t, dispatch.ChannelConvertDone, msgs[0].Channel)
			assert.True(t, msgs[0].Terminal)
			assert.Equal(t, "r1", msgs[0].RequestID)

			got, err := dispatch.DecodeResult(msgs[0].Content)
			require.NoError(t, err)
			assert.Equal(t, result, got)
		})
	}
}

func TestOptimizeRoutesToEntryPoint(t *testing.T) {
	passes := []string{"eliminate_deadend", "fuse_consecutive_transposes"}
	for _, tt := range []struct {
		op     dispatch.Operation
		method string
	}{
		{dispatch.OpOptimize, "Optimize"},
		{dispatch.OpOptimizeFixed, "OptimizeFixedPoint"},
	} {
		t.Run(string(tt.op), func(t *testing.T) {
			eng := &mockEngine{}
			eng.On(tt.method, mock.Anything, []byte("B"), passes).Return([]byte("C"), nil).Once()

			rec := newRecorder()
			d := startDispatcher(t, openMock(eng), rec)
			d.Handle(context.Background(), dispatch.Request{ID: "x", Operation: tt.op, Model: []byte("B"), Passes: passes})

			eng.AssertExpectations(t)
			require.Len(t, rec.terminals(), 1)
			assert.Equal(t, dispatch.ChannelConvertDone, rec.terminals()[0].Channel)
		})
	}
}

func TestUnknownOperation(t *testing.T) {
	for _, tag := range []string{"bogus", "", "SIMPLIFY", "optimize-fixed"} {
		t.Run(tag, func(t *testing.T) {
			eng := &mockEngine{}
			rec := newRecorder()
			d := startDispatcher(t, openMock(eng), rec)

			d.Handle(context.Background(), dispatch.Request{ID: "u", Operation: dispatch.Operation(tag), Model: []byte("B")})

			eng.AssertNotCalled(t, "ExportSimplified", mock.Anything, mock.Anything, mock.Anything)
			eng.AssertNotCalled(t, "Optimize", mock.Anything, mock.Anything, mock.Anything)
			eng.AssertNotCalled(t, "OptimizeFixedPoint", mock.Anything, mock.Anything, mock.Anything)

			msgs := rec.messages()
			require.Len(t, msgs, 1)
			assert.Equal(t, dispatch.ChannelStderr, msgs[0].Channel)
			assert.Equal(t, "unknown conversion type: "+tag, msgs[0].Content)
			assert.True(t, msgs[0].Terminal)
		})
	}
}

func TestFailedConversion(t *testing.T) {
	tests := []struct {
		name   string
		result []byte
		err    error
	}{
		{name: "engine error", err: errors.New("shape inference failed")},
		{name: "nil result"},
		{name: "empty result", result: []byte{}},
		{name: "error with partial result", result: []byte("partial"), err: errors.New("boom")},
	}

	for _, tt := range tests {
		for _, op := range []struct {
			op     dispatch.Operation
			method string
		}{
			{dispatch.OpSimplify, "ExportSimplified"},
			{dispatch.OpOptimize, "Optimize"},
			{dispatch.OpOptimizeFixed, "OptimizeFixedPoint"},
		} {
			t.Run(tt.name+"/"+string(op.op), func(t *testing.T) {
				eng := &mockEngine{}
				eng.On(op.method, mock.Anything, mock.Anything, mock.Anything).Return(tt.result, tt.err)

				rec := newRecorder()
				d := startDispatcher(t, openMock(eng), rec)
				d.Handle(context.Background(), dispatch.Request{ID: "f", Operation: op.op, Model: []byte("B")})

				msgs := rec.messages()
				require.Len(t, msgs, 1)
				assert.Equal(t, dispatch.ChannelStderr, msgs[0].Channel)
				assert.Equal(t, string(op.op)+" failed!", msgs[0].Content)
				for _, m := range msgs {
					assert.NotEqual(t, dispatch.ChannelConvertDone, m.Channel)
				}
			})
		}
	}
}

func TestEnginePanicIsAFailedConversion(t *testing.T) {
	fake := &onnxtest.Engine{Convert: func(onnxtest.Call) ([]byte, error) { panic("abort()") }}
	rec := newRecorder()
	d := startDispatcher(t, fake.Opener(), rec)

	d.Handle(context.Background(), dispatch.Request{ID: "p", Operation: dispatch.OpOptimize, Model: []byte("B")})
	d.Handle(context.Background(), dispatch.Request{ID: "q", Operation: dispatch.OpOptimize, Model: []byte("B")})

	terms := rec.terminals()
	require.Len(t, terms, 2)
	assert.Equal(t, "optimize failed!", terms[0].Content)
	assert.Equal(t, "optimize failed!", terms[1].Content)
}

func TestSinkLinesAreTaggedAndPrecedeResponse(t *testing.T) {
	fake := &onnxtest.Engine{
		Stdout: []string{"Simplifying...", "Finish!"},
		Stderr: []string{"[W] unused initializer"},
	}
	rec := newRecorder()
	d := startDispatcher(t, fake.Opener(), rec)

	d.Handle(context.Background(), dispatch.Request{ID: "s1", Operation: dispatch.OpSimplify, Model: []byte("B")})

	msgs := rec.messages()
	require.Len(t, msgs, 4)
	for _, m := range msgs {
		assert.Equal(t, "s1", m.RequestID)
	}
	assert.Equal(t, dispatch.Message{RequestID: "s1", Channel: dispatch.ChannelStdout, Content: "Simplifying..."}, msgs[0])
	assert.Equal(t, dispatch.Message{RequestID: "s1", Channel: dispatch.ChannelStdout, Content: "Finish!"}, msgs[1])
	assert.Equal(t, dispatch.Message{RequestID: "s1", Channel: dispatch.ChannelStderr, Content: "[W] unused initializer"}, msgs[2])
	assert.Equal(t, dispatch.ChannelConvertDone, msgs[3].Channel)
	assert.True(t, msgs[3].Terminal)
}

func TestTrackerBeginPrecedesMessages(t *testing.T) {
	fake := &onnxtest.Engine{Stdout: []string{"line"}}
	rec := newRecorder()
	d := startDispatcher(t, fake.Opener(), rec)

	d.Handle(context.Background(), dispatch.Request{ID: "t1", Operation: dispatch.OpOptimize, Model: []byte("B")})
	d.Handle(context.Background(), dispatch.Request{ID: "t2", Operation: "bogus"})

	assert.Equal(t, []string{
		"begin:t1", "post:t1:stdout", "post:t1:convert-done",
		"begin:t2", "post:t2:stderr",
	}, rec.log())
}

func TestNoCaching(t *testing.T) {
	fake := &onnxtest.Engine{}
	rec := newRecorder()
	d := startDispatcher(t, fake.Opener(), rec)

	req := dispatch.Request{ID: "same", Operation: dispatch.OpOptimize, Model: []byte("B"), Passes: []string{"eliminate_deadend"}}
	d.Handle(context.Background(), req)
	d.Handle(context.Background(), req)

	assert.Len(t, fake.Calls(), 2)
	assert.Len(t, rec.terminals(), 2)
}

func TestResultDataURLRoundTrip(t *testing.T) {
	binary := make([]byte, 256)
	for i := range binary {
		binary[i] = byte(i)
	}

	for _, data := range [][]byte{[]byte("x"), []byte("\x08\x07\x12\x07pytorch"), binary} {
		s := dispatch.EncodeResult(data)
		assert.Equal(t, "data:application/octet-stream;base64,"+base64.StdEncoding.EncodeToString(data), s)

		got, err := dispatch.DecodeResult(s)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}
}

func TestDecodeResultRejectsOtherMediaTypes(t *testing.T) {
	_, err := dispatch.DecodeResult("data:text/plain;base64,aGVsbG8=")
	assert.Error(t, err)

	_, err = dispatch.DecodeResult("not a data url")
	assert.Error(t, err)
}

func TestScenarioOptimize(t *testing.T) {
	model := []byte("\x08\x07model-B")
	converted := []byte("\x08\x07model-C")

	fake := &onnxtest.Engine{Convert: func(call onnxtest.Call) ([]byte, error) {
		if call.Method != onnxtest.MethodOptimize {
			return nil, errors.New("wrong entry point")
		}
		return converted, nil
	}}
	rec := newRecorder()
	d := startDispatcher(t, fake.Opener(), rec)

	in := `["optimize","` + base64.StdEncoding.EncodeToString(model) + `",["eliminate_deadend"]]`
	req, err := dispatch.DecodeRequest([]byte(in))
	require.NoError(t, err)
	d.Handle(context.Background(), req)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, model, calls[0].Model)
	assert.Equal(t, []string{"eliminate_deadend"}, calls[0].Passes)

	msgs := rec.messages()
	require.Len(t, msgs, 1)
	out, err := json.Marshal(msgs[0])
	require.NoError(t, err)
	want := `["convert-done","data:application/octet-stream;base64,` + base64.StdEncoding.EncodeToString(converted) + `"]`
	assert.JSONEq(t, want, string(out))
}

func TestScenarioUnknown(t *testing.T) {
	fake := &onnxtest.Engine{}
	rec := newRecorder()
	d := startDispatcher(t, fake.Opener(), rec)

	req, err := dispatch.DecodeRequest([]byte(`["bogus","QkJC"]`))
	require.NoError(t, err)
	d.Handle(context.Background(), req)

	assert.Empty(t, fake.Calls())
	msgs := rec.messages()
	require.Len(t, msgs, 1)
	out, err := json.Marshal(msgs[0])
	require.NoError(t, err)
	assert.JSONEq(t, `["stderr","unknown conversion type: bogus"]`, string(out))
}
