package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/shellbridge/internal/cdptest"
	"github.com/standardbeagle/shellbridge/internal/protocol"
)

func startClient(t *testing.T, opts ...Option) (*Client, *cdptest.Pipe) {
	t.Helper()
	pipe := cdptest.NewPipe()
	client := NewClient(pipe, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- client.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-runDone:
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
	return client, pipe
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type sendResult struct {
	raw json.RawMessage
	err error
}

func sendAsync(ctx context.Context, s Sender, method string, params any) <-chan sendResult {
	ch := make(chan sendResult, 1)
	go func() {
		raw, err := s.Send(ctx, method, params)
		ch <- sendResult{raw: raw, err: err}
	}()
	return ch
}

func TestSend_IDsStartAtZeroAndIncrease(t *testing.T) {
	client, pipe := startClient(t)
	ctx := testContext(t)

	for want := int64(0); want < 3; want++ {
		res := sendAsync(ctx, client, protocol.MethodGetVersion, nil)
		frame, err := pipe.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, frame.ID)
		assert.Equal(t, protocol.MethodGetVersion, frame.Method)
		assert.Empty(t, frame.SessionID)

		pipe.Reply(frame.ID, map[string]any{"n": want})
		r := <-res
		require.NoError(t, r.err)
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, want), string(r.raw))
	}
	assert.Equal(t, 0, client.Pending())
}

func TestSend_RepliesOutOfOrder(t *testing.T) {
	client, pipe := startClient(t)
	ctx := testContext(t)

	first := sendAsync(ctx, client, protocol.MethodGetVersion, nil)
	f0, err := pipe.Next(ctx)
	require.NoError(t, err)
	second := sendAsync(ctx, client, protocol.MethodGetVersion, nil)
	f1, err := pipe.Next(ctx)
	require.NoError(t, err)

	require.Equal(t, int64(0), f0.ID)
	require.Equal(t, int64(1), f1.ID)

	pipe.Reply(1, map[string]string{"product": "reply-1"})
	pipe.Reply(0, map[string]string{"product": "reply-0"})

	r0 := <-first
	r1 := <-second
	require.NoError(t, r0.err)
	require.NoError(t, r1.err)
	assert.JSONEq(t, `{"product":"reply-0"}`, string(r0.raw))
	assert.JSONEq(t, `{"product":"reply-1"}`, string(r1.raw))
}

func TestSend_ShuffledConcurrentReplies(t *testing.T) {
	client, pipe := startClient(t)
	ctx := testContext(t)
	const n = 100

	results := make([]<-chan sendResult, n)
	for i := 0; i < n; i++ {
		results[i] = sendAsync(ctx, client, "Test.echo", map[string]int{"caller": i})
	}

	// Collect every frame, remembering which caller each id belongs to.
	callerByID := make(map[int64]int, n)
	for i := 0; i < n; i++ {
		frame, err := pipe.Next(ctx)
		require.NoError(t, err)
		var p struct {
			Caller int `json:"caller"`
		}
		require.NoError(t, json.Unmarshal(frame.Params, &p))
		callerByID[frame.ID] = p.Caller
	}

	ids := make([]int64, 0, n)
	for id := range callerByID {
		ids = append(ids, id)
	}
	rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	for _, id := range ids {
		pipe.Reply(id, map[string]int{"caller": callerByID[id]})
	}

	for i, ch := range results {
		r := <-ch
		require.NoError(t, r.err)
		assert.JSONEq(t, fmt.Sprintf(`{"caller":%d}`, i), string(r.raw), "caller %d got someone else's reply", i)
	}
	assert.Equal(t, 0, client.Pending())
}

func TestSend_RemoteError(t *testing.T) {
	client, pipe := startClient(t)
	ctx := testContext(t)

	res := sendAsync(ctx, client, "Page.navigate", map[string]string{"url": "x"})
	frame, err := pipe.Next(ctx)
	require.NoError(t, err)
	pipe.ReplyError(frame.ID, -32000, "Cannot navigate to invalid URL")

	r := <-res
	var remote *protocol.RemoteError
	require.ErrorAs(t, r.err, &remote)
	assert.Equal(t, -32000, remote.Code)
	assert.Equal(t, "Page.navigate", remote.Method)
	assert.Contains(t, remote.Error(), "Cannot navigate")
}

func TestSend_TransportErrorRollsBack(t *testing.T) {
	client, pipe := startClient(t)
	ctx := testContext(t)

	pipe.FailWrites(errors.New("broken pipe"))
	_, err := client.Send(ctx, protocol.MethodGetVersion, nil)

	var terr *protocol.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, terr.Error(), "broken pipe")
	assert.Equal(t, 0, client.Pending(), "failed write must not leak a pending entry")

	// The channel keeps working once writes succeed again.
	pipe.FailWrites(nil)
	res := sendAsync(ctx, client, protocol.MethodGetVersion, nil)
	frame, err := pipe.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), frame.ID, "ids are not reused after a failed write")
	pipe.Reply(frame.ID, map[string]any{})
	require.NoError(t, (<-res).err)
}

func TestSend_StaleAndDuplicateRepliesIgnored(t *testing.T) {
	client, pipe := startClient(t)
	ctx := testContext(t)

	// Unknown id before anything is pending.
	pipe.Reply(999, map[string]any{"stale": true})

	res := sendAsync(ctx, client, protocol.MethodGetVersion, nil)
	frame, err := pipe.Next(ctx)
	require.NoError(t, err)
	pipe.Reply(frame.ID, map[string]any{"first": true})
	pipe.Reply(frame.ID, map[string]any{"second": true})

	r := <-res
	require.NoError(t, r.err)
	assert.JSONEq(t, `{"first":true}`, string(r.raw))

	// The client is still healthy after stale traffic.
	res = sendAsync(ctx, client, protocol.MethodGetVersion, nil)
	frame, err = pipe.Next(ctx)
	require.NoError(t, err)
	pipe.Reply(frame.ID, map[string]any{"ok": true})
	require.NoError(t, (<-res).err)
}

func TestSend_ContextCancelRemovesEntry(t *testing.T) {
	client, pipe := startClient(t)
	ctx := testContext(t)

	callCtx, cancel := context.WithCancel(ctx)
	res := sendAsync(callCtx, client, protocol.MethodGetVersion, nil)
	frame, err := pipe.Next(ctx)
	require.NoError(t, err)

	cancel()
	r := <-res
	assert.ErrorIs(t, r.err, context.Canceled)
	assert.Equal(t, 0, client.Pending())

	// The late reply is stale and harmless.
	pipe.Reply(frame.ID, map[string]any{})
	res = sendAsync(ctx, client, protocol.MethodGetVersion, nil)
	frame, err = pipe.Next(ctx)
	require.NoError(t, err)
	pipe.Reply(frame.ID, map[string]any{})
	require.NoError(t, (<-res).err)
}

func TestSendNoResponse_SkipsRegistration(t *testing.T) {
	client, pipe := startClient(t)
	ctx := testContext(t)

	require.NoError(t, client.SendNoResponse(ctx, protocol.MethodDetachFromTarget, map[string]string{"sessionId": "S1"}))
	frame, err := pipe.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.MethodDetachFromTarget, frame.Method)
	assert.Equal(t, 0, client.Pending())

	// Its reply arrives as a stale reply and is ignored.
	pipe.Reply(frame.ID, map[string]any{})

	res := sendAsync(ctx, client, protocol.MethodGetVersion, nil)
	next, err := pipe.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, frame.ID+1, next.ID)
	pipe.Reply(next.ID, map[string]any{})
	require.NoError(t, (<-res).err)
}

func TestSession_TagsFrames(t *testing.T) {
	client, pipe := startClient(t)
	ctx := testContext(t)

	sess := client.Session("SESSION-7")
	assert.Equal(t, "SESSION-7", sess.ID())

	res := sendAsync(ctx, sess, protocol.MethodRuntimeEnable, nil)
	frame, err := pipe.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "SESSION-7", frame.SessionID)
	pipe.DeliverJSON(map[string]any{"id": frame.ID, "result": map[string]any{}, "sessionId": "SESSION-7"})
	require.NoError(t, (<-res).err)

	require.NoError(t, sess.SendNoResponse(ctx, protocol.MethodPageEnable, nil))
	frame, err = pipe.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "SESSION-7", frame.SessionID)
}

func TestClose_RejectsEveryPendingOnce(t *testing.T) {
	client, pipe := startClient(t)
	ctx := testContext(t)
	const n = 20

	results := make([]<-chan sendResult, n)
	for i := range results {
		results[i] = sendAsync(ctx, client, protocol.MethodGetVersion, nil)
	}
	for i := 0; i < n; i++ {
		_, err := pipe.Next(ctx)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return client.Pending() == n }, time.Second, 5*time.Millisecond)

	require.NoError(t, client.Close())
	for i, ch := range results {
		r := <-ch
		assert.ErrorIs(t, r.err, ErrClosed, "caller %d", i)
	}

	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("client not done after Close")
	}
	_, err := client.Send(ctx, protocol.MethodGetVersion, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, client.Pending())
}

func TestRun_TransportLossRejectsPending(t *testing.T) {
	pipe := cdptest.NewPipe()
	client := NewClient(pipe)
	ctx := testContext(t)

	runDone := make(chan error, 1)
	go func() { runDone <- client.Run(ctx) }()

	res := sendAsync(ctx, client, protocol.MethodGetVersion, nil)
	_, err := pipe.Next(ctx)
	require.NoError(t, err)

	pipe.Close()
	r := <-res
	assert.ErrorIs(t, r.err, ErrClosed)

	select {
	case err := <-runDone:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Error(t, client.Err())
}

func TestRun_MalformedFramesDoNotStopLoop(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	client, pipe := startClient(t, WithDefaultHandler(EventHandlerFunc(func(ctx context.Context, ev protocol.Event) bool {
		mu.Lock()
		seen = append(seen, ev.Method)
		mu.Unlock()
		return true
	})))
	ctx := testContext(t)

	pipe.Deliver([]byte("not json"))
	pipe.Deliver([]byte(`{"params":{}}`))
	pipe.Deliver([]byte(`[]`))
	pipe.Emit("", "Custom.event", map[string]any{})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 5*time.Millisecond)

	res := sendAsync(ctx, client, protocol.MethodGetVersion, nil)
	frame, err := pipe.Next(ctx)
	require.NoError(t, err)
	pipe.Reply(frame.ID, map[string]any{})
	require.NoError(t, (<-res).err)
}

func TestRun_RepliesNeverReachHandlers(t *testing.T) {
	var events int
	var mu sync.Mutex
	count := EventHandlerFunc(func(ctx context.Context, ev protocol.Event) bool {
		mu.Lock()
		events++
		mu.Unlock()
		return true
	})
	client, pipe := startClient(t, WithDefaultHandler(count))
	client.Router().Use(count)
	ctx := testContext(t)

	res := sendAsync(ctx, client, protocol.MethodGetVersion, nil)
	frame, err := pipe.Next(ctx)
	require.NoError(t, err)
	// A reply that also carries a method must still be treated as a reply.
	pipe.DeliverJSON(map[string]any{"id": frame.ID, "method": "Target.targetCreated", "result": map[string]any{}})
	require.NoError(t, (<-res).err)

	// Stale reply with an id must not be misrouted as an event either.
	pipe.DeliverJSON(map[string]any{"id": 12345, "method": "Target.targetCreated", "result": map[string]any{}})
	pipe.Emit("", "Marker.event", map[string]any{})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return events == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCall_DecodesResult(t *testing.T) {
	client, pipe := startClient(t)
	ctx := testContext(t)

	go func() {
		frame, err := pipe.Next(ctx)
		if err != nil {
			return
		}
		pipe.Reply(frame.ID, map[string]any{"sessionId": "S-42"})
	}()

	var out struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, Call(ctx, client, protocol.MethodAttachToTarget, map[string]any{"targetId": "T"}, &out))
	assert.Equal(t, "S-42", out.SessionID)
}
