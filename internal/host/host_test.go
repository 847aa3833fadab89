package host

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/shellbridge/internal/cdp"
	"github.com/standardbeagle/shellbridge/internal/cdptest"
	"github.com/standardbeagle/shellbridge/internal/protocol"
	"github.com/standardbeagle/shellbridge/internal/target"
)

type fixture struct {
	browser *cdptest.Browser
	client  *cdp.Client
	host    *Host
	ctx     context.Context
}

func setup(t *testing.T, browser *cdptest.Browser, opts ...Option) *fixture {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	transport, err := cdp.DialWebSocket(ctx, browser.WebSocketURL(), nil)
	require.NoError(t, err)
	client := cdp.NewClient(transport)
	go client.Run(ctx)

	h := New(client, DefaultConfig(), opts...)
	t.Cleanup(func() {
		client.Close()
		h.Stop()
	})
	return &fixture{browser: browser, client: client, host: h, ctx: ctx}
}

func newBrowser(t *testing.T) *cdptest.Browser {
	t.Helper()
	b := cdptest.NewBrowser()
	t.Cleanup(b.Close)
	return b
}

func (f *fixture) waitAttached(t *testing.T, targetID string) target.AttachedTarget {
	t.Helper()
	var at target.AttachedTarget
	require.Eventually(t, func() bool {
		if f.host.Registry().State(targetID) != target.StateAttached {
			return false
		}
		var ok bool
		at, ok = f.host.Registry().Attached(targetID)
		return ok
	}, 3*time.Second, 10*time.Millisecond, "target %s never attached", targetID)
	return at
}

func TestStart_CatchUpScan(t *testing.T) {
	browser := newBrowser(t)
	browser.AddTarget(cdptest.TargetInfo{TargetID: "T1", URL: "https://example.com/"})
	browser.AddTarget(cdptest.TargetInfo{TargetID: "T2", URL: "about:blank"})
	browser.AddTarget(cdptest.TargetInfo{TargetID: "W1", Type: "service_worker", URL: "https://example.com/sw.js"})

	f := setup(t, browser)
	require.NoError(t, f.host.Start(f.ctx))

	// Start returns after the scan has attached existing targets.
	at, ok := f.host.Registry().Attached("T1")
	require.True(t, ok)
	assert.True(t, browser.HasWorld(at.ExecutionContextID))

	assert.Equal(t, target.StateDiscovered, f.host.Registry().State("T2"))
	assert.Equal(t, target.StateDiscovered, f.host.Registry().State("W1"))
	assert.Equal(t, 1, f.host.Registry().AttachedCount())
	assert.Equal(t, 1, browser.Count(protocol.MethodGetTargets))
	assert.Equal(t, 1, browser.Count(protocol.MethodAttachToTarget))
}

func TestStart_DiscoveryAnnouncingExistingTargetsAttachesOnce(t *testing.T) {
	browser := newBrowser(t)
	browser.EmitExistingOnDiscover = true
	browser.AddTarget(cdptest.TargetInfo{TargetID: "T1", URL: "https://example.com/"})

	f := setup(t, browser)
	require.NoError(t, f.host.Start(f.ctx))
	f.waitAttached(t, "T1")
	f.host.Wait()

	assert.Equal(t, 1, browser.Count(protocol.MethodAttachToTarget))
	assert.Equal(t, 1, browser.SessionCount("T1"))
}

func TestNewTargetIsAttached(t *testing.T) {
	f := setup(t, newBrowser(t))
	require.NoError(t, f.host.Start(f.ctx))

	f.browser.AddTarget(cdptest.TargetInfo{TargetID: "T9", URL: "https://example.com/new"})
	at := f.waitAttached(t, "T9")
	assert.NotEmpty(t, at.SessionID)
}

func TestIneligibleTargetAttachesAfterInfoChanged(t *testing.T) {
	f := setup(t, newBrowser(t))
	require.NoError(t, f.host.Start(f.ctx))

	f.browser.AddTarget(cdptest.TargetInfo{TargetID: "T1", URL: "about:blank"})
	require.Eventually(t, func() bool {
		return f.host.Registry().State("T1") == target.StateDiscovered
	}, 2*time.Second, 10*time.Millisecond)
	f.host.Wait()
	_, ok := f.host.Registry().Attached("T1")
	assert.False(t, ok)
	assert.Equal(t, 0, f.browser.Count(protocol.MethodAttachToTarget))

	f.browser.Navigate("T1", "https://example.com/after-redirect")
	f.waitAttached(t, "T1")
}

func TestNavigationReattachesWithoutDuplicates(t *testing.T) {
	browser := newBrowser(t)
	browser.AddTarget(cdptest.TargetInfo{TargetID: "T1", URL: "https://example.com/a"})
	f := setup(t, browser)
	require.NoError(t, f.host.Start(f.ctx))

	first, ok := f.host.Registry().Attached("T1")
	require.True(t, ok)

	browser.Navigate("T1", "https://example.com/b")
	require.Eventually(t, func() bool {
		at, ok := f.host.Registry().Attached("T1")
		return ok && at.SessionID != first.SessionID && f.host.Registry().State("T1") == target.StateAttached
	}, 3*time.Second, 10*time.Millisecond)

	second, _ := f.host.Registry().Attached("T1")
	assert.NotEqual(t, first.ExecutionContextID, second.ExecutionContextID)
	assert.Len(t, f.host.Registry().List(), 1)
	assert.Equal(t, 1, f.host.Registry().AttachedCount())

	// The replaced session is detached.
	require.Eventually(t, func() bool {
		return browser.SessionCount("T1") == 1
	}, 2*time.Second, 10*time.Millisecond)
	_, stillMapped := f.host.Registry().BySession(first.SessionID)
	assert.False(t, stillMapped)
}

func TestReloadToSameURLReplacesWorld(t *testing.T) {
	browser := newBrowser(t)
	browser.AddTarget(cdptest.TargetInfo{TargetID: "T1", URL: "https://example.com/a"})
	f := setup(t, browser)
	require.NoError(t, f.host.Start(f.ctx))

	first, ok := f.host.Registry().Attached("T1")
	require.True(t, ok)

	browser.Navigate("T1", "https://example.com/a")
	require.Eventually(t, func() bool {
		at, ok := f.host.Registry().Attached("T1")
		return ok && at.ExecutionContextID != first.ExecutionContextID &&
			f.host.Registry().State("T1") == target.StateAttached
	}, 3*time.Second, 10*time.Millisecond)
	f.host.Wait()

	second, _ := f.host.Registry().Attached("T1")
	assert.False(t, browser.HasWorld(first.ExecutionContextID))
	assert.True(t, browser.HasWorld(second.ExecutionContextID))
	assert.Equal(t, 2, browser.Count(protocol.MethodAttachToTarget))

	// Binding calls are only accepted from the current world.
	assert.True(t, f.host.knownWorld(second.SessionID, second.ExecutionContextID))
	assert.False(t, f.host.knownWorld(first.SessionID, first.ExecutionContextID))
	assert.False(t, f.host.knownWorld(second.SessionID, first.ExecutionContextID))

	raw, err := f.host.Evaluate(f.ctx, "T1", `"after " + "reload"`)
	require.NoError(t, err)
	assert.Equal(t, `"after reload"`, string(raw))
}

func TestAttachFailureRetriedOnInfoChanged(t *testing.T) {
	browser := newBrowser(t)
	browser.AddTarget(cdptest.TargetInfo{TargetID: "T1", URL: "https://example.com/"})
	browser.FailNext(protocol.MethodCreateIsolatedWorld, 1)

	f := setup(t, browser)
	require.NoError(t, f.host.Start(f.ctx))

	assert.Equal(t, target.StateDiscovered, f.host.Registry().State("T1"))
	_, ok := f.host.Registry().Attached("T1")
	assert.False(t, ok)
	snap := f.host.Registry().List()
	require.Len(t, snap, 1)
	assert.Contains(t, snap[0].LastError, "create-isolated-world")
	require.Eventually(t, func() bool {
		return browser.SessionCount("T1") == 0
	}, 2*time.Second, 10*time.Millisecond, "half-open session must be detached")

	// Same URL: the info-changed event alone triggers a fresh attempt.
	browser.Navigate("T1", "https://example.com/")
	f.waitAttached(t, "T1")
	assert.Equal(t, 2, browser.Count(protocol.MethodAttachToTarget))
}

func TestDestroyedTargetIsForgotten(t *testing.T) {
	browser := newBrowser(t)
	browser.AddTarget(cdptest.TargetInfo{TargetID: "T1", URL: "https://example.com/"})
	f := setup(t, browser)
	require.NoError(t, f.host.Start(f.ctx))
	f.waitAttached(t, "T1")

	browser.RemoveTarget("T1")
	require.Eventually(t, func() bool {
		return f.host.Registry().State("T1") == target.StateUnknown
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.host.Registry().AttachedCount())
}

type echoBackend struct {
	mu    sync.Mutex
	calls []string
}

func (e *echoBackend) Call(ctx context.Context, route string, args json.RawMessage) (json.RawMessage, error) {
	e.mu.Lock()
	e.calls = append(e.calls, route)
	e.mu.Unlock()
	return json.Marshal(map[string]any{"route": route, "args": args})
}

func (e *echoBackend) Close() error { return nil }

func TestWorldCallsRouteToBackend(t *testing.T) {
	browser := newBrowser(t)
	browser.AddTarget(cdptest.TargetInfo{TargetID: "T1", URL: "https://example.com/"})
	be := &echoBackend{}
	f := setup(t, browser, WithBackend(be))
	require.NoError(t, f.host.Start(f.ctx))
	at := f.waitAttached(t, "T1")

	_, err := browser.RunInWorld(at.ExecutionContextID, `
		var reply;
		shellbridge.send("backend.settings.get", {key: "theme"}).then(function (r) { reply = r; });
	`)
	require.NoError(t, err)

	var route any
	require.Eventually(t, func() bool {
		v, err := browser.RunInWorld(at.ExecutionContextID, `reply && reply.route`)
		route = v
		return err == nil && v != nil
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "settings.get", route)

	be.mu.Lock()
	assert.Equal(t, []string{"settings.get"}, be.calls)
	be.mu.Unlock()
}

func TestEvaluateAndCommand(t *testing.T) {
	browser := newBrowser(t)
	browser.AddTarget(cdptest.TargetInfo{TargetID: "T1", URL: "https://example.com/"})
	f := setup(t, browser)
	require.NoError(t, f.host.Start(f.ctx))
	f.waitAttached(t, "T1")

	raw, err := f.host.Evaluate(f.ctx, "T1", `"hello " + "world"`)
	require.NoError(t, err)
	assert.Equal(t, `"hello world"`, string(raw))

	_, err = f.host.Evaluate(f.ctx, "nope", `1`)
	assert.ErrorIs(t, err, ErrNotAttached)

	raw, err = f.host.Command(f.ctx, "", protocol.MethodGetVersion, nil)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "FakeChrome")

	_, err = f.host.Command(f.ctx, "T1", protocol.MethodRuntimeEnable, json.RawMessage(`{}`))
	require.NoError(t, err)

	_, err = f.host.Command(f.ctx, "nope", protocol.MethodRuntimeEnable, nil)
	assert.ErrorIs(t, err, ErrNotAttached)
}

func TestStartTwice(t *testing.T) {
	f := setup(t, newBrowser(t))
	require.NoError(t, f.host.Start(f.ctx))
	assert.Error(t, f.host.Start(f.ctx))
	assert.NotEmpty(t, f.host.ID())
}

func TestNoAttachStartsAfterStop(t *testing.T) {
	browser := newBrowser(t)
	browser.AddTarget(cdptest.TargetInfo{TargetID: "T1", URL: "https://example.com/"})
	f := setup(t, browser)
	require.NoError(t, f.host.Start(f.ctx))
	f.waitAttached(t, "T1")

	f.host.Stop()
	browser.AddTarget(cdptest.TargetInfo{TargetID: "T2", URL: "https://example.com/two"})
	d := f.host.Registry().Observe(target.Info{TargetID: "T2", Type: "page", URL: "https://example.com/two"})
	require.True(t, d.Attach)
	f.host.launch("T2", d.Generation)
	f.host.Wait()

	assert.Equal(t, 1, browser.Count(protocol.MethodAttachToTarget))
	assert.NotEqual(t, target.StateAttached, f.host.Registry().State("T2"))
}
