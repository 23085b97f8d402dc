package sandbox_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/webproof/pkg/sandbox"
)

const testManifest = `{"manifestVersion":"1","id":"t","title":"","description":"",` +
	`"request":{"method":"GET","url":"https://x/<% id %>","headers":{"Authorization":"Bearer <% token %>"},` +
	`"body":{"user":"<% id %>"},"extra":{"headers":{"X-Id":"<% id %>"}}},` +
	`"response":{"status":"200","headers":{},"body":{"json":["id"]}}}`

func load(t *testing.T, host *sandbox.GojaHost, program string) (sandbox.Instance, <-chan []byte) {
	t.Helper()
	ch := make(chan []byte, 2)
	inst, err := host.Load(context.Background(), program, func(msg []byte) { ch <- msg })
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close() })
	return inst, ch
}

func receive(t *testing.T, ch <-chan []byte) map[string]any {
	t.Helper()
	select {
	case msg := <-ch:
		var out map[string]any
		require.NoError(t, json.Unmarshal(msg, &out), string(msg))
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("no message delivered")
		return nil
	}
}

func TestGojaHost_PostsMessage(t *testing.T) {
	host := sandbox.NewGojaHost(sandbox.DefaultConfig())
	inst, ch := load(t, host, `postMessage(JSON.stringify({isReady: true, n: 1 + 1}))`)
	assert.NotEmpty(t, inst.ID())

	msg := receive(t, ch)
	assert.Equal(t, true, msg["isReady"])
	assert.Equal(t, float64(2), msg["n"])
}

func TestGojaHost_ObjectMessageIsStringified(t *testing.T) {
	host := sandbox.NewGojaHost(sandbox.DefaultConfig())
	_, ch := load(t, host, `postMessage({isReady: false})`)
	assert.Equal(t, false, receive(t, ch)["isReady"])
}

func TestGojaHost_OnlyFirstMessageDelivered(t *testing.T) {
	host := sandbox.NewGojaHost(sandbox.DefaultConfig())
	_, ch := load(t, host, `postMessage('{"n":1}'); postMessage('{"n":2}')`)

	assert.Equal(t, float64(1), receive(t, ch)["n"])
	select {
	case msg := <-ch:
		t.Fatalf("unexpected second message %s", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGojaHost_UncaughtException(t *testing.T) {
	host := sandbox.NewGojaHost(sandbox.DefaultConfig())
	_, ch := load(t, host, `throw new Error("boom")`)

	msg := receive(t, ch)
	assert.Contains(t, msg["error"], sandbox.ErrScriptException)
	assert.Contains(t, msg["error"], "boom")
}

func TestGojaHost_NoVerdict(t *testing.T) {
	host := sandbox.NewGojaHost(sandbox.DefaultConfig())
	_, ch := load(t, host, `var x = 1;`)
	assert.Contains(t, receive(t, ch)["error"], sandbox.ErrNoVerdict)
}

func TestGojaHost_TimeLimit(t *testing.T) {
	cfg := sandbox.DefaultConfig()
	cfg.CPUTimeLimit = 50 * time.Millisecond
	host := sandbox.NewGojaHost(cfg)
	_, ch := load(t, host, `for (;;) {}`)
	assert.Contains(t, receive(t, ch)["error"], sandbox.ErrComputeTimeExhausted)
}

func TestGojaHost_MessageTooLarge(t *testing.T) {
	cfg := sandbox.DefaultConfig()
	cfg.MaxMessageBytes = 16
	host := sandbox.NewGojaHost(cfg)
	_, ch := load(t, host, `postMessage("x".repeat(64))`)
	assert.Contains(t, receive(t, ch)["error"], sandbox.ErrComputeOutputExhausted)
}

func TestGojaHost_TimersUnavailable(t *testing.T) {
	host := sandbox.NewGojaHost(sandbox.DefaultConfig())
	_, ch := load(t, host, `postMessage(JSON.stringify({t: typeof setTimeout}))`)
	assert.Equal(t, "undefined", receive(t, ch)["t"])
}

func TestGojaHost_SyntaxError(t *testing.T) {
	host := sandbox.NewGojaHost(sandbox.DefaultConfig())
	_, err := host.Load(context.Background(), `function (`, func([]byte) {})

	var se *sandbox.SandboxError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, sandbox.ErrScriptSyntax, se.Code)
}

func TestGojaHost_CanceledContext(t *testing.T) {
	host := sandbox.NewGojaHost(sandbox.DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := host.Load(ctx, `postMessage("{}")`, func([]byte) {})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGojaHost_CloseStopsDelivery(t *testing.T) {
	cfg := sandbox.DefaultConfig()
	cfg.CPUTimeLimit = 0
	host := sandbox.NewGojaHost(cfg)
	ch := make(chan []byte, 1)
	inst, err := host.Load(context.Background(), `for (;;) {}`, func(msg []byte) { ch <- msg })
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, inst.Close())
	require.NoError(t, inst.Close())

	select {
	case msg := <-ch:
		t.Fatalf("message after close: %s", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGojaHost_ConsoleAvailable(t *testing.T) {
	host := sandbox.NewGojaHost(sandbox.DefaultConfig())
	_, ch := load(t, host, `console.log("hello"); console.warn("w"); console.error("e"); postMessage("{}")`)
	assert.Empty(t, receive(t, ch))
}

func TestBuilderBinding(t *testing.T) {
	host := sandbox.NewGojaHost(sandbox.DefaultConfig())
	program := `
		const b = createManifestBuilder(` + "`" + testManifest + "`" + `);
		const before = b.request.get("body").user;
		b.request.set("id", 42).set("token", "abc");
		b.appendDebugLog("set", "values");
		let headersErr = "";
		try { b.request.get("headers") } catch (e) { headersErr = String(e) }
		const compiled = b.compile();
		postMessage({
			before: before,
			url: b.request.get("url"),
			auth: b.request.getHeader("authorization"),
			missing: typeof b.request.getHeader("Cookie"),
			absent: typeof b.request.get("nothing"),
			extraId: b.request.compile().extra.headers["X-Id"],
			status: b.response.get("status"),
			headersErr: headersErr,
			logs: compiled.debugLogs,
			failures: b.substitutionFailures().length,
			serialized: typeof b.serialize()
		});
	`
	_, ch := load(t, host, program)
	msg := receive(t, ch)

	assert.Equal(t, "<% id %>", msg["before"])
	assert.Equal(t, "https://x/42", msg["url"])
	assert.Equal(t, "Bearer abc", msg["auth"])
	assert.Equal(t, "undefined", msg["missing"])
	assert.Equal(t, "undefined", msg["absent"])
	assert.Equal(t, "42", msg["extraId"])
	assert.Equal(t, "200", msg["status"])
	assert.Contains(t, msg["headersErr"], "getHeader")
	assert.Equal(t, []any{"set values"}, msg["logs"])
	assert.Equal(t, float64(0), msg["failures"])
	assert.Equal(t, "string", msg["serialized"])
}

func TestBuilderBinding_InvalidManifestThrows(t *testing.T) {
	host := sandbox.NewGojaHost(sandbox.DefaultConfig())
	_, ch := load(t, host, `createManifestBuilder('{"id":"x"}')`)
	assert.Contains(t, receive(t, ch)["error"], "no request")
}

func TestDocumentBinding(t *testing.T) {
	host := sandbox.NewGojaHost(sandbox.DefaultConfig())
	html := `<html><head><title> My   Page </title></head><body>` +
		`<span class="user"><a href="/user/alice/" id="me" data-x="1">alice</a></span>` +
		`<ul><li>a</li><li>b</li></ul></body></html>`
	program := `
		const doc = parseDocument(` + "`" + html + "`" + `);
		const link = doc.querySelector('span.user > a[href*="/user/"]');
		postMessage({
			title: doc.title,
			user: link.getAttribute("href").split("/user/")[1].replace("/", ""),
			tag: link.tagName,
			has: link.hasAttribute("data-x"),
			noAttr: link.getAttribute("nope"),
			byId: doc.getElementById("me").textContent,
			noId: doc.getElementById("missing"),
			none: doc.querySelector("table"),
			items: doc.querySelectorAll("li").map(function (e) { return e.innerHTML }),
			nested: doc.querySelector("ul").querySelectorAll("li").length,
			outer: link.outerHTML,
			text: doc.textContent.indexOf("alice") >= 0
		});
	`
	_, ch := load(t, host, program)
	msg := receive(t, ch)

	assert.Equal(t, "My Page", msg["title"])
	assert.Equal(t, "alice", msg["user"])
	assert.Equal(t, "A", msg["tag"])
	assert.Equal(t, true, msg["has"])
	assert.Nil(t, msg["noAttr"])
	assert.Equal(t, "alice", msg["byId"])
	assert.Nil(t, msg["noId"])
	assert.Nil(t, msg["none"])
	assert.Equal(t, []any{"a", "b"}, msg["items"])
	assert.Equal(t, float64(2), msg["nested"])
	assert.Contains(t, msg["outer"], `href="/user/alice/"`)
	assert.Equal(t, true, msg["text"])
}
