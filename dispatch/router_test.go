package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/risa-org/gamelink/host"
	"github.com/risa-org/gamelink/metrics"
	"github.com/risa-org/gamelink/protocol"
	"github.com/risa-org/gamelink/store/memory"
)

func newWorld(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New()
	s.SetItems([]host.ItemDef{{Code: "Wood", Name: "Wood", Description: "A log"}, {Code: "Stone", Name: "Stone"}})
	s.Join(host.Player{ID: "42", Name: "alice", SteamID: "7656"})
	s.Join(host.Player{ID: "43", Name: "bob"})
	s.SetInventory("42", []host.ItemStack{{Code: "Wood", Name: "Wood", Amount: 3, Quality: 1}})
	s.SetPosition("42", host.Position{X: 1.5, Y: 2, Z: -3})
	s.SetElapsedDays(4.567)
	return s
}

// request builds a request from a payload literal, the way the codec does.
func request(t *testing.T, id, payload string) *protocol.Request {
	t.Helper()
	frame := `{"type":"request","requestId":"` + id + `","payload":` + payload + `}`
	msg, err := protocol.Decode([]byte(frame))
	if err != nil {
		t.Fatalf("decode %s: %v", frame, err)
	}
	return msg.(*protocol.Request)
}

// asJSON re-encodes a payload into a generic value for comparison.
func asJSON(t *testing.T, v any) any {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestActionCatalog(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    string
	}{
		{"reachability", `{"action":"testReachability"}`,
			`{"connectable":true,"reason":null}`},
		{"players", `{"action":"getPlayers"}`,
			`[{"gameId":"42","name":"alice","platformId":"eco:42","steamId":"7656"},{"gameId":"43","name":"bob","platformId":"eco:43","steamId":null}]`},
		{"player by name in string args", `{"action":"getPlayer","args":"{\"gameId\":\"alice\"}"}`,
			`{"gameId":"42","name":"alice","steamId":"7656","platformId":"eco:42","online":true}`},
		{"player by steam id in object args", `{"action":"getPlayer","args":{"gameId":"7656"}}`,
			`{"gameId":"42","name":"alice","steamId":"7656","platformId":"eco:42","online":true}`},
		{"unknown player", `{"action":"getPlayer","args":"{\"gameId\":\"zed\"}"}`,
			`{"error":"Player not found"}`},
		{"inventory", `{"action":"getPlayerInventory","args":{"gameId":"42"}}`,
			`[{"code":"Wood","name":"Wood","amount":3,"quality":"1"}]`},
		{"inventory unknown player", `{"action":"getPlayerInventory","args":{"gameId":"zed"}}`,
			`[]`},
		{"location", `{"action":"getPlayerLocation","args":{"gameId":"alice"}}`,
			`{"x":1.5,"y":2,"z":-3}`},
		{"location unknown player", `{"action":"getPlayerLocation","args":{"gameId":"zed"}}`,
			`{"x":0,"y":0,"z":0}`},
		{"items", `{"action":"listItems"}`,
			`[{"code":"Stone","name":"Stone","description":"An item of type Stone"},{"code":"Wood","name":"Wood","description":"A log"}]`},
		{"meteor", `{"action":"getMeteorInfo"}`,
			`{"currentWorldDays":4.57}`},
		{"message in args", `{"action":"sendMessage","args":"{\"message\":\"hi\"}"}`,
			`{"success":true,"messagesSent":2}`},
		{"direct message", `{"action":"sendMessage","message":"hello"}`,
			`{"success":true,"messagesSent":2}`},
		{"empty args", `{"action":"sendMessage","args":"{}"}`,
			`{"success":false,"messagesSent":0,"error":"Empty args provided"}`},
		{"bad args", `{"action":"sendMessage","args":"{oops"}`,
			`{"success":false,"messagesSent":0,"error":"Invalid args JSON format"}`},
		{"no message", `{"action":"sendMessage","args":{"text":"hi"}}`,
			`{"success":false,"messagesSent":0,"error":"No message property found"}`},
		{"command", `{"action":"executeConsoleCommand","args":"{\"command\":\"list\"}"}`,
			`{"success":true,"rawResult":"Online players (2): alice, bob"}`},
		{"command alias", `{"action":"executeCommand","args":{"command":"say hi"}}`,
			`{"success":true,"rawResult":"Message sent to 2 online players"}`},
		{"missing command", `{"action":"executeCommand","args":{}}`,
			`{"success":false,"rawResult":"Error: no command provided"}`},
		{"unknown action", `{"action":"fly"}`,
			`{"error":"Unknown action: fly"}`},
	}

	r := NewRouter(newWorld(t))
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := asJSON(t, r.Dispatch(context.Background(), request(t, "r1", tc.payload)))
			var want any
			if err := json.Unmarshal([]byte(tc.want), &want); err != nil {
				t.Fatalf("bad want literal: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("payload mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestKickPlayer(t *testing.T) {
	w := newWorld(t)
	r := NewRouter(w)

	got := asJSON(t, r.Dispatch(context.Background(),
		request(t, "k1", `{"action":"kickPlayer","args":{"gameId":"bob","reason":"afk"}}`)))
	want := map[string]any{"success": true, "message": "Player kicked: afk"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
	if w.Count() != 1 {
		t.Errorf("expected bob to be kicked, %d online", w.Count())
	}

	got = asJSON(t, r.Dispatch(context.Background(),
		request(t, "k2", `{"action":"kickPlayer","args":{"gameId":"bob"}}`)))
	want = map[string]any{"success": false, "error": "Player not found"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestHandlerErrorBecomesPayload(t *testing.T) {
	r := NewRouter(newWorld(t))
	r.Handle("boom", func(ctx context.Context, _ Args) (any, error) {
		return nil, errors.New("disk on fire")
	})

	got := r.Dispatch(context.Background(), request(t, "r1", `{"action":"boom"}`))
	if got != (ErrorPayload{Error: "disk on fire"}) {
		t.Errorf("expected error payload, got %#v", got)
	}
}

func TestPanicBecomesPayload(t *testing.T) {
	r := NewRouter(newWorld(t))
	r.Handle("panic", func(ctx context.Context, _ Args) (any, error) {
		panic("nil map")
	})

	got := r.Dispatch(context.Background(), request(t, "r1", `{"action":"panic"}`))
	if got != (ErrorPayload{Error: "nil map"}) {
		t.Errorf("expected panic converted to payload, got %#v", got)
	}
}

func TestTimeout(t *testing.T) {
	r := NewRouter(newWorld(t), WithTimeout(20*time.Millisecond))
	r.Handle("slow", func(ctx context.Context, _ Args) (any, error) {
		time.Sleep(time.Second)
		return "late", nil
	})

	start := time.Now()
	got := r.Dispatch(context.Background(), request(t, "r1", `{"action":"slow"}`))
	if got != (ErrorPayload{Error: "Request timed out"}) {
		t.Errorf("expected timeout payload, got %#v", got)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("dispatch waited for the handler: %v", time.Since(start))
	}
}

// countingCatalog counts List calls.
type countingCatalog struct {
	*memory.Store
	calls atomic.Int32
}

func (c *countingCatalog) List(ctx context.Context) ([]host.ItemDef, error) {
	c.calls.Add(1)
	return c.Store.List(ctx)
}

func TestItemsCached(t *testing.T) {
	h := &countingCatalog{Store: newWorld(t)}
	r := NewRouter(h)

	for i := 0; i < 3; i++ {
		r.Dispatch(context.Background(), request(t, "r", `{"action":"listItems"}`))
	}
	if h.calls.Load() != 1 {
		t.Errorf("expected catalog read once, got %d", h.calls.Load())
	}

	r.InvalidateItems()
	r.Dispatch(context.Background(), request(t, "r", `{"action":"listItems"}`))
	if h.calls.Load() != 2 {
		t.Errorf("expected catalog re-read after invalidation, got %d", h.calls.Load())
	}

	uncached := NewRouter(h, WithItemCacheTTL(0))
	uncached.Dispatch(context.Background(), request(t, "r", `{"action":"listItems"}`))
	uncached.Dispatch(context.Background(), request(t, "r", `{"action":"listItems"}`))
	if h.calls.Load() != 4 {
		t.Errorf("expected no caching with zero TTL, got %d calls", h.calls.Load())
	}
}

func TestMetricsRecorded(t *testing.T) {
	m := metrics.New()
	r := NewRouter(newWorld(t), WithMetrics(m))

	r.Dispatch(context.Background(), request(t, "r1", `{"action":"testReachability"}`))
	r.Dispatch(context.Background(), request(t, "r2", `{"action":"nope"}`))

	expected := `
# HELP gamelink_requests_total Requests handled, by action and outcome
# TYPE gamelink_requests_total counter
gamelink_requests_total{action="nope",status="unknown"} 1
gamelink_requests_total{action="testReachability",status="ok"} 1
`
	if err := testutil.GatherAndCompare(m.Gatherer(), strings.NewReader(expected), "gamelink_requests_total"); err != nil {
		t.Errorf("unexpected request metrics: %v", err)
	}
}

func TestWorkerAnswersInOrder(t *testing.T) {
	r := NewRouter(newWorld(t))

	var mu sync.Mutex
	var ids []string
	replied := make(chan struct{}, 10)
	w := r.NewWorker(8, func(ctx context.Context, resp *protocol.Response) {
		mu.Lock()
		ids = append(ids, resp.RequestID)
		mu.Unlock()
		replied <- struct{}{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	for _, id := range []string{"a", "b", "c"} {
		if !w.Submit(ctx, request(t, id, `{"action":"testReachability"}`)) {
			t.Fatalf("submit %s refused", id)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case <-replied:
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not answer")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"a", "b", "c"}, ids); diff != "" {
		t.Errorf("response order mismatch (-want +got):\n%s", diff)
	}
}

func TestWorkerBusy(t *testing.T) {
	r := NewRouter(newWorld(t))
	block := make(chan struct{})
	r.Handle("block", func(ctx context.Context, _ Args) (any, error) {
		<-block
		return "done", nil
	})

	var mu sync.Mutex
	answers := map[string]any{}
	w := r.NewWorker(1, func(ctx context.Context, resp *protocol.Response) {
		mu.Lock()
		answers[resp.RequestID] = resp.Payload
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer close(block)

	// not running yet: first request fills the queue
	if !w.Submit(ctx, request(t, "r1", `{"action":"block"}`)) {
		t.Fatal("first submit should be queued")
	}
	if w.Submit(ctx, request(t, "r2", `{"action":"block"}`)) {
		t.Fatal("second submit should be refused")
	}

	mu.Lock()
	defer mu.Unlock()
	if answers["r2"] != (ErrorPayload{Error: "Server busy"}) {
		t.Errorf("expected busy answer for r2, got %#v", answers["r2"])
	}
	if _, ok := answers["r1"]; ok {
		t.Error("r1 must not be answered before the worker runs")
	}
}

func TestWorkerHoldsRequestsUntilRun(t *testing.T) {
	r := NewRouter(newWorld(t))
	replied := make(chan string, 2)
	w := r.NewWorker(4, func(ctx context.Context, resp *protocol.Response) {
		replied <- resp.RequestID
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !w.Submit(ctx, request(t, "early", `{"action":"testReachability"}`)) {
		t.Fatal("submit refused")
	}
	select {
	case id := <-replied:
		t.Fatalf("%s answered before Run", id)
	case <-time.After(50 * time.Millisecond):
	}

	go w.Run(ctx)
	select {
	case id := <-replied:
		if id != "early" {
			t.Errorf("expected early, got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued request was not answered")
	}
}
