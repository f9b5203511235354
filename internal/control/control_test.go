package control_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/hbtz-dev/neuro2024simulator/internal/control"
	"github.com/hbtz-dev/neuro2024simulator/internal/observe"
	"github.com/hbtz-dev/neuro2024simulator/pkg/audio"
	"github.com/hbtz-dev/neuro2024simulator/pkg/audio/mock"
	"github.com/hbtz-dev/neuro2024simulator/pkg/scheduler"
	"github.com/hbtz-dev/neuro2024simulator/pkg/scheduler/schedulertest"
)

type fixture struct {
	srv    *control.Server
	sc     *scheduler.Context
	player *mock.Player
	clock  *schedulertest.Clock
	main   *scheduler.Thread
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	p := mock.NewPlayer()
	p.SetLength("a", 1000*time.Millisecond)
	p.SetLength("b", 2000*time.Millisecond)
	p.SetLength("sfx", 300*time.Millisecond)

	clk := schedulertest.NewClock(time.Time{})
	sc, err := scheduler.New(p, scheduler.WithClock(clk))
	if err != nil {
		t.Fatal(err)
	}
	main, err := sc.NewThread("main",
		scheduler.Component{Track: "a", Start: 0, Options: audio.DefaultPlaybackOptions()},
		scheduler.Component{Track: "b", Start: 500 * time.Millisecond, Options: audio.DefaultPlaybackOptions()},
	)
	if err != nil {
		t.Fatal(err)
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	srv := control.New(sc, control.WithMetrics(m))
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, sc: sc, player: p, clock: clk, main: main}
}

func (f *fixture) do(t *testing.T, req control.Request) control.Response {
	t.Helper()
	return f.srv.Execute(context.Background(), req)
}

func ptr(v float64) *float64 { return &v }

func tracks(ids ...audio.TrackID) *[]audio.TrackID {
	if ids == nil {
		ids = []audio.TrackID{}
	}
	return &ids
}

func TestExecute_PlayAndStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp := f.do(t, control.Request{ID: "1", Op: control.OpPlay, Thread: "main", BarrierMS: ptr(1500)})
	if !resp.OK || resp.ID != "1" {
		t.Fatalf("play = %+v", resp)
	}
	if id, ok := f.player.Playing(f.main.Tag()); !ok || id != "a" {
		t.Errorf("playing %q, want a", id)
	}

	f.clock.Advance(600 * time.Millisecond)
	if id, _ := f.player.Playing(f.main.Tag()); id != "b" {
		t.Errorf("after 600ms playing %q, want b", id)
	}

	resp = f.do(t, control.Request{ID: "2", Op: control.OpStatus})
	st, ok := resp.Result.(scheduler.Status)
	if !ok || len(st.Threads) != 1 {
		t.Fatalf("status result = %#v", resp.Result)
	}
	if ts := st.Threads[0]; ts.Current != "b" || !ts.Running || ts.BarrierMS == nil || *ts.BarrierMS != 1500 {
		t.Errorf("thread status = %+v", ts)
	}
}

func TestExecute_Errors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name string
		req  control.Request
		code string
	}{
		{"unknown thread", control.Request{Op: control.OpPlay, Thread: "nope"}, control.CodeNotFound},
		{"missing thread", control.Request{Op: control.OpStop}, control.CodeBadRequest},
		{"unknown op", control.Request{Op: "dance", Thread: "main"}, control.CodeBadRequest},
		{"priority not a component", control.Request{Op: control.OpSetPriority, Thread: "main", Track: "zzz"}, control.CodeInvalidState},
		{"play with foreign priority", control.Request{Op: control.OpPlay, Thread: "main", Tracks: tracks("zzz")}, control.CodeInvalidState},
		{"play from negative offset", control.Request{Op: control.OpPlay, Thread: "main", StartFromMS: -1}, control.CodeBadRequest},
		{"effect without track", control.Request{Op: control.OpPlayEffect}, control.CodeBadRequest},
		{"effect not loaded", control.Request{Op: control.OpPlayEffect, Track: "ghost"}, control.CodeNotFound},
		{"negative volume", control.Request{Op: control.OpSetVolume, Thread: "main", Volume: ptr(-1)}, control.CodeBadRequest},
		{"effect with negative volume", control.Request{Op: control.OpPlayEffect, Track: "sfx", Volume: ptr(-0.5)}, control.CodeBadRequest},
		{"component before zero", control.Request{Op: control.OpAddComponent, Thread: "main", Track: "sfx", StartMS: -100}, control.CodeBadRequest},
		{"component with negative volume", control.Request{Op: control.OpAddComponent, Thread: "main", Track: "sfx", Volume: ptr(-1)}, control.CodeBadRequest},
		{"component with negative fade", control.Request{Op: control.OpAddComponent, Thread: "main", Track: "sfx", FadeInMS: -5}, control.CodeBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.do(t, tc.req)
			if resp.OK || resp.Code != tc.code {
				t.Errorf("resp = %+v, want code %q", resp, tc.code)
			}
		})
	}
}

func TestExecute_PriorityOps(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.do(t, control.Request{Op: control.OpPlay, Thread: "main", Tracks: tracks("a")})
	if resp := f.do(t, control.Request{Op: control.OpAddComponent, Thread: "main", Track: "sfx", StartMS: 0, Volume: ptr(0.5)}); !resp.OK {
		t.Fatalf("add_component = %+v", resp)
	}
	if id, _ := f.player.Playing(f.main.Tag()); id != "sfx" {
		t.Errorf("added component on a running thread should take over, playing %q", id)
	}
	calls := f.player.Plays()
	if last := calls[len(calls)-1]; last.Options.Volume != 0.5 {
		t.Errorf("sfx volume = %v, want 0.5", last.Options.Volume)
	}

	if resp := f.do(t, control.Request{Op: control.OpRemovePriorityPrefix, Thread: "main", Prefix: "sf"}); !resp.OK {
		t.Fatalf("remove_priority_prefix = %+v", resp)
	}
	if id, _ := f.player.Playing(f.main.Tag()); id != "a" {
		t.Errorf("after prefix removal playing %q, want a", id)
	}

	if resp := f.do(t, control.Request{Op: control.OpRemovePriority, Thread: "main", Track: "a"}); !resp.OK {
		t.Fatalf("remove_priority = %+v", resp)
	}
	if _, ok := f.player.Playing(f.main.Tag()); ok {
		t.Error("thread with an empty priority set should be silent")
	}
}

func TestExecute_PlayPriorityListEmptyVersusOmitted(t *testing.T) {
	t.Parallel()

	decode := func(t *testing.T, raw string) control.Request {
		t.Helper()
		var req control.Request
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
		return req
	}

	f := newFixture(t)
	if resp := f.do(t, decode(t, `{"op":"play","thread":"main","tracks":[]}`)); !resp.OK {
		t.Fatalf("play with empty tracks = %+v", resp)
	}
	if _, ok := f.player.Playing(f.main.Tag()); ok {
		t.Error("empty priority list should start the thread silent")
	}
	if !f.main.Running() {
		t.Error("thread should be running with an empty priority set")
	}

	f = newFixture(t)
	if resp := f.do(t, decode(t, `{"op":"play","thread":"main"}`)); !resp.OK {
		t.Fatalf("play without tracks = %+v", resp)
	}
	if id, ok := f.player.Playing(f.main.Tag()); !ok || id != "a" {
		t.Errorf("omitted priority list playing %q, want a", id)
	}
}

func TestExecute_TimeUntilAndBarrier(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.do(t, control.Request{Op: control.OpPlay, Thread: "main"})

	resp := f.do(t, control.Request{Op: control.OpTimeUntilComplete, Thread: "main"})
	if got := resp.Result.(control.Remaining).RemainingMS; got != 2500 {
		t.Errorf("remaining = %d ms, want 2500", got)
	}

	f.do(t, control.Request{Op: control.OpSetBarrier, Thread: "main", BarrierMS: ptr(800)})
	f.clock.Advance(800 * time.Millisecond)
	resp = f.do(t, control.Request{Op: control.OpTotalBarrierHits})
	if hits := resp.Result.(control.Hits); hits.Hits != 1 || hits.Distortion != 0.3 {
		t.Errorf("hits = %+v, want 1 hit at 0.3", hits)
	}

	f.do(t, control.Request{Op: control.OpSetBarrier, Thread: "main"})
	if f.main.BarrierHits() != 0 {
		t.Error("clearing the barrier should reset the combo")
	}

	f.do(t, control.Request{Op: control.OpStopAll})
	if f.main.Running() {
		t.Error("stop_all should stop the thread")
	}
}

func TestExecute_EffectsAndTags(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for range 2 {
		if resp := f.do(t, control.Request{Op: control.OpPlayEffect, Track: "sfx", Volume: ptr(0.7), PreventOverlap: true}); !resp.OK {
			t.Fatalf("play_effect = %+v", resp)
		}
	}
	if n := len(f.player.Plays()); n != 1 {
		t.Errorf("overlap-guarded effect played %d times, want 1", n)
	}

	f.do(t, control.Request{Op: control.OpSetVolume, Tag: audio.EffectTag("sfx"), Volume: ptr(0.2)})
	f.do(t, control.Request{Op: control.OpStopTag, Tag: audio.EffectTag("sfx"), FadeMS: 250})

	if f.player.Active(audio.EffectTag("sfx")) {
		t.Error("stop_tag should release the effect tag")
	}
	if len(f.player.SetVolumeCalls) != 1 || f.player.SetVolumeCalls[0].Volume != 0.2 {
		t.Errorf("SetVolumeCalls = %+v", f.player.SetVolumeCalls)
	}
	stops := f.player.Stops()
	if last := stops[len(stops)-1]; last.Fade != 250*time.Millisecond {
		t.Errorf("stop fade = %v, want 250ms", last.Fade)
	}
}

func TestExecute_WaitComplete(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.do(t, control.Request{Op: control.OpPlay, Thread: "main"})
	before := f.clock.Pending()

	done := make(chan control.Response, 1)
	go func() {
		done <- f.do(t, control.Request{ID: "w", Op: control.OpWaitComplete, Thread: "main"})
	}()

	deadline := time.Now().Add(3 * time.Second)
	for f.clock.Pending() == before {
		if time.Now().After(deadline) {
			t.Fatal("wait_complete never armed a timer")
		}
		time.Sleep(time.Millisecond)
	}
	select {
	case resp := <-done:
		t.Fatalf("wait_complete returned early: %+v", resp)
	default:
	}

	f.clock.Advance(2500 * time.Millisecond)
	select {
	case resp := <-done:
		if !resp.OK || resp.ID != "w" {
			t.Errorf("wait_complete = %+v", resp)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("wait_complete did not return after the timeline ended")
	}
}

func TestExecute_WaitCompleteCancelled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.do(t, control.Request{Op: control.OpPlay, Thread: "main"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp := f.srv.Execute(ctx, control.Request{Op: control.OpWaitComplete, Thread: "main"})
	if resp.OK || resp.Code != control.CodeCancelled {
		t.Errorf("resp = %+v, want cancelled", resp)
	}
}

// ── WebSocket transport ──────────────────────────────────────────────────────

func startServer(t *testing.T, f *fixture) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	f.srv.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/control", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

// rawResponse keeps Result undecoded so tests can pick its shape.
type rawResponse struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Error  string          `json:"error"`
	Code   string          `json:"code"`
	Result json.RawMessage `json:"result"`
}

func read(t *testing.T, conn *websocket.Conn) rawResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var r rawResponse
	if err := wsjson.Read(ctx, conn, &r); err != nil {
		t.Fatalf("read: %v", err)
	}
	return r
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestWebSocket_Session(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	srv := startServer(t, f)
	conn := dial(t, srv)

	hello := read(t, conn)
	var h control.Hello
	if err := json.Unmarshal(hello.Result, &h); err != nil || len(h.Session) != 36 {
		t.Fatalf("hello = %+v (%v)", hello, err)
	}

	send(t, conn, control.Request{ID: "p", Op: control.OpPlay, Thread: "main"})
	if r := read(t, conn); !r.OK || r.ID != "p" {
		t.Fatalf("play = %+v", r)
	}

	send(t, conn, control.Request{ID: "t", Op: control.OpTimeUntilComplete, Thread: "main"})
	r := read(t, conn)
	var rem control.Remaining
	if err := json.Unmarshal(r.Result, &rem); err != nil || rem.RemainingMS != 2500 {
		t.Errorf("time_until_complete = %s (%v)", r.Result, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if r := read(t, conn); r.OK || r.Code != control.CodeBadRequest {
		t.Errorf("invalid json = %+v", r)
	}

	send(t, conn, control.Request{ID: "x", Op: control.OpStop, Thread: "ghost"})
	if r := read(t, conn); r.OK || r.Code != control.CodeNotFound || r.ID != "x" {
		t.Errorf("unknown thread = %+v", r)
	}

	if n := f.srv.Sessions(); n != 1 {
		t.Errorf("Sessions = %d, want 1", n)
	}
}

func TestWebSocket_WaitDoesNotBlockOtherRequests(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	srv := startServer(t, f)
	conn := dial(t, srv)
	read(t, conn)

	f.do(t, control.Request{Op: control.OpPlay, Thread: "main"})
	send(t, conn, control.Request{ID: "w", Op: control.OpWaitComplete, Thread: "main"})
	send(t, conn, control.Request{ID: "s", Op: control.OpTotalBarrierHits})

	if r := read(t, conn); r.ID != "s" || !r.OK {
		t.Fatalf("first response = %+v, want total_barrier_hits", r)
	}

	// One wake timer for b's start plus the wait timer.
	deadline := time.Now().Add(3 * time.Second)
	for f.clock.Pending() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("wait_complete never armed a timer")
		}
		time.Sleep(time.Millisecond)
	}
	f.clock.Advance(3 * time.Second)
	if r := read(t, conn); r.ID != "w" || !r.OK {
		t.Errorf("wait response = %+v", r)
	}
}

func TestWebSocket_RefusedAfterClose(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	srv := startServer(t, f)
	f.srv.Close()

	conn := dial(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var r rawResponse
	err := wsjson.Read(ctx, conn, &r)
	if status := websocket.CloseStatus(err); status != websocket.StatusGoingAway {
		t.Errorf("read after Close = %v (status %v), want going away", err, status)
	}
	if n := f.srv.Sessions(); n != 0 {
		t.Errorf("Sessions = %d, want 0", n)
	}
}

func TestServer_CloseWhileClientsConnect(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	srv := startServer(t, f)

	const clients = 8
	var wg sync.WaitGroup
	for range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/control", nil)
			if err != nil {
				return
			}
			defer conn.CloseNow()
			for {
				if _, _, err := conn.Read(ctx); err != nil {
					return
				}
			}
		}()
	}

	closed := make(chan struct{})
	go func() {
		f.srv.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not return while clients were connecting")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("clients were not disconnected after Close")
	}
	if n := f.srv.Sessions(); n != 0 {
		t.Errorf("Sessions = %d after Close, want 0", n)
	}
}

func TestServeStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	srv := startServer(t, f)
	f.do(t, control.Request{Op: control.OpPlay, Thread: "main"})

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}
	var st scheduler.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if len(st.Threads) != 1 || st.Threads[0].Name != "main" || st.Threads[0].Current != "a" {
		t.Errorf("status = %+v", st)
	}
}
