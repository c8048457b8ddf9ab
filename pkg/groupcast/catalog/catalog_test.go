package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeAPI struct {
	hits     sync.Map // path -> *atomic.Int32
	posted   []map[string]string
	postedMu sync.Mutex
	delay    time.Duration

	// started is signalled on each request; when release is set, requests
	// wait for it to close.
	started chan struct{}
	release chan struct{}
}

func (f *fakeAPI) count(path string) int32 {
	v, ok := f.hits.Load(path)
	if !ok {
		return 0
	}
	return v.(*atomic.Int32).Load()
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer secret" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	v, _ := f.hits.LoadOrStore(r.URL.Path, new(atomic.Int32))
	v.(*atomic.Int32).Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.release != nil {
		<-f.release
	}

	w.Header().Set("Content-Type", "application/json")
	switch r.Method + " " + r.URL.Path {
	case "GET /horarios":
		w.Write([]byte(`[{"TOKEN":42,"HORARIOS":"9, 18"},{"TOKEN":"7","HORARIOS":"18,x,99"},{"TOKEN":"8","HORARIOS":""}]`))
	case "GET /messagem":
		w.Write([]byte(`[{"TOKEN":42,"DIA":"Terça","MESSAGE":"linha1\\nlinha2"},{"TOKEN":"42","DIA":"sabado","MESSAGE":"fim"}]`))
	case "GET /gruposcheck":
		w.Write([]byte(`[{"TOKEN":42,"ID_GROUP":"1@g.us","NOME":"Um"},{"TOKEN":"42","ID_GROUP":"2@g.us","NOME":""},{"TOKEN":7,"ID_GROUP":"3@g.us","NOME":"Outro"}]`))
	case "POST /gruposcan":
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.postedMu.Lock()
		f.posted = append(f.posted, body)
		f.postedMu.Unlock()
		w.WriteHeader(http.StatusCreated)
	default:
		http.NotFound(w, r)
	}
}

func newTestClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/", Token: "secret"}, nil)
}

func TestSchedules(t *testing.T) {
	c := newTestClient(t, &fakeAPI{})
	ctx := context.Background()

	t.Run("hours parsed", func(t *testing.T) {
		got, err := c.Schedules(ctx)
		if err != nil {
			t.Fatalf("Schedules: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("expected 3 schedules, got %d", len(got))
		}
		if got[0].TenantID != "42" || len(got[0].Hours) != 2 || got[0].Hours[0] != 9 || got[0].Hours[1] != 18 {
			t.Errorf("unexpected schedule %+v", got[0])
		}
		if len(got[1].Hours) != 1 || got[1].Hours[0] != 18 {
			t.Errorf("invalid hours should be dropped, got %v", got[1].Hours)
		}
		if len(got[2].Hours) != 0 {
			t.Errorf("empty hours expected, got %v", got[2].Hours)
		}
	})

	t.Run("tenants for hour", func(t *testing.T) {
		for hour, want := range map[int][]string{9: {"42"}, 18: {"42", "7"}, 10: nil} {
			got, err := c.TenantsForHour(ctx, hour)
			if err != nil {
				t.Fatalf("TenantsForHour: %v", err)
			}
			if len(got) != len(want) {
				t.Errorf("hour %d: expected %v, got %v", hour, want, got)
				continue
			}
			for i := range want {
				if got[i] != want[i] {
					t.Errorf("hour %d: expected %v, got %v", hour, want, got)
				}
			}
		}
	})
}

func TestMessage(t *testing.T) {
	c := newTestClient(t, &fakeAPI{})
	ctx := context.Background()

	msg, err := c.Message(ctx, "42", time.Tuesday)
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	if msg != "linha1\nlinha2" {
		t.Errorf("unexpected message %q", msg)
	}

	if msg, _ := c.Message(ctx, "42", time.Saturday); msg != "fim" {
		t.Errorf("unexpected saturday message %q", msg)
	}
	if msg, _ := c.Message(ctx, "42", time.Monday); msg != "" {
		t.Errorf("no monday message expected, got %q", msg)
	}
	if msg, _ := c.Message(ctx, "7", time.Tuesday); msg != "" {
		t.Errorf("other tenant has no message, got %q", msg)
	}
}

func TestGroups(t *testing.T) {
	c := newTestClient(t, &fakeAPI{})

	got, err := c.Groups(context.Background(), "42")
	if err != nil {
		t.Fatalf("Groups: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 groups, got %v", got)
	}
	if got[0] != (Group{ID: "1@g.us", Name: "Um"}) {
		t.Errorf("unexpected group %+v", got[0])
	}
	if got[1].Name != UnknownGroupName {
		t.Errorf("expected fallback name, got %q", got[1].Name)
	}
}

func TestCacheTTL(t *testing.T) {
	api := &fakeAPI{}
	c := newTestClient(t, api)
	now := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	c.Groups(ctx, "42")
	c.Groups(ctx, "7")
	if n := api.count("/gruposcheck"); n != 1 {
		t.Errorf("cache is shared across tenants, expected 1 request, got %d", n)
	}

	now = now.Add(29 * time.Second)
	c.Groups(ctx, "42")
	if n := api.count("/gruposcheck"); n != 1 {
		t.Errorf("expected cached result within TTL, got %d requests", n)
	}

	now = now.Add(2 * time.Second)
	c.Groups(ctx, "42")
	if n := api.count("/gruposcheck"); n != 2 {
		t.Errorf("expected refresh after TTL, got %d requests", n)
	}

	t.Run("hours use a longer ttl", func(t *testing.T) {
		c.Schedules(ctx)
		now = now.Add(45 * time.Second)
		c.Schedules(ctx)
		if n := api.count("/horarios"); n != 1 {
			t.Errorf("expected 1 hours request, got %d", n)
		}
	})

	t.Run("invalidate", func(t *testing.T) {
		c.Invalidate()
		c.Schedules(ctx)
		if n := api.count("/horarios"); n != 2 {
			t.Errorf("expected refetch after Invalidate, got %d", n)
		}
	})
}

func TestConcurrentMissesShareRequest(t *testing.T) {
	api := &fakeAPI{delay: 50 * time.Millisecond}
	c := newTestClient(t, api)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Schedules(context.Background()); err != nil {
				t.Errorf("Schedules: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := api.count("/horarios"); n != 1 {
		t.Errorf("expected a single request, got %d", n)
	}
}

func TestRegisterGroup(t *testing.T) {
	api := &fakeAPI{}
	c := newTestClient(t, api)

	if err := c.RegisterGroup(context.Background(), "42", "9@g.us", "Nove"); err != nil {
		t.Fatalf("RegisterGroup: %v", err)
	}
	if len(api.posted) != 1 {
		t.Fatalf("expected one post, got %d", len(api.posted))
	}
	want := map[string]string{"TOKEN": "42", "ID_GROUP": "9@g.us", "NOME": "Nove"}
	for k, v := range want {
		if api.posted[0][k] != v {
			t.Errorf("%s: expected %q, got %q", k, v, api.posted[0][k])
		}
	}

	t.Run("errors surface", func(t *testing.T) {
		srv := httptest.NewServer(api)
		defer srv.Close()
		bad := New(Config{BaseURL: srv.URL, Token: "wrong"}, nil)
		if err := bad.RegisterGroup(context.Background(), "42", "9@g.us", "Nove"); err == nil {
			t.Error("expected error for unauthorized request")
		}
	})
}

func TestHelpers(t *testing.T) {
	t.Run("ParseHours", func(t *testing.T) {
		got := ParseHours(" 18,9 ,9,abc,24")
		if len(got) != 2 || got[0] != 9 || got[1] != 18 {
			t.Errorf("unexpected %v", got)
		}
	})
	t.Run("foldDay", func(t *testing.T) {
		for _, tc := range []struct{ in, want string }{
			{"Terça", "terca"},
			{"SÁBADO", "sabado"},
			{"quarta-feira", "quarta"},
			{" Domingo ", "domingo"},
		} {
			if got := foldDay(tc.in); got != tc.want {
				t.Errorf("foldDay(%q) = %q, want %q", tc.in, got, tc.want)
			}
		}
	})
	t.Run("FlexString", func(t *testing.T) {
		var v struct {
			A FlexString `json:"a"`
			B FlexString `json:"b"`
			C FlexString `json:"c"`
		}
		if err := json.Unmarshal([]byte(`{"a":42,"b":"x","c":null}`), &v); err != nil {
			t.Fatal(err)
		}
		if v.A != "42" || v.B != "x" || v.C != "" {
			t.Errorf("unexpected %+v", v)
		}
	})
}

func TestSharedFetchSurvivesCancelledCaller(t *testing.T) {
	api := &fakeAPI{started: make(chan struct{}, 1), release: make(chan struct{})}
	c := newTestClient(t, api)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Schedules(first)
		firstErr <- err
	}()
	<-api.started

	secondErr := make(chan error, 1)
	go func() {
		_, err := c.Schedules(context.Background())
		secondErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	if err := <-firstErr; err == nil {
		t.Error("cancelled caller should return its context error")
	}
	close(api.release)

	if err := <-secondErr; err != nil {
		t.Errorf("waiting caller must not inherit the cancellation: %v", err)
	}
	if n := api.count("/horarios"); n != 1 {
		t.Errorf("expected one shared request, got %d", n)
	}
}
