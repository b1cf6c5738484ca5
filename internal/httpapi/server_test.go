package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/smsflow/internal/batch"
	"github.com/nextlevelbuilder/smsflow/internal/bus"
	"github.com/nextlevelbuilder/smsflow/internal/config"
	"github.com/nextlevelbuilder/smsflow/internal/store"
	"github.com/nextlevelbuilder/smsflow/internal/store/memory"
)

type recordingRelay struct {
	mu    sync.Mutex
	sends []string
}

func (r *recordingRelay) Configured() bool { return true }

func (r *recordingRelay) Send(_ context.Context, contactID, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, contactID+": "+message)
	return nil
}

func (r *recordingRelay) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sends)
}

func newTestServer(t *testing.T, token string) (*Server, *memory.Store, *recordingRelay) {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Token = token

	mem := memory.New()
	relay := &recordingRelay{}
	reg := batch.NewRegistry(time.Hour, 10, nil)
	return NewServer(cfg, reg, mem, relay, bus.New()), mem, relay
}

func waitFor(t *testing.T, deadline time.Duration, cond func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestWebhookJSON(t *testing.T) {
	srv, mem, _ := newTestServer(t, "")
	ts := httptest.NewServer(srv.BuildMux())
	defer ts.Close()

	body := `{"type":"message.received","contact_id":"c1","first_name":"Ana","sourceforai":"website_form","message":{"body":"hi there"}}`
	resp, err := http.Post(ts.URL+"/webhook", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["status"] != "success" {
		t.Fatalf("status = %v", out["status"])
	}

	waitFor(t, 2*time.Second, func() bool { return srv.registry.Len() == 1 })

	waitFor(t, 2*time.Second, func() bool {
		hist, _ := mem.History(context.Background(), "c1", 10)
		return len(hist) == 1
	})
	hist, _ := mem.History(context.Background(), "c1", 10)
	if hist[0].Body != "hi there" {
		t.Fatalf("stored body = %q", hist[0].Body)
	}
	if c, ok := mem.Contact("c1"); !ok || c.FirstName != "Ana" {
		t.Fatalf("contact not upserted: %+v ok=%v", c, ok)
	}
}

func TestWebhookForm(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	ts := httptest.NewServer(srv.BuildMux())
	defer ts.Close()

	form := url.Values{}
	form.Set("contact_id", "c2")
	form.Set("message_body", "form hello")
	resp, err := http.Post(ts.URL+"/webhook", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	waitFor(t, 2*time.Second, func() bool { return srv.registry.Len() == 1 })
}

func TestWebhookMissingContactID(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	ts := httptest.NewServer(srv.BuildMux())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/webhook", "application/json", strings.NewReader(`{"message":{"body":"orphan"}}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	key, _ := out["contact_id"].(string)
	if !strings.HasPrefix(key, "unknown_") {
		t.Fatalf("contact_id = %q, want unknown_ prefix", key)
	}
}

func TestWebhookFirstMessage(t *testing.T) {
	srv, mem, relay := newTestServer(t, "")
	ts := httptest.NewServer(srv.BuildMux())
	defer ts.Close()

	body := `{"type":"contact.created","contact_id":"c3","first_name":"Bao","sourceforai":"referral"}`
	resp, err := http.Post(ts.URL+"/webhook", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()

	waitFor(t, 2*time.Second, func() bool { return relay.count() == 1 })
	if !strings.Contains(relay.sends[0], "Bao") {
		t.Fatalf("first message not personalized: %q", relay.sends[0])
	}
	// Greeting is recorded as an assistant turn.
	waitFor(t, 2*time.Second, func() bool {
		hist, _ := mem.History(context.Background(), "c3", 10)
		return len(hist) == 1
	})
	if srv.registry.Len() != 0 {
		t.Fatal("contact.created must not open a batch")
	}
}

func TestAdminAuth(t *testing.T) {
	srv, _, _ := newTestServer(t, "sekret")
	ts := httptest.NewServer(srv.BuildMux())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/batches")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/batches", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", resp.StatusCode)
	}
}

func TestBatchEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	ts := httptest.NewServer(srv.BuildMux())
	defer ts.Close()

	srv.registry.Submit("c1", "one", "")
	srv.registry.Submit("c1", "two", "")
	srv.registry.Submit("c2", "three", "")

	resp, err := http.Get(ts.URL + "/v1/batches")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var out struct {
		BatchCount int                    `json:"batch_count"`
		Batches    map[string]interface{} `json:"batches"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()
	if out.BatchCount != 2 {
		t.Fatalf("batch_count = %d, want 2", out.BatchCount)
	}

	resp, err = http.Get(ts.URL + "/v1/timers")
	if err != nil {
		t.Fatalf("get timers: %v", err)
	}
	var timers struct {
		TimerCount int `json:"timer_count"`
	}
	json.NewDecoder(resp.Body).Decode(&timers)
	resp.Body.Close()
	if timers.TimerCount != 2 {
		t.Fatalf("timer_count = %d, want 2", timers.TimerCount)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/batches", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if srv.registry.Len() != 0 {
		t.Fatal("registry not cleared")
	}
}

func TestForceProcessEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	var mu sync.Mutex
	var processed []string
	srv.registry.SetHandler(func(key string) {
		mu.Lock()
		processed = append(processed, key)
		mu.Unlock()
	})

	ts := httptest.NewServer(srv.BuildMux())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/batches/ghost/process", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing batch status = %d, want 404", resp.StatusCode)
	}

	srv.registry.Submit("c1", "pending", "")
	resp, err = http.Post(ts.URL+"/v1/batches/c1/process", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(processed) != 1 || processed[0] != "c1" {
		t.Fatalf("processed = %v", processed)
	}
}

func TestWaitEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	ts := httptest.NewServer(srv.BuildMux())
	defer ts.Close()

	body, _ := json.Marshal(map[string]int{"seconds": 45})
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/v1/batch-wait", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := srv.registry.WaitDuration(); got != 45*time.Second {
		t.Fatalf("wait = %v, want 45s", got)
	}

	body, _ = json.Marshal(map[string]int{"seconds": 0})
	req, _ = http.NewRequest(http.MethodPut, ts.URL+"/v1/batch-wait", bytes.NewReader(body))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("out of range status = %d, want 400", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/v1/batch-wait")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var out map[string]int
	json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()
	if out["batch_wait_seconds"] != 45 {
		t.Fatalf("batch_wait_seconds = %d, want 45", out["batch_wait_seconds"])
	}
}

func TestConfigEndpointHidesSecrets(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	srv.cfg.Responder.APIKey = "sk-super-secret"
	srv.cfg.Relay.APIKey = "relay-secret"

	ts := httptest.NewServer(srv.BuildMux())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/config")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	raw := new(bytes.Buffer)
	raw.ReadFrom(resp.Body)
	resp.Body.Close()

	if strings.Contains(raw.String(), "secret") {
		t.Fatalf("config response leaks secrets: %s", raw.String())
	}
	var out map[string]map[string]interface{}
	if err := json.Unmarshal(raw.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["responder"]["configured"] != true {
		t.Fatal("responder should report configured")
	}
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	ts := httptest.NewServer(srv.BuildMux())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	if out["status"] != "healthy" {
		t.Fatalf("status = %v", out["status"])
	}
}

// gatedStore blocks UpsertContact until the gate opens, holding the
// webhook's background goroutine mid-flight.
type gatedStore struct {
	*memory.Store
	gate    chan struct{}
	mu      sync.Mutex
	inbound int
}

func (g *gatedStore) UpsertContact(ctx context.Context, c store.ContactRecord) error {
	<-g.gate
	return g.Store.UpsertContact(ctx, c)
}

func (g *gatedStore) SaveInbound(ctx context.Context, contactID, body string) error {
	g.mu.Lock()
	g.inbound++
	g.mu.Unlock()
	return g.Store.SaveInbound(ctx, contactID, body)
}

func (g *gatedStore) inboundCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inbound
}

func TestWebhookDuplicateWhileProcessing(t *testing.T) {
	cfg := config.Default()
	gated := &gatedStore{Store: memory.New(), gate: make(chan struct{})}
	reg := batch.NewRegistry(time.Hour, 10, nil)
	srv := NewServer(cfg, reg, gated, &recordingRelay{}, bus.New())

	ts := httptest.NewServer(srv.BuildMux())
	defer ts.Close()

	body := `{"contact_id":"c1","message":{"body":"hello"}}`
	resp, err := http.Post(ts.URL+"/webhook", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	// The first delivery is stuck in UpsertContact; a duplicate must be
	// acknowledged without a second submission.
	resp, err = http.Post(ts.URL+"/webhook", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("duplicate post: %v", err)
	}
	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("duplicate status = %d, want 200", resp.StatusCode)
	}
	if msg, _ := out["message"].(string); !strings.Contains(msg, "already being processed") {
		t.Fatalf("duplicate message = %q", msg)
	}

	close(gated.gate)
	waitFor(t, 2*time.Second, func() bool { return reg.Len() == 1 })
	waitFor(t, 2*time.Second, func() bool { return gated.inboundCount() == 1 })
	if got := gated.inboundCount(); got != 1 {
		t.Fatalf("inbound saves = %d, want 1", got)
	}
}
