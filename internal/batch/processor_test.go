package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/smsflow/internal/providers"
	"github.com/nextlevelbuilder/smsflow/internal/store"
)

type fakeStore struct {
	mu      sync.Mutex
	history []store.MessageRecord
	histErr error
	saved   []store.MessageRecord
	saveErr error
}

func (f *fakeStore) UpsertContact(context.Context, store.ContactRecord) error { return nil }
func (f *fakeStore) SaveInbound(context.Context, string, string) error        { return nil }

func (f *fakeStore) SaveResponse(_ context.Context, contactID, body string, meta store.ResponseMeta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, store.MessageRecord{ContactID: contactID, Body: body, Origin: store.OriginAssistant, Meta: meta})
	return nil
}

func (f *fakeStore) History(context.Context, string, int) ([]store.MessageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, f.histErr
}

func (f *fakeStore) savedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

type fakeResponder struct {
	mu         sync.Mutex
	configured bool
	resp       *providers.ChatResponse
	err        error
	calls      int
	lastReq    providers.ChatRequest
}

func (f *fakeResponder) Configured() bool { return f.configured }

func (f *fakeResponder) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	return f.resp, f.err
}

type fakeRelay struct {
	mu         sync.Mutex
	configured bool
	err        error
	sent       []string
}

func (f *fakeRelay) Configured() bool { return f.configured }

func (f *fakeRelay) Send(_ context.Context, contactID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, message)
	return nil
}

func (f *fakeRelay) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestProcessor(reg *Registry, st *fakeStore, resp *fakeResponder, rel *fakeRelay) *Processor {
	return NewProcessor(reg, st, resp, rel,
		func(string) string { return "be helpful" },
		nil,
		ProcessorConfig{HistoryLimit: 20, Budget: 5 * time.Second},
	)
}

func TestProcess_DrainsAndRemoves(t *testing.T) {
	reg := NewRegistry(time.Hour, 10, nil)
	st := &fakeStore{}
	resp := &fakeResponder{configured: true, resp: &providers.ChatResponse{
		Content: "reply", Model: "gpt-4o-mini",
		Usage: &providers.Usage{TotalTokens: 42},
	}}
	rel := &fakeRelay{configured: true}
	proc := newTestProcessor(reg, st, resp, rel)
	reg.SetHandler(proc.Process)

	reg.Submit("A", "hi", "")
	reg.Submit("A", "there", "")
	proc.Process("A")

	if _, ok := reg.Snapshot()["A"]; ok {
		t.Fatal("batch should be removed after processing")
	}
	if resp.calls != 1 {
		t.Errorf("responder calls = %d, want 1", resp.calls)
	}

	// Combined message joins in order.
	last := resp.lastReq.Messages[len(resp.lastReq.Messages)-1]
	if last.Role != "user" || last.Content != "hi there" {
		t.Errorf("final turn = %+v, want user 'hi there'", last)
	}
	if resp.lastReq.Messages[0].Role != "system" {
		t.Errorf("first turn role = %s, want system", resp.lastReq.Messages[0].Role)
	}

	if st.savedCount() != 1 {
		t.Fatalf("saved %d responses, want 1", st.savedCount())
	}
	if st.saved[0].Meta.TokensUsed != 42 {
		t.Errorf("TokensUsed = %d, want 42", st.saved[0].Meta.TokensUsed)
	}
	if rel.sentCount() != 1 || rel.sent[0] != "reply" {
		t.Errorf("relay sent = %v, want [reply]", rel.sent)
	}
}

func TestProcess_IdempotentDoubleInvocation(t *testing.T) {
	reg := NewRegistry(time.Hour, 10, nil)
	st := &fakeStore{}
	resp := &fakeResponder{configured: true, resp: &providers.ChatResponse{Content: "reply"}}
	rel := &fakeRelay{configured: true}
	proc := newTestProcessor(reg, st, resp, rel)
	reg.SetHandler(proc.Process)

	reg.Submit("A", "hi", "")

	// Simulates the timer firing after a force-process already drained.
	proc.Process("A")
	proc.Process("A")

	if resp.calls != 1 {
		t.Errorf("responder calls = %d, want 1 (second invocation no-ops)", resp.calls)
	}
	if rel.sentCount() != 1 {
		t.Errorf("relay sends = %d, want 1", rel.sentCount())
	}
}

func TestProcess_HistoryFailureDegradesToEmpty(t *testing.T) {
	reg := NewRegistry(time.Hour, 10, nil)
	st := &fakeStore{histErr: errors.New("store down")}
	resp := &fakeResponder{configured: true, resp: &providers.ChatResponse{Content: "reply"}}
	rel := &fakeRelay{configured: true}
	proc := newTestProcessor(reg, st, resp, rel)
	reg.SetHandler(proc.Process)

	reg.Submit("A", "hi", "")
	proc.Process("A")

	if resp.calls != 1 {
		t.Fatal("responder should still be called with empty history")
	}
	// system + new message only
	if len(resp.lastReq.Messages) != 2 {
		t.Errorf("transcript length = %d, want 2", len(resp.lastReq.Messages))
	}
	if _, ok := reg.Snapshot()["A"]; ok {
		t.Error("batch should be removed despite history failure")
	}
}

func TestProcess_ResponderFailureStillCleansUp(t *testing.T) {
	reg := NewRegistry(time.Hour, 10, nil)
	st := &fakeStore{}
	resp := &fakeResponder{configured: true, err: errors.New("llm down")}
	rel := &fakeRelay{configured: true}
	proc := newTestProcessor(reg, st, resp, rel)
	reg.SetHandler(proc.Process)

	reg.Submit("A", "hi", "")
	proc.Process("A")

	if st.savedCount() != 0 {
		t.Error("nothing should be persisted when no response was generated")
	}
	if rel.sentCount() != 0 {
		t.Error("nothing should be relayed when no response was generated")
	}
	if _, ok := reg.Snapshot()["A"]; ok {
		t.Error("batch should be removed despite responder failure")
	}
}

func TestProcess_UnconfiguredResponderSkips(t *testing.T) {
	reg := NewRegistry(time.Hour, 10, nil)
	st := &fakeStore{}
	resp := &fakeResponder{configured: false}
	rel := &fakeRelay{configured: true}
	proc := newTestProcessor(reg, st, resp, rel)
	reg.SetHandler(proc.Process)

	reg.Submit("A", "hi", "")
	proc.Process("A")

	if resp.calls != 0 {
		t.Error("unconfigured responder must not be called")
	}
	if _, ok := reg.Snapshot()["A"]; ok {
		t.Error("batch removed even when responder is unconfigured")
	}
}

func TestProcess_PersistFailureDoesNotBlockRelay(t *testing.T) {
	reg := NewRegistry(time.Hour, 10, nil)
	st := &fakeStore{saveErr: errors.New("db down")}
	resp := &fakeResponder{configured: true, resp: &providers.ChatResponse{Content: "reply"}}
	rel := &fakeRelay{configured: true}
	proc := newTestProcessor(reg, st, resp, rel)
	reg.SetHandler(proc.Process)

	reg.Submit("A", "hi", "")
	proc.Process("A")

	if rel.sentCount() != 1 {
		t.Error("relay should still run when persisting the response failed")
	}
}

func TestBuildTranscript_RolesAndDedupe(t *testing.T) {
	proc := newTestProcessor(NewRegistry(time.Hour, 10, nil), &fakeStore{}, &fakeResponder{}, &fakeRelay{})

	history := []store.MessageRecord{
		{Body: "hello", Origin: store.OriginInbound},
		{Body: "hi, how can I help?", Origin: store.OriginAssistant},
		{Body: "what are your hours", Origin: store.OriginInbound},
	}

	t.Run("new message appended", func(t *testing.T) {
		msgs := proc.buildTranscript("", history, "do you have parking")
		if len(msgs) != 5 {
			t.Fatalf("len = %d, want 5", len(msgs))
		}
		wantRoles := []string{"system", "user", "assistant", "user", "user"}
		for i, want := range wantRoles {
			if msgs[i].Role != want {
				t.Errorf("msgs[%d].Role = %s, want %s", i, msgs[i].Role, want)
			}
		}
	})

	t.Run("already-persisted message not doubled", func(t *testing.T) {
		msgs := proc.buildTranscript("", history, "what are your hours")
		if len(msgs) != 4 {
			t.Fatalf("len = %d, want 4 (no duplicate final turn)", len(msgs))
		}
	})

	t.Run("empty bodies skipped", func(t *testing.T) {
		msgs := proc.buildTranscript("", []store.MessageRecord{{Body: "", Origin: store.OriginInbound}}, "hi")
		if len(msgs) != 2 {
			t.Fatalf("len = %d, want 2", len(msgs))
		}
	})
}

func TestTimerFireProcessesEndToEnd(t *testing.T) {
	reg := NewRegistry(50*time.Millisecond, 10, nil)
	st := &fakeStore{}
	resp := &fakeResponder{configured: true, resp: &providers.ChatResponse{Content: "reply"}}
	rel := &fakeRelay{configured: true}
	proc := newTestProcessor(reg, st, resp, rel)
	reg.SetHandler(proc.Process)

	reg.Submit("A", "hi", "")
	reg.Submit("A", "there", "")

	deadline := time.After(2 * time.Second)
	for rel.sentCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("timer-driven processing never relayed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if _, ok := reg.Snapshot()["A"]; ok {
		t.Error("batch should be gone after the timer drain")
	}
}
