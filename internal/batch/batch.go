// Package batch implements the per-contact message batching core: a
// concurrent registry of in-flight batches, each drained once by a
// one-shot delay timer armed when the batch opens. Appending more
// messages never reschedules the timer — the processing deadline is fixed
// at the first message, so a burst is answered as one conversation turn
// at most wait-duration after it started.
package batch

import (
	"fmt"
	"time"
)

// Batch accumulates one contact's burst of messages between the first
// arrival and the timer firing. Owned by the Registry; all mutation goes
// through it.
type Batch struct {
	ContactKey    string
	BatchID       string // observability only, never used for lookup
	CreatedAt     time.Time
	LastMessageAt time.Time
	Messages      []string
	MessageCount  int
	SourceTag     string // fixed at creation, selects the response prompt

	// WaitDuration is captured at creation; later configuration changes
	// never move an already-armed deadline.
	WaitDuration time.Duration
}

func newBatch(contactKey, firstMessage, sourceTag string, wait time.Duration) *Batch {
	now := time.Now().UTC()
	return &Batch{
		ContactKey:    contactKey,
		BatchID:       fmt.Sprintf("batch_%s_%d", contactKey, now.Unix()),
		CreatedAt:     now,
		LastMessageAt: now,
		Messages:      []string{firstMessage},
		MessageCount:  1,
		SourceTag:     sourceTag,
		WaitDuration:  wait,
	}
}

// deadline is the fixed processing time: CreatedAt + WaitDuration.
func (b *Batch) deadline() time.Time {
	return b.CreatedAt.Add(b.WaitDuration)
}

// View is a read-only snapshot of a batch for the status endpoints.
type View struct {
	BatchID       string    `json:"batch_id"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at"`
	MessageCount  int       `json:"message_count"`
	Messages      []string  `json:"messages"`
	SourceTag     string    `json:"source_tag,omitempty"`
	TimeElapsed   float64   `json:"time_elapsed"`   // seconds since creation
	TimeRemaining float64   `json:"time_remaining"` // seconds until the deadline, floored at 0
	TimerActive   bool      `json:"timer_active"`
}

func (b *Batch) view(timerActive bool) View {
	now := time.Now().UTC()
	elapsed := now.Sub(b.CreatedAt)
	remaining := b.deadline().Sub(now)
	if remaining < 0 {
		remaining = 0
	}

	msgs := make([]string, len(b.Messages))
	copy(msgs, b.Messages)

	return View{
		BatchID:       b.BatchID,
		CreatedAt:     b.CreatedAt,
		LastMessageAt: b.LastMessageAt,
		MessageCount:  b.MessageCount,
		Messages:      msgs,
		SourceTag:     b.SourceTag,
		TimeElapsed:   round1(elapsed.Seconds()),
		TimeRemaining: round1(remaining.Seconds()),
		TimerActive:   timerActive,
	}
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
