package domain

import (
	"testing"
	"time"
)

func TestMessageStatus(t *testing.T) {
	now := time.Now()

	msg := &Message{CreatedAt: now}
	if got := msg.Status(); got != StatusSent {
		t.Errorf("fresh message status = %q, want %q", got, StatusSent)
	}

	delivered := now.Add(time.Second)
	msg.DeliveredAt = &delivered
	if got := msg.Status(); got != StatusDelivered {
		t.Errorf("delivered message status = %q, want %q", got, StatusDelivered)
	}

	read := now.Add(2 * time.Second)
	msg.ReadAt = &read
	if got := msg.Status(); got != StatusSeen {
		t.Errorf("read message status = %q, want %q", got, StatusSeen)
	}
}

func TestClampReceiptsDeliveredBeforeCreated(t *testing.T) {
	now := time.Now()
	early := now.Add(-time.Minute)

	msg := &Message{CreatedAt: now, DeliveredAt: &early}
	msg.ClampReceipts()

	if msg.DeliveredAt.Before(msg.CreatedAt) {
		t.Error("deliveredAt remained before createdAt")
	}
}

func TestClampReceiptsReadWithoutDelivered(t *testing.T) {
	now := time.Now()
	read := now.Add(time.Second)

	// read_at без delivered_at: доставка выводится из прочтения.
	msg := &Message{CreatedAt: now, ReadAt: &read}
	msg.ClampReceipts()

	if msg.DeliveredAt == nil {
		t.Fatal("deliveredAt was not backfilled")
	}
	if msg.DeliveredAt.Before(msg.CreatedAt) {
		t.Error("backfilled deliveredAt before createdAt")
	}
	if msg.ReadAt.Before(*msg.DeliveredAt) {
		t.Error("readAt before deliveredAt")
	}
}

func TestClampReceiptsOrdering(t *testing.T) {
	now := time.Now()
	delivered := now.Add(2 * time.Second)
	read := now.Add(time.Second) // раньше доставки — нарушение

	msg := &Message{CreatedAt: now, DeliveredAt: &delivered, ReadAt: &read}
	msg.ClampReceipts()

	if msg.ReadAt.Before(*msg.DeliveredAt) {
		t.Error("readAt < deliveredAt after clamp")
	}
	if msg.DeliveredAt.Before(msg.CreatedAt) {
		t.Error("deliveredAt < createdAt after clamp")
	}
}
