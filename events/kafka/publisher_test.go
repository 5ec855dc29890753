package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payment-allocator/engine"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestPublisher_PrefixesTopicAndKeysByCounterparty(t *testing.T) {
	w := &fakeWriter{}
	p := &Publisher{writer: w, prefix: "payments"}

	ev := engine.AllocationEvent{
		LedgerEntryID: "L1",
		Counterparty:  "S",
		Role:          engine.RoleSupplier,
		State:         engine.StateAllocated,
		Allocations:   []engine.AllocationLine{{OrderID: "A", Amount: decimal.RequireFromString("300")}},
		Unallocated:   decimal.Zero,
		At:            time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.Publish(context.Background(), engine.TopicAllocationCompleted, ev))

	require.Len(t, w.messages, 1)
	msg := w.messages[0]
	assert.Equal(t, "payments.allocation.completed", msg.Topic)
	assert.Equal(t, "supplier:S", string(msg.Key))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "L1", decoded["ledger_entry_id"])
	assert.Equal(t, "allocated", decoded["state"])
}

func TestPublisher_ReconciliationEventKey(t *testing.T) {
	w := &fakeWriter{}
	p := &Publisher{writer: w}

	require.NoError(t, p.Publish(context.Background(), engine.TopicReconciliationCompleted,
		engine.ReconciliationEvent{Counterparty: "C", Role: engine.RoleParty}))

	require.Len(t, w.messages, 1)
	assert.Equal(t, "reconciliation.completed", w.messages[0].Topic)
	assert.Equal(t, "party:C", string(w.messages[0].Key))
}

func TestPublisher_WriteErrorIsReturned(t *testing.T) {
	p := &Publisher{writer: &fakeWriter{err: errors.New("broker down")}}

	err := p.Publish(context.Background(), engine.TopicAllocationReversed, engine.AllocationEvent{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

func TestPublisher_Close(t *testing.T) {
	w := &fakeWriter{}
	p := &Publisher{writer: w}
	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestNewPublisher_SameCounterpartySamePartition(t *testing.T) {
	p := NewPublisher([]string{"localhost:9092"}, "payments")
	w, ok := p.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.LessOrEqual(t, w.BatchTimeout, 50*time.Millisecond)

	// GIVEN: three partitions and one counterparty key
	partitions := []int{0, 1, 2}
	msg := kafka.Message{Key: []byte("supplier:S")}

	// WHEN: the balancer picks a partition repeatedly
	first := w.Balancer.Balance(msg, partitions...)
	for i := 0; i < 8; i++ {
		// THEN: the choice never changes
		assert.Equal(t, first, w.Balancer.Balance(msg, partitions...))
	}
}
