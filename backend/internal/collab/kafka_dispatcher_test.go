package collab

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/require"

	"collabSync/backend/internal/logx"
)

func testEvent(revID int64) RevisionEvent {
	rev := edit(revID-1, build().Retain(5, nil).Insert("!", nil).Build(), "bob")
	d, _ := rev.Delta()
	return newRevisionEvent(rev, d, time.Now())
}

func TestKafkaDispatcher_SendsEvent(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt RevisionEvent
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.ObjectID != testObject || evt.RevID != 1 || evt.EventType != EventRevisionApplied {
			return errors.New("unexpected event")
		}
		return nil
	})

	d := NewKafkaDispatcher(producer, "revisions", NewSemaphoreControl(1), KafkaDispatcherOptions{Workers: 1}, logx.Nop())
	require.NoError(t, d.Enqueue(context.Background(), testEvent(1)))
	d.Close()
	require.NoError(t, producer.Close())

	require.ErrorIs(t, d.Enqueue(context.Background(), testEvent(2)), ErrDispatcherClosed)
}

func TestKafkaDispatcher_RetriesThenDrops(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndSucceed()

	d := NewKafkaDispatcher(producer, "revisions", nil, KafkaDispatcherOptions{
		Workers:     1,
		MaxRetry:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	}, logx.Nop())
	require.NoError(t, d.Enqueue(context.Background(), testEvent(1)))
	d.Close()
	require.NoError(t, producer.Close())
}

func TestKafkaDispatcher_FullQueueWaitsForContext(t *testing.T) {
	// 没有 worker 消费，队列写满后 Enqueue 等到 ctx 结束
	d := &KafkaDispatcher{queue: make(chan RevisionEvent, 1), log: logx.Nop()}
	require.NoError(t, d.Enqueue(context.Background(), testEvent(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Enqueue(ctx, testEvent(2)), context.DeadlineExceeded)
}

func TestRevisionEvent_IDsAreUnique(t *testing.T) {
	a, b := testEvent(1), testEvent(1)
	require.NotEqual(t, a.EventID, b.EventID)
	require.Len(t, a.EventID, 26)
	require.Equal(t, "edit", a.Kind)
}

func TestSemaphoreControl(t *testing.T) {
	s := NewSemaphoreControl(1)
	require.NoError(t, s.Acquire(context.Background()))
	require.Equal(t, 1, s.InUse())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Acquire(ctx), ErrSemaphoreTimeout)

	require.NoError(t, s.Release())
	require.ErrorIs(t, s.Release(), ErrSemaphoreRelease)
}
