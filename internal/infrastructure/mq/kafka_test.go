package mq

import (
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProducer_Send(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"user_id":42}` {
			return errors.New("unexpected value " + string(val))
		}
		return nil
	})

	p := NewProducer(sp)
	err := p.Send("membership_events", "MT123", `{"user_id":42}`, map[string]string{"event": "payment.completed"})
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestProducer_SendFailure(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewProducer(sp)
	err := p.Send("membership_events", "k", "v", nil)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, p.Close())
}
