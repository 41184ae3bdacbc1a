package transaction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/ims_core/pkg/sip/message"
)

func TestServerCacheAbsorbsAndReplays(t *testing.T) {
	c := NewServerCache(0)
	req := testRequest(message.MethodNotify, 7, "n1")

	fresh, last := c.Receive(req)
	assert.True(t, fresh)
	assert.Nil(t, last)

	fresh, last = c.Receive(req)
	assert.False(t, fresh, "повтор до ответа поглощается")
	assert.Nil(t, last)

	res := message.NewResponse(req, message.StatusOK, "", "ue")
	c.Respond(res)
	fresh, last = c.Receive(req)
	assert.False(t, fresh)
	assert.Same(t, res, last)
	assert.Equal(t, 1, c.Len())
}

func TestServerKey(t *testing.T) {
	invite := testRequest(message.MethodInvite, 1, "c1")
	cancel := testRequest(message.MethodCancel, 1, "c1")
	cancel.SetHeader(message.HeaderVia, invite.HeaderValue(message.HeaderVia))

	assert.NotEmpty(t, ServerKey(invite))
	assert.NotEqual(t, ServerKey(invite), ServerKey(cancel), "CANCEL отдельная транзакция")
	assert.Equal(t, ServerKey(invite), ServerKey(message.NewResponse(invite, message.StatusRinging, "", "t")))

	legacy := testRequest(message.MethodOptions, 1, "c2")
	legacy.SetHeader(message.HeaderVia, "SIP/2.0/UDP 10.0.0.1:5060;branch=old")
	assert.Empty(t, ServerKey(legacy))
}

func TestServerCacheSkipsAckAndLegacyBranches(t *testing.T) {
	c := NewServerCache(0)
	ack := testRequest(message.MethodAck, 1, "a1")
	legacy := testRequest(message.MethodOptions, 1, "c2")
	legacy.SetHeader(message.HeaderVia, "SIP/2.0/UDP 10.0.0.1:5060;branch=old")

	for range 2 {
		fresh, _ := c.Receive(ack)
		assert.True(t, fresh)
		fresh, _ = c.Receive(legacy)
		assert.True(t, fresh)
	}
	assert.Zero(t, c.Len())
}

func TestServerCacheExpires(t *testing.T) {
	c := NewServerCache(10 * time.Millisecond)
	req := testRequest(message.MethodMessage, 1, "m1")

	fresh, _ := c.Receive(req)
	require.True(t, fresh)
	time.Sleep(1100 * time.Millisecond)

	fresh, _ = c.Receive(req)
	assert.True(t, fresh, "истекшая транзакция забыта")
}
