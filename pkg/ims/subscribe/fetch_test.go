package subscribe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/ims_core/pkg/sip/message"
)

func TestAnonymousFetch(t *testing.T) {
	const contact = "sip:bob@ims.test"
	var n *notifier
	e := newEnv(t, func(_ int, req *message.Request) *message.Response {
		return n.respond(req, message.StatusAccepted, "Expires: 0")
	}, Config{})
	n = e.notifier

	require.NoError(t, e.fetcher.AnonymousFetch(context.Background(), contact))
	assert.Equal(t, 1, e.fetcher.Pending())

	sub := n.next(t)
	assert.Equal(t, contact, sub.RequestURI)
	assert.Equal(t, "0", sub.HeaderValue(message.HeaderExpires))
	assert.Equal(t, "id", sub.HeaderValue(message.HeaderPrivacy))
	assert.Equal(t, "presence", sub.HeaderValue(message.HeaderEvent))

	code := n.notify(t, sub, notifierTag, "terminated;reason=timeout", ContentTypePIDF, "<presence entity=\"bob\"/>")
	assert.Equal(t, message.StatusOK, code)

	docs := e.docs.fetchedOf(contact)
	require.Len(t, docs, 1)
	assert.Equal(t, "<presence entity=\"bob\"/>", docs[0].body)
	assert.Equal(t, 0, e.fetcher.Pending())

	// разовый запрос не трогает подписку на список
	assert.Empty(t, e.events.terminated)
	assert.Empty(t, e.docs.presenceOf(contact))
}

func TestAnonymousFetchRejected(t *testing.T) {
	var n *notifier
	e := newEnv(t, func(_ int, req *message.Request) *message.Response {
		return n.respond(req, message.StatusNotFound)
	}, Config{})
	n = e.notifier

	err := e.fetcher.AnonymousFetch(context.Background(), "sip:nobody@ims.test")
	var subErr *Error
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, message.StatusNotFound, subErr.Code)
	assert.Equal(t, 0, e.fetcher.Pending())
}

func TestAnonymousFetchLinger(t *testing.T) {
	var n *notifier
	e := newEnv(t, func(_ int, req *message.Request) *message.Response {
		return n.respond(req, message.StatusAccepted)
	}, Config{})
	n = e.notifier
	e.fetcher.config.Linger = 50 * time.Millisecond

	require.NoError(t, e.fetcher.AnonymousFetch(context.Background(), "sip:bob@ims.test"))
	require.Eventually(t, func() bool { return e.fetcher.Pending() == 0 }, time.Second, 10*time.Millisecond,
		"запрос без NOTIFY должен забываться")
}

func TestAnonymousFetchAfterClose(t *testing.T) {
	e := newEnv(t, nil, Config{})
	e.fetcher.Close()
	assert.ErrorIs(t, e.fetcher.AnonymousFetch(context.Background(), "sip:bob@ims.test"), ErrStopped)
}
