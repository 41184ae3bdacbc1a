package subscribe

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/arzzra/ims_core/pkg/sip/dialog"
	"github.com/arzzra/ims_core/pkg/sip/message"
)

// DefaultFetchLinger время ожидания NOTIFY после 2xx на разовый SUBSCRIBE
const DefaultFetchLinger = 32 * time.Second

// FetchListener получает результат разового запроса присутствия
type FetchListener interface {
	HandleAnonymousFetchNotification(contact string, doc any)
}

// FetchConfig параметры разового запроса
type FetchConfig struct {
	PublicURI string
	Timeout   time.Duration
	Linger    time.Duration
	Routes    func() []string
}

// Fetcher выполняет анонимный разовый запрос присутствия контакта:
// SUBSCRIBE с Expires: 0 и Privacy: id, ответом служит единственный NOTIFY
type Fetcher struct {
	client   Client
	parser   DocumentParser
	listener FetchListener
	config   FetchConfig
	logger   *slog.Logger
	observer Observer

	mu      sync.Mutex
	pending map[string]*pendingFetch
	closed  bool
}

type pendingFetch struct {
	contact string
	path    *dialog.Path
	timer   *time.Timer
}

// NewFetcher создает Fetcher
func NewFetcher(client Client, parser DocumentParser, listener FetchListener, cfg FetchConfig, logger *slog.Logger, observer Observer) *Fetcher {
	if cfg.Linger <= 0 {
		cfg.Linger = DefaultFetchLinger
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		client:   client,
		parser:   parser,
		listener: listener,
		config:   cfg,
		logger:   logger.With(slog.String("component", "fetch")),
		observer: observer,
		pending:  make(map[string]*pendingFetch),
	}
}

// AnonymousFetch запрашивает присутствие contact. Документ приходит в
// FetchListener, когда сервер пришлет NOTIFY.
func (f *Fetcher) AnonymousFetch(ctx context.Context, contact string) error {
	var routes []string
	if f.config.Routes != nil {
		routes = f.config.Routes()
	}
	p := dialog.NewPath(message.GenerateCallID(f.client.LocalHost()), 0,
		f.config.PublicURI, contact, contact, routes)
	_ = p.SetLocalTag(message.GenerateTag())
	p.IncrementCSeq()

	req := f.client.CreateSubscribe(p, "presence", 0)
	req.AddHeader(message.HeaderAccept, strings.Join([]string{ContentTypePIDF, ContentTypeMultipart}, ", "))
	req.AddHeader(message.HeaderPrivacy, "id")

	// NOTIFY может прийти раньше 2xx
	pf := &pendingFetch{contact: contact, path: p}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrStopped
	}
	f.pending[p.CallID()] = pf
	f.mu.Unlock()

	res, err := f.client.SendAndWait(ctx, req, f.config.Timeout)
	if err != nil {
		f.remove(p.CallID())
		return &Error{Event: "presence", Err: err}
	}
	if !message.IsSuccess(res.StatusCode) {
		f.remove(p.CallID())
		return &Error{Event: "presence", Code: res.StatusCode, Reason: res.Reason}
	}

	f.mu.Lock()
	if _, ok := f.pending[p.CallID()]; ok && !f.closed {
		callID := p.CallID()
		pf.timer = time.AfterFunc(f.config.Linger, func() {
			if f.remove(callID) {
				f.logger.Debug("no notify for fetch", slog.String("contact", contact))
			}
		})
	}
	f.mu.Unlock()
	return nil
}

// Matches сообщает, ответ ли это на разовый запрос
func (f *Fetcher) Matches(notify *message.Request) bool {
	f.mu.Lock()
	pf, ok := f.pending[notify.CallID()]
	f.mu.Unlock()
	return ok && notify.ToTag() == pf.path.LocalTag()
}

// ReceiveNotify передает документ получателю и возвращает код ответа
func (f *Fetcher) ReceiveNotify(notify *message.Request) int {
	f.mu.Lock()
	pf, ok := f.pending[notify.CallID()]
	f.mu.Unlock()
	if !ok || notify.ToTag() != pf.path.LocalTag() {
		return message.StatusCallDoesNotExist
	}

	err := deliverParts(notify, f.parser, func(_ string, doc any) {
		f.listener.HandleAnonymousFetchNotification(pf.contact, doc)
	})
	if err != nil {
		f.logger.Warn("fetch notify body not delivered",
			slog.String("contact", pf.contact),
			slog.Any("error", err))
	}
	if f.observer != nil {
		f.observer.NotifyReceived("presence", NotifyAccepted)
	}

	if state := notify.Header(message.HeaderSubscriptionState); state == nil ||
		strings.EqualFold(state.MainValue(), "terminated") {
		f.remove(notify.CallID())
	}
	return message.StatusOK
}

// Pending возвращает число незавершенных запросов
func (f *Fetcher) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func (f *Fetcher) remove(callID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	pf, ok := f.pending[callID]
	if !ok {
		return false
	}
	if pf.timer != nil {
		pf.timer.Stop()
	}
	delete(f.pending, callID)
	return true
}

// Close отменяет ожидающие запросы
func (f *Fetcher) Close() {
	f.mu.Lock()
	pending := f.pending
	f.pending = make(map[string]*pendingFetch)
	f.closed = true
	f.mu.Unlock()

	for callID, pf := range pending {
		if pf.timer != nil {
			pf.timer.Stop()
		}
		f.client.CancelAll(callID)
	}
}
