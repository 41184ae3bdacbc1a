package dialog

import (
	"fmt"
	"slices"
	"sync"

	"github.com/arzzra/ims_core/pkg/sip/message"
)

// Path описывает один SIP диалог: Call-ID, теги, локальный CSeq, адреса сторон
// и route set.
//
// RFC 3261 Section 12:
//   - Диалог идентифицируется тройкой (Call-ID, local tag, remote tag)
//   - После подтверждения (2xx или 1xx с тегом) тройка не меняется
//   - Локальный CSeq только растет, по одному на каждый новый запрос в диалоге
//
// Path безопасен для конкурентного использования.
type Path struct {
	mu     sync.RWMutex
	sendMu sync.Mutex // сериализует инкремент CSeq и отправку запроса

	callID      string
	localTag    string
	remoteTag   string
	localParty  string
	remoteParty string
	target      string
	routes      []string
	confirmed   bool

	cseq       uint32 // Текущий локальный CSeq
	remoteCSeq uint32 // Последний принятый удаленный CSeq
	inviteCSeq uint32 // CSeq удаленного INVITE (для ACK и CANCEL)

	invite            *message.Request
	localContent      []byte
	remoteContent     []byte
	sigEstablished    bool
	sessionTerminated bool
}

// NewPath создает путь диалога
//
// Параметры:
//   - callID: Call-ID, неизменный на все время жизни диалога
//   - cseqStart: начальный локальный CSeq
//   - localParty, remoteParty: URI из From и To
//   - target: remote target, куда отправляются запросы внутри диалога
//   - routeSet: Route заголовки в порядке вставки
func NewPath(callID string, cseqStart uint32, localParty, remoteParty, target string, routeSet []string) *Path {
	return &Path{
		callID:      callID,
		cseq:        cseqStart,
		localParty:  localParty,
		remoteParty: remoteParty,
		target:      target,
		routes:      slices.Clone(routeSet),
	}
}

// NewPathFromRequest создает путь диалога на стороне UAS из входящего запроса.
// Локальный тег генерируется, удаленный берется из From.
//
// RFC 3261 Section 12.1.1: UAS использует Record-Route в том же порядке.
func NewPathFromRequest(req *message.Request) (*Path, error) {
	seq, method, err := req.CSeq()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	from, err := message.ParseAddress(req.HeaderValue(message.HeaderFrom))
	if err != nil {
		return nil, fmt.Errorf("%w: From: %w", ErrProtocolViolation, err)
	}
	to, err := message.ParseAddress(req.HeaderValue(message.HeaderTo))
	if err != nil {
		return nil, fmt.Errorf("%w: To: %w", ErrProtocolViolation, err)
	}

	target := from.URI.String()
	if contact := req.HeaderValue(message.HeaderContact); contact != "" {
		target = message.ExtractURI(contact)
	}

	p := NewPath(req.CallID(), 1, to.URI.String(), from.URI.String(), target, nil)
	p.localTag = message.GenerateTag()
	p.remoteTag = from.Tag()
	p.remoteCSeq = seq
	if method == message.MethodInvite {
		p.inviteCSeq = seq
		p.invite = req
	}
	p.SetRouteFromRecordRoute(headerValues(req, message.HeaderRecordRoute), false)
	return p, nil
}

func headerValues(m message.Message, name string) []string {
	hs := m.Headers(name)
	values := make([]string, 0, len(hs))
	for _, h := range hs {
		values = append(values, h.Value)
	}
	return values
}

// CallID возвращает Call-ID диалога
func (p *Path) CallID() string {
	return p.callID
}

// LocalTag возвращает локальный тег
func (p *Path) LocalTag() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.localTag
}

// SetLocalTag устанавливает локальный тег.
// Для подтвержденного диалога другой тег это нарушение протокола.
func (p *Path) SetLocalTag(tag string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.confirmed && p.localTag != tag {
		return fmt.Errorf("%w: %w: local tag %q != %q", ErrProtocolViolation, ErrTagMismatch, tag, p.localTag)
	}
	p.localTag = tag
	return nil
}

// RemoteTag возвращает удаленный тег
func (p *Path) RemoteTag() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.remoteTag
}

// SetRemoteTag устанавливает удаленный тег.
// Для подтвержденного диалога другой тег это нарушение протокола.
func (p *Path) SetRemoteTag(tag string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.confirmed && p.remoteTag != tag {
		return fmt.Errorf("%w: %w: remote tag %q != %q", ErrProtocolViolation, ErrTagMismatch, tag, p.remoteTag)
	}
	p.remoteTag = tag
	return nil
}

// Confirm фиксирует тройку (Call-ID, local tag, remote tag)
func (p *Path) Confirm() {
	p.mu.Lock()
	p.confirmed = true
	p.mu.Unlock()
}

// IsConfirmed возвращает true после первого 2xx или 1xx с тегом
func (p *Path) IsConfirmed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.confirmed
}

func (p *Path) LocalParty() string {
	return p.localParty
}

func (p *Path) RemoteParty() string {
	return p.remoteParty
}

// Target возвращает remote target (Request-URI запросов внутри диалога)
func (p *Path) Target() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.target
}

// SetTarget обновляет remote target (Contact из 2xx или re-INVITE)
func (p *Path) SetTarget(target string) {
	p.mu.Lock()
	p.target = target
	p.mu.Unlock()
}

// CSeq возвращает текущий локальный CSeq без инкремента
func (p *Path) CSeq() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cseq
}

// IncrementCSeq увеличивает локальный CSeq и возвращает новое значение.
// Единственный мутатор счетчика; вызывается ровно один раз на каждый новый
// запрос в диалоге.
func (p *Path) IncrementCSeq() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cseq++
	return p.cseq
}

// Do сериализует создание и отправку запроса внутри диалога: CSeq
// увеличивается под блокировкой, fn получает новое значение.
// Конкурентные запросы одного диалога выполняются строго по очереди.
func (p *Path) Do(fn func(cseq uint32) error) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return fn(p.IncrementCSeq())
}

// SetRoute заменяет route set
func (p *Path) SetRoute(routes []string) {
	p.mu.Lock()
	p.routes = slices.Clone(routes)
	p.mu.Unlock()
}

// SetRouteFromRecordRoute строит route set из Record-Route заголовков
//
// RFC 3261 Section 12.1.2: UAC разворачивает порядок Record-Route из ответа.
// RFC 3261 Section 12.1.1: UAS использует порядок из запроса.
func (p *Path) SetRouteFromRecordRoute(recordRoutes []string, uac bool) {
	routes := slices.Clone(recordRoutes)
	if uac {
		slices.Reverse(routes)
	}
	p.SetRoute(routes)
}

// ServiceRoutePath возвращает Route заголовки для запросов внутри диалога
// в порядке вставки
func (p *Path) ServiceRoutePath() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.routes)
}

// ApplyResponse обновляет путь диалога на стороне UAC по ответу на
// инициирующий запрос: удаленный тег, remote target, route set.
// 2xx или 1xx с тегом подтверждает диалог.
func (p *Path) ApplyResponse(res *message.Response) error {
	if res.CallID() != p.callID {
		return fmt.Errorf("%w: %w: %q", ErrProtocolViolation, ErrCallIDMismatch, res.CallID())
	}
	tag := res.ToTag()
	if tag == "" || res.StatusCode == message.StatusTrying || res.StatusCode >= 300 {
		return nil
	}
	if err := p.SetRemoteTag(tag); err != nil {
		return err
	}

	if contact := res.HeaderValue(message.HeaderContact); contact != "" {
		p.SetTarget(message.ExtractURI(contact))
	}
	// route set фиксируется первым ответом, создавшим диалог
	if !p.IsConfirmed() {
		p.SetRouteFromRecordRoute(headerValues(res, message.HeaderRecordRoute), true)
	}
	p.Confirm()
	return nil
}

// AcceptRemoteCSeq проверяет CSeq входящего запроса внутри диалога
//
// RFC 3261 Section 12.2.2:
//   - CSeq должен строго увеличиваться
//   - ACK и CANCEL используют CSeq соответствующего INVITE
//
// Устаревший CSeq это ErrProtocolViolation.
func (p *Path) AcceptRemoteCSeq(cseq uint32, method string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Первый запрос от удаленной стороны
	if p.remoteCSeq == 0 {
		p.remoteCSeq = cseq
		if method == message.MethodInvite {
			p.inviteCSeq = cseq
		}
		return nil
	}

	if method == message.MethodAck || method == message.MethodCancel {
		if cseq == p.inviteCSeq || cseq == p.remoteCSeq {
			return nil
		}
		return fmt.Errorf("%w: %w: %s %d, expected %d", ErrProtocolViolation, ErrCSeqOutOfOrder, method, cseq, p.inviteCSeq)
	}

	if cseq <= p.remoteCSeq {
		return fmt.Errorf("%w: %w: %s %d <= %d", ErrProtocolViolation, ErrCSeqOutOfOrder, method, cseq, p.remoteCSeq)
	}
	p.remoteCSeq = cseq
	if method == message.MethodInvite {
		p.inviteCSeq = cseq
	}
	return nil
}

// RemoteCSeq возвращает последний принятый удаленный CSeq
func (p *Path) RemoteCSeq() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.remoteCSeq
}

// ID возвращает идентификатор диалога
func (p *Path) ID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.callID + ";local=" + p.localTag + ";remote=" + p.remoteTag
}

// Equal сравнивает диалоги по (Call-ID, local tag, remote tag)
func (p *Path) Equal(other *Path) bool {
	if p == nil || other == nil {
		return p == other
	}
	if p == other {
		return true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	other.mu.RLock()
	defer other.mu.RUnlock()
	return p.callID == other.callID && p.localTag == other.localTag && p.remoteTag == other.remoteTag
}

// Matches проверяет, относится ли сообщение к диалогу.
// Для запросов от удаленной стороны From tag это удаленный тег, для ответов
// To tag.
func (p *Path) Matches(m message.Message) bool {
	if m.CallID() != p.callID {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if m.IsRequest() {
		return m.FromTag() == p.remoteTag && (m.ToTag() == "" || m.ToTag() == p.localTag)
	}
	return m.FromTag() == p.localTag && (p.remoteTag == "" || m.ToTag() == p.remoteTag)
}

// Invite возвращает INVITE, создавший сессию
func (p *Path) Invite() *message.Request {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.invite
}

func (p *Path) SetInvite(req *message.Request) {
	p.mu.Lock()
	p.invite = req
	p.mu.Unlock()
}

// LocalContent возвращает локальное описание сессии (SDP)
func (p *Path) LocalContent() []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.localContent
}

func (p *Path) SetLocalContent(body []byte) {
	p.mu.Lock()
	p.localContent = body
	p.mu.Unlock()
}

// RemoteContent возвращает удаленное описание сессии
func (p *Path) RemoteContent() []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.remoteContent
}

func (p *Path) SetRemoteContent(body []byte) {
	p.mu.Lock()
	p.remoteContent = body
	p.mu.Unlock()
}

// SigEstablished true после обмена INVITE/200/ACK
func (p *Path) SigEstablished() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sigEstablished
}

func (p *Path) SetSigEstablished() {
	p.mu.Lock()
	p.sigEstablished = true
	p.mu.Unlock()
}

// SessionTerminated true после BYE или CANCEL
func (p *Path) SessionTerminated() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessionTerminated
}

func (p *Path) SetSessionTerminated() {
	p.mu.Lock()
	p.sessionTerminated = true
	p.mu.Unlock()
}
