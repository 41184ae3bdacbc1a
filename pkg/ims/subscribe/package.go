package subscribe

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strings"

	"github.com/arzzra/ims_core/pkg/sip/message"
)

// Типы содержимого NOTIFY
const (
	ContentTypePIDF        = "application/pidf+xml"
	ContentTypeRLMI        = "application/rlmi+xml"
	ContentTypeMultipart   = "multipart/related"
	ContentTypeWatcherInfo = "application/watcherinfo+xml"
)

// EventPackage параметризует Manager пакетом событий (RFC 6665)
type EventPackage interface {
	// Event значение заголовка Event
	Event() string
	// Target Request-URI и To подписки
	Target() string
	// Accept допустимые типы тела NOTIFY
	Accept() []string
	// Decorate добавляет заголовки пакета в SUBSCRIBE
	Decorate(req *message.Request)
	// Deliver передает тело NOTIFY получателю
	Deliver(notify *message.Request) error
}

// DocumentParser разбирает тело NOTIFY в документ предметной области
// (PIDF, RLMI, watcherinfo)
type DocumentParser interface {
	Parse(contentType string, body []byte) (any, error)
}

// Part часть тела сообщения
type Part struct {
	ContentType string
	ContentID   string
	Body        []byte
}

// SplitBody разбивает multipart тело на части. Не multipart тело
// возвращается одной частью.
func SplitBody(contentType string, body []byte) ([]Part, error) {
	if len(body) == 0 {
		return nil, nil
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("content type %q: %w", contentType, err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return []Part{{ContentType: contentType, Body: body}}, nil
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("content type %q: missing boundary", contentType)
	}

	var parts []Part
	r := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		p, err := r.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return parts, fmt.Errorf("multipart: %w", err)
		}
		data, err := io.ReadAll(p)
		if err != nil {
			return parts, fmt.Errorf("multipart part: %w", err)
		}
		parts = append(parts, Part{
			ContentType: p.Header.Get("Content-Type"),
			ContentID:   strings.Trim(p.Header.Get("Content-ID"), "<>"),
			Body:        data,
		})
	}
	return parts, nil
}

// PresenceListener получает документы присутствия
type PresenceListener interface {
	HandlePresenceInfoNotification(contact string, doc any)
}

// Presence пакет "presence" для подписки на список контактов RCS
// (RLS, RFC 4662)
type Presence struct {
	target   string
	parser   DocumentParser
	listener PresenceListener
}

// NewPresence создает пакет для списка контактов пользователя publicURI
func NewPresence(publicURI string, parser DocumentParser, listener PresenceListener) *Presence {
	return &Presence{
		target:   publicURI + ";pres-list=rcs",
		parser:   parser,
		listener: listener,
	}
}

func (p *Presence) Event() string  { return "presence" }
func (p *Presence) Target() string { return p.target }

func (p *Presence) Accept() []string {
	return []string{ContentTypePIDF, ContentTypeRLMI, ContentTypeMultipart}
}

func (p *Presence) Decorate(req *message.Request) {
	req.AddHeader(message.HeaderSupported, "eventlist")
}

// Deliver разбирает каждую часть тела и уведомляет listener. Контакт
// документа это отправитель NOTIFY, для списка это URI списка.
func (p *Presence) Deliver(notify *message.Request) error {
	return deliverParts(notify, p.parser, func(contact string, doc any) {
		p.listener.HandlePresenceInfoNotification(contact, doc)
	})
}

// WatcherInfoListener получает документы watcherinfo
type WatcherInfoListener interface {
	HandleWatcherInfoNotification(doc any)
}

// WatcherInfo пакет "presence.winfo" (RFC 3857): кто подписан на
// присутствие пользователя
type WatcherInfo struct {
	target   string
	parser   DocumentParser
	listener WatcherInfoListener
}

// NewWatcherInfo создает пакет для собственной идентичности
func NewWatcherInfo(publicURI string, parser DocumentParser, listener WatcherInfoListener) *WatcherInfo {
	return &WatcherInfo{target: publicURI, parser: parser, listener: listener}
}

func (w *WatcherInfo) Event() string               { return "presence.winfo" }
func (w *WatcherInfo) Target() string              { return w.target }
func (w *WatcherInfo) Accept() []string            { return []string{ContentTypeWatcherInfo} }
func (w *WatcherInfo) Decorate(_ *message.Request) {}

func (w *WatcherInfo) Deliver(notify *message.Request) error {
	return deliverParts(notify, w.parser, func(_ string, doc any) {
		w.listener.HandleWatcherInfoNotification(doc)
	})
}

func deliverParts(notify *message.Request, parser DocumentParser, deliver func(contact string, doc any)) error {
	parts, err := SplitBody(notify.ContentType(), notify.Body())
	if err != nil {
		return err
	}
	contact := message.ExtractURI(notify.HeaderValue(message.HeaderFrom))
	var errs []error
	for _, part := range parts {
		doc, err := parser.Parse(part.ContentType, part.Body)
		if err != nil {
			errs = append(errs, fmt.Errorf("parse %s: %w", part.ContentType, err))
			continue
		}
		deliver(contact, doc)
	}
	return errors.Join(errs...)
}
