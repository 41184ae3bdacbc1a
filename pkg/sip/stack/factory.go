package stack

import (
	"strconv"
	"strings"

	"github.com/arzzra/ims_core/pkg/sip/dialog"
	"github.com/arzzra/ims_core/pkg/sip/message"
)

const maxForwards = "70"

// newRequest строит запрос в диалоге или создающий диалог по path. CSeq
// берется из текущего значения счетчика, увеличивает его вызывающий.
func (s *Stack) newRequest(method string, p *dialog.Path, requestURI string) *message.Request {
	req := message.NewRequest(method, requestURI)
	req.AddHeader(message.HeaderVia, s.via(message.GenerateBranch()))
	req.AddHeader(message.HeaderMaxForwards, maxForwards)
	for _, route := range p.ServiceRoutePath() {
		req.AddHeader(message.HeaderRoute, route)
	}
	req.AddHeader(message.HeaderFrom, nameAddr(p.LocalParty(), p.LocalTag()))
	req.AddHeader(message.HeaderTo, nameAddr(p.RemoteParty(), p.RemoteTag()))
	req.AddHeader(message.HeaderCallID, p.CallID())
	req.AddHeader(message.HeaderCSeq, message.FormatCSeq(p.CSeq(), method))
	if s.config.UserAgent != "" {
		req.AddHeader(message.HeaderUserAgent, s.config.UserAgent)
	}
	return req
}

func (s *Stack) via(branch string) string {
	return "SIP/2.0/UDP " + s.LocalHostPort() + ";branch=" + branch + ";rport"
}

func nameAddr(uri, tag string) string {
	v := "<" + uri + ">"
	if tag != "" {
		v += ";tag=" + tag
	}
	return v
}

// ContactURI возвращает контактный URI user на объявляемом адресе
func (s *Stack) ContactURI(user string) string {
	uri := &message.URI{Scheme: "sip", User: user, Host: s.host, Port: s.port}
	return uri.String()
}

// contact строит Contact локальной стороны p с feature tags
func (s *Stack) contact(p *dialog.Path, featureTags []string) string {
	user := ""
	if uri, err := message.ParseURI(p.LocalParty()); err == nil {
		user = uri.User
	}
	v := "<" + s.ContactURI(user) + ">"
	for _, tag := range featureTags {
		v += ";" + tag
	}
	return v
}

func (s *Stack) allow() string {
	return strings.Join(s.config.Allow, ", ")
}

func (s *Stack) addAccessNetworkInfo(req *message.Request) {
	if s.config.AccessNetworkInfo != "" {
		req.AddHeader(message.HeaderPAccessNetworkInfo, s.config.AccessNetworkInfo)
	}
}

// CreateRegister строит REGISTER для пути регистрации. Contact несет
// feature tags и instance id, Expires запрошенный срок.
func (s *Stack) CreateRegister(p *dialog.Path, featureTags []string, expire int) *message.Request {
	req := s.newRequest(message.MethodRegister, p, p.Target())
	tags := append([]string{`+sip.instance="<` + s.instanceID + `>"`}, featureTags...)
	req.AddHeader(message.HeaderContact, s.contact(p, tags))
	req.AddHeader(message.HeaderExpires, strconv.Itoa(expire))
	req.AddHeader(message.HeaderSupported, "path")
	req.AddHeader(message.HeaderAllow, s.allow())
	s.addAccessNetworkInfo(req)
	return req
}

// CreateSubscribe строит SUBSCRIBE для пакета событий
func (s *Stack) CreateSubscribe(p *dialog.Path, event string, expire int) *message.Request {
	req := s.newRequest(message.MethodSubscribe, p, p.Target())
	req.AddHeader(message.HeaderContact, s.contact(p, nil))
	req.AddHeader(message.HeaderEvent, event)
	req.AddHeader(message.HeaderExpires, strconv.Itoa(expire))
	s.addAccessNetworkInfo(req)
	return req
}

// CreateInvite строит INVITE, открывающий сессию
func (s *Stack) CreateInvite(p *dialog.Path, featureTags []string, contentType string, body []byte) *message.Request {
	req := s.newRequest(message.MethodInvite, p, p.Target())
	req.AddHeader(message.HeaderContact, s.contact(p, featureTags))
	if len(featureTags) > 0 {
		req.AddHeader(message.HeaderAcceptContact, "*;"+strings.Join(featureTags, ";"))
	}
	req.AddHeader(message.HeaderAllow, s.allow())
	s.addAccessNetworkInfo(req)
	if len(body) > 0 {
		req.SetBody(contentType, body)
	}
	p.SetInvite(req)
	p.SetLocalContent(body)
	return req
}

// CreateAck строит ACK на 2xx к INVITE пути (RFC 3261 13.2.2.4): новая
// ветвь, номер CSeq от INVITE.
func (s *Stack) CreateAck(p *dialog.Path) *message.Request {
	req := s.newRequest(message.MethodAck, p, p.Target())
	seq := p.CSeq()
	if invite := p.Invite(); invite != nil {
		if n, _, err := invite.CSeq(); err == nil {
			seq = n
		}
	}
	req.SetHeader(message.HeaderCSeq, message.FormatCSeq(seq, message.MethodAck))
	return req
}

// CreateFailureAck строит ACK на финальный не-2xx ответ к invite
// (RFC 3261 17.1.1.3): та же ветвь и Request-URI, To из ответа.
func (s *Stack) CreateFailureAck(invite *message.Request, res *message.Response) *message.Request {
	req := message.NewRequest(message.MethodAck, invite.RequestURI)
	if via := invite.Header(message.HeaderVia); via != nil {
		req.AddHeader(message.HeaderVia, via.Value)
	}
	req.AddHeader(message.HeaderMaxForwards, maxForwards)
	for _, h := range invite.Headers(message.HeaderRoute) {
		req.AddHeader(message.HeaderRoute, h.Value)
	}
	req.AddHeader(message.HeaderFrom, invite.HeaderValue(message.HeaderFrom))
	req.AddHeader(message.HeaderTo, res.HeaderValue(message.HeaderTo))
	req.AddHeader(message.HeaderCallID, invite.CallID())
	seq, _, _ := invite.CSeq()
	req.AddHeader(message.HeaderCSeq, message.FormatCSeq(seq, message.MethodAck))
	return req
}

// CreateCancel строит CANCEL для ожидающего INVITE (RFC 3261 9.1): те же
// Request-URI, верхний Via, From, To, Call-ID и номер CSeq.
func (s *Stack) CreateCancel(invite *message.Request) *message.Request {
	req := message.NewRequest(message.MethodCancel, invite.RequestURI)
	if via := invite.Header(message.HeaderVia); via != nil {
		req.AddHeader(message.HeaderVia, via.Value)
	}
	req.AddHeader(message.HeaderMaxForwards, maxForwards)
	for _, h := range invite.Headers(message.HeaderRoute) {
		req.AddHeader(message.HeaderRoute, h.Value)
	}
	req.AddHeader(message.HeaderFrom, invite.HeaderValue(message.HeaderFrom))
	req.AddHeader(message.HeaderTo, invite.HeaderValue(message.HeaderTo))
	req.AddHeader(message.HeaderCallID, invite.CallID())
	seq, _, _ := invite.CSeq()
	req.AddHeader(message.HeaderCSeq, message.FormatCSeq(seq, message.MethodCancel))
	if s.config.UserAgent != "" {
		req.AddHeader(message.HeaderUserAgent, s.config.UserAgent)
	}
	return req
}

// CreateBye строит BYE для пути
func (s *Stack) CreateBye(p *dialog.Path) *message.Request {
	return s.newRequest(message.MethodBye, p, p.Target())
}

// CreateMessage строит MESSAGE в диалоге
func (s *Stack) CreateMessage(p *dialog.Path, contentType string, body []byte) *message.Request {
	req := s.newRequest(message.MethodMessage, p, p.Target())
	req.SetBody(contentType, body)
	return req
}

// CreateOptions строит OPTIONS (запрос возможностей) с feature tags
func (s *Stack) CreateOptions(p *dialog.Path, featureTags []string) *message.Request {
	req := s.newRequest(message.MethodOptions, p, p.Target())
	req.AddHeader(message.HeaderContact, s.contact(p, featureTags))
	req.AddHeader(message.HeaderAccept, "application/sdp")
	req.AddHeader(message.HeaderAllow, s.allow())
	return req
}

// CreateResponse строит ответ на req. Локальный тег добавляется в To
// всех ответов, кроме 100 Trying.
func (s *Stack) CreateResponse(req *message.Request, code int, reason, toTag string) *message.Response {
	if code == message.StatusTrying {
		toTag = ""
	} else if toTag == "" && req.ToTag() == "" {
		toTag = message.GenerateTag()
	}
	res := message.NewResponse(req, code, reason, toTag)
	if s.config.UserAgent != "" {
		res.AddHeader(message.HeaderServer, s.config.UserAgent)
	}
	if code == message.StatusMethodNotAllowed {
		res.AddHeader(message.HeaderAllow, s.allow())
	}
	return res
}

// CreateRinging строит 180 Ringing на входящий INVITE пути
func (s *Stack) CreateRinging(req *message.Request, p *dialog.Path) *message.Response {
	res := s.CreateResponse(req, message.StatusRinging, "", p.LocalTag())
	res.AddHeader(message.HeaderContact, s.contact(p, nil))
	return res
}

// Create200OkInvite строит 200 OK на INVITE с локальным описанием сессии
func (s *Stack) Create200OkInvite(req *message.Request, p *dialog.Path, featureTags []string, contentType string, body []byte) *message.Response {
	res := s.CreateResponse(req, message.StatusOK, "", p.LocalTag())
	res.AddHeader(message.HeaderContact, s.contact(p, featureTags))
	res.AddHeader(message.HeaderAllow, s.allow())
	if len(body) > 0 {
		res.SetBody(contentType, body)
	}
	p.SetLocalContent(body)
	return res
}
