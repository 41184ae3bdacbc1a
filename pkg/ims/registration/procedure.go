package registration

import (
	"context"
	"sync"

	"github.com/arzzra/ims_core/pkg/sip/auth"
	"github.com/arzzra/ims_core/pkg/sip/message"
)

// Procedure определяет способ аутентификации регистрации
type Procedure interface {
	// HomeDomain домашний домен, Request-URI регистрации
	HomeDomain() string
	// PublicURI идентичность в From и To
	PublicURI() string
	// Exchange отправляет REGISTER, при необходимости отвечая на challenge
	Exchange(ctx context.Context, send auth.SendFunc, build auth.BuildFunc) (*message.Response, error)
	// ReadSecurityHeader обрабатывает 2xx ответ
	ReadSecurityHeader(res *message.Response) error
	// Reset сбрасывает состояние перед новой регистрацией
	Reset()
}

// DigestProcedure регистрация с HTTP Digest MD5
type DigestProcedure struct {
	domain    string
	publicURI string
	agent     *auth.Agent
}

// NewDigestProcedure создает процедуру для агента аутентификации
func NewDigestProcedure(domain, publicURI string, agent *auth.Agent) *DigestProcedure {
	return &DigestProcedure{domain: domain, publicURI: publicURI, agent: agent}
}

func (p *DigestProcedure) HomeDomain() string { return p.domain }
func (p *DigestProcedure) PublicURI() string  { return p.publicURI }

// Exchange отвечает не более чем на один challenge
func (p *DigestProcedure) Exchange(ctx context.Context, send auth.SendFunc, build auth.BuildFunc) (*message.Response, error) {
	return p.agent.Exchange(ctx, send, build)
}

// ReadSecurityHeader принимает nextnonce из Authentication-Info
func (p *DigestProcedure) ReadSecurityHeader(res *message.Response) error {
	if info := res.HeaderValue(message.HeaderAuthenticationInfo); info != "" {
		p.agent.ReadNextNonce(info)
	}
	return nil
}

// Reset забывает challenge
func (p *DigestProcedure) Reset() {
	p.agent.Reset()
}

// Agent возвращает агент аутентификации
func (p *DigestProcedure) Agent() *auth.Agent {
	return p.agent
}

// GibaProcedure регистрация GPRS-IMS-Bundled Authentication (3GPP TS 33.203
// Annex T): сеть аутентифицирует абонента по сессии доступа, REGISTER идет
// без учетных данных, идентичность берется из P-Associated-URI.
type GibaProcedure struct {
	domain    string
	publicURI string

	mu         sync.Mutex
	associated string
}

// NewGibaProcedure создает процедуру GIBA
func NewGibaProcedure(domain, publicURI string) *GibaProcedure {
	return &GibaProcedure{domain: domain, publicURI: publicURI}
}

func (p *GibaProcedure) HomeDomain() string { return p.domain }
func (p *GibaProcedure) PublicURI() string  { return p.publicURI }

// Exchange отправляет запрос один раз. Challenge при GIBA не ожидается.
func (p *GibaProcedure) Exchange(ctx context.Context, send auth.SendFunc, build auth.BuildFunc) (*message.Response, error) {
	req, err := build()
	if err != nil {
		return nil, err
	}
	res, err := send(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode == message.StatusUnauthorized || res.StatusCode == message.StatusProxyAuthRequired {
		return res, &auth.AuthenticationError{Reason: "challenge not supported with GIBA", Code: res.StatusCode}
	}
	return res, nil
}

// ReadSecurityHeader запоминает первую ассоциированную идентичность
func (p *GibaProcedure) ReadSecurityHeader(res *message.Response) error {
	h := res.Header(message.HeaderPAssociatedURI)
	if h == nil {
		return nil
	}
	p.mu.Lock()
	p.associated = message.ExtractURI(h.Value)
	p.mu.Unlock()
	return nil
}

// AssociatedURI возвращает идентичность, назначенную сетью
func (p *GibaProcedure) AssociatedURI() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.associated
}

func (p *GibaProcedure) Reset() {
	p.mu.Lock()
	p.associated = ""
	p.mu.Unlock()
}
