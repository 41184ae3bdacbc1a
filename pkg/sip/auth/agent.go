// Package auth реализует клиентскую сторону HTTP Digest (RFC 2617) для
// ответов на challenge 401 и 407 регистратора и прокси IMS.
package auth

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/icholy/digest"

	"github.com/arzzra/ims_core/pkg/sip/message"
)

const (
	qopAuth    = "auth"
	qopAuthInt = "auth-int"
)

// SendFunc отправляет запрос и ждет финальный ответ
type SendFunc func(ctx context.Context, req *message.Request) (*message.Response, error)

// BuildFunc строит новый запрос на каждую попытку, с новыми CSeq и
// ветвью.
type BuildFunc func() (*message.Request, error)

// Agent хранит digest состояние агента: последний challenge и счетчик
// nonce. Безопасен для конкурентного использования.
type Agent struct {
	username string
	password string
	logger   *slog.Logger
	cnonce   func() string

	mu        sync.Mutex
	challenge *digest.Challenge
	header    string // Authorization или Proxy-Authorization
	nc        int
}

// Option настраивает Agent
type Option func(*Agent)

// WithLogger задает логгер
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithCnonce заменяет генератор случайного cnonce
func WithCnonce(fn func() string) Option {
	return func(a *Agent) { a.cnonce = fn }
}

// NewAgent создает агента с учетными данными
func NewAgent(username, password string, opts ...Option) *Agent {
	a := &Agent{
		username: username,
		password: password,
		logger:   slog.Default(),
		cnonce:   randomCnonce,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(slog.String("component", "auth"))
	return a
}

// Username возвращает имя для аутентификации (private identity)
func (a *Agent) Username() string { return a.username }

// ReadChallenge запоминает challenge из значения WWW-Authenticate или
// Proxy-Authenticate. Счетчик nonce начинается заново.
func (a *Agent) ReadChallenge(name, value string) error {
	var header string
	switch message.CanonicalName(name) {
	case message.HeaderWWWAuthenticate:
		header = message.HeaderAuthorization
	case message.HeaderProxyAuthenticate:
		header = message.HeaderProxyAuthorization
	default:
		return fmt.Errorf("%w: unexpected header %s", ErrMalformedChallenge, name)
	}

	chal, err := digest.ParseChallenge(value)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedChallenge, err)
	}
	if chal.Nonce == "" {
		return fmt.Errorf("%w: empty nonce", ErrMalformedChallenge)
	}
	if chal.Algorithm != "" && !strings.EqualFold(chal.Algorithm, "MD5") {
		return fmt.Errorf("%w: unsupported algorithm %s", ErrMalformedChallenge, chal.Algorithm)
	}

	a.mu.Lock()
	a.challenge = chal
	a.header = header
	a.nc = 0
	a.mu.Unlock()

	a.logger.Debug("challenge received",
		slog.String("realm", chal.Realm),
		slog.Bool("stale", chal.Stale),
		slog.String("header", header))
	return nil
}

// HandleChallenge читает challenge из ответа 401 или 407
func (a *Agent) HandleChallenge(res *message.Response) error {
	name := message.HeaderWWWAuthenticate
	if res.StatusCode == message.StatusProxyAuthRequired {
		name = message.HeaderProxyAuthenticate
	}
	headers := res.Headers(name)
	if len(headers) == 0 {
		return fmt.Errorf("%w: %d without %s", ErrMalformedChallenge, res.StatusCode, name)
	}
	var err error
	for _, h := range headers {
		// challenge может быть несколько, берется первый подходящий
		if err = a.ReadChallenge(name, h.Value); err == nil {
			return nil
		}
	}
	return err
}

// ReadNextNonce берет nextnonce из значения Authentication-Info
func (a *Agent) ReadNextNonce(value string) {
	for _, part := range message.SplitValues(value) {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "nextnonce") {
			continue
		}
		a.mu.Lock()
		if a.challenge != nil {
			a.challenge.Nonce = message.Unquote(strings.TrimSpace(v))
			a.nc = 0
		}
		a.mu.Unlock()
		return
	}
}

// HasChallenge сообщает, можно ли построить учетные данные
func (a *Agent) HasChallenge() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.challenge != nil
}

// Realm возвращает realm текущего challenge
func (a *Agent) Realm() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.challenge == nil {
		return ""
	}
	return a.challenge.Realm
}

// Reset забывает challenge
func (a *Agent) Reset() {
	a.mu.Lock()
	a.challenge = nil
	a.header = ""
	a.nc = 0
	a.mu.Unlock()
}

// BuildAuthorization вычисляет учетные данные для одного запроса и
// возвращает имя и значение заголовка. Каждый вызов увеличивает nc.
func (a *Agent) BuildAuthorization(method, uri string, body []byte) (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.challenge == nil {
		return "", "", ErrNoChallenge
	}
	chal := a.challenge

	cred := &digest.Credentials{
		Username:  a.username,
		Realm:     chal.Realm,
		Nonce:     chal.Nonce,
		URI:       uri,
		Algorithm: chal.Algorithm,
		Opaque:    chal.Opaque,
		QOP:       selectQOP(chal.QOP),
	}

	ha1 := hashMD5(a.username + ":" + chal.Realm + ":" + a.password)
	ha2 := hashMD5(method + ":" + uri)
	if cred.QOP == qopAuthInt {
		ha2 = hashMD5(method + ":" + uri + ":" + hashMD5(string(body)))
	}

	if cred.QOP == "" {
		cred.Response = hashMD5(ha1 + ":" + chal.Nonce + ":" + ha2)
	} else {
		a.nc++
		cred.Nc = a.nc
		cred.Cnonce = a.cnonce()
		cred.Response = hashMD5(strings.Join([]string{
			ha1, chal.Nonce, fmt.Sprintf("%08x", cred.Nc), cred.Cnonce, cred.QOP, ha2,
		}, ":"))
	}
	return a.header, cred.String(), nil
}

// Authorize добавляет учетные данные в req, если challenge известен.
// Без challenge запрос не меняется.
func (a *Agent) Authorize(req *message.Request) error {
	if !a.HasChallenge() {
		return nil
	}
	name, value, err := a.BuildAuthorization(req.Method, req.RequestURI, req.Body())
	if err != nil {
		return err
	}
	req.SetHeader(name, value)
	return nil
}

// Exchange отправляет запрос и отвечает на один challenge. Повтор строится
// заново через build и несет учетные данные. Второй 401 или 407
// завершается *AuthenticationError и не отвечается.
func (a *Agent) Exchange(ctx context.Context, send SendFunc, build BuildFunc) (*message.Response, error) {
	res, err := a.attempt(ctx, send, build)
	if err != nil {
		return nil, err
	}
	if !isChallenge(res.StatusCode) {
		a.afterResponse(res)
		return res, nil
	}

	if err := a.HandleChallenge(res); err != nil {
		return res, &AuthenticationError{Reason: "unusable challenge", Code: res.StatusCode, Err: err}
	}

	res, err = a.attempt(ctx, send, build)
	if err != nil {
		return nil, err
	}
	if isChallenge(res.StatusCode) {
		a.logger.Warn("challenge repeated after retry",
			slog.Int("status", res.StatusCode),
			slog.String("call_id", res.CallID()))
		return res, &AuthenticationError{Reason: "credentials rejected", Code: res.StatusCode, Err: ErrChallengeConsumed}
	}
	a.afterResponse(res)
	return res, nil
}

func (a *Agent) attempt(ctx context.Context, send SendFunc, build BuildFunc) (*message.Response, error) {
	req, err := build()
	if err != nil {
		return nil, err
	}
	if err := a.Authorize(req); err != nil {
		return nil, err
	}
	return send(ctx, req)
}

func (a *Agent) afterResponse(res *message.Response) {
	if info := res.HeaderValue(message.HeaderAuthenticationInfo); info != "" {
		a.ReadNextNonce(info)
	}
}

func isChallenge(code int) bool {
	return code == message.StatusUnauthorized || code == message.StatusProxyAuthRequired
}

// selectQOP предпочитает auth, а не auth-int
func selectQOP(offered []string) string {
	var authInt bool
	for _, q := range offered {
		switch strings.ToLower(strings.TrimSpace(q)) {
		case qopAuth:
			return qopAuth
		case qopAuthInt:
			authInt = true
		}
	}
	if authInt {
		return qopAuthInt
	}
	return ""
}

func hashMD5(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func randomCnonce() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
