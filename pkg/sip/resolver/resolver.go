// Package resolver находит исходящий прокси (P-CSCF) домашнего домена по
// процедуре RFC 3263: NAPTR, затем SRV, затем A записи.
package resolver

//go:generate errtrace -w .

import (
	"cmp"
	"context"
	"errors"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"
)

// DefaultPort порт, если SRV запись его не дала
const DefaultPort = 5060

// ErrNoRecords в ответе нет пригодных записей
var ErrNoRecords = errors.New("no records")

// Resolver опрашивает DNS сервер напрямую, чтобы получать NAPTR и SRV, а
// не только адреса.
type Resolver struct {
	// Адрес DNS сервера ("8.8.8.8:53"). Пусто означает первый сервер
	// из /etc/resolv.conf.
	NameServer string
	// Таймаут DNS запроса, 0 означает 5 секунд
	Timeout time.Duration
}

// NAPTR запись NAPTR (RFC 3403)
type NAPTR struct {
	Order       uint16
	Preference  uint16
	Flags       string
	Service     string
	Replacement string
}

// SRV запись SRV (RFC 2782)
type SRV struct {
	Target   string
	Port     uint16
	Priority uint16
	Weight   uint16
}

// naptrServices поле service NAPTR для транспорта (RFC 3263 4.1)
var naptrServices = map[string]string{
	"udp": "SIP+D2U",
	"tcp": "SIP+D2T",
	"tls": "SIPS+D2T",
}

// srvPrefixes префикс имени SRV для транспорта
var srvPrefixes = map[string]string{
	"udp": "_sip._udp.",
	"tcp": "_sip._tcp.",
	"tls": "_sips._tcp.",
}

// LookupProxy возвращает кандидатов host:port прокси домена в порядке
// перебора. Если DNS ничего не дал, возвращается domain:5060, поэтому
// результат пуст только при завершенном ctx.
func (r *Resolver) LookupProxy(ctx context.Context, domain, transport string) ([]string, error) {
	transport = strings.ToLower(transport)
	if transport == "" {
		transport = "udp"
	}
	if _, ok := naptrServices[transport]; !ok {
		return nil, errtrace.Errorf("unsupported transport %q", transport)
	}

	// адрес не требует запроса
	if host, _, err := net.SplitHostPort(domain); err == nil && host != "" {
		return []string{domain}, nil
	}
	if ip := net.ParseIP(domain); ip != nil {
		return []string{net.JoinHostPort(domain, strconv.Itoa(DefaultPort))}, nil
	}

	var srvNames []string
	if naptrs, err := r.LookupNAPTR(ctx, domain); err == nil {
		for _, n := range naptrs {
			if strings.EqualFold(n.Service, naptrServices[transport]) && strings.EqualFold(n.Flags, "s") {
				srvNames = append(srvNames, n.Replacement)
			}
		}
	} else if ctx.Err() != nil {
		return nil, errtrace.Wrap(ctx.Err())
	}
	if len(srvNames) == 0 {
		srvNames = []string{srvPrefixes[transport] + domain}
	}

	var targets []string
	for _, name := range srvNames {
		srvs, err := r.LookupSRV(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errtrace.Wrap(ctx.Err())
			}
			continue
		}
		for _, srv := range srvs {
			targets = append(targets, r.addresses(ctx, srv.Target, int(srv.Port))...)
		}
	}
	if len(targets) > 0 {
		return targets, nil
	}

	return r.addresses(ctx, domain, DefaultPort), nil
}

// addresses разрешает host в ip:port, при неудаче host:port
func (r *Resolver) addresses(ctx context.Context, host string, port int) []string {
	ips, err := r.LookupA(ctx, host)
	if err != nil || len(ips) == 0 {
		return []string{net.JoinHostPort(strings.TrimSuffix(host, "."), strconv.Itoa(port))}
	}
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, net.JoinHostPort(ip.String(), strconv.Itoa(port)))
	}
	return out
}

// LookupNAPTR запрашивает NAPTR записи host. Записи упорядочены по Order,
// затем по Preference.
func (r *Resolver) LookupNAPTR(ctx context.Context, host string) ([]*NAPTR, error) {
	answer, err := r.query(ctx, host, dns.TypeNAPTR)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	recs := make([]*NAPTR, 0, len(answer))
	for _, ans := range answer {
		if rr, ok := ans.(*dns.NAPTR); ok {
			recs = append(recs, &NAPTR{
				Order:       rr.Order,
				Preference:  rr.Preference,
				Flags:       rr.Flags,
				Service:     rr.Service,
				Replacement: rr.Replacement,
			})
		}
	}
	if len(recs) == 0 {
		return nil, errtrace.Wrap(ErrNoRecords)
	}

	slices.SortFunc(recs, func(a, b *NAPTR) int {
		if c := cmp.Compare(a.Order, b.Order); c != 0 {
			return c
		}
		return cmp.Compare(a.Preference, b.Preference)
	})
	return recs, nil
}

// LookupSRV запрашивает SRV записи полного имени (_sip._udp.example.com).
// Записи упорядочены по Priority, затем по убыванию Weight.
func (r *Resolver) LookupSRV(ctx context.Context, name string) ([]*SRV, error) {
	answer, err := r.query(ctx, name, dns.TypeSRV)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	recs := make([]*SRV, 0, len(answer))
	for _, ans := range answer {
		if rr, ok := ans.(*dns.SRV); ok {
			recs = append(recs, &SRV{
				Target:   rr.Target,
				Port:     rr.Port,
				Priority: rr.Priority,
				Weight:   rr.Weight,
			})
		}
	}
	if len(recs) == 0 {
		return nil, errtrace.Wrap(ErrNoRecords)
	}

	slices.SortStableFunc(recs, func(a, b *SRV) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(b.Weight, a.Weight)
	})
	return recs, nil
}

// LookupA запрашивает IPv4 адреса host
func (r *Resolver) LookupA(ctx context.Context, host string) ([]net.IP, error) {
	answer, err := r.query(ctx, host, dns.TypeA)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	var ips []net.IP
	for _, ans := range answer {
		if rr, ok := ans.(*dns.A); ok {
			ips = append(ips, rr.A.To4())
		}
	}
	if len(ips) == 0 {
		return nil, errtrace.Wrap(ErrNoRecords)
	}
	return ips, nil
}

func (r *Resolver) query(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	nameserver, err := r.nameserver()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	client := &dns.Client{Timeout: r.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, nameserver)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, errtrace.Wrap(&net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       name,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		})
	}
	return resp.Answer, nil
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 5 * time.Second
}

func (r *Resolver) nameserver() (string, error) {
	if r.NameServer != "" {
		if _, _, err := net.SplitHostPort(r.NameServer); err != nil {
			return net.JoinHostPort(r.NameServer, "53"), nil //nolint:nilerr
		}
		return r.NameServer, nil
	}

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	if len(conf.Servers) == 0 {
		return "", errtrace.Wrap(&net.DNSError{
			Err:  "no DNS servers configured",
			Name: "resolv.conf",
		})
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}
