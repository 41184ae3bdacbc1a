package transaction

import (
	"strings"
	"sync"
	"time"

	"github.com/arzzra/ims_core/pkg/sip/message"
)

// ServerCache хранит серверные транзакции: входящие запросы по ветви Via
// и последний ответ на них. Повтор запроса, на который еще нет ответа,
// поглощается. Повтор после ответа получает тот же ответ (RFC 3261 17.2).
type ServerCache struct {
	lifetime time.Duration

	mu      sync.Mutex
	entries map[string]*serverEntry
	pruned  time.Time
}

type serverEntry struct {
	created  time.Time
	response *message.Response
}

// NewServerCache создает кэш, lifetime <= 0 означает ServerLifetime
func NewServerCache(lifetime time.Duration) *ServerCache {
	if lifetime <= 0 {
		lifetime = ServerLifetime
	}
	return &ServerCache{
		lifetime: lifetime,
		entries:  make(map[string]*serverEntry),
	}
}

// ServerKey возвращает ключ серверной транзакции: ветвь и sent-by верхнего
// Via и метод CSeq. Для сообщений без ветви RFC 3261 ключ пустой.
func ServerKey(msg message.Message) string {
	branch := message.Branch(msg)
	if !strings.HasPrefix(branch, message.BranchMagicCookie) {
		return ""
	}
	_, method, err := msg.CSeq()
	if err != nil {
		return ""
	}
	return branch + "|" + message.TopViaSentBy(msg) + "|" + method
}

// Receive регистрирует входящий запрос. Для нового запроса возвращает
// true. Для повтора возвращает false и последний ответ транзакции, nil
// если ответа еще не было. ACK не образует транзакцию и всегда новый.
func (c *ServerCache) Receive(req *message.Request) (bool, *message.Response) {
	if req.Method == message.MethodAck {
		return true, nil
	}
	key := ServerKey(req)
	if key == "" {
		return true, nil
	}

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(now)
	if e, ok := c.entries[key]; ok {
		return false, e.response
	}
	c.entries[key] = &serverEntry{created: now}
	return true, nil
}

// Respond запоминает ответ серверной транзакции
func (c *ServerCache) Respond(res *message.Response) {
	key := ServerKey(res)
	if key == "" {
		return
	}
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.response = res
	}
	c.mu.Unlock()
}

// Len возвращает число хранимых транзакций
func (c *ServerCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// prune удаляет истекшие транзакции не чаще раза в секунду
func (c *ServerCache) prune(now time.Time) {
	if now.Sub(c.pruned) < time.Second {
		return
	}
	c.pruned = now
	for key, e := range c.entries {
		if now.Sub(e.created) > c.lifetime {
			delete(c.entries, key)
		}
	}
}
