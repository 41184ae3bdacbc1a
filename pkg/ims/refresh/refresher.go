// Package refresh планирует обновление регистрации и подписок до истечения
// их срока действия.
package refresh

import (
	"sync"
	"time"
)

// DefaultRatio доля срока действия, после которой выполняется обновление
const DefaultRatio = 2.0 / 3.0

// Refresher вызывает callback один раз через expire*ratio после Start.
// Повторный Start заменяет предыдущий таймер. Callback выполняется в
// горутине таймера, никогда не под блокировкой Refresher.
type Refresher struct {
	callback func()

	mu       sync.Mutex
	timer    *time.Timer
	gen      uint64
	deadline time.Time
}

// New создает Refresher
func New(callback func()) *Refresher {
	return &Refresher{callback: callback}
}

// Delay вычисляет задержку обновления. Некорректное ratio заменяется на
// DefaultRatio.
func Delay(expire time.Duration, ratio float64) time.Duration {
	if ratio <= 0 || ratio >= 1 {
		ratio = DefaultRatio
	}
	return time.Duration(float64(expire) * ratio)
}

// Start запускает таймер. expire <= 0 только останавливает текущий.
func (r *Refresher) Start(expire time.Duration, ratio float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopLocked()
	if expire <= 0 {
		return
	}

	delay := Delay(expire, ratio)
	r.gen++
	gen := r.gen
	r.deadline = time.Now().Add(delay)
	r.timer = time.AfterFunc(delay, func() { r.fire(gen) })
}

func (r *Refresher) fire(gen uint64) {
	r.mu.Lock()
	// таймер мог быть заменен или остановлен пока функция ждала блокировку
	if gen != r.gen || r.timer == nil {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.deadline = time.Time{}
	r.mu.Unlock()

	r.callback()
}

// Stop останавливает таймер. Безопасно вызывать многократно.
func (r *Refresher) Stop() {
	r.mu.Lock()
	r.stopLocked()
	r.mu.Unlock()
}

func (r *Refresher) stopLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.gen++
	r.deadline = time.Time{}
}

// Active сообщает, запланировано ли обновление
func (r *Refresher) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}

// Deadline возвращает момент обновления, нулевое время если не запланировано
func (r *Refresher) Deadline() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deadline
}
