package cache

import (
	"context"
	"sync"
	"time"

	"chat_backend/pkg/logger"
)

// FetchFunc загружает авторитетное значение ключа.
type FetchFunc func(ctx context.Context) (string, error)

// OptimisticEntry — локально отображенная, еще не подтвержденная запись.
type OptimisticEntry struct {
	TempID    string
	Payload   string
	CreatedAt time.Time
}

type Options struct {
	MemoryTTL     time.Duration
	DurableTTL    time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
	FetchTimeout  time.Duration
}

// TwoTier — двухъярусный кэш чтения: внутрипроцессный ярус с коротким TTL
// и коалесцированием параллельных промахов, плюс долговременный ярус
// (stale-while-revalidate). Поверх живет оверлей оптимистичных записей.
type TwoTier struct {
	store Store
	log   logger.Logger
	opts  Options

	mu       sync.Mutex
	entries  map[string]*entry
	inflight map[string]*fetchCall
	overlays map[string][]OptimisticEntry
	subs     map[string]map[chan string]struct{}
}

type entry struct {
	value     string
	fetchedAt time.Time
}

type fetchCall struct {
	done  chan struct{}
	value string
	err   error
}

func New(store Store, opts Options, log logger.Logger) *TwoTier {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	return &TwoTier{
		store:    store,
		log:      log,
		opts:     opts,
		entries:  make(map[string]*entry),
		inflight: make(map[string]*fetchCall),
		overlays: make(map[string][]OptimisticEntry),
		subs:     make(map[string]map[chan string]struct{}),
	}
}

// GetOrFetch возвращает значение ключа. Свежий внутрипроцессный ярус отдается
// сразу; параллельные промахи одного ключа разделяют одну загрузку; значение
// долговременного яруса отдается немедленно, а авторитетная загрузка уходит
// в фон и по завершении обновляет оба яруса и уведомляет подписчиков.
func (c *TwoTier) GetOrFetch(ctx context.Context, key string, fetch FetchFunc) (string, error) {
	c.mu.Lock()

	if e, ok := c.entries[key]; ok && time.Since(e.fetchedAt) < c.opts.MemoryTTL {
		value := e.value
		c.mu.Unlock()
		return value, nil
	}

	if call, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		// Отмена одного ожидающего не отменяет общую загрузку.
		select {
		case <-call.done:
			return call.value, call.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	call := &fetchCall{done: make(chan struct{})}
	c.inflight[key] = call
	c.mu.Unlock()

	if stale, err := c.store.Get(ctx, key); err == nil {
		// Долговременный ярус: мгновенный ответ + фоновая ревалидация.
		c.resolve(key, call, stale, nil)
		go func() {
			bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.FetchTimeout)
			defer cancel()
			if fresh, err := c.fetchWithRetry(bg, fetch); err == nil {
				c.put(bg, key, fresh)
			} else {
				c.log.Warn("Background revalidation failed", "error", err, "key", key)
			}
		}()
		return stale, nil
	} else if err != ErrMiss {
		c.log.Warn("Durable cache read failed", "error", err, "key", key)
	}

	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.FetchTimeout)
	defer cancel()

	value, err := c.fetchWithRetry(fetchCtx, fetch)
	if err == nil {
		c.put(fetchCtx, key, value)
	}
	c.resolve(key, call, value, err)

	return value, err
}

// fetchWithRetry повторяет авторитетную загрузку с растущей паузой.
func (c *TwoTier) fetchWithRetry(ctx context.Context, fetch FetchFunc) (string, error) {
	attempts := c.opts.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	backoff := c.opts.RetryBackoff
	for i := 0; i < attempts; i++ {
		value, err := fetch(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	return "", lastErr
}

func (c *TwoTier) resolve(key string, call *fetchCall, value string, err error) {
	call.value = value
	call.err = err
	close(call.done)

	c.mu.Lock()
	if c.inflight[key] == call {
		delete(c.inflight, key)
	}
	c.mu.Unlock()
}

// memorySweepThreshold — размер внутрипроцессного яруса, при котором запись
// нового значения дополнительно вычищает протухшие ключи. Без уборки ключ,
// прочитанный один раз, оставался бы в памяти навсегда.
const memorySweepThreshold = 1024

// put записывает значение в оба яруса и уведомляет подписчиков ключа.
func (c *TwoTier) put(ctx context.Context, key, value string) {
	c.mu.Lock()
	now := time.Now()
	c.entries[key] = &entry{value: value, fetchedAt: now}
	if len(c.entries) >= memorySweepThreshold {
		for k, e := range c.entries {
			if now.Sub(e.fetchedAt) >= c.opts.MemoryTTL {
				delete(c.entries, k)
			}
		}
	}
	var waiters []chan string
	for ch := range c.subs[key] {
		waiters = append(waiters, ch)
	}
	c.mu.Unlock()

	if err := c.store.Set(ctx, key, value, c.opts.DurableTTL); err != nil {
		c.log.Warn("Durable cache write failed", "error", err, "key", key)
	}

	for _, ch := range waiters {
		select {
		case ch <- value:
		default:
		}
	}
}

// Invalidate сбрасывает оба яруса, чтобы следующее чтение ушло на
// авторитетный путь. Оптимистичный оверлей не трогается: он хранит
// еще не подтвержденные записи.
func (c *TwoTier) Invalidate(ctx context.Context, keys ...string) {
	c.mu.Lock()
	for _, key := range keys {
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if err := c.store.Del(ctx, keys...); err != nil {
		c.log.Warn("Durable cache invalidation failed", "error", err, "keys", keys)
	}
}

// PutOptimistic добавляет локальное эхо записи под временным ID.
func (c *TwoTier) PutOptimistic(key, tempID, payload string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overlays[key] = append(c.overlays[key], OptimisticEntry{
		TempID:    tempID,
		Payload:   payload,
		CreatedAt: time.Now(),
	})
}

// Overlay возвращает копию еще не подтвержденных записей ключа.
func (c *TwoTier) Overlay(key string) []OptimisticEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]OptimisticEntry(nil), c.overlays[key]...)
}

// Reconcile убирает временную запись после наблюдения авторитетной —
// замена, а не дублирование.
func (c *TwoTier) Reconcile(key, tempID string) bool {
	_, ok := c.removeOverlay(key, tempID)
	return ok
}

// Rollback убирает временную запись при неудачной записи и возвращает
// исходное содержимое для повторной отправки.
func (c *TwoTier) Rollback(key, tempID string) (string, bool) {
	return c.removeOverlay(key, tempID)
}

func (c *TwoTier) removeOverlay(key, tempID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.overlays[key]
	for i, e := range list {
		if e.TempID == tempID {
			c.overlays[key] = append(list[:i], list[i+1:]...)
			if len(c.overlays[key]) == 0 {
				delete(c.overlays, key)
			}
			return e.Payload, true
		}
	}
	return "", false
}

// Subscribe уведомляет о каждом обновлении значения ключа (в т.ч. фоновой
// ревалидацией). Возвращенная функция отменяет подписку.
func (c *TwoTier) Subscribe(key string) (<-chan string, func()) {
	ch := make(chan string, 1)

	c.mu.Lock()
	if c.subs[key] == nil {
		c.subs[key] = make(map[chan string]struct{})
	}
	c.subs[key][ch] = struct{}{}
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		if set, ok := c.subs[key]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(c.subs, key)
			}
		}
		c.mu.Unlock()
	}

	return ch, cancel
}
