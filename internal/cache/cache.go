package cache

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/beflow/beflow/pkg/models"
	"github.com/beflow/beflow/pkg/storage"
)

// ErrStaleLease is returned when a publish, release or heartbeat arrives
// from an owner whose lease has been broken or replaced. The accompanying
// value is discarded.
var ErrStaleLease = errors.New("stale lease")

// Logger is the narrow logging interface the manager needs.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Outcome is delivered to subscribers of a fingerprint when the in-flight
// computation resolves. Exactly one of the three flags is set.
type Outcome struct {
	// Cached: the owner published; Value holds the stage output.
	Cached bool
	Value  json.RawMessage

	// Failed: the owner reported a structured failure; no entry was made.
	Failed bool
	Err    *models.ErrorDocument

	// Released: the lease was given up (or broken) without a result. The
	// subscriber was promoted and should re-acquire.
	Released bool
}

// Acquisition is the result of Acquire: exactly one of Hit, Granted or a
// non-empty HeldBy.
type Acquisition struct {
	Hit     bool
	Value   json.RawMessage
	Granted bool
	HeldBy  string
}

// Manager owns the cache entries and leases; no other component writes the
// cache/ or lease/ namespaces. All mutations serialize on one mutex, which
// together with the store's atomic per-key writes gives the at-most-one
// in-flight-per-fingerprint guarantee.
type Manager struct {
	store storage.Store
	log   Logger

	mu      sync.Mutex
	waiters map[string][]chan Outcome

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewManager(store storage.Store, log Logger) *Manager {
	return &Manager{
		store:   store,
		log:     log,
		waiters: make(map[string][]chan Outcome),
		stop:    make(chan struct{}),
	}
}

// Start launches the lease-expiry janitor.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.janitor()
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

// Lookup reads a cache entry. Reads are consistent: a successful Publish is
// visible to every subsequent Lookup.
func (m *Manager) Lookup(fingerprint string) (json.RawMessage, bool, error) {
	raw, err := m.store.Get(storage.CacheKey(fingerprint))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var entry models.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, errors.Wrapf(err, "decode cache entry %s", fingerprint)
	}
	return entry.Value, true, nil
}

// Acquire atomically resolves a fingerprint for the orchestrator: an
// existing entry is a hit, an unexpired lease reports its owner, otherwise
// an unbound lease is installed for owner and granted. A lease already
// bound to a delivery is held even for its own owner; the running delivery
// settles it.
func (m *Manager) Acquire(fingerprint, owner, routingKey string, ttl time.Duration) (Acquisition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, hit, err := m.Lookup(fingerprint)
	if err != nil {
		return Acquisition{}, err
	}
	if hit {
		return Acquisition{Hit: true, Value: value}, nil
	}

	lease, err := m.loadLease(fingerprint)
	if err != nil {
		return Acquisition{}, err
	}
	if lease != nil && !lease.Expired(time.Now()) {
		if lease.Owner == owner && lease.Delivery == "" {
			// Re-acquisition of an unclaimed reservation refreshes the
			// deadline.
			lease.Deadline = time.Now().Add(ttl)
			if err := m.storeLease(lease); err != nil {
				return Acquisition{}, err
			}
			return Acquisition{Granted: true}, nil
		}
		return Acquisition{HeldBy: lease.Owner}, nil
	}

	lease = &models.Lease{
		Fingerprint: fingerprint,
		Owner:       owner,
		RoutingKey:  routingKey,
		Deadline:    time.Now().Add(ttl),
	}
	if err := m.storeLease(lease); err != nil {
		return Acquisition{}, err
	}
	return Acquisition{Granted: true}, nil
}

// Bind claims a fingerprint for one physical queue delivery of the owning
// task. At most one delivery is bound at a time: a second delivery of the
// same task is held and must drop its queue item. A missing or expired
// lease is re-installed, covering redelivery after a crash.
func (m *Manager) Bind(fingerprint, owner, delivery, routingKey string, ttl time.Duration) (Acquisition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, hit, err := m.Lookup(fingerprint)
	if err != nil {
		return Acquisition{}, err
	}
	if hit {
		return Acquisition{Hit: true, Value: value}, nil
	}

	lease, err := m.loadLease(fingerprint)
	if err != nil {
		return Acquisition{}, err
	}
	if lease != nil && !lease.Expired(time.Now()) {
		if lease.Owner != owner || (lease.Delivery != "" && lease.Delivery != delivery) {
			return Acquisition{HeldBy: lease.Owner}, nil
		}
		lease.Delivery = delivery
		lease.Deadline = time.Now().Add(ttl)
		if err := m.storeLease(lease); err != nil {
			return Acquisition{}, err
		}
		return Acquisition{Granted: true}, nil
	}

	lease = &models.Lease{
		Fingerprint: fingerprint,
		Owner:       owner,
		Delivery:    delivery,
		RoutingKey:  routingKey,
		Deadline:    time.Now().Add(ttl),
	}
	if err := m.storeLease(lease); err != nil {
		return Acquisition{}, err
	}
	return Acquisition{Granted: true}, nil
}

// LeaseOwner reports who currently holds the fingerprint, if anyone.
func (m *Manager) LeaseOwner(fingerprint string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lease, err := m.loadLease(fingerprint)
	if err != nil {
		return "", err
	}
	if lease == nil || lease.Expired(time.Now()) {
		return "", nil
	}
	return lease.Owner, nil
}

// Subscribe parks the caller until the fingerprint's in-flight computation
// resolves. The channel receives exactly one Outcome.
func (m *Manager) Subscribe(fingerprint string) <-chan Outcome {
	ch := make(chan Outcome, 1)
	m.mu.Lock()
	m.waiters[fingerprint] = append(m.waiters[fingerprint], ch)
	m.mu.Unlock()
	return ch
}

// Unsubscribe drops a parked subscription, e.g. on cancellation.
func (m *Manager) Unsubscribe(fingerprint string, ch <-chan Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.waiters[fingerprint]
	for i, sub := range subs {
		if sub == ch {
			m.waiters[fingerprint] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(m.waiters[fingerprint]) == 0 {
		delete(m.waiters, fingerprint)
	}
}

// Publish inserts the cache entry, releases the lease and wakes every
// waiter. The caller must still hold the lease under the same delivery
// binding; a stale publish is rejected and the value discarded.
func (m *Manager) Publish(fingerprint, owner, delivery string, value json.RawMessage, methodSpec, producedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.owned(fingerprint, owner, delivery); err != nil {
		return err
	}

	entry := models.CacheEntry{
		Fingerprint: fingerprint,
		Value:       value,
		MethodSpec:  methodSpec,
		ProducedBy:  producedBy,
		FinishedAt:  time.Now().UTC(),
		Size:        int64(len(value)),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := m.store.Put(storage.CacheKey(fingerprint), raw); err != nil {
		return err
	}
	if err := m.store.Delete(storage.LeaseKey(fingerprint)); err != nil {
		return err
	}
	m.wakeAll(fingerprint, Outcome{Cached: true, Value: value})
	return nil
}

// Fail releases the lease without publishing, recording a reported executor
// failure. Waiters are woken with the failure so retries stay possible.
func (m *Manager) Fail(fingerprint, owner, delivery string, errDoc *models.ErrorDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.owned(fingerprint, owner, delivery); err != nil {
		return err
	}
	if err := m.store.Delete(storage.LeaseKey(fingerprint)); err != nil {
		return err
	}
	m.wakeAll(fingerprint, Outcome{Failed: true, Err: errDoc})
	return nil
}

// Release gives up the lease without a result. One waiter is promoted so it
// may re-acquire; the rest stay parked for the next owner's outcome.
func (m *Manager) Release(fingerprint, owner, delivery string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.owned(fingerprint, owner, delivery); err != nil {
		return err
	}
	if err := m.store.Delete(storage.LeaseKey(fingerprint)); err != nil {
		return err
	}
	m.wakeOne(fingerprint, Outcome{Released: true})
	return nil
}

// Heartbeat extends the lease deadline. Produced by the worker running the
// task every ttl/3.
func (m *Manager) Heartbeat(fingerprint, owner, delivery string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, err := m.owned(fingerprint, owner, delivery)
	if err != nil {
		return err
	}
	lease.Deadline = time.Now().Add(ttl)
	return m.storeLease(lease)
}

// owned loads the lease and verifies the caller's (owner, delivery) binding.
// Must be called with mu held.
func (m *Manager) owned(fingerprint, owner, delivery string) (*models.Lease, error) {
	lease, err := m.loadLease(fingerprint)
	if err != nil {
		return nil, err
	}
	if lease == nil || lease.Owner != owner || lease.Delivery != delivery {
		return nil, ErrStaleLease
	}
	return lease, nil
}

// Purge removes a cache entry. There is no HTTP surface for this; it is an
// explicit administrative operation.
func (m *Manager) Purge(fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Delete(storage.CacheKey(fingerprint))
}

func (m *Manager) janitor() {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.breakExpired(now)
		}
	}
}

// breakExpired administratively releases leases whose deadline passed with
// no heartbeat. The owner's eventual publish will fail as stale.
func (m *Manager) breakExpired(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pairs, err := m.store.Scan(storage.LeasePrefix)
	if err != nil {
		m.log.Errorf("Failed to scan leases: %v", err)
		return
	}
	for _, pair := range pairs {
		var lease models.Lease
		if err := json.Unmarshal(pair.Value, &lease); err != nil {
			m.log.Errorf("Failed to decode lease %s: %v", pair.Key, err)
			continue
		}
		if !lease.Expired(now) {
			continue
		}
		if err := m.store.Delete(pair.Key); err != nil {
			m.log.Errorf("Failed to break lease %s: %v", lease.Fingerprint, err)
			continue
		}
		m.log.Infof("Broke expired lease on %s held by %s", lease.Fingerprint, lease.Owner)
		m.wakeOne(lease.Fingerprint, Outcome{Released: true})
	}
}

// loadLease must be called with mu held.
func (m *Manager) loadLease(fingerprint string) (*models.Lease, error) {
	raw, err := m.store.Get(storage.LeaseKey(fingerprint))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var lease models.Lease
	if err := json.Unmarshal(raw, &lease); err != nil {
		return nil, errors.Wrapf(err, "decode lease %s", fingerprint)
	}
	return &lease, nil
}

// storeLease must be called with mu held.
func (m *Manager) storeLease(lease *models.Lease) error {
	raw, err := json.Marshal(lease)
	if err != nil {
		return err
	}
	return m.store.Put(storage.LeaseKey(lease.Fingerprint), raw)
}

// wakeAll must be called with mu held.
func (m *Manager) wakeAll(fingerprint string, outcome Outcome) {
	for _, ch := range m.waiters[fingerprint] {
		ch <- outcome
	}
	delete(m.waiters, fingerprint)
}

// wakeOne must be called with mu held.
func (m *Manager) wakeOne(fingerprint string, outcome Outcome) {
	subs := m.waiters[fingerprint]
	if len(subs) == 0 {
		return
	}
	subs[0] <- outcome
	if len(subs) == 1 {
		delete(m.waiters, fingerprint)
	} else {
		m.waiters[fingerprint] = subs[1:]
	}
}
