package keys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/giantswarm/oidc-authserver/instrumentation"
	"github.com/giantswarm/oidc-authserver/security"
)

const (
	// DefaultMaxTokenTTL is how long a retired key keeps verifying
	DefaultMaxTokenTTL = time.Hour

	// DefaultPruneInterval is how often expired retired keys are dropped
	DefaultPruneInterval = time.Minute
)

// Config configures a Manager
type Config struct {
	// KeySize is the RSA modulus size for generated keys. Default: 2048
	KeySize int

	// RotationInterval triggers scheduled rotation from Start. Zero disables it.
	RotationInterval time.Duration

	// MaxTokenTTL is the expected longest lifetime of tokens signed by a key.
	// Retired keys stay published for this long after demotion, or until the
	// last token they signed expires if that is later.
	MaxTokenTTL time.Duration

	// PruneInterval is how often Start sweeps expired retired keys
	PruneInterval time.Duration

	// Now overrides the clock, for tests
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.KeySize == 0 {
		c.KeySize = DefaultKeySize
	}
	if c.MaxTokenTTL <= 0 {
		c.MaxTokenTTL = DefaultMaxTokenTTL
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = DefaultPruneInterval
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// keyRing is an immutable snapshot of the published keys.
// retired is ordered newest first.
type keyRing struct {
	current *SigningKey
	retired []*SigningKey
}

// Manager owns the signing key and the set of retired verify-only keys.
// Readers load one snapshot, so they never observe a half-finished rotation.
type Manager struct {
	config Config
	logger *slog.Logger

	ring atomic.Pointer[keyRing]

	// writeMu serializes Rotate and PruneExpired
	writeMu sync.Mutex

	instrumentation *instrumentation.Instrumentation
	auditor         *security.Auditor

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Manager with a freshly generated key
func New(config Config, logger *slog.Logger) (*Manager, error) {
	config.applyDefaults()
	key, err := GenerateSigningKey(config.KeySize, config.Now())
	if err != nil {
		return nil, err
	}
	return NewWithKey(config, key, logger), nil
}

// FromPEM creates a Manager whose current key is parsed from PEM data
func FromPEM(config Config, data []byte, enc *security.Encryptor, logger *slog.Logger) (*Manager, error) {
	config.applyDefaults()
	private, err := ParsePrivateKeyPEM(data, enc)
	if err != nil {
		return nil, err
	}
	key, err := NewSigningKey(private, config.Now())
	if err != nil {
		return nil, err
	}
	return NewWithKey(config, key, logger), nil
}

// LoadFile creates a Manager whose current key is read from path
func LoadFile(config Config, path string, enc *security.Encryptor, logger *slog.Logger) (*Manager, error) {
	config.applyDefaults()
	key, err := LoadSigningKeyFile(path, enc, config.Now())
	if err != nil {
		return nil, err
	}
	return NewWithKey(config, key, logger), nil
}

// NewWithKey creates a Manager around an existing key
func NewWithKey(config Config, key *SigningKey, logger *slog.Logger) *Manager {
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		config: config,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	m.ring.Store(&keyRing{current: key})

	logger.Info("Signing key loaded", "kid", key.KeyID, "algorithm", key.Algorithm)
	return m
}

// SetInstrumentation enables rotation metrics and the published key gauge
func (m *Manager) SetInstrumentation(inst *instrumentation.Instrumentation) {
	m.instrumentation = inst
	if inst == nil {
		return
	}
	err := inst.RegisterVerificationKeysCallback(func() int64 {
		return int64(len(m.PublicKeys()))
	})
	if err != nil {
		m.logger.Warn("Failed to register verification key gauge", "error", err)
	}
}

// SetAuditor enables audit events for rotation and pruning
func (m *Manager) SetAuditor(auditor *security.Auditor) {
	m.auditor = auditor
}

// CurrentSigningKey returns the key used for new signatures
func (m *Manager) CurrentSigningKey() *SigningKey {
	return m.ring.Load().current
}

// PublicKeys returns the current key followed by retired keys that are still
// within their overlap window, newest first.
func (m *Manager) PublicKeys() []PublicKey {
	ring := m.ring.Load()
	now := m.config.Now()

	out := make([]PublicKey, 0, 1+len(ring.retired))
	out = append(out, ring.current.Public())
	for _, k := range ring.retired {
		if now.Before(k.verifiableUntil()) {
			out = append(out, k.Public())
		}
	}
	return out
}

// PublicKey returns the verification key for kid.
// Retired keys past their deadline are not returned even before pruning.
func (m *Manager) PublicKey(kid string) (PublicKey, error) {
	for _, k := range m.PublicKeys() {
		if k.KeyID == kid {
			return k, nil
		}
	}
	return PublicKey{}, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
}

// JWKS returns the public keys as a JSON Web Key Set
func (m *Manager) JWKS() jose.JSONWebKeySet {
	pubs := m.PublicKeys()
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(pubs))}
	for _, p := range pubs {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       p.Key,
			KeyID:     p.KeyID,
			Algorithm: p.Algorithm,
			Use:       "sig",
		})
	}
	return set
}

// Rotate generates a new signing key and demotes the current one to
// verify-only until MaxTokenTTL has passed and every token it signed expired.
func (m *Manager) Rotate(ctx context.Context) (*SigningKey, error) {
	return m.rotate(ctx, "manual")
}

func (m *Manager) rotate(ctx context.Context, trigger string) (*SigningKey, error) {
	now := m.config.Now()
	next, err := GenerateSigningKey(m.config.KeySize, now)
	if err != nil {
		return nil, fmt.Errorf("failed to rotate signing key: %w", err)
	}

	m.writeMu.Lock()
	old := m.ring.Load()
	demoted := old.current.retire(now, now.Add(m.config.MaxTokenTTL))
	retired := make([]*SigningKey, 0, 1+len(old.retired))
	retired = append(retired, demoted)
	retired = append(retired, old.retired...)
	m.ring.Store(&keyRing{current: next, retired: retired})
	m.writeMu.Unlock()

	m.logger.Info("Signing key rotated",
		"kid", next.KeyID,
		"retired_kid", old.current.KeyID,
		"retired_until", demoted.verifiableUntil(),
		"trigger", trigger)
	m.instrumentation.Metrics().RecordKeyRotation(ctx, trigger)
	m.auditor.LogEvent(security.Event{
		Type: security.EventSigningKeyRotated,
		Details: map[string]any{
			"kid":         next.KeyID,
			"retired_kid": old.current.KeyID,
			"trigger":     trigger,
		},
	})

	return next, nil
}

// PruneExpired drops retired keys whose overlap window has passed and
// returns how many were removed.
func (m *Manager) PruneExpired(ctx context.Context) int {
	now := m.config.Now()

	m.writeMu.Lock()
	old := m.ring.Load()
	kept := make([]*SigningKey, 0, len(old.retired))
	var pruned []string
	for _, k := range old.retired {
		if now.Before(k.verifiableUntil()) {
			kept = append(kept, k)
		} else {
			pruned = append(pruned, k.KeyID)
		}
	}
	if len(pruned) > 0 {
		m.ring.Store(&keyRing{current: old.current, retired: kept})
	}
	m.writeMu.Unlock()

	if len(pruned) == 0 {
		return 0
	}

	m.logger.Info("Pruned expired signing keys", "kids", pruned)
	m.instrumentation.Metrics().RecordKeysPruned(ctx, len(pruned))
	m.auditor.LogEvent(security.Event{
		Type:    security.EventSigningKeysPruned,
		Details: map[string]any{"kids": pruned},
	})
	return len(pruned)
}

// Start runs scheduled rotation and pruning until ctx is done or Stop is called
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.run(ctx)
}

// Stop halts the background loop and waits for it to exit
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	pruneTicker := time.NewTicker(m.config.PruneInterval)
	defer pruneTicker.Stop()

	var rotateC <-chan time.Time
	if m.config.RotationInterval > 0 {
		rotateTicker := time.NewTicker(m.config.RotationInterval)
		defer rotateTicker.Stop()
		rotateC = rotateTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-pruneTicker.C:
			m.PruneExpired(ctx)
		case <-rotateC:
			if _, err := m.rotate(ctx, "scheduled"); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error("Scheduled key rotation failed", "error", err)
			}
		}
	}
}
