package digest

import (
	"encoding/hex"
	"sync"

	"github.com/opd-ai/go-randomx"
	"go.uber.org/zap"
)

// RandomX hands out handles backed by one hasher per seed. Building a
// full-mode hasher allocates the 2GB dataset, so workers on the same seed
// share it and it is released when the last handle closes.
type RandomX struct {
	profile Profile
	logger  *zap.SugaredLogger
	lock    sync.Mutex
	hashers map[string]*sharedHasher
}

type sharedHasher struct {
	key   string
	refs  int
	hash  func(blob []byte) Digest
	close func()
}

func NewRandomX(profile Profile, logger *zap.SugaredLogger) *RandomX {
	return &RandomX{
		profile: profile,
		logger:  logger.With(zap.String("component", "randomx")),
		hashers: map[string]*sharedHasher{},
	}
}

func (rx *RandomX) Name() string {
	return "randomx-" + string(rx.profile)
}

func (rx *RandomX) Init(seed []byte) (Handle, error) {
	key := hex.EncodeToString(seed)
	rx.lock.Lock()
	defer rx.lock.Unlock()

	if shared, ok := rx.hashers[key]; ok {
		shared.refs++
		return &randomXHandle{owner: rx, shared: shared}, nil
	}

	mode := randomx.FastMode
	if rx.profile == ProfileLight {
		mode = randomx.LightMode
	}
	rx.logger.Infof("initializing %s hasher for seed %s", rx.profile, key)
	hasher, err := randomx.New(randomx.Config{
		Mode:     mode,
		CacheKey: append([]byte(nil), seed...),
	})
	if err != nil {
		return nil, &EngineError{Engine: rx.Name(), Op: "initialize seed " + key, Err: err}
	}
	shared := &sharedHasher{
		key:  key,
		refs: 1,
		hash: func(blob []byte) (out Digest) {
			sum := hasher.Hash(blob)
			copy(out[:], sum[:])
			return out
		},
		close: func() { hasher.Close() },
	}
	rx.hashers[key] = shared
	return &randomXHandle{owner: rx, shared: shared}, nil
}

func (rx *RandomX) release(shared *sharedHasher) {
	rx.lock.Lock()
	defer rx.lock.Unlock()
	shared.refs--
	if shared.refs > 0 {
		return
	}
	delete(rx.hashers, shared.key)
	rx.logger.Debugf("releasing hasher for seed %s", shared.key)
	shared.close()
}

type randomXHandle struct {
	owner  *RandomX
	shared *sharedHasher
	once   sync.Once
}

func (h *randomXHandle) Compute(blob []byte, nonce uint32) (Digest, error) {
	if err := PutNonce(blob, nonce); err != nil {
		return Digest{}, err
	}
	return h.shared.hash(blob), nil
}

func (h *randomXHandle) Close() {
	h.once.Do(func() { h.owner.release(h.shared) })
}
