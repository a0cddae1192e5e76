package credstore

import (
	"context"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var tierFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "medpass_credstore_tier_fallbacks_total",
	Help: "Times the hardened credential tier failed and the fast tier was used",
}, []string{"op"})

// Tiered chains a hardened store in front of a fast store. Hardened-tier
// failures are swallowed: the operation falls back to the fast tier with a
// logged diagnostic, and the caller never observes the failure. Losing
// secure storage must never block authentication.
type Tiered struct {
	hardened Store // may be nil when the hardened tier failed to initialize
	fast     Store
	log      *slog.Logger
}

// NewTiered creates a tiered store. hardened may be nil if the hardened
// tier is unavailable on this device; everything then lives in fast.
func NewTiered(hardened, fast Store, log *slog.Logger) *Tiered {
	if log == nil {
		log = slog.Default()
	}
	return &Tiered{hardened: hardened, fast: fast, log: log}
}

// Get reads key from the hardened tier, falling back to the fast tier on a
// miss or on any hardened-tier failure.
func (t *Tiered) Get(ctx context.Context, key string) (string, error) {
	if t.hardened != nil {
		v, err := t.hardened.Get(ctx, key)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			t.fallback(ctx, "get", key, err)
		}
	}
	return t.fast.Get(ctx, key)
}

// Set writes key to the hardened tier, falling back to the fast tier on
// failure. On a successful hardened write any stale fast-tier copy is
// removed so a key lives in exactly one tier.
func (t *Tiered) Set(ctx context.Context, key, value string) error {
	if value == "" {
		return t.Delete(ctx, key)
	}
	if t.hardened != nil {
		err := t.hardened.Set(ctx, key, value)
		if err == nil {
			if derr := t.fast.Delete(ctx, key); derr != nil {
				t.log.WarnContext(ctx, "fast tier cleanup failed", "key", key, "error", derr)
			}
			return nil
		}
		t.fallback(ctx, "set", key, err)
	}
	return t.fast.Set(ctx, key, value)
}

// Delete removes key from both tiers. Individual tier failures are logged
// and swallowed; Delete itself never fails.
func (t *Tiered) Delete(ctx context.Context, key string) error {
	if t.hardened != nil {
		if err := t.hardened.Delete(ctx, key); err != nil {
			t.fallback(ctx, "delete", key, err)
		}
	}
	if err := t.fast.Delete(ctx, key); err != nil {
		t.log.WarnContext(ctx, "fast tier delete failed", "key", key, "error", err)
	}
	return nil
}

func (t *Tiered) fallback(ctx context.Context, op, key string, err error) {
	tierFallbacks.WithLabelValues(op).Inc()
	t.log.WarnContext(ctx, "hardened tier unavailable, using fast tier",
		"op", op,
		"key", key,
		"error", err,
	)
}
