// Package clipboard defines the polymorphic read/write/subscribe contract
// over OS clipboard backends. The platform-specific backends themselves are
// an external collaborator the core merely consumes; this package owns only
// the capability contract, the size-bounding behavior, and a poll-based
// adapter for backends with no native subscription.
package clipboard

import (
	"context"
	"sync"
	"time"

	"github.com/post-sync/post/internal/payload"
	"github.com/post-sync/post/internal/posterr"
)

// DefaultMaxSizeBytes is the default cap on payload content, used when
// config.clipboard.max_size_bytes is unset.
const DefaultMaxSizeBytes = 1 << 20 // 1 MiB

// Content is what a Backend reads or writes: opaque bytes plus an advisory
// MIME tag. It deliberately omits the fields the sync engine stamps (id,
// origin, created_at) since the adapter has no opinion on those.
type Content struct {
	Bytes []byte
	Mime  payload.MIME
}

// Backend is the minimal capability every platform implementation must
// provide. Read returns ok=false when the clipboard is empty or unreadable;
// it never returns an error for "nothing there", only for genuine I/O
// failure.
type Backend interface {
	Read() (Content, bool, error)
	Write(Content) error
	Close() error
}

// Subscriber is an optional capability: backends that can push changes
// natively (platform clipboard-changed notifications) implement it so the
// adapter skips polling.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan Content, error)
}

// Adapter wraps a Backend with a size-bounding contract and exposes the
// read/write/subscribe capability set the sync engine consumes.
type Adapter struct {
	backend      Backend
	maxSizeBytes int

	mu           sync.Mutex
	pollInterval time.Duration
}

// New wraps backend with the given size cap. maxSizeBytes <= 0 uses
// DefaultMaxSizeBytes.
func New(backend Backend, maxSizeBytes int) *Adapter {
	if maxSizeBytes <= 0 {
		maxSizeBytes = DefaultMaxSizeBytes
	}
	return &Adapter{backend: backend, maxSizeBytes: maxSizeBytes, pollInterval: 200 * time.Millisecond}
}

// Read returns the current clipboard content, or ok=false if empty or over
// the size cap.
func (a *Adapter) Read() (Content, bool, error) {
	c, ok, err := a.backend.Read()
	if err != nil {
		return Content{}, false, posterr.New(posterr.KindClipboard, "read", err)
	}
	if !ok {
		return Content{}, false, nil
	}
	if len(c.Bytes) > a.maxSizeBytes {
		return Content{}, false, nil
	}
	return c, true, nil
}

// Write applies content to the backend, rejecting it outright if it exceeds
// the cap so a caller never silently truncates.
func (a *Adapter) Write(c Content) error {
	if len(c.Bytes) > a.maxSizeBytes {
		return posterr.New(posterr.KindClipboard, "write", posterr.ErrTooLarge)
	}
	if err := a.backend.Write(c); err != nil {
		return posterr.New(posterr.KindClipboard, "write", err)
	}
	return nil
}

func (a *Adapter) Close() error {
	return a.backend.Close()
}

// Subscribe returns a channel of clipboard changes. If the backend
// implements Subscriber natively, its stream is used; otherwise Subscribe
// falls back to polling at pollInterval.
func (a *Adapter) Subscribe(ctx context.Context) (<-chan Content, error) {
	if sub, ok := a.backend.(Subscriber); ok {
		upstream, err := sub.Subscribe(ctx)
		if err != nil {
			return nil, posterr.New(posterr.KindClipboard, "subscribe", err)
		}
		out := make(chan Content)
		go func() {
			defer close(out)
			for {
				select {
				case <-ctx.Done():
					return
				case c, ok := <-upstream:
					if !ok {
						return
					}
					if len(c.Bytes) <= a.maxSizeBytes {
						select {
						case out <- c:
						case <-ctx.Done():
							return
						}
					}
				}
			}
		}()
		return out, nil
	}

	out := make(chan Content)
	go a.poll(ctx, out)
	return out, nil
}

func (a *Adapter) poll(ctx context.Context, out chan<- Content) {
	defer close(out)

	a.mu.Lock()
	interval := a.pollInterval
	a.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastFP payload.Fingerprint
	haveLast := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c, ok, err := a.Read()
			if err != nil || !ok {
				continue
			}
			fp := payload.FingerprintOf(c.Bytes)
			if haveLast && fp.Equal(lastFP) {
				continue
			}
			haveLast = true
			lastFP = fp

			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}
}

// SetPollInterval overrides the default 200ms poll cadence used by the
// Subscribe polling fallback; the sync engine drives its own poll interval
// directly via Read.
func (a *Adapter) SetPollInterval(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pollInterval = d
}
