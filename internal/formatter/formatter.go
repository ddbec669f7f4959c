// Package formatter turns raw click identifiers into the canonical form the
// ad platforms expect on their ingestion APIs.
//
// For Facebook the canonical form is fb.<subdomainIndex>.<creationTime>.<raw>,
// with subdomainIndex fixed at 1 (apex domain) and creationTime in seconds
// since the epoch. Google gclids are used verbatim.
package formatter

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"gitlab.com/timkado/api/click-attribution/internal/apperrors"
	"gitlab.com/timkado/api/click-attribution/internal/model"
	"gitlab.com/timkado/api/click-attribution/pkg/utils"
)

const (
	subdomainIndex = 1
	maxPerturb     = 100
)

var canonicalFbc = regexp.MustCompile(`^fb\.\d+\.\d+\..+`)

// Sequence yields monotonically increasing numbers.
type Sequence interface {
	Next() uint64
}

// Counter is an in-memory Sequence. The store seeds it from its row count so
// restarts do not replay the same perturbations.
type Counter struct {
	n atomic.Uint64
}

// NewCounter returns a Counter whose first Next() is start+1.
func NewCounter(start uint64) *Counter {
	c := &Counter{}
	c.n.Store(start)
	return c
}

// Next implements Sequence.
func (c *Counter) Next() uint64 {
	return c.n.Add(1)
}

// Option configures a Formatter.
type Option func(*Formatter)

// WithClock overrides the clock used when no creation time hint is given.
func WithClock(now func() time.Time) Option {
	return func(f *Formatter) {
		f.now = now
	}
}

// Formatter canonicalizes click identifiers.
type Formatter struct {
	now func() time.Time
	seq Sequence
}

// New creates a Formatter. A nil seq gets a fresh in-memory Counter.
func New(seq Sequence, opts ...Option) *Formatter {
	if seq == nil {
		seq = NewCounter(0)
	}
	f := &Formatter{now: utils.Now, seq: seq}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Canonicalize returns the canonical id for raw.
//
// Already canonical Facebook ids are returned unchanged, so the operation is
// idempotent. With a hint the result depends only on (raw, hint). Without one
// the timestamp is now plus a perturbation in [1,100] taken from the sequence.
func (f *Formatter) Canonicalize(raw string, hint *time.Time, provider model.Provider) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("%w: raw id is empty", apperrors.ErrInvalidIdentifier)
	}

	switch provider {
	case model.ProviderGoogle:
		return raw, nil
	case model.ProviderFacebook:
	default:
		return "", fmt.Errorf("%w: %q", apperrors.ErrUnsupportedProvider, provider)
	}

	if IsCanonical(raw) {
		return raw, nil
	}

	var ts int64
	if hint != nil && !hint.IsZero() {
		ts = hint.Unix()
	} else {
		ts = f.now().Unix() + f.perturb()
	}
	return fmt.Sprintf("fb.%d.%d.%s", subdomainIndex, ts, raw), nil
}

func (f *Formatter) perturb() int64 {
	return int64((f.seq.Next()-1)%maxPerturb) + 1
}

// IsCanonical reports whether id already has the fb.<n>.<ts>.<raw> shape.
func IsCanonical(id string) bool {
	return canonicalFbc.MatchString(id)
}
