// Package synchronizer drives the validate, rewind, scan and purge cycle over
// the block cache.
package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Abdullah1738/juno-lightclient/internal/cache"
	"github.com/Abdullah1738/juno-lightclient/internal/errs"
	"github.com/Abdullah1738/juno-lightclient/internal/logging"
	"github.com/Abdullah1738/juno-lightclient/internal/rewind"
	"github.com/Abdullah1738/juno-lightclient/internal/scanner"
	"github.com/Abdullah1738/juno-lightclient/internal/store"
	"github.com/Abdullah1738/juno-lightclient/internal/validator"
	"github.com/sirupsen/logrus"
)

const (
	DefaultReorgStep      = 10
	DefaultCacheRetention = 1000
	DefaultPollInterval   = 2 * time.Second
)

type Options struct {
	PollInterval time.Duration
	// ReorgStep is how much further back each repeated discontinuity at the
	// same height rewinds.
	ReorgStep int64
	// CacheRetention is how many blocks at or below the watermark stay
	// cached for replay. Zero keeps everything.
	CacheRetention int64
	// BatchSize caps the blocks scanned per pass. Zero means no cap.
	BatchSize int64
}

type Progress struct {
	Scanned   scanner.Result
	Rewound   bool
	RewoundTo int64
	// Advanced reports whether the step changed the watermark.
	Advanced bool
}

type Synchronizer struct {
	cache cache.Store
	st    store.Store
	v     *validator.Validator
	sc    *scanner.Scanner
	rw    *rewind.Controller
	opt   Options
	log   *logrus.Entry

	wake chan struct{}

	// mu serializes sync passes with rewinds requested from outside.
	mu                sync.Mutex
	lastDiscontinuity int64
	backoff           int64
}

func New(c cache.Store, st store.Store, sc *scanner.Scanner, rw *rewind.Controller, opt Options) (*Synchronizer, error) {
	if c == nil || st == nil {
		return nil, errors.New("synchronizer: cache and store are required")
	}
	if sc == nil || rw == nil {
		return nil, errors.New("synchronizer: scanner and rewind controller are required")
	}
	v, err := validator.New(c, st)
	if err != nil {
		return nil, err
	}
	if opt.PollInterval <= 0 {
		opt.PollInterval = DefaultPollInterval
	}
	if opt.ReorgStep <= 0 {
		opt.ReorgStep = DefaultReorgStep
	}
	if opt.CacheRetention < 0 {
		opt.CacheRetention = 0
	}
	return &Synchronizer{
		cache:             c,
		st:                st,
		v:                 v,
		sc:                sc,
		rw:                rw,
		opt:               opt,
		log:               logging.For("synchronizer"),
		wake:              make(chan struct{}, 1),
		lastDiscontinuity: -1,
	}, nil
}

// Notify wakes Run early, typically after a block was cached.
func (s *Synchronizer) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Synchronizer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opt.PollInterval)
	defer ticker.Stop()

	for {
		for {
			p, err := s.SyncOnce(ctx)
			if err != nil {
				return err
			}
			if !p.Advanced {
				break
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// SyncOnce makes one step of progress: scan the validated part of the cache,
// or rewind when validation found a discontinuity right at the watermark.
func (s *Synchronizer) SyncOnce(ctx context.Context) (Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, lastScanned, verr := s.v.ValidateCache(ctx)
	if verr != nil && errs.CodeOf(verr) != errs.CodeChainDiscontinuity {
		return Progress{}, verr
	}

	if !r.Empty() {
		end := r.End
		if s.opt.BatchSize > 0 && r.Len() > s.opt.BatchSize {
			end = r.Start + s.opt.BatchSize - 1
		}
		res, err := s.sc.Scan(ctx, s.cache.Range(ctx, r.Start, end))
		if errs.CodeOf(err) == errs.CodeWatermarkMoved {
			s.log.WithError(err).Warn("watermark moved during scan, revalidating")
			return Progress{Scanned: res, Advanced: true}, nil
		}
		if err != nil {
			return Progress{Scanned: res}, err
		}
		if verr == nil {
			s.lastDiscontinuity, s.backoff = -1, 0
		}
		if err := s.purge(ctx, res.Watermark); err != nil {
			return Progress{Scanned: res}, err
		}
		return Progress{Scanned: res, Advanced: res.Watermark != lastScanned}, nil
	}

	if verr == nil {
		return Progress{Scanned: scanner.Result{Watermark: lastScanned}}, nil
	}

	at, _ := errs.HeightOf(verr)
	target, err := s.rewindTarget(ctx, at, lastScanned)
	if err != nil {
		return Progress{}, err
	}
	if target >= lastScanned {
		return Progress{}, verr
	}

	s.log.WithFields(logrus.Fields{
		"discontinuity": at,
		"watermark":     lastScanned,
		"height":        target,
	}).Warn("chain discontinuity, rewinding")
	if _, err := s.rw.RewindTo(ctx, target); err != nil {
		return Progress{}, err
	}
	return Progress{Rewound: true, RewoundTo: target, Scanned: scanner.Result{Watermark: target}, Advanced: true}, nil
}

// RewindTo rewinds the wallet between sync passes, never during one.
func (s *Synchronizer) RewindTo(ctx context.Context, height int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.rw.RewindTo(ctx, height)
	if err != nil {
		return ok, err
	}
	s.lastDiscontinuity, s.backoff = -1, 0
	s.Notify()
	return ok, nil
}

// purge drops cached blocks that no rewind within CacheRetention of the
// watermark can need. A target whose tree state was pruned replays from the
// nearest older checkpoint, so the blocks above that checkpoint stay.
func (s *Synchronizer) purge(ctx context.Context, watermark int64) error {
	if s.opt.CacheRetention <= 0 {
		return nil
	}
	below := watermark - s.opt.CacheRetention + 1
	base, ok, err := s.st.TreeStateAtOrBelow(ctx, below)
	if err != nil {
		return fmt.Errorf("synchronizer: tree state at or below %d: %w", below, err)
	}
	if ok && base.Height+1 < below {
		below = base.Height + 1
	}
	if err := s.cache.Purge(ctx, below); err != nil {
		return fmt.Errorf("synchronizer: purge cache: %w", err)
	}
	return nil
}

// rewindTarget picks where to rewind for a discontinuity at height. A cached
// block replacing a scanned one rewinds to just below it; a cached block that
// does not extend the watermark means the watermark itself is stale. Repeats
// at the same height step back further each time.
func (s *Synchronizer) rewindTarget(ctx context.Context, height, lastScanned int64) (int64, error) {
	target := height - 1
	if height > lastScanned {
		target = lastScanned - s.opt.ReorgStep
	}
	if height == s.lastDiscontinuity {
		s.backoff += s.opt.ReorgStep
		target -= s.backoff
	} else {
		s.lastDiscontinuity, s.backoff = height, 0
	}

	first, ok, err := s.st.EarliestTreeState(ctx)
	if err != nil {
		return 0, fmt.Errorf("synchronizer: earliest tree state: %w", err)
	}
	if ok && target < first.Height {
		target = first.Height
	}
	return target, nil
}
