package mfs

import (
	"context"
	"sync"
	"time"

	cid "github.com/ipfs/go-cid"
)

// PubFunc is the user-supplied function that publishes a new root CID.
type PubFunc func(context.Context, cid.Cid) error

// Republisher debounces publishes of an updated root: a burst of updates
// results in a single publish after TimeoutShort of quiet, and a steady
// stream of updates still publishes at least every TimeoutLong.
type Republisher struct {
	TimeoutShort time.Duration
	TimeoutLong  time.Duration

	pubfunc PubFunc

	changed  chan struct{}
	pubnowch chan chan struct{}

	ctx    context.Context
	cancel func()

	lk      sync.Mutex
	val     cid.Cid
	lastpub cid.Cid
}

// NewRepublisher creates a new Republisher object to republish the given
// root using the given short and long time intervals. The caller is
// expected to start its Run loop in a goroutine.
func NewRepublisher(ctx context.Context, pf PubFunc, tshort, tlong time.Duration) *Republisher {
	ctx, cancel := context.WithCancel(ctx)
	return &Republisher{
		TimeoutShort: tshort,
		TimeoutLong:  tlong,
		pubfunc:      pf,
		changed:      make(chan struct{}, 1),
		pubnowch:     make(chan chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (rp *Republisher) setVal(c cid.Cid) {
	rp.lk.Lock()
	defer rp.lk.Unlock()
	rp.val = c
}

// Update registers c as the current root. The publish itself happens
// later, from the Run loop.
func (rp *Republisher) Update(c cid.Cid) {
	rp.setVal(c)
	select {
	case rp.changed <- struct{}{}:
	default:
	}
}

// WaitPub returns immediately if the current value has already been
// published, and otherwise blocks until it has been (or the context is
// canceled).
func (rp *Republisher) WaitPub(ctx context.Context) error {
	rp.lk.Lock()
	consistent := rp.lastpub == rp.val
	rp.lk.Unlock()
	if consistent {
		return nil
	}

	wait := make(chan struct{})
	select {
	case rp.pubnowch <- wait:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close publishes the remaining value, if any, and stops the Run loop.
func (rp *Republisher) Close() error {
	err := rp.WaitPub(rp.ctx)
	rp.cancel()
	return err
}

// Run is the main republisher loop. On every change it arms two timers:
// a short one that is pushed back by further changes, and a long one
// that is not, bounding how stale a published root can get. A WaitPub
// call forces the publish immediately.
func (rp *Republisher) Run() {
	for {
		select {
		case <-rp.ctx.Done():
			return
		case <-rp.changed:
		}

		quick := time.NewTimer(rp.TimeoutShort)
		longer := time.NewTimer(rp.TimeoutLong)

		var pubnowresp chan struct{}
	wait:
		for {
			select {
			case <-rp.ctx.Done():
				quick.Stop()
				longer.Stop()
				return
			case <-rp.changed:
				// Still changing, restart the quiet window.
				if !quick.Stop() {
					select {
					case <-quick.C:
					default:
					}
				}
				quick.Reset(rp.TimeoutShort)
			case <-quick.C:
				break wait
			case <-longer.C:
				break wait
			case pubnowresp = <-rp.pubnowch:
				break wait
			}
		}
		quick.Stop()
		longer.Stop()

		err := rp.publish(rp.ctx)
		if pubnowresp != nil {
			close(pubnowresp)
		}
		if err != nil {
			log.Errorf("failed to republish root: %s", err)
		}
	}
}

// publish calls the PubFunc with the current value and records it as the
// last published one.
func (rp *Republisher) publish(ctx context.Context) error {
	rp.lk.Lock()
	topub := rp.val
	rp.lk.Unlock()

	err := rp.pubfunc(ctx, topub)
	if err != nil {
		return err
	}

	rp.lk.Lock()
	rp.lastpub = topub
	rp.lk.Unlock()
	return nil
}
