// Package activity records session last-seen data off the request path.
// Reports are queued to a background worker so a slow or failing write
// never delays a login or token check.
package activity

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/helioslabs/gatekeep/internal/clock"
	"github.com/helioslabs/gatekeep/internal/repository"
)

type report struct {
	sessionID uuid.UUID
	at        time.Time
	ip        string
}

// Tracker owns the background worker draining queued activity reports.
type Tracker struct {
	store repository.Store
	log   *zap.Logger
	clk   clock.Clock

	ch chan report
	wg sync.WaitGroup
}

// New starts a tracker with the given queue capacity.
func New(store repository.Store, log *zap.Logger, clk clock.Clock, buffer int) *Tracker {
	t := &Tracker{
		store: store,
		log:   log,
		clk:   clk,
		ch:    make(chan report, buffer),
	}
	t.wg.Add(1)
	go t.run()
	return t
}

func (t *Tracker) run() {
	defer t.wg.Done()
	for r := range t.ch {
		t.write(r)
	}
}

func (t *Tracker) write(r report) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	repo, err := t.store.Begin(ctx)
	if err != nil {
		t.log.Warn("activity: begin failed", zap.Error(err))
		return
	}
	defer repo.Cancel(ctx)

	if err := repo.CompatSessions().RecordActivity(ctx, r.sessionID, r.at, r.ip); err != nil {
		t.log.Warn("activity: record failed",
			zap.String("session_id", r.sessionID.String()), zap.Error(err))
		return
	}
	if err := repo.Save(ctx); err != nil {
		t.log.Warn("activity: save failed",
			zap.String("session_id", r.sessionID.String()), zap.Error(err))
	}
}

// Bind ties the tracker to one request's client IP.
func (t *Tracker) Bind(ip string) *Bound { return &Bound{t: t, ip: ip} }

// Close stops accepting reports and waits for the queue to drain.
func (t *Tracker) Close() {
	close(t.ch)
	t.wg.Wait()
}

// Bound is a per-request handle carrying the client IP.
type Bound struct {
	t  *Tracker
	ip string
}

// RecordCompatSession queues a last-seen update for the session. When the
// queue is full the report is dropped, keeping the request path unblocked.
func (b *Bound) RecordCompatSession(sessionID uuid.UUID) {
	r := report{sessionID: sessionID, at: b.t.clk.Now(), ip: b.ip}
	select {
	case b.t.ch <- r:
	default:
		b.t.log.Warn("activity: queue full, dropping report",
			zap.String("session_id", sessionID.String()))
	}
}
