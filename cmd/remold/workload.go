package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/remold/remold"
	"github.com/remold/remold/internal/spawn"
)

// echoWorkload is the workload the standalone binary serves: one unit of
// work is one TCP connection on the shared listener, answered with a line
// identifying the process that took it. Its warmth is the total units the
// lineage has served, carried across promotions in the handoff blob.
type echoWorkload struct {
	sh      *remold.Shim
	id      spawn.Identity
	ln      net.Listener
	lineage atomic.Uint64
}

type echoHandoff struct {
	LineageServed uint64 `json:"lineage_served"`
}

func newEchoWorkload() *echoWorkload { return &echoWorkload{} }

func (w *echoWorkload) OnFork(sh *remold.Shim) error {
	w.sh = sh
	w.id, _ = spawn.FromEnv()
	// No listener configured is fine; the worker just idles warm.
	if ln, err := remold.SharedListener(); err == nil {
		w.ln = ln
	}
	return nil
}

func (w *echoWorkload) ServeUnit(ctx context.Context) error {
	if w.ln == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
			return remold.ErrNoUnit
		}
	}
	if tl, ok := w.ln.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(250 * time.Millisecond))
	}
	conn, err := w.ln.Accept()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return remold.ErrNoUnit
		}
		return err
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	served := w.lineage.Add(1)
	var requests uint64
	if w.sh != nil {
		requests = w.sh.RequestCount() + 1
	}
	_, err = fmt.Fprintf(conn, "remold pid=%d seq=%d generation=%d requests=%d lineage=%d\n",
		os.Getpid(), w.id.Seq, w.id.Generation, requests, served)
	return err
}

func (w *echoWorkload) SnapshotForHandoff() ([]byte, error) {
	return json.Marshal(echoHandoff{LineageServed: w.lineage.Load()})
}

func (w *echoWorkload) AbsorbHandoff(data []byte) error {
	var h echoHandoff
	if err := json.Unmarshal(data, &h); err != nil {
		return err
	}
	w.lineage.Store(h.LineageServed)
	return nil
}
