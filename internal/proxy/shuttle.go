// Package proxy implements the bidirectional byte shuttle that joins a
// public connection with its client-side data connection once a pending
// connection is claimed (spec §4.3).
package proxy

import (
	"io"
	"net"
	"sync"

	"github.com/kallelund/boretun/internal/obs"
)

// bufSize matches the teacher's tcpBufferSize choice, comfortably above
// the spec's 8 KiB floor.
const bufSize = 32 * 1024

type halfCloser interface {
	CloseWrite() error
}

// Shuttle copies bytes between a and b until both directions have
// finished. When one direction hits EOF or a non-fatal I/O error, it
// half-closes the write side of the peer connection rather than
// closing it outright, so any bytes already in flight the other way can
// still be delivered before both sockets are torn down. Errors are
// logged, never returned: per spec, a shuttle's failures are confined
// to the one connection pair.
func Shuttle(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go copyHalfClose(&wg, b, a)
	go copyHalfClose(&wg, a, b)
	wg.Wait()
	_ = a.Close()
	_ = b.Close()
}

func copyHalfClose(wg *sync.WaitGroup, dst, src net.Conn) {
	defer wg.Done()
	buf := make([]byte, bufSize)
	if _, err := io.CopyBuffer(dst, src, buf); err != nil {
		obs.Debug("proxy.copy", obs.Fields{"err": err.Error()})
	}
	if hc, ok := dst.(halfCloser); ok {
		_ = hc.CloseWrite()
	}
}
