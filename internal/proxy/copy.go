package proxy

import (
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"
)

// errBodyTooLarge aborts a streaming copy when the running total
// exceeds the configured cap.
var errBodyTooLarge = errors.New("body size limit exceeded")

// splice moves bytes between client and upstream in both directions
// until either side closes or stays idle past idleTimeout. Each read
// pushes the deadline forward, so only true inactivity tears the pair
// down. Returns bytes moved client-to-upstream and upstream-to-client.
func splice(client, upstream net.Conn, idleTimeout time.Duration) (in, out int64) {
	var inN, outN atomic.Int64
	done := make(chan struct{}, 2)

	copyDir := func(dst, src net.Conn, n *atomic.Int64) {
		buf := make([]byte, 32*1024)
		for {
			if idleTimeout > 0 {
				src.SetReadDeadline(time.Now().Add(idleTimeout))
			}
			nr, rerr := src.Read(buf)
			if nr > 0 {
				n.Add(int64(nr))
				if _, werr := dst.Write(buf[:nr]); werr != nil {
					break
				}
			}
			if rerr != nil {
				break
			}
		}
		// Unblock the opposite direction.
		client.SetReadDeadline(time.Now())
		upstream.SetReadDeadline(time.Now())
		done <- struct{}{}
	}

	go copyDir(upstream, client, &inN)
	copyDir(client, upstream, &outN)
	<-done

	return inN.Load(), outN.Load()
}

// limitWriter wraps a writer and fails once more than max bytes pass
// through. max <= 0 means unlimited.
type limitWriter struct {
	w   io.Writer
	n   int64
	max int64
}

func (lw *limitWriter) Write(p []byte) (int, error) {
	if lw.max > 0 && lw.n+int64(len(p)) > lw.max {
		return 0, errBodyTooLarge
	}
	n, err := lw.w.Write(p)
	lw.n += int64(n)
	return n, err
}

// captureWriter tees the first max bytes into an in-memory buffer for
// audit body capture and discards the rest.
type captureWriter struct {
	buf []byte
	max int
}

func (cw *captureWriter) Write(p []byte) (int, error) {
	if cw.max > 0 && len(cw.buf) < cw.max {
		room := cw.max - len(cw.buf)
		if room > len(p) {
			room = len(p)
		}
		cw.buf = append(cw.buf, p[:room]...)
	}
	return len(p), nil
}

func (cw *captureWriter) String() string { return string(cw.buf) }

// deadlineReader resets the read deadline before every read so a body
// stream enforces the response timeout incrementally.
type deadlineReader struct {
	r       io.Reader
	conn    net.Conn
	timeout time.Duration
}

func (dr *deadlineReader) Read(p []byte) (int, error) {
	if dr.timeout > 0 {
		dr.conn.SetReadDeadline(time.Now().Add(dr.timeout))
	}
	return dr.r.Read(p)
}
