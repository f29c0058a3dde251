package proxy

import (
	"bufio"
	"crypto/tls"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/egressd/egressd/internal/audit"
	"github.com/egressd/egressd/internal/httpparser"
	"github.com/egressd/egressd/internal/logging"
	"github.com/egressd/egressd/internal/policy"
)

// peekedConn replays bytes already buffered by the dispatch reader
// before handing reads back to the socket.
type peekedConn struct {
	net.Conn
	r io.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// serveMITM terminates the CONNECT with a minted certificate and runs
// the decrypted byte stream through the HTTP/1.1 request loop. The
// domain verdict and rate charge already happened on the CONNECT.
func (p *Proxy) serveMITM(conn net.Conn, br *bufio.Reader, host string, port int,
	res policy.MatchResult, entry *audit.Entry, start time.Time) {

	cert, err := p.mint.CertFor(host)
	if err != nil {
		logging.Error("certificate mint", zap.String("domain", host), zap.Error(err))
		entry.StatusCode = 500
		p.finish(entry, start, "error", policy.MatchResult{Reason: policy.ReasonInternalError})
		return
	}

	io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\nProxy-Agent: "+p.cfg.Server.ProxyAgent+"\r\n\r\n")

	tlsConn := tls.Server(&peekedConn{Conn: conn, r: io.MultiReader(br, conn)}, &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	})
	tlsConn.SetReadDeadline(time.Now().Add(p.cfg.Server.Timeouts.Connect))
	if err := tlsConn.Handshake(); err != nil {
		logging.Debug("mitm handshake failed", zap.String("host", host), zap.Error(err))
		entry.StatusCode = 400
		p.finish(entry, start, "error", policy.MatchResult{Reason: policy.ReasonInternalError})
		return
	}
	tlsConn.SetReadDeadline(time.Time{})

	entry.StatusCode = 200
	p.finish(entry, start, "allowed", res)

	s := &http1Session{
		p:        p,
		conn:     tlsConn,
		br:       bufio.NewReader(tlsConn),
		ip:       entry.ClientIP,
		mitm:     true,
		tlsHost:  host,
		tlsPort:  port,
		protocol: "mitm",
	}
	parser := httpparser.New(p.cfg.Server.Limits.MaxHeaderBytes, p.cfg.Server.Limits.MaxRequestBody)
	s.run(parser)
	tlsConn.Close()
}
