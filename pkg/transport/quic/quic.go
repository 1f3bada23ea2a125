// Package quic carries virtual circuits over a QUIC stream. Each circuit
// gets its own QUIC connection with a single bidirectional stream opened by
// the server, since the server speaks first in the validation handshake.
package quic

import (
    "context"
    "crypto/rand"
    "crypto/rsa"
    "crypto/tls"
    "crypto/x509"
    "errors"
    "math/big"
    "net"
    "net/netip"
    "sync"
    "time"

    quicgo "github.com/quic-go/quic-go"

    "pvnet/pkg/transport"
)

// ALPN is the application protocol negotiated on every connection.
const ALPN = "pva-quic"

// Connector dials circuits over QUIC.
type Connector struct {
    TLS  *tls.Config
    Conf *quicgo.Config
}

// NewConnector returns a Connector that does not verify server
// certificates; servers present ephemeral self-signed ones.
func NewConnector() *Connector {
    return &Connector{
        TLS: &tls.Config{
            InsecureSkipVerify: true,
            NextProtos:         []string{ALPN},
            MinVersion:         tls.VersionTLS13,
        },
        Conf: &quicgo.Config{KeepAlivePeriod: 15 * time.Second},
    }
}

func (c *Connector) Kind() transport.Kind { return transport.KindQUIC }

// Connect dials ep and waits for the server to open the circuit stream.
func (c *Connector) Connect(ctx context.Context, ep netip.AddrPort) (net.Conn, error) {
    conn, err := quicgo.DialAddr(ctx, ep.String(), c.TLS, c.Conf)
    if err != nil { return nil, err }
    st, err := conn.AcceptStream(ctx)
    if err != nil {
        _ = conn.CloseWithError(0, "no stream")
        return nil, err
    }
    return newStreamConn(conn, st), nil
}

// Listener accepts QUIC connections and opens the circuit stream on each.
type Listener struct {
    l *quicgo.Listener
}

// Listen starts a QUIC listener with an ephemeral self-signed certificate.
func Listen(address string) (*Listener, error) {
    cert, err := selfSignedCert()
    if err != nil { return nil, err }
    tlsConf := &tls.Config{
        Certificates: []tls.Certificate{cert},
        NextProtos:   []string{ALPN},
        MinVersion:   tls.VersionTLS13,
    }
    l, err := quicgo.ListenAddr(address, tlsConf, &quicgo.Config{KeepAlivePeriod: 15 * time.Second})
    if err != nil { return nil, err }
    return &Listener{l: l}, nil
}

func (l *Listener) Addr() net.Addr { return l.l.Addr() }
func (l *Listener) Close() error   { return l.l.Close() }

// Accept returns the circuit stream of the next connection.
func (l *Listener) Accept(ctx context.Context) (net.Conn, error) {
    conn, err := l.l.Accept(ctx)
    if err != nil { return nil, err }
    st, err := conn.OpenStreamSync(ctx)
    if err != nil {
        _ = conn.CloseWithError(0, "stream open failed")
        return nil, err
    }
    return newStreamConn(conn, st), nil
}

// streamConn adapts one QUIC stream to net.Conn. Closing it closes the
// whole connection.
type streamConn struct {
    quicgo.Stream
    conn      quicgo.Connection
    closeOnce sync.Once
}

func newStreamConn(conn quicgo.Connection, st quicgo.Stream) *streamConn {
    return &streamConn{Stream: st, conn: conn}
}

func (s *streamConn) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *streamConn) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *streamConn) Read(p []byte) (int, error) {
    n, err := s.Stream.Read(p)
    var appErr *quicgo.ApplicationError
    if errors.As(err, &appErr) { err = net.ErrClosed }
    return n, err
}

func (s *streamConn) Close() error {
    var err error
    s.closeOnce.Do(func() {
        _ = s.Stream.Close()
        err = s.conn.CloseWithError(0, "")
    })
    return err
}

// selfSignedCert generates a short-lived self-signed certificate.
func selfSignedCert() (tls.Certificate, error) {
    priv, err := rsa.GenerateKey(rand.Reader, 2048)
    if err != nil { return tls.Certificate{}, err }
    tmpl := x509.Certificate{
        SerialNumber:          big.NewInt(time.Now().UnixNano()),
        NotBefore:             time.Now().Add(-time.Minute),
        NotAfter:              time.Now().Add(24 * time.Hour),
        KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
        ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
        BasicConstraintsValid: true,
        DNSNames:              []string{"localhost"},
    }
    der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
    if err != nil { return tls.Certificate{}, err }
    return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
