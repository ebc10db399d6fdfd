package querier

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/mulgadc/queryroute/wire"
	quic "github.com/quic-go/quic-go"
)

// Handler executes one query payload for a trace. The returned bytes
// are streamed back as a DATA frame followed by END; an error becomes
// an ERROR frame. ctx is cancelled when the router ends the trace.
type Handler func(ctx context.Context, traceID string, payload []byte) ([]byte, error)

// Server is the querier-side endpoint of the router stream protocol.
// The query engine plugs in via Handler; everything else (framing,
// heartbeats, per-trace cancellation) lives here.
type Server struct {
	Addr      string
	Handler   Handler
	TLSConfig *tls.Config

	ln     *quic.Listener
	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex // guards ln during startup/shutdown
}

func NewServer(addr string, h Handler) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		Addr:    addr,
		Handler: h,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// ListenAndServe blocks accepting router connections until Close.
func (s *Server) ListenAndServe() error {
	tlsConf := s.TLSConfig
	if tlsConf == nil {
		var err error
		tlsConf, err = makeServerTLSConfig()
		if err != nil {
			return err
		}
	}
	tlsConf.NextProtos = []string{alpn}

	ln, err := quic.ListenAddr(s.Addr, tlsConf, &quic.Config{
		KeepAlivePeriod: 15 * time.Second,
		MaxIdleTimeout:  60 * time.Second,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	slog.Info("querier server listening", "addr", ln.Addr().String(), "alpn", alpn)

	for {
		conn, err := ln.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			slog.Warn("accept conn", "error", err)
			continue
		}
		go s.serveConn(conn)
	}
}

// ListenAddr returns the bound address, useful when Addr was ":0".
func (s *Server) ListenAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.Addr
	}
	return s.ln.Addr().String()
}

// Close stops accepting and tears down the listener.
func (s *Server) Close() error {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *Server) serveConn(conn quic.Connection) {
	defer conn.CloseWithError(0, "bye")
	slog.Debug("router connected", "remote", conn.RemoteAddr())

	for {
		st, err := conn.AcceptStream(s.ctx)
		if err != nil {
			slog.Debug("router disconnected", "remote", conn.RemoteAddr(), "error", err)
			return
		}
		go s.serveStream(st)
	}
}

// serveStream drives one long-lived router stream: frames for many
// traces interleave; each DATA frame runs the handler in its own
// goroutine and responses are serialized through writeMu.
func (s *Server) serveStream(st quic.Stream) {
	defer st.Close()

	br := bufio.NewReaderSize(st, 64*1024)
	bw := bufio.NewWriterSize(st, 64*1024)

	var writeMu sync.Mutex
	write := func(f wire.Frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := wire.WriteFrame(bw, f); err != nil {
			return err
		}
		return bw.Flush()
	}

	var tracesMu sync.Mutex
	traces := make(map[string]context.CancelFunc)
	defer func() {
		tracesMu.Lock()
		for _, cancel := range traces {
			cancel()
		}
		tracesMu.Unlock()
	}()

	for {
		f, err := wire.ReadFrame(br)
		if err != nil {
			if errors.Is(err, wire.ErrBadVersion) || errors.Is(err, wire.ErrBadFrameType) || errors.Is(err, wire.ErrFieldTooLarge) {
				slog.Error("stream protocol violation", "error", err)
			}
			return
		}

		switch f.Type {
		case wire.FramePing:
			if err := write(wire.Frame{Type: wire.FramePong, Seq: f.Seq}); err != nil {
				return
			}

		case wire.FrameEnd:
			tracesMu.Lock()
			if cancel, ok := traces[f.TraceID]; ok {
				cancel()
				delete(traces, f.TraceID)
			}
			tracesMu.Unlock()

		case wire.FrameData:
			ctx, cancel := context.WithCancel(s.ctx)
			tracesMu.Lock()
			traces[f.TraceID] = cancel
			tracesMu.Unlock()

			go func(f wire.Frame) {
				defer func() {
					tracesMu.Lock()
					if c, ok := traces[f.TraceID]; ok {
						c()
						delete(traces, f.TraceID)
					}
					tracesMu.Unlock()
				}()

				resp, err := s.Handler(ctx, f.TraceID, f.Payload)
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					_ = write(wire.Frame{
						Type:    wire.FrameError,
						Seq:     f.Seq,
						TraceID: f.TraceID,
						Payload: []byte(err.Error()),
					})
					return
				}
				if err := write(wire.Frame{
					Type:    wire.FrameData,
					Seq:     f.Seq,
					TraceID: f.TraceID,
					Payload: resp,
				}); err != nil {
					return
				}
				_ = write(wire.Frame{Type: wire.FrameEnd, Seq: f.Seq, TraceID: f.TraceID})
			}(f)

		default:
			slog.Warn("unexpected frame from router", "type", f.Type)
		}
	}
}

func makeServerTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-1 * time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),

		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,

		DNSNames: []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
