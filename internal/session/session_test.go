package session

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keybridge/skdp/internal/keys"
	"github.com/keybridge/skdp/internal/protocol"
)

// fakeRand is a deterministic entropy stream for reproducible exchanges.
type fakeRand struct {
	next byte
}

func (f *fakeRand) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = f.next
		f.next++
	}
	return len(p), nil
}

// fakeClock is a UTC source with an adjustable offset.
type fakeClock struct {
	offset atomic.Int64
}

func (c *fakeClock) now() uint64 {
	return uint64(time.Now().UTC().Unix() + c.offset.Load())
}

// testHierarchy derives a deterministic server/device key pair.
func testHierarchy(t *testing.T) (*keys.ServerKey, *keys.DeviceKey) {
	t.Helper()
	mk, err := keys.GenerateMasterKey(&fakeRand{}, [keys.MIDSize]byte{0, 1, 2, 3}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	sk := mk.DeriveServerKey([keys.SIDSize]byte{4, 5, 6, 7, 8, 9, 10, 11})
	dk := sk.DeriveDeviceKey([keys.DIDSize]byte{12, 13, 14, 15})
	return sk, dk
}

// runExchange drives a full key exchange over an in-memory pipe.
func runExchange(t *testing.T, srv *Server, dev *Device) (devConn, srvConn net.Conn, srvErr, devErr error) {
	t.Helper()
	devConn, srvConn = net.Pipe()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.KeyExchange(srvConn)
	}()

	devErr = dev.KeyExchange(devConn)
	srvErr = <-errCh
	return devConn, srvConn, srvErr, devErr
}

func establishedPair(t *testing.T) (*Server, *Device, net.Conn, net.Conn) {
	t.Helper()
	sk, dk := testHierarchy(t)
	srv := NewServer(sk, WithRandom(&fakeRand{next: 0x80}))
	dev := NewDevice(dk, WithRandom(&fakeRand{next: 0x40}))

	devConn, srvConn, srvErr, devErr := runExchange(t, srv, dev)
	if srvErr != nil || devErr != nil {
		t.Fatalf("exchange failed: server=%v device=%v", srvErr, devErr)
	}
	return srv, dev, devConn, srvConn
}

func TestKeyExchangeHappyPath(t *testing.T) {
	sk, dk := testHierarchy(t)
	srv := NewServer(sk, WithRandom(&fakeRand{next: 0x80}))
	dev := NewDevice(dk, WithRandom(&fakeRand{next: 0x40}))

	_, _, srvErr, devErr := runExchange(t, srv, dev)
	if srvErr != nil {
		t.Fatalf("server exchange: %v", srvErr)
	}
	if devErr != nil {
		t.Fatalf("device exchange: %v", devErr)
	}

	if !srv.Established() || !dev.Established() {
		t.Fatal("both endpoints should be established")
	}

	devTx, devRx := dev.Sequences()
	srvTx, srvRx := srv.Sequences()
	if devTx != 3 || srvRx != 3 {
		t.Errorf("device tx = %d, server rx = %d, want 3 and 3", devTx, srvRx)
	}
	if srvTx != 3 || devRx != 3 {
		t.Errorf("server tx = %d, device rx = %d, want 3 and 3", srvTx, devRx)
	}

	if srv.PeerID() != dk.KID {
		t.Errorf("server learned peer %s, want %s", srv.PeerID(), dk.KID)
	}
}

func TestTunnelRoundTrip(t *testing.T) {
	srv, dev, _, _ := establishedPair(t)

	// device to server
	msg := []byte("attack at dawn")
	p, err := dev.EncryptPacket(msg)
	if err != nil {
		t.Fatal(err)
	}
	if p.Flag != protocol.FlagEncryptedMessage {
		t.Errorf("flag = %s", p.Flag)
	}
	if int(p.MsgLen) != len(msg)+protocol.MACTagSize {
		t.Errorf("msglen = %d", p.MsgLen)
	}

	pt, err := srv.DecryptPacket(p)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt, msg) {
		t.Errorf("round trip = %q, want %q", pt, msg)
	}

	// replay of the same packet is rejected
	if _, err := srv.DecryptPacket(p); !errors.Is(err, protocol.ErrUnsequenced) {
		t.Errorf("replay error = %v, want unsequenced", err)
	}

	// server to device still works independently
	reply := []byte("hold position")
	p2, err := srv.EncryptPacket(reply)
	if err != nil {
		t.Fatal(err)
	}
	pt2, err := dev.DecryptPacket(p2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt2, reply) {
		t.Errorf("reply round trip = %q", pt2)
	}
}

func TestTunnelHeaderTamper(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *protocol.Packet)
		want   error
	}{
		{"flip flag byte", func(p *protocol.Packet) { p.Flag = protocol.FlagKeepAliveRequest }, protocol.ErrCipherAuthFailure},
		{"flip ciphertext byte", func(p *protocol.Packet) { p.Message[0] ^= 1 }, protocol.ErrCipherAuthFailure},
		{"flip tag byte", func(p *protocol.Packet) { p.Message[len(p.Message)-1] ^= 1 }, protocol.ErrCipherAuthFailure},
		{"bump sequence", func(p *protocol.Packet) { p.Sequence++ }, protocol.ErrUnsequenced},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, dev, _, _ := establishedPair(t)

			p, err := dev.EncryptPacket([]byte("payload"))
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(p)

			if _, err := srv.DecryptPacket(p); !errors.Is(err, tt.want) {
				t.Errorf("DecryptPacket error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTunnelStalePacket(t *testing.T) {
	sk, dk := testHierarchy(t)
	clk := &fakeClock{}
	srv := NewServer(sk, WithRandom(&fakeRand{next: 0x80}))
	dev := NewDevice(dk, WithRandom(&fakeRand{next: 0x40}), WithClock(clk.now))

	_, _, srvErr, devErr := runExchange(t, srv, dev)
	if srvErr != nil || devErr != nil {
		t.Fatalf("exchange failed: server=%v device=%v", srvErr, devErr)
	}

	// skew the device clock past the validity window; the packet is
	// internally consistent but stale at the receiver
	clk.offset.Store(-(protocol.ValidityWindowSeconds + 1))

	p, err := dev.EncryptPacket([]byte("old news"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := srv.DecryptPacket(p); !errors.Is(err, protocol.ErrPacketExpired) {
		t.Errorf("DecryptPacket error = %v, want packet_expired", err)
	}
}

// proxyPackets forwards packets between two pipe ends, letting a test
// mutate one in flight.
func proxyPackets(dst io.Writer, src io.Reader, mutate func(p *protocol.Packet)) {
	reader := protocol.NewPacketReader(src)
	writer := protocol.NewPacketWriter(dst)
	for {
		p, err := reader.Read()
		if err != nil {
			return
		}
		if mutate != nil {
			mutate(p)
		}
		if err := writer.Write(p); err != nil {
			return
		}
	}
}

func TestEstablishRequestTamper(t *testing.T) {
	sk, dk := testHierarchy(t)
	srv := NewServer(sk, WithRandom(&fakeRand{next: 0x80}))
	dev := NewDevice(dk, WithRandom(&fakeRand{next: 0x40}))

	devConn, proxyDev := net.Pipe()
	proxySrv, srvConn := net.Pipe()

	go proxyPackets(proxySrv, proxyDev, func(p *protocol.Packet) {
		if p.Flag == protocol.FlagEstablishRequest {
			p.Message[len(p.Message)-1] ^= 1
		}
	})
	go proxyPackets(proxyDev, proxySrv, nil)

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.KeyExchange(srvConn)
	}()

	devErr := dev.KeyExchange(devConn)
	srvErr := <-srvErrCh

	if !errors.Is(srvErr, protocol.ErrCipherAuthFailure) {
		t.Errorf("server error = %v, want cipher_auth_failure", srvErr)
	}
	if devErr == nil {
		t.Error("device should fail after the server rejects")
	}

	if srv.Established() || dev.Established() {
		t.Error("no endpoint may be established after tamper")
	}
	if srv.exflag != protocol.FlagNone {
		t.Errorf("server exflag = %s, want none", srv.exflag)
	}
	if srv.sdk != ([keys.ServerKeySize]byte{}) {
		t.Error("server derivation key not zeroized")
	}
}

func TestConfigMismatch(t *testing.T) {
	sk, dk := testHierarchy(t)
	srv := NewServer(sk, WithRandom(&fakeRand{next: 0x80}))

	devConn, srvConn := net.Pipe()
	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.KeyExchange(srvConn)
	}()

	// a connect request whose configuration differs in one byte
	body := make([]byte, 0, keys.KIDSize+protocol.ConfigSize)
	body = append(body, dk.KID[:]...)
	body = append(body, protocol.ConfigString...)
	body[keys.KIDSize] ^= 1

	p := &protocol.Packet{
		Flag:     protocol.FlagConnectRequest,
		MsgLen:   uint32(len(body)),
		Sequence: 0,
		UTCTime:  uint64(time.Now().UTC().Unix()),
		Message:  body,
	}
	if err := writePacket(devConn, p); err != nil {
		t.Fatal(err)
	}

	// the server must answer with an error_condition packet on the wire
	resp, err := protocol.NewPacketReader(devConn).Read()
	if err != nil {
		t.Fatal(err)
	}
	if resp.Flag != protocol.FlagErrorCondition {
		t.Fatalf("response flag = %s, want error_condition", resp.Flag)
	}
	if resp.Sequence != protocol.SequenceTerminator {
		t.Errorf("error sequence = %d, want terminator", resp.Sequence)
	}
	if len(resp.Message) != 1 || protocol.ErrorCode(resp.Message[0]) != protocol.ErrorUnknownProtocol {
		t.Errorf("error body = % x, want unknown_protocol", resp.Message)
	}

	if err := <-srvErrCh; !errors.Is(err, protocol.ErrUnknownProtocol) {
		t.Errorf("server error = %v, want unknown_protocol", err)
	}
}

func TestIdentityRejection(t *testing.T) {
	sk, _ := testHierarchy(t)

	// a device provisioned under a different server identity
	mk, err := keys.GenerateMasterKey(&fakeRand{}, [keys.MIDSize]byte{0, 1, 2, 3}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	foreign := mk.DeriveServerKey([keys.SIDSize]byte{99, 99, 99, 99, 99, 99, 99, 99}).
		DeriveDeviceKey([keys.DIDSize]byte{12, 13, 14, 15})

	srv := NewServer(sk, WithRandom(&fakeRand{next: 0x80}))
	dev := NewDevice(foreign, WithRandom(&fakeRand{next: 0x40}))

	_, _, srvErr, devErr := runExchange(t, srv, dev)
	if !errors.Is(srvErr, protocol.ErrKeyNotRecognized) {
		t.Errorf("server error = %v, want key_not_recognized", srvErr)
	}
	if !errors.Is(devErr, protocol.ErrKeyNotRecognized) {
		t.Errorf("device error = %v, want key_not_recognized", devErr)
	}
}

func TestExpiredKeyRefused(t *testing.T) {
	sk, dk := testHierarchy(t)
	dk.Expiration = uint64(time.Now().UTC().Add(-time.Minute).Unix())

	dev := NewDevice(dk)
	devConn, srvConn := net.Pipe()
	defer srvConn.Close()
	go io.Copy(io.Discard, srvConn)

	if err := dev.KeyExchange(devConn); !errors.Is(err, protocol.ErrKeyNotRecognized) {
		t.Errorf("device error = %v, want key_not_recognized", err)
	}

	sk.Expiration = dk.Expiration
	srv := NewServer(sk)
	devConn2, srvConn2 := net.Pipe()
	defer devConn2.Close()
	go io.Copy(io.Discard, devConn2)

	if err := srv.KeyExchange(srvConn2); !errors.Is(err, protocol.ErrKeyNotRecognized) {
		t.Errorf("server error = %v, want key_not_recognized", err)
	}
}

func TestSequenceOverflowForcesTermination(t *testing.T) {
	srv, dev, _, _ := establishedPair(t)

	dev.txseq = protocol.SequenceTerminator - 1
	if _, err := dev.EncryptPacket([]byte("x")); !errors.Is(err, protocol.ErrChannelDown) {
		t.Errorf("EncryptPacket error = %v, want channel_down", err)
	}

	srv.rxseq = protocol.SequenceTerminator - 1
	p := &protocol.Packet{Flag: protocol.FlagEncryptedMessage, MsgLen: 17, Message: make([]byte, 17)}
	if _, err := srv.DecryptPacket(p); !errors.Is(err, protocol.ErrChannelDown) {
		t.Errorf("DecryptPacket error = %v, want channel_down", err)
	}
}

func TestTunnelBeforeEstablished(t *testing.T) {
	_, dk := testHierarchy(t)
	dev := NewDevice(dk)

	if _, err := dev.EncryptPacket([]byte("x")); !errors.Is(err, protocol.ErrChannelDown) {
		t.Errorf("EncryptPacket error = %v, want channel_down", err)
	}

	p := &protocol.Packet{Flag: protocol.FlagEncryptedMessage, MsgLen: 17, Sequence: 1, Message: make([]byte, 17)}
	if _, err := dev.DecryptPacket(p); !errors.Is(err, protocol.ErrChannelDown) {
		t.Errorf("DecryptPacket error = %v, want channel_down", err)
	}
}

func TestDisposeZeroizes(t *testing.T) {
	srv, dev, _, _ := establishedPair(t)

	srv.Dispose()
	dev.Dispose()

	if srv.sdk != ([keys.ServerKeySize]byte{}) {
		t.Error("server sdk not zeroized")
	}
	if dev.ddk != ([keys.DeviceKeySize]byte{}) {
		t.Error("device ddk not zeroized")
	}
	for _, ep := range []*endpoint{&srv.endpoint, &dev.endpoint} {
		if ep.dsh != ([64]byte{}) || ep.ssh != ([64]byte{}) {
			t.Error("session hashes not zeroized")
		}
		if !ep.kid.IsZero() || !ep.did.IsZero() {
			t.Error("identities not zeroized")
		}
		if ep.rxcpr != nil || ep.txcpr != nil {
			t.Error("cipher states not dropped")
		}
		if ep.exflag != protocol.FlagNone {
			t.Errorf("exflag = %s, want none", ep.exflag)
		}
		if ep.rxseq != 0 || ep.txseq != 0 {
			t.Error("sequence counters not reset")
		}
	}
}

func TestInvalidInput(t *testing.T) {
	srv, dev, _, _ := establishedPair(t)

	if _, err := dev.EncryptPacket(nil); !errors.Is(err, protocol.ErrInvalidInput) {
		t.Errorf("nil message error = %v, want invalid_input", err)
	}
	if _, err := srv.DecryptPacket(nil); !errors.Is(err, protocol.ErrInvalidInput) {
		t.Errorf("nil packet error = %v, want invalid_input", err)
	}

	short := &protocol.Packet{Flag: protocol.FlagEncryptedMessage, MsgLen: 4, Sequence: 1, Message: make([]byte, 4)}
	if _, err := srv.DecryptPacket(short); !errors.Is(err, protocol.ErrInvalidInput) {
		t.Errorf("short packet error = %v, want invalid_input", err)
	}
}
