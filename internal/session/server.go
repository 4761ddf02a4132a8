package session

import (
	"bytes"
	"io"
	"log/slog"
	"time"

	"github.com/keybridge/skdp/internal/crypto"
	"github.com/keybridge/skdp/internal/keys"
	"github.com/keybridge/skdp/internal/logging"
	"github.com/keybridge/skdp/internal/protocol"
)

// Server is the listening-side SKDP endpoint. It holds the server
// derivation key and recomputes each device's derivation key on demand
// from the identity presented during connect.
type Server struct {
	endpoint
	sdk [keys.ServerKeySize]byte
}

// NewServer initializes a server endpoint from its key record.
func NewServer(key *keys.ServerKey, opts ...Option) *Server {
	s := &Server{endpoint: newEndpoint()}
	s.kid = key.KID
	s.sdk = key.SDK
	s.expiration = key.Expiration
	s.wipeKey = func() { crypto.Wipe(s.sdk[:]) }
	for _, fn := range opts {
		fn(&s.endpoint)
	}
	return s
}

// Dispose zeroizes all server state.
func (s *Server) Dispose() {
	s.endpoint.dispose()
}

// Close sends a connection_terminate packet if the tunnel is up, closes
// the transport, and disposes the state.
func (s *Server) Close(conn io.ReadWriter, err error) {
	if s.Established() {
		sendTerminate(conn, protocol.ErrorToCode(err))
	}
	closeConn(conn)
	s.Dispose()
}

// KeyExchange runs the server side of the key exchange on conn. On any
// failure an error_condition packet is sent best-effort, the transport
// is closed, the state is zeroized, and the protocol error is returned.
func (s *Server) KeyExchange(conn io.ReadWriter) error {
	start := time.Now()
	err := s.keyExchange(conn)

	if s.metrics != nil {
		s.metrics.ExchangesTotal.WithLabelValues("server", protocol.ErrorToCode(err).String()).Inc()
		s.metrics.ExchangeDuration.Observe(time.Since(start).Seconds())
	}

	if err != nil {
		s.logger.Warn("key exchange failed",
			slog.String(logging.KeyRole, "server"),
			slog.String(logging.KeyError, err.Error()))
		sendError(conn, protocol.ErrorToCode(err))
		closeConn(conn)
		s.Dispose()
		return err
	}

	s.logger.Info("session established",
		slog.String(logging.KeyRole, "server"),
		slog.String(logging.KeyKID, s.did.String()))
	return nil
}

func (s *Server) keyExchange(conn io.ReadWriter) error {
	if s.now() >= s.expiration {
		return protocol.ErrKeyNotRecognized
	}

	// connect round
	reqt, err := readExact(conn, protocol.ConnectRequestSize)
	if err != nil {
		return protocol.ErrConnectionFailure
	}
	if err := s.expectPacket(reqt, protocol.FlagConnectRequest, protocol.ErrConnectionFailure); err != nil {
		return err
	}

	resp, err := s.connectResponse(reqt)
	if err != nil {
		return err
	}
	if err := writePacket(conn, resp); err != nil {
		return err
	}
	s.txseq++

	// exchange round
	reqt, err = readExact(conn, protocol.ExchangeRequestSize)
	if err != nil {
		return err
	}
	if err := s.expectPacket(reqt, protocol.FlagExchangeRequest, protocol.ErrEstablishFailure); err != nil {
		return err
	}

	resp, err = s.exchangeResponse(reqt)
	if err != nil {
		return err
	}
	if err := writePacket(conn, resp); err != nil {
		return err
	}
	s.txseq++

	// establish round
	reqt, err = readExact(conn, protocol.EstablishRequestSize)
	if err != nil {
		return err
	}
	if err := s.expectPacket(reqt, protocol.FlagEstablishRequest, protocol.ErrEstablishFailure); err != nil {
		return err
	}

	resp, err = s.establishResponse(reqt)
	if err != nil {
		return err
	}
	if err := writePacket(conn, resp); err != nil {
		return err
	}
	s.txseq++

	s.exflag = protocol.FlagSessionEstablished
	return nil
}

// connectResponse validates the device's identity and configuration and
// answers with the server identity, configuration, and a fresh session
// token. Both session hashes are taken over the exact message bodies.
func (s *Server) connectResponse(reqt *protocol.Packet) (*protocol.Packet, error) {
	did, err := keys.KeyIDFromBytes(reqt.Message[:keys.KIDSize])
	if err != nil {
		return nil, protocol.ErrInvalidInput
	}
	dcfg := reqt.Message[keys.KIDSize:]

	// the device identity must be rooted under this server
	if !s.kid.SharesServer(did) {
		s.exflag = protocol.FlagNone
		return nil, protocol.ErrKeyNotRecognized
	}
	if !bytes.Equal(dcfg, []byte(protocol.ConfigString)) {
		s.exflag = protocol.FlagNone
		return nil, protocol.ErrUnknownProtocol
	}

	s.did = did
	copy(s.dsh[:], crypto.Hash(reqt.Message))

	stok := make([]byte, protocol.TokenSize)
	if _, err := io.ReadFull(s.rng, stok); err != nil {
		s.exflag = protocol.FlagNone
		return nil, protocol.ErrRandomFailure
	}
	defer crypto.Wipe(stok)

	body := make([]byte, 0, keys.KIDSize+protocol.ConfigSize+protocol.TokenSize)
	body = append(body, s.kid[:]...)
	body = append(body, protocol.ConfigString...)
	body = append(body, stok...)

	resp := &protocol.Packet{
		Flag:     protocol.FlagConnectResponse,
		MsgLen:   uint32(len(body)),
		Sequence: s.txseq,
		Message:  body,
	}
	copy(s.ssh[:], crypto.Hash(body))

	s.exflag = protocol.FlagConnectResponse
	return resp, nil
}

// exchangeResponse authenticates the device's encrypted token, raises
// the receive channel from it, and answers with the server token
// encrypted under the device key stream, raising the transmit channel.
func (s *Server) exchangeResponse(reqt *protocol.Packet) (*protocol.Packet, error) {
	s.exflag = protocol.FlagNone

	if !reqt.TimeValid(s.now()) {
		return nil, protocol.ErrPacketExpired
	}

	// derive the connecting device's key
	ddk := keys.DeriveDeviceKeyForID(s.sdk[:], s.did)
	defer crypto.Wipe(ddk)

	// regenerate the token-encryption and mac keys
	prnd := crypto.Extract(ddk, nil, s.dsh[:], streamLen)
	defer crypto.Wipe(prnd)

	ctoken := reqt.Message[:protocol.TokenSize]
	tag := crypto.KMAC256(prnd[protocol.TokenSize:], s.dsh[:], protocol.MACTagSize,
		ctoken, reqt.MarshalHeader())
	if !crypto.ConstantTimeEqual(reqt.Message[protocol.TokenSize:], tag) {
		return nil, protocol.ErrKexAuthFailure
	}

	// decrypt the device token and raise channel-1 rx
	dtok := make([]byte, protocol.TokenSize)
	for i := range dtok {
		dtok[i] = ctoken[i] ^ prnd[i]
	}
	defer crypto.Wipe(dtok)

	rxcpr, err := initDirection(dtok, s.dsh[:], false)
	if err != nil {
		return nil, protocol.ErrGeneralFailure
	}
	s.rxcpr = rxcpr

	// create the server token and raise channel-2 tx
	stk := make([]byte, protocol.TokenSize)
	if _, err := io.ReadFull(s.rng, stk); err != nil {
		return nil, protocol.ErrRandomFailure
	}
	defer crypto.Wipe(stk)

	txcpr, err := initDirection(stk, s.ssh[:], true)
	if err != nil {
		return nil, protocol.ErrGeneralFailure
	}
	s.txcpr = txcpr

	// encrypt the server token under the device key stream
	prnd2 := crypto.Extract(ddk, nil, s.ssh[:], streamLen)
	defer crypto.Wipe(prnd2)

	body := make([]byte, protocol.TokenSize, protocol.TokenSize+protocol.MACTagSize)
	for i := range body {
		body[i] = stk[i] ^ prnd2[i]
	}

	resp := &protocol.Packet{
		Flag:     protocol.FlagExchangeResponse,
		MsgLen:   protocol.TokenSize + protocol.MACTagSize,
		Sequence: s.txseq,
		UTCTime:  s.now(),
	}
	body = append(body, crypto.KMAC256(prnd2[protocol.TokenSize:], s.ssh[:], protocol.MACTagSize,
		body[:protocol.TokenSize], resp.MarshalHeader())...)
	resp.Message = body

	s.exflag = protocol.FlagExchangeResponse
	return resp, nil
}

// establishResponse proves the receive channel by decrypting the
// device's session hash and echoes its digest back over the transmit
// channel, with both packet headers bound as associated data.
func (s *Server) establishResponse(reqt *protocol.Packet) (*protocol.Packet, error) {
	if !reqt.TimeValid(s.now()) {
		s.exflag = protocol.FlagNone
		return nil, protocol.ErrPacketExpired
	}

	s.rxcpr.SetAssociated(reqt.MarshalHeader())
	msg, err := s.rxcpr.Transform(reqt.Message)
	if err != nil {
		s.exflag = protocol.FlagNone
		return nil, protocol.ErrCipherAuthFailure
	}

	resp := &protocol.Packet{
		Flag:     protocol.FlagEstablishResponse,
		MsgLen:   protocol.HashSize + protocol.MACTagSize,
		Sequence: s.txseq,
	}

	// hash the verification token and return it encrypted
	mhash := crypto.Hash(msg)
	crypto.Wipe(msg)

	s.txcpr.SetAssociated(resp.MarshalHeader())
	ct, err := s.txcpr.Transform(mhash)
	if err != nil {
		s.exflag = protocol.FlagNone
		return nil, protocol.ErrGeneralFailure
	}
	resp.Message = ct

	s.exflag = protocol.FlagSessionEstablished
	return resp, nil
}
