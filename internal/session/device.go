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

// Device is the connecting-side SKDP endpoint. It holds the device
// derivation key provisioned out-of-band.
type Device struct {
	endpoint
	ddk [keys.DeviceKeySize]byte
}

// NewDevice initializes a device endpoint from its key record.
func NewDevice(key *keys.DeviceKey, opts ...Option) *Device {
	d := &Device{endpoint: newEndpoint()}
	d.kid = key.KID
	d.did = key.KID
	d.ddk = key.DDK
	d.expiration = key.Expiration
	d.wipeKey = func() { crypto.Wipe(d.ddk[:]) }
	for _, fn := range opts {
		fn(&d.endpoint)
	}
	return d
}

// Dispose zeroizes all device state.
func (d *Device) Dispose() {
	d.endpoint.dispose()
}

// Close sends a connection_terminate packet if the tunnel is up, closes
// the transport, and disposes the state.
func (d *Device) Close(conn io.ReadWriter, err error) {
	if d.Established() {
		sendTerminate(conn, protocol.ErrorToCode(err))
	}
	closeConn(conn)
	d.Dispose()
}

// KeyExchange runs the device side of the key exchange on conn. On any
// failure an error_condition packet is sent best-effort, the transport
// is closed, the state is zeroized, and the protocol error is returned.
func (d *Device) KeyExchange(conn io.ReadWriter) error {
	start := time.Now()
	err := d.keyExchange(conn)

	if d.metrics != nil {
		d.metrics.ExchangesTotal.WithLabelValues("device", protocol.ErrorToCode(err).String()).Inc()
		d.metrics.ExchangeDuration.Observe(time.Since(start).Seconds())
	}

	if err != nil {
		d.logger.Warn("key exchange failed",
			slog.String(logging.KeyRole, "device"),
			slog.String(logging.KeyError, err.Error()))
		sendError(conn, protocol.ErrorToCode(err))
		closeConn(conn)
		d.Dispose()
		return err
	}

	d.logger.Info("session established",
		slog.String(logging.KeyRole, "device"),
		slog.String(logging.KeyKID, d.kid.String()))
	return nil
}

func (d *Device) keyExchange(conn io.ReadWriter) error {
	if d.now() >= d.expiration {
		return protocol.ErrKeyNotRecognized
	}

	// connect round: identity and configuration in the clear
	if err := d.connectRequest(conn); err != nil {
		return err
	}

	resp, err := readExact(conn, protocol.ConnectResponseSize)
	if err != nil {
		return protocol.ErrConnectionFailure
	}
	if err := d.expectPacket(resp, protocol.FlagConnectResponse, protocol.ErrConnectionFailure); err != nil {
		return err
	}

	// exchange round: encrypted device token under the shared key stream
	if err := d.exchangeRequest(conn, resp); err != nil {
		return err
	}

	resp, err = readExact(conn, protocol.ExchangeResponseSize)
	if err != nil {
		return err
	}
	if err := d.expectPacket(resp, protocol.FlagExchangeResponse, protocol.ErrEstablishFailure); err != nil {
		return err
	}

	// establish round: prove channel-1 and verify the echoed digest
	if err := d.establishRequest(conn, resp); err != nil {
		return err
	}

	resp, err = readExact(conn, protocol.EstablishResponseSize)
	if err != nil {
		return err
	}
	if err := d.expectPacket(resp, protocol.FlagEstablishResponse, protocol.ErrEstablishFailure); err != nil {
		return err
	}

	if err := d.establishVerify(resp); err != nil {
		return err
	}

	d.exflag = protocol.FlagSessionEstablished
	return nil
}

// connectRequest sends the device identity and configuration string and
// stores the device session hash over the exact outbound body.
func (d *Device) connectRequest(conn io.Writer) error {
	body := make([]byte, 0, keys.KIDSize+protocol.ConfigSize)
	body = append(body, d.kid[:]...)
	body = append(body, protocol.ConfigString...)

	p := &protocol.Packet{
		Flag:     protocol.FlagConnectRequest,
		MsgLen:   uint32(len(body)),
		Sequence: d.txseq,
		UTCTime:  d.now(),
		Message:  body,
	}
	copy(d.dsh[:], crypto.Hash(body))

	if err := writePacket(conn, p); err != nil {
		return err
	}
	d.txseq++
	d.exflag = protocol.FlagConnectRequest
	return nil
}

// exchangeRequest validates the connect response, then sends the device
// session token encrypted and authenticated under the key stream drawn
// from the device derivation key, raising the transmit channel from it.
func (d *Device) exchangeRequest(conn io.Writer, resp *protocol.Packet) error {
	skid, err := keys.KeyIDFromBytes(resp.Message[:keys.KIDSize])
	if err != nil {
		return protocol.ErrInvalidInput
	}
	if !d.kid.SharesServer(skid) {
		return protocol.ErrKeyNotRecognized
	}
	scfg := resp.Message[keys.KIDSize : keys.KIDSize+protocol.ConfigSize]
	if !bytes.Equal(scfg, []byte(protocol.ConfigString)) {
		return protocol.ErrUnknownProtocol
	}

	// store the server session hash over the exact inbound body
	copy(d.ssh[:], crypto.Hash(resp.Message))

	dtok := make([]byte, protocol.TokenSize)
	if _, err := io.ReadFull(d.rng, dtok); err != nil {
		return protocol.ErrRandomFailure
	}
	defer crypto.Wipe(dtok)

	// generate the token-encryption and mac keys
	prnd := crypto.Extract(d.ddk[:], nil, d.dsh[:], streamLen)
	defer crypto.Wipe(prnd)

	body := make([]byte, protocol.TokenSize, protocol.TokenSize+protocol.MACTagSize)
	for i := range body {
		body[i] = dtok[i] ^ prnd[i]
	}

	p := &protocol.Packet{
		Flag:     protocol.FlagExchangeRequest,
		MsgLen:   protocol.TokenSize + protocol.MACTagSize,
		Sequence: d.txseq,
		UTCTime:  d.now(),
	}
	body = append(body, crypto.KMAC256(prnd[protocol.TokenSize:], d.dsh[:], protocol.MACTagSize,
		body[:protocol.TokenSize], p.MarshalHeader())...)
	p.Message = body

	if err := writePacket(conn, p); err != nil {
		return err
	}
	d.txseq++

	// raise channel-1 tx; the server's receive channel mirrors it
	txcpr, err := initDirection(dtok, d.dsh[:], true)
	if err != nil {
		return protocol.ErrGeneralFailure
	}
	d.txcpr = txcpr

	d.exflag = protocol.FlagExchangeRequest
	return nil
}

// establishRequest authenticates the exchange response, raises the
// receive channel from the decrypted server token, and proves the
// transmit channel by sending the device session hash under it.
func (d *Device) establishRequest(conn io.Writer, resp *protocol.Packet) error {
	if !resp.TimeValid(d.now()) {
		return protocol.ErrPacketExpired
	}

	// regenerate the server-direction key stream
	prnd := crypto.Extract(d.ddk[:], nil, d.ssh[:], streamLen)
	defer crypto.Wipe(prnd)

	ctoken := resp.Message[:protocol.TokenSize]
	tag := crypto.KMAC256(prnd[protocol.TokenSize:], d.ssh[:], protocol.MACTagSize,
		ctoken, resp.MarshalHeader())
	if !crypto.ConstantTimeEqual(resp.Message[protocol.TokenSize:], tag) {
		return protocol.ErrKexAuthFailure
	}

	stk := make([]byte, protocol.TokenSize)
	for i := range stk {
		stk[i] = ctoken[i] ^ prnd[i]
	}
	defer crypto.Wipe(stk)

	// raise channel-2 rx; the server's transmit channel mirrors it
	rxcpr, err := initDirection(stk, d.ssh[:], false)
	if err != nil {
		return protocol.ErrGeneralFailure
	}
	d.rxcpr = rxcpr

	p := &protocol.Packet{
		Flag:     protocol.FlagEstablishRequest,
		MsgLen:   protocol.HashSize + protocol.MACTagSize,
		Sequence: d.txseq,
		UTCTime:  d.now(),
	}

	d.txcpr.SetAssociated(p.MarshalHeader())
	ct, err := d.txcpr.Transform(d.dsh[:])
	if err != nil {
		return protocol.ErrGeneralFailure
	}
	p.Message = ct

	if err := writePacket(conn, p); err != nil {
		return err
	}
	d.txseq++

	d.exflag = protocol.FlagEstablishRequest
	return nil
}

// establishVerify decrypts the establish response and compares the
// echoed digest against the local hash of the device session hash.
func (d *Device) establishVerify(resp *protocol.Packet) error {
	d.rxcpr.SetAssociated(resp.MarshalHeader())
	mhash, err := d.rxcpr.Transform(resp.Message)
	if err != nil {
		return protocol.ErrCipherAuthFailure
	}
	defer crypto.Wipe(mhash)

	if !crypto.ConstantTimeEqual(mhash, crypto.Hash(d.dsh[:])) {
		return protocol.ErrCipherAuthFailure
	}
	return nil
}
