package s2lp

import (
	"bytes"
	"fmt"
)

// CrcMode selects the CRC polynomial and width appended to every frame.
// The values match the CRC_MODE field of PCKTCTRL1.
type CrcMode byte

const (
	// CrcModeNone disables the CRC field entirely.
	CrcModeNone CrcMode = iota
	// CrcMode8Poly07 is the 8-bit CRC with polynomial 0x07.
	CrcMode8Poly07
	// CrcMode16Poly8005 is the 16-bit CRC with polynomial 0x8005.
	CrcMode16Poly8005
	// CrcMode16Poly1021 is the 16-bit CRC with polynomial 0x1021.
	CrcMode16Poly1021
	// CrcMode24Poly864CFB is the 24-bit CRC with polynomial 0x864CFB.
	CrcMode24Poly864CFB
	// CrcMode32Poly04C11DB7 is the 32-bit CRC with polynomial 0x04C11DB7.
	CrcMode32Poly04C11DB7
)

// Size returns the number of CRC bytes on the wire.
func (m CrcMode) Size() int {
	switch m {
	case CrcMode8Poly07:
		return 1
	case CrcMode16Poly8005, CrcMode16Poly1021:
		return 2
	case CrcMode24Poly864CFB:
		return 3
	case CrcMode32Poly04C11DB7:
		return 4
	default:
		return 0
	}
}

func (m CrcMode) params() (poly uint32, width int) {
	switch m {
	case CrcMode8Poly07:
		return 0x07, 8
	case CrcMode16Poly8005:
		return 0x8005, 16
	case CrcMode16Poly1021:
		return 0x1021, 16
	case CrcMode24Poly864CFB:
		return 0x864CFB, 24
	case CrcMode32Poly04C11DB7:
		return 0x04C11DB7, 32
	default:
		return 0, 0
	}
}

// checksum computes the MSB-first CRC of data, zero initial value, no
// reflection, matching the chip's CRC engine.
func (m CrcMode) checksum(data []byte) uint32 {
	poly, width := m.params()
	if width == 0 {
		return 0
	}
	topBit := uint32(1) << (width - 1)
	mask := uint32(1)<<width - 1
	if width == 32 {
		mask = 0xFFFFFFFF
	}

	var crc uint32
	for _, b := range data {
		crc ^= uint32(b) << (width - 8)
		for i := 0; i < 8; i++ {
			if crc&topBit != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc <<= 1
			}
		}
		crc &= mask
	}
	return crc
}

// PreamblePattern is the repeated bit pattern sent ahead of the sync word.
type PreamblePattern byte

const (
	// PreamblePattern0101 is 0101... on the air (0x55 bytes).
	PreamblePattern0101 PreamblePattern = iota
	// PreamblePattern1010 is 1010... on the air (0xAA bytes).
	PreamblePattern1010
	// PreamblePattern1100 is 1100... on the air (0xCC bytes).
	PreamblePattern1100
	// PreamblePattern0011 is 0011... on the air (0x33 bytes).
	PreamblePattern0011
)

func (p PreamblePattern) byteValue() byte {
	switch p {
	case PreamblePattern1010:
		return 0xAA
	case PreamblePattern1100:
		return 0xCC
	case PreamblePattern0011:
		return 0x33
	default:
		return 0x55
	}
}

// PacketConfig describes the Basic packet format:
// [preamble][sync][length][address?][control][payload...][CRC].
type PacketConfig struct {
	// PreambleBytes is the number of preamble bytes sent ahead of the
	// sync word. Range 0 to 255. Defaults to 4 if not provided.
	PreambleBytes byte
	// PreamblePattern selects the repeated preamble bit pattern.
	PreamblePattern PreamblePattern
	// SyncWord is the frame sync pattern, 1 to 4 bytes.
	// Defaults to {0x88, 0x88, 0x88, 0x88} if not provided.
	SyncWord []byte
	// IncludeAddress adds a one-byte destination address field.
	IncludeAddress bool
	// TwoByteLength widens the length field from 1 to 2 bytes
	// (big-endian) so frames longer than 255 bytes can be carried.
	TwoByteLength bool
	// CrcMode selects the trailing checksum.
	// Defaults to CrcMode16Poly1021 if not provided.
	CrcMode CrcMode
	// PostambleBytes is written to the chip postamble register; it is
	// not part of the framed byte sequence.
	PostambleBytes byte
}

func (c *PacketConfig) applyDefaults() {
	if c.PreambleBytes == 0 {
		c.PreambleBytes = 4
	}
	if len(c.SyncWord) == 0 {
		c.SyncWord = []byte{0x88, 0x88, 0x88, 0x88}
	}
	if c.CrcMode == CrcModeNone {
		c.CrcMode = CrcMode16Poly1021
	}
}

func (c *PacketConfig) validate() error {
	if len(c.SyncWord) > 4 {
		return fmt.Errorf("%w: %w: sync word longer than 4 bytes", ErrPkg, ErrConfig)
	}
	return nil
}

// FilterConfig is the set of address-filtering rules applied during
// decode. With no match rule enabled every frame is accepted.
type FilterConfig struct {
	// MatchLocal accepts frames addressed to LocalAddress.
	MatchLocal   bool
	LocalAddress byte
	// MatchBroadcast accepts frames addressed to BroadcastAddress.
	MatchBroadcast   bool
	BroadcastAddress byte
	// MatchMulticast accepts frames addressed to MulticastAddress.
	MatchMulticast   bool
	MulticastAddress byte
}

func (f FilterConfig) enabled() bool {
	return f.MatchLocal || f.MatchBroadcast || f.MatchMulticast
}

func (f FilterConfig) accepts(dest byte) bool {
	if !f.enabled() {
		return true
	}
	if f.MatchLocal && dest == f.LocalAddress {
		return true
	}
	if f.MatchBroadcast && dest == f.BroadcastAddress {
		return true
	}
	if f.MatchMulticast && dest == f.MulticastAddress {
		return true
	}
	return false
}

// Packet is one logical unit handed to and received from the radio.
type Packet struct {
	// Destination is the address field. Only meaningful when the packet
	// format includes addressing.
	Destination byte
	// Control is an opaque byte carried between length/address and the
	// payload, available to the application protocol.
	Control byte
	// Payload is the application data.
	Payload []byte
	// Rssi is the captured signal strength in dBm for received packets.
	Rssi int
}

// packetEngine serializes outgoing payloads into the Basic wire format
// and validates incoming frames against it.
type packetEngine struct {
	cfg    PacketConfig
	filter FilterConfig
}

func newPacketEngine(cfg PacketConfig) (*packetEngine, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &packetEngine{cfg: cfg}, nil
}

func (e *packetEngine) setFilter(f FilterConfig) {
	e.filter = f
}

// overhead is the number of framed bytes counted by the length field in
// addition to the payload: the optional address plus the control byte.
func (e *packetEngine) overhead() int {
	n := 1 // control byte
	if e.cfg.IncludeAddress {
		n++
	}
	return n
}

func (e *packetEngine) maxPayload() int {
	max := 0xFF
	if e.cfg.TwoByteLength {
		max = 0xFFFF
	}
	return max - e.overhead()
}

// headerLen is the offset of the length field in an encoded frame.
func (e *packetEngine) headerLen() int {
	return int(e.cfg.PreambleBytes) + len(e.cfg.SyncWord)
}

// encode builds the full wire image of pkt. The length field counts the
// address/control overhead plus the payload; the CRC covers everything
// from the length field to the last payload byte.
func (e *packetEngine) encode(pkt Packet) ([]byte, error) {
	if len(pkt.Payload) > e.maxPayload() {
		return nil, fmt.Errorf("%w: %w: payload of %d bytes exceeds length field (max %d)",
			ErrPkg, ErrConfig, len(pkt.Payload), e.maxPayload())
	}

	total := e.headerLen() + e.lengthFieldSize() + e.overhead() + len(pkt.Payload) + e.cfg.CrcMode.Size()
	frame := make([]byte, 0, total)

	for i := 0; i < int(e.cfg.PreambleBytes); i++ {
		frame = append(frame, e.cfg.PreamblePattern.byteValue())
	}
	frame = append(frame, e.cfg.SyncWord...)

	crcStart := len(frame)
	length := e.overhead() + len(pkt.Payload)
	if e.cfg.TwoByteLength {
		frame = append(frame, byte(length>>8), byte(length))
	} else {
		frame = append(frame, byte(length))
	}
	if e.cfg.IncludeAddress {
		frame = append(frame, pkt.Destination)
	}
	frame = append(frame, pkt.Control)
	frame = append(frame, pkt.Payload...)

	crc := e.cfg.CrcMode.checksum(frame[crcStart:])
	for i := e.cfg.CrcMode.Size() - 1; i >= 0; i-- {
		frame = append(frame, byte(crc>>(8*i)))
	}
	return frame, nil
}

func (e *packetEngine) lengthFieldSize() int {
	if e.cfg.TwoByteLength {
		return 2
	}
	return 1
}

// decode validates raw as one complete frame and extracts the packet.
// Validation order: framing and length first, then CRC, then the address
// filter, so a policy drop is only ever reported for an intact frame.
func (e *packetEngine) decode(raw []byte) (Packet, error) {
	body, err := e.stripHeader(raw)
	if err != nil {
		return Packet{}, err
	}

	lf := e.lengthFieldSize()
	if len(body) < lf {
		return Packet{}, fmt.Errorf("%w: %w: frame shorter than length field", ErrPkg, ErrLengthMismatch)
	}
	var length int
	if e.cfg.TwoByteLength {
		length = int(body[0])<<8 | int(body[1])
	} else {
		length = int(body[0])
	}

	crcSize := e.cfg.CrcMode.Size()
	if len(body) != lf+length+crcSize {
		return Packet{}, fmt.Errorf("%w: %w: length field says %d, frame carries %d",
			ErrPkg, ErrLengthMismatch, length, len(body)-lf-crcSize)
	}
	if length < e.overhead() {
		return Packet{}, fmt.Errorf("%w: %w: length field below field overhead", ErrPkg, ErrLengthMismatch)
	}

	if crcSize > 0 {
		var got uint32
		for _, b := range body[lf+length:] {
			got = got<<8 | uint32(b)
		}
		if want := e.cfg.CrcMode.checksum(body[:lf+length]); got != want {
			return Packet{}, fmt.Errorf("%w: %w", ErrPkg, ErrCrc)
		}
	}

	fields := body[lf : lf+length]
	var pkt Packet
	if e.cfg.IncludeAddress {
		pkt.Destination = fields[0]
		fields = fields[1:]
		if !e.filter.accepts(pkt.Destination) {
			return Packet{}, fmt.Errorf("%w: %w: destination %#02x", ErrPkg, ErrFiltered, pkt.Destination)
		}
	}
	pkt.Control = fields[0]
	// Non-nil even when empty, so the payload always compares equal to
	// what was sent.
	pkt.Payload = append([]byte{}, fields[1:]...)
	return pkt, nil
}

// stripHeader consumes the preamble run and the sync word, returning the
// framed region that follows.
func (e *packetEngine) stripHeader(raw []byte) ([]byte, error) {
	i := 0
	pb := e.cfg.PreamblePattern.byteValue()
	for i < len(raw) && raw[i] == pb && i < int(e.cfg.PreambleBytes) {
		i++
	}
	if len(raw[i:]) < len(e.cfg.SyncWord) || !bytes.Equal(raw[i:i+len(e.cfg.SyncWord)], e.cfg.SyncWord) {
		return nil, fmt.Errorf("%w: %w: sync word not found", ErrPkg, ErrLengthMismatch)
	}
	return raw[i+len(e.cfg.SyncWord):], nil
}

// --- register programming ---

// pcktCtrl4 packs the length-field width (bit 7) and the address-field
// presence (bit 3).
func (e *packetEngine) pcktCtrl4() byte {
	var v byte
	if e.cfg.TwoByteLength {
		v |= 1 << 7
	}
	if e.cfg.IncludeAddress {
		v |= 1 << 3
	}
	return v
}

// applyConfig programs the packet-format registers for the Basic format.
func (e *packetEngine) applyConfig(bus RegisterInterface) error {
	preamblePairs := uint16(e.cfg.PreambleBytes) * 4 // register counts 2-bit pairs
	syncBits := byte(len(e.cfg.SyncWord) * 8)

	regs := []struct {
		addr  byte
		value byte
	}{
		{_PCKTCTRL6, byte(preamblePairs>>8)&0x03 | syncBits<<2},
		{_PCKTCTRL5, byte(preamblePairs)},
		{_PCKTCTRL4, e.pcktCtrl4()},
		{_PCKTCTRL3, byte(e.cfg.PreamblePattern)}, // Basic format, normal RX mode
		{_PCKTCTRL2, 0x01},                        // variable length
		{_PCKTCTRL1, byte(e.cfg.CrcMode) << _CRC_MODE_SHIFT},
		{_PCKT_PSTMBL, e.cfg.PostambleBytes},
	}
	for _, r := range regs {
		if _, err := bus.WriteRegister(r.addr, r.value); err != nil {
			return err
		}
	}

	// Sync registers are filled from SYNC3 down; shorter words occupy the
	// low registers.
	sync := make([]byte, 4)
	copy(sync[4-len(e.cfg.SyncWord):], e.cfg.SyncWord)
	for i, b := range sync {
		if _, err := bus.WriteRegister(_SYNC3+byte(i), b); err != nil {
			return err
		}
	}

	return e.applyFilter(bus)
}

// applyFilter programs the address-filtering registers to mirror the
// software filter, so hardware filtering drops the same frames when the
// chip handles validation itself.
func (e *packetEngine) applyFilter(bus RegisterInterface) error {
	var opts byte = _CRC_FLT
	if e.filter.MatchLocal {
		opts |= _DEST_VS_SOURCE_ADDR
	}
	if e.filter.MatchBroadcast {
		opts |= _DEST_VS_BROADCAST_ADDR
	}
	if e.filter.MatchMulticast {
		opts |= _DEST_VS_MULTICAST_ADDR
	}
	if _, err := bus.WriteRegister(_PCKT_FLT_OPTIONS, opts); err != nil {
		return err
	}
	if _, err := bus.WriteRegister(_PCKT_FLT_GOALS0, e.filter.LocalAddress); err != nil {
		return err
	}
	if _, err := bus.WriteRegister(_PCKT_FLT_GOALS1, e.filter.MulticastAddress); err != nil {
		return err
	}
	if _, err := bus.WriteRegister(_PCKT_FLT_GOALS2, e.filter.BroadcastAddress); err != nil {
		return err
	}

	// Automatic filtering only acts when PROTOCOL1 enables it.
	v, _, err := bus.ReadRegister(_PROTOCOL1)
	if err != nil {
		return err
	}
	if e.filter.enabled() {
		v |= _AUTO_PCKT_FLT
	} else {
		v &^= _AUTO_PCKT_FLT
	}
	_, err = bus.WriteRegister(_PROTOCOL1, v)
	return err
}

// --- FIFO streaming ---

// txFree reads the number of free bytes in the TX FIFO.
func txFree(bus RegisterInterface) (int, error) {
	n, _, err := bus.ReadRegister(_TX_FIFO_STATUS)
	if err != nil {
		return 0, err
	}
	if int(n) > _FIFO_SIZE {
		return 0, fmt.Errorf("%w: %w: tx fifo reports %d elements", ErrPkg, ErrOverrun, n)
	}
	return _FIFO_SIZE - int(n), nil
}

// rxCount reads the number of occupied bytes in the RX FIFO.
func rxCount(bus RegisterInterface) (int, error) {
	n, _, err := bus.ReadRegister(_RX_FIFO_STATUS)
	if err != nil {
		return 0, err
	}
	if int(n) > _FIFO_SIZE {
		return 0, fmt.Errorf("%w: %w: rx fifo reports %d elements", ErrPkg, ErrOverrun, n)
	}
	return int(n), nil
}

// fillTxFifo pushes as much of frame as fits into the TX FIFO free space,
// in bus-transaction-sized bursts, and returns the number of bytes
// consumed. A frame larger than the FIFO is resumed from the returned
// offset once the FIFO-almost-empty event fires.
func fillTxFifo(bus RegisterInterface, frame []byte) (int, error) {
	free, err := txFree(bus)
	if err != nil {
		return 0, err
	}

	written := 0
	for written < len(frame) && free > 0 {
		chunk := len(frame) - written
		if chunk > free {
			chunk = free
		}
		if chunk > _MAX_BURST {
			chunk = _MAX_BURST
		}
		if _, err := bus.BurstWrite(_FIFO, frame[written:written+chunk]); err != nil {
			return written, err
		}
		written += chunk
		free -= chunk
	}
	return written, nil
}

// drainRxFifo reads everything currently reported in the RX FIFO and
// appends it to buf.
func drainRxFifo(bus RegisterInterface, buf []byte) ([]byte, error) {
	avail, err := rxCount(bus)
	if err != nil {
		return buf, err
	}
	for avail > 0 {
		chunk := avail
		if chunk > _MAX_BURST {
			chunk = _MAX_BURST
		}
		tmp := make([]byte, chunk)
		if _, err := bus.BurstRead(_FIFO, tmp); err != nil {
			return buf, err
		}
		buf = append(buf, tmp...)
		avail -= chunk
	}
	return buf, nil
}
