package s2lp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumKnownValues(t *testing.T) {
	// Check values for the standard "123456789" input, zero initial
	// value, no reflection.
	data := []byte("123456789")
	assert.Equal(t, uint32(0xF4), CrcMode8Poly07.checksum(data))
	assert.Equal(t, uint32(0xFEE8), CrcMode16Poly8005.checksum(data))
	assert.Equal(t, uint32(0x31C3), CrcMode16Poly1021.checksum(data))
}

func TestChecksumDetectsBitFlip(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04}
	orig := CrcMode16Poly1021.checksum(data)
	data[2] ^= 0x10
	assert.NotEqual(t, orig, CrcMode16Poly1021.checksum(data))
}

func TestEncodeFrameLayout(t *testing.T) {
	engine, err := newPacketEngine(PacketConfig{
		PreambleBytes:  2,
		SyncWord:       []byte{0x88, 0x88},
		IncludeAddress: true,
		CrcMode:        CrcMode8Poly07,
	})
	require.NoError(t, err)

	frame, err := engine.encode(Packet{Destination: 0x12, Control: 0x07, Payload: []byte{0xDE, 0xAD}})
	require.NoError(t, err)

	// [preamble x2][sync x2][length][address][control][payload x2][crc]
	require.Len(t, frame, 10)
	assert.Equal(t, []byte{0x55, 0x55, 0x88, 0x88}, frame[:4])
	// Length counts address + control + payload.
	assert.Equal(t, byte(4), frame[4])
	assert.Equal(t, byte(0x12), frame[5])
	assert.Equal(t, byte(0x07), frame[6])
	assert.Equal(t, []byte{0xDE, 0xAD}, frame[7:9])
}

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		cfg  PacketConfig
	}{
		{"defaults", PacketConfig{}},
		{"addressed", PacketConfig{IncludeAddress: true}},
		{"two byte length", PacketConfig{TwoByteLength: true}},
		{"crc32 addressed", PacketConfig{IncludeAddress: true, CrcMode: CrcMode32Poly04C11DB7}},
		{"short sync", PacketConfig{SyncWord: []byte{0x91}, PreambleBytes: 1}},
		{"inverted preamble", PacketConfig{PreamblePattern: PreamblePattern1010}},
	}
	payloads := [][]byte{
		{},
		{0x42},
		[]byte("hello s2lp"),
		make([]byte, 200),
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine, err := newPacketEngine(tc.cfg)
			require.NoError(t, err)

			for _, payload := range payloads {
				in := Packet{Destination: 0x12, Control: 0x09, Payload: payload}
				frame, err := engine.encode(in)
				require.NoError(t, err)

				out, err := engine.decode(frame)
				require.NoError(t, err)
				assert.Equal(t, in.Control, out.Control)
				assert.Equal(t, payload, out.Payload[:len(payload)])
				assert.Len(t, out.Payload, len(payload))
				if engine.cfg.IncludeAddress {
					assert.Equal(t, in.Destination, out.Destination)
				}
			}
		})
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	engine, err := newPacketEngine(PacketConfig{})
	require.NoError(t, err)

	frame, err := engine.encode(Packet{Control: 0x03})
	require.NoError(t, err)

	out, err := engine.decode(frame)
	require.NoError(t, err)
	// An empty payload comes back empty, not nil.
	assert.NotNil(t, out.Payload)
	assert.Equal(t, []byte{}, out.Payload)
	assert.Equal(t, byte(0x03), out.Control)
}

func TestDecodeCrcMismatch(t *testing.T) {
	engine, err := newPacketEngine(PacketConfig{})
	require.NoError(t, err)

	frame, err := engine.encode(Packet{Payload: []byte("payload")})
	require.NoError(t, err)

	frame[len(frame)-3] ^= 0x01 // flip one payload bit
	_, err = engine.decode(frame)
	assert.ErrorIs(t, err, ErrCrc)
}

func TestDecodeLengthMismatch(t *testing.T) {
	engine, err := newPacketEngine(PacketConfig{})
	require.NoError(t, err)

	frame, err := engine.encode(Packet{Payload: []byte("payload")})
	require.NoError(t, err)

	_, err = engine.decode(frame[:len(frame)-2])
	assert.ErrorIs(t, err, ErrLengthMismatch)

	_, err = engine.decode(append(frame, 0x00))
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestDecodeMissingSync(t *testing.T) {
	engine, err := newPacketEngine(PacketConfig{})
	require.NoError(t, err)

	frame, err := engine.encode(Packet{Payload: []byte("x")})
	require.NoError(t, err)

	frame[4] ^= 0xFF // corrupt first sync byte
	_, err = engine.decode(frame)
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestDecodeFilter(t *testing.T) {
	engine, err := newPacketEngine(PacketConfig{IncludeAddress: true})
	require.NoError(t, err)
	engine.setFilter(FilterConfig{
		MatchLocal:       true,
		LocalAddress:     0x12,
		MatchBroadcast:   true,
		BroadcastAddress: 0xFF,
	})

	accepted := []byte{0x12, 0xFF}
	for _, dest := range accepted {
		frame, err := engine.encode(Packet{Destination: dest, Payload: []byte("in")})
		require.NoError(t, err)
		out, err := engine.decode(frame)
		require.NoError(t, err)
		assert.Equal(t, dest, out.Destination)
	}

	frame, err := engine.encode(Packet{Destination: 0x99, Payload: []byte("out")})
	require.NoError(t, err)
	_, err = engine.decode(frame)
	assert.ErrorIs(t, err, ErrFiltered)
}

func TestFilterAppliesAfterCrc(t *testing.T) {
	// A frame that would be filtered AND fails CRC must report the CRC
	// failure: policy only applies to intact frames.
	engine, err := newPacketEngine(PacketConfig{IncludeAddress: true})
	require.NoError(t, err)
	engine.setFilter(FilterConfig{MatchLocal: true, LocalAddress: 0x12})

	frame, err := engine.encode(Packet{Destination: 0x99, Payload: []byte("x")})
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0x01

	_, err = engine.decode(frame)
	assert.ErrorIs(t, err, ErrCrc)
}

func TestApplyFilterTogglesAutoFiltering(t *testing.T) {
	chip := newFakeChip()
	engine, err := newPacketEngine(PacketConfig{IncludeAddress: true})
	require.NoError(t, err)

	engine.setFilter(FilterConfig{MatchLocal: true, LocalAddress: 0x12})
	require.NoError(t, engine.applyFilter(chip))
	assert.NotZero(t, chip.reg(_PROTOCOL1)&_AUTO_PCKT_FLT)

	engine.setFilter(FilterConfig{})
	require.NoError(t, engine.applyFilter(chip))
	assert.Zero(t, chip.reg(_PROTOCOL1)&_AUTO_PCKT_FLT)
}

func TestNoFilterAcceptsEverything(t *testing.T) {
	f := FilterConfig{}
	assert.True(t, f.accepts(0x00))
	assert.True(t, f.accepts(0xFF))
}

func TestEncodePayloadTooLarge(t *testing.T) {
	engine, err := newPacketEngine(PacketConfig{})
	require.NoError(t, err)

	_, err = engine.encode(Packet{Payload: make([]byte, 255)})
	assert.ErrorIs(t, err, ErrConfig)

	wide, err := newPacketEngine(PacketConfig{TwoByteLength: true})
	require.NoError(t, err)
	_, err = wide.encode(Packet{Payload: make([]byte, 255)})
	assert.NoError(t, err)
}

func TestPacketConfigValidation(t *testing.T) {
	_, err := newPacketEngine(PacketConfig{SyncWord: []byte{1, 2, 3, 4, 5}})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestFifoChunking(t *testing.T) {
	chip := newFakeChip()

	frame := make([]byte, 100)
	for i := range frame {
		frame[i] = byte(i)
	}

	// An empty FIFO takes the whole frame, in bounded bursts.
	written, err := fillTxFifo(chip, frame)
	require.NoError(t, err)
	assert.Equal(t, 100, written)
	assert.Equal(t, frame, chip.txFifo)

	// A partially full FIFO only takes what fits.
	chip.txFifo = make([]byte, _FIFO_SIZE-10)
	written, err = fillTxFifo(chip, frame)
	require.NoError(t, err)
	assert.Equal(t, 10, written)

	chip.rxFifo = append([]byte(nil), frame...)
	got, err := drainRxFifo(chip, nil)
	require.NoError(t, err)
	assert.Equal(t, frame, got)
	assert.Empty(t, chip.rxFifo)
}
