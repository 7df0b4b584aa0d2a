package s2lp

// --- S2-LP Registers/Commands/Bits ---

// SPI header bytes. Every transaction starts with one of these followed by
// a register address (or a command opcode for _HEADER_COMMAND). The chip
// clocks out MC_STATE1 and MC_STATE0 on MISO while the header goes in.
const (
	_HEADER_WRITE   = 0x00
	_HEADER_READ    = 0x01
	_HEADER_COMMAND = 0x80
)

// S2-LP Register Addresses
const (
	_GPIO0_CONF = 0x00
	_GPIO1_CONF = 0x01
	_GPIO2_CONF = 0x02
	_GPIO3_CONF = 0x03

	_RSSI_FLT = 0x17
	_RSSI_TH  = 0x18

	_PCKTCTRL6 = 0x2B // Preamble length MSB, sync length
	_PCKTCTRL5 = 0x2C // Preamble length LSB
	_PCKTCTRL4 = 0x2D // Address field, length field width
	_PCKTCTRL3 = 0x2E // Packet format, RX mode, preamble pattern
	_PCKTCTRL2 = 0x2F // Fixed/variable length
	_PCKTCTRL1 = 0x30 // CRC mode, whitening, TX source
	_PCKTLEN1  = 0x31
	_PCKTLEN0  = 0x32
	_SYNC3     = 0x33
	_SYNC2     = 0x34
	_SYNC1     = 0x35
	_SYNC0     = 0x36
	//_QI = 0x37
	_PCKT_PSTMBL = 0x38

	_PROTOCOL2 = 0x39
	_PROTOCOL1 = 0x3A
	_PROTOCOL0 = 0x3B

	_FIFO_CONFIG3 = 0x3C // RX FIFO almost full threshold
	_FIFO_CONFIG2 = 0x3D // RX FIFO almost empty threshold
	_FIFO_CONFIG1 = 0x3E // TX FIFO almost full threshold
	_FIFO_CONFIG0 = 0x3F // TX FIFO almost empty threshold

	_PCKT_FLT_OPTIONS = 0x40
	_PCKT_FLT_GOALS4  = 0x41 // RX destination address (TX side: destination)
	_PCKT_FLT_GOALS3  = 0x42
	_PCKT_FLT_GOALS2  = 0x43 // Broadcast address
	_PCKT_FLT_GOALS1  = 0x44 // Multicast address
	_PCKT_FLT_GOALS0  = 0x45 // Local (source) address

	_TIMERS5 = 0x46 // RX timer counter
	_TIMERS4 = 0x47 // RX timer prescaler

	_IRQ_MASK3 = 0x50
	_IRQ_MASK2 = 0x51
	_IRQ_MASK1 = 0x52
	_IRQ_MASK0 = 0x53

	_MC_STATE1      = 0x8D
	_MC_STATE0      = 0x8E
	_TX_FIFO_STATUS = 0x8F // Number of elements in TX FIFO
	_RX_FIFO_STATUS = 0x90 // Number of elements in RX FIFO

	_LINK_QUALIF1 = 0xA1 // Carrier sense flag, SQI
	_RSSI_LEVEL   = 0xA2 // Captured RSSI of the last packet

	_RX_PCKT_LEN1    = 0xA4
	_RX_PCKT_LEN0    = 0xA5
	_RX_ADDRE_FIELD0 = 0xAB // Destination address of the received packet
	_RSSI_LEVEL_RUN  = 0xEF // Instantaneous RSSI, updated while RX is on
	_DEVICE_INFO1    = 0xF0 // Part number
	_DEVICE_INFO0    = 0xF1 // Version
	_IRQ_STATUS3     = 0xFA
	_IRQ_STATUS2     = 0xFB
	_IRQ_STATUS1     = 0xFC
	_IRQ_STATUS0     = 0xFD
	_FIFO            = 0xFF // Linear FIFO access, both directions
)

// Command strobe opcodes
const (
	_CMD_TX          = 0x60
	_CMD_RX          = 0x61
	_CMD_READY       = 0x62
	_CMD_STANDBY     = 0x63
	_CMD_SLEEP       = 0x64
	_CMD_LOCKRX      = 0x65
	_CMD_LOCKTX      = 0x66
	_CMD_SABORT      = 0x67
	_CMD_SRES        = 0x70
	_CMD_FLUSHRXFIFO = 0x71
	_CMD_FLUSHTXFIFO = 0x72
)

// MC_STATE0 state codes (bits 7:1). Bit 0 is XO_ON.
const (
	_STATE_READY        = 0x00
	_STATE_SLEEP_NOFIFO = 0x01
	_STATE_STANDBY      = 0x02
	_STATE_SLEEP        = 0x03
	_STATE_LOCKON       = 0x0C
	_STATE_LOCKST       = 0x14
	_STATE_RX           = 0x30
	_STATE_SYNTH_SETUP  = 0x50
	_STATE_TX           = 0x5C
)

// MC_STATE1 flag bits
const (
	_ERROR_LOCK    = 1 << 0
	_RX_FIFO_EMPTY = 1 << 1
	_TX_FIFO_FULL  = 1 << 2
	//_ANT_SEL = 1 << 3
	_RCO_CAL_OK = 1 << 4
)

// IRQ bits in the 32-bit IRQ_STATUS/IRQ_MASK word
const (
	_IRQ_RX_DATA_READY        = 1 << 0
	_IRQ_RX_DATA_DISC         = 1 << 1
	_IRQ_TX_DATA_SENT         = 1 << 2
	_IRQ_MAX_RE_TX_REACH      = 1 << 3
	_IRQ_CRC_ERROR            = 1 << 4
	_IRQ_TX_FIFO_ERROR        = 1 << 5
	_IRQ_RX_FIFO_ERROR        = 1 << 6
	_IRQ_TX_FIFO_ALMOST_FULL  = 1 << 7
	_IRQ_TX_FIFO_ALMOST_EMPTY = 1 << 8
	_IRQ_RX_FIFO_ALMOST_FULL  = 1 << 9
	_IRQ_RX_FIFO_ALMOST_EMPTY = 1 << 10
	_IRQ_MAX_BO_CCA_REACH     = 1 << 11
	_IRQ_VALID_PREAMBLE       = 1 << 12
	_IRQ_VALID_SYNC           = 1 << 13
	_IRQ_RSSI_ABOVE_TH        = 1 << 14
	_IRQ_READY                = 1 << 16
	_IRQ_POR                  = 1 << 19
	_IRQ_LOCK                 = 1 << 21
	_IRQ_RX_TIMEOUT           = 1 << 28
)

// LINK_QUALIF1 bits
const _CS = 1 << 7 // Carrier sense above threshold

// PCKTCTRL1 CRC mode field (bits 7:5)
const _CRC_MODE_SHIFT = 5

// PCKT_FLT_OPTIONS bits
const (
	_CRC_FLT                = 1 << 0
	_DEST_VS_SOURCE_ADDR    = 1 << 1
	_DEST_VS_MULTICAST_ADDR = 1 << 2
	_DEST_VS_BROADCAST_ADDR = 1 << 3
	_RX_TIMEOUT_AND_OR_SEL  = 1 << 6
)

// PROTOCOL1 bits
const (
	_AUTO_PCKT_FLT = 1 << 0
	_CSMA_PERS_ON  = 1 << 1
	_CSMA_ON       = 1 << 2
	_SEED_RELOAD   = 1 << 3
)

// FIFO capacity in bytes, shared layout for TX and RX.
const _FIFO_SIZE = 128

// Largest single SPI burst used for FIFO access. Keeps transactions
// bounded so the scratch buffer can be fixed-size.
const _MAX_BURST = 64

// Chip identity returned by DEVICE_INFO after power-on reset.
const (
	_CHIP_VERSION = 0xC1
	_CHIP_PARTNUM = 0x03
)

// Captured RSSI registers report dBm + 146.
const _RSSI_OFFSET = 146
