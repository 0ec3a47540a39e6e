package i2c

import "strings"

// Flags is the union of the two status registers of a two-wire master
// peripheral. The SR1 and SR2 groups are read through separate calls because
// reading SR2 right after SR1 is what clears the ADDR condition.
type Flags uint32

// SR1
const (
	FlagSB   Flags = 1 << iota // start condition generated
	FlagADDR                   // address sent and acknowledged
	FlagBTF                    // byte transfer finished
	FlagRxNE                   // data register not empty
	FlagTxE                    // data register empty
	FlagBERR                   // misplaced start/stop
	FlagARLO                   // arbitration lost
	FlagAF                     // acknowledge failure
)

// SR2
const (
	FlagMSL  Flags = 1 << (iota + 16) // master mode
	FlagBUSY                          // bus busy
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{FlagSB, "SB"}, {FlagADDR, "ADDR"}, {FlagBTF, "BTF"}, {FlagRxNE, "RxNE"},
	{FlagTxE, "TxE"}, {FlagBERR, "BERR"}, {FlagARLO, "ARLO"}, {FlagAF, "AF"},
	{FlagMSL, "MSL"}, {FlagBUSY, "BUSY"},
}

func (f Flags) Has(mask Flags) bool { return f&mask != 0 }

func (f Flags) String() string {
	var parts []string
	for _, n := range flagNames {
		if f&n.f != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "|")
}

// Peripheral is the register-level view of the two-wire master the Engine
// drives. Implementations must be non-blocking: every wait is a poll loop in
// the Engine.
type Peripheral interface {
	SR1() Flags
	// SR2 returns the second status group. Reading it while ADDR is set
	// clears ADDR and releases the bus clock.
	SR2() Flags
	Start()
	Stop()
	SendAddress(addr byte, read bool)
	WriteData(b byte)
	ReadData() byte
	// SetAck controls whether the next received byte is acknowledged.
	SetAck(on bool)
	// SetPOS moves the ACK decision one byte ahead (NACK-next mode).
	SetPOS(on bool)
	// SetEnabled toggles the peripheral enable bit. Disabling flushes all
	// status and control state.
	SetEnabled(on bool)
}
