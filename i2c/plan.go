package i2c

// Step is a single action of a master-receiver transfer.
type Step uint8

const (
	StepStart        Step = iota // generate START and wait for master mode
	StepEnableAck                // ACK=1
	StepDisableAck               // ACK=0
	StepNackNext                 // POS=1
	StepNackCurrent              // POS=0
	StepSendAddress              // address with read intent
	StepWaitAddress              // wait for ADDR
	StepClearAddress             // read SR2 to clear ADDR
	StepWaitRxNE                 // wait for a byte in the data register
	StepWaitBTF                  // wait for data register and shift register full
	StepStop                     // program STOP
	StepRead                     // read the data register into the next buffer slot
	StepWaitIdle                 // wait for BUSY to drop
)

var stepNames = [...]string{
	StepStart:        "start",
	StepEnableAck:    "ack-on",
	StepDisableAck:   "ack-off",
	StepNackNext:     "pos-on",
	StepNackCurrent:  "pos-off",
	StepSendAddress:  "send-addr",
	StepWaitAddress:  "wait-addr",
	StepClearAddress: "clear-addr",
	StepWaitRxNE:     "wait-rxne",
	StepWaitBTF:      "wait-btf",
	StepStop:         "stop",
	StepRead:         "read",
	StepWaitIdle:     "wait-idle",
}

func (s Step) String() string {
	if int(s) < len(stepNames) {
		return stepNames[s]
	}
	return "unknown"
}

// ReceivePlan returns the exact step sequence for reading n bytes.
//
// The ACK control of the peripheral lags the shift register by one byte, so
// the sequence differs per length class:
//
//   - n == 1: ACK is cleared after the address is queued but before it
//     completes, so the only byte is NACKed. STOP is programmed right after
//     ADDR is cleared.
//   - n == 2: ACK and POS are armed before the address. After ADDR, ACK is
//     cleared: the first byte is ACKed, the second NACKed. Once BTF shows both
//     bytes latched, STOP is programmed and the data register is read twice.
//   - n >= 3: bytes up to N-3 are read on RxNE. For the tail, wait RxNE then
//     BTF (N-2 in DR, N-1 in the shift register), clear ACK, read N-2, wait BTF
//     again, program STOP, read N-1, wait RxNE and read N.
func ReceivePlan(n int) []Step {
	switch {
	case n <= 0:
		return nil
	case n == 1:
		return []Step{
			StepStart,
			StepSendAddress,
			StepDisableAck,
			StepWaitAddress,
			StepClearAddress,
			StepStop,
			StepWaitRxNE,
			StepRead,
		}
	case n == 2:
		return []Step{
			StepStart,
			StepEnableAck,
			StepNackNext,
			StepSendAddress,
			StepWaitAddress,
			StepClearAddress,
			StepDisableAck,
			StepWaitBTF,
			StepStop,
			StepRead,
			StepRead,
			StepWaitIdle,
			StepNackCurrent,
		}
	}
	plan := make([]Step, 0, 5+2*(n-3)+9)
	plan = append(plan,
		StepStart,
		StepEnableAck,
		StepSendAddress,
		StepWaitAddress,
		StepClearAddress,
	)
	for i := 0; i < n-3; i++ {
		plan = append(plan, StepWaitRxNE, StepRead)
	}
	return append(plan,
		StepWaitRxNE,
		StepWaitBTF,
		StepDisableAck,
		StepRead, // N-2
		StepWaitBTF,
		StepStop,
		StepRead, // N-1
		StepWaitRxNE,
		StepRead, // N
	)
}
