package power

import "time"

const (
	RegConfig       = 0x00
	RegShuntVoltage = 0x01
	RegBusVoltage   = 0x02
	RegPower        = 0x03
	RegCurrent      = 0x04
	RegCalibration  = 0x05
)

const (
	BatteryAddress   = 0x40
	RegulatorAddress = 0x41
)

// PGA gain settings (shunt full scale).
const (
	Gain40mV  uint8 = 0b00
	Gain80mV  uint8 = 0b01
	Gain160mV uint8 = 0b10
	Gain320mV uint8 = 0b11
)

// ADC modes shared by the bus and shunt converters.
const (
	ADC12Bit     uint8 = 0b0011
	ADC16Samples uint8 = 0b1100
)

const (
	configBusRange32V = 1 << 13
	configContinuous  = 0b111
	// 0.04096 scaled by 1e12 so that micro-ohm and micro-amp inputs stay integral.
	calibrationScale = 40_960_000_000
)

// Rail describes one sense device and the fixed scaling chosen for it.
type Rail struct {
	Name               string `yaml:"name"`
	Address            byte   `yaml:"address"`
	ShuntMicroOhm      uint32 `yaml:"shunt_micro_ohm"`
	CurrentLSBMicroAmp uint32 `yaml:"current_lsb_micro_amp"`
	Gain               uint8  `yaml:"gain"`
	ADC                uint8  `yaml:"adc"`
	// CalibrateOffset makes Init sample the zero-current bias.
	CalibrateOffset bool `yaml:"calibrate_offset"`
}

// BatteryRail is the 500 µΩ battery shunt read at 10 mA per bit.
var BatteryRail = Rail{
	Name:               "battery",
	Address:            BatteryAddress,
	ShuntMicroOhm:      500,
	CurrentLSBMicroAmp: 10_000,
	Gain:               Gain40mV,
	ADC:                ADC16Samples,
	CalibrateOffset:    true,
}

// RegulatorRail is the 10 mΩ 5V regulator shunt read at 1 mA per bit.
var RegulatorRail = Rail{
	Name:               "regulator",
	Address:            RegulatorAddress,
	ShuntMicroOhm:      10_000,
	CurrentLSBMicroAmp: 1_000,
	Gain:               Gain320mV,
	ADC:                ADC12Bit,
	CalibrateOffset:    true,
}

// Calibration returns the value for the calibration register:
// trunc(0.04096 / (R_shunt * I_lsb)).
func (r Rail) Calibration() uint16 {
	d := uint64(r.ShuntMicroOhm) * uint64(r.CurrentLSBMicroAmp)
	if d == 0 {
		return 0
	}
	return uint16(calibrationScale / d)
}

// Config returns the configuration register word: 32 V bus range, the rail's
// gain, the same ADC mode for bus and shunt, continuous conversion of both.
func (r Rail) Config() uint16 {
	return configBusRange32V |
		uint16(r.Gain&0b11)<<11 |
		uint16(r.ADC&0b1111)<<7 |
		uint16(r.ADC&0b1111)<<3 |
		configContinuous
}

var adcTimes = map[uint8]time.Duration{
	0b1000: 532 * time.Microsecond,
	0b1001: 1060 * time.Microsecond,
	0b1010: 2130 * time.Microsecond,
	0b1011: 4260 * time.Microsecond,
	0b1100: 8510 * time.Microsecond,
	0b1101: 17020 * time.Microsecond,
	0b1110: 34050 * time.Microsecond,
	0b1111: 68100 * time.Microsecond,
}

// ConversionTime is one full continuous cycle: a shunt and a bus conversion.
func (r Rail) ConversionTime() time.Duration {
	mode := r.ADC & 0b1111
	if mode < 0b1000 {
		// 9..12 bit single sample
		return 2 * [...]time.Duration{84, 148, 276, 532}[mode&0b11] * time.Microsecond
	}
	return 2 * adcTimes[mode]
}

// ToMilliamps scales a bias-corrected current register value.
func (r Rail) ToMilliamps(raw int32) int32 {
	return raw * int32(r.CurrentLSBMicroAmp) / 1000
}
