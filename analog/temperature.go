package analog

import (
	"fmt"

	"gobot.io/x/gobot/v2/drivers/aio"
)

const (
	adcFullScale = 4095
	adcRefMV     = 3300
	// internal sensor: 1.43 V at 25 °C, 4.3 mV/°C
	tempV25MV = 1430
)

// ChipTemperature converts a 12-bit reading of the internal sensor to °C.
func ChipTemperature(raw uint16) int32 {
	mv := int32(raw) * adcRefMV / adcFullScale
	return (tempV25MV-mv)*10/43 + 25
}

// TemperatureSensor reads the internal sensor through an analog pin.
type TemperatureSensor struct {
	reader aio.AnalogReader
	pin    string
}

func NewTemperatureSensor(reader aio.AnalogReader, pin string) *TemperatureSensor {
	return &TemperatureSensor{reader: reader, pin: pin}
}

// GetTemperature returns the chip temperature in °C.
func (s *TemperatureSensor) GetTemperature() (int32, error) {
	raw, err := s.reader.AnalogRead(s.pin)
	if err != nil {
		return 0, fmt.Errorf("analog: could not read temperature pin %s: %w", s.pin, err)
	}
	if raw < 0 || raw > adcFullScale {
		return 0, fmt.Errorf("analog: temperature reading %d out of range", raw)
	}
	return ChipTemperature(uint16(raw)), nil
}
