package obd

// Mode 1 / mode 2 parameter ids with a registered conversion.
const (
	PIDEngineLoad    byte = 0x04
	PIDCoolantTemp   byte = 0x05
	PIDIntakeMAP     byte = 0x0B
	PIDEngineRPM     byte = 0x0C
	PIDVehicleSpeed  byte = 0x0D
	PIDTimingAdvance byte = 0x0E
	PIDIntakeTemp    byte = 0x0F
	PIDMAFRate       byte = 0x10
	PIDThrottle      byte = 0x11
	PIDO2Voltage     byte = 0x14
	PIDFuelLevel     byte = 0x2F

	// PIDFreezeDTC identifies the DTC that stored a freeze frame.
	PIDFreezeDTC byte = 0x02
)

// CalculateEngineLoad returns calculated load in percent.
func CalculateEngineLoad(raw byte) float64 { return float64(raw) * 100 / 255 }

// CalculateCoolantTemp returns coolant temperature in °C.
func CalculateCoolantTemp(raw byte) float64 { return float64(raw) - 40 }

// CalculateRPM returns engine speed from the two data bytes.
func CalculateRPM(msb, lsb byte) float64 { return (float64(msb)*256 + float64(lsb)) / 4 }

// CalculateSpeed returns vehicle speed in km/h.
func CalculateSpeed(raw byte) float64 { return float64(raw) }

// CalculateTimingAdvance returns ignition advance in degrees before TDC.
func CalculateTimingAdvance(raw byte) float64 { return (float64(raw) - 128) / 2 }

// CalculateIntakeTemp returns intake air temperature in °C.
func CalculateIntakeTemp(raw byte) float64 { return float64(raw) - 40 }

// CalculateMAF returns mass air flow in g/s.
func CalculateMAF(msb, lsb byte) float64 { return (float64(msb)*256 + float64(lsb)) / 100 }

// CalculateThrottle returns throttle position in percent.
func CalculateThrottle(raw byte) float64 { return float64(raw) * 100 / 255 }

// CalculateO2Voltage returns oxygen sensor voltage.
func CalculateO2Voltage(raw byte) float64 { return float64(raw) * 0.005 }

// CalculateFuelLevel returns fuel level in percent.
func CalculateFuelLevel(raw byte) float64 { return float64(raw) * 100 / 255 }

// Conversion turns PID data bytes into a physical value.
type Conversion struct {
	Name  string
	Unit  string
	Bytes int
	Fn    func(d []byte) float64
}

func one(f func(byte) float64) func([]byte) float64 {
	return func(d []byte) float64 { return f(d[0]) }
}

func two(f func(byte, byte) float64) func([]byte) float64 {
	return func(d []byte) float64 { return f(d[0], d[1]) }
}

var conversions = map[byte]Conversion{
	PIDEngineLoad:    {"Engine Load", "%", 1, one(CalculateEngineLoad)},
	PIDCoolantTemp:   {"Coolant Temp", "°C", 1, one(CalculateCoolantTemp)},
	PIDIntakeMAP:     {"Intake MAP", "kPa", 1, func(d []byte) float64 { return float64(d[0]) }},
	PIDEngineRPM:     {"Engine RPM", "rpm", 2, two(CalculateRPM)},
	PIDVehicleSpeed:  {"Vehicle Speed", "km/h", 1, one(CalculateSpeed)},
	PIDTimingAdvance: {"Timing Advance", "°", 1, one(CalculateTimingAdvance)},
	PIDIntakeTemp:    {"Intake Temp", "°C", 1, one(CalculateIntakeTemp)},
	PIDMAFRate:       {"MAF", "g/s", 2, two(CalculateMAF)},
	PIDThrottle:      {"Throttle", "%", 1, one(CalculateThrottle)},
	PIDO2Voltage:     {"O2 Voltage", "V", 1, one(CalculateO2Voltage)},
	PIDFuelLevel:     {"Fuel Level", "%", 1, one(CalculateFuelLevel)},
}

// LookupConversion returns the conversion registered for pid.
func LookupConversion(pid byte) (Conversion, bool) {
	c, ok := conversions[pid]
	return c, ok
}

// Convert applies the conversion registered for pid. It reports false for
// unknown pids and for data shorter than the conversion needs.
func Convert(pid byte, data []byte) (float64, bool) {
	c, ok := conversions[pid]
	if !ok || len(data) < c.Bytes {
		return 0, false
	}
	return c.Fn(data), true
}
