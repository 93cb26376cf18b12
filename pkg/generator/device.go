// Package generator produces fake device identities and plausible telemetry
// for the device simulator.
package generator

import (
	"math"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// DeviceTypes are the kinds of simulated device.
var DeviceTypes = []string{"environment_sensor", "gateway", "smart_meter", "cold_chain_tracker"}

// Device is a fake device identity.
type Device struct {
	ID         string  `fake:"{uuid}"`
	Name       string  `fake:"{noun}-{number:100,999}"`
	Location   string  `fake:"{city}, {state}"`
	MacAddress string  `fake:"{macaddress}"`
	IPAddress  string  `fake:"{ipv4address}"`
	Firmware   string  `fake:"{appversion}"`
	DeviceType string  `fake:"skip"`
	Latitude   float64 `fake:"{latitude}"`
	Longitude  float64 `fake:"{longitude}"`
}

// NewDevice fills a Device from faker.
func NewDevice(faker *gofakeit.Faker) (Device, error) {
	var d Device
	if err := faker.Struct(&d); err != nil {
		return Device{}, err
	}
	d.DeviceType = DeviceTypes[faker.IntN(len(DeviceTypes))]
	return d, nil
}

// Reading is one telemetry sample.
type Reading struct {
	Temperature    float64
	Humidity       float64
	Pressure       float64
	BatteryLevel   float64
	SignalStrength int
}

// Metrics renders the reading as a telemetry metrics object.
func (r Reading) Metrics() map[string]any {
	return map[string]any{
		"temperature":     r.Temperature,
		"humidity":        r.Humidity,
		"pressure":        r.Pressure,
		"battery_level":   r.BatteryLevel,
		"signal_strength": r.SignalStrength,
	}
}

// TelemetryGenerator produces correlated readings for one device: a daily
// temperature cycle, humidity inversely tracking temperature, a slowly
// trending pressure and a draining battery.
type TelemetryGenerator struct {
	faker            *gofakeit.Faker
	started          time.Time
	baselineTemp     float64
	baselineHumidity float64
	baselinePressure float64
	noise            float64
	pressureTrend    float64
	lastPressure     float64
	// SpikeRate is the chance that a temperature reading carries an
	// anomaly large enough to cross a typical alert threshold.
	SpikeRate float64
}

// NewTelemetryGenerator seeds per-device baselines from faker.
func NewTelemetryGenerator(faker *gofakeit.Faker, started time.Time) *TelemetryGenerator {
	return &TelemetryGenerator{
		faker:            faker,
		started:          started,
		baselineTemp:     faker.Float64Range(20, 30),
		baselineHumidity: faker.Float64Range(50, 70),
		baselinePressure: faker.Float64Range(1003, 1023),
		noise:            faker.Float64Range(0, 2),
		pressureTrend:    faker.Float64Range(-0.25, 0.25),
		lastPressure:     1013,
		SpikeRate:        0.05,
	}
}

// Temperature follows a daily cycle peaking mid-afternoon.
func (g *TelemetryGenerator) Temperature(t time.Time) float64 {
	hour := float64(t.Hour())
	daily := 5 * math.Sin((hour-6)*math.Pi/12)
	noise := g.faker.Float64Range(-0.5, 0.5) * g.noise

	var spike float64
	if g.faker.Float64() < g.SpikeRate {
		spike = g.faker.Float64Range(50, 70)
	}
	return g.baselineTemp + daily + noise + spike
}

// Humidity moves against temperature and is clamped to 20-95%.
func (g *TelemetryGenerator) Humidity(t time.Time, temperature float64) float64 {
	hour := float64(t.Hour())
	daily := -3 * math.Sin((hour-6)*math.Pi/12)
	tempEffect := -(temperature - g.baselineTemp) * 1.5
	noise := g.faker.Float64Range(-0.25, 0.25) * g.noise
	weekly := 10 * math.Sin(float64(t.Unix())/(86400*7))

	var rain float64
	if g.faker.Float64() < 0.03 {
		rain = g.faker.Float64Range(0, 20)
	}
	return clamp(g.baselineHumidity+daily+tempEffect+noise+weekly+rain, 20, 95)
}

// Pressure is a damped random walk with an occasionally reversing trend,
// clamped to 980-1040 hPa before weather fronts.
func (g *TelemetryGenerator) Pressure(t time.Time) float64 {
	step := g.faker.Float64Range(-0.25, 0.25)
	if g.faker.Float64() < 0.1 {
		g.pressureTrend = -g.pressureTrend + g.faker.Float64Range(-0.1, 0.1)
	}
	seasonal := 5 * math.Sin(float64(t.YearDay())*2*math.Pi/365)
	diurnal := 0.5 * math.Sin((float64(t.Hour())-3)*math.Pi/12)

	p := g.lastPressure + step + g.pressureTrend + diurnal*0.1
	p = g.baselinePressure + (p-g.baselinePressure)*0.7 + seasonal
	p = clamp(p, 980, 1040)

	if g.faker.Float64() < 0.02 {
		front := g.faker.Float64Range(-5, 5)
		p += front
		g.pressureTrend = front * 0.3
	}
	g.lastPressure = p
	return p
}

// Battery drains linearly over roughly 36 days from start.
func (g *TelemetryGenerator) Battery(t time.Time) float64 {
	drain := t.Sub(g.started).Hours() / (720 * 1.2) * 100
	return clamp(100-drain-g.faker.Float64Range(0, 2), 5, 100)
}

// Next produces a correlated reading at t.
func (g *TelemetryGenerator) Next(t time.Time) Reading {
	temperature := g.Temperature(t)
	return Reading{
		Temperature:    round(temperature, 2),
		Humidity:       round(g.Humidity(t, temperature), 2),
		Pressure:       round(g.Pressure(t), 2),
		BatteryLevel:   round(g.Battery(t), 1),
		SignalStrength: g.faker.IntRange(-90, -40),
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
