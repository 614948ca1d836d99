// Package simulator generates synthetic YDOC logger traffic against a
// running ingest server.
package simulator

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// LoggerDevice is one simulated YDOC dam logger with its own identity
// and plaintext bearer token.
type LoggerDevice struct {
	ClientSlug string `fake:"{word}"`
	SiteSlug   string `fake:"{word}"`
	YdocSerial string
	Token      string `fake:"{password:true,true,true,false,false,24}"`
}

// NewLoggerDevice creates a logger device with fake identity data.
func NewLoggerDevice() *LoggerDevice {
	var device LoggerDevice
	if err := gofakeit.Struct(&device); err != nil {
		return nil
	}
	device.ClientSlug = strings.ToLower(device.ClientSlug)
	device.SiteSlug = strings.ToLower(device.SiteSlug)
	device.YdocSerial = fmt.Sprintf("ML-%s-%d",
		strings.ToUpper(gofakeit.LetterN(7)),
		gofakeit.Number(100000000, 999999999),
	)
	return &device
}

// Reading is one synthetic measurement set.
type Reading struct {
	LevelM   float64
	BatteryV float64
	TempC    float64
}

// LevelGenerator produces a plausible reservoir series: a seasonal
// freshet cycle on top of a base level, a small daily draw-down
// wiggle, and noise. Battery follows a solar charge curve and water
// temperature lags air season.
type LevelGenerator struct {
	baseLevelM   float64
	seasonalAmpM float64
	noiseM       float64
	batteryBaseV float64
	lastLevelM   float64
}

// NewLevelGenerator creates a generator with randomized site character.
// Note: Uses math/rand which is acceptable for simulation data.
func NewLevelGenerator() *LevelGenerator {
	base := 140.0 + rand.Float64()*20 // #nosec G404 - weak random is acceptable for simulation
	return &LevelGenerator{
		baseLevelM:   base,
		seasonalAmpM: 2.0 + rand.Float64()*3,
		noiseM:       0.01 + rand.Float64()*0.02,
		batteryBaseV: 12.2 + rand.Float64()*0.6,
		lastLevelM:   base,
	}
}

// GenerateLevel returns the reservoir level for the given time.
func (g *LevelGenerator) GenerateLevel(t time.Time) float64 {
	// Seasonal cycle peaking at the spring freshet (~day 150)
	dayOfYear := float64(t.YearDay())
	seasonal := g.seasonalAmpM * math.Sin((dayOfYear-60)*2*math.Pi/365)

	// Daily draw-down: generation pulls the level slightly during the day
	hour := float64(t.Hour())
	daily := -0.05 * math.Sin((hour-8)*math.Pi/12)

	noise := (rand.Float64() - 0.5) * g.noiseM

	// Random walk component so consecutive readings stay coherent
	level := g.lastLevelM*0.8 + (g.baseLevelM+seasonal+daily)*0.2 + noise
	g.lastLevelM = level
	return math.Round(level*1000) / 1000
}

// GenerateBattery models a solar-charged 12V battery: charging midday,
// sagging overnight.
func (g *LevelGenerator) GenerateBattery(t time.Time) float64 {
	hour := float64(t.Hour())
	solar := 0.4 * math.Sin((hour-6)*math.Pi/12)
	if solar < 0 {
		solar = 0
	}
	sag := -0.15 * math.Cos(hour*math.Pi/12)
	noise := (rand.Float64() - 0.5) * 0.05
	v := g.batteryBaseV + solar + sag + noise
	return math.Round(math.Max(11.0, math.Min(14.4, v))*100) / 100
}

// GenerateTemp models water temperature with a lagged seasonal cycle.
func (g *LevelGenerator) GenerateTemp(t time.Time) float64 {
	dayOfYear := float64(t.YearDay())
	seasonal := 7 * math.Sin((dayOfYear-120)*2*math.Pi/365)
	noise := (rand.Float64() - 0.5) * 0.4
	return math.Round((9.0+seasonal+noise)*100) / 100
}

// GenerateReading produces a full correlated measurement set.
func (g *LevelGenerator) GenerateReading(t time.Time) *Reading {
	return &Reading{
		LevelM:   g.GenerateLevel(t),
		BatteryV: g.GenerateBattery(t),
		TempC:    g.GenerateTemp(t),
	}
}
