package mapping

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
)

// ReadingFunc converts a raw reading into a normalized value. It replaces
// the built-in rules for the mappings that name it.
type ReadingFunc func(m *Mapping, raw string) (any, error)

// CommandFunc converts a normalized value into the value appended to the set
// command.
type CommandFunc func(m *Mapping, value any) (any, error)

// Funcs is a registry of named conversion functions referenced by the
// reading2homekit and homekit2reading rules.
type Funcs struct {
	mu       sync.RWMutex
	readings map[string]ReadingFunc
	commands map[string]CommandFunc
}

// NewFuncs returns an empty registry.
func NewFuncs() *Funcs {
	return &Funcs{
		readings: make(map[string]ReadingFunc),
		commands: make(map[string]CommandFunc),
	}
}

// DefaultFuncs returns a registry holding the colour conversions used by
// RGB and colour temperature lights.
func DefaultFuncs() *Funcs {
	f := NewFuncs()
	f.RegisterReading("rgb2hue", rgbComponent(func(h, _, _ float64) float64 { return h * 360 }))
	f.RegisterReading("rgb2saturation", rgbComponent(func(_, s, _ float64) float64 { return s * 100 }))
	f.RegisterReading("rgb2brightness", rgbComponent(func(_, _, v float64) float64 { return v * 100 }))
	f.RegisterReading("mired2kelvin", invertUnit)
	f.RegisterReading("ct2rgb", func(_ *Mapping, raw string) (any, error) {
		ct, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrNotNumeric, raw)
		}
		return CTToRGB(ct), nil
	})
	f.RegisterCommand("kelvin2mired", func(m *Mapping, value any) (any, error) {
		n, ok := toFloat(value)
		if !ok || n == 0 {
			return nil, fmt.Errorf("%w: %v", ErrNotNumeric, value)
		}
		return round(1e6 / n), nil
	})
	return f
}

// RegisterReading adds or replaces a reading conversion.
func (f *Funcs) RegisterReading(name string, fn ReadingFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readings[name] = fn
}

// RegisterCommand adds or replaces a command conversion.
func (f *Funcs) RegisterCommand(name string, fn CommandFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands[name] = fn
}

func (f *Funcs) reading(name string) (ReadingFunc, bool) {
	if f == nil {
		return nil, false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.readings[name]
	return fn, ok
}

func (f *Funcs) command(name string) (CommandFunc, bool) {
	if f == nil {
		return nil, false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.commands[name]
	return fn, ok
}

func rgbComponent(pick func(h, s, v float64) float64) ReadingFunc {
	return func(_ *Mapping, raw string) (any, error) {
		h, s, v, err := RGBToHSV(strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		return round(pick(h, s, v)), nil
	}
}

func invertUnit(_ *Mapping, raw string) (any, error) {
	n, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || n == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotNumeric, raw)
	}
	return round(1e6 / n), nil
}

// funcConverter adapts registered functions to the Converter interface.
type funcConverter struct {
	read  ReadingFunc
	write CommandFunc
}

func (c funcConverter) Normalize(m *Mapping, raw string) (v any, err error) {
	defer recoverConversion(&err)
	v, err = c.read(m, raw)
	if err != nil {
		return nil, err
	}
	if f, ok := v.(float64); ok && math.IsNaN(f) {
		return nil, fmt.Errorf("%w: %q", ErrNotNumeric, raw)
	}
	return v, nil
}

func (c funcConverter) Denormalize(m *Mapping, value any) (v any, err error) {
	defer recoverConversion(&err)
	v, err = c.write(m, value)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrNoValue
	}
	return v, nil
}

func recoverConversion(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("mapping: conversion panicked: %v", r)
	}
}
