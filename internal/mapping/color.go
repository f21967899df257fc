package mapping

import (
	"fmt"
	"math"
	"strconv"
)

// Kelvin bounds accepted by CTToRGB.
const (
	minKelvin = 1000.0
	maxKelvin = 40000.0
)

// RGBHex encodes three 0-255 channels as a six digit lower-case hex string.
func RGBHex(r, g, b int) string {
	return fmt.Sprintf("%02x%02x%02x", clampByte(r), clampByte(g), clampByte(b))
}

// HSVToRGB converts hue, saturation and value (all in 0..1) to a hex RGB string.
func HSVToRGB(h, s, v float64) string {
	var r, g, b float64

	if s == 0 {
		r, g, b = v, v, v
	} else {
		i := math.Floor(h * 6)
		f := h*6 - i
		p := v * (1 - s)
		q := v * (1 - s*f)
		t := v * (1 - s*(1-f))

		switch int(i) % 6 {
		case 0:
			r, g, b = v, t, p
		case 1:
			r, g, b = q, v, p
		case 2:
			r, g, b = p, v, t
		case 3:
			r, g, b = p, q, v
		case 4:
			r, g, b = t, p, v
		case 5:
			r, g, b = v, p, q
		}
	}

	return RGBHex(round(r*255), round(g*255), round(b*255))
}

// RGBToHSV parses a hex RGB string and returns hue, saturation and value in 0..1.
func RGBToHSV(hex string) (h, s, v float64, err error) {
	if len(hex) != 6 {
		return 0, 0, 0, fmt.Errorf("mapping: invalid rgb %q", hex)
	}
	n, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("mapping: invalid rgb %q: %w", hex, err)
	}

	r := float64((n>>16)&0xff) / 255
	g := float64((n>>8)&0xff) / 255
	b := float64(n&0xff) / 255

	maxC := math.Max(r, math.Max(g, b))
	minC := math.Min(r, math.Min(g, b))
	c := maxC - minC

	switch {
	case c == 0:
		h = 0
	case maxC == r:
		h = math.Mod(360+60*(g-b)/c, 360) / 360
	case maxC == g:
		h = (60*(b-r)/c + 120) / 360
	default:
		h = (60*(r-g)/c + 240) / 360
	}

	if maxC != 0 {
		s = c / maxC
	}

	return h, s, maxC, nil
}

// XYYToRGB converts a CIE xyY colour to a hex RGB string.
//
// Out-of-gamut colours are scaled down uniformly until every channel fits.
func XYYToRGB(x, y, bigY float64) string {
	if y <= 0 {
		return RGBHex(0, 0, 0)
	}

	bigX := x * bigY / y
	bigZ := (1 - x - y) * bigY / y
	if bigX > 1 || bigY > 1 || bigZ > 1 {
		f := math.Max(bigX, math.Max(bigY, bigZ))
		bigX /= f
		bigY /= f
		bigZ /= f
	}

	r := 0.7982*bigX + 0.3389*bigY - 0.1371*bigZ
	g := -0.5918*bigX + 1.5512*bigY + 0.0406*bigZ
	b := 0.0008*bigX + 0.0239*bigY + 0.9753*bigZ
	if r > 1 || g > 1 || b > 1 {
		f := math.Max(r, math.Max(g, b))
		r /= f
		g /= f
		b /= f
	}

	return RGBHex(round(r*255), round(g*255), round(b*255))
}

// CTToRGB converts a colour temperature to a hex RGB string.
//
// Values above 1000 are taken as Kelvin and clamped to 1000..40000, smaller
// values as mired.
func CTToRGB(ct float64) string {
	if ct > minKelvin {
		ct = 1e6 / math.Min(ct, maxKelvin)
	} else {
		ct = math.Max(math.Min(ct, 1e6/minKelvin), 1e6/maxKelvin)
	}

	temp := (1e6/ct)/100 + 10

	r := 255.0
	if temp > 66 {
		r = 329.698727446 * math.Pow(temp-60, -0.1332047592)
	}

	var g float64
	if temp <= 66 {
		g = 99.4708025861*math.Log(temp) - 161.1195681661
	} else {
		g = 288.1221695283 * math.Pow(temp-60, -0.0755148492)
	}

	b := 255.0
	if temp <= 19 {
		b = 0
	} else if temp < 66 {
		b = 138.5177312231*math.Log(temp-10) - 305.0447927307
	}

	return RGBHex(round(r), round(g), round(b))
}

// round rounds half away from zero to the nearest integer.
func round(v float64) int {
	return int(math.Round(v))
}

func clampByte(v int) int {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v
}
