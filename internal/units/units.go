// Package units converts physical quantities between units of measure.
package units

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Dimension groups units that can be converted into one another.
type Dimension string

const (
	Weight  Dimension = "weight"
	Length  Dimension = "length"
	Surface Dimension = "surface"
	Volume  Dimension = "volume"
)

// Base units for each dimension. Stored item dimensions default to KG and MM.
const (
	KG = "KG"
	MM = "MM"
	M  = "M"
	M2 = "M2"
	M3 = "M3"
)

var (
	// ErrUnknownUnit is returned for a unit code outside the conversion table.
	ErrUnknownUnit = errors.New("units: unknown unit")
	// ErrIncompatibleUnits is returned when converting across dimensions.
	ErrIncompatibleUnits = errors.New("units: incompatible units")
)

type unit struct {
	dim    Dimension
	factor decimal.Decimal // multiplier to the dimension's SI unit
}

func def(dim Dimension, factor string) unit {
	return unit{dim: dim, factor: decimal.RequireFromString(factor)}
}

var table = map[string]unit{
	"MG": def(Weight, "0.000001"),
	"G":  def(Weight, "0.001"),
	"KG": def(Weight, "1"),
	"T":  def(Weight, "1000"),
	"LB": def(Weight, "0.45359237"),
	"OZ": def(Weight, "0.028349523125"),

	"MM": def(Length, "0.001"),
	"CM": def(Length, "0.01"),
	"DM": def(Length, "0.1"),
	"M":  def(Length, "1"),
	"KM": def(Length, "1000"),
	"IN": def(Length, "0.0254"),
	"FT": def(Length, "0.3048"),
	"YD": def(Length, "0.9144"),

	"MM2": def(Surface, "0.000001"),
	"CM2": def(Surface, "0.0001"),
	"DM2": def(Surface, "0.01"),
	"M2":  def(Surface, "1"),
	"HA":  def(Surface, "10000"),
	"IN2": def(Surface, "0.00064516"),
	"FT2": def(Surface, "0.09290304"),

	"MM3": def(Volume, "0.000000001"),
	"CM3": def(Volume, "0.000001"),
	"ML":  def(Volume, "0.000001"),
	"L":   def(Volume, "0.001"),
	"DM3": def(Volume, "0.001"),
	"M3":  def(Volume, "1"),
	"FT3": def(Volume, "0.028316846592"),
}

var aliases = map[string]string{
	"KGS":    "KG",
	"TONNE":  "T",
	"TON":    "T",
	"LBS":    "LB",
	"LITRE":  "L",
	"LITER":  "L",
	"LT":     "L",
	"METER":  "M",
	"METRE":  "M",
	"CC":     "CM3",
	"SQM":    "M2",
	"CBM":    "M3",
	"GRAMME": "G",
	"GRAM":   "G",
}

// Normalize canonicalises a unit code ("m²" -> "M2", "litre" -> "L").
func Normalize(code string) string {
	c := strings.ToUpper(strings.TrimSpace(code))
	c = strings.NewReplacer("²", "2", "³", "3", "^", "", " ", "").Replace(c)
	if alias, ok := aliases[c]; ok {
		return alias
	}
	return c
}

// DimensionOf reports which dimension a unit code belongs to.
func DimensionOf(code string) (Dimension, error) {
	u, ok := table[Normalize(code)]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownUnit, code)
	}
	return u.dim, nil
}

// Convert converts value from one unit to another of the same dimension.
func Convert(value float64, from, to string) (float64, error) {
	out, err := convert(decimal.NewFromFloat(value), from, to)
	if err != nil {
		return 0, err
	}
	return out.InexactFloat64(), nil
}

// ConvertWithin is Convert restricted to a single dimension.
func ConvertWithin(dim Dimension, value float64, from, to string) (float64, error) {
	fd, err := DimensionOf(from)
	if err != nil {
		return 0, err
	}
	if fd != dim {
		return 0, fmt.Errorf("%w: %s is not a %s unit", ErrIncompatibleUnits, from, dim)
	}
	return Convert(value, from, to)
}

func convert(value decimal.Decimal, from, to string) (decimal.Decimal, error) {
	f, ok := table[Normalize(from)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownUnit, from)
	}
	t, ok := table[Normalize(to)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownUnit, to)
	}
	if f.dim != t.dim {
		return decimal.Zero, fmt.Errorf("%w: %s -> %s", ErrIncompatibleUnits, from, to)
	}
	if f.factor.Equal(t.factor) {
		return value, nil
	}
	return value.Mul(f.factor).Div(t.factor), nil
}

// SurfaceArea returns length x width, both expressed in unit, in square metres.
func SurfaceArea(length, width float64, unit string) (float64, error) {
	l, err := toMetres(length, unit)
	if err != nil {
		return 0, err
	}
	w, err := toMetres(width, unit)
	if err != nil {
		return 0, err
	}
	return l.Mul(w).InexactFloat64(), nil
}

// BoxVolume returns length x width x height, all expressed in unit, in cubic metres.
func BoxVolume(length, width, height float64, unit string) (float64, error) {
	l, err := toMetres(length, unit)
	if err != nil {
		return 0, err
	}
	w, err := toMetres(width, unit)
	if err != nil {
		return 0, err
	}
	h, err := toMetres(height, unit)
	if err != nil {
		return 0, err
	}
	return l.Mul(w).Mul(h).InexactFloat64(), nil
}

func toMetres(v float64, unit string) (decimal.Decimal, error) {
	dim, err := DimensionOf(unit)
	if err != nil {
		return decimal.Zero, err
	}
	if dim != Length {
		return decimal.Zero, fmt.Errorf("%w: %s is not a length unit", ErrIncompatibleUnits, unit)
	}
	return convert(decimal.NewFromFloat(v), unit, M)
}

// PriceByQuantity converts quantity from its stored unit into the pricing
// unit and multiplies it by the unit price.
func PriceByQuantity(dim Dimension, quantity float64, stored string, unitPrice float64, pricedIn string) (float64, error) {
	sd, err := DimensionOf(stored)
	if err != nil {
		return 0, err
	}
	pd, err := DimensionOf(pricedIn)
	if err != nil {
		return 0, err
	}
	if sd != dim || pd != dim {
		return 0, fmt.Errorf("%w: expected %s units, got %s and %s", ErrIncompatibleUnits, dim, stored, pricedIn)
	}
	q, err := convert(decimal.NewFromFloat(quantity), stored, pricedIn)
	if err != nil {
		return 0, err
	}
	return q.Mul(decimal.NewFromFloat(unitPrice)).InexactFloat64(), nil
}
