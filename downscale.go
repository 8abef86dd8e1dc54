/*
Copyright © 2025 the MicroPezzottoMet authors.
This file is part of MicroPezzottoMet.

MicroPezzottoMet is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

MicroPezzottoMet is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with MicroPezzottoMet.  If not, see <http://www.gnu.org/licenses/>.
*/

package micromet

import (
	"fmt"
	"math"

	"github.com/ctessum/sparse"
)

const (
	// DefaultLapseRate is the default air temperature lapse rate
	// [K km-1], positive for temperature decreasing with height.
	DefaultLapseRate = 6.5

	// DefaultPrecipFactor is the default precipitation adjustment
	// factor [km-1] (Liston and Elder 2006, table 1 annual mean).
	DefaultPrecipFactor = 0.35

	// DefaultSlopeWeight is the default weight of the terrain slope and
	// curvature contributions to the wind correction.
	DefaultSlopeWeight = 0.5

	// solarConstant is the top-of-atmosphere solar irradiance [W m-2].
	solarConstant = 1370.

	// z700Height is the approximate height of the 700 hPa pressure
	// level [m], the scale over which atmospheric transmissivity
	// differences are assumed to vanish.
	z700Height = 3000.

	// precipChiLimit bounds the precipitation correction term so the
	// adjustment ratio stays finite and positive.
	precipChiLimit = 0.95
)

// checkShapes returns an error unless all arrays are 2-D with the same shape.
func checkShapes(name string, arrays ...*sparse.DenseArray) error {
	for i, a := range arrays[1:] {
		if len(a.Shape) != 2 || a.Shape[0] != arrays[0].Shape[0] || a.Shape[1] != arrays[0].Shape[1] {
			return fmt.Errorf("micromet: %s: input %d shape %v does not match %v",
				name, i+1, a.Shape, arrays[0].Shape)
		}
	}
	return nil
}

// DownscaleTemperature adjusts the coarse air temperature [K], already
// interpolated to the fine grid, for the elevation difference between the
// fine DEM and the coarse reference elevation, using a constant lapse rate
// [K km-1].
func DownscaleTemperature(coarseT, refElev, elev *sparse.DenseArray, lapseRate float64) (*sparse.DenseArray, error) {
	if err := checkShapes("temperature", coarseT, refElev, elev); err != nil {
		return nil, err
	}
	out := coarseT.Copy()
	for i := range out.Elements {
		dz := refElev.Elements[i] - elev.Elements[i]
		out.Elements[i] = coarseT.Elements[i] + lapseRate*dz/1000
	}
	return out, nil
}

// DownscaleShortwave adjusts incoming shortwave radiation [W m-2] for
// elevation: higher terrain sits under a thinner atmosphere, so the fraction
// of radiation lost to attenuation is partially recovered with height. Cloudy
// cells (low transmissivity) are adjusted more strongly than clear ones, and
// the result is never negative.
func DownscaleShortwave(coarseSW, refElev, elev *sparse.DenseArray) (*sparse.DenseArray, error) {
	if err := checkShapes("shortwave", coarseSW, refElev, elev); err != nil {
		return nil, err
	}
	out := coarseSW.Copy()
	for i := range out.Elements {
		sw := coarseSW.Elements[i]
		trans := math.Min(sw/solarConstant, 1)
		dz := elev.Elements[i] - refElev.Elements[i]
		v := sw * (1 + (1-trans)*dz/z700Height)
		if v < 0 {
			v = 0
		}
		out.Elements[i] = v
	}
	return out, nil
}

// magnusSVP returns the Magnus saturation vapor pressure over water [hPa]
// for a temperature in Kelvin.
func magnusSVP(tK float64) float64 {
	tC := tK - 273.15
	return 6.112 * math.Exp(17.62*tC/(243.12+tC))
}

// DownscaleRelativeHumidity recomputes relative humidity [%] on the fine
// grid by conserving vapor pressure: the actual vapor pressure implied by the
// coarse humidity and temperature is held fixed while the saturation vapor
// pressure is reevaluated at the downscaled temperature. Results are clamped
// to [0, 100]. Temperatures are in Kelvin.
func DownscaleRelativeHumidity(coarseRH, coarseT, fineT *sparse.DenseArray) (*sparse.DenseArray, error) {
	if err := checkShapes("relative humidity", coarseRH, coarseT, fineT); err != nil {
		return nil, err
	}
	out := coarseRH.Copy()
	for i := range out.Elements {
		e := coarseRH.Elements[i] / 100 * magnusSVP(coarseT.Elements[i])
		rh := 100 * e / magnusSVP(fineT.Elements[i])
		if rh < 0 {
			rh = 0
		} else if rh > 100 {
			rh = 100
		}
		out.Elements[i] = rh
	}
	return out, nil
}

// DewpointRelativeHumidity derives relative humidity [%] from dewpoint and
// air temperature, both in Kelvin, as the ratio of the saturation vapor
// pressures at the two temperatures. Used when the climate archive carries
// dewpoint instead of humidity. Results are clamped to [0, 100].
func DewpointRelativeHumidity(dewpoint, temperature *sparse.DenseArray) (*sparse.DenseArray, error) {
	if err := checkShapes("dewpoint humidity", dewpoint, temperature); err != nil {
		return nil, err
	}
	out := dewpoint.Copy()
	for i := range out.Elements {
		rh := 100 * magnusSVP(dewpoint.Elements[i]) / magnusSVP(temperature.Elements[i])
		if rh < 0 {
			rh = 0
		} else if rh > 100 {
			rh = 100
		}
		out.Elements[i] = rh
	}
	return out, nil
}

// DownscalePrecipitation adjusts precipitation for elevation using the
// nonlinear correction of Liston and Elder (2006): P_f = P_c (1+chi)/(1-chi)
// with chi the product of the adjustment factor [km-1] and the elevation
// difference [km], bounded away from the singularity at chi = 1. Negative
// results are floored at zero.
func DownscalePrecipitation(coarseP, refElev, elev *sparse.DenseArray, factor float64) (*sparse.DenseArray, error) {
	if err := checkShapes("precipitation", coarseP, refElev, elev); err != nil {
		return nil, err
	}
	out := coarseP.Copy()
	for i := range out.Elements {
		dzKm := (elev.Elements[i] - refElev.Elements[i]) / 1000
		chi := factor * dzKm
		if chi > precipChiLimit {
			chi = precipChiLimit
		} else if chi < -precipChiLimit {
			chi = -precipChiLimit
		}
		v := coarseP.Elements[i] * (1 + chi) / (1 - chi)
		if v < 0 {
			v = 0
		}
		out.Elements[i] = v
	}
	return out, nil
}

// DownscaleWind applies the terrain correction of Liston and Elder (2006) to
// the coarse wind components [m s-1], already interpolated to the fine grid.
// The wind speed in each cell is multiplied by a weight built from the
// terrain curvature and from the terrain slope in the direction the wind
// blows from, both normalized to [-0.5, 0.5]; windward slopes and ridges
// speed the wind up, lee slopes and valleys slow it down. The wind direction
// [degrees from north] is diverted by curvature relative to the terrain
// aspect. slopeWeight controls the strength of the speed correction.
//
// Slope and aspect are in degrees; flat cells carry aspect -1 and receive no
// slope correction. Cells where the terrain grids are NaN are NaN in both
// outputs. Returns wind speed and direction grids.
func DownscaleWind(u, v, slope, aspect, curvature *sparse.DenseArray, slopeWeight float64) (speed, direction *sparse.DenseArray, err error) {
	if err := checkShapes("wind", u, v, slope, aspect, curvature); err != nil {
		return nil, nil, err
	}

	n := len(u.Elements)
	theta := make([]float64, n)  // direction wind blows from [rad]
	omegaS := make([]float64, n) // slope in wind direction, pre-normalization
	maxAbs := 0.
	for i := 0; i < n; i++ {
		uu, vv := u.Elements[i], v.Elements[i]
		theta[i] = 3*math.Pi/2 - math.Atan2(vv, uu)
		if aspect.Elements[i] < 0 || math.IsNaN(slope.Elements[i]) {
			omegaS[i] = 0
			continue
		}
		beta := math.Tan(slope.Elements[i] * math.Pi / 180)
		xi := aspect.Elements[i] * math.Pi / 180
		omegaS[i] = beta * math.Cos(theta[i]-xi)
		if a := math.Abs(omegaS[i]); a > maxAbs {
			maxAbs = a
		}
	}
	norm := 2 * math.Max(0.001, maxAbs)

	speed = sparse.ZerosDense(u.Shape...)
	direction = sparse.ZerosDense(u.Shape...)
	for i := 0; i < n; i++ {
		// Cells where the DEM is missing carry NaN terrain grids and
		// stay missing in the output.
		if math.IsNaN(slope.Elements[i]) || math.IsNaN(aspect.Elements[i]) || math.IsNaN(curvature.Elements[i]) {
			speed.Elements[i] = math.NaN()
			direction.Elements[i] = math.NaN()
			continue
		}
		uu, vv := u.Elements[i], v.Elements[i]
		w := math.Hypot(uu, vv)
		os := omegaS[i] / norm
		oc := curvature.Elements[i]
		weight := 1 + slopeWeight*(os+oc)
		speed.Elements[i] = w * weight

		thetaD := 0.
		if aspect.Elements[i] >= 0 {
			xi := aspect.Elements[i] * math.Pi / 180
			thetaD = -0.5 * oc * math.Sin(2*(xi-theta[i]))
		}
		dir := (theta[i] + thetaD) * 180 / math.Pi
		dir = math.Mod(dir, 360)
		if dir < 0 {
			dir += 360
		}
		direction.Elements[i] = dir
	}
	return speed, direction, nil
}
