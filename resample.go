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

// Regrid resamples src onto the target grid with bilinear interpolation
// between the pixel centers of src. Target cells falling outside the source
// extent are clamped to the source edges. src and target must be in the same
// coordinate reference system; Regrid returns an error when the target grid
// does not overlap the source at all.
func Regrid(src *Raster, target *Raster) (*Raster, error) {
	sxmin, symin, sxmax, symax := src.Bounds()
	txmin, tymin, txmax, tymax := target.Bounds()
	if txmax <= sxmin || txmin >= sxmax || tymax <= symin || tymin >= symax {
		return nil, fmt.Errorf("micromet: regrid: target extent (%g,%g)-(%g,%g) does not overlap source extent (%g,%g)-(%g,%g)",
			txmin, tymin, txmax, tymax, sxmin, symin, sxmax, symax)
	}

	ny, nx := target.Ny(), target.Nx()
	out := sparse.ZerosDense(ny, nx)
	for j := 0; j < ny; j++ {
		y := target.Transform.Y(j)
		fj := (y - src.Transform.Y(0)) / src.Transform.Dy()
		for i := 0; i < nx; i++ {
			x := target.Transform.X(i)
			fi := (x - src.Transform.X(0)) / src.Transform.Dx()
			out.Set(bilinear(src.Data, fj, fi), j, i)
		}
	}
	return target.Like(out), nil
}

// bilinear interpolates the 2-D array at fractional index (fj, fi), clamping
// to the array edges. NaN corner values poison the result.
func bilinear(a *sparse.DenseArray, fj, fi float64) float64 {
	ny, nx := a.Shape[0], a.Shape[1]
	clampF := func(f float64, n int) (int, int, float64) {
		if f <= 0 {
			return 0, 0, 0
		}
		if f >= float64(n-1) {
			return n - 1, n - 1, 0
		}
		lo := int(math.Floor(f))
		return lo, lo + 1, f - float64(lo)
	}
	j0, j1, wj := clampF(fj, ny)
	i0, i1, wi := clampF(fi, nx)

	v00 := a.Get(j0, i0)
	v01 := a.Get(j0, i1)
	v10 := a.Get(j1, i0)
	v11 := a.Get(j1, i1)
	return v00*(1-wj)*(1-wi) + v01*(1-wj)*wi + v10*wj*(1-wi) + v11*wj*wi
}
