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
	"os"
	"os/exec"
	"path/filepath"

	"github.com/ctessum/sparse"
	"github.com/bare92/micropezzottomet/internal/hash"
)

// defaultCurvatureLength is the default terrain length scale [m] used when
// computing curvature.
const defaultCurvatureLength = 1000.

// Curvature computes the normalized terrain curvature of a DEM following
// Liston and Elder (2006). The curvature at each cell compares its elevation
// against neighbors at a distance of one length scale in the four cardinal
// and four diagonal directions, and the result is normalized so that values
// fall in [-0.5, 0.5]. Cells where the DEM is NaN are NaN in the result;
// NaN neighbors of valid cells are substituted with the center elevation so
// that holes in the DEM do not spread.
func Curvature(dem *Raster, lengthScale float64) (*Raster, error) {
	if lengthScale <= 0 {
		lengthScale = defaultCurvatureLength
	}
	cellSize := dem.Transform.MeanCellSize()
	if cellSize <= 0 {
		return nil, fmt.Errorf("micromet: curvature: nonpositive cell size %g", cellSize)
	}
	// Neighbor offset in whole cells, at least one cell even when the
	// length scale is below the grid resolution.
	inc := int(math.Round(lengthScale / cellSize))
	if inc < 1 {
		inc = 1
	}

	ny, nx := dem.Ny(), dem.Nx()
	z := dem.Data

	// Clamped, NaN-substituting sample: out-of-bounds and NaN neighbors
	// fall back to the center elevation.
	sample := func(zc float64, j, i int) float64 {
		if j < 0 {
			j = 0
		} else if j >= ny {
			j = ny - 1
		}
		if i < 0 {
			i = 0
		} else if i >= nx {
			i = nx - 1
		}
		v := z.Get(j, i)
		if math.IsNaN(v) {
			return zc
		}
		return v
	}

	curv := sparse.ZerosDense(ny, nx)
	d := float64(inc) * cellSize
	maxAbs := 0.
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			zc := z.Get(j, i)
			if math.IsNaN(zc) {
				curv.Set(math.NaN(), j, i)
				continue
			}
			zW := sample(zc, j, i-inc)
			zE := sample(zc, j, i+inc)
			zN := sample(zc, j-inc, i)
			zS := sample(zc, j+inc, i)
			zNW := sample(zc, j-inc, i-inc)
			zNE := sample(zc, j-inc, i+inc)
			zSW := sample(zc, j+inc, i-inc)
			zSE := sample(zc, j+inc, i+inc)

			cDiag := (4*zc - zSW - zNE - zNW - zSE) / (math.Sqrt2 * 16 * d)
			cCross := (4*zc - zW - zE - zN - zS) / (16 * d)
			c := cDiag + cCross
			curv.Set(c, j, i)
			if a := math.Abs(c); a > maxAbs {
				maxAbs = a
			}
		}
	}

	// Normalize into [-0.5, 0.5]. The floor keeps flat terrain from
	// dividing by zero and maps it to exactly zero curvature.
	norm := 2 * math.Max(0.001, maxAbs)
	for i, v := range curv.Elements {
		curv.Elements[i] = v / norm
	}
	return dem.Like(curv), nil
}

// curvatureFingerprint hashes the inputs that determine a cached curvature
// grid: the DEM file contents and the computation parameters.
func curvatureFingerprint(demPath string, lengthScale float64, nodata *float64) (string, error) {
	b, err := os.ReadFile(demPath)
	if err != nil {
		return "", fmt.Errorf("micromet: fingerprinting DEM: %w", err)
	}
	nd := math.NaN()
	if nodata != nil {
		nd = *nodata
	}
	return hash.Hash(struct {
		DEM         string
		LengthScale float64
		Nodata      float64
	}{string(b), lengthScale, nd}), nil
}

// ComputeCurvature computes the curvature grid for the DEM at demPath and
// writes it to workDir as curvature.asc, returning the output path. The
// result is cached: a sidecar file records a fingerprint of the DEM contents
// and parameters, and the cached grid is reused only when the fingerprint
// matches, so edits to the DEM or parameter changes force recomputation.
// If nodata is non-nil, DEM cells equal to it are treated as missing.
func ComputeCurvature(demPath, workDir string, lengthScale float64, nodata *float64, msgChan chan string) (string, error) {
	outPath := filepath.Join(workDir, "curvature.asc")
	fpPath := filepath.Join(workDir, "curvature.fingerprint")

	fp, err := curvatureFingerprint(demPath, lengthScale, nodata)
	if err != nil {
		return "", err
	}
	if prev, err := os.ReadFile(fpPath); err == nil && string(prev) == fp {
		if _, err := os.Stat(outPath); err == nil {
			if msgChan != nil {
				msgChan <- fmt.Sprintf("reusing cached curvature grid %s", outPath)
			}
			return outPath, nil
		}
	}

	if msgChan != nil {
		msgChan <- fmt.Sprintf("computing curvature for %s", demPath)
	}
	dem, err := ReadRaster(demPath)
	if err != nil {
		return "", err
	}
	if nodata != nil {
		dem.SetNodata(*nodata)
	}
	curv, err := Curvature(dem, lengthScale)
	if err != nil {
		return "", err
	}
	if err := curv.Write(outPath); err != nil {
		return "", err
	}
	if err := os.WriteFile(fpPath, []byte(fp), 0644); err != nil {
		return "", fmt.Errorf("micromet: writing curvature fingerprint: %w", err)
	}
	return outPath, nil
}

// A GradientProvider computes slope and aspect grids for a DEM. Slope is in
// degrees from horizontal; aspect is in degrees clockwise from north, with
// flat cells marked -1.
type GradientProvider interface {
	// Gradient computes slope and aspect for the DEM at demPath, writing
	// the results under outputDir and returning the paths of the two grids.
	Gradient(demPath, outputDir string) (slopePath, aspectPath string, err error)
}

// HornGradient computes slope and aspect using Horn's (1981) third-order
// finite difference method, the same formulation used by GDAL.
type HornGradient struct {
	// Nodata, if non-nil, is the DEM value to treat as missing.
	Nodata *float64
}

// Gradient implements GradientProvider.
func (h HornGradient) Gradient(demPath, outputDir string) (string, string, error) {
	dem, err := ReadRaster(demPath)
	if err != nil {
		return "", "", err
	}
	if h.Nodata != nil {
		dem.SetNodata(*h.Nodata)
	}
	slope, aspect := hornSlopeAspect(dem)
	slopePath := filepath.Join(outputDir, "slope.asc")
	aspectPath := filepath.Join(outputDir, "aspect.asc")
	if err := slope.Write(slopePath); err != nil {
		return "", "", err
	}
	if err := aspect.Write(aspectPath); err != nil {
		return "", "", err
	}
	return slopePath, aspectPath, nil
}

// hornSlopeAspect computes slope [degrees] and aspect [degrees from north,
// -1 for flat] grids using Horn's weighted finite differences.
func hornSlopeAspect(dem *Raster) (slope, aspect *Raster) {
	ny, nx := dem.Ny(), dem.Nx()
	z := dem.Data
	dx := math.Abs(dem.Transform.Dx())
	dy := math.Abs(dem.Transform.Dy())

	sample := func(zc float64, j, i int) float64 {
		if j < 0 {
			j = 0
		} else if j >= ny {
			j = ny - 1
		}
		if i < 0 {
			i = 0
		} else if i >= nx {
			i = nx - 1
		}
		v := z.Get(j, i)
		if math.IsNaN(v) {
			return zc
		}
		return v
	}

	s := sparse.ZerosDense(ny, nx)
	a := sparse.ZerosDense(ny, nx)
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			zc := z.Get(j, i)
			if math.IsNaN(zc) {
				s.Set(math.NaN(), j, i)
				a.Set(math.NaN(), j, i)
				continue
			}
			zNW := sample(zc, j-1, i-1)
			zN := sample(zc, j-1, i)
			zNE := sample(zc, j-1, i+1)
			zW := sample(zc, j, i-1)
			zE := sample(zc, j, i+1)
			zSW := sample(zc, j+1, i-1)
			zS := sample(zc, j+1, i)
			zSE := sample(zc, j+1, i+1)

			dzdx := ((zNE + 2*zE + zSE) - (zNW + 2*zW + zSW)) / (8 * dx)
			dzdy := ((zSW + 2*zS + zSE) - (zNW + 2*zN + zNE)) / (8 * dy)

			s.Set(math.Atan(math.Hypot(dzdx, dzdy))*180/math.Pi, j, i)

			if dzdx == 0 && dzdy == 0 {
				a.Set(-1, j, i)
				continue
			}
			// Downslope direction, clockwise from north.
			az := math.Atan2(-dzdx, dzdy) * 180 / math.Pi
			if az < 0 {
				az += 360
			}
			a.Set(az, j, i)
		}
	}
	return dem.Like(s), dem.Like(a)
}

// GDALGradient computes slope and aspect by shelling out to the gdaldem
// command line tool. It requires GDAL to be installed.
type GDALGradient struct {
	// Command is the gdaldem executable name; "gdaldem" if empty.
	Command string
}

// Gradient implements GradientProvider.
func (g GDALGradient) Gradient(demPath, outputDir string) (string, string, error) {
	cmd := g.Command
	if cmd == "" {
		cmd = "gdaldem"
	}
	slopePath := filepath.Join(outputDir, "slope.asc")
	aspectPath := filepath.Join(outputDir, "aspect.asc")
	runs := [][]string{
		{"slope", demPath, slopePath, "-of", "AAIGrid"},
		{"aspect", demPath, aspectPath, "-of", "AAIGrid", "-zero_for_flat"},
	}
	for _, args := range runs {
		out, err := exec.Command(cmd, args...).CombinedOutput()
		if err != nil {
			return "", "", fmt.Errorf("micromet: running %s %s: %v: %s", cmd, args[0], err, out)
		}
	}
	return slopePath, aspectPath, nil
}

// ComputeGradients computes slope and aspect grids for the DEM at demPath
// under workDir using the given provider, caching the results with the same
// content-fingerprint scheme as ComputeCurvature.
func ComputeGradients(p GradientProvider, demPath, workDir string, msgChan chan string) (slopePath, aspectPath string, err error) {
	fpPath := filepath.Join(workDir, "gradient.fingerprint")
	b, err := os.ReadFile(demPath)
	if err != nil {
		return "", "", fmt.Errorf("micromet: fingerprinting DEM: %w", err)
	}
	fp := hash.Hash(struct {
		DEM      string
		Provider string
	}{string(b), fmt.Sprintf("%T", p)})

	slopePath = filepath.Join(workDir, "slope.asc")
	aspectPath = filepath.Join(workDir, "aspect.asc")
	if prev, err := os.ReadFile(fpPath); err == nil && string(prev) == fp {
		_, errS := os.Stat(slopePath)
		_, errA := os.Stat(aspectPath)
		if errS == nil && errA == nil {
			if msgChan != nil {
				msgChan <- "reusing cached slope and aspect grids"
			}
			return slopePath, aspectPath, nil
		}
	}
	if msgChan != nil {
		msgChan <- fmt.Sprintf("computing slope and aspect for %s", demPath)
	}
	slopePath, aspectPath, err = p.Gradient(demPath, workDir)
	if err != nil {
		return "", "", err
	}
	if err := os.WriteFile(fpPath, []byte(fp), 0644); err != nil {
		return "", "", fmt.Errorf("micromet: writing gradient fingerprint: %w", err)
	}
	return slopePath, aspectPath, nil
}
