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

// Package micromet downscales coarse-resolution gridded climate reanalysis
// fields onto a fine-resolution terrain grid defined by a digital elevation
// model, producing physically-adjusted surfaces for use by hydrological and
// ecological models.
package micromet

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ctessum/geom/proj"
	"github.com/ctessum/sparse"
)

// GeoTransform is an affine georeferencing transform in GDAL element order:
// [x0, dx, 0, y0, 0, dy]. dy is negative for north-up rasters.
type GeoTransform [6]float64

// X0 returns the x coordinate of the upper-left raster corner.
func (g GeoTransform) X0() float64 { return g[0] }

// Y0 returns the y coordinate of the upper-left raster corner.
func (g GeoTransform) Y0() float64 { return g[3] }

// Dx returns the pixel width.
func (g GeoTransform) Dx() float64 { return g[1] }

// Dy returns the pixel height (negative for north-up rasters).
func (g GeoTransform) Dy() float64 { return g[5] }

// MeanCellSize returns the average of the absolute pixel width and height.
func (g GeoTransform) MeanCellSize() float64 {
	return 0.5 * (math.Abs(g.Dx()) + math.Abs(g.Dy()))
}

// X returns the pixel-center x coordinate for column i.
func (g GeoTransform) X(i int) float64 {
	return float64(i)*g.Dx() + g.X0() + g.Dx()/2
}

// Y returns the pixel-center y coordinate for row j.
func (g GeoTransform) Y(j int) float64 {
	return float64(j)*g.Dy() + g.Y0() + g.Dy()/2
}

// Raster is a single-band georeferenced grid. Data is held in a 2-D
// DenseArray with shape [ny, nx]; row 0 is the northernmost row.
// Cells without valid data are NaN.
type Raster struct {
	Data      *sparse.DenseArray
	Transform GeoTransform
	CRS       string
}

// Nx returns the number of raster columns.
func (r *Raster) Nx() int { return r.Data.Shape[1] }

// Ny returns the number of raster rows.
func (r *Raster) Ny() int { return r.Data.Shape[0] }

// Like returns a new raster with the given data and the receiver's
// georeferencing. The data shape must match the receiver's grid.
func (r *Raster) Like(data *sparse.DenseArray) *Raster {
	if data.Shape[0] != r.Ny() || data.Shape[1] != r.Nx() {
		panic(fmt.Errorf("micromet: raster shape mismatch: (%d,%d) != (%d,%d)",
			data.Shape[0], data.Shape[1], r.Ny(), r.Nx()))
	}
	return &Raster{Data: data, Transform: r.Transform, CRS: r.CRS}
}

// SetNodata converts all cells equal to the given sentinel value to NaN.
func (r *Raster) SetNodata(nodata float64) {
	for i, v := range r.Data.Elements {
		if v == nodata {
			r.Data.Elements[i] = math.NaN()
		}
	}
}

// Bounds returns the outer edges of the raster: xmin, ymin, xmax, ymax.
func (r *Raster) Bounds() (xmin, ymin, xmax, ymax float64) {
	x1 := r.Transform.X0()
	x2 := r.Transform.X0() + float64(r.Nx())*r.Transform.Dx()
	y1 := r.Transform.Y0()
	y2 := r.Transform.Y0() + float64(r.Ny())*r.Transform.Dy()
	return math.Min(x1, x2), math.Min(y1, y2), math.Max(x1, x2), math.Max(y1, y2)
}

// asciiNodata is the sentinel written for NaN cells in ASCII grid output.
const asciiNodata = -9999.0

// ReadRaster reads an ESRI ASCII grid, converting its NODATA_value cells to
// NaN. If a `.prj` sidecar file exists next to the grid, its contents are
// used as the raster's coordinate reference system; Proj4-style strings are
// validated before use.
func ReadRaster(path string) (*Raster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("micromet: reading raster: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	hdr := map[string]float64{}
	var rows [][]float64
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) == 2 && !isNumeric(fields[0]) {
			v, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				return nil, fmt.Errorf("micromet: raster %s: header %s: %v", path, fields[0], err)
			}
			hdr[strings.ToLower(fields[0])] = v
			continue
		}
		row := make([]float64, len(fields))
		for i, s := range fields {
			row[i], err = strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("micromet: raster %s row %d: %v", path, len(rows), err)
			}
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("micromet: reading raster %s: %w", path, err)
	}

	for _, k := range []string{"ncols", "nrows", "cellsize"} {
		if _, ok := hdr[k]; !ok {
			return nil, fmt.Errorf("micromet: raster %s: missing header field %s", path, k)
		}
	}
	ncols, nrows := int(hdr["ncols"]), int(hdr["nrows"])
	cell := hdr["cellsize"]
	if len(rows) != nrows {
		return nil, fmt.Errorf("micromet: raster %s: expected %d rows, got %d", path, nrows, len(rows))
	}

	var xll, yll float64
	switch {
	case hasKeys(hdr, "xllcorner", "yllcorner"):
		xll, yll = hdr["xllcorner"], hdr["yllcorner"]
	case hasKeys(hdr, "xllcenter", "yllcenter"):
		xll, yll = hdr["xllcenter"]-cell/2, hdr["yllcenter"]-cell/2
	default:
		return nil, fmt.Errorf("micromet: raster %s: missing lower-left corner header fields", path)
	}

	nodata, hasNodata := hdr["nodata_value"]

	data := sparse.ZerosDense(nrows, ncols)
	for j, row := range rows {
		if len(row) != ncols {
			return nil, fmt.Errorf("micromet: raster %s row %d: expected %d columns, got %d",
				path, j, ncols, len(row))
		}
		for i, v := range row {
			if hasNodata && v == nodata {
				v = math.NaN()
			}
			data.Set(v, j, i)
		}
	}

	r := &Raster{
		Data:      data,
		Transform: GeoTransform{xll, cell, 0, yll + float64(nrows)*cell, 0, -cell},
	}

	crs, err := readPrjSidecar(path)
	if err != nil {
		return nil, err
	}
	r.CRS = crs
	return r, nil
}

// readPrjSidecar reads the CRS string from the `.prj` file, if any,
// accompanying the raster at path.
func readPrjSidecar(path string) (string, error) {
	prj := strings.TrimSuffix(path, filepath.Ext(path)) + ".prj"
	b, err := os.ReadFile(prj)
	if os.IsNotExist(err) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("micromet: reading CRS sidecar: %w", err)
	}
	crs := strings.TrimSpace(string(b))
	if strings.HasPrefix(crs, "+") {
		if _, err := proj.Parse(crs); err != nil {
			return "", fmt.Errorf("micromet: parsing CRS %s: %v", prj, err)
		}
	}
	return crs, nil
}

// Write writes the raster as an ESRI ASCII grid, replacing NaN cells with the
// NODATA_value sentinel. If the raster has a CRS, a `.prj` sidecar is written
// next to the grid. An existing file at the same path is overwritten.
func (r *Raster) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return fmt.Errorf("micromet: writing raster: %w", err)
	}
	dx, dy := r.Transform.Dx(), -r.Transform.Dy()
	if math.Abs(dx-dy) > 1e-9*math.Abs(dx) {
		return fmt.Errorf("micromet: ASCII grid output requires square cells; have %g x %g", dx, dy)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("micromet: writing raster: %w", err)
	}
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "ncols %d\n", r.Nx())
	fmt.Fprintf(w, "nrows %d\n", r.Ny())
	fmt.Fprintf(w, "xllcorner %g\n", r.Transform.X0())
	fmt.Fprintf(w, "yllcorner %g\n", r.Transform.Y0()+float64(r.Ny())*r.Transform.Dy())
	fmt.Fprintf(w, "cellsize %g\n", dx)
	fmt.Fprintf(w, "NODATA_value %g\n", asciiNodata)
	for j := 0; j < r.Ny(); j++ {
		for i := 0; i < r.Nx(); i++ {
			if i > 0 {
				w.WriteByte(' ')
			}
			v := r.Data.Get(j, i)
			if math.IsNaN(v) {
				fmt.Fprintf(w, "%g", asciiNodata)
			} else {
				fmt.Fprintf(w, "%g", v)
			}
		}
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("micromet: writing raster %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("micromet: writing raster %s: %w", path, err)
	}
	if r.CRS != "" {
		prj := strings.TrimSuffix(path, filepath.Ext(path)) + ".prj"
		if err := os.WriteFile(prj, []byte(r.CRS), 0644); err != nil {
			return fmt.Errorf("micromet: writing CRS sidecar: %w", err)
		}
	}
	return nil
}

func isNumeric(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

func hasKeys(m map[string]float64, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; !ok {
			return false
		}
	}
	return true
}
