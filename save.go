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
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
	"gonum.org/v1/gonum/floats"
)

// fillValue marks missing cells in NetCDF output.
const fillValue = -9999.

// A Series is one output variable: a sequence of fine-grid frames with
// metadata.
type Series struct {
	Units       string
	Description string
	Frames      []*sparse.DenseArray
}

// A GridSpec describes the georeferencing of an output file.
type GridSpec struct {
	Transform GeoTransform
	CRS       string
	Ny, Nx    int
}

// WriteTimeSeries writes the given variables to a NetCDF file at path with
// dimensions (time, y, x). Pixel-center x and y coordinate variables, a time
// coordinate in seconds since the Unix epoch, and global crs and geotransform
// attributes georeference the data. NaN cells are stored as the fill value.
// The file is written to a temporary name and atomically renamed into place,
// so a failed run never leaves a partial file; an existing file at path is
// replaced. Missing directories are created.
func WriteTimeSeries(path string, vars map[string]Series, times []time.Time, grid GridSpec) error {
	if len(times) == 0 {
		return fmt.Errorf("micromet: writing %s: empty time axis", path)
	}
	for name, s := range vars {
		if len(s.Frames) != len(times) {
			return fmt.Errorf("micromet: writing %s: variable %s has %d frames for %d timesteps",
				path, name, len(s.Frames), len(times))
		}
		for t, frame := range s.Frames {
			if len(frame.Shape) != 2 || frame.Shape[0] != grid.Ny || frame.Shape[1] != grid.Nx {
				return fmt.Errorf("micromet: writing %s: variable %s frame %d shape %v does not match grid (%d,%d)",
					path, name, t, frame.Shape, grid.Ny, grid.Nx)
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return fmt.Errorf("micromet: writing %s: %w", path, err)
	}

	h := cdf.NewHeader([]string{"time", "y", "x"}, []int{0, grid.Ny, grid.Nx})
	h.AddAttribute("", "crs", grid.CRS)
	h.AddAttribute("", "geotransform", grid.Transform[:])
	h.AddAttribute("", "created", time.Now().UTC().Format(time.RFC3339))

	h.AddVariable("time", []string{"time"}, []float64{0})
	h.AddAttribute("time", "units", "seconds since 1970-01-01 00:00:00")
	h.AddVariable("x", []string{"x"}, []float64{0})
	h.AddAttribute("x", "description", "grid cell center x coordinate")
	h.AddVariable("y", []string{"y"}, []float64{0})
	h.AddAttribute("y", "description", "grid cell center y coordinate")

	for name, s := range vars {
		h.AddVariable(name, []string{"time", "y", "x"}, []float32{0})
		h.AddAttribute(name, "units", s.Units)
		h.AddAttribute(name, "description", s.Description)
		h.AddAttribute(name, "_FillValue", []float32{fillValue})
	}
	h.Define()
	for _, err := range h.Check() {
		return fmt.Errorf("micromet: writing %s: %v", path, err)
	}

	tmp := path + ".tmp"
	ff, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("micromet: writing %s: %w", path, err)
	}
	defer os.Remove(tmp)
	f, err := cdf.Create(ff, h)
	if err != nil {
		ff.Close()
		return fmt.Errorf("micromet: writing %s: %v", path, err)
	}

	x := make([]float64, grid.Nx)
	floats.Span(x, grid.Transform.X(0), grid.Transform.X(grid.Nx-1))
	y := make([]float64, grid.Ny)
	floats.Span(y, grid.Transform.Y(0), grid.Transform.Y(grid.Ny-1))
	tvals := make([]float64, len(times))
	for i, t := range times {
		tvals[i] = float64(t.Unix())
	}
	if err := writeVar(f, "x", x); err != nil {
		ff.Close()
		return fmt.Errorf("micromet: writing %s: %v", path, err)
	}
	if err := writeVar(f, "y", y); err != nil {
		ff.Close()
		return fmt.Errorf("micromet: writing %s: %v", path, err)
	}
	if err := writeVar(f, "time", tvals); err != nil {
		ff.Close()
		return fmt.Errorf("micromet: writing %s: %v", path, err)
	}

	for name, s := range vars {
		buf := make([]float32, len(times)*grid.Ny*grid.Nx)
		for t, frame := range s.Frames {
			off := t * grid.Ny * grid.Nx
			for i, v := range frame.Elements {
				if math.IsNaN(v) {
					buf[off+i] = fillValue
				} else {
					buf[off+i] = float32(v)
				}
			}
		}
		if err := writeVar(f, name, buf); err != nil {
			ff.Close()
			return fmt.Errorf("micromet: writing %s variable %s: %v", path, name, err)
		}
	}

	if err := cdf.UpdateNumRecs(ff); err != nil {
		ff.Close()
		return fmt.Errorf("micromet: finalizing %s: %v", path, err)
	}
	if err := ff.Close(); err != nil {
		return fmt.Errorf("micromet: writing %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("micromet: writing %s: %w", path, err)
	}
	return nil
}

func writeVar(f *cdf.File, name string, data interface{}) error {
	w := f.Writer(name, nil, nil)
	if _, err := w.Write(data); err != nil && err != io.EOF {
		return err
	}
	return nil
}
