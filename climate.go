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
	"strconv"
	"strings"
	"time"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
)

// standardGravity is the WMO standard acceleration of gravity [m s-2],
// used to convert geopotential to geopotential height.
const standardGravity = 9.80665

// ParseMonthKey extracts the year and month from a climate file name of the
// form prefix_YYYY_MM[_suffix].nc: the second underscore-separated field must
// be a four digit year and the third a two digit month.
func ParseMonthKey(path string) (int, time.Month, error) {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	fields := strings.Split(base, "_")
	if len(fields) < 3 {
		return 0, 0, fmt.Errorf("micromet: climate file name %s: expected at least 3 underscore-separated fields", filepath.Base(path))
	}
	year, err := strconv.Atoi(fields[1])
	if err != nil || len(fields[1]) != 4 {
		return 0, 0, fmt.Errorf("micromet: climate file name %s: field %q is not a 4-digit year", filepath.Base(path), fields[1])
	}
	month, err := strconv.Atoi(fields[2])
	if err != nil || len(fields[2]) != 2 || month < 1 || month > 12 {
		return 0, 0, fmt.Errorf("micromet: climate file name %s: field %q is not a 2-digit month", filepath.Base(path), fields[2])
	}
	return year, time.Month(month), nil
}

// A ClimateFile provides read access to one month of coarse-resolution
// reanalysis data stored in a NetCDF classic format file. Grids are presented
// north-up regardless of the order of the latitude coordinate in the file.
type ClimateFile struct {
	f    *cdf.File
	file *os.File
	path string

	// Times holds the timestamps along the record dimension.
	Times []time.Time

	// Transform georeferences the coarse grid.
	Transform GeoTransform

	nx, ny   int
	yName    string
	yFlipped bool
}

// OpenClimate opens the NetCDF file at path and locates its time, x and y
// coordinate variables. Longitude/latitude and x/y coordinate names are both
// accepted. The time variable must carry a CF-style units attribute such as
// "hours since 1900-01-01 00:00:00".
func OpenClimate(path string) (*ClimateFile, error) {
	ff, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("micromet: opening climate file: %w", err)
	}
	f, err := cdf.Open(ff)
	if err != nil {
		ff.Close()
		return nil, fmt.Errorf("micromet: opening climate file %s: %v", path, err)
	}
	c := &ClimateFile{f: f, file: ff, path: path}

	xName, err := c.findVar("longitude", "lon", "x")
	if err != nil {
		ff.Close()
		return nil, err
	}
	c.yName, err = c.findVar("latitude", "lat", "y")
	if err != nil {
		ff.Close()
		return nil, err
	}
	timeName, err := c.findVar("valid_time", "time")
	if err != nil {
		ff.Close()
		return nil, err
	}

	x, err := c.readCoord(xName)
	if err != nil {
		ff.Close()
		return nil, err
	}
	y, err := c.readCoord(c.yName)
	if err != nil {
		ff.Close()
		return nil, err
	}
	if len(x) < 2 || len(y) < 2 {
		ff.Close()
		return nil, fmt.Errorf("micromet: climate file %s: coordinate axes must have at least 2 points", path)
	}
	c.nx, c.ny = len(x), len(y)

	dx := x[1] - x[0]
	dy := y[1] - y[0]
	if dy > 0 {
		// South-up in the file; frames are flipped on read.
		c.yFlipped = true
		dy = -dy
		y[0] = y[len(y)-1]
	}
	c.Transform = GeoTransform{x[0] - dx/2, dx, 0, y[0] - dy/2, 0, dy}

	c.Times, err = c.readTimes(timeName)
	if err != nil {
		ff.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the underlying file.
func (c *ClimateFile) Close() error { return c.file.Close() }

// Nx returns the number of coarse grid columns.
func (c *ClimateFile) Nx() int { return c.nx }

// Ny returns the number of coarse grid rows.
func (c *ClimateFile) Ny() int { return c.ny }

// HasVar reports whether the file contains a variable with the given name.
func (c *ClimateFile) HasVar(name string) bool {
	for _, v := range c.f.Header.Variables() {
		if v == name {
			return true
		}
	}
	return false
}

// TimeStep returns the spacing of the time axis. Files with a single
// timestep default to one hour.
func (c *ClimateFile) TimeStep() time.Duration {
	if len(c.Times) < 2 {
		return time.Hour
	}
	return c.Times[1].Sub(c.Times[0])
}

func (c *ClimateFile) findVar(names ...string) (string, error) {
	for _, n := range names {
		if c.HasVar(n) {
			return n, nil
		}
	}
	return "", fmt.Errorf("micromet: climate file %s: no variable named any of %v", c.path, names)
}

// readAll reads the full contents of a variable as float64.
func (c *ClimateFile) readAll(name string) ([]float64, error) {
	n := 1
	for _, l := range c.f.Header.Lengths(name) {
		n *= l
	}
	r := c.f.Reader(name, nil, nil)
	buf := r.Zero(n)
	if _, err := r.Read(buf); err != nil && err != io.EOF {
		return nil, fmt.Errorf("micromet: reading %s from %s: %v", name, c.path, err)
	}
	return toFloat64(buf)
}

func toFloat64(buf interface{}) ([]float64, error) {
	switch b := buf.(type) {
	case []float64:
		return b, nil
	case []float32:
		out := make([]float64, len(b))
		for i, v := range b {
			out[i] = float64(v)
		}
		return out, nil
	case []int32:
		out := make([]float64, len(b))
		for i, v := range b {
			out[i] = float64(v)
		}
		return out, nil
	case []int16:
		out := make([]float64, len(b))
		for i, v := range b {
			out[i] = float64(v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("micromet: unsupported NetCDF data type %T", buf)
	}
}

func (c *ClimateFile) readCoord(name string) ([]float64, error) {
	dims := c.f.Header.Lengths(name)
	if len(dims) != 1 {
		return nil, fmt.Errorf("micromet: climate file %s: coordinate %s must be 1-dimensional", c.path, name)
	}
	return c.readAll(name)
}

func (c *ClimateFile) readTimes(name string) ([]time.Time, error) {
	units, _ := c.attrString(name, "units")
	if units == "" {
		return nil, fmt.Errorf("micromet: climate file %s: time variable %s has no units attribute", c.path, name)
	}
	fields := strings.Fields(units)
	if len(fields) < 3 || fields[1] != "since" {
		return nil, fmt.Errorf("micromet: climate file %s: cannot parse time units %q", c.path, units)
	}
	var step time.Duration
	switch strings.ToLower(fields[0]) {
	case "seconds", "second", "s":
		step = time.Second
	case "minutes", "minute":
		step = time.Minute
	case "hours", "hour", "h":
		step = time.Hour
	case "days", "day", "d":
		step = 24 * time.Hour
	default:
		return nil, fmt.Errorf("micromet: climate file %s: unsupported time unit %q", c.path, fields[0])
	}
	epochStr := strings.Join(fields[2:], " ")
	var epoch time.Time
	var err error
	for _, layout := range []string{
		"2006-01-02 15:04:05.0", "2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02",
	} {
		epoch, err = time.Parse(layout, epochStr)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("micromet: climate file %s: cannot parse time epoch %q", c.path, epochStr)
	}
	offsets, err := c.readAll(name)
	if err != nil {
		return nil, err
	}
	times := make([]time.Time, len(offsets))
	for i, o := range offsets {
		times[i] = epoch.Add(time.Duration(o * float64(step)))
	}
	return times, nil
}

func (c *ClimateFile) attrString(v, a string) (string, bool) {
	val := c.f.Header.GetAttribute(v, a)
	if val == nil {
		return "", false
	}
	if s, ok := val.(string); ok {
		return s, true
	}
	return "", false
}

func (c *ClimateFile) attrFloat(v, a string) (float64, bool) {
	val := c.f.Header.GetAttribute(v, a)
	if val == nil {
		return 0, false
	}
	switch x := val.(type) {
	case []float64:
		if len(x) > 0 {
			return x[0], true
		}
	case []float32:
		if len(x) > 0 {
			return float64(x[0]), true
		}
	case []int32:
		if len(x) > 0 {
			return float64(x[0]), true
		}
	case []int16:
		if len(x) > 0 {
			return float64(x[0]), true
		}
	}
	return 0, false
}

// Frame reads timestep t of the named variable as a north-up raster on the
// coarse grid, applying the scale_factor, add_offset and _FillValue
// attributes if present.
func (c *ClimateFile) Frame(name string, t int) (*Raster, error) {
	dims := c.f.Header.Lengths(name)
	if len(dims) != 3 {
		return nil, fmt.Errorf("micromet: climate file %s: variable %s must have dimensions (time, y, x); has %d dimensions",
			c.path, name, len(dims))
	}
	if dims[1] != c.ny || dims[2] != c.nx {
		return nil, fmt.Errorf("micromet: climate file %s: variable %s shape (%d,%d) does not match grid (%d,%d)",
			c.path, name, dims[1], dims[2], c.ny, c.nx)
	}
	if t < 0 || t >= len(c.Times) {
		return nil, fmt.Errorf("micromet: climate file %s: timestep %d out of range [0,%d)", c.path, t, len(c.Times))
	}

	r := c.f.Reader(name, []int{t, 0, 0}, []int{t, c.ny - 1, c.nx - 1})
	buf := r.Zero(c.ny * c.nx)
	if _, err := r.Read(buf); err != nil && err != io.EOF {
		return nil, fmt.Errorf("micromet: reading %s[%d] from %s: %v", name, t, c.path, err)
	}
	vals, err := toFloat64(buf)
	if err != nil {
		return nil, err
	}

	scale, hasScale := c.attrFloat(name, "scale_factor")
	offset, hasOffset := c.attrFloat(name, "add_offset")
	fill, hasFill := c.attrFloat(name, "_FillValue")
	missing, hasMissing := c.attrFloat(name, "missing_value")

	data := sparse.ZerosDense(c.ny, c.nx)
	for j := 0; j < c.ny; j++ {
		srcJ := j
		if c.yFlipped {
			srcJ = c.ny - 1 - j
		}
		for i := 0; i < c.nx; i++ {
			v := vals[srcJ*c.nx+i]
			if (hasFill && v == fill) || (hasMissing && v == missing) {
				data.Set(math.NaN(), j, i)
				continue
			}
			if hasScale {
				v *= scale
			}
			if hasOffset {
				v += offset
			}
			data.Set(v, j, i)
		}
	}
	return &Raster{Data: data, Transform: c.Transform}, nil
}

// NextData returns a closure iterating over the timesteps of the named
// variable in order. After the last timestep the closure returns io.EOF.
func (c *ClimateFile) NextData(name string) func() (*sparse.DenseArray, error) {
	t := 0
	return func() (*sparse.DenseArray, error) {
		if t >= len(c.Times) {
			return nil, io.EOF
		}
		r, err := c.Frame(name, t)
		if err != nil {
			return nil, err
		}
		t++
		return r.Data, nil
	}
}

// ReferenceElevation returns the elevation of the coarse grid [m]. If the
// file carries a geopotential variable z, its first timestep divided by
// standard gravity is used; otherwise the fine DEM is block-averaged onto
// the coarse grid.
func (c *ClimateFile) ReferenceElevation(dem *Raster) (*Raster, error) {
	if c.HasVar("z") {
		z, err := c.Frame("z", 0)
		if err != nil {
			return nil, err
		}
		for i, v := range z.Data.Elements {
			z.Data.Elements[i] = v / standardGravity
		}
		return z, nil
	}
	return blockAverage(dem, c.Transform, c.ny, c.nx)
}

// blockAverage averages the cells of src that fall inside each cell of the
// target grid. Target cells containing no valid source cells are NaN.
func blockAverage(src *Raster, target GeoTransform, ny, nx int) (*Raster, error) {
	sum := sparse.ZerosDense(ny, nx)
	count := sparse.ZerosDense(ny, nx)
	for j := 0; j < src.Ny(); j++ {
		y := src.Transform.Y(j)
		tj := int(math.Floor((y - target.Y0()) / target.Dy()))
		if tj < 0 || tj >= ny {
			continue
		}
		for i := 0; i < src.Nx(); i++ {
			v := src.Data.Get(j, i)
			if math.IsNaN(v) {
				continue
			}
			x := src.Transform.X(i)
			ti := int(math.Floor((x - target.X0()) / target.Dx()))
			if ti < 0 || ti >= nx {
				continue
			}
			sum.AddVal(v, tj, ti)
			count.AddVal(1, tj, ti)
		}
	}
	out := sparse.ZerosDense(ny, nx)
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			n := count.Get(j, i)
			if n == 0 {
				out.Set(math.NaN(), j, i)
				continue
			}
			out.Set(sum.Get(j, i)/n, j, i)
		}
	}
	return &Raster{Data: out, Transform: target, CRS: src.CRS}, nil
}
