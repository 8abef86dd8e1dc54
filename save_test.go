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
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ctessum/sparse"
)

func TestWriteTimeSeriesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	// The writer creates missing directories.
	path := filepath.Join(dir, "Temperature", "t_air_2020_01.nc")

	grid := GridSpec{
		Transform: GeoTransform{0, 100, 0, 300, 0, -100},
		CRS:       "+proj=utm +zone=32 +datum=WGS84",
		Ny:        3, Nx: 2,
	}
	times := []time.Time{
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2020, 1, 1, 1, 0, 0, 0, time.UTC),
	}
	frames := make([]*sparse.DenseArray, len(times))
	for ti := range frames {
		f := sparse.ZerosDense(3, 2)
		for i := range f.Elements {
			f.Elements[i] = float64(ti*10 + i)
		}
		frames[ti] = f
	}
	frames[1].Set(math.NaN(), 2, 1)

	err := WriteTimeSeries(path, map[string]Series{
		"t_air": {Units: "K", Description: "air temperature", Frames: frames},
	}, times, grid)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}

	c, err := OpenClimate(path)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if len(c.Times) != 2 || !c.Times[0].Equal(times[0]) || !c.Times[1].Equal(times[1]) {
		t.Errorf("times: got %v, want %v", c.Times, times)
	}
	for i := range grid.Transform {
		if math.Abs(c.Transform[i]-grid.Transform[i]) > testTolerance {
			t.Errorf("transform[%d]: got %g, want %g", i, c.Transform[i], grid.Transform[i])
		}
	}
	for ti := range times {
		frame, err := c.Frame("t_air", ti)
		if err != nil {
			t.Fatal(err)
		}
		for j := 0; j < 3; j++ {
			for i := 0; i < 2; i++ {
				want := frames[ti].Get(j, i)
				have := frame.Data.Get(j, i)
				if math.IsNaN(want) {
					if !math.IsNaN(have) {
						t.Errorf("t=%d (%d,%d): got %g, want NaN", ti, j, i, have)
					}
					continue
				}
				if math.Abs(want-have) > 1.e-4 { // float32 storage
					t.Errorf("t=%d (%d,%d): got %g, want %g", ti, j, i, have, want)
				}
			}
		}
	}
}

func TestWriteTimeSeriesOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.nc")
	grid := GridSpec{Transform: GeoTransform{0, 10, 0, 10, 0, -10}, Ny: 1, Nx: 1}
	times := []time.Time{time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}

	for _, val := range []float64{1, 2} {
		f := sparse.ZerosDense(1, 1)
		f.Set(val, 0, 0)
		err := WriteTimeSeries(path, map[string]Series{
			"precip": {Units: "m", Frames: []*sparse.DenseArray{f}},
		}, times, grid)
		if err != nil {
			t.Fatal(err)
		}
	}

	c, err := OpenClimate(path)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	frame, err := c.Frame("precip", 0)
	if err != nil {
		t.Fatal(err)
	}
	if v := frame.Data.Get(0, 0); v != 2 {
		t.Errorf("got %g, want the second write's value 2", v)
	}
}

func TestWriteTimeSeriesValidation(t *testing.T) {
	grid := GridSpec{Transform: GeoTransform{0, 10, 0, 10, 0, -10}, Ny: 1, Nx: 1}
	times := []time.Time{time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}
	f := sparse.ZerosDense(2, 2) // wrong shape

	err := WriteTimeSeries("unused.nc", map[string]Series{
		"t_air": {Frames: []*sparse.DenseArray{f}},
	}, times, grid)
	if err == nil {
		t.Error("expected shape validation error")
	}

	err = WriteTimeSeries("unused.nc", map[string]Series{
		"t_air": {Frames: nil},
	}, times, grid)
	if err == nil {
		t.Error("expected frame count validation error")
	}
}
