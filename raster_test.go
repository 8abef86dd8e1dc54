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

	"github.com/ctessum/sparse"
)

const testTolerance = 1.e-8

func TestRasterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dem.asc")

	data := sparse.ZerosDense(3, 4)
	for j := 0; j < 3; j++ {
		for i := 0; i < 4; i++ {
			data.Set(float64(j*4+i)*1.5, j, i)
		}
	}
	data.Set(math.NaN(), 1, 2)
	r := &Raster{
		Data:      data,
		Transform: GeoTransform{100, 50, 0, 400, 0, -50},
		CRS:       "+proj=longlat +datum=WGS84 +no_defs",
	}
	if err := r.Write(path); err != nil {
		t.Fatal(err)
	}

	r2, err := ReadRaster(path)
	if err != nil {
		t.Fatal(err)
	}
	if r2.Nx() != 4 || r2.Ny() != 3 {
		t.Fatalf("shape: got (%d,%d), want (3,4)", r2.Ny(), r2.Nx())
	}
	for i := range r.Transform {
		if math.Abs(r.Transform[i]-r2.Transform[i]) > testTolerance {
			t.Errorf("transform[%d]: got %g, want %g", i, r2.Transform[i], r.Transform[i])
		}
	}
	for j := 0; j < 3; j++ {
		for i := 0; i < 4; i++ {
			want := r.Data.Get(j, i)
			have := r2.Data.Get(j, i)
			if math.IsNaN(want) {
				if !math.IsNaN(have) {
					t.Errorf("(%d,%d): got %g, want NaN", j, i, have)
				}
				continue
			}
			if math.Abs(want-have) > testTolerance {
				t.Errorf("(%d,%d): got %g, want %g", j, i, have, want)
			}
		}
	}
	if r2.CRS != r.CRS {
		t.Errorf("CRS: got %q, want %q", r2.CRS, r.CRS)
	}
}

func TestReadRasterNodata(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "grid.asc")
	contents := `ncols 3
nrows 2
xllcorner 0
yllcorner 0
cellsize 10
NODATA_value -1
1 -1 3
4 5 -1
`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	r, err := ReadRaster(path)
	if err != nil {
		t.Fatal(err)
	}
	if !math.IsNaN(r.Data.Get(0, 1)) || !math.IsNaN(r.Data.Get(1, 2)) {
		t.Error("NODATA_value cells were not converted to NaN")
	}
	if v := r.Data.Get(1, 0); v != 4 {
		t.Errorf("(1,0): got %g, want 4", v)
	}
	if r.CRS != "" {
		t.Errorf("expected empty CRS without sidecar, got %q", r.CRS)
	}
	// Row 0 is the northernmost row.
	if y := r.Transform.Y(0); math.Abs(y-15) > testTolerance {
		t.Errorf("Y(0): got %g, want 15", y)
	}
}

func TestReadRasterMissingHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.asc")
	contents := `ncols 2
nrows 1
cellsize 10
1 2
`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadRaster(path); err == nil {
		t.Error("expected error for grid without corner coordinates")
	}
}

func TestReadRasterCellCenterOrigin(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "center.asc")
	contents := `ncols 2
nrows 2
xllcenter 5
yllcenter 5
cellsize 10
1 2
3 4
`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	r, err := ReadRaster(path)
	if err != nil {
		t.Fatal(err)
	}
	if x0 := r.Transform.X0(); math.Abs(x0) > testTolerance {
		t.Errorf("X0: got %g, want 0", x0)
	}
	if y0 := r.Transform.Y0(); math.Abs(y0-20) > testTolerance {
		t.Errorf("Y0: got %g, want 20", y0)
	}
}
