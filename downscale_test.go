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
	"testing"

	"github.com/ctessum/sparse"
)

func constArray(ny, nx int, v float64) *sparse.DenseArray {
	a := sparse.ZerosDense(ny, nx)
	for i := range a.Elements {
		a.Elements[i] = v
	}
	return a
}

func TestDownscaleTemperature(t *testing.T) {
	coarseT := constArray(2, 2, 283.15)
	refElev := constArray(2, 2, 0)
	elev := constArray(2, 2, 0)
	elev.Set(1000, 0, 0)
	elev.Set(500, 0, 1)

	out, err := DownscaleTemperature(coarseT, refElev, elev, 6.5)
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		j, i int
		want float64
	}{
		{0, 0, 276.65}, // 10 degC at sea level is 3.5 degC at 1000 m
		{0, 1, 279.9},
		{1, 0, 283.15}, // no elevation difference, no adjustment
	}
	for _, c := range cases {
		if v := out.Get(c.j, c.i); math.Abs(v-c.want) > testTolerance {
			t.Errorf("(%d,%d): got %g, want %g", c.j, c.i, v, c.want)
		}
	}
}

func TestDownscaleTemperatureZeroLapse(t *testing.T) {
	coarseT := constArray(3, 3, 270)
	refElev := constArray(3, 3, 100)
	elev := constArray(3, 3, 2000)
	out, err := DownscaleTemperature(coarseT, refElev, elev, 0)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range out.Elements {
		if v != coarseT.Elements[i] {
			t.Fatalf("zero lapse rate changed temperature: %g != %g", v, coarseT.Elements[i])
		}
	}
}

func TestDownscaleShortwave(t *testing.T) {
	sw := constArray(1, 3, 685) // transmissivity 0.5
	refElev := constArray(1, 3, 0)
	elev := constArray(1, 3, 0)
	elev.Set(3000, 0, 1)
	elev.Set(-3000, 0, 2)

	out, err := DownscaleShortwave(sw, refElev, elev)
	if err != nil {
		t.Fatal(err)
	}
	if v := out.Get(0, 0); math.Abs(v-685) > testTolerance {
		t.Errorf("no elevation difference: got %g, want 685", v)
	}
	// At z700 above the reference, half the attenuated fraction returns:
	// 685 * (1 + 0.5) = 1027.5.
	if v := out.Get(0, 1); math.Abs(v-1027.5) > testTolerance {
		t.Errorf("high cell: got %g, want 1027.5", v)
	}
	if v := out.Get(0, 2); math.Abs(v-342.5) > testTolerance {
		t.Errorf("low cell: got %g, want 342.5", v)
	}
}

func TestDownscaleShortwaveFloor(t *testing.T) {
	sw := constArray(1, 1, 10) // nearly opaque sky
	refElev := constArray(1, 1, 10000)
	elev := constArray(1, 1, 0)
	out, err := DownscaleShortwave(sw, refElev, elev)
	if err != nil {
		t.Fatal(err)
	}
	if v := out.Get(0, 0); v < 0 {
		t.Errorf("negative radiation: %g", v)
	}
}

func TestDownscaleRelativeHumidityIdentity(t *testing.T) {
	rh := constArray(2, 2, 65)
	coarseT := constArray(2, 2, 280)
	fineT := constArray(2, 2, 280)
	out, err := DownscaleRelativeHumidity(rh, coarseT, fineT)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range out.Elements {
		if math.Abs(v-65) > testTolerance {
			t.Fatalf("equal temperatures changed humidity: got %g, want 65", v)
		}
	}
}

func TestDownscaleRelativeHumidityColdClamp(t *testing.T) {
	// Cooling saturated air cannot push humidity above 100%.
	rh := constArray(1, 1, 95)
	coarseT := constArray(1, 1, 290)
	fineT := constArray(1, 1, 275)
	out, err := DownscaleRelativeHumidity(rh, coarseT, fineT)
	if err != nil {
		t.Fatal(err)
	}
	if v := out.Get(0, 0); v != 100 {
		t.Errorf("got %g, want 100", v)
	}
}

func TestDownscaleRelativeHumidityWarming(t *testing.T) {
	rh := constArray(1, 1, 80)
	coarseT := constArray(1, 1, 280)
	fineT := constArray(1, 1, 290)
	out, err := DownscaleRelativeHumidity(rh, coarseT, fineT)
	if err != nil {
		t.Fatal(err)
	}
	want := 80 * magnusSVP(280) / magnusSVP(290)
	if v := out.Get(0, 0); math.Abs(v-want) > testTolerance {
		t.Errorf("got %g, want %g", v, want)
	}
	if out.Get(0, 0) >= 80 {
		t.Error("warming air should lower relative humidity")
	}
}

func TestDewpointRelativeHumidity(t *testing.T) {
	// Dewpoint equal to the air temperature means saturation.
	dew := constArray(1, 2, 285)
	temp := constArray(1, 2, 285)
	temp.Set(295, 0, 1)
	out, err := DewpointRelativeHumidity(dew, temp)
	if err != nil {
		t.Fatal(err)
	}
	if v := out.Get(0, 0); math.Abs(v-100) > testTolerance {
		t.Errorf("saturated: got %g, want 100", v)
	}
	want := 100 * magnusSVP(285) / magnusSVP(295)
	if v := out.Get(0, 1); math.Abs(v-want) > testTolerance {
		t.Errorf("subsaturated: got %g, want %g", v, want)
	}
}

func TestDownscalePrecipitation(t *testing.T) {
	p := constArray(1, 3, 10)
	refElev := constArray(1, 3, 0)
	elev := constArray(1, 3, 0)
	elev.Set(1000, 0, 1)
	elev.Set(-1000, 0, 2)

	out, err := DownscalePrecipitation(p, refElev, elev, 0.35)
	if err != nil {
		t.Fatal(err)
	}
	if v := out.Get(0, 0); math.Abs(v-10) > testTolerance {
		t.Errorf("no elevation difference: got %g, want 10", v)
	}
	want := 10 * 1.35 / 0.65
	if v := out.Get(0, 1); math.Abs(v-want) > testTolerance {
		t.Errorf("high cell: got %g, want %g", v, want)
	}
	want = 10 * 0.65 / 1.35
	if v := out.Get(0, 2); math.Abs(v-want) > testTolerance {
		t.Errorf("low cell: got %g, want %g", v, want)
	}
}

func TestDownscalePrecipitationZeroFactor(t *testing.T) {
	p := constArray(2, 2, 3)
	refElev := constArray(2, 2, 0)
	elev := constArray(2, 2, 5000)
	out, err := DownscalePrecipitation(p, refElev, elev, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range out.Elements {
		if math.Abs(v-3) > testTolerance {
			t.Fatalf("zero factor changed precipitation: got %g, want 3", v)
		}
	}
}

func TestDownscalePrecipitationSingularity(t *testing.T) {
	// An extreme elevation difference must not blow up or go negative.
	p := constArray(1, 2, 5)
	refElev := constArray(1, 2, 0)
	elev := constArray(1, 2, 0)
	elev.Set(10000, 0, 0)
	elev.Set(-10000, 0, 1)
	out, err := DownscalePrecipitation(p, refElev, elev, 0.35)
	if err != nil {
		t.Fatal(err)
	}
	wantHigh := 5 * (1 + precipChiLimit) / (1 - precipChiLimit)
	if v := out.Get(0, 0); math.Abs(v-wantHigh) > testTolerance {
		t.Errorf("high cell: got %g, want %g", v, wantHigh)
	}
	if v := out.Get(0, 1); v < 0 {
		t.Errorf("negative precipitation: %g", v)
	}
}

func TestDownscaleWindFlatTerrain(t *testing.T) {
	u := constArray(2, 2, 3)
	v := constArray(2, 2, 4)
	slope := constArray(2, 2, 0)
	aspect := constArray(2, 2, -1)
	curv := constArray(2, 2, 0)

	speed, dir, err := DownscaleWind(u, v, slope, aspect, curv, DefaultSlopeWeight)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range speed.Elements {
		if math.Abs(s-5) > testTolerance {
			t.Fatalf("flat terrain speed: got %g, want 5", s)
		}
	}
	// u=3, v=4 blows toward the northeast, so it comes from the
	// southwest quadrant.
	for _, d := range dir.Elements {
		if d < 180 || d > 270 {
			t.Fatalf("direction: got %g, want within (180,270)", d)
		}
	}
}

func TestDownscaleWindZeroWeight(t *testing.T) {
	u := constArray(2, 2, 2)
	v := constArray(2, 2, 0)
	slope := constArray(2, 2, 30)
	aspect := constArray(2, 2, 90)
	curv := constArray(2, 2, 0.4)

	speed, _, err := DownscaleWind(u, v, slope, aspect, curv, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range speed.Elements {
		if math.Abs(s-2) > testTolerance {
			t.Fatalf("zero weight changed speed: got %g, want 2", s)
		}
	}
}

func TestDownscaleWindCurvature(t *testing.T) {
	u := constArray(1, 2, 5)
	v := constArray(1, 2, 0)
	slope := constArray(1, 2, 0)
	aspect := constArray(1, 2, -1)
	curv := constArray(1, 2, 0)
	curv.Set(0.5, 0, 0)  // ridge
	curv.Set(-0.5, 0, 1) // valley

	speed, _, err := DownscaleWind(u, v, slope, aspect, curv, DefaultSlopeWeight)
	if err != nil {
		t.Fatal(err)
	}
	if ridge := speed.Get(0, 0); math.Abs(ridge-6.25) > testTolerance {
		t.Errorf("ridge speed: got %g, want 6.25", ridge)
	}
	if valley := speed.Get(0, 1); math.Abs(valley-3.75) > testTolerance {
		t.Errorf("valley speed: got %g, want 3.75", valley)
	}
}

func TestDownscaleWindNodata(t *testing.T) {
	u := constArray(2, 2, 3)
	v := constArray(2, 2, 4)
	slope := constArray(2, 2, 10)
	aspect := constArray(2, 2, 180)
	curv := constArray(2, 2, 0.1)
	// Undefined DEM cells carry NaN in every terrain grid.
	slope.Set(math.NaN(), 0, 0)
	aspect.Set(math.NaN(), 0, 0)
	curv.Set(math.NaN(), 0, 0)

	speed, dir, err := DownscaleWind(u, v, slope, aspect, curv, DefaultSlopeWeight)
	if err != nil {
		t.Fatal(err)
	}
	if s := speed.Get(0, 0); !math.IsNaN(s) {
		t.Errorf("speed at nodata cell: got %g, want NaN", s)
	}
	if d := dir.Get(0, 0); !math.IsNaN(d) {
		t.Errorf("direction at nodata cell: got %g, want NaN", d)
	}
	for j := 0; j < 2; j++ {
		for i := 0; i < 2; i++ {
			if j == 0 && i == 0 {
				continue
			}
			if math.IsNaN(speed.Get(j, i)) || math.IsNaN(dir.Get(j, i)) {
				t.Errorf("valid cell (%d,%d) became NaN", j, i)
			}
		}
	}
}

func TestDownscaleShapeMismatch(t *testing.T) {
	a := constArray(2, 2, 1)
	b := constArray(3, 3, 1)
	if _, err := DownscaleTemperature(a, b, a, 6.5); err == nil {
		t.Error("expected shape mismatch error")
	}
}
