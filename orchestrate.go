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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ctessum/sparse"
)

// Downscalable variable names.
const (
	VarTemperature = "t_air"
	VarShortwave   = "sw"
	VarHumidity    = "rh"
	VarPrecip      = "precip"
	VarWind        = "wind"
)

// outputFolders maps each downscalable variable to its output subdirectory.
var outputFolders = map[string]string{
	VarTemperature: "Temperature",
	VarShortwave:   "SW",
	VarHumidity:    "RH",
	VarPrecip:      "P",
	VarWind:        "Wind",
}

// defaultClimateVars maps each downscalable variable to the NetCDF variable
// name it is read from, following ERA5 single-level naming.
var defaultClimateVars = map[string]string{
	VarTemperature: "t2m",
	VarShortwave:   "ssrd",
	VarHumidity:    "rh",
	VarPrecip:      "tp",
	"wind_u":       "u10",
	"wind_v":       "v10",
	"dewpoint":     "d2m",
}

// Options configures a downscaling Engine.
type Options struct {
	// DEMPath is the fine-resolution digital elevation model.
	DEMPath string

	// DEMNodata, if non-nil, is the DEM value to treat as missing.
	DEMNodata *float64

	// WorkDir holds cached terrain derivative grids.
	WorkDir string

	// OutputDir is the root of the per-variable output folders.
	OutputDir string

	// Variables lists the variables to downscale; see the Var constants.
	Variables []string

	// LapseRates optionally overrides the temperature lapse rate
	// [K km-1] per calendar month.
	LapseRates map[time.Month]float64

	// PrecipFactor is the precipitation adjustment factor [km-1].
	// Zero leaves the resampled precipitation unadjusted.
	PrecipFactor float64

	// PrecipFactors optionally overrides the precipitation adjustment
	// factor per calendar month.
	PrecipFactors map[time.Month]float64

	// TimeStep, if nonzero, is the required spacing of each climate
	// file's time axis; files with a different spacing fail.
	TimeStep time.Duration

	// SlopeWeight is the wind terrain correction weight.
	// Zero disables the terrain influence on wind.
	SlopeWeight float64

	// CurvatureLength is the curvature length scale [m];
	// a default is used if zero.
	CurvatureLength float64

	// Gradient computes slope and aspect; HornGradient if nil.
	Gradient GradientProvider

	// ClimateVars optionally overrides the NetCDF variable name each
	// downscalable variable is read from.
	ClimateVars map[string]string
}

func (o *Options) climateVar(name string) string {
	if v, ok := o.ClimateVars[name]; ok {
		return v
	}
	return defaultClimateVars[name]
}

func (o *Options) lapseRate(m time.Month) float64 {
	if r, ok := o.LapseRates[m]; ok {
		return r
	}
	return DefaultLapseRate
}

func (o *Options) precipFactor(m time.Month) float64 {
	if f, ok := o.PrecipFactors[m]; ok {
		return f
	}
	return o.PrecipFactor
}

// A WorkItem is one month of climate data to downscale.
type WorkItem struct {
	ClimatePath string
	Year        int
	Month       time.Month
}

// A TaskResult reports the outcome of downscaling one month.
type TaskResult struct {
	Item    WorkItem
	Outputs []string
	Err     error
}

// DiscoverWorkItems scans dir for NetCDF files whose names carry a parseable
// year and month, keeping those within the closed month range [start, end].
// Files with unparseable names cause an error rather than being silently
// skipped. Results are sorted chronologically.
func DiscoverWorkItems(dir string, start, end time.Time) ([]WorkItem, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("micromet: listing climate files: %w", err)
	}
	var items []WorkItem
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".nc") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		year, month, err := ParseMonthKey(path)
		if err != nil {
			return nil, err
		}
		m0 := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
		s0 := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
		e0 := time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, time.UTC)
		if m0.Before(s0) || m0.After(e0) {
			continue
		}
		items = append(items, WorkItem{ClimatePath: path, Year: year, Month: month})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Year != items[j].Year {
			return items[i].Year < items[j].Year
		}
		return items[i].Month < items[j].Month
	})
	return items, nil
}

// An Engine downscales monthly climate files onto a fine terrain grid. The
// terrain derivative grids are computed once at construction and shared by
// all months.
type Engine struct {
	opts Options

	dem       *Raster
	curvature *Raster
	slope     *Raster
	aspect    *Raster

	msgChan chan string
}

// NewEngine loads the DEM and computes (or reuses cached) curvature, slope
// and aspect grids. Progress messages are sent to msgChan if it is non-nil.
func NewEngine(opts Options, msgChan chan string) (*Engine, error) {
	if opts.Gradient == nil {
		opts.Gradient = HornGradient{Nodata: opts.DEMNodata}
	}
	for _, v := range opts.Variables {
		if _, ok := outputFolders[v]; !ok {
			return nil, fmt.Errorf("micromet: unknown variable %q", v)
		}
	}

	e := &Engine{opts: opts, msgChan: msgChan}

	dem, err := ReadRaster(opts.DEMPath)
	if err != nil {
		return nil, err
	}
	if opts.DEMNodata != nil {
		dem.SetNodata(*opts.DEMNodata)
	}
	e.dem = dem

	curvPath, err := ComputeCurvature(opts.DEMPath, opts.WorkDir, opts.CurvatureLength, opts.DEMNodata, msgChan)
	if err != nil {
		return nil, err
	}
	if e.curvature, err = ReadRaster(curvPath); err != nil {
		return nil, err
	}

	if e.needsWind() {
		slopePath, aspectPath, err := ComputeGradients(opts.Gradient, opts.DEMPath, opts.WorkDir, msgChan)
		if err != nil {
			return nil, err
		}
		if e.slope, err = ReadRaster(slopePath); err != nil {
			return nil, err
		}
		if e.aspect, err = ReadRaster(aspectPath); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) needsWind() bool {
	for _, v := range e.opts.Variables {
		if v == VarWind {
			return true
		}
	}
	return false
}

func (e *Engine) msg(format string, args ...interface{}) {
	if e.msgChan != nil {
		e.msgChan <- fmt.Sprintf(format, args...)
	}
}

// regridFine interpolates a coarse frame onto the fine DEM grid.
func (e *Engine) regridFine(coarse *Raster) (*sparse.DenseArray, error) {
	r, err := Regrid(coarse, e.dem)
	if err != nil {
		return nil, err
	}
	return r.Data, nil
}

// DownscaleMonth downscales all configured variables for one month, writing
// one NetCDF file per variable and returning the written paths.
func (e *Engine) DownscaleMonth(item WorkItem) ([]string, error) {
	c, err := OpenClimate(item.ClimatePath)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	if e.opts.TimeStep != 0 && c.TimeStep() != e.opts.TimeStep {
		return nil, fmt.Errorf("micromet: %s: time step %v does not match the configured %v",
			item.ClimatePath, c.TimeStep(), e.opts.TimeStep)
	}

	refCoarse, err := c.ReferenceElevation(e.dem)
	if err != nil {
		return nil, err
	}
	refElev, err := e.regridFine(refCoarse)
	if err != nil {
		return nil, err
	}

	grid := GridSpec{Transform: e.dem.Transform, CRS: e.dem.CRS, Ny: e.dem.Ny(), Nx: e.dem.Nx()}
	lapse := e.opts.lapseRate(item.Month)
	suffix := fmt.Sprintf("%04d_%02d.nc", item.Year, item.Month)

	// Fine-grid temperature frames are shared between the temperature and
	// humidity outputs.
	var fineT []*sparse.DenseArray
	fineTemperature := func() ([]*sparse.DenseArray, error) {
		if fineT != nil {
			return fineT, nil
		}
		name := e.opts.climateVar(VarTemperature)
		for t := range c.Times {
			frame, err := c.Frame(name, t)
			if err != nil {
				return nil, err
			}
			coarseT, err := e.regridFine(frame)
			if err != nil {
				return nil, err
			}
			ft, err := DownscaleTemperature(coarseT, refElev, e.dem.Data, lapse)
			if err != nil {
				return nil, err
			}
			fineT = append(fineT, ft)
		}
		return fineT, nil
	}

	var outputs []string
	write := func(variable, fileName string, vars map[string]Series) error {
		path := filepath.Join(e.opts.OutputDir, outputFolders[variable], fileName)
		if err := WriteTimeSeries(path, vars, c.Times, grid); err != nil {
			return err
		}
		outputs = append(outputs, path)
		e.msg("%d-%02d: wrote %s", item.Year, item.Month, path)
		return nil
	}

	for _, variable := range e.opts.Variables {
		switch variable {
		case VarTemperature:
			frames, err := fineTemperature()
			if err != nil {
				return outputs, err
			}
			// Stored in degrees Celsius for the downstream models;
			// kept in Kelvin internally for the humidity correction.
			celsius := make([]*sparse.DenseArray, len(frames))
			for t, f := range frames {
				celsius[t] = f.Copy()
				for i := range celsius[t].Elements {
					celsius[t].Elements[i] -= 273.15
				}
			}
			err = write(variable, "t_air_"+suffix, map[string]Series{
				"t_air": {Units: "degC", Description: "downscaled 2 m air temperature", Frames: celsius},
			})
			if err != nil {
				return outputs, err
			}

		case VarShortwave:
			// ssrd is accumulated over the timestep [J m-2];
			// convert to mean flux density.
			dt := c.TimeStep().Seconds()
			name := e.opts.climateVar(VarShortwave)
			var frames []*sparse.DenseArray
			for t := range c.Times {
				frame, err := c.Frame(name, t)
				if err != nil {
					return outputs, err
				}
				coarse, err := e.regridFine(frame)
				if err != nil {
					return outputs, err
				}
				coarse.Scale(1 / dt)
				f, err := DownscaleShortwave(coarse, refElev, e.dem.Data)
				if err != nil {
					return outputs, err
				}
				frames = append(frames, f)
			}
			err = write(variable, "sw_"+suffix, map[string]Series{
				"sw": {Units: "W m-2", Description: "downscaled incoming shortwave radiation", Frames: frames},
			})
			if err != nil {
				return outputs, err
			}

		case VarHumidity:
			ft, err := fineTemperature()
			if err != nil {
				return outputs, err
			}
			rhName := e.opts.climateVar(VarHumidity)
			dewName := e.opts.climateVar("dewpoint")
			tName := e.opts.climateVar(VarTemperature)
			useDewpoint := !c.HasVar(rhName) && c.HasVar(dewName)
			var frames []*sparse.DenseArray
			for t := range c.Times {
				tFrame, err := c.Frame(tName, t)
				if err != nil {
					return outputs, err
				}
				coarseT, err := e.regridFine(tFrame)
				if err != nil {
					return outputs, err
				}
				var coarseRH *sparse.DenseArray
				if useDewpoint {
					// ERA5 carries 2 m dewpoint rather than humidity.
					dFrame, err := c.Frame(dewName, t)
					if err != nil {
						return outputs, err
					}
					coarseD, err := e.regridFine(dFrame)
					if err != nil {
						return outputs, err
					}
					coarseRH, err = DewpointRelativeHumidity(coarseD, coarseT)
					if err != nil {
						return outputs, err
					}
				} else {
					rhFrame, err := c.Frame(rhName, t)
					if err != nil {
						return outputs, err
					}
					if coarseRH, err = e.regridFine(rhFrame); err != nil {
						return outputs, err
					}
				}
				f, err := DownscaleRelativeHumidity(coarseRH, coarseT, ft[t])
				if err != nil {
					return outputs, err
				}
				frames = append(frames, f)
			}
			err = write(variable, "rh_"+suffix, map[string]Series{
				"rh": {Units: "%", Description: "downscaled relative humidity", Frames: frames},
			})
			if err != nil {
				return outputs, err
			}

		case VarPrecip:
			name := e.opts.climateVar(VarPrecip)
			var frames []*sparse.DenseArray
			for t := range c.Times {
				frame, err := c.Frame(name, t)
				if err != nil {
					return outputs, err
				}
				coarse, err := e.regridFine(frame)
				if err != nil {
					return outputs, err
				}
				f, err := DownscalePrecipitation(coarse, refElev, e.dem.Data, e.opts.precipFactor(item.Month))
				if err != nil {
					return outputs, err
				}
				frames = append(frames, f)
			}
			err = write(variable, "precip_"+suffix, map[string]Series{
				"precip": {Units: "m", Description: "downscaled total precipitation", Frames: frames},
			})
			if err != nil {
				return outputs, err
			}

		case VarWind:
			uName := e.opts.climateVar("wind_u")
			vName := e.opts.climateVar("wind_v")
			var speeds, dirs []*sparse.DenseArray
			for t := range c.Times {
				uFrame, err := c.Frame(uName, t)
				if err != nil {
					return outputs, err
				}
				u, err := e.regridFine(uFrame)
				if err != nil {
					return outputs, err
				}
				vFrame, err := c.Frame(vName, t)
				if err != nil {
					return outputs, err
				}
				v, err := e.regridFine(vFrame)
				if err != nil {
					return outputs, err
				}
				spd, dir, err := DownscaleWind(u, v, e.slope.Data, e.aspect.Data, e.curvature.Data, e.opts.SlopeWeight)
				if err != nil {
					return outputs, err
				}
				speeds = append(speeds, spd)
				dirs = append(dirs, dir)
			}
			err = write(variable, "wind_"+suffix, map[string]Series{
				"wind_speed": {Units: "m s-1", Description: "downscaled 10 m wind speed", Frames: speeds},
				"wind_dir":   {Units: "degrees", Description: "downscaled 10 m wind direction (from)", Frames: dirs},
			})
			if err != nil {
				return outputs, err
			}
		}
	}
	return outputs, nil
}

type empty struct{}

// Run downscales the given months on a fixed pool of workers. A failed month
// is recorded in its TaskResult without stopping the others; cancelling ctx
// stops new months from starting but lets running ones finish. Results are
// in the same order as items.
func (e *Engine) Run(ctx context.Context, items []WorkItem, workers int) []TaskResult {
	if workers < 1 {
		workers = 1
	}
	results := make([]TaskResult, len(items))
	sem := make(chan empty, workers)
	for i, item := range items {
		sem <- empty{}
		if err := ctx.Err(); err != nil {
			results[i] = TaskResult{Item: item, Err: fmt.Errorf("micromet: %d-%02d: %w", item.Year, item.Month, err)}
			<-sem
			continue
		}
		go func(i int, item WorkItem) {
			defer func() { <-sem }()
			e.msg("%d-%02d: downscaling %s", item.Year, item.Month, item.ClimatePath)
			outputs, err := e.DownscaleMonth(item)
			if err != nil {
				err = fmt.Errorf("micromet: %d-%02d: %w", item.Year, item.Month, err)
			}
			results[i] = TaskResult{Item: item, Outputs: outputs, Err: err}
		}(i, item)
	}
	for i := 0; i < cap(sem); i++ { // wait for the workers to finish
		sem <- empty{}
	}
	return results
}
