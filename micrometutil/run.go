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

package micrometutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bare92/micropezzottomet"
	"github.com/lnashier/viper"
	"github.com/sirupsen/logrus"
)

// Run downscales every monthly climate file in the configured date range.
// Months that fail are reported at the end; one failed month does not stop
// the others.
func Run(ctx context.Context, cfg *viper.Viper) error {
	msgChan := outChan()
	startedAt := time.Now()

	start, end, err := checkDates(cfg)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"start": start.Format(dateLayout),
		"end":   end.Format(dateLayout),
	}).Info("downscaling date range")

	opts, err := EngineOptions(cfg, msgChan)
	if err != nil {
		return err
	}

	climateDir := climateFolder(cfg)
	if err := os.MkdirAll(climateDir, os.ModePerm); err != nil {
		return fmt.Errorf("micromet: creating climate folder: %v", err)
	}
	items, err := micromet.DiscoverWorkItems(climateDir, start, end)
	if err != nil {
		return err
	}
	if len(items) == 0 && cfg.GetString("climate_url") != "" {
		// No pre-existing archive; fetch it first.
		if err := Fetch(ctx, cfg); err != nil {
			return err
		}
		if items, err = micromet.DiscoverWorkItems(climateDir, start, end); err != nil {
			return err
		}
	}
	if len(items) == 0 {
		return fmt.Errorf("micromet: no climate files in %s within %s to %s",
			climateDir, start.Format(dateLayout), end.Format(dateLayout))
	}

	engine, err := micromet.NewEngine(opts, msgChan)
	if err != nil {
		return err
	}
	if len(opts.Variables) == 0 {
		// The engine only prepares slope and aspect when wind is
		// enabled; compute them anyway so the terrain grids are
		// complete.
		if _, _, err := micromet.ComputeGradients(opts.Gradient, opts.DEMPath, opts.WorkDir, msgChan); err != nil {
			return err
		}
		logrus.Info("no variables enabled; terrain grids prepared, nothing to downscale")
		return nil
	}

	workers := cfg.GetInt("jobs_parallel_downscale")
	results := engine.Run(ctx, items, workers)

	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
			logrus.WithFields(logrus.Fields{
				"year":  r.Item.Year,
				"month": int(r.Item.Month),
			}).Error(r.Err)
		}
	}
	logrus.WithFields(logrus.Fields{
		"months":  len(results),
		"failed":  failed,
		"elapsed": time.Since(startedAt).Round(time.Second).String(),
	}).Info("downscaling finished")
	if failed > 0 {
		return fmt.Errorf("micromet: %d of %d months failed", failed, len(results))
	}
	return nil
}

// Terrain computes the curvature, slope and aspect grids for the configured
// DEM, storing them in the working directory.
func Terrain(cfg *viper.Viper) error {
	msgChan := outChan()

	demFile := maybeDownload(os.ExpandEnv(cfg.GetString("dem_file")), msgChan)
	if demFile == "" {
		return fmt.Errorf("micromet: the dem_file configuration variable must be set")
	}
	nodata, err := checkDEMNodata(cfg)
	if err != nil {
		return err
	}
	workDir := filepath.Join(os.ExpandEnv(cfg.GetString("working_directory")), "inputs", "dem")
	if err := os.MkdirAll(workDir, os.ModePerm); err != nil {
		return fmt.Errorf("micromet: creating working directory: %v", err)
	}

	curvPath, err := micromet.ComputeCurvature(demFile, workDir,
		cfg.GetFloat64("curvature_length"), nodata, msgChan)
	if err != nil {
		return err
	}
	logrus.WithField("path", curvPath).Info("curvature grid ready")

	var gradient micromet.GradientProvider
	if cfg.GetBool("use_gdal") {
		gradient = micromet.GDALGradient{}
	} else {
		gradient = micromet.HornGradient{Nodata: nodata}
	}
	slopePath, aspectPath, err := micromet.ComputeGradients(gradient, demFile, workDir, msgChan)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"slope":  slopePath,
		"aspect": aspectPath,
	}).Info("slope and aspect grids ready")
	return nil
}
