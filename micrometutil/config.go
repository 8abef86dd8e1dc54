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
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/bare92/micropezzottomet"
	"github.com/lnashier/viper"
	"github.com/spf13/cast"
)

const dateLayout = "2006-01-02"

// checkDates parses and validates the configured date range.
func checkDates(cfg *viper.Viper) (start, end time.Time, err error) {
	startStr := os.ExpandEnv(cfg.GetString("start_date"))
	endStr := os.ExpandEnv(cfg.GetString("end_date"))
	if startStr == "" || endStr == "" {
		return start, end, fmt.Errorf("micromet: the start_date and end_date configuration variables must both be set")
	}
	start, err = time.Parse(dateLayout, startStr)
	if err != nil {
		return start, end, fmt.Errorf("micromet: parsing start_date: %v", err)
	}
	end, err = time.Parse(dateLayout, endStr)
	if err != nil {
		return start, end, fmt.Errorf("micromet: parsing end_date: %v", err)
	}
	if end.Before(start) {
		return start, end, fmt.Errorf("micromet: end_date %v is before start_date %v",
			end.Format(dateLayout), start.Format(dateLayout))
	}
	return start, end, nil
}

// parseYesNoFlag interprets a y/n configuration value; any other value is
// an error.
func parseYesNoFlag(name, v string) (bool, error) {
	switch v {
	case "y":
		return true, nil
	case "n":
		return false, nil
	default:
		return false, fmt.Errorf("micromet: configuration variable %s must be 'y' or 'n'; got %q", name, v)
	}
}

// checkVariables converts the variables_to_downscale configuration map to
// the list of enabled variable names.
func checkVariables(cfg *viper.Viper) ([]string, error) {
	flags := GetStringMapString("variables_to_downscale", cfg)
	var vars []string
	// Keep a stable variable order regardless of map iteration.
	for _, name := range []string{
		micromet.VarTemperature, micromet.VarShortwave, micromet.VarHumidity,
		micromet.VarPrecip, micromet.VarWind,
	} {
		v, ok := flags[name]
		if !ok {
			continue
		}
		on, err := parseYesNoFlag("variables_to_downscale."+name, v)
		if err != nil {
			return nil, err
		}
		if on {
			vars = append(vars, name)
		}
		delete(flags, name)
	}
	for name := range flags {
		return nil, fmt.Errorf("micromet: variables_to_downscale: unknown variable %q", name)
	}
	// Disabling every variable is allowed: the run still prepares the
	// terrain derivative grids but downscales nothing.
	return vars, nil
}

// checkOverrides parses the custom_lapse_rates configuration table, of the
// form {variable: {"monthly": {month: value}}}, returning the per-month
// overrides for the temperature lapse rate and the precipitation factor.
func checkOverrides(cfg *viper.Viper) (temperature, precip map[time.Month]float64, err error) {
	raw := cfg.Get("custom_lapse_rates")
	if raw == nil {
		return nil, nil, nil
	}
	var table map[string]interface{}
	switch v := raw.(type) {
	case map[string]interface{}:
		table = v
	case string:
		if v == "" || v == "{}" {
			return nil, nil, nil
		}
		if err := json.NewDecoder(bytes.NewBufferString(v)).Decode(&table); err != nil {
			return nil, nil, fmt.Errorf("micromet: parsing custom_lapse_rates: %v", err)
		}
	default:
		return nil, nil, fmt.Errorf("micromet: custom_lapse_rates has invalid type %T", raw)
	}
	for variable, entry := range table {
		rates, err := parseMonthlyTable(variable, entry)
		if err != nil {
			return nil, nil, err
		}
		switch variable {
		case micromet.VarTemperature:
			temperature = rates
		case micromet.VarPrecip:
			precip = rates
		default:
			return nil, nil, fmt.Errorf("micromet: custom_lapse_rates: unknown variable %q", variable)
		}
	}
	return temperature, precip, nil
}

// parseMonthlyTable parses one custom_lapse_rates entry, a map holding a
// "monthly" table keyed by month number.
func parseMonthlyTable(variable string, entry interface{}) (map[time.Month]float64, error) {
	outer, err := cast.ToStringMapE(entry)
	if err != nil {
		return nil, fmt.Errorf("micromet: custom_lapse_rates[%s]: %v", variable, err)
	}
	monthly, ok := outer["monthly"]
	if !ok {
		return nil, fmt.Errorf("micromet: custom_lapse_rates[%s]: missing 'monthly' table", variable)
	}
	raw, err := cast.ToStringMapE(monthly)
	if err != nil {
		return nil, fmt.Errorf("micromet: custom_lapse_rates[%s].monthly: %v", variable, err)
	}
	rates := make(map[time.Month]float64, len(raw))
	for k, v := range raw {
		m, err := strconv.Atoi(k)
		if err != nil || m < 1 || m > 12 {
			return nil, fmt.Errorf("micromet: custom_lapse_rates[%s].monthly: key %q is not a month number (1-12)", variable, k)
		}
		r, err := cast.ToFloat64E(v)
		if err != nil {
			return nil, fmt.Errorf("micromet: custom_lapse_rates[%s].monthly[%s]: %v", variable, k, err)
		}
		rates[time.Month(m)] = r
	}
	return rates, nil
}

// checkTimeStep parses the optional time_step granularity token.
func checkTimeStep(cfg *viper.Viper) (time.Duration, error) {
	switch s := cfg.GetString("time_step"); s {
	case "":
		return 0, nil
	case "hourly":
		return time.Hour, nil
	case "daily":
		return 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("micromet: time_step must be 'hourly' or 'daily'; got %q", s)
	}
}

// checkDEMNodata parses the optional dem_nodata configuration value.
func checkDEMNodata(cfg *viper.Viper) (*float64, error) {
	s := cfg.GetString("dem_nodata")
	if s == "" {
		return nil, nil
	}
	v, err := cast.ToFloat64E(s)
	if err != nil {
		return nil, fmt.Errorf("micromet: parsing dem_nodata: %v", err)
	}
	return &v, nil
}

// EngineOptions assembles the downscaling engine configuration from a viper
// configuration.
func EngineOptions(cfg *viper.Viper, msgChan chan string) (micromet.Options, error) {
	var opts micromet.Options

	demFile := maybeDownload(os.ExpandEnv(cfg.GetString("dem_file")), msgChan)
	if demFile == "" {
		return opts, fmt.Errorf("micromet: the dem_file configuration variable must be set")
	}
	if _, err := os.Stat(demFile); err != nil {
		return opts, fmt.Errorf("micromet: dem_file: %v", err)
	}

	vars, err := checkVariables(cfg)
	if err != nil {
		return opts, err
	}
	lapseRates, precipFactors, err := checkOverrides(cfg)
	if err != nil {
		return opts, err
	}
	nodata, err := checkDEMNodata(cfg)
	if err != nil {
		return opts, err
	}
	timeStep, err := checkTimeStep(cfg)
	if err != nil {
		return opts, err
	}

	var gradient micromet.GradientProvider
	if cfg.GetBool("use_gdal") {
		gradient = micromet.GDALGradient{}
	} else {
		gradient = micromet.HornGradient{Nodata: nodata}
	}

	workDir := os.ExpandEnv(cfg.GetString("working_directory"))
	terrainDir := filepath.Join(workDir, "inputs", "dem")
	if err := os.MkdirAll(terrainDir, os.ModePerm); err != nil {
		return opts, fmt.Errorf("micromet: creating working directory: %v", err)
	}
	outputDir := os.ExpandEnv(cfg.GetString("output_folder"))
	if outputDir == "" {
		outputDir = filepath.Join(workDir, "outputs")
	}

	opts = micromet.Options{
		DEMPath:         demFile,
		DEMNodata:       nodata,
		WorkDir:         terrainDir,
		OutputDir:       outputDir,
		Variables:       vars,
		LapseRates:      lapseRates,
		PrecipFactor:    cfg.GetFloat64("precip_factor"),
		PrecipFactors:   precipFactors,
		SlopeWeight:     cfg.GetFloat64("slope_weight"),
		CurvatureLength: cfg.GetFloat64("curvature_length"),
		Gradient:        gradient,
		TimeStep:        timeStep,
	}
	return opts, nil
}

// climateFolder returns the configured climate directory, defaulting to
// inputs/climate under the working directory.
func climateFolder(cfg *viper.Viper) string {
	if dir := os.ExpandEnv(cfg.GetString("climate_folder")); dir != "" {
		return dir
	}
	return filepath.Join(os.ExpandEnv(cfg.GetString("working_directory")), "inputs", "climate")
}

// GetStringMapString returns a map[string]string from a viper configuration,
// accounting for the fact that it might be a json object if it was set
// from a command line argument.
func GetStringMapString(varName string, cfg *viper.Viper) map[string]string {
	i := cfg.Get(varName)
	switch i.(type) {
	case map[string]string:
		return i.(map[string]string)
	case map[string]interface{}:
		return cast.ToStringMapString(i)
	case string:
		b := bytes.NewBuffer(([]byte)(i.(string)))
		d := json.NewDecoder(b)
		o := make(map[string]string)
		if err := d.Decode(&o); err != nil {
			panic(err)
		}
		return o
	default:
		panic(fmt.Errorf("invalid type for getStringMapString variable %s: %#v", varName, i))
	}
}
