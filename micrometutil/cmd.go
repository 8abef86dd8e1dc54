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

// Package micrometutil wires the downscaling engine to its command line
// interface and configuration system.
package micrometutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bare92/micropezzottomet"
	"github.com/lnashier/viper"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Cfg holds configuration information.
var Cfg *viper.Viper

var options []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

func init() {
	// Options are the configuration options available to MicroPezzottoMet.
	options = []struct {
		name, usage, shorthand string
		defaultVal             interface{}
		flagsets               []*pflag.FlagSet
	}{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "working_directory",
			usage: `
              working_directory is the root of the run layout: terrain
              derivative grids are cached under inputs/dem, climate files
              default to inputs/climate and results default to outputs.`,
			defaultVal: ".",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "dem_file",
			usage: `
              dem_file is the path of the fine-resolution digital elevation
              model, an ESRI ASCII grid. It can be a local path or an
              http:// or https:// URL.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), terrainCmd.Flags()},
		},
		{
			name: "dem_nodata",
			usage: `
              dem_nodata is an additional DEM cell value to treat as missing,
              beyond the NODATA_value declared in the grid header. Leave
              empty to use only the declared value.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), terrainCmd.Flags()},
		},
		{
			name: "curvature_length",
			usage: `
              curvature_length is the terrain length scale [m] used when
              computing the curvature grid.`,
			defaultVal: 1000.0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), terrainCmd.Flags()},
		},
		{
			name: "use_gdal",
			usage: `
              use_gdal computes slope and aspect by shelling out to the
              gdaldem command line tool instead of the built-in method.
              Requires GDAL to be installed.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), terrainCmd.Flags()},
		},
		{
			name: "climate_folder",
			usage: `
              climate_folder is the directory holding the monthly coarse
              climate NetCDF files, named like era5_YYYY_MM.nc. Defaults to
              inputs/climate under the working directory.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), fetchCmd.Flags()},
		},
		{
			name: "output_folder",
			usage: `
              output_folder is the directory where the per-variable output
              folders (Temperature, SW, RH, P, Wind) are created. Defaults
              to outputs under the working directory.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "time_step",
			usage: `
              time_step is the expected temporal granularity of the climate
              files, 'hourly' or 'daily'. When set, files whose time axis
              does not match are reported as failed months. Leave empty to
              accept any granularity.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "start_date",
			usage: `
              start_date is the first month to process, in YYYY-MM-DD format.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), fetchCmd.Flags()},
		},
		{
			name: "end_date",
			usage: `
              end_date is the last month to process (inclusive), in
              YYYY-MM-DD format.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), fetchCmd.Flags()},
		},
		{
			name: "variables_to_downscale",
			usage: `
              variables_to_downscale selects which variables to process.
              Each value must be 'y' or 'n'.`,
			defaultVal: map[string]string{
				"t_air": "y", "sw": "y", "rh": "y", "precip": "y", "wind": "y",
			},
			flagsets: []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "custom_lapse_rates",
			usage: `
              custom_lapse_rates optionally overrides physical correction
              coefficients per calendar month, in the form
              {"t_air": {"monthly": {"1": 8.0}}, "precip": {"monthly": ...}}.
              t_air entries override the temperature lapse rate [K/km] and
              precip entries the precipitation factor [1/km]; months not
              listed use the defaults.`,
			defaultVal: map[string]string{},
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "precip_factor",
			usage: `
              precip_factor is the precipitation elevation adjustment
              factor [1/km].`,
			defaultVal: micromet.DefaultPrecipFactor,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "slope_weight",
			usage: `
              slope_weight controls the strength of the terrain slope and
              curvature correction applied to wind speed.`,
			defaultVal: micromet.DefaultSlopeWeight,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "jobs_parallel_downscale",
			usage: `
              jobs_parallel_downscale is the number of months to downscale
              concurrently.`,
			shorthand:  "j",
			defaultVal: 1,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "climate_url",
			usage: `
              climate_url is a template for the URL each monthly climate
              file is downloaded from; the placeholders {year} and {month}
              are replaced per month.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{fetchCmd.Flags()},
		},
		{
			name: "earthdatahub_pat",
			usage: `
              earthdatahub_pat is the personal access token sent as a bearer
              credential when downloading climate files.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{fetchCmd.Flags()},
		},
		{
			name: "jobs_parallel_download",
			usage: `
              jobs_parallel_download is the number of climate files to
              download concurrently.`,
			defaultVal: 1,
			flagsets:   []*pflag.FlagSet{fetchCmd.Flags()},
		},
	}

	Cfg = viper.New()

	// Set the prefix for configuration environment variables.
	Cfg.SetEnvPrefix("MICROMET")

	for _, option := range options {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch option.defaultVal.(type) {
			case string:
				if option.shorthand == "" {
					set.String(option.name, option.defaultVal.(string), option.usage)
				} else {
					set.StringP(option.name, option.shorthand, option.defaultVal.(string), option.usage)
				}
			case bool:
				if option.shorthand == "" {
					set.Bool(option.name, option.defaultVal.(bool), option.usage)
				} else {
					set.BoolP(option.name, option.shorthand, option.defaultVal.(bool), option.usage)
				}
			case int:
				if option.shorthand == "" {
					set.Int(option.name, option.defaultVal.(int), option.usage)
				} else {
					set.IntP(option.name, option.shorthand, option.defaultVal.(int), option.usage)
				}
			case float64:
				if option.shorthand == "" {
					set.Float64(option.name, option.defaultVal.(float64), option.usage)
				} else {
					set.Float64P(option.name, option.shorthand, option.defaultVal.(float64), option.usage)
				}
			case map[string]string:
				b := bytes.NewBuffer(nil)
				e := json.NewEncoder(b)
				e.Encode(option.defaultVal)
				s := string(b.Bytes())
				if option.shorthand == "" {
					set.String(option.name, s, option.usage)
				} else {
					set.StringP(option.name, option.shorthand, s, option.usage)
				}
			default:
				panic("invalid argument type")
			}
			Cfg.BindPFlag(option.name, set.Lookup(option.name))
		}
	}
}

func init() {
	// Link the commands together.
	Root.AddCommand(versionCmd)
	Root.AddCommand(runCmd)
	Root.AddCommand(terrainCmd)
	Root.AddCommand(fetchCmd)
}

// outChan returns a channel that logs received messages.
func outChan() chan string {
	outChan := make(chan string)
	go func() {
		for {
			msg := <-outChan
			logrus.Info(msg)
		}
	}()
	return outChan
}

// setConfig finds and reads in the configuration file, if there is one.
func setConfig() error {
	if cfgpath := Cfg.GetString("config"); cfgpath != "" {
		Cfg.SetConfigFile(cfgpath)
		if err := Cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("micromet: problem reading configuration file: %v", err)
		}
	}
	return nil
}

// Root is the main command.
var Root = &cobra.Command{
	Use:   "micromet",
	Short: "A terrain-based climate downscaling model.",
	Long: `MicroPezzottoMet downscales coarse-resolution gridded climate reanalysis
data onto a fine-resolution terrain grid, adjusting air temperature, shortwave
radiation, relative humidity, precipitation and wind for elevation, slope,
aspect and curvature. Use the subcommands specified below to access the model
functionality.

Refer to the subcommand documentation for configuration options and default
settings. Configuration can be changed by using a configuration file (and
providing the path to the file using the --config flag), by using command-line
arguments, or by setting environment variables in the format 'MICROMET_var'
where 'var' is the name of the variable to be set.`,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A single positional argument is a configuration file path.
		if len(args) == 1 {
			Cfg.Set("config", args[0])
		}
		return setConfig()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "version prints the version number of this version of MicroPezzottoMet.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("MicroPezzottoMet v%s\n", micromet.Version)
	},
	DisableAutoGenTag: true,
}

// runCmd downscales the configured date range.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Downscale a range of months.",
	Long: `run downscales every monthly climate file in the configured date range,
writing one NetCDF file per variable and month under the output folder. The
terrain derivative grids are computed first (or reused from the working
directory when the DEM is unchanged).`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		return Run(ctx, Cfg)
	},
	DisableAutoGenTag: true,
}

// terrainCmd computes the terrain derivative grids without downscaling.
var terrainCmd = &cobra.Command{
	Use:   "terrain",
	Short: "Compute terrain derivative grids.",
	Long: `terrain computes the curvature, slope and aspect grids for the configured
DEM and stores them in the working directory, where later runs will reuse
them.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return Terrain(Cfg)
	},
	DisableAutoGenTag: true,
}

// fetchCmd downloads missing monthly climate files.
var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download missing climate files.",
	Long: `fetch downloads the monthly climate files for the configured date range
into the climate folder, skipping months that are already present.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		return Fetch(ctx, Cfg)
	},
	DisableAutoGenTag: true,
}

// signalContext returns a context cancelled by an interrupt or termination
// signal.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-interrupt:
			logrus.Warn("interrupted; finishing running months before stopping")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(interrupt)
	}()
	return ctx, cancel
}
