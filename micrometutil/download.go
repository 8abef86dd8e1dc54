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
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lnashier/viper"
)

// maybeDownload checks if the input is an existing file locally.
// If not, it checks if the file is a URL.
// If it's a URL, it downloads the file and
// returns the path to the downloaded file.
// c, if not nil, is a channel across which error and
// logging messages will be sent.
func maybeDownload(path string, c chan string) string {
	// Check if local file exists. If it does, return the given path.
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		return path
	}

	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return downloadHTTP(path, c)
	}
	return path
}

// downloadHTTP downloads a file from the specified URL and returns
// the path to the downloaded file.
func downloadHTTP(path string, c chan string) string {
	// Prepare a temporary directory for the downloads.
	dir, err := ioutil.TempDir("", "micromet")
	if err != nil {
		panic(fmt.Errorf("micromet: failed creating temporary download directory: %v", err))
	}
	dest := filepath.Join(dir, filepath.Base(path))
	if err := fetchFile(context.Background(), path, dest, "", nil); err != nil {
		c <- err.Error()
		return path
	}
	return dest
}

// fetchFile downloads url to dest, sending token as a bearer credential if
// it is nonempty. The file is written to a temporary name and renamed into
// place on success.
func fetchFile(ctx context.Context, url, dest, token string, c chan string) error {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return fmt.Errorf("micromet: downloading %s: %v", url, err)
	}
	req = req.WithContext(ctx)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("micromet: downloading %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("micromet: downloading %s: unexpected status %s", url, resp.Status)
	}

	tmp := dest + ".tmp"
	w, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("micromet: downloading %s: %v", url, err)
	}
	defer os.Remove(tmp)
	if _, err := io.Copy(w, resp.Body); err != nil {
		w.Close()
		return fmt.Errorf("micromet: downloading %s: %v", url, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("micromet: downloading %s: %v", url, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("micromet: downloading %s: %v", url, err)
	}
	if c != nil {
		c <- fmt.Sprintf("downloaded %s", dest)
	}
	return nil
}

// expandClimateURL substitutes the {year} and {month} placeholders in a
// climate URL template.
func expandClimateURL(template string, year int, month time.Month) string {
	s := strings.Replace(template, "{year}", fmt.Sprintf("%04d", year), -1)
	return strings.Replace(s, "{month}", fmt.Sprintf("%02d", int(month)), -1)
}

// Fetch downloads the monthly climate files for the configured date range
// into the climate folder, skipping months that are already present.
// Downloads run concurrently up to jobs_parallel_download at a time.
func Fetch(ctx context.Context, cfg *viper.Viper) error {
	msgChan := outChan()

	start, end, err := checkDates(cfg)
	if err != nil {
		return err
	}
	template := os.ExpandEnv(cfg.GetString("climate_url"))
	if template == "" {
		return fmt.Errorf("micromet: the climate_url configuration variable must be set")
	}
	dir := climateFolder(cfg)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return fmt.Errorf("micromet: creating climate folder: %v", err)
	}
	token := os.ExpandEnv(cfg.GetString("earthdatahub_pat"))

	workers := cfg.GetInt("jobs_parallel_download")
	if workers < 1 {
		workers = 1
	}

	type empty struct{}
	sem := make(chan empty, workers)
	errs := make(chan error, 1)
	first := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, time.UTC)
	for m := first; !m.After(last); m = m.AddDate(0, 1, 0) {
		sem <- empty{}
		if ctx.Err() != nil {
			<-sem
			break
		}
		go func(year int, month time.Month) {
			defer func() { <-sem }()
			dest := filepath.Join(dir, fmt.Sprintf("era5_%04d_%02d.nc", year, month))
			if _, err := os.Stat(dest); err == nil {
				msgChan <- fmt.Sprintf("%s already present, skipping", dest)
				return
			}
			url := expandClimateURL(template, year, month)
			if err := fetchFile(ctx, url, dest, token, msgChan); err != nil {
				select {
				case errs <- err:
				default:
				}
			}
		}(m.Year(), m.Month())
	}
	for i := 0; i < cap(sem); i++ { // wait for the workers to finish
		sem <- empty{}
	}
	select {
	case err := <-errs:
		return err
	default:
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("micromet: fetch interrupted: %w", err)
	}
	return nil
}
