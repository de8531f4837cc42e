package internal

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// How many calendar days back staging will look for a daily archive before
// giving up.
const PARAMETER_LOOKBACK_DAYS = 15

// ParameterFile stages one calculator's daily reference file: it finds the
// most recent dated archive on the download share, extracts it, and moves the
// inner file to the fixed path the calculator is configured with.
//
// ZipFormat and InnerFormat contain one %s placeholder filled with the date
// rendered in the matching layout; InnerFormat may contain glob wildcards
// (some venues embed a publish timestamp in the file name).
type ParameterFile struct {
	Date        time.Time
	DownloadDir string
	ConfigDir   string

	ZipFormat   string
	ZipLayout   string
	InnerFormat string
	InnerLayout string
	StagedName  string
}

func NewParameterFile(date time.Time, downloadDir, configDir, zipFormat, zipLayout, innerFormat, innerLayout, stagedName string, parameters *[]*ParameterFile) *ParameterFile {
	p := &ParameterFile{
		Date:        date,
		DownloadDir: downloadDir,
		ConfigDir:   configDir,
		ZipFormat:   zipFormat,
		ZipLayout:   zipLayout,
		InnerFormat: innerFormat,
		InnerLayout: innerLayout,
		StagedName:  stagedName,
	}
	*parameters = append(*parameters, p)
	return p
}

// StagedFile is the fixed path the owning adapter loads.
func (p *ParameterFile) StagedFile() string {
	return filepath.Join(p.ConfigDir, p.StagedName)
}

func (p *ParameterFile) zipFile(dt time.Time) string {
	return filepath.Join(p.DownloadDir, fmt.Sprintf(p.ZipFormat, dt.Format(p.ZipLayout)))
}

func (p *ParameterFile) innerPattern(dt time.Time) string {
	return filepath.Join(p.DownloadDir, fmt.Sprintf(p.InnerFormat, dt.Format(p.InnerLayout)))
}

// Stage resolves the most recent available daily archive within the lookback
// window and replaces the staged file with its contents. A missing archive is
// only a warning per day; the error returned when the whole window is empty is
// non-fatal to the run, the owning adapter later surfaces the missing staged
// file itself.
func (p *ParameterFile) Stage() error {
	day := 0
	for ; day > -PARAMETER_LOOKBACK_DAYS; day-- {
		candidate := p.zipFile(p.Date.AddDate(0, 0, day))
		if _, err := os.Stat(candidate); err == nil {
			break
		}
		logrus.Warnf("Daily file not found: %s", candidate)
	}
	dt := p.Date.AddDate(0, 0, day)
	archive := p.zipFile(dt)
	if _, err := os.Stat(archive); err != nil {
		return fmt.Errorf("no daily archive found for %s within %d days", p.ZipFormat, PARAMETER_LOOKBACK_DAYS)
	}

	if err := extractZip(archive, p.DownloadDir); err != nil {
		return fmt.Errorf("unable to extract %s due to: %s", archive, err.Error())
	}

	matches, err := filepath.Glob(p.innerPattern(dt))
	if err != nil || len(matches) == 0 {
		return fmt.Errorf("no extracted parameter file matches %s", p.innerPattern(dt))
	}

	staged := p.StagedFile()
	os.Remove(staged)
	if err = os.Rename(matches[0], staged); err != nil {
		return fmt.Errorf("unable to move %s to %s due to: %s", matches[0], staged, err.Error())
	}
	logrus.Infof("Staged parameter file %s from %s", staged, archive)
	return nil
}

func extractZip(archive, dir string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		target := filepath.Join(dir, filepath.Base(f.Name))
		src, err := f.Open()
		if err != nil {
			return err
		}
		dst, err := os.Create(target)
		if err != nil {
			src.Close()
			return err
		}
		_, err = io.Copy(dst, src)
		src.Close()
		dst.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
