package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cwsl/ka9q_wefax/audio_extensions/wefax"
)

// Column widths of a stations file record. Fields are separated by one
// character, numbers are right aligned and "--" marks an unset field.
const (
	stationNameWidth    = 32
	stationFreqWidth    = 11
	stationSBWidth      = 4
	stationRPMWidth     = 4
	stationResolWidth   = 5
	stationIOCWidth     = 4
	stationPhasingWidth = 3
	stationSlantWidth   = 4
)

var stationWidths = []int{
	stationNameWidth, stationFreqWidth, stationSBWidth, stationRPMWidth,
	stationResolWidth, stationIOCWidth, stationPhasingWidth, stationSlantWidth,
}

// Station is one entry of the stations file. Zero numeric fields were
// unset ("--") in the file.
type Station struct {
	Name          string         `json:"name"`
	Frequency     int            `json:"frequency"`
	Sideband      wefax.Sideband `json:"sideband,omitempty"`
	LPM           int            `json:"lpm"`
	PixelsPerLine int            `json:"pixels_per_line"`
	IOC           int            `json:"ioc"`
	PhasingLines  int            `json:"phasing_lines"`
	SyncSlant     int            `json:"sync_slant"`
	SlantSet      bool           `json:"slant_set"`
}

// splitStationLine cuts a record into its fixed-width fields. Short lines
// yield empty trailing fields.
func splitStationLine(line string) []string {
	fields := make([]string, len(stationWidths))
	pos := 0
	for i, w := range stationWidths {
		if pos >= len(line) {
			break
		}
		end := min(pos+w, len(line))
		fields[i] = strings.TrimSpace(line[pos:end])
		pos += w + 1
	}
	return fields
}

func parseStationInt(field string) (int, error) {
	if field == "" || strings.Contains(field, "--") {
		return 0, nil
	}
	return strconv.Atoi(field)
}

// ParseStation decodes one fixed-width record
func ParseStation(line string) (Station, error) {
	f := splitStationLine(line)
	st := Station{Name: f[0]}
	if strings.Contains(st.Name, "--") {
		st.Name = ""
	}
	if f[2] != "" && !strings.Contains(f[2], "--") {
		st.Sideband = wefax.ParseSideband(f[2])
	}

	ints := []struct {
		name string
		idx  int
		dst  *int
	}{
		{"frequency", 1, &st.Frequency},
		{"rpm", 3, &st.LPM},
		{"resolution", 4, &st.PixelsPerLine},
		{"ioc", 5, &st.IOC},
		{"phasing lines", 6, &st.PhasingLines},
		{"slant", 7, &st.SyncSlant},
	}
	for _, v := range ints {
		n, err := parseStationInt(f[v.idx])
		if err != nil {
			return Station{}, fmt.Errorf("station %q: invalid %s %q", st.Name, v.name, f[v.idx])
		}
		*v.dst = n
	}
	st.SlantSet = f[7] != "" && !strings.Contains(f[7], "--")
	return st, nil
}

func formatStationInt(v, width int) string {
	if v == 0 {
		return fmt.Sprintf("%*s", width, "--")
	}
	return fmt.Sprintf("%*d", width, v)
}

// Format encodes the station as a fixed-width record
func (s Station) Format() string {
	name := s.Name
	if name == "" {
		name = "--"
	}
	if len(name) > stationNameWidth {
		name = name[:stationNameWidth]
	}
	sb := string(s.Sideband)
	if sb == "" {
		sb = "--"
	}
	slant := formatStationInt(s.SyncSlant, stationSlantWidth)
	if s.SlantSet && s.SyncSlant == 0 {
		slant = fmt.Sprintf("%*d", stationSlantWidth, 0)
	}

	fields := []string{
		fmt.Sprintf("%-*s", stationNameWidth, name),
		formatStationInt(s.Frequency, stationFreqWidth),
		fmt.Sprintf("%*s", stationSBWidth, sb),
		formatStationInt(s.LPM, stationRPMWidth),
		formatStationInt(s.PixelsPerLine, stationResolWidth),
		formatStationInt(s.IOC, stationIOCWidth),
		formatStationInt(s.PhasingLines, stationPhasingWidth),
		slant,
	}
	return strings.Join(fields, " ")
}

// ReadStations parses a stations file. Blank lines and lines starting with
// '#' are skipped.
func ReadStations(r io.Reader) ([]Station, error) {
	var stations []Station
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		st, err := ParseStation(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		stations = append(stations, st)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return stations, nil
}

// WriteStations writes one record per line
func WriteStations(w io.Writer, stations []Station) error {
	bw := bufio.NewWriter(w)
	for _, st := range stations {
		if _, err := bw.WriteString(st.Format() + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// LoadStationsFile reads path; a missing file is an empty list
func LoadStationsFile(path string) ([]Station, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open stations file: %w", err)
	}
	defer f.Close()
	return ReadStations(f)
}

// SaveStationsFile replaces path with stations
func SaveStationsFile(path string, stations []Station) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create stations file: %w", err)
	}
	if err := WriteStations(f, stations); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write stations file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// Apply copies the station's decode parameters into cfg. Unset fields
// leave cfg unchanged.
func (s Station) Apply(cfg *wefax.WEFAXConfig) {
	if s.LPM > 0 {
		cfg.LPM = s.LPM
	}
	if s.PixelsPerLine > 0 {
		cfg.PixelsPerLine = s.PixelsPerLine
	}
	if s.IOC > 0 {
		cfg.IOC = s.IOC
	}
	if s.PhasingLines > 0 {
		cfg.PhasingLines = s.PhasingLines
	}
	if s.SlantSet {
		cfg.SyncSlant = s.SyncSlant
	}
}

// FindStation returns the index of the first station whose name starts
// with name, ignoring case
func FindStation(stations []Station, name string) int {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return -1
	}
	for i, st := range stations {
		if strings.HasPrefix(strings.ToLower(st.Name), name) {
			return i
		}
	}
	return -1
}
