package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cwsl/ka9q_wefax/audio_extensions/wefax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const stationsFixture = `# name                               freq   sb  rpm   res  ioc  ph slant
Northwood (UK)                       4610000  USB  120  1200  576  40   --
Hamburg/Pinneberg DWD               13882500  USB  120  1200  576  --    3

Kodiak AK                            8459000  LSB   --    --  288  20    0
`

func TestParseStation(t *testing.T) {
	stations, err := ReadStations(strings.NewReader(stationsFixture))
	require.NoError(t, err)
	require.Len(t, stations, 3)

	assert.Equal(t, Station{
		Name:          "Northwood (UK)",
		Frequency:     4610000,
		Sideband:      wefax.USB,
		LPM:           120,
		PixelsPerLine: 1200,
		IOC:           576,
		PhasingLines:  40,
	}, stations[0])

	assert.Equal(t, "Hamburg/Pinneberg DWD", stations[1].Name)
	assert.Equal(t, 13882500, stations[1].Frequency)
	assert.Zero(t, stations[1].PhasingLines)
	assert.Equal(t, 3, stations[1].SyncSlant)
	assert.True(t, stations[1].SlantSet)

	assert.Equal(t, wefax.LSB, stations[2].Sideband)
	assert.Zero(t, stations[2].LPM)
	assert.Equal(t, 288, stations[2].IOC)
	assert.True(t, stations[2].SlantSet, "explicit 0 slant is set")
}

func TestParseStationBadNumber(t *testing.T) {
	line := Station{Name: "Bad", Frequency: 1000}.Format()
	line = strings.Replace(line, "1000", "1x00", 1)
	_, err := ParseStation(line)
	assert.Error(t, err)
}

func TestStationFormatWidth(t *testing.T) {
	line := Station{Name: "Boston", Frequency: 6340500, Sideband: wefax.USB, LPM: 120, IOC: 576}.Format()
	// Eight fields plus seven separators
	assert.Len(t, line, 32+11+4+4+5+4+3+4+7)
	assert.True(t, strings.HasPrefix(line, "Boston "))
	assert.Contains(t, line, "    6340500  USB  120    --  576  --   --")
}

func TestStationFormatRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		st := Station{
			Name:          strings.TrimSpace(rapid.StringMatching(`[A-Za-z][A-Za-z0-9 ()/.]{0,30}`).Draw(t, "name")),
			Frequency:     rapid.IntRange(0, 99999999).Draw(t, "freq"),
			Sideband:      rapid.SampledFrom([]wefax.Sideband{"", wefax.USB, wefax.LSB}).Draw(t, "sb"),
			LPM:           rapid.SampledFrom([]int{0, 60, 90, 120, 240}).Draw(t, "lpm"),
			PixelsPerLine: rapid.IntRange(0, 1200).Draw(t, "ppl"),
			IOC:           rapid.SampledFrom([]int{0, 288, 576}).Draw(t, "ioc"),
			PhasingLines:  rapid.IntRange(0, 60).Draw(t, "phasing"),
			SyncSlant:     rapid.IntRange(-99, 999).Draw(t, "slant"),
		}
		st.SlantSet = st.SyncSlant != 0 || rapid.Bool().Draw(t, "slantSet")

		got, err := ParseStation(st.Format())
		require.NoError(t, err)
		assert.Equal(t, st, got)
	})
}

func TestStationApply(t *testing.T) {
	cfg := wefax.DefaultWEFAXConfig()
	Station{LPM: 60, IOC: 288}.Apply(&cfg)
	assert.Equal(t, 60, cfg.LPM)
	assert.Equal(t, 288, cfg.IOC)
	assert.Equal(t, 1200, cfg.PixelsPerLine, "unset fields keep their value")
	assert.Equal(t, 40, cfg.PhasingLines)

	cfg.SyncSlant = 5
	Station{SlantSet: true}.Apply(&cfg)
	assert.Zero(t, cfg.SyncSlant)
}

func TestFindStation(t *testing.T) {
	stations, err := ReadStations(strings.NewReader(stationsFixture))
	require.NoError(t, err)

	assert.Equal(t, 1, FindStation(stations, "hamburg"))
	assert.Equal(t, 0, FindStation(stations, "  North"))
	assert.Equal(t, -1, FindStation(stations, "Halifax"))
	assert.Equal(t, -1, FindStation(stations, ""))
}

func TestStationsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stations.txt")

	stations, err := LoadStationsFile(path)
	require.NoError(t, err, "a missing file is an empty list")
	assert.Empty(t, stations)

	want, err := ReadStations(strings.NewReader(stationsFixture))
	require.NoError(t, err)
	require.NoError(t, SaveStationsFile(path, want))

	got, err := LoadStationsFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
