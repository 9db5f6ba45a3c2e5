package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klinedb/internal/domain"
)

var testCell = domain.Cell{Symbol: "BTCUSDT", Interval: "1h", Year: 2021, Month: 1}

func writeZip(t *testing.T, path, entry, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	w, err := zw.Create(entry)
	require.NoError(t, err)
	_, err = w.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
}

func TestLocate(t *testing.T) {
	l := NewLocator("https://example.test/klines/", "/cache")
	loc := l.Locate(domain.Cell{Symbol: "ETHUSDT", Interval: "4h", Year: 2019, Month: 7})

	assert.Equal(t, "https://example.test/klines/ETHUSDT/4h/ETHUSDT-4h-2019-07.zip", loc.URL)
	assert.Equal(t, filepath.Join("/cache", "ETHUSDT", "4h", "2019-07.zip"), loc.Path)
	assert.Equal(t, "/cache", l.CacheDir())
}

func TestLocateDefaultBase(t *testing.T) {
	loc := NewLocator("", "c").Locate(testCell)
	assert.Equal(t, DefaultBaseURL+"/BTCUSDT/1h/BTCUSDT-1h-2021-01.zip", loc.URL)
}

func TestUniverseCells(t *testing.T) {
	u := Universe{Intervals: []string{"1h", "1d"}, StartYear: 2020, EndYear: 2021}
	cells := slices.Collect(u.Cells([]string{"AAA", "BBB"}))

	require.Len(t, cells, u.Size(2))
	assert.Equal(t, 2*2*2*12, len(cells))
	assert.Equal(t, domain.Cell{Symbol: "AAA", Interval: "1h", Year: 2020, Month: 1}, cells[0])
	assert.Equal(t, domain.Cell{Symbol: "AAA", Interval: "1h", Year: 2020, Month: 12}, cells[11])
	assert.Equal(t, domain.Cell{Symbol: "AAA", Interval: "1h", Year: 2021, Month: 1}, cells[12])
	assert.Equal(t, domain.Cell{Symbol: "AAA", Interval: "1d", Year: 2020, Month: 1}, cells[24])
	assert.Equal(t, domain.Cell{Symbol: "BBB", Interval: "1d", Year: 2021, Month: 12}, cells[len(cells)-1])

	// Restartable and stoppable.
	again := slices.Collect(u.Cells([]string{"AAA", "BBB"}))
	assert.Equal(t, cells, again)
	n := 0
	for range u.Cells([]string{"AAA"}) {
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
}

func TestDefaultUniverse(t *testing.T) {
	u := DefaultUniverse()
	require.NoError(t, u.Validate())
	assert.Len(t, u.Intervals, 9)
	assert.Equal(t, 2017, u.StartYear)
	assert.Equal(t, 2024, u.EndYear)
	assert.Equal(t, 9*8*12, u.Size(1))
}

func TestUniverseValidate(t *testing.T) {
	tests := []struct {
		name string
		u    Universe
	}{
		{"no intervals", Universe{StartYear: 2020, EndYear: 2021}},
		{"unknown interval", Universe{Intervals: []string{"7m"}, StartYear: 2020, EndYear: 2021}},
		{"duplicate interval", Universe{Intervals: []string{"1h", "1h"}, StartYear: 2020, EndYear: 2021}},
		{"inverted years", Universe{Intervals: []string{"1h"}, StartYear: 2022, EndYear: 2021}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.u.Validate())
		})
	}
}

func TestParseExampleRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.zip")
	writeZip(t, path, testCell.EntryName(),
		"1609459200000,100.0,110.0,90.0,105.0,1000.0,x,x,500,200.0\n")

	candles, err := Collect(Parse(path, testCell))
	require.NoError(t, err)
	require.Len(t, candles, 1)

	assert.Equal(t, domain.Candle{
		Symbol:      "BTCUSDT",
		Interval:    "1h",
		OpenTime:    1609459200000,
		Open:        100,
		High:        110,
		Low:         90,
		Close:       105,
		Volume:      1000,
		NumTrades:   500,
		TakerVolume: 200,
	}, candles[0])
}

func TestParseDeterministic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.zip")
	writeZip(t, path, testCell.EntryName(),
		"1609459200000,1,2,0.5,1.5,10,1609462799999,15,3,4,0,ignore\n"+
			"1609462800000,1.5,2.5,1,2,20,1609466399999,40,6,8,0,ignore\n"+
			"1609466400000,2,3,1.5,2.5,30,1609469999999,75,9,12,0,ignore\n"+
			"\n")

	seq := Parse(path, testCell)
	first, err := Collect(seq)
	require.NoError(t, err)
	second, err := Collect(seq)
	require.NoError(t, err)

	require.Len(t, first, 3)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1609459200000), first[0].OpenTime)
	assert.Equal(t, int64(1609466400000), first[2].OpenTime)
	assert.Equal(t, int64(6), first[1].NumTrades)
	assert.Equal(t, 8.0, first[1].TakerVolume)
}

func TestParseStopsEarly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.zip")
	writeZip(t, path, testCell.EntryName(),
		"1,1,1,1,1,1,x,x,1,1\n2,1,1,1,1,1,x,x,1,1\n3,1,1,1,1,1,x,x,1,1\n")

	n := 0
	for _, err := range Parse(path, testCell) {
		require.NoError(t, err)
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestParseErrors(t *testing.T) {
	dir := t.TempDir()

	t.Run("corrupt container", func(t *testing.T) {
		path := filepath.Join(dir, "corrupt.zip")
		require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0o644))
		_, err := Collect(Parse(path, testCell))
		assert.ErrorIs(t, err, ErrArchiveCorrupt)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Collect(Parse(filepath.Join(dir, "nope.zip"), testCell))
		assert.ErrorIs(t, err, ErrArchiveCorrupt)
	})

	t.Run("missing entry", func(t *testing.T) {
		path := filepath.Join(dir, "other.zip")
		writeZip(t, path, "ETHUSDT-1h-2021-01.csv", "1,1,1,1,1,1,x,x,1,1\n")
		_, err := Collect(Parse(path, testCell))
		assert.ErrorIs(t, err, ErrMissingEntry)
	})

	t.Run("short row", func(t *testing.T) {
		path := filepath.Join(dir, "short.zip")
		writeZip(t, path, testCell.EntryName(), "1,1,1,1,1,1,x,x,1,1\n2,1,1\n")
		_, err := Collect(Parse(path, testCell))
		require.ErrorIs(t, err, ErrRowMalformed)

		var re *RowError
		require.True(t, errors.As(err, &re))
		assert.Equal(t, 2, re.Line)
		assert.Equal(t, 0, re.Column)
	})

	t.Run("bad number", func(t *testing.T) {
		path := filepath.Join(dir, "badnum.zip")
		writeZip(t, path, testCell.EntryName(), "1,1,abc,1,1,1,x,x,1,1\n")
		_, err := Collect(Parse(path, testCell))
		require.ErrorIs(t, err, ErrRowMalformed)

		var re *RowError
		require.True(t, errors.As(err, &re))
		assert.Equal(t, 1, re.Line)
		assert.Equal(t, 3, re.Column)
	})

	t.Run("non-finite number", func(t *testing.T) {
		for i, row := range []string{
			"1,NaN,1,1,1,1,x,x,1,1\n",
			"1,1,Inf,1,1,1,x,x,1,1\n",
			"1,1,1,-Inf,1,1,x,x,1,1\n",
			"1,1,1,1,1,1,x,x,1,+Inf\n",
		} {
			path := filepath.Join(dir, fmt.Sprintf("nonfinite-%d.zip", i))
			writeZip(t, path, testCell.EntryName(), row)
			out, err := Collect(Parse(path, testCell))
			require.ErrorIs(t, err, ErrRowMalformed, row)
			assert.Empty(t, out)

			var re *RowError
			require.True(t, errors.As(err, &re))
			assert.Equal(t, 1, re.Line)
			assert.Contains(t, re.Reason, "invalid number")
		}
	})

	t.Run("bad open time", func(t *testing.T) {
		path := filepath.Join(dir, "badtime.zip")
		writeZip(t, path, testCell.EntryName(), "1.5e3,1,1,1,1,1,x,x,1,1\n")
		_, err := Collect(Parse(path, testCell))
		var re *RowError
		require.True(t, errors.As(err, &re))
		assert.Equal(t, 1, re.Column)
	})
}

func TestParseYieldsRowsBeforeError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.zip")
	writeZip(t, path, testCell.EntryName(), "1,1,1,1,1,1,x,x,1,1\nbroken\n")

	var got []domain.Candle
	var gotErr error
	for c, err := range Parse(path, testCell) {
		if err != nil {
			gotErr = err
			break
		}
		got = append(got, c)
	}
	assert.Len(t, got, 1)
	assert.ErrorIs(t, gotErr, ErrRowMalformed)
}

func TestIsKnownInterval(t *testing.T) {
	for _, iv := range []string{"1s", "1m", "1h", "1d", "1mo"} {
		assert.True(t, IsKnownInterval(iv), iv)
	}
	for _, iv := range []string{"", "1M", "2d", "1y"} {
		assert.False(t, IsKnownInterval(iv), iv)
	}
}
