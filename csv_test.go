package main

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteRatesCSV(t *testing.T) {
	existing := TariffWindow{Records: []RateRecord{
		rate(at(0, 0), at(1, 0), "10.5"),
	}}
	diff := TariffWindow{Records: []RateRecord{
		rate(at(0, 0), at(1, 0), "11.5"),
		rate(at(1, 0), at(2, 0), "12.0"),
	}}
	diff.Records[1].Stale = true

	path := filepath.Join(t.TempDir(), "rates.csv")
	require.NoError(t, writeRatesCSV(path, diff, existing))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)

	require.Equal(t, []string{"Valid_From", "Valid_To", "Old_Price", "New_Price", "Currency", "Stale"}, rows[0])
	require.Equal(t, "2025-01-01T00:00:00Z", rows[1][0])
	require.Equal(t, "10.5000", rows[1][2])
	require.Equal(t, "11.5000", rows[1][3])
	require.Equal(t, "", rows[2][2], "a period with no previous price has an empty old price")
	require.Equal(t, "stale", rows[2][5])
}
