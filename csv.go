package main

import (
	"encoding/csv"
	"os"
	"time"
)

// writeRatesCSV writes the applied diff to a CSV file for auditing, one row
// per changed interval with the price it replaced.
func writeRatesCSV(filename string, diff, existing TariffWindow) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Valid_From",
		"Valid_To",
		"Old_Price",
		"New_Price",
		"Currency",
		"Stale",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range diff.Records {
		oldPrice := ""
		if prev := findRate(existing.Records, rec.ValidFrom); prev != nil {
			oldPrice = normalisePrice(prev.UnitPrice).StringFixed(PricePrecision)
		}
		stale := ""
		if rec.Stale {
			stale = "stale"
		}
		record := []string{
			rec.ValidFrom.UTC().Format(time.RFC3339),
			rec.ValidTo.UTC().Format(time.RFC3339),
			oldPrice,
			normalisePrice(rec.UnitPrice).StringFixed(PricePrecision),
			rec.Currency,
			stale,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return nil
}
