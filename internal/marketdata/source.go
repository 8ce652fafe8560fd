// Package marketdata loads daily close series for a ticker from a directory of
// CSV files or from an object-store bucket.
package marketdata

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

var ErrNotFound = errors.New("market data not found")

type Bar struct {
	Date  time.Time
	Close float64
}

type Series struct {
	Ticker      string
	Bars        []Bar
	Fingerprint string
}

// Between returns the bars dated within [start, end], both inclusive.
func (s Series) Between(start, end time.Time) []Bar {
	out := make([]Bar, 0, len(s.Bars))
	for _, b := range s.Bars {
		if b.Date.Before(start) || b.Date.After(end) {
			continue
		}
		out = append(out, b)
	}
	return out
}

type Source interface {
	Load(ctx context.Context, ticker string) (Series, error)
}

// ObjectName maps a ticker to its CSV name.
func ObjectName(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker)) + ".csv"
}

// Fingerprint identifies the exact bytes a series was parsed from.
func Fingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05-07:00",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
}

// parseDate keeps the calendar date as written, dropping any zone.
func parseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", value)
}

// Parse reads a CSV with a Date column and a close (or Close) column. Rows
// without a numeric close are skipped; bars come back in date order.
func Parse(ticker string, raw []byte) (Series, error) {
	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return Series{}, fmt.Errorf("read header: %w", err)
	}
	dateCol, closeCol := -1, -1
	for i, name := range header {
		switch strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")) {
		case "Date":
			dateCol = i
		case "close":
			closeCol = i
		case "Close":
			if closeCol < 0 {
				closeCol = i
			}
		}
	}
	if dateCol < 0 {
		return Series{}, errors.New("missing Date column")
	}
	if closeCol < 0 {
		return Series{}, errors.New("missing close column")
	}

	bars := make([]Bar, 0, 256)
	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Series{}, fmt.Errorf("line %d: %w", line, err)
		}
		if closeCol >= len(rec) || dateCol >= len(rec) {
			continue
		}
		closeVal, err := strconv.ParseFloat(strings.TrimSpace(rec[closeCol]), 64)
		if err != nil || math.IsNaN(closeVal) || math.IsInf(closeVal, 0) {
			continue
		}
		date, err := parseDate(rec[dateCol])
		if err != nil {
			return Series{}, fmt.Errorf("line %d: %w", line, err)
		}
		bars = append(bars, Bar{Date: date, Close: closeVal})
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })

	return Series{
		Ticker:      strings.ToUpper(strings.TrimSpace(ticker)),
		Bars:        bars,
		Fingerprint: Fingerprint(raw),
	}, nil
}
