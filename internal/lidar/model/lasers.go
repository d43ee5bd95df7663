package model

import (
	"embed"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

//go:embed laser_tables/*.csv
var embeddedTables embed.FS

// Laser is one emitter of a laser array.
type Laser struct {
	RingID           int32
	ElevationDeg     float64
	AzimuthOffsetDeg float64
	VerticalOffset   float64 // metres along the sensor up axis
	TimeOffset       float64 // seconds after the start of a firing block
}

// LaserArray is the set of lasers fired together at each horizontal step.
type LaserArray struct {
	Lasers                    []Laser
	CenterOfMeasurementOffset r3.Vec
}

// RingIDs returns the ring index of every laser in firing order.
func (a LaserArray) RingIDs() []int32 {
	ids := make([]int32, len(a.Lasers))
	for i, l := range a.Lasers {
		ids[i] = l.RingID
	}
	return ids
}

// UniformLaserArray spreads n lasers evenly between minElevation and
// maxElevation (degrees), firing simultaneously, rings numbered bottom-up.
func UniformLaserArray(n int, minElevation, maxElevation float64) LaserArray {
	lasers := make([]Laser, n)
	for i := range lasers {
		elev := minElevation
		if n > 1 {
			elev += float64(i) * (maxElevation - minElevation) / float64(n-1)
		}
		lasers[i] = Laser{RingID: int32(i), ElevationDeg: elev}
	}
	return LaserArray{Lasers: lasers}
}

// LoadLaserArrayCSV parses a laser table with the header
// Channel,Elevation,Azimuth,Firetime where Firetime is in microseconds.
// Channels are 1-based and must be contiguous. Ring ids are assigned by
// ascending elevation, matching how spinning LiDARs number their rings.
func LoadLaserArrayCSV(r io.Reader) (LaserArray, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return LaserArray{}, fmt.Errorf("failed to read laser table: %v", err)
	}
	return parseLaserTable(records)
}

func loadEmbeddedLaserTable(name string) (LaserArray, error) {
	file, err := embeddedTables.Open("laser_tables/" + name)
	if err != nil {
		return LaserArray{}, fmt.Errorf("failed to open embedded laser table %s: %v", name, err)
	}
	defer file.Close()
	return LoadLaserArrayCSV(file)
}

func parseLaserTable(records [][]string) (LaserArray, error) {
	if len(records) < 2 {
		return LaserArray{}, fmt.Errorf("%w: insufficient data in laser table", ErrInvalidConfiguration)
	}

	header := records[0]
	if len(header) != 4 ||
		strings.ToLower(header[0]) != "channel" ||
		strings.ToLower(header[1]) != "elevation" ||
		strings.ToLower(header[2]) != "azimuth" ||
		strings.ToLower(header[3]) != "firetime" {
		return LaserArray{}, fmt.Errorf("%w: invalid header in laser table, expected: Channel,Elevation,Azimuth,Firetime", ErrInvalidConfiguration)
	}

	lasers := make([]Laser, len(records)-1)
	seen := make([]bool, len(lasers))
	for i, record := range records[1:] {
		line := i + 2
		if len(record) != 4 {
			return LaserArray{}, fmt.Errorf("%w: invalid record at line %d: expected 4 fields", ErrInvalidConfiguration, line)
		}

		channel, err := strconv.Atoi(record[0])
		if err != nil {
			return LaserArray{}, fmt.Errorf("%w: invalid channel number at line %d: %v", ErrInvalidConfiguration, line, err)
		}
		if channel < 1 || channel > len(lasers) {
			return LaserArray{}, fmt.Errorf("%w: channel number %d out of range (1-%d) at line %d", ErrInvalidConfiguration, channel, len(lasers), line)
		}
		if seen[channel-1] {
			return LaserArray{}, fmt.Errorf("%w: duplicate channel %d at line %d", ErrInvalidConfiguration, channel, line)
		}
		seen[channel-1] = true

		var vals [3]float64
		for j, name := range []string{"elevation", "azimuth", "firetime"} {
			vals[j], err = strconv.ParseFloat(record[j+1], 64)
			if err != nil {
				return LaserArray{}, fmt.Errorf("%w: invalid %s at line %d: %v", ErrInvalidConfiguration, name, line, err)
			}
		}

		lasers[channel-1] = Laser{
			ElevationDeg:     vals[0],
			AzimuthOffsetDeg: vals[1],
			TimeOffset:       vals[2] * 1e-6,
		}
	}

	order := make([]int, len(lasers))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return lasers[order[a]].ElevationDeg < lasers[order[b]].ElevationDeg
	})
	for ring, idx := range order {
		lasers[idx].RingID = int32(ring)
	}

	return LaserArray{Lasers: lasers}, nil
}
