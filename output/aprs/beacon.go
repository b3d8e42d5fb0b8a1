package aprs

import (
	"fmt"
	"math"
	"strings"
)

// tocall identifies the bridge software family in the destination
// field of every emitted frame.
const tocall = "APLMB0"

// positionFrame renders an uncompressed APRS position report without a
// timestamp. path may be empty for frames originated by the gateway
// itself.
func positionFrame(fromcall string, path []string, symbolTable, symbol byte, latitude, longitude float64, comment string) string {
	header := fromcall + ">" + tocall
	if len(path) > 0 {
		header += "," + strings.Join(path, ",")
	}

	return fmt.Sprintf("%s:=%s%c%s%c%s",
		header,
		formatLatitude(latitude), symbolTable,
		formatLongitude(longitude), symbol,
		comment)
}

// announcementFrame renders an addressed message frame carrying the
// telemetry parameter names. The addressee field is space padded to the
// fixed nine characters the message format requires.
func announcementFrame(fromcall, text string) string {
	return fmt.Sprintf("%s>%s::%-9s:%s", fromcall, tocall, fromcall, text)
}

// formatLatitude renders ddmm.mmH, e.g. 4851.00N.
func formatLatitude(latitude float64) string {
	hemisphere := byte('N')
	if latitude < 0 {
		hemisphere = 'S'
	}

	degrees, minutes := degreesMinutes(latitude)
	return fmt.Sprintf("%02d%05.2f%c", degrees, minutes, hemisphere)
}

// formatLongitude renders dddmm.mmH, e.g. 00221.00E.
func formatLongitude(longitude float64) string {
	hemisphere := byte('E')
	if longitude < 0 {
		hemisphere = 'W'
	}

	degrees, minutes := degreesMinutes(longitude)
	return fmt.Sprintf("%03d%05.2f%c", degrees, minutes, hemisphere)
}

func degreesMinutes(value float64) (int, float64) {
	abs := math.Abs(value)
	degrees := int(abs)
	return degrees, (abs - float64(degrees)) * 60
}
