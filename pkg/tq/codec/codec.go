// Package codec classifies raw TCP payloads from TQ vehicle-tracking devices,
// decodes them into position reports, and re-encodes accepted reports into
// the RPG ASCII wire format understood by downstream platforms.
//
// The package is a leaf: it has no dependency on session, filter or egress
// and can be exercised entirely through Decoder.Decode and BuildRPG.
package codec

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DeviceID is the 10-digit identifier embedded in a binary TQ frame.
type DeviceID string

// ShortID is the last 5 digits of a DeviceID, used as the RPG ID field.
type ShortID string

// ProtocolTag names the wire protocol a frame was decoded from.
type ProtocolTag string

const (
	ProtocolBinaryTQ     ProtocolTag = "binary-tq"
	ProtocolNMEA         ProtocolTag = "nmea"
	ProtocolRegistration ProtocolTag = "registration"
)

// GPSDate is a calendar date as carried on the wire, DD/MM/YY (year of
// century). Zero value means no date was present in the frame.
type GPSDate struct {
	Day, Month, YearOfCentury int
	Valid                     bool
}

// GPSTime is a time of day as carried on the wire, HH:MM:SS UTC.
type GPSTime struct {
	Hour, Minute, Second int
	Valid                bool
}

// PositionReport is a decoded, not-yet-filtered GPS fix.
type PositionReport struct {
	DeviceID    DeviceID
	ShortID     ShortID
	Protocol    ProtocolTag
	Latitude    float64
	Longitude   float64
	SpeedKmh    float64
	Heading     float64
	Date        GPSDate
	Time        GPSTime
	ReceivedAt  time.Time
	RawHex      string
}

// Kind discriminates the outcome of decoding a single frame.
type Kind int

const (
	KindFrame Kind = iota
	KindRegistration
	KindIgnore
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindFrame:
		return "frame"
	case KindRegistration:
		return "registration"
	case KindIgnore:
		return "ignore"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is the closed sum type decoding produces. Exactly one of Report,
// ShortID, Reason or Err is meaningful, selected by Kind. Callers must
// switch on Kind rather than infer it from which field is non-zero.
type Result struct {
	Kind    Kind
	Report  *PositionReport
	ShortID ShortID
	Reason  string
	Err     error
}

// Config controls the hemisphere convention applied to binary TQ fixes.
// The wire format carries no sign bit for latitude/longitude, so the
// deployment must state which hemisphere its fleet operates in; guessing
// from the magnitude of the value is explicitly not supported.
type Config struct {
	SouthernHemisphere bool
	WesternHemisphere  bool
}

// Decoder turns raw TCP payloads into Results. It holds no mutable state
// and is safe for concurrent use by multiple sessions.
type Decoder struct {
	cfg Config
}

func NewDecoder(cfg Config) *Decoder {
	return &Decoder{cfg: cfg}
}

// Decode classifies buf and, for recognized frames, decodes it into a
// PositionReport (KindFrame), a registration notice (KindRegistration), or
// reports why the frame carries no usable fix (KindIgnore). KindError is
// reserved for frames that look recognizable but fail to parse; it is
// distinct from KindIgnore, which covers frames not recognized as any of
// the supported protocols.
func (d *Decoder) Decode(buf []byte, now time.Time) Result {
	tag, hexStr, raw, ok := classify(buf)
	if !ok {
		return Result{Kind: KindIgnore, Reason: "unrecognized frame"}
	}

	switch tag {
	case ProtocolRegistration:
		short := shortIDFromHex(hexStr)
		return Result{Kind: KindRegistration, ShortID: short}
	case ProtocolBinaryTQ:
		report, err := d.decodeBinaryTQ(hexStr, now)
		if err != nil {
			return Result{Kind: KindError, Err: err}
		}
		return Result{Kind: KindFrame, Report: report}
	case ProtocolNMEA:
		report, err := decodeNMEA(raw, now)
		if err != nil {
			return Result{Kind: KindError, Err: err}
		}
		return Result{Kind: KindFrame, Report: report}
	default:
		return Result{Kind: KindIgnore, Reason: "unrecognized frame"}
	}
}

// classify renders buf as a hex string (accepting both raw binary payloads
// and payloads already sent as ASCII hex text, an "embedded-hex" variant
// seen from some firmware revisions) and determines the wire protocol.
// Ingress reads fixed-size buffers rather than newline-delimited lines, but
// some firmware still terminates an ASCII-hex or NMEA frame with a trailing
// CR/LF inside that buffer, so it is trimmed here rather than assumed away.
func classify(buf []byte) (tag ProtocolTag, hexStr string, raw []byte, ok bool) {
	for len(buf) > 0 && (buf[len(buf)-1] == '\n' || buf[len(buf)-1] == '\r') {
		buf = buf[:len(buf)-1]
	}
	if len(buf) >= 2 && buf[0] == '*' && buf[len(buf)-1] == '#' {
		return ProtocolNMEA, "", buf, true
	}

	if isASCIIHex(buf) && len(buf) >= 60 && len(buf) <= 200 {
		candidate := strings.ToLower(string(buf))
		if decoded, err := hex.DecodeString(candidate); err == nil {
			hexStr, raw = candidate, decoded
		}
	}
	if hexStr == "" {
		raw = buf
		hexStr = hex.EncodeToString(buf)
	}

	if len(hexStr) < 60 || len(hexStr) > 200 {
		return "", "", nil, false
	}
	if !strings.HasPrefix(hexStr, "24") {
		return "", "", nil, false
	}
	if len(raw) > 0 && raw[0] == 0x2A {
		return "", "", nil, false
	}
	if strings.ContainsRune(string(raw), ',') {
		return "", "", nil, false
	}

	if len(hexStr) >= 8 && hexStr[6:8] == "01" {
		return ProtocolRegistration, hexStr, raw, true
	}
	return ProtocolBinaryTQ, hexStr, raw, true
}

func isASCIIHex(buf []byte) bool {
	if len(buf) == 0 {
		return false
	}
	for _, b := range buf {
		isHexDigit := (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
		if !isHexDigit {
			return false
		}
	}
	return true
}

// shortIDFromHex extracts the last 5 digits of the 10-digit device id at
// hex[2:12], the RPG ID field.
func shortIDFromHex(hexStr string) ShortID {
	if len(hexStr) < 12 {
		return ""
	}
	id := hexStr[2:12]
	if len(id) < 5 {
		return ShortID(id)
	}
	return ShortID(id[len(id)-5:])
}

func deviceIDFromHex(hexStr string) DeviceID {
	if len(hexStr) < 12 {
		return ""
	}
	return DeviceID(hexStr[2:12])
}

// decodeBinaryTQ parses a binary TQ position frame. The date/time offsets
// (12, 18) are BCD-as-hex byte pairs, cross-checked against the worked
// hex-to-RPG example in the protocol notes. Latitude and longitude are NOT
// a raw hex integer scaled by 1e6 — that reading produces latitudes far
// outside [-90, 90] on the same worked example. The device instead embeds
// the RPG-format DDMM.MMMM / DDDMM.MMMM digit string directly as decimal
// ASCII digits at hex offset 24 (lat, 8 digits) and 34 (lon, 9 digits).
func (d *Decoder) decodeBinaryTQ(hexStr string, now time.Time) (*PositionReport, error) {
	if len(hexStr) < 43 {
		return nil, fmt.Errorf("codec: binary TQ frame too short: %d hex chars", len(hexStr))
	}

	lat, err := parseDegMinDigits(hexStr[24:32], 2)
	if err != nil {
		return nil, fmt.Errorf("codec: parse latitude field: %w", err)
	}
	lon, err := parseDegMinDigits(hexStr[34:43], 3)
	if err != nil {
		return nil, fmt.Errorf("codec: parse longitude field: %w", err)
	}
	if d.cfg.SouthernHemisphere {
		lat = -lat
	}
	if d.cfg.WesternHemisphere {
		lon = -lon
	}

	var gdate GPSDate
	var gtime GPSTime
	if hh, mm, ss, ok := bcdTriple(hexStr, 12); ok {
		gtime = GPSTime{Hour: hh, Minute: mm, Second: ss, Valid: true}
	}
	if dd, mo, yy, ok := bcdTriple(hexStr, 18); ok {
		gdate = GPSDate{Day: dd, Month: mo, YearOfCentury: yy, Valid: true}
	}

	speed, heading := scanSpeedHeading(hexStr)

	return &PositionReport{
		DeviceID:  deviceIDFromHex(hexStr),
		ShortID:   shortIDFromHex(hexStr),
		Protocol:  ProtocolBinaryTQ,
		Latitude:  lat,
		Longitude: lon,
		SpeedKmh:  speed,
		Heading:   heading,
		Date:      gdate,
		Time:      gtime,
		ReceivedAt: now,
		RawHex:    hexStr,
	}, nil
}

// bcdTriple reads three consecutive BCD-as-hex byte pairs starting at hex
// character offset off, e.g. offset 12 for HH,MM,SS.
func bcdTriple(hexStr string, off int) (a, b, c int, ok bool) {
	if len(hexStr) < off+6 {
		return 0, 0, 0, false
	}
	av, err1 := strconv.ParseInt(hexStr[off:off+2], 10, 32)
	bv, err2 := strconv.ParseInt(hexStr[off+2:off+4], 10, 32)
	cv, err3 := strconv.ParseInt(hexStr[off+4:off+6], 10, 32)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0, false
	}
	return int(av), int(bv), int(cv), true
}

// scanSpeedHeading walks non-overlapping 2-byte windows from hex offset 44
// (the first byte past the longitude digit field) looking for the first
// value in the valid speed range (0-200 km/h) and, independently, the first
// in the valid heading range (0-360 degrees). This mirrors the device
// firmware's own lack of a fixed field position for these two values; when
// the scan finds nothing the fixed fallback offsets observed in older
// firmware are used instead.
func scanSpeedHeading(hexStr string) (speed, heading float64) {
	speedFound, headingFound := false, false
	for i := 44; i+4 <= len(hexStr); i += 4 {
		v, err := strconv.ParseInt(hexStr[i:i+4], 16, 64)
		if err != nil {
			continue
		}
		if !speedFound && v >= 0 && v <= 200 {
			speed = float64(v)
			speedFound = true
		}
		if !headingFound && v >= 0 && v <= 360 {
			heading = float64(v)
			headingFound = true
		}
		if speedFound && headingFound {
			break
		}
	}
	// TODO(fixed-offset fallback): older firmware without a scannable window
	// places speed at hex[44:46] and heading at hex[46:50]; only fall back
	// when the scan truly found nothing, to avoid masking a valid zero.
	if !speedFound && len(hexStr) >= 46 {
		if v, err := strconv.ParseInt(hexStr[44:46], 16, 64); err == nil {
			speed = float64(v)
		}
	}
	if !headingFound && len(hexStr) >= 50 {
		if v, err := strconv.ParseInt(hexStr[46:50], 16, 64); err == nil {
			heading = float64(v)
		}
	}
	return speed, heading
}

// decodeNMEA parses the `*HQ,...#` ASCII frame. Field indices below are
// 0-based into the comma-split body (after stripping the leading '*' and
// trailing '#'), cross-checked against a worked example in the protocol
// notes: field 1 is the device id, field 3 the time, fields 5-8 the
// lat/lon with hemisphere letters, field 9 the speed in knots, and field
// 11 the date, when present.
func decodeNMEA(raw []byte, now time.Time) (*PositionReport, error) {
	body := string(raw)
	body = strings.TrimPrefix(body, "*")
	body = strings.TrimSuffix(body, "#")
	parts := strings.Split(body, ",")
	if len(parts) < 10 {
		return nil, fmt.Errorf("codec: NMEA frame has %d fields, want >= 10", len(parts))
	}

	deviceID := parts[1]
	short := deviceID
	if len(short) >= 5 {
		short = short[len(short)-5:]
	}

	var gtime GPSTime
	if t := parts[3]; len(t) == 6 {
		hh, e1 := strconv.Atoi(t[0:2])
		mm, e2 := strconv.Atoi(t[2:4])
		ss, e3 := strconv.Atoi(t[4:6])
		if e1 == nil && e2 == nil && e3 == nil {
			gtime = GPSTime{Hour: hh, Minute: mm, Second: ss, Valid: true}
		}
	}

	var gdate GPSDate
	if len(parts) > 11 {
		if dstr := parts[11]; len(dstr) == 6 {
			dd, e1 := strconv.Atoi(dstr[0:2])
			mo, e2 := strconv.Atoi(dstr[2:4])
			yy, e3 := strconv.Atoi(dstr[4:6])
			if e1 == nil && e2 == nil && e3 == nil {
				gdate = GPSDate{Day: dd, Month: mo, YearOfCentury: yy, Valid: true}
			}
		}
	}

	lat, err := parseDegMin(parts[5], 2)
	if err != nil {
		return nil, fmt.Errorf("codec: parse NMEA latitude: %w", err)
	}
	if strings.EqualFold(parts[6], "S") {
		lat = -lat
	}
	lon, err := parseDegMin(parts[7], 3)
	if err != nil {
		return nil, fmt.Errorf("codec: parse NMEA longitude: %w", err)
	}
	if strings.EqualFold(parts[8], "W") {
		lon = -lon
	}

	speedKnots, _ := strconv.ParseFloat(parts[9], 64)
	speedKmh := speedKnots * 1.852

	return &PositionReport{
		DeviceID:   DeviceID(deviceID),
		ShortID:    ShortID(short),
		Protocol:   ProtocolNMEA,
		Latitude:   lat,
		Longitude:  lon,
		SpeedKmh:   speedKmh,
		Date:       gdate,
		Time:       gtime,
		ReceivedAt: now,
		RawHex:     hex.EncodeToString(raw),
	}, nil
}

// parseDegMin parses a DDMM.MMMM (or DDDMM.MMMM) coordinate string into
// signless decimal degrees, where degDigits is the number of leading digits
// that form the whole-degree part.
func parseDegMin(s string, degDigits int) (float64, error) {
	if len(s) <= degDigits {
		return 0, fmt.Errorf("coordinate field too short: %q", s)
	}
	degrees, err := strconv.Atoi(s[:degDigits])
	if err != nil {
		return 0, err
	}
	minutes, err := strconv.ParseFloat(s[degDigits:], 64)
	if err != nil {
		return 0, err
	}
	return float64(degrees) + minutes/60.0, nil
}

// parseDegMinDigits parses a coordinate embedded as plain decimal digits
// with no decimal point, as the binary TQ frame carries it: degDigits
// whole-degree digits, followed by 2 whole-minute digits and 4 fractional
// minute digits (i.e. the same DDMM.MMMM / DDDMM.MMMM layout as the RPG
// text fields, with the decimal point implied rather than written).
func parseDegMinDigits(digits string, degDigits int) (float64, error) {
	if len(digits) != degDigits+6 {
		return 0, fmt.Errorf("coordinate digit field wrong length: %q", digits)
	}
	degrees, err := strconv.Atoi(digits[:degDigits])
	if err != nil {
		return 0, err
	}
	minWhole, err := strconv.Atoi(digits[degDigits : degDigits+2])
	if err != nil {
		return 0, err
	}
	minFrac, err := strconv.Atoi(digits[degDigits+2:])
	if err != nil {
		return 0, err
	}
	minutes := float64(minWhole) + float64(minFrac)/10000.0
	return float64(degrees) + minutes/60.0, nil
}

// BuildRPG assembles the ASCII RPG frame for an accepted position report,
// per the grammar:
//
//	">RGP" DDMMYY HHMMSS LAT LON SPEED HEADING STATUS
//	  "000001;&01;ID=" shortId ";#0001*" CHK "<"
func BuildRPG(r *PositionReport) string {
	date := fmt.Sprintf("%02d%02d%02d", r.Date.Day, r.Date.Month, r.Date.YearOfCentury)
	tm := fmt.Sprintf("%02d%02d%02d", r.Time.Hour, r.Time.Minute, r.Time.Second)

	latSign := ""
	if r.Latitude < 0 {
		latSign = "-"
	}
	latDeg := int(math.Abs(r.Latitude))
	latMin := (math.Abs(r.Latitude) - float64(latDeg)) * 60
	latStr := fmt.Sprintf("%s%02d%07.4f", latSign, latDeg, latMin)

	lonSign := ""
	if r.Longitude < 0 {
		lonSign = "-"
	}
	lonDeg := int(math.Abs(r.Longitude))
	lonMin := (math.Abs(r.Longitude) - float64(lonDeg)) * 60
	lonStr := fmt.Sprintf("%s%03d%07.4f", lonSign, lonDeg, lonMin)

	status := "0"
	if math.Abs(r.Latitude) >= 1e-6 || math.Abs(r.Longitude) >= 1e-6 {
		status = "1"
	}

	body := fmt.Sprintf(">RGP%s%s%s%s%03d%03d%s000001;&01;ID=%s;#0001*",
		date, tm, latStr, lonStr, clampInt(r.SpeedKmh, 0, 999), clampInt(r.Heading, 0, 359), status, string(r.ShortID))

	return body + checksumHex(body) + "<"
}

func clampInt(v float64, lo, hi int) int {
	n := int(math.Round(v))
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// Checksum XOR-folds every byte of frame from its first character through
// and including the first '*', returning the raw fold value.
func Checksum(frame string) (byte, error) {
	idx := strings.IndexByte(frame, '*')
	if idx < 0 {
		return 0, fmt.Errorf("codec: frame has no '*' to checksum up to")
	}
	acc := frame[0]
	for i := 1; i <= idx; i++ {
		acc ^= frame[i]
	}
	return acc, nil
}

func checksumHex(body string) string {
	sum, err := Checksum(body)
	if err != nil {
		return "00"
	}
	return fmt.Sprintf("%02X", sum)
}

// VerifyChecksum reports whether frame (a full ">RGP...*XX<" string) carries
// a correct trailing checksum. Used by the gateway's "checksum" REPL command.
func VerifyChecksum(frame string) (bool, error) {
	star := strings.IndexByte(frame, '*')
	if star < 0 || star+3 > len(frame) {
		return false, fmt.Errorf("codec: malformed frame, no checksum suffix")
	}
	want := frame[star+1 : star+3]
	got, err := Checksum(frame[:star+1])
	if err != nil {
		return false, err
	}
	return strings.EqualFold(want, fmt.Sprintf("%02X", got)), nil
}
