package codec

import (
	"encoding/hex"
	"strings"
	"testing"
	"time"
)

func mustDecodeHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

func TestClassifyBinaryTQ(t *testing.T) {
	buf := mustDecodeHex("24207666813317442103092534391355060583202802002297ffffdfff00001c6a00000000000000df54000009")
	d := NewDecoder(Config{SouthernHemisphere: true, WesternHemisphere: true})
	res := d.Decode(buf, time.Now())
	if res.Kind != KindFrame {
		t.Fatalf("Kind = %v, want KindFrame (err=%v)", res.Kind, res.Err)
	}
	if res.Report.ShortID != "68133" {
		t.Errorf("ShortID = %q, want 68133", res.Report.ShortID)
	}
	if res.Report.DeviceID != "2076668133" {
		t.Errorf("DeviceID = %q, want 2076668133", res.Report.DeviceID)
	}
	if !res.Report.Time.Valid || res.Report.Time.Hour != 17 || res.Report.Time.Minute != 44 || res.Report.Time.Second != 21 {
		t.Errorf("Time = %+v, want 17:44:21", res.Report.Time)
	}
	if !res.Report.Date.Valid || res.Report.Date.Day != 3 || res.Report.Date.Month != 9 || res.Report.Date.YearOfCentury != 25 {
		t.Errorf("Date = %+v, want 03/09/25", res.Report.Date)
	}
	wantLat := -(34.0 + 39.1355/60.0)
	if diff := res.Report.Latitude - wantLat; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("Latitude = %v, want %v", res.Report.Latitude, wantLat)
	}
	wantLon := -(58.0 + 32.0280/60.0)
	if diff := res.Report.Longitude - wantLon; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("Longitude = %v, want %v", res.Report.Longitude, wantLon)
	}
}

// TestS1HappyPathBinaryTQ decodes the spec's worked binary-TQ example end to
// end and checks the resulting RPG frame against its documented prefix,
// matching what would reach the UDP platform sink.
func TestS1HappyPathBinaryTQ(t *testing.T) {
	buf := mustDecodeHex("24207666813317442103092534391355060583202802002297ffffdfff00001c6a00000000000000df54000009")
	d := NewDecoder(Config{SouthernHemisphere: true, WesternHemisphere: true})
	res := d.Decode(buf, time.Now())
	if res.Kind != KindFrame {
		t.Fatalf("Kind = %v, want KindFrame (err=%v)", res.Kind, res.Err)
	}
	if res.Report.Latitude < -90 || res.Report.Latitude > 90 {
		t.Fatalf("Latitude = %v, violates -90..90 invariant", res.Report.Latitude)
	}

	frame := BuildRPG(res.Report)
	const wantPrefix = ">RGP030925174421-3439.1355-05832.0280"
	if !strings.HasPrefix(frame, wantPrefix) {
		t.Fatalf("frame = %q, want prefix %q", frame, wantPrefix)
	}
	if !strings.Contains(frame, ";ID=68133;") {
		t.Fatalf("frame = %q, missing ;ID=68133;", frame)
	}
	ok, err := VerifyChecksum(frame)
	if err != nil || !ok {
		t.Fatalf("VerifyChecksum(%q) = %v, %v, want true, nil", frame, ok, err)
	}
}

func TestClassifyRegistration(t *testing.T) {
	// Protocol byte (hex positions 6-7) forced to "01".
	buf := mustDecodeHex("24207601813317442103092534391355060583202802002297ffffdfff00001c6a00000000000000df54000009")
	d := NewDecoder(Config{})
	res := d.Decode(buf, time.Now())
	if res.Kind != KindRegistration {
		t.Fatalf("Kind = %v, want KindRegistration", res.Kind)
	}
	if res.ShortID != "18133" {
		t.Errorf("ShortID = %q, want 18133", res.ShortID)
	}
}

func TestClassifyUnrecognized(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("short"),
		mustDecodeHex("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20212223242526272829"),
	}
	d := NewDecoder(Config{})
	for _, buf := range cases {
		res := d.Decode(buf, time.Now())
		if res.Kind != KindIgnore {
			t.Errorf("Decode(%x) Kind = %v, want KindIgnore", buf, res.Kind)
		}
	}
}

func TestDecodeNMEA(t *testing.T) {
	frame := []byte("*HQ,2076668133,V1,224024,A,3438.2205,S,05832.7106,W,000.00,000,290825,FFFFF9FF,000,00,000000,00000#")
	d := NewDecoder(Config{})
	res := d.Decode(frame, time.Now())
	if res.Kind != KindFrame {
		t.Fatalf("Kind = %v, want KindFrame (err=%v)", res.Kind, res.Err)
	}
	r := res.Report
	if r.ShortID != "68133" {
		t.Errorf("ShortID = %q, want 68133", r.ShortID)
	}
	if !r.Time.Valid || r.Time.Hour != 22 || r.Time.Minute != 40 || r.Time.Second != 24 {
		t.Errorf("Time = %+v, want 22:40:24", r.Time)
	}
	if !r.Date.Valid || r.Date.Day != 29 || r.Date.Month != 8 || r.Date.YearOfCentury != 25 {
		t.Errorf("Date = %+v, want 29/08/25", r.Date)
	}
	wantLat := -(34.0 + 38.2205/60.0)
	if diff := r.Latitude - wantLat; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("Latitude = %v, want %v", r.Latitude, wantLat)
	}
	wantLon := -(58.0 + 32.7106/60.0)
	if diff := r.Longitude - wantLon; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("Longitude = %v, want %v", r.Longitude, wantLon)
	}
}

func TestDecodeNMEATooFewFields(t *testing.T) {
	frame := []byte("*HQ,1,2#")
	d := NewDecoder(Config{})
	res := d.Decode(frame, time.Now())
	if res.Kind != KindError {
		t.Fatalf("Kind = %v, want KindError (a framed *...# message with too few fields is NMEA that fails to parse)", res.Kind)
	}
}

func TestBuildRPGRoundTrip(t *testing.T) {
	r := &PositionReport{
		ShortID:   "68133",
		Latitude:  -(34.0 + 39.1355/60.0),
		Longitude: -(58.0 + 32.0280/60.0),
		SpeedKmh:  12,
		Heading:   90,
		Date:      GPSDate{Day: 3, Month: 9, YearOfCentury: 25, Valid: true},
		Time:      GPSTime{Hour: 17, Minute: 44, Second: 21, Valid: true},
	}
	frame := BuildRPG(r)

	if !strings.HasPrefix(frame, ">RGP030925174421-3439.1355-05832.0280") {
		t.Fatalf("frame = %q, unexpected prefix", frame)
	}
	if !strings.Contains(frame, ";ID=68133;#0001*") {
		t.Fatalf("frame = %q, missing ID/message-number suffix", frame)
	}
	if !strings.HasSuffix(frame, "<") {
		t.Fatalf("frame = %q, missing trailing '<'", frame)
	}
	ok, err := VerifyChecksum(frame)
	if err != nil {
		t.Fatalf("VerifyChecksum: %v", err)
	}
	if !ok {
		t.Errorf("VerifyChecksum(%q) = false, want true", frame)
	}
}

func TestChecksumKnownVector(t *testing.T) {
	// >RGP121116125537-3456.0510-05759.56090000283000001;&08;ID=0107;#0090*
	body := ">RGP121116125537-3456.0510-05759.56090000283000001;&08;ID=0107;#0090*"
	got, err := Checksum(body)
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}
	if want := "57"; strings.ToUpper(hex.EncodeToString([]byte{got})) != want {
		t.Errorf("Checksum = %02X, want %s", got, want)
	}
}

func TestVerifyChecksumDetectsCorruption(t *testing.T) {
	r := &PositionReport{ShortID: "00001", Date: GPSDate{Valid: true}, Time: GPSTime{Valid: true}}
	frame := BuildRPG(r)
	corrupted := strings.Replace(frame, "ID=00001", "ID=00002", 1)
	ok, err := VerifyChecksum(corrupted)
	if err != nil {
		t.Fatalf("VerifyChecksum: %v", err)
	}
	if ok {
		t.Errorf("VerifyChecksum(%q) = true, want false after corruption", corrupted)
	}
}

func FuzzDecodeNeverPanics(f *testing.F) {
	f.Add(mustDecodeHex("24207666813317442103092534391355060583202802002297ffffdfff00001c6a00000000000000df54000009"))
	f.Add([]byte("*HQ,2076668133,V1,224024,A,3438.2205,S,05832.7106,W,000.00,000,290825,FFFFF9FF,000,00,000000,00000#"))
	f.Add([]byte("garbage"))
	f.Add([]byte(nil))

	d := NewDecoder(Config{SouthernHemisphere: true, WesternHemisphere: true})
	f.Fuzz(func(t *testing.T, buf []byte) {
		res := d.Decode(buf, time.Now())
		switch res.Kind {
		case KindFrame:
			if res.Report == nil {
				t.Errorf("KindFrame with nil Report")
			}
		case KindError:
			if res.Err == nil {
				t.Errorf("KindError with nil Err")
			}
		}
	})
}

func FuzzBuildRPGAlwaysChecksums(f *testing.F) {
	f.Add(-34.6, -58.5, 10.0, 90.0, "68133")
	f.Fuzz(func(t *testing.T, lat, lon, speed, heading float64, shortID string) {
		var clean strings.Builder
		for _, r := range shortID {
			if r >= '0' && r <= '9' {
				clean.WriteRune(r)
			}
		}
		r := &PositionReport{
			ShortID:   ShortID(clean.String()),
			Latitude:  lat,
			Longitude: lon,
			SpeedKmh:  speed,
			Heading:   heading,
			Date:      GPSDate{Valid: true},
			Time:      GPSTime{Valid: true},
		}
		frame := BuildRPG(r)
		if !strings.HasPrefix(frame, ">RGP") || !strings.HasSuffix(frame, "<") {
			t.Fatalf("frame %q missing envelope", frame)
		}
		if ok, err := VerifyChecksum(frame); err != nil || !ok {
			t.Fatalf("VerifyChecksum(%q) = %v, %v, want true, nil", frame, ok, err)
		}
	})
}
