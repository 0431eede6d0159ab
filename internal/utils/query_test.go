package utils

import (
	"reflect"
	"testing"
	"time"
)

func TestSplitCSV(t *testing.T) {
	cases := map[string][]string{
		"":              nil,
		"  ":            nil,
		"acme":          {"acme"},
		" acme, ,beta ": {"acme", "beta"},
		",,":            {},
	}
	for in, want := range cases {
		if got := SplitCSV(in); !reflect.DeepEqual(got, want) {
			t.Fatalf("SplitCSV(%q) = %#v; want %#v", in, got, want)
		}
	}
}

func TestParseTime(t *testing.T) {
	if got, err := ParseTime("", false); got != nil || err != nil {
		t.Fatalf("empty: got %v, %v", got, err)
	}

	got, err := ParseTime("2024-03-01T10:00:00+02:00", false)
	if err != nil || !got.Equal(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)) || got.Location() != time.UTC {
		t.Fatalf("rfc3339: got %v, %v", got, err)
	}

	start, err := ParseTime("2024-03-01", false)
	if err != nil || !start.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("date start: got %v, %v", start, err)
	}
	end, err := ParseTime("2024-03-01", true)
	if err != nil || !end.Equal(time.Date(2024, 3, 1, 23, 59, 59, 999999999, time.UTC)) {
		t.Fatalf("date end: got %v, %v", end, err)
	}

	for _, bad := range []string{"yesterday", "2024-13-01", "01/03/2024"} {
		if _, err := ParseTime(bad, false); err != ErrBadTime {
			t.Fatalf("ParseTime(%q) err = %v; want ErrBadTime", bad, err)
		}
	}
}
