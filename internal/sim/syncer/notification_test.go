package syncer

import (
	"errors"
	"testing"
)

func TestDecode(t *testing.T) {
	n, err := Decode("simulation", `{"table":"entities","operation":"delete","id":42}`)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if want := (Notification{Table: TableEntities, Operation: OpDelete, ID: 42}); n != want {
		t.Fatalf("got=%+v want=%+v", n, want)
	}

	// Postgres renders json_build_object with spaces around colons.
	n, err = Decode("simulation", `{"table" : "settings", "operation" : "update", "id" : 3}`)
	if err != nil || n.Table != TableSpecies || n.ID != 3 {
		t.Fatalf("got=%+v err=%v", n, err)
	}
}

func TestDecode_Rejects(t *testing.T) {
	cases := []struct {
		name, channel, payload string
		want                   error
	}{
		{"other channel", "weather", `{"table":"entities","operation":"insert","id":1}`, ErrIgnoredChannel},
		{"not json", "simulation", `{"table":`, ErrMalformed},
		{"unknown op", "simulation", `{"table":"entities","operation":"upsert","id":1}`, ErrMalformed},
		{"missing id", "simulation", `{"table":"entities","operation":"insert"}`, ErrMalformed},
		{"fractional id", "simulation", `{"table":"entities","operation":"insert","id":1.5}`, ErrMalformed},
		{"empty table", "simulation", `{"table":"","operation":"insert","id":1}`, ErrMalformed},
		{"array", "simulation", `[1,2]`, ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.channel, tc.payload); !errors.Is(err, tc.want) {
				t.Fatalf("err=%v want %v", err, tc.want)
			}
		})
	}
}
