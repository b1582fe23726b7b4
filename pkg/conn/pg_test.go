package conn

import "testing"

func TestOptionDSN(t *testing.T) {
	testCases := []struct {
		desc string
		opt  Option
		want string
	}{
		{"defaults", Option{}, "postgres://localhost:5432?sslmode=disable"},
		{"full", Option{Host: "db", Port: 5433, User: "hft", Password: "pw", Database: "journal", SSLMode: "require"},
			"postgres://hft:pw@db:5433/journal?sslmode=require"},
		{"conn string wins", Option{ConnString: "postgres://x", Host: "ignored"}, "postgres://x"},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			if got := tc.opt.dsn(); got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}
