package factory

import (
	"fmt"
	"testing"
)

func TestOpenSelectsBackend(t *testing.T) {
	cases := []struct {
		dsn  string
		want string
	}{
		{"postgres://remold@localhost/remold", "*postgres.DB"},
		{"POSTGRESQL://remold@localhost/remold", "*postgres.DB"},
		{"sqlite://:memory:", "*sqlite.DB"},
		{":memory:", "*sqlite.DB"},
		{"  sqlite://:memory:  ", "*sqlite.DB"},
	}
	for _, tc := range cases {
		st, err := Open(tc.dsn)
		if err != nil {
			t.Fatalf("Open(%q): %v", tc.dsn, err)
		}
		if got := fmt.Sprintf("%T", st); got != tc.want {
			t.Fatalf("Open(%q) = %s, want %s", tc.dsn, got, tc.want)
		}
		_ = st.Close()
	}
}

func TestOpenRejectsEmptyDSN(t *testing.T) {
	if _, err := Open("   "); err == nil {
		t.Fatalf("blank DSN accepted")
	}
}
