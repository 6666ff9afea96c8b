package auth

import (
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/csctl/internal/testutil/testlog"
)

func TestSharedSecretValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty secret denied", stored: "", input: "", wantErr: ErrUnauthorized},
		{name: "mismatched secret denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "prefix denied", stored: "abcdef", input: "abc", wantErr: ErrUnauthorized},
		{name: "matching secret accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (SharedSecret{Secret: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestFuncValidator(t *testing.T) {
	testlog.Start(t)
	validator := FuncValidator(func(token string) error {
		if token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})

	if err := validator.Validate("bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad token, got %v", err)
	}
	if err := validator.Validate("ok"); err != nil {
		t.Fatalf("expected success for ok token, got %v", err)
	}
}

func TestHeaderToken(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"":               "",
		"secret":         "secret",
		"Bearer secret":  "secret",
		"bearer  secret ": "secret",
	}
	for in, want := range cases {
		if got := HeaderToken(in); got != want {
			t.Fatalf("HeaderToken(%q) = %q, want %q", in, got, want)
		}
	}
}

// Rejection time must not depend on where a same-length guess diverges.
func TestSharedSecretRejectionTimingIsPositionIndependent(t *testing.T) {
	testlog.Start(t)
	if testing.Short() {
		t.Skip("timing comparison skipped in short mode")
	}
	secret := strings.Repeat("s", 64)
	early := "x" + secret[1:]
	late := secret[:63] + "x"
	v := SharedSecret{Secret: secret}

	measure := func(token string) time.Duration {
		const rounds = 41
		const iterations = 2000
		samples := make([]time.Duration, 0, rounds)
		for r := 0; r < rounds; r++ {
			start := time.Now()
			for i := 0; i < iterations; i++ {
				_ = v.Validate(token)
			}
			samples = append(samples, time.Since(start))
		}
		sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
		return samples[rounds/2]
	}

	a := measure(early)
	b := measure(late)
	ratio := float64(a) / float64(b)
	if ratio < 0.5 || ratio > 2.0 {
		t.Fatalf("rejection timing depends on mismatch position: early=%v late=%v", a, b)
	}
}
