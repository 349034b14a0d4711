// Copyright 2023 The go-firecell Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package firecell

import (
	"errors"
	"testing"
	"time"
)

func TestTimestamp(t *testing.T) {
	ts, err := NewTimestamp(1, 2, 3, 4)
	if err != nil {
		t.Fatal(err)
	}
	if got := ts.TotalSeconds(); got != 3723.4 {
		t.Fatalf("total seconds: %g", got)
	}
	if got := ts.Offset(); got != time.Hour+2*time.Minute+3*time.Second+400*time.Millisecond {
		t.Fatalf("offset: %s", got)
	}
	if got := ts.String(); got != "01:02:03.4" {
		t.Fatalf("string: %q", got)
	}
}

func TestTimestampValidation(t *testing.T) {
	data := [][4]int{
		{-1, 0, 0, 0},
		{0, 60, 0, 0},
		{0, -1, 0, 0},
		{0, 0, 60, 0},
		{0, 0, 0, 10},
		{0, 0, 0, -1},
	}
	for _, line := range data {
		_, err := NewTimestamp(line[0], line[1], line[2], line[3])
		var tsErr *InvalidTimestampError
		if !errors.As(err, &tsErr) {
			t.Fatalf("%v: want InvalidTimestampError, got %v", line, err)
		}
	}
}

func TestTimestampFromSeconds(t *testing.T) {
	data := []struct {
		total float64
		want  string
	}{
		{0, "00:00:00.0"},
		{0.5, "00:00:00.5"},
		{59.9, "00:00:59.9"},
		{60, "00:01:00.0"},
		{3723.4, "01:02:03.4"},
		{7322.9999, "02:02:03.0"},
	}
	for _, line := range data {
		ts, err := TimestampFromSeconds(line.total)
		if err != nil {
			t.Fatalf("%g: %s", line.total, err)
		}
		if got := ts.String(); got != line.want {
			t.Fatalf("%g: got %s, want %s", line.total, got, line.want)
		}
	}
}

func TestTimestampEquality(t *testing.T) {
	a, _ := NewTimestamp(0, 1, 30, 0)
	b, _ := TimestampFromSeconds(90)
	if a.TotalSeconds() != b.TotalSeconds() {
		t.Fatalf("%s != %s", a, b)
	}
}
