// Copyright 2023 The go-firecell Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package firecell

import (
	"fmt"
	"math"
	"time"
)

// InvalidTimestampError reports out of range timestamp components.
type InvalidTimestampError struct {
	Hours, Minutes, Seconds, Deciseconds int
}

func (e *InvalidTimestampError) Error() string {
	return fmt.Sprintf("timestamp %d:%d:%d.%d out of range",
		e.Hours, e.Minutes, e.Seconds, e.Deciseconds)
}

// Timestamp is an offset into a program with decisecond resolution. It is
// immutable.
type Timestamp struct {
	hours       int
	minutes     int
	seconds     int
	deciseconds int
}

// NewTimestamp builds a validated timestamp.
func NewTimestamp(hours, minutes, seconds, deciseconds int) (Timestamp, error) {
	if hours < 0 ||
		minutes < 0 || minutes > 59 ||
		seconds < 0 || seconds > 59 ||
		deciseconds < 0 || deciseconds > 9 {
		return Timestamp{}, &InvalidTimestampError{
			Hours:       hours,
			Minutes:     minutes,
			Seconds:     seconds,
			Deciseconds: deciseconds,
		}
	}
	return Timestamp{hours, minutes, seconds, deciseconds}, nil
}

// TimestampFromSeconds splits a fractional second count into components,
// truncating below one decisecond.
func TimestampFromSeconds(total float64) (Timestamp, error) {
	if total < 0 {
		return Timestamp{}, &InvalidTimestampError{Hours: -1}
	}
	whole := int(total)
	ds := int(math.Round((total - float64(whole)) * 10))
	if ds == 10 {
		whole++
		ds = 0
	}
	minutes, seconds := whole/60, whole%60
	hours, minutes := minutes/60, minutes%60
	return NewTimestamp(hours, minutes, seconds, ds)
}

// Hours is the hour component.
func (t Timestamp) Hours() int { return t.hours }

// Minutes is the minute component, 0..59.
func (t Timestamp) Minutes() int { return t.minutes }

// Seconds is the second component, 0..59.
func (t Timestamp) Seconds() int { return t.seconds }

// Deciseconds is the decisecond component, 0..9.
func (t Timestamp) Deciseconds() int { return t.deciseconds }

// TotalSeconds flattens the timestamp. Two timestamps are equal iff their
// TotalSeconds are.
func (t Timestamp) TotalSeconds() float64 {
	return float64(t.hours)*3600 + float64(t.minutes)*60 +
		float64(t.seconds) + float64(t.deciseconds)/10
}

// Offset is the timestamp as a wall clock duration.
func (t Timestamp) Offset() time.Duration {
	return time.Duration(t.hours)*time.Hour +
		time.Duration(t.minutes)*time.Minute +
		time.Duration(t.seconds)*time.Second +
		time.Duration(t.deciseconds)*100*time.Millisecond
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%02d:%02d:%02d.%d",
		t.hours, t.minutes, t.seconds, t.deciseconds)
}
