// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package mbmaster

import "time"

const (
	// Start, 8 data, parity (or second stop) and stop bit.
	bitsPerChar = 11

	highSpeedBaudRate = 19200
	// Fixed t3.5 above 19200 baud.
	highSpeedInterFrame = 1750 * time.Microsecond

	defaultTick = 50 * time.Microsecond
)

// interFrameTicks returns the t3.5 silence in timer ticks of length tick.
// See MODBUS over Serial Line - Specification and Implementation Guide (page 13).
//
// At or below 19200 baud it is 7*K / (2*baudRate) where K is the tick
// rate multiplied by the bits of one character.
func interFrameTicks(baudRate int, tick time.Duration) uint32 {
	if tick <= 0 {
		tick = defaultTick
	}
	if baudRate <= 0 || baudRate > highSpeedBaudRate {
		return uint32(highSpeedInterFrame / tick)
	}
	k := uint64(time.Second/tick) * bitsPerChar
	return uint32(7 * k / (2 * uint64(baudRate)))
}

// frameDelay is interFrameTicks expressed as a duration.
func frameDelay(baudRate int, tick time.Duration) time.Duration {
	if tick <= 0 {
		tick = defaultTick
	}
	return time.Duration(interFrameTicks(baudRate, tick)) * tick
}

// transmitDuration roughly calculates how long n characters occupy the line.
func transmitDuration(baudRate int, n int) time.Duration {
	if baudRate <= 0 {
		return 0
	}
	return time.Duration(n) * bitsPerChar * time.Second / time.Duration(baudRate)
}
