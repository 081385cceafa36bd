// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package mbmaster

import "github.com/sigurn/crc16"

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// crc accumulates a Modbus CRC-16 (poly 0xA001 reflected, init 0xFFFF).
type crc struct {
	sum uint16
}

func (c *crc) reset() *crc {
	c.sum = crc16.Init(crcTable)
	return c
}

func (c *crc) pushBytes(bs []byte) *crc {
	c.sum = crc16.Update(c.sum, bs, crcTable)
	return c
}

func (c *crc) value() uint16 {
	return crc16.Complete(c.sum, crcTable)
}

// CRC16 returns the Modbus CRC-16 of b. On the wire it is sent low byte
// first, so a frame with its checksum appended has a CRC16 of zero.
func CRC16(b []byte) uint16 {
	var c crc
	return c.reset().pushBytes(b).value()
}
