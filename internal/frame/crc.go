package frame

import "encoding/binary"

// CRC791 is the RFC 791 internet checksum: the ones' complement of the ones'
// complement sum of all 16 bit words. An odd trailing octet is padded with a
// zero low byte. The zero value is ready to use.
type CRC791 struct {
	sum  uint32
	odd  bool
	last byte
}

// Write adds the bytes in buff to the running checksum. It never fails.
func (c *CRC791) Write(buff []byte) (n int, err error) {
	n = len(buff)
	if n == 0 {
		return 0, nil
	}
	if c.odd {
		c.sum += uint32(c.last)<<8 | uint32(buff[0])
		buff = buff[1:]
		c.odd = false
	}
	for len(buff) > 1 {
		c.sum += uint32(binary.BigEndian.Uint16(buff))
		buff = buff[2:]
	}
	if len(buff) == 1 {
		c.odd = true
		c.last = buff[0]
	}
	return n, nil
}

// AddUint16 adds v as two big endian bytes.
func (c *CRC791) AddUint16(v uint16) {
	if !c.odd {
		c.sum += uint32(v)
		return
	}
	c.Write([]byte{byte(v >> 8), byte(v)})
}

// Sum16 returns the checksum of the data written so far.
func (c *CRC791) Sum16() uint16 {
	sum := c.sum
	if c.odd {
		sum += uint32(c.last) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return uint16(^sum)
}

func (c *CRC791) Reset() { *c = CRC791{} }
