// Package magic are the magic numbers
package magic

const (
	Index   = 0x10 // 0b0001
	Data    = 0x20 // 0b0010
	Bigdata = 0x60 // 0b0110
	Bucket  = 0x50 // 0b0101
	Head    = 0x90 // 0b1001
)
