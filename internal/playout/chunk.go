package playout

// ChunkType distinguishes how a chunk's data area is subdivided.
type ChunkType uint8

const (
	ChunkTypeUnused ChunkType = iota
	// ChunkTypeBase is a single, unsplit allocation spanning size_idx
	// whole chunks.
	ChunkTypeBase
	// ChunkTypeRun is a chunk subdivided by a bitmap into units of one
	// size class.
	ChunkTypeRun
	// ChunkTypeBitmap is an alias kept for the spec's {BASE,RUN,BITMAP}
	// vocabulary: a run chunk whose unit bitmap lives in the chunk's own
	// data area (as opposed to a hypothetical out-of-band bitmap). This
	// module only ever produces this flavor of run chunk, so
	// ChunkTypeBitmap and ChunkTypeRun are handled identically.
	ChunkTypeBitmap = ChunkTypeRun
)

// ChunkFlags are the per-chunk-header flag bits (spec §3).
type ChunkFlags uint8

const (
	ChunkFlagUsed ChunkFlags = 1 << iota
	ChunkFlagZeroed
)

func (f ChunkFlags) Has(bit ChunkFlags) bool { return f&bit != 0 }

// ChunkHeader is the 16-byte on-media chunk header.
//
// Layout:
//
//	[0:2)   magic
//	[2:4)   aux -- type-specific word (run chunks store their class id)
//	[4:5)   type
//	[5:6)   flags
//	[6:8)   reserved
//	[8:12)  size_idx -- number of chunks this header's allocation spans
//	[12:16) reserved
type ChunkHeader [ChunkHeaderSize]byte

const (
	chunkOffMagic = 0
	chunkOffAux   = 2
	chunkOffType  = 4
	chunkOffFlags = 5
	chunkOffSize  = 8
)

func (c *ChunkHeader) Magic() uint16 { return order.Uint16(c[chunkOffMagic:]) }
func (c *ChunkHeader) setMagic()     { order.PutUint16(c[chunkOffMagic:], ChunkMagic) }
func (c *ChunkHeader) VerifyMagic() bool { return c.Magic() == ChunkMagic }

func (c *ChunkHeader) Aux() uint16     { return order.Uint16(c[chunkOffAux:]) }
func (c *ChunkHeader) SetAux(v uint16) { order.PutUint16(c[chunkOffAux:], v) }

func (c *ChunkHeader) Type() ChunkType     { return ChunkType(c[chunkOffType]) }
func (c *ChunkHeader) SetType(t ChunkType) { c[chunkOffType] = byte(t) }

func (c *ChunkHeader) Flags() ChunkFlags     { return ChunkFlags(c[chunkOffFlags]) }
func (c *ChunkHeader) SetFlags(f ChunkFlags) { c[chunkOffFlags] = byte(f) }

func (c *ChunkHeader) SizeIdx() uint32     { return order.Uint32(c[chunkOffSize:]) }
func (c *ChunkHeader) SetSizeIdx(v uint32) { order.PutUint32(c[chunkOffSize:], v) }

// Init formats a fresh chunk header in place.
func (c *ChunkHeader) Init(typ ChunkType, sizeIdx uint32) {
	for i := range c {
		c[i] = 0
	}
	c.setMagic()
	c.SetType(typ)
	c.SetSizeIdx(sizeIdx)
}

// IsUsed reports whether the USED flag is set.
func (c *ChunkHeader) IsUsed() bool { return c.Flags().Has(ChunkFlagUsed) }

// SetUsed sets or clears the USED flag.
func (c *ChunkHeader) SetUsed(used bool) {
	f := c.Flags()
	if used {
		f |= ChunkFlagUsed
	} else {
		f &^= ChunkFlagUsed
	}
	c.SetFlags(f)
}
