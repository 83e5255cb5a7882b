package playout

// ZoneGeometry describes one zone's placement inside the pool.
type ZoneGeometry struct {
	// Offset is the absolute byte offset of the zone (its backup header).
	Offset int64
	// ChunkCount is the number of chunk header/data slots in this zone.
	// Only the last zone in a pool may be shorter than MaxChunksPerZone.
	ChunkCount uint32
}

// HeaderOffset is the absolute byte offset of this zone's backup header.
func (z ZoneGeometry) HeaderOffset() int64 { return z.Offset }

// ChunkHeadersOffset is the absolute byte offset of the zone's chunk
// header array.
func (z ZoneGeometry) ChunkHeadersOffset() int64 { return z.Offset + ZoneHeaderSize }

// ChunkHeaderOffset is the absolute byte offset of the chunk header at
// index idx within this zone.
func (z ZoneGeometry) ChunkHeaderOffset(idx uint32) int64 {
	return z.ChunkHeadersOffset() + int64(idx)*ChunkHeaderSize
}

// ChunkDataAreaOffset is the absolute byte offset of the zone's chunk data
// array (immediately following every chunk header in the zone, including
// those implicitly covered by a multi-chunk allocation).
func (z ZoneGeometry) ChunkDataAreaOffset() int64 {
	return z.ChunkHeadersOffset() + int64(z.ChunkCount)*ChunkHeaderSize
}

// ChunkDataOffset is the absolute byte offset of chunk idx's data area.
func (z ZoneGeometry) ChunkDataOffset(idx uint32) int64 {
	return z.ChunkDataAreaOffset() + int64(idx)*ChunkSize
}

// Size is the total byte size this zone occupies, including its backup
// header, chunk header array, and chunk data array.
func (z ZoneGeometry) Size() int64 {
	return ZoneHeaderSize + int64(z.ChunkCount)*(ChunkHeaderSize+ChunkSize)
}

// PlanZones computes the zone layout for a pool of the given total size.
// It places as many full zones (MaxChunksPerZone chunks each) as fit after
// FirstZoneOffset, plus one shorter trailing zone if the remainder is at
// least MinZoneChunks chunks wide.
func PlanZones(poolSize int64) []ZoneGeometry {
	var zones []ZoneGeometry
	offset := int64(FirstZoneOffset)
	full := ZoneGeometry{ChunkCount: MaxChunksPerZone}

	for offset+full.Size() <= poolSize {
		zones = append(zones, ZoneGeometry{Offset: offset, ChunkCount: MaxChunksPerZone})
		offset += full.Size()
	}

	remaining := poolSize - offset
	perChunk := int64(ChunkHeaderSize + ChunkSize)
	if remaining > ZoneHeaderSize {
		count := (remaining - ZoneHeaderSize) / perChunk
		if count >= MinZoneChunks {
			zones = append(zones, ZoneGeometry{Offset: offset, ChunkCount: uint32(count)})
		}
	}

	return zones
}

// UsablePoolSize returns the byte offset just past the last of zones, i.e.
// how much of the pool the zone layout actually covers (FirstZoneOffset
// when zones is empty).
func UsablePoolSize(zones []ZoneGeometry) int64 {
	if len(zones) == 0 {
		return FirstZoneOffset
	}
	last := zones[len(zones)-1]
	return last.Offset + last.Size()
}
