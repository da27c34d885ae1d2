package h264

// NAL unit types used by the capture endpoints. See ITU-T H.264 table 7-1.
const (
	TypeSlice = 1
	TypeIDR   = 5
	TypeSEI   = 6
	TypeSPS   = 7
	TypePPS   = 8
	TypeAUD   = 9
)

// StartCode is the 4-byte Annex B start code.
var StartCode = []byte{0, 0, 0, 1}

type NALU []byte

func (nalu NALU) ForbiddenBit() byte {
	return nalu[0] & 0x80 >> 7
}

func (nalu NALU) NRI() byte {
	return nalu[0] & 0x60 >> 5
}

func (nalu NALU) Type() byte {
	return nalu[0] & 0x1f
}

// IsKeyframe reports whether the unit can start a decodable stream: an IDR
// slice or the parameter sets that precede one.
func (nalu NALU) IsKeyframe() bool {
	if len(nalu) == 0 {
		return false
	}
	switch nalu.Type() {
	case TypeIDR, TypeSPS, TypePPS:
		return true
	}
	return false
}

// IsVCL reports whether the unit carries picture data (and so advances the
// frame clock).
func (nalu NALU) IsVCL() bool {
	if len(nalu) == 0 {
		return false
	}
	t := nalu.Type()
	return t >= TypeSlice && t <= TypeIDR
}
