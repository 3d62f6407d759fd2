package util

// LZ4CompressedLength walks an LZ4 block stream and returns how many
// input bytes produce decompressedSize output bytes. Carved and
// encrypted blocks arrive with trailing slack the block decoder must
// not see, so the exact stream length has to be recovered first.
func LZ4CompressedLength(src []byte, decompressedSize int) int {
	pos, out := 0, 0
	for pos < len(src) && out < decompressedSize {
		token := src[pos]
		pos++

		litLen := int(token >> 4)
		if litLen == 15 {
			for pos < len(src) {
				b := src[pos]
				pos++
				litLen += int(b)
				if b != 255 {
					break
				}
			}
		}
		pos += litLen
		out += litLen
		if out >= decompressedSize || pos >= len(src) {
			break
		}

		pos += 2 // little-endian match offset
		matchLen := int(token&0xf) + 4
		if token&0xf == 15 {
			for pos < len(src) {
				b := src[pos]
				pos++
				matchLen += int(b)
				if b != 255 {
					break
				}
			}
		}
		out += matchLen
	}
	if pos > len(src) {
		pos = len(src)
	}
	return pos
}
