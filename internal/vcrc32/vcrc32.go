// Package vcrc32 implements the CRC-32 variant used throughout the VBK
// format for slot, bank and LZ4 block integrity.
//
// The variant is CRC-32C (Castagnoli, reflected polynomial 0x82F63B78,
// init 0xFFFFFFFF, final xor 0xFFFFFFFF) seeded through a zero running
// value, which is exactly what hash/crc32 computes with the Castagnoli
// table. The stdlib implementation is hardware accelerated on amd64 and
// arm64, which matters for whole-bank checksumming during scans.
package vcrc32

import "hash/crc32"

var table = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the format CRC of data with a zero seed.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, table)
}

// Update continues a running CRC over data.
func Update(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, table, data)
}
