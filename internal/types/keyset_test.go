package types

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// putKeySetRec writes a minimal valid keyset record at off.
func putKeySetRec(buf []byte, off int, role KeyRole, algo KeyAlgo, uuid Digest, restoreLoc PhysPageID) {
	copy(buf[off:], uuid[:])
	binary.LittleEndian.PutUint32(buf[off+0x10:], uint32(algo))
	binary.LittleEndian.PutUint32(buf[off+keySetRoleOff:], uint32(role))
	binary.LittleEndian.PutUint32(buf[off+keySetMagicOff:], KeySetMagic)
	EmptyPPI.Put(buf, off+keySetKeyBlobOff)
	restoreLoc.Put(buf, off+keySetRestoreOff)
	// 2024-01-01 UTC as FILETIME
	ft := uint64(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Unix()+windowsEpochDelta) * 10000000
	binary.LittleEndian.PutUint64(buf[off+keySetTimeOff:], ft)
}

func TestParseKeySetRec(t *testing.T) {
	buf := make([]byte, KeySetRecSize)
	uuid := Digest{1, 2, 3, 4}
	putKeySetRec(buf, 0, KRStorage, AlgoAES256CBC, uuid, PhysPageID{BankID: 2, PageID: 5})
	copy(buf[keySetHintOff:], "hint text")

	r, err := ParseKeySetRec(buf, 0)
	require.NoError(t, err)

	assert.True(t, r.Valid())
	assert.Equal(t, KRStorage, r.Role)
	assert.Equal(t, AlgoAES256CBC, r.Algo)
	assert.Equal(t, uuid, r.UUID)
	assert.Equal(t, "hint text", r.Hint)
	assert.Equal(t, PhysPageID{BankID: 2, PageID: 5}, r.RestoreRecBlobsLoc)
	assert.Equal(t, 2024, r.Time().Year())
}

func TestKeySetRecRejects(t *testing.T) {
	buf := make([]byte, KeySetRecSize)
	putKeySetRec(buf, 0, KRStorage, AlgoAES256CBC, Digest{1}, EmptyPPI)

	// bad magic
	binary.LittleEndian.PutUint32(buf[keySetMagicOff:], 0x12345678)
	r, err := ParseKeySetRec(buf, 0)
	require.NoError(t, err)
	assert.False(t, r.Valid())

	// timestamp outside the sanity window
	putKeySetRec(buf, 0, KRStorage, AlgoAES256CBC, Digest{1}, EmptyPPI)
	binary.LittleEndian.PutUint64(buf[keySetTimeOff:], 1)
	r, err = ParseKeySetRec(buf, 0)
	require.NoError(t, err)
	assert.False(t, r.Valid())

	// zero uuid
	putKeySetRec(buf, 0, KRStorage, AlgoAES256CBC, Digest{}, EmptyPPI)
	r, err = ParseKeySetRec(buf, 0)
	require.NoError(t, err)
	assert.False(t, r.Valid())

	// role 7 is unassigned but inside the numeric range; role 13 is not
	putKeySetRec(buf, 0, KeyRole(13), AlgoAES256CBC, Digest{1}, EmptyPPI)
	r, err = ParseKeySetRec(buf, 0)
	require.NoError(t, err)
	assert.False(t, r.Valid())
}

// buildRestoreRecBlob assembles a blob with the given payload pieces.
func buildRestoreRecBlob(encKey, checksum, salt []byte) []byte {
	buf := make([]byte, restoreRecHeaderSize+len(encKey)+len(checksum)+len(salt))
	binary.LittleEndian.PutUint64(buf[0:], RestoreRecBlobMagic)
	binary.LittleEndian.PutUint32(buf[16:], 1)
	binary.LittleEndian.PutUint32(buf[20:], 16)
	binary.LittleEndian.PutUint32(buf[54:], uint32(len(encKey)))
	binary.LittleEndian.PutUint32(buf[58:], uint32(len(checksum)))
	binary.LittleEndian.PutUint32(buf[62:], uint32(len(salt)))
	p := restoreRecHeaderSize
	p += copy(buf[p:], encKey)
	p += copy(buf[p:], checksum)
	copy(buf[p:], salt)
	return buf
}

func TestParseRestoreRecBlob(t *testing.T) {
	encKey := make([]byte, 64)
	checksum := make([]byte, 16)
	salt := make([]byte, 16)
	for i := range encKey {
		encKey[i] = byte(i)
	}
	salt[0] = 0xaa

	b, err := ParseRestoreRecBlob(buildRestoreRecBlob(encKey, checksum, salt))
	require.NoError(t, err)

	assert.True(t, b.Valid())
	assert.True(t, b.IsPBKDF2Derived())
	assert.Equal(t, encKey, b.EncryptedKey)
	assert.Equal(t, salt, b.Salt)
}

func TestRestoreRecBlobWithoutSalt(t *testing.T) {
	b, err := ParseRestoreRecBlob(buildRestoreRecBlob(make([]byte, 64), make([]byte, 16), nil))
	require.NoError(t, err)
	assert.True(t, b.Valid())
	assert.False(t, b.IsPBKDF2Derived())
}

func TestRestoreRecBlobOverflow(t *testing.T) {
	data := buildRestoreRecBlob(make([]byte, 64), make([]byte, 16), make([]byte, 16))
	binary.LittleEndian.PutUint32(data[54:], 0xffff)
	_, err := ParseRestoreRecBlob(data)
	assert.Error(t, err)
}
