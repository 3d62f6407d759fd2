package types

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// KeySetRecSize is the packed size of one keyset record.
const KeySetRecSize = 0x250

// KeySetMagic guards every keyset record ("allocate").
const KeySetMagic uint32 = 0xa110ca2e

// KeyAlgo enumerates keyset algorithms.
type KeyAlgo int32

const (
	AlgoAES256CBC KeyAlgo = 0
	AlgoRSA       KeyAlgo = 1
)

// KeyRole enumerates keyset roles in the derivation chain.
type KeyRole int32

const (
	KRSession    KeyRole = 1 // data blocks are encrypted with this keyset
	KRStorage    KeyRole = 2 // metadata is encrypted with this keyset
	KRMeta       KeyRole = 3
	KREnterprise KeyRole = 4
	KRUser       KeyRole = 5
	KRArchive    KeyRole = 6
	// no 7
	KRPolicy     KeyRole = 8 // RSA private key
	KRAgent      KeyRole = 9 // intermediate AES key unwrapped by the RSA key
	KRNasSession KeyRole = 10
	KRNasBackup  KeyRole = 11
	KRKmsMaster  KeyRole = 12
)

func (r KeyRole) String() string {
	switch r {
	case KRSession:
		return "session"
	case KRStorage:
		return "storage"
	case KRMeta:
		return "meta"
	case KREnterprise:
		return "enterprise"
	case KRUser:
		return "user"
	case KRArchive:
		return "archive"
	case KRPolicy:
		return "policy"
	case KRAgent:
		return "agent"
	case KRNasSession:
		return "nas_session"
	case KRNasBackup:
		return "nas_backup"
	case KRKmsMaster:
		return "kms_master"
	default:
		return "unknown"
	}
}

const (
	keySetHintOff    = 0x14
	keySetHintCap    = 0x200
	keySetRoleOff    = 0x214
	keySetMagicOff   = 0x218
	keySetKeyBlobOff = 0x238
	keySetRestoreOff = 0x240
	keySetTimeOff    = 0x248
)

// windowsEpochDelta is the offset between FILETIME and Unix epochs in
// seconds.
const windowsEpochDelta = 11644473600

// KeySetRec is one keyset record: a UUID-identified key slot with its
// role, algorithm and blob locations.
type KeySetRec struct {
	UUID               Digest
	Algo               KeyAlgo
	Hint               string
	Role               KeyRole
	Magic              uint32
	KeyBlobsLoc        PhysPageID
	RestoreRecBlobsLoc PhysPageID
	Timestamp          uint64 // Windows FILETIME
}

// ParseKeySetRec decodes a keyset record from data at offset off.
func ParseKeySetRec(data []byte, off int) (*KeySetRec, error) {
	if off+KeySetRecSize > len(data) {
		return nil, fmt.Errorf("keyset record needs %#x bytes at %#x, got %#x", KeySetRecSize, off, len(data)-off)
	}

	r := &KeySetRec{
		UUID:               ParseDigest(data, off),
		Algo:               KeyAlgo(int32(binary.LittleEndian.Uint32(data[off+0x10 : off+0x14]))),
		Role:               KeyRole(int32(binary.LittleEndian.Uint32(data[off+keySetRoleOff : off+keySetRoleOff+4]))),
		Magic:              binary.LittleEndian.Uint32(data[off+keySetMagicOff : off+keySetMagicOff+4]),
		KeyBlobsLoc:        ParsePhysPageID(data, off+keySetKeyBlobOff),
		RestoreRecBlobsLoc: ParsePhysPageID(data, off+keySetRestoreOff),
		Timestamp:          binary.LittleEndian.Uint64(data[off+keySetTimeOff : off+keySetTimeOff+8]),
	}

	hint := data[off+keySetHintOff : off+keySetHintOff+keySetHintCap]
	if i := strings.IndexByte(string(hint), 0); i >= 0 {
		hint = hint[:i]
	}
	r.Hint = string(hint)

	return r, nil
}

// Time decodes the FILETIME field.
func (r *KeySetRec) Time() time.Time {
	unix := int64(r.Timestamp/10000000) - windowsEpochDelta
	return time.Unix(unix, 0).UTC()
}

// Valid applies the keyset acceptance rules, including the sanity window
// on the decoded timestamp year.
func (r *KeySetRec) Valid() bool {
	if r.Magic != KeySetMagic ||
		r.Role < KRSession || r.Role > KRKmsMaster ||
		r.Algo < AlgoAES256CBC || r.Algo > AlgoRSA ||
		r.UUID.IsZero() {
		return false
	}

	unix := int64(r.Timestamp/10000000) - windowsEpochDelta
	year := 1970 + unix/31536000
	if year < 2000 || year > 2100 {
		return false
	}

	for _, c := range []byte(r.Hint) {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}

	return r.KeyBlobsLoc.ValidOrEmpty() && r.RestoreRecBlobsLoc.ValidOrEmpty()
}

func (r *KeySetRec) String() string {
	algo := "aes256cbc"
	if r.Algo == AlgoRSA {
		algo = "rsa"
	}
	return fmt.Sprintf("<KeySetRec uuid=%s role=%s algo=%s hint=%q restore_rec_blobs_loc=%s timestamp=%q>",
		uuid.UUID(r.UUID), r.Role, algo, r.Hint, r.RestoreRecBlobsLoc, r.Time().Format("2006-01-02 15:04:05"))
}

// pageHasValidKeySetRec reports whether the page opens with a valid
// keyset record; used by the deep bank validation pass.
func pageHasValidKeySetRec(page []byte) bool {
	r, err := ParseKeySetRec(page, 0)
	return err == nil && r.Valid()
}

// RestoreRecBlobMagic opens every restore record blob.
const RestoreRecBlobMagic uint64 = 0xffffffffffffffff

// restoreRecHeaderSize is the fixed prefix before the variable payload.
const restoreRecHeaderSize = 66

// RestoreRecBlob is a variable-size key blob: a fixed prefix followed by
// the encrypted key, the key checksum and the PBKDF2 salt laid out
// consecutively at the sizes the prefix declares.
type RestoreRecBlob struct {
	KeyrecSize   uint32
	One          uint32
	KeysetIDSize uint32
	KeysetID     Digest
	magic        uint64

	EncryptedKey []byte
	KeyChecksum  []byte
	Salt         []byte
}

// ParseRestoreRecBlob decodes a blob from data (typically one page).
func ParseRestoreRecBlob(data []byte) (*RestoreRecBlob, error) {
	if len(data) < restoreRecHeaderSize {
		return nil, fmt.Errorf("restore rec blob needs %#x header bytes, got %#x", restoreRecHeaderSize, len(data))
	}

	b := &RestoreRecBlob{
		magic:        binary.LittleEndian.Uint64(data[0:8]),
		KeyrecSize:   binary.LittleEndian.Uint32(data[8:12]),
		One:          binary.LittleEndian.Uint32(data[16:20]),
		KeysetIDSize: binary.LittleEndian.Uint32(data[20:24]),
		KeysetID:     ParseDigest(data, 24),
	}

	encKeySize := binary.LittleEndian.Uint32(data[54:58])
	checksumSize := binary.LittleEndian.Uint32(data[58:62])
	saltSize := binary.LittleEndian.Uint32(data[62:66])

	end := restoreRecHeaderSize + int(encKeySize) + int(checksumSize) + int(saltSize)
	if end > len(data) {
		return nil, fmt.Errorf("restore rec blob payload exceeds buffer: need %#x, got %#x", end, len(data))
	}

	p := restoreRecHeaderSize
	b.EncryptedKey = data[p : p+int(encKeySize)]
	p += int(encKeySize)
	b.KeyChecksum = data[p : p+int(checksumSize)]
	p += int(checksumSize)
	b.Salt = data[p : p+int(saltSize)]

	return b, nil
}

// Valid checks the blob magic constants.
func (b *RestoreRecBlob) Valid() bool {
	return b.magic == RestoreRecBlobMagic && b.One == 1 && b.KeysetIDSize == 16
}

// IsPBKDF2Derived reports a password-derived blob (salted).
func (b *RestoreRecBlob) IsPBKDF2Derived() bool {
	return len(b.Salt) != 0 && len(b.EncryptedKey) != 0 && len(b.KeyChecksum) != 0
}

func (b *RestoreRecBlob) String() string {
	return fmt.Sprintf("<RestoreRecBlob keyset_id=%s pbkdf2_derived=%t key_sz=%x chk_sz=%x salt_sz=%x>",
		b.KeysetID, b.IsPBKDF2Derived(), len(b.EncryptedKey), len(b.KeyChecksum), len(b.Salt))
}
