package vcrypto

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"

	"github.com/deploymenttheory/go-vbk/internal/types"
)

// Keyring maps keyset UUIDs to their derived AES material and ready
// ciphers. Block descriptors refer to keysets through these UUIDs.
type Keyring struct {
	keys    map[types.Digest]Key
	ciphers map[types.Digest]*Cipher
	session *types.Digest
}

// NewKeyring returns an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{
		keys:    make(map[types.Digest]Key),
		ciphers: make(map[types.Digest]*Cipher),
	}
}

// Register derives a cipher for the key material and stores both under
// the keyset id.
func (k *Keyring) Register(id types.Digest, key Key) error {
	c, err := NewCipher(key)
	if err != nil {
		return err
	}
	k.keys[id] = key
	k.ciphers[id] = c
	return nil
}

// SetSession marks the keyset encrypting data blocks.
func (k *Keyring) SetSession(id types.Digest) {
	k.session = &id
}

// Session returns the session keyset id, if one was derived.
func (k *Keyring) Session() (types.Digest, bool) {
	if k.session == nil {
		return types.Digest{}, false
	}
	return *k.session, true
}

// Cipher returns the cipher registered under id, or nil.
func (k *Keyring) Cipher(id types.Digest) *Cipher {
	return k.ciphers[id]
}

// Key returns the key material registered under id.
func (k *Keyring) Key(id types.Digest) (Key, bool) {
	key, ok := k.keys[id]
	return key, ok
}

// Len returns the number of registered keysets.
func (k *Keyring) Len() int { return len(k.keys) }

// IDs returns the registered keyset ids in stable order.
func (k *Keyring) IDs() []types.Digest {
	ids := make([]types.Digest, 0, len(k.keys))
	for id := range k.keys {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		for b := 0; b < types.DigestSize; b++ {
			if ids[i][b] != ids[j][b] {
				return ids[i][b] < ids[j][b]
			}
		}
		return false
	})
	return ids
}

// Dump file layout: u32 count, then count records of
// (16-byte uuid, 32-byte key, 16-byte iv).
const dumpRecordSize = types.DigestSize + KeySize + IVSize

// WriteDump writes the keyring (or only the session keyset when
// sessionOnly is set) to the dump file format the scanner consumes.
func (k *Keyring) WriteDump(path string, sessionOnly bool) error {
	ids := k.IDs()
	if sessionOnly {
		filtered := ids[:0]
		for _, id := range ids {
			if k.session != nil && *k.session == id {
				filtered = append(filtered, id)
			}
		}
		ids = filtered
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create keyset dump")
	}
	defer f.Close()

	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(len(ids)))
	if _, err := f.Write(count[:]); err != nil {
		return errors.Wrap(err, "write keyset dump")
	}

	for _, id := range ids {
		key := k.keys[id]
		rec := make([]byte, 0, dumpRecordSize)
		rec = append(rec, id[:]...)
		rec = append(rec, key.Key[:]...)
		rec = append(rec, key.IV[:]...)
		if _, err := f.Write(rec); err != nil {
			return errors.Wrap(err, "write keyset dump")
		}
	}
	return nil
}

// LoadDump reads a keyset dump file into the keyring.
func (k *Keyring) LoadDump(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open keyset dump")
	}
	defer f.Close()

	var countBuf [4]byte
	if _, err := io.ReadFull(f, countBuf[:]); err != nil {
		return errors.Wrap(err, "read keyset dump header")
	}
	count := binary.LittleEndian.Uint32(countBuf[:])

	rec := make([]byte, dumpRecordSize)
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(f, rec); err != nil {
			return fmt.Errorf("keyset dump truncated at record %d: %w", i, err)
		}

		var id types.Digest
		copy(id[:], rec[:types.DigestSize])

		var key Key
		copy(key.Key[:], rec[types.DigestSize:types.DigestSize+KeySize])
		copy(key.IV[:], rec[types.DigestSize+KeySize:])

		if err := k.Register(id, key); err != nil {
			return err
		}
	}
	return nil
}
