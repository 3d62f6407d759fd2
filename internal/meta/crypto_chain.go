package meta

import (
	"fmt"

	"github.com/deploymenttheory/go-vbk/internal/types"
	"github.com/deploymenttheory/go-vbk/internal/vcrypto"
)

// decryptBanks derives the keyset chain from the crypto store and then
// decrypts every encrypted bank in place, zeroing the padding residue
// and clearing the encryption fields.
func (s *Store) decryptBanks(cryptoRoot types.PhysPageID, opts Options) error {
	bankIdx := int(cryptoRoot.BankID)
	if bankIdx < 0 || bankIdx >= len(s.banks) || s.banks[bankIdx] == nil {
		return s.failOrLog("invalid CryptoStoreRootPage %s", cryptoRoot)
	}

	if err := s.loadKeysetsFromBank(bankIdx, opts, false); err != nil {
		if ferr := s.failOrLog("keyset chain failed: %v", err); ferr != nil {
			return ferr
		}
		return nil // force mode: leave banks encrypted, metadata shell only
	}

	for i, bank := range s.banks {
		if bank == nil {
			continue
		}
		h, err := types.ParseBankHeader(bank)
		if err != nil || !h.Valid() || !h.IsEncrypted() {
			continue
		}

		cipher := s.keyring.Cipher(h.KeysetID)
		if cipher == nil {
			s.log.Warnf("  no keyset found for bank[%d] keyset %s", i, h.KeysetID)
			continue
		}

		encr := make([]byte, h.EncrSize)
		copy(encr, bank[types.PageSize:types.PageSize+int(h.EncrSize)])
		plain, err := cipher.Decrypt(encr, true)
		if err != nil {
			s.log.Errorf("  failed to decrypt bank[%d] keyset %s: %v", i, h.KeysetID, err)
			continue
		}

		copy(bank[types.PageSize:], plain)
		for p := types.PageSize + len(plain); p < types.PageSize+int(h.EncrSize); p++ {
			bank[p] = 0
		}
		types.ClearBankEncryption(bank)
	}

	return nil
}

// keysetPageRecords decodes every valid keyset record of a page into a
// role-indexed map.
func keysetPageRecords(page []byte) map[types.KeyRole]*types.KeySetRec {
	keysets := make(map[types.KeyRole]*types.KeySetRec)
	for off := 0; off+types.KeySetRecSize <= len(page); off += types.KeySetRecSize {
		rec, err := types.ParseKeySetRec(page, off)
		if err != nil {
			break
		}
		if rec.Valid() {
			keysets[rec.Role] = rec
		}
	}
	return keysets
}

// restoreBlob fetches and parses the restore record blob a keyset points
// at.
func (s *Store) restoreBlob(rec *types.KeySetRec) (*types.RestoreRecBlob, error) {
	page, ok := s.GetPage(rec.RestoreRecBlobsLoc)
	if !ok {
		return nil, fmt.Errorf("couldn't read %s blob at %s", rec.Role, rec.RestoreRecBlobsLoc)
	}
	blob, err := types.ParseRestoreRecBlob(page)
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// unwrapWith AES-decrypts a blob's encrypted key with an already-derived
// cipher and extracts the key material from its tail.
func unwrapWith(cipher *vcrypto.Cipher, blob *types.RestoreRecBlob) (vcrypto.Key, error) {
	buf := make([]byte, len(blob.EncryptedKey))
	copy(buf, blob.EncryptedKey)
	plain, err := cipher.Decrypt(buf, true)
	if err != nil {
		return vcrypto.Key{}, err
	}
	return vcrypto.TailKey(plain)
}

// loadKeysetsFromBank runs the keyset derivation chain rooted in the
// given bank's crypto store page. With isBankSource set, the standalone
// bank is re-homed at the index the keyset page names so that page
// fetches resolve.
func (s *Store) loadKeysetsFromBank(bankIdx int, opts Options, isBankSource bool) error {
	if opts.Password == "" {
		return fmt.Errorf("need a password to decrypt this backup")
	}

	bank := s.banks[bankIdx]
	if len(bank) < 2*types.PageSize {
		return fmt.Errorf("crypto bank %d is truncated", bankIdx)
	}
	page0 := bank[types.PageSize : 2*types.PageSize]
	if !types.IsPageStackRootPage(page0, 0) {
		return fmt.Errorf("CryptoStoreRootPage isn't an index root on page 0")
	}

	keysetPagePPI := types.ParsePhysPageID(page0, 0x10)
	if keysetPagePPI.BankID < 0 {
		return fmt.Errorf("keyset page points to invalid bank %d", keysetPagePPI.BankID)
	}

	if isBankSource {
		// stash the standalone bank where the keyset page expects it
		idx := int(keysetPagePPI.BankID)
		for len(s.banks) <= idx {
			s.banks = append(s.banks, nil)
		}
		s.banks[idx] = bank
	}

	keysetPage, ok := s.GetPage(keysetPagePPI)
	if !ok {
		return fmt.Errorf("couldn't read keyset page at %s", keysetPagePPI)
	}

	keysets := keysetPageRecords(keysetPage)
	if len(keysets) == 0 {
		return fmt.Errorf("no keysets found in bank %d", bankIdx)
	}
	for _, rec := range keysets {
		s.log.Debugf("  keyset found: %s", rec)
	}

	s.keyring = vcrypto.NewKeyring()

	var storageCipher *vcrypto.Cipher
	switch {
	case keysets[types.KRPolicy] != nil:
		s.log.Info("decrypting keysets with KR_POLICY (RSA)")
		cipher, err := s.deriveStorageViaRSA(keysets, opts.Password)
		if err != nil {
			return err
		}
		storageCipher = cipher

	case keysets[types.KRStorage] != nil:
		s.log.Info("decrypting keysets with KR_STORAGE (AES)")
		cipher, err := s.deriveStorageViaPassword(keysets[types.KRStorage], opts.Password)
		if err != nil {
			return err
		}
		storageCipher = cipher

	default:
		return fmt.Errorf("found neither KR_POLICY nor KR_STORAGE keysets")
	}

	s.deriveDownstream(keysets, storageCipher)

	if s.keyring.Len() > 0 {
		s.log.Infof("loaded %d encryption keyset(s)", s.keyring.Len())
		if opts.DumpKeysets != "" {
			if err := s.keyring.WriteDump(opts.DumpKeysets, opts.SessionOnly); err != nil {
				s.log.Errorf("couldn't write keysets: %v", err)
			}
		}
		return nil
	}
	return fmt.Errorf("keyset chain derived nothing")
}

// deriveStorageViaPassword runs the AES-only chain: PBKDF2 over the
// storage blob's salt unlocks the storage key directly.
func (s *Store) deriveStorageViaPassword(storage *types.KeySetRec, password string) (*vcrypto.Cipher, error) {
	blob, err := s.restoreBlob(storage)
	if err != nil {
		return nil, err
	}

	plain, err := vcrypto.DecryptPBKDF2Data(password, blob.Salt, blob.EncryptedKey)
	if err != nil {
		return nil, err
	}
	key, err := vcrypto.TailKey(plain)
	if err != nil {
		return nil, err
	}

	if err := s.keyring.Register(storage.UUID, key); err != nil {
		return nil, err
	}
	return s.keyring.Cipher(storage.UUID), nil
}

// deriveStorageViaRSA runs the RSA chain: PBKDF2 unlocks the policy RSA
// private key, which unwraps the agent key, which in turn decrypts the
// storage key.
func (s *Store) deriveStorageViaRSA(keysets map[types.KeyRole]*types.KeySetRec, password string) (*vcrypto.Cipher, error) {
	policyBlob, err := s.restoreBlob(keysets[types.KRPolicy])
	if err != nil {
		return nil, err
	}
	if !policyBlob.IsPBKDF2Derived() {
		return nil, fmt.Errorf("RSA key blob isn't password derived")
	}

	keyBytes, err := vcrypto.DecryptPBKDF2Data(password, policyBlob.Salt, policyBlob.EncryptedKey)
	if err != nil {
		return nil, err
	}
	if len(keyBytes) <= 8 {
		return nil, fmt.Errorf("decrypted RSA key is too short")
	}
	privateKeyPEM := keyBytes[8:] // fixed header precedes the PEM body

	agentRec := keysets[types.KRAgent]
	if agentRec == nil {
		return nil, fmt.Errorf("no KR_AGENT keyset found")
	}
	agentBlob, err := s.restoreBlob(agentRec)
	if err != nil {
		return nil, err
	}

	agentPlain, err := vcrypto.RSADecrypt(privateKeyPEM, vcrypto.ReverseBytes(agentBlob.EncryptedKey))
	if err != nil {
		return nil, err
	}
	agentKey, err := vcrypto.TailKey(agentPlain)
	if err != nil {
		return nil, err
	}
	agentCipher, err := vcrypto.NewCipher(agentKey)
	if err != nil {
		return nil, err
	}

	storageRec := keysets[types.KRStorage]
	if storageRec == nil {
		return nil, fmt.Errorf("no KR_STORAGE keyset found")
	}
	storageBlob, err := s.restoreBlob(storageRec)
	if err != nil {
		return nil, err
	}
	storageKey, err := unwrapWith(agentCipher, storageBlob)
	if err != nil {
		return nil, err
	}

	if err := s.keyring.Register(storageRec.UUID, storageKey); err != nil {
		return nil, err
	}
	return s.keyring.Cipher(storageRec.UUID), nil
}

// deriveDownstream unwraps the meta keyset and then the session keyset
// with the storage cipher. The session keyset is only unwrapped after the
// meta keyset was found and registered; when the meta keyset is absent or
// fails, the session keyset is not unwrapped either. Failures here degrade
// gracefully; the storage key alone is enough for bank decryption.
func (s *Store) deriveDownstream(keysets map[types.KeyRole]*types.KeySetRec, storageCipher *vcrypto.Cipher) {
	metaRec := keysets[types.KRMeta]
	if metaRec == nil {
		return
	}
	metaBlob, err := s.restoreBlob(metaRec)
	if err != nil {
		s.log.Warnf("KR_META: %v", err)
		return
	}
	metaKey, err := unwrapWith(storageCipher, metaBlob)
	if err != nil {
		s.log.Warnf("KR_META unwrap: %v", err)
		return
	}
	if err := s.keyring.Register(metaRec.UUID, metaKey); err != nil {
		s.log.Warnf("KR_META register: %v", err)
		return
	}

	sessionRec := keysets[types.KRSession]
	if sessionRec == nil {
		return
	}
	sessionBlob, err := s.restoreBlob(sessionRec)
	if err != nil {
		s.log.Warnf("KR_SESSION: %v", err)
		return
	}
	sessionKey, err := unwrapWith(storageCipher, sessionBlob)
	if err != nil {
		s.log.Warnf("KR_SESSION unwrap: %v", err)
		return
	}
	if err := s.keyring.Register(sessionRec.UUID, sessionKey); err != nil {
		s.log.Warnf("KR_SESSION register: %v", err)
		return
	}
	s.keyring.SetSession(sessionRec.UUID)
}
