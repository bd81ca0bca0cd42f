// Package ledger defines the wallet abstraction consumed by the persistence
// core and a reference implementation of it: a key wallet stored in a
// hand-encoded protocol buffer container.
package ledger

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mendozawallet/mendoza/walletcrypt"
)

var (
	// ErrLegacyFormat is returned when asked to load a legacy serialized
	// wallet, which this implementation cannot decode.
	ErrLegacyFormat = errors.New("legacy serialized wallets are not " +
		"supported")

	// ErrWalletLocked is returned when an operation needs private keys of
	// an encrypted wallet but no password was given.
	ErrWalletLocked = errors.New("wallet is encrypted")

	// ErrNotEncrypted is returned when decrypting a plain wallet.
	ErrNotEncrypted = errors.New("wallet is not encrypted")

	// ErrAlreadyEncrypted is returned when encrypting an encrypted wallet.
	ErrAlreadyEncrypted = errors.New("wallet is already encrypted")

	// ErrWrongPassword is returned when a password does not unlock the
	// wallet's keys.
	ErrWrongPassword = errors.New("wrong wallet password")
)

// Wallet is the opaque in-memory wallet the persistence core stores.
type Wallet interface {
	// Encrypted reports whether the private keys are password encrypted.
	Encrypted() bool

	// Serialize writes the wallet in its container format.
	Serialize(w io.Writer) error
}

// Loader decodes wallets from their on-disk form.
type Loader interface {
	// LoadWallet decodes a wallet whose leading bytes classified as
	// format.
	LoadWallet(r io.Reader, format Format) (Wallet, error)
}

// ExportedKey is a private key in wallet import format.
type ExportedKey struct {
	WIF       string
	CreatedAt time.Time
}

// KeyExporter is implemented by wallets that can export their private keys.
type KeyExporter interface {
	// ExportKeys returns every private key, using password to unlock an
	// encrypted wallet.
	ExportKeys(password []byte) ([]ExportedKey, error)
}

// walletKey is one key pair. Exactly one of privKey and encrypted is set.
type walletKey struct {
	pubKey    []byte
	privKey   []byte
	encrypted *walletcrypt.Blob
	createdAt time.Time
}

// KeyWallet is the reference Wallet: a set of keys plus the chain position
// the wallet has been synchronised to.
type KeyWallet struct {
	mu sync.RWMutex

	net         *chaincfg.Params
	description string
	keys        []*walletKey

	lastBlock chainhash.Hash
	height    int32
	txCount   uint32

	encrypted bool
	kdfSalt   []byte
	kdfParams walletcrypt.ScryptParams
}

// A compile time check to ensure KeyWallet implements the Wallet and
// KeyExporter interfaces.
var (
	_ Wallet      = (*KeyWallet)(nil)
	_ KeyExporter = (*KeyWallet)(nil)
)

// NewKeyWallet returns an empty, unencrypted wallet for net.
func NewKeyWallet(net *chaincfg.Params) *KeyWallet {
	return &KeyWallet{
		net:    net,
		height: -1,
	}
}

// Net returns the wallet's network.
func (w *KeyWallet) Net() *chaincfg.Params {
	return w.net
}

// Encrypted reports whether the private keys are password encrypted.
func (w *KeyWallet) Encrypted() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.encrypted
}

// Serialize writes the wallet container to out.
func (w *KeyWallet) Serialize(out io.Writer) error {
	w.mu.RLock()
	b := w.encodeContainer()
	w.mu.RUnlock()

	_, err := out.Write(b)
	return err
}

// Description returns the user supplied wallet description.
func (w *KeyWallet) Description() string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.description
}

// SetDescription replaces the wallet description.
func (w *KeyWallet) SetDescription(description string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.description = description
}

// NumKeys returns the number of keys held by the wallet.
func (w *KeyWallet) NumKeys() int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return len(w.keys)
}

// PubKeys returns the compressed public keys of the wallet.
func (w *KeyWallet) PubKeys() [][]byte {
	w.mu.RLock()
	defer w.mu.RUnlock()

	pubKeys := make([][]byte, 0, len(w.keys))
	for _, k := range w.keys {
		pubKeys = append(pubKeys, append([]byte(nil), k.pubKey...))
	}

	return pubKeys
}

// ChainTip returns the last block the wallet has seen and its height. The
// height is -1 for a wallet that has seen no block.
func (w *KeyWallet) ChainTip() (chainhash.Hash, int32) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.lastBlock, w.height
}

// TxCount returns the number of relevant transactions seen so far.
func (w *KeyWallet) TxCount() uint32 {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.txCount
}

// ConnectBlock advances the wallet to a block, counting relevantTxns
// transactions from it.
func (w *KeyWallet) ConnectBlock(hash chainhash.Hash, height int32,
	relevantTxns int) {

	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastBlock = hash
	w.height = height
	w.txCount += uint32(relevantTxns)
}

// ResetTransactions forgets every transaction and the chain position so the
// wallet can be rebuilt by replaying the chain.
func (w *KeyWallet) ResetTransactions() {
	w.mu.Lock()
	defer w.mu.Unlock()

	log.Infof("Resetting %d transactions, was at height %d", w.txCount,
		w.height)

	w.lastBlock = chainhash.Hash{}
	w.height = -1
	w.txCount = 0
}

// GenerateKey adds a fresh random key and returns its public key. An
// encrypted wallet needs its password to seal the new key.
func (w *KeyWallet) GenerateKey(password []byte) (*btcec.PublicKey, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}

	if _, err := w.ImportKeys(
		[]*btcec.PrivateKey{priv}, time.Now(), password,
	); err != nil {
		return nil, err
	}

	return priv.PubKey(), nil
}

// ImportKeys adds private keys to the wallet, skipping keys it already holds,
// and returns how many were added. An encrypted wallet needs its password.
func (w *KeyWallet) ImportKeys(keys []*btcec.PrivateKey, createdAt time.Time,
	password []byte) (int, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	var aesKey []byte
	if w.encrypted {
		var err error
		aesKey, err = w.unlockKey(password)
		if err != nil {
			return 0, err
		}
		defer wipe(aesKey)
	}

	added := 0
	for _, priv := range keys {
		pub := priv.PubKey().SerializeCompressed()
		if w.hasPubKey(pub) {
			continue
		}

		k := &walletKey{
			pubKey:    pub,
			createdAt: createdAt.Truncate(time.Second),
		}

		if aesKey != nil {
			blob, err := walletcrypt.Encrypt(priv.Serialize(), aesKey)
			if err != nil {
				return added, err
			}
			k.encrypted = blob
		} else {
			k.privKey = priv.Serialize()
		}

		w.keys = append(w.keys, k)
		added++
	}

	log.Debugf("Imported %d of %d keys", added, len(keys))

	return added, nil
}

// EncryptKeys encrypts every private key with a key derived from password
// and a fresh salt, and drops the plaintext keys.
func (w *KeyWallet) EncryptKeys(password []byte,
	params walletcrypt.ScryptParams) error {

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.encrypted {
		return ErrAlreadyEncrypted
	}

	salt := make([]byte, walletcrypt.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return err
	}

	aesKey, err := walletcrypt.DeriveKey(password, salt, params)
	if err != nil {
		return err
	}
	defer wipe(aesKey)

	// Encrypt into a scratch slice first so a failure leaves the wallet
	// untouched.
	blobs := make([]*walletcrypt.Blob, len(w.keys))
	for i, k := range w.keys {
		blobs[i], err = walletcrypt.Encrypt(k.privKey, aesKey)
		if err != nil {
			return err
		}
	}

	for i, k := range w.keys {
		wipe(k.privKey)
		k.privKey = nil
		k.encrypted = blobs[i]
	}

	w.encrypted = true
	w.kdfSalt = salt
	w.kdfParams = params

	log.Infof("Encrypted %d wallet keys", len(w.keys))

	return nil
}

// DecryptKeys removes the password encryption from every private key.
func (w *KeyWallet) DecryptKeys(password []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.encrypted {
		return ErrNotEncrypted
	}

	plain, err := w.decryptAll(password)
	if err != nil {
		return err
	}

	for i, k := range w.keys {
		k.privKey = plain[i]
		k.encrypted = nil
	}

	w.encrypted = false
	w.kdfSalt = nil
	w.kdfParams = walletcrypt.ScryptParams{}

	log.Infof("Decrypted %d wallet keys", len(w.keys))

	return nil
}

// CheckPassword returns nil if password unlocks the wallet.
func (w *KeyWallet) CheckPassword(password []byte) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if !w.encrypted {
		return ErrNotEncrypted
	}

	plain, err := w.decryptAll(password)
	for _, p := range plain {
		wipe(p)
	}

	return err
}

// ExportKeys returns every private key in wallet import format.
func (w *KeyWallet) ExportKeys(password []byte) ([]ExportedKey, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	privKeys := make([][]byte, len(w.keys))
	if w.encrypted {
		var err error
		privKeys, err = w.decryptAll(password)
		if err != nil {
			return nil, err
		}
		defer func() {
			for _, p := range privKeys {
				wipe(p)
			}
		}()
	} else {
		for i, k := range w.keys {
			privKeys[i] = k.privKey
		}
	}

	exported := make([]ExportedKey, 0, len(w.keys))
	for i, k := range w.keys {
		priv, _ := btcec.PrivKeyFromBytes(privKeys[i])
		wif, err := btcutil.NewWIF(priv, w.net, true)
		if err != nil {
			return nil, err
		}

		exported = append(exported, ExportedKey{
			WIF:       wif.String(),
			CreatedAt: k.createdAt,
		})
	}

	return exported, nil
}

// decryptAll returns the plaintext private keys of an encrypted wallet and
// checks each against its public key. The caller holds w.mu.
func (w *KeyWallet) decryptAll(password []byte) ([][]byte, error) {
	aesKey, err := w.unlockKey(password)
	if err != nil {
		return nil, err
	}
	defer wipe(aesKey)

	plain := make([][]byte, 0, len(w.keys))
	for _, k := range w.keys {
		priv, err := walletcrypt.Decrypt(k.encrypted, aesKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrWrongPassword, err)
		}

		_, pub := btcec.PrivKeyFromBytes(priv)
		if !bytes.Equal(pub.SerializeCompressed(), k.pubKey) {
			return nil, ErrWrongPassword
		}

		plain = append(plain, priv)
	}

	return plain, nil
}

// unlockKey derives the AES key of an encrypted wallet and checks it against
// the first key, so new keys are never sealed under a wrong password. The
// caller holds w.mu.
func (w *KeyWallet) unlockKey(password []byte) ([]byte, error) {
	if len(password) == 0 {
		return nil, ErrWalletLocked
	}

	aesKey, err := walletcrypt.DeriveKey(password, w.kdfSalt, w.kdfParams)
	if err != nil {
		return nil, err
	}
	if len(w.keys) == 0 {
		return aesKey, nil
	}

	priv, err := walletcrypt.Decrypt(w.keys[0].encrypted, aesKey)
	if err != nil {
		wipe(aesKey)
		return nil, fmt.Errorf("%w: %v", ErrWrongPassword, err)
	}
	defer wipe(priv)

	_, pub := btcec.PrivKeyFromBytes(priv)
	if !bytes.Equal(pub.SerializeCompressed(), w.keys[0].pubKey) {
		wipe(aesKey)
		return nil, ErrWrongPassword
	}

	return aesKey, nil
}

func (w *KeyWallet) hasPubKey(pub []byte) bool {
	for _, k := range w.keys {
		if bytes.Equal(k.pubKey, pub) {
			return true
		}
	}

	return false
}

// ContainerLoader is the Loader for KeyWallet containers.
type ContainerLoader struct{}

// A compile time check to ensure ContainerLoader implements the Loader
// interface.
var _ Loader = (*ContainerLoader)(nil)

// LoadWallet decodes a KeyWallet container. Legacy streams are refused with
// ErrLegacyFormat.
func (ContainerLoader) LoadWallet(r io.Reader, format Format) (Wallet,
	error) {

	if format == FormatLegacySerialized {
		return nil, ErrLegacyFormat
	}

	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	if _, err := Classify(b); err != nil {
		return nil, err
	}

	return decodeContainer(b)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
