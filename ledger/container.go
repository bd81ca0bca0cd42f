package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mendozawallet/mendoza/walletcrypt"
	"google.golang.org/protobuf/encoding/protowire"
)

// Container field numbers. The container is a protocol buffer message
// written by hand with protowire.
const (
	fieldNetworkID   protowire.Number = 1
	fieldKey         protowire.Number = 2
	fieldLastBlock   protowire.Number = 3
	fieldHeight      protowire.Number = 4
	fieldTxCount     protowire.Number = 5
	fieldEncryption  protowire.Number = 6
	fieldScrypt      protowire.Number = 7
	fieldDescription protowire.Number = 8
)

// Key message field numbers.
const (
	keyFieldPubKey     protowire.Number = 1
	keyFieldPrivKey    protowire.Number = 2
	keyFieldIV         protowire.Number = 3
	keyFieldCiphertext protowire.Number = 4
	keyFieldCreatedAt  protowire.Number = 5
)

// Scrypt message field numbers.
const (
	scryptFieldSalt protowire.Number = 1
	scryptFieldN    protowire.Number = 2
	scryptFieldR    protowire.Number = 3
	scryptFieldP    protowire.Number = 4
)

// encryptionType values stored in fieldEncryption.
const (
	encryptionNone      uint64 = 1
	encryptionScryptAES uint64 = 2
)

// ErrMalformedContainer is returned when a container cannot be decoded.
var ErrMalformedContainer = errors.New("malformed wallet container")

// encodeContainer serialises the wallet state. The caller holds w.mu.
func (w *KeyWallet) encodeContainer() []byte {
	var b []byte

	b = protowire.AppendTag(b, fieldNetworkID, protowire.BytesType)
	b = protowire.AppendString(b, NetworkID(w.net))

	for _, k := range w.keys {
		b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeKey(k))
	}

	if w.lastBlock != (chainhash.Hash{}) {
		b = protowire.AppendTag(b, fieldLastBlock, protowire.BytesType)
		b = protowire.AppendBytes(b, w.lastBlock[:])
	}

	b = protowire.AppendTag(b, fieldHeight, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(w.height)))

	b = protowire.AppendTag(b, fieldTxCount, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(w.txCount))

	encType := encryptionNone
	if w.encrypted {
		encType = encryptionScryptAES
	}
	b = protowire.AppendTag(b, fieldEncryption, protowire.VarintType)
	b = protowire.AppendVarint(b, encType)

	if w.encrypted {
		var s []byte
		s = protowire.AppendTag(s, scryptFieldSalt, protowire.BytesType)
		s = protowire.AppendBytes(s, w.kdfSalt)
		s = protowire.AppendTag(s, scryptFieldN, protowire.VarintType)
		s = protowire.AppendVarint(s, uint64(w.kdfParams.N))
		s = protowire.AppendTag(s, scryptFieldR, protowire.VarintType)
		s = protowire.AppendVarint(s, uint64(w.kdfParams.R))
		s = protowire.AppendTag(s, scryptFieldP, protowire.VarintType)
		s = protowire.AppendVarint(s, uint64(w.kdfParams.P))

		b = protowire.AppendTag(b, fieldScrypt, protowire.BytesType)
		b = protowire.AppendBytes(b, s)
	}

	if w.description != "" {
		b = protowire.AppendTag(b, fieldDescription, protowire.BytesType)
		b = protowire.AppendString(b, w.description)
	}

	return b
}

func encodeKey(k *walletKey) []byte {
	var b []byte

	b = protowire.AppendTag(b, keyFieldPubKey, protowire.BytesType)
	b = protowire.AppendBytes(b, k.pubKey)

	if k.encrypted != nil {
		b = protowire.AppendTag(b, keyFieldIV, protowire.BytesType)
		b = protowire.AppendBytes(b, k.encrypted.IV[:])
		b = protowire.AppendTag(b, keyFieldCiphertext, protowire.BytesType)
		b = protowire.AppendBytes(b, k.encrypted.Ciphertext)
	} else {
		b = protowire.AppendTag(b, keyFieldPrivKey, protowire.BytesType)
		b = protowire.AppendBytes(b, k.privKey)
	}

	b = protowire.AppendTag(b, keyFieldCreatedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(k.createdAt.Unix()))

	return b
}

// field is one decoded top level field.
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

// walkFields calls f for every field of the message in b.
func walkFields(b []byte, f func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedContainer,
				protowire.ParseError(n))
		}
		b = b[n:]

		fld := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			fld.varint, n = protowire.ConsumeVarint(b)

		case protowire.BytesType:
			fld.bytes, n = protowire.ConsumeBytes(b)

		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v",
				ErrMalformedContainer, num,
				protowire.ParseError(n))
		}
		b = b[n:]

		if err := f(fld); err != nil {
			return err
		}
	}

	return nil
}

// scanEncryptionType returns the encryption type of a container without
// decoding its keys.
func scanEncryptionType(b []byte) (uint64, error) {
	encType := encryptionNone
	err := walkFields(b, func(f field) error {
		if f.num == fieldEncryption && f.typ == protowire.VarintType {
			encType = f.varint
		}
		return nil
	})

	return encType, err
}

// decodeContainer parses a container into a new wallet.
func decodeContainer(b []byte) (*KeyWallet, error) {
	w := &KeyWallet{}

	var (
		networkID string
		encType   = encryptionNone
	)
	err := walkFields(b, func(f field) error {
		switch f.num {
		case fieldNetworkID:
			networkID = string(f.bytes)

		case fieldKey:
			k, err := decodeKey(f.bytes)
			if err != nil {
				return err
			}
			w.keys = append(w.keys, k)

		case fieldLastBlock:
			if err := w.lastBlock.SetBytes(f.bytes); err != nil {
				return fmt.Errorf("%w: %v",
					ErrMalformedContainer, err)
			}

		case fieldHeight:
			w.height = int32(protowire.DecodeZigZag(f.varint))

		case fieldTxCount:
			w.txCount = uint32(f.varint)

		case fieldEncryption:
			encType = f.varint

		case fieldScrypt:
			return decodeScrypt(f.bytes, w)

		case fieldDescription:
			w.description = string(f.bytes)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	w.net, err = ParseNetworkID(networkID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedContainer, err)
	}

	switch encType {
	case encryptionNone:
		for _, k := range w.keys {
			if k.privKey == nil {
				return nil, fmt.Errorf("%w: unencrypted wallet "+
					"holds an encrypted key",
					ErrMalformedContainer)
			}
		}

	case encryptionScryptAES:
		if len(w.kdfSalt) == 0 {
			return nil, fmt.Errorf("%w: missing scrypt parameters",
				ErrMalformedContainer)
		}
		for _, k := range w.keys {
			if k.encrypted == nil {
				return nil, fmt.Errorf("%w: encrypted wallet "+
					"holds a plain key",
					ErrMalformedContainer)
			}
		}
		w.encrypted = true

	default:
		return nil, fmt.Errorf("%w: unknown encryption type %d",
			ErrMalformedContainer, encType)
	}

	return w, nil
}

func decodeKey(b []byte) (*walletKey, error) {
	k := &walletKey{}

	var (
		iv         []byte
		ciphertext []byte
	)
	err := walkFields(b, func(f field) error {
		switch f.num {
		case keyFieldPubKey:
			k.pubKey = append([]byte(nil), f.bytes...)

		case keyFieldPrivKey:
			k.privKey = append([]byte(nil), f.bytes...)

		case keyFieldIV:
			iv = f.bytes

		case keyFieldCiphertext:
			ciphertext = append([]byte(nil), f.bytes...)

		case keyFieldCreatedAt:
			k.createdAt = time.Unix(int64(f.varint), 0)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(k.pubKey) == 0 {
		return nil, fmt.Errorf("%w: key without public key",
			ErrMalformedContainer)
	}

	if ciphertext != nil {
		if len(iv) != walletcrypt.IVLen {
			return nil, fmt.Errorf("%w: bad key iv length %d",
				ErrMalformedContainer, len(iv))
		}

		k.encrypted = &walletcrypt.Blob{Ciphertext: ciphertext}
		copy(k.encrypted.IV[:], iv)
	}

	return k, nil
}

func decodeScrypt(b []byte, w *KeyWallet) error {
	return walkFields(b, func(f field) error {
		switch f.num {
		case scryptFieldSalt:
			w.kdfSalt = append([]byte(nil), f.bytes...)
		case scryptFieldN:
			w.kdfParams.N = int(f.varint)
		case scryptFieldR:
			w.kdfParams.R = int(f.varint)
		case scryptFieldP:
			w.kdfParams.P = int(f.varint)
		}

		return nil
	})
}
