package types

import (
	"encoding/base64"
	"encoding/binary"

	sf "github.com/tinode/snowflake"
	"golang.org/x/crypto/xtea"
)

// LocalIDGenerator produces unique local identifiers for transport frames
// and request correlation. Sequential snowflake values are weakly encrypted
// with XTEA so the ids look random.
type LocalIDGenerator struct {
	seq    *sf.SnowFlake
	cipher *xtea.Cipher
}

// Init initializes the generator. The key must be 16 bytes long.
func (g *LocalIDGenerator) Init(workerID uint, key []byte) error {
	var err error

	if g.seq == nil {
		g.seq, err = sf.NewSnowFlake(uint32(workerID))
		if err != nil {
			return err
		}
	}
	if g.cipher == nil {
		g.cipher, err = xtea.NewCipher(key)
	}

	return err
}

// Get generates a unique id as a raw uint64.
func (g *LocalIDGenerator) Get() uint64 {
	buf, err := g.next()
	if err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(buf)
}

// GetStr generates a unique id and returns it as an unpadded base64url string.
func (g *LocalIDGenerator) GetStr() string {
	buf, err := g.next()
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(buf)[:uidBase64Unpadded]
}

func (g *LocalIDGenerator) next() ([]byte, error) {
	id, err := g.seq.Next()
	if err != nil {
		return nil, err
	}

	src := make([]byte, 8)
	dst := make([]byte, 8)
	binary.LittleEndian.PutUint64(src, id)
	g.cipher.Encrypt(dst, src)

	return dst, nil
}
