package messaging

import (
	"fmt"
	"time"

	"github.com/glimte/rabbitkit/compression"
	"github.com/glimte/rabbitkit/encryption"
)

// Compress compresses the body unless it is already compressed. It returns
// false when nothing was done. Compressing an encrypted body is an error.
func (m *Message) Compress(p compression.Provider) (bool, error) {
	if p == nil {
		return false, fmt.Errorf("%w: nil compression provider", ErrInvalidArgument)
	}
	md := m.Meta()
	if md.Compressed {
		return false, nil
	}
	if md.Encrypted {
		return false, fmt.Errorf("%w: message %s is encrypted", ErrTransformOrder, m.MessageID)
	}
	out, err := p.Compress(m.Body)
	if err != nil {
		return false, fmt.Errorf("compress message %s: %w", m.MessageID, err)
	}
	m.Body = out
	md.Compressed = true
	md.CompressionType = p.Type()
	return true, nil
}

// Encrypt encrypts the body unless it is already encrypted.
func (m *Message) Encrypt(p encryption.Provider) (bool, error) {
	if p == nil {
		return false, fmt.Errorf("%w: nil encryption provider", ErrInvalidArgument)
	}
	md := m.Meta()
	if md.Encrypted {
		return false, nil
	}
	out, err := p.Encrypt(m.Body)
	if err != nil {
		return false, fmt.Errorf("encrypt message %s: %w", m.MessageID, err)
	}
	m.Body = out
	md.Encrypted = true
	md.EncryptionType = p.Type()
	md.EncryptedAt = time.Now().UTC()
	return true, nil
}

// Decrypt reverses Encrypt. It returns false when the body is not encrypted.
func (m *Message) Decrypt(p encryption.Provider) (bool, error) {
	if p == nil {
		return false, fmt.Errorf("%w: nil encryption provider", ErrInvalidArgument)
	}
	md := m.Meta()
	if !md.Encrypted {
		return false, nil
	}
	out, err := p.Decrypt(m.Body)
	if err != nil {
		return false, fmt.Errorf("decrypt message %s: %w", m.MessageID, err)
	}
	m.Body = out
	md.Encrypted = false
	md.EncryptionType = ""
	md.EncryptedAt = time.Time{}
	return true, nil
}

// Decompress reverses Compress. Decompressing a body that is still
// encrypted is an error.
func (m *Message) Decompress(p compression.Provider) (bool, error) {
	if p == nil {
		return false, fmt.Errorf("%w: nil compression provider", ErrInvalidArgument)
	}
	md := m.Meta()
	if md.Encrypted {
		return false, fmt.Errorf("%w: message %s must be decrypted first", ErrTransformOrder, m.MessageID)
	}
	if !md.Compressed {
		return false, nil
	}
	out, err := p.Decompress(m.Body)
	if err != nil {
		return false, fmt.Errorf("decompress message %s: %w", m.MessageID, err)
	}
	m.Body = out
	md.Compressed = false
	md.CompressionType = ""
	return true, nil
}
