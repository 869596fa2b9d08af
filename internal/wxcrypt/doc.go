// Package wxcrypt implements the WeCom callback message security protocol:
// envelope signatures and the AES-256-CBC message codec.
//
// # Envelope signature
//
// Every callback carries msg_signature, timestamp and nonce query parameters.
// The signature is the lowercase hex SHA-1 of the token, timestamp, nonce and
// ciphertext strings after sorting them lexicographically and concatenating
// them with no separator. The same function signs outbound replies.
//
// # Codec
//
// The configured EncodingAESKey is base64 (43 characters, padding stripped)
// and decodes to a 32-byte AES-256 key. The CBC IV is the first 16 bytes of
// that key. The plaintext frame is:
//
//	random(16) | len(payload) uint32 big-endian | payload | corp_id
//
// padded with PKCS#7 to a 32-byte boundary.
//
// CBC is malleable, so the codec alone does not detect every tampered block.
// Integrity comes from the envelope signature, which covers the ciphertext;
// use Crypter.Open so the signature is always checked before decryption.
//
// # Error Responses
//
// All failures map onto three sentinels: ErrSignatureMismatch,
// ErrDecryptionFailure and ErrCorpIDMismatch. None of them carry details that
// are safe to echo back to a caller.
package wxcrypt
