// Package protection detects, encrypts and masks sensitive fields.
//
// Classification is by field name: Classify lower-cases the name and returns
// the first catalog Category with a matching keyword. Unclassified fields are
// never touched.
//
// Encryptor seals single values with XChaCha20-Poly1305 and returns a
// tagged DecryptResult instead of failing, so a plaintext value read back
// through Decrypt is reported as NotEncrypted and a tampered one as
// Corrupted.
//
// Protector applies the record-level policies:
//
//	stored, err := p.EncryptSensitiveFields(record, protection.Confidential)
//	shown := p.MaskSensitiveFields(stored, grantedPermissions)
//	outbound := p.SanitizeForExternalAPI(record, protection.CategoryFinancial)
//
// Masks are always computed from plaintext; masking a masked value is not
// meaningful.
package protection
