package session

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"image/png"
	"math/big"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/ironvault/securitycore/internal/apperr"
)

// MFAService generates and validates TOTP second factors and backup
// recovery codes, using the conventional 30-second step with a ±1 step
// window for clock drift.
type MFAService struct {
	issuer string
}

func NewMFAService(issuer string) *MFAService {
	return &MFAService{issuer: issuer}
}

// GenerateSecret creates a new TOTP secret for accountName and a PNG QR
// code encoding its otpauth:// URI.
func (m *MFAService) GenerateSecret(accountName string) (*otp.Key, []byte, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.issuer,
		AccountName: accountName,
	})
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.ReasonCryptoFailure, "failed to generate totp secret", err)
	}

	img, err := key.Image(200, 200)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.ReasonCryptoFailure, "failed to render qr code", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, nil, apperr.Wrap(apperr.ReasonCryptoFailure, "failed to encode qr code", err)
	}

	return key, buf.Bytes(), nil
}

func (m *MFAService) ValidateCode(code, secret string) bool {
	return totp.Validate(code, secret)
}

// GenerateBackupCodes returns count recovery codes in XXXX-XXXX form,
// drawn from a charset that excludes visually ambiguous characters
// (I, O, 0, 1). Callers must hash each code (via BcryptHasher) before
// persisting it — these are single-use, like verification tokens.
func (m *MFAService) GenerateBackupCodes(count int) ([]string, error) {
	const chars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codes := make([]string, count)

	for i := 0; i < count; i++ {
		code := make([]byte, 8)
		for j := range code {
			n, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
			if err != nil {
				return nil, apperr.Wrap(apperr.ReasonCryptoFailure, "failed to generate backup code", err)
			}
			code[j] = chars[n.Int64()]
		}
		codes[i] = fmt.Sprintf("%s-%s", code[:4], code[4:])
	}
	return codes, nil
}
