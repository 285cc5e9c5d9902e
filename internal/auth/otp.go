// ABOUTME: TOTP second factor: setup with QR code, verification, and backup codes
// ABOUTME: Accepted codes are remembered per user so they cannot be replayed

package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/2389/hearth-gateway/internal/clock"
	"github.com/2389/hearth-gateway/internal/dedupe"
)

const (
	// BackupCodeCount is how many backup codes Enable hands out.
	BackupCodeCount = 10

	otpPeriod    = 30
	otpSkew      = 1
	replayWindow = 90 * time.Second
	qrSize       = 256
)

// OTPSetup is returned to a user starting two-factor enrollment.
type OTPSetup struct {
	Secret string `json:"secret"`
	URL    string `json:"otpauth_url"`
	QRCode string `json:"qr_code"`
}

// OTP validates TOTP codes for one issuer.
type OTP struct {
	issuer string
	clock  clock.Clock
	replay *dedupe.Guard
}

// NewOTP creates an OTP helper. Issuer appears in authenticator apps.
func NewOTP(issuer string, clk clock.Clock) *OTP {
	if clk == nil {
		clk = clock.Real()
	}
	return &OTP{
		issuer: issuer,
		clock:  clk,
		replay: dedupe.New(replayWindow, 10000, clk),
	}
}

// Setup generates a fresh secret for username. Nothing is persisted.
func (o *OTP) Setup(username string) (*OTPSetup, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      o.issuer,
		AccountName: username,
	})
	if err != nil {
		return nil, fmt.Errorf("generating totp secret: %w", err)
	}

	png, err := qrcode.Encode(key.URL(), qrcode.Medium, qrSize)
	if err != nil {
		return nil, fmt.Errorf("encoding qr code: %w", err)
	}

	return &OTPSetup{
		Secret: key.Secret(),
		URL:    key.URL(),
		QRCode: "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
	}, nil
}

// Check validates code against secret without recording it. Used when
// enrolling, where the secret is not yet bound to an account.
func (o *OTP) Check(secret, code string) bool {
	ok, err := totp.ValidateCustom(strings.TrimSpace(code), secret, o.clock.Now(), totp.ValidateOpts{
		Period:    otpPeriod,
		Skew:      otpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// Verify validates code for userID and refuses a code that was already
// accepted for that user within the replay window.
func (o *OTP) Verify(userID int64, secret, code string) bool {
	if !o.Check(secret, code) {
		return false
	}
	return o.replay.Use(strconv.FormatInt(userID, 10) + ":" + strings.TrimSpace(code))
}

// GenerateBackupCodes returns plaintext codes and their bcrypt hashes.
func GenerateBackupCodes() (codes, hashes []string, err error) {
	codes = make([]string, BackupCodeCount)
	hashes = make([]string, BackupCodeCount)
	for i := range codes {
		b := make([]byte, 4)
		if _, err := rand.Read(b); err != nil {
			return nil, nil, fmt.Errorf("reading random bytes: %w", err)
		}
		codes[i] = fmt.Sprintf("%08X", binary.BigEndian.Uint32(b))
		if hashes[i], err = HashPassword(codes[i]); err != nil {
			return nil, nil, err
		}
	}
	return codes, hashes, nil
}

// MatchBackupCode returns the hash among hashes that code matches.
// Removing it is the caller's job.
func MatchBackupCode(hashes []string, code string) (hash string, ok bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "", false
	}
	for _, h := range hashes {
		if CheckPassword(h, code) {
			return h, true
		}
	}
	return "", false
}
