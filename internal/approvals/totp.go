package approvals

import (
	"fmt"
	"io"
	"strings"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"
)

// GenerateTOTPKey creates a secret for operators approving commands.
func GenerateTOTPKey(account string) (*otp.Key, error) {
	if account == "" {
		account = "operator"
	}
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "cmdgate", AccountName: account})
	if err != nil {
		return nil, fmt.Errorf("generate TOTP secret: %w", err)
	}
	return key, nil
}

// WriteTOTPSetup prints the enrolment QR code and the secret for manual
// entry.
func WriteTOTPSetup(w io.Writer, key *otp.Key) error {
	qr, err := qrcode.New(key.URL(), qrcode.Medium)
	if err != nil {
		return fmt.Errorf("generate QR code: %w", err)
	}
	fmt.Fprintln(w, "Scan with an authenticator app:")
	fmt.Fprintln(w)
	for _, line := range strings.Split(qr.ToSmallString(false), "\n") {
		if line != "" {
			fmt.Fprintln(w, "  "+line)
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Secret:  %s\n", key.Secret())
	fmt.Fprintf(w, "URI:     %s\n", key.URL())
	return nil
}
