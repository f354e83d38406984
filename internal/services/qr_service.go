package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image/png"
	"net/url"
	"strings"

	"github.com/skip2/go-qrcode"
)

// Referral is an account's shareable invite
type Referral struct {
	Code    string `json:"code"`
	Link    string `json:"link"`
	QRImage string `json:"qrImage"` // base64 PNG
}

// QRService renders referral links as QR codes
type QRService struct {
	accounts  *AccountService
	publicURL string
}

func NewQRService(accounts *AccountService, publicURL string) *QRService {
	return &QRService{
		accounts:  accounts,
		publicURL: strings.TrimRight(publicURL, "/"),
	}
}

func (s *QRService) Referral(ctx context.Context, accountID string) (*Referral, error) {
	acct, err := s.accounts.Me(ctx, accountID)
	if err != nil {
		return nil, err
	}

	link := fmt.Sprintf("%s/auth/signup?ref=%s", s.publicURL, url.QueryEscape(acct.ReferralCode))
	image, err := encodeQR(link, 256)
	if err != nil {
		return nil, err
	}
	return &Referral{Code: acct.ReferralCode, Link: link, QRImage: image}, nil
}

func encodeQR(content string, size int) (string, error) {
	qr, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(size)); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
